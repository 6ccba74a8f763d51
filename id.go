package choreo

import "github.com/xraph/choreo/id"

// ID is the primary identifier type for choreo entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
