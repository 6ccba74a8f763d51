// Package id holds the identifiers of choreo's persisted entities.
//
// Every identifier is a TypeID: a short entity prefix, an underscore and a
// base32 UUIDv7 suffix ("mex_01h2xcejqtf2nbrexx3vqjhp41"). Suffixes sort
// by creation time, which the stores rely on for FIFO listings.
package id

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the entity an ID belongs to.
type Prefix string

const (
	PrefixJob     Prefix = "job"
	PrefixMex     Prefix = "mex"
	PrefixDLQ     Prefix = "dlq"
	PrefixNode    Prefix = "node"
	PrefixMessage Prefix = "msg"
)

var errEmpty = errors.New("id: empty string")

// ID is a prefixed TypeID. The zero value is Nil and renders as "".
//
//nolint:recvcheck // UnmarshalText and Scan need pointer receivers.
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the unset ID.
var Nil ID

// The aliases document intent at call sites; the prefix is only checked by
// the matching Parse function.
type (
	JobID     = ID
	MexID     = ID
	DLQID     = ID
	NodeID    = ID
	MessageID = ID
)

func NewJobID() JobID         { return New(PrefixJob) }
func NewMexID() MexID         { return New(PrefixMex) }
func NewDLQID() DLQID         { return New(PrefixDLQ) }
func NewNodeID() NodeID       { return New(PrefixNode) }
func NewMessageID() MessageID { return New(PrefixMessage) }

func ParseJobID(s string) (JobID, error)         { return ParseWithPrefix(s, PrefixJob) }
func ParseMexID(s string) (MexID, error)         { return ParseWithPrefix(s, PrefixMex) }
func ParseDLQID(s string) (DLQID, error)         { return ParseWithPrefix(s, PrefixDLQ) }
func ParseNodeID(s string) (NodeID, error)       { return ParseWithPrefix(s, PrefixNode) }
func ParseMessageID(s string) (MessageID, error) { return ParseWithPrefix(s, PrefixMessage) }

// New returns a fresh ID. An invalid prefix is a programming error and
// panics.
func New(p Prefix) ID {
	tid, err := typeid.Generate(string(p))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", p, err))
	}
	return ID{tid: tid, set: true}
}

// Parse decodes any prefixed TypeID.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, errEmpty
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseWithPrefix decodes s and rejects IDs of another entity.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	v, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := v.Prefix(); got != want {
		return Nil, fmt.Errorf("id: %q has prefix %q, want %q", s, got, want)
	}
	return v, nil
}

func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

// IsNil reports whether i is unset.
func (i ID) IsNil() bool { return !i.set }

func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText accepts an empty input as Nil.
func (i *ID) UnmarshalText(b []byte) error { return i.decode(string(b)) }

// Value stores Nil as SQL NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.set {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.String(), nil
}

// Scan reads text columns; NULL and "" scan to Nil.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.decode(v)
	case []byte:
		return i.decode(string(v))
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}

func (i *ID) decode(s string) error {
	if s == "" {
		*i = Nil
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}
