package correlation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// OpaqueSet is the set name of keys generated by the engine rather than
// computed from message properties.
const OpaqueSet = "-1"

// ErrMalformed is returned when a canonical string cannot be parsed.
var ErrMalformed = errors.New("correlation: malformed canonical form")

// ErrInvalidSet is returned for a set name that cannot appear in the
// canonical form.
var ErrInvalidSet = errors.New("correlation: invalid set name")

// Key is the tuple of values one correlation set takes on one message or
// process instance. Keys are immutable; the zero value is not a valid key.
type Key struct {
	set    string
	values []string
}

// NewKey creates a key for the named correlation set. It panics if set
// fails ValidateSet; names from configuration are checked up front.
func NewKey(set string, values ...string) Key {
	if err := ValidateSet(set); err != nil {
		panic(err)
	}
	return Key{set: set, values: slices.Clone(values)}
}

// ValidateSet checks that name can be used as a correlation set name. The
// set name is written unescaped, so it may not contain '~'.
func ValidateSet(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSet)
	}
	if strings.ContainsRune(name, '~') {
		return fmt.Errorf("%w: %q contains '~'", ErrInvalidSet, name)
	}
	return nil
}

// NewOpaqueKey creates a key in the opaque set.
func NewOpaqueKey(values ...string) Key {
	return NewKey(OpaqueSet, values...)
}

// Set returns the correlation set name.
func (k Key) Set() string { return k.set }

// Values returns a copy of the key values.
func (k Key) Values() []string { return slices.Clone(k.values) }

// IsOpaque reports whether the key belongs to the opaque set.
func (k Key) IsOpaque() bool { return k.set == OpaqueSet }

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return k.set == "" && len(k.values) == 0 }

// Equal reports structural equality: same set and same ordered values.
func (k Key) Equal(o Key) bool {
	return k.set == o.set && slices.Equal(k.values, o.values)
}

// String returns the canonical form "set~v1~v2" with '~' inside values
// doubled.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.set)
	for _, v := range k.values {
		b.WriteByte('~')
		b.WriteString(strings.ReplaceAll(v, "~", "~~"))
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(data []byte) error {
	parsed, err := ParseKey(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses the canonical form produced by Key.String.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty key", ErrMalformed)
	}

	first := strings.IndexByte(s, '~')
	if first == -1 {
		return Key{set: s}, nil
	}
	if first == 0 {
		return Key{}, fmt.Errorf("%w: key %q has no set name", ErrMalformed, s)
	}

	k := Key{set: s[:first]}
	var cur strings.Builder
	rest := s[first+1:]
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c == '~' && i+1 < len(rest) && rest[i+1] == '~':
			cur.WriteByte('~')
			i++
		case c == '~':
			k.values = append(k.values, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	k.values = append(k.values, cur.String())
	return k, nil
}
