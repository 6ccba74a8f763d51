package correlation

import (
	"fmt"
	"sort"
	"strings"
)

const keySetVersion = "2"

// KeySet is an unordered collection of keys, at most one per correlation
// set. A message may satisfy several correlation sets at once; the set of
// all its keys is what gets routed. KeySet is a value type: Add returns a
// new set and never mutates the receiver.
//
// The zero value is the empty set, used for uncorrelated receives.
type KeySet struct {
	keys []Key // sorted by set name
}

// NewKeySet builds a set from keys. Later keys replace earlier keys of the
// same correlation set.
func NewKeySet(keys ...Key) KeySet {
	var s KeySet
	for _, k := range keys {
		s = s.Add(k)
	}
	return s
}

// Add returns a copy of s with k added, replacing any key of the same set.
func (s KeySet) Add(k Key) KeySet {
	out := make([]Key, 0, len(s.keys)+1)
	for _, existing := range s.keys {
		if existing.set != k.set {
			out = append(out, existing)
		}
	}
	out = append(out, k)
	sort.SliceStable(out, func(i, j int) bool { return out[i].set < out[j].set })
	return KeySet{keys: out}
}

// Len returns the number of keys.
func (s KeySet) Len() int { return len(s.keys) }

// IsEmpty reports whether the set has no keys.
func (s KeySet) IsEmpty() bool { return len(s.keys) == 0 }

// Keys returns the keys ordered by set name.
func (s KeySet) Keys() []Key {
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}

// Get returns the key of the named correlation set.
func (s KeySet) Get(set string) (Key, bool) {
	for _, k := range s.keys {
		if k.set == set {
			return k, true
		}
	}
	return Key{}, false
}

// Contains reports whether k is a member of s.
func (s KeySet) Contains(k Key) bool {
	for _, existing := range s.keys {
		if existing.Equal(k) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether s is a superset of o.
func (s KeySet) ContainsAll(o KeySet) bool {
	for _, k := range o.keys {
		if !s.Contains(k) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same keys.
func (s KeySet) Equal(o KeySet) bool {
	return len(s.keys) == len(o.keys) && s.ContainsAll(o)
}

// IsOpaque reports whether the only key in s is an opaque key.
func (s KeySet) IsOpaque() bool {
	return len(s.keys) == 1 && s.keys[0].IsOpaque()
}

// IsRoutableTo reports whether a message carrying s may be delivered to a
// route declaring candidate. A route with policy "all" also accepts
// uncorrelated messages when it only declared an opaque key.
func (s KeySet) IsRoutableTo(candidate KeySet, allRoute bool) bool {
	if s.ContainsAll(candidate) {
		return true
	}
	return allRoute && candidate.IsOpaque() && s.IsEmpty()
}

// Subsets returns every non-empty subset of s, in binary-counting order
// over the sorted keys ({k1}, {k2}, {k1,k2}, {k3}, ...). When s mixes an
// opaque key with explicit keys the opaque key is left out. The empty set
// yields a single empty subset.
func (s KeySet) Subsets() []KeySet {
	explicit := s.keys
	if len(s.keys) > 1 {
		explicit = make([]Key, 0, len(s.keys))
		for _, k := range s.keys {
			if !k.IsOpaque() {
				explicit = append(explicit, k)
			}
		}
		if len(explicit) == 0 {
			explicit = s.keys
		}
	}

	n := len(explicit)
	if n == 0 {
		return []KeySet{{}}
	}

	subsets := make([]KeySet, 0, (1<<n)-1)
	for pattern := 1; pattern < 1<<n; pattern++ {
		var sub []Key
		for i := range n {
			if pattern&(1<<i) != 0 {
				sub = append(sub, explicit[i])
			}
		}
		subsets = append(subsets, KeySet{keys: sub})
	}
	return subsets
}

// String returns the canonical form "@2[key1],[key2]" with ']' inside a key
// doubled.
func (s KeySet) String() string {
	var b strings.Builder
	b.WriteString("@")
	b.WriteString(keySetVersion)
	for i, k := range s.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('[')
		b.WriteString(strings.ReplaceAll(k.String(), "]", "]]"))
		b.WriteByte(']')
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (s KeySet) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *KeySet) UnmarshalText(data []byte) error {
	parsed, err := ParseKeySet(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseKeySet parses a canonical key set. An empty or blank string is the
// empty set; a string without the '@' version marker is a legacy single-key
// set.
func ParseKeySet(canonical string) (KeySet, error) {
	if strings.TrimSpace(canonical) == "" {
		return KeySet{}, nil
	}
	if !strings.HasPrefix(canonical, "@") {
		k, err := ParseKey(canonical)
		if err != nil {
			return KeySet{}, err
		}
		return NewKeySet(k), nil
	}

	open := strings.IndexByte(canonical, '[')
	if open == -1 {
		// Version marker only: the empty set.
		return KeySet{}, nil
	}

	var (
		set    KeySet
		cur    strings.Builder
		inside bool
	)
	flush := func() error {
		if strings.TrimSpace(cur.String()) == "" {
			cur.Reset()
			return nil
		}
		k, err := ParseKey(cur.String())
		if err != nil {
			return err
		}
		set = set.Add(k)
		cur.Reset()
		return nil
	}

	body := canonical[open:]
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case !inside && c == '[':
			inside = true
		case !inside && c == ',':
		case !inside:
			return KeySet{}, fmt.Errorf("%w: unexpected %q at offset %d in %q", ErrMalformed, c, open+i, canonical)
		case c == ']' && i+1 < len(body) && body[i+1] == ']':
			cur.WriteByte(']')
			i++
		case c == ']':
			inside = false
			if err := flush(); err != nil {
				return KeySet{}, err
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inside {
		return KeySet{}, fmt.Errorf("%w: unterminated key in %q", ErrMalformed, canonical)
	}
	return set, nil
}

// MustParseKeySet is like ParseKeySet but panics on error.
func MustParseKeySet(canonical string) KeySet {
	s, err := ParseKeySet(canonical)
	if err != nil {
		panic(err)
	}
	return s
}
