package correlation_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/choreo/correlation"
)

var (
	k1 = correlation.NewKey("alpha", "1")
	k2 = correlation.NewKey("beta", "2")
	k3 = correlation.NewKey("gamma", "3")
)

func TestKeySetAddReplacesSameSet(t *testing.T) {
	s := correlation.NewKeySet(k1, correlation.NewKey("alpha", "other"))
	require.Equal(t, 1, s.Len())

	got, ok := s.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, []string{"other"}, got.Values())
}

func TestKeySetAddDoesNotMutate(t *testing.T) {
	s := correlation.NewKeySet(k1)
	_ = s.Add(k2)
	assert.Equal(t, 1, s.Len())
}

func TestKeySetCanonicalForm(t *testing.T) {
	s := correlation.NewKeySet(k2, k1)
	assert.Equal(t, "@2[alpha~1],[beta~2]", s.String(), "keys sorted by set name")

	parsed, err := correlation.ParseKeySet(s.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(s))
}

func TestKeySetBracketEscaping(t *testing.T) {
	s := correlation.NewKeySet(correlation.NewKey("weird", "a]b", "]"), k1)
	parsed, err := correlation.ParseKeySet(s.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(s), "got %s want %s", parsed, s)
}

func TestParseKeySetForms(t *testing.T) {
	empty, err := correlation.ParseKeySet("")
	require.NoError(t, err)
	assert.True(t, empty.IsEmpty())

	versionOnly, err := correlation.ParseKeySet("@2")
	require.NoError(t, err)
	assert.True(t, versionOnly.IsEmpty())

	legacy, err := correlation.ParseKeySet("alpha~1")
	require.NoError(t, err)
	assert.True(t, legacy.Equal(correlation.NewKeySet(k1)))

	_, err = correlation.ParseKeySet("@2[alpha~1")
	require.ErrorIs(t, err, correlation.ErrMalformed)
}

func TestKeySetContainsAllAndEqual(t *testing.T) {
	both := correlation.NewKeySet(k1, k2)
	assert.True(t, both.ContainsAll(correlation.NewKeySet(k1)))
	assert.True(t, both.ContainsAll(correlation.KeySet{}))
	assert.False(t, correlation.NewKeySet(k1).ContainsAll(both))
	assert.True(t, both.Equal(correlation.NewKeySet(k2, k1)))
	assert.False(t, both.Equal(correlation.NewKeySet(k1)))
}

func TestKeySetIsRoutableTo(t *testing.T) {
	msg := correlation.NewKeySet(k1, k2)
	assert.True(t, msg.IsRoutableTo(correlation.NewKeySet(k1), false))
	assert.False(t, msg.IsRoutableTo(correlation.NewKeySet(k3), false))

	opaque := correlation.NewKeySet(correlation.NewOpaqueKey("x"))
	assert.False(t, correlation.KeySet{}.IsRoutableTo(opaque, false))
	assert.True(t, correlation.KeySet{}.IsRoutableTo(opaque, true))
}

func TestKeySetSubsets(t *testing.T) {
	s := correlation.NewKeySet(k1, k2, k3)
	subsets := s.Subsets()
	require.Len(t, subsets, 7)

	want := []string{
		"@2[alpha~1]",
		"@2[beta~2]",
		"@2[alpha~1],[beta~2]",
		"@2[gamma~3]",
		"@2[alpha~1],[gamma~3]",
		"@2[beta~2],[gamma~3]",
		"@2[alpha~1],[beta~2],[gamma~3]",
	}
	for i, sub := range subsets {
		assert.Equal(t, want[i], sub.String())
	}
}

func TestKeySetSubsetsDropOpaqueWhenExplicitPresent(t *testing.T) {
	s := correlation.NewKeySet(k1, correlation.NewOpaqueKey("x"))
	subsets := s.Subsets()
	require.Len(t, subsets, 1)
	assert.True(t, subsets[0].Equal(correlation.NewKeySet(k1)))

	empty := correlation.KeySet{}.Subsets()
	require.Len(t, empty, 1)
	assert.True(t, empty[0].IsEmpty())
}

func TestKeySetJSON(t *testing.T) {
	type envelope struct {
		Keys correlation.KeySet `json:"keys"`
	}
	in := envelope{Keys: correlation.NewKeySet(k1, k2)}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":"@2[alpha~1],[beta~2]"}`, string(data))

	var out envelope
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Keys.Equal(in.Keys))
}
