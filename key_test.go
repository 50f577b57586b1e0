package strategycache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopedKeyDeterministic(t *testing.T) {
	params := map[string]string{"locale": "en", "v": "2"}

	a := ScopedKey("https://api.example.com/feed", "user-1", params)
	b := ScopedKey("https://api.example.com/feed", "user-1", map[string]string{"v": "2", "locale": "en"})

	require.Equal(t, a, b)
	require.False(t, a.IsZero())
}

func TestScopedKeySeparatesScopes(t *testing.T) {
	url := "https://api.example.com/profile"

	alice := ScopedKey(url, "alice", nil)
	bob := ScopedKey(url, "bob", nil)

	assert.NotEqual(t, alice, bob)
}

func TestScopedKeySeparatesParams(t *testing.T) {
	url := "https://api.example.com/feed"

	withParam := ScopedKey(url, "user-1", map[string]string{"page": "2"})
	without := ScopedKey(url, "user-1", nil)

	assert.NotEqual(t, withParam, without)
}

func TestScopedKeyFieldBoundaries(t *testing.T) {
	a := ScopedKey("https://a.example/x", "bc", nil)
	b := ScopedKey("https://a.example/xb", "c", nil)

	assert.NotEqual(t, a, b)
}

func TestKeyStringForms(t *testing.T) {
	k := ScopedKey("https://cdn.example.com/img.png", "anonymous", nil)

	require.Len(t, k.String(), KeySize*2)
	require.Len(t, k.ShortString(), 16)
	require.True(t, strings.HasPrefix(k.String(), k.ShortString()))
	require.Len(t, k.Dir(), 2)
	require.True(t, strings.HasPrefix(k.String(), k.Dir()))
}

func TestParseKey(t *testing.T) {
	original := ScopedKey("https://cdn.example.com/a.css", "anonymous", nil)

	parsed, err := ParseKey(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseKey("abc")
	require.Error(t, err)

	_, err = ParseKey(strings.Repeat("zz", KeySize))
	require.Error(t, err)
}
