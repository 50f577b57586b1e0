package strategycache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageKey(t *testing.T) {
	k := ScopedKey("https://cdn.example.com/logo.png", "anonymous", nil)

	key := StorageKey("images", k)
	require.True(t, strings.HasPrefix(key, StorePrefix("images")))
	require.True(t, strings.HasPrefix(key, StoresRoot()))
	require.Equal(t, "stores/images/"+k.Dir()+"/"+k.String(), key)
}

func TestParseStorageKey(t *testing.T) {
	k := ScopedKey("https://api.example.com/v1/items", "user-7", nil)

	store, parsed, err := ParseStorageKey(StorageKey("api", k))
	require.NoError(t, err)
	require.Equal(t, "api", store)
	require.Equal(t, k, parsed)
}

func TestParseStorageKeyInvalid(t *testing.T) {
	k := ScopedKey("https://api.example.com/v1/items", "user-7", nil)

	tests := []struct {
		name string
		key  string
	}{
		{"wrong prefix", "blobs/api/" + k.Dir() + "/" + k.String()},
		{"too short", "stores/api/" + k.String()},
		{"empty store", "stores//" + k.Dir() + "/" + k.String()},
		{"bad hex", "stores/api/zz/" + strings.Repeat("z", KeySize*2)},
		{"shard mismatch", "stores/api/zz/" + k.String()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseStorageKey(tt.key)
			require.Error(t, err)
		})
	}
}
