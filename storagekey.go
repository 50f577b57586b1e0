package strategycache

import (
	"fmt"
	"strings"
)

// Content storage key layout.

const storeKeyPrefix = "stores"

// StorePrefix returns the backend prefix holding every entry of a named
// content store. Format: stores/{store}/
func StorePrefix(store string) string {
	return storeKeyPrefix + "/" + store + "/"
}

// StoresRoot returns the prefix under which all named content stores live.
func StoresRoot() string {
	return storeKeyPrefix + "/"
}

// StorageKey returns the backend storage key for an entry of a named store.
// Format: stores/{store}/{hex[:2]}/{hex}
func StorageKey(store string, k Key) string {
	hex := k.String()
	return StorePrefix(store) + hex[:2] + "/" + hex
}

// ParseStorageKey splits a backend storage key into its store name and key.
func ParseStorageKey(key string) (string, Key, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != storeKeyPrefix {
		return "", Key{}, fmt.Errorf("invalid storage key format: %s", key)
	}
	if parts[1] == "" {
		return "", Key{}, fmt.Errorf("missing store name in key: %s", key)
	}
	k, err := ParseKey(parts[3])
	if err != nil {
		return "", Key{}, fmt.Errorf("invalid key in %q: %w", key, err)
	}
	if k.Dir() != parts[2] {
		return "", Key{}, fmt.Errorf("shard mismatch in key: %s", key)
	}
	return parts[1], k, nil
}
