// Package strategycache holds the identifiers and error kinds shared by the
// cache engine packages.
package strategycache

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// KeySize is the size of a scoped cache key in bytes (256 bits).
const KeySize = 32

// Key identifies a cached resource for a single user scope.
type Key [KeySize]byte

// String returns the hex-encoded representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation for logging.
func (k Key) ShortString() string {
	return hex.EncodeToString(k[:8])
}

// Dir returns the first two hex characters of the key, used to shard
// content into subdirectories.
func (k Key) Dir() string {
	return hex.EncodeToString(k[:1])
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	if len(text) != KeySize*2 {
		return fmt.Errorf("invalid key length: expected %d hex chars, got %d", KeySize*2, len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// ParseKey parses a hex-encoded key string.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}

// ScopedKey derives the cache key for url as seen by userScope.
//
// params holds the request options that change the cached representation
// (for example a locale or an API version). They are hashed in sorted key
// order so map iteration order never changes the result. Two different
// scopes never share a key for the same url.
func ScopedKey(url, userScope string, params map[string]string) Key {
	h := blake3.New()
	writeField(h, "url", url)
	writeField(h, "scope", userScope)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeField(h, "param:"+name, params[name])
	}

	var k Key
	h.Sum(k[:0])
	return k
}

// writeField writes a length-prefixed label/value pair so that adjacent
// values cannot be confused ("ab"+"c" vs "a"+"bc").
func writeField(h *blake3.Hasher, label, value string) {
	_, _ = fmt.Fprintf(h, "%d:%s%d:%s", len(label), label, len(value), value)
}
