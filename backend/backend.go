// Package backend provides the key/value storage the content store writes
// encoded responses to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix uses "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// Usage sums the stored size of every key under prefix.
// Keys removed while the walk is in progress are skipped.
func Usage(ctx context.Context, b SizeAwareBackend, prefix string) (int64, int, error) {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return 0, 0, fmt.Errorf("listing %q: %w", prefix, err)
	}

	var total int64
	var count int
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return total, count, err
		}
		size, err := b.Size(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return total, count, fmt.Errorf("sizing %q: %w", key, err)
		}
		total += size
		count++
	}
	return total, count, nil
}

// DeletePrefix removes every key under prefix and returns how many were deleted.
func DeletePrefix(ctx context.Context, b Backend, prefix string) (int, error) {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing %q: %w", prefix, err)
	}

	deleted := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := b.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("deleting %q: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}
