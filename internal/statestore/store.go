// Package statestore provides the key-value state stores that hold task and
// file records. Every backend is addressed by a logical store name and a key,
// and supports optimistic concurrency through opaque etags.
package statestore

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrETagMismatch   = errors.New("etag mismatch")
	ErrUnavailable    = errors.New("state store unavailable")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Entry is a stored value together with the etag of the revision it was read at.
type Entry struct {
	Key   string
	Value []byte
	ETag  string
}

// Store is the get/set/delete contract shared by all backends.
//
// Set with an empty etag writes unconditionally. A non-empty etag makes the
// write conditional on the stored revision still matching; otherwise
// ErrETagMismatch is returned and nothing is written. Set returns the etag of
// the new revision.
type Store interface {
	Get(ctx context.Context, storeName, key string) (Entry, error)
	Set(ctx context.Context, storeName, key string, value []byte, etag string) (string, error)
	Delete(ctx context.Context, storeName, key string) error
	Close() error
}

// Describer is implemented by backends that can name themselves for logs.
type Describer interface {
	Describe() string
}

// Describe returns a short human readable backend name.
func Describe(s Store) string {
	if s == nil {
		return "none"
	}
	if d, ok := s.(Describer); ok {
		return d.Describe()
	}
	return "custom"
}

func validateKey(storeName, key string) error {
	if strings.TrimSpace(storeName) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return nil
}

func copyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
