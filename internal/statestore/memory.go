package statestore

import (
	"context"
	"strconv"
	"sync"
)

type memoryItem struct {
	value   []byte
	version uint64
}

type InMemoryStore struct {
	mu      sync.Mutex
	counter uint64
	items   map[string]memoryItem
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: map[string]memoryItem{}}
}

func (s *InMemoryStore) Describe() string {
	return "memory"
}

func (s *InMemoryStore) Get(_ context.Context, storeName, key string) (Entry, error) {
	if err := validateKey(storeName, key); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[compositeKey(storeName, key)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: key, Value: copyBytes(item.value), ETag: versionETag(item.version)}, nil
}

func (s *InMemoryStore) Set(_ context.Context, storeName, key string, value []byte, etag string) (string, error) {
	if err := validateKey(storeName, key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := compositeKey(storeName, key)
	if etag != "" {
		existing, ok := s.items[ck]
		if !ok || versionETag(existing.version) != etag {
			return "", ErrETagMismatch
		}
	}
	s.counter++
	s.items[ck] = memoryItem{value: copyBytes(value), version: s.counter}
	return versionETag(s.counter), nil
}

func (s *InMemoryStore) Delete(_ context.Context, storeName, key string) error {
	if err := validateKey(storeName, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, compositeKey(storeName, key))
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// Len reports how many keys the store holds across all logical stores.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func compositeKey(storeName, key string) string {
	return storeName + "||" + key
}

func versionETag(version uint64) string {
	return strconv.FormatUint(version, 10)
}
