package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// JSONFileStore keeps every logical store in a single JSON snapshot on disk.
// The snapshot is rewritten through a temp file and rename on every mutation.
type JSONFileStore struct {
	path string

	mu       sync.Mutex
	snapshot fileSnapshot
}

type fileSnapshot struct {
	Counter uint64                      `json:"counter"`
	Items   map[string]fileSnapshotItem `json:"items"`
}

type fileSnapshotItem struct {
	Value   json.RawMessage `json:"value"`
	Version uint64          `json:"version"`
}

func NewJSONFileStore(path string) (*JSONFileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &JSONFileStore{path: path, snapshot: fileSnapshot{Items: map[string]fileSnapshotItem{}}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONFileStore) Describe() string {
	return "file"
}

func (s *JSONFileStore) Get(_ context.Context, storeName, key string) (Entry, error) {
	if err := validateKey(storeName, key); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.snapshot.Items[compositeKey(storeName, key)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return Entry{Key: key, Value: copyBytes(item.Value), ETag: versionETag(item.Version)}, nil
}

func (s *JSONFileStore) Set(_ context.Context, storeName, key string, value []byte, etag string) (string, error) {
	if err := validateKey(storeName, key); err != nil {
		return "", err
	}
	if !json.Valid(value) {
		return "", errors.Wrap(ErrInvalidInput, "file store only holds json values")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := compositeKey(storeName, key)
	previous, existed := s.snapshot.Items[ck]
	if etag != "" && (!existed || versionETag(previous.Version) != etag) {
		return "", ErrETagMismatch
	}
	s.snapshot.Counter++
	s.snapshot.Items[ck] = fileSnapshotItem{Value: copyBytes(value), Version: s.snapshot.Counter}
	if err := s.saveLocked(); err != nil {
		if existed {
			s.snapshot.Items[ck] = previous
		} else {
			delete(s.snapshot.Items, ck)
		}
		return "", err
	}
	return versionETag(s.snapshot.Counter), nil
}

func (s *JSONFileStore) Delete(_ context.Context, storeName, key string) error {
	if err := validateKey(storeName, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := compositeKey(storeName, key)
	previous, existed := s.snapshot.Items[ck]
	if !existed {
		return nil
	}
	delete(s.snapshot.Items, ck)
	if err := s.saveLocked(); err != nil {
		s.snapshot.Items[ck] = previous
		return err
	}
	return nil
}

func (s *JSONFileStore) Close() error {
	return nil
}

func (s *JSONFileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "read state file %s", s.path)
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return errors.Wrapf(err, "decode state file %s", s.path)
	}
	if snapshot.Items == nil {
		snapshot.Items = map[string]fileSnapshotItem{}
	}
	s.snapshot = snapshot
	return nil
}

func (s *JSONFileStore) saveLocked() error {
	data, err := json.Marshal(s.snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create state directory")
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write state file")
	}
	return os.Rename(tmp, s.path)
}
