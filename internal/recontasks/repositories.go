package recontasks

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nkasozi/svc-task-details-repository-manager/internal/statestore"
)

type FileMetadataRepository interface {
	Get(ctx context.Context, id string) (FileMetadataRecord, error)
	Create(ctx context.Context, record FileMetadataRecord) (string, error)
	Update(ctx context.Context, record FileMetadataRecord) (FileMetadataRecord, error)
	Delete(ctx context.Context, id string) error
}

type TaskRepository interface {
	Get(ctx context.Context, id string) (TaskRecord, error)
	Create(ctx context.Context, record TaskRecord) (string, error)
	Update(ctx context.Context, record TaskRecord) (TaskRecord, error)
	Delete(ctx context.Context, id string) error
}

// KVFileMetadataRepository keeps file metadata records in a logical store of
// a statestore.Store, one JSON document per record id.
type KVFileMetadataRepository struct {
	records kvRecords[FileMetadataRecord]
}

func NewKVFileMetadataRepository(store statestore.Store, storeName string) *KVFileMetadataRepository {
	return &KVFileMetadataRepository{records: kvRecords[FileMetadataRecord]{store: store, storeName: storeName, noun: "file metadata"}}
}

func (r *KVFileMetadataRepository) Get(ctx context.Context, id string) (FileMetadataRecord, error) {
	return r.records.get(ctx, id)
}

func (r *KVFileMetadataRepository) Create(ctx context.Context, record FileMetadataRecord) (string, error) {
	return r.records.create(ctx, record.ID, record)
}

func (r *KVFileMetadataRepository) Update(ctx context.Context, record FileMetadataRecord) (FileMetadataRecord, error) {
	return r.records.update(ctx, record.ID, record)
}

func (r *KVFileMetadataRepository) Delete(ctx context.Context, id string) error {
	return r.records.delete(ctx, id)
}

// KVTaskRepository keeps task records in a logical store of a statestore.Store.
type KVTaskRepository struct {
	records kvRecords[TaskRecord]
}

func NewKVTaskRepository(store statestore.Store, storeName string) *KVTaskRepository {
	return &KVTaskRepository{records: kvRecords[TaskRecord]{store: store, storeName: storeName, noun: "task"}}
}

func (r *KVTaskRepository) Get(ctx context.Context, id string) (TaskRecord, error) {
	return r.records.get(ctx, id)
}

func (r *KVTaskRepository) Create(ctx context.Context, record TaskRecord) (string, error) {
	return r.records.create(ctx, record.ID, record)
}

// Update overwrites the stored task with a conditional write against the
// revision read just before it. The previous value stays in place if the
// write fails. A nil error means the record was written and is returned as
// stored.
func (r *KVTaskRepository) Update(ctx context.Context, record TaskRecord) (TaskRecord, error) {
	return r.records.update(ctx, record.ID, record)
}

func (r *KVTaskRepository) Delete(ctx context.Context, id string) error {
	return r.records.delete(ctx, id)
}

type kvRecords[T any] struct {
	store     statestore.Store
	storeName string
	noun      string
}

func (c kvRecords[T]) get(ctx context.Context, id string) (T, error) {
	var record T
	if id == "" {
		return record, newError(KindBadClientRequest, "%s id must not be empty", c.noun)
	}
	entry, err := c.store.Get(ctx, c.storeName, id)
	if err != nil {
		return record, c.storeError("get", id, err)
	}
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return record, newError(KindResponseUnmarshalError, "decode %s %s: %v", c.noun, id, err)
	}
	return record, nil
}

func (c kvRecords[T]) create(ctx context.Context, id string, record T) (string, error) {
	if id == "" {
		return "", newError(KindInternalError, "%s record has no id", c.noun)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", newError(KindInternalError, "encode %s %s: %v", c.noun, id, err)
	}
	if _, err := c.store.Set(ctx, c.storeName, id, data, ""); err != nil {
		return "", c.storeError("save", id, err)
	}
	return id, nil
}

func (c kvRecords[T]) update(ctx context.Context, id string, record T) (T, error) {
	var zero T
	if id == "" {
		return zero, newError(KindInternalError, "%s record has no id", c.noun)
	}
	current, err := c.store.Get(ctx, c.storeName, id)
	if err != nil {
		return zero, c.storeError("load", id, err)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return zero, newError(KindInternalError, "encode %s %s: %v", c.noun, id, err)
	}
	if _, err := c.store.Set(ctx, c.storeName, id, data, current.ETag); err != nil {
		return zero, c.storeError("update", id, err)
	}
	return record, nil
}

func (c kvRecords[T]) delete(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, c.storeName, id); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return c.storeError("delete", id, err)
	}
	return nil
}

func (c kvRecords[T]) storeError(op, id string, err error) error {
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		return newError(KindNotFound, "%s with id %s not found", c.noun, id)
	case errors.Is(err, statestore.ErrUnavailable):
		return newError(KindConnectionError, "%s %s %s: %v", op, c.noun, id, err)
	case errors.Is(err, statestore.ErrETagMismatch):
		return newError(KindInternalError, "concurrent modification of %s %s", c.noun, id)
	default:
		return newError(KindInternalError, "%s %s %s: %v", op, c.noun, id, err)
	}
}
