package recontasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nkasozi/svc-task-details-repository-manager/internal/statestore"
)

const testStoreName = "statestore"

type storeCall struct {
	op  string
	key string
}

// recordingStore logs every call and lets tests fail selected ones. fail runs
// before the call reaches the store; failAfterSet runs once a write has been
// applied, so the caller sees an error for a write that landed.
type recordingStore struct {
	*statestore.InMemoryStore
	mu           sync.Mutex
	calls        []storeCall
	fail         func(op, key string) error
	failAfterSet func(key string) error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{InMemoryStore: statestore.NewInMemoryStore()}
}

func (s *recordingStore) before(op, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{op: op, key: key})
	if s.fail != nil {
		return s.fail(op, key)
	}
	return nil
}

func (s *recordingStore) Get(ctx context.Context, storeName, key string) (statestore.Entry, error) {
	if err := s.before("get", key); err != nil {
		return statestore.Entry{}, err
	}
	return s.InMemoryStore.Get(ctx, storeName, key)
}

func (s *recordingStore) Set(ctx context.Context, storeName, key string, value []byte, etag string) (string, error) {
	if err := s.before("set", key); err != nil {
		return "", err
	}
	etag, err := s.InMemoryStore.Set(ctx, storeName, key, value, etag)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	after := s.failAfterSet
	s.mu.Unlock()
	if after != nil {
		if err := after(key); err != nil {
			return "", err
		}
	}
	return etag, nil
}

func (s *recordingStore) Delete(ctx context.Context, storeName, key string) error {
	if err := s.before("delete", key); err != nil {
		return err
	}
	return s.InMemoryStore.Delete(ctx, storeName, key)
}

func (s *recordingStore) callsFor(op string) []storeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storeCall
	for _, c := range s.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestService(store statestore.Store) *Service {
	return NewService(
		NewKVFileMetadataRepository(store, testStoreName),
		NewKVTaskRepository(store, testStoreName),
		DefaultTransformer{},
		NewEventHub(8),
	)
}

func sampleCreateRequest() CreateTaskRequest {
	return CreateTaskRequest{
		UserID: "user-1",
		ComparisonPairs: []ComparisonPair{
			{PrimaryColumnIndex: 0, ComparisonColumnIndex: 0, IsRowIdentifier: true},
			{PrimaryColumnIndex: 2, ComparisonColumnIndex: 1},
		},
		ReconConfig: ReconciliationConfig{ShouldIgnoreWhiteSpace: true},
	}
}

func sampleAttachRequest(taskID, name string) AttachFileRequest {
	return AttachFileRequest{
		TaskID:           taskID,
		FileName:         name,
		FileHash:         "sha256:" + name,
		RowCount:         1000,
		ColumnHeaders:    []string{"id", "amount", "date"},
		ColumnDelimiters: []string{","},
	}
}

func TestCreateTaskWithoutFilesRoundTrips(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)
	ctx := context.Background()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if !strings.HasPrefix(created.TaskID, TaskIDPrefix+"-") {
		t.Fatalf("unexpected task id %q", created.TaskID)
	}
	if !created.HasBegun || created.IsDone {
		t.Fatalf("new task must have begun and not be done: %+v", created)
	}
	if created.PrimaryFileMetadata != nil || created.ComparisonFileMetadata != nil {
		t.Fatalf("expected no file metadata, got %+v", created)
	}
	details := created.TaskDetails
	if details.PrimaryFileID != "" || details.ComparisonFileID != "" {
		t.Fatalf("expected no file references, got %+v", details)
	}
	if details.ResultsQueue.TopicID != "RECON-RESULTS-"+created.TaskID {
		t.Fatalf("unexpected results topic %q", details.ResultsQueue.TopicID)
	}
	if details.PrimaryChunksQueue.TopicID != "PRIMARY-FILE-CHUNKS-"+created.TaskID {
		t.Fatalf("unexpected primary chunks topic %q", details.PrimaryChunksQueue.TopicID)
	}
	if details.ComparisonChunksQueue.TopicID != "COMPARISON-FILE-CHUNKS-"+created.TaskID {
		t.Fatalf("unexpected comparison chunks topic %q", details.ComparisonChunksQueue.TopicID)
	}
	if diff := cmp.Diff(sampleCreateRequest().ComparisonPairs, details.ComparisonPairs); diff != "" {
		t.Fatalf("comparison pairs mismatch (-want +got):\n%s", diff)
	}
	if sets := store.callsFor("set"); len(sets) != 1 || sets[0].key != created.TaskID {
		t.Fatalf("expected exactly one task write, got %+v", sets)
	}

	fetched, err := service.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if diff := cmp.Diff(created, fetched); diff != "" {
		t.Fatalf("fetched task mismatch (-created +fetched):\n%s", diff)
	}
}

func TestCreateTaskWithEmbeddedFilesWritesFilesBeforeTask(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)

	req := sampleCreateRequest()
	req.PrimaryFileName = "bank.csv"
	req.PrimaryFileHash = "h1"
	req.PrimaryFileRowCount = 10
	req.PrimaryFileHeaders = []string{"id", "amount"}
	req.PrimaryFileDelimiters = []string{","}
	req.ComparisonFileName = "ledger.csv"
	req.ComparisonFileRowCount = 12
	req.ComparisonFileHeaders = []string{"ref", "value"}
	req.ComparisonFileDelimiters = []string{"||"}

	created, err := service.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	sets := store.callsFor("set")
	if len(sets) != 3 {
		t.Fatalf("expected two file writes and one task write, got %+v", sets)
	}
	if !strings.HasPrefix(sets[0].key, FileIDPrefix) || !strings.HasPrefix(sets[1].key, FileIDPrefix) || sets[2].key != created.TaskID {
		t.Fatalf("unexpected write order %+v", sets)
	}
	if created.PrimaryFileMetadata == nil || created.ComparisonFileMetadata == nil {
		t.Fatalf("expected both files hydrated, got %+v", created)
	}
	if created.TaskDetails.PrimaryFileID != created.PrimaryFileMetadata.ID ||
		created.TaskDetails.ComparisonFileID != created.ComparisonFileMetadata.ID {
		t.Fatalf("file references do not match hydrated metadata: %+v", created)
	}
	want := FileMetadataRecord{
		ID:               created.ComparisonFileMetadata.ID,
		FileName:         "ledger.csv",
		RowCount:         12,
		ColumnDelimiters: []string{"||"},
		ColumnHeaders:    []string{"ref", "value"},
		FileRole:         FileRoleComparison,
	}
	if diff := cmp.Diff(want, *created.ComparisonFileMetadata); diff != "" {
		t.Fatalf("comparison metadata mismatch (-want +got):\n%s", diff)
	}
	if created.PrimaryFileMetadata.FileRole != FileRolePrimary {
		t.Fatalf("expected primary role, got %q", created.PrimaryFileMetadata.FileRole)
	}
}

func TestCreateTaskRejectsInvalidRequestWithoutStoreCalls(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CreateTaskRequest)
		want   string
	}{
		{
			name:   "empty user",
			mutate: func(r *CreateTaskRequest) { r.UserID = " " },
			want:   "userId must not be empty",
		},
		{
			name: "negative pair index",
			mutate: func(r *CreateTaskRequest) {
				r.ComparisonPairs = []ComparisonPair{{PrimaryColumnIndex: -1}}
			},
			want: "comparisonPairs[0].primaryColumnIndex must be >= 0",
		},
		{
			name: "incomplete primary file",
			mutate: func(r *CreateTaskRequest) {
				r.PrimaryFileName = "bank.csv"
			},
			want: "primaryFileRowCount must be at least 1",
		},
		{
			name: "empty delimiter entry",
			mutate: func(r *CreateTaskRequest) {
				r.ComparisonFileName = "ledger.csv"
				r.ComparisonFileRowCount = 1
				r.ComparisonFileHeaders = []string{"a"}
				r.ComparisonFileDelimiters = []string{",", ""}
			},
			want: "comparisonFileDelimiters[1] must not be empty",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newRecordingStore()
			service := newTestService(store)
			req := sampleCreateRequest()
			tc.mutate(&req)

			_, err := service.CreateTask(context.Background(), req)
			if !errors.Is(err, ErrBadClientRequest) {
				t.Fatalf("expected BadClientRequest, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %q", tc.want, err.Error())
			}
			if n := store.callCount(); n != 0 {
				t.Fatalf("expected no store calls, got %d", n)
			}
		})
	}
}

func TestCreateTaskStopsWhenFirstFileWriteFails(t *testing.T) {
	store := newRecordingStore()
	store.fail = func(op, key string) error {
		if op == "set" && strings.HasPrefix(key, FileIDPrefix) {
			return statestore.ErrUnavailable
		}
		return nil
	}
	service := newTestService(store)

	req := sampleCreateRequest()
	req.PrimaryFileName = "bank.csv"
	req.PrimaryFileRowCount = 10
	req.PrimaryFileHeaders = []string{"id"}
	req.PrimaryFileDelimiters = []string{","}

	_, err := service.CreateTask(context.Background(), req)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if sets := store.callsFor("set"); len(sets) != 1 {
		t.Fatalf("expected only the failed file write, got %+v", sets)
	}
	if store.Len() != 0 {
		t.Fatalf("expected nothing stored, got %d entries", store.Len())
	}
}

func TestCreateTaskRemovesWrittenFilesWhenTaskWriteFails(t *testing.T) {
	store := newRecordingStore()
	store.fail = func(op, key string) error {
		if op == "set" && strings.HasPrefix(key, TaskIDPrefix) {
			return errors.New("disk full")
		}
		return nil
	}
	service := newTestService(store)

	req := sampleCreateRequest()
	req.PrimaryFileName = "bank.csv"
	req.PrimaryFileRowCount = 10
	req.PrimaryFileHeaders = []string{"id"}
	req.PrimaryFileDelimiters = []string{","}

	_, err := service.CreateTask(context.Background(), req)
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected InternalError, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected the file record to be removed, got %d entries", store.Len())
	}
}

func TestGetTaskEmptyIDMakesNoStoreCalls(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)

	_, err := service.GetTask(context.Background(), "")
	if !errors.Is(err, ErrBadClientRequest) {
		t.Fatalf("expected BadClientRequest, got %v", err)
	}
	if n := store.callCount(); n != 0 {
		t.Fatalf("expected no store calls, got %d", n)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	service := newTestService(newRecordingStore())
	_, err := service.GetTask(context.Background(), "RECON-TASK-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "RECON-TASK-missing") {
		t.Fatalf("expected id in message, got %q", err.Error())
	}
}

func TestGetTaskPropagatesMissingFileMetadata(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)
	task := DefaultTransformer{}.BuildTaskRecord(sampleCreateRequest(), "RECON-FILE-gone", "")
	if _, err := NewKVTaskRepository(store, testStoreName).Create(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	_, err := service.GetTask(context.Background(), task.ID)
	if !errors.Is(err, ErrNotFound) || !strings.Contains(err.Error(), "RECON-FILE-gone") {
		t.Fatalf("expected NotFound for the file, got %v", err)
	}
}

func TestGetTaskCorruptRecordIsUnmarshalError(t *testing.T) {
	store := newRecordingStore()
	if _, err := store.InMemoryStore.Set(context.Background(), testStoreName, "RECON-TASK-bad", []byte("not json"), ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	service := newTestService(store)

	_, err := service.GetTask(context.Background(), "RECON-TASK-bad")
	if !errors.Is(err, ErrResponseUnmarshal) {
		t.Fatalf("expected ResponseUnmarshalError, got %v", err)
	}
}

func TestAttachFilesThenGetTask(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)
	ctx := context.Background()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}

	primary, err := service.AttachPrimaryFile(ctx, sampleAttachRequest(created.TaskID, "bank.csv"))
	if err != nil {
		t.Fatalf("attach primary failed: %v", err)
	}
	if primary.TaskID != created.TaskID || !strings.HasPrefix(primary.FileID, FileIDPrefix+"-") {
		t.Fatalf("unexpected summary %+v", primary)
	}

	afterPrimary, err := service.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if afterPrimary.TaskDetails.PrimaryFileID != primary.FileID {
		t.Fatalf("expected primary reference %q, got %+v", primary.FileID, afterPrimary.TaskDetails)
	}
	if afterPrimary.ComparisonFileMetadata != nil {
		t.Fatalf("comparison metadata must be absent, got %+v", afterPrimary.ComparisonFileMetadata)
	}
	want := FileMetadataRecord{
		ID:               primary.FileID,
		FileName:         "bank.csv",
		RowCount:         1000,
		ColumnDelimiters: []string{","},
		ColumnHeaders:    []string{"id", "amount", "date"},
		FileHash:         "sha256:bank.csv",
		FileRole:         FileRolePrimary,
	}
	if diff := cmp.Diff(&want, afterPrimary.PrimaryFileMetadata); diff != "" {
		t.Fatalf("primary metadata mismatch (-want +got):\n%s", diff)
	}

	comparison, err := service.AttachComparisonFile(ctx, sampleAttachRequest(created.TaskID, "ledger.csv"))
	if err != nil {
		t.Fatalf("attach comparison failed: %v", err)
	}
	final, err := service.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if final.TaskDetails.PrimaryFileID != primary.FileID {
		t.Fatalf("primary reference must survive a comparison attach, got %+v", final.TaskDetails)
	}
	if final.ComparisonFileMetadata == nil || final.ComparisonFileMetadata.ID != comparison.FileID ||
		final.ComparisonFileMetadata.FileRole != FileRoleComparison {
		t.Fatalf("unexpected comparison metadata %+v", final.ComparisonFileMetadata)
	}
	if diff := cmp.Diff(created.TaskDetails.ResultsQueue, final.TaskDetails.ResultsQueue); diff != "" {
		t.Fatalf("queue topics must not change (-want +got):\n%s", diff)
	}
}

func TestAttachFileRejectsIncompleteRequest(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)

	_, err := service.AttachPrimaryFile(context.Background(), AttachFileRequest{ColumnDelimiters: []string{""}})
	if !errors.Is(err, ErrBadClientRequest) {
		t.Fatalf("expected BadClientRequest, got %v", err)
	}
	for _, want := range []string{
		"taskId must not be empty",
		"fileName must not be empty",
		"fileHash must not be empty",
		"rowCount must be at least 1",
		"columnHeaders must not be empty",
		"columnDelimiters[0] must not be empty",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
	if n := store.callCount(); n != 0 {
		t.Fatalf("expected no store calls, got %d", n)
	}
}

func TestAttachToMissingTaskRemovesFileRecord(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)

	_, err := service.AttachComparisonFile(context.Background(), sampleAttachRequest("RECON-TASK-missing", "ledger.csv"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if deletes := store.callsFor("delete"); len(deletes) != 1 || !strings.HasPrefix(deletes[0].key, FileIDPrefix) {
		t.Fatalf("expected one compensating delete, got %+v", deletes)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no orphaned records, got %d", store.Len())
	}
}

func TestAttachRemovesFileRecordWhenTaskUpdateFails(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)
	ctx := context.Background()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	store.fail = func(op, key string) error {
		if op == "set" && key == created.TaskID {
			return errors.New("write rejected")
		}
		return nil
	}

	_, err = service.AttachPrimaryFile(ctx, sampleAttachRequest(created.TaskID, "bank.csv"))
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected InternalError, got %v", err)
	}
	store.fail = nil
	if store.Len() != 1 {
		t.Fatalf("expected only the task record to remain, got %d", store.Len())
	}
	current, err := service.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if diff := cmp.Diff(created, current); diff != "" {
		t.Fatalf("task must be unchanged after a failed attach (-want +got):\n%s", diff)
	}
}

func TestAttachSucceedsWhenReadAfterTaskWriteFails(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)
	ctx := context.Background()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	written := false
	store.fail = func(op, key string) error {
		if key != created.TaskID {
			return nil
		}
		if op == "set" {
			written = true
			return nil
		}
		if op == "get" && written {
			return statestore.ErrUnavailable
		}
		return nil
	}

	summary, err := service.AttachPrimaryFile(ctx, sampleAttachRequest(created.TaskID, "bank.csv"))
	if err != nil {
		t.Fatalf("attach must not depend on reading the task back: %v", err)
	}
	store.fail = nil
	if deletes := store.callsFor("delete"); len(deletes) != 0 {
		t.Fatalf("expected no deletes, got %+v", deletes)
	}
	current, err := service.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get task failed: %v", err)
	}
	if current.PrimaryFileMetadata == nil || current.PrimaryFileMetadata.ID != summary.FileID {
		t.Fatalf("expected primary file %s, got %+v", summary.FileID, current.PrimaryFileMetadata)
	}
}

func TestAttachKeepsFileWhenTaskWriteLandedDespiteError(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)
	ctx := context.Background()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	store.failAfterSet = func(key string) error {
		if key == created.TaskID {
			return statestore.ErrUnavailable
		}
		return nil
	}

	_, err = service.AttachComparisonFile(ctx, sampleAttachRequest(created.TaskID, "ledger.csv"))
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	store.failAfterSet = nil
	if deletes := store.callsFor("delete"); len(deletes) != 0 {
		t.Fatalf("file referenced by the task must not be deleted, got %+v", deletes)
	}
	current, err := service.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("task must stay readable: %v", err)
	}
	if current.ComparisonFileMetadata == nil || current.ComparisonFileMetadata.FileName != "ledger.csv" {
		t.Fatalf("expected comparison file metadata, got %+v", current.ComparisonFileMetadata)
	}
}

func TestAttachKeepsFileWhenTaskStateIsUnknown(t *testing.T) {
	store := newRecordingStore()
	service := newTestService(store)
	ctx := context.Background()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	attempted := false
	store.fail = func(op, key string) error {
		if key != created.TaskID {
			return nil
		}
		switch {
		case op == "set":
			attempted = true
			return statestore.ErrUnavailable
		case op == "get" && attempted:
			return statestore.ErrUnavailable
		}
		return nil
	}

	_, err = service.AttachPrimaryFile(ctx, sampleAttachRequest(created.TaskID, "bank.csv"))
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if deletes := store.callsFor("delete"); len(deletes) != 0 {
		t.Fatalf("expected the file record to be kept, got %+v", deletes)
	}
	if store.Len() != 2 {
		t.Fatalf("expected task and file records, got %d", store.Len())
	}
}

func TestServicePublishesTaskEvents(t *testing.T) {
	service := newTestService(newRecordingStore())
	events, cancel := service.Events().Subscribe()
	defer cancel()
	ctx := context.Background()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	summary, err := service.AttachPrimaryFile(ctx, sampleAttachRequest(created.TaskID, "bank.csv"))
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	for _, want := range []TaskEvent{
		{Type: EventTaskCreated, TaskID: created.TaskID},
		{Type: EventTaskFileAttached, TaskID: created.TaskID, FileID: summary.FileID, FileRole: FileRolePrimary},
	} {
		select {
		case got := <-events:
			if got.OccurredAt.IsZero() {
				t.Fatalf("event has no timestamp: %+v", got)
			}
			got.OccurredAt = time.Time{}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("event mismatch (-want +got):\n%s", diff)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want.Type)
		}
	}
}

func TestServiceIgnoresClientCancellationForStoreCalls(t *testing.T) {
	service := newTestService(newRecordingStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	created, err := service.CreateTask(ctx, sampleCreateRequest())
	if err != nil {
		t.Fatalf("create task failed on a cancelled context: %v", err)
	}
	if _, err := service.GetTask(context.Background(), created.TaskID); err != nil {
		t.Fatalf("task was not persisted: %v", err)
	}
}
