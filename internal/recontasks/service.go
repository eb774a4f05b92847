// Package recontasks implements the reconciliation task workflows: creating a
// task, reading it back with its file metadata and attaching primary and
// comparison files to it.
package recontasks

import (
	"context"
	"strings"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	files       FileMetadataRepository
	tasks       TaskRepository
	transformer Transformer
	events      *EventHub
}

// NewService wires the workflows to their repositories. A nil transformer
// selects DefaultTransformer; a nil hub disables event publishing.
func NewService(files FileMetadataRepository, tasks TaskRepository, transformer Transformer, events *EventHub) *Service {
	if transformer == nil {
		transformer = DefaultTransformer{}
	}
	return &Service{
		files:       files,
		tasks:       tasks,
		transformer: transformer,
		events:      events,
	}
}

func (s *Service) Events() *EventHub {
	return s.events
}

// CreateTask validates req, writes the file records it embeds, then writes a
// single task record referencing them and returns the stored view.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (resp TaskResponse, err error) {
	start := time.Now()
	defer func() { observe("create", start, err) }()

	if err = validateCreateTask(req); err != nil {
		return TaskResponse{}, err
	}
	storeCtx := context.WithoutCancel(ctx)

	var written []string
	fileIDs := map[FileRole]string{}
	for _, file := range []struct {
		role    FileRole
		details FileDetails
	}{
		{FileRolePrimary, req.PrimaryFile()},
		{FileRoleComparison, req.ComparisonFile()},
	} {
		if file.details.IsZero() {
			continue
		}
		record := s.transformer.BuildFileMetadata(file.details, file.role)
		id, createErr := s.files.Create(storeCtx, record)
		if createErr != nil {
			s.discardFiles(storeCtx, written, createErr)
			return TaskResponse{}, createErr
		}
		written = append(written, id)
		fileIDs[file.role] = id
	}

	task := s.transformer.BuildTaskRecord(req, fileIDs[FileRolePrimary], fileIDs[FileRoleComparison])
	taskID, err := s.tasks.Create(storeCtx, task)
	if err != nil {
		s.discardFiles(storeCtx, written, err)
		return TaskResponse{}, err
	}
	log.G(ctx).WithFields(log.Fields{
		"taskId": taskID,
		"userId": req.UserID,
		"files":  len(written),
	}).Info("created reconciliation task")
	s.events.Publish(TaskEvent{Type: EventTaskCreated, TaskID: taskID})

	return s.loadTask(storeCtx, taskID)
}

// GetTask returns the task with the metadata of every file it references.
func (s *Service) GetTask(ctx context.Context, taskID string) (resp TaskResponse, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()

	if strings.TrimSpace(taskID) == "" {
		return TaskResponse{}, newError(KindBadClientRequest, "taskId must not be empty")
	}
	return s.loadTask(context.WithoutCancel(ctx), taskID)
}

func (s *Service) AttachPrimaryFile(ctx context.Context, req AttachPrimaryFileRequest) (FileAttachmentSummary, error) {
	return s.attachFile(ctx, "attach_primary_file", req, FileRolePrimary)
}

func (s *Service) AttachComparisonFile(ctx context.Context, req AttachComparisonFileRequest) (FileAttachmentSummary, error) {
	return s.attachFile(ctx, "attach_comparison_file", req, FileRoleComparison)
}

func (s *Service) loadTask(ctx context.Context, taskID string) (TaskResponse, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return TaskResponse{}, err
	}

	var primary, comparison *FileMetadataRecord
	var eg errgroup.Group
	if task.PrimaryFileID != "" {
		eg.Go(func() error {
			record, err := s.files.Get(ctx, task.PrimaryFileID)
			if err != nil {
				return err
			}
			primary = &record
			return nil
		})
	}
	if task.ComparisonFileID != "" {
		eg.Go(func() error {
			record, err := s.files.Get(ctx, task.ComparisonFileID)
			if err != nil {
				return err
			}
			comparison = &record
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return TaskResponse{}, err
	}
	return s.transformer.BuildTaskResponse(task, primary, comparison), nil
}

// attachFile writes the file record first and only then points the task at
// it. If the task cannot be loaded, or the update provably did not land, the
// new file record is deleted again so it does not linger unreferenced.
func (s *Service) attachFile(ctx context.Context, action string, req AttachFileRequest, role FileRole) (summary FileAttachmentSummary, err error) {
	start := time.Now()
	defer func() { observe(action, start, err) }()

	if err = validateAttachFile(req); err != nil {
		return FileAttachmentSummary{}, err
	}
	storeCtx := context.WithoutCancel(ctx)

	record := s.transformer.BuildFileMetadata(req.Details(), role)
	fileID, err := s.files.Create(storeCtx, record)
	if err != nil {
		return FileAttachmentSummary{}, err
	}

	current, err := s.loadTask(storeCtx, req.TaskID)
	if err != nil {
		s.discardFiles(storeCtx, []string{fileID}, err)
		return FileAttachmentSummary{}, err
	}
	task := current.TaskDetails
	if role == FileRolePrimary {
		task.PrimaryFileID = fileID
	} else {
		task.ComparisonFileID = fileID
	}
	if _, err = s.tasks.Update(storeCtx, task); err != nil {
		if !s.mayReference(storeCtx, task.ID, fileID) {
			s.discardFiles(storeCtx, []string{fileID}, err)
		}
		return FileAttachmentSummary{}, err
	}

	log.G(ctx).WithFields(log.Fields{
		"taskId":   task.ID,
		"fileId":   fileID,
		"fileRole": role,
	}).Info("attached file to reconciliation task")
	s.events.Publish(TaskEvent{Type: EventTaskFileAttached, TaskID: task.ID, FileID: fileID, FileRole: role})

	return FileAttachmentSummary{FileID: fileID, TaskID: task.ID}, nil
}

// mayReference reports whether the stored task could point at fileID after a
// failed update. A write that errored can still have been applied, so an
// unreadable task counts as referencing it.
func (s *Service) mayReference(ctx context.Context, taskID, fileID string) bool {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		log.G(ctx).WithError(err).WithFields(log.Fields{
			"taskId": taskID,
			"fileId": fileID,
		}).Warn("could not confirm task state after failed update; keeping file metadata")
		return true
	}
	return task.PrimaryFileID == fileID || task.ComparisonFileID == fileID
}

func (s *Service) discardFiles(ctx context.Context, fileIDs []string, cause error) {
	for _, id := range fileIDs {
		if err := s.files.Delete(ctx, id); err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"fileId": id,
				"cause":  cause.Error(),
			}).Warn("failed to delete unreferenced file metadata")
		}
	}
}
