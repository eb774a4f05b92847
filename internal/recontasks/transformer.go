package recontasks

import "github.com/google/uuid"

const (
	TaskIDPrefix = "RECON-TASK"
	FileIDPrefix = "RECON-FILE"

	ResultsQueuePrefix          = "RECON-RESULTS"
	PrimaryChunksQueuePrefix    = "PRIMARY-FILE-CHUNKS"
	ComparisonChunksQueuePrefix = "COMPARISON-FILE-CHUNKS"
)

// Transformer builds records and responses from requests. Implementations
// must not perform I/O.
type Transformer interface {
	NewID(prefix string) string
	QueueTopic(prefix, taskID string) string
	BuildFileMetadata(details FileDetails, role FileRole) FileMetadataRecord
	BuildTaskRecord(req CreateTaskRequest, primaryFileID, comparisonFileID string) TaskRecord
	BuildTaskResponse(task TaskRecord, primary, comparison *FileMetadataRecord) TaskResponse
}

type DefaultTransformer struct{}

func (DefaultTransformer) NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func (DefaultTransformer) QueueTopic(prefix, taskID string) string {
	return prefix + "-" + taskID
}

func (t DefaultTransformer) BuildFileMetadata(details FileDetails, role FileRole) FileMetadataRecord {
	return FileMetadataRecord{
		ID:               t.NewID(FileIDPrefix),
		FileName:         details.FileName,
		RowCount:         details.RowCount,
		ColumnDelimiters: append([]string(nil), details.ColumnDelimiters...),
		ColumnHeaders:    append([]string(nil), details.ColumnHeaders...),
		FileHash:         details.FileHash,
		FileRole:         role,
	}
}

// BuildTaskRecord returns a freshly begun task. The queue topics are derived
// from the new task id here and never regenerated.
func (t DefaultTransformer) BuildTaskRecord(req CreateTaskRequest, primaryFileID, comparisonFileID string) TaskRecord {
	id := t.NewID(TaskIDPrefix)
	pairs := make([]ComparisonPair, len(req.ComparisonPairs))
	copy(pairs, req.ComparisonPairs)
	return TaskRecord{
		ID:                    id,
		PrimaryFileID:         primaryFileID,
		ComparisonFileID:      comparisonFileID,
		IsDone:                false,
		HasBegun:              true,
		ComparisonPairs:       pairs,
		ReconConfig:           req.ReconConfig,
		ResultsQueue:          QueueReference{TopicID: t.QueueTopic(ResultsQueuePrefix, id)},
		PrimaryChunksQueue:    QueueReference{TopicID: t.QueueTopic(PrimaryChunksQueuePrefix, id)},
		ComparisonChunksQueue: QueueReference{TopicID: t.QueueTopic(ComparisonChunksQueuePrefix, id)},
	}
}

func (DefaultTransformer) BuildTaskResponse(task TaskRecord, primary, comparison *FileMetadataRecord) TaskResponse {
	return TaskResponse{
		TaskID:                 task.ID,
		IsDone:                 task.IsDone,
		HasBegun:               task.HasBegun,
		TaskDetails:            task,
		PrimaryFileMetadata:    primary,
		ComparisonFileMetadata: comparison,
	}
}
