package recontasks

type FileRole string

const (
	FileRolePrimary    FileRole = "PrimaryFile"
	FileRoleComparison FileRole = "ComparisonFile"
)

// QueueReference names a topic a downstream pipeline consumes, plus the last
// offset it acknowledged.
type QueueReference struct {
	TopicID            string  `json:"topicId"`
	LastAcknowledgedID *uint64 `json:"lastAcknowledgedId,omitempty"`
}

type ComparisonPair struct {
	PrimaryColumnIndex    int  `json:"primaryColumnIndex"`
	ComparisonColumnIndex int  `json:"comparisonColumnIndex"`
	IsRowIdentifier       bool `json:"isRowIdentifier"`
}

type ReconciliationConfig struct {
	ShouldCheckForDuplicateRecordsInComparisonFile bool `json:"shouldCheckForDuplicateRecordsInComparisonFile"`
	ShouldReconciliationBeCaseSensitive            bool `json:"shouldReconciliationBeCaseSensitive"`
	ShouldIgnoreWhiteSpace                         bool `json:"shouldIgnoreWhiteSpace"`
	ShouldDoReverseReconciliation                  bool `json:"shouldDoReverseReconciliation"`
}

// TaskRecord is persisted under its ID. File references stay empty until the
// matching attach operation runs and are never cleared afterwards.
type TaskRecord struct {
	ID                    string               `json:"id"`
	PrimaryFileID         string               `json:"primaryFileId,omitempty"`
	ComparisonFileID      string               `json:"comparisonFileId,omitempty"`
	IsDone                bool                 `json:"isDone"`
	HasBegun              bool                 `json:"hasBegun"`
	ComparisonPairs       []ComparisonPair     `json:"comparisonPairs"`
	ReconConfig           ReconciliationConfig `json:"reconConfig"`
	ResultsQueue          QueueReference       `json:"resultsQueue"`
	PrimaryChunksQueue    QueueReference       `json:"primaryChunksQueue"`
	ComparisonChunksQueue QueueReference       `json:"comparisonChunksQueue"`
}

// FileMetadataRecord is immutable once written.
type FileMetadataRecord struct {
	ID               string   `json:"id"`
	FileName         string   `json:"fileName"`
	RowCount         uint64   `json:"rowCount"`
	ColumnDelimiters []string `json:"columnDelimiters"`
	ColumnHeaders    []string `json:"columnHeaders"`
	FileHash         string   `json:"fileHash"`
	FileRole         FileRole `json:"fileRole"`
}

// FileDetails is the client supplied description of one file.
type FileDetails struct {
	FileName         string
	FileHash         string
	RowCount         uint64
	ColumnHeaders    []string
	ColumnDelimiters []string
}

func (d FileDetails) IsZero() bool {
	return d.FileName == "" && d.FileHash == "" && d.RowCount == 0 &&
		len(d.ColumnHeaders) == 0 && len(d.ColumnDelimiters) == 0
}

type CreateTaskRequest struct {
	UserID                   string               `json:"userId"`
	PrimaryFileName          string               `json:"primaryFileName,omitempty"`
	PrimaryFileHash          string               `json:"primaryFileHash,omitempty"`
	PrimaryFileRowCount      uint64               `json:"primaryFileRowCount,omitempty"`
	PrimaryFileHeaders       []string             `json:"primaryFileHeaders,omitempty"`
	PrimaryFileDelimiters    []string             `json:"primaryFileDelimiters,omitempty"`
	ComparisonFileName       string               `json:"comparisonFileName,omitempty"`
	ComparisonFileHash       string               `json:"comparisonFileHash,omitempty"`
	ComparisonFileRowCount   uint64               `json:"comparisonFileRowCount,omitempty"`
	ComparisonFileHeaders    []string             `json:"comparisonFileHeaders,omitempty"`
	ComparisonFileDelimiters []string             `json:"comparisonFileDelimiters,omitempty"`
	ComparisonPairs          []ComparisonPair     `json:"comparisonPairs"`
	ReconConfig              ReconciliationConfig `json:"reconConfig"`
}

func (r CreateTaskRequest) PrimaryFile() FileDetails {
	return FileDetails{
		FileName:         r.PrimaryFileName,
		FileHash:         r.PrimaryFileHash,
		RowCount:         r.PrimaryFileRowCount,
		ColumnHeaders:    r.PrimaryFileHeaders,
		ColumnDelimiters: r.PrimaryFileDelimiters,
	}
}

func (r CreateTaskRequest) ComparisonFile() FileDetails {
	return FileDetails{
		FileName:         r.ComparisonFileName,
		FileHash:         r.ComparisonFileHash,
		RowCount:         r.ComparisonFileRowCount,
		ColumnHeaders:    r.ComparisonFileHeaders,
		ColumnDelimiters: r.ComparisonFileDelimiters,
	}
}

type AttachFileRequest struct {
	TaskID           string   `json:"taskId"`
	FileName         string   `json:"fileName"`
	FileHash         string   `json:"fileHash"`
	RowCount         uint64   `json:"rowCount"`
	ColumnHeaders    []string `json:"columnHeaders"`
	ColumnDelimiters []string `json:"columnDelimiters"`
}

type (
	AttachPrimaryFileRequest    = AttachFileRequest
	AttachComparisonFileRequest = AttachFileRequest
)

func (r AttachFileRequest) Details() FileDetails {
	return FileDetails{
		FileName:         r.FileName,
		FileHash:         r.FileHash,
		RowCount:         r.RowCount,
		ColumnHeaders:    r.ColumnHeaders,
		ColumnDelimiters: r.ColumnDelimiters,
	}
}

// TaskResponse is the composite view of a task and the files it references.
type TaskResponse struct {
	TaskID                 string              `json:"taskId"`
	IsDone                 bool                `json:"isDone"`
	HasBegun               bool                `json:"hasBegun"`
	TaskDetails            TaskRecord          `json:"taskDetails"`
	PrimaryFileMetadata    *FileMetadataRecord `json:"primaryFileMetadata,omitempty"`
	ComparisonFileMetadata *FileMetadataRecord `json:"comparisonFileMetadata,omitempty"`
}

type FileAttachmentSummary struct {
	FileID string `json:"fileId"`
	TaskID string `json:"taskId"`
}
