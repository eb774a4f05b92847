package recontasks

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDUsesPrefixAndUUID(t *testing.T) {
	tr := DefaultTransformer{}
	id := tr.NewID(TaskIDPrefix)
	suffix, ok := strings.CutPrefix(id, TaskIDPrefix+"-")
	if !ok {
		t.Fatalf("expected %s prefix, got %q", TaskIDPrefix, id)
	}
	if _, err := uuid.Parse(suffix); err != nil {
		t.Fatalf("expected uuid suffix, got %q: %v", suffix, err)
	}
	if tr.NewID(TaskIDPrefix) == id {
		t.Fatalf("ids must be unique")
	}
}

func TestBuildFileMetadataCopiesSlices(t *testing.T) {
	details := sampleAttachRequest("t", "bank.csv").Details()
	record := DefaultTransformer{}.BuildFileMetadata(details, FileRoleComparison)
	details.ColumnHeaders[0] = "changed"
	if record.ColumnHeaders[0] != "id" {
		t.Fatalf("record shares headers with the request: %+v", record.ColumnHeaders)
	}
	if record.FileRole != FileRoleComparison || !strings.HasPrefix(record.ID, FileIDPrefix+"-") {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestBuildTaskResponseMirrorsTask(t *testing.T) {
	tr := DefaultTransformer{}
	task := tr.BuildTaskRecord(CreateTaskRequest{UserID: "u"}, "", "")
	if task.ComparisonPairs == nil {
		t.Fatalf("comparison pairs must be an empty list, not null")
	}
	task.IsDone = true
	resp := tr.BuildTaskResponse(task, nil, nil)
	if resp.TaskID != task.ID || !resp.IsDone || !resp.HasBegun || resp.TaskDetails.ID != task.ID {
		t.Fatalf("unexpected response %+v", resp)
	}
}
