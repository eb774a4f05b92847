package recontasks

import (
	"fmt"
	"strings"
)

type violations []string

func (v *violations) add(format string, args ...any) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return newError(KindBadClientRequest, "%s", strings.Join(v, "; "))
}

func validateCreateTask(req CreateTaskRequest) error {
	var v violations
	if strings.TrimSpace(req.UserID) == "" {
		v.add("userId must not be empty")
	}
	for i, pair := range req.ComparisonPairs {
		if pair.PrimaryColumnIndex < 0 {
			v.add("comparisonPairs[%d].primaryColumnIndex must be >= 0", i)
		}
		if pair.ComparisonColumnIndex < 0 {
			v.add("comparisonPairs[%d].comparisonColumnIndex must be >= 0", i)
		}
	}
	if primary := req.PrimaryFile(); !primary.IsZero() {
		checkFileDetails(&v, embeddedFileFields("primary"), primary, false)
	}
	if comparison := req.ComparisonFile(); !comparison.IsZero() {
		checkFileDetails(&v, embeddedFileFields("comparison"), comparison, false)
	}
	return v.err()
}

func validateAttachFile(req AttachFileRequest) error {
	var v violations
	if strings.TrimSpace(req.TaskID) == "" {
		v.add("taskId must not be empty")
	}
	checkFileDetails(&v, attachFileFields, req.Details(), true)
	return v.err()
}

// fileFields names the request fields of one file description.
type fileFields struct {
	name, hash, rowCount, headers, delimiters string
}

var attachFileFields = fileFields{
	name:       "fileName",
	hash:       "fileHash",
	rowCount:   "rowCount",
	headers:    "columnHeaders",
	delimiters: "columnDelimiters",
}

func embeddedFileFields(prefix string) fileFields {
	return fileFields{
		name:       prefix + "FileName",
		hash:       prefix + "FileHash",
		rowCount:   prefix + "FileRowCount",
		headers:    prefix + "FileHeaders",
		delimiters: prefix + "FileDelimiters",
	}
}

func checkFileDetails(v *violations, f fileFields, d FileDetails, requireHash bool) {
	if strings.TrimSpace(d.FileName) == "" {
		v.add("%s must not be empty", f.name)
	}
	if requireHash && strings.TrimSpace(d.FileHash) == "" {
		v.add("%s must not be empty", f.hash)
	}
	if d.RowCount < 1 {
		v.add("%s must be at least 1", f.rowCount)
	}
	if len(d.ColumnHeaders) == 0 {
		v.add("%s must not be empty", f.headers)
	}
	if len(d.ColumnDelimiters) == 0 {
		v.add("%s must not be empty", f.delimiters)
	}
	for i, delimiter := range d.ColumnDelimiters {
		if delimiter == "" {
			v.add("%s[%d] must not be empty", f.delimiters, i)
		}
	}
}
