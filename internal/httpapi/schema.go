package httpapi

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	createTaskSchema = "create-task.json"
	attachFileSchema = "attach-file.json"

	schemaBaseURL = "https://recon-tasks.local/schemas/"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

type requestSchemas struct {
	byName map[string]*jsonschema.Schema
}

func loadRequestSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	names := []string{createTaskSchema, attachFileSchema}
	for _, name := range names {
		raw, err := schemaFiles.ReadFile("schemas/" + name)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := &requestSchemas{byName: map[string]*jsonschema.Schema{}}
	for _, name := range names {
		sch, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out.byName[name] = sch
	}
	return out, nil
}

func mustLoadRequestSchemas() *requestSchemas {
	schemas, err := loadRequestSchemas()
	if err != nil {
		panic(err)
	}
	return schemas
}

// validate checks body against the named schema. The returned error is
// suitable for a client facing message.
func (s *requestSchemas) validate(name string, body []byte) error {
	sch, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown request schema %s", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := sch.Validate(inst); err != nil {
		return errors.New(flattenValidationError(err))
	}
	return nil
}

func flattenValidationError(err error) string {
	lines := strings.Split(err.Error(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "; ")
}
