package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/docflow-go/internal/domain/workflow"
)

// Transfer formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

const exportVersion = "1.0.0"

var ErrInvalidFormat = errors.New("invalid transfer format")

// Export wraps the workflow in a transfer envelope and renders it in
// the requested format.
func Export(wf *domain.Workflow, format string) ([]byte, error) {
	envelope := map[string]interface{}{
		"version":    exportVersion,
		"exportedAt": time.Now().UTC().Format(time.RFC3339),
		"workflow":   toMap(wf),
	}

	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(envelope, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal export: %w", err)
		}
		return data, nil
	case FormatYAML:
		data, err := yaml.Marshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal export: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
}

// Import decodes an exported workflow. The format is detected from the
// payload itself; both the transfer envelope and a bare workflow
// definition are accepted.
func Import(data []byte) (*domain.Workflow, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	// Envelope exports nest the definition under "workflow".
	if nested, ok := doc["workflow"].(map[string]interface{}); ok {
		doc = nested
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode import: %w", err)
	}
	wf, err := domain.ParseWorkflow(raw)
	if err != nil {
		return nil, err
	}
	if wf.Name == "" {
		return nil, errors.New("imported workflow has no name")
	}
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidWorkflow, err)
	}
	return wf, nil
}

// DetectFormat reports whether a payload looks like JSON or YAML.
func DetectFormat(data []byte) string {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	return FormatYAML
}

func decodeDocument(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	switch DetectFormat(data) {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse json import: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml import: %w", err)
		}
	}
	return doc, nil
}

// toMap keeps the workflow's json field names in YAML output, where
// struct tags would otherwise not apply.
func toMap(wf *domain.Workflow) map[string]interface{} {
	data, _ := json.Marshal(wf)
	var result map[string]interface{}
	json.Unmarshal(data, &result)
	return result
}
