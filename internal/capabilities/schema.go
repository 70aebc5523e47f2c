package capabilities

import (
	"context"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// SchemaGenerator emits a single schema item: either the configured
// field map verbatim, or field types inferred from the input items.
type SchemaGenerator struct {
	logger logger.Logger
}

type SchemaGenConfig struct {
	Fields map[string]string `json:"fields"`
}

func NewSchemaGenerator(log logger.Logger) *SchemaGenerator {
	return &SchemaGenerator{logger: log}
}

func (g *SchemaGenerator) Type() string {
	return workflow.NodeTypeSchemaGen
}

func (g *SchemaGenerator) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config SchemaGenConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}

	fields := config.Fields
	inferred := 0
	if len(fields) == 0 {
		fields = make(map[string]string)
		for _, item := range input.Items {
			for key, value := range item.JSON {
				name := fieldType(value)
				if existing, ok := fields[key]; ok && existing != name {
					fields[key] = "mixed"
					continue
				}
				fields[key] = name
			}
			inferred++
		}
	}

	schema := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		schema[k] = v
	}
	return workflow.FromValues(map[string]interface{}{
		"schema":       schema,
		"inferredFrom": inferred,
	}), nil
}

func fieldType(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return "unknown"
	}
}
