package capabilities

import (
	"encoding/json"
	"fmt"

	"github.com/docflow-go/internal/engine/binarydata"
	"github.com/docflow-go/internal/engine/registry"
	"github.com/docflow-go/pkg/logger"
)

// RegisterAll wires every built-in pipeline stage into the registry.
func RegisterAll(reg *registry.Registry, store binarydata.Store, log logger.Logger) {
	if log == nil {
		log = logger.NewNop()
	}
	reg.Register(NewDocumentLoader(store, log))
	reg.Register(NewChunker(log))
	reg.Register(NewSemanticFilter(log))
	reg.Register(NewSchemaGenerator(log))
	reg.Register(NewExtractor(log))
	reg.Register(NewValidator(log))
	reg.Register(NewReducer(log))
	reg.Register(NewClassifier(log))
	reg.Register(NewPackager(store, log))
	reg.Register(NewDatabaseExporter(log))
}

// parseConfig decodes a node's loose config map into a typed struct.
func parseConfig(config map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func invalidConfig(err error) error {
	return fmt.Errorf("invalid configuration: %w", err)
}

// stringField reads a string value out of an item's JSON map.
func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// copyFields shallow-copies an item's JSON map.
func copyFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
