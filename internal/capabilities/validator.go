package capabilities

import (
	"context"
	"fmt"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// Validator marks records that miss required fields. In strict mode a
// single invalid record fails the node, which routes the failure along
// the node's error edge when one is wired.
type Validator struct {
	logger logger.Logger
}

type ValidatorConfig struct {
	Required []string `json:"required"`
	Strict   bool     `json:"strict"`
}

func NewValidator(log logger.Logger) *Validator {
	return &Validator{logger: log}
}

func (v *Validator) Type() string {
	return workflow.NodeTypeValidator
}

func (v *Validator) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config ValidatorConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}

	out := workflow.NewData()
	invalid := 0
	for _, item := range input.Items {
		var missing []string
		for _, field := range config.Required {
			value, ok := item.JSON[field]
			if !ok || value == nil || value == "" {
				missing = append(missing, field)
			}
		}

		fields := copyFields(item.JSON)
		fields["valid"] = len(missing) == 0
		if len(missing) > 0 {
			fields["missing"] = missing
			invalid++
		}
		out.Items = append(out.Items, workflow.Item{JSON: fields, Binary: item.Binary})
	}

	if config.Strict && invalid > 0 {
		return nil, fmt.Errorf("validation failed: %d of %d records missing required fields", invalid, input.Len())
	}
	return out, nil
}
