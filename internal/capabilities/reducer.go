package capabilities

import (
	"context"
	"fmt"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// Reducer merges record items that share a group key, one output item
// per group in first-seen order.
type Reducer struct {
	logger logger.Logger
}

type ReducerConfig struct {
	GroupBy string `json:"groupBy"`
	Merge   string `json:"merge"` // first, last or collect
}

func NewReducer(log logger.Logger) *Reducer {
	return &Reducer{logger: log}
}

func (r *Reducer) Type() string {
	return workflow.NodeTypeReducer
}

func (r *Reducer) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config ReducerConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if config.GroupBy == "" {
		config.GroupBy = "docId"
	}
	switch config.Merge {
	case "", "first", "last", "collect":
	default:
		return nil, fmt.Errorf("unsupported merge mode: %s", config.Merge)
	}

	groups := make(map[string]map[string]interface{})
	counts := make(map[string]int)
	var order []string

	for _, item := range input.Items {
		key := fmt.Sprintf("%v", item.JSON[config.GroupBy])
		merged, ok := groups[key]
		if !ok {
			merged = map[string]interface{}{config.GroupBy: item.JSON[config.GroupBy]}
			groups[key] = merged
			order = append(order, key)
		}
		counts[key]++

		for field, value := range item.JSON {
			if field == config.GroupBy || value == nil {
				continue
			}
			switch config.Merge {
			case "collect":
				switch existing := merged[field].(type) {
				case nil:
					merged[field] = []interface{}{value}
				case []interface{}:
					merged[field] = append(existing, value)
				}
			case "last":
				merged[field] = value
			default: // first
				if _, exists := merged[field]; !exists {
					merged[field] = value
				}
			}
		}
	}

	out := workflow.NewData()
	for _, key := range order {
		fields := groups[key]
		fields["count"] = counts[key]
		out.Items = append(out.Items, workflow.Item{JSON: fields})
	}
	return out, nil
}
