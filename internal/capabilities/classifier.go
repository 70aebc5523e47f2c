package capabilities

import (
	"context"
	"sort"
	"strings"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// Classifier assigns each item a category from keyword rules. Rules are
// checked in category name order so overlapping rules resolve the same
// way on every run.
type Classifier struct {
	logger logger.Logger
}

type ClassifierConfig struct {
	Rules   map[string][]string `json:"rules"`
	Default string              `json:"default"`
	Field   string              `json:"field"`
}

func NewClassifier(log logger.Logger) *Classifier {
	return &Classifier{logger: log}
}

func (c *Classifier) Type() string {
	return workflow.NodeTypeClassifier
}

func (c *Classifier) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config ClassifierConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if config.Default == "" {
		config.Default = "unclassified"
	}
	if config.Field == "" {
		config.Field = "text"
	}

	categories := make([]string, 0, len(config.Rules))
	for name := range config.Rules {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	out := workflow.NewData()
	for _, item := range input.Items {
		text := strings.ToLower(stringField(item.JSON, config.Field))

		category := config.Default
		for _, name := range categories {
			if containsAny(text, config.Rules[name]) {
				category = name
				break
			}
		}

		fields := copyFields(item.JSON)
		fields["category"] = category
		out.Items = append(out.Items, workflow.Item{JSON: fields, Binary: item.Binary})
	}
	return out, nil
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
