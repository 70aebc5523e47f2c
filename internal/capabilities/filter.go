package capabilities

import (
	"context"
	"strings"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// SemanticFilter drops chunks that are too short or carry none of the
// configured keywords.
type SemanticFilter struct {
	logger logger.Logger
}

type SemanticFilterConfig struct {
	MinChars int      `json:"minChars"`
	Keywords []string `json:"keywords"`
}

func NewSemanticFilter(log logger.Logger) *SemanticFilter {
	return &SemanticFilter{logger: log}
}

func (f *SemanticFilter) Type() string {
	return workflow.NodeTypeSemanticFilter
}

func (f *SemanticFilter) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config SemanticFilterConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if config.MinChars <= 0 {
		config.MinChars = 20
	}

	out := workflow.NewData()
	dropped := 0
	for _, item := range input.Items {
		text := stringField(item.JSON, "text")
		if len([]rune(text)) < config.MinChars {
			dropped++
			continue
		}
		matched := matchKeyword(text, config.Keywords)
		if len(config.Keywords) > 0 && matched == "" {
			dropped++
			continue
		}

		fields := copyFields(item.JSON)
		if matched != "" {
			fields["matched"] = matched
		}
		out.Items = append(out.Items, workflow.Item{JSON: fields, Binary: item.Binary})
	}

	f.logger.Debug("Filtered chunks", "kept", out.Len(), "dropped", dropped)
	return out, nil
}

func matchKeyword(text string, keywords []string) string {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
