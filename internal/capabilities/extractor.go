package capabilities

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// Extractor pulls structured fields out of chunk text using configured
// regular expressions, one record item per input chunk.
type Extractor struct {
	logger logger.Logger
}

type ExtractorConfig struct {
	Patterns map[string]string `json:"patterns"`
}

func NewExtractor(log logger.Logger) *Extractor {
	return &Extractor{logger: log}
}

func (e *Extractor) Type() string {
	return workflow.NodeTypeExtractor
}

func (e *Extractor) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config ExtractorConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if len(config.Patterns) == 0 {
		return nil, fmt.Errorf("at least one extraction pattern is required")
	}

	// Compile in stable field order so the first bad pattern reported
	// is always the same one.
	names := make([]string, 0, len(config.Patterns))
	for name := range config.Patterns {
		names = append(names, name)
	}
	sort.Strings(names)

	patterns := make(map[string]*regexp.Regexp, len(names))
	for _, name := range names {
		re, err := regexp.Compile(config.Patterns[name])
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for field %s: %w", name, err)
		}
		patterns[name] = re
	}

	out := workflow.NewData()
	for _, item := range input.Items {
		text := stringField(item.JSON, "text")
		record := map[string]interface{}{
			"docId":   item.JSON["docId"],
			"chunkId": item.JSON["chunkId"],
		}
		found := 0
		for _, name := range names {
			m := patterns[name].FindStringSubmatch(text)
			switch {
			case len(m) > 1:
				record[name] = m[1]
				found++
			case len(m) == 1:
				record[name] = m[0]
				found++
			}
		}
		record["extracted"] = found
		out.Items = append(out.Items, workflow.Item{JSON: record})
	}
	return out, nil
}
