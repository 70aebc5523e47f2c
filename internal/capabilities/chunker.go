package capabilities

import (
	"context"
	"fmt"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// Chunker splits document text into overlapping windows, one item per
// chunk.
type Chunker struct {
	logger logger.Logger
}

type ChunkerConfig struct {
	MaxChars int `json:"maxChars"`
	Overlap  int `json:"overlap"`
}

func NewChunker(log logger.Logger) *Chunker {
	return &Chunker{logger: log}
}

func (c *Chunker) Type() string {
	return workflow.NodeTypeChunker
}

func (c *Chunker) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config ChunkerConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if config.MaxChars <= 0 {
		config.MaxChars = 1200
	}
	if config.Overlap < 0 {
		config.Overlap = 0
	}
	if config.Overlap >= config.MaxChars {
		return nil, fmt.Errorf("overlap %d must be smaller than chunk size %d", config.Overlap, config.MaxChars)
	}

	out := workflow.NewData()
	for _, item := range input.Items {
		text := stringField(item.JSON, "text")
		if text == "" {
			continue
		}
		docID := stringField(item.JSON, "docId")

		for i, chunk := range splitChunks(text, config.MaxChars, config.Overlap) {
			out.Items = append(out.Items, workflow.Item{JSON: map[string]interface{}{
				"docId":   docID,
				"chunkId": fmt.Sprintf("%s-c%d", docID, i+1),
				"index":   i,
				"text":    chunk,
				"chars":   len([]rune(chunk)),
			}})
		}
	}
	return out, nil
}

func splitChunks(text string, maxChars, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return []string{text}
	}
	step := maxChars - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + maxChars
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
