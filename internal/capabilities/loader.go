package capabilities

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/binarydata"
	"github.com/docflow-go/pkg/logger"
)

// DocumentLoader stages configured documents as items, one per
// document. Oversized document text is offloaded to the binary store
// and travels as a reference with an inline preview.
type DocumentLoader struct {
	store  binarydata.Store
	logger logger.Logger
}

type DocumentLoaderConfig struct {
	Documents   []DocumentInput `json:"documents"`
	InlineLimit int             `json:"inlineLimit"` // bytes
}

type DocumentInput struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Text     string `json:"text"`
	MimeType string `json:"mimeType"`
}

func NewDocumentLoader(store binarydata.Store, log logger.Logger) *DocumentLoader {
	return &DocumentLoader{store: store, logger: log}
}

func (l *DocumentLoader) Type() string {
	return workflow.NodeTypeDocumentLoader
}

func (l *DocumentLoader) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config DocumentLoaderConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if len(config.Documents) == 0 {
		return nil, fmt.Errorf("at least one document is required")
	}
	if config.InlineLimit <= 0 {
		config.InlineLimit = 64 << 10
	}

	out := workflow.NewData()
	for i, doc := range config.Documents {
		if doc.ID == "" {
			doc.ID = fmt.Sprintf("doc-%d", i+1)
		}
		if doc.MimeType == "" {
			doc.MimeType = "text/plain"
		}

		item := workflow.Item{JSON: map[string]interface{}{
			"docId":    doc.ID,
			"name":     doc.Name,
			"mimeType": doc.MimeType,
			"chars":    len([]rune(doc.Text)),
		}}

		if len(doc.Text) > config.InlineLimit && l.store != nil {
			ref, err := l.store.Put(ctx, []byte(doc.Text), binarydata.Meta{
				FileName: doc.Name,
				MimeType: doc.MimeType,
			})
			if err != nil {
				return nil, fmt.Errorf("offload document %s: %w", doc.ID, err)
			}
			preview := doc.Text[:config.InlineLimit]
			for len(preview) > 0 && !utf8.ValidString(preview) {
				preview = preview[:len(preview)-1]
			}
			item.JSON["preview"] = preview
			item.Binary = map[string]workflow.BinaryRef{"document": *ref}
			l.logger.Debug("Offloaded document text", "docId", doc.ID, "size", ref.Size)
		} else {
			item.JSON["text"] = doc.Text
		}

		out.Items = append(out.Items, item)
	}
	return out, nil
}
