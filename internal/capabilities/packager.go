package capabilities

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/binarydata"
	"github.com/docflow-go/pkg/logger"
)

// Packager assembles the pipeline's final bundle: every record plus a
// category tally. Bundles larger than the offload limit move to the
// binary store and travel by reference.
type Packager struct {
	store  binarydata.Store
	logger logger.Logger
}

type PackagerConfig struct {
	Label        string `json:"label"`
	OffloadLimit int    `json:"offloadLimit"` // bytes
}

func NewPackager(store binarydata.Store, log logger.Logger) *Packager {
	return &Packager{store: store, logger: log}
}

func (p *Packager) Type() string {
	return workflow.NodeTypePackager
}

func (p *Packager) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	var config PackagerConfig
	if err := parseConfig(node.Config, &config); err != nil {
		return nil, invalidConfig(err)
	}
	if config.Label == "" {
		config.Label = node.Name
	}
	if config.OffloadLimit <= 0 {
		config.OffloadLimit = 256 << 10
	}

	records := make([]interface{}, 0, input.Len())
	categories := make(map[string]interface{})
	for _, item := range input.Items {
		records = append(records, item.JSON)
		if cat := stringField(item.JSON, "category"); cat != "" {
			if n, ok := categories[cat].(int); ok {
				categories[cat] = n + 1
			} else {
				categories[cat] = 1
			}
		}
	}

	bundle := map[string]interface{}{
		"label":      config.Label,
		"records":    records,
		"count":      len(records),
		"categories": categories,
	}

	encoded, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}

	if len(encoded) > config.OffloadLimit && p.store != nil {
		ref, err := p.store.Put(ctx, encoded, binarydata.Meta{
			FileName: config.Label + ".json",
			MimeType: "application/json",
		})
		if err != nil {
			return nil, fmt.Errorf("offload bundle: %w", err)
		}
		p.logger.Debug("Offloaded bundle", "label", config.Label, "size", ref.Size)
		return &workflow.ExecutionData{Items: []workflow.Item{{
			JSON: map[string]interface{}{
				"label":      config.Label,
				"count":      len(records),
				"categories": categories,
				"offloaded":  true,
			},
			Binary: map[string]workflow.BinaryRef{"bundle": *ref},
		}}}, nil
	}

	return workflow.FromValues(bundle), nil
}
