package workflow

import (
	"time"
)

// Item is one element of an ExecutionData container: an opaque JSON
// payload plus optional references to externally stored binary data.
type Item struct {
	JSON   map[string]interface{} `json:"json"`
	Binary map[string]BinaryRef   `json:"binary,omitempty"`
}

// BinaryRef points at a payload held in the binary data store rather
// than inline, keyed by its content digest.
type BinaryRef struct {
	Key      string `json:"key"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Digest   string `json:"digest,omitempty"`
}

// ExecutionData is the ordered sequence of items exchanged between
// nodes. Containers are never mutated once handed downstream; a node
// that wants to transform data produces a new container.
type ExecutionData struct {
	Items  []Item `json:"items"`
	Pinned bool   `json:"pinned,omitempty"`
}

// NewData creates a container holding the given items.
func NewData(items ...Item) *ExecutionData {
	return &ExecutionData{Items: items}
}

// Empty creates a container with no items.
func Empty() *ExecutionData {
	return &ExecutionData{Items: []Item{}}
}

// FromValues creates a container with one item per payload.
func FromValues(values ...map[string]interface{}) *ExecutionData {
	items := make([]Item, len(values))
	for i, v := range values {
		items[i] = Item{JSON: v}
	}
	return &ExecutionData{Items: items}
}

// ErrorData builds the failure payload routed along error-kind edges,
// carrying the failing node id and a human-readable cause.
func ErrorData(nodeID string, err error) *ExecutionData {
	return FromValues(map[string]interface{}{
		"error":     err.Error(),
		"nodeId":    nodeID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Merge concatenates items from all containers in argument order. This
// order follows connection declaration order, never wall-clock arrival,
// so fan-in merging stays deterministic. Nil containers are skipped.
func Merge(containers ...*ExecutionData) *ExecutionData {
	total := 0
	for _, c := range containers {
		if c != nil {
			total += len(c.Items)
		}
	}
	merged := make([]Item, 0, total)
	for _, c := range containers {
		if c == nil {
			continue
		}
		merged = append(merged, c.Items...)
	}
	return &ExecutionData{Items: merged}
}

// Len returns the number of items in the container.
func (d *ExecutionData) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Items)
}

// First returns the first item, if any.
func (d *ExecutionData) First() (Item, bool) {
	if d == nil || len(d.Items) == 0 {
		return Item{}, false
	}
	return d.Items[0], true
}

// Clone copies the container so the original can be stored or pinned
// without aliasing a caller's item slice.
func (d *ExecutionData) Clone() *ExecutionData {
	if d == nil {
		return nil
	}
	items := make([]Item, len(d.Items))
	for i, item := range d.Items {
		clone := Item{JSON: make(map[string]interface{}, len(item.JSON))}
		for k, v := range item.JSON {
			clone.JSON[k] = v
		}
		if item.Binary != nil {
			clone.Binary = make(map[string]BinaryRef, len(item.Binary))
			for k, v := range item.Binary {
				clone.Binary[k] = v
			}
		}
		items[i] = clone
	}
	return &ExecutionData{Items: items, Pinned: d.Pinned}
}

// AsPinned returns a copy flagged as substituted pinned output.
func (d *ExecutionData) AsPinned() *ExecutionData {
	clone := d.Clone()
	if clone == nil {
		clone = Empty()
	}
	clone.Pinned = true
	return clone
}
