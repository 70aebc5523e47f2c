package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Workflow struct {
	ID          string       `json:"id" gorm:"primaryKey"`
	Name        string       `json:"name" gorm:"not null"`
	Description string       `json:"description"`
	Nodes       []Node       `json:"nodes" gorm:"serializer:json"`
	Connections []Connection `json:"connections" gorm:"serializer:json"`
	Settings    Settings     `json:"settings" gorm:"serializer:json"`
	Version     int          `json:"version" gorm:"default:1"`
	Tags        []string     `json:"tags" gorm:"serializer:json"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

type Node struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Config   map[string]interface{} `json:"config"`
	Inputs   []Port                 `json:"inputs,omitempty"`
	Outputs  []Port                 `json:"outputs,omitempty"`
	Disabled bool                   `json:"disabled,omitempty"`
}

// Port is a named input or output slot on a node. Kind decides routing:
// main ports carry normal results, error ports carry failure payloads.
type Port struct {
	Name     string `json:"name"`
	Kind     string `json:"kind,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// Connection is a directed edge from a source node's output port to a
// target node's input port. Omitted ports default to "main".
type Connection struct {
	Source     string `json:"source"`
	SourcePort string `json:"sourcePort,omitempty"`
	Target     string `json:"target"`
	TargetPort string `json:"targetPort,omitempty"`
}

type Settings struct {
	Timeout  int    `json:"timeout"`
	Timezone string `json:"timezone"`
}

// Port kinds
const (
	PortKindMain  = "main"
	PortKindError = "error"
)

// Node statuses
const (
	NodeStatusIdle    = "idle"
	NodeStatusWaiting = "waiting"
	NodeStatusRunning = "running"
	NodeStatusDone    = "done"
	NodeStatusError   = "error"
	NodeStatusSkipped = "skipped"
)

// Execution statuses
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Built-in node types
const (
	NodeTypeDocumentLoader   = "document_loader"
	NodeTypeChunker          = "chunker"
	NodeTypeSemanticFilter   = "semantic_filter"
	NodeTypeSchemaGen        = "schema_gen"
	NodeTypeExtractor        = "extractor"
	NodeTypeValidator        = "validator"
	NodeTypeReducer          = "reducer"
	NodeTypeClassifier       = "classifier"
	NodeTypePackager         = "packager"
	NodeTypeDatabaseExporter = "database_exporter"
)

// NewWorkflow creates a new workflow with default settings.
func NewWorkflow(name, description string) *Workflow {
	return &Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Version:     1,
		Nodes:       []Node{},
		Connections: []Connection{},
		Settings: Settings{
			Timeout:  300,
			Timezone: "UTC",
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// ParseWorkflow decodes a submitted workflow definition.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	return &w, nil
}

// Validate builds the adjacency structure and reports the first
// structural problem found. The built graph is discarded.
func (w *Workflow) Validate() error {
	_, err := BuildGraph(w)
	return err
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// Clone creates a copy of the workflow under a new id.
func (w *Workflow) Clone(newName string) *Workflow {
	clone := &Workflow{
		ID:          uuid.New().String(),
		Name:        newName,
		Description: w.Description,
		Nodes:       make([]Node, len(w.Nodes)),
		Connections: make([]Connection, len(w.Connections)),
		Settings:    w.Settings,
		Version:     1,
		Tags:        append([]string{}, w.Tags...),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	copy(clone.Nodes, w.Nodes)
	copy(clone.Connections, w.Connections)

	return clone
}

// ToJSON converts the workflow to JSON.
func (w *Workflow) ToJSON() (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// InputPorts returns the node's declared input ports, defaulting to a
// single required main port when none are declared.
func (n *Node) InputPorts() []Port {
	return normalizePorts(n.Inputs)
}

// OutputPorts returns the node's declared output ports, defaulting to a
// single main port when none are declared.
func (n *Node) OutputPorts() []Port {
	return normalizePorts(n.Outputs)
}

func normalizePorts(declared []Port) []Port {
	if len(declared) == 0 {
		return []Port{{Name: PortKindMain, Kind: PortKindMain}}
	}
	ports := make([]Port, len(declared))
	for i, p := range declared {
		if p.Kind == "" {
			p.Kind = PortKindMain
		}
		ports[i] = p
	}
	return ports
}

// Normalize fills in defaulted connection ports.
func (c *Connection) Normalize() {
	if c.SourcePort == "" {
		c.SourcePort = PortKindMain
	}
	if c.TargetPort == "" {
		c.TargetPort = PortKindMain
	}
}

// Request types for workflow operations
type CreateWorkflowRequest struct {
	Name        string       `json:"name" binding:"required"`
	Description string       `json:"description"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Settings    *Settings    `json:"settings"`
	Tags        []string     `json:"tags"`
}

type UpdateWorkflowRequest struct {
	WorkflowID  string       `json:"-"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Settings    *Settings    `json:"settings"`
	Tags        []string     `json:"tags"`
	Version     int          `json:"version"`
}
