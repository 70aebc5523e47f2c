package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/logger"
)

// Capability performs the work of one node type. Implementations must
// be safe for retry: the engine may call Execute again after a failure.
type Capability interface {
	Type() string
	Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error)
}

// Func adapts a plain function into a Capability.
type Func struct {
	TypeName string
	Fn       func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error)
}

func (f Func) Type() string {
	return f.TypeName
}

func (f Func) Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
	return f.Fn(ctx, node, input)
}

// Registry maps declared node types to their capabilities. It is a pure
// lookup boundary; the scheduler decides what happens when a type is
// missing.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
	logger       logger.Logger
}

// New creates an empty registry.
func New(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		capabilities: make(map[string]Capability),
		logger:       log,
	}
}

// Register adds a capability, replacing any previous one for the type.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[c.Type()] = c
	r.logger.Debug("capability registered", "type", c.Type())
}

// Get returns the capability for a node type.
func (r *Registry) Get(nodeType string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.capabilities[nodeType]
	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", nodeType)
	}
	return c, nil
}

// Has reports whether a capability is registered for the type.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.capabilities[nodeType]
	return ok
}

// List returns all registered node types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.capabilities))
	for t := range r.capabilities {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
