package workflow

import (
	"errors"
	"fmt"
)

// Structural errors, rejected at submission time before any execution.
var (
	ErrInvalidWorkflow    = errors.New("invalid workflow definition")
	ErrDanglingConnection = errors.New("dangling connection")
	ErrCycle              = errors.New("workflow contains a cycle")
	ErrDuplicateNode      = errors.New("duplicate node id")
)

// Runtime errors.
var (
	ErrAlreadyRunning     = errors.New("workflow is already running")
	ErrDeadlock           = errors.New("execution deadlocked: waiting nodes can never become ready")
	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrNodeRunning        = errors.New("node is currently running")
)

// CapabilityError is a failure raised by a node's capability. It is
// routed along declared error-kind output connections when present,
// otherwise escalated to a fatal execution error.
type CapabilityError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// NewCapabilityError wraps a capability failure with its node identity.
func NewCapabilityError(nodeID, nodeType string, err error) *CapabilityError {
	return &CapabilityError{NodeID: nodeID, NodeType: nodeType, Err: err}
}
