package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Execution is the durable state of one workflow run: per-node statuses
// and outputs keyed by workflow id. It is owned exclusively by the
// scheduler's mutation goroutine while running; everyone else only sees
// committed snapshots. The next run of the same workflow supersedes it.
type Execution struct {
	ID          string                    `json:"id" gorm:"primaryKey"`
	WorkflowID  string                    `json:"workflowId" gorm:"not null;index"`
	Status      string                    `json:"status" gorm:"index"`
	TriggeredBy string                    `json:"triggeredBy"`
	NodeStatus  map[string]string         `json:"nodeStatus" gorm:"serializer:json"`
	NodeOutputs map[string]*ExecutionData `json:"nodeOutputs" gorm:"serializer:json"`
	Error       string                    `json:"error"`
	StartedAt   time.Time                 `json:"startedAt"`
	FinishedAt  *time.Time                `json:"finishedAt"`
	CreatedAt   time.Time                 `json:"createdAt"`
}

// NewExecution creates the state for a fresh run with every node idle.
func NewExecution(workflowID, triggeredBy string, g *Graph) *Execution {
	statuses := make(map[string]string, g.Size())
	for _, id := range g.NodeIDs() {
		statuses[id] = NodeStatusIdle
	}
	return &Execution{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		Status:      ExecutionRunning,
		TriggeredBy: triggeredBy,
		NodeStatus:  statuses,
		NodeOutputs: make(map[string]*ExecutionData),
		StartedAt:   time.Now(),
		CreatedAt:   time.Now(),
	}
}

// Snapshot returns a read-only copy safe to hand to observers while the
// scheduler keeps mutating the original.
func (e *Execution) Snapshot() *Execution {
	statuses := make(map[string]string, len(e.NodeStatus))
	for k, v := range e.NodeStatus {
		statuses[k] = v
	}
	outputs := make(map[string]*ExecutionData, len(e.NodeOutputs))
	for k, v := range e.NodeOutputs {
		outputs[k] = v.Clone()
	}
	clone := *e
	clone.NodeStatus = statuses
	clone.NodeOutputs = outputs
	return &clone
}

// Finish records the terminal status and timestamp.
func (e *Execution) Finish(status, errMsg string) {
	now := time.Now()
	e.Status = status
	e.Error = errMsg
	e.FinishedAt = &now
}

// Duration returns elapsed time since the run started, or the total
// runtime once finished.
func (e *Execution) Duration() time.Duration {
	if e.FinishedAt != nil {
		return e.FinishedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// PinData is a stored override for one node's output. When present the
// scheduler skips real execution of that node and substitutes the
// stored data, still performing normal downstream propagation.
type PinData struct {
	ID         string         `json:"id" gorm:"primaryKey"`
	WorkflowID string         `json:"workflowId" gorm:"not null;uniqueIndex:idx_pin_workflow_node"`
	NodeID     string         `json:"nodeId" gorm:"not null;uniqueIndex:idx_pin_workflow_node"`
	Data       *ExecutionData `json:"data" gorm:"serializer:json"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}
