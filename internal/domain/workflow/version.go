package workflow

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowVersion is a frozen snapshot of a workflow definition, taken
// before each update so earlier revisions stay restorable.
type WorkflowVersion struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	WorkflowID string    `json:"workflowId" gorm:"not null;index:idx_version_workflow"`
	Version    int       `json:"version" gorm:"not null"`
	Definition *Workflow `json:"definition" gorm:"serializer:json"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewWorkflowVersion snapshots the workflow at its current version.
func NewWorkflowVersion(w *Workflow) *WorkflowVersion {
	return &WorkflowVersion{
		ID:         uuid.New().String(),
		WorkflowID: w.ID,
		Version:    w.Version,
		Definition: w,
		CreatedAt:  time.Now(),
	}
}
