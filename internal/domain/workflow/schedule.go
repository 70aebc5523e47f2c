package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Schedule fires an execution of a saved workflow on a cron expression.
// Expressions use the standard five-field form and are evaluated in UTC.
type Schedule struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	WorkflowID string     `json:"workflowId" gorm:"not null;index"`
	Cron       string     `json:"cron" gorm:"not null"`
	Active     bool       `json:"active"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt  *time.Time `json:"nextRunAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// NewSchedule creates an active schedule for the workflow.
func NewSchedule(workflowID, cronExpr string) *Schedule {
	now := time.Now()
	return &Schedule{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Cron:       cronExpr,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
