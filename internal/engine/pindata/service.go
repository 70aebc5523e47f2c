package pindata

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
)

// RunState answers whether a workflow run is live and what its nodes
// are doing right now.
type RunState interface {
	RunningRunID(ctx context.Context, workflowID string) (string, error)
	Snapshot(ctx context.Context, workflowID string) (*workflow.Execution, error)
}

// Service manages pinned node outputs. Pins are only ever changed here,
// never by the engine: a run consumes them but cannot invalidate them.
type Service struct {
	db     *database.DB
	runs   RunState
	bus    events.EventBus
	logger logger.Logger
}

func New(db *database.DB, runs RunState, bus events.EventBus, log logger.Logger) *Service {
	if bus == nil {
		bus = events.NewMemoryEventBus()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{db: db, runs: runs, bus: bus, logger: log}
}

func (s *Service) Migrate() error {
	return s.db.Migrate(&workflow.PinData{})
}

// Set stores or replaces the pin for one node. Rejected while that node
// is running in a live execution.
func (s *Service) Set(ctx context.Context, workflowID, nodeID string, data *workflow.ExecutionData) (*workflow.PinData, error) {
	if err := s.ensureNodeIdle(ctx, workflowID, nodeID); err != nil {
		return nil, err
	}

	pin := &workflow.PinData{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Data:       data.AsPinned(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "node_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).
		Create(pin).Error
	if err != nil {
		return nil, fmt.Errorf("store pin: %w", err)
	}

	s.logger.Info("Pin stored", "workflowId", workflowID, "nodeId", nodeID, "items", pin.Data.Len())
	s.publish(events.PinDataSet, workflowID, nodeID)
	return pin, nil
}

// Clear removes the pin for one node. Clearing a node that has no pin
// is a no-op. Rejected while that node is running.
func (s *Service) Clear(ctx context.Context, workflowID, nodeID string) error {
	if err := s.ensureNodeIdle(ctx, workflowID, nodeID); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Where("workflow_id = ? AND node_id = ?", workflowID, nodeID).
		Delete(&workflow.PinData{})
	if res.Error != nil {
		return fmt.Errorf("clear pin: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Pin cleared", "workflowId", workflowID, "nodeId", nodeID)
		s.publish(events.PinDataCleared, workflowID, nodeID)
	}
	return nil
}

// ClearAll removes every pin of a workflow, used when the workflow
// itself is deleted.
func (s *Service) ClearAll(ctx context.Context, workflowID string) error {
	res := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Delete(&workflow.PinData{})
	if res.Error != nil {
		return fmt.Errorf("clear pins: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.publish(events.PinDataCleared, workflowID, "")
	}
	return nil
}

// List returns the stored pin rows for a workflow.
func (s *Service) List(ctx context.Context, workflowID string) ([]*workflow.PinData, error) {
	var pins []*workflow.PinData
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("node_id ASC").
		Find(&pins).Error
	return pins, err
}

// ListPinned returns pinned outputs keyed by node id, the shape the
// scheduler consumes at run start.
func (s *Service) ListPinned(ctx context.Context, workflowID string) (map[string]*workflow.ExecutionData, error) {
	pins, err := s.List(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	pinned := make(map[string]*workflow.ExecutionData, len(pins))
	for _, pin := range pins {
		pinned[pin.NodeID] = pin.Data
	}
	return pinned, nil
}

func (s *Service) ensureNodeIdle(ctx context.Context, workflowID, nodeID string) error {
	runID, err := s.runs.RunningRunID(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("check live run: %w", err)
	}
	if runID == "" {
		return nil
	}
	snap, err := s.runs.Snapshot(ctx, workflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			return nil
		}
		return fmt.Errorf("check live run: %w", err)
	}
	if snap.ID == runID && snap.NodeStatus[nodeID] == workflow.NodeStatusRunning {
		return fmt.Errorf("%w: %s", workflow.ErrNodeRunning, nodeID)
	}
	return nil
}

func (s *Service) publish(eventType, workflowID, nodeID string) {
	event := events.NewEventBuilder(eventType).
		WithAggregateID(workflowID).
		WithAggregateType("pindata").
		WithPayload("nodeId", nodeID).
		Build()
	if err := s.bus.Publish(context.Background(), event); err != nil {
		s.logger.Warn("Failed to publish pin event", "type", eventType, "error", err)
	}
}
