package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	domain "github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/cache"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
)

// ErrVersionConflict rejects updates that target a stale revision.
var ErrVersionConflict = errors.New("version conflict")

// PinStore drops stored pins when their workflow goes away.
type PinStore interface {
	ClearAll(ctx context.Context, workflowID string) error
}

// Service owns saved workflow definitions: CRUD with version
// snapshots, structural validation on every write, and JSON/YAML
// transfer.
type Service struct {
	db     *database.DB
	pins   PinStore
	cache  cache.Cache
	bus    events.EventBus
	logger logger.Logger
}

// New builds the service. defs may be nil, in which case every Get
// goes to the database.
func New(db *database.DB, pins PinStore, defs cache.Cache, bus events.EventBus, log logger.Logger) *Service {
	if bus == nil {
		bus = events.NewMemoryEventBus()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{db: db, pins: pins, cache: defs, bus: bus, logger: log}
}

// Migrate creates the workflow tables.
func (s *Service) Migrate() error {
	return s.db.Migrate(&domain.Workflow{}, &domain.WorkflowVersion{})
}

// Create validates and stores a new workflow.
func (s *Service) Create(ctx context.Context, req *domain.CreateWorkflowRequest) (*domain.Workflow, error) {
	wf := domain.NewWorkflow(req.Name, req.Description)
	wf.Nodes = req.Nodes
	wf.Connections = req.Connections
	wf.Tags = req.Tags
	if req.Settings != nil {
		wf.Settings = *req.Settings
	}

	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidWorkflow, err)
	}
	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return nil, fmt.Errorf("store workflow: %w", err)
	}

	s.publish(ctx, events.WorkflowCreated, wf)
	s.logger.Info("Workflow created", "workflow_id", wf.ID, "name", wf.Name, "nodes", len(wf.Nodes))
	return wf, nil
}

// Get returns one workflow by id, from cache when possible.
func (s *Service) Get(ctx context.Context, id string) (*domain.Workflow, error) {
	if s.cache != nil {
		var cached domain.Workflow
		if err := s.cache.Get(ctx, id, &cached); err == nil {
			return &cached, nil
		}
	}

	var wf domain.Workflow
	err := s.db.WithContext(ctx).First(&wf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, id, &wf, 0); err != nil {
			s.logger.Warn("Failed to cache workflow", "workflow_id", id, "error", err)
		}
	}
	return &wf, nil
}

// List returns workflows, most recently updated first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*domain.Workflow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var workflows []*domain.Workflow
	err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&workflows).Error
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return workflows, nil
}

// Update applies the request on top of the stored definition. The
// previous revision is snapshotted before the new one is written.
func (s *Service) Update(ctx context.Context, req *domain.UpdateWorkflowRequest) (*domain.Workflow, error) {
	wf, err := s.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.Version != 0 && req.Version != wf.Version {
		return nil, fmt.Errorf("%w: have %d, update targets %d", ErrVersionConflict, wf.Version, req.Version)
	}

	snapshot := domain.NewWorkflowVersion(wf)

	if req.Name != "" {
		wf.Name = req.Name
	}
	if req.Description != "" {
		wf.Description = req.Description
	}
	if req.Nodes != nil {
		wf.Nodes = req.Nodes
	}
	if req.Connections != nil {
		wf.Connections = req.Connections
	}
	if req.Settings != nil {
		wf.Settings = *req.Settings
	}
	if req.Tags != nil {
		wf.Tags = req.Tags
	}
	wf.Version++
	wf.UpdatedAt = time.Now()

	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidWorkflow, err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(snapshot).Error; err != nil {
			return err
		}
		return tx.Save(wf).Error
	})
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	s.dropCached(ctx, wf.ID)

	s.publish(ctx, events.WorkflowUpdated, wf)
	s.logger.Info("Workflow updated", "workflow_id", wf.ID, "version", wf.Version)
	return wf, nil
}

// Delete removes the workflow with its versions, schedules and pins.
func (s *Service) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&domain.Workflow{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete workflow: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrWorkflowNotFound
	}
	s.dropCached(ctx, id)

	if err := s.db.WithContext(ctx).Delete(&domain.WorkflowVersion{}, "workflow_id = ?", id).Error; err != nil {
		s.logger.Warn("Failed to delete workflow versions", "workflow_id", id, "error", err)
	}
	if err := s.db.WithContext(ctx).Delete(&domain.Schedule{}, "workflow_id = ?", id).Error; err != nil {
		s.logger.Warn("Failed to delete workflow schedules", "workflow_id", id, "error", err)
	}
	if s.pins != nil {
		if err := s.pins.ClearAll(ctx, id); err != nil {
			s.logger.Warn("Failed to clear workflow pins", "workflow_id", id, "error", err)
		}
	}

	event := events.NewEventBuilder(events.WorkflowDeleted).
		WithAggregateID(id).
		WithAggregateType("workflow").
		Build()
	s.bus.Publish(ctx, event)

	s.logger.Info("Workflow deleted", "workflow_id", id)
	return nil
}

// Versions lists stored revisions of a workflow, newest first.
func (s *Service) Versions(ctx context.Context, workflowID string) ([]*domain.WorkflowVersion, error) {
	if _, err := s.Get(ctx, workflowID); err != nil {
		return nil, err
	}

	var versions []*domain.WorkflowVersion
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("version DESC").
		Find(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return versions, nil
}

// Export renders a stored workflow in the requested transfer format.
func (s *Service) Export(ctx context.Context, id, format string) ([]byte, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Export(wf, format)
}

// Import decodes a transfer payload and stores it as a new workflow.
// A colliding id gets replaced by a fresh one.
func (s *Service) Import(ctx context.Context, data []byte) (*domain.Workflow, error) {
	wf, err := Import(data)
	if err != nil {
		return nil, err
	}

	if _, err := s.Get(ctx, wf.ID); err == nil {
		clone := wf.Clone(wf.Name)
		wf = clone
	} else if !errors.Is(err, domain.ErrWorkflowNotFound) {
		return nil, err
	}

	wf.CreatedAt = time.Now()
	wf.UpdatedAt = wf.CreatedAt
	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return nil, fmt.Errorf("store imported workflow: %w", err)
	}

	s.publish(ctx, events.WorkflowCreated, wf)
	s.logger.Info("Workflow imported", "workflow_id", wf.ID, "name", wf.Name)
	return wf, nil
}

func (s *Service) dropCached(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		s.logger.Warn("Failed to drop cached workflow", "workflow_id", id, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, wf *domain.Workflow) {
	event := events.NewEventBuilder(eventType).
		WithAggregateID(wf.ID).
		WithAggregateType("workflow").
		WithPayload("name", wf.Name).
		WithPayload("version", wf.Version).
		Build()
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish workflow event", "type", eventType, "error", err)
	}
}
