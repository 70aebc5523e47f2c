package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/scheduler"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/metrics"
)

// ErrInvalidCron rejects expressions the standard 5-field parser
// cannot read.
var ErrInvalidCron = errors.New("invalid cron expression")

// Runner starts workflow executions. The engine scheduler satisfies it.
type Runner interface {
	Execute(ctx context.Context, wf *workflow.Workflow, triggeredBy string) (*scheduler.Run, error)
}

// WorkflowSource resolves saved workflows by id.
type WorkflowSource interface {
	Get(ctx context.Context, id string) (*workflow.Workflow, error)
}

// Service fires executions of saved workflows on cron expressions.
// Fired schedules submit through the same guarded path as manual runs,
// so a busy workflow skips the tick instead of double-running.
type Service struct {
	cron      *cron.Cron
	db        *database.DB
	runner    Runner
	workflows WorkflowSource
	bus       events.EventBus
	logger    logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New(db *database.DB, runner Runner, workflows WorkflowSource, bus events.EventBus, log logger.Logger) *Service {
	if bus == nil {
		bus = events.NewMemoryEventBus()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		db:        db,
		runner:    runner,
		workflows: workflows,
		bus:       bus,
		logger:    log,
		entries:   make(map[string]cron.EntryID),
	}
}

// Migrate creates the schedule table.
func (s *Service) Migrate() error {
	return s.db.Migrate(&workflow.Schedule{})
}

// Start registers every active schedule and begins ticking.
func (s *Service) Start(ctx context.Context) error {
	var schedules []*workflow.Schedule
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&schedules).Error; err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	for _, sched := range schedules {
		if err := s.addEntry(sched); err != nil {
			s.logger.Error("Failed to register schedule",
				"scheduleId", sched.ID,
				"cron", sched.Cron,
				"error", err,
			)
		}
	}

	s.cron.Start()
	s.logger.Info("Schedule service started", "schedules", len(schedules))
	return nil
}

// Stop halts ticking and waits for in-flight fires to return.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Schedule service stopped")
}

// Create validates the expression, stores the schedule and registers it
// with the ticker.
func (s *Service) Create(ctx context.Context, workflowID, cronExpr string) (*workflow.Schedule, error) {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	if _, err := s.workflows.Get(ctx, workflowID); err != nil {
		return nil, err
	}

	sched := workflow.NewSchedule(workflowID, cronExpr)
	sched.NextRunAt = nextRun(cronExpr)

	if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
		return nil, fmt.Errorf("store schedule: %w", err)
	}
	if err := s.addEntry(sched); err != nil {
		return nil, err
	}

	event := events.NewEventBuilder(events.ScheduleCreated).
		WithAggregateID(sched.ID).
		WithAggregateType("schedule").
		WithPayload("workflowId", workflowID).
		WithPayload("cron", cronExpr).
		Build()
	s.bus.Publish(ctx, event)

	s.logger.Info("Schedule created",
		"scheduleId", sched.ID,
		"workflowId", workflowID,
		"cron", cronExpr,
	)
	return sched, nil
}

// Get returns one schedule by id.
func (s *Service) Get(ctx context.Context, id string) (*workflow.Schedule, error) {
	var sched workflow.Schedule
	err := s.db.WithContext(ctx).First(&sched, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return &sched, nil
}

// List returns schedules, optionally filtered by workflow.
func (s *Service) List(ctx context.Context, workflowID string) ([]*workflow.Schedule, error) {
	query := s.db.WithContext(ctx).Order("created_at ASC")
	if workflowID != "" {
		query = query.Where("workflow_id = ?", workflowID)
	}

	var schedules []*workflow.Schedule
	if err := query.Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

// Delete unregisters and removes the schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.removeEntry(id)

	result := s.db.WithContext(ctx).Delete(&workflow.Schedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return workflow.ErrScheduleNotFound
	}

	event := events.NewEventBuilder(events.ScheduleDeleted).
		WithAggregateID(id).
		WithAggregateType("schedule").
		Build()
	s.bus.Publish(ctx, event)
	return nil
}

// Pause keeps the schedule stored but stops it from firing.
func (s *Service) Pause(ctx context.Context, id string) error {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	sched.Active = false
	sched.NextRunAt = nil
	sched.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(sched).Error; err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}

	s.removeEntry(id)
	s.logger.Info("Schedule paused", "scheduleId", id)
	return nil
}

// Resume reactivates a paused schedule.
func (s *Service) Resume(ctx context.Context, id string) error {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	sched.Active = true
	sched.NextRunAt = nextRun(sched.Cron)
	sched.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(sched).Error; err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}

	if err := s.addEntry(sched); err != nil {
		return err
	}
	s.logger.Info("Schedule resumed", "scheduleId", id)
	return nil
}

func (s *Service) addEntry(sched *workflow.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[sched.ID]; exists {
		s.cron.Remove(entryID)
	}

	scheduleID := sched.ID
	entryID, err := s.cron.AddFunc(sched.Cron, func() { s.fire(scheduleID) })
	if err != nil {
		return fmt.Errorf("register schedule: %w", err)
	}
	s.entries[sched.ID] = entryID
	return nil
}

func (s *Service) removeEntry(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[scheduleID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

// fire runs one tick of the schedule.
func (s *Service) fire(scheduleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched, err := s.Get(ctx, scheduleID)
	if err != nil {
		s.logger.Error("Fire for unknown schedule", "scheduleId", scheduleID, "error", err)
		s.removeEntry(scheduleID)
		return
	}

	wf, err := s.workflows.Get(ctx, sched.WorkflowID)
	if err != nil {
		s.logger.Error("Scheduled workflow missing",
			"scheduleId", scheduleID,
			"workflowId", sched.WorkflowID,
			"error", err,
		)
		metrics.RecordScheduleFire("error")
		return
	}

	run, err := s.runner.Execute(ctx, wf, "schedule")
	switch {
	case errors.Is(err, workflow.ErrAlreadyRunning):
		s.logger.Warn("Skipped scheduled run, workflow busy",
			"scheduleId", scheduleID,
			"workflowId", wf.ID,
		)
		metrics.RecordScheduleFire("skipped")
		return
	case err != nil:
		s.logger.Error("Scheduled run failed to start",
			"scheduleId", scheduleID,
			"workflowId", wf.ID,
			"error", err,
		)
		metrics.RecordScheduleFire("error")
		return
	}
	metrics.RecordScheduleFire("triggered")

	now := time.Now()
	sched.LastRunAt = &now
	sched.NextRunAt = nextRun(sched.Cron)
	sched.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(sched).Error; err != nil {
		s.logger.Error("Failed to update schedule run times", "scheduleId", scheduleID, "error", err)
	}

	builder := events.NewEventBuilder(events.ScheduleTriggered).
		WithAggregateID(scheduleID).
		WithAggregateType("schedule").
		WithPayload("workflowId", wf.ID)
	if run != nil {
		builder = builder.WithPayload("runId", run.ID())
	}
	s.bus.Publish(ctx, builder.Build())
}

func nextRun(cronExpr string) *time.Time {
	spec, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil
	}
	next := spec.Next(time.Now().UTC())
	return &next
}
