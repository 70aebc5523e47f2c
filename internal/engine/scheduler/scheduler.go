package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/registry"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/metrics"
)

// StateStore guards and persists execution state. Begin acquires the
// per-workflow run slot (ErrAlreadyRunning when taken), Checkpoint
// records mid-run snapshots without blocking, Commit persists the
// terminal state and releases the slot.
type StateStore interface {
	Begin(ctx context.Context, workflowID, runID string) error
	Checkpoint(exec *workflow.Execution)
	Commit(ctx context.Context, exec *workflow.Execution) error
	Snapshot(ctx context.Context, workflowID string) (*workflow.Execution, error)
}

// PinSource supplies stored pinned outputs for a workflow.
type PinSource interface {
	ListPinned(ctx context.Context, workflowID string) (map[string]*workflow.ExecutionData, error)
}

// Dispatcher executes one node's capability under the engine's retry
// and breaker policy.
type Dispatcher interface {
	Execute(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error)
}

// Config tunes one scheduler instance.
type Config struct {
	MaxConcurrentNodes int
	EventBuffer        int
}

// Scheduler turns validated graphs into ordered, observable runs. Each
// workflow has at most one active run; different workflows execute
// independently.
type Scheduler struct {
	config     Config
	dispatcher Dispatcher
	registry   *registry.Registry
	state      StateStore
	pins       PinSource
	bus        events.EventBus
	logger     logger.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// New creates a scheduler.
func New(cfg Config, d Dispatcher, reg *registry.Registry, store StateStore, pins PinSource, bus events.EventBus, log logger.Logger) *Scheduler {
	if cfg.MaxConcurrentNodes <= 0 {
		cfg.MaxConcurrentNodes = 4
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if bus == nil {
		bus = events.NewMemoryEventBus()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{
		config:     cfg,
		dispatcher: d,
		registry:   reg,
		state:      store,
		pins:       pins,
		bus:        bus,
		logger:     log,
		runs:       make(map[string]*Run),
	}
}

// Execute validates the workflow, acquires its run slot and starts the
// run in the background. Returns the live run handle, ErrAlreadyRunning
// when the workflow has a run in flight, or a graph error when the
// submission is structurally broken.
func (s *Scheduler) Execute(ctx context.Context, wf *workflow.Workflow, triggeredBy string) (*Run, error) {
	graph, err := workflow.BuildGraph(wf)
	if err != nil {
		return nil, err
	}

	pinned := map[string]*workflow.ExecutionData{}
	if s.pins != nil {
		pinned, err = s.pins.ListPinned(ctx, wf.ID)
		if err != nil {
			return nil, fmt.Errorf("load pinned data: %w", err)
		}
	}

	exec := workflow.NewExecution(wf.ID, triggeredBy, graph)
	if err := s.state.Begin(ctx, wf.ID, exec.ID); err != nil {
		return nil, err
	}

	run := s.newRun(graph, exec, pinned)

	s.mu.Lock()
	s.runs[wf.ID] = run
	s.mu.Unlock()

	metrics.ExecutionsActive.Inc()
	s.logger.Info("execution started",
		"run_id", exec.ID,
		"workflow_id", wf.ID,
		"nodes", graph.Size(),
		"trigger", triggeredBy,
	)
	s.publishEvent(events.ExecutionStarted, wf.ID, map[string]interface{}{
		"runId":   exec.ID,
		"trigger": triggeredBy,
	})

	go run.loop()

	return run, nil
}

// Get returns the live run for a workflow, if one is in flight.
func (s *Scheduler) Get(workflowID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[workflowID]
	return run, ok
}

// Cancel aborts the live run for a workflow. Running and waiting nodes
// are marked skipped and the stream ends with a terminal error.
func (s *Scheduler) Cancel(workflowID string) error {
	run, ok := s.Get(workflowID)
	if !ok {
		return workflow.ErrExecutionNotFound
	}
	run.Cancel()
	return nil
}

// ActiveRuns returns the workflow ids with a run in flight.
func (s *Scheduler) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) remove(workflowID, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[workflowID]; ok && run.ID() == runID {
		delete(s.runs, workflowID)
	}
}

func (s *Scheduler) publishEvent(eventType, workflowID string, payload map[string]interface{}) {
	builder := events.NewEventBuilder(eventType).
		WithAggregateID(workflowID).
		WithAggregateType("execution")
	for k, v := range payload {
		builder = builder.WithPayload(k, v)
	}
	if err := s.bus.Publish(context.Background(), builder.Build()); err != nil {
		s.logger.Warn("event publish failed", "event_type", eventType, "error", err)
	}
}
