package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/metrics"
)

// Store keeps execution state in two tiers: Redis holds the run guard
// and the live snapshot of the current run, Postgres keeps the durable
// run history. Checkpoints are written by a single background goroutine
// so the scheduler never blocks on Redis.
type Store struct {
	db     *database.DB
	redis  *redis.Client
	config Config
	logger logger.Logger

	checkpoints chan *workflow.Execution
	stop        chan struct{}
	drained     chan struct{}

	mu        sync.Mutex
	committed map[string]string // workflow id -> run id whose terminal state is already stored
}

type Config struct {
	// GuardTTL bounds how long a crashed run can hold the per-workflow
	// slot before it frees itself.
	GuardTTL    time.Duration
	SnapshotTTL time.Duration
	QueueSize   int
}

func New(db *database.DB, client *redis.Client, cfg Config, log logger.Logger) *Store {
	if cfg.GuardTTL <= 0 {
		cfg.GuardTTL = 24 * time.Hour
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 24 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log == nil {
		log = logger.NewNop()
	}
	s := &Store{
		db:          db,
		redis:       client,
		config:      cfg,
		logger:      log,
		checkpoints: make(chan *workflow.Execution, cfg.QueueSize),
		stop:        make(chan struct{}),
		drained:     make(chan struct{}),
		committed:   make(map[string]string),
	}
	go s.writeLoop()
	return s
}

// Migrate creates the execution history table.
func (s *Store) Migrate() error {
	return s.db.Migrate(&workflow.Execution{})
}

// Begin claims the single run slot for a workflow. A second caller gets
// ErrAlreadyRunning until Commit releases the slot or the TTL expires.
func (s *Store) Begin(ctx context.Context, workflowID, runID string) error {
	ok, err := s.redis.SetNX(ctx, guardKey(workflowID), runID, s.config.GuardTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire run guard: %w", err)
	}
	if !ok {
		return workflow.ErrAlreadyRunning
	}
	return nil
}

// Checkpoint queues a snapshot for the background writer. The snapshot
// must already be detached from the scheduler's mutable state. Under
// backpressure the snapshot is dropped; the next checkpoint or the
// final Commit supersedes it anyway.
func (s *Store) Checkpoint(exec *workflow.Execution) {
	select {
	case s.checkpoints <- exec:
	default:
		metrics.RecordCheckpoint("dropped")
		s.logger.Debug("Checkpoint queue full, dropping snapshot", "runId", exec.ID)
	}
}

// Commit persists the terminal state, refreshes the live snapshot and
// releases the run guard.
func (s *Store) Commit(ctx context.Context, exec *workflow.Execution) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(exec).Error; err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}

	s.mu.Lock()
	s.committed[exec.WorkflowID] = exec.ID
	s.mu.Unlock()

	s.storeSnapshot(ctx, exec)
	s.releaseGuard(ctx, exec.WorkflowID, exec.ID)
	return nil
}

// Snapshot returns the most recent state for a workflow: the live Redis
// snapshot when one exists, otherwise the newest committed run.
func (s *Store) Snapshot(ctx context.Context, workflowID string) (*workflow.Execution, error) {
	payload, err := s.redis.Get(ctx, snapshotKey(workflowID)).Bytes()
	if err == nil {
		var exec workflow.Execution
		if err := json.Unmarshal(payload, &exec); err == nil {
			return &exec, nil
		}
		s.logger.Warn("Discarding corrupt execution snapshot", "workflowId", workflowID)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read execution snapshot: %w", err)
	}
	return s.latest(ctx, workflowID)
}

// Get loads one committed run by its id.
func (s *Store) Get(ctx context.Context, runID string) (*workflow.Execution, error) {
	var exec workflow.Execution
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// History lists committed runs for a workflow, newest first.
func (s *Store) History(ctx context.Context, workflowID string, limit int) ([]*workflow.Execution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var execs []*workflow.Execution
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// RunningRunID reports the run currently holding the workflow's guard,
// or "" when the workflow is idle.
func (s *Store) RunningRunID(ctx context.Context, workflowID string) (string, error) {
	runID, err := s.redis.Get(ctx, guardKey(workflowID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read run guard: %w", err)
	}
	return runID, nil
}

// Close flushes queued checkpoints and stops the background writer.
func (s *Store) Close() {
	close(s.stop)
	<-s.drained
}

func (s *Store) writeLoop() {
	defer close(s.drained)
	for {
		select {
		case exec := <-s.checkpoints:
			s.writeCheckpoint(exec)
		case <-s.stop:
			for {
				select {
				case exec := <-s.checkpoints:
					s.writeCheckpoint(exec)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) writeCheckpoint(exec *workflow.Execution) {
	// A checkpoint still queued when its run already committed must not
	// clobber the terminal snapshot.
	s.mu.Lock()
	stale := s.committed[exec.WorkflowID] == exec.ID && !exec.Terminal()
	s.mu.Unlock()
	if stale {
		metrics.RecordCheckpoint("dropped")
		return
	}
	s.storeSnapshot(context.Background(), exec)
}

func (s *Store) storeSnapshot(ctx context.Context, exec *workflow.Execution) {
	payload, err := json.Marshal(exec)
	if err != nil {
		s.logger.Error("Failed to encode execution snapshot", "runId", exec.ID, "error", err)
		return
	}
	if err := s.redis.Set(ctx, snapshotKey(exec.WorkflowID), payload, s.config.SnapshotTTL).Err(); err != nil {
		metrics.RecordCheckpoint("failed")
		s.logger.Warn("Failed to store execution snapshot", "runId", exec.ID, "error", err)
		return
	}
	metrics.RecordCheckpoint("written")
}

func (s *Store) releaseGuard(ctx context.Context, workflowID, runID string) {
	key := guardKey(workflowID)
	current, err := s.redis.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("Failed to read run guard", "workflowId", workflowID, "error", err)
		}
		return
	}
	// The guard may have expired and been reclaimed by a newer run.
	if current != runID {
		return
	}
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		s.logger.Warn("Failed to release run guard", "workflowId", workflowID, "error", err)
	}
}

func (s *Store) latest(ctx context.Context, workflowID string) (*workflow.Execution, error) {
	var exec workflow.Execution
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func guardKey(workflowID string) string {
	return "engine:guard:" + workflowID
}

func snapshotKey(workflowID string) string {
	return "engine:snapshot:" + workflowID
}
