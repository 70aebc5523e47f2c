package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/logger"
)

func setupTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, err := database.NewMemory()
	require.NoError(t, err)

	store := New(db, client, cfg, logger.NewNop())
	require.NoError(t, store.Migrate())
	t.Cleanup(store.Close)

	return store, mr
}

func testExec(workflowID, runID, status string) *workflow.Execution {
	return &workflow.Execution{
		ID:          runID,
		WorkflowID:  workflowID,
		Status:      status,
		TriggeredBy: "test",
		NodeStatus:  map[string]string{"a": workflow.NodeStatusDone},
		NodeOutputs: map[string]*workflow.ExecutionData{
			"a": workflow.FromValues(map[string]interface{}{"from": "a"}),
		},
		StartedAt: time.Now(),
		CreatedAt: time.Now(),
	}
}

func TestStore_BeginClaimsOneSlotPerWorkflow(t *testing.T) {
	store, _ := setupTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, "wf-1", "run-1"))

	err := store.Begin(ctx, "wf-1", "run-2")
	assert.ErrorIs(t, err, workflow.ErrAlreadyRunning)

	// Other workflows are unaffected.
	assert.NoError(t, store.Begin(ctx, "wf-2", "run-3"))

	runID, err := store.RunningRunID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
}

func TestStore_CommitReleasesGuardAndPersists(t *testing.T) {
	store, _ := setupTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, "wf-1", "run-1"))

	exec := testExec("wf-1", "run-1", workflow.ExecutionCompleted)
	require.NoError(t, store.Commit(ctx, exec))

	// Slot is free again.
	assert.NoError(t, store.Begin(ctx, "wf-1", "run-2"))

	stored, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, stored.Status)
	assert.Equal(t, workflow.NodeStatusDone, stored.NodeStatus["a"])
	require.NotNil(t, stored.NodeOutputs["a"])
	assert.Equal(t, 1, stored.NodeOutputs["a"].Len())
}

func TestStore_SnapshotPrefersLiveCheckpoint(t *testing.T) {
	store, _ := setupTestStore(t, Config{})
	ctx := context.Background()

	// A committed run from earlier.
	require.NoError(t, store.Commit(ctx, testExec("wf-1", "run-old", workflow.ExecutionCompleted)))

	// A live run checkpoints over it.
	live := testExec("wf-1", "run-live", workflow.ExecutionRunning)
	live.NodeStatus["a"] = workflow.NodeStatusRunning
	store.Checkpoint(live)

	require.Eventually(t, func() bool {
		snap, err := store.Snapshot(ctx, "wf-1")
		return err == nil && snap.ID == "run-live"
	}, time.Second, 5*time.Millisecond)

	snap, err := store.Snapshot(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, snap.Status)
	assert.Equal(t, workflow.NodeStatusRunning, snap.NodeStatus["a"])
}

func TestStore_SnapshotFallsBackToHistory(t *testing.T) {
	store, mr := setupTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.Commit(ctx, testExec("wf-1", "run-1", workflow.ExecutionFailed)))

	// Wipe the live tier; the committed row must still answer.
	mr.FlushAll()

	snap, err := store.Snapshot(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.ID)
	assert.Equal(t, workflow.ExecutionFailed, snap.Status)
}

func TestStore_SnapshotUnknownWorkflow(t *testing.T) {
	store, _ := setupTestStore(t, Config{})

	_, err := store.Snapshot(context.Background(), "wf-missing")
	assert.ErrorIs(t, err, workflow.ErrExecutionNotFound)
}

func TestStore_StaleCheckpointCannotClobberCommit(t *testing.T) {
	store, _ := setupTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, "wf-1", "run-1"))
	require.NoError(t, store.Commit(ctx, testExec("wf-1", "run-1", workflow.ExecutionCompleted)))

	// A checkpoint from the same run arriving after its commit is stale.
	store.Checkpoint(testExec("wf-1", "run-1", workflow.ExecutionRunning))
	time.Sleep(50 * time.Millisecond)

	snap, err := store.Snapshot(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, snap.Status)
}

func TestStore_GuardExpiresAfterTTL(t *testing.T) {
	store, mr := setupTestStore(t, Config{GuardTTL: time.Second})
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, "wf-1", "run-1"))
	require.ErrorIs(t, store.Begin(ctx, "wf-1", "run-2"), workflow.ErrAlreadyRunning)

	mr.FastForward(2 * time.Second)

	assert.NoError(t, store.Begin(ctx, "wf-1", "run-2"))
}

func TestStore_CommitDoesNotReleaseReclaimedGuard(t *testing.T) {
	store, mr := setupTestStore(t, Config{GuardTTL: time.Second})
	ctx := context.Background()

	require.NoError(t, store.Begin(ctx, "wf-1", "run-1"))
	mr.FastForward(2 * time.Second)
	require.NoError(t, store.Begin(ctx, "wf-1", "run-2"))

	// run-1 commits late; run-2 now owns the slot and must keep it.
	require.NoError(t, store.Commit(ctx, testExec("wf-1", "run-1", workflow.ExecutionFailed)))

	runID, err := store.RunningRunID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "run-2", runID)
}

func TestStore_HistoryNewestFirst(t *testing.T) {
	store, _ := setupTestStore(t, Config{})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		exec := testExec("wf-1", id, workflow.ExecutionCompleted)
		exec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Commit(ctx, exec))
	}

	history, err := store.History(ctx, "wf-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "run-3", history[0].ID)
	assert.Equal(t, "run-2", history[1].ID)
}

func TestStore_RunningRunIDWhenIdle(t *testing.T) {
	store, _ := setupTestStore(t, Config{})

	runID, err := store.RunningRunID(context.Background(), "wf-idle")
	require.NoError(t, err)
	assert.Empty(t, runID)
}
