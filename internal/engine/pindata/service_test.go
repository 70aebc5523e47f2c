package pindata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/logger"
)

type fakeRunState struct {
	runID    string
	snapshot *workflow.Execution
}

func (f *fakeRunState) RunningRunID(ctx context.Context, workflowID string) (string, error) {
	return f.runID, nil
}

func (f *fakeRunState) Snapshot(ctx context.Context, workflowID string) (*workflow.Execution, error) {
	if f.snapshot == nil {
		return nil, workflow.ErrExecutionNotFound
	}
	return f.snapshot, nil
}

func setupTestService(t *testing.T) (*Service, *fakeRunState) {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)

	runs := &fakeRunState{}
	svc := New(db, runs, nil, logger.NewNop())
	require.NoError(t, svc.Migrate())
	return svc, runs
}

func sample(value string) *workflow.ExecutionData {
	return workflow.FromValues(map[string]interface{}{"value": value})
}

func TestService_SetAndListPinned(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Set(ctx, "wf-1", "extract", sample("one"))
	require.NoError(t, err)
	_, err = svc.Set(ctx, "wf-1", "classify", sample("two"))
	require.NoError(t, err)

	pinned, err := svc.ListPinned(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, pinned, 2)
	assert.True(t, pinned["extract"].Pinned)

	item, ok := pinned["extract"].First()
	require.True(t, ok)
	assert.Equal(t, "one", item.JSON["value"])
}

func TestService_SetReplacesExistingPin(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Set(ctx, "wf-1", "extract", sample("old"))
	require.NoError(t, err)
	_, err = svc.Set(ctx, "wf-1", "extract", sample("new"))
	require.NoError(t, err)

	pins, err := svc.List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, pins, 1)

	item, ok := pins[0].Data.First()
	require.True(t, ok)
	assert.Equal(t, "new", item.JSON["value"])
}

func TestService_RejectsMutationWhileNodeRunning(t *testing.T) {
	svc, runs := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Set(ctx, "wf-1", "extract", sample("before"))
	require.NoError(t, err)

	runs.runID = "run-1"
	runs.snapshot = &workflow.Execution{
		ID:         "run-1",
		WorkflowID: "wf-1",
		Status:     workflow.ExecutionRunning,
		NodeStatus: map[string]string{"extract": workflow.NodeStatusRunning},
	}

	_, err = svc.Set(ctx, "wf-1", "extract", sample("during"))
	assert.ErrorIs(t, err, workflow.ErrNodeRunning)
	assert.ErrorIs(t, svc.Clear(ctx, "wf-1", "extract"), workflow.ErrNodeRunning)

	// The stored pin is untouched.
	pins, err := svc.List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	item, _ := pins[0].Data.First()
	assert.Equal(t, "before", item.JSON["value"])
}

func TestService_AllowsMutationWhileOtherNodesRun(t *testing.T) {
	svc, runs := setupTestService(t)
	ctx := context.Background()

	runs.runID = "run-1"
	runs.snapshot = &workflow.Execution{
		ID:         "run-1",
		WorkflowID: "wf-1",
		Status:     workflow.ExecutionRunning,
		NodeStatus: map[string]string{
			"extract":  workflow.NodeStatusRunning,
			"classify": workflow.NodeStatusWaiting,
		},
	}

	_, err := svc.Set(ctx, "wf-1", "classify", sample("ok"))
	assert.NoError(t, err)
}

func TestService_ClearIsIdempotent(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Set(ctx, "wf-1", "extract", sample("one"))
	require.NoError(t, err)

	require.NoError(t, svc.Clear(ctx, "wf-1", "extract"))
	require.NoError(t, svc.Clear(ctx, "wf-1", "extract"))

	pinned, err := svc.ListPinned(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, pinned)
}

func TestService_ClearAllDropsEveryPin(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Set(ctx, "wf-1", "a", sample("1"))
	require.NoError(t, err)
	_, err = svc.Set(ctx, "wf-1", "b", sample("2"))
	require.NoError(t, err)
	_, err = svc.Set(ctx, "wf-2", "a", sample("3"))
	require.NoError(t, err)

	require.NoError(t, svc.ClearAll(ctx, "wf-1"))

	pinned, err := svc.ListPinned(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, pinned)

	// Other workflows keep their pins.
	other, err := svc.ListPinned(ctx, "wf-2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
