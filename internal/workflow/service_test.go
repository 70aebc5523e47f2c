package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/pkg/cache"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/logger"
)

type fakePins struct {
	cleared []string
}

func (f *fakePins) ClearAll(ctx context.Context, workflowID string) error {
	f.cleared = append(f.cleared, workflowID)
	return nil
}

func setupTestService(t *testing.T) (*Service, *fakePins) {
	t.Helper()

	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pins := &fakePins{}
	svc := New(db, pins, nil, nil, logger.NewNop())
	require.NoError(t, svc.Migrate())
	require.NoError(t, db.Migrate(&domain.Schedule{}))
	return svc, pins
}

func pipelineRequest(name string) *domain.CreateWorkflowRequest {
	return &domain.CreateWorkflowRequest{
		Name: name,
		Nodes: []domain.Node{
			{ID: "load", Type: domain.NodeTypeDocumentLoader},
			{ID: "chunk", Type: domain.NodeTypeChunker},
		},
		Connections: []domain.Connection{
			{Source: "load", Target: "chunk"},
		},
	}
}

func TestService_CreateAndGet(t *testing.T) {
	svc, _ := setupTestService(t)

	created, err := svc.Create(context.Background(), pipelineRequest("ingest"))
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	loaded, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ingest", loaded.Name)
	require.Len(t, loaded.Nodes, 2)
	assert.Equal(t, "load", loaded.Nodes[0].ID)
}

func TestService_CreateRejectsBrokenGraph(t *testing.T) {
	svc, _ := setupTestService(t)

	req := pipelineRequest("broken")
	req.Connections = append(req.Connections, domain.Connection{Source: "chunk", Target: "ghost"})

	_, err := svc.Create(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrDanglingConnection)
}

func TestService_GetUnknown(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestService_UpdateSnapshotsPreviousVersion(t *testing.T) {
	svc, _ := setupTestService(t)

	created, err := svc.Create(context.Background(), pipelineRequest("ingest"))
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), &domain.UpdateWorkflowRequest{
		WorkflowID: created.ID,
		Name:       "ingest-v2",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "ingest-v2", updated.Name)

	versions, err := svc.Versions(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, "ingest", versions[0].Definition.Name)
}

func TestService_UpdateDetectsVersionConflict(t *testing.T) {
	svc, _ := setupTestService(t)

	created, err := svc.Create(context.Background(), pipelineRequest("ingest"))
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), &domain.UpdateWorkflowRequest{
		WorkflowID: created.ID,
		Name:       "stale",
		Version:    7,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version conflict")
}

func TestService_DeleteCascades(t *testing.T) {
	svc, pins := setupTestService(t)

	created, err := svc.Create(context.Background(), pipelineRequest("ingest"))
	require.NoError(t, err)
	require.NoError(t, svc.db.Create(domain.NewSchedule(created.ID, "0 6 * * *")).Error)

	require.NoError(t, svc.Delete(context.Background(), created.ID))

	_, err = svc.Get(context.Background(), created.ID)
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
	assert.Equal(t, []string{created.ID}, pins.cleared)

	var schedules int64
	require.NoError(t, svc.db.Model(&domain.Schedule{}).Where("workflow_id = ?", created.ID).Count(&schedules).Error)
	assert.Zero(t, schedules)

	assert.ErrorIs(t, svc.Delete(context.Background(), created.ID), domain.ErrWorkflowNotFound)
}

func TestService_ListNewestFirst(t *testing.T) {
	svc, _ := setupTestService(t)

	first, err := svc.Create(context.Background(), pipelineRequest("first"))
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), pipelineRequest("second"))
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), &domain.UpdateWorkflowRequest{WorkflowID: first.ID, Name: "first-touched"})
	require.NoError(t, err)

	listed, err := svc.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "first-touched", listed[0].Name)
}

func TestService_CachedGet(t *testing.T) {
	db, err := database.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := New(db, &fakePins{}, cache.NewRedis(client, "workflow", time.Minute), nil, logger.NewNop())
	require.NoError(t, svc.Migrate())
	require.NoError(t, db.Migrate(&domain.Schedule{}))

	wf, err := svc.Create(context.Background(), pipelineRequest("cached"))
	require.NoError(t, err)

	// First read fills the cache, so a raw row change stays invisible.
	_, err = svc.Get(context.Background(), wf.ID)
	require.NoError(t, err)
	require.NoError(t, db.Exec("UPDATE workflows SET name = ? WHERE id = ?", "behind-the-back", wf.ID).Error)

	got, err := svc.Get(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "cached", got.Name)

	// A service-side write drops the entry and the next read is fresh.
	_, err = svc.Update(context.Background(), &domain.UpdateWorkflowRequest{WorkflowID: wf.ID, Name: "renamed"})
	require.NoError(t, err)

	got, err = svc.Get(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
}
