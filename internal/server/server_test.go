package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/dispatch"
	"github.com/docflow-go/internal/engine/pindata"
	"github.com/docflow-go/internal/engine/registry"
	"github.com/docflow-go/internal/engine/schedule"
	"github.com/docflow-go/internal/engine/scheduler"
	"github.com/docflow-go/internal/engine/state"
	wfservice "github.com/docflow-go/internal/workflow"
	"github.com/docflow-go/pkg/cache"
	"github.com/docflow-go/pkg/config"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
)

type testStack struct {
	t         *testing.T
	server    *Server
	scheduler *scheduler.Scheduler
	bus       events.EventBus
	mr        *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	db, err := database.NewMemory()
	require.NoError(t, err)

	log := logger.NewNop()
	bus := events.NewMemoryEventBus()

	st := state.New(db, client, state.Config{}, log)
	require.NoError(t, st.Migrate())
	t.Cleanup(st.Close)

	reg := registry.New(log)
	reg.Register(registry.Func{
		TypeName: "emit",
		Fn: func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
			return workflow.NewData(workflow.Item{JSON: map[string]interface{}{"from": node.ID}}), nil
		},
	})
	reg.Register(registry.Func{
		TypeName: "slow",
		Fn: func(ctx context.Context, node *workflow.Node, input *workflow.ExecutionData) (*workflow.ExecutionData, error) {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return workflow.Empty(), nil
		},
	})

	d := dispatch.New(reg, dispatch.Config{
		RetryMaxAttempts:  1,
		RetryInitialDelay: time.Millisecond,
		DefaultTimeout:    5 * time.Second,
	}, nil, log)

	pins := pindata.New(db, st, bus, log)
	require.NoError(t, pins.Migrate())

	sched := scheduler.New(scheduler.Config{MaxConcurrentNodes: 4, EventBuffer: 256}, d, reg, st, pins, bus, log)

	wfs := wfservice.New(db, pins, cache.NewRedis(client, "workflow", time.Minute), bus, log)
	require.NoError(t, wfs.Migrate())

	schedules := schedule.New(db, sched, wfs, bus, log)
	require.NoError(t, schedules.Migrate())

	cfg := &config.Config{}
	cfg.Engine.HeartbeatMillis = 50

	srv, err := New(cfg, Dependencies{
		Workflows: wfs,
		Scheduler: sched,
		State:     st,
		Pins:      pins,
		Schedules: schedules,
		Registry:  reg,
		Bus:       bus,
		DB:        db,
		Redis:     client,
	}, log)
	require.NoError(t, err)

	go srv.hub.Run()
	t.Cleanup(srv.hub.Stop)

	return &testStack{t: t, server: srv, scheduler: sched, bus: bus, mr: mr}
}

func (ts *testStack) request(method, path string, body interface{}) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func pipelinePayload(name, nodeType string) map[string]interface{} {
	return map[string]interface{}{
		"name": name,
		"nodes": []map[string]interface{}{
			{"id": "start", "name": "Start", "type": nodeType},
			{"id": "sink", "name": "Sink", "type": nodeType},
		},
		"connections": []map[string]interface{}{
			{"source": "start", "target": "sink"},
		},
	}
}

func (ts *testStack) createWorkflow(name, nodeType string) string {
	ts.t.Helper()
	rec := ts.request(http.MethodPost, "/api/v1/workflows", pipelinePayload(name, nodeType))
	require.Equal(ts.t, http.StatusCreated, rec.Code)
	return decodeBody(ts.t, rec)["id"].(string)
}

// waitDone blocks until the live run for the workflow finishes.
func (ts *testStack) waitDone(workflowID string) {
	ts.t.Helper()
	run, ok := ts.scheduler.Get(workflowID)
	if !ok {
		return
	}
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		ts.t.Fatal("run did not finish in time")
	}
}

func TestServer_WorkflowCRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodPost, "/api/v1/workflows", pipelinePayload("ingest", "emit"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "ingest", created["name"])
	assert.Equal(t, float64(1), created["version"])

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(http.MethodGet, "/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = ts.request(http.MethodPut, "/api/v1/workflows/"+id, map[string]interface{}{"name": "ingest-v2"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody(t, rec)
	assert.Equal(t, "ingest-v2", updated["name"])
	assert.Equal(t, float64(2), updated["version"])

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = ts.request(http.MethodDelete, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreateWorkflowRejectsBadGraph(t *testing.T) {
	ts := newTestServer(t)

	payload := pipelinePayload("broken", "emit")
	payload["connections"] = []map[string]interface{}{
		{"source": "start", "target": "ghost"},
	}

	rec := ts.request(http.MethodPost, "/api/v1/workflows", payload)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "dangling connection")
}

func TestServer_ExecuteAndHistory(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createWorkflow("pipeline", "emit")

	rec := ts.request(http.MethodPost, "/api/v1/workflows/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	runID := body["runId"].(string)
	assert.Equal(t, id, body["workflowId"])

	ts.waitDone(id)

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/executions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/executions/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest := decodeBody(t, rec)
	assert.Equal(t, runID, latest["id"])
	assert.Equal(t, workflow.ExecutionCompleted, latest["status"])

	rec = ts.request(http.MethodGet, "/api/v1/executions/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ExecuteUnknownWorkflow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodPost, "/api/v1/workflows/missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ExecuteConflictAndCancel(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createWorkflow("long-haul", "slow")

	rec := ts.request(http.MethodPost, "/api/v1/workflows/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.request(http.MethodPost, "/api/v1/workflows/"+id+"/execute", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.request(http.MethodPost, "/api/v1/workflows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.waitDone(id)

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/executions/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, workflow.ExecutionCancelled, decodeBody(t, rec)["status"])

	rec = ts.request(http.MethodPost, "/api/v1/workflows/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Pins(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createWorkflow("pinned", "emit")

	pin := map[string]interface{}{
		"data": map[string]interface{}{
			"items": []map[string]interface{}{
				{"json": map[string]interface{}{"docId": "d1"}},
			},
		},
	}
	rec := ts.request(http.MethodPut, "/api/v1/workflows/"+id+"/pins/start", pin)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/pins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = ts.request(http.MethodPut, "/api/v1/workflows/"+id+"/pins/start", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(http.MethodDelete, "/api/v1/workflows/"+id+"/pins/start", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/pins", nil)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
}

func TestServer_Schedules(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createWorkflow("nightly", "emit")

	rec := ts.request(http.MethodPost, "/api/v1/schedules", map[string]interface{}{
		"workflowId": id,
		"cron":       "*/5 * * * *",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	schedID := decodeBody(t, rec)["id"].(string)

	rec = ts.request(http.MethodGet, "/api/v1/schedules?workflowId="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = ts.request(http.MethodPost, "/api/v1/schedules/"+schedID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decodeBody(t, rec)["status"])

	rec = ts.request(http.MethodPost, "/api/v1/schedules/"+schedID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(http.MethodDelete, "/api/v1/schedules/"+schedID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	t.Run("rejects bad cron", func(t *testing.T) {
		rec := ts.request(http.MethodPost, "/api/v1/schedules", map[string]interface{}{
			"workflowId": id,
			"cron":       "not-cron",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		rec := ts.request(http.MethodPost, "/api/v1/schedules", map[string]interface{}{
			"workflowId": "missing",
			"cron":       "*/5 * * * *",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_ExportImportRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createWorkflow("portable", "emit")

	rec := ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/export?format=yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-yaml", rec.Header().Get("Content-Type"))
	exported := rec.Body.Bytes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/import", bytes.NewReader(exported))
	rec = httptest.NewRecorder()
	ts.server.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	imported := decodeBody(t, rec)
	assert.NotEqual(t, id, imported["id"])

	rec = ts.request(http.MethodGet, "/api/v1/workflows", nil)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
}

func TestServer_StreamFinishedRun(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createWorkflow("streamed", "emit")

	rec := ts.request(http.MethodPost, "/api/v1/workflows/"+id+"/execute", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ts.waitDone(id)

	rec = ts.request(http.MethodGet, "/api/v1/workflows/"+id+"/executions/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, "event: end")
	assert.Contains(t, body, workflow.ExecutionCompleted)
}

func TestServer_StreamUnknownWorkflow(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/api/v1/workflows/missing/executions/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_NodeTypes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/api/v1/node-types", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["types"], "emit")
	assert.Contains(t, body["types"], "slow")
}

func TestServer_ArchiveDisabled(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/api/v1/archive/executions?q=invoice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.request(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(http.MethodGet, "/health/system", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	system := decodeBody(t, rec)["system"].(map[string]interface{})
	assert.Greater(t, system["goroutines"], float64(0))

	rec = ts.request(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyFailsWithoutRedis(t *testing.T) {
	ts := newTestServer(t)
	ts.mr.Close()

	rec := ts.request(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_WebsocketReceivesWorkflowEvents(t *testing.T) {
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.server.router)
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?workflowId=wf-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	received := make(chan WSMessage, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	event := events.NewEventBuilder(events.ExecutionStarted).
		WithAggregateID("wf-1").
		WithAggregateType("workflow").
		WithPayload("runId", "run-9").
		Build()

	// Registration races the dial, so republish until the frame lands.
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, ts.bus.Publish(context.Background(), event))
		select {
		case got := <-received:
			assert.Equal(t, events.ExecutionStarted, got.Type)
			assert.Equal(t, "wf-1", got.Room)
			assert.Equal(t, "run-9", got.Data["runId"])
			return
		case <-deadline:
			t.Fatal("no websocket frame received")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
