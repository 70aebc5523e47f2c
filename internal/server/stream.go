package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docflow-go/internal/engine/progress"
)

// StreamExecution serves the live progress feed over SSE. The stream
// attaches to the run before reading the snapshot, so the snapshot
// covers every event the subscriber missed and the live tail follows
// without a gap. A finished run yields the snapshot and an immediate
// end event.
func (h *Handlers) StreamExecution(c *gin.Context) {
	workflowID := c.Param("id")

	run, active := h.scheduler.Get(workflowID)
	var sub *progress.Subscription
	if active {
		sub = run.Publisher().Subscribe()
		defer sub.Cancel()
	}

	snap, err := h.state.Snapshot(c.Request.Context(), workflowID)
	if err != nil && !active {
		c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	if snap != nil {
		writeSSE(c, "snapshot", snap)
	}
	if !active {
		writeSSE(c, "end", gin.H{"runId": snap.ID, "status": snap.Status})
		return
	}

	heartbeat := time.NewTicker(h.config.Engine.Heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				writeSSE(c, "end", gin.H{"runId": run.ID()})
				return
			}
			writeSSE(c, ev.Kind, ev)
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
	c.Writer.Flush()
}
