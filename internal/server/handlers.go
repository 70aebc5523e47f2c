package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/docflow-go/internal/domain/workflow"
	"github.com/docflow-go/internal/engine/archive"
	"github.com/docflow-go/internal/engine/pindata"
	"github.com/docflow-go/internal/engine/registry"
	"github.com/docflow-go/internal/engine/schedule"
	"github.com/docflow-go/internal/engine/scheduler"
	"github.com/docflow-go/internal/engine/state"
	wfservice "github.com/docflow-go/internal/workflow"
	"github.com/docflow-go/pkg/config"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/logger"
)

type Handlers struct {
	config    *config.Config
	workflows *wfservice.Service
	scheduler *scheduler.Scheduler
	state     *state.Store
	pins      *pindata.Service
	schedules *schedule.Service
	archive   *archive.Archiver
	registry  *registry.Registry
	db        *database.DB
	redis     *redis.Client
	logger    logger.Logger
	started   time.Time
}

func NewHandlers(deps Dependencies, cfg *config.Config, log logger.Logger) *Handlers {
	return &Handlers{
		config:    cfg,
		workflows: deps.Workflows,
		scheduler: deps.Scheduler,
		state:     deps.State,
		pins:      deps.Pins,
		schedules: deps.Schedules,
		archive:   deps.Archive,
		registry:  deps.Registry,
		db:        deps.DB,
		redis:     deps.Redis,
		logger:    log,
		started:   time.Now(),
	}
}

// Workflow CRUD

func (h *Handlers) ListWorkflows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	workflows, err := h.workflows.List(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list workflows", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list workflows"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

func (h *Handlers) GetWorkflow(c *gin.Context) {
	wf, err := h.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to get workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get workflow"})
		return
	}

	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) CreateWorkflow(c *gin.Context) {
	var req workflow.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf, err := h.workflows.Create(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalidWorkflow) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to create workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create workflow"})
		return
	}

	c.JSON(http.StatusCreated, wf)
}

func (h *Handlers) UpdateWorkflow(c *gin.Context) {
	var req workflow.UpdateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.WorkflowID = c.Param("id")

	wf, err := h.workflows.Update(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		if errors.Is(err, workflow.ErrInvalidWorkflow) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, wfservice.ErrVersionConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to update workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update workflow"})
		return
	}

	c.JSON(http.StatusOK, wf)
}

func (h *Handlers) DeleteWorkflow(c *gin.Context) {
	if err := h.workflows.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to delete workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete workflow"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Versions and transfer

func (h *Handlers) ListWorkflowVersions(c *gin.Context) {
	versions, err := h.workflows.Versions(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to list workflow versions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list workflow versions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"versions": versions,
		"count":    len(versions),
	})
}

func (h *Handlers) ExportWorkflow(c *gin.Context) {
	id := c.Param("id")
	format := c.DefaultQuery("format", wfservice.FormatJSON)

	data, err := h.workflows.Export(c.Request.Context(), id, format)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		if errors.Is(err, wfservice.ErrInvalidFormat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to export workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export workflow"})
		return
	}

	contentType := "application/json"
	if format == wfservice.FormatYAML {
		contentType = "application/x-yaml"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", id, format))
	c.Data(http.StatusOK, contentType, data)
}

func (h *Handlers) ImportWorkflow(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body is required"})
		return
	}

	wf, err := h.workflows.Import(c.Request.Context(), body)
	if err != nil {
		h.logger.Warn("Workflow import rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, wf)
}

// Execution

func (h *Handlers) ExecuteWorkflow(c *gin.Context) {
	var req struct {
		TriggeredBy string `json:"triggeredBy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	wf, err := h.workflows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to load workflow for execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to execute workflow"})
		return
	}

	run, err := h.scheduler.Execute(c.Request.Context(), wf, req.TriggeredBy)
	if err != nil {
		if errors.Is(err, workflow.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "Workflow is already running"})
			return
		}
		if errors.Is(err, workflow.ErrCycle) ||
			errors.Is(err, workflow.ErrDanglingConnection) ||
			errors.Is(err, workflow.ErrDuplicateNode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to execute workflow", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to execute workflow"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"runId":      run.ID(),
		"workflowId": wf.ID,
		"status":     "running",
	})
}

func (h *Handlers) CancelExecution(c *gin.Context) {
	if err := h.scheduler.Cancel(c.Param("id")); err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active execution"})
			return
		}
		h.logger.Error("Failed to cancel execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel execution"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (h *Handlers) ListExecutions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	executions, err := h.state.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("Failed to list executions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list executions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"count":      len(executions),
	})
}

func (h *Handlers) LatestExecution(c *gin.Context) {
	exec, err := h.state.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
			return
		}
		h.logger.Error("Failed to load latest execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load latest execution"})
		return
	}

	c.JSON(http.StatusOK, exec)
}

func (h *Handlers) GetExecution(c *gin.Context) {
	exec, err := h.state.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
			return
		}
		h.logger.Error("Failed to load execution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load execution"})
		return
	}

	c.JSON(http.StatusOK, exec)
}

func (h *Handlers) ActiveExecutions(c *gin.Context) {
	ids := h.scheduler.ActiveRuns()
	c.JSON(http.StatusOK, gin.H{
		"workflowIds": ids,
		"count":       len(ids),
	})
}

// Pinned outputs

func (h *Handlers) ListPins(c *gin.Context) {
	pins, err := h.pins.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to list pins", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list pins"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pins":  pins,
		"count": len(pins),
	})
}

func (h *Handlers) SetPin(c *gin.Context) {
	var req struct {
		Data *workflow.ExecutionData `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pin, err := h.pins.Set(c.Request.Context(), c.Param("id"), c.Param("nodeId"), req.Data)
	if err != nil {
		if errors.Is(err, workflow.ErrNodeRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "Node is currently running"})
			return
		}
		h.logger.Error("Failed to set pin", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set pin"})
		return
	}

	c.JSON(http.StatusOK, pin)
}

func (h *Handlers) ClearPin(c *gin.Context) {
	if err := h.pins.Clear(c.Request.Context(), c.Param("id"), c.Param("nodeId")); err != nil {
		if errors.Is(err, workflow.ErrNodeRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "Node is currently running"})
			return
		}
		h.logger.Error("Failed to clear pin", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear pin"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handlers) ClearAllPins(c *gin.Context) {
	if err := h.pins.ClearAll(c.Request.Context(), c.Param("id")); err != nil {
		h.logger.Error("Failed to clear pins", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear pins"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Schedules

func (h *Handlers) CreateSchedule(c *gin.Context) {
	var req struct {
		WorkflowID string `json:"workflowId" binding:"required"`
		Cron       string `json:"cron" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched, err := h.schedules.Create(c.Request.Context(), req.WorkflowID, req.Cron)
	if err != nil {
		if errors.Is(err, schedule.ErrInvalidCron) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, workflow.ErrWorkflowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Workflow not found"})
			return
		}
		h.logger.Error("Failed to create schedule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create schedule"})
		return
	}

	c.JSON(http.StatusCreated, sched)
}

func (h *Handlers) ListSchedules(c *gin.Context) {
	schedules, err := h.schedules.List(c.Request.Context(), c.Query("workflowId"))
	if err != nil {
		h.logger.Error("Failed to list schedules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list schedules"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

func (h *Handlers) GetSchedule(c *gin.Context) {
	sched, err := h.schedules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, workflow.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.logger.Error("Failed to get schedule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get schedule"})
		return
	}

	c.JSON(http.StatusOK, sched)
}

func (h *Handlers) DeleteSchedule(c *gin.Context) {
	if err := h.schedules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, workflow.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.logger.Error("Failed to delete schedule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete schedule"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *Handlers) PauseSchedule(c *gin.Context) {
	if err := h.schedules.Pause(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, workflow.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.logger.Error("Failed to pause schedule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to pause schedule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *Handlers) ResumeSchedule(c *gin.Context) {
	if err := h.schedules.Resume(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, workflow.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.logger.Error("Failed to resume schedule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resume schedule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

// Archive and node catalog

func (h *Handlers) SearchArchive(c *gin.Context) {
	if h.archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Archive is not enabled"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	docs, err := h.archive.Search(c.Request.Context(), c.Query("q"), c.Query("workflowId"), limit)
	if err != nil {
		h.logger.Error("Archive search failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Archive search failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results": docs,
		"count":   len(docs),
	})
}

func (h *Handlers) ListNodeTypes(c *gin.Context) {
	types := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"types": types,
		"count": len(types),
	})
}
