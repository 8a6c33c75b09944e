package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/tabflow/internal/middleware"
	"github.com/kartikbazzad/tabflow/internal/scheduler"
	"github.com/kartikbazzad/tabflow/internal/services"
)

// WorkerHandler handles the worker-facing poll/ack/result endpoints.
type WorkerHandler struct {
	executions *services.ExecutionService
}

// NewWorkerHandler creates a new WorkerHandler
func NewWorkerHandler(executions *services.ExecutionService) *WorkerHandler {
	return &WorkerHandler{executions: executions}
}

// Poll returns a batch of ready runs locked for this worker. An empty batch
// means nothing is ready.
func (h *WorkerHandler) Poll(c *gin.Context) {
	batch, err := h.executions.Poll(c.Request.Context(), middleware.GetPrincipal(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"work": batch})
}

// RunRequest names the run a worker acknowledgment refers to
type RunRequest struct {
	RunID string `json:"run_id"`
}

func bindRunRequest(c *gin.Context) (string, bool) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id is required"})
		return "", false
	}
	return req.RunID, true
}

// Commit acknowledges a delivered run as running
func (h *WorkerHandler) Commit(c *gin.Context) {
	runID, ok := bindRunRequest(c)
	if !ok {
		return
	}
	if err := h.executions.CommitDispatch(c.Request.Context(), middleware.GetPrincipal(c), runID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"committed": true})
}

// Rollback returns an undelivered run to the pollable pool
func (h *WorkerHandler) Rollback(c *gin.Context) {
	runID, ok := bindRunRequest(c)
	if !ok {
		return
	}
	if err := h.executions.RollbackDispatch(c.Request.Context(), middleware.GetPrincipal(c), runID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolled_back": true})
}

// ResultRequest carries a worker's terminal verdict for a run
type ResultRequest struct {
	RunID  string `json:"run_id"`
	Result string `json:"result"`
}

// Result records the worker's verdict: done, error or failed
func (h *WorkerHandler) Result(c *gin.Context) {
	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id and result are required"})
		return
	}
	switch scheduler.Result(req.Result) {
	case scheduler.ResultDone, scheduler.ResultError, scheduler.ResultFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "result must be done, error or failed"})
		return
	}
	if err := h.executions.ReportResult(c.Request.Context(), middleware.GetPrincipal(c), req.RunID, scheduler.Result(req.Result)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": true})
}
