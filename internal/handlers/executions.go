package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kartikbazzad/tabflow/internal/middleware"
	"github.com/kartikbazzad/tabflow/internal/models"
	"github.com/kartikbazzad/tabflow/internal/services"
	"github.com/kartikbazzad/tabflow/internal/store"
)

// ExecutionHandler handles execution, transaction and run endpoints.
type ExecutionHandler struct {
	executions *services.ExecutionService
}

// NewExecutionHandler creates a new ExecutionHandler
func NewExecutionHandler(executions *services.ExecutionService) *ExecutionHandler {
	return &ExecutionHandler{executions: executions}
}

// CreateExecutionRequest represents a manual trigger request
type CreateExecutionRequest struct {
	Collection string `json:"collection"`
	Function   string `json:"function"`
	Name       string `json:"name,omitempty"`
}

// CreateExecution plans and schedules an execution for a manual trigger
func (h *ExecutionHandler) CreateExecution(c *gin.Context) {
	var req CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Collection == "" || req.Function == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collection and function are required"})
		return
	}

	exec, err := h.executions.CreateExecution(c.Request.Context(), middleware.GetPrincipal(c), req.Collection, req.Function, req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// Template previews what triggering a function would schedule
func (h *ExecutionHandler) Template(c *gin.Context) {
	tmpl, err := h.executions.Template(c.Request.Context(), middleware.GetPrincipal(c), c.Param("collection"), c.Param("function"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

// GetExecution retrieves an execution by ID
func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	exec, err := h.executions.GetExecution(c.Request.Context(), middleware.GetPrincipal(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func pageFromQuery(c *gin.Context) store.Page {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return store.Page{Limit: limit, Offset: offset}
}

// ListExecutions lists executions, optionally filtered by collection and status
func (h *ExecutionHandler) ListExecutions(c *gin.Context) {
	f := store.ExecutionFilter{
		CollectionID: c.Query("collection_id"),
		Status:       models.ExecutionStatus(c.Query("status")),
	}
	execs, err := h.executions.ListExecutions(c.Request.Context(), middleware.GetPrincipal(c), f, pageFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

// CancelExecution cancels an execution and its downstream work
func (h *ExecutionHandler) CancelExecution(c *gin.Context) {
	if err := h.executions.CancelExecution(c.Request.Context(), middleware.GetPrincipal(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

// ListTransactions lists transactions, optionally filtered by execution and status
func (h *ExecutionHandler) ListTransactions(c *gin.Context) {
	f := store.TransactionFilter{
		ExecutionID: c.Query("execution_id"),
		Status:      models.TransactionStatus(c.Query("status")),
	}
	txns, err := h.executions.ListTransactions(c.Request.Context(), middleware.GetPrincipal(c), f, pageFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txns)
}

// CancelTransaction cancels a transaction and its downstream work
func (h *ExecutionHandler) CancelTransaction(c *gin.Context) {
	if err := h.executions.CancelTransaction(c.Request.Context(), middleware.GetPrincipal(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

// ListRuns lists function runs, optionally filtered
func (h *ExecutionHandler) ListRuns(c *gin.Context) {
	f := store.FunctionRunFilter{
		ExecutionID:   c.Query("execution_id"),
		TransactionID: c.Query("transaction_id"),
		Status:        models.FunctionRunStatus(c.Query("status")),
	}
	runs, err := h.executions.ListFunctionRuns(c.Request.Context(), middleware.GetPrincipal(c), f, pageFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// CancelRun cancels a run; the cascade takes its transaction with it
func (h *ExecutionHandler) CancelRun(c *gin.Context) {
	if err := h.executions.CancelRun(c.Request.Context(), middleware.GetPrincipal(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

// RequeueRun moves an errored run back to the pollable pool
func (h *ExecutionHandler) RequeueRun(c *gin.Context) {
	if err := h.executions.Requeue(c.Request.Context(), middleware.GetPrincipal(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": true})
}

// YankRun retracts a committed run's outputs from future resolution
func (h *ExecutionHandler) YankRun(c *gin.Context) {
	if err := h.executions.Yank(c.Request.Context(), middleware.GetPrincipal(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"yanked": true})
}
