// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/kilorouter/internal/budget"
	"github.com/traylinx/kilorouter/internal/store"
	"github.com/traylinx/kilorouter/internal/types"
)

// OpenTaskRequest is the body of POST /v0/budget/tasks.
type OpenTaskRequest struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	// Allocation is the task budget. Zero uses the configured default.
	Allocation int64      `json:"allocation"`
	Mode       types.Mode `json:"mode,omitempty"`
}

// OpenTask handles POST /v0/budget/tasks. The ledger stays open for
// /budget/charge and /budget/continue until it is completed.
func (h *Handler) OpenTask(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req OpenTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Allocation < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "allocation must not be negative"})
		return
	}
	if req.Mode != "" && !req.Mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode"})
		return
	}
	snap, err := h.backend.Service().OpenTask(c.Request.Context(), req.TaskID, req.SessionID, req.Allocation, req.Mode)
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// CompleteTask handles POST /v0/budget/tasks/:id/complete
func (h *Handler) CompleteTask(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	snap, err := h.backend.Service().CompleteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// EndSession handles POST /v0/sessions/:id/end. It closes the session ledger
// and moves the session's decisions to the warm tier; 409 while a task of the
// session is still open.
func (h *Handler) EndSession(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	id := c.Param("id")
	n, err := h.backend.Service().EndSession(c.Request.Context(), id)
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "flushed": n})
}

// ChargeRequest is the body of POST /v0/budget/charge.
type ChargeRequest struct {
	TaskID   string         `json:"task_id" binding:"required"`
	Category types.Category `json:"category" binding:"required"`
	Amount   int64          `json:"amount"`
}

// ChargeBudget handles POST /v0/budget/charge. An overspend answers 402 with
// the ledger snapshot.
func (h *Handler) ChargeBudget(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Category.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	snap, err := h.backend.Service().ChargeBudget(c.Request.Context(), req.TaskID, req.Category, req.Amount)
	if err != nil {
		abortWith(c, err, gin.H{"ledger": snap})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// ContinueRequest is the body of POST /v0/budget/continue.
type ContinueRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	Extra  int64  `json:"extra"`
	Reason string `json:"reason" binding:"required"`
}

// ContinueBudget handles POST /v0/budget/continue
func (h *Handler) ContinueBudget(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req ContinueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id and reason are required"})
		return
	}
	if req.Extra < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "extra must not be negative"})
		return
	}
	snap, err := h.backend.Service().ContinueBudget(c.Request.Context(), req.TaskID, req.Extra, req.Reason)
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GetLedger handles GET /v0/budget/:scope/:id. Closed ledgers are read from
// the ledger store.
func (h *Handler) GetLedger(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	scope := budget.Scope(c.Param("scope"))
	switch scope {
	case budget.ScopeProcess, budget.ScopeSession, budget.ScopeTask:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be process, session or task"})
		return
	}
	snap, err := h.backend.Budget().Snapshot(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ledger not found"})
			return
		}
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, snap)
}
