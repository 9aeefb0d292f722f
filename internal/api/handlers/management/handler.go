// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package management implements the /v0 HTTP endpoints of the router.
package management

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/budget"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/feedback"
	"github.com/traylinx/kilorouter/internal/intelligence/prefetch"
	"github.com/traylinx/kilorouter/internal/intelligence/skills"
	"github.com/traylinx/kilorouter/internal/metrics"
	"github.com/traylinx/kilorouter/internal/pipeline"
	"github.com/traylinx/kilorouter/internal/types"
)

// Backend is the part of the coordinator the handlers read from.
type Backend interface {
	Service() *pipeline.Service
	Registry() *skills.Registry
	Scheduler() *prefetch.Scheduler
	Feedback() *feedback.Engine
	Recorder() *audit.Recorder
	Budget() *budget.Manager
	Metrics() *metrics.Metrics
	EventBus() *hooks.EventBus
}

// Handler serves the management endpoints.
type Handler struct {
	backend Backend
}

// NewHandler creates a handler over backend. A nil backend answers every
// request with 503.
func NewHandler(backend Backend) *Handler {
	return &Handler{backend: backend}
}

// Register mounts the endpoints on group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.POST("/classify", h.Classify)
	group.POST("/route", h.Route)
	group.POST("/schedule", h.Schedule)
	group.POST("/tasks", h.RunTask)

	group.GET("/budget/:scope/:id", h.GetLedger)
	group.POST("/budget/tasks", h.OpenTask)
	group.POST("/budget/tasks/:id/complete", h.CompleteTask)
	group.POST("/budget/charge", h.ChargeBudget)
	group.POST("/budget/continue", h.ContinueBudget)
	group.POST("/sessions/:id/end", h.EndSession)

	group.GET("/decisions", h.ListDecisions)
	group.GET("/decisions/:id", h.GetDecision)
	group.GET("/decisions/:id/trace", h.TraceDecision)
	group.POST("/decisions/:id/outcome", h.ReportOutcome)

	group.POST("/prefetch/load", h.LoadResource)
	group.POST("/cache/invalidate", h.InvalidateCache)
	group.GET("/handlers", h.ListHandlers)
	group.GET("/metrics", h.GetMetrics)
	group.GET("/learning/report", h.GetLearningReport)
}

func (h *Handler) ready(c *gin.Context) bool {
	if h.backend == nil || h.backend.Service() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "router is not running"})
		return false
	}
	return true
}

// statusFor maps a router error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInput), errors.Is(err, audit.ErrUnknownPredecessor):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrAmbiguousIntent), errors.Is(err, audit.ErrOutcomeAlreadySet), errors.Is(err, budget.ErrLedgerOpen):
		return http.StatusConflict
	case errors.Is(err, types.ErrNoCandidate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrBudgetInsufficient), errors.Is(err, types.ErrOverspend):
		return http.StatusPaymentRequired
	case errors.Is(err, types.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, types.ErrFetchFailure):
		return http.StatusBadGateway
	case errors.Is(err, audit.ErrNotFound), errors.Is(err, budget.ErrNoLedger):
		return http.StatusNotFound
	case errors.Is(err, audit.ErrArchived):
		return http.StatusGone
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// abortWith writes err with its mapped status. body carries any partial
// result the caller should still see.
func abortWith(c *gin.Context, err error, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["error"] = err.Error()
	c.JSON(statusFor(err), body)
}
