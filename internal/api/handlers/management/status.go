// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/cache"
	"github.com/traylinx/kilorouter/internal/intelligence/feedback"
	"github.com/traylinx/kilorouter/internal/intelligence/prefetch"
	"github.com/traylinx/kilorouter/internal/metrics"
	"github.com/traylinx/kilorouter/internal/types"
)

// InvalidateRequest is the body of POST /v0/cache/invalidate.
type InvalidateRequest struct {
	Key string `json:"key"`
	// Prefix drops every entry whose key starts with Key.
	Prefix bool `json:"prefix"`
}

// InvalidateCache handles POST /v0/cache/invalidate
func (h *Handler) InvalidateCache(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	removed := h.backend.Service().InvalidateCache(req.Key, req.Prefix)
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// HandlersResponse is the body of GET /v0/handlers.
type HandlersResponse struct {
	Count    int                       `json:"count"`
	Handlers []types.HandlerDescriptor `json:"handlers"`
}

// ListHandlers handles GET /v0/handlers
func (h *Handler) ListHandlers(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	list := h.backend.Registry().Handlers()
	if list == nil {
		list = []types.HandlerDescriptor{}
	}
	c.JSON(http.StatusOK, HandlersResponse{Count: len(list), Handlers: list})
}

// MetricsResponse is the body of GET /v0/metrics.
type MetricsResponse struct {
	Router   *metrics.Snapshot                `json:"router"`
	Prefetch prefetch.Stats                   `json:"prefetch"`
	Cache    map[cache.Tier]cache.TierMetrics `json:"cache"`
	Audit    audit.Stats                      `json:"audit"`
	Learning *feedback.Stats                  `json:"learning,omitempty"`
	Events   hooks.BusStats                   `json:"events"`
}

// GetMetrics handles GET /v0/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	resp := MetricsResponse{
		Router:   h.backend.Metrics().Snapshot(),
		Prefetch: h.backend.Scheduler().Stats(),
		Cache:    h.backend.Scheduler().Cache().Metrics(),
		Audit:    h.backend.Recorder().Stats(),
		Events:   h.backend.EventBus().Stats(),
	}
	if fb := h.backend.Feedback(); fb != nil {
		stats := fb.Stats()
		resp.Learning = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// GetLearningReport handles GET /v0/learning/report
func (h *Handler) GetLearningReport(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	fb := h.backend.Feedback()
	if fb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "learning is disabled"})
		return
	}
	report := fb.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis has run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}
