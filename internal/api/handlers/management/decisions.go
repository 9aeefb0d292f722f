// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/traylinx/kilorouter/internal/audit"
)

// ListDecisions handles GET /v0/decisions. Query parameters: task_id,
// session_id, type, resolved, since, until (RFC 3339) and limit.
func (h *Handler) ListDecisions(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	f := audit.Filter{
		TaskID:    c.Query("task_id"),
		SessionID: c.Query("session_id"),
		Type:      audit.DecisionType(c.Query("type")),
	}
	if f.Type != "" && !f.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown decision type"})
		return
	}
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be a boolean"})
			return
		}
		f.Resolved = &b
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": p.name + " must be an RFC 3339 time"})
			return
		}
		*p.dst = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	recs, err := h.backend.Service().QueryDecisions(c.Request.Context(), f)
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	if recs == nil {
		recs = []audit.DecisionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(recs), "decisions": recs})
}

// GetDecision handles GET /v0/decisions/:id
func (h *Handler) GetDecision(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	rec, err := h.backend.Recorder().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// TraceDecision handles GET /v0/decisions/:id/trace, returning id and the
// decisions that led to it, nearest first.
func (h *Handler) TraceDecision(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	chain, err := h.backend.Recorder().Trace(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain})
}

// ReportOutcome handles POST /v0/decisions/:id/outcome
func (h *Handler) ReportOutcome(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var o audit.Outcome
	if err := c.ShouldBindJSON(&o); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	switch o.Status {
	case audit.OutcomeSuccess, audit.OutcomeFailure, audit.OutcomeCancelled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be success, failure or cancelled"})
		return
	}
	rec, err := h.backend.Service().ReportOutcome(c.Request.Context(), c.Param("id"), o)
	if err != nil {
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, rec)
}
