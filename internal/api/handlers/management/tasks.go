// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package management

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/traylinx/kilorouter/internal/intelligence/matcher"
	"github.com/traylinx/kilorouter/internal/intelligence/prefetch"
	"github.com/traylinx/kilorouter/internal/pipeline"
	"github.com/traylinx/kilorouter/internal/types"
)

// maxTaskTimeout caps the timeout_ms a client may ask for.
const maxTaskTimeout = 10 * time.Minute

// ClassifyRequest is the body of POST /v0/classify.
type ClassifyRequest struct {
	Text    string                `json:"text"`
	Session types.SessionState    `json:"session"`
	Profile *types.ProjectProfile `json:"profile,omitempty"`
}

// Classify handles POST /v0/classify
func (h *Handler) Classify(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req ClassifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ic, err := h.backend.Service().Classify(c.Request.Context(), req.Text, req.Session, req.Profile)
	if err != nil {
		var amb *types.AmbiguousIntentError
		if errors.As(err, &amb) {
			abortWith(c, err, gin.H{"clarification": amb})
			return
		}
		abortWith(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, ic)
}

// RouteRequest is the body of POST /v0/route.
type RouteRequest struct {
	Classification *types.IntentClassification `json:"classification"`
	Session        types.SessionState          `json:"session"`
	Profile        *types.ProjectProfile       `json:"profile,omitempty"`
	Mode           types.Mode                  `json:"mode,omitempty"`
	// Remaining and Allocated bound the route. Zero Allocated is unbounded.
	Remaining int64 `json:"remaining,omitempty"`
	Allocated int64 `json:"allocated,omitempty"`
}

// Route handles POST /v0/route. Refused routes still carry the decision.
func (h *Handler) Route(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Classification == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "classification is required"})
		return
	}
	if req.Mode == "" {
		req.Mode = types.ModeStandard
	}
	mreq := matcher.Request{
		Classification: req.Classification,
		Session:        req.Session,
		Profile:        req.Profile,
		Mode:           req.Mode,
	}
	if req.Allocated > 0 {
		mreq.Budget = &matcher.Budget{Remaining: req.Remaining, Allocated: req.Allocated}
	}
	d, err := h.backend.Service().Route(c.Request.Context(), mreq)
	if err != nil {
		abortWith(c, err, gin.H{"decision": d})
		return
	}
	c.JSON(http.StatusOK, d)
}

// ScheduleRequest is the body of POST /v0/schedule.
type ScheduleRequest struct {
	TaskID      string               `json:"task_id"`
	Predictions []types.Prediction   `json:"predictions"`
	Constraints prefetch.Constraints `json:"constraints"`
	// Execute runs the plan and waits for the immediate bucket.
	Execute bool `json:"execute"`
}

// Schedule handles POST /v0/schedule
func (h *Handler) Schedule(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Constraints.Urgency == "" {
		req.Constraints.Urgency = types.UrgencyMedium
	}
	plan, report, err := h.backend.Service().Schedule(c.Request.Context(), req.TaskID, req.Predictions, req.Constraints, req.Execute)
	body := gin.H{"plan": plan}
	if report != nil {
		body["report"] = report
	}
	if err != nil {
		abortWith(c, err, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// LoadRequest is the body of POST /v0/prefetch/load.
type LoadRequest struct {
	Target       string   `json:"target" binding:"required"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// LoadResource handles POST /v0/prefetch/load. It loads a resource the plan
// deferred, or any other, through the cache.
func (h *Handler) LoadResource(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	var req LoadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required"})
		return
	}
	res, err := h.backend.Service().LoadResource(c.Request.Context(), req.Target, req.Alternatives...)
	if err != nil {
		abortWith(c, err, gin.H{"target": req.Target})
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunTask handles POST /v0/tasks. The body is a pipeline.TaskRequest plus an
// optional timeout_ms bounding the whole run.
func (h *Handler) RunTask(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	raw, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var req pipeline.TaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	if ms := gjson.GetBytes(raw, "timeout_ms").Int(); ms > 0 {
		timeout := time.Duration(ms) * time.Millisecond
		if timeout > maxTaskTimeout {
			timeout = maxTaskTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := h.backend.Service().Run(ctx, req)
	if err != nil {
		abortWith(c, err, gin.H{"result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}
