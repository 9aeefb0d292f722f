// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/traylinx/kilorouter/internal/config"
	"github.com/traylinx/kilorouter/internal/pipeline"
	"github.com/traylinx/kilorouter/internal/util"
	"golang.org/x/crypto/bcrypt"
)

const debugSkill = `---
name: debug-helper
description: "Finds the root cause of failing code. Keywords: debug, error, stack trace, crash"
version: 1.0.0
intents: [debug]
token_estimate:
  min: 400
  typical: 1200
  max: 3000
---

# Debug Helper
`

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *util.StateBox) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	skillDir := filepath.Join(root, "skills", "debug-helper")
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(debugSkill), 0o644))

	cfg := config.Default()
	cfg.Server.Debug = true
	cfg.Storage.SkillsDir = filepath.Join(root, "skills")
	cfg.Storage.RulesDir = filepath.Join(root, "rules")
	cfg.Storage.HooksDir = filepath.Join(root, "hooks")
	cfg.Audit.Log.Enabled = false
	cfg.Audit.TierInterval = 0
	cfg.Learning.AnalysisInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	sb, err := util.NewStateBoxAt(filepath.Join(root, "state"), false)
	require.NoError(t, err)

	ctx := context.Background()
	coord, err := pipeline.Build(ctx, cfg, sb, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	return NewServer(cfg, coord, sb), sb
}

func do(t *testing.T, s *Server, method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.RemoteAddr = "127.0.0.1:5555"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if mod != nil {
		mod(req)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestManagementAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name        string
		allowRemote bool
		remoteAddr  string
		headers     map[string]string
		wantStatus  int
	}{
		{name: "direct localhost", remoteAddr: "127.0.0.1:1234", wantStatus: http.StatusOK},
		{name: "ipv6 loopback", remoteAddr: "[::1]:1234", wantStatus: http.StatusOK},
		{name: "remote without opt-in", remoteAddr: "192.168.1.50:1234", headers: map[string]string{"X-Management-Key": "s3cret"}, wantStatus: http.StatusForbidden},
		{name: "localhost behind proxy", remoteAddr: "127.0.0.1:1234", headers: map[string]string{"X-Forwarded-For": "1.2.3.4"}, wantStatus: http.StatusForbidden},
		{name: "localhost with forwarded header", remoteAddr: "127.0.0.1:1234", headers: map[string]string{"Forwarded": "for=1.2.3.4"}, wantStatus: http.StatusForbidden},
		{name: "remote missing key", allowRemote: true, remoteAddr: "10.0.0.7:1234", wantStatus: http.StatusUnauthorized},
		{name: "remote wrong key", allowRemote: true, remoteAddr: "10.0.0.7:1234", headers: map[string]string{"Authorization": "Bearer nope"}, wantStatus: http.StatusUnauthorized},
		{name: "remote bearer key", allowRemote: true, remoteAddr: "10.0.0.7:1234", headers: map[string]string{"Authorization": "Bearer s3cret"}, wantStatus: http.StatusOK},
		{name: "remote header key", allowRemote: true, remoteAddr: "10.0.0.7:1234", headers: map[string]string{"X-Management-Key": "s3cret"}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, func(cfg *config.Config) {
				cfg.Server.SecretKey = string(hash)
				cfg.Server.AllowRemote = tt.allowRemote
			})
			w := do(t, s, http.MethodGet, "/v0/handlers", "", func(r *http.Request) {
				r.RemoteAddr = tt.remoteAddr
				for k, v := range tt.headers {
					r.Header.Set(k, v)
				}
			})
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/healthz", "", func(r *http.Request) { r.RemoteAddr = "203.0.113.9:80" })
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunTaskAndDecisions(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v0/tasks",
		`{"task":{"id":"t1","text":"fix production login crash","session_id":"s1"},"timeout_ms":5000}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.String()
	assert.Equal(t, "debug", gjson.Get(body, "classification.primary").String())
	assert.Equal(t, "debug-helper", gjson.Get(body, "routing.handler_id").String())
	decisions := gjson.Get(body, "decisions").Array()
	require.NotEmpty(t, decisions)

	w = do(t, s, http.MethodGet, "/v0/decisions?task_id=t1&resolved=false", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, gjson.Get(w.Body.String(), "count").Int(), "finished tasks leave nothing open")

	w = do(t, s, http.MethodGet, "/v0/decisions?task_id=t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, len(decisions), gjson.Get(w.Body.String(), "count").Int())

	first := decisions[0].String()
	w = do(t, s, http.MethodGet, "/v0/decisions/"+first, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	last := decisions[len(decisions)-1].String()
	w = do(t, s, http.MethodGet, "/v0/decisions/"+last+"/trace", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "chain").Array())

	w = do(t, s, http.MethodPost, "/v0/decisions/"+first+"/outcome", `{"status":"failure"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "an outcome is set once")

	w = do(t, s, http.MethodPost, "/v0/decisions/missing/outcome", `{"status":"success"}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/v0/decisions/"+first+"/outcome", `{"status":"maybe"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisionQueryValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)
	for _, q := range []string{"type=bogus", "resolved=perhaps", "since=yesterday", "limit=-1"} {
		w := do(t, s, http.MethodGet, "/v0/decisions?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestClassifyEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v0/classify", `{"text":"fix production login crash","session":{"session_id":"s1"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "critical", gjson.Get(w.Body.String(), "urgency").String())

	w = do(t, s, http.MethodPost, "/v0/classify", `{"text":"hello there friend","session":{"session_id":"s1"}}`, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.NotEmpty(t, gjson.Get(w.Body.String(), "clarification.question").String())

	w = do(t, s, http.MethodPost, "/v0/classify", `{"text":"   ","session":{"session_id":"s1"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v0/classify", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	cls := `{"primary":"debug","confidence":0.9,"domain":"security","urgency":"high","keywords":["crash","debug"],"complexity":"medium"}`

	w := do(t, s, http.MethodPost, "/v0/route", `{"classification":`+cls+`,"session":{"session_id":"s1"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "debug-helper", gjson.Get(w.Body.String(), "handler_id").String())

	w = do(t, s, http.MethodPost, "/v0/route", `{"classification":`+cls+`,"session":{"session_id":"s1"},"remaining":100,"allocated":1000}`, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code, w.Body.String())
	assert.Equal(t, "over_budget", gjson.Get(w.Body.String(), "decision.status").String())

	w = do(t, s, http.MethodPost, "/v0/route", `{"session":{"session_id":"s1"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBudgetEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v0/budget/charge", `{"task_id":"nope","category":"reasoning","amount":10}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/v0/budget/charge", `{"task_id":"nope","category":"dreaming","amount":10}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v0/budget/charge", `{"task_id":"nope","category":"reasoning","amount":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v0/budget/continue", `{"task_id":"nope","extra":10}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "reason is required")

	w = do(t, s, http.MethodGet, "/v0/budget/process/any", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v0/budget/galaxy/any", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/v0/budget/task/never-opened", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBudgetTaskLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	steps := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantState  string
	}{
		{"open", http.MethodPost, "/v0/budget/tasks", `{"task_id":"ext-1","session_id":"s-ext","allocation":1000}`, http.StatusCreated, "open"},
		{"open twice", http.MethodPost, "/v0/budget/tasks", `{"task_id":"ext-1","session_id":"s-ext","allocation":1000}`, http.StatusConflict, ""},
		{"bad mode", http.MethodPost, "/v0/budget/tasks", `{"task_id":"ext-2","mode":"turbo"}`, http.StatusBadRequest, ""},
		{"charge", http.MethodPost, "/v0/budget/charge", `{"task_id":"ext-1","category":"reasoning","amount":600}`, http.StatusOK, "open"},
		{"overspend is admitted once", http.MethodPost, "/v0/budget/charge", `{"task_id":"ext-1","category":"generation","amount":500}`, http.StatusOK, "exhausted"},
		{"halted until continued", http.MethodPost, "/v0/budget/charge", `{"task_id":"ext-1","category":"generation","amount":10}`, http.StatusPaymentRequired, ""},
		{"session busy", http.MethodPost, "/v0/sessions/s-ext/end", "", http.StatusConflict, ""},
		{"continue", http.MethodPost, "/v0/budget/continue", `{"task_id":"ext-1","extra":500,"reason":"finish the fix"}`, http.StatusOK, "open"},
		{"charge after continue", http.MethodPost, "/v0/budget/charge", `{"task_id":"ext-1","category":"generation","amount":10}`, http.StatusOK, "open"},
		{"complete", http.MethodPost, "/v0/budget/tasks/ext-1/complete", "", http.StatusOK, "completed"},
		{"complete twice", http.MethodPost, "/v0/budget/tasks/ext-1/complete", "", http.StatusNotFound, ""},
		{"end session", http.MethodPost, "/v0/sessions/s-ext/end", "", http.StatusOK, ""},
	}
	for _, st := range steps {
		w := do(t, s, st.method, st.path, st.body, nil)
		require.Equal(t, st.wantStatus, w.Code, "%s: %s", st.name, w.Body.String())
		if st.wantState != "" {
			assert.Equal(t, st.wantState, gjson.Get(w.Body.String(), "state").String(), st.name)
		}
	}

	w := do(t, s, http.MethodGet, "/v0/budget/task/ext-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.EqualValues(t, 1110, gjson.Get(body, "consumed").Int())
	assert.EqualValues(t, 1500, gjson.Get(body, "allocated").Int())
	assert.Equal(t, "finish the fix", gjson.Get(body, "continuations.0.reason").String())

	w = do(t, s, http.MethodGet, "/v0/budget/session/s-ext", "", nil)
	require.Equal(t, http.StatusOK, w.Code, "ended sessions are read back from the store")
	assert.EqualValues(t, 1110, gjson.Get(w.Body.String(), "consumed").Int())
}

func TestEndSessionMovesDecisionsToWarmTier(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v0/tasks", `{"task":{"id":"t1","text":"fix production login crash","session_id":"s1"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decisions := gjson.Get(w.Body.String(), "decisions").Array()
	require.NotEmpty(t, decisions)

	w = do(t, s, http.MethodPost, "/v0/sessions/s1/end", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, len(decisions), gjson.Get(w.Body.String(), "flushed").Int())

	w = do(t, s, http.MethodGet, "/v0/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, gjson.Get(w.Body.String(), "audit.hot").Int())

	w = do(t, s, http.MethodGet, "/v0/decisions?task_id=t1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, len(decisions), gjson.Get(w.Body.String(), "count").Int())

	last := decisions[len(decisions)-1].String()
	w = do(t, s, http.MethodGet, "/v0/decisions/"+last+"/trace", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "chain").Array(), len(decisions))

	w = do(t, s, http.MethodPost, "/v0/sessions/s1/end", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, gjson.Get(w.Body.String(), "flushed").Int())
}

func TestPrefetchLoadEndpoint(t *testing.T) {
	resources := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(resources, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resources, "docs", "auth.md"), []byte("# Login flow\n"), 0o644))
	s, _ := newTestServer(t, func(cfg *config.Config) { cfg.Storage.ResourceRoot = resources })

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantSource string
	}{
		{"direct", `{"target":"docs/auth.md"}`, http.StatusOK, "docs/auth.md"},
		{"alternative", `{"target":"docs/login.md","alternatives":["docs/missing.md","docs/auth.md"]}`, http.StatusOK, "docs/auth.md"},
		{"nothing loads", `{"target":"docs/none.md"}`, http.StatusBadGateway, ""},
		{"escapes root", `{"target":"../secrets.txt"}`, http.StatusBadGateway, ""},
		{"missing target", `{}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/v0/prefetch/load", tt.body, nil)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantSource == "" {
				return
			}
			body := w.Body.String()
			assert.Equal(t, tt.wantSource, gjson.Get(body, "source").String())
			assert.Equal(t, "# Login flow\n", gjson.Get(body, "content").String())
			assert.Positive(t, gjson.Get(body, "tokens").Int())
		})
	}

	w := do(t, s, http.MethodPost, "/v0/cache/invalidate", `{"key":"docs/","prefix":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, gjson.Get(w.Body.String(), "removed").Int(), "loaded resources are cached")
}

func TestScheduleAndInvalidate(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/v0/schedule",
		`{"task_id":"t9","predictions":[{"target":"debug-helper","category":"handler","confidence":0.9,"estimated_tokens":1200}],"constraints":{"urgency":"critical"},"execute":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "report").Exists())

	w = do(t, s, http.MethodPost, "/v0/cache/invalidate", `{"key":"debug-","prefix":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, gjson.Get(w.Body.String(), "removed").Int())

	w = do(t, s, http.MethodPost, "/v0/cache/invalidate", `{"key":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsAndStatus(t *testing.T) {
	s, sb := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/v0/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, key := range []string{"router", "prefetch", "cache", "audit", "learning", "events"} {
		assert.True(t, gjson.Get(w.Body.String(), key).Exists(), key)
	}

	w = do(t, s, http.MethodGet, "/v0/learning/report", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no analysis has run")

	w = do(t, s, http.MethodGet, "/v0/state-box/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sb.RootPath(), gjson.Get(w.Body.String(), "root_path").String())
	assert.True(t, gjson.Get(w.Body.String(), "files.decision_database.exists").Bool())
}

func TestStateBoxStatusWithoutStateBox(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/status", StateBoxStatusHandler(nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStateBoxStatusReportsOpenFiles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sb, err := util.NewStateBoxAt(t.TempDir(), false)
	require.NoError(t, err)
	require.NoError(t, sb.Prepare())
	require.NoError(t, os.WriteFile(sb.DecisionDBPath(), []byte("db"), 0o644))

	r := gin.New()
	r.GET("/status", StateBoxStatusHandler(sb))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, "warning", gjson.Get(body, "permission_status").String())
	warnings := gjson.Get(body, "warnings").Array()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].String(), sb.DecisionDBPath())
	assert.False(t, gjson.Get(body, "files.pattern_store.exists").Bool())
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	})
	w := do(t, s, http.MethodOptions, "/v0/metrics", "", func(r *http.Request) {
		r.Header.Set("Origin", "http://localhost:3000")
		r.Header.Set("Access-Control-Request-Method", http.MethodGet)
	})
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, s, http.MethodGet, "/v0/metrics", "", func(r *http.Request) {
		r.Header.Set("Origin", "http://evil.example")
	})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/json"))
}
