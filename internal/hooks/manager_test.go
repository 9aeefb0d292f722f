package hooks

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeHook(t *testing.T, dir string, h Hook) {
	t.Helper()
	data, err := yaml.Marshal(h)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, h.ID+".yaml"), data, 0o644))
}

func TestHookManager_LoadHooks(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, Hook{ID: "warn", Name: "Warn", Event: EventBudgetWarning, Action: ActionLogWarning, Enabled: true})
	writeHook(t, dir, Hook{ID: "off", Name: "Off", Event: EventBudgetWarning, Action: ActionLogWarning, Enabled: false})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(":\n\t- nope"), 0o644))

	bus := NewEventBus(0)
	defer bus.Shutdown()
	m, err := NewHookManager(dir, bus)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.LoadHooks())
	hooks := m.GetHooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, "warn", hooks[0].ID)
	assert.Equal(t, filepath.Join(dir, "warn.yaml"), hooks[0].FilePath)
}

func TestHookManager_LoadRejectsInvalidHooks(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, Hook{ID: "bad-event", Event: "budget_melted", Action: ActionLogWarning, Enabled: true})
	writeHook(t, dir, Hook{ID: "bad-action", Event: EventBudgetWarning, Action: "page_oncall", Enabled: true})
	writeHook(t, dir, Hook{ID: "bad-cond", Event: EventBudgetWarning, Action: ActionLogWarning, Condition: "Data.ratio >", Enabled: true})
	writeHook(t, dir, Hook{ID: "ok", Event: EventBudgetWarning, Action: ActionLogWarning, Enabled: true})

	// Same id in another file: the first one by walk order wins.
	dup := Hook{ID: "ok", Event: EventBudgetExhausted, Action: ActionLogWarning, Enabled: true}
	data, err := yaml.Marshal(dup)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz-dup.yaml"), data, 0o644))

	// A file without an id takes its name from the file.
	unnamed := Hook{Event: EventRoutingDecision, Action: ActionLogWarning, Enabled: true}
	data, err = yaml.Marshal(unnamed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "routing-log.yml"), data, 0o644))

	bus := NewEventBus(0)
	defer bus.Shutdown()
	m, err := NewHookManager(dir, bus)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.LoadHooks())

	var ids []string
	for _, h := range m.GetHooks() {
		ids = append(ids, h.ID)
	}
	assert.Equal(t, []string{"ok", "routing-log"}, ids)
}

func TestHookManager_BoundsConcurrentActions(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, Hook{ID: "slow", Event: EventDecisionRecorded, Action: "slow_action", Enabled: true})

	bus := NewEventBus(0)
	defer bus.Shutdown()
	m, err := NewHookManager(dir, bus)
	require.NoError(t, err)

	release := make(chan struct{})
	var ran atomic.Int32
	m.RegisterAction("slow_action", func(*Hook, *EventContext) error {
		ran.Add(1)
		<-release
		return nil
	})
	require.NoError(t, m.LoadHooks())
	m.SubscribeToAllEvents()

	for i := 0; i < maxConcurrentActions+5; i++ {
		bus.Publish(NewEvent(EventDecisionRecorded, "task-1", nil))
	}
	close(release)
	m.Close()

	assert.Equal(t, int32(maxConcurrentActions), ran.Load())
}

func TestHookManager_MissingDirectory(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Shutdown()
	m, err := NewHookManager(filepath.Join(t.TempDir(), "absent"), bus)
	require.NoError(t, err)
	assert.NoError(t, m.LoadHooks())
	assert.Empty(t, m.GetHooks())

	_, err = NewHookManager("", bus)
	assert.Error(t, err)
}

func TestHookManager_EvaluateCondition(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Shutdown()
	m, _ := NewHookManager(t.TempDir(), bus)

	ctx := &EventContext{Event: EventBudgetWarning, TaskID: "t1", Data: map[string]interface{}{"ratio": 0.9}}
	ok, err := m.EvaluateCondition(&Hook{Condition: "Data.ratio >= 0.8 && TaskID == 't1'"}, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.EvaluateCondition(&Hook{}, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.EvaluateCondition(&Hook{Condition: "Data.ratio +"}, ctx)
	assert.Error(t, err)
}

func TestHookManager_WebhookAction(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Hook-Signature"), "sha256="))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeHook(t, dir, Hook{
		ID: "notify", Name: "Notify", Event: EventBudgetExhausted, Action: ActionNotifyWebhook, Enabled: true,
		Params: map[string]any{"url": srv.URL, "secret": "s3cret"},
	})

	bus := NewEventBus(0)
	defer bus.Shutdown()
	m, err := NewHookManager(dir, bus)
	require.NoError(t, err)
	require.NoError(t, m.LoadHooks())
	m.SubscribeToAllEvents()

	bus.Publish(NewEvent(EventBudgetExhausted, "task-9", map[string]interface{}{"consumed": 1000}))
	m.Close()

	got, _ := body.Load().(string)
	assert.Contains(t, got, `"task_id":"task-9"`)
	assert.Contains(t, got, `"budget_exhausted"`)
}

func TestWebhookHandler_RejectsInsecureURL(t *testing.T) {
	h := NewWebhookHandler()
	err := h.Handle(&Hook{Params: map[string]any{"url": "http://example.com/hook"}}, &EventContext{})
	assert.ErrorContains(t, err, "insecure")
}

func TestRunCommand_Whitelist(t *testing.T) {
	err := handleRunCommand(&Hook{Params: map[string]any{"command": "rm -rf /"}}, &EventContext{})
	assert.ErrorContains(t, err, "whitelist")
	assert.Error(t, handleRunCommand(&Hook{}, &EventContext{}))
}

func TestProperty_ConditionGatesAction(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("a hook runs exactly when its condition holds", prop.ForAll(
		func(ratioPct int, event string) bool {
			dir, err := os.MkdirTemp("", "hooks-prop-*")
			if err != nil {
				return false
			}
			defer os.RemoveAll(dir)

			evt := HookEvent(event)
			data, _ := yaml.Marshal(Hook{
				ID: "prop", Name: "Prop", Event: evt, Condition: "Data.ratio > 90",
				Action: "custom_action", Enabled: true,
			})
			_ = os.WriteFile(filepath.Join(dir, "prop.yaml"), data, 0o644)

			bus := NewEventBus(0)
			defer bus.Shutdown()
			m, _ := NewHookManager(dir, bus)
			var triggered atomic.Bool
			m.RegisterAction("custom_action", func(*Hook, *EventContext) error {
				triggered.Store(true)
				return nil
			})
			_ = m.LoadHooks()
			m.SubscribeToAllEvents()

			bus.Publish(&EventContext{Event: evt, Timestamp: time.Now(), Data: map[string]interface{}{"ratio": ratioPct}})
			m.Close()

			return triggered.Load() == (ratioPct > 90)
		},
		gen.IntRange(70, 100),
		gen.OneConstOf("budget_warning", "budget_downgrade", "budget_exhausted"),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestCheckWebhookURL(t *testing.T) {
	tests := map[string]bool{
		"https://hooks.example.com/x":    true,
		"http://127.0.0.1:9000/hook":     true,
		"http://localhost/hook":          true,
		"http://[::1]:8080/":             true,
		"http://localhost.evil.com/hook": false,
		"http://10.0.0.5/hook":           false,
		"ftp://127.0.0.1/hook":           false,
	}
	for raw, ok := range tests {
		err := checkWebhookURL(raw)
		if ok {
			assert.NoError(t, err, raw)
		} else {
			assert.ErrorContains(t, err, "insecure", raw)
		}
	}
}

func TestWebhookHandler_RateWindow(t *testing.T) {
	h := NewWebhookHandler()
	now := time.Now()
	for i := 0; i < webhookPerMinute; i++ {
		assert.True(t, h.allow("https://a", now.Add(time.Duration(i)*time.Second)))
	}
	assert.False(t, h.allow("https://a", now.Add(30*time.Second)))
	assert.True(t, h.allow("https://b", now.Add(30*time.Second)), "limits are per URL")
	assert.True(t, h.allow("https://a", now.Add(61*time.Second)), "oldest call left the window")
}

func TestWebhookHandler_RetriesOnlyTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, string(EventPrefetchFailed), r.Header.Get("X-Kilorouter-Event"))
		assert.NotEmpty(t, r.Header.Get("X-Kilorouter-Delivery"))
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	h := NewWebhookHandler()
	h.backoff = []time.Duration{time.Millisecond, time.Millisecond}
	hook := &Hook{ID: "w", Params: map[string]any{"url": srv.URL}}

	status.Store(http.StatusBadRequest)
	assert.Error(t, h.Handle(hook, NewEvent(EventPrefetchFailed, "t1", nil)))
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, h.Handle(hook, NewEvent(EventPrefetchFailed, "t1", nil)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestExpandMessage(t *testing.T) {
	ev := &EventContext{Event: EventBudgetWarning, TaskID: "t1", HandlerID: "debug-helper"}
	assert.Equal(t, "budget_warning on t1 by debug-helper", expandMessage("{event} on {task_id} by {handler_id}", ev))
}
