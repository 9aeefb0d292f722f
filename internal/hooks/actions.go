package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/kilorouter/internal/buildinfo"
)

const (
	webhookTimeout   = 5 * time.Second
	webhookPerMinute = 10
	commandTimeout   = 10 * time.Second
)

// RegisterBuiltInActions registers log_warning, notify_webhook and run_command.
func RegisterBuiltInActions(m *HookManager) {
	m.RegisterAction(ActionLogWarning, handleLogWarning)
	m.RegisterAction(ActionNotifyWebhook, NewWebhookHandler().Handle)
	m.RegisterAction(ActionRunCommand, handleRunCommand)
}

// expandMessage replaces {event}, {task_id}, {session_id} and {handler_id}
// in a hook message.
func expandMessage(msg string, ev *EventContext) string {
	return strings.NewReplacer(
		"{event}", string(ev.Event),
		"{task_id}", ev.TaskID,
		"{session_id}", ev.SessionID,
		"{handler_id}", ev.HandlerID,
	).Replace(msg)
}

func handleLogWarning(hook *Hook, ev *EventContext) error {
	msg, _ := hook.Params["message"].(string)
	if msg == "" {
		msg = "hook fired"
	}
	entry := log.WithFields(log.Fields{"request_id": ev.TaskID, "event": ev.Event, "hook": hook.ID})
	for k, v := range ev.Data {
		entry = entry.WithField(k, v)
	}
	entry.Warn(expandMessage(msg, ev))
	return nil
}

// webhookPayload is the JSON body posted by notify_webhook.
type webhookPayload struct {
	HookID string `json:"hook_id"`
	*EventContext
}

// errPermanent marks webhook failures that a retry cannot fix.
var errPermanent = errors.New("permanent webhook failure")

// WebhookHandler posts events to webhooks. Each URL gets at most ten calls
// per minute; transport errors, 429 and 5xx responses are retried.
type WebhookHandler struct {
	client  *http.Client
	backoff []time.Duration

	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewWebhookHandler creates a handler with three retries (1s, 2s, 4s).
func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		client:  &http.Client{Timeout: webhookTimeout},
		backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		calls:   make(map[string][]time.Time),
	}
}

// Handle implements ActionHandler.
func (h *WebhookHandler) Handle(hook *Hook, ev *EventContext) error {
	target, _ := hook.Params["url"].(string)
	if target == "" {
		return fmt.Errorf("missing webhook url")
	}
	if err := checkWebhookURL(target); err != nil {
		return err
	}
	if !h.allow(target, time.Now()) {
		return fmt.Errorf("webhook %s exceeded %d calls per minute", target, webhookPerMinute)
	}

	body, err := json.Marshal(webhookPayload{HookID: hook.ID, EventContext: ev})
	if err != nil {
		return err
	}
	secret, _ := hook.Params["secret"].(string)
	delivery := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= len(h.backoff); attempt++ {
		if attempt > 0 {
			time.Sleep(h.backoff[attempt-1])
		}
		lastErr = h.post(target, secret, delivery, ev.Event, body)
		if lastErr == nil || errors.Is(lastErr, errPermanent) {
			break
		}
		log.Debugf("webhook %s attempt %d: %v", hook.ID, attempt+1, lastErr)
	}
	if lastErr != nil {
		return fmt.Errorf("webhook %s: %w", target, lastErr)
	}
	return nil
}

// checkWebhookURL accepts https URLs and plain http to a loopback host.
func checkWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
	}
	return fmt.Errorf("insecure webhook url (must be https or loopback http): %s", raw)
}

func (h *WebhookHandler) post(target, secret, delivery string, event HookEvent, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent("hooks"))
	req.Header.Set("X-Kilorouter-Event", string(event))
	req.Header.Set("X-Kilorouter-Delivery", delivery)
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Hook-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", errPermanent, resp.StatusCode)
	}
}

// allow records a call to target at now unless the last minute already holds
// webhookPerMinute calls.
func (h *WebhookHandler) allow(target string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := now.Add(-time.Minute)
	recent := h.calls[target][:0]
	for _, t := range h.calls[target] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= webhookPerMinute {
		h.calls[target] = recent
		return false
	}
	h.calls[target] = append(recent, now)
	return true
}

var allowedCommands = map[string]bool{"echo": true, "logger": true, "notify-send": true}

// handleRunCommand runs a whitelisted command with the event in its
// environment: KILOROUTER_EVENT, KILOROUTER_TASK_ID, KILOROUTER_HANDLER_ID and
// KILOROUTER_EVENT_DATA (JSON).
func handleRunCommand(hook *Hook, ev *EventContext) error {
	cmdStr, _ := hook.Params["command"].(string)
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return fmt.Errorf("missing command")
	}
	if !allowedCommands[parts[0]] {
		return fmt.Errorf("command %q is not in the whitelist", parts[0])
	}
	for i := 1; i < len(parts); i++ {
		parts[i] = expandMessage(parts[i], ev)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Env = append(cmd.Environ(),
		"KILOROUTER_EVENT="+string(ev.Event),
		"KILOROUTER_TASK_ID="+ev.TaskID,
		"KILOROUTER_HANDLER_ID="+ev.HandlerID,
		"KILOROUTER_EVENT_DATA="+string(data),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("command %s failed: %v, output: %s", parts[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
