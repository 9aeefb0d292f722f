package hooks

import (
	"time"
)

// HookEvent defines the type of event that can trigger a hook.
type HookEvent string

const (
	EventBudgetWarning          HookEvent = "budget_warning"
	EventBudgetDowngrade        HookEvent = "budget_downgrade"
	EventBudgetExhausted        HookEvent = "budget_exhausted"
	EventBudgetContinued        HookEvent = "budget_continued"
	EventRoutingDecision        HookEvent = "routing_decision"
	EventClarificationRequested HookEvent = "clarification_requested"
	EventPrefetchTimeout        HookEvent = "prefetch_timeout"
	EventPrefetchFailed         HookEvent = "prefetch_failed"
	EventDecisionRecorded       HookEvent = "decision_recorded"
	EventRegistryReloaded       HookEvent = "registry_reloaded"
	EventSessionEnded           HookEvent = "session_ended"
)

// AllEvents lists every event the router publishes.
var AllEvents = []HookEvent{
	EventBudgetWarning, EventBudgetDowngrade, EventBudgetExhausted, EventBudgetContinued,
	EventRoutingDecision, EventClarificationRequested,
	EventPrefetchTimeout, EventPrefetchFailed,
	EventDecisionRecorded, EventRegistryReloaded, EventSessionEnded,
}

// Valid reports whether e is an event the router publishes.
func (e HookEvent) Valid() bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// HookAction defines the action to be performed when a hook is triggered.
type HookAction string

const (
	ActionLogWarning    HookAction = "log_warning"
	ActionNotifyWebhook HookAction = "notify_webhook"
	ActionRunCommand    HookAction = "run_command"
)

// Hook represents a single automation rule.
type Hook struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Event       HookEvent      `yaml:"event" json:"event"`
	Condition   string         `yaml:"condition" json:"condition"`
	Action      HookAction     `yaml:"action" json:"action"`
	Params      map[string]any `yaml:"params" json:"params"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`

	// FilePath is the source file (not in YAML)
	FilePath string `yaml:"-" json:"-"`
}

// EventContext provides the environment for hook execution.
type EventContext struct {
	Event        HookEvent              `json:"event"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
	TaskID       string                 `json:"task_id,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	HandlerID    string                 `json:"handler_id,omitempty"`
	Error        error                  `json:"-"`
	ErrorMessage string                 `json:"error,omitempty"`
}

// NewEvent builds an EventContext stamped with the current time.
func NewEvent(event HookEvent, taskID string, data map[string]interface{}) *EventContext {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &EventContext{Event: event, Timestamp: time.Now(), TaskID: taskID, Data: data}
}

// ActionHandler is a function that executes a hook action.
type ActionHandler func(hook *Hook, ctx *EventContext) error

// Publisher is the publishing side of the event bus.
type Publisher interface {
	Publish(ctx *EventContext)
	PublishAsync(ctx *EventContext)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*EventContext)      {}
func (discard) PublishAsync(*EventContext) {}
