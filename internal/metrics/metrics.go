// Package metrics tracks pipeline activity for the /v0/metrics endpoint:
// task outcomes, routing results, mode selections, budget events and
// per-stage latencies.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traylinx/kilorouter/internal/hooks"
)

// Pipeline stages with latency tracking.
const (
	StageClassify = "classify"
	StagePredict  = "predict"
	StageSchedule = "schedule"
	StageRoute    = "route"
	StageExecute  = "execute"
)

// Metrics tracks router operations. All methods are safe for concurrent use.
type Metrics struct {
	tasksStarted   atomic.Int64
	tasksSucceeded atomic.Int64
	tasksFailed    atomic.Int64
	tasksCancelled atomic.Int64
	clarifications atomic.Int64

	budgetWarnings   atomic.Int64
	budgetDowngrades atomic.Int64
	budgetExhausted  atomic.Int64
	continuations    atomic.Int64
	prefetchTimeouts atomic.Int64
	prefetchFailures atomic.Int64
	decisions        atomic.Int64

	countsMu   sync.RWMutex
	routes     map[string]int64
	modes      map[string]int64
	handlers   map[string]int64
	maxSamples int

	latencyMu sync.RWMutex
	latencies map[string][]int64

	activeTasks atomic.Int64
	startTime   time.Time
}

// New creates a Metrics keeping the last maxSamples latencies per stage.
func New(maxSamples int) *Metrics {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &Metrics{
		routes:     make(map[string]int64),
		modes:      make(map[string]int64),
		handlers:   make(map[string]int64),
		latencies:  make(map[string][]int64),
		maxSamples: maxSamples,
		startTime:  time.Now(),
	}
}

// TaskStarted marks a pipeline run as active.
func (m *Metrics) TaskStarted() {
	m.tasksStarted.Add(1)
	m.activeTasks.Add(1)
}

// TaskFinished records how a run ended.
func (m *Metrics) TaskFinished(success, cancelled bool) {
	m.activeTasks.Add(-1)
	switch {
	case cancelled:
		m.tasksCancelled.Add(1)
	case success:
		m.tasksSucceeded.Add(1)
	default:
		m.tasksFailed.Add(1)
	}
}

// RecordRoute counts a routing result by status and selected handler.
func (m *Metrics) RecordRoute(status, handlerID string) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.routes[status]++
	if handlerID != "" {
		m.handlers[handlerID]++
	}
}

// RecordMode counts a mode selection.
func (m *Metrics) RecordMode(mode string) {
	m.countsMu.Lock()
	defer m.countsMu.Unlock()
	m.modes[mode]++
}

// ObserveStage records the latency of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	samples := append(m.latencies[stage], d.Milliseconds())
	if len(samples) > m.maxSamples {
		samples = samples[len(samples)-m.maxSamples:]
	}
	m.latencies[stage] = samples
}

// Subscribe counts the bus events that carry pipeline signals.
func (m *Metrics) Subscribe(bus *hooks.EventBus) {
	counters := map[hooks.HookEvent]*atomic.Int64{
		hooks.EventBudgetWarning:          &m.budgetWarnings,
		hooks.EventBudgetDowngrade:        &m.budgetDowngrades,
		hooks.EventBudgetExhausted:        &m.budgetExhausted,
		hooks.EventBudgetContinued:        &m.continuations,
		hooks.EventPrefetchTimeout:        &m.prefetchTimeouts,
		hooks.EventPrefetchFailed:         &m.prefetchFailures,
		hooks.EventDecisionRecorded:       &m.decisions,
		hooks.EventClarificationRequested: &m.clarifications,
	}
	for ev, c := range counters {
		c := c
		bus.Subscribe(ev, func(*hooks.EventContext) { c.Add(1) })
	}
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	TasksStarted   int64 `json:"tasks_started"`
	TasksSucceeded int64 `json:"tasks_succeeded"`
	TasksFailed    int64 `json:"tasks_failed"`
	TasksCancelled int64 `json:"tasks_cancelled"`
	ActiveTasks    int64 `json:"active_tasks"`
	Clarifications int64 `json:"clarifications"`

	BudgetWarnings   int64 `json:"budget_warnings"`
	BudgetDowngrades int64 `json:"budget_downgrades"`
	BudgetExhausted  int64 `json:"budget_exhausted"`
	Continuations    int64 `json:"continuations"`
	PrefetchTimeouts int64 `json:"prefetch_timeouts"`
	PrefetchFailures int64 `json:"prefetch_failures"`
	Decisions        int64 `json:"decisions"`

	Routes   map[string]int64 `json:"routes"`
	Modes    map[string]int64 `json:"modes"`
	Handlers map[string]int64 `json:"handlers"`

	Latency map[string]LatencyStats `json:"latency"`

	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// LatencyStats summarizes the latency samples of one stage.
type LatencyStats struct {
	AverageMs int64 `json:"average_ms"`
	MinMs     int64 `json:"min_ms"`
	MaxMs     int64 `json:"max_ms"`
	P95Ms     int64 `json:"p95_ms"`
	Samples   int64 `json:"samples"`
}

// SuccessRate is the percentage of finished, non-cancelled runs that succeeded.
func (s *Snapshot) SuccessRate() float64 {
	done := s.TasksSucceeded + s.TasksFailed
	if done == 0 {
		return 0
	}
	return float64(s.TasksSucceeded) / float64(done) * 100
}

// Snapshot copies the current state.
func (m *Metrics) Snapshot() *Snapshot {
	m.countsMu.RLock()
	routes, modes, handlers := copyCounts(m.routes), copyCounts(m.modes), copyCounts(m.handlers)
	m.countsMu.RUnlock()

	m.latencyMu.RLock()
	latency := make(map[string]LatencyStats, len(m.latencies))
	for stage, samples := range m.latencies {
		latency[stage] = latencyStats(samples)
	}
	m.latencyMu.RUnlock()

	return &Snapshot{
		TasksStarted:     m.tasksStarted.Load(),
		TasksSucceeded:   m.tasksSucceeded.Load(),
		TasksFailed:      m.tasksFailed.Load(),
		TasksCancelled:   m.tasksCancelled.Load(),
		ActiveTasks:      m.activeTasks.Load(),
		Clarifications:   m.clarifications.Load(),
		BudgetWarnings:   m.budgetWarnings.Load(),
		BudgetDowngrades: m.budgetDowngrades.Load(),
		BudgetExhausted:  m.budgetExhausted.Load(),
		Continuations:    m.continuations.Load(),
		PrefetchTimeouts: m.prefetchTimeouts.Load(),
		PrefetchFailures: m.prefetchFailures.Load(),
		Decisions:        m.decisions.Load(),
		Routes:           routes,
		Modes:            modes,
		Handlers:         handlers,
		Latency:          latency,
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		Timestamp:        time.Now(),
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func latencyStats(samples []int64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum int64
	for _, s := range sorted {
		sum += s
	}
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return LatencyStats{
		AverageMs: sum / int64(len(sorted)),
		MinMs:     sorted[0],
		MaxMs:     sorted[len(sorted)-1],
		P95Ms:     sorted[idx],
		Samples:   int64(len(sorted)),
	}
}

var (
	globalMetrics *Metrics
	once          sync.Once
)

// Global returns the process-wide Metrics, creating it on first use.
func Global() *Metrics {
	once.Do(func() {
		globalMetrics = New(1000)
	})
	return globalMetrics
}
