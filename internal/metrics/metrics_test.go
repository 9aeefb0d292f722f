package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/kilorouter/internal/hooks"
)

func TestNewDefaults(t *testing.T) {
	assert.Equal(t, 500, New(500).maxSamples)
	assert.Equal(t, 1000, New(0).maxSamples)
	assert.Equal(t, 1000, New(-10).maxSamples)
}

func TestTaskCounters(t *testing.T) {
	m := New(10)
	for i := 0; i < 4; i++ {
		m.TaskStarted()
	}
	m.TaskFinished(true, false)
	m.TaskFinished(true, false)
	m.TaskFinished(false, false)
	m.TaskFinished(true, true)

	s := m.Snapshot()
	assert.Equal(t, int64(4), s.TasksStarted)
	assert.Equal(t, int64(2), s.TasksSucceeded)
	assert.Equal(t, int64(1), s.TasksFailed)
	assert.Equal(t, int64(1), s.TasksCancelled)
	assert.Zero(t, s.ActiveTasks)
	assert.InDelta(t, 66.67, s.SuccessRate(), 0.01)
}

func TestRoutesAndModes(t *testing.T) {
	m := New(10)
	m.RecordRoute("selected", "debug-helper")
	m.RecordRoute("selected", "debug-helper")
	m.RecordRoute("no_candidate", "")
	m.RecordMode("critical")

	s := m.Snapshot()
	assert.Equal(t, map[string]int64{"selected": 2, "no_candidate": 1}, s.Routes)
	assert.Equal(t, map[string]int64{"debug-helper": 2}, s.Handlers)
	assert.Equal(t, map[string]int64{"critical": 1}, s.Modes)

	// Snapshots are copies.
	s.Routes["selected"] = 99
	assert.Equal(t, int64(2), m.Snapshot().Routes["selected"])
}

func TestStageLatency(t *testing.T) {
	m := New(20)
	for i := 1; i <= 25; i++ {
		m.ObserveStage(StageRoute, time.Duration(i)*time.Millisecond)
	}
	stats := m.Snapshot().Latency[StageRoute]
	assert.Equal(t, int64(20), stats.Samples)
	assert.Equal(t, int64(6), stats.MinMs)
	assert.Equal(t, int64(25), stats.MaxMs)
	assert.Equal(t, int64(15), stats.AverageMs)
	assert.Equal(t, int64(24), stats.P95Ms)
}

func TestSubscribeCountsBusEvents(t *testing.T) {
	bus := hooks.NewEventBus(16)
	defer bus.Shutdown()
	m := New(10)
	m.Subscribe(bus)

	bus.Publish(hooks.NewEvent(hooks.EventBudgetWarning, "t1", nil))
	bus.Publish(hooks.NewEvent(hooks.EventBudgetDowngrade, "t1", nil))
	bus.Publish(hooks.NewEvent(hooks.EventDecisionRecorded, "t1", nil))
	bus.Publish(hooks.NewEvent(hooks.EventRoutingDecision, "t1", nil))

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.BudgetWarnings == 1 && s.BudgetDowngrades == 1 && s.Decisions == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentUpdates(t *testing.T) {
	m := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.TaskStarted()
			m.RecordRoute("selected", "debug-helper")
			m.ObserveStage(StageClassify, time.Millisecond)
			m.TaskFinished(true, false)
		}()
	}
	wg.Wait()
	s := m.Snapshot()
	assert.Equal(t, int64(50), s.TasksSucceeded)
	assert.Equal(t, int64(50), s.Handlers["debug-helper"])
	assert.Equal(t, int64(50), s.Latency[StageClassify].Samples)
}

func TestGlobalIsShared(t *testing.T) {
	assert.Same(t, Global(), Global())
}
