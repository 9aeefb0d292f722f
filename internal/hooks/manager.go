package hooks

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"
)

const (
	// maxConcurrentActions bounds the hook actions in flight. Events that
	// would exceed it skip the action instead of queueing goroutines.
	maxConcurrentActions = 8
	reloadDebounce       = 200 * time.Millisecond
)

// compiledHook is a validated hook with its condition program.
type compiledHook struct {
	*Hook
	program *vm.Program
}

// HookManager loads YAML hooks from a directory and runs their actions when a
// published event matches the hook's condition.
type HookManager struct {
	dir string
	bus *EventBus

	mu      sync.RWMutex
	byEvent map[HookEvent][]*compiledHook
	actions map[HookAction]ActionHandler
	subs    []*Subscription

	inflight *semaphore.Weighted
	running  sync.WaitGroup

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	watcherDone chan struct{}
	closeOnce   sync.Once
}

// NewHookManager creates a hook manager reading dir. The built-in actions are
// registered; RegisterAction adds more before LoadHooks.
func NewHookManager(dir string, bus *EventBus) (*HookManager, error) {
	if dir == "" {
		return nil, fmt.Errorf("hooks directory is required")
	}
	m := &HookManager{
		dir:         dir,
		bus:         bus,
		byEvent:     make(map[HookEvent][]*compiledHook),
		actions:     make(map[HookAction]ActionHandler),
		inflight:    semaphore.NewWeighted(maxConcurrentActions),
		stopWatcher: make(chan struct{}),
	}
	RegisterBuiltInActions(m)
	return m, nil
}

// RegisterAction registers handler for action.
func (m *HookManager) RegisterAction(action HookAction, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action] = handler
}

// LoadHooks replaces the loaded hooks with the enabled, valid hooks found in
// the directory. Files that fail to parse or validate are logged and skipped.
// A missing directory yields no hooks.
func (m *HookManager) LoadHooks() error {
	loaded := make(map[HookEvent][]*compiledHook)
	seen := make(map[string]string)
	skipped := 0

	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == m.dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		h, err := m.readHook(path)
		if err != nil {
			log.Errorf("skipping hook file %s: %v", path, err)
			skipped++
			return nil
		}
		if h == nil {
			return nil
		}
		if prev, dup := seen[h.ID]; dup {
			log.Errorf("skipping hook %s in %s: id already defined in %s", h.ID, path, prev)
			skipped++
			return nil
		}
		seen[h.ID] = path
		loaded[h.Event] = append(loaded[h.Event], h)
		return nil
	})
	if err != nil {
		return err
	}

	count := 0
	for _, hs := range loaded {
		sort.Slice(hs, func(i, j int) bool { return hs[i].ID < hs[j].ID })
		count += len(hs)
	}

	m.mu.Lock()
	m.byEvent = loaded
	m.mu.Unlock()

	log.Infof("loaded %d hook(s) from %s (%d skipped)", count, m.dir, skipped)
	return nil
}

// readHook parses and validates one file. Disabled hooks return nil.
func (m *HookManager) readHook(path string) (*compiledHook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Hook
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if !h.Enabled {
		return nil, nil
	}
	h.FilePath = path
	if h.ID == "" {
		h.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if !h.Event.Valid() {
		return nil, fmt.Errorf("unknown event %q", h.Event)
	}
	m.mu.RLock()
	_, known := m.actions[h.Action]
	m.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("unknown action %q", h.Action)
	}
	program, err := compileCondition(h.Condition)
	if err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	return &compiledHook{Hook: &h, program: program}, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// compileCondition compiles a hook condition. An empty condition compiles to
// nil and always matches.
func compileCondition(condition string) (*vm.Program, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" || condition == "true" {
		return nil, nil
	}
	return expr.Compile(condition, expr.AsBool())
}

// conditionEnv is what a hook condition can see.
func conditionEnv(ev *EventContext) map[string]interface{} {
	env := map[string]interface{}{
		"Event":     string(ev.Event),
		"Timestamp": ev.Timestamp,
		"Data":      ev.Data,
		"TaskID":    ev.TaskID,
		"SessionID": ev.SessionID,
		"HandlerID": ev.HandlerID,
		"Error":     ev.ErrorMessage,
	}
	if ev.Error != nil {
		env["Error"] = ev.Error.Error()
	}
	return env
}

func matches(program *vm.Program, ev *EventContext) (bool, error) {
	if program == nil {
		return true, nil
	}
	out, err := expr.Run(program, conditionEnv(ev))
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition returned %T, not bool", out)
	}
	return ok, nil
}

// EvaluateCondition compiles and evaluates h's condition against ev.
func (m *HookManager) EvaluateCondition(h *Hook, ev *EventContext) (bool, error) {
	program, err := compileCondition(h.Condition)
	if err != nil {
		return false, err
	}
	return matches(program, ev)
}

// SubscribeToAllEvents subscribes the manager to every event the router publishes.
func (m *HookManager) SubscribeToAllEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range AllEvents {
		m.subs = append(m.subs, m.bus.Subscribe(evt, m.handleEvent))
	}
}

func (m *HookManager) handleEvent(ev *EventContext) {
	m.mu.RLock()
	hs := m.byEvent[ev.Event]
	m.mu.RUnlock()

	for _, h := range hs {
		ok, err := matches(h.program, ev)
		if err != nil {
			log.Warnf("hook %s: condition %q: %v", h.ID, h.Condition, err)
			continue
		}
		if !ok {
			continue
		}
		if !m.inflight.TryAcquire(1) {
			log.WithField("request_id", ev.TaskID).Warnf("hook %s skipped: %d actions already running", h.ID, maxConcurrentActions)
			continue
		}
		m.running.Add(1)
		go func(h *compiledHook) {
			defer m.running.Done()
			defer m.inflight.Release(1)
			m.run(h.Hook, ev)
		}(h)
	}
}

func (m *HookManager) run(h *Hook, ev *EventContext) {
	m.mu.RLock()
	handler := m.actions[h.Action]
	m.mu.RUnlock()
	if handler == nil {
		return
	}
	log.WithField("request_id", ev.TaskID).Debugf("hook %s: %s on %s", h.ID, h.Action, ev.Event)
	if err := handler(h, ev); err != nil {
		log.WithField("request_id", ev.TaskID).Errorf("hook %s: action %s failed: %v", h.ID, h.Action, err)
	}
}

// StartWatcher reloads the hooks when files in the directory change. Bursts
// of changes within the debounce window cause one reload.
func (m *HookManager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher
	m.watcherDone = make(chan struct{})
	go m.watch()
	return nil
}

func (m *HookManager) watch() {
	defer close(m.watcherDone)
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 && isYAML(event.Name) {
				timer.Reset(reloadDebounce)
			}
		case <-timer.C:
			if err := m.LoadHooks(); err != nil {
				log.Errorf("failed to reload hooks: %v", err)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("hooks watcher: %v", err)
		case <-m.stopWatcher:
			return
		}
	}
}

// Close stops the watcher, unsubscribes from the bus and waits for running
// actions.
func (m *HookManager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopWatcher)
		if m.watcher != nil {
			m.watcher.Close()
			<-m.watcherDone
		}
	})

	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	m.running.Wait()
}

// GetHooks returns the loaded hooks ordered by event, then id.
func (m *HookManager) GetHooks() []*Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Hook, 0)
	for _, evt := range AllEvents {
		for _, h := range m.byEvent[evt] {
			out = append(out, h.Hook)
		}
	}
	return out
}
