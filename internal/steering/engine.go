package steering

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/kilorouter/internal/learning"
	"gopkg.in/yaml.v3"
)

// maxRuleFileSize guards against YAML bombs in the rules directory.
const maxRuleFileSize = 1 << 20

// RuleFile is the layout of one YAML rules file.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// SteeringEngine holds the built-in and declared trigger rules together with
// their learned weights.
type SteeringEngine struct {
	rulesDir  string
	builtins  []*Rule
	rules     []*Rule
	weights   map[string]float64
	evaluator *ConditionEvaluator
	mu        sync.RWMutex

	// watcher for hot-reloading
	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	watcherDone chan struct{}
}

// NewSteeringEngine creates an engine with the built-in rules. rulesDir may
// be empty, in which case only the built-ins are active.
func NewSteeringEngine(rulesDir string) (*SteeringEngine, error) {
	e := &SteeringEngine{
		rulesDir:  rulesDir,
		weights:   make(map[string]float64),
		evaluator: NewConditionEvaluator(),
	}
	for _, r := range BuiltinRules() {
		if err := e.evaluator.CompileRule(r); err != nil {
			return nil, fmt.Errorf("built-in rule %s: %w", r.Name, err)
		}
		e.builtins = append(e.builtins, r)
	}
	e.rules = append([]*Rule(nil), e.builtins...)
	return e, nil
}

// LoadRules reads every *.yaml/*.yml file of the rules directory. Rules whose
// condition does not compile are skipped with an error log. A missing
// directory leaves only the built-ins.
func (e *SteeringEngine) LoadRules() error {
	declared, err := e.readRules()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rules := append([]*Rule(nil), e.builtins...)
	rules = append(rules, declared...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	e.rules = rules
	log.Infof("Loaded %d trigger rules (%d declared)", len(rules), len(declared))
	return nil
}

func (e *SteeringEngine) readRules() ([]*Rule, error) {
	if e.rulesDir == "" {
		return nil, nil
	}
	if _, err := os.Stat(e.rulesDir); os.IsNotExist(err) {
		return nil, nil
	}
	absDir, err := filepath.Abs(e.rulesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path of rules directory: %w", err)
	}

	seen := make(map[string]string)
	for _, b := range e.builtins {
		seen[b.Name] = "built-in"
	}

	var declared []*Rule
	err = filepath.Walk(e.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			log.Warnf("Skipping symlink in rules directory: %s", path)
			return nil
		}
		absPath, err := filepath.Abs(path)
		if err != nil || !strings.HasPrefix(absPath, absDir) {
			log.Warnf("Skipping file outside rules directory: %s", path)
			return nil
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		if info.Size() > maxRuleFileSize {
			log.Warnf("Skipping large rules file: %s (%d bytes)", path, info.Size())
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("Failed to read rules file %s: %v", path, err)
			return nil
		}
		var file RuleFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Errorf("Failed to parse rules file %s: %v", path, err)
			return nil
		}
		for i := range file.Rules {
			r := file.Rules[i]
			r.FilePath = path
			if r.Name == "" {
				log.Errorf("Rule without name in %s skipped", path)
				continue
			}
			if origin, dup := seen[r.Name]; dup {
				log.Errorf("Rule %s in %s duplicates one from %s, skipped", r.Name, path, origin)
				continue
			}
			if err := e.evaluator.CompileRule(&r); err != nil {
				log.Errorf("Rule %s in %s: %v", r.Name, path, err)
				continue
			}
			seen[r.Name] = path
			declared = append(declared, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return declared, nil
}

// Evaluate applies every active rule to one candidate. Each fired rule
// contributes Delta times its learned weight; the sum is clamped to
// [MinAdjustment, MaxAdjustment].
func (e *SteeringEngine) Evaluate(ctx *RuleContext, now time.Time) Adjustment {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var adj Adjustment
	var sum float64
	for _, rule := range rules {
		if !rule.appliesTo(ctx.Handler) || !e.evaluator.CheckTimeRule(rule, now) {
			continue
		}
		active, err := e.evaluator.Evaluate(rule.Condition, ctx)
		if err != nil {
			log.Warnf("Failed to evaluate condition for rule %s: %v", rule.Name, err)
			continue
		}
		if !active {
			continue
		}
		delta := rule.Delta * e.Weight(rule.Name)
		sum += delta
		adj.Fired = append(adj.Fired, Fired{Rule: rule.Name, Delta: delta, Exclude: rule.Exclude})
		if rule.Exclude {
			adj.Exclude = true
		}
	}
	adj.Delta = learning.Clamp(sum, MinAdjustment, MaxAdjustment)
	return adj
}

// Weight returns the learned weight of rule name, 1.0 until feedback moves it.
func (e *SteeringEngine) Weight(name string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if w, ok := e.weights[name]; ok {
		return w
	}
	return 1.0
}

// Weights returns a copy of every learned weight.
func (e *SteeringEngine) Weights() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

// SetWeights replaces the learned weights, e.g. from a persisted snapshot.
func (e *SteeringEngine) SetWeights(w map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weights = make(map[string]float64, len(w))
	for k, v := range w {
		e.weights[k] = v
	}
}

// Reinforce moves the weight of rule name after the outcome of a handler it
// fired on. delta is the rule's unweighted contribution sign.
func (e *SteeringEngine) Reinforce(name string, delta float64, success bool) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.weights[name]
	if !ok {
		w = 1.0
	}
	w = learning.UpdateBoosterWeight(w, delta, success)
	e.weights[name] = w
	return w
}

// GetRules returns a copy of the active rules, highest priority first.
func (e *SteeringEngine) GetRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = *r
	}
	return out
}

// StartWatcher reloads the rules when a file under the rules directory
// changes. onReload, if set, runs after every successful reload.
func (e *SteeringEngine) StartWatcher(onReload func()) error {
	if e.rulesDir == "" {
		return fmt.Errorf("no rules directory configured")
	}
	if err := os.MkdirAll(e.rulesDir, 0755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.Walk(e.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return err
	}
	e.watcher = watcher
	e.stopWatcher = make(chan struct{})
	e.watcherDone = make(chan struct{})

	go func() {
		defer close(e.watcherDone)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.Infof("Rules directory changed (%s), reloading rules...", event.Name)
				// Let editors finish writing before reading.
				select {
				case <-time.After(100 * time.Millisecond):
				case <-e.stopWatcher:
					return
				}
				if err := e.LoadRules(); err != nil {
					log.Errorf("Failed to reload trigger rules: %v", err)
					continue
				}
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Rules watcher error: %v", err)
			case <-e.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// StopWatcher stops the file watcher and waits for it to exit.
func (e *SteeringEngine) StopWatcher() {
	if e.watcher == nil {
		return
	}
	close(e.stopWatcher)
	e.watcher.Close()
	<-e.watcherDone
	e.watcher = nil
}
