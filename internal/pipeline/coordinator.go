// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/traylinx/kilorouter/internal/audit"
	"github.com/traylinx/kilorouter/internal/budget"
	"github.com/traylinx/kilorouter/internal/config"
	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/cache"
	"github.com/traylinx/kilorouter/internal/intelligence/feedback"
	"github.com/traylinx/kilorouter/internal/intelligence/intent"
	"github.com/traylinx/kilorouter/internal/intelligence/lexicon"
	"github.com/traylinx/kilorouter/internal/intelligence/matcher"
	"github.com/traylinx/kilorouter/internal/intelligence/prediction"
	"github.com/traylinx/kilorouter/internal/intelligence/prefetch"
	"github.com/traylinx/kilorouter/internal/intelligence/skills"
	"github.com/traylinx/kilorouter/internal/metrics"
	"github.com/traylinx/kilorouter/internal/steering"
	"github.com/traylinx/kilorouter/internal/store"
	"github.com/traylinx/kilorouter/internal/tokens"
	"github.com/traylinx/kilorouter/internal/util"

	log "github.com/sirupsen/logrus"
)

const (
	eventQueueSize   = 1024
	registryDebounce = 500 * time.Millisecond
	shutdownTimeout  = 10 * time.Second
)

// Coordinator owns every long-lived component built from the configuration
// and their background work.
type Coordinator struct {
	cfg *config.Config
	sb  *util.StateBox

	bus      *hooks.EventBus
	hooks    *hooks.HookManager
	registry *skills.Registry
	steering *steering.SteeringEngine
	patterns *prediction.MemoryStore
	cache    *cache.TieredCache
	sched    *prefetch.Scheduler
	ledger   store.LedgerStore
	pg       *store.PostgresStore
	budget   *budget.Manager
	recorder *audit.Recorder
	feedback *feedback.Engine
	metrics  *metrics.Metrics
	service  *Service

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Build constructs the components in dependency order. exec may be nil, in
// which case tasks are routed but not executed.
func Build(ctx context.Context, cfg *config.Config, sb *util.StateBox, exec Executor) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if sb == nil {
		return nil, fmt.Errorf("state directory cannot be nil")
	}
	c := &Coordinator{cfg: cfg, sb: sb, metrics: metrics.Global()}
	if err := c.build(ctx, exec); err != nil {
		c.closeStores(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) build(ctx context.Context, exec Executor) error {
	cfg := c.cfg
	if err := c.sb.Prepare(); err != nil {
		return fmt.Errorf("failed to prepare state directory: %w", err)
	}

	c.bus = hooks.NewEventBus(eventQueueSize)
	c.metrics.Subscribe(c.bus)
	hooksDir := cfg.Storage.HooksDir
	if hooksDir == "" {
		hooksDir = c.sb.ResolvePath("hooks")
	}
	hm, err := hooks.NewHookManager(hooksDir, c.bus)
	if err != nil {
		return fmt.Errorf("hooks manager initialization failed: %w", err)
	}
	if err := hm.LoadHooks(); err != nil {
		log.Warnf("Failed to load hooks: %v", err)
	}
	hm.SubscribeToAllEvents()
	c.hooks = hm

	// Classifier.
	lex := lexicon.Default()
	if cfg.Classifier.LexiconPath != "" {
		if lex, err = lexicon.LoadFile(cfg.Classifier.LexiconPath); err != nil {
			return fmt.Errorf("failed to load lexicon: %w", err)
		}
	}
	icfg := intent.DefaultConfig()
	icfg.DisambiguationThreshold = cfg.Classifier.DisambiguationThreshold
	icfg.ClarificationThreshold = cfg.Classifier.ClarificationThreshold
	icfg.AmbiguityMargin = cfg.Classifier.AmbiguityMargin
	icfg.MaxClarifications = cfg.Classifier.MaxClarifications
	icfg.MaxInputLength = cfg.Classifier.MaxInputLength
	classifier := intent.NewClassifier(lex, icfg)

	// Handlers and rules.
	c.registry = skills.NewRegistry(
		skills.WithEvents(c.bus),
		skills.WithEffectivenessFile(c.sb, c.sb.EffectivenessPath()),
	)
	if err := c.registry.LoadAll(cfg.Storage.SkillsDir); err != nil {
		log.Warnf("No handlers loaded: %v", err)
	}
	if c.steering, err = steering.NewSteeringEngine(cfg.Storage.RulesDir); err != nil {
		return fmt.Errorf("steering engine initialization failed: %w", err)
	}
	if err := c.steering.LoadRules(); err != nil {
		log.Warnf("Failed to load steering rules: %v", err)
	}
	mcfg := matcher.DefaultConfig()
	mcfg.SelectThreshold = cfg.Router.SelectThreshold
	mcfg.FloorThreshold = cfg.Router.FloorThreshold
	mcfg.DowngradeWindow = cfg.Router.DowngradeWindow
	mcfg.MaxClarifications = cfg.Classifier.MaxClarifications
	mcfg.PreferenceOrder = cfg.Router.PreferenceOrder
	mcfg.MaxOptions = cfg.Router.MaxOptions
	if len(cfg.Router.TieBreak) > 0 {
		mcfg.TieBreak = mcfg.TieBreak[:0:0]
		for _, tb := range cfg.Router.TieBreak {
			mcfg.TieBreak = append(mcfg.TieBreak, matcher.TieBreaker(tb))
		}
	}
	m := matcher.New(c.registry, c.steering, mcfg)

	// Predictor.
	if c.patterns, err = prediction.OpenFileStore(c.sb); err != nil {
		return err
	}
	pcfg := prediction.DefaultConfig()
	pcfg.HistoricalWeight = cfg.Predictor.HistoricalWeight
	pcfg.SessionWeight = cfg.Predictor.SessionWeight
	pcfg.ProjectWeight = cfg.Predictor.ProjectWeight
	pcfg.IntentWeight = cfg.Predictor.IntentWeight
	pcfg.DecayWindow = cfg.Predictor.DecayWindow
	pcfg.MinOccurrences = cfg.Predictor.MinOccurrences
	pcfg.MinConfidence = cfg.Predictor.MinConfidence
	pcfg.MaxPredictions = cfg.Predictor.MaxPredictions
	pcfg.MaxSteps = cfg.Predictor.MaxSteps
	pcfg.Timeout = cfg.Predictor.Timeout
	predictor := prediction.NewPredictor(c.patterns, c.registry, pcfg)

	// Prefetch.
	c.cache = cache.New(cache.Config{
		Hot:  cache.TierConfig{Capacity: cfg.Cache.Hot.Capacity, TTL: cfg.Cache.Hot.TTL},
		Warm: cache.TierConfig{Capacity: cfg.Cache.Warm.Capacity, TTL: cfg.Cache.Warm.TTL},
		Cold: cache.TierConfig{Capacity: cfg.Cache.Cold.Capacity, TTL: cfg.Cache.Cold.TTL},
	})
	c.sched = prefetch.NewScheduler(c.cache, &SourceFetcher{Root: cfg.Storage.ResourceRoot, Registry: c.registry}, c.bus, prefetch.Config{
		Workers:          cfg.Prefetch.Workers,
		QueueSize:        cfg.Prefetch.QueueSize,
		MaxImmediate:     cfg.Prefetch.MaxImmediate,
		MaxEager:         cfg.Prefetch.MaxEager,
		ImmediateTimeout: cfg.Prefetch.ImmediateTimeout,
	})

	// Budget.
	switch cfg.Storage.Ledger {
	case "postgres":
		if c.pg, err = store.NewPostgresStore(ctx, cfg.Storage.Postgres); err != nil {
			return err
		}
		if err := c.pg.EnsureSchema(ctx); err != nil {
			return err
		}
		c.ledger = c.pg
	default:
		c.ledger = store.NewMemoryStore()
	}
	if c.budget, err = budget.NewManager(ctx, cfg.Budget, c.ledger, c.bus); err != nil {
		return err
	}

	// Audit.
	warm, err := audit.NewWarmStore(c.sb.DecisionDBPath(), cfg.Audit.Retention)
	if err != nil {
		return err
	}
	warm.SetStateBox(c.sb)
	if err := warm.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to open decision store: %w", err)
	}
	var mirror audit.Mirror
	if cfg.Audit.Mirror.Endpoint != "" {
		om, err := audit.NewObjectMirror(ctx, cfg.Audit.Mirror)
		if err != nil {
			log.Warnf("Archive mirror disabled: %v", err)
		} else {
			mirror = om
		}
	}
	archive := audit.NewArchive(c.sb, c.sb.ArchiveDir(), mirror)
	lcfg := cfg.Audit.Log
	if lcfg.Path == "" {
		lcfg.Path = c.sb.DecisionLogPath()
	}
	if c.sb.IsReadOnly() {
		lcfg.Enabled = false
	}
	dlog, err := audit.NewLogger(lcfg)
	if err != nil {
		return fmt.Errorf("failed to open decision log: %w", err)
	}
	c.recorder, err = audit.NewRecorder(ctx, audit.Config{Retention: cfg.Audit.Retention, TierBatch: cfg.Audit.TierBatch}, warm, archive, dlog, c.bus)
	if err != nil {
		_ = warm.Shutdown(ctx)
		_ = dlog.Close()
		return err
	}

	// Feedback.
	c.feedback, err = feedback.NewEngine(feedback.Config{
		Enabled:          cfg.Learning.Enabled,
		QueueSize:        cfg.Learning.QueueSize,
		AnalysisInterval: cfg.Learning.AnalysisInterval,
		AnalysisWindow:   cfg.Learning.AnalysisWindow,
		MinSampleSize:    cfg.Learning.MinSampleSize,
	}, c.registry, c.patterns, c.steering, c.recorder)
	if err != nil {
		return err
	}
	c.recorder.OnResolve(func(rec audit.DecisionRecord) { c.feedback.Enqueue(rec) })

	c.service, err = NewService(Components{
		Classifier: classifier,
		Predictor:  predictor,
		Scheduler:  c.sched,
		Matcher:    m,
		Budget:     c.budget,
		Recorder:   c.recorder,
		Executor:   exec,
		Events:     c.bus,
		Metrics:    c.metrics,
		Tokens:     tokens.Default(),
	})
	return err
}

// Service returns the task pipeline.
func (c *Coordinator) Service() *Service { return c.service }

// Registry returns the handler registry.
func (c *Coordinator) Registry() *skills.Registry { return c.registry }

// Scheduler returns the prefetch scheduler.
func (c *Coordinator) Scheduler() *prefetch.Scheduler { return c.sched }

// Feedback returns the feedback engine.
func (c *Coordinator) Feedback() *feedback.Engine { return c.feedback }

// Recorder returns the decision recorder.
func (c *Coordinator) Recorder() *audit.Recorder { return c.recorder }

// Budget returns the budget manager.
func (c *Coordinator) Budget() *budget.Manager { return c.budget }

// Metrics returns the process counters.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// EventBus returns the event bus hooks subscribe to.
func (c *Coordinator) EventBus() *hooks.EventBus { return c.bus }

// Start tightens the state directory permissions, then begins the file
// watchers, the feedback loop and the audit tiering. Watchers that fail to
// start are logged and skipped.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	if _, err := util.HardenPermissions(c.sb); err != nil {
		log.Warnf("Failed to harden state directory permissions: %v", err)
	}
	if err := c.registry.Watch(ctx, registryDebounce); err != nil {
		log.Warnf("Failed to watch handler directory: %v", err)
	}
	if err := c.steering.StartWatcher(nil); err != nil {
		log.Warnf("Failed to start steering rule watcher: %v", err)
	}
	if err := c.hooks.StartWatcher(); err != nil {
		log.Warnf("Failed to start hooks watcher: %v", err)
	}
	c.feedback.Start(ctx)

	if tierEvery, sweepEvery := c.cfg.Audit.TierInterval, c.cfg.Cache.SweepInterval; tierEvery > 0 || sweepEvery > 0 {
		c.wg.Add(1)
		go c.maintain(ctx, tierEvery, sweepEvery)
	}

	c.started = true
	log.Info("Coordinator started")
	return nil
}

// maintain archives expired decisions every tierEvery and drops expired
// cache entries every sweepEvery. A zero period disables that job.
func (c *Coordinator) maintain(ctx context.Context, tierEvery, sweepEvery time.Duration) {
	defer c.wg.Done()
	tierC, stopTier := tick(tierEvery)
	defer stopTier()
	sweepC, stopSweep := tick(sweepEvery)
	defer stopSweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tierC:
			c.tierDecisions(ctx)
		case <-sweepC:
			c.sweepCache()
		}
	}
}

// tick returns the channel of a ticker firing every d, or a nil channel that
// never fires when d is zero.
func tick(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (c *Coordinator) tierDecisions(ctx context.Context) {
	if n, err := c.recorder.Tier(ctx); err != nil {
		log.Warnf("Decision tiering failed: %v", err)
	} else if n > 0 {
		log.Infof("Archived %d expired decisions", n)
	}
}

func (c *Coordinator) sweepCache() int {
	n := c.cache.Sweep()
	if n > 0 {
		log.Debugf("Dropped %d expired cache entries", n)
	}
	return n
}

// Stop halts background work in reverse start order and closes the stores.
// It is safe to call on a coordinator that was never started.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if c.started {
		c.cancel()
		c.wg.Wait()
		c.feedback.Stop()
		c.steering.StopWatcher()
		c.started = false
	}
	err := c.closeStores(ctx)
	log.Info("Coordinator stopped")
	return err
}

func (c *Coordinator) closeStores(ctx context.Context) error {
	var errs []error
	if c.hooks != nil {
		c.hooks.Close()
	}
	if c.sched != nil {
		errs = append(errs, c.sched.Close(ctx))
	}
	if c.registry != nil {
		errs = append(errs, c.registry.Close())
	}
	if c.recorder != nil {
		errs = append(errs, c.recorder.Close(ctx))
	}
	if c.pg != nil {
		errs = append(errs, c.pg.Close())
	}
	if c.bus != nil {
		c.bus.Shutdown()
	}
	c.hooks, c.sched, c.registry, c.recorder, c.pg, c.bus = nil, nil, nil, nil, nil, nil
	return errors.Join(errs...)
}
