// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traylinx/kilorouter/internal/hooks"
	"github.com/traylinx/kilorouter/internal/intelligence/cache"
	"github.com/traylinx/kilorouter/internal/types"

	log "github.com/sirupsen/logrus"
)

var errNotPending = errors.New("item is not pending")

// Fetcher loads the payload behind a ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, ref string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, ref string) ([]byte, error) { return f(ctx, ref) }

// Config holds the scheduler defaults.
type Config struct {
	Workers          int
	QueueSize        int
	MaxImmediate     int
	MaxEager         int
	ImmediateTimeout time.Duration
}

// DefaultConfig returns five workers, three immediate and five eager slots
// and a two second immediate bound.
func DefaultConfig() Config {
	return Config{
		Workers:          5,
		QueueSize:        256,
		MaxImmediate:     3,
		MaxEager:         5,
		ImmediateTimeout: 2 * time.Second,
	}
}

// Stats counts scheduler outcomes since start.
type Stats struct {
	Planned  int64 `json:"planned"`
	Skipped  int64 `json:"skipped"`
	Loaded   int64 `json:"loaded"`
	Failed   int64 `json:"failed"`
	Timeouts int64 `json:"timeouts"`
	Expired  int64 `json:"expired"`
	Rejected int64 `json:"rejected"`
}

// Report is the outcome of the blocking part of Execute.
type Report struct {
	Loaded   []string                   `json:"loaded"`
	Timeouts []*types.FetchTimeoutError `json:"-"`
	Failures []*types.FetchFailureError `json:"-"`
	Queued   int                        `json:"queued"`
	Rejected int                        `json:"rejected"`
}

// Scheduler plans and runs prefetches into a TieredCache.
type Scheduler struct {
	cache   *cache.TieredCache
	fetcher Fetcher
	events  hooks.Publisher
	cfg     Config
	pool    *Pool

	// inflight tracks immediate loads that outlived their timeout.
	inflight sync.WaitGroup

	planned, skipped, loaded, failed, timeouts, expired, rejected atomic.Int64
}

// NewScheduler creates a scheduler. events may be nil.
func NewScheduler(c *cache.TieredCache, fetcher Fetcher, events hooks.Publisher, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxImmediate <= 0 {
		cfg.MaxImmediate = def.MaxImmediate
	}
	if cfg.MaxEager <= 0 {
		cfg.MaxEager = def.MaxEager
	}
	if cfg.ImmediateTimeout <= 0 {
		cfg.ImmediateTimeout = def.ImmediateTimeout
	}
	if events == nil {
		events = hooks.Discard
	}
	return &Scheduler{
		cache:   c,
		fetcher: fetcher,
		events:  events,
		cfg:     cfg,
		pool:    NewPool(cfg.Workers, cfg.QueueSize),
	}
}

// Cache returns the scheduler's cache.
func (s *Scheduler) Cache() *cache.TieredCache { return s.cache }

// Plan partitions preds into buckets. Zero limits in c fall back to the
// scheduler configuration. Already cached targets are skipped without promotion.
func (s *Scheduler) Plan(preds []types.Prediction, c Constraints) *Plan {
	if c.MaxImmediate <= 0 {
		c.MaxImmediate = s.cfg.MaxImmediate
	}
	if c.MaxEager <= 0 {
		c.MaxEager = s.cfg.MaxEager
	}
	if c.ImmediateTimeout <= 0 {
		c.ImmediateTimeout = s.cfg.ImmediateTimeout
	}
	plan := buildPlan(preds, c, s.cache.Contains)
	s.planned.Add(int64(len(plan.Items())))
	s.skipped.Add(int64(len(plan.Skipped)))
	log.Debugf("prefetch plan: %d immediate, %d eager, %d background, %d deferred, %d cached",
		len(plan.Immediate), len(plan.Eager), len(plan.Background), len(plan.Deferred), len(plan.Skipped))
	return plan
}

// Execute loads the immediate bucket in parallel and blocks until every item
// finished or the immediate timeout elapsed; timed-out items are requeued in
// background. Eager items are then queued under ctx and background items
// under a context detached from it.
//
// The returned error is ctx's error when the task was cancelled.
func (s *Scheduler) Execute(ctx context.Context, plan *Plan, taskID string) (*Report, error) {
	report := &Report{}

	if len(plan.Immediate) > 0 {
		s.runImmediate(ctx, plan, taskID, report)
	}
	if err := ctx.Err(); err != nil {
		for _, it := range append(append([]*Item(nil), plan.Immediate...), plan.Eager...) {
			if it.expire() {
				s.expired.Add(1)
			}
		}
		// Requeued and background items still run.
		for _, it := range plan.Background {
			s.enqueue(s.pool.Background(), it, cache.TierWarm, taskID, report)
		}
		return report, err
	}

	for _, it := range plan.Eager {
		s.enqueue(ctx, it, cache.TierHot, taskID, report)
	}
	for _, it := range plan.Background {
		s.enqueue(s.pool.Background(), it, cache.TierWarm, taskID, report)
	}
	return report, nil
}

type immediateResult struct {
	item *Item
	err  error
}

func (s *Scheduler) runImmediate(ctx context.Context, plan *Plan, taskID string, report *Report) {
	timeout := plan.ImmediateTimeout
	if timeout <= 0 {
		timeout = s.cfg.ImmediateTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan immediateResult, len(plan.Immediate))
	for _, it := range plan.Immediate {
		s.inflight.Add(1)
		go func(it *Item) {
			defer s.inflight.Done()
			_, err := s.load(ictx, it, cache.TierHot)
			results <- immediateResult{item: it, err: err}
		}(it)
	}

	done := make(map[*Item]bool, len(plan.Immediate))
wait:
	for len(done) < len(plan.Immediate) {
		select {
		case r := <-results:
			if isContextErr(r.err) {
				// Handled with the stragglers below.
				continue
			}
			done[r.item] = true
			var failure *types.FetchFailureError
			switch {
			case r.err == nil:
				report.Loaded = append(report.Loaded, r.item.Target)
			case errors.As(r.err, &failure):
				report.Failures = append(report.Failures, failure)
			}
		case <-ictx.Done():
			break wait
		}
	}

	if ctx.Err() != nil {
		return
	}
	for _, it := range plan.Immediate {
		if done[it] || it.State() == types.ItemLoaded {
			if !done[it] {
				report.Loaded = append(report.Loaded, it.Target)
			}
			continue
		}
		terr := &types.FetchTimeoutError{Target: it.Target, Timeout: timeout}
		report.Timeouts = append(report.Timeouts, terr)
		s.timeouts.Add(1)
		log.WithField("task_id", taskID).Warnf("prefetch: %v, requeued in background", terr)
		s.events.PublishAsync(hooks.NewEvent(hooks.EventPrefetchTimeout, taskID, map[string]interface{}{
			"target":     it.Target,
			"timeout_ms": timeout.Milliseconds(),
		}))
		it.requeue()
		s.enqueue(s.pool.Background(), it, cache.TierWarm, taskID, report)
	}
}

func (s *Scheduler) enqueue(ctx context.Context, it *Item, tier cache.Tier, taskID string, report *Report) {
	err := s.pool.Submit(ctx, func(jctx context.Context) {
		_, err := s.load(jctx, it, tier)
		switch {
		case err == nil, errors.Is(err, errNotPending):
		case isContextErr(err):
			if it.expire() {
				s.expired.Add(1)
			}
		default:
			log.WithField("task_id", taskID).Warnf("prefetch: %v", err)
		}
	}, func(error) {
		if it.expire() {
			s.expired.Add(1)
		}
	})
	if err != nil {
		report.Rejected++
		s.rejected.Add(1)
		log.WithField("task_id", taskID).Warnf("prefetch: could not queue %s: %v", it.Target, err)
		return
	}
	report.Queued++
}

// LoadItem loads a planned item on demand, typically a deferred one. A cached
// payload is returned without fetching.
func (s *Scheduler) LoadItem(ctx context.Context, it *Item) ([]byte, error) {
	if e, ok := s.cache.Get(it.Target); ok {
		return e.Payload, nil
	}
	payload, err := s.load(ctx, it, cache.TierHot)
	if errors.Is(err, errNotPending) {
		if e, ok := s.cache.Get(it.Target); ok {
			return e.Payload, nil
		}
		return nil, fmt.Errorf("prefetch %s is %s", it.Target, it.State())
	}
	return payload, err
}

// Load fetches target on demand, trying alternatives in order, and caches the
// payload in the hot tier.
func (s *Scheduler) Load(ctx context.Context, target string, alternatives ...string) ([]byte, error) {
	it := &Item{Target: target, Sources: alternatives, Bucket: BucketDeferred, state: types.ItemPending}
	return s.LoadItem(ctx, it)
}

// load fetches it and stores the payload in tier. A context error leaves the
// item for its caller to requeue or expire.
func (s *Scheduler) load(ctx context.Context, it *Item, tier cache.Tier) ([]byte, error) {
	gen, ok := it.begin()
	if !ok {
		return nil, errNotPending
	}

	payload, source, err := s.fetch(ctx, it)
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		if it.finish(gen, types.ItemFailed, "", err) {
			s.failed.Add(1)
		}
		s.events.PublishAsync(hooks.NewEvent(hooks.EventPrefetchFailed, "", map[string]interface{}{
			"target": it.Target,
			"error":  err.Error(),
		}))
		return nil, err
	}

	s.cache.Put(it.Target, payload, source, tier)
	if it.finish(gen, types.ItemLoaded, source, nil) {
		s.loaded.Add(1)
	}
	return payload, nil
}

// fetch tries the target, then each declared alternative.
func (s *Scheduler) fetch(ctx context.Context, it *Item) ([]byte, string, error) {
	sources := append([]string{it.Target}, it.Sources...)
	var lastErr error
	for i, src := range sources {
		payload, err := s.fetcher.Fetch(ctx, src)
		if err == nil {
			if i > 0 {
				log.Infof("prefetch: %s loaded from alternative %s", it.Target, src)
			}
			return payload, src, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		lastErr = err
		log.Debugf("prefetch: %s unavailable from %s: %v", it.Target, src, err)
	}
	return nil, "", &types.FetchFailureError{Target: it.Target, Sources: sources, Err: lastErr}
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Planned:  s.planned.Load(),
		Skipped:  s.skipped.Load(),
		Loaded:   s.loaded.Load(),
		Failed:   s.failed.Load(),
		Timeouts: s.timeouts.Load(),
		Expired:  s.expired.Load(),
		Rejected: s.rejected.Load(),
	}
}

// Close stops the worker pool and waits for queued jobs and stray immediate
// loads to return, or for ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	if err := s.pool.Close(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
