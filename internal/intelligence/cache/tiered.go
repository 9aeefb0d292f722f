// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache provides the three-tier prefetch cache.
//
// Entries live in exactly one tier. Lookups check hot, then warm, then cold,
// and a hit promotes the entry one tier up. When a tier is over capacity its
// victim is demoted one tier down; cold victims are dropped.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Tier names a cache tier.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Tiers lists the tiers in lookup order.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

// ParseTier returns the tier named s.
func ParseTier(s string) (Tier, bool) {
	for _, t := range Tiers {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Entry is a cached payload.
type Entry struct {
	Key         string    `json:"key"`
	Payload     []byte    `json:"-"`
	Source      string    `json:"source,omitempty"`
	Tier        Tier      `json:"tier"`
	InsertedAt  time.Time `json:"inserted_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int64     `json:"access_count"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (e *Entry) clone() Entry {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	return c
}

// TierConfig bounds one tier.
type TierConfig struct {
	Capacity int
	TTL      time.Duration
}

// Config holds the per-tier bounds.
type Config struct {
	Hot  TierConfig
	Warm TierConfig
	Cold TierConfig
}

// DefaultConfig returns hot 5 min LRU, warm 15 min LFU and cold 1 hour TTL-only tiers.
func DefaultConfig() Config {
	return Config{
		Hot:  TierConfig{Capacity: 256, TTL: 5 * time.Minute},
		Warm: TierConfig{Capacity: 1024, TTL: 15 * time.Minute},
		Cold: TierConfig{Capacity: 4096, TTL: time.Hour},
	}
}

// TierMetrics tracks the performance of one tier.
type TierMetrics struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Promotions int64 `json:"promotions"`
	Expired    int64 `json:"expired"`
	Size       int   `json:"size"`
}

// Option configures a TieredCache.
type Option func(*TieredCache)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *TieredCache) { c.now = now }
}

// TieredCache is a hot/warm/cold cache safe for concurrent use.
type TieredCache struct {
	tiers [3]*tier
	// moveMu serializes operations that move entries between tiers. Hot hits
	// only take the hot tier lock.
	moveMu sync.Mutex
	now    func() time.Time
}

// New creates a TieredCache.
func New(cfg Config, opts ...Option) *TieredCache {
	def := DefaultConfig()
	fill := func(tc, d TierConfig) TierConfig {
		if tc.Capacity <= 0 {
			tc.Capacity = d.Capacity
		}
		if tc.TTL <= 0 {
			tc.TTL = d.TTL
		}
		return tc
	}
	c := &TieredCache{now: time.Now}
	c.tiers[0] = newTier(TierHot, fill(cfg.Hot, def.Hot), evictLRU)
	c.tiers[1] = newTier(TierWarm, fill(cfg.Warm, def.Warm), evictLFU)
	c.tiers[2] = newTier(TierCold, fill(cfg.Cold, def.Cold), evictSoonestExpiry)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get looks key up hot, then warm, then cold, promoting the entry one tier on
// a warm or cold hit.
func (c *TieredCache) Get(key string) (Entry, bool) {
	now := c.now()
	if e, ok := c.tiers[0].touch(key, now, true); ok {
		return e, true
	}

	c.moveMu.Lock()
	defer c.moveMu.Unlock()

	// A concurrent promotion may have landed it in hot meanwhile.
	if e, ok := c.tiers[0].touch(key, now, false); ok {
		return e, true
	}
	for i := 1; i < len(c.tiers); i++ {
		item, ok := c.tiers[i].take(key, now)
		if !ok {
			continue
		}
		item.AccessCount++
		item.LastAccess = now
		c.tiers[i].promoted()
		out := c.insertLocked(i-1, item, now)
		return out, true
	}
	return Entry{}, false
}

// Peek returns the entry for key without promotion or access accounting.
func (c *TieredCache) Peek(key string) (Entry, bool) {
	now := c.now()
	for _, t := range c.tiers {
		if e, ok := t.peek(key, now); ok {
			return e, true
		}
	}
	return Entry{}, false
}

// Contains reports whether key is cached in any tier.
func (c *TieredCache) Contains(key string) bool {
	_, ok := c.Peek(key)
	return ok
}

// Put stores payload under key in the given tier, replacing any existing entry.
func (c *TieredCache) Put(key string, payload []byte, source string, at Tier) Entry {
	idx := tierIndex(at)
	now := c.now()

	c.moveMu.Lock()
	defer c.moveMu.Unlock()

	var inserted time.Time
	var count int64
	for _, t := range c.tiers {
		if old, ok := t.remove(key); ok {
			inserted, count = old.InsertedAt, old.AccessCount
		}
	}
	if inserted.IsZero() {
		inserted = now
	}
	item := &Entry{
		Key:         key,
		Payload:     append([]byte(nil), payload...),
		Source:      source,
		InsertedAt:  inserted,
		LastAccess:  now,
		AccessCount: count,
	}
	return c.insertLocked(idx, item, now)
}

// insertLocked places item in tier idx and cascades capacity victims down.
// Only one tier lock is held at a time. Requires moveMu.
func (c *TieredCache) insertLocked(idx int, item *Entry, now time.Time) Entry {
	out, victim := c.tiers[idx].insert(item, now)
	for victim != nil {
		idx++
		if idx >= len(c.tiers) {
			log.Debugf("cache: dropped %s from cold tier", victim.Key)
			break
		}
		_, victim = c.tiers[idx].insert(victim, now)
	}
	return out
}

// Invalidate removes key from every tier. It reports whether anything was removed.
func (c *TieredCache) Invalidate(key string) bool {
	c.moveMu.Lock()
	defer c.moveMu.Unlock()

	removed := false
	for _, t := range c.tiers {
		if _, ok := t.remove(key); ok {
			removed = true
		}
	}
	return removed
}

// InvalidatePrefix removes every key starting with prefix and returns how many were removed.
func (c *TieredCache) InvalidatePrefix(prefix string) int {
	c.moveMu.Lock()
	defer c.moveMu.Unlock()

	n := 0
	for _, t := range c.tiers {
		n += t.removeWhere(func(k string) bool { return strings.HasPrefix(k, prefix) })
	}
	if n > 0 {
		log.Debugf("cache: invalidated %d entries under %q", n, prefix)
	}
	return n
}

// Sweep drops expired entries from every tier and returns how many were dropped.
func (c *TieredCache) Sweep() int {
	now := c.now()
	n := 0
	for _, t := range c.tiers {
		n += t.sweep(now)
	}
	return n
}

// Len returns the number of cached entries.
func (c *TieredCache) Len() int {
	n := 0
	for _, t := range c.tiers {
		n += t.len()
	}
	return n
}

// Metrics returns a snapshot of per-tier metrics.
func (c *TieredCache) Metrics() map[Tier]TierMetrics {
	out := make(map[Tier]TierMetrics, len(c.tiers))
	for _, t := range c.tiers {
		out[t.name] = t.metricsSnapshot()
	}
	return out
}

func tierIndex(t Tier) int {
	switch t {
	case TierHot:
		return 0
	case TierWarm:
		return 1
	default:
		return 2
	}
}

type evictionPolicy int

const (
	evictLRU evictionPolicy = iota
	evictLFU
	evictSoonestExpiry
)

type tier struct {
	name    Tier
	cfg     TierConfig
	policy  evictionPolicy
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	metrics TierMetrics
}

func newTier(name Tier, cfg TierConfig, policy evictionPolicy) *tier {
	return &tier{name: name, cfg: cfg, policy: policy, items: make(map[string]*list.Element), order: list.New()}
}

func (t *tier) lookupLocked(key string, now time.Time) (*list.Element, bool) {
	el, ok := t.items[key]
	if !ok {
		return nil, false
	}
	if !now.Before(el.Value.(*Entry).ExpiresAt) {
		t.removeElementLocked(el)
		t.metrics.Expired++
		return nil, false
	}
	return el, true
}

func (t *tier) touch(key string, now time.Time, countMiss bool) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.lookupLocked(key, now)
	if !ok {
		if countMiss {
			t.metrics.Misses++
		}
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	e.AccessCount++
	e.LastAccess = now
	t.order.MoveToFront(el)
	t.metrics.Hits++
	return e.clone(), true
}

func (t *tier) peek(key string, now time.Time) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[key]
	if !ok || !now.Before(el.Value.(*Entry).ExpiresAt) {
		return Entry{}, false
	}
	return el.Value.(*Entry).clone(), true
}

// take removes and returns a live entry, counting a hit or a miss.
func (t *tier) take(key string, now time.Time) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.lookupLocked(key, now)
	if !ok {
		t.metrics.Misses++
		return nil, false
	}
	t.metrics.Hits++
	e := el.Value.(*Entry)
	t.removeElementLocked(el)
	return e, true
}

func (t *tier) promoted() {
	t.mu.Lock()
	t.metrics.Promotions++
	t.mu.Unlock()
}

// insert stores item with a fresh TTL and returns the capacity victim, if any.
func (t *tier) insert(item *Entry, now time.Time) (Entry, *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	item.Tier = t.name
	item.ExpiresAt = now.Add(t.cfg.TTL)
	if el, ok := t.items[item.Key]; ok {
		t.removeElementLocked(el)
	}
	t.items[item.Key] = t.order.PushFront(item)
	out := item.clone()

	if len(t.items) <= t.cfg.Capacity {
		return out, nil
	}
	victim := t.victimLocked(item.Key)
	if victim == nil {
		return out, nil
	}
	t.removeElementLocked(victim)
	t.metrics.Evictions++
	return out, victim.Value.(*Entry)
}

func (t *tier) victimLocked(protect string) *list.Element {
	switch t.policy {
	case evictLRU:
		for el := t.order.Back(); el != nil; el = el.Prev() {
			if el.Value.(*Entry).Key != protect {
				return el
			}
		}
		return nil
	default:
		var best *list.Element
		for el := t.order.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*Entry)
			if e.Key == protect {
				continue
			}
			if best == nil || t.worse(e, best.Value.(*Entry)) {
				best = el
			}
		}
		return best
	}
}

// worse reports whether a should be evicted before b.
func (t *tier) worse(a, b *Entry) bool {
	if t.policy == evictLFU {
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.LastAccess.Before(b.LastAccess)
	}
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}
	return a.Key < b.Key
}

func (t *tier) remove(key string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.items[key]
	if !ok {
		return nil, false
	}
	t.removeElementLocked(el)
	return el.Value.(*Entry), true
}

func (t *tier) removeWhere(match func(string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key, el := range t.items {
		if match(key) {
			t.removeElementLocked(el)
			n++
		}
	}
	return n
}

func (t *tier) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, el := range t.items {
		if !now.Before(el.Value.(*Entry).ExpiresAt) {
			t.removeElementLocked(el)
			t.metrics.Expired++
			n++
		}
	}
	return n
}

func (t *tier) removeElementLocked(el *list.Element) {
	delete(t.items, el.Value.(*Entry).Key)
	t.order.Remove(el)
}

func (t *tier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *tier) metricsSnapshot() TierMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metrics
	m.Size = len(t.items)
	return m
}
