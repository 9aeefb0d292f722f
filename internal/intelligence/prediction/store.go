// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package prediction

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/traylinx/kilorouter/internal/learning"
	"github.com/traylinx/kilorouter/internal/types"
	"github.com/traylinx/kilorouter/internal/util"

	log "github.com/sirupsen/logrus"
)

// initialFrequency is assigned to a target the first time it is observed.
const initialFrequency = 0.5

// PatternKey identifies one frequency table.
type PatternKey struct {
	Intent types.IntentType `json:"intent"`
	Domain string           `json:"domain"`
}

func (k PatternKey) String() string { return string(k.Intent) + "|" + k.Domain }

func parsePatternKey(s string) (PatternKey, bool) {
	intent, domain, ok := strings.Cut(s, "|")
	if !ok {
		return PatternKey{}, false
	}
	return PatternKey{Intent: types.IntentType(intent), Domain: domain}, true
}

// PatternEntry is one target of a frequency table.
type PatternEntry struct {
	Target        string                   `json:"target"`
	Category      types.PredictionCategory `json:"category"`
	Frequency     float64                  `json:"frequency"`
	Occurrences   int                      `json:"occurrences"`
	LastSeen      time.Time                `json:"last_seen"`
	AvgTokens     int                      `json:"avg_tokens,omitempty"`
	AvgDurationMs int64                    `json:"avg_duration_ms,omitempty"`
	Alternatives  []string                 `json:"alternatives,omitempty"`
}

// FrequencyTable is a snapshot of the entries stored under one key, sorted by target.
type FrequencyTable []PatternEntry

// Lookup returns the entry for target.
func (t FrequencyTable) Lookup(target string) (PatternEntry, bool) {
	i := sort.Search(len(t), func(i int) bool { return t[i].Target >= target })
	if i < len(t) && t[i].Target == target {
		return t[i], true
	}
	return PatternEntry{}, false
}

// Observation reports whether a target was used by a finished task.
type Observation struct {
	Target     string
	Category   types.PredictionCategory
	Used       bool
	Tokens     int
	DurationMs int64
	At         time.Time
}

// PatternStore persists decayed frequency tables keyed by (intent, domain).
type PatternStore interface {
	// Table returns a snapshot copy of the entries stored under key.
	Table(ctx context.Context, key PatternKey) (FrequencyTable, error)
	// Apply folds observations into the table under key with bounded EMA updates.
	Apply(ctx context.Context, key PatternKey, observations []Observation) error
}

// MemoryStore is an in-memory PatternStore. When path is set, every Apply is
// followed by an atomic rewrite of the JSON file.
type MemoryStore struct {
	// writeMu serializes Apply so persisted snapshots land in order.
	writeMu sync.Mutex
	mu      sync.RWMutex
	tables  map[PatternKey]map[string]*PatternEntry
	path    string
	sb      *util.StateBox
}

// NewMemoryStore creates an empty, non-persistent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[PatternKey]map[string]*PatternEntry)}
}

// OpenFileStore loads the store persisted at sb.PatternStorePath(), or starts
// empty when the file does not exist yet.
func OpenFileStore(sb *util.StateBox) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.sb = sb
	s.path = sb.PatternStorePath()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern store: %w", err)
	}

	var raw map[string][]PatternEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pattern store %s: %w", s.path, err)
	}
	for k, entries := range raw {
		key, ok := parsePatternKey(k)
		if !ok {
			log.Warnf("Skipping malformed pattern key %q", k)
			continue
		}
		table := make(map[string]*PatternEntry, len(entries))
		for i := range entries {
			e := entries[i]
			table[e.Target] = &e
		}
		s.tables[key] = table
	}
	log.Infof("Loaded %d pattern tables from %s", len(s.tables), s.path)
	return s, nil
}

// Table implements PatternStore.
func (s *MemoryStore) Table(_ context.Context, key PatternKey) (FrequencyTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.tables[key]
	out := make(FrequencyTable, 0, len(table))
	for _, e := range table {
		c := *e
		c.Alternatives = append([]string(nil), e.Alternatives...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

// Apply implements PatternStore. Entries that exist but were not used by the
// task decay toward zero; used entries move toward one.
func (s *MemoryStore) Apply(ctx context.Context, key PatternKey, observations []Observation) error {
	if len(observations) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	table, ok := s.tables[key]
	if !ok {
		table = make(map[string]*PatternEntry)
		s.tables[key] = table
	}
	for _, obs := range observations {
		e, exists := table[obs.Target]
		if !exists {
			if !obs.Used {
				continue
			}
			e = &PatternEntry{Target: obs.Target, Category: obs.Category, Frequency: initialFrequency}
			table[obs.Target] = e
		} else {
			e.Frequency = learning.Clamp(learning.BoundedEMA(e.Frequency, learning.Signal(obs.Used), learning.Alpha, learning.MaxDelta), 0, 1)
		}
		if !obs.Used {
			continue
		}
		e.Occurrences++
		if obs.At.After(e.LastSeen) {
			e.LastSeen = obs.At
		}
		if obs.Category != "" {
			e.Category = obs.Category
		}
		if obs.Tokens > 0 {
			e.AvgTokens = runningAverage(e.AvgTokens, obs.Tokens, e.Occurrences)
		}
		if obs.DurationMs > 0 {
			e.AvgDurationMs = int64(runningAverage(int(e.AvgDurationMs), int(obs.DurationMs), e.Occurrences))
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := util.SecureWriteJSON(s.sb, s.path, snapshot); err != nil {
		return fmt.Errorf("failed to persist pattern store: %w", err)
	}
	return nil
}

func (s *MemoryStore) snapshotLocked() map[string][]PatternEntry {
	out := make(map[string][]PatternEntry, len(s.tables))
	for key, table := range s.tables {
		entries := make([]PatternEntry, 0, len(table))
		for _, e := range table {
			entries = append(entries, *e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Target < entries[j].Target })
		out[key.String()] = entries
	}
	return out
}

func runningAverage(avg, sample, n int) int {
	if n <= 1 {
		return sample
	}
	return avg + (sample-avg)/n
}
