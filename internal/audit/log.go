// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log kinds.
const (
	KindDecision = "decision"
	KindOutcome  = "outcome"
)

// maxLogLine bounds one decision log line when reading it back.
const maxLogLine = 4 << 20

// LogEntry is one line of the decision log. A decision is written once when
// recorded and once more, as an outcome, when it resolves.
type LogEntry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Kind       string          `json:"kind"`
	DecisionID string          `json:"decision_id"`
	TaskID     string          `json:"task_id,omitempty"`
	Type       DecisionType    `json:"type,omitempty"`
	Record     *DecisionRecord `json:"record,omitempty"`
	Outcome    *Outcome        `json:"outcome,omitempty"`
}

// LogConfig configures the rotating decision log.
type LogConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max-size-mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max-backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max-age-days" json:"max_age_days"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

func (c *LogConfig) applyDefaults() {
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 10
	}
	if c.MaxAgeDays == 0 {
		c.MaxAgeDays = 30
	}
}

// Logger appends decisions and outcomes to a rotating JSONL file. A nil or
// disabled Logger drops everything.
type Logger struct {
	mu     sync.Mutex
	sink   io.WriteCloser
	enc    *json.Encoder
	failed int
}

// NewLogger creates the decision log. A disabled config yields a no-op logger.
func NewLogger(cfg LogConfig) (*Logger, error) {
	if !cfg.Enabled || cfg.Path == "" {
		return &Logger{}, nil
	}
	cfg.applyDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("decision log directory: %w", err)
	}
	return newLogger(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}), nil
}

func newLogger(sink io.WriteCloser) *Logger {
	return &Logger{sink: sink, enc: json.NewEncoder(sink)}
}

func (l *Logger) append(entry LogEntry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return
	}
	if err := l.enc.Encode(entry); err != nil {
		l.failed++
		log.WithFields(log.Fields{
			"request_id":  entry.TaskID,
			"decision_id": entry.DecisionID,
			"kind":        entry.Kind,
			"failures":    l.failed,
		}).Errorf("decision log write failed: %v", err)
	}
}

// LogDecision appends a new record.
func (l *Logger) LogDecision(rec DecisionRecord) {
	l.append(LogEntry{Timestamp: rec.CreatedAt, Kind: KindDecision, DecisionID: rec.ID, TaskID: rec.TaskID, Type: rec.Type, Record: &rec})
}

// LogOutcome appends an outcome resolution.
func (l *Logger) LogOutcome(id, taskID string, o Outcome) {
	l.append(LogEntry{Timestamp: o.ResolvedAt, Kind: KindOutcome, DecisionID: id, TaskID: taskID, Outcome: &o})
}

// Close flushes and closes the log file. Later writes are dropped.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink, l.enc = nil, nil
	return err
}

// ReplayLog reads the decision log at path in write order and calls fn for
// every entry. Lines that do not decode are skipped and counted. A missing
// file replays nothing. Rotated backups are not read.
func ReplayLog(path string, fn func(LogEntry) error) (skipped int, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if json.Unmarshal(line, &entry) != nil || entry.DecisionID == "" {
			skipped++
			continue
		}
		if err := fn(entry); err != nil {
			return skipped, err
		}
	}
	return skipped, sc.Err()
}
