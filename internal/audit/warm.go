// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/kilorouter/internal/util"
)

// DefaultRetention is how long records stay in the warm tier.
const DefaultRetention = 30 * 24 * time.Hour

const warmSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	task_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	triggered_by TEXT NOT NULL DEFAULT '[]',
	content TEXT NOT NULL,
	outcome TEXT
);

CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions(type);
CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON decisions(created_at);
`

// WarmStore keeps decision records in SQLite until they pass retention.
type WarmStore struct {
	db        *sql.DB
	dbPath    string
	retention time.Duration
	enabled   bool
	stateBox  *util.StateBox
	mu        sync.RWMutex
}

// NewWarmStore creates a store backed by the SQLite file at dbPath. A
// non-positive retention defaults to 30 days.
func NewWarmStore(dbPath string, retention time.Duration) (*WarmStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &WarmStore{dbPath: dbPath, retention: retention}, nil
}

// SetStateBox resolves relative database paths against the state directory
// and enables read-only handling. Call it before Initialize.
func (s *WarmStore) SetStateBox(sb *util.StateBox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateBox = sb
}

// Retention returns the warm retention window.
func (s *WarmStore) Retention() time.Duration { return s.retention }

func (s *WarmStore) readOnly() bool { return s.stateBox != nil && s.stateBox.IsReadOnly() }

// Initialize opens the database and creates the schema. In read-only mode the
// database is opened with mode=ro and must already exist.
func (s *WarmStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stateBox != nil && !filepath.IsAbs(s.dbPath) {
		s.dbPath = s.stateBox.ResolvePath(s.dbPath)
	}
	dir := filepath.Dir(s.dbPath)

	var db *sql.DB
	var err error
	if s.readOnly() {
		if _, err := os.Stat(s.dbPath); err != nil {
			return fmt.Errorf("decision database does not exist in read-only mode: %w", err)
		}
		db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", s.dbPath))
		if err != nil {
			return fmt.Errorf("failed to open decision database in read-only mode: %w", err)
		}
		log.Infof("Decision store opened read-only (db: %s)", s.dbPath)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err = sql.Open("sqlite3", s.dbPath)
		if err != nil {
			return fmt.Errorf("failed to open decision database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.ExecContext(ctx, warmSchema); err != nil {
			db.Close()
			return fmt.Errorf("failed to create schema: %w", err)
		}
		log.Infof("Decision store initialized (db: %s, retention: %s)", s.dbPath, s.retention)
	}

	s.db = db
	s.enabled = true
	return nil
}

// IsEnabled reports whether Initialize succeeded and Shutdown was not called.
func (s *WarmStore) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Insert writes records in one transaction.
func (s *WarmStore) Insert(ctx context.Context, records []DecisionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return fmt.Errorf("decision store not enabled")
	}
	if s.readOnly() {
		return util.ErrReadOnlyMode
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT OR IGNORE INTO decisions (id, type, task_id, session_id, created_at, triggered_by, content, outcome)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := records[i].Clone()
		outcome := rec.Outcome
		rec.Outcome = nil
		rec.Triggers = nil
		content, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal decision %s: %w", rec.ID, err)
		}
		preds, _ := json.Marshal(nonNil(rec.TriggeredBy))
		var outcomeJSON sql.NullString
		if outcome != nil {
			b, err := json.Marshal(outcome)
			if err != nil {
				return fmt.Errorf("failed to marshal outcome of %s: %w", rec.ID, err)
			}
			outcomeJSON = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, string(rec.Type), rec.TaskID, rec.SessionID,
			rec.CreatedAt.UnixNano(), string(preds), string(content), outcomeJSON); err != nil {
			return fmt.Errorf("failed to insert decision %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// ResolveOutcome writes the outcome of id if it has none yet.
func (s *WarmStore) ResolveOutcome(ctx context.Context, id string, outcome *Outcome) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return fmt.Errorf("decision store not enabled")
	}
	if s.readOnly() {
		return util.ErrReadOnlyMode
	}
	b, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE decisions SET outcome = ? WHERE id = ? AND outcome IS NULL", string(b), id)
	if err != nil {
		return fmt.Errorf("failed to update outcome of %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions WHERE id = ?", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up decision %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrOutcomeAlreadySet, id)
}

// Get returns the record id.
func (s *WarmStore) Get(ctx context.Context, id string) (*DecisionRecord, error) {
	recs, err := s.query(ctx, "WHERE id = ?", []interface{}{id}, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &recs[0], nil
}

// Query returns records matching f, oldest first.
func (s *WarmStore) Query(ctx context.Context, f Filter) ([]DecisionRecord, error) {
	var where []string
	var args []interface{}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.Resolved != nil {
		if *f.Resolved {
			where = append(where, "outcome IS NOT NULL")
		} else {
			where = append(where, "outcome IS NULL")
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}
	return s.query(ctx, clause, args, f.Limit)
}

// Expired returns up to limit records created before cutoff, oldest first.
func (s *WarmStore) Expired(ctx context.Context, cutoff time.Time, limit int) ([]DecisionRecord, error) {
	return s.query(ctx, "WHERE created_at < ?", []interface{}{cutoff.UnixNano()}, limit)
}

// Delete removes ids from the warm tier in one transaction.
func (s *WarmStore) Delete(ctx context.Context, ids []string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return fmt.Errorf("decision store not enabled")
	}
	if s.readOnly() {
		return util.ErrReadOnlyMode
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM decisions WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete decision %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Edges returns the predecessor lists of every warm record.
func (s *WarmStore) Edges(ctx context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil, fmt.Errorf("decision store not enabled")
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id, triggered_by FROM decisions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query decision edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var id, preds string
		if err := rows.Scan(&id, &preds); err != nil {
			return nil, err
		}
		var list []string
		if err := json.Unmarshal([]byte(preds), &list); err != nil {
			log.Warnf("Skipping malformed edges of decision %s: %v", id, err)
			continue
		}
		edges[id] = list
	}
	return edges, rows.Err()
}

func (s *WarmStore) query(ctx context.Context, clause string, args []interface{}, limit int) ([]DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.enabled {
		return nil, fmt.Errorf("decision store not enabled")
	}

	q := "SELECT id, content, outcome FROM decisions " + clause + " ORDER BY created_at, id"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			log.Warnf("Failed to scan decision record: %v", err)
			continue
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision records: %w", err)
	}
	return out, nil
}

// Shutdown closes the database.
func (s *WarmStore) Shutdown(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return nil
	}
	s.enabled = false
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close decision database: %w", err)
		}
	}
	log.Info("Decision store shut down")
	return nil
}

func scanDecision(rows *sql.Rows) (*DecisionRecord, error) {
	var id, content string
	var outcome sql.NullString
	if err := rows.Scan(&id, &content, &outcome); err != nil {
		return nil, err
	}
	var rec DecisionRecord
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return nil, fmt.Errorf("decision %s: %w", id, err)
	}
	if outcome.Valid && outcome.String != "" {
		var o Outcome
		if err := json.Unmarshal([]byte(outcome.String), &o); err != nil {
			return nil, fmt.Errorf("outcome of %s: %w", id, err)
		}
		rec.Outcome = &o
	}
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// IsNotFound reports whether err marks a missing decision.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
