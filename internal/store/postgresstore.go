// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"

	log "github.com/sirupsen/logrus"
)

// listBatchSize is the page size used when listing ledgers.
const listBatchSize = 100

// PostgresStoreConfig configures the PostgreSQL ledger store.
type PostgresStoreConfig struct {
	DSN         string `yaml:"dsn" json:"dsn"`
	Schema      string `yaml:"schema" json:"schema"`
	LedgerTable string `yaml:"ledger-table" json:"ledger_table"`
}

// PostgresStore persists ledgers in PostgreSQL through the pgx driver.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
}

// NewPostgresStore opens the database, checks connectivity and creates the
// ledger table if needed.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := newPostgresStore(db, cfg)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Infof("Ledger store connected to PostgreSQL (%s)", s.fullTableName(s.cfg.LedgerTable))
	return s, nil
}

func newPostgresStore(db *sql.DB, cfg PostgresStoreConfig) *PostgresStore {
	if cfg.LedgerTable == "" {
		cfg.LedgerTable = "budget_ledgers"
	}
	return &PostgresStore{db: db, cfg: cfg}
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the schema and ledger table if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		scope TEXT NOT NULL,
		id TEXT NOT NULL,
		content JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (scope, id)
	)`, s.fullTableName(s.cfg.LedgerTable))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres store: create ledger table: %w", err)
	}
	return nil
}

// SaveLedger implements LedgerStore with an upsert.
func (s *PostgresStore) SaveLedger(ctx context.Context, rec LedgerRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	content, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres store: marshal ledger %s/%s: %w", rec.Scope, rec.ID, err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (scope, id, content, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (scope, id) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
		s.fullTableName(s.cfg.LedgerTable))
	if _, err := s.db.ExecContext(ctx, query, rec.Scope, rec.ID, string(content), rec.UpdatedAt); err != nil {
		return fmt.Errorf("postgres store: save ledger %s/%s: %w", rec.Scope, rec.ID, err)
	}
	return nil
}

// LoadLedger implements LedgerStore.
func (s *PostgresStore) LoadLedger(ctx context.Context, scope, id string) (*LedgerRecord, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE scope = $1 AND id = $2", s.fullTableName(s.cfg.LedgerTable))
	var content string
	err := s.db.QueryRowContext(ctx, query, scope, id).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load ledger %s/%s: %w", scope, id, err)
	}
	var rec LedgerRecord
	if err := json.Unmarshal([]byte(content), &rec); err != nil {
		return nil, fmt.Errorf("postgres store: decode ledger %s/%s: %w", scope, id, err)
	}
	return &rec, nil
}

// ListLedgers implements LedgerStore, paging through the table in id order.
func (s *PostgresStore) ListLedgers(ctx context.Context, scope string) ([]LedgerRecord, error) {
	table := s.fullTableName(s.cfg.LedgerTable)
	var out []LedgerRecord
	lastID := ""
	for {
		var rows *sql.Rows
		var err error
		if lastID == "" {
			rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, content FROM %s WHERE scope = $1 ORDER BY id LIMIT %d", table, listBatchSize), scope)
		} else {
			rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, content FROM %s WHERE scope = $1 AND id > $2 ORDER BY id LIMIT %d", table, listBatchSize), scope, lastID)
		}
		if err != nil {
			return nil, fmt.Errorf("postgres store: list ledgers: %w", err)
		}

		count := 0
		for rows.Next() {
			var id, content string
			if err := rows.Scan(&id, &content); err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres store: scan ledger row: %w", err)
			}
			var rec LedgerRecord
			if err := json.Unmarshal([]byte(content), &rec); err != nil {
				log.Warnf("Skipping undecodable ledger %s/%s: %v", scope, id, err)
			} else {
				out = append(out, rec)
			}
			lastID = id
			count++
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("postgres store: iterate ledgers: %w", err)
		}
		if count < listBatchSize {
			return out, nil
		}
	}
}

func (s *PostgresStore) fullTableName(name string) string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdent(name)
	}
	return quoteIdent(s.cfg.Schema) + "." + quoteIdent(name)
}

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
