// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPostgresStore(db, PostgresStoreConfig{Schema: "kilo"}), mock
}

func TestPostgresSaveLedger(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := LedgerRecord{Scope: "task", ID: "t1", Allocated: 1000, Consumed: 10, ByCategory: map[string]int64{"reasoning": 10}, State: "open", UpdatedAt: at}

	mock.ExpectExec(`INSERT INTO "kilo"."budget_ledgers" (scope, id, content, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (scope, id) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`).
		WithArgs("task", "t1", sqlmock.AnyArg(), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveLedger(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadLedger(t *testing.T) {
	s, mock := newMockStore(t)
	query := `SELECT content FROM "kilo"."budget_ledgers" WHERE scope = $1 AND id = $2`

	mock.ExpectQuery(query).WithArgs("session", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow(`{"scope":"session","id":"s1","allocated":5000,"consumed":42,"by_category":{"context":42},"state":"open"}`))
	mock.ExpectQuery(query).WithArgs("session", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"content"}))

	rec, err := s.LoadLedger(context.Background(), "session", "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.Consumed)
	assert.Equal(t, map[string]int64{"context": 42}, rec.ByCategory)

	_, err = s.LoadLedger(context.Background(), "session", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListLedgers_Pagination(t *testing.T) {
	s, mock := newMockStore(t)

	// 101 rows: a full first page and a one-row second page keyed after the last id.
	rows1 := sqlmock.NewRows([]string{"id", "content"})
	for i := 1; i <= 100; i++ {
		id := fmt.Sprintf("t%03d", i)
		rows1.AddRow(id, fmt.Sprintf(`{"scope":"task","id":"%s","state":"completed"}`, id))
	}
	rows2 := sqlmock.NewRows([]string{"id", "content"}).
		AddRow("t101", `{"scope":"task","id":"t101","state":"open"}`).
		AddRow("t102", `not json`)

	mock.ExpectQuery(`SELECT id, content FROM "kilo"."budget_ledgers" WHERE scope = $1 ORDER BY id LIMIT 100`).
		WithArgs("task").WillReturnRows(rows1)
	mock.ExpectQuery(`SELECT id, content FROM "kilo"."budget_ledgers" WHERE scope = $1 AND id > $2 ORDER BY id LIMIT 100`).
		WithArgs("task", "t100").WillReturnRows(rows2)

	recs, err := s.ListLedgers(context.Background(), "task")
	require.NoError(t, err)
	assert.Len(t, recs, 101, "undecodable rows are skipped")
	assert.Equal(t, "t101", recs[100].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "kilo"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		scope TEXT NOT NULL,
		id TEXT NOT NULL,
		content JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (scope, id)
	)`, s.fullTableName("budget_ledgers"))).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"a""b"`, quoteIdent(`a"b`))
	s := newPostgresStore(nil, PostgresStoreConfig{LedgerTable: "l"})
	assert.Equal(t, `"l"`, s.fullTableName("l"))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := LedgerRecord{Scope: "task", ID: "b", ByCategory: map[string]int64{"generation": 5}}
	require.NoError(t, s.SaveLedger(ctx, rec))
	require.NoError(t, s.SaveLedger(ctx, LedgerRecord{Scope: "task", ID: "a"}))
	rec.ByCategory["generation"] = 99

	got, err := s.LoadLedger(ctx, "task", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ByCategory["generation"], "stored record is a copy")

	list, err := s.ListLedgers(ctx, "task")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	_, err = s.LoadLedger(ctx, "process", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
