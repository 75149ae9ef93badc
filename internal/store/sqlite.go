package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pattern-search/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	item_count INTEGER NOT NULL DEFAULT 0,
	summary    TEXT NOT NULL DEFAULT '{}',
	batch_id   TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_items (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	item_key     TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	labels       TEXT NOT NULL DEFAULT '[]',
	raw_response TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (run_id, item_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_batch_id ON runs(batch_id);
CREATE INDEX IF NOT EXISTS idx_run_items_status ON run_items(run_id, status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, mode model.RunMode, itemCount int) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, status, item_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(mode), string(model.RunStatusRunning), itemCount, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Mode:      mode,
		Status:    model.RunStatusRunning,
		ItemCount: itemCount,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) SetRunBatch(ctx context.Context, runID, batchID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET batch_id = ?, updated_at = ? WHERE id = ?`,
		batchID, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set batch for run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary model.RunSummary, runErr string) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), string(summaryJSON), runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const sqliteRunColumns = `id, mode, status, item_count, summary, batch_id, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) FindRunByBatch(ctx context.Context, batchID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRunColumns+` FROM runs WHERE batch_id = ? ORDER BY created_at DESC LIMIT 1`,
		batchID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find run for batch %s", batchID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Mode != "" {
		query += ` AND mode = ?`
		args = append(args, string(filter.Mode))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RecordItems(ctx context.Context, items []model.RunItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record items")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_items (run_id, item_key, status, attempts, labels, raw_response, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, item_key) DO UPDATE SET
		   status = excluded.status, attempts = excluded.attempts, labels = excluded.labels,
		   raw_response = excluded.raw_response, error = excluded.error, created_at = excluded.created_at`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare record items")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, it := range items {
		labelsJSON, err := marshalLabels(it.Labels)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			it.RunID, it.ItemKey, string(it.Status), it.Attempts, labelsJSON, it.RawResponse, it.Error, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: record item %s", it.ItemKey)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record items")
}

func (s *SQLiteStore) ListItems(ctx context.Context, runID string) ([]model.RunItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, item_key, status, attempts, labels, raw_response, error, created_at
		 FROM run_items WHERE run_id = ? ORDER BY item_key`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items for run %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var items []model.RunItem
	for rows.Next() {
		var it model.RunItem
		var labelsJSON string
		if err := rows.Scan(&it.RunID, &it.ItemKey, &it.Status, &it.Attempts, &labelsJSON, &it.RawResponse, &it.Error, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		if err := json.Unmarshal([]byte(labelsJSON), &it.Labels); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal labels")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func marshalLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal labels")
	}
	return string(b), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON string

	err := row.Scan(&r.ID, &r.Mode, &r.Status, &r.ItemCount, &summaryJSON, &r.BatchID, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if err := json.Unmarshal([]byte(summaryJSON), &r.Summary); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal summary")
	}
	return &r, nil
}
