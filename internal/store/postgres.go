package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pattern-search/internal/db"
	"github.com/sells-group/pattern-search/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	item_count INTEGER NOT NULL DEFAULT 0,
	summary    JSONB NOT NULL DEFAULT '{}',
	batch_id   TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_items (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	item_key     TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	labels       JSONB NOT NULL DEFAULT '[]',
	raw_response TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, item_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_batch_id ON runs(batch_id);
CREATE INDEX IF NOT EXISTS idx_run_items_status ON run_items(run_id, status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, mode model.RunMode, itemCount int) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, mode, status, item_count, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, string(mode), string(model.RunStatusRunning), itemCount, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) SetRunBatch(ctx context.Context, runID, batchID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET batch_id = $1, updated_at = $2 WHERE id = $3`,
		batchID, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set batch for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary model.RunSummary, runErr string) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(status), summaryJSON, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

const postgresRunColumns = `id, mode, status, item_count, summary, batch_id, error, created_at, updated_at`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+postgresRunColumns+` FROM runs WHERE id = $1`,
		runID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) FindRunByBatch(ctx context.Context, batchID string) (*model.Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+postgresRunColumns+` FROM runs WHERE batch_id = $1 ORDER BY created_at DESC LIMIT 1`,
		batchID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find run for batch %s", batchID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + postgresRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Mode != "" {
		query += fmt.Sprintf(` AND mode = $%d`, argIdx)
		args = append(args, string(filter.Mode))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: list runs")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

var runItemColumns = []string{"run_id", "item_key", "status", "attempts", "labels", "raw_response", "error", "created_at"}

// RecordItems upserts a single item directly and larger sets through a
// COPY-backed bulk upsert.
func (s *PostgresStore) RecordItems(ctx context.Context, items []model.RunItem) error {
	if len(items) == 0 {
		return nil
	}
	now := time.Now().UTC()

	rows := make([][]any, 0, len(items))
	for _, it := range items {
		labelsJSON, err := marshalLabels(it.Labels)
		if err != nil {
			return err
		}
		rows = append(rows, []any{it.RunID, it.ItemKey, string(it.Status), it.Attempts, labelsJSON, it.RawResponse, it.Error, now})
	}

	if len(rows) == 1 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO run_items (run_id, item_key, status, attempts, labels, raw_response, error, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (run_id, item_key) DO UPDATE SET
			   status = EXCLUDED.status, attempts = EXCLUDED.attempts, labels = EXCLUDED.labels,
			   raw_response = EXCLUDED.raw_response, error = EXCLUDED.error, created_at = EXCLUDED.created_at`,
			rows[0]...,
		)
		return eris.Wrapf(err, "postgres: record item %s", items[0].ItemKey)
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "run_items",
		Columns:      runItemColumns,
		ConflictKeys: []string{"run_id", "item_key"},
	}, rows)
	return eris.Wrap(err, "postgres: record items")
}

func (s *PostgresStore) ListItems(ctx context.Context, runID string) ([]model.RunItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, item_key, status, attempts, labels, raw_response, error, created_at
		 FROM run_items WHERE run_id = $1 ORDER BY item_key`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items for run %s", runID)
	}
	defer rows.Close()

	var items []model.RunItem
	for rows.Next() {
		var it model.RunItem
		var status string
		var labelsJSON []byte
		if err := rows.Scan(&it.RunID, &it.ItemKey, &status, &it.Attempts, &labelsJSON, &it.RawResponse, &it.Error, &it.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		it.Status = model.LabelStatus(status)
		if err := json.Unmarshal(labelsJSON, &it.Labels); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal labels")
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func scanPostgresRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var mode, status string
	var summaryJSON []byte

	err := row.Scan(&r.ID, &mode, &status, &r.ItemCount, &summaryJSON, &r.BatchID, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	r.Mode = model.RunMode(mode)
	r.Status = model.RunStatus(status)
	if len(summaryJSON) > 0 {
		if err := json.Unmarshal(summaryJSON, &r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}
