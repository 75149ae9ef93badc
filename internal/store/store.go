// Package store persists the audit trail of enrichment runs. The label log
// remains the source of truth for labels; the store records which run
// produced which outcome and how many attempts it took.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pattern-search/internal/model"
)

// ErrNotFound is returned (wrapped) when a run does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Mode   model.RunMode   `json:"mode,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for enrichment runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, mode model.RunMode, itemCount int) (*model.Run, error)
	SetRunBatch(ctx context.Context, runID, batchID string) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary model.RunSummary, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	FindRunByBatch(ctx context.Context, batchID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Items; a second record for the same run and key replaces the first.
	RecordItems(ctx context.Context, items []model.RunItem) error
	ListItems(ctx context.Context, runID string) ([]model.RunItem, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store selected by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

// ItemFromRecord builds the audit row for a label record.
func ItemFromRecord(runID string, rec model.LabelRecord, attempts int) model.RunItem {
	return model.RunItem{
		RunID:       runID,
		ItemKey:     rec.ItemKey,
		Status:      rec.Status,
		Attempts:    attempts,
		Labels:      rec.Labels,
		RawResponse: rec.RawResponse,
		Error:       rec.Error,
	}
}
