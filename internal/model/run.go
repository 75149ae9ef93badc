package model

import "time"

// RunStatus represents the current state of an enrichment run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusCanceled RunStatus = "canceled"
)

// RunMode names the strategy used to label a run's items.
type RunMode string

const (
	RunModeSync  RunMode = "sync"
	RunModeBatch RunMode = "batch"
)

// Run is one pass of the enrichment orchestrator over a list of items.
type Run struct {
	ID        string     `json:"id"`
	Mode      RunMode    `json:"mode"`
	Status    RunStatus  `json:"status"`
	ItemCount int        `json:"item_count"`
	Summary   RunSummary `json:"summary"`
	BatchID   string     `json:"batch_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RunSummary tallies the outcome of a run.
type RunSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Resumed   int `json:"resumed"` // already labeled in a previous run
}

// Add counts one record.
func (s *RunSummary) Add(r LabelRecord) {
	switch r.Status {
	case LabelStatusSuccess:
		s.Succeeded++
	case LabelStatusFailed:
		s.Failed++
	case LabelStatusSkipped:
		s.Skipped++
	}
}

// RunItem is the audit row for one item within a run.
type RunItem struct {
	RunID       string      `json:"run_id"`
	ItemKey     string      `json:"item_key"`
	Status      LabelStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	Labels      []string    `json:"labels,omitempty"`
	RawResponse string      `json:"raw_response,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
