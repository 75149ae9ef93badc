package enrich

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/assets"
	"github.com/sells-group/pattern-search/internal/label"
	"github.com/sells-group/pattern-search/internal/labellog"
	"github.com/sells-group/pattern-search/internal/model"
	"github.com/sells-group/pattern-search/internal/store"
)

// Options configures an Orchestrator.
type Options struct {
	// Store records run bookkeeping. Nil disables it.
	Store store.Store
	// Fetcher downloads assets before labeling. Nil labels the remote
	// image URLs directly.
	Fetcher          *assets.Fetcher
	FetchConcurrency int
	// Resume skips items whose latest log record is a success.
	Resume  bool
	Metrics *Metrics
}

// Orchestrator runs one pass of a Strategy over a list of items.
type Orchestrator struct {
	strategy Strategy
	log      *labellog.Writer
	opts     Options
}

// New creates an Orchestrator writing records to log.
func New(strategy Strategy, log *labellog.Writer, opts Options) *Orchestrator {
	return &Orchestrator{strategy: strategy, log: log, opts: opts}
}

// Result is the outcome of one pass.
type Result struct {
	Run     *model.Run
	Records []model.LabelRecord
	Summary model.RunSummary
	BatchID string // last bulk job submitted, if any
}

// Run processes items and returns every record written in this pass. An
// error is returned only when the pass could not complete (interrupted, or
// the log could not be written); per-item failures are records.
func (o *Orchestrator) Run(ctx context.Context, items []model.CatalogItem) (*Result, error) {
	start := time.Now()
	res := &Result{}

	pending, err := o.pending(items, &res.Summary)
	if err != nil {
		return nil, err
	}

	sink := &runSink{log: o.log, store: o.opts.Store, metrics: o.opts.Metrics}
	if o.opts.Store != nil {
		run, err := o.opts.Store.CreateRun(ctx, o.strategy.Mode(), len(pending))
		if err != nil {
			return nil, eris.Wrap(err, "enrich: create run")
		}
		res.Run = run
		sink.runID = run.ID
	}

	zap.L().Info("enrich: run started",
		zap.String("mode", string(o.strategy.Mode())),
		zap.Int("items", len(items)),
		zap.Int("pending", len(pending)),
		zap.Int("resumed", res.Summary.Resumed),
	)

	jobs, skipped, runErr := o.prepare(ctx, pending, sink)
	res.Records = append(res.Records, skipped...)

	if runErr == nil && len(jobs) > 0 {
		var recs []model.LabelRecord
		recs, runErr = o.strategy.Run(ctx, jobs, sink)
		res.Records = append(res.Records, recs...)
	}

	for _, r := range res.Records {
		res.Summary.Add(r)
	}
	sink.mu.Lock()
	res.BatchID = sink.batchID
	sink.mu.Unlock()

	status := model.RunStatusComplete
	errText := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status = model.RunStatusCanceled
		errText = runErr.Error()
	default:
		status = model.RunStatusFailed
		errText = runErr.Error()
	}

	if res.Run != nil {
		if err := o.opts.Store.FinishRun(context.WithoutCancel(ctx), res.Run.ID, status, res.Summary, errText); err != nil {
			zap.L().Error("enrich: finish run", zap.String("run_id", res.Run.ID), zap.Error(err))
		}
		res.Run.Status = status
		res.Run.Summary = res.Summary
		res.Run.Error = errText
		res.Run.BatchID = res.BatchID
	}

	zap.L().Info("enrich: run finished",
		zap.String("status", string(status)),
		zap.Int("succeeded", res.Summary.Succeeded),
		zap.Int("failed", res.Summary.Failed),
		zap.Int("skipped", res.Summary.Skipped),
		zap.Int("resumed", res.Summary.Resumed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, runErr
}

func (o *Orchestrator) pending(items []model.CatalogItem, summary *model.RunSummary) ([]model.CatalogItem, error) {
	if !o.opts.Resume {
		return items, nil
	}
	done, err := labellog.SucceededKeys(o.log.Path())
	if err != nil {
		return nil, eris.Wrap(err, "enrich: read label log")
	}
	out := make([]model.CatalogItem, 0, len(items))
	for _, it := range items {
		if done[it.ItemKey] {
			summary.Resumed++
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// prepare turns items into jobs. With a fetcher, items whose asset cannot
// be fetched are recorded as skipped and left out.
func (o *Orchestrator) prepare(ctx context.Context, items []model.CatalogItem, sink Sink) ([]Job, []model.LabelRecord, error) {
	if o.opts.Fetcher == nil {
		jobs := make([]Job, 0, len(items))
		for _, it := range items {
			jobs = append(jobs, Job{Item: it, Image: label.FromURL(it.ImageURI)})
		}
		return jobs, nil, nil
	}

	fetched, err := o.opts.Fetcher.FetchAll(ctx, items, o.opts.FetchConcurrency)
	if err != nil {
		return nil, nil, eris.Wrap(err, "enrich: fetch assets")
	}
	if ctx.Err() != nil {
		return nil, nil, eris.Wrap(ctx.Err(), "enrich: fetch interrupted")
	}

	failed := make(map[string]error, len(fetched.Errors))
	for _, fe := range fetched.Errors {
		failed[fe.ItemKey] = fe
	}

	var (
		jobs    []Job
		skipped []model.LabelRecord
	)
	for _, it := range items {
		if asset, ok := fetched.Assets[it.ItemKey]; ok {
			jobs = append(jobs, Job{Item: it, Image: label.FromFile(asset.LocalPath)})
			continue
		}
		rec := model.LabelRecord{
			ItemKey:   it.ItemKey,
			SourceURL: it.SourceDetailURL,
			Status:    model.LabelStatusSkipped,
		}
		if err := failed[it.ItemKey]; err != nil {
			rec.Error = err.Error()
		}
		if err := sink.Record(context.WithoutCancel(ctx), rec, 0); err != nil {
			return nil, skipped, err
		}
		skipped = append(skipped, rec)
	}
	return jobs, skipped, nil
}

// runSink appends each record to the label log, then mirrors it into the
// store and metrics. Store failures are logged; the log is authoritative.
type runSink struct {
	log     *labellog.Writer
	store   store.Store
	runID   string
	metrics *Metrics

	mu      sync.Mutex
	batchID string
}

func (s *runSink) Record(ctx context.Context, rec model.LabelRecord, attempts int) error {
	if err := s.log.Append(ctx, rec); err != nil {
		return eris.Wrap(err, "enrich: append label log")
	}
	s.metrics.observeRecord(rec.Status)

	if s.store != nil && s.runID != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.store.RecordItems(ctx, []model.RunItem{store.ItemFromRecord(s.runID, rec, attempts)}); err != nil {
			zap.L().Warn("enrich: record run item", zap.String("sku", rec.ItemKey), zap.Error(err))
		}
	}
	return nil
}

func (s *runSink) BatchSubmitted(ctx context.Context, batchID string) error {
	s.mu.Lock()
	s.batchID = batchID
	s.mu.Unlock()
	if s.store == nil || s.runID == "" {
		return nil
	}
	return s.store.SetRunBatch(ctx, s.runID, batchID)
}
