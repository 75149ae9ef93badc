package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/label"
	"github.com/sells-group/pattern-search/internal/model"
	"github.com/sells-group/pattern-search/pkg/anthropic"
)

// BatchOptions configures the bulk-job strategy.
type BatchOptions struct {
	// Attempts is the number of times the whole job is submitted when it
	// fails as a unit (create error, expiry, poll timeout). Default 1.
	Attempts int
	// ResumeBatchID re-attaches to an already submitted job instead of
	// creating one on the first attempt.
	ResumeBatchID string
	PollOptions   []anthropic.PollOption
	Metrics       *Metrics
}

// BatchStrategy submits every job in one Message Batches request, polls it
// to completion and demultiplexes the results by custom ID.
type BatchStrategy struct {
	client   anthropic.Client
	provider *label.AnthropicProvider
	opts     BatchOptions
}

// NewBatchStrategy creates a BatchStrategy. The provider supplies the model,
// prompt and image encoding so batch requests match live ones.
func NewBatchStrategy(client anthropic.Client, provider *label.AnthropicProvider, opts BatchOptions) *BatchStrategy {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &BatchStrategy{client: client, provider: provider, opts: opts}
}

// Mode implements Strategy.
func (s *BatchStrategy) Mode() model.RunMode { return model.RunModeBatch }

// Run implements Strategy. Items whose request cannot be built are failed
// immediately. If the job never completes, pending items get no record so
// a later run (or --resume-batch) can pick them up.
func (s *BatchStrategy) Run(ctx context.Context, jobs []Job, sink Sink) ([]model.LabelRecord, error) {
	var records []model.LabelRecord
	record := func(rec model.LabelRecord) error {
		if err := sink.Record(context.WithoutCancel(ctx), rec, 1); err != nil {
			return eris.Wrapf(err, "enrich: record %s", rec.ItemKey)
		}
		records = append(records, rec)
		return nil
	}

	byID := make(map[string]Job, len(jobs))
	order := make([]string, 0, len(jobs))
	var requests []anthropic.BatchRequestItem
	for _, job := range jobs {
		id := uniqueCustomID(job.Item.ItemKey, byID)
		req, err := s.provider.BuildBatchItem(id, job.Image)
		if err != nil {
			zap.L().Warn("enrich: cannot build batch request", zap.String("sku", job.Item.ItemKey), zap.Error(err))
			if err := record(failedRecord(job.Item, "", err)); err != nil {
				return records, err
			}
			continue
		}
		byID[id] = job
		order = append(order, id)
		requests = append(requests, req)
	}
	if len(requests) == 0 {
		return records, nil
	}

	var (
		collected *anthropic.BatchCollectResult
		lastErr   error
	)
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if ctx.Err() != nil {
			return records, eris.Wrap(ctx.Err(), "enrich: batch run interrupted")
		}
		resumeID := ""
		if attempt == 1 {
			resumeID = s.opts.ResumeBatchID
		}
		collected, lastErr = s.runJob(ctx, requests, resumeID, sink)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return records, lastErr
		}
		zap.L().Warn("enrich: batch job failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.opts.Attempts),
			zap.Error(lastErr),
		)
	}

	if lastErr != nil {
		zap.L().Error("enrich: batch job exhausted attempts", zap.Int("items", len(order)), zap.Error(lastErr))
		for _, id := range order {
			if err := record(failedRecord(byID[id].Item, "", lastErr)); err != nil {
				return records, err
			}
		}
		return records, nil
	}

	failures := make(map[string]anthropic.BatchFailure, len(collected.Failures))
	for _, f := range collected.Failures {
		failures[f.CustomID] = f
	}
	for _, id := range order {
		job := byID[id]
		if err := record(s.resolve(job, id, collected.Succeeded[id], failures)); err != nil {
			return records, err
		}
	}
	return records, nil
}

func (s *BatchStrategy) resolve(job Job, id string, msg *anthropic.MessageResponse, failures map[string]anthropic.BatchFailure) model.LabelRecord {
	if msg != nil {
		raw := msg.Text()
		labels, err := label.ParseLabels(raw)
		if err != nil {
			return failedRecord(job.Item, raw, err)
		}
		return successRecord(job.Item, labels, raw)
	}
	if f, ok := failures[id]; ok {
		reason := f.Type
		if f.Error != "" {
			reason = fmt.Sprintf("%s: %s", f.Type, f.Error)
		}
		return failedRecord(job.Item, "", eris.Errorf("enrich: batch item %s", reason))
	}
	return failedRecord(job.Item, "", eris.New("enrich: item missing from batch output"))
}

// runJob creates (or re-attaches to) one job, polls it to completion and
// collects its results.
func (s *BatchStrategy) runJob(ctx context.Context, requests []anthropic.BatchRequestItem, resumeID string, sink Sink) (*anthropic.BatchCollectResult, error) {
	batchID := resumeID
	if batchID == "" {
		resp, err := s.client.CreateBatch(ctx, anthropic.BatchRequest{Requests: requests})
		if err != nil {
			return nil, eris.Wrap(err, "enrich: create batch")
		}
		batchID = resp.ID
		zap.L().Info("enrich: batch submitted", zap.String("batch_id", batchID), zap.Int("requests", len(requests)))
	} else {
		zap.L().Info("enrich: resuming batch", zap.String("batch_id", batchID))
	}
	if err := sink.BatchSubmitted(context.WithoutCancel(ctx), batchID); err != nil {
		return nil, eris.Wrap(err, "enrich: save batch id")
	}

	start := time.Now()
	opts := append([]anthropic.PollOption{anthropic.WithPollObserver(func(b *anthropic.BatchResponse) {
		zap.L().Info("enrich: batch in progress",
			zap.String("batch_id", b.ID),
			zap.Int64("processing", b.RequestCounts.Processing),
			zap.Int64("succeeded", b.RequestCounts.Succeeded),
			zap.Int64("errored", b.RequestCounts.Errored),
			zap.Duration("elapsed", time.Since(start)),
		)
	})}, s.opts.PollOptions...)

	batch, err := anthropic.PollBatch(ctx, s.client, batchID, opts...)
	if err != nil {
		return nil, err
	}

	iter, err := s.client.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: get results for batch %s", batch.ID)
	}
	collected, err := anthropic.CollectBatchResultsDetailed(iter)
	if err != nil {
		return nil, err
	}
	s.opts.Metrics.observeAttempt(time.Since(start).Seconds())

	zap.L().Info("enrich: batch complete",
		zap.String("batch_id", batch.ID),
		zap.Int("succeeded", len(collected.Succeeded)),
		zap.Int("failed", len(collected.Failures)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return collected, nil
}

// uniqueCustomID sanitises key and disambiguates collisions with a numeric
// suffix, keeping the 64-character limit.
func uniqueCustomID(key string, taken map[string]Job) string {
	base := label.CustomID(key)
	id := base
	for n := 2; ; n++ {
		if _, ok := taken[id]; !ok {
			return id
		}
		suffix := fmt.Sprintf("_%d", n)
		trimmed := base
		if len(trimmed)+len(suffix) > 64 {
			trimmed = trimmed[:64-len(suffix)]
		}
		id = trimmed + suffix
	}
}
