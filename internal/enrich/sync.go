package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/pattern-search/internal/label"
	"github.com/sells-group/pattern-search/internal/model"
	"github.com/sells-group/pattern-search/internal/resilience"
)

const defaultCallTimeout = 2 * time.Minute

// SyncOptions configures the live per-item strategy.
type SyncOptions struct {
	Concurrency       int
	Retry             resilience.RetryConfig
	RequestsPerMinute int
	CallTimeout       time.Duration
	Metrics           *Metrics
}

// SyncStrategy labels items one live request at a time per worker, with a
// sequential backoff loop per item.
type SyncStrategy struct {
	client      *label.Client
	retry       resilience.RetryConfig
	concurrency int
	limiter     *rate.Limiter
	callTimeout time.Duration
	metrics     *Metrics
}

// NewSyncStrategy creates a SyncStrategy. Concurrency below 1 means
// strictly sequential.
func NewSyncStrategy(client *label.Client, opts SyncOptions) *SyncStrategy {
	s := &SyncStrategy{
		client:      client,
		retry:       opts.Retry,
		concurrency: max(opts.Concurrency, 1),
		callTimeout: opts.CallTimeout,
		metrics:     opts.Metrics,
	}
	if s.retry.MaxAttempts <= 0 {
		s.retry = resilience.DefaultRetryConfig()
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60), 1)
	}
	return s
}

// Mode implements Strategy.
func (s *SyncStrategy) Mode() model.RunMode { return model.RunModeSync }

// Run labels every job. Once ctx is done no new item or attempt starts.
// Calls already in flight finish; a success or a non-retryable failure is
// recorded, a retryable failure leaves the item pending for the next pass.
func (s *SyncStrategy) Run(ctx context.Context, jobs []Job, sink Sink) ([]model.LabelRecord, error) {
	var (
		mu      sync.Mutex
		results = make([]*model.LabelRecord, len(jobs))
	)

	// Item failures are recorded, never returned, so one item cannot cancel
	// the others.
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rec, attempts := s.labelItem(ctx, job)
			if attempts == 0 {
				return nil
			}
			if err := sink.Record(context.WithoutCancel(ctx), rec, attempts); err != nil {
				return eris.Wrapf(err, "enrich: record %s", job.Item.ItemKey)
			}
			mu.Lock()
			results[i] = &rec
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	records := make([]model.LabelRecord, 0, len(jobs))
	for _, r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}
	if err != nil {
		return records, err
	}
	if ctx.Err() != nil {
		return records, eris.Wrap(ctx.Err(), "enrich: sync run interrupted")
	}
	return records, nil
}

// labelItem runs the retry loop for one job. It returns the terminal record
// and the number of requests sent; zero means the item has no record, either
// because it never started or because cancellation cut its retries short.
func (s *SyncStrategy) labelItem(ctx context.Context, job Job) (model.LabelRecord, int) {
	key := job.Item.ItemKey
	attempts := 0
	var (
		raw     string
		lastErr error
	)

	cfg := s.retry
	cfg.ShouldRetry = label.Retryable
	cfg.OnRetry = resilience.RetryLogger("enrich", "label", zap.String("sku", key))

	labels, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]string, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "enrich: rate limiter wait")
			}
		}
		attempts++

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
		defer cancel()

		start := time.Now()
		labels, r, err := s.client.Label(callCtx, job.Image)
		s.metrics.observeAttempt(time.Since(start).Seconds())
		raw = r
		lastErr = err
		return labels, err
	})
	if attempts == 0 {
		return model.LabelRecord{}, 0
	}
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		if ctx.Err() != nil && label.Retryable(err) && attempts < cfg.MaxAttempts {
			zap.L().Warn("enrich: item interrupted, left pending",
				zap.String("sku", key),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return model.LabelRecord{}, 0
		}
		zap.L().Error("enrich: item failed",
			zap.String("sku", key),
			zap.Int("attempts", attempts),
			zap.String("kind", string(label.KindOf(err))),
			zap.Error(err),
		)
		return failedRecord(job.Item, raw, err), attempts
	}

	zap.L().Debug("enrich: item labeled",
		zap.String("sku", key),
		zap.Int("attempts", attempts),
		zap.Strings("labels", labels),
	)
	return successRecord(job.Item, labels, raw), attempts
}
