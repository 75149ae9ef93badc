package assets

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/pattern-search/internal/resilience"
)

// maxImageBytes bounds a single download.
const maxImageBytes = 32 << 20

// HTTPOptions configures the image downloader.
type HTTPOptions struct {
	UserAgent         string
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	InitialBackoff    time.Duration
	Client            *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("assets: reducing download rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Downloader fetches image bytes over HTTP with per-host adaptive rate
// limiting and retry on 429, 5xx and transport errors.
type Downloader struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewDownloader creates a Downloader with the given options.
func NewDownloader(opts HTTPOptions) *Downloader {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "pattern-search/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				MaxConnsPerHost:     64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Downloader{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (d *Downloader) limiterFor(host string) *AdaptiveLimiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[host]
	if !ok {
		burst := max(int(d.opts.RequestsPerSecond), 1)
		lim = NewAdaptiveLimiter(rate.Limit(d.opts.RequestsPerSecond), burst)
		d.limiters[host] = lim
	}
	return lim
}

// Get downloads rawURL and returns the body. Non-2xx responses that are not
// retryable fail immediately.
func (d *Downloader) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "assets: parse url %s", rawURL)
	}
	lim := d.limiterFor(u.Host)

	cfg := resilience.RetryConfig{
		MaxAttempts:    d.opts.MaxRetries,
		InitialBackoff: d.opts.InitialBackoff,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.25,
		OnRetry:        resilience.RetryLogger("assets", "download", zap.String("url", rawURL)),
	}

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "assets: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "assets: create request")
		}
		req.Header.Set("User-Agent", d.opts.UserAgent)
		req.Header.Set("Accept", "image/*")

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "assets: request"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			statusErr := eris.Errorf("assets: unexpected status %d from %s", resp.StatusCode, rawURL)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "assets: read body"), 0)
		}
		if len(data) > maxImageBytes {
			return nil, eris.Errorf("assets: image larger than %d bytes", maxImageBytes)
		}
		lim.OnSuccess()
		return data, nil
	})
}
