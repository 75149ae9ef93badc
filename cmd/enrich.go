package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/discovery"
	"github.com/sells-group/pattern-search/internal/enrich"
	"github.com/sells-group/pattern-search/internal/labellog"
	"github.com/sells-group/pattern-search/internal/model"
	"github.com/sells-group/pattern-search/internal/resilience"
	"github.com/sells-group/pattern-search/internal/store"
	"github.com/sells-group/pattern-search/pkg/anthropic"
)

var (
	enrichItems       string
	enrichMode        string
	enrichLimit       int
	enrichConcurrency int
	enrichNoFetch     bool
	enrichResume      bool
	enrichResumeBatch string
	enrichMetricsAddr string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Label catalog images and append the results to the label log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyEnrichFlags(cmd)
		if err := cfg.Validate("enrich"); err != nil {
			return err
		}

		items, err := discovery.Load(ctx, enrichItems)
		if err != nil {
			return eris.Wrap(err, "enrich: load items")
		}
		if enrichLimit > 0 && enrichLimit < len(items) {
			items = items[:enrichLimit]
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		logw, err := labellog.Open(cfg.Enrich.LogPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := logw.Close(); err != nil {
				zap.L().Error("enrich: close label log", zap.Error(err))
			}
		}()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := enrich.NewMetrics(reg)
		if enrichMetricsAddr != "" {
			stopMetrics := serveMetrics(enrichMetricsAddr, reg)
			defer stopMetrics()
		}

		strategy, err := buildStrategy(ctx, st, metrics)
		if err != nil {
			return err
		}

		opts := enrich.Options{
			Store:            st,
			FetchConcurrency: cfg.Fetch.Concurrency,
			Resume:           enrichResume,
			Metrics:          metrics,
		}
		if !enrichNoFetch {
			opts.Fetcher = initFetcher()
		}

		res, runErr := enrich.New(strategy, logw, opts).Run(ctx, items)
		if res != nil {
			printRunSummary(res)
		}
		if runErr != nil && errors.Is(runErr, context.Canceled) && res != nil && res.BatchID != "" {
			fmt.Fprintf(os.Stderr, "interrupted; resume with --resume-batch %s\n", res.BatchID)
		}
		return runErr
	},
}

func applyEnrichFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("mode") {
		cfg.Enrich.Mode = enrichMode
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Enrich.Concurrency = enrichConcurrency
	}
	if enrichResumeBatch != "" {
		cfg.Enrich.Mode = string(model.RunModeBatch)
	}
}

func buildStrategy(ctx context.Context, st store.Store, metrics *enrich.Metrics) (enrich.Strategy, error) {
	ld, err := initLabeler()
	if err != nil {
		return nil, err
	}

	switch model.RunMode(cfg.Enrich.Mode) {
	case model.RunModeBatch:
		if ld.Provider == nil {
			return nil, eris.New("enrich: batch mode requires the anthropic provider")
		}
		if enrichResumeBatch != "" {
			if prev, err := st.FindRunByBatch(ctx, enrichResumeBatch); err == nil {
				zap.L().Info("enrich: resuming batch",
					zap.String("batch_id", enrichResumeBatch),
					zap.String("original_run", prev.ID),
				)
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
		return enrich.NewBatchStrategy(ld.Anthropic, ld.Provider, enrich.BatchOptions{
			Attempts:      cfg.Enrich.BatchAttempts,
			ResumeBatchID: enrichResumeBatch,
			PollOptions: []anthropic.PollOption{
				anthropic.WithPollTimeout(time.Duration(cfg.Enrich.BatchPollTimeout) * time.Minute),
			},
			Metrics: metrics,
		}), nil
	default:
		return enrich.NewSyncStrategy(ld.Client, enrich.SyncOptions{
			Concurrency: cfg.Enrich.Concurrency,
			Retry: resilience.FromMillis(
				cfg.Enrich.MaxAttempts,
				cfg.Enrich.InitialBackoffMs,
				cfg.Enrich.MaxBackoffMs,
				cfg.Enrich.JitterFraction,
			),
			RequestsPerMinute: cfg.Enrich.RequestsPerMinute,
			Metrics:           metrics,
		}), nil
	}
}

// serveMetrics exposes reg on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Warn("enrich: metrics listener stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printRunSummary(res *enrich.Result) {
	out := struct {
		Run     *model.Run       `json:"run,omitempty"`
		Summary model.RunSummary `json:"summary"`
	}{Run: res.Run, Summary: res.Summary}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func init() {
	enrichCmd.Flags().StringVar(&enrichItems, "items", "", "catalog item list (.csv, .json or .xlsx)")
	enrichCmd.Flags().StringVar(&enrichMode, "mode", "sync", "labeling strategy: sync or batch")
	enrichCmd.Flags().IntVar(&enrichLimit, "limit", 0, "process at most N items (0 = all)")
	enrichCmd.Flags().IntVar(&enrichConcurrency, "concurrency", 1, "concurrent labeling calls in sync mode")
	enrichCmd.Flags().BoolVar(&enrichNoFetch, "no-fetch", false, "label remote image URLs without downloading assets")
	enrichCmd.Flags().BoolVar(&enrichResume, "resume", false, "skip items whose latest log record is a success")
	enrichCmd.Flags().StringVar(&enrichResumeBatch, "resume-batch", "", "re-attach to a submitted batch job instead of creating one")
	enrichCmd.Flags().StringVar(&enrichMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	_ = enrichCmd.MarkFlagRequired("items")
	rootCmd.AddCommand(enrichCmd)
}
