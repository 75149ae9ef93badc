package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pattern-search/internal/search"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP search API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		svc, err := initSearchService()
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(svc, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

type apiMetrics struct {
	queries *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	f := promauto.With(reg)
	return &apiMetrics{
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pattern_search_queries_total",
			Help: "Search queries by kind and outcome.",
		}, []string{"kind", "outcome"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pattern_search_query_duration_seconds",
			Help:    "Search query latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func (m *apiMetrics) observe(kind string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(search.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.queries.WithLabelValues(kind, outcome).Inc()
	m.latency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// newRouter builds the HTTP API. reg receives the query metrics and is
// exposed on /metrics.
func newRouter(q querier, reg *prometheus.Registry) http.Handler {
	metrics := newAPIMetrics(reg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/search", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp, err := q.Search(r.Context(), r.URL.Query().Get("q"), r.URL.Query().Get("query_by"))
		metrics.observe("term", start, err)
		if err != nil {
			writeQueryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/search/image", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL     string `json:"url"`
			QueryBy string `json:"query_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		start := time.Now()
		resp, err := q.SearchByImage(r.Context(), req.URL, req.QueryBy)
		metrics.observe("image", start, err)
		if err != nil {
			writeQueryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

// statusFor maps a query failure to an HTTP status.
func statusFor(err error) int {
	switch search.KindOf(err) {
	case search.KindInvalidImageURL, search.KindEmptyTerm:
		return http.StatusBadRequest
	case search.KindLabelingFailed:
		return http.StatusUnprocessableEntity
	case search.KindIndex, search.KindCatalog:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeQueryError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]string{"error": err.Error()}
	if kind := search.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("search request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
