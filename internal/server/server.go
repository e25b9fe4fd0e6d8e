package server

import (
	"context"
	_ "embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zgpcy/github-billing-exporter/internal/collector"
	"github.com/zgpcy/github-billing-exporter/internal/config"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
)

//go:embed templates/index.html
var indexTemplate string

var indexTmpl = template.Must(template.New("index").Parse(indexTemplate))

// HTTP server timeout constants
const (
	DefaultReadTimeout  = 15 * time.Second // Maximum duration for reading the entire request
	DefaultWriteTimeout = 15 * time.Second // Maximum duration before timing out writes of the response
	DefaultIdleTimeout  = 60 * time.Second // Maximum amount of time to wait for the next request
)

// unmatchedPath labels requests that hit no route
const unmatchedPath = "unmatched"

// loopRow is one line of the loop table on the index page
type loopRow struct {
	Name      string
	Cycles    int
	LastCycle string
	Duration  string
	Items     int
	Failures  int
	LastError string
}

// indexPageData holds template data for the index page
type indexPageData struct {
	StatusClass              string
	StatusText               string
	LastCycle                string
	Loops                    []loopRow
	Repositories             []string
	Organisations            []string
	WorkflowsRefreshInterval int
	PollInterval             int
}

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	status   *collector.Status
	gatherer prometheus.Gatherer
	cfg      *config.Config
	logger   *logger.Logger

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewServer creates a new HTTP server serving the metrics of reg
func NewServer(cfg *config.Config, status *collector.Status, reg *prometheus.Registry, log *logger.Logger) (*Server, error) {
	s := &Server{
		status:   status,
		gatherer: reg,
		cfg:      cfg,
		logger:   log,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Number of HTTP requests made.",
			},
			[]string{"status_code", "path"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "The HTTP request latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	for _, c := range []prometheus.Collector{s.requestsTotal, s.requestDuration} {
		if err := reg.Register(c); err != nil {
			return nil, goerr.Wrap(err, "failed to register HTTP metric")
		}
	}

	s.server = &http.Server{
		Addr:         cfg.Bind,
		Handler:      s.routes(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}

	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// instrument records request count and latency by route
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrw, r)

		path := unmatchedPath
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		// 0 status means one has not yet been sent in which case net/http library will write StatusOK
		status := wrw.Status()
		if status == 0 {
			status = http.StatusOK
		}

		s.requestsTotal.WithLabelValues(strconv.Itoa(status), path).Inc()
		s.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

		s.logger.Debug("Served request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return goerr.Wrap(err, "failed to start server", goerr.V("address", s.server.Addr))
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleIndex serves a simple landing page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ready := s.status.IsReady()
	statusClass := "not-ready"
	statusText := "Not Ready"
	if ready {
		statusClass = "ready"
		statusText = "Ready"
	}

	data := indexPageData{
		StatusClass:              statusClass,
		StatusText:               statusText,
		LastCycle:                formatTime(s.status.LastCycle()),
		Repositories:             s.cfg.Repositories,
		Organisations:            s.cfg.Organisations,
		WorkflowsRefreshInterval: s.cfg.WorkflowsRefreshInterval,
		PollInterval:             s.cfg.PollInterval,
	}

	for _, ls := range s.status.Loops() {
		data.Loops = append(data.Loops, loopRow{
			Name:      ls.Name,
			Cycles:    ls.Cycles,
			LastCycle: formatTime(ls.LastCycle),
			Duration:  ls.LastDuration.Round(time.Millisecond).String(),
			Items:     ls.Items,
			Failures:  ls.Failures,
			LastError: ls.LastError,
		})
	}

	w.Header().Set("Content-Type", "text/html")
	if err := indexTmpl.Execute(w, data); err != nil {
		s.logger.Error("Failed to execute index template", "error", err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}

// handleHealthz is the plain-text liveness probe
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if _, err := w.Write([]byte("OK")); err != nil {
		s.logger.Error("Failed to write healthz response", "error", err)
	}
}

// handleHealth handles health check requests (always returns 200 for liveness)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
		s.logger.Error("Failed to write health response", "error", err)
	}
}

// handleReady returns 200 once every poll loop completed its first cycle
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.status.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(`{"status":"not ready","message":"waiting for the first poll cycles"}`)); err != nil {
			s.logger.Error("Failed to write ready response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ready"}`)); err != nil {
		s.logger.Error("Failed to write ready response", "error", err)
	}
}
