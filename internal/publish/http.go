package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blikh/awg-exporter/internal/aggregator"
)

const landingPage = `<html>
<head><title>AmneziaWG Exporter</title></head>
<body>
<h1>AmneziaWG Exporter</h1>
<p><a href="/metrics">Metrics</a></p>
<p><a href="/healthz">Health</a></p>
</body>
</html>
`

// HTTPServer serves the last published metric set for Prometheus to scrape.
// Reads between two Publish calls return identical values.
type HTTPServer struct {
	listen    string
	collector Collector
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

func NewHTTPServer(listen string, c Collector, g prometheus.Gatherer, logger *slog.Logger) *HTTPServer {
	return &HTTPServer{listen: listen, collector: c, gatherer: g, logger: logger}
}

// Publish swaps in the new set; it never fails.
func (s *HTTPServer) Publish(_ context.Context, ms aggregator.MetricSet) error {
	s.collector.Update(ms)
	return nil
}

// Handler returns the router serving /metrics, /healthz and a landing page.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(landingPage))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}))
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	ms, ok := s.collector.Latest()
	switch {
	case !ok:
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no scrape completed yet\n"))
	case !ms.Status:
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "degraded, last scrape %s\n", ms.Timestamp.UTC().Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "ok, last scrape %s\n", ms.Timestamp.UTC().Format(time.RFC3339))
	}
}

// Run listens on the configured address until ctx is done, then shuts down
// with a short grace period.
func (s *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("publish: listen %s: %w", s.listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("publish: metrics server started", "listen", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("publish: serve: %w", err)
	}
	return nil
}
