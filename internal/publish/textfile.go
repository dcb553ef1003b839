package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blikh/awg-exporter/internal/aggregator"
)

// Textfile writes the registry to a file for node_exporter's textfile
// collector. The file is replaced atomically.
type Textfile struct {
	path      string
	collector Collector
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
}

func NewTextfile(path string, c Collector, g prometheus.Gatherer, logger *slog.Logger) *Textfile {
	return &Textfile{path: path, collector: c, gatherer: g, logger: logger}
}

func (t *Textfile) Publish(_ context.Context, ms aggregator.MetricSet) error {
	t.collector.Update(ms)

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("publish: textfile dir: %w: %w", ErrDeliveryFailed, err)
	}
	if err := prometheus.WriteToTextfile(t.path, t.gatherer); err != nil {
		return fmt.Errorf("publish: textfile %s: %w: %w", t.path, ErrDeliveryFailed, err)
	}
	t.logger.Debug("publish: metrics file updated", "path", t.path)
	return nil
}
