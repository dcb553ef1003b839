// Package publish delivers aggregated metric sets: a pull HTTP endpoint, a
// textfile-collector file and a Pushgateway push.
package publish

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/blikh/awg-exporter/internal/aggregator"
	"github.com/blikh/awg-exporter/internal/metrics"
)

// ErrDeliveryFailed marks errors from an adapter that could not hand the
// metric set to its destination. The next cycle tries again.
var ErrDeliveryFailed = errors.New("delivery failed")

// Publisher hands one metric set to its destination.
type Publisher interface {
	Publish(ctx context.Context, ms aggregator.MetricSet) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ms aggregator.MetricSet) error

func (f PublisherFunc) Publish(ctx context.Context, ms aggregator.MetricSet) error { return f(ctx, ms) }

// Collector holds the metric set rendered by the Prometheus adapters.
type Collector interface {
	Update(ms aggregator.MetricSet)
	Latest() (aggregator.MetricSet, bool)
}

type namedPublisher struct {
	name string
	pub  Publisher
}

// Multi fans a metric set out to several publishers in order. Every
// publisher is attempted; failures are counted per adapter and returned
// together.
type Multi struct {
	pubs   []namedPublisher
	logger *slog.Logger
}

func NewMulti(logger *slog.Logger) *Multi {
	return &Multi{logger: logger}
}

// Add appends a publisher under name, used in logs and the failure counter.
func (m *Multi) Add(name string, p Publisher) *Multi {
	m.pubs = append(m.pubs, namedPublisher{name: name, pub: p})
	return m
}

func (m *Multi) Publish(ctx context.Context, ms aggregator.MetricSet) error {
	var result *multierror.Error
	for _, p := range m.pubs {
		if err := p.pub.Publish(ctx, ms); err != nil {
			metrics.DeliveryFailures.WithLabelValues(p.name).Inc()
			m.logger.Error("publish: delivery failed", "adapter", p.name, "err", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
