package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/blikh/awg-exporter/internal/aggregator"
)

// PushOptions configures the Pushgateway target.
type PushOptions struct {
	URL      string
	Job      string
	Instance string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration
}

// Pusher replaces the exporter's group on a Pushgateway with every set.
type Pusher struct {
	pusher    *push.Pusher
	collector Collector
	target    string
	logger    *slog.Logger
}

type bearerDoer struct {
	token  string
	client *http.Client
}

func (d bearerDoer) Do(req *http.Request) (*http.Response, error) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	return d.client.Do(req)
}

func NewPusher(opts PushOptions, c Collector, g prometheus.Gatherer, logger *slog.Logger) *Pusher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := push.New(opts.URL, opts.Job).
		Gatherer(g).
		Client(bearerDoer{token: opts.Token, client: &http.Client{Timeout: timeout}})
	if opts.Instance != "" {
		p = p.Grouping("instance", opts.Instance)
	}
	return &Pusher{pusher: p, collector: c, target: opts.URL, logger: logger}
}

func (p *Pusher) Publish(ctx context.Context, ms aggregator.MetricSet) error {
	p.collector.Update(ms)
	if err := p.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("publish: push to %s: %w: %w", p.target, ErrDeliveryFailed, err)
	}
	p.logger.Debug("publish: metrics pushed", "url", p.target)
	return nil
}
