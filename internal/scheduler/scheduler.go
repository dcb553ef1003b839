// Package scheduler drives scrape cycles: snapshot, aggregate, publish.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/blikh/awg-exporter/internal/aggregator"
	"github.com/blikh/awg-exporter/internal/metrics"
	"github.com/blikh/awg-exporter/internal/publish"
	"github.com/blikh/awg-exporter/internal/snapshot"
)

// State is the scheduler's position in the cycle.
type State int32

const (
	Idle State = iota
	Scraping
	Publishing
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scraping:
		return "scraping"
	case Publishing:
		return "publishing"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Aggregator builds the metric set of one cycle.
type Aggregator interface {
	Collect(ctx context.Context, res snapshot.Result, srcErr error, now time.Time) aggregator.MetricSet
}

// Config holds the cycle timing.
type Config struct {
	Interval time.Duration
	// Timeout bounds the scrape and, separately, the publish step of a cycle.
	Timeout time.Duration
}

// Scheduler runs scrape cycles one at a time.
type Scheduler struct {
	source snapshot.Source
	agg    Aggregator
	pub    publish.Publisher
	cfg    Config
	logger *slog.Logger
	clock  quartz.Clock

	state atomic.Int32
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock, for tests.
func WithClock(c quartz.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func New(source snapshot.Source, agg Aggregator, pub publish.Publisher, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		source: source,
		agg:    agg,
		pub:    pub,
		cfg:    cfg,
		logger: logger,
		clock:  quartz.NewReal(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// Run executes a cycle immediately and then one per interval until ctx is
// done. Cycles never overlap; a tick that arrives while a cycle is still
// running is dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(Terminated)

	s.logger.Info("scheduler: started", "interval", s.cfg.Interval, "timeout", s.cfg.Timeout)
	s.cycle(ctx)

	w := s.clock.TickerFunc(ctx, s.cfg.Interval, func() error {
		s.cycle(ctx)
		return nil
	}, "scheduler")
	err := w.Wait()
	s.logger.Info("scheduler: stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce executes a single cycle and terminates. It returns an error when
// the published set is degraded.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	ms := s.cycle(ctx)
	s.setState(Terminated)
	if !ms.Status {
		return fmt.Errorf("scheduler: cycle failed: %w", cycleError(ms))
	}
	return nil
}

func cycleError(ms aggregator.MetricSet) error {
	switch {
	case ms.SourceError != nil:
		return ms.SourceError
	case ms.LedgerError != nil:
		return ms.LedgerError
	case ms.TimeoutError != nil:
		return ms.TimeoutError
	default:
		return errors.New("no parsable peer records")
	}
}

func (s *Scheduler) cycle(ctx context.Context) aggregator.MetricSet {
	start := s.clock.Now()
	s.setState(Scraping)

	scrapeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	text, srcErr := s.source.Snapshot(scrapeCtx)
	var res snapshot.Result
	if srcErr != nil {
		s.logger.Error("scheduler: reading peer table failed", "err", srcErr)
	} else {
		res = snapshot.Parse(text, start)
		for _, sk := range res.Skipped {
			s.logger.Warn("scheduler: skipped malformed peer record",
				"format", res.Format, "index", sk.Index, "peer", sk.PublicKey, "reason", sk.Reason)
		}
	}

	ms := s.agg.Collect(scrapeCtx, res, srcErr, start)
	if errors.Is(scrapeCtx.Err(), context.DeadlineExceeded) {
		s.logger.Error("scheduler: cycle exceeded its timeout", "timeout", s.cfg.Timeout)
		ms.Status = false
		if ms.SourceError == nil && ms.LedgerError == nil {
			ms.TimeoutError = fmt.Errorf("cycle exceeded timeout of %s: %w", s.cfg.Timeout, scrapeCtx.Err())
		}
	}
	cancel()
	ms.ScrapeDuration = s.clock.Since(start)

	s.setState(Publishing)
	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	if err := s.pub.Publish(pubCtx, ms); err != nil {
		s.logger.Error("scheduler: publish failed", "err", err)
	}
	cancel()

	result := "ok"
	if !ms.Status {
		result = "failed"
	}
	metrics.CyclesTotal.WithLabelValues(result).Inc()
	metrics.CycleDuration.Observe(s.clock.Since(start).Seconds())
	s.logger.Debug("scheduler: cycle done",
		"status", ms.Status, "peers", len(ms.Peers), "online", ms.CurrentOnline,
		"dau", ms.DAU, "mau", ms.MAU, "duration", ms.ScrapeDuration)

	s.setState(Idle)
	return ms
}
