package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blikh/awg-exporter/internal/aggregator"
	"github.com/blikh/awg-exporter/internal/clients"
	"github.com/blikh/awg-exporter/internal/config"
	"github.com/blikh/awg-exporter/internal/ledger"
	"github.com/blikh/awg-exporter/internal/metrics"
	"github.com/blikh/awg-exporter/internal/observer"
	"github.com/blikh/awg-exporter/internal/publish"
	"github.com/blikh/awg-exporter/internal/scheduler"
	"github.com/blikh/awg-exporter/internal/snapshot"
	"github.com/blikh/awg-exporter/internal/statsdb"
	"github.com/blikh/awg-exporter/internal/telegram"
)

// redisStartupWait bounds how long startup waits for Redis before the first
// cycle runs anyway and reports the ledger as unreachable.
const redisStartupWait = 30 * time.Second

// exporter holds every component of a running exporter.
type exporter struct {
	cfg    *config.Config
	logger *slog.Logger

	resolver  *clients.Resolver
	collector *metrics.Collector
	registry  *prometheus.Registry
	server    *publish.HTTPServer
	observer  *observer.Observer
	scheduler *scheduler.Scheduler

	closers []func() error
}

func newSource(cfg *config.Config) (snapshot.Source, error) {
	switch cfg.Source {
	case config.SourceUAPI:
		return snapshot.NewUAPISource(cfg.UAPISocket), nil
	default:
		return snapshot.NewCommandSource(cfg.AwgShowExec)
	}
}

func newResolver(cfg *config.Config, logger *slog.Logger) *clients.Resolver {
	path := ""
	if cfg.ClientsTable.Enabled {
		path = cfg.ClientsTable.File
	}
	r := clients.NewResolver(path, logger)
	if err := r.Reload(); err != nil {
		// Peers stay unidentified until the file becomes readable.
		logger.Warn("clients: failed to load table", "path", path, "err", err)
	}
	return r
}

// setup builds the exporter for cfg. Close must be called when done.
func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*exporter, error) {
	e := &exporter{cfg: cfg, logger: logger}

	source, err := newSource(cfg)
	if err != nil {
		return nil, err
	}
	e.resolver = newResolver(cfg, logger)

	var store *statsdb.Store
	if cfg.Ledger.StatsDBFile != "" {
		store, err = statsdb.Open(cfg.Ledger.StatsDBFile, logger)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, store.Close)
	}

	l, err := e.openLedger(ctx, store)
	if err != nil {
		e.Close()
		return nil, err
	}

	opts := aggregator.Options{OnlineThreshold: cfg.OnlineThreshold}
	if store != nil {
		opts.Traffic = store
	}
	agg := aggregator.New(l, e.resolver, opts, logger)

	e.collector = metrics.NewCollector()
	e.registry = metrics.NewRegistry(e.collector, cfg.ExtraLabels)
	pub := e.newPublisher()

	e.scheduler = scheduler.New(source, agg, pub, scheduler.Config{
		Interval: cfg.ScrapeInterval,
		Timeout:  cfg.ScrapeTimeout,
	}, logger)
	return e, nil
}

func (e *exporter) openLedger(ctx context.Context, store *statsdb.Store) (ledger.Ledger, error) {
	cfg := e.cfg
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		e.logger.Warn("ledger: using in-memory backend, dau/mau restart from zero with the process")
		return ledger.NewMemoryLedger(), nil

	case config.BackendSQLite:
		if store == nil {
			return nil, errors.New("ledger: sqlite backend needs a stats database")
		}
		cutoff := time.Now().Add(-cfg.Retention())
		if _, err := store.Prune(ctx, cutoff); err != nil {
			e.logger.Warn("ledger: pruning expired activity failed", "err", err)
		}
		return store, nil

	default:
		opts := ledger.RedisOptions{
			Addr:      cfg.RedisAddr(),
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Retention: cfg.Retention(),
		}
		client := ledger.NewRedisClient(opts)
		if err := ledger.WaitReady(ctx, client, redisStartupWait, e.logger); err != nil {
			if ctx.Err() != nil {
				client.Close()
				return nil, ctx.Err()
			}
			e.logger.Warn("ledger: starting without redis", "addr", opts.Addr, "err", err)
		}
		l := ledger.NewRedisLedger(client, opts)
		e.closers = append(e.closers, l.Close)
		return l, nil
	}
}

// newPublisher assembles the adapter of the configured mode plus the
// Telegram notifier when a bot token is set.
func (e *exporter) newPublisher() publish.Publisher {
	cfg := e.cfg
	multi := publish.NewMulti(e.logger)

	switch cfg.OpsMode {
	case config.ModeHTTP:
		e.server = publish.NewHTTPServer(cfg.HTTPAddr(), e.collector, e.registry, e.logger)
		multi.Add("http", e.server)
	case config.ModePush:
		multi.Add("push", publish.NewPusher(publish.PushOptions{
			URL:      cfg.Push.URL,
			Job:      cfg.Push.Job,
			Instance: cfg.Push.Instance,
			Token:    cfg.Push.Token,
			Timeout:  cfg.ScrapeTimeout,
		}, e.collector, e.registry, e.logger))
	default:
		multi.Add("textfile", publish.NewTextfile(cfg.MetricsFile, e.collector, e.registry, e.logger))
	}

	if cfg.Telegram.Token != "" {
		bot := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.ChatID)
		e.observer = observer.New(bot, e.collector, e.logger,
			observer.WithAllowedUsers(cfg.Telegram.AllowedUsers))
		multi.Add("telegram", e.observer)
	}
	return multi
}

func (e *exporter) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("shutdown: closing resource failed", "err", err)
		}
	}
	e.closers = nil
}

func describeSource(cfg *config.Config) string {
	if cfg.Source == config.SourceUAPI {
		return fmt.Sprintf("uapi:%s", cfg.UAPISocket)
	}
	return fmt.Sprintf("command:%s", cfg.AwgShowExec)
}
