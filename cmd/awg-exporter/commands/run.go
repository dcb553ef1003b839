package commands

import (
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blikh/awg-exporter/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the exporter in the configured mode",
	Long: `Run the exporter in the mode set by AWG_EXPORTER_OPS_MODE:

  http          serve /metrics and /healthz, scraping every interval
  metrics_file  rewrite the textfile-collector file every interval
  push          push to a Pushgateway every interval
  oneshot       scrape once, write the metrics file and exit`,
	Args: cobra.NoArgs,
	RunE: runExporter,
}

func runExporter(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}

	logger.Info("starting awg-exporter", "version", appVersion, "mode", cfg.OpsMode, "source", describeSource(cfg))
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}
	logger.Info("configuration", "config", cfg)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	if cfg.OpsMode == config.ModeOneshot {
		return e.scheduler.RunOnce(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.scheduler.Run(gctx)
	})
	if e.server != nil {
		g.Go(func() error {
			return e.server.Run(gctx)
		})
	}
	if cfg.ClientsTable.Watch {
		g.Go(func() error {
			if err := e.resolver.Watch(gctx); err != nil {
				logger.Error("clients: watch stopped", "err", err)
			}
			return nil
		})
	}
	if e.observer != nil {
		g.Go(func() error {
			e.observer.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("awg-exporter stopped")
	return err
}
