package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/blikh/awg-exporter/internal/config"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single scrape cycle and exit",
	Long: `Run a single scrape cycle, update the activity ledger and deliver the
result through the configured mode. In http mode the exposition is written
to stdout instead of being served. Exits non-zero when the cycle failed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e, err := setup(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		cycleErr := e.scheduler.RunOnce(ctx)
		if cfg.OpsMode == config.ModeHTTP {
			if err := writeExposition(cmd.OutOrStdout(), e.registry); err != nil {
				return err
			}
		}
		return cycleErr
	},
}

// writeExposition renders everything g gathers in the Prometheus text format.
func writeExposition(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}
