package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/blikh/awg-exporter/internal/aggregator"
	"github.com/blikh/awg-exporter/internal/ledger"
	"github.com/blikh/awg-exporter/internal/metrics"
	"github.com/blikh/awg-exporter/internal/snapshot"
)

var peersFormat string

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Print the current peer table",
	Long: `Read the peer table once and print it with client names, traffic and
handshake age. The activity ledger is not touched, so DAU and MAU are not
shown. --format prom prints the per-peer metrics in the exposition format.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}
		if peersFormat != "table" && peersFormat != "prom" {
			return fmt.Errorf("unknown format %q", peersFormat)
		}

		source, err := newSource(cfg)
		if err != nil {
			return err
		}
		resolver := newResolver(cfg, logger)

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ScrapeTimeout)
		defer cancel()
		text, err := source.Snapshot(ctx)
		if err != nil {
			return err
		}

		now := time.Now()
		res := snapshot.Parse(text, now)
		for _, sk := range res.Skipped {
			logger.Warn("skipped malformed peer record", "index", sk.Index, "peer", sk.PublicKey, "reason", sk.Reason)
		}

		agg := aggregator.New(ledger.NewMemoryLedger(), resolver,
			aggregator.Options{OnlineThreshold: cfg.OnlineThreshold}, logger)
		ms := agg.Collect(ctx, res, nil, now)

		if peersFormat == "prom" {
			ms.CountsKnown = false
			c := metrics.NewCollector()
			c.Update(ms)
			return writeExposition(cmd.OutOrStdout(), metrics.NewRegistry(c, cfg.ExtraLabels))
		}
		renderPeers(cmd.OutOrStdout(), ms, now)
		return nil
	},
}

func init() {
	peersCmd.Flags().StringVar(&peersFormat, "format", "table", "output format: table or prom")
}

func renderPeers(w io.Writer, ms aggregator.MetricSet, now time.Time) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"client", "peer", "latest handshake", "received", "sent", "online"})

	var rx, tx uint64
	for _, p := range ms.Peers {
		handshake := "never"
		if !p.LastHandshake.IsZero() {
			handshake = humanize.RelTime(p.LastHandshake, now, "ago", "from now")
		}
		online := ""
		if p.Online {
			online = "yes"
		}
		tw.AppendRow(table.Row{
			p.ClientName,
			p.PeerID,
			handshake,
			humanize.IBytes(p.ReceivedBytes),
			humanize.IBytes(p.SentBytes),
			online,
		})
		rx += p.ReceivedBytes
		tx += p.SentBytes
	}
	tw.AppendFooter(table.Row{
		fmt.Sprintf("%d peers", len(ms.Peers)),
		"",
		"",
		humanize.IBytes(rx),
		humanize.IBytes(tx),
		fmt.Sprintf("%d online", ms.CurrentOnline),
	})

	fmt.Fprintln(w, tw.Render())
	if ms.SkippedRecords > 0 {
		fmt.Fprintf(w, "%d malformed records skipped\n", ms.SkippedRecords)
	}
}
