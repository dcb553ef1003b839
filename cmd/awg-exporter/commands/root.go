package commands

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blikh/awg-exporter/internal/config"
)

var (
	appVersion string

	envfile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "awg-exporter",
	Short: "Prometheus exporter for AmneziaWG and WireGuard peers",
	Long: `awg-exporter reads the peer table of an AmneziaWG or WireGuard interface
and publishes per-peer traffic, handshake age, current online users and
daily/monthly active users.

Settings come from AWG_EXPORTER_* environment variables, optionally
preloaded from a dotenv file given with --envfile. Without a subcommand
the exporter runs in the mode set by AWG_EXPORTER_OPS_MODE.`,
	SilenceUsage: true,
	RunE:         runExporter,
}

// Execute runs the command line.
func Execute(version string) error {
	appVersion = version
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envfile, "envfile", "", "path to a dotenv file with AWG_EXPORTER_* settings")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides AWG_EXPORTER_LOG_LEVEL")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and builds the logger it asks for,
// writing to logOut.
func loadConfig(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(envfile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	return cfg, newLogger(cfg, logOut), nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.ParseLogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
