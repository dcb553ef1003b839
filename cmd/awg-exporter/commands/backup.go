package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/blikh/awg-exporter/internal/config"
	"github.com/blikh/awg-exporter/internal/statsdb"
)

// backupPasswordEnv holds the backup password so it stays out of the
// process list.
const backupPasswordEnv = config.EnvPrefix + "_BACKUP_PASSWORD"

var (
	backupOut    string
	backupPlain  bool
	restoreInput string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write an encrypted copy of the stats database",
	Long: `Write a consistent copy of AWG_EXPORTER_STATS_DB_FILE, safe to take while
the exporter runs. The copy is encrypted with the password from
` + backupPasswordEnv + ` unless --plain is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}
		if cfg.Ledger.StatsDBFile == "" {
			return errors.New("AWG_EXPORTER_STATS_DB_FILE is not set")
		}
		password := os.Getenv(backupPasswordEnv)
		if password == "" && !backupPlain {
			return fmt.Errorf("%s is not set; use --plain for an unencrypted backup", backupPasswordEnv)
		}

		store, err := statsdb.Open(cfg.Ledger.StatsDBFile, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		var buf bytes.Buffer
		if err := store.Backup(cmd.Context(), &buf); err != nil {
			return err
		}
		data := buf.Bytes()
		if !backupPlain {
			if data, err = statsdb.EncryptBackup(data, password); err != nil {
				return err
			}
		}

		if err := os.WriteFile(backupOut, data, 0o600); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
		logger.Info("backup written", "path", backupOut, "size", humanize.IBytes(uint64(len(data))), "encrypted", !backupPlain)
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the stats database with a backup",
	Long: `Replace AWG_EXPORTER_STATS_DB_FILE with a backup written by the backup
command. Stop the exporter first. Encrypted backups need the password in
` + backupPasswordEnv + `.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}
		if cfg.Ledger.StatsDBFile == "" {
			return errors.New("AWG_EXPORTER_STATS_DB_FILE is not set")
		}

		data, err := os.ReadFile(restoreInput)
		if err != nil {
			return fmt.Errorf("reading backup: %w", err)
		}
		if err := statsdb.RestoreFile(data, os.Getenv(backupPasswordEnv), cfg.Ledger.StatsDBFile); err != nil {
			return err
		}
		logger.Info("stats database restored", "from", restoreInput, "to", cfg.Ledger.StatsDBFile)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVarP(&backupOut, "out", "o", "awg-exporter.backup", "backup file to write")
	backupCmd.Flags().BoolVar(&backupPlain, "plain", false, "write an unencrypted SQLite file")
	restoreCmd.Flags().StringVarP(&restoreInput, "in", "i", "", "backup file to restore")
	restoreCmd.MarkFlagRequired("in")
}
