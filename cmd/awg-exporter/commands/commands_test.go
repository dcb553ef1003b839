package commands

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func key(i int) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{byte(i)}, 32))
}

// fakeShow writes an `awg show` capture and points the exporter at it.
func fakeShow(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	show := filepath.Join(dir, "show.txt")
	require.NoError(t, os.WriteFile(show, []byte(fmt.Sprintf(`interface: awg0
  listening port: 51820

peer: %s
  latest handshake: 10 seconds ago
  transfer: 1.50 KiB received, 2.00 MiB sent

peer: %s
  latest handshake: 4 days ago
  transfer: 92 B received, 180 B sent
`, key(1), key(2))), 0o600))

	table := filepath.Join(dir, "clientsTable")
	require.NoError(t, os.WriteFile(table, []byte(fmt.Sprintf(
		`[{"clientId": %q, "userData": {"clientName": "alice"}}]`, key(1))), 0o600))

	t.Setenv("AWG_EXPORTER_AWG_SHOW_EXEC", "cat "+show)
	t.Setenv("AWG_EXPORTER_CLIENTS_TABLE_ENABLED", "true")
	t.Setenv("AWG_EXPORTER_CLIENTS_TABLE_FILE", table)
	t.Setenv("AWG_EXPORTER_LEDGER_BACKEND", "memory")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPeersTable(t *testing.T) {
	fakeShow(t)

	out, err := execute(t, "peers", "--format", "table")
	require.NoError(t, err)
	require.Contains(t, out, "alice")
	require.Contains(t, out, "unidentified")
	require.Contains(t, out, "2.0 MiB")
	require.Contains(t, out, "2 PEERS")
	require.Contains(t, out, "1 ONLINE")
}

func TestPeersProm(t *testing.T) {
	fakeShow(t)
	t.Setenv("AWG_EXPORTER_EXTRA_LABELS", "site=ams1")

	out, err := execute(t, "peers", "--format", "prom")
	require.NoError(t, err)
	require.Contains(t, out, fmt.Sprintf(`awg_sent_bytes{client_name="alice",peer=%q,site="ams1"} 2.097152e+06`, key(1)))
	require.Contains(t, out, `awg_current_online{site="ams1"} 1`)
	require.NotContains(t, out, "awg_dau")
}

func TestPeersUnknownFormat(t *testing.T) {
	fakeShow(t)
	_, err := execute(t, "peers", "--format", "csv")
	require.ErrorContains(t, err, `unknown format "csv"`)
}

func TestOnceHTTPModeWritesExposition(t *testing.T) {
	fakeShow(t)
	t.Setenv("AWG_EXPORTER_OPS_MODE", "http")

	out, err := execute(t, "once")
	require.NoError(t, err)
	require.Contains(t, out, "awg_status 1")
	require.Contains(t, out, "awg_dau 1")
	require.Contains(t, out, "awg_mau 1")
	require.Contains(t, out, "awg_peers 2")
}

func TestOnceFailingSource(t *testing.T) {
	fakeShow(t)
	t.Setenv("AWG_EXPORTER_OPS_MODE", "http")
	t.Setenv("AWG_EXPORTER_AWG_SHOW_EXEC", "false")

	out, err := execute(t, "once")
	require.Error(t, err)
	require.Contains(t, out, "awg_status 0")
}

func TestOnceMetricsFile(t *testing.T) {
	fakeShow(t)
	path := filepath.Join(t.TempDir(), "awg.prom")
	t.Setenv("AWG_EXPORTER_OPS_MODE", "metrics_file")
	t.Setenv("AWG_EXPORTER_METRICS_FILE", path)

	out, err := execute(t, "once")
	require.NoError(t, err)
	require.Empty(t, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "awg_current_online 1"), string(data))
}

func TestBackupRequiresPassword(t *testing.T) {
	t.Setenv("AWG_EXPORTER_STATS_DB_FILE", filepath.Join(t.TempDir(), "stats.db"))
	t.Setenv("AWG_EXPORTER_BACKUP_PASSWORD", "")

	_, err := execute(t, "backup", "--out", filepath.Join(t.TempDir(), "b"))
	require.ErrorContains(t, err, "AWG_EXPORTER_BACKUP_PASSWORD is not set")
}

func TestBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "stats.db")
	backup := filepath.Join(dir, "stats.backup")
	t.Setenv("AWG_EXPORTER_STATS_DB_FILE", db)
	t.Setenv("AWG_EXPORTER_BACKUP_PASSWORD", "correct horse")

	_, err := execute(t, "backup", "--out", backup)
	require.NoError(t, err)
	data, err := os.ReadFile(backup)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("AWGB")))

	require.NoError(t, os.Remove(db))
	_, err = execute(t, "restore", "--in", backup)
	require.NoError(t, err)
	_, err = os.Stat(db)
	require.NoError(t, err)
}
