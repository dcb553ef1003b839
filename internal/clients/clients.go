// Package clients maps peer public keys to human readable client names.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/blikh/awg-exporter/internal/metrics"
)

// Unidentified is the client name reported for peers missing from the table.
const Unidentified = "unidentified"

// Table is an immutable public key -> client name mapping.
type Table map[string]string

// Resolver resolves peer keys against a table loaded from disk. Reloads
// replace the whole table at once; readers never see a partial table.
type Resolver struct {
	path   string
	logger *slog.Logger
	table  atomic.Pointer[Table]
}

// NewResolver returns a resolver backed by the table at path. An empty path
// disables lookups and every peer resolves to Unidentified. The table is
// empty until Reload succeeds.
func NewResolver(path string, logger *slog.Logger) *Resolver {
	r := &Resolver{path: path, logger: logger}
	r.table.Store(&Table{})
	return r
}

// Enabled reports whether the resolver has a table file configured.
func (r *Resolver) Enabled() bool { return r.path != "" }

// Resolve returns the client name for peerID.
func (r *Resolver) Resolve(peerID string) string {
	t := r.table.Load()
	if name, ok := (*t)[peerID]; ok && name != "" {
		return name
	}
	return Unidentified
}

// Len returns the number of entries in the current table.
func (r *Resolver) Len() int {
	return len(*r.table.Load())
}

// Reload reads the table file again. On error the previous table stays in use.
func (r *Resolver) Reload() error {
	if !r.Enabled() {
		return nil
	}
	t, err := Load(r.path)
	if err != nil {
		return err
	}
	r.table.Store(&t)
	metrics.ClientTableEntries.Set(float64(len(t)))
	r.logger.Info("clients: table loaded", "path", r.path, "entries", len(t))
	return nil
}

// Watch reloads the table whenever its file changes, until ctx is done.
// The parent directory is watched so that editors replacing the file by
// rename are noticed.
func (r *Resolver) Watch(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("clients: creating watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("clients: watching %s: %w", dir, err)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("clients: reload failed, keeping previous table", "path", r.path, "err", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("clients: watcher error", "err", err)
		}
	}
}

// Load reads a client table file. Two layouts are accepted: the Amnezia
// clientsTable JSON array and a flat key: name mapping in YAML or JSON.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clients: reading %q: %w", path, err)
	}
	t, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("clients: parsing %q: %w", path, err)
	}
	return t, nil
}

type amneziaClient struct {
	ClientID string `json:"clientId" yaml:"clientId"`
	UserData struct {
		ClientName string `json:"clientName" yaml:"clientName"`
	} `json:"userData" yaml:"userData"`
}

// Decode parses table data; see Load.
func Decode(data []byte) (Table, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Table{}, nil
	}

	unmarshal := yaml.Unmarshal
	if trimmed[0] == '[' || trimmed[0] == '{' {
		unmarshal = json.Unmarshal
	}

	var list []amneziaClient
	if err := unmarshal(trimmed, &list); err == nil {
		t := make(Table, len(list))
		for _, c := range list {
			if c.ClientID == "" || c.UserData.ClientName == "" {
				continue
			}
			t[c.ClientID] = c.UserData.ClientName
		}
		return t, nil
	}

	var flat map[string]string
	if err := unmarshal(trimmed, &flat); err != nil {
		return nil, fmt.Errorf("expected a clientsTable array or a key to name mapping: %w", err)
	}
	t := make(Table, len(flat))
	for k, v := range flat {
		if k != "" && v != "" {
			t[k] = v
		}
	}
	return t, nil
}
