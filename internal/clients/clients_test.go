package clients

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const amneziaTable = `[
  {"clientId": "key1=", "userData": {"clientName": "alice", "creationDate": "Mon Jan 1"}},
  {"clientId": "key2=", "userData": {"clientName": "bob"}},
  {"clientId": "key3=", "userData": {}}
]`

func TestDecodeAmneziaTable(t *testing.T) {
	table, err := Decode([]byte(amneziaTable))
	require.NoError(t, err)
	require.Equal(t, Table{"key1=": "alice", "key2=": "bob"}, table)
}

func TestDecodeFlatMapping(t *testing.T) {
	yamlTable, err := Decode([]byte("key1=: alice\nkey2=: bob\n"))
	require.NoError(t, err)
	require.Equal(t, Table{"key1=": "alice", "key2=": "bob"}, yamlTable)

	jsonTable, err := Decode([]byte(`{"key1=": "alice", "key2=": ""}`))
	require.NoError(t, err)
	require.Equal(t, Table{"key1=": "alice"}, jsonTable)

	empty, err := Decode([]byte("  \n"))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte(`{"key1=": ["not", "a", "name"]}`))
	require.Error(t, err)

	_, err = Decode([]byte("just some text"))
	require.Error(t, err)
}

func TestResolverDisabled(t *testing.T) {
	r := NewResolver("", testLogger())
	require.False(t, r.Enabled())
	require.NoError(t, r.Reload())
	require.Equal(t, Unidentified, r.Resolve("key1="))
}

func TestResolverReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clientsTable")
	require.NoError(t, os.WriteFile(path, []byte(amneziaTable), 0o600))

	r := NewResolver(path, testLogger())
	require.Equal(t, Unidentified, r.Resolve("key1="))
	require.NoError(t, r.Reload())
	require.Equal(t, "alice", r.Resolve("key1="))
	require.Equal(t, Unidentified, r.Resolve("key3="))
	require.Equal(t, 2, r.Len())

	// A broken file must not replace the loaded table.
	require.NoError(t, os.WriteFile(path, []byte("[{"), 0o600))
	require.Error(t, r.Reload())
	require.Equal(t, "alice", r.Resolve("key1="))

	require.NoError(t, os.Remove(path))
	require.Error(t, r.Reload())
	require.Equal(t, 2, r.Len())
}

func TestResolverConcurrentReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("k: one\n"), 0o600))

	r := NewResolver(path, testLogger())
	require.NoError(t, r.Reload())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				name := r.Resolve("k")
				if name != "one" && name != "two" {
					t.Errorf("unexpected name %q", name)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		content := "k: one\n"
		if i%2 == 1 {
			content = "k: two\n"
		}
		// Write through a temp file and rename so the reload never reads a truncated file.
		tmp := path + ".tmp"
		require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
		require.NoError(t, os.Rename(tmp, path))
		require.NoError(t, r.Reload())
	}
	wg.Wait()
}

func TestResolverWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("k: before\n"), 0o600))

	r := NewResolver(path, testLogger())
	require.NoError(t, r.Reload())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		tmp := filepath.Join(dir, "clients.tmp")
		if err := os.WriteFile(tmp, []byte("k: after\n"), 0o600); err != nil {
			return false
		}
		if err := os.Rename(tmp, path); err != nil {
			return false
		}
		return r.Resolve("k") == "after"
	}, 5*time.Second, 50*time.Millisecond)
}
