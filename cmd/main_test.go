package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/runtime"
	"github.com/stretchr/testify/require"
)

const cmdSecretEnv = "RESILCACHE_CMD_TEST_SECRET"

// writeConfig writes a file config rooted in a fresh data directory.
func writeConfig(t *testing.T, port int) (string, string) {
	t.Helper()
	t.Setenv(cmdSecretEnv, "cmd test secret")
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	body := fmt.Sprintf(`server:
  listen:
    address: 127.0.0.1
    port: %d
  logging:
    level: error
store:
  dir: %s
  backend: memory
  encryption:
    secretEnv: %s
snapshot:
  interval: 0s
`, port, dataDir, cmdSecretEnv)
	path := filepath.Join(dir, "resilcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dataDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--env-prefix", "RESILCACHE_CMD_TEST_UNUSED"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seedSnapshot runs a node over the config long enough to leave one snapshot.
func seedSnapshot(t *testing.T, path string) {
	t.Helper()
	cfg, err := config.NewLoader("", path).Load(context.Background())
	require.NoError(t, err)
	node, err := runtime.New(context.Background(), cfg, runtime.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Audit:  &audit.Recorder{},
	})
	require.NoError(t, err)
	require.NoError(t, node.Store.Put(context.Background(), "settings:theme", []byte(`"dark"`), 0))
	require.NoError(t, node.Store.Put(context.Background(), "profile:1", []byte(`{"id":1}`), 0))
	require.NoError(t, node.Close(context.Background()))
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCommand()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Subset(t, names, []string{"serve", "snapshots", "verify"})
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.Equal(t, "RESILCACHE", root.PersistentFlags().Lookup("env-prefix").DefValue)
}

func TestSnapshotsListsFiles(t *testing.T) {
	path, _ := writeConfig(t, 8080)

	out, err := execute(t, "snapshots", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "no snapshots")

	seedSnapshot(t, path)
	out, err = execute(t, "snapshots", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "ID")
	require.Contains(t, out, "WRITTEN")
}

func TestVerifyReportsNewestSnapshot(t *testing.T) {
	path, _ := writeConfig(t, 8080)

	_, err := execute(t, "verify", "--config", path)
	require.Error(t, err)

	seedSnapshot(t, path)
	out, err := execute(t, "verify", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "ok: 2 entries")
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	path, _ := writeConfig(t, 8080)
	seedSnapshot(t, path)

	t.Setenv(cmdSecretEnv, "some other secret")
	_, err := execute(t, "verify", "--config", path)
	require.Error(t, err)
}

func TestCommandsFailOnMissingConfig(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	for _, name := range []string{"serve", "snapshots", "verify"} {
		_, err := execute(t, name, "--config", missing)
		require.Error(t, err, name)
	}
}

func TestServeReportsListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	path, _ := writeConfig(t, busy.Addr().(*net.TCPAddr).Port)
	_, err = execute(t, "serve", "--config", path)
	require.Error(t, err)
}
