package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/store"
)

// sealedDir is the encryption context and snapshot directory rooted at one
// data directory.
type sealedDir struct {
	sealer    *store.Sealer
	keyRef    store.KeyRef
	snapshots *store.SnapshotManager
}

func openSealedDir(dir string, enc config.EncryptionConfig, logger *slog.Logger) (sealedDir, error) {
	sealer, ref, err := store.OpenSealer(dir, enc, logger)
	if err != nil {
		return sealedDir{}, fmt.Errorf("runtime: sealer: %w", err)
	}
	snaps, err := store.NewSnapshotManager(filepath.Join(dir, "snapshots"), sealer, logger)
	if err != nil {
		return sealedDir{}, fmt.Errorf("runtime: snapshots: %w", err)
	}
	return sealedDir{sealer: sealer, keyRef: ref, snapshots: snaps}, nil
}

// OpenSnapshots opens the snapshot directory of a stopped node for
// inspection. It needs a configured store.dir and the same secret the node
// sealed with.
func OpenSnapshots(cfg config.Config, logger *slog.Logger) (*store.SnapshotManager, error) {
	dir := strings.TrimSpace(cfg.Store.Dir)
	if dir == "" {
		return nil, errors.New("runtime: store.dir required to inspect snapshots")
	}
	if logger == nil {
		logger = slog.Default()
	}
	sd, err := openSealedDir(dir, cfg.Store.Encryption, logger)
	if err != nil {
		return nil, err
	}
	return sd.snapshots, nil
}
