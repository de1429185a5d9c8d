package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// schemaReloadDelay collapses editor save bursts into one reload.
const schemaReloadDelay = 25 * time.Millisecond

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// SchemasWatcher follows the schema file or folder and hands every changed
// bundle to a callback. Stop releases the fsnotify handle.
type SchemasWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *SchemasWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// schemaWatch is the state owned by the watcher goroutine.
type schemaWatch struct {
	fs       *fsnotify.Watcher
	inline   map[string]SchemaConfig
	source   SchemasConfig
	onChange func(SchemaBundle)
	onError  func(error)

	// file is set when a single schema file is watched; its parent directory
	// is what fsnotify follows.
	file string
	dirs map[string]struct{}
	last map[string]Fingerprint
}

// WatchSchemas loads the schema bundle once, delivers it, and then reloads on
// relevant filesystem changes. cfg must come from Loader.Load so inline
// schemas are preserved across reloads. Bundles whose source digests did not
// change are not delivered.
func (l *Loader) WatchSchemas(ctx context.Context, cfg Config, onChange func(SchemaBundle), onError func(error)) (*SchemasWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch schemas requires a change callback")
	}
	src := cfg.Server.Schemas
	if src.SchemasFile == "" && src.SchemasFolder == "" {
		return nil, errors.New("config: no schemas source configured for watching")
	}
	if onError == nil {
		onError = func(error) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch schemas: %w", err)
	}
	w := &schemaWatch{
		fs:       fsw,
		inline:   cloneSchemaMap(cfg.InlineSchemas),
		source:   src,
		onChange: onChange,
		onError:  onError,
		dirs:     map[string]struct{}{},
	}

	watchCtx, cancel := context.WithCancel(ctx)
	bundle, err := buildSchemaBundle(watchCtx, w.inline, src)
	if err != nil {
		cancel()
		w.close()
		return nil, err
	}
	w.last = bundle.Fingerprints
	onChange(bundle)

	w.follow()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.close()
		w.run(watchCtx)
	}()
	return &SchemasWatcher{cancel: cancel, done: done}, nil
}

func (w *schemaWatch) close() {
	if err := w.fs.Close(); err != nil {
		w.onError(fmt.Errorf("config: watch schemas close: %w", err))
	}
}

func (w *schemaWatch) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := w.dirs[dir]; ok {
		return
	}
	if err := w.fs.Add(dir); err != nil {
		w.onError(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	w.dirs[dir] = struct{}{}
}

// follow registers the directories to watch. Folder sources are walked so
// nested directories are covered too.
func (w *schemaWatch) follow() {
	if w.source.SchemasFile != "" {
		path, err := filepath.Abs(w.source.SchemasFile)
		if err != nil {
			w.onError(fmt.Errorf("config: resolve schemas file: %w", err))
			path = w.source.SchemasFile
		}
		w.file = filepath.Clean(path)
		w.addDir(filepath.Dir(w.file))
		return
	}
	root, err := filepath.Abs(w.source.SchemasFolder)
	if err != nil {
		w.onError(fmt.Errorf("config: resolve schemas folder: %w", err))
		root = w.source.SchemasFolder
	}
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.onError(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			w.addDir(path)
		}
		return nil
	})
	if err != nil {
		w.onError(fmt.Errorf("config: traverse watcher %s: %w", root, err))
	}
}

// relevant reports whether ev should schedule a reload. New directories
// under a watched folder are followed instead.
func (w *schemaWatch) relevant(ev fsnotify.Event) bool {
	name := filepath.Clean(ev.Name)
	if w.file != "" {
		if name != w.file {
			return false
		}
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.onError(fmt.Errorf("config: schemas file %s removed", w.file))
		}
		return ev.Op&reloadOps != 0
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			w.addDir(name)
			return false
		}
	}
	return isSupportedSchemaFile(name) && ev.Op&reloadOps != 0
}

func (w *schemaWatch) reload(ctx context.Context) {
	bundle, err := buildSchemaBundle(ctx, w.inline, w.source)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.onError(err)
		}
		return
	}
	if sameFingerprints(w.last, bundle.Fingerprints) {
		return
	}
	w.last = bundle.Fingerprints
	w.onChange(bundle)
}

func (w *schemaWatch) run(ctx context.Context) {
	timer := time.NewTimer(schemaReloadDelay)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.reload(ctx)
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				timer.Reset(schemaReloadDelay)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

// sameFingerprints reports whether two reloads observed identical sources, so
// attribute-only events do not trigger a reload.
func sameFingerprints(a, b map[string]Fingerprint) bool {
	if len(a) != len(b) {
		return false
	}
	for path, fp := range a {
		other, ok := b[path]
		if !ok || fp.SHA256 != other.SHA256 {
			return false
		}
	}
	return true
}
