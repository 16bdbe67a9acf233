// Package file provides a prefz.Store persisted as a single JSON or YAML
// document on disk. Commits rewrite the document atomically; with watching
// enabled, edits made to the file by other processes are picked up through
// fsnotify.
package file

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
)

// validate is the shared validator instance.
var validate = validator.New()

// retryDelay is how long the change feed waits before watching again.
var retryDelay = time.Second

var errWatcherClosed = errors.New("file: watcher closed")

// Config describes a file store. It is validated by Open.
type Config struct {
	// Path of the document. It is created on the first commit.
	Path string `yaml:"path" json:"path" validate:"required"`

	// Format is "json" or "yaml". Empty selects by extension: .yaml and
	// .yml are YAML, anything else JSON.
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=json yaml"`

	// Perm is the permission of newly written documents. Zero means 0600.
	Perm os.FileMode `yaml:"perm" json:"perm" validate:"lte=511"`

	// Watch enables picking up external edits while listeners are
	// registered.
	Watch bool `yaml:"watch" json:"watch"`
}

// Store is a file-backed prefz.Store. Reads are served from the last loaded
// snapshot.
type Store struct {
	cfg      Config
	path     string
	codec    prefz.Codec
	registry *prefz.Registry

	mu     sync.RWMutex
	values map[string]prefz.Value
}

// Option configures a Store.
type Option func(*Store)

// WithCodec overrides the codec selected from Config.Format.
func WithCodec(codec prefz.Codec) Option {
	return func(s *Store) {
		s.codec = codec
	}
}

// Open validates cfg and loads the document. A missing file is an empty
// store.
func Open(cfg Config, opts ...Option) (*Store, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("file: invalid config: %w", err)
	}
	if cfg.Perm == 0 {
		cfg.Perm = 0o600
	}

	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("file: resolve %s: %w", cfg.Path, err)
	}

	s := &Store{
		cfg:   cfg,
		path:  path,
		codec: codecFor(cfg.Format, path),
	}
	for _, opt := range opts {
		opt(s)
	}

	var feed func() func()
	if cfg.Watch {
		feed = s.watch
	}
	s.registry = prefz.NewRegistry(feed)

	values, err := s.load()
	if err != nil {
		return nil, err
	}
	s.values = values
	return s, nil
}

func codecFor(format, path string) prefz.Codec {
	switch format {
	case "yaml":
		return prefz.YAMLCodec{}
	case "json":
		return prefz.JSONCodec{}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return prefz.YAMLCodec{}
	default:
		return prefz.JSONCodec{}
	}
}

// Path returns the absolute path of the document.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (map[string]prefz.Value, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]prefz.Value{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: read %s: %w", s.path, err)
	}
	values, err := s.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("file: decode %s: %w", s.path, err)
	}
	return values, nil
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return prefz.Value{}, false, err
	}
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return prefz.Value{}, false, nil
	}
	if err := prefz.CheckKind(key, kind, v); err != nil {
		return prefz.Value{}, false, err
	}
	return v, true, nil
}

// Contains implements prefz.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values), nil
}

// Commit implements prefz.Store. The new document is written to a
// temporary file and renamed over the old one; the snapshot only changes
// once the rename succeeded.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	next := maps.Clone(s.values)
	notes := prefz.ApplyEdits(next, edits)
	if err := s.write(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.values = next
	s.mu.Unlock()

	for _, n := range notes {
		s.registry.Notify(n)
	}
	return nil
}

func (s *Store) write(values map[string]prefz.Value) error {
	data, err := s.codec.Marshal(values)
	if err != nil {
		return fmt.Errorf("file: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("file: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("file: write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(s.cfg.Perm); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("file: chmod %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("file: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("file: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("file: replace %s: %w", s.path, err)
	}
	return nil
}

// Reload re-reads the document and notifies every key whose value differs
// from the current snapshot. A document that fails to decode leaves the
// snapshot unchanged. The read holds the store lock so it cannot
// interleave with a commit.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	values, err := s.load()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := diff(s.values, values)
	s.values = values
	s.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	capitan.Emit(ctx, prefz.StoreReloaded,
		prefz.KeyBackend.Field("file"),
		prefz.KeyEdits.Field(len(changed)),
	)
	for _, k := range changed {
		s.registry.Notify(prefz.Notification{Key: k})
	}
	return nil
}

// diff returns the keys added, changed or removed between two snapshots.
func diff(before, after map[string]prefz.Value) []string {
	var changed []string
	for k, v := range after {
		if prev, ok := before[k]; !ok || !prev.Equal(v) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

// RegisterListener implements prefz.Store.
func (s *Store) RegisterListener(l prefz.Listener) prefz.ListenerID {
	return s.registry.Register(l)
}

// UnregisterListener implements prefz.Store.
func (s *Store) UnregisterListener(id prefz.ListenerID) {
	s.registry.Unregister(id)
}

// watch starts following the document's directory. Commits replace the
// file by rename, so the directory rather than the file is watched. If the
// directory cannot be watched, or the watcher dies, it is retried after
// retryDelay and the document reloaded once the watch is back.
func (s *Store) watch() func() {
	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := s.openWatcher()

	go func() {
		for {
			if err == nil {
				err = s.follow(ctx, watcher)
			}
			if ctx.Err() != nil {
				return
			}
			s.feedFailed(err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			if watcher, err = s.openWatcher(); err == nil {
				if err := s.Reload(ctx); err != nil {
					s.feedFailed(err)
				}
			}
		}
	}()

	return cancel
}

func (s *Store) openWatcher() (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	return watcher, nil
}

// follow reloads the document on every event for it until the watcher
// closes or ctx ends.
func (s *Store) follow(ctx context.Context, watcher *fsnotify.Watcher) error {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := s.Reload(ctx); err != nil {
				s.feedFailed(err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errWatcherClosed
			}
			s.feedFailed(err)
		}
	}
}

func (s *Store) feedFailed(err error) {
	capitan.Emit(context.Background(), prefz.StoreFeedFailed,
		prefz.KeyBackend.Field("file"),
		prefz.KeyError.Field(err.Error()),
	)
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
