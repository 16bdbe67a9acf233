// Package nats provides a prefz.Store backed by a NATS JetStream key-value
// bucket. Changes from any client of the bucket are picked up through the
// bucket's watch API.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
)

// retryDelay is how long the change feed waits before watching again.
var retryDelay = time.Second

var errWatchClosed = errors.New("nats: watch closed")

// Store keeps every preference as one key of a KV bucket, encoded in
// prefz's JSON wire form.
//
// JetStream KV has no multi-key transactions, so Commit applies its edits
// one by one in order. A failure part way leaves the earlier edits applied.
type Store struct {
	kv       jetstream.KeyValue
	registry *prefz.Registry
}

// New creates a Store over kv.
func New(kv jetstream.KeyValue) *Store {
	s := &Store{kv: kv}
	s.registry = prefz.NewRegistry(s.watch)
	return s
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return prefz.Value{}, false, nil
	}
	if err != nil {
		return prefz.Value{}, false, fmt.Errorf("nats: get %q: %w", key, err)
	}
	var v prefz.Value
	if err := json.Unmarshal(entry.Value(), &v); err != nil {
		return prefz.Value{}, false, fmt.Errorf("nats: decode %q: %w", key, err)
	}
	if err := prefz.CheckKind(key, kind, v); err != nil {
		return prefz.Value{}, false, err
	}
	return v, true, nil
}

// Contains implements prefz.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	_, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("nats: get %q: %w", key, err)
	}
	return true, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]prefz.Value, len(keys))
	for _, k := range keys {
		entry, err := s.kv.Get(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("nats: get %q: %w", k, err)
		}
		var v prefz.Value
		if err := json.Unmarshal(entry.Value(), &v); err != nil {
			return nil, fmt.Errorf("nats: decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nats: list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

// Commit implements prefz.Store.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	for _, e := range edits {
		switch e.Op {
		case prefz.OpPut:
			data, err := json.Marshal(e.Value)
			if err != nil {
				return fmt.Errorf("nats: encode %q: %w", e.Key, err)
			}
			if _, err := s.kv.Put(ctx, e.Key, data); err != nil {
				return fmt.Errorf("nats: put %q: %w", e.Key, err)
			}
		case prefz.OpRemove:
			if err := s.kv.Delete(ctx, e.Key); err != nil {
				return fmt.Errorf("nats: delete %q: %w", e.Key, err)
			}
		case prefz.OpClear:
			keys, err := s.keys(ctx)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := s.kv.Delete(ctx, k); err != nil {
					return fmt.Errorf("nats: delete %q: %w", k, err)
				}
			}
		}
	}
	return nil
}

// RegisterListener implements prefz.Store.
func (s *Store) RegisterListener(l prefz.Listener) prefz.ListenerID {
	return s.registry.Register(l)
}

// UnregisterListener implements prefz.Store.
func (s *Store) UnregisterListener(id prefz.ListenerID) {
	s.registry.Unregister(id)
}

// watch starts the change feed. Every put, delete or purge on the bucket
// notifies its key. A watch that cannot start or that closes is restarted
// after retryDelay, and every key is announced as changed once it is back.
func (s *Store) watch() func() {
	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly())

	go func() {
		for {
			if err == nil {
				err = s.follow(ctx, watcher)
			}
			if ctx.Err() != nil {
				return
			}
			capitan.Emit(context.Background(), prefz.StoreFeedFailed,
				prefz.KeyBackend.Field("nats"),
				prefz.KeyError.Field(err.Error()),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			if watcher, err = s.kv.WatchAll(ctx, jetstream.UpdatesOnly()); err == nil {
				s.registry.Notify(prefz.Notification{All: true})
			}
		}
	}()

	return cancel
}

// follow relays watch updates until the watcher closes or ctx ends.
func (s *Store) follow(ctx context.Context, w jetstream.KeyWatcher) error {
	defer func() { _ = w.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok {
				return errWatchClosed
			}
			// nil marks the end of the initial values
			if entry == nil {
				continue
			}
			s.registry.Notify(prefz.Notification{Key: entry.Key()})
		}
	}
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
