// Package etcd provides a prefz.Store backed by etcd keys under a common
// prefix. Commits run as a single transaction and changes are picked up
// with a prefix watch.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrConflict is returned when a commit containing a clear keeps losing
// races with concurrent writers.
var ErrConflict = errors.New("etcd: concurrent modification")

var errWatchClosed = errors.New("etcd: watch closed")

// retryDelay is how long the change feed waits before watching again.
var retryDelay = time.Second

// Store keeps every preference as one etcd key, <prefix><key>, encoded in
// prefz's JSON wire form.
type Store struct {
	client   *clientv3.Client
	prefix   string
	attempts int
	registry *prefz.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
// Defaults to "/prefs/".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithConflictRetries sets how many times a commit containing a clear is
// retried when the prefix changes between reading it and committing.
// Defaults to 5.
func WithConflictRetries(n int) Option {
	return func(s *Store) {
		s.attempts = n
	}
}

// New creates a Store using client.
func New(client *clientv3.Client, opts ...Option) *Store {
	s := &Store{
		client:   client,
		prefix:   "/prefs/",
		attempts: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = prefz.NewRegistry(s.watch)
	return s
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	resp, err := s.client.Get(ctx, s.prefix+key)
	if err != nil {
		return prefz.Value{}, false, fmt.Errorf("etcd: get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return prefz.Value{}, false, nil
	}
	var v prefz.Value
	if err := json.Unmarshal(resp.Kvs[0].Value, &v); err != nil {
		return prefz.Value{}, false, fmt.Errorf("etcd: decode %q: %w", key, err)
	}
	if err := prefz.CheckKind(key, kind, v); err != nil {
		return prefz.Value{}, false, err
	}
	return v, true, nil
}

// Contains implements prefz.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	resp, err := s.client.Get(ctx, s.prefix+key, clientv3.WithCountOnly())
	if err != nil {
		return false, fmt.Errorf("etcd: exists %q: %w", key, err)
	}
	return resp.Count > 0, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd: list: %w", err)
	}
	out := make(map[string]prefz.Value, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := strings.TrimPrefix(string(kv.Key), s.prefix)
		var v prefz.Value
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, fmt.Errorf("etcd: decode %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Commit implements prefz.Store.
//
// etcd rejects a transaction that touches a key twice, so the batch is
// reduced to its net effect per key first. A clear needs the current key
// set; that read is guarded by a revision compare and retried on conflict.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	hasClear := false
	for _, e := range edits {
		if e.Op == prefz.OpClear {
			hasClear = true
			break
		}
	}
	if !hasClear {
		return s.commit(ctx, netEffect(nil, edits), nil)
	}

	for attempt := 0; attempt < max(s.attempts, 1); attempt++ {
		resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
		if err != nil {
			return fmt.Errorf("etcd: list: %w", err)
		}
		existing := make([]string, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			existing = append(existing, strings.TrimPrefix(string(kv.Key), s.prefix))
		}
		guard := clientv3.Compare(clientv3.ModRevision(s.prefix).WithPrefix(), "<", resp.Header.Revision+1)

		err = s.commit(ctx, netEffect(existing, edits), []clientv3.Cmp{guard})
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

func (s *Store) commit(ctx context.Context, final map[string]*prefz.Value, guards []clientv3.Cmp) error {
	ops := make([]clientv3.Op, 0, len(final))
	for key, v := range final {
		if v == nil {
			ops = append(ops, clientv3.OpDelete(s.prefix+key))
			continue
		}
		data, err := json.Marshal(*v)
		if err != nil {
			return fmt.Errorf("etcd: encode %q: %w", key, err)
		}
		ops = append(ops, clientv3.OpPut(s.prefix+key, string(data)))
	}

	resp, err := s.client.Txn(ctx).If(guards...).Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("etcd: commit: %w", err)
	}
	if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

// netEffect reduces edits to the final state of every touched key. A nil
// value means the key is deleted. existing lists the keys a clear removes.
func netEffect(existing []string, edits []prefz.Edit) map[string]*prefz.Value {
	final := make(map[string]*prefz.Value)
	for _, e := range edits {
		switch e.Op {
		case prefz.OpPut:
			v := e.Value
			final[e.Key] = &v
		case prefz.OpRemove:
			final[e.Key] = nil
		case prefz.OpClear:
			for k := range final {
				final[k] = nil
			}
			for _, k := range existing {
				final[k] = nil
			}
		}
	}
	return final
}

// RegisterListener implements prefz.Store.
func (s *Store) RegisterListener(l prefz.Listener) prefz.ListenerID {
	return s.registry.Register(l)
}

// UnregisterListener implements prefz.Store.
func (s *Store) UnregisterListener(id prefz.ListenerID) {
	s.registry.Unregister(id)
}

// watch starts the change feed and waits until etcd confirms the watch, so
// no commit made after registration is missed. A watch that fails or closes
// is reopened after retryDelay.
func (s *Store) watch() func() {
	ctx, cancel := context.WithCancel(context.Background())
	ch, stop, err := s.open(ctx)

	go func() {
		for {
			if err == nil {
				err = s.follow(ch)
				stop()
			}
			if ctx.Err() != nil {
				return
			}
			capitan.Emit(context.Background(), prefz.StoreFeedFailed,
				prefz.KeyBackend.Field("etcd"),
				prefz.KeyError.Field(err.Error()),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			// Compaction or a lost watch; we cannot tell what was missed.
			if ch, stop, err = s.open(ctx); err == nil {
				s.registry.Notify(prefz.Notification{All: true})
			}
		}
	}()

	return cancel
}

// open starts a prefix watch and waits until etcd confirms it.
func (s *Store) open(ctx context.Context) (clientv3.WatchChan, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := s.client.Watch(ctx, s.prefix, clientv3.WithPrefix(), clientv3.WithCreatedNotify())

	created, ok := <-ch
	if !ok {
		cancel()
		return nil, nil, errWatchClosed
	}
	if err := created.Err(); err != nil {
		cancel()
		return nil, nil, err
	}
	return ch, cancel, nil
}

// follow relays watch events until the watch fails or closes.
func (s *Store) follow(ch clientv3.WatchChan) error {
	for resp := range ch {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			key := strings.TrimPrefix(string(ev.Kv.Key), s.prefix)
			s.registry.Notify(prefz.Notification{Key: key})
		}
	}
	return errWatchClosed
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
