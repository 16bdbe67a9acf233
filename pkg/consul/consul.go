// Package consul provides a prefz.Store backed by Consul KV. Commits run as
// one KV transaction and changes are picked up with blocking queries on the
// store's prefix.
package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
)

// retryDelay is how long the change feed waits after a failed query.
var retryDelay = time.Second

// Store keeps every preference as one Consul key, <prefix><key>, encoded in
// prefz's JSON wire form.
type Store struct {
	client   *api.Client
	prefix   string
	wait     time.Duration
	registry *prefz.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
// Defaults to "prefs/".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithWaitTime bounds each blocking query of the change feed.
// Defaults to 1 minute.
func WithWaitTime(d time.Duration) Option {
	return func(s *Store) {
		s.wait = d
	}
}

// New creates a Store using client.
func New(client *api.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "prefs/",
		wait:   time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = prefz.NewRegistry(s.watch)
	return s
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	pair, _, err := s.client.KV().Get(s.prefix+key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return prefz.Value{}, false, fmt.Errorf("consul: get %q: %w", key, err)
	}
	if pair == nil {
		return prefz.Value{}, false, nil
	}
	var v prefz.Value
	if err := json.Unmarshal(pair.Value, &v); err != nil {
		return prefz.Value{}, false, fmt.Errorf("consul: decode %q: %w", key, err)
	}
	if err := prefz.CheckKind(key, kind, v); err != nil {
		return prefz.Value{}, false, err
	}
	return v, true, nil
}

// Contains implements prefz.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	pair, _, err := s.client.KV().Get(s.prefix+key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("consul: get %q: %w", key, err)
	}
	return pair != nil, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	pairs, _, err := s.client.KV().List(s.prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("consul: list: %w", err)
	}
	out := make(map[string]prefz.Value, len(pairs))
	for _, pair := range pairs {
		key := strings.TrimPrefix(pair.Key, s.prefix)
		var v prefz.Value
		if err := json.Unmarshal(pair.Value, &v); err != nil {
			return nil, fmt.Errorf("consul: decode %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Commit implements prefz.Store. Consul applies the operations of a
// transaction in order and all-or-nothing.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	ops := make(api.KVTxnOps, 0, len(edits))
	for _, e := range edits {
		switch e.Op {
		case prefz.OpPut:
			data, err := json.Marshal(e.Value)
			if err != nil {
				return fmt.Errorf("consul: encode %q: %w", e.Key, err)
			}
			ops = append(ops, &api.KVTxnOp{Verb: api.KVSet, Key: s.prefix + e.Key, Value: data})
		case prefz.OpRemove:
			ops = append(ops, &api.KVTxnOp{Verb: api.KVDelete, Key: s.prefix + e.Key})
		case prefz.OpClear:
			ops = append(ops, &api.KVTxnOp{Verb: api.KVDeleteTree, Key: s.prefix})
		}
	}
	if len(ops) == 0 {
		return nil
	}

	ok, resp, _, err := s.client.KV().Txn(ops, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul: commit: %w", err)
	}
	if !ok {
		var errs []error
		if resp != nil {
			for _, e := range resp.Errors {
				errs = append(errs, fmt.Errorf("op %d: %s", e.OpIndex, e.What))
			}
		}
		return fmt.Errorf("consul: commit rolled back: %w", errors.Join(errs...))
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

// watch starts the change feed. The prefix is listed once up front so the
// first blocking query only returns for changes made after registration.
// Failed queries are retried after retryDelay; if the first listing failed,
// every key is announced as changed once one succeeds.
func (s *Store) watch() func() {
	ctx, cancel := context.WithCancel(context.Background())
	kv := s.client.KV()

	var (
		known     map[string]uint64
		lastIndex uint64
	)
	pairs, meta, err := kv.List(s.prefix, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		s.feedFailed(err)
	} else {
		known = indexes(pairs)
		lastIndex = meta.LastIndex
	}

	go func() {
		for {
			opts := &api.QueryOptions{WaitIndex: lastIndex, WaitTime: s.wait}
			pairs, meta, err := kv.List(s.prefix, opts.WithContext(ctx))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.feedFailed(err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
				continue
			}

			if known == nil {
				known = indexes(pairs)
				lastIndex = meta.LastIndex
				s.registry.Notify(prefz.Notification{All: true})
				continue
			}

			// Consul may reset the index; start over from zero.
			if meta.LastIndex < lastIndex {
				lastIndex = 0
				continue
			}
			if meta.LastIndex == lastIndex {
				continue
			}
			lastIndex = meta.LastIndex

			current := indexes(pairs)
			for _, key := range diff(known, current) {
				s.registry.Notify(prefz.Notification{Key: strings.TrimPrefix(key, s.prefix)})
			}
			known = current
		}
	}()

	return cancel
}

func (s *Store) feedFailed(err error) {
	capitan.Emit(context.Background(), prefz.StoreFeedFailed,
		prefz.KeyBackend.Field("consul"),
		prefz.KeyError.Field(err.Error()),
	)
}

func indexes(pairs api.KVPairs) map[string]uint64 {
	out := make(map[string]uint64, len(pairs))
	for _, p := range pairs {
		out[p.Key] = p.ModifyIndex
	}
	return out
}

// diff returns the keys created, modified or deleted between two listings.
func diff(before, after map[string]uint64) []string {
	var changed []string
	for k, idx := range after {
		if prev, ok := before[k]; !ok || prev != idx {
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

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
