// Package redis provides a prefz.Store backed by a Redis hash. Commits run
// in MULTI/EXEC and publish their changes on a pub/sub channel, so every
// process sharing the hash sees them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
)

// retryDelay is how long the change feed waits before subscribing again.
var retryDelay = time.Second

// Store keeps every preference as one field of a Redis hash, encoded in
// prefz's JSON wire form.
type Store struct {
	client   *redis.Client
	hash     string
	channel  string
	registry *prefz.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithChannel sets the pub/sub channel changes are broadcast on.
// Default: "<hash>:changes".
func WithChannel(channel string) Option {
	return func(s *Store) {
		s.channel = channel
	}
}

// New creates a Store over the given hash key.
func New(client *redis.Client, hash string, opts ...Option) *Store {
	s := &Store{
		client:  client,
		hash:    hash,
		channel: hash + ":changes",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = prefz.NewRegistry(s.subscribe)
	return s
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	data, err := s.client.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return prefz.Value{}, false, nil
	}
	if err != nil {
		return prefz.Value{}, false, fmt.Errorf("redis: get %q: %w", key, err)
	}
	var v prefz.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return prefz.Value{}, false, fmt.Errorf("redis: decode %q: %w", key, err)
	}
	if err := prefz.CheckKind(key, kind, v); err != nil {
		return prefz.Value{}, false, err
	}
	return v, true, nil
}

// Contains implements prefz.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.hash, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %q: %w", key, err)
	}
	return ok, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	fields, err := s.client.HGetAll(ctx, s.hash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list: %w", err)
	}
	out := make(map[string]prefz.Value, len(fields))
	for k, raw := range fields {
		var v prefz.Value
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("redis: decode %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Commit implements prefz.Store. The batch and its change broadcast run in
// one MULTI/EXEC transaction.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	payloads := make([][]byte, len(edits))
	for i, e := range edits {
		if e.Op != prefz.OpPut {
			continue
		}
		data, err := json.Marshal(e.Value)
		if err != nil {
			return fmt.Errorf("redis: encode %q: %w", e.Key, err)
		}
		payloads[i] = data
	}
	changes, err := json.Marshal(prefz.Changes(edits))
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range edits {
			switch e.Op {
			case prefz.OpPut:
				pipe.HSet(ctx, s.hash, e.Key, payloads[i])
			case prefz.OpRemove:
				pipe.HDel(ctx, s.hash, e.Key)
			case prefz.OpClear:
				pipe.Del(ctx, s.hash)
			}
		}
		pipe.Publish(ctx, s.channel, changes)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: commit: %w", err)
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

// subscribe starts the change feed. The subscription is confirmed before it
// returns so no commit made after registration is missed. If it cannot be
// confirmed it is retried every retryDelay.
func (s *Store) subscribe() func() {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, s.channel)
	_, err := pubsub.Receive(ctx)

	go func() {
		// The subscription could not be confirmed; keep trying, then report
		// every key as changed since publishes before it were missed.
		for err != nil {
			if ctx.Err() != nil {
				return
			}
			capitan.Emit(context.Background(), prefz.StoreFeedFailed,
				prefz.KeyBackend.Field("redis"),
				prefz.KeyError.Field(err.Error()),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			if _, err = pubsub.Receive(ctx); err == nil {
				s.registry.Notify(prefz.Notification{All: true})
			}
		}

		for msg := range pubsub.Channel() {
			var notes []prefz.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &notes); err != nil {
				// Someone else published on our channel; treat it as a
				// change of unknown scope.
				notes = []prefz.Notification{{All: true}}
			}
			for _, n := range notes {
				s.registry.Notify(n)
			}
		}
	}()

	return func() {
		cancel()
		pubsub.Close()
	}
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
