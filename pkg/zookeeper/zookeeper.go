// Package zookeeper provides a prefz.Store kept in a single ZooKeeper node.
// The node holds the whole preference document; commits are a
// compare-and-set on the node version and changes are picked up with the
// native watch API.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
)

// ErrConflict is returned when a commit keeps losing the version race with
// concurrent writers.
var ErrConflict = errors.New("zookeeper: concurrent modification")

// Store is a prefz.Store over one ZooKeeper node.
type Store struct {
	conn     *zk.Conn
	path     string
	acl      []zk.ACL
	attempts int
	codec    prefz.Codec
	registry *prefz.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithACL sets the ACL used when the node and its parents are created.
// Defaults to zk.WorldACL(zk.PermAll).
func WithACL(acl []zk.ACL) Option {
	return func(s *Store) {
		s.acl = acl
	}
}

// WithConflictRetries sets how many times a commit is retried after the
// node changed between reading and writing it. Defaults to 5.
func WithConflictRetries(n int) Option {
	return func(s *Store) {
		s.attempts = n
	}
}

// New creates a Store keeping its document at path.
func New(conn *zk.Conn, path string, opts ...Option) *Store {
	s := &Store{
		conn:     conn,
		path:     path,
		acl:      zk.WorldACL(zk.PermAll),
		attempts: 5,
		codec:    prefz.JSONCodec{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = prefz.NewRegistry(s.watch)
	return s
}

// read returns the document and the node's stat; stat is nil when the
// node does not exist.
func (s *Store) read() (map[string]prefz.Value, *zk.Stat, error) {
	data, stat, err := s.conn.Get(s.path)
	if errors.Is(err, zk.ErrNoNode) {
		return map[string]prefz.Value{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("zookeeper: get %s: %w", s.path, err)
	}
	values, err := s.codec.Unmarshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("zookeeper: decode %s: %w", s.path, err)
	}
	return values, stat, nil
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return prefz.Value{}, false, err
	}
	values, _, err := s.read()
	if err != nil {
		return prefz.Value{}, false, err
	}
	v, ok := values[key]
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
	values, _, err := s.read()
	if err != nil {
		return false, err
	}
	_, ok := values[key]
	return ok, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, _, err := s.read()
	return values, err
}

// Commit implements prefz.Store. The document is rewritten with the
// version it was read at; a concurrent write makes the set fail and the
// batch is replayed on the fresh document.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	for attempt := 0; attempt < s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, stat, err := s.read()
		if err != nil {
			return err
		}
		prefz.ApplyEdits(values, edits)
		data, err := s.codec.Marshal(values)
		if err != nil {
			return fmt.Errorf("zookeeper: encode: %w", err)
		}

		if stat == nil {
			err = s.create(data)
			if errors.Is(err, zk.ErrNodeExists) {
				continue
			}
		} else {
			_, err = s.conn.Set(s.path, data, stat.Version)
			if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("zookeeper: commit %s: %w", s.path, err)
		}
		return nil
	}
	return ErrConflict
}

// create creates the node, and its parents if they are missing.
func (s *Store) create(data []byte) error {
	_, err := s.conn.Create(s.path, data, 0, s.acl)
	if !errors.Is(err, zk.ErrNoNode) {
		return err
	}
	parts := strings.Split(strings.Trim(s.path, "/"), "/")
	for i := 1; i < len(parts); i++ {
		parent := "/" + strings.Join(parts[:i], "/")
		if _, err := s.conn.Create(parent, nil, 0, s.acl); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	_, err = s.conn.Create(s.path, data, 0, s.acl)
	return err
}

// RegisterListener implements prefz.Store.
func (s *Store) RegisterListener(l prefz.Listener) prefz.ListenerID {
	return s.registry.Register(l)
}

// UnregisterListener implements prefz.Store.
func (s *Store) UnregisterListener(id prefz.ListenerID) {
	s.registry.Unregister(id)
}

// arm reads the document and leaves a watch on the node. A missing node is
// an empty document watched for creation. A document that does not decode
// is reported and returned as nil.
func (s *Store) arm() (map[string]prefz.Value, <-chan zk.Event, error) {
	data, _, events, err := s.conn.GetW(s.path)
	if errors.Is(err, zk.ErrNoNode) {
		exists, _, events, err := s.conn.ExistsW(s.path)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return s.arm()
		}
		return map[string]prefz.Value{}, events, nil
	}
	if err != nil {
		return nil, nil, err
	}
	values, err := s.codec.Unmarshal(data)
	if err != nil {
		s.feedFailed(fmt.Errorf("decode %s: %w", s.path, err))
		return nil, events, nil
	}
	return values, events, nil
}

// watch starts following the node. The first watch is armed before
// returning so no commit made after registration is missed. ZooKeeper
// watches fire once, so every event re-arms.
func (s *Store) watch() func() {
	ctx, cancel := context.WithCancel(context.Background())

	known, events, err := s.arm()
	if err != nil {
		s.feedFailed(err)
		closed := make(chan zk.Event)
		close(closed)
		events = closed
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
			}

			for {
				next, ch, err := s.arm()
				if err == nil {
					s.notify(known, next)
					known, events = next, ch
					break
				}
				s.feedFailed(err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()

	return cancel
}

// notify reports the keys that differ between two documents. Either side
// being undecodable notifies every key.
func (s *Store) notify(before, after map[string]prefz.Value) {
	if before == nil || after == nil {
		s.registry.Notify(prefz.Notification{All: true})
		return
	}
	for k, v := range after {
		if prev, ok := before[k]; !ok || !prev.Equal(v) {
			s.registry.Notify(prefz.Notification{Key: k})
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			s.registry.Notify(prefz.Notification{Key: k})
		}
	}
}

func (s *Store) feedFailed(err error) {
	capitan.Emit(context.Background(), prefz.StoreFeedFailed,
		prefz.KeyBackend.Field("zookeeper"),
		prefz.KeyError.Field(err.Error()),
	)
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
