// Package firestore provides a prefz.Store kept in a single Firestore
// document. Commits run in a Firestore transaction and changes arrive
// through realtime snapshot listeners.
package firestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Store is a prefz.Store over one Firestore document. Preferences live in a
// map field, one entry per key, each encoded in prefz's JSON wire form.
type Store struct {
	client   *firestore.Client
	doc      *firestore.DocumentRef
	field    string
	registry *prefz.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithField sets the map field holding the preferences.
// Defaults to "prefs".
func WithField(field string) Option {
	return func(s *Store) {
		s.field = field
	}
}

// New creates a Store for the given document.
func New(client *firestore.Client, collection, document string, opts ...Option) *Store {
	s := &Store{
		client: client,
		doc:    client.Collection(collection).Doc(document),
		field:  "prefs",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = prefz.NewRegistry(s.listen)
	return s
}

// decode turns a document read into preferences. A missing document is an
// empty store.
func (s *Store) decode(snap *firestore.DocumentSnapshot, err error) (map[string]prefz.Value, error) {
	if status.Code(err) == codes.NotFound || (err == nil && !snap.Exists()) {
		return map[string]prefz.Value{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("firestore: get %s: %w", s.doc.Path, err)
	}

	raw, _ := snap.Data()[s.field].(map[string]any)
	values := make(map[string]prefz.Value, len(raw))
	for k, entry := range raw {
		text, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("firestore: decode %q: expected string, got %T", k, entry)
		}
		var v prefz.Value
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("firestore: decode %q: %w", k, err)
		}
		values[k] = v
	}
	return values, nil
}

func (s *Store) encode(values map[string]prefz.Value) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("firestore: encode %q: %w", k, err)
		}
		out[k] = string(data)
	}
	return map[string]any{s.field: out}, nil
}

func (s *Store) load(ctx context.Context) (map[string]prefz.Value, error) {
	return s.decode(s.doc.Get(ctx))
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	values, err := s.load(ctx)
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
	values, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	_, ok := values[key]
	return ok, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	return s.load(ctx)
}

// Commit implements prefz.Store. Firestore retries the transaction itself
// when the document changes underneath it.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		values, err := s.decode(tx.Get(s.doc))
		if err != nil {
			return err
		}
		prefz.ApplyEdits(values, edits)
		data, err := s.encode(values)
		if err != nil {
			return err
		}
		return tx.Set(s.doc, data)
	})
	if err != nil {
		return fmt.Errorf("firestore: commit: %w", err)
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

// listen opens a snapshot listener and waits for its first snapshot, so no
// commit made after registration is missed. A broken listener is reopened
// after a pause and everything is notified, since changes may have been
// missed in between.
func (s *Store) listen() func() {
	ctx, cancel := context.WithCancel(context.Background())

	snapshots := s.doc.Snapshots(ctx)
	known, err := s.decode(snapshots.Next())
	if err != nil {
		s.feedFailed(err)
	}

	go func() {
		defer func() { snapshots.Stop() }()

		for {
			snap, err := snapshots.Next()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.feedFailed(err)
				snapshots.Stop()
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				snapshots = s.doc.Snapshots(ctx)
				known = nil
				continue
			}

			next, err := s.decode(snap, nil)
			if err != nil {
				s.feedFailed(err)
			}
			s.notify(known, next)
			known = next
		}
	}()

	return cancel
}

// notify reports the keys that differ between two snapshots. An unknown
// or undecodable snapshot on either side notifies every key.
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
		prefz.KeyBackend.Field("firestore"),
		prefz.KeyError.Field(err.Error()),
	)
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
