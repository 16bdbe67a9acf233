// Package postgres provides a prefz.Store backed by a PostgreSQL table.
// Commits run in a transaction that also calls pg_notify, and the change
// feed LISTENs on the same channel, so every process sharing the table sees
// each committed batch once it is durable.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/prefz"
)

// maxPayload keeps notifications under PostgreSQL's 8000 byte limit. Larger
// batches are announced as a change of every key.
const maxPayload = 7900

// retryDelay is how long the change feed waits before reconnecting.
var retryDelay = time.Second

// Store keeps every preference as one row of a key/value table.
//
// Expected schema (see Migrate):
//
//	CREATE TABLE preferences (
//	    key   TEXT PRIMARY KEY,
//	    value JSONB NOT NULL
//	);
type Store struct {
	pool     *pgxpool.Pool
	table    string
	channel  string
	registry *prefz.Registry
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table name.
// Defaults to "preferences".
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithChannel sets the LISTEN/NOTIFY channel.
// Defaults to "preferences_changed".
func WithChannel(channel string) Option {
	return func(s *Store) {
		s.channel = channel
	}
}

// New creates a Store using pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		table:   "preferences",
		channel: "preferences_changed",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = prefz.NewRegistry(s.listen)
	return s
}

func (s *Store) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// Migrate creates the table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key   TEXT PRIMARY KEY,
			value JSONB NOT NULL
		)`, s.ident()))
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Get implements prefz.Store.
func (s *Store) Get(ctx context.Context, key string, kind prefz.Kind) (prefz.Value, bool, error) {
	var data []byte
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", s.ident())
	err := s.pool.QueryRow(ctx, query, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefz.Value{}, false, nil
	}
	if err != nil {
		return prefz.Value{}, false, fmt.Errorf("postgres: get %q: %w", key, err)
	}
	var v prefz.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return prefz.Value{}, false, fmt.Errorf("postgres: decode %q: %w", key, err)
	}
	if err := prefz.CheckKind(key, kind, v); err != nil {
		return prefz.Value{}, false, err
	}
	return v, true, nil
}

// Contains implements prefz.Store.
func (s *Store) Contains(ctx context.Context, key string) (bool, error) {
	var ok bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE key = $1)", s.ident())
	if err := s.pool.QueryRow(ctx, query, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres: exists %q: %w", key, err)
	}
	return ok, nil
}

// All implements prefz.Store.
func (s *Store) All(ctx context.Context) (map[string]prefz.Value, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT key, value FROM %s", s.ident()))
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]prefz.Value)
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("postgres: scan: %w", err)
		}
		var v prefz.Value
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("postgres: decode %q: %w", key, err)
		}
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	return out, nil
}

// Commit implements prefz.Store.
func (s *Store) Commit(ctx context.Context, edits []prefz.Edit) error {
	payload, err := json.Marshal(prefz.Changes(edits))
	if err != nil {
		return err
	}
	if len(payload) > maxPayload {
		payload = []byte(`[{"all":true}]`)
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, s.ident())
	remove := fmt.Sprintf("DELETE FROM %s WHERE key = $1", s.ident())
	truncate := fmt.Sprintf("DELETE FROM %s", s.ident())

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, e := range edits {
			switch e.Op {
			case prefz.OpPut:
				data, err := json.Marshal(e.Value)
				if err != nil {
					return fmt.Errorf("encode %q: %w", e.Key, err)
				}
				if _, err := tx.Exec(ctx, upsert, e.Key, data); err != nil {
					return fmt.Errorf("put %q: %w", e.Key, err)
				}
			case prefz.OpRemove:
				if _, err := tx.Exec(ctx, remove, e.Key); err != nil {
					return fmt.Errorf("remove %q: %w", e.Key, err)
				}
			case prefz.OpClear:
				if _, err := tx.Exec(ctx, truncate); err != nil {
					return fmt.Errorf("clear: %w", err)
				}
			}
		}
		_, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, string(payload))
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
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

// listen starts the change feed on a dedicated pooled connection. A lost
// connection is re-established after retryDelay, and every key is announced
// as changed once it is back since notifications sent meanwhile are gone.
func (s *Store) listen() func() {
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := s.connect(ctx)

	go func() {
		for {
			if err == nil {
				err = s.follow(ctx, conn)
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
			if conn, err = s.connect(ctx); err == nil {
				s.registry.Notify(prefz.Notification{All: true})
			}
		}
	}()

	return cancel
}

// connect takes a connection out of the pool and puts it in LISTEN state.
func (s *Store) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen on %s: %w", s.channel, err)
	}
	// The connection stays in LISTEN state, so it never goes back to the pool.
	return conn.Hijack(), nil
}

// follow relays notifications until the connection fails or ctx ends.
func (s *Store) follow(ctx context.Context, conn *pgx.Conn) error {
	defer conn.Close(context.Background())

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var notes []prefz.Notification
		if err := json.Unmarshal([]byte(n.Payload), &notes); err != nil {
			notes = []prefz.Notification{{All: true}}
		}
		for _, note := range notes {
			s.registry.Notify(note)
		}
	}
}

func (s *Store) feedFailed(err error) {
	capitan.Emit(context.Background(), prefz.StoreFeedFailed,
		prefz.KeyBackend.Field("postgres"),
		prefz.KeyError.Field(err.Error()),
	)
}

// Ensure Store implements prefz.Store.
var _ prefz.Store = (*Store)(nil)
