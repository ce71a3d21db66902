package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	crdbpgx "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"

	"github.com/talkie/backend/internal/db"
)

// DefaultPollInterval is how often Postgres subscriptions check for new revisions.
const DefaultPollInterval = 250 * time.Millisecond

// Postgres stores documents as JSONB rows in a single documents table. Every
// write bumps a revision column that subscriptions poll, which keeps the backend
// usable on CockroachDB where LISTEN/NOTIFY is unavailable.
type Postgres struct {
	pool         db.Pool
	pollInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*pollSubscription]struct{}
}

// PostgresOption configures a Postgres directory.
type PostgresOption func(*Postgres)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithPostgresLogger sets the logger used by subscription pollers.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(p *Postgres) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPostgres constructs a directory backed by the documents table.
func NewPostgres(pool db.Pool, opts ...PostgresOption) *Postgres {
	if pool == nil {
		panic("directory: pool must not be nil")
	}
	p := &Postgres{
		pool:         pool,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		subs:         make(map[*pollSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get fetches one document.
func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	data, _, err := p.load(ctx, collection, id)
	if err != nil {
		return Document{}, err
	}
	return Document{Collection: collection, ID: id, Data: data}, nil
}

func (p *Postgres) load(ctx context.Context, collection, id string) (json.RawMessage, int64, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var (
		data     []byte
		revision int64
	)
	err = conn.QueryRow(ctx, `
        SELECT data, revision
        FROM documents
        WHERE collection = $1 AND id = $2
    `, collection, id).Scan(&data, &revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("select document %s/%s: %w", collection, id, err)
	}
	return data, revision, nil
}

// Set replaces the document, creating it when missing.
func (p *Postgres) Set(ctx context.Context, collection, id string, fields Fields) error {
	data, err := encodeFields(id, fields)
	if err != nil {
		return err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, `
        INSERT INTO documents (collection, id, data, revision, updated_at)
        VALUES ($1, $2, $3::jsonb, 1, NOW())
        ON CONFLICT (collection, id) DO UPDATE
        SET data = excluded.data,
            revision = documents.revision + 1,
            updated_at = NOW()
    `, collection, id, string(data))
	if err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Update merges fields into the top level of an existing document.
func (p *Postgres) Update(ctx context.Context, collection, id string, fields Fields) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE documents
        SET data = data || $3::jsonb,
            revision = revision + 1,
            updated_at = NOW()
        WHERE collection = $1 AND id = $2
    `, collection, id, string(patch))
	if err != nil {
		return fmt.Errorf("update document %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the document. Deleting a missing document is not an error.
func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return fmt.Errorf("delete document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query returns documents whose top-level field equals value, ordered by id.
func (p *Postgres) Query(ctx context.Context, collection, field, value string) ([]Document, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
        SELECT id, data
        FROM documents
        WHERE collection = $1 AND data->>($2::TEXT) = $3
        ORDER BY id
    `, collection, field, value)
	if err != nil {
		return nil, fmt.Errorf("query documents %s by %s: %w", collection, field, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc := Document{Collection: collection}
		var data []byte
		if err := rows.Scan(&doc.ID, &data); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// ArrayUnion adds values to a list field inside a serializable transaction.
func (p *Postgres) ArrayUnion(ctx context.Context, collection, id, field string, values ...string) error {
	return p.mutateArray(ctx, collection, id, field, values, false)
}

// ArrayRemove removes values from a list field inside a serializable transaction.
func (p *Postgres) ArrayRemove(ctx context.Context, collection, id, field string, values ...string) error {
	return p.mutateArray(ctx, collection, id, field, values, true)
}

func (p *Postgres) mutateArray(ctx context.Context, collection, id, field string, values []string, remove bool) error {
	err := crdbpgx.ExecuteTx(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var data []byte
		err := tx.QueryRow(ctx, `
            SELECT data
            FROM documents
            WHERE collection = $1 AND id = $2
            FOR UPDATE
        `, collection, id).Scan(&data)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select document: %w", err)
		}

		next, err := mutateArray(data, field, values, remove)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
            UPDATE documents
            SET data = $3::jsonb,
                revision = revision + 1,
                updated_at = NOW()
            WHERE collection = $1 AND id = $2
        `, collection, id, string(next)); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("mutate %s on %s/%s: %w", field, collection, id, err)
	}
	return nil
}

// Subscribe starts a poller that emits a snapshot whenever the document's
// revision or existence changes. Writes landing within one poll interval are
// coalesced into the latest state, so a field that flips and flips back between
// polls produces no snapshot at all.
func (p *Postgres) Subscribe(ctx context.Context, collection, id string) (Subscription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	sub := newPollSubscription(p, collection, id)
	p.subs[sub] = struct{}{}
	p.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Close stops every active subscription.
func (p *Postgres) Close() {
	p.mu.Lock()
	p.closed = true
	subs := make([]*pollSubscription, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (p *Postgres) forget(sub *pollSubscription) {
	p.mu.Lock()
	delete(p.subs, sub)
	p.mu.Unlock()
}

type pollSubscription struct {
	owner      *Postgres
	collection string
	id         string
	events     chan Snapshot
	done       chan struct{}
	once       sync.Once
}

func newPollSubscription(owner *Postgres, collection, id string) *pollSubscription {
	return &pollSubscription{
		owner:      owner,
		collection: collection,
		id:         id,
		events:     make(chan Snapshot, 16),
		done:       make(chan struct{}),
	}
}

func (s *pollSubscription) Events() <-chan Snapshot {
	return s.events
}

func (s *pollSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.owner.forget(s)
	})
}

func (s *pollSubscription) run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.owner.pollInterval)
	defer ticker.Stop()

	var (
		first    = true
		exists   bool
		revision int64
		last     json.RawMessage
	)
	for {
		data, rev, err := s.owner.load(ctx, s.collection, s.id)
		switch {
		case errors.Is(err, ErrNotFound):
			if first || exists {
				exists = false
				last = nil
				if !s.emit(ctx, snapshotOf(s.collection, s.id, nil)) {
					return
				}
			}
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.owner.logger.Warn("poll document failed", "collection", s.collection, "id", s.id, "error", err)
			if first && !s.emit(ctx, Snapshot{Collection: s.collection, ID: s.id, Err: err}) {
				return
			}
		default:
			if first || !exists || rev != revision || !bytes.Equal(data, last) {
				exists = true
				revision = rev
				last = data
				if !s.emit(ctx, snapshotOf(s.collection, s.id, data)) {
					return
				}
			}
		}
		first = false

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *pollSubscription) emit(ctx context.Context, snap Snapshot) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case s.events <- snap:
		return true
	}
}

var _ Directory = (*Postgres)(nil)
