package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	redisDocPrefix    = "doc:"        // doc:{collection}:{id} - JSON document
	redisRevPrefix    = "doc:rev:"    // doc:rev:{collection}:{id} - monotonically increasing revision
	redisNotifyPrefix = "doc:notify:" // doc:notify:{collection}:{id} - change channel

	redisMaxTxAttempts = 5
)

// Redis stores each document as a JSON string and announces every committed
// write on a per-document Pub/Sub channel.
type Redis struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewRedis constructs a Redis-backed directory.
func NewRedis(rdb redis.UniversalClient, logger *slog.Logger) *Redis {
	if rdb == nil {
		panic("directory: redis client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, logger: logger}
}

// redisChange is the payload published on the notify channel. Data is null when
// the document was deleted.
type redisChange struct {
	Revision int64           `json:"rev"`
	Data     json.RawMessage `json:"data"`
}

func redisDocKey(collection, id string) string {
	return redisDocPrefix + collection + ":" + id
}

func redisRevKey(collection, id string) string {
	return redisRevPrefix + collection + ":" + id
}

func redisNotifyChannel(collection, id string) string {
	return redisNotifyPrefix + collection + ":" + id
}

// Get fetches one document.
func (r *Redis) Get(ctx context.Context, collection, id string) (Document, error) {
	data, err := r.rdb.Get(ctx, redisDocKey(collection, id)).Bytes()
	if err == redis.Nil {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}
	return Document{Collection: collection, ID: id, Data: data}, nil
}

// Set replaces the document.
func (r *Redis) Set(ctx context.Context, collection, id string, fields Fields) error {
	data, err := encodeFields(id, fields)
	if err != nil {
		return err
	}
	return r.write(ctx, collection, id, func(json.RawMessage, bool) (json.RawMessage, error) {
		return data, nil
	})
}

// Update merges fields into an existing document.
func (r *Redis) Update(ctx context.Context, collection, id string, fields Fields) error {
	return r.write(ctx, collection, id, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrNotFound
		}
		return mergeFields(current, fields)
	})
}

// Delete removes the document. Deleting a missing document is not an error.
func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	err := r.write(ctx, collection, id, func(_ json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrNotFound
		}
		return nil, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Query scans the collection and returns documents whose field equals value,
// ordered by id.
func (r *Redis) Query(ctx context.Context, collection, field, value string) ([]Document, error) {
	prefix := redisDocKey(collection, "")

	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s documents: %w", collection, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s documents: %w", collection, err)
	}

	var docs []Document
	for i, raw := range values {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		data := json.RawMessage(s)
		if !fieldEquals(data, field, value) {
			continue
		}
		docs = append(docs, Document{
			Collection: collection,
			ID:         strings.TrimPrefix(keys[i], prefix),
			Data:       data,
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// ArrayUnion adds values to a list field.
func (r *Redis) ArrayUnion(ctx context.Context, collection, id, field string, values ...string) error {
	return r.write(ctx, collection, id, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrNotFound
		}
		return mutateArray(current, field, values, false)
	})
}

// ArrayRemove removes values from a list field.
func (r *Redis) ArrayRemove(ctx context.Context, collection, id, field string, values ...string) error {
	return r.write(ctx, collection, id, func(current json.RawMessage, exists bool) (json.RawMessage, error) {
		if !exists {
			return nil, ErrNotFound
		}
		return mutateArray(current, field, values, true)
	})
}

// write runs an optimistic WATCH/MULTI transaction. A nil result from mutate
// deletes the document. The revision bump and the change notification commit
// together with the write.
func (r *Redis) write(ctx context.Context, collection, id string, mutate func(current json.RawMessage, exists bool) (json.RawMessage, error)) error {
	docKey := redisDocKey(collection, id)
	revKey := redisRevKey(collection, id)
	channel := redisNotifyChannel(collection, id)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, docKey).Bytes()
		exists := true
		if err == redis.Nil {
			exists = false
		} else if err != nil {
			return fmt.Errorf("get document: %w", err)
		}

		rev, err := tx.Get(ctx, revKey).Int64()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("get revision: %w", err)
		}

		next, err := mutate(current, exists)
		if err != nil {
			return err
		}

		change, err := json.Marshal(redisChange{Revision: rev + 1, Data: next})
		if err != nil {
			return fmt.Errorf("encode change: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, docKey)
			} else {
				pipe.Set(ctx, docKey, []byte(next), 0)
			}
			pipe.Set(ctx, revKey, strconv.FormatInt(rev+1, 10), 0)
			pipe.Publish(ctx, channel, change)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisMaxTxAttempts; attempt++ {
		err := r.rdb.Watch(ctx, txf, docKey, revKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("write document %s/%s: %w", collection, id, err)
	}
	return fmt.Errorf("write document %s/%s: %w", collection, id, redis.TxFailedErr)
}

// Subscribe listens on the document's notify channel. The current state is read
// after the channel is confirmed so no committed write is missed; notifications
// at or below an already delivered revision are dropped.
func (r *Redis) Subscribe(ctx context.Context, collection, id string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, redisNotifyChannel(collection, id))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s/%s: %w", collection, id, err)
	}

	sub := &redisSubscription{
		events: make(chan Snapshot, 16),
		done:   make(chan struct{}),
		ps:     ps,
	}
	go sub.run(ctx, r, collection, id)
	return sub, nil
}

func (r *Redis) current(ctx context.Context, collection, id string) (json.RawMessage, int64, error) {
	values, err := r.rdb.MGet(ctx, redisDocKey(collection, id), redisRevKey(collection, id)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("load document %s/%s: %w", collection, id, err)
	}

	var rev int64
	if s, ok := values[1].(string); ok {
		rev, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parse revision %s/%s: %w", collection, id, err)
		}
	}
	if s, ok := values[0].(string); ok {
		return json.RawMessage(s), rev, nil
	}
	return nil, rev, nil
}

type redisSubscription struct {
	events chan Snapshot
	done   chan struct{}
	once   sync.Once
	ps     *redis.PubSub
}

func (s *redisSubscription) Events() <-chan Snapshot {
	return s.events
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ps.Close()
	})
}

func (s *redisSubscription) run(ctx context.Context, r *Redis, collection, id string) {
	defer close(s.events)
	defer s.Close()

	messages := s.ps.Channel()

	data, lastRev, err := r.current(ctx, collection, id)
	if err != nil {
		s.emit(ctx, Snapshot{Collection: collection, ID: id, Err: err})
		return
	}
	if !s.emit(ctx, snapshotOf(collection, id, data)) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var change redisChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.logger.Warn("decode document change", "collection", collection, "id", id, "error", err)
				continue
			}
			if change.Revision <= lastRev {
				continue
			}
			lastRev = change.Revision

			var body json.RawMessage
			if len(change.Data) > 0 && string(change.Data) != "null" {
				body = change.Data
			}
			if !s.emit(ctx, snapshotOf(collection, id, body)) {
				return
			}
		}
	}
}

func (s *redisSubscription) emit(ctx context.Context, snap Snapshot) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	case s.events <- snap:
		return true
	}
}

var _ Directory = (*Redis)(nil)
