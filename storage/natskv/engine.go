// Package natskv implements storage.Engine on NATS JetStream KeyValue
// buckets. Each collection maps to one bucket and the entry revision is the
// record ETag, so conditional writes use the bucket's native
// compare-and-swap.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/devicesim/storage"
)

// Engine stores collections in JetStream KeyValue buckets.
type Engine struct {
	js       jetstream.JetStream
	prefix   string
	replicas int

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

// Option configures an Engine.
type Option func(*Engine)

// WithBucketPrefix prepends prefix to every bucket name.
func WithBucketPrefix(prefix string) Option {
	return func(e *Engine) {
		e.prefix = prefix
	}
}

// WithReplicas sets the replica count of the buckets the engine creates.
func WithReplicas(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.replicas = n
		}
	}
}

// New creates an Engine. Buckets are created lazily on first use.
//
// Panics if js is nil.
func New(js jetstream.JetStream, opts ...Option) *Engine {
	if js == nil {
		panic("devicesim/natskv: JetStream must not be nil")
	}
	e := &Engine{
		js:       js,
		prefix:   "devicesim_",
		replicas: 1,
		buckets:  make(map[string]jetstream.KeyValue),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

var _ storage.Engine = (*Engine)(nil)

func (e *Engine) Get(ctx context.Context, collection, key string) (*storage.Record, error) {
	kv, err := e.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	entry, err := kv.Get(ctx, key)
	if err != nil {
		return nil, mapError(err)
	}

	return toRecord(entry), nil
}

func (e *Engine) List(ctx context.Context, collection string) ([]*storage.Record, error) {
	kv, err := e.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer func() { _ = lister.Stop() }()

	var out []*storage.Record
	for key := range lister.Keys() {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			// deleted between listing and reading
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}

			return nil, mapError(err)
		}
		out = append(out, toRecord(entry))
	}

	return out, nil
}

func (e *Engine) Create(ctx context.Context, collection, key string, value []byte) (*storage.Record, error) {
	kv, err := e.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	rev, err := kv.Create(ctx, key, value)
	if err != nil {
		return nil, mapError(err)
	}

	return &storage.Record{Key: key, Value: value, ETag: formatRevision(rev)}, nil
}

func (e *Engine) Upsert(ctx context.Context, collection, key string, value []byte, etag string) (*storage.Record, error) {
	kv, err := e.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	var rev uint64
	if etag == "" {
		rev, err = kv.Put(ctx, key, value)
	} else {
		expected, perr := parseRevision(etag)
		if perr != nil {
			return nil, perr
		}
		if _, gerr := kv.Get(ctx, key); gerr != nil {
			return nil, mapError(gerr)
		}
		rev, err = kv.Update(ctx, key, value, expected)
	}
	if err != nil {
		return nil, mapError(err)
	}

	return &storage.Record{Key: key, Value: value, ETag: formatRevision(rev)}, nil
}

func (e *Engine) Delete(ctx context.Context, collection, key, etag string) error {
	kv, err := e.bucket(ctx, collection)
	if err != nil {
		return err
	}

	if _, err := kv.Get(ctx, key); err != nil {
		return mapError(err)
	}

	if etag == "" {
		return mapError(kv.Delete(ctx, key))
	}

	expected, err := parseRevision(etag)
	if err != nil {
		return err
	}

	return mapError(kv.Delete(ctx, key, jetstream.LastRevision(expected)))
}

// Close forgets the cached bucket handles. The NATS connection is owned by
// the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	clear(e.buckets)
	e.mu.Unlock()

	return nil
}

func (e *Engine) bucket(ctx context.Context, collection string) (jetstream.KeyValue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if kv, ok := e.buckets[collection]; ok {
		return kv, nil
	}

	kv, err := e.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   e.prefix + collection,
		History:  1,
		Replicas: e.replicas,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", collection, err)
	}
	e.buckets[collection] = kv

	return kv, nil
}

func toRecord(entry jetstream.KeyValueEntry) *storage.Record {
	return &storage.Record{
		Key:   entry.Key(),
		Value: entry.Value(),
		ETag:  formatRevision(entry.Revision()),
	}
}

// mapError translates JetStream KV errors to storage errors. A wrong last
// sequence is reported by JetStream as ErrKeyExists.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		return storage.ErrNotFound
	case errors.Is(err, jetstream.ErrKeyExists):
		return fmt.Errorf("%w: %w", storage.ErrConflict, err)
	default:
		return err
	}
}

func formatRevision(rev uint64) string {
	return strconv.FormatUint(rev, 10)
}

func parseRevision(etag string) (uint64, error) {
	rev, err := strconv.ParseUint(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid etag %q", storage.ErrConflict, etag)
	}

	return rev, nil
}
