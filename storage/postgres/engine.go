// Package postgres implements storage.Engine on a single PostgreSQL table.
// A monotonically increasing version column is the record ETag.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arloliu/devicesim/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS devicesim_records (
	collection TEXT   NOT NULL,
	key        TEXT   NOT NULL,
	value      BYTEA  NOT NULL,
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, key)
)`

// db is the subset of pgxpool.Pool the engine uses.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Engine stores every collection in the devicesim_records table.
type Engine struct {
	db    db
	close func()
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Engine, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	e := &Engine{db: pool, close: pool.Close}
	if err := e.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return e, nil
}

var _ storage.Engine = (*Engine)(nil)

func (e *Engine) migrate(ctx context.Context) error {
	if _, err := e.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

func (e *Engine) Get(ctx context.Context, collection, key string) (*storage.Record, error) {
	var (
		value   []byte
		version int64
	)
	err := e.db.QueryRow(ctx,
		`SELECT value, version FROM devicesim_records WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}

	return &storage.Record{Key: key, Value: value, ETag: formatVersion(version)}, nil
}

func (e *Engine) List(ctx context.Context, collection string) ([]*storage.Record, error) {
	rows, err := e.db.Query(ctx,
		`SELECT key, value, version FROM devicesim_records WHERE collection = $1 ORDER BY key`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		var (
			rec     storage.Record
			version int64
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &version); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		rec.ETag = formatVersion(version)
		out = append(out, &rec)
	}

	return out, rows.Err()
}

func (e *Engine) Create(ctx context.Context, collection, key string, value []byte) (*storage.Record, error) {
	var version int64
	err := e.db.QueryRow(ctx,
		`INSERT INTO devicesim_records (collection, key, value, version)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (collection, key) DO NOTHING
		 RETURNING version`,
		collection, key, value,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", collection, key, err)
	}

	return &storage.Record{Key: key, Value: value, ETag: formatVersion(version)}, nil
}

func (e *Engine) Upsert(ctx context.Context, collection, key string, value []byte, etag string) (*storage.Record, error) {
	var version int64
	if etag == "" {
		err := e.db.QueryRow(ctx,
			`INSERT INTO devicesim_records AS r (collection, key, value, version)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (collection, key)
			 DO UPDATE SET value = EXCLUDED.value, version = r.version + 1, updated_at = now()
			 RETURNING r.version`,
			collection, key, value,
		).Scan(&version)
		if err != nil {
			return nil, fmt.Errorf("upsert %s/%s: %w", collection, key, err)
		}

		return &storage.Record{Key: key, Value: value, ETag: formatVersion(version)}, nil
	}

	expected, err := parseVersion(etag)
	if err != nil {
		return nil, err
	}
	err = e.db.QueryRow(ctx,
		`UPDATE devicesim_records SET value = $3, version = version + 1, updated_at = now()
		 WHERE collection = $1 AND key = $2 AND version = $4
		 RETURNING version`,
		collection, key, value, expected,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, e.missOrConflict(ctx, collection, key)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, key, err)
	}

	return &storage.Record{Key: key, Value: value, ETag: formatVersion(version)}, nil
}

func (e *Engine) Delete(ctx context.Context, collection, key, etag string) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if etag == "" {
		tag, err = e.db.Exec(ctx,
			`DELETE FROM devicesim_records WHERE collection = $1 AND key = $2`,
			collection, key)
	} else {
		expected, perr := parseVersion(etag)
		if perr != nil {
			return perr
		}
		tag, err = e.db.Exec(ctx,
			`DELETE FROM devicesim_records WHERE collection = $1 AND key = $2 AND version = $3`,
			collection, key, expected)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	if tag.RowsAffected() == 0 {
		if etag == "" {
			return storage.ErrNotFound
		}

		return e.missOrConflict(ctx, collection, key)
	}

	return nil
}

// Close closes the connection pool.
func (e *Engine) Close() error {
	if e.close != nil {
		e.close()
	}

	return nil
}

func (e *Engine) missOrConflict(ctx context.Context, collection, key string) error {
	if _, err := e.Get(ctx, collection, key); err != nil {
		return err
	}

	return storage.ErrConflict
}

func formatVersion(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseVersion(etag string) (int64, error) {
	v, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid etag %q", storage.ErrConflict, etag)
	}

	return v, nil
}
