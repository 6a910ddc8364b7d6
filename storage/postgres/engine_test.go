package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/devicesim/storage"
)

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("7")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.Equal(t, "7", formatVersion(v))

	_, err = parseVersion("")
	require.ErrorIs(t, err, storage.ErrConflict)
}

func open(t *testing.T) *Engine {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestEngine_Integration(t *testing.T) {
	e := open(t)
	ctx := context.Background()
	collection := "test_" + uuid.NewString()

	rec, err := e.Create(ctx, collection, "sim", []byte(`{"enabled":true}`))
	require.NoError(t, err)
	assert.Equal(t, "1", rec.ETag)

	_, err = e.Create(ctx, collection, "sim", []byte(`{}`))
	require.ErrorIs(t, err, storage.ErrConflict)

	next, err := e.Upsert(ctx, collection, "sim", []byte(`{"enabled":false}`), rec.ETag)
	require.NoError(t, err)
	assert.Equal(t, "2", next.ETag)

	_, err = e.Upsert(ctx, collection, "sim", []byte(`{}`), rec.ETag)
	require.ErrorIs(t, err, storage.ErrConflict)

	_, err = e.Upsert(ctx, collection, "missing", []byte(`{}`), "1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	forced, err := e.Upsert(ctx, collection, "sim", []byte(`{"enabled":true}`), "")
	require.NoError(t, err)
	assert.Equal(t, "3", forced.ETag)

	list, err := e.List(ctx, collection)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sim", list[0].Key)

	require.ErrorIs(t, e.Delete(ctx, collection, "sim", "1"), storage.ErrConflict)
	require.NoError(t, e.Delete(ctx, collection, "sim", forced.ETag))
	require.ErrorIs(t, e.Delete(ctx, collection, "sim", ""), storage.ErrNotFound)
}
