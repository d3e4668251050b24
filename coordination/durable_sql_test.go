package coordination

import (
	"github.com/pnvasko/count-flow/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"sync"
	"testing"
)

func newTestSQLiteStore(t *testing.T, tc *TestContext) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counts.db")
	store, err := OpenSQLStore(DialectSQLite, path, DefaultPoolConfig(), tc.tracer, tc.logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	require.NoError(t, store.Bootstrap(tc.ctx))
	return store
}

func TestSQLStore(t *testing.T) {
	tc := newTestContext(t)

	t.Run("BootstrapIsIdempotent", func(t *testing.T) {
		store := newTestSQLiteStore(t, tc)
		require.NoError(t, store.Bootstrap(tc.ctx))
		require.Equal(t, defaultStoreScope, store.Table())
		require.Equal(t, 1, store.DB().Stats().MaxOpenConnections)
	})

	t.Run("ReadMiss", func(t *testing.T) {
		store := newTestSQLiteStore(t, tc)
		count, ok := store.Read(tc.ctx, "nobody")
		require.False(t, ok)
		require.Zero(t, count)
	})

	t.Run("UpsertReadDelete", func(t *testing.T) {
		store := newTestSQLiteStore(t, tc)

		require.True(t, store.Upsert(tc.ctx, "alice", 5))
		count, ok := store.Read(tc.ctx, "alice")
		require.True(t, ok)
		require.Equal(t, int64(5), count)

		require.True(t, store.Upsert(tc.ctx, "alice", 2))
		count, _ = store.Read(tc.ctx, "alice")
		require.Equal(t, int64(2), count)

		store.Delete(tc.ctx, "alice")
		_, ok = store.Read(tc.ctx, "alice")
		require.False(t, ok)

		store.Delete(tc.ctx, "alice")
	})

	t.Run("RowsKeyedByRawEntityID", func(t *testing.T) {
		store := newTestSQLiteStore(t, tc)
		require.True(t, store.Upsert(tc.ctx, "bob", 3))

		var id string
		err := store.DB().QueryRowContext(tc.ctx, `SELECT entity_id FROM "entity_counts"`).Scan(&id)
		require.NoError(t, err)
		require.Equal(t, "bob", id)
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		store := newTestSQLiteStore(t, tc)
		var wg sync.WaitGroup
		for i := int64(1); i <= 20; i++ {
			wg.Add(1)
			go func(n int64) {
				defer wg.Done()
				assert.True(t, store.Upsert(tc.ctx, "crowd", n))
			}(i)
		}
		wg.Wait()

		count, ok := store.Read(tc.ctx, "crowd")
		require.True(t, ok)
		require.GreaterOrEqual(t, count, int64(1))
		require.LessOrEqual(t, count, int64(20))
	})

	t.Run("CustomTable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "custom.db")
		store, err := OpenSQLStore(DialectSQLite, path, DefaultPoolConfig(), tc.tracer, tc.logger,
			WithScope[*SQLStore]("player_counts"))
		require.NoError(t, err)
		defer store.Close()
		require.NoError(t, store.Bootstrap(tc.ctx))
		require.True(t, store.Upsert(tc.ctx, "dave", 1))

		var n int
		err = store.DB().QueryRowContext(tc.ctx, `SELECT count FROM "player_counts" WHERE entity_id = ?`, "dave").Scan(&n)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("FailuresAreAbsorbed", func(t *testing.T) {
		tc := newTestContext(t)
		store := newTestSQLiteStore(t, tc)
		require.True(t, store.Upsert(tc.ctx, "erin", 4))
		require.NoError(t, store.Close())

		_, ok := store.Read(tc.ctx, "erin")
		require.False(t, ok)
		require.False(t, store.Upsert(tc.ctx, "erin", 5))
		store.Delete(tc.ctx, "erin")

		require.NotZero(t, tc.logs.FilterMessage("error reading entity count").Len())
		require.NotZero(t, tc.logs.FilterMessage("error upserting entity count").Len())
	})

	t.Run("EmptyDSN", func(t *testing.T) {
		_, err := OpenSQLStore(DialectPostgres, " ", DefaultPoolConfig(), tc.tracer, tc.logger)
		require.ErrorIs(t, err, common.ErrInvalidConfig)
	})
}

func TestNewDurableStore(t *testing.T) {
	tc := newTestContext(t)

	t.Run("SQLiteURL", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "url.db")
		store, err := NewDurableStore(tc.ctx, common.DatabaseSection{URL: "sqlite://" + path, MaxPoolSize: 4}, tc.tracer, tc.logger)
		require.NoError(t, err)
		defer store.Close()

		require.IsType(t, &SQLStore{}, store)
		require.NoError(t, store.Bootstrap(tc.ctx))
		require.True(t, store.Upsert(tc.ctx, "alice", 9))
		count, ok := store.Read(tc.ctx, "alice")
		require.True(t, ok)
		require.Equal(t, int64(9), count)
	})

	t.Run("JDBCPrefix", func(t *testing.T) {
		store, err := NewDurableStore(tc.ctx, common.DatabaseSection{
			URL:      "jdbc:postgresql://db.internal:5432/counts?sslmode=disable",
			Username: "counter",
			Password: "secret",
		}, tc.tracer, tc.logger)
		require.NoError(t, err)
		defer store.Close()
		require.IsType(t, &SQLStore{}, store)
		require.Equal(t, DialectPostgres.Name, store.(*SQLStore).dialect.Name)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := NewDurableStore(tc.ctx, common.DatabaseSection{URL: "mysql://localhost/db"}, tc.tracer, tc.logger)
		require.ErrorIs(t, err, ErrUnsupportedBackend)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := NewDurableStore(tc.ctx, common.DatabaseSection{}, tc.tracer, tc.logger)
		require.ErrorIs(t, err, common.ErrInvalidConfig)
	})
}

func TestValidDocID(t *testing.T) {
	require.True(t, validDocID("alice"))
	require.False(t, validDocID(""))
	require.False(t, validDocID("."))
	require.False(t, validDocID(".."))
	require.False(t, validDocID("a/b"))
}
