package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
)

func setupStore(t *testing.T) *SnapshotStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// :memory: 每个连接一个库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store := NewSnapshotStore(db)
	require.NoError(t, store.AutoMigrate(context.Background()))
	return store
}

func TestSnapshotStore_SaveAndQuery(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := store.SaveSnapshot(ctx, Snapshot{
			Timestamp:     base.Add(time.Duration(i) * time.Hour),
			TotalRequests: int64(i + 1),
			ErrorCounts:   map[string]int64{"TIMEOUT": int64(i)},
		})
		require.NoError(t, err)
	}

	recs, err := store.Since(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].TotalRequests)
	assert.Equal(t, int64(3), recs[1].TotalRequests)
	assert.Equal(t, int64(2), recs[1].ErrorCounts["TIMEOUT"])
}

func TestSnapshotStore_PruneBefore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, store.SaveSnapshot(ctx, Snapshot{Timestamp: base.Add(time.Duration(i) * time.Hour)}))
	}

	n, err := store.PruneBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs, err := store.Since(ctx, base)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSnapshotStore_AsCollectorSink(t *testing.T) {
	store := setupStore(t)
	c := NewCollector(config.DefaultMetricsConfig(), zaptest.NewLogger(t), WithSink(store))

	c.RecordComplete(c.RecordStart("sync", 512), true, "")
	s := c.Capture(context.Background())

	recs, err := store.Since(context.Background(), s.Timestamp.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].SuccessfulRequests)
	assert.Equal(t, int64(512), recs[0].TotalFileSize)
}
