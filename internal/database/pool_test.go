package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

type recordingReporter struct {
	mu    sync.Mutex
	calls []string
	open  int
}

func (r *recordingReporter) RecordDBConnections(database string, open, idle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, database)
	r.open = open
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func sqliteConfig(t *testing.T) config.DatabaseConfig {
	cfg := config.DefaultDatabaseConfig()
	cfg.Driver = "sqlite"
	cfg.Name = filepath.Join(t.TempDir(), "speech.db")
	return cfg
}

func TestDialector(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.DatabaseConfig
		want    string
		wantErr bool
	}{
		{"postgres", config.DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432}, "postgres", false},
		{"mysql", config.DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306}, "mysql", false},
		{"sqlite", config.DatabaseConfig{Driver: "sqlite", Name: "x.db"}, "sqlite", false},
		{"sqlite without path", config.DatabaseConfig{Driver: "sqlite"}, "", true},
		{"empty driver", config.DatabaseConfig{}, "", true},
		{"unknown driver", config.DatabaseConfig{Driver: "oracle"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Dialector(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestPoolConfigFrom(t *testing.T) {
	pc := PoolConfigFrom(config.DatabaseConfig{MaxOpenConns: 7, ConnMaxLifetime: time.Minute})
	assert.Equal(t, 7, pc.MaxOpenConns)
	assert.Equal(t, DefaultPoolConfig().MaxIdleConns, pc.MaxIdleConns)
	assert.Equal(t, time.Minute, pc.ConnMaxLifetime)
}

func TestOpen_SQLite(t *testing.T) {
	pm, err := Open(sqliteConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pm.Close()

	require.NoError(t, pm.Ping(context.Background()))
	assert.NotNil(t, pm.DB())
	assert.Equal(t, 10, pm.GetStats().MaxOpenConnections)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, "x", DefaultPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManager_CloseIsIdempotent(t *testing.T) {
	pm, err := Open(sqliteConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())
	assert.ErrorIs(t, pm.Ping(context.Background()), ErrClosed)
}

func TestPoolManager_HealthCheckReportsStats(t *testing.T) {
	cfg := sqliteConfig(t)
	reporter := &recordingReporter{}

	pm, err := Open(cfg, zaptest.NewLogger(t), WithStatsReporter(reporter))
	require.NoError(t, err)
	defer pm.Close()

	pm.checkHealth()
	require.Equal(t, 1, reporter.count())
	assert.Equal(t, "sqlite", reporter.calls[0])
	assert.GreaterOrEqual(t, reporter.open, 1)
}

func TestPoolManager_HealthCheckLoop(t *testing.T) {
	cfg := sqliteConfig(t)
	reporter := &recordingReporter{}

	dialector, err := Dialector(cfg)
	require.NoError(t, err)
	pc := PoolConfigFrom(cfg)
	pc.HealthCheckInterval = 10 * time.Millisecond

	db, err := gorm.Open(dialector, &gorm.Config{})
	require.NoError(t, err)
	pm, err := NewPoolManager(db, "sqlite", pc, zaptest.NewLogger(t), WithStatsReporter(reporter))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return reporter.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pm.Close())

	n := reporter.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, reporter.count(), "no reports after close")
}
