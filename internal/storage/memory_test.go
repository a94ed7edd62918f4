package storage

import (
	"context"
	"testing"
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig() Config {
	return Config{
		MaxCost:        1 << 20,
		NumCounters:    1_000,
		BufferItems:    64,
		DefaultTTL:     time.Minute,
		MetricsEnabled: true,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, int64(1<<20), cfg.MaxCost)
	assert.Equal(t, int64(64), cfg.BufferItems)
	assert.Equal(t, time.Second, cfg.DefaultTTL)
	assert.True(t, cfg.MetricsEnabled)
}

func TestMemoryStorage_SaveAndLoad(t *testing.T) {
	s, err := NewMemoryStorage(newTestConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.FlagMap{"a": true}, time.Minute))

	flags, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, flags.Get("a"))
}

func TestMemoryStorage_SaveStoresCopy(t *testing.T) {
	s, err := NewMemoryStorage(newTestConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	src := domain.FlagMap{"a": true}
	require.NoError(t, s.Save(ctx, src, time.Minute))
	src["a"] = false

	flags, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, flags.Get("a"))
}

func TestMemoryStorage_LoadMissing(t *testing.T) {
	s, err := NewMemoryStorage(newTestConfig())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_Expiration(t *testing.T) {
	s, err := NewMemoryStorage(newTestConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.FlagMap{"a": true}, 20*time.Millisecond))

	time.Sleep(50 * time.Millisecond)

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_DefaultTTL(t *testing.T) {
	cfg := newTestConfig()
	cfg.DefaultTTL = 30 * time.Millisecond
	s, err := NewMemoryStorage(cfg)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.FlagMap{"a": true}, 0))

	_, err = s.Load(ctx)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_Clear(t *testing.T) {
	s, err := NewMemoryStorage(newTestConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.FlagMap{"a": true}, time.Minute))
	require.NoError(t, s.Clear(ctx))

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_ContextCancellation(t *testing.T) {
	s, err := NewMemoryStorage(newTestConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Load(ctx)
	assert.Equal(t, context.Canceled, err)

	err = s.Save(ctx, domain.FlagMap{"a": true}, time.Minute)
	assert.Equal(t, context.Canceled, err)
}

func TestMemoryStorage_Metrics(t *testing.T) {
	s, err := NewMemoryStorage(newTestConfig())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	assert.Equal(t, uint64(0), s.Metrics().KeysAdded)

	require.NoError(t, s.Save(ctx, domain.FlagMap{"a": true}, time.Minute))
	assert.Equal(t, uint64(1), s.Metrics().KeysAdded)

	_, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Metrics().HitRatio)
}
