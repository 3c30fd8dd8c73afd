package redislimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_SharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limits := map[string]Limit{"auth_failure": {Limit: 2, Window: time.Minute}}

	// two replicas share one Redis
	a, b := New(rdb, limits), New(rdb, limits)
	a.now, b.now = clock, clock
	ctx := context.Background()

	ok, err := a.Allow(ctx, "auth_failure", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Allow(ctx, "auth_failure", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Allow(ctx, "auth_failure", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	card, err := rdb.ZCard(ctx, "clinicauth:rl:auth_failure:10.0.0.1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), card, "denied hit is not kept")

	now = now.Add(2 * time.Minute)
	ok, err = b.Allow(ctx, "auth_failure", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLimiter_NilClientAllows(t *testing.T) {
	ok, err := New(nil, nil).Allow(context.Background(), "auth_failure", "k")
	assert.NoError(t, err)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	_, err = New(rdb, nil).Allow(context.Background(), "auth_failure", "")
	assert.Error(t, err)
}
