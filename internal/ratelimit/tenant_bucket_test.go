package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTenantBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTenantBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = bucket.Allow(ctx, "acme")
	require.NoError(t, err)
	require.False(t, allowed, "third request should exceed capacity")

	// Buckets are per tenant: a different tenant still has tokens.
	allowed, _, err = bucket.Allow(ctx, "globex")
	require.NoError(t, err)
	require.True(t, allowed)

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// script receives time from Go's time.Now(), not Redis's internal clock.
}
