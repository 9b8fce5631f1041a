// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, "test:"+t.Name()+":", time.Minute)
}

func TestRedisCache(t *testing.T) {
	cache := newRedisCache(t)
	ctx := context.Background()
	key := productKey("P1")
	t.Cleanup(func() { _ = cache.Delete(ctx, key) })

	var p Product
	hit, err := cache.Get(ctx, key, &p)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Set(ctx, key, Product{ID: "P1", Name: "Widget", Stock: 4}))
	hit, err = cache.Get(ctx, key, &p)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "Widget", p.Name)

	ttl, err := cache.client.TTL(ctx, cache.prefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, cache.Delete(ctx, key))
	hit, err = cache.Get(ctx, key, &p)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestNewRedisCacheDefaultTTL(t *testing.T) {
	c := NewRedisCache(nil, "", 0)
	assert.Equal(t, DefaultCacheTTL, c.ttl)
	assert.NoError(t, c.Delete(context.Background()))
}
