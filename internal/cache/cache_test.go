/*
Copyright 2025 PurchaseKit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"testing"
	"time"

	"github.com/purchasekit/purchasekit/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) Cache {
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})
	c, err := NewCache()
	require.NoError(t, err)
	return c
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	key := "purchasekit:validation:abc123"
	setValue := map[string]string{"product_id": "coins.100"}
	err := c.Set(ctx, key, setValue, 10*time.Minute)
	assert.NoError(t, err)

	var getValue map[string]string
	err = c.Get(ctx, key, &getValue)
	assert.NoError(t, err)
	assert.Equal(t, setValue, getValue)
}

func TestGetMissIsNotAnError(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	var out map[string]string
	err := c.Get(ctx, "purchasekit:validation:never-set", &out)
	assert.NoError(t, err)
	assert.Nil(t, out, "a miss must leave the target untouched")
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	key := "purchasekit:validation:gone"
	err := c.Set(ctx, key, "cached", time.Minute)
	require.NoError(t, err)

	err = c.Delete(ctx, key)
	assert.NoError(t, err)

	var out string
	err = c.Get(ctx, key, &out)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestZeroTTLAccepted(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	err := c.Set(ctx, "purchasekit:validation:notttl", "value", 0)
	assert.NoError(t, err)
}
