/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mem_cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_memCache_getStore(t *testing.T) {
	c := NewMemCache(1024, 0)
	defer c.Close()

	now := time.Now()
	for i := 0; i < 128; i++ {
		key := fmt.Sprintf("key-%d", i)
		c.Store(key, []byte{byte(i)}, now, now.Add(time.Second))
	}

	for i := 0; i < 128; i++ {
		key := fmt.Sprintf("key-%d", i)
		v, st, ex := c.Get(key)
		require.Equal(t, []byte{byte(i)}, v)
		require.True(t, ex.After(st))
	}

	v, _, _ := c.Get("missing-key")
	require.Nil(t, v)
}

func Test_memCache_closed(t *testing.T) {
	c := NewMemCache(1024, 0)
	require.NoError(t, c.Close())

	now := time.Now()
	c.Store("k", []byte{1}, now, now.Add(time.Second))
	v, _, _ := c.Get("k")
	require.Nil(t, v, "closed cache must not store or return entries")
}

func Test_memCache_eviction(t *testing.T) {
	c := NewMemCache(shardNum*16, 0)
	defer c.Close()

	now := time.Now()
	for i := 0; i < shardNum*16*4; i++ {
		key := fmt.Sprintf("key-%d", i)
		c.Store(key, []byte{byte(i)}, now, now.Add(time.Second))
	}

	require.LessOrEqual(t, c.Len(), shardNum*16*2, "size must stay bounded by capacity")
}

// Test_memCache_promotion exercises the probation->protected promotion
// path: a key hit again after its first Store should survive a flood of
// one-shot keys that would otherwise evict it from probation alone.
func Test_memCache_promotion(t *testing.T) {
	c := NewMemCache(shardNum*32, 0)
	defer c.Close()

	now := time.Now()
	hot := "hot-key"
	c.Store(hot, []byte("hot"), now, now.Add(time.Minute))

	// promote hot into protected with a second lookup
	v, _, _ := c.Get(hot)
	require.Equal(t, []byte("hot"), v)

	for i := 0; i < shardNum*64; i++ {
		key := fmt.Sprintf("flood-%d", i)
		c.Store(key, []byte{byte(i)}, now, now.Add(time.Second))
	}

	v, _, _ = c.Get(hot)
	require.Equal(t, []byte("hot"), v, "promoted key must survive a probation flood")
}

func Test_memCache_race(t *testing.T) {
	c := NewMemCache(1024, 0)
	defer c.Close()

	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now()
			for i := 0; i < 256; i++ {
				key := fmt.Sprintf("key-%d", i)
				c.Store(key, []byte{}, now, now.Add(time.Minute))
				_, _, _ = c.Get(key)
			}
		}()
	}
	wg.Wait()
}

func Test_memCache_range(t *testing.T) {
	c := NewMemCache(1024, 0)
	defer c.Close()

	now := time.Now()
	want := map[string]bool{}
	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("key-%d", i)
		want[key] = true
		c.Store(key, []byte{byte(i)}, now, now.Add(time.Second))
	}

	got := map[string]bool{}
	c.Range(func(key string, v []byte, storedTime, expireAt time.Time) bool {
		got[key] = true
		return true
	})
	require.Equal(t, want, got)
}
