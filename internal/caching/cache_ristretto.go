// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/element-hq/spire/matrix"
)

const (
	roomVersionsCache byte = iota + 1
	serverKeysCache
	eventsCache
	lazyLoadingCache
)

// NewRistrettoCache creates the in-memory caches, bounded to the given
// maximum cost in bytes.
func NewRistrettoCache(maxCost int64, enablePrometheus bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxCost / 1024 * 10),
		BufferItems: 64,
		MaxCost:     maxCost,
		Metrics:     true,
	})
	if err != nil {
		// This can only be a programming error from bad config values.
		panic(err)
	}
	if enablePrometheus {
		promauto(cache)
	}
	return &Caches{
		RoomVersions: &RistrettoCachePartition[string, matrix.RoomVersion]{
			cache:  cache,
			Prefix: roomVersionsCache,
			MaxAge: roomVersionsCacheMaxAge,
		},
		ServerKeys: &RistrettoCachePartition[string, matrix.ServerKeys]{
			cache:  cache,
			Prefix: serverKeysCache,
			MaxAge: serverKeysCacheMaxAge,
		},
		RoomServerEvents: &RistrettoCachePartition[string, *matrix.Event]{
			cache:  cache,
			Prefix: eventsCache,
			MaxAge: eventsCacheMaxAge,
		},
		LazyLoading: &RistrettoCachePartition[string, string]{
			cache:  cache,
			Prefix: lazyLoadingCache,
			MaxAge: lazyLoadingCacheMaxAge,
		},
	}
}

func promauto(cache *ristretto.Cache) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "spire",
		Subsystem: "caching_ristretto",
		Name:      "ratio",
	}, func() float64 {
		return float64(cache.Metrics.Ratio())
	}))
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "spire",
		Subsystem: "caching_ristretto",
		Name:      "cost",
	}, func() float64 {
		return float64(cache.Metrics.CostAdded() - cache.Metrics.CostEvicted())
	}))
}

// RistrettoCachePartition is one logical cache in the shared ristretto
// storage, distinguished by a single-byte key prefix.
type RistrettoCachePartition[K keyable, V any] struct {
	cache  *ristretto.Cache
	Prefix byte
	MaxAge time.Duration
}

func (c *RistrettoCachePartition[K, V]) key(key K) string {
	return fmt.Sprintf("%c%s", c.Prefix, key)
}

// Set stores a value with the partition's TTL.
func (c *RistrettoCachePartition[K, V]) Set(key K, value V) {
	c.cache.SetWithTTL(c.key(key), value, int64(len(c.key(key))), c.MaxAge)
}

// Unset removes a value.
func (c *RistrettoCachePartition[K, V]) Unset(key K) {
	c.cache.Del(c.key(key))
}

// Get returns a value if it is cached.
func (c *RistrettoCachePartition[K, V]) Get(key K) (value V, ok bool) {
	v, ok := c.cache.Get(c.key(key))
	if !ok || v == nil {
		var empty V
		return empty, false
	}
	value, ok = v.(V)
	return
}
