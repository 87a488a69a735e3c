package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process cache backed by go-cache.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates an in-process cache. A zero ttl keeps entries until deleted.
func NewMemory(ttl, cleanupInterval time.Duration) *Memory {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Memory{cache: gocache.New(ttl, cleanupInterval)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, found := m.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

// Set stores a copy of value. A zero ttl uses the cache default.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

// Add stores a copy of value unless key already holds an unexpired entry.
func (m *Memory) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	if err := m.cache.Add(key, append([]byte(nil), value...), ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.cache.Delete(key)
	}
	return nil
}

// Len reports the number of entries, including expired ones not yet cleaned up.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}
