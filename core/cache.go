// SPDX-License-Identifier: MIT
// Dev: KryperAI

package core

import (
	"sync"
	"time"

	"xrouter/types"
)

// DefaultConfigTTL is how long a fetched remote config stays fresh.
const DefaultConfigTTL = 10 * time.Minute

type cached struct {
	settings *Settings
	updated  time.Time
}

// Cache holds the latest known settings of each service node. Entries are
// replaced whole, never edited, so readers keep a consistent snapshot.
type Cache struct {
	mu      sync.RWMutex
	configs map[types.PeerAddress]cached
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	return &Cache{
		configs: make(map[types.PeerAddress]cached),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *Cache) Has(node types.PeerAddress) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.configs[node]
	return ok
}

func (c *Cache) Get(node types.PeerAddress) (*Settings, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.configs[node]
	return e.settings, ok
}

// Update stores settings for node, replacing any previous snapshot.
func (c *Cache) Update(node types.PeerAddress, s *Settings) {
	if s == nil {
		return
	}
	c.mu.Lock()
	c.configs[node] = cached{settings: s, updated: c.now()}
	c.mu.Unlock()
}

func (c *Cache) Remove(node types.PeerAddress) {
	c.mu.Lock()
	delete(c.configs, node)
	c.mu.Unlock()
}

// LastUpdate returns when node's settings were stored.
func (c *Cache) LastUpdate(node types.PeerAddress) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.configs[node]
	return e.updated, ok
}

// NeedsUpdate reports whether node has no settings or they are stale.
func (c *Cache) NeedsUpdate(node types.PeerAddress) bool {
	updated, ok := c.LastUpdate(node)
	return !ok || c.now().Sub(updated) >= c.ttl
}

// All copies the cached settings.
func (c *Cache) All() map[types.PeerAddress]*Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.PeerAddress]*Settings, len(c.configs))
	for n, e := range c.configs {
		out[n] = e.settings
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}
