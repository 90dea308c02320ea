// Package cache holds the node's bounded in-memory caches: seen messages
// for duplicate suppression and partial files for chunk reassembly.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/meshd-io/meshd/pkg/packet"
)

type messageEntry struct {
	id   string
	pkt  *packet.Packet
	seen time.Time
}

// MessageCache is a bounded, order-preserving map of message id to the
// first-seen packet. It suppresses duplicate delivery and relay loops.
type MessageCache struct {
	mu    sync.Mutex
	max   int
	order *list.List // front = least recently added or refreshed
	items map[string]*list.Element
	now   func() time.Time
}

// NewMessageCache builds a cache bounded to max entries.
func NewMessageCache(max int) *MessageCache {
	return &MessageCache{
		max:   max,
		order: list.New(),
		items: map[string]*list.Element{},
		now:   time.Now,
	}
}

// Has reports whether the id has been seen, without touching its position.
func (c *MessageCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[id]
	return ok
}

// Add records a message id. It returns false if the id was already present;
// the existing entry is then refreshed to most-recently-used. When the
// cache grows past its bound the entry least recently added or refreshed
// is evicted.
func (c *MessageCache) Add(id string, pkt *packet.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[id]; ok {
		c.order.MoveToBack(el)
		return false
	}
	c.items[id] = c.order.PushBack(&messageEntry{id: id, pkt: pkt, seen: c.now()})
	if c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*messageEntry).id)
	}
	return true
}

// Get returns the cached packet for id, refreshing its position.
func (c *MessageCache) Get(id string) (*packet.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToBack(el)
	return el.Value.(*messageEntry).pkt, true
}

// Len returns the number of cached ids.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// EvictOlderThan drops entries first seen more than age ago and returns
// how many were removed.
func (c *MessageCache) EvictOlderThan(age time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-age)
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*messageEntry)
		if entry.seen.Before(cutoff) {
			c.order.Remove(el)
			delete(c.items, entry.id)
			removed++
		}
		el = next
	}
	return removed
}
