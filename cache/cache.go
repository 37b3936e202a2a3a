// Package cache implements the fixed-capacity, write-back cluster cache
// that sits between the entry manager and the cluster manager. It is an
// intrusive doubly-linked LRU list keyed by cluster index, generalized from
// a block cache that only ever served reads into one that also defers
// writes and writes them back on eviction or flush.
package cache

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// FetchFunc loads a cluster's bytes on a cache miss, typically
// (*cluster.Manager).ReadCluster.
type FetchFunc func(index uint32) ([]byte, error)

// WriteBackFunc persists a dirty cluster's bytes, typically
// (*cluster.Manager).WriteCluster.
type WriteBackFunc func(index uint32, data []byte) error

// block is one resident cluster buffer. Cleared (next == nil && prev ==
// nil) whenever it is not linked into the LRU list.
type block struct {
	index uint32
	data  []byte
	dirty bool
	next  *block
	prev  *block
}

// Cache is a bounded write-back cache of cluster buffers keyed by cluster
// index. The zero value is not usable; construct with New.
//
// A capacity of 0 means no cache at all: every Read is a pass-through fetch
// and every Write is a pass-through write-back.
type Cache struct {
	mu sync.Mutex

	root      block // sentinel; root.next is MRU, root.prev is LRU
	resident  map[uint32]*block
	maxBlocks int

	writeBack WriteBackFunc

	hits, misses uint64

	log *logrus.Entry
}

// New returns a Cache with the given capacity (in clusters) and write-back
// function, used both for LRU eviction and for Flush.
func New(maxBlocks int, writeBack WriteBackFunc) *Cache {
	c := &Cache{
		resident:  make(map[uint32]*block),
		maxBlocks: maxBlocks,
		writeBack: writeBack,
		log:       logrus.WithField("component", "cache"),
	}
	c.root.next = &c.root
	c.root.prev = &c.root
	return c
}

func (c *Cache) unlink(b *block) {
	b.prev.next = b.next
	b.next.prev = b.prev
	b.next = nil
	b.prev = nil
}

// pushFront links b in as the most-recently-used block.
func (c *Cache) pushFront(b *block) {
	b.next = c.root.next
	b.prev = &c.root
	c.root.next.prev = b
	c.root.next = b
}

// popBack unlinks and returns the least-recently-used block, or nil if the
// list is empty.
func (c *Cache) popBack() *block {
	if c.root.prev == &c.root {
		return nil
	}
	b := c.root.prev
	c.unlink(b)
	return b
}

// evictOneLocked makes room for one more resident block if the cache is at
// capacity, writing back the victim if it is dirty.
func (c *Cache) evictOneLocked() error {
	if len(c.resident) < c.maxBlocks {
		return nil
	}
	victim := c.popBack()
	if victim == nil {
		return nil
	}
	delete(c.resident, victim.index)
	if victim.dirty {
		if err := c.writeBack(victim.index, victim.data); err != nil {
			return err
		}
	}
	return nil
}

// Read returns a copy of cluster index's bytes, fetching via fetch on a
// miss.
func (c *Cache) Read(index uint32, fetch FetchFunc) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBlocks == 0 {
		return fetch(index)
	}

	if b, ok := c.resident[index]; ok {
		c.unlink(b)
		c.pushFront(b)
		c.hits++
		out := make([]byte, len(b.data))
		copy(out, b.data)
		return out, nil
	}

	c.misses++
	data, err := fetch(index)
	if err != nil {
		return nil, err
	}
	if err := c.evictOneLocked(); err != nil {
		return nil, err
	}
	b := &block{index: index, data: append([]byte(nil), data...), dirty: false}
	c.pushFront(b)
	c.resident[index] = b

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Write places buf (a full cluster's worth of bytes) into the cache as
// cluster index's content, marking it dirty. It is not written through to
// the cluster manager until eviction or Flush.
func (c *Cache) Write(index uint32, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBlocks == 0 {
		return c.writeBack(index, buf)
	}

	if b, ok := c.resident[index]; ok {
		c.unlink(b)
		b.data = append([]byte(nil), buf...)
		b.dirty = true
		c.pushFront(b)
		return nil
	}

	if err := c.evictOneLocked(); err != nil {
		return err
	}
	b := &block{index: index, data: append([]byte(nil), buf...), dirty: true}
	c.pushFront(b)
	c.resident[index] = b
	return nil
}

// Flush writes back every dirty resident block and marks them clean.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for b := c.root.next; b != &c.root; b = b.next {
		if b.dirty {
			if err := c.writeBack(b.index, b.data); err != nil {
				return err
			}
			b.dirty = false
		}
	}
	return nil
}

// Invalidate drops the resident block for index, if any, without writing
// it back. Used when a cluster is freed.
func (c *Cache) Invalidate(index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.resident[index]
	if !ok {
		return
	}
	c.unlink(b)
	delete(c.resident, index)
}

// Resize changes the cache's capacity. Shrinking evicts LRU blocks (writing
// back dirty ones) until the new capacity is met; growing just allows more
// allocations on subsequent misses.
func (c *Cache) Resize(newCapacity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBlocks = newCapacity
	for len(c.resident) > c.maxBlocks {
		victim := c.popBack()
		if victim == nil {
			break
		}
		delete(c.resident, victim.index)
		if victim.dirty {
			if err := c.writeBack(victim.index, victim.data); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports the cache's lifetime hit/miss counters and current
// occupancy.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Resident int
	Capacity int
}

// HitRate returns Hits / (Hits + Misses), or 0 if no lookups have happened
// yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:     c.hits,
		Misses:   c.misses,
		Resident: len(c.resident),
		Capacity: c.maxBlocks,
	}
}
