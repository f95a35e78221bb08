// Copyright (C) 2025 Kestrel Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// ResultCache caches successful read-only tool results with TTL expiration
// and oldest-first eviction.
//
// Description:
//
//	Keys are computed from the tool name plus a canonical serialization of
//	the arguments, so the same call with reordered argument keys still
//	hits. Only successful results belong here; failures and side-effecting
//	calls are never cached by the loop.
//
// Thread Safety: This type is safe for concurrent use.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = newest insertion; eviction pops the back
	ttl     time.Duration
	maxSize int

	// Metrics
	hits   atomic.Int64
	misses atomic.Int64
}

// resultEntry stores one cached tool result.
type resultEntry struct {
	key        string
	result     any
	insertedAt time.Time
}

// NewResultCache creates a cache with TTL and max size.
//
// Inputs:
//
//	ttl - How long cached results stay valid. Must be > 0.
//	maxSize - Maximum number of entries before oldest-first eviction.
//	    Must be > 0.
func NewResultCache(ttl time.Duration, maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get retrieves a cached result if present and not expired.
func (c *ResultCache) Get(toolName string, args map[string]any) (any, bool) {
	key := computeKey(toolName, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.entries[key]
	if !exists {
		c.misses.Add(1)
		return nil, false
	}

	entry := elem.Value.(*resultEntry)
	if time.Since(entry.insertedAt) > c.ttl {
		// Expired - remove lazily
		c.removeElement(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return entry.result, true
}

// Set stores a successful result, evicting the oldest entry at capacity.
func (c *ResultCache) Set(toolName string, args map[string]any, result any) {
	key := computeKey(toolName, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-inserting an existing key refreshes its age.
	if elem, exists := c.entries[key]; exists {
		entry := elem.Value.(*resultEntry)
		entry.result = result
		entry.insertedAt = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &resultEntry{
		key:        key,
		result:     result,
		insertedAt: time.Now(),
	}
	c.entries[key] = c.order.PushFront(entry)
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order = list.New()
}

// Size returns the current number of entries.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Hits returns the total number of cache hits.
func (c *ResultCache) Hits() int64 {
	return c.hits.Load()
}

// Misses returns the total number of cache misses.
func (c *ResultCache) Misses() int64 {
	return c.misses.Load()
}

// HitRate returns the hit ratio, or 0 before any lookup.
func (c *ResultCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// evictOldest removes the oldest-inserted entry.
// Must be called with lock held.
func (c *ResultCache) evictOldest() {
	if elem := c.order.Back(); elem != nil {
		c.removeElement(elem)
	}
}

// removeElement removes an element from both map and list.
// Must be called with lock held.
func (c *ResultCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*resultEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

// computeKey hashes the tool name plus canonical arguments.
//
// encoding/json serializes map keys in sorted order, which gives a stable
// canonical form without hand-rolling one.
func computeKey(toolName string, args map[string]any) string {
	canonical, err := json.Marshal(args)
	if err != nil {
		// Unserializable args never match anything cached.
		canonical = []byte(time.Now().String())
	}
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte("|"))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}
