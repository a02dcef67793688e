// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package factory

import (
	"container/list"
	"sync"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
)

type cacheEntry struct {
	key     string
	request protocol.Request
	raster  protocol.Raster
}

// rasterCache is a small LRU of rendered rasters keyed by Request.Key.
//
// Every invalidation bumps generation. A render started before an
// invalidation must not be stored, so put takes the generation observed when
// the render started and drops the raster if it changed.
type rasterCache struct {
	mu         sync.Mutex
	size       int
	lru        *list.List
	entries    map[string]*list.Element
	generation uint64
}

func newRasterCache(size int) *rasterCache {
	return &rasterCache{
		size:    size,
		lru:     list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *rasterCache) get(req protocol.Request) (*protocol.Raster, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[req.Key()]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	raster := elem.Value.(*cacheEntry).raster
	return &raster, true
}

func (c *rasterCache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *rasterCache) put(req protocol.Request, generation uint64, raster *protocol.Raster) bool {
	if c.size <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}

	key := req.Key()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).raster = *raster
		c.lru.MoveToFront(elem)
		return true
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, request: req, raster: *raster})
	for c.lru.Len() > c.size {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	return true
}

// removeIf drops every entry match accepts and returns how many were dropped.
func (c *rasterCache) removeIf(match func(protocol.Request) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++

	var n int
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*cacheEntry)
		if match(entry.request) {
			c.lru.Remove(elem)
			delete(c.entries, entry.key)
			n++
		}
		elem = next
	}
	return n
}

func (c *rasterCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
