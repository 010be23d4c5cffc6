// Copyright © 2017 Genome Research Limited
// Author: Sendu Bala <sb10@sanger.ac.uk>.
//
//  This file is part of sftpcachefs.
//
//  sftpcachefs is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  sftpcachefs is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with sftpcachefs. If not, see <http://www.gnu.org/licenses/>.

package sftpcachefs

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultMetaCacheSize is the capacity of each metadata LRU cache (spec:
// "capacity ≈ 2^18 entries").
const defaultMetaCacheSize = 1 << 18

// attr is the six-field attribute record of spec §3, plus the "dirty" flag
// that resolves the skip-resync clobber risk called out in spec §9: write
// and truncate set it, completion of the matching async task clears it, and
// the staleness updater (C7) never resyncs over a dirty entry.
type attr struct {
	Atime int64
	Mtime int64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Size  uint64
	Dirty bool
}

func (a attr) equalRemote(b attr) bool {
	return a.Atime == b.Atime && a.Mtime == b.Mtime && a.Mode == b.Mode &&
		a.Uid == b.Uid && a.Gid == b.Gid && a.Size == b.Size
}

// attrEntry is what's actually stored in the attribute cache. Wrapping attr
// in a struct with an explicit NotFound flag is what lets getattr
// distinguish "cached negative lookup" from "not cached at all" without
// relying on some otherwise-impossible sentinel value of attr itself.
type attrEntry struct {
	Attr     attr
	NotFound bool
}

var notFoundEntry = attrEntry{NotFound: true}

// dirEntries is a directory record: an ordered list of child names, with no
// "." or "..".
type dirEntries []string

// metaCache is the bounded LRU map described in spec §4.2. One instance
// backs the attribute cache, another the directory cache; both share this
// implementation, generic over the value type. get/put/remove/snapshot are
// all safe for concurrent use.
type metaCache[V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[string, V]
}

func newMetaCache[V any](capacity int) *metaCache[V] {
	if capacity <= 0 {
		capacity = defaultMetaCacheSize
	}
	c, err := lru.New[string, V](capacity)
	if err != nil {
		// Only returns an error for a non-positive size, which we've just
		// guarded against above.
		panic(err)
	}
	return &metaCache[V]{cache: c}
}

// get returns the cached value for k and whether it was present. A hit
// promotes k to the most-recently-used end.
func (m *metaCache[V]) get(k string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Get(k)
}

// put inserts or replaces the value for k, promoting it to the
// most-recently-used end, evicting the least-recently-used entry if the
// cache was already at capacity.
func (m *metaCache[V]) put(k string, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(k, v)
}

// remove deletes k if present; a no-op otherwise.
func (m *metaCache[V]) remove(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(k)
}

// snapshot returns a cheap point-in-time clone of the cache contents, for
// the staleness updater (C7) to iterate without holding the cache locked for
// the duration of a full remote round-trip per entry.
func (m *metaCache[V]) snapshot() map[string]V {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.cache.Keys()
	out := make(map[string]V, len(keys))
	for _, k := range keys {
		if v, ok := m.cache.Peek(k); ok {
			out[k] = v
		}
	}
	return out
}

func (m *metaCache[V]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// attrCache is the C2 attribute metadata cache.
type attrCache struct {
	*metaCache[attrEntry]
}

func newAttrCache(capacity int) *attrCache {
	return &attrCache{metaCache: newMetaCache[attrEntry](capacity)}
}

// markDirty marks path's cached attributes dirty if present, recording a
// fresh size and mtime so later readers see the just-made local change
// immediately rather than waiting on a remote round trip.
func (c *attrCache) markDirty(path string, size uint64, now time.Time) {
	e, ok := c.get(path)
	if !ok || e.NotFound {
		return
	}
	e.Attr.Size = size
	e.Attr.Mtime = now.Unix()
	e.Attr.Dirty = true
	c.put(path, e)
}

// clearDirty clears the dirty flag for path once its matching async
// write-back has completed, letting the updater resync it again if it
// later drifts from the remote.
func (c *attrCache) clearDirty(path string) {
	e, ok := c.get(path)
	if !ok || e.NotFound || !e.Attr.Dirty {
		return
	}
	e.Attr.Dirty = false
	c.put(path, e)
}

// dirCache is the C2 directory listing cache.
type dirCache struct {
	*metaCache[dirEntries]
}

func newDirCache(capacity int) *dirCache {
	return &dirCache{metaCache: newMetaCache[dirEntries](capacity)}
}
