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
	"container/list"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexflint/go-filemutex"
	"github.com/inconshreveable/log15"
)

const (
	tmpfileSuffix = ".tmpfile"
	lockSuffix    = ".lock"

	// rootLockName is the cross-process advisory lock file guarding
	// cache_root as a whole: held by a download while it writes a new
	// payload file in, and by an admin clear() while it wipes everything
	// out, so the two can never interleave even across separate processes
	// sharing the same --cache-path.
	rootLockName = ".cacheroot.lock"
)

// diskCacheEntry is one node of the LRU list kept by diskCache.
type diskCacheEntry struct {
	key  string // absolute local path, == diskCache.cacheFile(remotePath)
	size int64
}

// diskCache is C3, the size-bounded on-disk LRU of cached file payloads
// described in spec §4.3. A cache key is the local file at
// <root>/<hex xxh64(remotePath)>; the manager only ever tracks sizes and
// LRU order here, the file contents themselves are written directly by
// callers (the async download protocol, write, truncate).
type diskCache struct {
	root    string
	maxSize int64

	mu      sync.Mutex
	size    int64
	order   *list.List // front = most-recently-used
	byKey   map[string]*list.Element
	log15.Logger

	// rootMu pairs with fmutex: the file lock only excludes other
	// processes, rootMu excludes other goroutines of this one.
	rootMu sync.Mutex
	fmutex *filemutex.FileMutex
}

// newDiskCache constructs a diskCache rooted at root with the given maximum
// total size in bytes. Call initialize() once before use.
func newDiskCache(root string, maxSize int64, logger log15.Logger) *diskCache {
	return &diskCache{
		root:    root,
		maxSize: maxSize,
		order:   list.New(),
		byKey:   make(map[string]*list.Element),
		Logger:  logger,
	}
}

// cacheFile returns the local on-disk path for a remote path. It's a pure
// function: it never touches the LRU map.
func (d *diskCache) cacheFile(remotePath string) string {
	return filepath.Join(d.root, hexPathHash(remotePath))
}

// initialize creates root if missing and, for every regular file already in
// it that isn't a transient ".tmpfile"/".lock", inserts an LRU entry
// recording its current size (spec I3). Because startup population doesn't
// evict, the total may exceed maxSize until the next put.
func (d *diskCache) initialize() error {
	if err := os.MkdirAll(d.root, dirMode); err != nil {
		return err
	}

	fmutex, err := filemutex.New(filepath.Join(d.root, rootLockName))
	if err != nil {
		return err
	}
	d.fmutex = fmutex

	entries, err := os.ReadDir(d.root)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, de := range entries {
		name := de.Name()
		if isTransientName(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		key := filepath.Join(d.root, name)
		el := d.order.PushFront(&diskCacheEntry{key: key, size: info.Size()})
		d.byKey[key] = el
		d.size += info.Size()
	}
	return nil
}

func isTransientName(name string) bool {
	return hasSuffix(name, tmpfileSuffix) || hasSuffix(name, lockSuffix)
}

func hasSuffix(s, suf string) bool {
	return len(s) >= len(suf) && s[len(s)-len(suf):] == suf
}

// renew promotes key to the most-recently-used end if present; a no-op
// otherwise.
func (d *diskCache) renew(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.byKey[key]; ok {
		d.order.MoveToFront(el)
	}
}

// put stats key (which must already be in its final on-disk state - see the
// download protocol in operations.go), accounts for its size, promotes it
// to most-recently-used, and evicts least-recently-used entries until the
// total is back within maxSize (spec I2). The internal mutex is released
// before any eviction unlink, bounding lock hold time.
func (d *diskCache) put(key string) error {
	info, err := os.Stat(key)
	if err != nil {
		return err
	}
	newSize := info.Size()

	d.mu.Lock()
	if el, ok := d.byKey[key]; ok {
		old := el.Value.(*diskCacheEntry)
		d.size -= old.size
		old.size = newSize
		d.size += newSize
		d.order.MoveToFront(el)
	} else {
		el := d.order.PushFront(&diskCacheEntry{key: key, size: newSize})
		d.byKey[key] = el
		d.size += newSize
	}

	var evict []string
	for d.size > d.maxSize {
		back := d.order.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*diskCacheEntry)
		d.order.Remove(back)
		delete(d.byKey, victim.key)
		d.size -= victim.size
		evict = append(evict, victim.key)
	}
	d.mu.Unlock()

	for _, k := range evict {
		d.unlink(k)
	}
	return nil
}

// pop removes key from the map if present and unlinks its file, silently
// succeeding if it was already absent (spec I3).
func (d *diskCache) pop(key string) {
	d.mu.Lock()
	el, ok := d.byKey[key]
	if ok {
		entry := el.Value.(*diskCacheEntry)
		d.order.Remove(el)
		delete(d.byKey, key)
		d.size -= entry.size
	}
	d.mu.Unlock()

	if ok {
		d.unlink(key)
	}
}

// lockRoot acquires the cross-process cache_root lock, held by a download
// while it writes a new payload file in and by clear while it wipes
// everything out, so the two can never interleave (spec I1: the map must
// never claim an entry that isn't really on disk).
func (d *diskCache) lockRoot() {
	d.rootMu.Lock()
	d.fmutex.Lock()
}

func (d *diskCache) unlockRoot() {
	d.fmutex.Unlock()
	d.rootMu.Unlock()
}

// clear empties the cache: every tracked key is dropped from the map and its
// file unlinked. Like put's eviction, the keys are snapshotted and the map
// reset under the mutex, with the actual unlinks done outside it. Held under
// the root lock so a download can't land a new file mid-clear.
func (d *diskCache) clear() {
	d.lockRoot()
	defer d.unlockRoot()

	d.mu.Lock()
	keys := make([]string, 0, len(d.byKey))
	for k := range d.byKey {
		keys = append(keys, k)
	}
	d.order = list.New()
	d.byKey = make(map[string]*list.Element)
	d.size = 0
	d.mu.Unlock()

	for _, k := range keys {
		d.unlink(k)
	}
}

// has reports whether key is currently tracked in the cache map (not
// whether the file exists on disk - callers that need that should stat it).
func (d *diskCache) has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byKey[key]
	return ok
}

// totalSize returns the current accounted total (spec P2).
func (d *diskCache) totalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *diskCache) unlink(key string) {
	if err := os.Remove(key); err != nil && !os.IsNotExist(err) {
		d.Warn("could not remove evicted cache file", "path", key, "err", err)
	}
}
