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
	"os"
	"path/filepath"
	"testing"

	"github.com/inconshreveable/log15"
)

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func writeNBytes(t *testing.T, path string, n int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, n), fileMode); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestDiskCachePutAccountsSizeAndEvicts(t *testing.T) {
	root := t.TempDir()
	d := newDiskCache(root, 10, discardLogger())
	if err := d.initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeNBytes(t, a, 6)
	writeNBytes(t, b, 6)

	if err := d.put(a); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if total := d.totalSize(); total != 6 {
		t.Fatalf("expected total 6, got %d", total)
	}

	// Putting b (6 bytes) pushes total to 12 > maxSize 10, evicting a (the LRU entry).
	if err := d.put(b); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if total := d.totalSize(); total != 6 {
		t.Fatalf("expected total 6 after eviction, got %d", total)
	}
	if d.has(a) {
		t.Fatalf("expected a to have been evicted")
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Fatalf("expected evicted file a to be unlinked")
	}
	if !d.has(b) {
		t.Fatalf("expected b to remain cached")
	}
}

func TestDiskCacheRenewDoesNotSpareOlderEntryFromEviction(t *testing.T) {
	root := t.TempDir()
	d := newDiskCache(root, 10, discardLogger())
	if err := d.initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeNBytes(t, a, 6)
	writeNBytes(t, b, 6)

	if err := d.put(a); err != nil {
		t.Fatalf("put a: %v", err)
	}
	d.renew(a) // a is already MRU, but exercise the no-crash path

	if err := d.put(b); err != nil {
		t.Fatalf("put b: %v", err)
	}
	// a was LRU relative to b at put time, so it's evicted regardless of the renew above.
	if d.has(a) {
		t.Fatalf("expected a to have been evicted after b was cached")
	}
}

func TestDiskCachePopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	d := newDiskCache(root, 1024, discardLogger())
	if err := d.initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	a := filepath.Join(root, "a")
	writeNBytes(t, a, 3)
	if err := d.put(a); err != nil {
		t.Fatalf("put: %v", err)
	}

	d.pop(a)
	if d.has(a) {
		t.Fatalf("expected a to be gone after pop")
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Fatalf("expected a's file to be unlinked")
	}

	d.pop(a) // popping an absent key must not panic or error visibly
}

func TestDiskCacheInitializeSkipsTransientFiles(t *testing.T) {
	root := t.TempDir()
	writeNBytes(t, filepath.Join(root, "real"), 5)
	writeNBytes(t, filepath.Join(root, "partial"+tmpfileSuffix), 5)
	writeNBytes(t, filepath.Join(root, "held"+lockSuffix), 5)

	d := newDiskCache(root, 1024, discardLogger())
	if err := d.initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if total := d.totalSize(); total != 5 {
		t.Fatalf("expected only the real file to be accounted for, got total %d", total)
	}
	if !d.has(filepath.Join(root, "real")) {
		t.Fatalf("expected real file to be tracked after initialize")
	}
}

func TestDiskCacheClearWipesMapAndFiles(t *testing.T) {
	root := t.TempDir()
	d := newDiskCache(root, 1024, discardLogger())
	if err := d.initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	writeNBytes(t, a, 3)
	writeNBytes(t, b, 4)
	if err := d.put(a); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := d.put(b); err != nil {
		t.Fatalf("put b: %v", err)
	}

	d.clear()

	if d.has(a) || d.has(b) {
		t.Fatalf("expected both entries gone from the map after clear")
	}
	if total := d.totalSize(); total != 0 {
		t.Fatalf("expected total 0 after clear, got %d", total)
	}
	if _, err := os.Stat(a); !os.IsNotExist(err) {
		t.Fatalf("expected a's file to be unlinked after clear")
	}
	if _, err := os.Stat(b); !os.IsNotExist(err) {
		t.Fatalf("expected b's file to be unlinked after clear")
	}

	d.clear() // clearing an already-empty cache must not panic or error visibly
}

func TestDiskCacheCacheFileIsDeterministic(t *testing.T) {
	d := newDiskCache(t.TempDir(), 1024, discardLogger())
	first := d.cacheFile("/a/b/c")
	second := d.cacheFile("/a/b/c")
	if first != second {
		t.Fatalf("cacheFile not deterministic: %q != %q", first, second)
	}
	if d.cacheFile("/a/b/c") == d.cacheFile("/a/b/d") {
		t.Fatalf("distinct remote paths mapped to the same cache file")
	}
}
