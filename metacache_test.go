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
	"testing"
	"time"
)

func TestMetaCacheGetPutRemove(t *testing.T) {
	c := newMetaCache[int](4)
	if _, ok := c.get("x"); ok {
		t.Fatalf("expected miss on empty cache")
	}

	c.put("x", 42)
	v, ok := c.get("x")
	if !ok || v != 42 {
		t.Fatalf("got (%v, %v), want (42, true)", v, ok)
	}

	c.remove("x")
	if _, ok := c.get("x"); ok {
		t.Fatalf("expected miss after remove")
	}
}

func TestMetaCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newMetaCache[int](2)
	c.put("a", 1)
	c.put("b", 2)
	c.get("a") // renews a, so b becomes least-recently-used
	c.put("c", 3)

	if _, ok := c.get("b"); ok {
		t.Fatalf("expected b to have been evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
}

func TestMetaCacheSnapshotIsAClone(t *testing.T) {
	c := newMetaCache[int](4)
	c.put("a", 1)
	c.put("b", 2)

	snap := c.snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}

	c.put("c", 3)
	if len(snap) != 2 {
		t.Fatalf("snapshot mutated by a later put")
	}
}

func TestAttrCacheNegativeLookup(t *testing.T) {
	c := newAttrCache(4)
	c.put("/missing", notFoundEntry)

	e, ok := c.get("/missing")
	if !ok {
		t.Fatalf("expected a cached entry")
	}
	if !e.NotFound {
		t.Fatalf("expected NotFound sentinel, got %+v", e)
	}
}

func TestAttrCacheDirtyLifecycle(t *testing.T) {
	c := newAttrCache(4)
	c.put("/f", attrEntry{Attr: attr{Size: 1}})

	now := time.Now()
	c.markDirty("/f", 5, now)

	e, ok := c.get("/f")
	if !ok || !e.Attr.Dirty || e.Attr.Size != 5 {
		t.Fatalf("markDirty did not update size/dirty: %+v", e)
	}

	c.clearDirty("/f")
	e, ok = c.get("/f")
	if !ok || e.Attr.Dirty {
		t.Fatalf("clearDirty left Dirty set: %+v", e)
	}
}

func TestAttrCacheMarkDirtyIgnoresMissingOrNegativeEntries(t *testing.T) {
	c := newAttrCache(4)
	c.markDirty("/nope", 10, time.Now()) // no entry at all: must not panic or create one

	if _, ok := c.get("/nope"); ok {
		t.Fatalf("markDirty should not create an entry for an absent path")
	}

	c.put("/enoent", notFoundEntry)
	c.markDirty("/enoent", 10, time.Now())
	e, _ := c.get("/enoent")
	if !e.NotFound {
		t.Fatalf("markDirty must not turn a negative entry positive")
	}
}
