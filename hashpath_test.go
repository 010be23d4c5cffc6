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

import "testing"

func TestPathHashIsStableAndWellDistributed(t *testing.T) {
	h1 := pathHash("/foo/bar")
	h2 := pathHash("/foo/bar")
	if h1 != h2 {
		t.Fatalf("pathHash not stable: %d != %d", h1, h2)
	}

	if pathHash("/foo/bar") == pathHash("/foo/baz") {
		t.Fatalf("distinct paths hashed to the same value")
	}
}

func TestHexPathHashIsSixteenHexDigits(t *testing.T) {
	h := hexPathHash("/some/remote/file.txt")
	if len(h) != 16 {
		t.Fatalf("expected 16 hex digits, got %d (%q)", len(h), h)
	}
	for _, c := range h {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("non-hex character %q in %q", c, h)
		}
	}
}

func TestNormalizeRemotePath(t *testing.T) {
	cases := []struct{ root, name, want string }{
		{"/", "", "/"},
		{"/", ".", "/"},
		{"/", "foo", "/foo"},
		{"/srv/data", "foo/bar", "/srv/data/foo/bar"},
		{"/srv/data", "", "/srv/data"},
	}
	for _, c := range cases {
		got := normalizeRemotePath(c.root, c.name)
		if got != c.want {
			t.Errorf("normalizeRemotePath(%q, %q) = %q, want %q", c.root, c.name, got, c.want)
		}
	}
}

func TestKernelPath(t *testing.T) {
	if got := kernelPath("/srv/data", "/srv/data/foo/bar"); got != "foo/bar" {
		t.Errorf("kernelPath = %q, want %q", got, "foo/bar")
	}
	if got := kernelPath("/", "/foo"); got != "foo" {
		t.Errorf("kernelPath = %q, want %q", got, "foo")
	}
}

func TestParentOf(t *testing.T) {
	if got := parentOf("/a/b/c"); got != "/a/b" {
		t.Errorf("parentOf = %q, want /a/b", got)
	}
	if got := parentOf("/a"); got != "/" {
		t.Errorf("parentOf = %q, want /", got)
	}
}
