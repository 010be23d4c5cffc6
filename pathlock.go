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

import "sync"

// defaultLockTableSize is the number of mutex cells in a pathLockTable. It
// isn't a correctness device, just a way of diffusing hash collisions so
// unrelated paths rarely serialize against each other.
const defaultLockTableSize = 2048

// pathLockTable is a fixed-size vector of mutex cells, indexed by
// hash(path) mod N. Every subsystem that needs to serialize operations on
// a path (C6's read/write/truncate, the async download task run by C4, C7's
// updater) locks through the same table keyed the same way (the remote
// path), so a path is never simultaneously "locked" under two different
// cells.
type pathLockTable struct {
	cells []sync.Mutex
}

// newPathLockTable builds a pathLockTable with n cells. n should be a
// reasonably large power of two; 0 or negative falls back to
// defaultLockTableSize.
func newPathLockTable(n int) *pathLockTable {
	if n <= 0 {
		n = defaultLockTableSize
	}
	return &pathLockTable{cells: make([]sync.Mutex, n)}
}

func (t *pathLockTable) cell(remotePath string) *sync.Mutex {
	idx := pathHash(remotePath) % uint64(len(t.cells))
	return &t.cells[idx]
}

// lock blocks until the cell for path is acquired.
func (t *pathLockTable) lock(remotePath string) {
	t.cell(remotePath).Lock()
}

// unlock releases the cell for path. It must previously have been locked
// (via lock or a successful trylock) by the caller.
func (t *pathLockTable) unlock(remotePath string) {
	t.cell(remotePath).Unlock()
}

// trylock attempts to acquire the cell for path without blocking, reporting
// whether it succeeded.
func (t *pathLockTable) trylock(remotePath string) bool {
	return t.cell(remotePath).TryLock()
}

// isLocked reports whether the cell for path is currently held. Like any
// such check it's inherently racy (the answer may be stale by the time the
// caller acts on it); it exists for diagnostics and tests, not for
// correctness decisions.
func (t *pathLockTable) isLocked(remotePath string) bool {
	if t.cell(remotePath).TryLock() {
		t.cell(remotePath).Unlock()
		return false
	}
	return true
}
