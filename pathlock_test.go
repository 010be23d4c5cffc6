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
	"testing"
	"time"
)

func TestPathLockTableExclusion(t *testing.T) {
	tbl := newPathLockTable(4)

	tbl.lock("/a")
	if tbl.trylock("/a") {
		t.Fatalf("trylock succeeded on an already-locked path")
	}
	if !tbl.isLocked("/a") {
		t.Fatalf("isLocked reported false for a locked path")
	}
	tbl.unlock("/a")

	if !tbl.trylock("/a") {
		t.Fatalf("trylock failed on an unlocked path")
	}
	tbl.unlock("/a")
}

func TestPathLockTableCollidingPathsShareCell(t *testing.T) {
	tbl := newPathLockTable(1) // force a single cell, so both paths share a mutex
	tbl.lock("/a")
	if tbl.trylock("/b") {
		t.Fatalf("expected /b to share /a's cell and be locked too")
	}
	tbl.unlock("/a")
}

func TestPathLockTableSerializesConcurrentLockers(t *testing.T) {
	tbl := newPathLockTable(8)
	var mu sync.Mutex
	counter := 0
	maxSeen := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tbl.lock("/contended")
			defer tbl.unlock("/contended")

			mu.Lock()
			counter++
			if counter > maxSeen {
				maxSeen = counter
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			counter--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most 1 concurrent holder of the same path's lock, saw %d", maxSeen)
	}
}
