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
)

func newTestExecutorPool(n int) *executorPool {
	return newExecutorPool(n, discardLogger(), func() sftpSession { return nil }, func(*workerCtx) {})
}

func TestExecutorPoolPreservesSameKeyOrder(t *testing.T) {
	pool := newTestExecutorPool(4)
	defer pool.shutdown()

	var mu sync.Mutex
	var order []int
	key := pathHash("/same/path")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		pool.submit(key, func(ctx *workerCtx) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("same-key tasks ran out of submission order at index %d: %v", i, order)
		}
	}
}

func TestExecutorPoolWaitDrainsQueue(t *testing.T) {
	pool := newTestExecutorPool(2)
	defer pool.shutdown()

	key := pathHash("/p")
	done := false
	pool.submit(key, func(ctx *workerCtx) { done = true })
	pool.wait(key)

	if !done {
		t.Fatalf("wait returned before the submitted task ran")
	}
}

func TestExecutorPoolRecoversFromPanickingTask(t *testing.T) {
	pool := newTestExecutorPool(1)
	defer pool.shutdown()

	key := pathHash("/p")
	pool.submit(key, func(ctx *workerCtx) { panic("boom") })

	ran := false
	pool.submit(key, func(ctx *workerCtx) { ran = true })
	pool.wait(key)

	if !ran {
		t.Fatalf("worker did not continue processing after a panicking task")
	}
}

func TestExecutorPoolShutdownTearsDownSessions(t *testing.T) {
	var mu sync.Mutex
	closed := 0

	pool := newExecutorPool(3, discardLogger(),
		func() sftpSession { return nil },
		func(ctx *workerCtx) {
			mu.Lock()
			closed++
			mu.Unlock()
		})

	for i := 0; i < 3; i++ {
		key := uint64(i)
		pool.submit(key, func(ctx *workerCtx) {})
	}
	pool.shutdown()

	mu.Lock()
	defer mu.Unlock()
	if closed != 3 {
		t.Fatalf("expected all 3 worker sessions torn down, got %d", closed)
	}
}
