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

import "fmt"

// ErrNotFound marks a log line for a remote path that doesn't exist (the
// kernel itself is told ENOENT, not this value). Logged at getattr's cache
// miss and getfileTask's lstat-vanished abort.
var ErrNotFound = fmt.Errorf("remote path not found")

// ErrTooLarge marks a log line for the async download protocol aborting
// because a remote file exceeds the configured maximum disk cache size. The
// kernel never sees it: when a read triggered the download, that read has
// already been served via passthrough.
var ErrTooLarge = fmt.Errorf("remote file exceeds max disk cache size")

// ErrConcurrent marks a log line for a trylock failing because another
// goroutine is already operating on the same path. Like ErrTooLarge, this
// never reaches the kernel.
var ErrConcurrent = fmt.Errorf("path is locked by a concurrent operation")

// TransportError wraps a failure that occurred talking to the SFTP server
// during an asynchronous task. The task executor logs these and moves on;
// they never propagate to a caller who already got a synchronous success.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sftpcachefs: %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Path: path, Err: err}
}
