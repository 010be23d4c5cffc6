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
	"fmt"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// pathHash returns the 64-bit xxhash of a remote path. It's used to pick a
// cache filename, a mutex table cell, and a task executor worker, so that
// all of those agree on which "lane" a given path belongs to.
func pathHash(remotePath string) uint64 {
	return xxhash.Sum64String(remotePath)
}

// hexPathHash renders pathHash as the 16-hex-digit string used for cache
// file names on disk.
func hexPathHash(remotePath string) string {
	return fmt.Sprintf("%016x", pathHash(remotePath))
}

// normalizeRemotePath joins root and the kernel-visible name under the
// mount, then cleans the result the way path.Join already does (collapsing
// ".."  duplicate slashes, and a trailing slash), producing the single
// canonical remote path used as a key everywhere in this package.
func normalizeRemotePath(root, name string) string {
	if name == "" || name == "." {
		return path.Clean(root)
	}
	return path.Join(root, name)
}

// kernelPath strips the remote root back off a remote path, returning the
// path as the kernel would have presented it (rooted at the mount point).
func kernelPath(root, remotePath string) string {
	rel := strings.TrimPrefix(remotePath, root)
	rel = strings.TrimPrefix(rel, "/")
	return rel
}

// parentOf returns the normalized remote parent directory of remotePath.
func parentOf(remotePath string) string {
	dir := path.Dir(remotePath)
	return dir
}
