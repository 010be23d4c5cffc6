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
	"time"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"
)

// cachedFile is the nodefs.File handle returned by FS.Open/FS.Create. Every
// Read/Write/Truncate call it receives is just forwarded to the
// corresponding C6 operation (fs.read/fs.write/fs.truncate), which is where
// the cache-consult, locking and async-submission logic described in spec
// §4.6 actually lives; this type exists only because go-fuse's pathfs API
// wants a stateful per-open-file handle, not because sftpcachefs keeps any
// real per-handle state (there is no fd table - spec explicitly notes
// "open (implicit; no fd table kept)").
type cachedFile struct {
	nodefs.File
	fs         *FS
	remotePath string
}

func newCachedFile(fs *FS, remotePath string) nodefs.File {
	return &cachedFile{File: nodefs.NewDefaultFile(), fs: fs, remotePath: remotePath}
}

func (f *cachedFile) InnerFile() nodefs.File { return nil }

func (f *cachedFile) String() string { return "cachedFile(" + f.remotePath + ")" }

func (f *cachedFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	n, status := f.fs.read(f.remotePath, dest, off)
	if status != fuse.OK {
		return nil, status
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (f *cachedFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	n, status := f.fs.write(f.remotePath, data, off)
	return uint32(n), status
}

func (f *cachedFile) Truncate(size uint64) fuse.Status {
	return f.fs.truncate(f.remotePath, size)
}

func (f *cachedFile) GetAttr(out *fuse.Attr) fuse.Status {
	a, status := f.fs.getattr(f.remotePath)
	if status != fuse.OK {
		return status
	}
	fillFuseAttr(out, a)
	return fuse.OK
}

func (f *cachedFile) Flush() fuse.Status {
	return fuse.OK
}

func (f *cachedFile) Release() {}

func (f *cachedFile) Fsync(flags int) fuse.Status {
	return fuse.OK
}

func (f *cachedFile) Chown(uid, gid uint32) fuse.Status {
	return f.fs.Chown(f.kernelPath(), uid, gid, nil)
}

func (f *cachedFile) Chmod(perms uint32) fuse.Status {
	return f.fs.Chmod(f.kernelPath(), perms, nil)
}

func (f *cachedFile) Utimens(atime, mtime *time.Time) fuse.Status {
	return f.fs.Utimens(f.kernelPath(), atime, mtime, nil)
}

func (f *cachedFile) Allocate(off, size uint64, mode uint32) fuse.Status {
	return fuse.ENOSYS
}

func (f *cachedFile) kernelPath() string {
	return kernelPath(f.fs.remoteRoot, f.remotePath)
}

// fillFuseAttr copies a six-field attribute record into a fuse.Attr,
// applying the whole-second time resolution and fixed mode bits spec §3 and
// §6 guarantee.
func fillFuseAttr(out *fuse.Attr, a attr) {
	out.Mode = a.Mode
	out.Size = a.Size
	out.Atime = uint64(a.Atime)
	out.Mtime = uint64(a.Mtime)
	out.Ctime = uint64(a.Mtime)
	out.Owner = fuse.Owner{Uid: a.Uid, Gid: a.Gid}
}
