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

// This file implements pathfs.FileSystem methods: the FS operations layer,
// C6, that maps kernel callbacks on to C1-C5.

import (
	"io"
	"os"
	"time"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"
	"github.com/hanwen/go-fuse/fuse/pathfs"
)

const (
	blockSize   = uint64(4096)
	totalBlocks = uint64(274877906944) // 1PB / blockSize
	inodes      = uint64(1000000000)
)

func (fs *FS) toRemote(name string) string {
	return normalizeRemotePath(fs.remoteRoot, name)
}

// StatFs returns a constant, faked set of details describing a very large
// file system; SFTP has no equivalent of statvfs, so there's nothing real
// to report.
func (fs *FS) StatFs(name string) *fuse.StatfsOut {
	return &fuse.StatfsOut{
		Blocks: totalBlocks,
		Bfree:  totalBlocks,
		Bavail: totalBlocks,
		Files:  inodes,
		Ffree:  inodes,
		Bsize:  uint32(blockSize),
	}
}

// OnMount is a no-op: an SFTP mount has no local notion of a root directory
// listing until the kernel actually asks for one.
func (fs *FS) OnMount(nodeFs *pathfs.PathNodeFs) {}

// getattr is the C6 getattr algorithm of spec §4.6: consult C2, on a
// cached hit (positive or negative) return immediately, on a miss lstat the
// foreground session and cache the result either way.
func (fs *FS) getattr(remotePath string) (attr, fuse.Status) {
	if e, ok := fs.attrs.get(remotePath); ok {
		if e.NotFound {
			return attr{}, fuse.ENOENT
		}
		return e.Attr, fuse.OK
	}

	info, err := fs.fgClient().Lstat(remotePath)
	if err != nil {
		fs.Debug("getattr miss", "path", remotePath, "err", ErrNotFound)
		fs.attrs.put(remotePath, notFoundEntry)
		return attr{}, fuse.ENOENT
	}
	a := extractAttr(info)
	fs.attrs.put(remotePath, attrEntry{Attr: a})
	return a, fuse.OK
}

func extractAttr(info os.FileInfo) attr {
	mtime := info.ModTime().Unix()
	uid, gid := fileOwner(info)
	return attr{
		Atime: mtime,
		Mtime: mtime,
		Mode:  fuseMode(info),
		Uid:   uid,
		Gid:   gid,
		Size:  uint64(info.Size()),
	}
}

// GetAttr implements pathfs.FileSystem.
func (fs *FS) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	a, status := fs.getattr(fs.toRemote(name))
	if status != fuse.OK {
		return nil, status
	}
	out := &fuse.Attr{}
	fillFuseAttr(out, a)
	return out, fuse.OK
}

// readdir is the C6 readdir algorithm: consult C2, miss triggers a
// listdir, always return the cached list (callers append "." and "..").
func (fs *FS) readdir(remotePath string) (dirEntries, fuse.Status) {
	if v, ok := fs.dirs.get(remotePath); ok {
		return v, fuse.OK
	}

	infos, err := fs.fgClient().ReadDir(remotePath)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	names := make(dirEntries, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	fs.dirs.put(remotePath, names)
	return names, fuse.OK
}

// OpenDir implements pathfs.FileSystem.
func (fs *FS) OpenDir(name string, context *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	names, status := fs.readdir(fs.toRemote(name))
	if status != fuse.OK {
		return nil, status
	}
	out := make([]fuse.DirEntry, 0, len(names)+2)
	for _, n := range names {
		out = append(out, fuse.DirEntry{Name: n})
	}
	out = append(out, fuse.DirEntry{Name: "."}, fuse.DirEntry{Name: ".."})
	return out, fuse.OK
}

// Readlink implements pathfs.FileSystem: a straight pass-through, never
// cached (spec §4.6).
func (fs *FS) Readlink(name string, context *fuse.Context) (string, fuse.Status) {
	target, err := fs.fgClient().ReadLink(fs.toRemote(name))
	if err != nil {
		return "", fuse.ToStatus(err)
	}
	return target, fuse.OK
}

func (fs *FS) invalidate(remotePath string) {
	fs.attrs.remove(remotePath)
}

func (fs *FS) invalidateParentDir(remotePath string) {
	fs.dirs.remove(parentOf(remotePath))
}

// Chmod implements pathfs.FileSystem.
func (fs *FS) Chmod(name string, mode uint32, context *fuse.Context) fuse.Status {
	remotePath := fs.toRemote(name)
	err := fs.fgClient().Chmod(remotePath, os.FileMode(mode))
	fs.invalidate(remotePath)
	return fuse.ToStatus(err)
}

// Chown implements pathfs.FileSystem.
func (fs *FS) Chown(name string, uid, gid uint32, context *fuse.Context) fuse.Status {
	remotePath := fs.toRemote(name)
	err := fs.fgClient().Chown(remotePath, int(uid), int(gid))
	fs.invalidate(remotePath)
	return fuse.ToStatus(err)
}

// Utimens implements pathfs.FileSystem.
func (fs *FS) Utimens(name string, atime, mtime *time.Time, context *fuse.Context) fuse.Status {
	remotePath := fs.toRemote(name)
	var a, m time.Time
	if atime != nil {
		a = *atime
	}
	if mtime != nil {
		m = *mtime
	}
	err := fs.fgClient().Chtimes(remotePath, a, m)
	fs.invalidate(remotePath)
	return fuse.ToStatus(err)
}

// Mkdir implements pathfs.FileSystem.
func (fs *FS) Mkdir(name string, mode uint32, context *fuse.Context) fuse.Status {
	remotePath := fs.toRemote(name)
	err := fs.fgClient().Mkdir(remotePath)
	fs.invalidate(remotePath)
	fs.invalidateParentDir(remotePath)
	return fuse.ToStatus(err)
}

// Rmdir implements pathfs.FileSystem.
func (fs *FS) Rmdir(name string, context *fuse.Context) fuse.Status {
	remotePath := fs.toRemote(name)
	err := fs.fgClient().RemoveDirectory(remotePath)
	fs.invalidate(remotePath)
	fs.invalidateParentDir(remotePath)
	return fuse.ToStatus(err)
}

// Symlink implements pathfs.FileSystem: creates a symlink `target -> source`
// (i.e. `ln -s source target`), per spec §4.6.
func (fs *FS) Symlink(source, target string, context *fuse.Context) fuse.Status {
	remoteTarget := fs.toRemote(target)
	err := fs.fgClient().Symlink(source, remoteTarget)
	fs.invalidate(remoteTarget)
	fs.invalidateParentDir(remoteTarget)
	return fuse.ToStatus(err)
}

// Unlink implements pathfs.FileSystem.
func (fs *FS) Unlink(name string, context *fuse.Context) fuse.Status {
	remotePath := fs.toRemote(name)
	err := fs.fgClient().Remove(remotePath)
	fs.invalidate(remotePath)
	fs.invalidateParentDir(remotePath)
	fs.disk.pop(fs.disk.cacheFile(remotePath))
	return fuse.ToStatus(err)
}

// Rename implements pathfs.FileSystem. Per spec §9's resolution of the
// source's rename bug, the best-effort cleanup unlink of the new path is
// done directly on the already-remote path - never re-derived through
// toRemote, which would double-normalize it.
func (fs *FS) Rename(oldName, newName string, context *fuse.Context) fuse.Status {
	oldPath := fs.toRemote(oldName)
	newPath := fs.toRemote(newName)

	// Ensure any pending write-back for oldPath has landed before the
	// server sees the rename (spec scenario S2).
	fs.tasks.wait(pathHash(oldPath))

	fs.unlinkIfExists(newPath)

	err := fs.fgClient().Rename(oldPath, newPath)
	fs.invalidate(oldPath)
	fs.invalidate(newPath)
	fs.invalidateParentDir(oldPath)
	fs.invalidateParentDir(newPath)
	fs.disk.pop(fs.disk.cacheFile(oldPath))
	return fuse.ToStatus(err)
}

// unlinkIfExists is the optional cleanup step that precedes a rename onto
// an existing target: it drops any cached payload for the target and
// deletes it remotely; a remote failure (most commonly ENOENT) is ignored.
func (fs *FS) unlinkIfExists(remotePath string) {
	fs.disk.pop(fs.disk.cacheFile(remotePath))
	_ = fs.fgClient().Remove(remotePath)
}

// Create implements pathfs.FileSystem: writes an empty local cache file and
// an empty remote file, then invalidates (spec §4.6).
func (fs *FS) Create(name string, flags, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	remotePath := fs.toRemote(name)
	cacheKey := fs.disk.cacheFile(remotePath)

	local, err := os.Create(cacheKey)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	local.Close()

	remote, err := fs.fgClient().Create(remotePath)
	if err != nil {
		os.Remove(cacheKey)
		return nil, fuse.ToStatus(err)
	}
	remote.Close()

	fs.invalidate(remotePath)
	fs.invalidateParentDir(remotePath)
	fs.disk.put(cacheKey)

	return newCachedFile(fs, remotePath), fuse.OK
}

// Open implements pathfs.FileSystem. There is no fd table (spec §6): every
// open just returns a handle bound to the remote path, and every
// Read/Write/Truncate call on it re-derives cache state fresh.
func (fs *FS) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	remotePath := fs.toRemote(name)
	if _, status := fs.getattr(remotePath); status != fuse.OK {
		return nil, status
	}
	return newCachedFile(fs, remotePath), fuse.OK
}

// Access implements pathfs.FileSystem: ignored, access control is left to
// the remote server.
func (fs *FS) Access(name string, mode uint32, context *fuse.Context) fuse.Status {
	return fuse.OK
}

// read is the C6 read algorithm of spec §4.6.
func (fs *FS) read(remotePath string, dest []byte, offset int64) (int, fuse.Status) {
	cacheKey := fs.disk.cacheFile(remotePath)
	fs.disk.renew(cacheKey)

	if fs.locks.trylock(remotePath) {
		n, ok, err := readCacheRange(cacheKey, dest, offset)
		fs.locks.unlock(remotePath)
		if ok {
			return n, fuse.OK
		}
		if err != nil && !os.IsNotExist(err) {
			fs.Warn("error reading cache file", "path", remotePath, "err", err)
		}
	}

	// The lock is never still held here: either trylock failed outright, or
	// it succeeded and was already released above. Submitting unconditionally
	// is safe (getfileTask re-checks trylock and cache-file existence itself)
	// and is what actually warms the cache on a plain, uncontended read.
	n, status := fs.passthroughRead(remotePath, dest, offset)
	fs.submitGetfile(remotePath)
	return n, status
}

// readCacheRange reads dest from the local cache file at offset. ok is
// false if the file doesn't exist (caller should fall back to
// passthrough); a short read (including zero bytes at or past EOF, per
// spec B2) is a success, not an error.
func readCacheRange(cacheKey string, dest []byte, offset int64) (n int, ok bool, err error) {
	f, err := os.Open(cacheKey)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	n, err = f.ReadAt(dest, offset)
	if err != nil && err != io.EOF {
		return n, true, err
	}
	return n, true, nil
}

// passthroughRead serves a read directly from the remote, without caching
// (spec GLOSSARY: "Passthrough").
func (fs *FS) passthroughRead(remotePath string, dest []byte, offset int64) (int, fuse.Status) {
	f, err := fs.fgClient().Open(remotePath)
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	defer f.Close()

	n, err := f.ReadAt(dest, offset)
	if err != nil && err != io.EOF {
		return n, fuse.ToStatus(err)
	}
	return n, fuse.OK
}

// submitGetfile enqueues an async cache-warming download for remotePath,
// keyed so it serializes with any other task touching the same path.
func (fs *FS) submitGetfile(remotePath string) {
	fs.tasks.submit(pathHash(remotePath), func(ctx *workerCtx) {
		fs.getfileTask(ctx, remotePath)
	})
}

// getfileTask is the async `_getfile` protocol of spec §4.6.
func (fs *FS) getfileTask(ctx *workerCtx, remotePath string) {
	if !fs.locks.trylock(remotePath) {
		fs.Debug("getfile skipped, path is busy", "path", remotePath, "err", ErrConcurrent)
		return
	}
	defer fs.locks.unlock(remotePath)

	cacheKey := fs.disk.cacheFile(remotePath)
	if _, err := os.Stat(cacheKey); err == nil {
		return
	}

	client := ctx.session.client()
	info, err := client.Lstat(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			fs.Debug("getfile source vanished", "path", remotePath, "err", ErrNotFound)
			return
		}
		fs.Warn("getfile lstat failed", "path", remotePath, "err", newTransportError("lstat", remotePath, err))
		return
	}
	if int64(info.Size()) > fs.maxDiskSize {
		fs.Info("file too large to cache, will passthrough", "path", remotePath, "size", info.Size(), "err", ErrTooLarge)
		return
	}

	fs.disk.lockRoot()
	defer fs.disk.unlockRoot()

	tmp := cacheKey + tmpfileSuffix
	if err := downloadFile(client, remotePath, tmp); err != nil {
		fs.Warn("getfile download failed", "path", remotePath, "err", newTransportError("getfile", remotePath, err))
		os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, cacheKey); err != nil {
		fs.Warn("getfile rename failed", "path", remotePath, "err", err)
		os.Remove(tmp)
		return
	}
	if err := fs.disk.put(cacheKey); err != nil {
		fs.Warn("getfile cache accounting failed", "path", remotePath, "err", err)
	}
}

func downloadFile(client sftpClient, remotePath, localPath string) error {
	remote, err := client.Open(remotePath)
	if err != nil {
		return err
	}
	defer remote.Close()

	local, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(local, remote); err != nil {
		local.Close()
		return err
	}
	return local.Close()
}

// ensureCached makes sure remotePath has a local cache file, downloading it
// synchronously (via the executor pool + wait, per spec) if necessary. The
// caller must already hold the C1 lock for remotePath; it is released while
// the download task runs (the task takes that lock itself) and is held again
// when ensureCached returns.
func (fs *FS) ensureCached(remotePath string, cacheKey string) error {
	if _, err := os.Stat(cacheKey); err == nil {
		return nil
	}

	a, status := fs.getattr(remotePath)
	if status == fuse.OK && a.Size == 0 {
		f, err := os.OpenFile(cacheKey, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
		if err != nil {
			return err
		}
		return f.Close()
	}

	fs.locks.unlock(remotePath)
	fs.submitGetfile(remotePath)
	fs.tasks.wait(pathHash(remotePath))
	fs.locks.lock(remotePath)

	if _, err := os.Stat(cacheKey); err != nil {
		return err
	}
	return nil
}

// write is the C6 write algorithm of spec §4.6.
func (fs *FS) write(remotePath string, data []byte, offset int64) (int, fuse.Status) {
	fs.locks.lock(remotePath)

	cacheKey := fs.disk.cacheFile(remotePath)
	if err := fs.ensureCached(remotePath, cacheKey); err != nil {
		fs.locks.unlock(remotePath)
		return 0, fuse.ToStatus(err)
	}

	f, err := os.OpenFile(cacheKey, os.O_RDWR, fileMode)
	if err != nil {
		fs.locks.unlock(remotePath)
		return 0, fuse.ToStatus(err)
	}
	n, werr := f.WriteAt(data, offset)
	f.Close()
	if werr != nil {
		fs.locks.unlock(remotePath)
		return n, fuse.ToStatus(werr)
	}

	if info, serr := os.Lstat(cacheKey); serr == nil {
		a := attr{Atime: info.ModTime().Unix(), Mtime: info.ModTime().Unix(), Mode: fuseModeFromLocal(info), Size: uint64(info.Size()), Dirty: true}
		if existing, ok := fs.attrs.get(remotePath); ok && !existing.NotFound {
			a.Uid, a.Gid = existing.Attr.Uid, existing.Attr.Gid
		}
		fs.attrs.put(remotePath, attrEntry{Attr: a})
	}

	fs.locks.unlock(remotePath)

	dataCopy := append([]byte(nil), data...)
	fs.tasks.submit(pathHash(remotePath), func(ctx *workerCtx) {
		fs.writeTask(ctx, remotePath, dataCopy, offset)
	})
	if err := fs.disk.put(cacheKey); err != nil {
		fs.Warn("write cache accounting failed", "path", remotePath, "err", err)
	}

	return n, fuse.OK
}

// writeTask is the async `_write` protocol of spec §4.6: no retry at this
// layer, failures are logged and never propagated. A failed write-back
// leaves the attribute entry dirty, and the updater does not resync dirty
// entries, so the divergence stays until that entry is next replaced.
func (fs *FS) writeTask(ctx *workerCtx, remotePath string, data []byte, offset int64) {
	client := ctx.session.client()
	f, err := client.OpenFile(remotePath, os.O_RDWR)
	if err != nil {
		fs.Error("write-back open failed", "path", remotePath, "err", newTransportError("write", remotePath, err))
		return
	}
	defer f.Close()

	if _, err := f.WriteAt(data, offset); err != nil {
		fs.Error("write-back failed", "path", remotePath, "err", newTransportError("write", remotePath, err))
		return
	}
	fs.attrs.clearDirty(remotePath)
}

// truncate is the C6 truncate algorithm of spec §4.6: the same protocol as
// write (ensure cached, mutate locally, release lock, submit async remote
// mutation, account).
func (fs *FS) truncate(remotePath string, length uint64) fuse.Status {
	fs.locks.lock(remotePath)

	cacheKey := fs.disk.cacheFile(remotePath)
	if err := fs.ensureCached(remotePath, cacheKey); err != nil {
		fs.locks.unlock(remotePath)
		return fuse.ToStatus(err)
	}

	if err := os.Truncate(cacheKey, int64(length)); err != nil {
		fs.locks.unlock(remotePath)
		return fuse.ToStatus(err)
	}

	now := time.Now()
	fs.attrs.markDirty(remotePath, length, now)
	if e, ok := fs.attrs.get(remotePath); !ok || e.NotFound {
		fs.attrs.put(remotePath, attrEntry{Attr: attr{Mtime: now.Unix(), Atime: now.Unix(), Size: length, Dirty: true}})
	}

	fs.locks.unlock(remotePath)

	fs.tasks.submit(pathHash(remotePath), func(ctx *workerCtx) {
		fs.truncateTask(ctx, remotePath, length)
	})
	if err := fs.disk.put(cacheKey); err != nil {
		fs.Warn("truncate cache accounting failed", "path", remotePath, "err", err)
	}

	return fuse.OK
}

// Truncate implements pathfs.FileSystem.
func (fs *FS) Truncate(name string, length uint64, context *fuse.Context) fuse.Status {
	return fs.truncate(fs.toRemote(name), length)
}

func (fs *FS) truncateTask(ctx *workerCtx, remotePath string, length uint64) {
	client := ctx.session.client()
	if err := client.Truncate(remotePath, int64(length)); err != nil {
		fs.Error("truncate write-back failed", "path", remotePath, "err", newTransportError("truncate", remotePath, err))
		return
	}
	fs.attrs.clearDirty(remotePath)
}
