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
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
)

// staleUpdater is C7: a long-lived goroutine with its own exclusive SFTP
// session that periodically re-validates cached attributes and directory
// listings against the remote, evicting or refetching whatever has drifted.
// It holds a back-reference to fs so it can read and mutate C2/C3/C4
// directly; shutdown order (stop updater, then drain C4, then close
// sessions) is handled by FS.Unmount, not here.
type staleUpdater struct {
	fs     *FS
	period time.Duration
	log15.Logger

	mu      sync.Mutex
	session sftpSession

	done    chan struct{}
	stopped chan struct{}
}

func newStaleUpdater(fs *FS, logger log15.Logger) *staleUpdater {
	return &staleUpdater{
		fs:     fs,
		period: time.Duration(fs.config.UpdateFreqS) * time.Second,
		Logger: logger,
	}
}

func (u *staleUpdater) start() {
	u.done = make(chan struct{})
	u.stopped = make(chan struct{})
	go u.run()
}

func (u *staleUpdater) stop() {
	if u.done == nil {
		return
	}
	close(u.done)
	<-u.stopped

	u.mu.Lock()
	if u.session != nil {
		u.session.close()
		u.session = nil
	}
	u.mu.Unlock()
}

func (u *staleUpdater) run() {
	defer close(u.stopped)

	ticker := time.NewTicker(u.period)
	defer ticker.Stop()

	for {
		select {
		case <-u.done:
			return
		case <-ticker.C:
			u.tick()
		}
	}
}

// openSession lazily dials the updater's exclusive SFTP session. A failed
// dial is logged and retried on the next tick (never blocking the whole
// process the way a foreground connection failure does) until one
// succeeds; the backoff value in that log line comes from a fresh
// backoff.Backoff on every call, so it is always its 1s minimum and does
// not delay the retry.
func (u *staleUpdater) openSession() sftpSession {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session != nil {
		return u.session
	}

	b := &backoff.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, Factor: 2}
	s, err := u.fs.dialer.dial()
	if err != nil {
		u.Warn("updater could not open sftp session, will retry next tick", "err", err, "backoff", b.Duration())
		return nil
	}
	u.session = s
	return u.session
}

func (u *staleUpdater) tick() {
	sess := u.openSession()
	if sess == nil {
		return
	}
	client := sess.client()

	for path, entry := range u.fs.attrs.snapshot() {
		u.reconcileAttr(client, sess, path, entry)
	}
	for path, entry := range u.fs.dirs.snapshot() {
		u.reconcileDir(client, path, entry)
	}
}

// reconcileAttr is one iteration of spec §4.7 step 1.
func (u *staleUpdater) reconcileAttr(client sftpClient, sess sftpSession, path string, local attrEntry) {
	if !u.fs.locks.trylock(path) {
		u.Debug("reconcile skipped, path is busy", "path", path, "err", ErrConcurrent)
		return
	}
	defer u.fs.locks.unlock(path)

	info, err := client.Lstat(path)
	remoteNotFound := err != nil

	if !local.NotFound && local.Attr.Mode&fuse.S_IFDIR != 0 {
		if remoteNotFound {
			u.fs.attrs.put(path, notFoundEntry)
		} else {
			u.fs.attrs.put(path, attrEntry{Attr: extractAttr(info)})
		}
		return
	}

	if !local.NotFound && local.Attr.Dirty {
		return
	}

	if local.NotFound || remoteNotFound {
		u.fs.disk.pop(u.fs.disk.cacheFile(path))
		if remoteNotFound {
			u.fs.attrs.put(path, notFoundEntry)
		} else {
			u.fs.attrs.put(path, attrEntry{Attr: extractAttr(info)})
		}
		return
	}

	remote := extractAttr(info)
	if local.Attr.equalRemote(remote) {
		return
	}

	if u.skipResync(sess, path, local.Attr, remote) {
		return
	}

	u.fs.disk.pop(u.fs.disk.cacheFile(path))
	u.fs.attrs.put(path, attrEntry{Attr: remote})
	u.fs.submitGetfile(path)
}

// skipResync implements the decision procedure of spec §4.7 step 1: a
// remote attribute difference doesn't warrant a refetch if there is no
// cache file to be stale, or if the sizes still agree and an md5sum of the
// cache file matches an md5sum of the remote computed over the SSH exec
// channel.
func (u *staleUpdater) skipResync(sess sftpSession, path string, local, remote attr) bool {
	cacheKey := u.fs.disk.cacheFile(path)
	if _, err := os.Stat(cacheKey); err != nil {
		return true
	}
	if local.Size != remote.Size {
		return false
	}

	localSum, err := localMD5(cacheKey)
	if err != nil {
		return false
	}
	remoteSum, err := sess.md5sum(path)
	if err != nil {
		u.Warn("updater could not compute remote md5sum", "path", path, "err", err)
		return false
	}
	return localSum == remoteSum
}

func (u *staleUpdater) reconcileDir(client sftpClient, path string, local dirEntries) {
	infos, err := client.ReadDir(path)
	if err != nil {
		return
	}
	remote := make(dirEntries, len(infos))
	for i, info := range infos {
		remote[i] = info.Name()
	}

	sortedLocal := append(dirEntries(nil), local...)
	sortedRemote := append(dirEntries(nil), remote...)
	sort.Strings(sortedLocal)
	sort.Strings(sortedRemote)

	if !equalStrings(sortedLocal, sortedRemote) {
		u.fs.dirs.put(path, remote)
	}
}

func localMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
