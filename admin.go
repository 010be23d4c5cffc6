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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// AdminServer is the optional operational HTTP surface described in spec §6:
// a small set of endpoints to invalidate or inspect the cache of a running
// mount without having to restart it.
type AdminServer struct {
	fs     *FS
	router chi.Router
}

// NewAdminServer builds the admin HTTP surface for fs. Call ListenAndServe
// to start it, typically in its own goroutine.
func NewAdminServer(fs *FS) *AdminServer {
	a := &AdminServer{fs: fs, router: chi.NewRouter()}
	a.router.Post("/fs/reload", a.handleReload)
	a.router.Delete("/fs/clear", a.handleClear)
	a.router.Get("/fs/directories", a.handleDirectories)
	return a
}

func (a *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// ListenAndServe starts the admin HTTP surface on addr, blocking until it
// errors out or is shut down.
func (a *AdminServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, a)
}

// handleReload invalidates the attribute cache, parent-directory listing and
// on-disk cache file for one path (`POST /fs/reload?path=...`).
func (a *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	remotePath := r.URL.Query().Get("path")
	if remotePath == "" {
		http.Error(w, "missing path query parameter", http.StatusBadRequest)
		return
	}
	remotePath = normalizeRemotePath(a.fs.remoteRoot, remotePath)

	a.fs.invalidate(remotePath)
	a.fs.dirs.remove(remotePath)
	a.fs.invalidateParentDir(remotePath)
	a.fs.disk.pop(a.fs.disk.cacheFile(remotePath))

	writeJSON(w, map[string]bool{"ok": true})
}

// handleClear flushes every cache: attributes, directory listings and the
// entire on-disk payload cache (`DELETE /fs/clear`).
func (a *AdminServer) handleClear(w http.ResponseWriter, r *http.Request) {
	for path := range a.fs.attrs.snapshot() {
		a.fs.attrs.remove(path)
	}
	for path := range a.fs.dirs.snapshot() {
		a.fs.dirs.remove(path)
	}

	a.fs.disk.clear()

	writeJSON(w, map[string]bool{"ok": true})
}

// handleDirectories returns the cached directory listing for one path as
// JSON (`GET /fs/directories?path=...`), without triggering a remote fetch.
func (a *AdminServer) handleDirectories(w http.ResponseWriter, r *http.Request) {
	remotePath := r.URL.Query().Get("path")
	if remotePath == "" {
		http.Error(w, "missing path query parameter", http.StatusBadRequest)
		return
	}
	remotePath = normalizeRemotePath(a.fs.remoteRoot, remotePath)

	entries, ok := a.fs.dirs.get(remotePath)
	if !ok {
		writeJSON(w, []string{})
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.Encode(v)
}
