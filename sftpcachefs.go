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

// Package sftpcachefs lets you mount a directory tree served over SFTP as a
// local, user-space FUSE file system, with attribute, directory and file
// content caching so that repeat access doesn't pay the SFTP round trip
// every time.
package sftpcachefs

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"
	"github.com/hanwen/go-fuse/fuse/pathfs"
	"github.com/inconshreveable/log15"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sb10/l15h"
)

const (
	dirMode  = 0700
	fileMode = 0600

	defaultSSHPort       = 22
	defaultCacheDataDir  = ".cache/sftpcachefs/data"
	defaultMaxDiskSizeMB = 10 * 1024
	defaultUpdateFreqS   = 60
	defaultParallel      = 4
)

// pkgLogger is the package-wide logger every mounted FS derives its own
// Logger from, so a caller can redirect all sftpcachefs logging (across
// every mount in the process) with a single SetLogHandler call.
var (
	logHandlerSetter = l15h.NewChanger(log15.DiscardHandler())
	pkgLogger        = log15.New("pkg", "sftpcachefs")
)

func init() {
	pkgLogger.SetHandler(l15h.ChangeableHandler(logHandlerSetter))
}

// SetLogHandler sets a new log15.Handler that all sftpcachefs logging goes
// through from now on, replacing whatever was previously set. By default
// logs are discarded.
func SetLogHandler(h log15.Handler) {
	logHandlerSetter.SetHandler(h)
}

// Config describes one SFTP mount: which remote host and directory tree to
// serve, how to authenticate, where to put the mount point and caches
// locally, and the cache-tuning knobs spec §6 exposes on the command line.
type Config struct {
	// Connection.
	Host             string
	SSHPort          int
	User             string
	Password         string
	SSHKeyFile       string
	SSHKeyPassphrase string

	// What to mount, and where.
	RemoteRoot string
	MountPoint string

	// Caching.
	CacheDir        string
	MaxDiskCacheMB  int64
	AttrCacheSize   int
	DirCacheSize    int
	LockTableSize   int
	Parallel        int
	AutoCache       bool
	UpdateFreqS     int

	// Misc.
	Daemon  bool
	Verbose bool

	// AdminAddr, if non-empty, additionally serves the HTTP admin surface
	// (spec's supplemented "operational surface") on this address.
	AdminAddr string
}

func (c *Config) setDefaults() error {
	if c.Host == "" {
		return fmt.Errorf("sftpcachefs: Host is required")
	}
	if c.User == "" {
		return fmt.Errorf("sftpcachefs: User is required")
	}
	if c.RemoteRoot == "" {
		c.RemoteRoot = "/"
	}
	if c.MountPoint == "" {
		return fmt.Errorf("sftpcachefs: MountPoint is required")
	}
	if c.SSHPort == 0 {
		c.SSHPort = defaultSSHPort
	}
	if c.CacheDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return err
		}
		c.CacheDir = home + "/" + defaultCacheDataDir
	}
	if c.MaxDiskCacheMB == 0 {
		c.MaxDiskCacheMB = defaultMaxDiskSizeMB
	}
	if c.Parallel == 0 {
		c.Parallel = defaultParallel
	}
	if c.UpdateFreqS == 0 {
		c.UpdateFreqS = defaultUpdateFreqS
	}
	if c.Daemon && c.Password != "" {
		return fmt.Errorf("sftpcachefs: password auth cannot be used in daemon mode, use an ssh key instead")
	}
	return nil
}

// FS is a mounted sftpcachefs file system: the glue struct wiring C1-C5
// together behind the pathfs.FileSystem interface C6 implements.
type FS struct {
	pathfs.FileSystem
	log15.Logger

	config     *Config
	remoteRoot string
	maxDiskSize int64

	attrs *attrCache
	dirs  *dirCache
	locks *pathLockTable
	disk  *diskCache
	tasks *executorPool

	dialer *sessionDialer

	fgMu sync.Mutex
	fg   sftpSession

	updater *staleUpdater

	logStore *l15h.Store

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// New validates cfg, dials the foreground SFTP session (a failure here is
// fatal, per spec §4.5/§5 - there is no such thing as a mount that starts
// up without remote connectivity), and returns a ready-to-Mount FS.
func New(cfg *Config) (*FS, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	logger := pkgLogger.New("mount", cfg.MountPoint, "host", cfg.Host)
	store := l15h.NewStore()
	logLevel := log15.LvlError
	if cfg.Verbose {
		logLevel = log15.LvlInfo
	}
	l15h.AddHandler(logger, log15.LvlFilterHandler(logLevel, l15h.CallerInfoHandler(l15h.StoreHandler(store, log15.LogfmtFormat()))))

	dialer, err := newSessionDialer(cfg)
	if err != nil {
		return nil, err
	}

	fg, err := dialer.dial()
	if err != nil {
		return nil, fmt.Errorf("sftpcachefs: initial connection to %s@%s failed: %w", cfg.User, cfg.Host, err)
	}

	disk := newDiskCache(cfg.CacheDir, cfg.MaxDiskCacheMB*1024*1024, logger.New("component", "diskcache"))
	if err := disk.initialize(); err != nil {
		fg.close()
		return nil, fmt.Errorf("sftpcachefs: initializing disk cache at %s: %w", cfg.CacheDir, err)
	}

	fs := &FS{
		FileSystem:  pathfs.NewDefaultFileSystem(),
		Logger:      logger,
		config:      cfg,
		remoteRoot:  normalizeRemotePath("/", cfg.RemoteRoot),
		maxDiskSize: cfg.MaxDiskCacheMB * 1024 * 1024,
		attrs:       newAttrCache(cfg.AttrCacheSize),
		dirs:        newDirCache(cfg.DirCacheSize),
		locks:       newPathLockTable(cfg.LockTableSize),
		disk:        disk,
		dialer:      dialer,
		fg:          fg,
		logStore:    store,
	}

	fs.tasks = newExecutorPool(cfg.Parallel, logger.New("component", "executor"),
		func() sftpSession {
			s, err := dialer.dial()
			if err != nil {
				fs.Error("worker failed to open sftp session", "err", err)
				return nil
			}
			return s
		},
		func(ctx *workerCtx) {
			if ctx.session != nil {
				ctx.session.close()
			}
		})

	if cfg.AutoCache {
		fs.updater = newStaleUpdater(fs, logger.New("component", "updater"))
	}

	return fs, nil
}

func (fs *FS) fgClient() sftpClient {
	fs.fgMu.Lock()
	defer fs.fgMu.Unlock()
	return fs.fg.client()
}

// Mount creates the mount point directory if necessary, mounts the FUSE
// file system, starts the C7 updater (if configured) and serves requests.
// Serve blocks the calling goroutine until Unmount is called; callers that
// want a daemon-style non-blocking mount should run Mount in its own
// goroutine.
func (fs *FS) Mount(serveOpts *nodefs.Options) error {
	if err := ensureMountPoint(fs.config.MountPoint); err != nil {
		return err
	}

	pathFsOpts := &pathfs.PathNodeFsOptions{ClientInodes: true}
	pathNodeFs := pathfs.NewPathNodeFs(fs, pathFsOpts)

	if serveOpts == nil {
		serveOpts = &nodefs.Options{
			EntryTimeout:    0,
			AttrTimeout:     0,
			NegativeTimeout: 0,
		}
	}
	conn := nodefs.NewFileSystemConnector(pathNodeFs.Root(), serveOpts)

	mountOpts := fuse.MountOptions{
		AllowOther: false,
		Name:       "sftpcachefs",
		FsName:     fs.config.Host + ":" + fs.remoteRoot,
	}
	server, err := fuse.NewServer(conn.RawFS(), fs.config.MountPoint, &mountOpts)
	if err != nil {
		return fmt.Errorf("sftpcachefs: mounting at %s: %w", fs.config.MountPoint, err)
	}

	fs.mu.Lock()
	fs.server = server
	fs.mounted = true
	fs.mu.Unlock()

	if fs.updater != nil {
		fs.updater.start()
	}

	server.Serve()
	return nil
}

// ensureMountPoint creates dir if it doesn't exist, and refuses to mount
// onto a non-empty existing directory.
func ensureMountPoint(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, dirMode)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("sftpcachefs: mount point %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("sftpcachefs: mount point %s is not empty", dir)
	}
	return nil
}

// Unmount unmounts the file system, stops the updater and shuts down the
// worker pool (each worker finishes the tasks already queued on it and tears
// down its session first), and closes the foreground session.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	server := fs.server
	mounted := fs.mounted
	fs.mounted = false
	fs.mu.Unlock()

	if !mounted {
		return nil
	}

	if fs.updater != nil {
		fs.updater.stop()
	}

	var unmountErr error
	if server != nil {
		unmountErr = server.Unmount()
	}

	fs.tasks.shutdown()

	fs.fgMu.Lock()
	fs.fg.close()
	fs.fgMu.Unlock()

	return unmountErr
}

// UnmountOnDeath installs a background goroutine that unmounts fs when the
// current process receives SIGINT or SIGTERM, so an interrupted daemon
// doesn't leave a stale mount behind.
func (fs *FS) UnmountOnDeath() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fs.Unmount()
	}()
}

// Logs returns messages generated by this mount; call it after Unmount to
// see how things went. By default only errors are recorded, unless
// Config.Verbose was set, in which case informational and warning messages
// are kept too. The same messages are also sent wherever SetLogHandler
// points, as they occur.
func (fs *FS) Logs() []string {
	return fs.logStore.Logs()
}

func fuseMode(info os.FileInfo) uint32 {
	mode := uint32(info.Mode().Perm())
	switch {
	case info.IsDir():
		mode |= fuse.S_IFDIR
	case info.Mode()&os.ModeSymlink != 0:
		mode |= fuse.S_IFLNK
	default:
		mode |= fuse.S_IFREG
	}
	return mode
}

func fuseModeFromLocal(info os.FileInfo) uint32 {
	return fuseMode(info)
}

func fileOwner(info os.FileInfo) (uid, gid uint32) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Uid, st.Gid
	}
	return uint32(os.Getuid()), uint32(os.Getgid())
}
