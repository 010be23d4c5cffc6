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

// Command sftpcachefs mounts a directory tree served over SFTP as a local
// FUSE file system, caching attributes, directory listings and file
// contents to keep repeat access off the network.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/inconshreveable/log15"

	"github.com/sftpcachefs/sftpcachefs"
)

func main() {
	host := flag.String("host", "", "ssh host, as user@host (required)")
	mountPoint := flag.String("mount-point", "", "local directory to mount on (required)")
	cachePath := flag.String("cache-path", "", "local directory to store cached file contents in (required)")
	remotePath := flag.String("remote-path", "/", "remote directory to mount")
	sshPort := flag.Int("ssh-port", 22, "ssh port")
	sshKey := flag.String("ssh-key", "", "path to an ssh private key to authenticate with")
	cacheTimeout := flag.Int("cache-timeout", 30, "seconds between staleness-updater passes, when --auto-cache is on")
	maxDiskCacheMB := flag.Int64("max-disk-cache-mb", 10240, "maximum total size in MB of the on-disk content cache")
	parallel := flag.Int("parallel", 4*runtime.NumCPU(), "number of background worker threads")
	autoCache := flag.Bool("auto-cache", false, "periodically re-check cached entries against the remote")
	daemon := flag.Bool("daemon", false, "refuse password auth, so that only ssh key auth is used (the process still runs in the foreground)")
	logging := flag.String("logging", "", "path to a file to write logs to, instead of stderr")
	verbose := flag.Bool("verbose", false, "include informational and warning messages in the logs, not just errors")
	adminAddr := flag.String("admin-addr", "", "if set, serve the admin HTTP API (reload/clear/directories) on this address")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s --host user@host --mount-point DIR --cache-path DIR [options]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *host == "" || *mountPoint == "" || *cachePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	user, hostname, err := splitUserHost(*host)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := setupLogging(*logging); err != nil {
		log.Fatalf("sftpcachefs: %s", err)
	}

	cfg := &sftpcachefs.Config{
		Host:           hostname,
		SSHPort:        *sshPort,
		User:           user,
		SSHKeyFile:     *sshKey,
		RemoteRoot:     *remotePath,
		MountPoint:     *mountPoint,
		CacheDir:       *cachePath,
		MaxDiskCacheMB: *maxDiskCacheMB,
		Parallel:       *parallel,
		AutoCache:      *autoCache,
		UpdateFreqS:    *cacheTimeout,
		Daemon:         *daemon,
		Verbose:        *verbose,
		AdminAddr:      *adminAddr,
	}

	fs, err := sftpcachefs.New(cfg)
	if err != nil {
		log.Fatalf("sftpcachefs: %s", err)
	}
	fs.UnmountOnDeath()

	if cfg.AdminAddr != "" {
		admin := sftpcachefs.NewAdminServer(fs)
		go func() {
			if err := admin.ListenAndServe(cfg.AdminAddr); err != nil {
				fs.Error("admin http server exited", "err", err)
			}
		}()
	}

	if err := fs.Mount(nil); err != nil {
		log.Fatalf("sftpcachefs: %s", err)
	}
}

// splitUserHost parses the --host flag's "user@host" form.
func splitUserHost(spec string) (user, host string, err error) {
	parts := strings.SplitN(spec, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("--host must be in the form user@host, got %q", spec)
	}
	return parts[0], parts[1], nil
}

func setupLogging(path string) error {
	if path == "" {
		sftpcachefs.SetLogHandler(log15.StderrHandler)
		return nil
	}
	handler, err := log15.FileHandler(path, log15.LogfmtFormat())
	if err != nil {
		return err
	}
	sftpcachefs.SetLogHandler(handler)
	return nil
}
