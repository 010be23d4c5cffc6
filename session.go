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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/terminal"
)

// sftpFile is the slice of *sftp.File's surface this package needs to
// perform range reads/writes against an open remote handle. *sftp.File
// satisfies this structurally, so production code needs no adapter for it;
// tests can substitute any small in-memory or on-disk fake.
type sftpFile interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	io.Closer
}

// sftpClient is the slice of github.com/pkg/sftp.Client's surface that this
// package needs (spec §6's "SFTP/SSH client required surface"). Depending
// on an interface instead of *sftp.Client directly lets operations.go and
// file.go be exercised in tests against a fake.
type sftpClient interface {
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (sftpFile, error)
	OpenFile(path string, flags int) (sftpFile, error)
	Create(path string) (sftpFile, error)
	Rename(oldname, newname string) error
	Remove(path string) error
	RemoveDirectory(path string) error
	Mkdir(path string) error
	Symlink(target, link string) error
	ReadLink(path string) (string, error)
	Chmod(path string, mode os.FileMode) error
	Chown(path string, uid, gid int) error
	Chtimes(path string, atime, mtime time.Time) error
	Truncate(path string, size int64) error
	Close() error
}

// sftpClientAdapter adapts *sftp.Client's concrete *sftp.File returns to the
// sftpFile interface so sftpClient can be faked in tests.
type sftpClientAdapter struct {
	c *sftp.Client
}

func (a *sftpClientAdapter) Lstat(path string) (os.FileInfo, error)   { return a.c.Lstat(path) }
func (a *sftpClientAdapter) ReadDir(path string) ([]os.FileInfo, error) { return a.c.ReadDir(path) }
func (a *sftpClientAdapter) Open(path string) (sftpFile, error)       { return a.c.Open(path) }
func (a *sftpClientAdapter) OpenFile(path string, flags int) (sftpFile, error) {
	return a.c.OpenFile(path, flags)
}
func (a *sftpClientAdapter) Create(path string) (sftpFile, error)       { return a.c.Create(path) }
func (a *sftpClientAdapter) Rename(oldname, newname string) error      { return a.c.Rename(oldname, newname) }
func (a *sftpClientAdapter) Remove(path string) error                  { return a.c.Remove(path) }
func (a *sftpClientAdapter) RemoveDirectory(path string) error         { return a.c.RemoveDirectory(path) }
func (a *sftpClientAdapter) Mkdir(path string) error                   { return a.c.Mkdir(path) }
func (a *sftpClientAdapter) Symlink(target, link string) error         { return a.c.Symlink(target, link) }
func (a *sftpClientAdapter) ReadLink(path string) (string, error)      { return a.c.ReadLink(path) }
func (a *sftpClientAdapter) Chmod(path string, mode os.FileMode) error { return a.c.Chmod(path, mode) }
func (a *sftpClientAdapter) Chown(path string, uid, gid int) error     { return a.c.Chown(path, uid, gid) }
func (a *sftpClientAdapter) Chtimes(path string, atime, mtime time.Time) error {
	return a.c.Chtimes(path, atime, mtime)
}
func (a *sftpClientAdapter) Truncate(path string, size int64) error    { return a.c.Truncate(path, size) }
func (a *sftpClientAdapter) Close() error                              { return a.c.Close() }

// sftpSession bundles an sftpClient with the side-channel needed to execute
// a remote command (spec: "a side channel for running a remote command to
// compute a checksum"), and the means to tear the whole thing down. One
// foreground session is used by the FS operations layer; each C4 worker and
// the C7 updater lazily open and own their own.
type sftpSession interface {
	client() sftpClient
	md5sum(remotePath string) (string, error)
	close() error
}

// sshSFTPSession is the production sftpSession, backed by a real SSH
// connection and an SFTP subsystem channel over it.
type sshSFTPSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sshSFTPSession) client() sftpClient { return &sftpClientAdapter{c: s.sftp} }

// md5sum runs `md5sum <path>` on an SSH exec channel and parses the first
// whitespace-separated field of its stdout, the way the staleness updater's
// skip-resync decision (spec §4.7) needs to compare content hashes without
// downloading the file.
func (s *sshSFTPSession) md5sum(remotePath string) (string, error) {
	sess, err := s.ssh.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	out, err := sess.Output(fmt.Sprintf("md5sum %s", shellQuote(remotePath)))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("md5sum: unexpected output %q", out)
	}
	return fields[0], nil
}

func (s *sshSFTPSession) close() error {
	sftpErr := s.sftp.Close()
	sshErr := s.ssh.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// sessionDialer knows how to open a new sshSFTPSession; it's constructed
// once from the mount's Config and then called once for the foreground
// session and lazily once per C4 worker and once for the C7 updater.
type sessionDialer struct {
	addr   string
	config *ssh.ClientConfig
}

// newSessionDialer builds a sessionDialer from a Config, resolving the auth
// method per spec §4.5: try public-key auth first if no password is
// configured; fall back to prompting; if an explicit key file is given,
// authenticate with that key (and passphrase, if any).
func newSessionDialer(cfg *Config) (*sessionDialer, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	return &sessionDialer{
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.SSHPort),
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		},
	}, nil
}

func authMethods(cfg *Config) ([]ssh.AuthMethod, error) {
	if cfg.SSHKeyFile != "" {
		signer, err := loadPrivateKey(cfg.SSHKeyFile, cfg.SSHKeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("loading ssh key %s: %w", cfg.SSHKeyFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}

	if signer, err := loadDefaultUserKey(); err == nil {
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	if cfg.Daemon {
		return nil, fmt.Errorf("sftpcachefs: no usable ssh key found, and password auth cannot be used in daemon mode")
	}

	password, err := promptPassword(fmt.Sprintf("Password for %s@%s: ", cfg.User, cfg.Host))
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.Password(password)}, nil
}

func loadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(key)
}

// loadDefaultUserKey tries ~/.ssh/id_rsa and ~/.ssh/id_ed25519 as a
// last-resort public-key auth attempt before falling back to a password
// prompt, matching the "try public-key first" half of spec §4.5.
func loadDefaultUserKey() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		key, err := os.ReadFile(home + "/.ssh/" + name)
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(key); err == nil {
			return signer, nil
		}
	}
	return nil, fmt.Errorf("no usable default key found")
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term, ok := interface{}(os.Stdin).(*os.File); ok && terminal.IsTerminal(int(term.Fd())) {
		b, err := terminal.ReadPassword(int(term.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dial opens a fresh SSH connection and SFTP subsystem. Called once for the
// foreground session at mount time (where failure is fatal, per spec §4.5
// and §5) and lazily thereafter by workers and the updater.
func (d *sessionDialer) dial() (sftpSession, error) {
	client, err := ssh.Dial("tcp", d.addr, d.config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", d.addr, err)
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sftp new client: %w", err)
	}
	return &sshSFTPSession{ssh: client, sftp: sc}, nil
}
