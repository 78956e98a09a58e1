// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package deploy renders credential files and pushes them to managed hosts
// over SSH/SFTP. The Executor ties rendering, transport and the deployment
// history together for a single queue entry.
package deploy // import "github.com/toeirei/keysync/internal/deploy"

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultConnectionTimeout bounds the TCP connect and SSH handshake.
const DefaultConnectionTimeout = 10 * time.Second

// ErrHostKeySuccessfullyRetrieved aborts the handshake in GetRemoteHostKey
// once the server key has been captured.
var ErrHostKeySuccessfullyRetrieved = errors.New("keysync: successfully retrieved host key")

// ConnectionConfig holds transport tunables.
type ConnectionConfig struct {
	ConnectionTimeout time.Duration
}

// DefaultConnectionConfig returns the stock transport settings.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{ConnectionTimeout: DefaultConnectionTimeout}
}

type sshClientIface interface {
	Close() error
}

// sftpRaw is the subset of *sftp.Client the deployer needs. Create and Open
// return interfaces so tests can substitute in-memory files.
type sftpRaw interface {
	Stat(p string) (os.FileInfo, error)
	Mkdir(p string) error
	Chmod(p string, mode os.FileMode) error
	Chown(p string, uid, gid int) error
	Create(p string) (io.WriteCloser, error)
	Open(p string) (io.ReadCloser, error)
	PosixRename(oldname, newname string) error
	Remove(p string) error
	Close() error
}

type sftpAdapter struct {
	*sftp.Client
}

func (a sftpAdapter) Create(p string) (io.WriteCloser, error) {
	f, err := a.Client.Create(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (a sftpAdapter) Open(p string) (io.ReadCloser, error) {
	f, err := a.Client.Open(p)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Package-level hooks, replaced in tests.
var (
	sshDial = func(network, addr string, cfg *ssh.ClientConfig) (sshClientIface, error) {
		c, err := ssh.Dial(network, addr, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	newSftpClient = func(c sshClientIface) (sftpRaw, error) {
		sc, ok := c.(*ssh.Client)
		if !ok {
			return nil, fmt.Errorf("unsupported ssh client type %T", c)
		}
		cl, err := sftp.NewClient(sc)
		if err != nil {
			return nil, err
		}
		return sftpAdapter{cl}, nil
	}

	sshAgentGetter = getSSHAgent

	// NewDeployerFunc opens a Deployer. The Executor's SSH dialer goes
	// through it so tests can intercept connections.
	NewDeployerFunc = NewDeployerWithConfig
)

// Deployer is an open SFTP session on one host.
type Deployer struct {
	host   string
	client sshClientIface
	sftp   sftpRaw
	config ConnectionConfig
}

// NewDeployer connects with the default connection settings.
func NewDeployer(host, user, privateKey string, passphrase []byte, hostKeyCallback ssh.HostKeyCallback) (*Deployer, error) {
	return NewDeployerWithConfig(host, user, privateKey, passphrase, DefaultConnectionConfig(), hostKeyCallback)
}

// NewDeployerWithConfig connects to host as user. The configured private
// key is tried first; only an authentication failure falls back to the
// local SSH agent. Errors are returned as *Failure.
func NewDeployerWithConfig(host, user, privateKey string, passphrase []byte, cfg ConnectionConfig, hostKeyCallback ssh.HostKeyCallback) (*Deployer, error) {
	if hostKeyCallback == nil {
		return nil, &Failure{Category: CategoryHostKey, Msg: "host key verification failed for " + host + ": no host key callback configured"}
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = DefaultConnectionTimeout
	}
	addr := CanonicalizeHostPort(host)

	clientConfig := func(auth ssh.AuthMethod) *ssh.ClientConfig {
		return &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.ConnectionTimeout,
		}
	}

	var keyErr error
	if privateKey != "" {
		signer, err := parseSigner(privateKey, passphrase)
		if err != nil {
			return nil, &Failure{Category: CategoryAuth, Msg: "unable to parse private key", Err: err}
		}
		client, err := sshDial("tcp", addr, clientConfig(ssh.PublicKeys(signer)))
		if err == nil {
			return openSession(host, client, cfg)
		}
		if IsHostKeyError(err) || !IsAuthenticationError(err) {
			return nil, ClassifyConnectionError(host, err)
		}
		keyErr = err
	}

	ag := sshAgentGetter()
	if ag == nil {
		if keyErr != nil {
			return nil, &Failure{Category: CategoryAuth, Msg: fmt.Sprintf("authentication failed for %s with the system key and no SSH agent is available", host), Err: keyErr}
		}
		return nil, &Failure{Category: CategoryAuth, Msg: "authentication failed for " + host + ": no system key configured and no SSH agent found"}
	}

	client, err := sshDial("tcp", addr, clientConfig(ssh.PublicKeysCallback(ag.Signers)))
	if err != nil {
		return nil, ClassifyConnectionError(host, err)
	}
	return openSession(host, client, cfg)
}

func parseSigner(privateKey string, passphrase []byte) (ssh.Signer, error) {
	if len(passphrase) > 0 {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), passphrase)
	}
	return ssh.ParsePrivateKey([]byte(privateKey))
}

func openSession(host string, client sshClientIface, cfg ConnectionConfig) (*Deployer, error) {
	s, err := newSftpClient(client)
	if err != nil {
		_ = client.Close()
		return nil, &Failure{Category: CategoryTransient, Msg: "failed to create sftp client", Err: err}
	}
	return &Deployer{host: host, client: client, sftp: s, config: cfg}, nil
}

// homeDir is the conventional home of a remote account.
func homeDir(remoteUser string) string {
	if remoteUser == "root" {
		return "/root"
	}
	return path.Join("/home", remoteUser)
}

// AuthorizedKeysPath returns the credential file location for remoteUser.
func AuthorizedKeysPath(remoteUser string) string {
	return path.Join(homeDir(remoteUser), ".ssh", "authorized_keys")
}

// owner returns the uid/gid owning p, if the server reports it.
func (d *Deployer) owner(p string) (uid, gid int, ok bool) {
	fi, err := d.sftp.Stat(p)
	if err != nil {
		return 0, 0, false
	}
	st, isStat := fi.Sys().(*sftp.FileStat)
	if !isStat {
		return 0, 0, false
	}
	return int(st.UID), int(st.GID), true
}

// DeployAuthorizedKeys replaces remoteUser's authorized_keys with content.
// The .ssh directory is created if needed and both it and the file are
// handed to the owner of the home directory. The new file is written under
// a temporary name and renamed into place, so readers never see a partial
// file.
func (d *Deployer) DeployAuthorizedKeys(remoteUser, content string) error {
	home := homeDir(remoteUser)
	sshDir := path.Join(home, ".ssh")
	uid, gid, owned := d.owner(home)

	if _, err := d.sftp.Stat(sshDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", sshDir, err)
		}
		if err := d.sftp.Mkdir(sshDir); err != nil {
			return fmt.Errorf("failed to create %s: %w", sshDir, err)
		}
	}
	if err := d.sftp.Chmod(sshDir, 0o700); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", sshDir, err)
	}
	if owned {
		if err := d.sftp.Chown(sshDir, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", sshDir, err)
		}
	}

	tmpPath := path.Join(sshDir, "authorized_keys.keysync."+uuid.NewString())
	f, err := d.sftp.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		_ = f.Close()
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file on remote: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file on remote: %w", err)
	}

	if err := d.sftp.Chmod(tmpPath, 0o600); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}
	if owned {
		if err := d.sftp.Chown(tmpPath, uid, gid); err != nil {
			_ = d.sftp.Remove(tmpPath)
			return fmt.Errorf("failed to chown temporary file: %w", err)
		}
	}

	finalPath := path.Join(sshDir, "authorized_keys")
	if err := d.sftp.PosixRename(tmpPath, finalPath); err != nil {
		_ = d.sftp.Remove(tmpPath)
		return fmt.Errorf("failed to atomically rename authorized_keys file: %w", err)
	}
	return nil
}

// GetAuthorizedKeys reads remoteUser's current authorized_keys file.
func (d *Deployer) GetAuthorizedKeys(remoteUser string) ([]byte, error) {
	p := AuthorizedKeysPath(remoteUser)
	f, err := d.sftp.Open(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", p, err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote file %s: %w", p, err)
	}
	return content, nil
}

// Close closes the SFTP session and the SSH connection.
func (d *Deployer) Close() {
	if d.sftp != nil {
		_ = d.sftp.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

// GetRemoteHostKey performs a handshake with host only to learn its key.
func GetRemoteHostKey(host string, timeout time.Duration) (ssh.PublicKey, error) {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	keyCh := make(chan ssh.PublicKey, 1)
	cfg := &ssh.ClientConfig{
		User: "keysync-probe",
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			keyCh <- key
			return ErrHostKeySuccessfullyRetrieved
		},
		Timeout: timeout,
	}

	client, err := sshDial("tcp", CanonicalizeHostPort(host), cfg)
	if err == nil {
		_ = client.Close()
		return nil, errors.New("ssh handshake succeeded unexpectedly, could not retrieve host key")
	}
	if errors.Is(err, ErrHostKeySuccessfullyRetrieved) || strings.Contains(err.Error(), ErrHostKeySuccessfullyRetrieved.Error()) {
		select {
		case key := <-keyCh:
			return key, nil
		default:
		}
	}
	return nil, ClassifyConnectionError(host, err)
}
