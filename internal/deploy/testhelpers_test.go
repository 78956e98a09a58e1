// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// mockSftp is an in-memory SFTP server. Every call is appended to actions
// as "<op> <path>" so tests can assert ordering.
type mockSftp struct {
	mu      sync.Mutex
	files   map[string]*mockSftpFile
	dirs    map[string]*sftp.FileStat
	modes   map[string]os.FileMode
	owners  map[string][2]int
	actions []string

	statErr   error
	writeErr  error
	renameErr error
	closed    bool
}

func newMockSftp() *mockSftp {
	return &mockSftp{
		files:  map[string]*mockSftpFile{},
		dirs:   map[string]*sftp.FileStat{},
		modes:  map[string]os.FileMode{},
		owners: map[string][2]int{},
	}
}

// addHome registers a home directory owned by uid/gid.
func (m *mockSftp) addHome(p string, uid, gid uint32) {
	m.dirs[p] = &sftp.FileStat{UID: uid, GID: gid, Mode: uint32(fs.ModeDir | 0o755)}
}

func (m *mockSftp) record(op, p string) {
	m.actions = append(m.actions, op+" "+p)
}

type mockFileInfo struct {
	name string
	dir  bool
	sys  any
}

func (fi mockFileInfo) Name() string       { return fi.name }
func (fi mockFileInfo) Size() int64        { return 0 }
func (fi mockFileInfo) Mode() os.FileMode  { return 0o700 }
func (fi mockFileInfo) ModTime() time.Time { return time.Time{} }
func (fi mockFileInfo) IsDir() bool        { return fi.dir }
func (fi mockFileInfo) Sys() any           { return fi.sys }

func (m *mockSftp) Stat(p string) (os.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stat", p)
	if m.statErr != nil {
		return nil, m.statErr
	}
	if st, ok := m.dirs[p]; ok {
		return mockFileInfo{name: path.Base(p), dir: true, sys: st}, nil
	}
	if _, ok := m.files[p]; ok {
		return mockFileInfo{name: path.Base(p)}, nil
	}
	return nil, fs.ErrNotExist
}

func (m *mockSftp) Mkdir(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("mkdir", p)
	m.dirs[p] = &sftp.FileStat{}
	return nil
}

func (m *mockSftp) Chmod(p string, mode os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("chmod", p)
	m.modes[p] = mode
	return nil
}

func (m *mockSftp) Chown(p string, uid, gid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("chown", p)
	m.owners[p] = [2]int{uid, gid}
	return nil
}

func (m *mockSftp) Create(p string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("create", p)
	f := &mockSftpFile{path: p, parent: m}
	m.files[p] = f
	return f, nil
}

func (m *mockSftp) Open(p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("open", p)
	f, ok := m.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(f.Bytes())), nil
}

func (m *mockSftp) PosixRename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("rename", oldname)
	if m.renameErr != nil {
		return m.renameErr
	}
	f, ok := m.files[oldname]
	if !ok {
		return fs.ErrNotExist
	}
	delete(m.files, oldname)
	f.path = newname
	m.files[newname] = f
	if mode, ok := m.modes[oldname]; ok {
		m.modes[newname] = mode
	}
	if o, ok := m.owners[oldname]; ok {
		m.owners[newname] = o
	}
	return nil
}

func (m *mockSftp) Remove(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("remove", p)
	delete(m.files, p)
	return nil
}

func (m *mockSftp) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// tempFiles lists files whose name marks them as an unfinished upload.
func (m *mockSftp) tempFiles() []string {
	var out []string
	for p := range m.files {
		if strings.Contains(path.Base(p), ".keysync.") {
			out = append(out, p)
		}
	}
	return out
}

type mockSftpFile struct {
	bytes.Buffer
	path   string
	parent *mockSftp
}

func (f *mockSftpFile) Write(p []byte) (int, error) {
	if f.parent != nil && f.parent.writeErr != nil {
		return 0, f.parent.writeErr
	}
	return f.Buffer.Write(p)
}

func (f *mockSftpFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *mockSftpFile) Close() error { return nil }

// fakeSSHClient stands in for *ssh.Client.
type fakeSSHClient struct {
	closed bool
}

func (c *fakeSSHClient) Close() error {
	c.closed = true
	return nil
}

// stubHooks replaces the transport hooks for the duration of a test.
func stubHooks(t *testing.T, dial func(network, addr string, cfg *ssh.ClientConfig) (sshClientIface, error), sftpClient sftpRaw) {
	t.Helper()
	origDial, origSftp, origAgent := sshDial, newSftpClient, sshAgentGetter
	t.Cleanup(func() { sshDial, newSftpClient, sshAgentGetter = origDial, origSftp, origAgent })
	sshDial = dial
	newSftpClient = func(sshClientIface) (sftpRaw, error) {
		if sftpClient == nil {
			return nil, errors.New("sftp init failed")
		}
		return sftpClient, nil
	}
	sshAgentGetter = func() agent.Agent { return nil }
}

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	pk, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("wrap host key: %v", err)
	}
	return pk
}

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "test")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func acceptAll(string, net.Addr, ssh.PublicKey) error { return nil }
