// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package testutil

import (
	"errors"
	"sync"
)

// FakeRemoteDeployer is an in-memory remote used by tests to avoid real
// network operations. It records every pushed credential file.
type FakeRemoteDeployer struct {
	mu      sync.Mutex
	content map[string]string
	pushes  int
	closed  bool

	// DeployErr, if set, is returned by DeployAuthorizedKeys.
	DeployErr error
}

func NewFakeRemoteDeployer() *FakeRemoteDeployer {
	return &FakeRemoteDeployer{content: map[string]string{}}
}

func (f *FakeRemoteDeployer) DeployAuthorizedKeys(remoteUser, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake remote: use of closed session")
	}
	if f.DeployErr != nil {
		return f.DeployErr
	}
	f.content[remoteUser] = content
	f.pushes++
	return nil
}

func (f *FakeRemoteDeployer) GetAuthorizedKeys(remoteUser string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []byte(f.content[remoteUser]), nil
}

func (f *FakeRemoteDeployer) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Content returns the last content pushed for remoteUser.
func (f *FakeRemoteDeployer) Content(remoteUser string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content[remoteUser]
}

// Pushes counts successful deploy calls.
func (f *FakeRemoteDeployer) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

// Closed reports whether Close was called.
func (f *FakeRemoteDeployer) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
