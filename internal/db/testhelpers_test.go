// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toeirei/keysync/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var storeSeq atomic.Int64

// newTestStore opens a migrated in-memory sqlite Store private to the test.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := NewStoreFromDSN("sqlite", fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, storeSeq.Add(1)))
	if err != nil {
		t.Fatalf("NewStoreFromDSN failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedBinding creates an identity, a host and an active binding between them.
func seedBinding(t *testing.T, s *Store, handle, hostname string) model.TargetBinding {
	t.Helper()
	ctx := context.Background()
	id, err := s.GetIdentityByHandle(ctx, handle)
	if err != nil {
		id, err = s.CreateIdentity(ctx, model.Identity{Handle: handle, CreatedAt: t0})
		if err != nil {
			t.Fatalf("CreateIdentity: %v", err)
		}
	}
	h, err := s.CreateHost(ctx, model.Host{Hostname: hostname, Address: hostname + ":22", CreatedAt: t0})
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	b, err := s.CreateBinding(ctx, model.TargetBinding{IdentityID: id.ID, HostID: h.ID, RemoteUser: handle, CreatedAt: t0})
	if err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	return b
}
