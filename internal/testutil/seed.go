// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/sshkey"
	"golang.org/x/crypto/ssh"
)

// SeedBinding creates (or reuses) the identity handle, a new host and an
// active binding for remote account handle.
func SeedBinding(t testing.TB, s *db.Store, handle, hostname string, at time.Time) model.BindingTarget {
	t.Helper()
	ctx := context.Background()
	ident, err := s.GetIdentityByHandle(ctx, handle)
	if err != nil {
		ident, err = s.CreateIdentity(ctx, model.Identity{Handle: handle, Email: handle + "@example.com", CreatedAt: at})
		if err != nil {
			t.Fatalf("CreateIdentity: %v", err)
		}
	}
	host, err := s.CreateHost(ctx, model.Host{Hostname: hostname, Address: hostname + ":22", CreatedAt: at})
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	b, err := s.CreateBinding(ctx, model.TargetBinding{IdentityID: ident.ID, HostID: host.ID, RemoteUser: handle, CreatedAt: at})
	if err != nil {
		t.Fatalf("CreateBinding: %v", err)
	}
	return model.BindingTarget{Binding: b, Host: host, Identity: ident}
}

// NewEd25519Key returns a fresh public key in parsed form.
func NewEd25519Key(t testing.TB, comment string) sshkey.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}
	pk, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("ssh.NewPublicKey: %v", err)
	}
	k, err := sshkey.FromPublicKey(pk, comment)
	if err != nil {
		t.Fatalf("FromPublicKey: %v", err)
	}
	return k
}

// AddKey stores a new active ed25519 key for identityID.
func AddKey(t testing.TB, s *db.Store, identityID int64, options string, at time.Time) model.SSHKey {
	t.Helper()
	pk := NewEd25519Key(t, "test")
	k, err := s.InsertKey(context.Background(), model.SSHKey{
		IdentityID:  identityID,
		PublicKey:   pk.Material(),
		Algorithm:   pk.Algorithm,
		BitLength:   pk.BitLength,
		Comment:     pk.Comment,
		Fingerprint: pk.Fingerprint,
		Origin:      model.OriginImport,
		Options:     options,
		Status:      model.KeyActive,
		CreatedAt:   at,
	})
	if err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	return k
}
