// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/toeirei/keysync/internal/model"
)

func key(id int64, created time.Time, material, options string, status model.KeyStatus) model.SSHKey {
	return model.SSHKey{ID: id, PublicKey: material, Options: options, Status: status, CreatedAt: created}
}

func TestRender_OrderOptionsAndChecksum(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	keys := []model.SSHKey{
		key(3, t0.Add(time.Hour), "ssh-ed25519 CCCC", "", model.KeyActive),
		key(2, t0, "ssh-ed25519 BBBB", `no-pty,from="10.0.0.0/8"`, model.KeyActive),
		key(1, t0, "ssh-ed25519 AAAA", "", model.KeyActive),
		key(4, t0, "ssh-ed25519 DDDD", "", model.KeyRevoked),
		key(5, t0, "ssh-ed25519 EEEE", "", model.KeyDeprecated),
	}

	got := Render(keys, []string{"restrict"})

	wantContent := strings.Join([]string{
		"restrict ssh-ed25519 AAAA",
		`no-pty,from="10.0.0.0/8",restrict ssh-ed25519 BBBB`,
		"restrict ssh-ed25519 CCCC",
	}, "\n") + "\n"
	sum := sha256.Sum256([]byte(wantContent))
	want := Rendered{Content: wantContent, Checksum: hex.EncodeToString(sum[:]), KeyCount: 3}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Render mismatch (-want +got):\n%s", diff)
	}
}

func TestRender_EmptyAndNoOptions(t *testing.T) {
	got := Render(nil, nil)
	sum := sha256.Sum256(nil)
	if got.Content != "" || got.KeyCount != 0 || got.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected empty render: %+v", got)
	}

	t0 := time.Now()
	keys := []model.SSHKey{
		key(1, t0, "ssh-ed25519 AAAA", "", model.KeyActive),
		key(2, t0, "ssh-rsa BBBB", "", model.KeyActive),
	}
	got = Render(keys, []string{" ", ""})
	lines := strings.Split(strings.TrimSuffix(got.Content, "\n"), "\n")
	if len(lines) != 2 || lines[0] != "ssh-ed25519 AAAA" || lines[1] != "ssh-rsa BBBB" {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestRender_Deterministic(t *testing.T) {
	t0 := time.Now()
	keys := []model.SSHKey{
		key(2, t0, "ssh-ed25519 BBBB", "no-pty", model.KeyActive),
		key(1, t0, "ssh-ed25519 AAAA", "", model.KeyActive),
	}
	a := Render(keys, []string{"restrict"})
	b := Render(keys, []string{"restrict"})
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("render not deterministic:\n%s", diff)
	}
	if keys[0].ID != 2 {
		t.Fatalf("Render must not reorder the caller's slice")
	}
}
