// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/sshkey"
)

// Rendered is a credential file ready to be pushed.
type Rendered struct {
	Content  string
	Checksum string // hex SHA-256 of Content
	KeyCount int
}

// Render builds the authorized_keys content for keys. Only active keys are
// written, ordered by creation time then id. Per-key options come before
// the global options; both end up in the single comma separated options
// field of the line.
func Render(keys []model.SSHKey, globalOptions []string) Rendered {
	active := make([]model.SSHKey, 0, len(keys))
	for _, k := range keys {
		if k.Status == model.KeyActive {
			active = append(active, k)
		}
	}
	slices.SortStableFunc(active, func(a, b model.SSHKey) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var global []string
	for _, o := range globalOptions {
		if o = strings.TrimSpace(o); o != "" {
			global = append(global, o)
		}
	}

	var b strings.Builder
	for _, k := range active {
		opts := append(sshkey.SplitOptions(k.Options), global...)
		if len(opts) > 0 {
			b.WriteString(strings.Join(opts, ","))
			b.WriteByte(' ')
		}
		b.WriteString(strings.TrimSpace(k.PublicKey))
		b.WriteByte('\n')
	}

	content := b.String()
	sum := sha256.Sum256([]byte(content))
	return Rendered{
		Content:  content,
		Checksum: hex.EncodeToString(sum[:]),
		KeyCount: len(active),
	}
}
