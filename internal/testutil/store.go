// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/toeirei/keysync/internal/db"
)

var storeSeq atomic.Int64

// NewStore opens a migrated in-memory sqlite store private to t. Every call
// returns a separate database, also within the same test.
func NewStore(t testing.TB) *db.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, storeSeq.Add(1))
	s, err := db.NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
