// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package policy_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/policy"
	"github.com/toeirei/keysync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPolicyStore(t *testing.T) (*policy.Store, *db.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	return policy.New(s, testutil.NewFakeClock(t0)), s
}

func rules(v []policy.Violation) []string {
	out := make([]string, len(v))
	for i := range v {
		out[i] = v[i].Rule
	}
	return out
}

func TestValidate_RSAMinimumLength(t *testing.T) {
	ps, _ := newPolicyStore(t)
	ctx := context.Background()

	v, err := ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-rsa", BitLength: 1024})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(v) != 1 || v[0].Message != "Key length 1024 below minimum 2048 for ssh-rsa" {
		t.Fatalf("expected key length violation, got %+v", v)
	}
	v, _ = ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-rsa", BitLength: 2048})
	if len(v) != 0 {
		t.Fatalf("2048-bit rsa must be accepted, got %+v", v)
	}
}

func TestValidate_Options(t *testing.T) {
	ps, _ := newPolicyStore(t)
	ctx := context.Background()

	v, _ := ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256, Options: `no-pty,from="10.0.0.0/8"`})
	if len(v) != 0 {
		t.Fatalf("allowed options rejected: %+v", v)
	}
	v, _ = ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256, Options: `no-pty,command="/bin/sh"`})
	if len(v) != 1 || !strings.HasPrefix(v[0].Message, "Option 'command' not allowed. Allowed: no-port-forwarding") {
		t.Fatalf("expected command option violation, got %+v", v)
	}
}

func TestValidate_AccumulatesAllViolations(t *testing.T) {
	ps, s := newPolicyStore(t)
	ctx := context.Background()
	id, _ := s.CreateIdentity(ctx, model.Identity{Handle: "alice", CreatedAt: t0})

	if _, err := ps.Activate(ctx, "strict", model.RuleSet{
		AllowedAlgorithms:  []string{"ssh-ed25519"},
		MinKeyLengths:      map[string]int{"ssh-dss": 2048},
		MaxKeysPerIdentity: 1,
		CommentPattern:     `^[a-z]+@corp$`,
	}, "admin"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	_, _ = s.InsertKey(ctx, model.SSHKey{IdentityID: id.ID, PublicKey: "k", Algorithm: "ssh-ed25519", BitLength: 256, Fingerprint: "fp", Origin: model.OriginImport, CreatedAt: t0})

	v, err := ps.Validate(ctx, policy.Candidate{
		Algorithm:  "ssh-dss",
		BitLength:  1024,
		Comment:    "Bob Laptop",
		Options:    "agent-forwarding",
		IdentityID: &id.ID,
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := []string{"algorithm", "key_length", "comment", "option", "max_keys"}
	if diff := cmp.Diff(want, rules(v)); diff != "" {
		t.Fatalf("violation order mismatch (-want +got):\n%s", diff)
	}

	err = ps.Check(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256, IdentityID: &id.ID})
	var ve *policy.ViolationError
	if !errors.As(err, &ve) || ve.Violations[0].Message != "Maximum 1 keys per user exceeded" {
		t.Fatalf("expected max keys ViolationError, got %v", err)
	}
	if err := ps.Check(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256}); err != nil {
		t.Fatalf("omitting the identity must skip the key limit, got %v", err)
	}
}

func TestValidate_CommentOnlyCheckedWhenSupplied(t *testing.T) {
	ps, _ := newPolicyStore(t)
	ctx := context.Background()
	if _, err := ps.Activate(ctx, "c", model.RuleSet{CommentPattern: `^ops-`}, "admin"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if v, _ := ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256}); len(v) != 0 {
		t.Fatalf("empty comment must not be checked, got %+v", v)
	}
	if v, _ := ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256, Comment: "ops-1"}); len(v) != 0 {
		t.Fatalf("matching comment rejected: %+v", v)
	}
}

func TestStoredInvalidCommentPatternIsIgnored(t *testing.T) {
	ps, s := newPolicyStore(t)
	ctx := context.Background()
	if _, err := s.ActivatePolicy(ctx, model.Policy{Name: "legacy", Rules: model.RuleSet{CommentPattern: "(["}, IsActive: true, CreatedAt: t0}); err != nil {
		t.Fatalf("ActivatePolicy: %v", err)
	}
	v, err := ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256, Comment: "anything"})
	if err != nil || len(v) != 0 {
		t.Fatalf("broken stored pattern must be skipped, got %+v, %v", v, err)
	}
}

func TestDefaultsAndExpiry(t *testing.T) {
	ps, _ := newPolicyStore(t)
	ctx := context.Background()

	got, err := ps.CurrentRules(ctx)
	if err != nil {
		t.Fatalf("CurrentRules: %v", err)
	}
	if diff := cmp.Diff(policy.DefaultRules(), got); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	exp, _ := ps.DefaultExpiry(ctx)
	if !exp.Equal(t0.AddDate(0, 0, 365)) {
		t.Fatalf("DefaultExpiry = %v", exp)
	}

	if _, err := ps.Activate(ctx, "short", model.RuleSet{DefaultTTLDays: 30, AllowedOptions: []string{}}, "admin"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	exp, _ = ps.DefaultExpiry(ctx)
	if !exp.Equal(t0.AddDate(0, 0, 30)) {
		t.Fatalf("DefaultExpiry after activation = %v", exp)
	}
	got, _ = ps.CurrentRules(ctx)
	if got.AllowedOptions == nil || len(got.AllowedOptions) != 0 {
		t.Fatalf("explicitly empty option list must be kept, got %v", got.AllowedOptions)
	}
	if v, _ := ps.Validate(ctx, policy.Candidate{Algorithm: "ssh-ed25519", BitLength: 256, Options: "no-pty"}); len(v) != 1 {
		t.Fatalf("with no options allowed every option is a violation, got %+v", v)
	}
}

func TestActivate_SingleActiveAndAudited(t *testing.T) {
	ps, s := newPolicyStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := ps.Activate(ctx, fmt.Sprintf("v%d", i), model.RuleSet{MaxKeysPerIdentity: i}, "admin"); err != nil {
			t.Fatalf("Activate v%d: %v", i, err)
		}
	}
	n, err := s.CountActivePolicies(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected exactly one active policy, got %d, %v", n, err)
	}
	r, _ := ps.CurrentRules(ctx)
	if r.MaxKeysPerIdentity != 3 {
		t.Fatalf("latest policy not in force: %+v", r)
	}
	events, _ := s.ListAuditEvents(ctx, 10)
	if len(events) != 3 || events[0].Action != "policy.activate" {
		t.Fatalf("expected three audit events, got %+v", events)
	}
}

func TestActivate_RejectsInvalidRules(t *testing.T) {
	ps, s := newPolicyStore(t)
	ctx := context.Background()

	bad := []model.RuleSet{
		{CommentPattern: "(["},
		{ExpiryReminderDays: []int{7, 0}},
		{MaxKeysPerIdentity: -1},
		{Version: model.RuleSetVersion + 1},
	}
	for _, r := range bad {
		if _, err := ps.Activate(ctx, "bad", r, "admin"); !errors.Is(err, policy.ErrInvalidRules) {
			t.Fatalf("Activate(%+v) err = %v, want ErrInvalidRules", r, err)
		}
	}
	if n, _ := s.CountActivePolicies(ctx); n != 0 {
		t.Fatalf("rejected rules must not be stored")
	}
}

func TestParseRulesYAML(t *testing.T) {
	doc := []byte("allowed_algorithms: [ssh-ed25519]\nmax_keys_per_identity: 2\nexpiry_reminder_days: [14]\n")
	r, err := policy.ParseRulesYAML(doc)
	if err != nil {
		t.Fatalf("ParseRulesYAML: %v", err)
	}
	if r.MaxKeysPerIdentity != 2 || len(r.AllowedAlgorithms) != 1 || policy.MaxReminderDays(r) != 14 {
		t.Fatalf("unexpected rules: %+v", r)
	}
	if _, err := policy.ParseRulesYAML([]byte("max_keys: 2\n")); !errors.Is(err, policy.ErrInvalidRules) {
		t.Fatalf("unknown fields must be rejected, got %v", err)
	}
}
