// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package security_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/security"
	"github.com/toeirei/keysync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)

func newGuard(t *testing.T) (*security.Guard, *db.Store, *testutil.FakeClock) {
	t.Helper()
	s := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)
	return security.NewGuard(s, security.Config{}, clk), s, clk
}

func TestRateLimit_SixthGenerateDeniedUntilHourBoundary(t *testing.T) {
	g, _, clk := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := g.CheckRateLimit(ctx, 1, model.OpGenerate); err != nil {
			t.Fatalf("operation %d denied: %v", i+1, err)
		}
		if err := g.RecordOperation(ctx, 1, model.OpGenerate); err != nil {
			t.Fatalf("RecordOperation: %v", err)
		}
		clk.Advance(5 * time.Minute)
	}

	err := g.CheckRateLimit(ctx, 1, model.OpGenerate)
	var denied *security.DeniedError
	if !errors.As(err, &denied) || !errors.Is(err, security.ErrRateLimited) {
		t.Fatalf("expected rate limit denial, got %v", err)
	}
	if denied.Reason != "Rate limit exceeded. Max 5 generate operations per hour." {
		t.Fatalf("unexpected reason %q", denied.Reason)
	}
	if denied.RetryAfter != time.Hour {
		t.Fatalf("RetryAfter = %v, want the rate_limit lockout duration", denied.RetryAfter)
	}

	if err := g.CheckRateLimit(ctx, 2, model.OpGenerate); err != nil {
		t.Fatalf("quotas are per identity, got %v", err)
	}
	if err := g.CheckRateLimit(ctx, 1, model.OpImport); err != nil {
		t.Fatalf("quotas are per operation kind, got %v", err)
	}

	clk.Set(time.Date(2026, 3, 1, 13, 1, 0, 0, time.UTC))
	if err := g.CheckRateLimit(ctx, 1, model.OpGenerate); err != nil {
		t.Fatalf("quota must reset once the hour bucket left the window, got %v", err)
	}
}

func TestDenialLocksAndRepeatExtends(t *testing.T) {
	g, s, clk := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = g.RecordOperation(ctx, 1, model.OpDownload)
	}
	if err := g.Admit(ctx, 1, model.OpDownload); !errors.Is(err, security.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	clk.Advance(10 * time.Minute)
	err := g.Admit(ctx, 1, model.OpImport)
	if !errors.Is(err, security.ErrLocked) {
		t.Fatalf("expected ErrLocked for any operation while locked, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Account temporarily locked (Rate limit exceeded.") || !strings.HasSuffix(err.Error(), "Try again in 50 minutes.") {
		t.Fatalf("unexpected lockout message %q", err.Error())
	}

	if _, err := g.Lock(ctx, 1, model.LockoutRateLimit, "again"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	l, _ := s.ActiveLockout(ctx, 1, model.LockoutRateLimit, clk.Now())
	if l == nil || l.AttemptCount != 2 || !l.LockedUntil.Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("expected the same lockout extended, got %+v", l)
	}
	list, _ := g.ListLockouts(ctx)
	if len(list) != 1 {
		t.Fatalf("expected one lockout row, got %d", len(list))
	}

	clk.Advance(2 * time.Hour)
	if err := g.CheckLockout(ctx, 1); err != nil {
		t.Fatalf("expired lockout must not block, got %v", err)
	}
}

func TestRecordFailedPickup_LocksAtThree(t *testing.T) {
	g, s, clk := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := g.RecordFailedPickup(ctx, 4); err != nil {
			t.Fatalf("RecordFailedPickup: %v", err)
		}
	}
	if err := g.CheckLockout(ctx, 4); err != nil {
		t.Fatalf("two failures must not lock, got %v", err)
	}
	_ = g.RecordFailedPickup(ctx, 4)
	l, _ := s.ActiveLockout(ctx, 4, model.LockoutFailedPickup, clk.Now())
	if l == nil || !l.LockedUntil.Equal(clk.Now().Add(30*time.Minute)) {
		t.Fatalf("expected 30 minute failed_pickup lockout, got %+v", l)
	}
}

func TestDetectAnomalies(t *testing.T) {
	g, s, clk := newGuard(t)
	ctx := context.Background()
	now := clk.Now()

	// One apply per hour across the baseline window.
	for h := 2; h <= 23; h++ {
		ts := now.Add(-time.Duration(h) * time.Hour).Truncate(time.Hour)
		_ = s.IncrementRateWindow(ctx, 1, model.OpApply, ts, now)
	}
	for i := 0; i < 5; i++ {
		_ = g.RecordOperation(ctx, 2, model.OpApply)
	}
	for i := 0; i < 11; i++ {
		_ = g.RecordOperation(ctx, int64(i+1), model.OpRevoke)
	}

	alerts, err := g.DetectAnomalies(ctx)
	if err != nil {
		t.Fatalf("DetectAnomalies: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected spike_apply and spike_revoke, got %+v", alerts)
	}
	if alerts[0].Type != security.AlertSpikeApply || alerts[0].Severity != model.SeverityMedium {
		t.Fatalf("unexpected first alert %+v", alerts[0])
	}
	if alerts[1].Type != security.AlertSpikeRevoke || !alerts[1].Severity.Escalated() {
		t.Fatalf("unexpected second alert %+v", alerts[1])
	}

	clk.Advance(10 * time.Minute)
	again, err := g.DetectAnomalies(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("open alerts within the hour must deduplicate, got %+v, %v", again, err)
	}

	if ok, err := g.AcknowledgeAlert(ctx, alerts[1].ID, "ops"); err != nil || !ok {
		t.Fatalf("AcknowledgeAlert: %v, %v", ok, err)
	}
	again, _ = g.DetectAnomalies(ctx)
	if len(again) != 1 || again[0].Type != security.AlertSpikeRevoke {
		t.Fatalf("acknowledged type must alert again, got %+v", again)
	}
	events, _ := s.ListAuditEvents(ctx, 5)
	if len(events) == 0 || events[0].Action != "alert.acknowledge" {
		t.Fatalf("acknowledgement not audited: %+v", events)
	}
}

func TestDetectAnomalies_NoBaselineNoSpike(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_ = g.RecordOperation(ctx, 1, model.OpApply)
	}
	alerts, err := g.DetectAnomalies(ctx)
	if err != nil || len(alerts) != 0 {
		t.Fatalf("apply spike needs a baseline, got %+v, %v", alerts, err)
	}
}

func TestCleanup(t *testing.T) {
	g, s, clk := newGuard(t)
	ctx := context.Background()

	_ = g.RecordOperation(ctx, 1, model.OpImport)
	if _, err := g.Lock(ctx, 1, model.LockoutSuspicious, "odd"); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	clk.Advance(8 * 24 * time.Hour)
	st, err := g.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if st.RateWindowsDeleted != 1 || st.LockoutsDeactivated != 1 || st.LockoutsDeleted != 1 {
		t.Fatalf("unexpected cleanup stats %+v", st)
	}
	if n, _ := s.SumOperations(ctx, 1, model.OpImport, t0.Add(-time.Hour)); n != 0 {
		t.Fatalf("rate window not deleted")
	}
}
