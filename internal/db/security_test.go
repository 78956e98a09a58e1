// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"testing"
	"time"

	"github.com/toeirei/keysync/internal/model"
)

func TestRateWindows_IncrementAndSum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hour := t0.Truncate(time.Hour)

	for i := 0; i < 3; i++ {
		if err := s.IncrementRateWindow(ctx, 7, model.OpGenerate, hour, t0); err != nil {
			t.Fatalf("IncrementRateWindow: %v", err)
		}
	}
	if err := s.IncrementRateWindow(ctx, 7, model.OpGenerate, hour.Add(-2*time.Hour), t0); err != nil {
		t.Fatalf("IncrementRateWindow: %v", err)
	}
	if err := s.IncrementRateWindow(ctx, 8, model.OpGenerate, hour, t0); err != nil {
		t.Fatalf("IncrementRateWindow: %v", err)
	}

	got, err := s.SumOperations(ctx, 7, model.OpGenerate, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SumOperations: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3 operations in the trailing hour, got %d", got)
	}
	fleet, err := s.SumFleetOperations(ctx, model.OpGenerate, hour.Add(-24*time.Hour), hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("SumFleetOperations: %v", err)
	}
	if fleet != 5 {
		t.Fatalf("expected 5 fleet operations, got %d", fleet)
	}
	none, err := s.SumOperations(ctx, 9, model.OpGenerate, t0.Add(-time.Hour))
	if err != nil || none != 0 {
		t.Fatalf("expected 0 for unknown identity, got %d, %v", none, err)
	}
}

func TestLockouts_ExtendDeactivateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l, err := s.CreateLockout(ctx, model.Lockout{IdentityID: 1, Type: model.LockoutRateLimit, LockedUntil: t0.Add(time.Hour), Reason: "quota", CreatedAt: t0})
	if err != nil {
		t.Fatalf("CreateLockout: %v", err)
	}
	if err := s.ExtendLockout(ctx, l.ID, t0.Add(2*time.Hour), "quota again"); err != nil {
		t.Fatalf("ExtendLockout: %v", err)
	}
	got, err := s.ActiveLockout(ctx, 1, model.LockoutRateLimit, t0.Add(90*time.Minute))
	if err != nil || got == nil {
		t.Fatalf("expected active lockout, got %v, %v", got, err)
	}
	if got.AttemptCount != 2 || got.Reason != "quota again" {
		t.Fatalf("unexpected lockout after extension: %+v", got)
	}
	if other, _ := s.ActiveLockout(ctx, 1, model.LockoutSuspicious, t0); other != nil {
		t.Fatalf("type filter not applied")
	}

	n, err := s.DeactivateExpiredLockouts(ctx, t0.Add(3*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeactivateExpiredLockouts: n=%d err=%v", n, err)
	}
	if got, _ := s.ActiveLockout(ctx, 1, "", t0); got != nil {
		t.Fatalf("deactivated lockout must not be returned")
	}
	n, err = s.DeleteLockoutsBefore(ctx, t0.Add(time.Second))
	if err != nil || n != 1 {
		t.Fatalf("DeleteLockoutsBefore: n=%d err=%v", n, err)
	}
}

func TestAlerts_OpenAndAcknowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAlert(ctx, model.SecurityAlert{Type: "spike_revoke", Severity: model.SeverityHigh, Description: "many", Metadata: map[string]any{"count": 12}, CreatedAt: t0})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	open, err := s.HasOpenAlert(ctx, "spike_revoke", t0.Add(-time.Hour))
	if err != nil || !open {
		t.Fatalf("expected open alert, got %v, %v", open, err)
	}
	ok, err := s.AcknowledgeAlert(ctx, a.ID, "ops", t0.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("AcknowledgeAlert: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.AcknowledgeAlert(ctx, a.ID, "ops", t0.Add(time.Minute)); ok {
		t.Fatalf("second acknowledgement must report false")
	}
	if open, _ := s.HasOpenAlert(ctx, "spike_revoke", t0.Add(-time.Hour)); open {
		t.Fatalf("acknowledged alert must not count as open")
	}
	acked := true
	list, _ := s.ListAlerts(ctx, &acked)
	if len(list) != 1 || list[0].AcknowledgedBy != "ops" || list[0].AcknowledgedAt == nil {
		t.Fatalf("unexpected acknowledged list: %+v", list)
	}
	if list[0].Metadata["count"] != float64(12) {
		t.Fatalf("metadata not preserved: %+v", list[0].Metadata)
	}
}
