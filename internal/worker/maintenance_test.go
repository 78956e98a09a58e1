// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/policy"
	"github.com/toeirei/keysync/internal/queue"
	"github.com/toeirei/keysync/internal/security"
	"github.com/toeirei/keysync/internal/testutil"
)

type guardStub struct {
	alerts     []model.SecurityAlert
	detectErr  error
	cleanups   int
	cleanupErr error
}

func (g *guardStub) DetectAnomalies(context.Context) ([]model.SecurityAlert, error) {
	return g.alerts, g.detectErr
}

func (g *guardStub) Cleanup(context.Context) (security.CleanupStats, error) {
	g.cleanups++
	return security.CleanupStats{RateWindowsDeleted: 2}, g.cleanupErr
}

func addExpiringKey(t *testing.T, s *db.Store, identityID int64, expires time.Time) model.SSHKey {
	t.Helper()
	pk := testutil.NewEd25519Key(t, "exp")
	k, err := s.InsertKey(context.Background(), model.SSHKey{
		IdentityID:  identityID,
		PublicKey:   pk.Material(),
		Algorithm:   pk.Algorithm,
		BitLength:   pk.BitLength,
		Fingerprint: pk.Fingerprint,
		Origin:      model.OriginImport,
		Status:      model.KeyActive,
		ExpiresAt:   &expires,
		CreatedAt:   t0.Add(-30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("InsertKey: %v", err)
	}
	return k
}

func newSweeper(store *db.Store, guard SecurityMaintainer, clk *testutil.FakeClock) (*Sweeper, *queue.Queue) {
	q := queue.New(store, queue.RetryPolicy{}, clk)
	return NewSweeper(store, policy.New(store, clk), q, guard, Retention{}, time.Hour, clk), q
}

func TestSweeper_ExpiresKeysAndSchedulesRemoval(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)
	target := testutil.SeedBinding(t, store, "alice", "web-01", t0)
	old := addExpiringKey(t, store, target.Identity.ID, t0.Add(-time.Minute))
	addExpiringKey(t, store, target.Identity.ID, t0.Add(-time.Hour))

	s, q := newSweeper(store, &guardStub{}, clk)
	st, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if st.KeysExpired != 2 || st.EntriesEnqueued != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	k, _ := store.GetKey(ctx, old.ID)
	if k.Status != model.KeyExpired {
		t.Fatalf("key status = %q", k.Status)
	}
	entries, _ := q.List(ctx, db.QueueFilter{BindingID: target.Binding.ID})
	if len(entries) != 1 || entries[0].Priority != queue.PriorityRevoke {
		t.Fatalf("expected one revoke-priority entry, got %+v", entries)
	}
}

func TestSweeper_RemindersAreDeduplicatedPerIdentity(t *testing.T) {
	i18n.Init("en")
	ctx := context.Background()
	store := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)
	alice := testutil.SeedBinding(t, store, "alice", "web-01", t0)
	bob := testutil.SeedBinding(t, store, "bob", "web-01b", t0)

	addExpiringKey(t, store, alice.Identity.ID, t0.Add(5*24*time.Hour+time.Hour))
	addExpiringKey(t, store, alice.Identity.ID, t0.Add(6*24*time.Hour))
	addExpiringKey(t, store, bob.Identity.ID, t0.Add(29*24*time.Hour))
	addExpiringKey(t, store, bob.Identity.ID, t0.Add(45*24*time.Hour))

	s, _ := newSweeper(store, &guardStub{}, clk)
	st, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if st.RemindersQueued != 2 {
		t.Fatalf("expected one reminder per identity, got %d", st.RemindersQueued)
	}
	queued, _ := store.ListNotifications(ctx, model.NotificationQueued, 0)
	var aliceMsg string
	for _, n := range queued {
		if n.IdentityID != nil && *n.IdentityID == alice.Identity.ID {
			aliceMsg = n.Subject
		}
	}
	if aliceMsg != "SSH Key Expiring in 5 days" {
		t.Fatalf("unexpected reminder subject %q", aliceMsg)
	}

	clk.Advance(time.Hour)
	if st, _ := s.Sweep(ctx); st.RemindersQueued != 0 {
		t.Fatalf("reminders within a day must be suppressed, got %d", st.RemindersQueued)
	}
	clk.Advance(24 * time.Hour)
	if st, _ := s.Sweep(ctx); st.RemindersQueued != 2 {
		t.Fatalf("expected fresh reminders after a day, got %d", st.RemindersQueued)
	}
}

func TestSweeper_EscalatedAlertsBecomeNotifications(t *testing.T) {
	i18n.Init("en")
	ctx := context.Background()
	store := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)
	guard := &guardStub{alerts: []model.SecurityAlert{
		{ID: 1, Type: "spike_apply", Severity: model.SeverityMedium, Description: "apply spike"},
		{ID: 2, Type: "spike_revoke", Severity: model.SeverityHigh, Description: "11 revokes in the last hour"},
	}}

	s, _ := newSweeper(store, guard, clk)
	st, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if st.AlertsRaised != 2 || st.AlertsNotified != 1 || st.Security.RateWindowsDeleted != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	queued, _ := store.ListNotifications(ctx, model.NotificationQueued, 0)
	if len(queued) != 1 || queued[0].Subject != "Security Alert: spike_revoke" || queued[0].IdentityID != nil {
		t.Fatalf("unexpected notifications %+v", queued)
	}
}

func TestSweeper_FailingStepDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)
	target := testutil.SeedBinding(t, store, "alice", "web-01", t0)
	addExpiringKey(t, store, target.Identity.ID, t0.Add(-time.Minute))
	guard := &guardStub{detectErr: errors.New("scan failed")}

	s, _ := newSweeper(store, guard, clk)
	st, err := s.Sweep(ctx)
	if err == nil || !strings.Contains(err.Error(), "anomaly scan") {
		t.Fatalf("expected the anomaly scan error, got %v", err)
	}
	if st.KeysExpired != 1 || guard.cleanups != 1 {
		t.Fatalf("other steps must still run: %+v cleanups=%d", st, guard.cleanups)
	}
}

func TestSweeper_PurgesTerminalQueueEntries(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)
	target := testutil.SeedBinding(t, store, "alice", "web-01", t0)

	s, q := newSweeper(store, &guardStub{}, clk)
	if _, err := q.EnqueueBinding(ctx, target.Binding.ID, queue.PriorityNormal); err != nil {
		t.Fatalf("EnqueueBinding: %v", err)
	}
	e, err := q.Next(ctx)
	if err != nil || e == nil {
		t.Fatalf("Next: %v", err)
	}
	if err := q.Complete(ctx, e); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	clk.Advance(6 * 24 * time.Hour)
	if st, _ := s.Sweep(ctx); st.QueueEntriesDeleted != 0 {
		t.Fatalf("entry is inside the retention window")
	}
	clk.Advance(2 * 24 * time.Hour)
	if st, _ := s.Sweep(ctx); st.QueueEntriesDeleted != 1 {
		t.Fatalf("expected the completed entry to be purged, got %+v", st)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, sqlGoroutines...)

	store := testutil.NewStore(t)
	guard := &guardStub{}
	s, _ := newSweeper(store, guard, testutil.NewFakeClock(t0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Start(ctx); close(done) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
}
