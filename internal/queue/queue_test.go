// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/queue"
	"github.com/toeirei/keysync/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *db.Store
	clock *testutil.FakeClock
	q     *queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)
	return &fixture{store: s, clock: clk, q: queue.New(s, queue.RetryPolicy{MaxRetries: 3, BaseDelay: time.Minute}, clk)}
}

func (f *fixture) identityWithBindings(t *testing.T, handle string, hosts ...string) (model.Identity, []model.TargetBinding) {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateIdentity(ctx, model.Identity{Handle: handle, CreatedAt: t0})
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	var out []model.TargetBinding
	for _, hn := range hosts {
		h, err := f.store.GetHostByName(ctx, hn)
		if err != nil {
			h, err = f.store.CreateHost(ctx, model.Host{Hostname: hn, Address: hn, CreatedAt: t0})
			if err != nil {
				t.Fatalf("CreateHost: %v", err)
			}
		}
		b, err := f.store.CreateBinding(ctx, model.TargetBinding{IdentityID: id.ID, HostID: h.ID, RemoteUser: handle, CreatedAt: t0})
		if err != nil {
			t.Fatalf("CreateBinding: %v", err)
		}
		out = append(out, b)
	}
	return id, out
}

func TestEnqueueForIdentity_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, bindings := f.identityWithBindings(t, "alice", "web-01", "web-02", "db-01")
	if err := f.store.SetBindingStatus(ctx, bindings[2].ID, model.BindingDisabled); err != nil {
		t.Fatalf("SetBindingStatus: %v", err)
	}

	n, err := f.q.EnqueueForIdentity(ctx, id.ID, queue.PriorityNormal)
	if err != nil || n != 2 {
		t.Fatalf("first enqueue: n=%d err=%v, want 2 active bindings", n, err)
	}
	n, err = f.q.EnqueueForIdentity(ctx, id.ID, queue.PriorityRevoke)
	if err != nil || n != 0 {
		t.Fatalf("second enqueue: n=%d err=%v, want 0", n, err)
	}
	open, _ := f.store.ListQueueEntries(ctx, db.QueueFilter{Status: model.QueueQueued})
	if len(open) != 2 {
		t.Fatalf("expected 2 open entries, got %d", len(open))
	}
}

func TestEnqueueBinding_RejectsDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, bindings := f.identityWithBindings(t, "bob", "web-01")
	_ = f.store.SetBindingStatus(ctx, bindings[0].ID, model.BindingDisabled)

	if _, err := f.q.EnqueueBinding(ctx, bindings[0].ID, 0); !errors.Is(err, queue.ErrBindingInactive) {
		t.Fatalf("expected ErrBindingInactive, got %v", err)
	}
	if _, err := f.q.EnqueueBinding(ctx, 999, 0); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNext_PriorityThenAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, a := f.identityWithBindings(t, "a", "h1")
	_, b := f.identityWithBindings(t, "b", "h1")
	_, c := f.identityWithBindings(t, "c", "h1")

	for _, p := range []struct {
		binding  int64
		priority int
	}{{a[0].ID, 0}, {b[0].ID, 5}, {c[0].ID, 0}} {
		if _, err := f.q.EnqueueBinding(ctx, p.binding, p.priority); err != nil {
			t.Fatalf("EnqueueBinding: %v", err)
		}
		f.clock.Advance(time.Second)
	}

	var order []int64
	for {
		e, err := f.q.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e == nil {
			break
		}
		if e.Status != model.QueueRunning || e.StartedAt == nil {
			t.Fatalf("claimed entry must be running: %+v", e)
		}
		order = append(order, e.BindingID)
		if err := f.q.Complete(ctx, e); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	want := []int64{b[0].ID, a[0].ID, c[0].ID}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Fatalf("processing order = %v, want %v", order, want)
	}
}

func TestRetry_LinearBackoffThenFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, bs := f.identityWithBindings(t, "carol", "web-01")
	_, _ = f.q.EnqueueBinding(ctx, bs[0].ID, 0)

	var lastScheduled time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		e, err := f.q.Next(ctx)
		if err != nil || e == nil {
			t.Fatalf("attempt %d: expected a due entry, got %v, %v", attempt, e, err)
		}
		requeued, err := f.q.Retry(ctx, e, "connection refused")
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		stored, _ := f.q.Get(ctx, e.ID)
		if attempt < 3 {
			if !requeued || stored.Status != model.QueueQueued || stored.StartedAt != nil {
				t.Fatalf("attempt %d: expected requeue, got %+v", attempt, stored)
			}
			want := f.clock.Now().Add(time.Duration(attempt) * time.Minute)
			if !stored.ScheduledAt.Equal(want) || !stored.ScheduledAt.After(lastScheduled) {
				t.Fatalf("attempt %d: scheduledAt = %v, want %v", attempt, stored.ScheduledAt, want)
			}
			lastScheduled = stored.ScheduledAt
			if next, _ := f.q.Next(ctx); next != nil {
				t.Fatalf("entry must not be due before its backoff elapsed")
			}
			f.clock.Set(stored.ScheduledAt)
			continue
		}
		if requeued || stored.Status != model.QueueFailed || stored.RetryCount != 3 || stored.FinishedAt == nil {
			t.Fatalf("expected terminal failure after 3 attempts, got %+v", stored)
		}
		if stored.Error != "connection refused" {
			t.Fatalf("error text not preserved: %q", stored.Error)
		}
	}

	f.clock.Advance(24 * time.Hour)
	if e, _ := f.q.Next(ctx); e != nil {
		t.Fatalf("failed entry must never return to queued")
	}
}

func TestFail_IsImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, bs := f.identityWithBindings(t, "dave", "web-01")
	_, _ = f.q.EnqueueBinding(ctx, bs[0].ID, 0)
	e, _ := f.q.Next(ctx)
	if err := f.q.Fail(ctx, e, "binding disabled"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	stored, _ := f.q.Get(ctx, e.ID)
	if stored.Status != model.QueueFailed || stored.RetryCount != 0 {
		t.Fatalf("unexpected entry after Fail: %+v", stored)
	}
	created, _ := f.q.EnqueueBinding(ctx, bs[0].ID, 0)
	if !created {
		t.Fatalf("a terminal entry must not block a new enqueue")
	}
}

func TestCancel_AuditedAndTerminalOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, bs := f.identityWithBindings(t, "erin", "web-01")
	_, _ = f.q.EnqueueBinding(ctx, bs[0].ID, 0)
	entries, _ := f.q.List(ctx, db.QueueFilter{BindingID: bs[0].ID})

	ok, err := f.q.Cancel(ctx, entries[0].ID, "ops")
	if err != nil || !ok {
		t.Fatalf("Cancel: %v, %v", ok, err)
	}
	if ok, _ := f.q.Cancel(ctx, entries[0].ID, "ops"); ok {
		t.Fatalf("cancelling a terminal entry must report false")
	}
	if e, _ := f.q.Next(ctx); e != nil {
		t.Fatalf("cancelled entry must not be dequeued")
	}
	events, _ := f.store.ListAuditEvents(ctx, 1)
	if len(events) != 1 || events[0].Action != "queue.cancel" {
		t.Fatalf("cancellation not audited: %+v", events)
	}
}

// racingRepo loses the claim for the first candidate, as if a second
// worker took it between select and update.
type racingRepo struct {
	*db.Store
	stolen int64
}

func (r *racingRepo) ClaimQueueEntry(ctx context.Context, id int64, now time.Time) (bool, error) {
	if r.stolen == 0 {
		r.stolen = id
		if _, err := r.Store.ClaimQueueEntry(ctx, id, now); err != nil {
			return false, err
		}
		return false, nil
	}
	return r.Store.ClaimQueueEntry(ctx, id, now)
}

func TestNext_SkipsEntriesClaimedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, a := f.identityWithBindings(t, "a", "h1")
	_, b := f.identityWithBindings(t, "b", "h1")
	_, _ = f.q.EnqueueBinding(ctx, a[0].ID, 0)
	f.clock.Advance(time.Second)
	_, _ = f.q.EnqueueBinding(ctx, b[0].ID, 0)

	repo := &racingRepo{Store: f.store}
	q := queue.New(repo, queue.DefaultRetryPolicy(), f.clock)
	e, err := q.Next(ctx)
	if err != nil || e == nil {
		t.Fatalf("Next: %v, %v", e, err)
	}
	if e.BindingID != b[0].ID {
		t.Fatalf("expected the second candidate after losing the first, got binding %d", e.BindingID)
	}
	if e2, _ := q.Next(ctx); e2 != nil {
		t.Fatalf("both entries are running, nothing must be due")
	}
}

func TestEnqueueAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.identityWithBindings(t, "a", "h1", "h2")
	f.identityWithBindings(t, "b", "h1")

	n, err := f.q.EnqueueAll(ctx, 0, "ops")
	if err != nil || n != 3 {
		t.Fatalf("EnqueueAll: n=%d err=%v", n, err)
	}
	events, _ := f.store.ListAuditEvents(ctx, 1)
	if len(events) != 1 || events[0].Action != "queue.enqueue_all" {
		t.Fatalf("enqueue-all not audited: %+v", events)
	}
}
