// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package queue is the persisted apply queue: one open entry per target
// binding, dequeued by priority and age, with linear retry backoff.
package queue // import "github.com/toeirei/keysync/internal/queue"

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/keysync/internal/clock"
	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
)

// ErrBindingInactive is returned when enqueueing a disabled binding.
var ErrBindingInactive = errors.New("binding is not active")

// Priorities used by the key lifecycle operations.
const (
	PriorityNormal = 0
	PriorityRotate = 5
	PriorityRevoke = 10
)

// claimBatch is how many due candidates one Next call considers when
// other workers win the claim race.
const claimBatch = 10

type Repository interface {
	GetBinding(ctx context.Context, id int64) (model.TargetBinding, error)
	ListBindings(ctx context.Context, identityID int64, activeOnly bool) ([]model.TargetBinding, error)
	EnqueueBinding(ctx context.Context, bindingID int64, priority int, now time.Time) (bool, error)
	GetQueueEntry(ctx context.Context, id int64) (model.ApplyQueueEntry, error)
	DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]model.ApplyQueueEntry, error)
	ClaimQueueEntry(ctx context.Context, id int64, now time.Time) (bool, error)
	CompleteQueueEntry(ctx context.Context, id int64, now time.Time) error
	RequeueQueueEntry(ctx context.Context, id int64, retryCount int, scheduledAt time.Time, errText string) error
	FailQueueEntry(ctx context.Context, id int64, retryCount int, errText string, now time.Time) error
	CancelQueueEntry(ctx context.Context, id int64, now time.Time) (bool, error)
	ListQueueEntries(ctx context.Context, f db.QueueFilter) ([]model.ApplyQueueEntry, error)
	LogAction(ctx context.Context, e model.AuditEvent) error
}

// RetryPolicy is the linear backoff applied to failed entries.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 60 * time.Second}
}

// Queue is the ApplyQueue.
type Queue struct {
	repo  Repository
	clock clock.Clock
	retry RetryPolicy
}

func New(repo Repository, retry RetryPolicy, clk clock.Clock) *Queue {
	d := DefaultRetryPolicy()
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = d.MaxRetries
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = d.BaseDelay
	}
	return &Queue{repo: repo, clock: clock.OrSystem(clk), retry: retry}
}

func (q *Queue) RetryPolicy() RetryPolicy { return q.retry }

// EnqueueForIdentity queues every active binding of the identity and
// returns how many new entries were created. Bindings that already have
// an open entry are skipped.
func (q *Queue) EnqueueForIdentity(ctx context.Context, identityID int64, priority int) (int, error) {
	bindings, err := q.repo.ListBindings(ctx, identityID, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list bindings for identity %d: %w", identityID, err)
	}
	return q.enqueueBindings(ctx, bindings, priority)
}

// EnqueueAll queues every active binding in the fleet.
func (q *Queue) EnqueueAll(ctx context.Context, priority int, actor string) (int, error) {
	bindings, err := q.repo.ListBindings(ctx, 0, true)
	if err != nil {
		return 0, fmt.Errorf("failed to list bindings: %w", err)
	}
	n, err := q.enqueueBindings(ctx, bindings, priority)
	if err != nil {
		return n, err
	}
	if err := q.repo.LogAction(ctx, model.AuditEvent{
		Timestamp: q.clock.Now(),
		Actor:     actor,
		Action:    "queue.enqueue_all",
		Entity:    "apply_queue",
		Metadata:  map[string]any{"queued": n, "priority": priority},
	}); err != nil {
		logging.Warnf("failed to audit enqueue-all: %v", err)
	}
	return n, nil
}

func (q *Queue) enqueueBindings(ctx context.Context, bindings []model.TargetBinding, priority int) (int, error) {
	queued := 0
	for _, b := range bindings {
		created, err := q.repo.EnqueueBinding(ctx, b.ID, priority, q.clock.Now())
		if err != nil {
			return queued, fmt.Errorf("failed to enqueue binding %d: %w", b.ID, err)
		}
		if created {
			queued++
		}
	}
	return queued, nil
}

// EnqueueBinding queues a single binding. It reports false when an open
// entry already exists.
func (q *Queue) EnqueueBinding(ctx context.Context, bindingID int64, priority int) (bool, error) {
	b, err := q.repo.GetBinding(ctx, bindingID)
	if err != nil {
		return false, err
	}
	if b.Status != model.BindingActive {
		return false, ErrBindingInactive
	}
	return q.repo.EnqueueBinding(ctx, bindingID, priority, q.clock.Now())
}

// Next claims the highest priority, oldest due entry and returns it in
// state running, or nil when nothing is due. A candidate claimed by
// another worker in the meantime is skipped.
func (q *Queue) Next(ctx context.Context) (*model.ApplyQueueEntry, error) {
	now := q.clock.Now()
	due, err := q.repo.DueQueueEntries(ctx, now, claimBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to select due entries: %w", err)
	}
	for _, e := range due {
		ok, err := q.repo.ClaimQueueEntry(ctx, e.ID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to claim entry %d: %w", e.ID, err)
		}
		if !ok {
			logging.Debugf("queue: entry %d claimed elsewhere", e.ID)
			continue
		}
		e.Status = model.QueueRunning
		started := now
		e.StartedAt = &started
		return &e, nil
	}
	return nil, nil
}

// Complete marks a running entry completed.
func (q *Queue) Complete(ctx context.Context, e *model.ApplyQueueEntry) error {
	if err := q.repo.CompleteQueueEntry(ctx, e.ID, q.clock.Now()); err != nil {
		return fmt.Errorf("failed to complete entry %d: %w", e.ID, err)
	}
	e.Status = model.QueueCompleted
	return nil
}

// Retry records a failed attempt. Below the retry limit the entry goes
// back to queued with scheduledAt pushed out by BaseDelay times the new
// retry count; otherwise it fails terminally. It reports whether the entry
// was requeued.
func (q *Queue) Retry(ctx context.Context, e *model.ApplyQueueEntry, errText string) (bool, error) {
	now := q.clock.Now()
	retries := e.RetryCount + 1
	if retries < q.retry.MaxRetries {
		at := now.Add(q.retry.BaseDelay * time.Duration(retries))
		if err := q.repo.RequeueQueueEntry(ctx, e.ID, retries, at, errText); err != nil {
			return false, fmt.Errorf("failed to requeue entry %d: %w", e.ID, err)
		}
		e.RetryCount, e.Status, e.ScheduledAt, e.StartedAt, e.Error = retries, model.QueueQueued, at, nil, errText
		return true, nil
	}
	if err := q.repo.FailQueueEntry(ctx, e.ID, retries, errText, now); err != nil {
		return false, fmt.Errorf("failed to fail entry %d: %w", e.ID, err)
	}
	e.RetryCount, e.Status, e.Error = retries, model.QueueFailed, errText
	return false, nil
}

// Fail ends a running entry without retry.
func (q *Queue) Fail(ctx context.Context, e *model.ApplyQueueEntry, errText string) error {
	if err := q.repo.FailQueueEntry(ctx, e.ID, e.RetryCount, errText, q.clock.Now()); err != nil {
		return fmt.Errorf("failed to fail entry %d: %w", e.ID, err)
	}
	e.Status, e.Error = model.QueueFailed, errText
	return nil
}

// Cancel moves a queued or running entry to cancelled. It reports false
// when the entry was already terminal.
func (q *Queue) Cancel(ctx context.Context, id int64, actor string) (bool, error) {
	now := q.clock.Now()
	ok, err := q.repo.CancelQueueEntry(ctx, id, now)
	if err != nil || !ok {
		return ok, err
	}
	if err := q.repo.LogAction(ctx, model.AuditEvent{
		Timestamp: now,
		Actor:     actor,
		Action:    "queue.cancel",
		Entity:    "apply_queue",
		EntityID:  fmt.Sprint(id),
	}); err != nil {
		logging.Warnf("failed to audit queue cancellation: %v", err)
	}
	return true, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (model.ApplyQueueEntry, error) {
	return q.repo.GetQueueEntry(ctx, id)
}

func (q *Queue) List(ctx context.Context, f db.QueueFilter) ([]model.ApplyQueueEntry, error) {
	return q.repo.ListQueueEntries(ctx, f)
}
