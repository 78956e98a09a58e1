// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"errors"
	"time"

	"github.com/toeirei/keysync/internal/model"
	"github.com/uptrace/bun"
)

var openQueueStatuses = []string{string(model.QueueQueued), string(model.QueueRunning)}

var terminalQueueStatuses = []string{
	string(model.QueueCompleted),
	string(model.QueueFailed),
	string(model.QueueCancelled),
}

// EnqueueBinding creates a queued entry for the binding unless one is
// already queued or running. It reports whether a new entry was created.
func (s *Store) EnqueueBinding(ctx context.Context, bindingID int64, priority int, now time.Time) (bool, error) {
	created := false
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		n, err := tx.NewSelect().Model((*QueueEntryModel)(nil)).
			Where("binding_id = ?", bindingID).
			Where("status IN (?)", bun.In(openQueueStatuses)).
			Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		m := QueueEntryModel{
			BindingID:   bindingID,
			Priority:    priority,
			Status:      string(model.QueueQueued),
			ScheduledAt: now.UTC(),
			CreatedAt:   now.UTC(),
		}
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return MapDBError(err)
		}
		created = true
		return nil
	})
	// The partial unique index on open entries rejects a concurrent
	// enqueue for the same binding; that is the idempotent outcome.
	if errors.Is(err, ErrDuplicate) {
		return false, nil
	}
	return created, err
}

// GetQueueEntry returns the entry with the given ID or ErrNotFound.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (model.ApplyQueueEntry, error) {
	var m QueueEntryModel
	if err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return model.ApplyQueueEntry{}, MapDBError(err)
	}
	return queueModelToModel(m), nil
}

// DueQueueEntries returns up to limit queued entries that are due at now,
// in dequeue order: priority descending, then oldest first.
func (s *Store) DueQueueEntries(ctx context.Context, now time.Time, limit int) ([]model.ApplyQueueEntry, error) {
	var ms []QueueEntryModel
	err := s.bun.NewSelect().Model(&ms).
		Where("status = ?", string(model.QueueQueued)).
		Where("scheduled_at <= ?", now.UTC()).
		OrderExpr("priority DESC, created_at ASC, id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ApplyQueueEntry, 0, len(ms))
	for _, m := range ms {
		out = append(out, queueModelToModel(m))
	}
	return out, nil
}

// ClaimQueueEntry atomically moves a queued entry to running. It returns
// false when another worker claimed or cancelled it first.
func (s *Store) ClaimQueueEntry(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.bun.NewUpdate().Model((*QueueEntryModel)(nil)).
		Set("status = ?", string(model.QueueRunning)).
		Set("started_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("status = ?", string(model.QueueQueued)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

// CompleteQueueEntry marks a running entry completed.
func (s *Store) CompleteQueueEntry(ctx context.Context, id int64, now time.Time) error {
	return s.finishRunning(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("status = ?", string(model.QueueCompleted)).
			Set("finished_at = ?", now.UTC()).
			Set("error = ?", "")
	})
}

// RequeueQueueEntry returns a running entry to queued for a later retry.
func (s *Store) RequeueQueueEntry(ctx context.Context, id int64, retryCount int, scheduledAt time.Time, errText string) error {
	return s.finishRunning(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("status = ?", string(model.QueueQueued)).
			Set("retry_count = ?", retryCount).
			Set("scheduled_at = ?", scheduledAt.UTC()).
			Set("started_at = NULL").
			Set("error = ?", errText)
	})
}

// FailQueueEntry marks a running entry terminally failed.
func (s *Store) FailQueueEntry(ctx context.Context, id int64, retryCount int, errText string, now time.Time) error {
	return s.finishRunning(ctx, id, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("status = ?", string(model.QueueFailed)).
			Set("retry_count = ?", retryCount).
			Set("finished_at = ?", now.UTC()).
			Set("error = ?", errText)
	})
}

// finishRunning applies set to the entry only while it is still running, so
// a cancellation that raced the worker is not overwritten.
func (s *Store) finishRunning(ctx context.Context, id int64, set func(*bun.UpdateQuery) *bun.UpdateQuery) error {
	q := s.bun.NewUpdate().Model((*QueueEntryModel)(nil)).
		Where("id = ?", id).
		Where("status = ?", string(model.QueueRunning))
	res, err := set(q).Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelQueueEntry cancels a queued or running entry. It returns false when
// the entry was already terminal.
func (s *Store) CancelQueueEntry(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.bun.NewUpdate().Model((*QueueEntryModel)(nil)).
		Set("status = ?", string(model.QueueCancelled)).
		Set("finished_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("status IN (?)", bun.In(openQueueStatuses)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

// QueueFilter narrows ListQueueEntries.
type QueueFilter struct {
	Status    model.QueueStatus
	BindingID int64
	Limit     int
}

// ListQueueEntries returns entries newest first.
func (s *Store) ListQueueEntries(ctx context.Context, f QueueFilter) ([]model.ApplyQueueEntry, error) {
	var ms []QueueEntryModel
	q := s.bun.NewSelect().Model(&ms).OrderExpr("created_at DESC, id DESC")
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.BindingID > 0 {
		q = q.Where("binding_id = ?", f.BindingID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.ApplyQueueEntry, 0, len(ms))
	for _, m := range ms {
		out = append(out, queueModelToModel(m))
	}
	return out, nil
}

// CountQueueEntries returns the number of entries in the given status.
func (s *Store) CountQueueEntries(ctx context.Context, status model.QueueStatus) (int, error) {
	return s.bun.NewSelect().Model((*QueueEntryModel)(nil)).
		Where("status = ?", string(status)).
		Count(ctx)
}

// DeleteFinishedQueueEntries removes terminal entries that finished before
// the cutoff.
func (s *Store) DeleteFinishedQueueEntries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.bun.NewDelete().Model((*QueueEntryModel)(nil)).
		Where("status IN (?)", bun.In(terminalQueueStatuses)).
		Where("finished_at IS NOT NULL").
		Where("finished_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}
