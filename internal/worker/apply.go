// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package worker

import (
	"context"
	"time"

	"github.com/toeirei/keysync/internal/deploy"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/metrics"
	"github.com/toeirei/keysync/internal/model"
)

// ApplyQueue is the part of queue.Queue the apply worker drives.
type ApplyQueue interface {
	Next(ctx context.Context) (*model.ApplyQueueEntry, error)
	Complete(ctx context.Context, e *model.ApplyQueueEntry) error
	Retry(ctx context.Context, e *model.ApplyQueueEntry, errText string) (bool, error)
	Fail(ctx context.Context, e *model.ApplyQueueEntry, errText string) error
}

// Executor deploys one claimed entry.
type Executor interface {
	Execute(ctx context.Context, e model.ApplyQueueEntry) deploy.Result
}

// ApplyWorker processes one due queue entry per tick.
type ApplyWorker struct {
	loop
	queue ApplyQueue
	exec  Executor
}

func NewApplyWorker(q ApplyQueue, exec Executor, interval time.Duration) *ApplyWorker {
	return &ApplyWorker{
		loop:  newLoop("apply worker", interval, 5*time.Second),
		queue: q,
		exec:  exec,
	}
}

// Start runs the worker until ctx is done or Stop is called.
func (w *ApplyWorker) Start(ctx context.Context) {
	w.run(ctx, func(ctx context.Context) {
		if _, err := w.Tick(ctx); err != nil {
			logging.Errorf("apply worker: %v", err)
		}
	})
}

func (w *ApplyWorker) Stop() { w.stop() }

// Tick claims the next due entry, executes it and records the outcome.
// It reports whether an entry was processed. A claimed entry always leaves
// running, even when ctx is cancelled while it executes.
func (w *ApplyWorker) Tick(ctx context.Context) (bool, error) {
	e, err := w.queue.Next(ctx)
	if err != nil || e == nil {
		return false, err
	}

	res := w.exec.Execute(ctx, *e)
	ctx = context.WithoutCancel(ctx)
	log := logging.With("entry", e.ID, "binding", e.BindingID)

	if res.Outcome == deploy.OutcomeSuccess {
		if err := w.queue.Complete(ctx, e); err != nil {
			return true, err
		}
		metrics.QueueEntriesProcessed.WithLabelValues("completed").Inc()
		log.Info("queue entry completed")
		return true, nil
	}

	errText := "deployment failed"
	if res.Err != nil {
		errText = res.Err.Error()
	}

	if !res.Category.Retryable() {
		if err := w.queue.Fail(ctx, e, errText); err != nil {
			return true, err
		}
		metrics.QueueEntriesProcessed.WithLabelValues("failed").Inc()
		log.Warn("queue entry failed", "category", string(res.Category), "err", errText)
		return true, nil
	}

	requeued, err := w.queue.Retry(ctx, e, errText)
	if err != nil {
		return true, err
	}
	if requeued {
		metrics.QueueEntriesProcessed.WithLabelValues("retried").Inc()
		log.Warn("queue entry requeued", "retry", e.RetryCount, "at", e.ScheduledAt, "err", errText)
		return true, nil
	}
	metrics.QueueEntriesProcessed.WithLabelValues("failed").Inc()
	log.Warn("queue entry failed after retries", "retries", e.RetryCount, "err", errText)
	return true, nil
}
