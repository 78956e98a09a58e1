// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/keysync/internal/clock"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/metrics"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/notify"
)

// dispatchBatch is how many notifications one tick delivers.
const dispatchBatch = 10

type NotificationStore interface {
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]model.Notification, error)
	MarkNotificationSent(ctx context.Context, id int64, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id int64, errText string) error
}

// Dispatcher delivers queued notifications whose time has come.
type Dispatcher struct {
	loop
	store  NotificationStore
	sender notify.Sender
	clock  clock.Clock
}

func NewDispatcher(store NotificationStore, sender notify.Sender, interval time.Duration, clk clock.Clock) *Dispatcher {
	if sender == nil {
		sender = notify.LogSender{}
	}
	return &Dispatcher{
		loop:   newLoop("notification dispatcher", interval, 60*time.Second),
		store:  store,
		sender: sender,
		clock:  clock.OrSystem(clk),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.run(ctx, func(ctx context.Context) {
		if _, _, err := d.Tick(ctx); err != nil {
			logging.Errorf("notification dispatcher: %v", err)
		}
	})
}

func (d *Dispatcher) Stop() { d.stop() }

// Tick sends up to ten due notifications, oldest first, and returns how
// many were sent and how many failed. A failed delivery is recorded on the
// notification and does not stop the batch.
func (d *Dispatcher) Tick(ctx context.Context) (sent, failed int, err error) {
	due, err := d.store.DueNotifications(ctx, d.clock.Now(), dispatchBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load due notifications: %w", err)
	}
	var errs []error
	for _, n := range due {
		if sendErr := d.sender.Send(ctx, n); sendErr != nil {
			failed++
			metrics.NotificationsTotal.WithLabelValues(string(model.NotificationFailed)).Inc()
			logging.Warnf("notification %d failed: %v", n.ID, sendErr)
			if err := d.store.MarkNotificationFailed(ctx, n.ID, sendErr.Error()); err != nil {
				errs = append(errs, fmt.Errorf("mark notification %d failed: %w", n.ID, err))
			}
			continue
		}
		sent++
		metrics.NotificationsTotal.WithLabelValues(string(model.NotificationSent)).Inc()
		if err := d.store.MarkNotificationSent(ctx, n.ID, d.clock.Now()); err != nil {
			errs = append(errs, fmt.Errorf("mark notification %d sent: %w", n.ID, err))
		}
	}
	return sent, failed, errors.Join(errs...)
}
