// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/notify"
	"github.com/toeirei/keysync/internal/testutil"
)

func TestDispatcher_SendsDueOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	clk := testutil.NewFakeClock(t0)

	for i := 0; i < 12; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		if _, err := store.CreateNotification(ctx, model.Notification{
			Type:        model.NotificationSecurityAlert,
			Subject:     fmt.Sprintf("n%02d", i),
			ScheduledAt: at,
			CreatedAt:   at,
		}); err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
	}
	future := t0.Add(time.Hour)
	if _, err := store.CreateNotification(ctx, model.Notification{Type: model.NotificationSecurityAlert, Subject: "later", ScheduledAt: future, CreatedAt: t0}); err != nil {
		t.Fatalf("CreateNotification: %v", err)
	}
	clk.Set(t0.Add(time.Minute))

	var order []string
	sender := notify.SenderFunc(func(_ context.Context, n model.Notification) error {
		order = append(order, n.Subject)
		if n.Subject == "n03" {
			return errors.New("smtp: mailbox unavailable")
		}
		return nil
	})
	d := NewDispatcher(store, sender, time.Hour, clk)

	sent, failed, err := d.Tick(ctx)
	if err != nil || sent != 9 || failed != 1 {
		t.Fatalf("Tick = %d sent, %d failed, %v", sent, failed, err)
	}
	if len(order) != 10 || order[0] != "n00" || order[9] != "n09" {
		t.Fatalf("unexpected delivery order %v", order)
	}

	failedList, _ := store.ListNotifications(ctx, model.NotificationFailed, 0)
	if len(failedList) != 1 || failedList[0].Error != "smtp: mailbox unavailable" {
		t.Fatalf("failure not recorded: %+v", failedList)
	}
	sentList, _ := store.ListNotifications(ctx, model.NotificationSent, 0)
	for _, n := range sentList {
		if n.SentAt == nil || !n.SentAt.Equal(clk.Now()) {
			t.Fatalf("sent_at not stamped on %+v", n)
		}
	}

	order = nil
	if sent, _, _ := d.Tick(ctx); sent != 2 {
		t.Fatalf("second tick should deliver the remaining two, got %d (%v)", sent, order)
	}
	if queued, _ := store.ListNotifications(ctx, model.NotificationQueued, 0); len(queued) != 1 || queued[0].Subject != "later" {
		t.Fatalf("future notification must stay queued, got %+v", queued)
	}
}
