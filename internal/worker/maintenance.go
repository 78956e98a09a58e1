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
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/notify"
	"github.com/toeirei/keysync/internal/policy"
	"github.com/toeirei/keysync/internal/queue"
	"github.com/toeirei/keysync/internal/security"
)

// reminderDedupe suppresses a second reminder for the same identity.
const reminderDedupe = 24 * time.Hour

type MaintenanceStore interface {
	KeysExpiringBetween(ctx context.Context, from, to time.Time) ([]model.SSHKey, error)
	ExpireKeys(ctx context.Context, now time.Time) (int64, error)
	HasRecentNotification(ctx context.Context, identityID int64, typ model.NotificationType, since time.Time) (bool, error)
	CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error)
	DeleteFinishedQueueEntries(ctx context.Context, before time.Time) (int64, error)
	DeleteGenRequestsExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

type RulesSource interface {
	CurrentRules(ctx context.Context) (model.RuleSet, error)
}

type Enqueuer interface {
	EnqueueForIdentity(ctx context.Context, identityID int64, priority int) (int, error)
}

type SecurityMaintainer interface {
	DetectAnomalies(ctx context.Context) ([]model.SecurityAlert, error)
	Cleanup(ctx context.Context) (security.CleanupStats, error)
}

// Retention windows for terminal records.
type Retention struct {
	Queue      time.Duration
	GenRequest time.Duration
}

// SweepStats summarises one maintenance run.
type SweepStats struct {
	KeysExpired         int64
	EntriesEnqueued     int
	RemindersQueued     int
	QueueEntriesDeleted int64
	GenRequestsDeleted  int64
	AlertsRaised        int
	AlertsNotified      int
	Security            security.CleanupStats
}

// Sweeper is the hourly maintenance loop.
type Sweeper struct {
	loop
	store     MaintenanceStore
	rules     RulesSource
	enqueuer  Enqueuer
	guard     SecurityMaintainer
	retention Retention
	clock     clock.Clock
}

func NewSweeper(store MaintenanceStore, rules RulesSource, enq Enqueuer, guard SecurityMaintainer, ret Retention, interval time.Duration, clk clock.Clock) *Sweeper {
	if ret.Queue <= 0 {
		ret.Queue = 7 * 24 * time.Hour
	}
	if ret.GenRequest <= 0 {
		ret.GenRequest = 24 * time.Hour
	}
	return &Sweeper{
		loop:      newLoop("maintenance sweeper", interval, time.Hour),
		store:     store,
		rules:     rules,
		enqueuer:  enq,
		guard:     guard,
		retention: ret,
		clock:     clock.OrSystem(clk),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	s.run(ctx, func(ctx context.Context) {
		st, err := s.Sweep(ctx)
		if err != nil {
			logging.Errorf("maintenance sweeper: %v", err)
		}
		logging.With(
			"expired", st.KeysExpired,
			"reminders", st.RemindersQueued,
			"queue_deleted", st.QueueEntriesDeleted,
			"gen_deleted", st.GenRequestsDeleted,
			"alerts", st.AlertsRaised,
		).Info("maintenance sweep finished")
	})
}

func (s *Sweeper) Stop() { s.stop() }

// Sweep runs every maintenance step in order. The steps are independent:
// a failing step is reported in the joined error and the next one runs.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var st SweepStats
	now := s.clock.Now()
	steps := []struct {
		name string
		fn   func(context.Context, time.Time, *SweepStats) error
	}{
		{"expire keys", s.expireKeys},
		{"expiry reminders", s.queueReminders},
		{"queue retention", s.purgeQueue},
		{"gen request retention", s.purgeGenRequests},
		{"anomaly scan", s.scanAnomalies},
		{"security retention", s.securityCleanup},
	}
	var errs []error
	for _, step := range steps {
		if err := step.fn(ctx, now, &st); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	return st, errors.Join(errs...)
}

// expireKeys moves overdue keys to expired and schedules a deployment for
// each affected identity so the keys leave the hosts.
func (s *Sweeper) expireKeys(ctx context.Context, now time.Time, st *SweepStats) error {
	overdue, err := s.store.KeysExpiringBetween(ctx, time.Time{}, now)
	if err != nil {
		return err
	}
	if st.KeysExpired, err = s.store.ExpireKeys(ctx, now); err != nil {
		return err
	}
	seen := map[int64]bool{}
	var errs []error
	for _, k := range overdue {
		if seen[k.IdentityID] {
			continue
		}
		seen[k.IdentityID] = true
		n, err := s.enqueuer.EnqueueForIdentity(ctx, k.IdentityID, queue.PriorityRevoke)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		st.EntriesEnqueued += n
	}
	return errors.Join(errs...)
}

func (s *Sweeper) queueReminders(ctx context.Context, now time.Time, st *SweepStats) error {
	rules, err := s.rules.CurrentRules(ctx)
	if err != nil {
		return err
	}
	days := policy.MaxReminderDays(rules)
	if days <= 0 {
		return nil
	}
	keys, err := s.store.KeysExpiringBetween(ctx, now, now.Add(time.Duration(days)*24*time.Hour))
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		recent, err := s.store.HasRecentNotification(ctx, k.IdentityID, model.NotificationExpiryReminder, now.Add(-reminderDedupe))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if recent {
			continue
		}
		if _, err := s.store.CreateNotification(ctx, notify.ExpiryReminder(k, now)); err != nil {
			errs = append(errs, fmt.Errorf("reminder for key %d: %w", k.ID, err))
			continue
		}
		st.RemindersQueued++
	}
	return errors.Join(errs...)
}

func (s *Sweeper) purgeQueue(ctx context.Context, now time.Time, st *SweepStats) (err error) {
	st.QueueEntriesDeleted, err = s.store.DeleteFinishedQueueEntries(ctx, now.Add(-s.retention.Queue))
	return err
}

func (s *Sweeper) purgeGenRequests(ctx context.Context, now time.Time, st *SweepStats) (err error) {
	st.GenRequestsDeleted, err = s.store.DeleteGenRequestsExpiredBefore(ctx, now.Add(-s.retention.GenRequest))
	return err
}

func (s *Sweeper) scanAnomalies(ctx context.Context, now time.Time, st *SweepStats) error {
	alerts, err := s.guard.DetectAnomalies(ctx)
	if err != nil {
		return err
	}
	st.AlertsRaised = len(alerts)
	var errs []error
	for _, a := range alerts {
		if !a.Severity.Escalated() {
			continue
		}
		if _, err := s.store.CreateNotification(ctx, notify.SecurityAlert(a, now)); err != nil {
			errs = append(errs, fmt.Errorf("alert %d notification: %w", a.ID, err))
			continue
		}
		st.AlertsNotified++
	}
	return errors.Join(errs...)
}

func (s *Sweeper) securityCleanup(ctx context.Context, _ time.Time, st *SweepStats) (err error) {
	st.Security, err = s.guard.Cleanup(ctx)
	return err
}
