// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/keysync/internal/clock"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/metrics"
	"github.com/toeirei/keysync/internal/model"
)

const (
	AlertSpikeApply  = "spike_apply"
	AlertSpikeRevoke = "spike_revoke"

	baselineHours = 23
)

// DetectAnomalies compares fleet activity in the trailing hour with the
// preceding 23 hours and raises alerts. Only newly created alerts are
// returned; an unacknowledged alert of the same type within the last hour
// suppresses a new one.
func (g *Guard) DetectAnomalies(ctx context.Context) ([]model.SecurityAlert, error) {
	now := g.clock.Now()
	recentFrom := now.Add(-time.Hour)
	end := clock.HourStart(now).Add(time.Hour)
	baselineFrom := now.Add(-24 * time.Hour)

	var created []model.SecurityAlert

	recentApply, err := g.repo.SumFleetOperations(ctx, model.OpApply, recentFrom, end)
	if err != nil {
		return nil, fmt.Errorf("failed to sum recent apply operations: %w", err)
	}
	baselineApply, err := g.repo.SumFleetOperations(ctx, model.OpApply, baselineFrom, recentFrom)
	if err != nil {
		return nil, fmt.Errorf("failed to sum baseline apply operations: %w", err)
	}
	if recentApply > 0 && baselineApply > 0 {
		avg := float64(baselineApply) / baselineHours
		if ratio := float64(recentApply) / avg; ratio > g.cfg.SpikeRatio {
			a, err := g.raise(ctx, model.SecurityAlert{
				Type:        AlertSpikeApply,
				Severity:    model.SeverityMedium,
				Description: fmt.Sprintf("Apply operations spiked to %d in the last hour (%.1fx the hourly baseline of %.1f)", recentApply, ratio, avg),
				Metadata:    map[string]any{"recent": recentApply, "baseline_avg": avg, "ratio": ratio},
				CreatedAt:   now,
			})
			if err != nil {
				return created, err
			}
			if a != nil {
				created = append(created, *a)
			}
		}
	}

	recentRevoke, err := g.repo.SumFleetOperations(ctx, model.OpRevoke, recentFrom, end)
	if err != nil {
		return created, fmt.Errorf("failed to sum recent revoke operations: %w", err)
	}
	if recentRevoke > g.cfg.RevokeSpikeLimit {
		a, err := g.raise(ctx, model.SecurityAlert{
			Type:        AlertSpikeRevoke,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("%d keys revoked in the last hour", recentRevoke),
			Metadata:    map[string]any{"recent": recentRevoke, "threshold": g.cfg.RevokeSpikeLimit},
			CreatedAt:   now,
		})
		if err != nil {
			return created, err
		}
		if a != nil {
			created = append(created, *a)
		}
	}
	return created, nil
}

func (g *Guard) raise(ctx context.Context, a model.SecurityAlert) (*model.SecurityAlert, error) {
	open, err := g.repo.HasOpenAlert(ctx, a.Type, a.CreatedAt.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to check open %s alerts: %w", a.Type, err)
	}
	if open {
		return nil, nil
	}
	stored, err := g.repo.CreateAlert(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to store %s alert: %w", a.Type, err)
	}
	metrics.AlertsRaised.WithLabelValues(a.Type).Inc()
	logging.Warnf("security: %s alert raised (%s): %s", a.Type, a.Severity, a.Description)
	return &stored, nil
}

// ListAlerts returns alerts newest first, optionally filtered by
// acknowledgement.
func (g *Guard) ListAlerts(ctx context.Context, acknowledged *bool) ([]model.SecurityAlert, error) {
	return g.repo.ListAlerts(ctx, acknowledged)
}

// AcknowledgeAlert marks the alert as handled by actor. It reports false
// when the alert does not exist or was already acknowledged.
func (g *Guard) AcknowledgeAlert(ctx context.Context, id int64, actor string) (bool, error) {
	now := g.clock.Now()
	ok, err := g.repo.AcknowledgeAlert(ctx, id, actor, now)
	if err != nil || !ok {
		return ok, err
	}
	if err := g.repo.LogAction(ctx, model.AuditEvent{
		Timestamp: now,
		Actor:     actor,
		Action:    "alert.acknowledge",
		Entity:    "security_alert",
		EntityID:  fmt.Sprint(id),
	}); err != nil {
		logging.Warnf("failed to audit alert acknowledgement: %v", err)
	}
	return true, nil
}

// CleanupStats counts what Cleanup removed or deactivated.
type CleanupStats struct {
	RateWindowsDeleted  int64
	LockoutsDeactivated int64
	LockoutsDeleted     int64
}

// Cleanup drops rate windows and inactive lockouts older than the
// retention window and deactivates lockouts that ran out. Every step runs
// even if an earlier one failed.
func (g *Guard) Cleanup(ctx context.Context) (CleanupStats, error) {
	now := g.clock.Now()
	cutoff := now.Add(-g.cfg.Retention)
	var (
		st   CleanupStats
		errs []error
		err  error
	)
	if st.RateWindowsDeleted, err = g.repo.DeleteRateWindowsBefore(ctx, cutoff); err != nil {
		errs = append(errs, fmt.Errorf("delete rate windows: %w", err))
	}
	if st.LockoutsDeactivated, err = g.repo.DeactivateExpiredLockouts(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("deactivate lockouts: %w", err))
	}
	if st.LockoutsDeleted, err = g.repo.DeleteLockoutsBefore(ctx, cutoff); err != nil {
		errs = append(errs, fmt.Errorf("delete lockouts: %w", err))
	}
	return st, errors.Join(errs...)
}
