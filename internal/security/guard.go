// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package security enforces per-identity hourly quotas and lockouts,
// detects fleet-wide activity spikes and wraps secret material.
package security // import "github.com/toeirei/keysync/internal/security"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/toeirei/keysync/internal/clock"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/metrics"
	"github.com/toeirei/keysync/internal/model"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrLocked      = errors.New("identity locked")
)

// DeniedError is returned when an operation is refused. It wraps
// ErrRateLimited or ErrLocked.
type DeniedError struct {
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *DeniedError) Error() string { return e.Reason }
func (e *DeniedError) Unwrap() error { return e.Err }

// Repository is the persistence the guard needs.
type Repository interface {
	IncrementRateWindow(ctx context.Context, identityID int64, op model.OperationKind, windowStart, now time.Time) error
	SumOperations(ctx context.Context, identityID int64, op model.OperationKind, since time.Time) (int, error)
	SumFleetOperations(ctx context.Context, op model.OperationKind, from, to time.Time) (int, error)
	DeleteRateWindowsBefore(ctx context.Context, before time.Time) (int64, error)

	ActiveLockout(ctx context.Context, identityID int64, typ model.LockoutType, now time.Time) (*model.Lockout, error)
	CreateLockout(ctx context.Context, l model.Lockout) (model.Lockout, error)
	ExtendLockout(ctx context.Context, id int64, until time.Time, reason string) error
	DeactivateExpiredLockouts(ctx context.Context, now time.Time) (int64, error)
	DeleteLockoutsBefore(ctx context.Context, before time.Time) (int64, error)
	ListLockouts(ctx context.Context, now time.Time) ([]model.Lockout, error)

	HasOpenAlert(ctx context.Context, alertType string, since time.Time) (bool, error)
	CreateAlert(ctx context.Context, a model.SecurityAlert) (model.SecurityAlert, error)
	ListAlerts(ctx context.Context, acknowledged *bool) ([]model.SecurityAlert, error)
	AcknowledgeAlert(ctx context.Context, id int64, actor string, at time.Time) (bool, error)

	LogAction(ctx context.Context, e model.AuditEvent) error
}

type Config struct {
	// Quotas are hourly limits per operation kind. Kinds without a quota
	// are not limited.
	Quotas   map[model.OperationKind]int
	Lockouts map[model.LockoutType]time.Duration
	// FailedPickupLimit failed downloads per hour lock the identity.
	FailedPickupLimit int
	// SpikeRatio is the factor over the hourly baseline that raises a
	// spike_apply alert.
	SpikeRatio float64
	// RevokeSpikeLimit revokes per hour fleet-wide raise spike_revoke.
	RevokeSpikeLimit int
	Retention        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Quotas: map[model.OperationKind]int{
			model.OpImport:   10,
			model.OpGenerate: 5,
			model.OpApply:    20,
			model.OpRevoke:   10,
			model.OpDownload: 3,
		},
		Lockouts: map[model.LockoutType]time.Duration{
			model.LockoutRateLimit:    60 * time.Minute,
			model.LockoutFailedPickup: 30 * time.Minute,
			model.LockoutSuspicious:   240 * time.Minute,
		},
		FailedPickupLimit: 3,
		SpikeRatio:        3,
		RevokeSpikeLimit:  10,
		Retention:         7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Quotas == nil {
		c.Quotas = d.Quotas
	}
	lockouts := make(map[model.LockoutType]time.Duration, len(d.Lockouts))
	for typ, dur := range d.Lockouts {
		lockouts[typ] = dur
	}
	for typ, dur := range c.Lockouts {
		if dur > 0 {
			lockouts[typ] = dur
		}
	}
	c.Lockouts = lockouts
	if c.FailedPickupLimit == 0 {
		c.FailedPickupLimit = d.FailedPickupLimit
	}
	if c.SpikeRatio == 0 {
		c.SpikeRatio = d.SpikeRatio
	}
	if c.RevokeSpikeLimit == 0 {
		c.RevokeSpikeLimit = d.RevokeSpikeLimit
	}
	if c.Retention == 0 {
		c.Retention = d.Retention
	}
	return c
}

// Guard is the SecurityGuard.
type Guard struct {
	repo  Repository
	cfg   Config
	clock clock.Clock
}

func NewGuard(repo Repository, cfg Config, clk clock.Clock) *Guard {
	return &Guard{repo: repo, cfg: cfg.withDefaults(), clock: clock.OrSystem(clk)}
}

// Config returns the effective configuration.
func (g *Guard) Config() Config { return g.cfg }

// CheckLockout returns a *DeniedError wrapping ErrLocked while any
// lockout of the identity is in force.
func (g *Guard) CheckLockout(ctx context.Context, identityID int64) error {
	now := g.clock.Now()
	l, err := g.repo.ActiveLockout(ctx, identityID, "", now)
	if err != nil {
		return fmt.Errorf("failed to check lockout: %w", err)
	}
	if l == nil {
		return nil
	}
	left := l.LockedUntil.Sub(now)
	return &DeniedError{
		Reason:     fmt.Sprintf("Account temporarily locked (%s). Try again in %d minutes.", l.Reason, minutesCeil(left)),
		RetryAfter: left,
		Err:        ErrLocked,
	}
}

// CheckRateLimit sums the identity's counters for op over the trailing
// hour. At or above quota the call is denied and a rate_limit lockout is
// created or extended.
func (g *Guard) CheckRateLimit(ctx context.Context, identityID int64, op model.OperationKind) error {
	quota, ok := g.cfg.Quotas[op]
	if !ok || quota <= 0 {
		return nil
	}
	now := g.clock.Now()
	n, err := g.repo.SumOperations(ctx, identityID, op, now.Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("failed to read rate window: %w", err)
	}
	if n < quota {
		return nil
	}
	reason := fmt.Sprintf("Rate limit exceeded. Max %d %s operations per hour.", quota, op)
	l, err := g.Lock(ctx, identityID, model.LockoutRateLimit, reason)
	if err != nil {
		return err
	}
	metrics.SecurityDenials.WithLabelValues(string(op), "rate_limit").Inc()
	logging.Warnf("security: identity %d exceeded %s quota (%d/%d)", identityID, op, n, quota)
	return &DeniedError{Reason: reason, RetryAfter: l.LockedUntil.Sub(now), Err: ErrRateLimited}
}

// Admit checks lockouts first, then the quota for op.
func (g *Guard) Admit(ctx context.Context, identityID int64, op model.OperationKind) error {
	if err := g.CheckLockout(ctx, identityID); err != nil {
		var denied *DeniedError
		if errors.As(err, &denied) {
			metrics.SecurityDenials.WithLabelValues(string(op), "locked").Inc()
		}
		return err
	}
	return g.CheckRateLimit(ctx, identityID, op)
}

// RecordOperation counts one op in the current hour bucket.
func (g *Guard) RecordOperation(ctx context.Context, identityID int64, op model.OperationKind) error {
	now := g.clock.Now()
	if err := g.repo.IncrementRateWindow(ctx, identityID, op, clock.HourStart(now), now); err != nil {
		return fmt.Errorf("failed to record %s operation: %w", op, err)
	}
	return nil
}

// RecordFailedPickup counts a failed download for the identity and locks
// it once the hourly limit is reached.
func (g *Guard) RecordFailedPickup(ctx context.Context, identityID int64) error {
	if err := g.RecordOperation(ctx, identityID, model.OpFailedPickup); err != nil {
		return err
	}
	n, err := g.repo.SumOperations(ctx, identityID, model.OpFailedPickup, g.clock.Now().Add(-time.Hour))
	if err != nil {
		return fmt.Errorf("failed to read failed pickups: %w", err)
	}
	if n >= g.cfg.FailedPickupLimit {
		_, err := g.Lock(ctx, identityID, model.LockoutFailedPickup, fmt.Sprintf("%d failed key pickups", n))
		return err
	}
	return nil
}

// Lock creates a lockout of typ, or extends the active one of the same
// type and bumps its attempt count.
func (g *Guard) Lock(ctx context.Context, identityID int64, typ model.LockoutType, reason string) (model.Lockout, error) {
	now := g.clock.Now()
	until := now.Add(g.cfg.Lockouts[typ])
	existing, err := g.repo.ActiveLockout(ctx, identityID, typ, now)
	if err != nil {
		return model.Lockout{}, fmt.Errorf("failed to look up lockout: %w", err)
	}
	if existing != nil {
		if err := g.repo.ExtendLockout(ctx, existing.ID, until, reason); err != nil {
			return model.Lockout{}, fmt.Errorf("failed to extend lockout: %w", err)
		}
		existing.LockedUntil = until
		existing.Reason = reason
		existing.AttemptCount++
		return *existing, nil
	}
	l, err := g.repo.CreateLockout(ctx, model.Lockout{
		IdentityID:  identityID,
		Type:        typ,
		LockedUntil: until,
		Reason:      reason,
		CreatedAt:   now,
	})
	if err != nil {
		return model.Lockout{}, fmt.Errorf("failed to create lockout: %w", err)
	}
	logging.Warnf("security: identity %d locked (%s) until %s", identityID, typ, until.Format(time.RFC3339))
	return l, nil
}

// ListLockouts returns lockouts still in force.
func (g *Guard) ListLockouts(ctx context.Context) ([]model.Lockout, error) {
	return g.repo.ListLockouts(ctx, g.clock.Now())
}

func minutesCeil(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}
