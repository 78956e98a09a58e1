// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/toeirei/keysync/internal/model"
)

// IncrementRateWindow adds one to the counter keyed by (identity, op,
// windowStart), creating it when absent.
func (s *Store) IncrementRateWindow(ctx context.Context, identityID int64, op model.OperationKind, windowStart, now time.Time) error {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.bun.NewUpdate().Model((*RateLimitWindowModel)(nil)).
			Set("count = count + 1").
			Where("identity_id = ?", identityID).
			Where("operation = ?", string(op)).
			Where("window_start = ?", windowStart.UTC()).
			Exec(ctx)
		if err != nil {
			return err
		}
		if affected(res) > 0 {
			return nil
		}
		m := RateLimitWindowModel{
			IdentityID:  identityID,
			Operation:   string(op),
			WindowStart: windowStart.UTC(),
			Count:       1,
			CreatedAt:   now.UTC(),
		}
		_, err = s.bun.NewInsert().Model(&m).Exec(ctx)
		if err == nil {
			return nil
		}
		// Another writer created the bucket between our update and insert.
		if !errors.Is(MapDBError(err), ErrDuplicate) {
			return err
		}
	}
	return nil
}

// SumOperations totals the counters of one identity and operation whose
// bucket starts at or after since.
func (s *Store) SumOperations(ctx context.Context, identityID int64, op model.OperationKind, since time.Time) (int, error) {
	var total sql.NullInt64
	err := s.bun.NewSelect().Model((*RateLimitWindowModel)(nil)).
		ColumnExpr("SUM(count)").
		Where("identity_id = ?", identityID).
		Where("operation = ?", string(op)).
		Where("window_start >= ?", since.UTC()).
		Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// SumFleetOperations totals the counters of one operation across all
// identities for buckets starting in [from, to).
func (s *Store) SumFleetOperations(ctx context.Context, op model.OperationKind, from, to time.Time) (int, error) {
	var total sql.NullInt64
	err := s.bun.NewSelect().Model((*RateLimitWindowModel)(nil)).
		ColumnExpr("SUM(count)").
		Where("operation = ?", string(op)).
		Where("window_start >= ?", from.UTC()).
		Where("window_start < ?", to.UTC()).
		Scan(ctx, &total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// DeleteRateWindowsBefore removes counters whose bucket started before the cutoff.
func (s *Store) DeleteRateWindowsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.bun.NewDelete().Model((*RateLimitWindowModel)(nil)).
		Where("window_start < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

// ActiveLockout returns the active lockout of an identity that ends last,
// or nil when the identity is not locked at now. An empty typ matches any type.
func (s *Store) ActiveLockout(ctx context.Context, identityID int64, typ model.LockoutType, now time.Time) (*model.Lockout, error) {
	var m LockoutModel
	q := s.bun.NewSelect().Model(&m).
		Where("identity_id = ?", identityID).
		Where("is_active = ?", true).
		Where("locked_until > ?", now.UTC())
	if typ != "" {
		q = q.Where("lockout_type = ?", string(typ))
	}
	err := q.OrderExpr("locked_until DESC").Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l := lockoutModelToModel(m)
	return &l, nil
}

// CreateLockout inserts a new active lockout.
func (s *Store) CreateLockout(ctx context.Context, l model.Lockout) (model.Lockout, error) {
	m := LockoutModel{
		IdentityID:   l.IdentityID,
		Type:         string(l.Type),
		LockedUntil:  l.LockedUntil.UTC(),
		Reason:       l.Reason,
		AttemptCount: 1,
		IsActive:     true,
		CreatedAt:    l.CreatedAt.UTC(),
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Lockout{}, MapDBError(err)
	}
	return lockoutModelToModel(m), nil
}

// ExtendLockout pushes an existing lockout forward and counts the attempt.
func (s *Store) ExtendLockout(ctx context.Context, id int64, until time.Time, reason string) error {
	res, err := s.bun.NewUpdate().Model((*LockoutModel)(nil)).
		Set("locked_until = ?", until.UTC()).
		Set("attempt_count = attempt_count + 1").
		Set("reason = ?", reason).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateExpiredLockouts clears the active flag on lockouts that ended.
func (s *Store) DeactivateExpiredLockouts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.bun.NewUpdate().Model((*LockoutModel)(nil)).
		Set("is_active = ?", false).
		Where("is_active = ?", true).
		Where("locked_until <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

// DeleteLockoutsBefore removes inactive lockouts created before the cutoff.
func (s *Store) DeleteLockoutsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.bun.NewDelete().Model((*LockoutModel)(nil)).
		Where("is_active = ?", false).
		Where("created_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

// ListLockouts returns the active lockouts, newest first.
func (s *Store) ListLockouts(ctx context.Context, now time.Time) ([]model.Lockout, error) {
	var ms []LockoutModel
	err := s.bun.NewSelect().Model(&ms).
		Where("is_active = ?", true).
		Where("locked_until > ?", now.UTC()).
		OrderExpr("created_at DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Lockout, 0, len(ms))
	for _, m := range ms {
		out = append(out, lockoutModelToModel(m))
	}
	return out, nil
}

// HasOpenAlert reports whether an unacknowledged alert of the type was
// raised at or after since.
func (s *Store) HasOpenAlert(ctx context.Context, alertType string, since time.Time) (bool, error) {
	return s.bun.NewSelect().Model((*AlertModel)(nil)).
		Where("alert_type = ?", alertType).
		Where("acknowledged = ?", false).
		Where("created_at >= ?", since.UTC()).
		Exists(ctx)
}

// CreateAlert stores a security alert.
func (s *Store) CreateAlert(ctx context.Context, a model.SecurityAlert) (model.SecurityAlert, error) {
	m := AlertModel{
		Type:         a.Type,
		Severity:     string(a.Severity),
		Description:  a.Description,
		MetadataJSON: jsonText(a.Metadata),
		CreatedAt:    a.CreatedAt.UTC(),
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.SecurityAlert{}, MapDBError(err)
	}
	return alertModelToModel(m), nil
}

// ListAlerts returns alerts newest first, optionally filtered by their
// acknowledgement state.
func (s *Store) ListAlerts(ctx context.Context, acknowledged *bool) ([]model.SecurityAlert, error) {
	var ms []AlertModel
	q := s.bun.NewSelect().Model(&ms).OrderExpr("created_at DESC, id DESC")
	if acknowledged != nil {
		q = q.Where("acknowledged = ?", *acknowledged)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.SecurityAlert, 0, len(ms))
	for _, m := range ms {
		out = append(out, alertModelToModel(m))
	}
	return out, nil
}

// AcknowledgeAlert marks an alert acknowledged. It returns false when the
// alert does not exist or was already acknowledged.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64, actor string, at time.Time) (bool, error) {
	res, err := s.bun.NewUpdate().Model((*AlertModel)(nil)).
		Set("acknowledged = ?", true).
		Set("acknowledged_by = ?", actor).
		Set("acknowledged_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("acknowledged = ?", false).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}
