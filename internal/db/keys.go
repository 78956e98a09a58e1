// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/toeirei/keysync/internal/model"
	"github.com/uptrace/bun"
)

// InsertKey stores a new SSH key. A fingerprint collision returns ErrDuplicate.
func (s *Store) InsertKey(ctx context.Context, k model.SSHKey) (model.SSHKey, error) {
	return insertKey(ctx, s.bun, k)
}

func insertKey(ctx context.Context, idb bun.IDB, k model.SSHKey) (model.SSHKey, error) {
	if k.Status == "" {
		k.Status = model.KeyActive
	}
	m := keyToModel(k)
	m.ID = 0
	if _, err := idb.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.SSHKey{}, MapDBError(err)
	}
	return keyModelToModel(m), nil
}

// GetKey returns the key with the given ID or ErrNotFound.
func (s *Store) GetKey(ctx context.Context, id int64) (model.SSHKey, error) {
	var m SSHKeyModel
	if err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return model.SSHKey{}, MapDBError(err)
	}
	return keyModelToModel(m), nil
}

// GetKeyByFingerprint returns the key with the given fingerprint or ErrNotFound.
func (s *Store) GetKeyByFingerprint(ctx context.Context, fingerprint string) (model.SSHKey, error) {
	var m SSHKeyModel
	if err := s.bun.NewSelect().Model(&m).Where("fingerprint = ?", fingerprint).Scan(ctx); err != nil {
		return model.SSHKey{}, MapDBError(err)
	}
	return keyModelToModel(m), nil
}

// ListKeys returns the keys of an identity in creation order, optionally
// filtered by status.
func (s *Store) ListKeys(ctx context.Context, identityID int64, statuses ...model.KeyStatus) ([]model.SSHKey, error) {
	var ms []SSHKeyModel
	q := s.bun.NewSelect().Model(&ms).Where("identity_id = ?", identityID)
	if len(statuses) > 0 {
		ss := make([]string, 0, len(statuses))
		for _, st := range statuses {
			ss = append(ss, string(st))
		}
		q = q.Where("status IN (?)", bun.In(ss))
	}
	if err := q.OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.SSHKey, 0, len(ms))
	for _, m := range ms {
		out = append(out, keyModelToModel(m))
	}
	return out, nil
}

// ActiveKeys returns the active keys of an identity in a stable order.
func (s *Store) ActiveKeys(ctx context.Context, identityID int64) ([]model.SSHKey, error) {
	return s.ListKeys(ctx, identityID, model.KeyActive)
}

// CountActiveKeys returns how many active keys an identity owns.
func (s *Store) CountActiveKeys(ctx context.Context, identityID int64) (int, error) {
	return s.bun.NewSelect().Model((*SSHKeyModel)(nil)).
		Where("identity_id = ?", identityID).
		Where("status = ?", string(model.KeyActive)).
		Count(ctx)
}

// SetKeyStatus transitions a key to a new status.
func (s *Store) SetKeyStatus(ctx context.Context, id int64, status model.KeyStatus) error {
	res, err := s.bun.NewUpdate().Model((*SSHKeyModel)(nil)).
		Set("status = ?", string(status)).
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

// ReplaceKey inserts the replacement key and deprecates the old one in one
// transaction.
func (s *Store) ReplaceKey(ctx context.Context, oldID int64, replacement model.SSHKey) (model.SSHKey, error) {
	var out model.SSHKey
	err := s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().Model((*SSHKeyModel)(nil)).
			Set("status = ?", string(model.KeyDeprecated)).
			Where("id = ?", oldID).
			Where("status = ?", string(model.KeyActive)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to deprecate key %d: %w", oldID, err)
		}
		if affected(res) == 0 {
			return ErrNotFound
		}
		out, err = insertKey(ctx, tx, replacement)
		return err
	})
	return out, err
}

// ExpireKeys moves active keys whose expiry has passed to expired and
// returns how many were changed.
func (s *Store) ExpireKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.bun.NewUpdate().Model((*SSHKeyModel)(nil)).
		Set("status = ?", string(model.KeyExpired)).
		Where("status = ?", string(model.KeyActive)).
		Where("expires_at IS NOT NULL").
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

// KeysExpiringBetween returns active keys whose expiry lies in (from, to].
func (s *Store) KeysExpiringBetween(ctx context.Context, from, to time.Time) ([]model.SSHKey, error) {
	var ms []SSHKeyModel
	err := s.bun.NewSelect().Model(&ms).
		Where("status = ?", string(model.KeyActive)).
		Where("expires_at IS NOT NULL").
		Where("expires_at > ?", from.UTC()).
		Where("expires_at <= ?", to.UTC()).
		OrderExpr("expires_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.SSHKey, 0, len(ms))
	for _, m := range ms {
		out = append(out, keyModelToModel(m))
	}
	return out, nil
}

// StampLastApplied records a successful deployment on every active key of
// the identity.
func (s *Store) StampLastApplied(ctx context.Context, identityID int64, at time.Time) error {
	_, err := s.bun.NewUpdate().Model((*SSHKeyModel)(nil)).
		Set("last_applied_at = ?", at.UTC()).
		Where("identity_id = ?", identityID).
		Where("status = ?", string(model.KeyActive)).
		Exec(ctx)
	return err
}
