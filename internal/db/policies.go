// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/toeirei/keysync/internal/model"
	"github.com/uptrace/bun"
)

// ActivePolicy returns the active policy, or nil when none has been set.
func (s *Store) ActivePolicy(ctx context.Context) (*model.Policy, error) {
	var m PolicyModel
	err := s.bun.NewSelect().Model(&m).Where("is_active = ?", true).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := policyModelToModel(m)
	if err != nil {
		return nil, fmt.Errorf("policy %d has unreadable rules: %w", m.ID, err)
	}
	return &p, nil
}

// ActivatePolicy deactivates the current policy and inserts p as the new
// active one in a single transaction.
func (s *Store) ActivatePolicy(ctx context.Context, p model.Policy) (model.Policy, error) {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return model.Policy{}, fmt.Errorf("failed to encode policy rules: %w", err)
	}
	m := PolicyModel{
		Name:      p.Name,
		RulesJSON: string(rules),
		IsActive:  true,
		CreatedBy: p.CreatedBy,
		CreatedAt: p.CreatedAt.UTC(),
	}
	err = s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Bun refuses an Update without WHERE, so the flag itself is the filter.
		if _, err := ExecRaw(ctx, tx, "UPDATE policies SET is_active = ? WHERE is_active = ?", false, true); err != nil {
			return fmt.Errorf("failed to deactivate previous policy: %w", err)
		}
		if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
			return fmt.Errorf("failed to insert policy: %w", MapDBError(err))
		}
		return nil
	})
	if err != nil {
		return model.Policy{}, err
	}
	return policyModelToModel(m)
}

// ListPolicies returns every policy version, newest first.
func (s *Store) ListPolicies(ctx context.Context) ([]model.Policy, error) {
	var ms []PolicyModel
	if err := s.bun.NewSelect().Model(&ms).OrderExpr("id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Policy, 0, len(ms))
	for _, m := range ms {
		p, err := policyModelToModel(m)
		if err != nil {
			return nil, fmt.Errorf("policy %d has unreadable rules: %w", m.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// CountActivePolicies returns how many policies are flagged active.
func (s *Store) CountActivePolicies(ctx context.Context) (int, error) {
	return s.bun.NewSelect().Model((*PolicyModel)(nil)).Where("is_active = ?", true).Count(ctx)
}
