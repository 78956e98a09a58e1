// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/toeirei/keysync/internal/model"
)

// CreateDeployment appends a deployment record and returns it with its ID.
func (s *Store) CreateDeployment(ctx context.Context, d model.Deployment) (model.Deployment, error) {
	m := DeploymentModel{
		HostID:     d.HostID,
		BindingID:  d.BindingID,
		Checksum:   d.Checksum,
		KeyCount:   d.KeyCount,
		Status:     string(d.Status),
		StartedAt:  d.StartedAt.UTC(),
		FinishedAt: utcPtr(d.FinishedAt),
		Error:      d.Error,
		RetryCount: d.RetryCount,
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Deployment{}, MapDBError(err)
	}
	return deploymentModelToModel(m), nil
}

// FinishDeployment transitions a running deployment to success or failed.
// Finished records are never modified again.
func (s *Store) FinishDeployment(ctx context.Context, id int64, status model.DeploymentStatus, errText string, at time.Time) error {
	res, err := s.bun.NewUpdate().Model((*DeploymentModel)(nil)).
		Set("status = ?", string(status)).
		Set("error = ?", errText).
		Set("finished_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("status = ?", string(model.DeploymentRunning)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDeployment returns the deployment with the given ID or ErrNotFound.
func (s *Store) GetDeployment(ctx context.Context, id int64) (model.Deployment, error) {
	var m DeploymentModel
	if err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return model.Deployment{}, MapDBError(err)
	}
	return deploymentModelToModel(m), nil
}

// ListDeployments returns deployments newest first, optionally for one binding.
func (s *Store) ListDeployments(ctx context.Context, bindingID int64, limit int) ([]model.Deployment, error) {
	var ms []DeploymentModel
	q := s.bun.NewSelect().Model(&ms).OrderExpr("started_at DESC, id DESC")
	if bindingID > 0 {
		q = q.Where("binding_id = ?", bindingID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Deployment, 0, len(ms))
	for _, m := range ms {
		out = append(out, deploymentModelToModel(m))
	}
	return out, nil
}
