// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/toeirei/keysync/internal/model"
)

// CreateGenRequest stores a sealed private key awaiting download.
func (s *Store) CreateGenRequest(ctx context.Context, r model.KeyGenRequest) error {
	m := GenRequestModel{
		ID:                  r.ID,
		IdentityID:          r.IdentityID,
		KeyID:               r.KeyID,
		Algorithm:           r.Algorithm,
		BitLength:           r.BitLength,
		EncryptedPrivateKey: r.EncryptedPrivateKey,
		DownloadToken:       r.DownloadToken,
		ExpiresAt:           r.ExpiresAt.UTC(),
		CreatedAt:           r.CreatedAt.UTC(),
	}
	_, err := s.bun.NewInsert().Model(&m).Exec(ctx)
	return MapDBError(err)
}

// GetGenRequestByToken looks a request up by its download token.
func (s *Store) GetGenRequestByToken(ctx context.Context, token string) (model.KeyGenRequest, error) {
	var m GenRequestModel
	if err := s.bun.NewSelect().Model(&m).Where("download_token = ?", token).Scan(ctx); err != nil {
		return model.KeyGenRequest{}, MapDBError(err)
	}
	return genRequestModelToModel(m), nil
}

// MarkGenRequestDownloaded stamps downloaded_at once. It returns false when
// the request was already downloaded.
func (s *Store) MarkGenRequestDownloaded(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.bun.NewUpdate().Model((*GenRequestModel)(nil)).
		Set("downloaded_at = ?", at.UTC()).
		Where("id = ?", id).
		Where("downloaded_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affected(res) == 1, nil
}

// DeleteGenRequestsExpiredBefore removes requests whose download window
// closed before the cutoff.
func (s *Store) DeleteGenRequestsExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.bun.NewDelete().Model((*GenRequestModel)(nil)).
		Where("expires_at < ?", before.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}
