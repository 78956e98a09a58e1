// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/keysync/internal/model"
)

// CreateIdentity inserts a new identity and returns it with its ID set.
func (s *Store) CreateIdentity(ctx context.Context, id model.Identity) (model.Identity, error) {
	if id.Status == "" {
		id.Status = model.IdentityActive
	}
	m := IdentityModel{
		Handle:      id.Handle,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Status:      string(id.Status),
		CreatedAt:   id.CreatedAt.UTC(),
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Identity{}, MapDBError(err)
	}
	return identityModelToModel(m), nil
}

// GetIdentity returns the identity with the given ID or ErrNotFound.
func (s *Store) GetIdentity(ctx context.Context, id int64) (model.Identity, error) {
	var m IdentityModel
	if err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return model.Identity{}, MapDBError(err)
	}
	return identityModelToModel(m), nil
}

// GetIdentityByHandle returns the identity with the given handle or ErrNotFound.
func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (model.Identity, error) {
	var m IdentityModel
	if err := s.bun.NewSelect().Model(&m).Where("handle = ?", handle).Scan(ctx); err != nil {
		return model.Identity{}, MapDBError(err)
	}
	return identityModelToModel(m), nil
}

// ListIdentities returns all identities ordered by handle.
func (s *Store) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	var ms []IdentityModel
	if err := s.bun.NewSelect().Model(&ms).OrderExpr("handle ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Identity, 0, len(ms))
	for _, m := range ms {
		out = append(out, identityModelToModel(m))
	}
	return out, nil
}

// CreateHost inserts a managed host.
func (s *Store) CreateHost(ctx context.Context, h model.Host) (model.Host, error) {
	if h.OSFamily == "" {
		h.OSFamily = "linux"
	}
	m := HostModel{
		Hostname:  h.Hostname,
		Address:   h.Address,
		OSFamily:  h.OSFamily,
		CreatedAt: h.CreatedAt.UTC(),
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Host{}, MapDBError(err)
	}
	return hostModelToModel(m), nil
}

// GetHost returns the host with the given ID or ErrNotFound.
func (s *Store) GetHost(ctx context.Context, id int64) (model.Host, error) {
	var m HostModel
	if err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return model.Host{}, MapDBError(err)
	}
	return hostModelToModel(m), nil
}

// GetHostByName returns the host with the given hostname or ErrNotFound.
func (s *Store) GetHostByName(ctx context.Context, hostname string) (model.Host, error) {
	var m HostModel
	if err := s.bun.NewSelect().Model(&m).Where("hostname = ?", hostname).Scan(ctx); err != nil {
		return model.Host{}, MapDBError(err)
	}
	return hostModelToModel(m), nil
}

// ListHosts returns all hosts ordered by hostname.
func (s *Store) ListHosts(ctx context.Context) ([]model.Host, error) {
	var ms []HostModel
	if err := s.bun.NewSelect().Model(&ms).OrderExpr("hostname ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Host, 0, len(ms))
	for _, m := range ms {
		out = append(out, hostModelToModel(m))
	}
	return out, nil
}

// TouchHost stamps last_seen_at on a host after a successful contact.
func (s *Store) TouchHost(ctx context.Context, id int64, at time.Time) error {
	_, err := s.bun.NewUpdate().Model((*HostModel)(nil)).
		Set("last_seen_at = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// GetKnownHostKey retrieves the trusted public key for a given hostname.
// An empty string without error means the host has no trusted key yet.
func (s *Store) GetKnownHostKey(ctx context.Context, hostname string) (string, error) {
	var m KnownHostModel
	err := s.bun.NewSelect().Model(&m).Where("hostname = ?", hostname).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return m.Key, nil
}

// AddKnownHostKey stores or replaces the trusted key for hostname.
func (s *Store) AddKnownHostKey(ctx context.Context, hostname, key string) error {
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bunTx) error {
		if _, err := tx.NewDelete().Model((*KnownHostModel)(nil)).Where("hostname = ?", hostname).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(&KnownHostModel{Hostname: hostname, Key: key}).Exec(ctx)
		return err
	})
}

// ListKnownHosts returns all trusted host keys.
func (s *Store) ListKnownHosts(ctx context.Context) ([]model.KnownHost, error) {
	var ms []KnownHostModel
	if err := s.bun.NewSelect().Model(&ms).OrderExpr("hostname ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.KnownHost, 0, len(ms))
	for _, m := range ms {
		out = append(out, model.KnownHost{Hostname: m.Hostname, Key: m.Key})
	}
	return out, nil
}

// CreateBinding maps an identity to a remote account on a host.
func (s *Store) CreateBinding(ctx context.Context, b model.TargetBinding) (model.TargetBinding, error) {
	if b.Status == "" {
		b.Status = model.BindingActive
	}
	m := BindingModel{
		IdentityID: b.IdentityID,
		HostID:     b.HostID,
		RemoteUser: b.RemoteUser,
		Status:     string(b.Status),
		CreatedAt:  b.CreatedAt.UTC(),
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.TargetBinding{}, MapDBError(err)
	}
	return bindingModelToModel(m), nil
}

// GetBinding returns the binding with the given ID or ErrNotFound.
func (s *Store) GetBinding(ctx context.Context, id int64) (model.TargetBinding, error) {
	var m BindingModel
	if err := s.bun.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx); err != nil {
		return model.TargetBinding{}, MapDBError(err)
	}
	return bindingModelToModel(m), nil
}

// GetBindingTarget loads a binding together with its host and identity.
func (s *Store) GetBindingTarget(ctx context.Context, id int64) (model.BindingTarget, error) {
	b, err := s.GetBinding(ctx, id)
	if err != nil {
		return model.BindingTarget{}, err
	}
	h, err := s.GetHost(ctx, b.HostID)
	if err != nil {
		return model.BindingTarget{}, fmt.Errorf("host %d of binding %d: %w", b.HostID, id, err)
	}
	ident, err := s.GetIdentity(ctx, b.IdentityID)
	if err != nil {
		return model.BindingTarget{}, fmt.Errorf("identity %d of binding %d: %w", b.IdentityID, id, err)
	}
	return model.BindingTarget{Binding: b, Host: h, Identity: ident}, nil
}

// ListBindings returns bindings, optionally restricted to one identity
// (identityID > 0) and to active ones.
func (s *Store) ListBindings(ctx context.Context, identityID int64, activeOnly bool) ([]model.TargetBinding, error) {
	var ms []BindingModel
	q := s.bun.NewSelect().Model(&ms).OrderExpr("id ASC")
	if identityID > 0 {
		q = q.Where("identity_id = ?", identityID)
	}
	if activeOnly {
		q = q.Where("status = ?", string(model.BindingActive))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.TargetBinding, 0, len(ms))
	for _, m := range ms {
		out = append(out, bindingModelToModel(m))
	}
	return out, nil
}

// SetBindingStatus enables or disables a binding.
func (s *Store) SetBindingStatus(ctx context.Context, id int64, status model.BindingStatus) error {
	res, err := s.bun.NewUpdate().Model((*BindingModel)(nil)).
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
