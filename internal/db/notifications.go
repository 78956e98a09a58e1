// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/toeirei/keysync/internal/model"
)

// CreateNotification queues a notification.
func (s *Store) CreateNotification(ctx context.Context, n model.Notification) (model.Notification, error) {
	if n.Status == "" {
		n.Status = model.NotificationQueued
	}
	m := NotificationModel{
		IdentityID:   n.IdentityID,
		Type:         string(n.Type),
		Subject:      n.Subject,
		Message:      n.Message,
		MetadataJSON: jsonText(n.Metadata),
		Status:       string(n.Status),
		ScheduledAt:  n.ScheduledAt.UTC(),
		CreatedAt:    n.CreatedAt.UTC(),
	}
	if _, err := s.bun.NewInsert().Model(&m).Exec(ctx); err != nil {
		return model.Notification{}, MapDBError(err)
	}
	return notificationModelToModel(m), nil
}

// HasRecentNotification reports whether a notification of the type was
// created for the identity at or after since.
func (s *Store) HasRecentNotification(ctx context.Context, identityID int64, typ model.NotificationType, since time.Time) (bool, error) {
	return s.bun.NewSelect().Model((*NotificationModel)(nil)).
		Where("identity_id = ?", identityID).
		Where("notification_type = ?", string(typ)).
		Where("created_at >= ?", since.UTC()).
		Exists(ctx)
}

// DueNotifications returns up to limit queued notifications due at now,
// oldest first.
func (s *Store) DueNotifications(ctx context.Context, now time.Time, limit int) ([]model.Notification, error) {
	var ms []NotificationModel
	err := s.bun.NewSelect().Model(&ms).
		Where("status = ?", string(model.NotificationQueued)).
		Where("scheduled_at <= ?", now.UTC()).
		OrderExpr("created_at ASC, id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Notification, 0, len(ms))
	for _, m := range ms {
		out = append(out, notificationModelToModel(m))
	}
	return out, nil
}

// MarkNotificationSent records a successful delivery.
func (s *Store) MarkNotificationSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.bun.NewUpdate().Model((*NotificationModel)(nil)).
		Set("status = ?", string(model.NotificationSent)).
		Set("sent_at = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// MarkNotificationFailed records a failed delivery and its error.
func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, errText string) error {
	_, err := s.bun.NewUpdate().Model((*NotificationModel)(nil)).
		Set("status = ?", string(model.NotificationFailed)).
		Set("error = ?", errText).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

// ListNotifications returns notifications newest first, optionally by status.
func (s *Store) ListNotifications(ctx context.Context, status model.NotificationStatus, limit int) ([]model.Notification, error) {
	var ms []NotificationModel
	q := s.bun.NewSelect().Model(&ms).OrderExpr("created_at DESC, id DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.Notification, 0, len(ms))
	for _, m := range ms {
		out = append(out, notificationModelToModel(m))
	}
	return out, nil
}
