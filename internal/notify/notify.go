// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package notify builds notification messages and delivers them.
package notify // import "github.com/toeirei/keysync/internal/notify"

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
)

// Sender delivers one notification. A returned error marks it failed.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n model.Notification) error

func (f SenderFunc) Send(ctx context.Context, n model.Notification) error { return f(ctx, n) }

// LogSender writes notifications to the structured log. It is the
// delivery channel used when no external transport is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n model.Notification) error {
	recipient := "operators"
	if n.IdentityID != nil {
		recipient = "identity " + strconv.FormatInt(*n.IdentityID, 10)
	}
	logging.With("notification", n.ID, "type", string(n.Type), "to", recipient).
		Info(n.Subject, "message", n.Message)
	return nil
}

// ExpiryReminder builds the reminder for a key that expires after now.
func ExpiryReminder(k model.SSHKey, now time.Time) model.Notification {
	var expires time.Time
	if k.ExpiresAt != nil {
		expires = k.ExpiresAt.UTC()
	}
	days := int(expires.Sub(now) / (24 * time.Hour))
	fp := k.Fingerprint
	if len(fp) > 16 {
		fp = fp[:16]
	}
	identityID := k.IdentityID
	return model.Notification{
		IdentityID: &identityID,
		Type:       model.NotificationExpiryReminder,
		Subject:    i18n.T("notify.expiry.subject", map[string]any{"Days": days}),
		Message: i18n.T("notify.expiry.message", map[string]any{
			"Algorithm":   k.Algorithm,
			"Fingerprint": fp,
			"Date":        expires.Format("2006-01-02"),
		}),
		Metadata: map[string]string{
			"key_id":      strconv.FormatInt(k.ID, 10),
			"fingerprint": k.Fingerprint,
			"expires_at":  expires.Format(time.RFC3339),
		},
		Status:      model.NotificationQueued,
		ScheduledAt: now,
		CreatedAt:   now,
	}
}

// SecurityAlert builds the operator notification for an alert.
func SecurityAlert(a model.SecurityAlert, now time.Time) model.Notification {
	return model.Notification{
		Type:    model.NotificationSecurityAlert,
		Subject: i18n.T("notify.alert.subject", map[string]any{"Type": a.Type}),
		Message: a.Description,
		Metadata: map[string]string{
			"alert_id":   fmt.Sprint(a.ID),
			"alert_type": a.Type,
			"severity":   string(a.Severity),
		},
		Status:      model.NotificationQueued,
		ScheduledAt: now,
		CreatedAt:   now,
	}
}
