// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
)

func TestExpiryReminderText(t *testing.T) {
	i18n.Init("en")
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	exp := now.Add(7*24*time.Hour + 3*time.Hour)
	k := model.SSHKey{
		ID:          9,
		IdentityID:  4,
		Algorithm:   "ssh-ed25519",
		Fingerprint: "0123456789abcdef0123456789abcdef",
		ExpiresAt:   &exp,
	}

	n := ExpiryReminder(k, now)
	if n.Subject != "SSH Key Expiring in 7 days" {
		t.Fatalf("subject = %q", n.Subject)
	}
	want := "Your SSH key (ssh-ed25519 0123456789abcdef...) will expire on 2026-05-08. Please rotate or renew it before then."
	if n.Message != want {
		t.Fatalf("message = %q", n.Message)
	}
	if n.IdentityID == nil || *n.IdentityID != 4 || n.Type != model.NotificationExpiryReminder {
		t.Fatalf("unexpected addressing: %+v", n)
	}
	if n.Metadata["key_id"] != "9" || !n.ScheduledAt.Equal(now) {
		t.Fatalf("unexpected metadata/schedule: %+v", n)
	}
}

func TestSecurityAlertText(t *testing.T) {
	i18n.Init("en")
	now := time.Now().UTC()
	n := SecurityAlert(model.SecurityAlert{ID: 3, Type: "spike_revoke", Severity: model.SeverityHigh, Description: "12 keys revoked in the last hour"}, now)
	if n.Subject != "Security Alert: spike_revoke" || n.Message != "12 keys revoked in the last hour" {
		t.Fatalf("unexpected text: %q / %q", n.Subject, n.Message)
	}
	if n.IdentityID != nil {
		t.Fatalf("alerts are system notifications")
	}
	if n.Metadata["severity"] != "high" || n.Metadata["alert_id"] != "3" {
		t.Fatalf("metadata = %v", n.Metadata)
	}
}

func TestLogSenderWritesSubject(t *testing.T) {
	prev := logging.L
	t.Cleanup(func() { logging.L = prev })
	var buf bytes.Buffer
	if err := logging.Configure(&buf, "info", "text"); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	id := int64(5)
	err := LogSender{}.Send(context.Background(), model.Notification{ID: 1, IdentityID: &id, Subject: "hello", Message: "world"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "hello") || !strings.Contains(out, "identity 5") {
		t.Fatalf("log output missing fields: %q", out)
	}
}
