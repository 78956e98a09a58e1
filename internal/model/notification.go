// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "time"

// NotificationType classifies queued notifications.
type NotificationType string

const (
	NotificationExpiryReminder NotificationType = "expiry_reminder"
	NotificationSecurityAlert  NotificationType = "security_alert"
)

// NotificationStatus is the delivery state of a Notification.
type NotificationStatus string

const (
	NotificationQueued NotificationStatus = "queued"
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Notification is a message waiting for (or past) delivery. A nil
// IdentityID marks a system notification addressed to operators.
type Notification struct {
	ID          int64
	IdentityID  *int64
	Type        NotificationType
	Subject     string
	Message     string
	Metadata    map[string]string
	Status      NotificationStatus
	ScheduledAt time.Time
	SentAt      *time.Time
	Error       string
	CreatedAt   time.Time
}

// KeyGenRequest holds a server-generated private key until its one-time
// download. EncryptedPrivateKey is sealed with the configured secret.
type KeyGenRequest struct {
	ID                  string
	IdentityID          int64
	KeyID               int64
	Algorithm           string
	BitLength           int
	EncryptedPrivateKey []byte
	DownloadToken       string
	ExpiresAt           time.Time
	DownloadedAt        *time.Time
	CreatedAt           time.Time
}

// BackupData is the portable export of the directory and policy tables.
// Queue, deployment, security and notification records are operational
// state and are not part of a backup.
type BackupData struct {
	SchemaVersion int
	Identities    []Identity
	Keys          []SSHKey
	Hosts         []Host
	Bindings      []TargetBinding
	KnownHosts    []KnownHost
	Policies      []Policy
}
