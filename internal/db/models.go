// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"encoding/json"
	"time"

	"github.com/toeirei/keysync/internal/model"
	"github.com/uptrace/bun"
)

// IdentityModel is the bun mapping for the identities table.
type IdentityModel struct {
	bun.BaseModel `bun:"table:identities"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Handle        string    `bun:"handle"`
	Email         string    `bun:"email"`
	DisplayName   string    `bun:"display_name"`
	Status        string    `bun:"status"`
	CreatedAt     time.Time `bun:"created_at"`
}

func identityModelToModel(m IdentityModel) model.Identity {
	return model.Identity{
		ID:          m.ID,
		Handle:      m.Handle,
		Email:       m.Email,
		DisplayName: m.DisplayName,
		Status:      model.IdentityStatus(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

// SSHKeyModel is the bun mapping for the ssh_keys table.
type SSHKeyModel struct {
	bun.BaseModel `bun:"table:ssh_keys"`
	ID            int64      `bun:"id,pk,autoincrement"`
	IdentityID    int64      `bun:"identity_id"`
	PublicKey     string     `bun:"public_key"`
	Algorithm     string     `bun:"algorithm"`
	BitLength     int        `bun:"bit_length"`
	Comment       string     `bun:"comment"`
	Fingerprint   string     `bun:"fingerprint"`
	Origin        string     `bun:"origin"`
	Options       string     `bun:"options"`
	ExpiresAt     *time.Time `bun:"expires_at"`
	Status        string     `bun:"status"`
	LastAppliedAt *time.Time `bun:"last_applied_at"`
	CreatedAt     time.Time  `bun:"created_at"`
}

func keyModelToModel(m SSHKeyModel) model.SSHKey {
	return model.SSHKey{
		ID:            m.ID,
		IdentityID:    m.IdentityID,
		PublicKey:     m.PublicKey,
		Algorithm:     m.Algorithm,
		BitLength:     m.BitLength,
		Comment:       m.Comment,
		Fingerprint:   m.Fingerprint,
		Origin:        model.KeyOrigin(m.Origin),
		Options:       m.Options,
		ExpiresAt:     utcPtr(m.ExpiresAt),
		Status:        model.KeyStatus(m.Status),
		LastAppliedAt: utcPtr(m.LastAppliedAt),
		CreatedAt:     m.CreatedAt.UTC(),
	}
}

func keyToModel(k model.SSHKey) SSHKeyModel {
	return SSHKeyModel{
		ID:            k.ID,
		IdentityID:    k.IdentityID,
		PublicKey:     k.PublicKey,
		Algorithm:     k.Algorithm,
		BitLength:     k.BitLength,
		Comment:       k.Comment,
		Fingerprint:   k.Fingerprint,
		Origin:        string(k.Origin),
		Options:       k.Options,
		ExpiresAt:     utcPtr(k.ExpiresAt),
		Status:        string(k.Status),
		LastAppliedAt: utcPtr(k.LastAppliedAt),
		CreatedAt:     k.CreatedAt.UTC(),
	}
}

// HostModel is the bun mapping for the hosts table.
type HostModel struct {
	bun.BaseModel `bun:"table:hosts"`
	ID            int64      `bun:"id,pk,autoincrement"`
	Hostname      string     `bun:"hostname"`
	Address       string     `bun:"address"`
	OSFamily      string     `bun:"os_family"`
	LastSeenAt    *time.Time `bun:"last_seen_at"`
	CreatedAt     time.Time  `bun:"created_at"`
}

func hostModelToModel(m HostModel) model.Host {
	return model.Host{
		ID:         m.ID,
		Hostname:   m.Hostname,
		Address:    m.Address,
		OSFamily:   m.OSFamily,
		LastSeenAt: utcPtr(m.LastSeenAt),
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

// KnownHostModel is the bun mapping for the known_hosts table.
type KnownHostModel struct {
	bun.BaseModel `bun:"table:known_hosts"`
	Hostname      string `bun:"hostname,pk"`
	Key           string `bun:"host_key"`
}

// BindingModel is the bun mapping for the target_bindings table.
type BindingModel struct {
	bun.BaseModel `bun:"table:target_bindings"`
	ID            int64     `bun:"id,pk,autoincrement"`
	IdentityID    int64     `bun:"identity_id"`
	HostID        int64     `bun:"host_id"`
	RemoteUser    string    `bun:"remote_user"`
	Status        string    `bun:"status"`
	CreatedAt     time.Time `bun:"created_at"`
}

func bindingModelToModel(m BindingModel) model.TargetBinding {
	return model.TargetBinding{
		ID:         m.ID,
		IdentityID: m.IdentityID,
		HostID:     m.HostID,
		RemoteUser: m.RemoteUser,
		Status:     model.BindingStatus(m.Status),
		CreatedAt:  m.CreatedAt.UTC(),
	}
}

// QueueEntryModel is the bun mapping for the apply_queue table.
type QueueEntryModel struct {
	bun.BaseModel `bun:"table:apply_queue"`
	ID            int64      `bun:"id,pk,autoincrement"`
	BindingID     int64      `bun:"binding_id"`
	Priority      int        `bun:"priority"`
	Status        string     `bun:"status"`
	ScheduledAt   time.Time  `bun:"scheduled_at"`
	StartedAt     *time.Time `bun:"started_at"`
	FinishedAt    *time.Time `bun:"finished_at"`
	Error         string     `bun:"error"`
	RetryCount    int        `bun:"retry_count"`
	CreatedAt     time.Time  `bun:"created_at"`
}

func queueModelToModel(m QueueEntryModel) model.ApplyQueueEntry {
	return model.ApplyQueueEntry{
		ID:          m.ID,
		BindingID:   m.BindingID,
		Priority:    m.Priority,
		Status:      model.QueueStatus(m.Status),
		ScheduledAt: m.ScheduledAt.UTC(),
		StartedAt:   utcPtr(m.StartedAt),
		FinishedAt:  utcPtr(m.FinishedAt),
		Error:       m.Error,
		RetryCount:  m.RetryCount,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

// DeploymentModel is the bun mapping for the deployments table.
type DeploymentModel struct {
	bun.BaseModel `bun:"table:deployments"`
	ID            int64      `bun:"id,pk,autoincrement"`
	HostID        int64      `bun:"host_id"`
	BindingID     int64      `bun:"binding_id"`
	Checksum      string     `bun:"checksum"`
	KeyCount      int        `bun:"key_count"`
	Status        string     `bun:"status"`
	StartedAt     time.Time  `bun:"started_at"`
	FinishedAt    *time.Time `bun:"finished_at"`
	Error         string     `bun:"error"`
	RetryCount    int        `bun:"retry_count"`
}

func deploymentModelToModel(m DeploymentModel) model.Deployment {
	return model.Deployment{
		ID:         m.ID,
		HostID:     m.HostID,
		BindingID:  m.BindingID,
		Checksum:   m.Checksum,
		KeyCount:   m.KeyCount,
		Status:     model.DeploymentStatus(m.Status),
		StartedAt:  m.StartedAt.UTC(),
		FinishedAt: utcPtr(m.FinishedAt),
		Error:      m.Error,
		RetryCount: m.RetryCount,
	}
}

// PolicyModel is the bun mapping for the policies table. Rules are stored
// as JSON text so every backend can hold them.
type PolicyModel struct {
	bun.BaseModel `bun:"table:policies"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Name          string    `bun:"name"`
	RulesJSON     string    `bun:"rules_json"`
	IsActive      bool      `bun:"is_active"`
	CreatedBy     string    `bun:"created_by"`
	CreatedAt     time.Time `bun:"created_at"`
}

func policyModelToModel(m PolicyModel) (model.Policy, error) {
	p := model.Policy{
		ID:        m.ID,
		Name:      m.Name,
		IsActive:  m.IsActive,
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(m.RulesJSON), &p.Rules); err != nil {
		return p, err
	}
	return p, nil
}

// RateLimitWindowModel is the bun mapping for the rate_limit_windows table.
type RateLimitWindowModel struct {
	bun.BaseModel `bun:"table:rate_limit_windows"`
	ID            int64     `bun:"id,pk,autoincrement"`
	IdentityID    int64     `bun:"identity_id"`
	Operation     string    `bun:"operation"`
	WindowStart   time.Time `bun:"window_start"`
	Count         int       `bun:"count"`
	CreatedAt     time.Time `bun:"created_at"`
}

// LockoutModel is the bun mapping for the lockouts table.
type LockoutModel struct {
	bun.BaseModel `bun:"table:lockouts"`
	ID            int64     `bun:"id,pk,autoincrement"`
	IdentityID    int64     `bun:"identity_id"`
	Type          string    `bun:"lockout_type"`
	LockedUntil   time.Time `bun:"locked_until"`
	Reason        string    `bun:"reason"`
	AttemptCount  int       `bun:"attempt_count"`
	IsActive      bool      `bun:"is_active"`
	CreatedAt     time.Time `bun:"created_at"`
}

func lockoutModelToModel(m LockoutModel) model.Lockout {
	return model.Lockout{
		ID:           m.ID,
		IdentityID:   m.IdentityID,
		Type:         model.LockoutType(m.Type),
		LockedUntil:  m.LockedUntil.UTC(),
		Reason:       m.Reason,
		AttemptCount: m.AttemptCount,
		IsActive:     m.IsActive,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

// AlertModel is the bun mapping for the security_alerts table.
type AlertModel struct {
	bun.BaseModel  `bun:"table:security_alerts"`
	ID             int64      `bun:"id,pk,autoincrement"`
	Type           string     `bun:"alert_type"`
	Severity       string     `bun:"severity"`
	Description    string     `bun:"description"`
	MetadataJSON   string     `bun:"metadata_json"`
	Acknowledged   bool       `bun:"acknowledged"`
	AcknowledgedBy string     `bun:"acknowledged_by"`
	AcknowledgedAt *time.Time `bun:"acknowledged_at"`
	CreatedAt      time.Time  `bun:"created_at"`
}

func alertModelToModel(m AlertModel) model.SecurityAlert {
	a := model.SecurityAlert{
		ID:             m.ID,
		Type:           m.Type,
		Severity:       model.AlertSeverity(m.Severity),
		Description:    m.Description,
		Acknowledged:   m.Acknowledged,
		AcknowledgedBy: m.AcknowledgedBy,
		AcknowledgedAt: utcPtr(m.AcknowledgedAt),
		CreatedAt:      m.CreatedAt.UTC(),
	}
	_ = json.Unmarshal([]byte(m.MetadataJSON), &a.Metadata)
	return a
}

// NotificationModel is the bun mapping for the notifications table.
type NotificationModel struct {
	bun.BaseModel `bun:"table:notifications"`
	ID            int64      `bun:"id,pk,autoincrement"`
	IdentityID    *int64     `bun:"identity_id"`
	Type          string     `bun:"notification_type"`
	Subject       string     `bun:"subject"`
	Message       string     `bun:"message"`
	MetadataJSON  string     `bun:"metadata_json"`
	Status        string     `bun:"status"`
	ScheduledAt   time.Time  `bun:"scheduled_at"`
	SentAt        *time.Time `bun:"sent_at"`
	Error         string     `bun:"error"`
	CreatedAt     time.Time  `bun:"created_at"`
}

func notificationModelToModel(m NotificationModel) model.Notification {
	n := model.Notification{
		ID:          m.ID,
		IdentityID:  m.IdentityID,
		Type:        model.NotificationType(m.Type),
		Subject:     m.Subject,
		Message:     m.Message,
		Status:      model.NotificationStatus(m.Status),
		ScheduledAt: m.ScheduledAt.UTC(),
		SentAt:      utcPtr(m.SentAt),
		Error:       m.Error,
		CreatedAt:   m.CreatedAt.UTC(),
	}
	_ = json.Unmarshal([]byte(m.MetadataJSON), &n.Metadata)
	return n
}

// GenRequestModel is the bun mapping for the key_gen_requests table.
type GenRequestModel struct {
	bun.BaseModel       `bun:"table:key_gen_requests"`
	ID                  string     `bun:"id,pk"`
	IdentityID          int64      `bun:"identity_id"`
	KeyID               int64      `bun:"key_id"`
	Algorithm           string     `bun:"algorithm"`
	BitLength           int        `bun:"bit_length"`
	EncryptedPrivateKey []byte     `bun:"encrypted_private_key"`
	DownloadToken       string     `bun:"download_token"`
	ExpiresAt           time.Time  `bun:"expires_at"`
	DownloadedAt        *time.Time `bun:"downloaded_at"`
	CreatedAt           time.Time  `bun:"created_at"`
}

func genRequestModelToModel(m GenRequestModel) model.KeyGenRequest {
	return model.KeyGenRequest{
		ID:                  m.ID,
		IdentityID:          m.IdentityID,
		KeyID:               m.KeyID,
		Algorithm:           m.Algorithm,
		BitLength:           m.BitLength,
		EncryptedPrivateKey: m.EncryptedPrivateKey,
		DownloadToken:       m.DownloadToken,
		ExpiresAt:           m.ExpiresAt.UTC(),
		DownloadedAt:        utcPtr(m.DownloadedAt),
		CreatedAt:           m.CreatedAt.UTC(),
	}
}

// AuditEventModel is the bun mapping for the audit_events table.
type AuditEventModel struct {
	bun.BaseModel `bun:"table:audit_events"`
	ID            int64     `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"ts"`
	Actor         string    `bun:"actor"`
	Action        string    `bun:"action"`
	Entity        string    `bun:"entity"`
	EntityID      string    `bun:"entity_id"`
	MetadataJSON  string    `bun:"metadata_json"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// jsonText marshals v for a *_json column, falling back to an empty object.
func jsonText(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "{}"
	}
	return string(b)
}
