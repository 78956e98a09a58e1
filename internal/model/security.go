// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "time"

// OperationKind identifies a rate-limited operation.
type OperationKind string

const (
	OpImport       OperationKind = "import"
	OpGenerate     OperationKind = "generate"
	OpApply        OperationKind = "apply"
	OpRevoke       OperationKind = "revoke"
	OpDownload     OperationKind = "download"
	OpFailedPickup OperationKind = "failed_pickup"
)

// LockoutType identifies why an identity was locked.
type LockoutType string

const (
	LockoutRateLimit    LockoutType = "rate_limit"
	LockoutFailedPickup LockoutType = "failed_pickup"
	LockoutSuspicious   LockoutType = "suspicious"
)

// RateLimitWindow counts operations of one kind for one identity within
// the calendar hour starting at WindowStart.
type RateLimitWindow struct {
	ID          int64
	IdentityID  int64
	Operation   OperationKind
	WindowStart time.Time
	Count       int
	CreatedAt   time.Time
}

// Lockout temporarily blocks an identity.
type Lockout struct {
	ID           int64
	IdentityID   int64
	Type         LockoutType
	LockedUntil  time.Time
	Reason       string
	AttemptCount int
	IsActive     bool
	CreatedAt    time.Time
}

// AlertSeverity grades a SecurityAlert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Escalated reports whether the severity warrants a system notification.
func (s AlertSeverity) Escalated() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// SecurityAlert is a fleet-wide anomaly finding.
type SecurityAlert struct {
	ID             int64
	Type           string
	Severity       AlertSeverity
	Description    string
	Metadata       map[string]any
	Acknowledged   bool
	AcknowledgedBy string
	AcknowledgedAt *time.Time
	CreatedAt      time.Time
}
