// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package model defines the core data structures used throughout keysync.
// These are plain structs, independent of the storage layer, describing the
// directory (identities, hosts, bindings), the keys being synchronized and
// the records produced by the deployment pipeline.
package model // import "github.com/toeirei/keysync/internal/model"

import (
	"fmt"
	"time"
)

// IdentityStatus is the lifecycle state of an Identity.
type IdentityStatus string

const (
	IdentityActive   IdentityStatus = "active"
	IdentityDisabled IdentityStatus = "disabled"
)

// Identity is a person owning zero or more SSH public keys.
type Identity struct {
	ID          int64
	Handle      string
	Email       string
	DisplayName string
	Status      IdentityStatus
	CreatedAt   time.Time
}

// KeyStatus is the lifecycle state of an SSHKey. Only active keys are
// rendered into credential files.
type KeyStatus string

const (
	KeyActive     KeyStatus = "active"
	KeyDeprecated KeyStatus = "deprecated"
	KeyRevoked    KeyStatus = "revoked"
	KeyExpired    KeyStatus = "expired"
)

// KeyOrigin records how a key entered the system.
type KeyOrigin string

const (
	OriginImport    KeyOrigin = "import"
	OriginClientGen KeyOrigin = "client_gen"
	OriginSystemGen KeyOrigin = "system_gen"
)

// SSHKey is a public key owned by exactly one Identity. Key material is
// never rewritten; only the status changes over time.
type SSHKey struct {
	ID            int64
	IdentityID    int64
	PublicKey     string // "<algorithm> <base64>" without comment or options
	Algorithm     string
	BitLength     int
	Comment       string
	Fingerprint   string // hex SHA-256 of the key blob, globally unique
	Origin        KeyOrigin
	Options       string // per-key authorized_keys options
	ExpiresAt     *time.Time
	Status        KeyStatus
	LastAppliedAt *time.Time
	CreatedAt     time.Time
}

// Host is a managed machine that receives credential files.
type Host struct {
	ID         int64
	Hostname   string
	Address    string // host or host:port used for the SSH connection
	OSFamily   string
	LastSeenAt *time.Time
	CreatedAt  time.Time
}

// BindingStatus is the state of a TargetBinding.
type BindingStatus string

const (
	BindingActive   BindingStatus = "active"
	BindingDisabled BindingStatus = "disabled"
)

// TargetBinding maps an Identity to a remote account on a Host.
type TargetBinding struct {
	ID         int64
	IdentityID int64
	HostID     int64
	RemoteUser string
	Status     BindingStatus
	CreatedAt  time.Time
}

// BindingTarget is a binding joined with the data needed to reach it.
type BindingTarget struct {
	Binding  TargetBinding
	Host     Host
	Identity Identity
}

// String returns the remote_user@hostname representation.
func (t BindingTarget) String() string {
	return fmt.Sprintf("%s@%s", t.Binding.RemoteUser, t.Host.Hostname)
}

// KnownHost is a trusted host key in authorized_keys wire format.
type KnownHost struct {
	Hostname string
	Key      string
}

// QueueStatus is the state of an ApplyQueueEntry.
type QueueStatus string

const (
	QueueQueued    QueueStatus = "queued"
	QueueRunning   QueueStatus = "running"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueCancelled QueueStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueCancelled
}

// ApplyQueueEntry is one attempt to reconcile a TargetBinding.
type ApplyQueueEntry struct {
	ID          int64
	BindingID   int64
	Priority    int
	Status      QueueStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Error       string
	RetryCount  int
	CreatedAt   time.Time
}

// DeploymentStatus is the state of a Deployment record.
type DeploymentStatus string

const (
	DeploymentRunning DeploymentStatus = "running"
	DeploymentSuccess DeploymentStatus = "success"
	DeploymentFailed  DeploymentStatus = "failed"
)

// Deployment is the append-only history of one executed synchronization.
type Deployment struct {
	ID         int64
	HostID     int64
	BindingID  int64
	Checksum   string
	KeyCount   int
	Status     DeploymentStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
	RetryCount int
}

// AuditEvent records an administrative or key lifecycle action.
type AuditEvent struct {
	ID        int64
	Timestamp time.Time
	Actor     string
	Action    string
	Entity    string
	EntityID  string
	Metadata  map[string]any
}
