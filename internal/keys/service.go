// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package keys implements the key lifecycle: import, server-side
// generation with one-time private key download, revocation and rotation.
// Every mutation passes the security guard and the active policy, is
// audited, and queues a deployment for the identity's bindings.
package keys // import "github.com/toeirei/keysync/internal/keys"

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/keysync/internal/clock"
	cryptossh "github.com/toeirei/keysync/internal/crypto/ssh"
	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/policy"
	"github.com/toeirei/keysync/internal/queue"
	"github.com/toeirei/keysync/internal/security"
	"github.com/toeirei/keysync/internal/sshkey"
)

var (
	ErrInvalidKey       = errors.New("invalid public key")
	ErrTokenInvalid     = errors.New("download link not found, expired or already used")
	ErrIdentityDisabled = errors.New("identity is disabled")
	ErrNoEncryptionKey  = errors.New("sysgen encryption key is not configured")
)

type Store interface {
	GetIdentity(ctx context.Context, id int64) (model.Identity, error)
	GetKey(ctx context.Context, id int64) (model.SSHKey, error)
	GetKeyByFingerprint(ctx context.Context, fingerprint string) (model.SSHKey, error)
	InsertKey(ctx context.Context, k model.SSHKey) (model.SSHKey, error)
	SetKeyStatus(ctx context.Context, id int64, status model.KeyStatus) error
	ReplaceKey(ctx context.Context, oldID int64, replacement model.SSHKey) (model.SSHKey, error)
	CreateGenRequest(ctx context.Context, r model.KeyGenRequest) error
	GetGenRequestByToken(ctx context.Context, token string) (model.KeyGenRequest, error)
	MarkGenRequestDownloaded(ctx context.Context, id string, at time.Time) (bool, error)
	LogAction(ctx context.Context, e model.AuditEvent) error
}

type Policy interface {
	Check(ctx context.Context, cand policy.Candidate) error
	DefaultExpiry(ctx context.Context) (time.Time, error)
}

type Guard interface {
	Admit(ctx context.Context, identityID int64, op model.OperationKind) error
	RecordOperation(ctx context.Context, identityID int64, op model.OperationKind) error
	RecordFailedPickup(ctx context.Context, identityID int64) error
}

type Enqueuer interface {
	EnqueueForIdentity(ctx context.Context, identityID int64, priority int) (int, error)
}

type Config struct {
	EncryptionKey security.Secret
	DownloadTTL   time.Duration
}

type Service struct {
	store  Store
	policy Policy
	guard  Guard
	queue  Enqueuer
	cfg    Config
	clock  clock.Clock
}

func New(store Store, pol Policy, guard Guard, q Enqueuer, cfg Config, clk clock.Clock) *Service {
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = 10 * time.Minute
	}
	return &Service{store: store, policy: pol, guard: guard, queue: q, cfg: cfg, clock: clock.OrSystem(clk)}
}

// ImportRequest adds an existing public key. Options override any options
// present on Line; a nil ExpiresAt takes the policy default.
type ImportRequest struct {
	IdentityID int64
	Line       string
	Options    string
	ExpiresAt  *time.Time
	Actor      string
}

func (s *Service) Import(ctx context.Context, req ImportRequest) (model.SSHKey, error) {
	if err := s.admit(ctx, req.IdentityID, model.OpImport); err != nil {
		return model.SSHKey{}, err
	}
	pk, opts, err := parseLine(req.Line, req.Options)
	if err != nil {
		return model.SSHKey{}, err
	}
	if err := s.checkUnique(ctx, pk.Fingerprint); err != nil {
		return model.SSHKey{}, err
	}
	id := req.IdentityID
	if err := s.policy.Check(ctx, policy.Candidate{
		Algorithm:  pk.Algorithm,
		BitLength:  pk.BitLength,
		Comment:    pk.Comment,
		Options:    opts,
		IdentityID: &id,
	}); err != nil {
		return model.SSHKey{}, err
	}
	expires, err := s.expiry(ctx, req.ExpiresAt)
	if err != nil {
		return model.SSHKey{}, err
	}

	k, err := s.store.InsertKey(ctx, model.SSHKey{
		IdentityID:  req.IdentityID,
		PublicKey:   pk.Material(),
		Algorithm:   pk.Algorithm,
		BitLength:   pk.BitLength,
		Comment:     pk.Comment,
		Fingerprint: pk.Fingerprint,
		Origin:      model.OriginImport,
		Options:     opts,
		ExpiresAt:   &expires,
		Status:      model.KeyActive,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		return model.SSHKey{}, fmt.Errorf("failed to store key: %w", err)
	}
	s.finish(ctx, req.IdentityID, model.OpImport, req.Actor, "key.import", k, queue.PriorityNormal, map[string]any{
		"fingerprint": k.Fingerprint,
		"algorithm":   k.Algorithm,
	})
	return k, nil
}

type GenerateRequest struct {
	IdentityID int64
	Algorithm  string
	Bits       int
	Comment    string
	Actor      string
}

// Generated is the result of Generate. Token is shown to the caller once
// and redeems the private key through Download.
type Generated struct {
	Key       model.SSHKey
	RequestID string
	Token     security.Secret
	ExpiresAt time.Time
}

func (s *Service) Generate(ctx context.Context, req GenerateRequest) (Generated, error) {
	if len(s.cfg.EncryptionKey) == 0 {
		return Generated{}, ErrNoEncryptionKey
	}
	if err := s.admit(ctx, req.IdentityID, model.OpGenerate); err != nil {
		return Generated{}, err
	}
	bits, err := requestedBits(req.Algorithm, req.Bits)
	if err != nil {
		return Generated{}, err
	}
	id := req.IdentityID
	if err := s.policy.Check(ctx, policy.Candidate{
		Algorithm:  req.Algorithm,
		BitLength:  bits,
		Comment:    req.Comment,
		IdentityID: &id,
	}); err != nil {
		return Generated{}, err
	}
	expires, err := s.policy.DefaultExpiry(ctx)
	if err != nil {
		return Generated{}, err
	}

	pair, err := cryptossh.Generate(req.Algorithm, bits, req.Comment, "")
	if err != nil {
		return Generated{}, err
	}
	pk, err := sshkey.FromPublicKey(pair.PublicKey, req.Comment)
	if err != nil {
		return Generated{}, err
	}
	if err := s.checkUnique(ctx, pk.Fingerprint); err != nil {
		return Generated{}, err
	}

	now := s.clock.Now()
	k, err := s.store.InsertKey(ctx, model.SSHKey{
		IdentityID:  req.IdentityID,
		PublicKey:   pk.Material(),
		Algorithm:   pk.Algorithm,
		BitLength:   pk.BitLength,
		Comment:     req.Comment,
		Fingerprint: pk.Fingerprint,
		Origin:      model.OriginSystemGen,
		ExpiresAt:   &expires,
		Status:      model.KeyActive,
		CreatedAt:   now,
	})
	if err != nil {
		return Generated{}, fmt.Errorf("failed to store key: %w", err)
	}

	reqID := uuid.NewString()
	sealed, err := seal(s.cfg.EncryptionKey, reqID, pair.PrivatePEM)
	for i := range pair.PrivatePEM {
		pair.PrivatePEM[i] = 0
	}
	if err != nil {
		return Generated{}, fmt.Errorf("failed to seal private key: %w", err)
	}
	token := uuid.NewString()
	gr := model.KeyGenRequest{
		ID:                  reqID,
		IdentityID:          req.IdentityID,
		KeyID:               k.ID,
		Algorithm:           pk.Algorithm,
		BitLength:           pk.BitLength,
		EncryptedPrivateKey: sealed,
		DownloadToken:       token,
		ExpiresAt:           now.Add(s.cfg.DownloadTTL),
		CreatedAt:           now,
	}
	if err := s.store.CreateGenRequest(ctx, gr); err != nil {
		return Generated{}, fmt.Errorf("failed to store generation request: %w", err)
	}

	s.finish(ctx, req.IdentityID, model.OpGenerate, req.Actor, "key.generate", k, queue.PriorityNormal, map[string]any{
		"fingerprint": k.Fingerprint,
		"algorithm":   k.Algorithm,
		"bit_length":  k.BitLength,
		"request_id":  reqID,
		"expires_at":  gr.ExpiresAt.Format(time.RFC3339),
	})
	return Generated{Key: k, RequestID: reqID, Token: security.FromString(token), ExpiresAt: gr.ExpiresAt}, nil
}

// Revoke withdraws a key of the identity and queues its removal ahead of
// regular work.
func (s *Service) Revoke(ctx context.Context, identityID, keyID int64, actor string) (model.SSHKey, error) {
	if err := s.admit(ctx, identityID, model.OpRevoke); err != nil {
		return model.SSHKey{}, err
	}
	k, err := s.ownedKey(ctx, identityID, keyID)
	if err != nil {
		return model.SSHKey{}, err
	}
	if k.Status == model.KeyRevoked {
		return k, nil
	}
	if err := s.store.SetKeyStatus(ctx, k.ID, model.KeyRevoked); err != nil {
		return model.SSHKey{}, fmt.Errorf("failed to revoke key %d: %w", k.ID, err)
	}
	k.Status = model.KeyRevoked
	s.finish(ctx, identityID, model.OpRevoke, actor, "key.revoke", k, queue.PriorityRevoke, map[string]any{
		"fingerprint": k.Fingerprint,
	})
	return k, nil
}

type RotateRequest struct {
	IdentityID int64
	KeyID      int64
	Line       string
	Options    string
	ExpiresAt  *time.Time
	Actor      string
}

// Rotate replaces an active key with a new one. The old key becomes
// deprecated; it does not count against the per-identity key limit.
func (s *Service) Rotate(ctx context.Context, req RotateRequest) (model.SSHKey, error) {
	if err := s.admit(ctx, req.IdentityID, model.OpImport); err != nil {
		return model.SSHKey{}, err
	}
	old, err := s.ownedKey(ctx, req.IdentityID, req.KeyID)
	if err != nil {
		return model.SSHKey{}, err
	}
	if old.Status != model.KeyActive {
		return model.SSHKey{}, fmt.Errorf("key %d is %s: %w", old.ID, old.Status, db.ErrNotFound)
	}
	pk, opts, err := parseLine(req.Line, req.Options)
	if err != nil {
		return model.SSHKey{}, err
	}
	if err := s.checkUnique(ctx, pk.Fingerprint); err != nil {
		return model.SSHKey{}, err
	}
	if err := s.policy.Check(ctx, policy.Candidate{
		Algorithm: pk.Algorithm,
		BitLength: pk.BitLength,
		Comment:   pk.Comment,
		Options:   opts,
	}); err != nil {
		return model.SSHKey{}, err
	}
	expires, err := s.expiry(ctx, req.ExpiresAt)
	if err != nil {
		return model.SSHKey{}, err
	}

	k, err := s.store.ReplaceKey(ctx, old.ID, model.SSHKey{
		IdentityID:  req.IdentityID,
		PublicKey:   pk.Material(),
		Algorithm:   pk.Algorithm,
		BitLength:   pk.BitLength,
		Comment:     pk.Comment,
		Fingerprint: pk.Fingerprint,
		Origin:      model.OriginImport,
		Options:     opts,
		ExpiresAt:   &expires,
		Status:      model.KeyActive,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		return model.SSHKey{}, fmt.Errorf("failed to rotate key %d: %w", old.ID, err)
	}
	s.finish(ctx, req.IdentityID, model.OpImport, req.Actor, "key.rotate", k, queue.PriorityRotate, map[string]any{
		"old_key_id":      old.ID,
		"old_fingerprint": old.Fingerprint,
		"fingerprint":     k.Fingerprint,
	})
	return k, nil
}

// Redeemed is a downloaded generation request.
type Redeemed struct {
	Request    model.KeyGenRequest
	PrivateKey security.Secret
}

// Filename suggests a name for the private key file.
func (d Redeemed) Filename() string {
	return fmt.Sprintf("id_%s_%d", strings.ReplaceAll(d.Request.Algorithm, "-", "_"), d.Request.BitLength)
}

// Download redeems a one-time token. Unknown tokens fail with
// ErrTokenInvalid; expired or reused tokens additionally count as a
// failed pickup against the owning identity.
func (s *Service) Download(ctx context.Context, token string) (Redeemed, error) {
	gr, err := s.store.GetGenRequestByToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return Redeemed{}, ErrTokenInvalid
	}
	if err != nil {
		return Redeemed{}, fmt.Errorf("failed to look up download token: %w", err)
	}
	now := s.clock.Now()
	if gr.DownloadedAt != nil || !now.Before(gr.ExpiresAt) {
		return Redeemed{}, s.failedPickup(ctx, gr)
	}
	if err := s.guard.Admit(ctx, gr.IdentityID, model.OpDownload); err != nil {
		return Redeemed{}, err
	}

	plain, err := open(s.cfg.EncryptionKey, gr.ID, gr.EncryptedPrivateKey)
	if err != nil {
		return Redeemed{}, fmt.Errorf("failed to decrypt private key: %w", err)
	}
	ok, err := s.store.MarkGenRequestDownloaded(ctx, gr.ID, now)
	if err != nil {
		return Redeemed{}, fmt.Errorf("failed to mark request %s downloaded: %w", gr.ID, err)
	}
	if !ok {
		return Redeemed{}, s.failedPickup(ctx, gr)
	}
	gr.DownloadedAt = &now

	if err := s.guard.RecordOperation(ctx, gr.IdentityID, model.OpDownload); err != nil {
		logging.Warnf("keys: %v", err)
	}
	s.audit(ctx, model.AuditEvent{
		Timestamp: now,
		Actor:     fmt.Sprintf("identity:%d", gr.IdentityID),
		Action:    "key.download",
		Entity:    "key_gen_request",
		EntityID:  gr.ID,
		Metadata:  map[string]any{"algorithm": gr.Algorithm, "bit_length": gr.BitLength},
	})
	return Redeemed{Request: gr, PrivateKey: security.Secret(plain)}, nil
}

func (s *Service) failedPickup(ctx context.Context, gr model.KeyGenRequest) error {
	if err := s.guard.RecordFailedPickup(ctx, gr.IdentityID); err != nil {
		logging.Warnf("keys: failed to record failed pickup for identity %d: %v", gr.IdentityID, err)
	}
	return ErrTokenInvalid
}

// admit checks that the identity exists and is active, then asks the guard.
func (s *Service) admit(ctx context.Context, identityID int64, op model.OperationKind) error {
	ident, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		return fmt.Errorf("identity %d: %w", identityID, err)
	}
	if ident.Status != model.IdentityActive {
		return fmt.Errorf("%s: %w", ident.Handle, ErrIdentityDisabled)
	}
	return s.guard.Admit(ctx, identityID, op)
}

func (s *Service) ownedKey(ctx context.Context, identityID, keyID int64) (model.SSHKey, error) {
	k, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return model.SSHKey{}, fmt.Errorf("key %d: %w", keyID, err)
	}
	if k.IdentityID != identityID {
		return model.SSHKey{}, fmt.Errorf("key %d: %w", keyID, db.ErrNotFound)
	}
	return k, nil
}

func (s *Service) checkUnique(ctx context.Context, fingerprint string) error {
	_, err := s.store.GetKeyByFingerprint(ctx, fingerprint)
	switch {
	case err == nil:
		return fmt.Errorf("key with fingerprint %s already exists: %w", fingerprint, db.ErrDuplicate)
	case errors.Is(err, db.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *Service) expiry(ctx context.Context, requested *time.Time) (time.Time, error) {
	if requested != nil {
		return requested.UTC(), nil
	}
	return s.policy.DefaultExpiry(ctx)
}

// finish records the operation, writes the audit event and queues the
// deployment. Failures here are logged: the key change itself is stored.
func (s *Service) finish(ctx context.Context, identityID int64, op model.OperationKind, actor, action string, k model.SSHKey, priority int, meta map[string]any) {
	if err := s.guard.RecordOperation(ctx, identityID, op); err != nil {
		logging.Warnf("keys: %v", err)
	}
	s.audit(ctx, model.AuditEvent{
		Timestamp: s.clock.Now(),
		Actor:     actor,
		Action:    action,
		Entity:    "ssh_key",
		EntityID:  fmt.Sprint(k.ID),
		Metadata:  meta,
	})
	n, err := s.queue.EnqueueForIdentity(ctx, identityID, priority)
	if err != nil {
		logging.Errorf("keys: failed to queue deployment for identity %d after %s: %v", identityID, action, err)
		return
	}
	logging.With("identity", identityID, "key", k.ID, "queued", n).Info(action)
}

func (s *Service) audit(ctx context.Context, e model.AuditEvent) {
	if err := s.store.LogAction(ctx, e); err != nil {
		logging.Warnf("keys: failed to audit %s: %v", e.Action, err)
	}
}

// parseLine parses an authorized_keys line. Explicit options win over the
// options found on the line.
func parseLine(line, options string) (sshkey.PublicKey, string, error) {
	pk, err := sshkey.ParseAuthorizedKey(line)
	if err != nil {
		return sshkey.PublicKey{}, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	opts := strings.TrimSpace(options)
	if opts == "" {
		opts = strings.Join(pk.Options, ",")
	}
	return pk, opts, nil
}

// requestedBits resolves the size Generate will produce so the policy can
// be checked before any key material exists.
func requestedBits(algorithm string, bits int) (int, error) {
	switch algorithm {
	case ssh.KeyAlgoED25519, ssh.KeyAlgoECDSA256:
		return 256, nil
	case ssh.KeyAlgoECDSA384:
		return 384, nil
	case ssh.KeyAlgoECDSA521:
		return 521, nil
	case ssh.KeyAlgoRSA:
		if bits == 0 {
			return cryptossh.DefaultRSABits, nil
		}
		return bits, nil
	default:
		return 0, fmt.Errorf("unsupported key algorithm %q", algorithm)
	}
}
