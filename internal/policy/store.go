// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package policy holds the active key admission rules and validates
// candidate keys against them.
package policy // import "github.com/toeirei/keysync/internal/policy"

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/toeirei/keysync/internal/clock"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/sshkey"
)

// Repository is the persistence the policy store needs.
type Repository interface {
	ActivePolicy(ctx context.Context) (*model.Policy, error)
	ActivatePolicy(ctx context.Context, p model.Policy) (model.Policy, error)
	CountActiveKeys(ctx context.Context, identityID int64) (int, error)
	LogAction(ctx context.Context, e model.AuditEvent) error
}

// Candidate describes a key to be admitted. An empty Comment or Options is
// treated as not supplied; a nil IdentityID skips the per-identity limit.
type Candidate struct {
	Algorithm  string
	BitLength  int
	Comment    string
	Options    string
	IdentityID *int64
}

// Violation is one failed rule.
type Violation struct {
	Rule    string
	Message string
}

// ViolationError carries every violation found for a candidate.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "policy violation: " + strings.Join(msgs, "; ")
}

// Store is the PolicyStore. It caches the compiled form of the active
// policy and recompiles only when the active policy changes.
type Store struct {
	repo  Repository
	clock clock.Clock

	mu       sync.Mutex
	cachedID int64
	cached   *compiled
}

func New(repo Repository, clk clock.Clock) *Store {
	return &Store{repo: repo, clock: clock.OrSystem(clk)}
}

func (s *Store) current(ctx context.Context) (*compiled, error) {
	p, err := s.repo.ActivePolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active policy: %w", err)
	}
	var id int64
	if p != nil {
		id = p.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.cachedID == id {
		return s.cached, nil
	}
	if p == nil {
		s.cached = compileStored(DefaultRules())
	} else {
		s.cached = compileStored(p.Rules)
	}
	s.cachedID = id
	return s.cached, nil
}

// CurrentRules returns the active rule set with defaults applied.
func (s *Store) CurrentRules(ctx context.Context) (model.RuleSet, error) {
	c, err := s.current(ctx)
	if err != nil {
		return model.RuleSet{}, err
	}
	return c.rules, nil
}

// CurrentPolicy returns the active policy record, or nil while the
// defaults are in force.
func (s *Store) CurrentPolicy(ctx context.Context) (*model.Policy, error) {
	return s.repo.ActivePolicy(ctx)
}

// DefaultExpiry is now plus the active default TTL.
func (s *Store) DefaultExpiry(ctx context.Context) (time.Time, error) {
	c, err := s.current(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return s.clock.Now().AddDate(0, 0, c.rules.DefaultTTLDays), nil
}

// Validate runs every rule against the candidate and returns all
// violations. The error is reserved for storage failures.
func (s *Store) Validate(ctx context.Context, cand Candidate) ([]Violation, error) {
	c, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	var out []Violation
	r := c.rules

	if _, ok := c.algs[cand.Algorithm]; !ok {
		out = append(out, Violation{"algorithm", fmt.Sprintf("Algorithm '%s' not allowed. Allowed: %s",
			cand.Algorithm, strings.Join(r.AllowedAlgorithms, ", "))})
	}
	if minLen, ok := r.MinKeyLengths[cand.Algorithm]; ok && cand.BitLength < minLen {
		out = append(out, Violation{"key_length", fmt.Sprintf("Key length %d below minimum %d for %s",
			cand.BitLength, minLen, cand.Algorithm)})
	}
	if c.commentRE != nil && cand.Comment != "" && !c.commentRE.MatchString(cand.Comment) {
		out = append(out, Violation{"comment", fmt.Sprintf("Comment does not match required format: %s", r.CommentPattern)})
	}
	for _, opt := range sshkey.SplitOptions(cand.Options) {
		name := sshkey.OptionName(opt)
		if _, ok := c.options[name]; !ok {
			out = append(out, Violation{"option", fmt.Sprintf("Option '%s' not allowed. Allowed: %s",
				name, strings.Join(r.AllowedOptions, ", "))})
		}
	}
	if cand.IdentityID != nil {
		n, err := s.repo.CountActiveKeys(ctx, *cand.IdentityID)
		if err != nil {
			return nil, fmt.Errorf("failed to count active keys: %w", err)
		}
		if n >= r.MaxKeysPerIdentity {
			out = append(out, Violation{"max_keys", fmt.Sprintf("Maximum %d keys per user exceeded", r.MaxKeysPerIdentity)})
		}
	}
	return out, nil
}

// Check is Validate folded into a single error; violations are reported
// as *ViolationError.
func (s *Store) Check(ctx context.Context, cand Candidate) error {
	v, err := s.Validate(ctx, cand)
	if err != nil {
		return err
	}
	if len(v) > 0 {
		return &ViolationError{Violations: v}
	}
	return nil
}

// Activate stores rules as the new active policy, replacing the previous
// one atomically.
func (s *Store) Activate(ctx context.Context, name string, rules model.RuleSet, actor string) (model.Policy, error) {
	if _, err := compile(rules); err != nil {
		return model.Policy{}, err
	}
	if name == "" {
		name = "policy"
	}
	now := s.clock.Now()
	p, err := s.repo.ActivatePolicy(ctx, model.Policy{
		Name:      name,
		Rules:     WithDefaults(rules),
		IsActive:  true,
		CreatedBy: actor,
		CreatedAt: now,
	})
	if err != nil {
		return model.Policy{}, fmt.Errorf("failed to activate policy: %w", err)
	}
	logging.Infof("policy %q (id %d) activated by %s", p.Name, p.ID, actor)
	if err := s.repo.LogAction(ctx, model.AuditEvent{
		Timestamp: now,
		Actor:     actor,
		Action:    "policy.activate",
		Entity:    "policy",
		EntityID:  fmt.Sprint(p.ID),
		Metadata:  map[string]any{"name": p.Name},
	}); err != nil {
		logging.Warnf("failed to audit policy activation: %v", err)
	}
	return p, nil
}
