// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package policy

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/toeirei/keysync/internal/model"
)

// ErrInvalidRules is returned when a rule set cannot be activated.
var ErrInvalidRules = errors.New("invalid policy rules")

// DefaultRules is the rule set in force while no policy was activated.
func DefaultRules() model.RuleSet {
	return model.RuleSet{
		Version:           model.RuleSetVersion,
		AllowedAlgorithms: []string{"ssh-ed25519", "ssh-rsa"},
		MinKeyLengths: map[string]int{
			"ssh-rsa":             2048,
			"ssh-ed25519":         256,
			"ecdsa-sha2-nistp256": 256,
		},
		MaxKeysPerIdentity: 5,
		DefaultTTLDays:     365,
		AllowedOptions: []string{
			"no-port-forwarding",
			"no-agent-forwarding",
			"no-X11-forwarding",
			"no-pty",
			"restrict",
			"from",
		},
		ExpiryReminderDays: []int{30, 7, 1},
	}
}

// WithDefaults fills unset fields from DefaultRules. A nil list or map and
// a zero number count as unset; an explicitly empty list is kept.
func WithDefaults(r model.RuleSet) model.RuleSet {
	d := DefaultRules()
	if r.Version == 0 {
		r.Version = d.Version
	}
	if r.AllowedAlgorithms == nil {
		r.AllowedAlgorithms = d.AllowedAlgorithms
	}
	if r.MinKeyLengths == nil {
		r.MinKeyLengths = d.MinKeyLengths
	}
	if r.MaxKeysPerIdentity == 0 {
		r.MaxKeysPerIdentity = d.MaxKeysPerIdentity
	}
	if r.DefaultTTLDays == 0 {
		r.DefaultTTLDays = d.DefaultTTLDays
	}
	if r.AllowedOptions == nil {
		r.AllowedOptions = d.AllowedOptions
	}
	if r.ExpiryReminderDays == nil {
		r.ExpiryReminderDays = d.ExpiryReminderDays
	}
	return r
}

// compiled is a validated rule set ready for checks.
type compiled struct {
	rules     model.RuleSet
	algs      map[string]struct{}
	options   map[string]struct{}
	commentRE *regexp.Regexp
}

// ValidateRules applies defaults and checks r for internal consistency.
func ValidateRules(r model.RuleSet) error {
	_, err := compile(r)
	return err
}

func compile(r model.RuleSet) (*compiled, error) {
	r = WithDefaults(r)
	if r.Version > model.RuleSetVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidRules, r.Version)
	}
	if r.MaxKeysPerIdentity < 0 {
		return nil, fmt.Errorf("%w: max_keys_per_identity must not be negative", ErrInvalidRules)
	}
	if r.DefaultTTLDays < 0 {
		return nil, fmt.Errorf("%w: default_ttl_days must not be negative", ErrInvalidRules)
	}
	for alg, n := range r.MinKeyLengths {
		if n < 0 {
			return nil, fmt.Errorf("%w: negative minimum length for %s", ErrInvalidRules, alg)
		}
	}
	for _, d := range r.ExpiryReminderDays {
		if d <= 0 {
			return nil, fmt.Errorf("%w: reminder offsets must be positive, got %d", ErrInvalidRules, d)
		}
	}
	c := &compiled{
		rules:   r,
		algs:    toSet(r.AllowedAlgorithms),
		options: toSet(r.AllowedOptions),
	}
	if r.CommentPattern != "" {
		re, err := regexp.Compile(r.CommentPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: comment_pattern: %v", ErrInvalidRules, err)
		}
		c.commentRE = re
	}
	return c, nil
}

// compileStored is used for rule sets read back from the database. A bad
// comment pattern there is ignored instead of disabling validation.
func compileStored(r model.RuleSet) *compiled {
	if c, err := compile(r); err == nil {
		return c
	}
	r.CommentPattern = ""
	c, err := compile(r)
	if err != nil {
		c, _ = compile(DefaultRules())
	}
	return c
}

// MaxReminderDays is the largest reminder offset, or 0 when none is set.
func MaxReminderDays(r model.RuleSet) int {
	longest := 0
	for _, d := range r.ExpiryReminderDays {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// ParseRulesYAML decodes a rule set document. Unknown fields are rejected.
func ParseRulesYAML(data []byte) (model.RuleSet, error) {
	var r model.RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return model.RuleSet{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return r, nil
}

func toSet(list []string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, s := range list {
		m[s] = struct{}{}
	}
	return m
}
