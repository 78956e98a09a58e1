// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "time"

// RuleSetVersion is the current schema version of RuleSet.
const RuleSetVersion = 1

// RuleSet is the typed form of a policy. A nil slice or map, or a zero
// number, means "use the default" when the rule set is normalized. An
// explicitly empty slice is kept as-is.
type RuleSet struct {
	Version            int            `json:"version" yaml:"version"`
	AllowedAlgorithms  []string       `json:"allowed_algorithms" yaml:"allowed_algorithms"`
	MinKeyLengths      map[string]int `json:"min_key_lengths" yaml:"min_key_lengths"`
	MaxKeysPerIdentity int            `json:"max_keys_per_identity" yaml:"max_keys_per_identity"`
	DefaultTTLDays     int            `json:"default_ttl_days" yaml:"default_ttl_days"`
	AllowedOptions     []string       `json:"allowed_options" yaml:"allowed_options"`
	CommentPattern     string         `json:"comment_pattern,omitempty" yaml:"comment_pattern,omitempty"`
	ExpiryReminderDays []int          `json:"expiry_reminder_days" yaml:"expiry_reminder_days"`
}

// Policy is an immutable, versioned RuleSet snapshot.
type Policy struct {
	ID        int64
	Name      string
	Rules     RuleSet
	IsActive  bool
	CreatedBy string
	CreatedAt time.Time
}
