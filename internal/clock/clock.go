// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package clock provides an abstraction over time.Now for testability.
package clock

import "time"

// Clock provides the current time. Services take a Clock so tests can
// move time forward deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current wall time in UTC.
func (systemClock) Now() time.Time { return time.Now().UTC() }

// System is the real clock.
var System Clock = systemClock{}

// OrSystem returns c, or System when c is nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System
	}
	return c
}

// HourStart truncates t to the start of its UTC calendar hour.
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
