// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category tells the apply worker what to do with a failed deployment.
type Category string

const (
	// CategoryNone is used for successful results.
	CategoryNone Category = ""
	// CategoryTransient covers timeouts, refused connections and remote
	// I/O failures. The entry is retried with backoff.
	CategoryTransient Category = "transient"
	// CategoryAuth means the service account could not log in. Retried,
	// since an agent or key may come back.
	CategoryAuth Category = "auth"
	// CategoryHostKey means the remote host identity was rejected. An
	// operator has to trust the host before a retry can succeed.
	CategoryHostKey Category = "hostkey"
	// CategoryFatal means the entry itself can never succeed, e.g. the
	// binding was disabled or deleted.
	CategoryFatal Category = "fatal"
)

// Retryable reports whether entries failing with c should be requeued.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryAuth
}

// Failure is a categorised deployment error.
type Failure struct {
	Category Category
	Msg      string
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Msg
	}
	if f.Msg == "" {
		return f.Err.Error()
	}
	return f.Msg + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

// CategoryOf extracts the category of err. Errors that were never
// classified are treated as transient.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Category
	}
	return CategoryTransient
}

func errorContains(err error, needles ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// IsConnectionTimeoutError reports whether err is a dial or I/O timeout.
func IsConnectionTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errorContains(err, "timeout", "timed out", "deadline exceeded")
}

// IsConnectionRefusedError reports whether the remote end was unreachable.
func IsConnectionRefusedError(err error) bool {
	return errorContains(err, "connection refused", "no route to host")
}

// IsAuthenticationError reports whether the SSH login was rejected.
func IsAuthenticationError(err error) bool {
	return errorContains(err, "authentication failed", "unable to authenticate", "permission denied", "public key")
}

// IsHostKeyError reports whether the host key callback rejected the server.
func IsHostKeyError(err error) bool {
	return errorContains(err, "host key mismatch", "unknown host key", "host key verification failed")
}

// ClassifyConnectionError wraps a dial error into a *Failure with a short
// message naming host. Host key checks run first, since a rejected host key
// surfaces as a handshake error that may also mention authentication.
func ClassifyConnectionError(host string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsHostKeyError(err):
		return &Failure{Category: CategoryHostKey, Msg: fmt.Sprintf("host key verification failed for %s", host), Err: err}
	case IsAuthenticationError(err):
		return &Failure{Category: CategoryAuth, Msg: fmt.Sprintf("authentication failed for %s", host), Err: err}
	case IsConnectionTimeoutError(err):
		return &Failure{Category: CategoryTransient, Msg: fmt.Sprintf("connection to %s timed out", host), Err: err}
	case IsConnectionRefusedError(err):
		return &Failure{Category: CategoryTransient, Msg: fmt.Sprintf("connection to %s refused", host), Err: err}
	default:
		return &Failure{Category: CategoryTransient, Msg: fmt.Sprintf("failed to connect to %s", host), Err: err}
	}
}
