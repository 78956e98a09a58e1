// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/toeirei/keysync/internal/logging"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyStore is the trusted host key table.
type HostKeyStore interface {
	GetKnownHostKey(ctx context.Context, hostname string) (string, error)
	AddKnownHostKey(ctx context.Context, hostname, key string) error
}

// HostKeyPolicy selects how unknown hosts are treated.
type HostKeyPolicy struct {
	// Strict rejects hosts that have no trusted key. Otherwise the first
	// key presented is recorded and accepted.
	Strict bool
	// KnownHostsFile is an optional OpenSSH known_hosts file consulted
	// when the database has no entry for a host.
	KnownHostsFile string
}

// NewHostKeyCallback builds the ssh.HostKeyCallback used for deployments.
// Keys are stored under knownAs, or under the dialled host when knownAs is
// empty. A key stored in the database must always match exactly; a
// mismatch is rejected regardless of Strict.
func NewHostKeyCallback(ctx context.Context, store HostKeyStore, policy HostKeyPolicy, knownAs string) (ssh.HostKeyCallback, error) {
	var fileCallback ssh.HostKeyCallback
	if policy.KnownHostsFile != "" {
		cb, err := knownhosts.New(policy.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", policy.KnownHostsFile, err)
		}
		fileCallback = cb
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host := knownAs
		if host == "" {
			host = hostOnly(hostname)
		}
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))

		known, err := store.GetKnownHostKey(ctx, host)
		if err != nil {
			return fmt.Errorf("failed to query known_hosts database: %w", err)
		}
		if known != "" {
			if strings.TrimSpace(known) != presented {
				return fmt.Errorf("!!! HOST KEY MISMATCH FOR %s !!!\nRemote key presented: %s\nThis could be a man-in-the-middle attack", host, presented)
			}
			return nil
		}

		if fileCallback != nil {
			if err := fileCallback(hostname, remote, key); err == nil {
				return nil
			} else if policy.Strict {
				return fmt.Errorf("host key verification failed for %s: %w", host, err)
			}
		}

		if policy.Strict {
			return fmt.Errorf("unknown host key for %s. run 'keysync trust-host' to add it", host)
		}

		if err := store.AddKnownHostKey(ctx, host, presented); err != nil {
			return fmt.Errorf("failed to record host key for %s: %w", host, err)
		}
		logging.Warnf("trusting new host key for %s (%s)", host, ssh.FingerprintSHA256(key))
		return nil
	}, nil
}
