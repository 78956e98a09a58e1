// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"errors"
	"net"
	"strings"
)

const defaultSSHPort = "22"

// ParseHostPort splits a host address into host and port. It accepts an
// optional "user@" prefix, bracketed or bare IPv6 literals and a missing
// port, in which case port is returned empty.
func ParseHostPort(addr string) (host, port string, err error) {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[i+1:]
	}
	if addr == "" {
		return "", "", errors.New("empty host address")
	}

	if strings.HasPrefix(addr, "[") {
		end := strings.Index(addr, "]")
		if end < 0 {
			return "", "", errors.New("missing ']' in address " + addr)
		}
		host = addr[1:end]
		rest := addr[end+1:]
		if rest == "" {
			return host, "", nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", errors.New("unexpected characters after ']' in address " + addr)
		}
		return host, rest[1:], nil
	}

	// More than one colon without brackets is a bare IPv6 literal.
	if strings.Count(addr, ":") > 1 {
		return addr, "", nil
	}
	if h, p, splitErr := net.SplitHostPort(addr); splitErr == nil {
		return h, p, nil
	}
	return addr, "", nil
}

// JoinHostPort combines host and port, falling back to def when port is
// empty. IPv6 hosts are bracketed.
func JoinHostPort(host, port, def string) string {
	if port == "" {
		port = def
	}
	return net.JoinHostPort(host, port)
}

// CanonicalizeHostPort returns the host:port dial address for addr with the
// default SSH port filled in. Unparseable input is returned unchanged.
func CanonicalizeHostPort(addr string) string {
	host, port, err := ParseHostPort(addr)
	if err != nil {
		return addr
	}
	return JoinHostPort(host, port, defaultSSHPort)
}

// hostOnly strips the port from a callback hostname such as "example.com:22".
func hostOnly(hostname string) string {
	host, _, err := ParseHostPort(hostname)
	if err != nil {
		return hostname
	}
	return host
}
