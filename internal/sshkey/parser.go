// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package sshkey parses authorized_keys lines into the attributes keysync
// stores and validates: algorithm, bit length, fingerprint and options.
package sshkey // import "github.com/toeirei/keysync/internal/sshkey"

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidKey is returned for lines that do not carry a usable public key.
var ErrInvalidKey = errors.New("invalid ssh public key")

// PublicKey is the parsed form of one authorized_keys line.
type PublicKey struct {
	Algorithm   string
	KeyData     string // base64 blob
	Comment     string
	Options     []string
	BitLength   int
	Fingerprint string
}

// Material returns "<algorithm> <base64>" without options or comment.
func (k PublicKey) Material() string {
	return k.Algorithm + " " + k.KeyData
}

// Parse splits a raw public key string (like one from an authorized_keys file)
// into its three core components: algorithm, key data, and comment.
// Leading options (from="...",command="...") are skipped.
func Parse(rawKey string) (algorithm, keyData, comment string, err error) {
	fields := strings.Fields(rawKey)
	if len(fields) == 0 {
		err = fmt.Errorf("empty line")
		return
	}
	keyStartIndex := -1
	for i, field := range fields {
		if strings.HasPrefix(field, "ssh-") || strings.HasPrefix(field, "ecdsa-") {
			keyStartIndex = i
			break
		}
	}
	if keyStartIndex == -1 {
		err = fmt.Errorf("no valid SSH key type found in line")
		return
	}
	if len(fields) < keyStartIndex+2 {
		err = fmt.Errorf("invalid public key format: missing key data after algorithm")
		return
	}
	algorithm = fields[keyStartIndex]
	keyData = fields[keyStartIndex+1]
	if len(fields) > keyStartIndex+2 {
		comment = strings.Join(fields[keyStartIndex+2:], " ")
	}
	return
}

// ParseAuthorizedKey decodes and validates a full authorized_keys line.
func ParseAuthorizedKey(line string) (PublicKey, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return PublicKey{}, fmt.Errorf("%w: empty line", ErrInvalidKey)
	}
	pk, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	bits, err := BitLength(pk)
	if err != nil {
		return PublicKey{}, err
	}
	blob := pk.Marshal()
	return PublicKey{
		Algorithm:   pk.Type(),
		KeyData:     base64.StdEncoding.EncodeToString(blob),
		Comment:     comment,
		Options:     options,
		BitLength:   bits,
		Fingerprint: FingerprintBlob(blob),
	}, nil
}

// FromPublicKey builds a PublicKey from an already decoded key.
func FromPublicKey(pk ssh.PublicKey, comment string) (PublicKey, error) {
	bits, err := BitLength(pk)
	if err != nil {
		return PublicKey{}, err
	}
	blob := pk.Marshal()
	return PublicKey{
		Algorithm:   pk.Type(),
		KeyData:     base64.StdEncoding.EncodeToString(blob),
		Comment:     comment,
		BitLength:   bits,
		Fingerprint: FingerprintBlob(blob),
	}, nil
}

// FingerprintBlob returns the hex SHA-256 digest of a wire-format key blob.
func FingerprintBlob(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// BitLength reports the key size: 256 for ed25519, the modulus size for
// RSA and the curve size for ECDSA.
func BitLength(pk ssh.PublicKey) (int, error) {
	cpk, ok := pk.(ssh.CryptoPublicKey)
	if !ok {
		return 0, fmt.Errorf("%w: unsupported key type %s", ErrInvalidKey, pk.Type())
	}
	switch k := cpk.CryptoPublicKey().(type) {
	case ed25519.PublicKey:
		return 256, nil
	case *rsa.PublicKey:
		return k.N.BitLen(), nil
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize, nil
	default:
		return 0, fmt.Errorf("%w: unsupported key type %s", ErrInvalidKey, pk.Type())
	}
}

// SplitOptions splits a comma separated authorized_keys option string.
// Commas inside double quotes do not split.
func SplitOptions(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		escaped bool
	)
	flush := func() {
		if opt := strings.TrimSpace(cur.String()); opt != "" {
			out = append(out, opt)
		}
		cur.Reset()
	}
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

// OptionName returns the name part of an option, dropping any "=value"
// or ":value" suffix.
func OptionName(opt string) string {
	opt = strings.TrimSpace(opt)
	if i := strings.IndexAny(opt, "=:"); i >= 0 {
		opt = opt[:i]
	}
	return opt
}
