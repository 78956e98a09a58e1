// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package ssh generates SSH key pairs for system-generated keys.
package ssh // import "github.com/toeirei/keysync/internal/crypto/ssh"

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultRSABits is used when an RSA key is requested without a size.
const DefaultRSABits = 3072

// KeyPair is a freshly generated key. PrivatePEM is in OpenSSH format.
type KeyPair struct {
	PublicKey     ssh.PublicKey
	AuthorizedKey string
	PrivatePEM    []byte
	BitLength     int
}

// Generate creates a key pair for the given algorithm. bits is only
// honoured for RSA; ECDSA sizes follow the curve in the algorithm name.
func Generate(algorithm string, bits int, comment, passphrase string) (*KeyPair, error) {
	var (
		signer crypto.Signer
		size   int
		err    error
	)
	switch algorithm {
	case ssh.KeyAlgoED25519:
		_, signer, err = ed25519.GenerateKey(rand.Reader)
		size = 256
	case ssh.KeyAlgoRSA:
		if bits == 0 {
			bits = DefaultRSABits
		}
		if bits < 1024 {
			return nil, fmt.Errorf("rsa key size %d too small", bits)
		}
		signer, err = rsa.GenerateKey(rand.Reader, bits)
		size = bits
	case ssh.KeyAlgoECDSA256:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		size = 256
	case ssh.KeyAlgoECDSA384:
		signer, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		size = 384
	case ssh.KeyAlgoECDSA521:
		signer, err = ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
		size = 521
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", algorithm, err)
	}

	pub, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	block, err := MarshalPrivateKey(signer, comment, passphrase)
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return &KeyPair{
		PublicKey:     pub,
		AuthorizedKey: line,
		PrivatePEM:    pem.EncodeToMemory(block),
		BitLength:     size,
	}, nil
}

// MarshalPrivateKey converts a private key to an OpenSSH PEM block,
// encrypted when a passphrase is given.
func MarshalPrivateKey(key crypto.PrivateKey, comment, passphrase string) (*pem.Block, error) {
	var (
		block *pem.Block
		err   error
	)
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, comment, []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(key, comment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return block, nil
}

// FingerprintSHA256 returns the hex SHA-256 digest of the key blob.
func FingerprintSHA256(pk ssh.PublicKey) string {
	sum := sha256.Sum256(pk.Marshal())
	return hex.EncodeToString(sum[:])
}
