// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/toeirei/keysync/internal/security"
)

const sealInfo = "keysync sysgen private key v1"

var errSealedTooShort = errors.New("sealed data too short")

func sealKey(secret security.Secret) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrNoEncryptionKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	err := secret.Use(func(b []byte) error {
		_, err := io.ReadFull(hkdf.New(sha256.New, b, nil, []byte(sealInfo)), key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext with XChaCha20-Poly1305. The output is the
// random nonce followed by the ciphertext; requestID is bound as
// additional data so a sealed key cannot be moved to another request.
func seal(secret security.Secret, requestID string, plaintext []byte) ([]byte, error) {
	key, err := sealKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(requestID)), nil
}

func open(secret security.Secret, requestID string, sealed []byte) ([]byte, error) {
	key, err := sealKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errSealedTooShort
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, []byte(requestID))
}
