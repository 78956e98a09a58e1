// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package ssh

import (
	"testing"

	xssh "golang.org/x/crypto/ssh"

	"github.com/toeirei/keysync/internal/sshkey"
)

func TestGenerate_AllAlgorithms(t *testing.T) {
	tests := []struct {
		alg      string
		bits     int
		wantBits int
	}{
		{xssh.KeyAlgoED25519, 0, 256},
		{xssh.KeyAlgoRSA, 2048, 2048},
		{xssh.KeyAlgoECDSA256, 0, 256},
		{xssh.KeyAlgoECDSA384, 0, 384},
		{xssh.KeyAlgoECDSA521, 0, 521},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			kp, err := Generate(tt.alg, tt.bits, "test-comment", "")
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if kp.BitLength != tt.wantBits {
				t.Fatalf("BitLength = %d, want %d", kp.BitLength, tt.wantBits)
			}
			parsed, err := sshkey.ParseAuthorizedKey(kp.AuthorizedKey)
			if err != nil {
				t.Fatalf("ParseAuthorizedKey failed: %v", err)
			}
			if parsed.Comment != "test-comment" || parsed.BitLength != tt.wantBits {
				t.Fatalf("unexpected parsed key: %+v", parsed)
			}
			if parsed.Fingerprint != FingerprintSHA256(kp.PublicKey) {
				t.Fatalf("fingerprint mismatch between parser and generator")
			}
			if _, err := xssh.ParseRawPrivateKey(kp.PrivatePEM); err != nil {
				t.Fatalf("ParseRawPrivateKey failed: %v", err)
			}
		})
	}
}

func TestGenerate_WithPassphrase(t *testing.T) {
	kp, err := Generate(xssh.KeyAlgoED25519, 0, "enc", "test-passphrase")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	_, err = xssh.ParseRawPrivateKey(kp.PrivatePEM)
	if _, ok := err.(*xssh.PassphraseMissingError); !ok {
		t.Fatalf("expected PassphraseMissingError, got %T", err)
	}
	if _, err := xssh.ParseRawPrivateKeyWithPassphrase(kp.PrivatePEM, []byte("wrong-passphrase")); err == nil {
		t.Fatal("expected error when parsing with wrong passphrase")
	}
	if _, err := xssh.ParseRawPrivateKeyWithPassphrase(kp.PrivatePEM, []byte("test-passphrase")); err != nil {
		t.Fatalf("failed to parse private key with correct passphrase: %v", err)
	}
}

func TestGenerate_Rejects(t *testing.T) {
	if _, err := Generate("ssh-dss", 0, "", ""); err == nil {
		t.Fatal("expected unsupported algorithm error")
	}
	if _, err := Generate(xssh.KeyAlgoRSA, 512, "", ""); err == nil {
		t.Fatal("expected small rsa size error")
	}
}
