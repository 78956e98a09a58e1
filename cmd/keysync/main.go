// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Command keysync synchronizes SSH public keys into the authorized_keys
// files of managed accounts.
//
// Usage:
//
//	keysync serve
//	keysync key import --identity alice "ssh-ed25519 AAAA... alice@laptop"
//
// See keysync --help for every command.
package main

import (
	"os"

	"github.com/toeirei/keysync/internal/cli"
)

func main() {
	// cobra has already printed the error.
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
