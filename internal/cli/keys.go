// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/keys"
	"github.com/toeirei/keysync/internal/model"
)

func (a *app) keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys"},
		Short:   "Manage the SSH public keys of identities",
	}

	var identity, actor string
	cmd.PersistentFlags().StringVar(&identity, "identity", "", "identity id or handle")
	cmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "actor recorded in the audit log")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the keys of an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ident, err := a.resolveIdentity(cmd, identity)
			if err != nil {
				return err
			}
			var statuses []model.KeyStatus
			if status != "" {
				statuses = append(statuses, model.KeyStatus(status))
			}
			ks, err := a.store.ListKeys(cmd.Context(), ident.ID, statuses...)
			if err != nil {
				return err
			}
			printKeys(cmd.OutOrStdout(), ks)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "only keys in this status")

	var (
		options string
		expires string
	)
	importCmd := &cobra.Command{
		Use:   "import <authorized_keys line | ->",
		Short: "Import an existing public key",
		Long: `Imports a public key in authorized_keys format. Pass "-" to read the
line from standard input. --options replaces any options on the line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := a.resolveIdentity(cmd, identity)
			if err != nil {
				return err
			}
			line, err := readKeyLine(cmd, args[0])
			if err != nil {
				return err
			}
			exp, err := parseExpiry(expires)
			if err != nil {
				return err
			}
			k, err := a.keys.Import(cmd.Context(), keys.ImportRequest{
				IdentityID: ident.ID,
				Line:       line,
				Options:    options,
				ExpiresAt:  exp,
				Actor:      actor,
			})
			if err != nil {
				return err
			}
			printKeys(cmd.OutOrStdout(), []model.SSHKey{k})
			return nil
		},
	}
	importCmd.Flags().StringVar(&options, "options", "", "authorized_keys options for this key")
	importCmd.Flags().StringVar(&expires, "expires", "", "expiry date (YYYY-MM-DD); defaults to the policy TTL")

	var (
		alg     string
		bits    int
		comment string
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key pair and issue a one-time download token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ident, err := a.resolveIdentity(cmd, identity)
			if err != nil {
				return err
			}
			g, err := a.keys.Generate(cmd.Context(), keys.GenerateRequest{
				IdentityID: ident.ID,
				Algorithm:  alg,
				Bits:       bits,
				Comment:    comment,
				Actor:      actor,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printKeys(out, []model.SSHKey{g.Key})
			fmt.Fprintln(out, i18n.T("cli.key.download_token", formatTime(g.ExpiresAt), string(g.Token.Bytes())))
			g.Token.Zero()
			return nil
		},
	}
	generate.Flags().StringVar(&alg, "alg", "ssh-ed25519", "key algorithm (ssh-ed25519, ssh-rsa, ecdsa-sha2-nistp256/384/521)")
	generate.Flags().IntVar(&bits, "bits", 0, "key length for rsa keys")
	generate.Flags().StringVar(&comment, "comment", "", "key comment")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key and remove it from every host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := a.resolveIdentity(cmd, identity)
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			k, err := a.keys.Revoke(cmd.Context(), ident.ID, id, actor)
			if err != nil {
				return err
			}
			printKeys(cmd.OutOrStdout(), []model.SSHKey{k})
			return nil
		},
	}

	var rotateOptions, rotateExpires string
	rotate := &cobra.Command{
		Use:   "rotate <key-id> <authorized_keys line | ->",
		Short: "Replace an active key with a new public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := a.resolveIdentity(cmd, identity)
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			line, err := readKeyLine(cmd, args[1])
			if err != nil {
				return err
			}
			exp, err := parseExpiry(rotateExpires)
			if err != nil {
				return err
			}
			k, err := a.keys.Rotate(cmd.Context(), keys.RotateRequest{
				IdentityID: ident.ID,
				KeyID:      id,
				Line:       line,
				Options:    rotateOptions,
				ExpiresAt:  exp,
				Actor:      actor,
			})
			if err != nil {
				return err
			}
			printKeys(cmd.OutOrStdout(), []model.SSHKey{k})
			return nil
		},
	}
	rotate.Flags().StringVar(&rotateOptions, "options", "", "authorized_keys options for the new key")
	rotate.Flags().StringVar(&rotateExpires, "expires", "", "expiry date (YYYY-MM-DD); defaults to the policy TTL")

	var outFile string
	download := &cobra.Command{
		Use:   "download <token>",
		Short: "Redeem a download token and write the private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dl, err := a.keys.Download(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer dl.PrivateKey.Zero()
			path := outFile
			if path == "" {
				path = dl.Filename()
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", path, err)
			}
			err = dl.PrivateKey.Use(func(b []byte) error {
				_, werr := f.Write(b)
				return werr
			})
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Private key written to %s.", path))
			return nil
		},
	}
	download.Flags().StringVarP(&outFile, "output", "o", "", "file to write (defaults to id_<algorithm>_<bits>)")

	cmd.AddCommand(list, importCmd, generate, revoke, rotate, download)
	return cmd
}

func printKeys(w io.Writer, ks []model.SSHKey) {
	rows := make([][]string, 0, len(ks))
	for _, k := range ks {
		rows = append(rows, []string{
			itoa(k.ID), k.Algorithm, strconv.Itoa(k.BitLength), truncate(k.Fingerprint, 16),
			k.Comment, string(k.Status), string(k.Origin), formatTimePtr(k.ExpiresAt),
		})
	}
	printTable(w, []string{"ID", "ALGORITHM", "BITS", "FINGERPRINT", "COMMENT", "STATUS", "ORIGIN", "EXPIRES"}, rows)
}

func readKeyLine(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
	if err != nil {
		return "", fmt.Errorf("failed to read key from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func parseExpiry(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry %q: want YYYY-MM-DD", s)
	}
	t = t.UTC()
	return &t, nil
}
