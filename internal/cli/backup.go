// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/model"
)

func (a *app) backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [output-file]",
		Short: "Write a compressed (zstd) JSON backup of the directory and policies",
		Long: `Exports identities, keys, hosts, bindings, known host keys and policies
into a single Zstandard-compressed JSON file. Queue, deployment, security
and notification records are operational state and are not included.

If no output file is given, keysync-backup-YYYY-MM-DD.json.zst is used.
'.zst' is appended to names that lack it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFile := fmt.Sprintf("keysync-backup-%s.json.zst", a.clock.Now().Format("2006-01-02"))
			if len(args) > 0 {
				outputFile = args[0]
				if !strings.HasSuffix(outputFile, ".zst") {
					outputFile += ".zst"
				}
			}
			data, err := a.store.ExportDataForBackup(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to export data: %w", err)
			}
			if err := writeCompressedBackup(outputFile, data); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), i18n.T("cli.backup.written", outputFile))
			return nil
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore <backup-file.zst>",
		Short: "Replace the directory and policies with the contents of a backup",
		Long: `Restores a backup written by 'keysync backup'. Existing identities, keys,
hosts, bindings, known host keys and policies are deleted first.
This can also be used to migrate between database backends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readCompressedBackup(args[0])
			if err != nil {
				return err
			}
			if !yes {
				if !stdinIsTerminal() {
					return errors.New("restore replaces existing data; pass --yes to confirm")
				}
				if ans := promptForConfirmation(cmd, "This deletes the current directory data. Continue (yes/no)? "); ans != "yes" && ans != "y" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}
			if err := a.store.ImportDataFromBackup(cmd.Context(), data); err != nil {
				return fmt.Errorf("failed to import backup: %w", err)
			}
			a.audit(cmd, defaultActor(), "backup.restore", "backup", args[0], map[string]any{
				"identities": len(data.Identities),
				"keys":       len(data.Keys),
				"bindings":   len(data.Bindings),
			})
			printSuccess(cmd.OutOrStdout(), i18n.T("cli.restore.done"))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func (a *app) dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database administration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "maintain",
		Short: "Run engine maintenance (VACUUM, OPTIMIZE, integrity check)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := db.RunDBMaintenance(a.cfg.Database.Type, a.cfg.Database.Dsn); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), i18n.T("cli.maintenance.done"))
			return nil
		},
	})
	return cmd
}

// writeCompressedBackup streams the JSON encoding through a zstd writer.
func writeCompressedBackup(filename string, data *model.BackupData) (err error) {
	file, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	return encodeBackup(file, data)
}

func encodeBackup(w io.Writer, data *model.BackupData) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not encode backup: %w", err)
	}
	return zw.Close()
}

// readCompressedBackup reads and decodes a zstd-compressed JSON backup.
func readCompressedBackup(filename string) (*model.BackupData, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zr.Close()

	var data model.BackupData
	if err := json.NewDecoder(zr).Decode(&data); err != nil {
		return nil, fmt.Errorf("could not decode backup: %w", err)
	}
	return &data, nil
}
