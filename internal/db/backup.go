// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/toeirei/keysync/internal/model"
	"github.com/uptrace/bun"
)

// BackupSchemaVersion is bumped whenever BackupData changes shape.
const BackupSchemaVersion = 1

// backupTables lists restorable tables in dependency order.
var backupTables = []string{"identities", "hosts", "known_hosts", "target_bindings", "ssh_keys", "policies"}

// ExportDataForBackup retrieves the directory and policy tables.
func (s *Store) ExportDataForBackup(ctx context.Context) (*model.BackupData, error) {
	out := &model.BackupData{SchemaVersion: BackupSchemaVersion}
	var err error
	if out.Identities, err = s.ListIdentities(ctx); err != nil {
		return nil, fmt.Errorf("export identities: %w", err)
	}
	if out.Hosts, err = s.ListHosts(ctx); err != nil {
		return nil, fmt.Errorf("export hosts: %w", err)
	}
	if out.KnownHosts, err = s.ListKnownHosts(ctx); err != nil {
		return nil, fmt.Errorf("export known hosts: %w", err)
	}
	if out.Bindings, err = s.ListBindings(ctx, 0, false); err != nil {
		return nil, fmt.Errorf("export bindings: %w", err)
	}
	var keys []SSHKeyModel
	if err := s.bun.NewSelect().Model(&keys).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("export keys: %w", err)
	}
	for _, k := range keys {
		out.Keys = append(out.Keys, keyModelToModel(k))
	}
	if out.Policies, err = s.ListPolicies(ctx); err != nil {
		return nil, fmt.Errorf("export policies: %w", err)
	}
	return out, nil
}

// ImportDataFromBackup replaces the directory and policy tables with the
// backup content, preserving IDs, in one transaction.
func (s *Store) ImportDataFromBackup(ctx context.Context, data *model.BackupData) error {
	if data == nil {
		return fmt.Errorf("backup data is nil")
	}
	if data.SchemaVersion > BackupSchemaVersion {
		return fmt.Errorf("backup schema version %d is newer than supported %d", data.SchemaVersion, BackupSchemaVersion)
	}
	return s.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Queue rows reference bindings; they are operational state and go too.
		for _, table := range append([]string{"apply_queue", "key_gen_requests"}, reverse(backupTables)...) {
			if _, err := ExecRaw(ctx, tx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for _, id := range data.Identities {
			m := IdentityModel{ID: id.ID, Handle: id.Handle, Email: id.Email, DisplayName: id.DisplayName, Status: string(id.Status), CreatedAt: id.CreatedAt.UTC()}
			if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
				return fmt.Errorf("restore identity %s: %w", id.Handle, err)
			}
		}
		for _, h := range data.Hosts {
			m := HostModel{ID: h.ID, Hostname: h.Hostname, Address: h.Address, OSFamily: h.OSFamily, LastSeenAt: utcPtr(h.LastSeenAt), CreatedAt: h.CreatedAt.UTC()}
			if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
				return fmt.Errorf("restore host %s: %w", h.Hostname, err)
			}
		}
		for _, kh := range data.KnownHosts {
			if _, err := tx.NewInsert().Model(&KnownHostModel{Hostname: kh.Hostname, Key: kh.Key}).Exec(ctx); err != nil {
				return fmt.Errorf("restore known host %s: %w", kh.Hostname, err)
			}
		}
		for _, b := range data.Bindings {
			m := BindingModel{ID: b.ID, IdentityID: b.IdentityID, HostID: b.HostID, RemoteUser: b.RemoteUser, Status: string(b.Status), CreatedAt: b.CreatedAt.UTC()}
			if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
				return fmt.Errorf("restore binding %d: %w", b.ID, err)
			}
		}
		for _, k := range data.Keys {
			m := keyToModel(k)
			if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
				return fmt.Errorf("restore key %s: %w", k.Fingerprint, err)
			}
		}
		for _, p := range data.Policies {
			rules, err := json.Marshal(p.Rules)
			if err != nil {
				return err
			}
			m := PolicyModel{ID: p.ID, Name: p.Name, RulesJSON: string(rules), IsActive: p.IsActive, CreatedBy: p.CreatedBy, CreatedAt: p.CreatedAt.UTC()}
			if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
				return fmt.Errorf("restore policy %d: %w", p.ID, err)
			}
		}
		if s.dbType == "postgres" {
			for _, table := range backupTables {
				if table == "known_hosts" {
					continue
				}
				q := fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), COALESCE(MAX(id), 1)) FROM %[1]s", table)
				if _, err := ExecRaw(ctx, tx, q); err != nil {
					return fmt.Errorf("failed to reset sequence for %s: %w", table, err)
				}
			}
		}
		return nil
	})
}

func reverse(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}
