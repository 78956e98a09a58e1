// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func (a *app) auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := a.store.ListAuditEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(events))
			for _, e := range events {
				meta := ""
				if len(e.Metadata) > 0 {
					if b, err := json.Marshal(e.Metadata); err == nil {
						meta = string(b)
					}
				}
				rows = append(rows, []string{formatTime(e.Timestamp), e.Actor, e.Action, e.Entity, e.EntityID, truncate(meta, 80)})
			}
			printTable(cmd.OutOrStdout(), []string{"TIME", "ACTOR", "ACTION", "ENTITY", "ID", "DETAILS"}, rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}
