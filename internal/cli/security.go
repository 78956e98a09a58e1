// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/toeirei/keysync/internal/i18n"
)

func (a *app) alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "alerts",
		Aliases: []string{"alert"},
		Short:   "Review security alerts",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List unacknowledged alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *bool
			if !all {
				unacked := false
				filter = &unacked
			}
			alerts, err := a.guard.ListAlerts(cmd.Context(), filter)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(alerts))
			for _, al := range alerts {
				acked := "-"
				if al.Acknowledged {
					acked = fmt.Sprintf("%s %s", al.AcknowledgedBy, formatTimePtr(al.AcknowledgedAt))
				}
				rows = append(rows, []string{itoa(al.ID), al.Type, string(al.Severity), al.Description, formatTime(al.CreatedAt), acked})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "TYPE", "SEVERITY", "DESCRIPTION", "CREATED", "ACKNOWLEDGED"}, rows)
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include acknowledged alerts")

	var actor string
	ack := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ok, err := a.guard.AcknowledgeAlert(cmd.Context(), id, actor)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("alert %d does not exist or is already acknowledged", id)
			}
			printSuccess(cmd.OutOrStdout(), i18n.T("cli.alert.acknowledged", id))
			return nil
		},
	}
	ack.Flags().StringVar(&actor, "actor", defaultActor(), "actor recorded on the alert")

	cmd.AddCommand(list, ack)
	return cmd
}

func (a *app) lockoutsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lockouts",
		Short: "List active lockouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			locks, err := a.guard.ListLockouts(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(locks))
			for _, l := range locks {
				rows = append(rows, []string{
					itoa(l.ID), itoa(l.IdentityID), string(l.Type), formatTime(l.LockedUntil),
					strconv.Itoa(l.AttemptCount), l.Reason,
				})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "IDENTITY", "TYPE", "UNTIL", "ATTEMPTS", "REASON"}, rows)
			return nil
		},
	}
}
