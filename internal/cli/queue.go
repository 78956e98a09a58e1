// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/deploy"
	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/model"
)

func (a *app) enqueueCmd() *cobra.Command {
	var (
		identity string
		all      bool
		priority int
		actor    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue credential file deployments",
		Long: `Queues a deployment for every active binding of one identity, or of
every identity with --all. Bindings that already have an open entry are
skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if all == (identity != "") {
				return errors.New("exactly one of --identity or --all is required")
			}
			var n int
			if all {
				var err error
				if n, err = a.queue.EnqueueAll(ctx, priority, actor); err != nil {
					return err
				}
			} else {
				ident, err := a.resolveIdentity(cmd, identity)
				if err != nil {
					return err
				}
				if err := a.guard.Admit(ctx, ident.ID, model.OpApply); err != nil {
					return err
				}
				if n, err = a.queue.EnqueueForIdentity(ctx, ident.ID, priority); err != nil {
					return err
				}
				if err := a.guard.RecordOperation(ctx, ident.ID, model.OpApply); err != nil {
					return err
				}
				a.audit(cmd, actor, "queue.enqueue", "identity", itoa(ident.ID), map[string]any{"entries": n, "priority": priority})
			}
			printSuccess(cmd.OutOrStdout(), i18n.T("cli.enqueued", n))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "identity id or handle")
	cmd.Flags().BoolVar(&all, "all", false, "enqueue every active binding")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority (higher runs first)")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "actor recorded in the audit log")
	return cmd
}

func (a *app) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the apply queue",
	}

	var (
		status  string
		binding int64
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.queue.List(cmd.Context(), db.QueueFilter{Status: model.QueueStatus(status), BindingID: binding, Limit: limit})
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					itoa(e.ID), itoa(e.BindingID), strconv.Itoa(e.Priority), string(e.Status),
					strconv.Itoa(e.RetryCount), formatTime(e.ScheduledAt), formatTimePtr(e.FinishedAt), truncate(e.Error, 60),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "BINDING", "PRIORITY", "STATUS", "RETRIES", "SCHEDULED", "FINISHED", "ERROR"}, rows)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "only entries in this status")
	list.Flags().Int64Var(&binding, "binding", 0, "only entries of this binding")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	var actor string
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ok, err := a.queue.Cancel(cmd.Context(), id, actor)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.not_cancelled", id))
				return nil
			}
			printSuccess(cmd.OutOrStdout(), i18n.T("cli.cancelled", id))
			return nil
		},
	}
	cancel.Flags().StringVar(&actor, "actor", defaultActor(), "actor recorded in the audit log")

	cmd.AddCommand(list, cancel)
	return cmd
}

func (a *app) deploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "Show deployment history",
	}
	var (
		binding int64
		limit   int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := a.store.ListDeployments(cmd.Context(), binding, limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(deps))
			for _, d := range deps {
				rows = append(rows, []string{
					itoa(d.ID), itoa(d.BindingID), itoa(d.HostID), string(d.Status), strconv.Itoa(d.KeyCount),
					truncate(d.Checksum, 12), formatTime(d.StartedAt), formatTimePtr(d.FinishedAt), truncate(d.Error, 60),
				})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "BINDING", "HOST", "STATUS", "KEYS", "CHECKSUM", "STARTED", "FINISHED", "ERROR"}, rows)
			return nil
		},
	}
	list.Flags().Int64Var(&binding, "binding", 0, "only deployments of this binding")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of deployments")
	cmd.AddCommand(list)
	return cmd
}

// renderCmd prints the credential file a binding would receive without
// connecting to the host.
func (a *app) renderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render <binding-id>",
		Short: "Show the authorized_keys content that would be deployed to a binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := a.store.GetBindingTarget(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("binding %d: %w", id, err)
			}
			exec := deploy.NewExecutor(a.store, nil, a.cfg.Apply.GlobalOptions, a.clock)
			r, err := exec.RenderBinding(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "# %s: %d keys, sha256 %s\n", target, r.KeyCount, r.Checksum)
			fmt.Fprint(cmd.OutOrStdout(), r.Content)
			return nil
		},
	}
}
