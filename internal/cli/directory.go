// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/deploy"
	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
)

// remoteHostKey is replaced in tests.
var remoteHostKey = deploy.GetRemoteHostKey

func (a *app) identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "identity",
		Aliases: []string{"identities"},
		Short:   "Manage identities",
	}

	var email, name string
	add := &cobra.Command{
		Use:   "add <handle>",
		Short: "Add an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := a.store.CreateIdentity(cmd.Context(), model.Identity{
				Handle:      args[0],
				Email:       email,
				DisplayName: name,
				CreatedAt:   a.clock.Now(),
			})
			if err != nil {
				return fmt.Errorf("failed to add identity %s: %w", args[0], err)
			}
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Identity %s added (id %d).", ident.Handle, ident.ID))
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "contact address")
	add.Flags().StringVar(&name, "name", "", "display name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			idents, err := a.store.ListIdentities(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(idents))
			for _, i := range idents {
				rows = append(rows, []string{itoa(i.ID), i.Handle, i.Email, i.DisplayName, string(i.Status)})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "HANDLE", "EMAIL", "NAME", "STATUS"}, rows)
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (a *app) hostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "host",
		Aliases: []string{"hosts"},
		Short:   "Manage hosts",
	}

	var address, osFamily string
	add := &cobra.Command{
		Use:   "add <hostname>",
		Short: "Add a managed host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.store.CreateHost(cmd.Context(), model.Host{
				Hostname:  args[0],
				Address:   address,
				OSFamily:  osFamily,
				CreatedAt: a.clock.Now(),
			})
			if err != nil {
				return fmt.Errorf("failed to add host %s: %w", args[0], err)
			}
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Host %s added (id %d).", h.Hostname, h.ID))
			return nil
		},
	}
	add.Flags().StringVar(&address, "address", "", "host[:port] used to connect (defaults to the hostname)")
	add.Flags().StringVar(&osFamily, "os", "linux", "operating system family")

	list := &cobra.Command{
		Use:   "list",
		Short: "List hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hosts, err := a.store.ListHosts(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(hosts))
			for _, h := range hosts {
				rows = append(rows, []string{itoa(h.ID), h.Hostname, h.Address, h.OSFamily, formatTimePtr(h.LastSeenAt)})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "HOSTNAME", "ADDRESS", "OS", "LAST SEEN"}, rows)
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func (a *app) bindingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "binding",
		Aliases: []string{"bindings"},
		Short:   "Manage bindings between identities and remote accounts",
	}

	var identity, host, user string
	add := &cobra.Command{
		Use:   "add",
		Short: "Bind an identity to a remote account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ident, err := a.resolveIdentity(cmd, identity)
			if err != nil {
				return err
			}
			h, err := a.resolveHost(cmd, host)
			if err != nil {
				return err
			}
			b, err := a.store.CreateBinding(cmd.Context(), model.TargetBinding{
				IdentityID: ident.ID,
				HostID:     h.ID,
				RemoteUser: user,
				CreatedAt:  a.clock.Now(),
			})
			if err != nil {
				return fmt.Errorf("failed to bind %s to %s@%s: %w", ident.Handle, user, h.Hostname, err)
			}
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Binding %d: %s -> %s@%s.", b.ID, ident.Handle, user, h.Hostname))
			return nil
		},
	}
	add.Flags().StringVar(&identity, "identity", "", "identity id or handle")
	add.Flags().StringVar(&host, "host", "", "host id or hostname")
	add.Flags().StringVar(&user, "user", "", "remote account")
	for _, f := range []string{"identity", "host", "user"} {
		_ = add.MarkFlagRequired(f)
	}

	disable := &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a binding",
		Long: `Disables a binding. Its account is no longer deployed to; the
authorized_keys file already on the host is left as it is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.store.SetBindingStatus(cmd.Context(), id, model.BindingDisabled); err != nil {
				return fmt.Errorf("binding %d: %w", id, err)
			}
			printSuccess(cmd.OutOrStdout(), fmt.Sprintf("Binding %d disabled.", id))
			return nil
		},
	}

	var listIdentity string
	list := &cobra.Command{
		Use:   "list",
		Short: "List bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var identityID int64
			if listIdentity != "" {
				ident, err := a.resolveIdentity(cmd, listIdentity)
				if err != nil {
					return err
				}
				identityID = ident.ID
			}
			bindings, err := a.store.ListBindings(cmd.Context(), identityID, false)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(bindings))
			for _, b := range bindings {
				rows = append(rows, []string{itoa(b.ID), itoa(b.IdentityID), itoa(b.HostID), b.RemoteUser, string(b.Status)})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "IDENTITY", "HOST", "USER", "STATUS"}, rows)
			return nil
		},
	}
	list.Flags().StringVar(&listIdentity, "identity", "", "only bindings of this identity")

	cmd.AddCommand(add, disable, list)
	return cmd
}

// trustHostCmd records a host's public key so strict host key checking
// accepts it. Keys are stored under the managed hostname when the host is
// known, otherwise under the host part of the argument.
func (a *app) trustHostCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "trust-host <host>",
		Short: "Add a host's public key to the list of known hosts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, _, err := deploy.ParseHostPort(args[0])
			if err != nil {
				return err
			}
			addr := args[0]
			if h, err := a.store.GetHostByName(ctx, name); err == nil {
				if h.Address != "" {
					addr = h.Address
				}
			} else if !errors.Is(err, db.ErrNotFound) {
				return err
			}

			canonical := deploy.CanonicalizeHostPort(addr)
			fmt.Fprintf(cmd.ErrOrStderr(), "Retrieving host key from %s...\n", canonical)
			key, err := remoteHostKey(canonical, a.cfg.Apply.ConnectTimeout)
			if err != nil {
				return fmt.Errorf("failed to get host key: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Host key for '%s': %s %s\n", name, key.Type(), ssh.FingerprintSHA256(key))

			if !yes {
				if !stdinIsTerminal() {
					return errors.New("refusing to trust a host key without confirmation; pass --yes")
				}
				if ans := promptForConfirmation(cmd, "Trust this key (yes/no)? "); ans != "yes" && ans != "y" {
					fmt.Fprintln(out, "Cancelled.")
					return nil
				}
			}

			line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
			if err := a.store.AddKnownHostKey(ctx, name, line); err != nil {
				return fmt.Errorf("failed to store host key: %w", err)
			}
			logging.With("host", name, "fingerprint", ssh.FingerprintSHA256(key)).Info("host key trusted")
			printSuccess(out, i18n.T("cli.host.trusted", name, ssh.FingerprintSHA256(key)))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "trust the key without asking")
	return cmd
}

func promptForConfirmation(cmd *cobra.Command, prompt string) string {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(answer))
}

// resolveIdentity accepts a numeric id or a handle.
func (a *app) resolveIdentity(cmd *cobra.Command, ref string) (model.Identity, error) {
	if ref == "" {
		return model.Identity{}, errors.New("an identity is required")
	}
	var (
		ident model.Identity
		err   error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		ident, err = a.store.GetIdentity(cmd.Context(), id)
	} else {
		ident, err = a.store.GetIdentityByHandle(cmd.Context(), ref)
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("identity %s: %w", ref, err)
	}
	return ident, nil
}

// resolveHost accepts a numeric id or a hostname.
func (a *app) resolveHost(cmd *cobra.Command, ref string) (model.Host, error) {
	var (
		h   model.Host
		err error
	)
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		h, err = a.store.GetHost(cmd.Context(), id)
	} else {
		h, err = a.store.GetHostByName(cmd.Context(), ref)
	}
	if err != nil {
		return model.Host{}, fmt.Errorf("host %s: %w", ref, err)
	}
	return h, nil
}

func (a *app) audit(cmd *cobra.Command, actor, action, entity, entityID string, meta map[string]any) {
	err := a.store.LogAction(cmd.Context(), model.AuditEvent{
		Timestamp: a.clock.Now(),
		Actor:     actor,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Metadata:  meta,
	})
	if err != nil {
		logging.Warnf("failed to write audit event %s: %v", action, err)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func defaultActor() string {
	for _, env := range []string{"KEYSYNC_ACTOR", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "cli"
}
