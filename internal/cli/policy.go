// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/policy"
)

func (a *app) policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show, change and test the key admission policy",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active rule set as yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.policy.CurrentPolicy(ctx)
			if err != nil {
				return err
			}
			rules, err := a.policy.CurrentRules(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if p == nil {
				fmt.Fprintln(out, "# built-in default policy")
			} else {
				fmt.Fprintf(out, "# policy %q (id %d) activated by %s at %s\n", p.Name, p.ID, p.CreatedBy, formatTime(p.CreatedAt))
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(rules); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	var file, name, actor string
	set := &cobra.Command{
		Use:   "set",
		Short: "Activate a new policy from a yaml rules file",
		Long: `Reads a rule set from yaml and activates it as a new policy version.
Omitted fields take their default values. The previous policy stays in
the history but is no longer active.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read rules: %w", err)
			}
			rules, err := policy.ParseRulesYAML(data)
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			}
			p, err := a.policy.Activate(cmd.Context(), name, rules, actor)
			if err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), i18n.T("cli.policy.activated", p.Name, p.ID))
			return nil
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "yaml rules file")
	set.Flags().StringVar(&name, "name", "", "policy name (defaults to the file name)")
	set.Flags().StringVar(&actor, "actor", defaultActor(), "actor recorded in the audit log")
	_ = set.MarkFlagRequired("file")

	var (
		cand     policy.Candidate
		identity string
	)
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check whether a key would be admitted by the active policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cand
			if identity != "" {
				ident, err := a.resolveIdentity(cmd, identity)
				if err != nil {
					return err
				}
				c.IdentityID = &ident.ID
			}
			violations, err := a.policy.Validate(cmd.Context(), c)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(violations) == 0 {
				printSuccess(out, i18n.T("cli.policy.valid"))
				return nil
			}
			printError(out, i18n.T("cli.policy.invalid"))
			rows := make([][]string, 0, len(violations))
			for _, v := range violations {
				rows = append(rows, []string{v.Rule, v.Message})
			}
			printTable(out, []string{"RULE", "MESSAGE"}, rows)
			return &policy.ViolationError{Violations: violations}
		},
	}
	validate.Flags().StringVar(&cand.Algorithm, "alg", "", "key algorithm, e.g. ssh-ed25519")
	validate.Flags().IntVar(&cand.BitLength, "bits", 0, "key length in bits")
	validate.Flags().StringVar(&cand.Comment, "comment", "", "key comment")
	validate.Flags().StringVar(&cand.Options, "options", "", "authorized_keys options")
	validate.Flags().StringVar(&identity, "identity", "", "identity whose key count is checked")
	_ = validate.MarkFlagRequired("alg")

	history := &cobra.Command{
		Use:   "history",
		Short: "List every stored policy version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := a.store.ListPolicies(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(ps))
			for _, p := range ps {
				active := ""
				if p.IsActive {
					active = "*"
				}
				rows = append(rows, []string{itoa(p.ID), p.Name, active, p.CreatedBy, formatTime(p.CreatedAt)})
			}
			printTable(cmd.OutOrStdout(), []string{"ID", "NAME", "ACTIVE", "CREATED BY", "CREATED"}, rows)
			return nil
		},
	}

	cmd.AddCommand(show, set, validate, history)
	return cmd
}
