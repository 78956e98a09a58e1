// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// package cli implements the keysync command line. Every command shares one
// app value holding the loaded configuration and the services built from
// it; commands write their output to cmd.OutOrStdout().
package cli // import "github.com/toeirei/keysync/internal/cli"

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/keysync/internal/clock"
	"github.com/toeirei/keysync/internal/config"
	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/deploy"
	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/keys"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/policy"
	"github.com/toeirei/keysync/internal/queue"
	"github.com/toeirei/keysync/internal/security"
)

// Set through -ldflags "-X github.com/toeirei/keysync/internal/cli.version=..."
var (
	version   = "dev"
	gitCommit = "dev"
	buildDate = "unknown"
)

type app struct {
	cfgFile string
	verbose bool

	cfg    config.Config
	clock  clock.Clock
	store  *db.Store
	policy *policy.Store
	guard  *security.Guard
	queue  *queue.Queue
	keys   *keys.Service

	// dialer replaces the SSH transport when set.
	dialer deploy.Dialer
}

// Execute runs the root command with the process arguments.
func Execute() error {
	a := &app{}
	defer a.close()
	return newRootCmd(a).Execute()
}

// NewRootCmd returns a fresh command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "keysync",
		Short: "Synchronizes SSH public keys into authorized_keys files across a fleet",
		Long: `keysync keeps the authorized_keys files of managed accounts in line with
the keys stored in its database. Key changes are validated against the
active policy, rate limited, queued and pushed over SSH by background
workers.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.Version = versionString()
	root.SetVersionTemplate("{{.Version}}\n")

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./keysync.yaml, the user config dir or /etc/keysync)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().String("language", "", "language for messages (en, de)")

	root.AddCommand(
		a.serveCmd(),
		a.workerCmd(),
		a.enqueueCmd(),
		a.queueCmd(),
		a.deploymentsCmd(),
		a.renderCmd(),
		a.policyCmd(),
		a.alertsCmd(),
		a.lockoutsCmd(),
		a.identityCmd(),
		a.hostCmd(),
		a.bindingCmd(),
		a.trustHostCmd(),
		a.keyCmd(),
		a.auditCmd(),
		a.backupCmd(),
		a.restoreCmd(),
		a.dbCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

// setup loads the configuration and builds the services. It runs before
// every command that does not override it.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := a.loadConfig(cmd); err != nil {
		return err
	}
	if a.store != nil {
		return nil
	}

	store, err := db.NewStoreFromDSN(a.cfg.Database.Type, a.cfg.Database.Dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", a.cfg.Database.Type, err)
	}
	a.store = store
	a.clock = clock.OrSystem(a.clock)
	a.policy = policy.New(store, a.clock)
	a.guard = security.NewGuard(store, a.securityConfig(), a.clock)
	a.queue = queue.New(store, queue.RetryPolicy{MaxRetries: a.cfg.Worker.MaxRetries, BaseDelay: a.cfg.Worker.RetryDelay}, a.clock)
	a.keys = keys.New(store, a.policy, a.guard, a.queue, keys.Config{
		EncryptionKey: security.FromString(a.cfg.Sysgen.EncryptionKey),
		DownloadTTL:   a.cfg.Sysgen.DownloadTTL,
	}, a.clock)
	return nil
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig[config.Config](cmd, config.Defaults(), &a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	if err := logging.Configure(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}
	if a.verbose {
		logging.SetDebug(true)
		db.SetDebug(true)
	}
	i18n.Init(cfg.Language)
	return nil
}

func (a *app) securityConfig() security.Config {
	cfg := security.Config{Retention: a.cfg.Retention.Security}
	if len(a.cfg.Security.Quotas) > 0 {
		cfg.Quotas = make(map[model.OperationKind]int, len(a.cfg.Security.Quotas))
		for kind, n := range a.cfg.Security.Quotas {
			cfg.Quotas[model.OperationKind(kind)] = n
		}
	}
	if len(a.cfg.Security.Lockouts) > 0 {
		cfg.Lockouts = make(map[model.LockoutType]time.Duration, len(a.cfg.Security.Lockouts))
		for typ, d := range a.cfg.Security.Lockouts {
			cfg.Lockouts[model.LockoutType(typ)] = d
		}
	}
	return cfg
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		logging.Warnf("failed to close database: %v", err)
	}
	a.store = nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// No configuration or database is needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	v, commit, date := resolveBuildVersion(nil)
	return fmt.Sprintf("keysync %s (commit %s, built %s)", v, commit, date)
}

// resolveBuildVersion prefers ldflags values and falls back to the module
// and VCS data embedded by the Go toolchain. info is read from the running
// binary when nil.
func resolveBuildVersion(info *debug.BuildInfo) (versionOut, commitOut, dateOut string) {
	versionOut, commitOut, dateOut = version, gitCommit, buildDate
	if info == nil {
		var ok bool
		if info, ok = debug.ReadBuildInfo(); !ok {
			return versionOut, commitOut, dateOut
		}
	}

	if versionOut == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		versionOut = info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if commitOut == "dev" {
				commitOut = s.Value
			}
		case "vcs.time":
			if dateOut == "unknown" {
				dateOut = s.Value
			}
		}
	}
	if versionOut == "dev" && commitOut != "dev" {
		versionOut = commitOut
	}
	return versionOut, commitOut, dateOut
}
