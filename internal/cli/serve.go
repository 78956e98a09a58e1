// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/toeirei/keysync/internal/config"
	"github.com/toeirei/keysync/internal/deploy"
	"github.com/toeirei/keysync/internal/i18n"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/metrics"
	"github.com/toeirei/keysync/internal/notify"
	"github.com/toeirei/keysync/internal/security"
	"github.com/toeirei/keysync/internal/worker"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the apply worker, notification dispatcher and maintenance sweeper",
		Long: `Runs every background loop in one process and serves /metrics and
/healthz on the configured metrics address until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			exec, err := a.newExecutor(cmd)
			if err != nil {
				return err
			}
			loops := []func(context.Context){
				worker.NewApplyWorker(a.queue, exec, a.cfg.Worker.ApplyInterval).Start,
				a.newDispatcher().Start,
				a.newSweeper().Start,
				metrics.NewCollector(a.store, 0).Start,
			}
			var wg sync.WaitGroup
			for _, run := range loops {
				wg.Add(1)
				go func(run func(context.Context)) {
					defer wg.Done()
					run(ctx)
				}(run)
			}

			errCh := make(chan error, 1)
			var srv *http.Server
			if addr := a.cfg.Metrics.Addr; addr != "" {
				srv = &http.Server{Addr: addr, Handler: newRouter(a.store), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					logging.Infof("serving metrics on %s", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						errCh <- err
					}
				}()
			}

			select {
			case <-ctx.Done():
			case err = <-errCh:
				err = fmt.Errorf("metrics server failed: %w", err)
			}
			stop()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if serr := srv.Shutdown(shutdownCtx); serr != nil {
					logging.Warnf("metrics server shutdown: %v", serr)
				}
			}
			wg.Wait()
			return err
		},
	}
	return cmd
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newRouter(p pinger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := p.Ping(req.Context()); err != nil {
			logging.Warnf("health check failed: %v", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}

func (a *app) workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single background loop",
	}
	var once bool
	cmd.PersistentFlags().BoolVar(&once, "once", false, "process what is due now and exit")

	apply := &cobra.Command{
		Use:   "apply",
		Short: "Deploy queued credential files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exec, err := a.newExecutor(cmd)
			if err != nil {
				return err
			}
			w := worker.NewApplyWorker(a.queue, exec, a.cfg.Worker.ApplyInterval)
			if !once {
				return runUntilSignal(cmd, w.Start)
			}
			n := 0
			for {
				processed, err := w.Tick(cmd.Context())
				if err != nil {
					return err
				}
				if !processed {
					break
				}
				n++
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.worker.processed", n))
			return nil
		},
	}

	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Deliver due notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := a.newDispatcher()
			if !once {
				return runUntilSignal(cmd, d.Start)
			}
			sent, failed, err := d.Tick(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("cli.worker.processed", sent+failed))
			return err
		},
	}

	maintain := &cobra.Command{
		Use:   "maintain",
		Short: "Expire keys, queue reminders, purge old records and scan for anomalies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := a.newSweeper()
			if !once {
				return runUntilSignal(cmd, s.Start)
			}
			st, err := s.Sweep(cmd.Context())
			printTable(cmd.OutOrStdout(), []string{"STEP", "COUNT"}, [][]string{
				{"keys expired", itoa(st.KeysExpired)},
				{"entries enqueued", itoa(int64(st.EntriesEnqueued))},
				{"reminders queued", itoa(int64(st.RemindersQueued))},
				{"queue entries deleted", itoa(st.QueueEntriesDeleted)},
				{"generation requests deleted", itoa(st.GenRequestsDeleted)},
				{"alerts raised", itoa(int64(st.AlertsRaised))},
				{"alerts notified", itoa(int64(st.AlertsNotified))},
				{"rate windows deleted", itoa(st.Security.RateWindowsDeleted)},
			})
			return err
		},
	}

	cmd.AddCommand(apply, notifyCmd, maintain)
	return cmd
}

func runUntilSignal(cmd *cobra.Command, start func(context.Context)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	start(ctx)
	return nil
}

func (a *app) newDispatcher() *worker.Dispatcher {
	return worker.NewDispatcher(a.store, notify.LogSender{}, a.cfg.Worker.NotifyInterval, a.clock)
}

func (a *app) newSweeper() *worker.Sweeper {
	ret := worker.Retention{Queue: a.cfg.Retention.Queue, GenRequest: a.cfg.Retention.GenRequest}
	return worker.NewSweeper(a.store, a.policy, a.queue, a.guard, ret, a.cfg.Worker.MaintenanceInterval, a.clock)
}

// newExecutor builds the deployment executor with the configured SSH
// identity. A missing key file leaves only the SSH agent for
// authentication.
func (a *app) newExecutor(cmd *cobra.Command) (*deploy.Executor, error) {
	if a.dialer != nil {
		return deploy.NewExecutor(a.store, a.dialer, a.cfg.Apply.GlobalOptions, a.clock), nil
	}
	key, passphrase, err := readSystemKey(cmd, config.ExpandHome(a.cfg.Apply.SSHKeyPath))
	if err != nil {
		return nil, err
	}
	dialer := &deploy.SSHDialer{
		User:       a.cfg.Apply.SSHUser,
		PrivateKey: key,
		Passphrase: passphrase,
		Connection: deploy.ConnectionConfig{ConnectionTimeout: a.cfg.Apply.ConnectTimeout},
		HostKeys: deploy.HostKeyPolicy{
			Strict:         a.cfg.Apply.StrictHostKeyCheck,
			KnownHostsFile: config.ExpandHome(a.cfg.Apply.KnownHostsFile),
		},
		Store: a.store,
	}
	return deploy.NewExecutor(a.store, dialer, a.cfg.Apply.GlobalOptions, a.clock), nil
}

// readSystemKey loads the private key used for deployments and asks for
// its passphrase on the terminal when it is encrypted.
func readSystemKey(cmd *cobra.Command, path string) (key, passphrase security.Secret, err error) {
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Warnf("ssh key %s not found, falling back to the ssh agent", path)
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	key = security.FromBytes(data)
	clear(data)

	err = key.Use(func(b []byte) error {
		_, perr := ssh.ParseRawPrivateKey(b)
		return perr
	})
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return key, nil, nil
	}
	if !stdinIsTerminal() {
		return nil, nil, fmt.Errorf("ssh key %s is encrypted and no terminal is available for the passphrase", path)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Passphrase for %s: ", path)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase = security.FromBytes(pw)
	clear(pw)
	return key, passphrase, nil
}
