// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/toeirei/keysync/internal/clock"
	"github.com/toeirei/keysync/internal/db"
	"github.com/toeirei/keysync/internal/logging"
	"github.com/toeirei/keysync/internal/metrics"
	"github.com/toeirei/keysync/internal/model"
	"github.com/toeirei/keysync/internal/queue"
	"github.com/toeirei/keysync/internal/security"
)

// RemoteDeployer is an open session that can replace credential files.
// *Deployer implements it; tests use an in-memory fake.
type RemoteDeployer interface {
	DeployAuthorizedKeys(remoteUser, content string) error
	GetAuthorizedKeys(remoteUser string) ([]byte, error)
	Close()
}

// Dialer opens a RemoteDeployer for a host.
type Dialer interface {
	Dial(ctx context.Context, host model.Host) (RemoteDeployer, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host model.Host) (RemoteDeployer, error)

func (f DialerFunc) Dial(ctx context.Context, host model.Host) (RemoteDeployer, error) {
	return f(ctx, host)
}

// SSHDialer connects as the configured service account.
type SSHDialer struct {
	User       string
	PrivateKey security.Secret
	Passphrase security.Secret
	Connection ConnectionConfig
	HostKeys   HostKeyPolicy
	Store      HostKeyStore
}

// Dial connects to host.Address (or host.Hostname when no address is set).
// Host keys are tracked under host.Hostname.
func (d *SSHDialer) Dial(ctx context.Context, host model.Host) (RemoteDeployer, error) {
	cb, err := NewHostKeyCallback(ctx, d.Store, d.HostKeys, host.Hostname)
	if err != nil {
		return nil, &Failure{Category: CategoryHostKey, Msg: "host key verification failed for " + host.Hostname, Err: err}
	}
	addr := host.Address
	if addr == "" {
		addr = host.Hostname
	}
	var dep *Deployer
	err = d.PrivateKey.Use(func(key []byte) error {
		var dialErr error
		dep, dialErr = NewDeployerFunc(addr, d.User, string(key), d.Passphrase.Bytes(), d.Connection, cb)
		return dialErr
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

// Store is the persistence the Executor needs.
type Store interface {
	GetBindingTarget(ctx context.Context, id int64) (model.BindingTarget, error)
	ActiveKeys(ctx context.Context, identityID int64) ([]model.SSHKey, error)
	CreateDeployment(ctx context.Context, d model.Deployment) (model.Deployment, error)
	FinishDeployment(ctx context.Context, id int64, status model.DeploymentStatus, errText string, at time.Time) error
	StampLastApplied(ctx context.Context, identityID int64, at time.Time) error
	TouchHost(ctx context.Context, id int64, at time.Time) error
}

// Outcome is the coarse result of an execution.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Result describes one execution. Category is CategoryNone on success.
type Result struct {
	Outcome    Outcome
	Category   Category
	Err        error
	Deployment model.Deployment
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailure, Category: CategoryOf(err), Err: err}
}

// Executor renders and pushes the credential file of one binding.
type Executor struct {
	store         Store
	dialer        Dialer
	globalOptions []string
	clock         clock.Clock
}

// NewExecutor creates an Executor. globalOptions are appended to every
// key line after the key's own options.
func NewExecutor(store Store, dialer Dialer, globalOptions []string, clk clock.Clock) *Executor {
	return &Executor{store: store, dialer: dialer, globalOptions: globalOptions, clock: clock.OrSystem(clk)}
}

// RenderBinding renders the current credential file of a binding. A
// disabled identity renders an empty file, which removes its access.
func (e *Executor) RenderBinding(ctx context.Context, target model.BindingTarget) (Rendered, error) {
	if target.Identity.Status != model.IdentityActive {
		return Render(nil, e.globalOptions), nil
	}
	keys, err := e.store.ActiveKeys(ctx, target.Binding.IdentityID)
	if err != nil {
		return Rendered{}, fmt.Errorf("failed to load keys for identity %d: %w", target.Binding.IdentityID, err)
	}
	return Render(keys, e.globalOptions), nil
}

// Execute performs the deployment for a claimed queue entry. Every attempt
// that reaches the remote step is recorded as a Deployment, whatever its
// outcome. The content is pushed even when it is unchanged since the last
// deployment. Cancelling ctx stops an attempt before it connects; once the
// push has started the Deployment is always finalized.
func (e *Executor) Execute(ctx context.Context, entry model.ApplyQueueEntry) Result {
	// Store updates use store, which is never cancelled, so a claimed entry
	// is always recorded. Only the push observes ctx.
	store := context.WithoutCancel(ctx)
	target, err := e.store.GetBindingTarget(store, entry.BindingID)
	if errors.Is(err, db.ErrNotFound) {
		return failed(&Failure{Category: CategoryFatal, Msg: fmt.Sprintf("binding %d no longer exists", entry.BindingID), Err: queue.ErrBindingInactive})
	}
	if err != nil {
		return failed(fmt.Errorf("failed to load binding %d: %w", entry.BindingID, err))
	}
	if target.Binding.Status != model.BindingActive {
		return failed(&Failure{Category: CategoryFatal, Msg: fmt.Sprintf("binding %d (%s) is disabled", entry.BindingID, target), Err: queue.ErrBindingInactive})
	}

	rendered, err := e.RenderBinding(store, target)
	if err != nil {
		return failed(err)
	}

	dep, err := e.store.CreateDeployment(store, model.Deployment{
		HostID:     target.Host.ID,
		BindingID:  target.Binding.ID,
		Checksum:   rendered.Checksum,
		KeyCount:   rendered.KeyCount,
		Status:     model.DeploymentRunning,
		StartedAt:  e.clock.Now(),
		RetryCount: entry.RetryCount,
	})
	if err != nil {
		return failed(fmt.Errorf("failed to record deployment: %w", err))
	}

	started := time.Now()
	pushErr := e.push(ctx, target, rendered.Content)
	metrics.DeploymentDuration.Observe(time.Since(started).Seconds())

	now := e.clock.Now()
	status, errText := model.DeploymentSuccess, ""
	if pushErr != nil {
		status, errText = model.DeploymentFailed, pushErr.Error()
	}
	if err := e.store.FinishDeployment(store, dep.ID, status, errText, now); err != nil {
		logging.Errorf("failed to finish deployment %d: %v", dep.ID, err)
	}
	metrics.DeploymentsTotal.WithLabelValues(string(status)).Inc()
	dep.Status, dep.Error, dep.FinishedAt = status, errText, &now

	if pushErr != nil {
		res := failed(pushErr)
		res.Deployment = dep
		return res
	}

	if err := e.store.TouchHost(store, target.Host.ID, now); err != nil {
		logging.Warnf("failed to update last_seen_at of host %s: %v", target.Host.Hostname, err)
	}
	if target.Identity.Status == model.IdentityActive {
		if err := e.store.StampLastApplied(store, target.Binding.IdentityID, now); err != nil {
			logging.Warnf("failed to stamp keys of identity %d: %v", target.Binding.IdentityID, err)
		}
	}
	logging.Infof("deployed %d keys to %s (checksum %s)", rendered.KeyCount, target, rendered.Checksum[:12])
	return Result{Outcome: OutcomeSuccess, Deployment: dep}
}

func (e *Executor) push(ctx context.Context, target model.BindingTarget, content string) error {
	if err := ctx.Err(); err != nil {
		return &Failure{Category: CategoryTransient, Msg: "deployment cancelled", Err: err}
	}
	remote, err := e.dialer.Dial(ctx, target.Host)
	if err != nil {
		return err
	}
	defer remote.Close()
	if err := remote.DeployAuthorizedKeys(target.Binding.RemoteUser, content); err != nil {
		return &Failure{Category: CategoryTransient, Msg: "failed to write credential file to " + target.String(), Err: err}
	}
	return nil
}
