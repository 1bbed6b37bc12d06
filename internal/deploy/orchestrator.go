// Package deploy drives the release lifecycle across an environment's hosts.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/ledger"
	"github.com/Kami/django-deployment-script/internal/lock"
	"github.com/Kami/django-deployment-script/internal/metrics"
	"github.com/Kami/django-deployment-script/internal/notify"
	"github.com/Kami/django-deployment-script/internal/release"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/serverctl"
	"github.com/Kami/django-deployment-script/internal/shell"
	"github.com/Kami/django-deployment-script/internal/site"
	"github.com/Kami/django-deployment-script/internal/transfer"
	"github.com/Kami/django-deployment-script/pkg/config"
)

const (
	defaultLockTTL = 30 * time.Minute
	releaseTimeout = 10 * time.Second
)

// ServerFactory builds the reload strategy for a connected host.
type ServerFactory func(ctx context.Context, ex remote.Executor) (serverctl.Strategy, error)

// CommandServers reloads through privileged remote commands.
func CommandServers(argv map[serverctl.Kind][]string) ServerFactory {
	return func(_ context.Context, ex remote.Executor) (serverctl.Strategy, error) {
		return serverctl.NewCommandStrategy(ex, argv)
	}
}

// DockerServers reloads by signalling containers through api.
func DockerServers(api serverctl.ContainerKiller, containers map[serverctl.Kind]string) ServerFactory {
	return func(context.Context, remote.Executor) (serverctl.Strategy, error) {
		return serverctl.NewDockerStrategy(api, containers)
	}
}

// Dependencies are the collaborators of an Orchestrator. Only Dialer is
// required; Transfer is required by Deploy.
type Dependencies struct {
	Dialer   remote.Dialer
	Transfer *transfer.Transfer
	Servers  ServerFactory
	Locker   lock.Locker
	LockTTL  time.Duration
	Ledger   ledger.Recorder
	Metrics  *metrics.Metrics
	// PushURL sends metrics to a Pushgateway after every run when set.
	PushURL  string
	PushJob  string
	Notifier notify.Sender
	Logger   *slog.Logger
	Now      func() time.Time
}

// Orchestrator runs operations against one selected environment.
type Orchestrator struct {
	project config.Project
	env     config.Environment
	ref     string
	deps    Dependencies
	ids     *release.Generator
	log     *slog.Logger
}

// New returns an orchestrator for env. ref is the source revision exported
// by Deploy.
func New(project config.Project, env config.Environment, ref string, deps Dependencies) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Servers == nil {
		deps.Servers = CommandServers(serverctl.DefaultCommands())
	}
	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = defaultLockTTL
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.PushJob == "" {
		deps.PushJob = "djdeploy"
	}
	if env.Parallel <= 0 {
		env.Parallel = 1
	}
	return &Orchestrator{
		project: project,
		env:     env,
		ref:     ref,
		deps:    deps,
		ids:     release.NewGenerator(deps.Now),
		log:     deps.Logger.With("environment", env.Name, "project", project.Name),
	}
}

// checkEnvironment verifies the run-scoped values every operation needs.
func (o *Orchestrator) checkEnvironment(op Operation, extra ...string) error {
	var missing []string
	if o.env.Name == "" {
		missing = append(missing, "environment")
	}
	if len(o.env.Hosts) == 0 {
		missing = append(missing, "hosts")
	}
	if o.env.Path == "" {
		missing = append(missing, "path")
	}
	if o.deps.Dialer == nil {
		missing = append(missing, "dialer")
	}
	missing = append(missing, extra...)
	if len(missing) > 0 {
		return deployerr.Precondition(string(op), missing...)
	}
	return nil
}

func (o *Orchestrator) requireProject() []string {
	var missing []string
	if o.project.Name == "" {
		missing = append(missing, "project name")
	}
	if o.project.Domain == "" {
		missing = append(missing, "project domain")
	}
	return missing
}

// run carries one invocation's identity across hosts.
type run struct {
	id      string
	op      Operation
	release string
	started time.Time
	log     *slog.Logger
}

func (o *Orchestrator) newRun(op Operation, releaseID string) *run {
	id := uuid.NewString()
	return &run{
		id:      id,
		op:      op,
		release: releaseID,
		started: o.deps.Now(),
		log:     o.log.With("run_id", id, "operation", string(op)),
	}
}

// acquire takes the environment lock for mutating operations.
func (o *Orchestrator) acquire(ctx context.Context, r *run) (func(), error) {
	key := lock.Key(o.project.Name, o.env.Name)
	lease, err := o.deps.Locker.Acquire(ctx, key, r.id, o.deps.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := lease.Release(ctx); err != nil {
			r.log.Warn("release deploy lock", "key", key, "error", err)
		}
	}, nil
}

// hostStep is one host's share of an operation.
type hostStep func(ctx context.Context, h *hostRun) error

// forEachHost runs step on every host, at most env.Parallel at a time. A
// failing host does not stop the others.
func (o *Orchestrator) forEachHost(ctx context.Context, r *run, step hostStep) *Result {
	res := &Result{
		RunID:     r.id,
		Operation: r.op,
		Release:   r.release,
		Hosts:     make([]HostResult, len(o.env.Hosts)),
		StartedAt: r.started,
	}

	var g errgroup.Group
	g.SetLimit(o.env.Parallel)
	for i, host := range o.env.Hosts {
		i := i
		res.Hosts[i] = HostResult{Host: host, Release: r.release, State: StateInit}
		g.Go(func() error {
			o.runHost(ctx, r, &res.Hosts[i], step)
			return nil
		})
	}
	_ = g.Wait()

	res.FinishedAt = o.deps.Now()
	o.finish(ctx, r, res)
	return res
}

func (o *Orchestrator) runHost(ctx context.Context, r *run, out *HostResult, step hostStep) {
	started := o.deps.Now()
	log := r.log.With("host", out.Host)
	if r.release != "" {
		log = log.With("release", r.release)
	}
	h := &hostRun{o: o, run: r, result: out, log: log, stageStart: started}

	err := o.dialAndRun(ctx, h, step)
	out.Duration = o.deps.Now().Sub(started)
	if err != nil {
		out.Err = deployerr.WithHost(err, out.Host)
		log.Error("host failed", "state", out.State, "kind", deployerr.KindOf(out.Err), "error", out.Err)
	} else {
		log.Info("host finished", "state", out.State, "duration", out.Duration)
	}
	o.recordHost(ctx, r, out, started)
}

func (o *Orchestrator) dialAndRun(ctx context.Context, h *hostRun, step hostStep) error {
	ex, err := o.deps.Dialer.Dial(ctx, h.result.Host)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ex.Close(); cerr != nil {
			h.log.Debug("close connection", "error", cerr)
		}
	}()
	h.ex = ex
	h.store = release.NewStore(ex, o.env.Path, release.Userland(o.env.Userland), h.run.log)
	h.site = site.NewInstaller(ex, h.store, o.env.SiteConfig(o.project), o.env.DatabaseVars(), h.run.log)
	return step(ctx, h)
}

// finish records run-level metrics and pushes them when configured.
func (o *Orchestrator) finish(ctx context.Context, r *run, res *Result) {
	outcome := "success"
	if err := res.Err(); err != nil {
		outcome = "failure"
	}
	o.deps.Metrics.RecordRun(string(r.op), outcome, res.FinishedAt)
	if o.deps.PushURL != "" && o.deps.Metrics != nil {
		grouping := map[string]string{"environment": o.env.Name, "project": o.project.Name}
		if err := o.deps.Metrics.Push(ctx, o.deps.PushURL, o.deps.PushJob, grouping); err != nil {
			r.log.Warn("push metrics", "url", o.deps.PushURL, "error", err)
		}
	}
	r.log.Info("run finished", "outcome", outcome, "hosts", len(res.Hosts), "failed", len(res.Failed()))
}

func (o *Orchestrator) recordHost(ctx context.Context, r *run, out *HostResult, started time.Time) {
	outcome := "success"
	status := ledger.StatusSucceeded
	entry := ledger.Entry{
		RunID:       r.id,
		Project:     o.project.Name,
		Environment: o.env.Name,
		Operation:   string(r.op),
		Host:        out.Host,
		Release:     out.Release,
		Stage:       string(out.State),
		StartedAt:   started,
		FinishedAt:  started.Add(out.Duration),
	}
	if out.Err != nil {
		outcome = "failure"
		status = ledger.StatusFailed
		entry.ErrorKind = string(deployerr.KindOf(out.Err))
		entry.Error = out.Err.Error()
	}
	entry.Status = status
	o.deps.Metrics.RecordHost(string(r.op), out.Host, outcome)

	// The run has already happened; bookkeeping must not be cut short by a
	// cancelled context.
	bg := context.WithoutCancel(ctx)
	if err := o.deps.Ledger.Record(bg, entry); err != nil {
		r.log.Warn("record ledger entry", "host", out.Host, "error", err)
	}
	o.deps.Notifier.Notify(bg, notify.Event{
		RunID:       r.id,
		Project:     o.project.Name,
		Environment: o.env.Name,
		Operation:   string(r.op),
		Host:        out.Host,
		Release:     out.Release,
		Status:      status,
		Stage:       string(out.State),
		Error:       entry.Error,
		ErrorKind:   entry.ErrorKind,
		Timestamp:   entry.FinishedAt,
	})
}

// hostRun is the per-host view of a run.
type hostRun struct {
	o          *Orchestrator
	run        *run
	result     *HostResult
	ex         remote.Executor
	store      *release.Store
	site       *site.Installer
	log        *slog.Logger
	stageStart time.Time
}

// advance records that the host reached state.
func (h *hostRun) advance(ctx context.Context, state State) {
	now := h.o.deps.Now()
	h.o.deps.Metrics.ObserveStage(string(h.run.op), string(state), now.Sub(h.stageStart))
	h.stageStart = now
	h.result.State = state
	h.log.Info("stage reached", "stage", state)
	h.o.deps.Notifier.Notify(ctx, notify.Event{
		RunID:       h.run.id,
		Project:     h.o.project.Name,
		Environment: h.o.env.Name,
		Operation:   string(h.run.op),
		Host:        h.result.Host,
		Release:     h.result.Release,
		Status:      "running",
		Stage:       string(state),
		Timestamp:   now,
	})
}

// reload reloads both servers on the host.
func (h *hostRun) reload(ctx context.Context) error {
	ctl, err := h.control(ctx)
	if err != nil {
		return err
	}
	return ctl.ReloadAll(ctx)
}

func (h *hostRun) control(ctx context.Context) (*serverctl.Control, error) {
	strategy, err := h.o.deps.Servers(ctx, h.ex)
	if err != nil {
		return nil, deployerr.Reclassify(err, deployerr.KindServerReload, "reload strategy")
	}
	return serverctl.New(h.result.Host, strategy, h.o.log), nil
}

func (h *hostRun) runHook(ctx context.Context, name string, hook shell.Hook, vars map[string]string) error {
	cmd, ok := hook.Build(vars)
	if !ok {
		h.log.Debug("hook not configured", "hook", name)
		return nil
	}
	h.log.Debug("running hook", "hook", name, "command", cmd.Redacted())
	if _, err := remote.RunAs(ctx, h.ex, cmd, hook.Privileged); err != nil {
		return deployerr.WithHost(err, h.result.Host)
	}
	return nil
}

// IsLocked reports whether err means another run holds the environment.
func IsLocked(err error) bool {
	return errors.Is(err, lock.ErrHeld)
}
