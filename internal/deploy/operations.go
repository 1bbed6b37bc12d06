package deploy

import (
	"context"
	"path"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/release"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/serverctl"
	"github.com/Kami/django-deployment-script/internal/shell"
	"github.com/Kami/django-deployment-script/internal/transfer"
)

// Deploy exports the configured ref once and installs it as a new release on
// every host: allocate, ship, install dependencies, install the site,
// promote, sync the schema and reload the servers. A failing host stops at
// the state it reached; nothing is undone.
func (o *Orchestrator) Deploy(ctx context.Context) (*Result, error) {
	missing := o.requireProject()
	if o.deps.Transfer == nil {
		missing = append(missing, "source exporter")
	}
	if err := o.checkEnvironment(OpDeploy, missing...); err != nil {
		return nil, err
	}

	id := o.ids.Next()
	r := o.newRun(OpDeploy, id)
	unlock, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer unlock()

	archive, err := o.deps.Transfer.CreateArchive(ctx, r.id, o.ref)
	if err != nil {
		r.log.Error("archive export failed", "ref", o.ref, "error", err)
		o.deps.Metrics.RecordRun(string(r.op), "failure", o.deps.Now())
		return nil, err
	}
	defer func() {
		if cerr := archive.Close(); cerr != nil {
			r.log.Warn("remove local archive", "path", archive.Path, "error", cerr)
		}
	}()

	res := o.forEachHost(ctx, r, func(ctx context.Context, h *hostRun) error {
		return o.deployHost(ctx, h, archive)
	})
	return res, res.Err()
}

func (o *Orchestrator) deployHost(ctx context.Context, h *hostRun, archive *transfer.Archive) error {
	id := h.run.release
	if _, err := h.store.Allocate(ctx, id); err != nil {
		return err
	}
	h.advance(ctx, StateReleaseAllocated)

	if err := o.deps.Transfer.Ship(ctx, h.ex, h.store, id, archive); err != nil {
		return err
	}
	h.advance(ctx, StateArchiveShipped)

	// The manifest is read from the staging dir, so this precedes placement.
	if err := h.site.InstallDependencies(ctx, id); err != nil {
		return err
	}
	h.advance(ctx, StateDependenciesInstalled)

	if err := h.site.Install(ctx, id); err != nil {
		return err
	}
	h.advance(ctx, StateSiteInstalled)

	if err := h.store.Promote(ctx, id); err != nil {
		return err
	}
	h.advance(ctx, StatePromoted)

	if err := h.runHook(ctx, "schema sync", o.env.Hooks.SchemaSync, h.site.Vars(id)); err != nil {
		return err
	}
	h.advance(ctx, StateSchemaSynced)

	if err := h.reload(ctx); err != nil {
		return err
	}
	h.advance(ctx, StateServersReloaded)
	return nil
}

// DeployExplicit makes an existing release current on every host and
// reloads the servers. Dependencies and schema are left alone.
func (o *Orchestrator) DeployExplicit(ctx context.Context, id string) (*Result, error) {
	var missing []string
	if id == "" {
		missing = append(missing, "release")
	}
	if err := o.checkEnvironment(OpDeployRelease, missing...); err != nil {
		return nil, err
	}
	if err := release.ValidateID(id); err != nil {
		return nil, err
	}

	r := o.newRun(OpDeployRelease, id)
	unlock, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := o.forEachHost(ctx, r, func(ctx context.Context, h *hostRun) error {
		if err := h.store.DeployExplicit(ctx, id); err != nil {
			return err
		}
		h.advance(ctx, StatePromoted)
		if err := h.reload(ctx); err != nil {
			return err
		}
		h.advance(ctx, StateServersReloaded)
		return nil
	})
	return res, res.Err()
}

// Rollback swaps current and previous on every host and reloads the servers.
// Rolling back twice restores the original state.
func (o *Orchestrator) Rollback(ctx context.Context) (*Result, error) {
	if err := o.checkEnvironment(OpRollback); err != nil {
		return nil, err
	}

	r := o.newRun(OpRollback, "")
	unlock, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := o.forEachHost(ctx, r, func(ctx context.Context, h *hostRun) error {
		if err := h.store.Rollback(ctx); err != nil {
			return err
		}
		if cur, err := h.store.Current(ctx); err == nil {
			h.result.Release = cur
		}
		h.advance(ctx, StatePromoted)
		if err := h.reload(ctx); err != nil {
			return err
		}
		h.advance(ctx, StateServersReloaded)
		return nil
	})
	return res, res.Err()
}

// Cleanup tears down everything deploy installed. Every step runs even when
// an earlier one fails; the host reports its first failure and keeps the
// rest in Failures.
func (o *Orchestrator) Cleanup(ctx context.Context) (*Result, error) {
	if err := o.checkEnvironment(OpCleanup, o.requireProject()...); err != nil {
		return nil, err
	}

	r := o.newRun(OpCleanup, "")
	unlock, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := o.forEachHost(ctx, r, o.cleanupHost)
	return res, res.Err()
}

func (o *Orchestrator) cleanupHost(ctx context.Context, h *hostRun) error {
	var errs error
	step := func(name string, fn func() error) {
		err := fn()
		if err == nil {
			return
		}
		for _, e := range multierr.Errors(err) {
			h.log.Warn("cleanup step failed", "step", name, "error", e)
			errs = multierr.Append(errs, deployerr.WithHost(e, h.result.Host))
		}
	}

	step("flush database", func() error {
		return h.runHook(ctx, "flush database", o.env.Hooks.FlushDatabase, h.site.Vars(""))
	})
	step("unregister server configs", func() error { return h.site.UnregisterServerConfigs(ctx) })
	step("uninstall dependencies", func() error { return h.site.UninstallDependencies(ctx) })
	step("purge releases", func() error { return h.store.PurgeAll(ctx) })

	ctl, err := h.control(ctx)
	if err != nil {
		step("reload servers", func() error { return err })
	} else {
		for _, kind := range serverctl.Kinds {
			step("reload "+string(kind), func() error { return ctl.Reload(ctx, kind) })
		}
	}

	h.result.Failures = multierr.Errors(errs)
	h.advance(ctx, StateDecommissioned)
	if len(h.result.Failures) > 0 {
		return h.result.Failures[0]
	}
	return nil
}

// ImportDatabase loads the dump shipped with release id through the import
// hook and removes the dump afterwards.
func (o *Orchestrator) ImportDatabase(ctx context.Context, id string) (*Result, error) {
	var missing []string
	if id == "" {
		missing = append(missing, "release")
	}
	db := o.env.Database
	if db.Name == "" {
		missing = append(missing, "database name")
	}
	if db.User == "" {
		missing = append(missing, "database user")
	}
	if db.File == "" {
		missing = append(missing, "database file")
	}
	if err := o.checkEnvironment(OpImportDatabase, missing...); err != nil {
		return nil, err
	}
	if err := release.ValidateID(id); err != nil {
		return nil, err
	}

	r := o.newRun(OpImportDatabase, id)
	unlock, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := o.forEachHost(ctx, r, func(ctx context.Context, h *hostRun) error {
		dump, err := o.locateDump(ctx, h, id)
		if err != nil {
			return err
		}
		vars := h.site.Vars(id)
		vars["db_file"] = dump
		if err := h.runHook(ctx, "import database", o.env.Hooks.ImportDatabase, vars); err != nil {
			return err
		}
		if _, err := h.ex.Run(ctx, shell.New("rm", dump)); err != nil {
			return err
		}
		h.advance(ctx, StateDatabaseImported)
		return nil
	})
	return res, res.Err()
}

// locateDump finds the dump in the release's staging dir, or at the release
// root when a placement moved it there.
func (o *Orchestrator) locateDump(ctx context.Context, h *hostRun, id string) (string, error) {
	dir := h.store.Dir(id)
	ok, err := remote.IsDir(ctx, h.ex, dir)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", deployerr.Newf(deployerr.KindNotFound, "import database", "release %s does not exist", id)
	}
	candidates := []string{
		path.Join(dir, o.env.Site.StagingDir, o.env.Database.File),
		path.Join(dir, o.env.Database.File),
	}
	for _, c := range candidates {
		ok, err := remote.Exists(ctx, h.ex, c)
		if err != nil {
			return "", err
		}
		if ok {
			return c, nil
		}
	}
	return "", deployerr.Newf(deployerr.KindNotFound, "import database", "database dump %s not found in release %s", o.env.Database.File, id)
}

// Setup prepares fresh hosts: base path, setup hooks (virtualenv by
// default), ownership for the SSH user, then releases/ and packages/.
func (o *Orchestrator) Setup(ctx context.Context) (*Result, error) {
	if err := o.checkEnvironment(OpSetup); err != nil {
		return nil, err
	}

	r := o.newRun(OpSetup, "")
	unlock, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}
	defer unlock()

	res := o.forEachHost(ctx, r, func(ctx context.Context, h *hostRun) error {
		if _, err := h.ex.RunPrivileged(ctx, shell.New("mkdir", "-p", h.store.Base())); err != nil {
			return err
		}
		vars := h.site.Vars("")
		for i, hook := range o.env.Hooks.Setup {
			if err := h.runHook(ctx, "setup", hook, vars); err != nil {
				h.log.Error("setup hook failed", "index", i)
				return err
			}
		}
		if o.env.User != "" {
			owner := o.env.User + ":" + o.env.User
			if _, err := h.ex.RunPrivileged(ctx, shell.New("chown", "-R", owner, h.store.Base())); err != nil {
				return err
			}
		}
		if err := h.store.Setup(ctx); err != nil {
			return err
		}
		h.advance(ctx, StateSetUp)
		return nil
	})
	return res, res.Err()
}

// HostReleases is the release inventory of one host.
type HostReleases struct {
	Host     string
	Releases []string
	Current  string
	Previous string
	Err      error
}

// Releases lists the installed releases of every host. It takes no lock.
func (o *Orchestrator) Releases(ctx context.Context) ([]HostReleases, error) {
	if err := o.checkEnvironment("releases"); err != nil {
		return nil, err
	}
	out := make([]HostReleases, len(o.env.Hosts))
	var g errgroup.Group
	g.SetLimit(o.env.Parallel)
	for i, host := range o.env.Hosts {
		i, host := i, host
		out[i].Host = host
		g.Go(func() error {
			out[i].Err = deployerr.WithHost(o.inventory(ctx, &out[i]), host)
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, hr := range out {
		errs = multierr.Append(errs, hr.Err)
	}
	return out, errs
}

func (o *Orchestrator) inventory(ctx context.Context, hr *HostReleases) error {
	ex, err := o.deps.Dialer.Dial(ctx, hr.Host)
	if err != nil {
		return err
	}
	defer ex.Close()
	store := release.NewStore(ex, o.env.Path, release.Userland(o.env.Userland), o.log)
	if hr.Releases, err = store.List(ctx); err != nil {
		return err
	}
	if hr.Current, err = store.Current(ctx); err != nil {
		return err
	}
	hr.Previous, err = store.Previous(ctx)
	return err
}
