package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kami/django-deployment-script/internal/deploy"
	"github.com/Kami/django-deployment-script/internal/output"
)

type operation func(ctx context.Context, o *deploy.Orchestrator) (*deploy.Result, error)

// runOperation wires an orchestrator for the selected environment, runs op
// and prints one row per host.
func (a *app) runOperation(cmd *cobra.Command, ref string, withSource bool, op operation) error {
	env, err := a.environment()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	w, err := a.wire(ctx, env, withSource)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); cerr != nil {
			a.log.Warn("release resources", "error", cerr)
		}
	}()

	o := deploy.New(a.cfg.Project, env, ref, w.deps)
	res, err := op(ctx, o)
	if res != nil {
		if perr := a.printResult(res); perr != nil {
			a.log.Warn("render result", "error", perr)
		}
	}
	return err
}

func (a *app) printResult(res *deploy.Result) error {
	a.printer.Header(string(res.Operation) + " " + res.RunID)
	t := output.NewTable(a.printer.Out(), []string{"HOST", "RELEASE", "STATE", "DURATION", "ERROR"})
	for _, h := range res.Hosts {
		msg := ""
		if h.Err != nil {
			msg = h.Err.Error()
		}
		t.AddRow(h.Host, h.Release, string(h.State), h.Duration.Round(time.Millisecond).String(), msg)
		for _, extra := range h.Failures[min(1, len(h.Failures)):] {
			t.AddRow("", "", "", "", extra.Error())
		}
	}
	if err := t.Render(); err != nil {
		return err
	}
	if failed := len(res.Failed()); failed > 0 {
		a.printer.Error("%s failed on %d of %d host(s)", res.Operation, failed, len(res.Hosts))
	} else {
		a.printer.Success("%s finished on %d host(s)", res.Operation, len(res.Hosts))
	}
	return nil
}

func (a *app) deployCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Export the project and release it on every host",
		Long: `Export the configured ref to an archive and install it as a new release.

Per host: allocate releases/<id>, upload and unpack the archive, install
dependencies, place manifests and vhost files, promote the release to
current, sync the schema and reload apache and lighttpd.

Examples:
  djdeploy deploy                  # Release source.ref (HEAD by default)
  djdeploy deploy --ref v1.4.0     # Release a tag
  djdeploy deploy --env staging`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ref == "" {
				ref = a.cfg.Source.Ref
			}
			return a.runOperation(cmd, ref, true, func(ctx context.Context, o *deploy.Orchestrator) (*deploy.Result, error) {
				return o.Deploy(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "revision to export (default source.ref)")
	return cmd
}

func (a *app) deployReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy-release <release>",
		Short: "Make an installed release current",
		Long: `Point current at an already installed release and reload the servers.
Dependencies and schema are left untouched.`,
		Args: exactArgs(1, "<release>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOperation(cmd, "", false, func(ctx context.Context, o *deploy.Orchestrator) (*deploy.Result, error) {
				return o.DeployExplicit(ctx, args[0])
			})
		},
	}
}

func (a *app) rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Swap current and previous releases",
		Long: `Swap the current and previous links and reload the servers.
Running rollback twice restores the original state.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOperation(cmd, "", false, func(ctx context.Context, o *deploy.Orchestrator) (*deploy.Result, error) {
				return o.Rollback(ctx)
			})
		},
	}
}

func (a *app) cleanupCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove every release, vhost and dependency from the hosts",
		Long: `Flush the database, remove the vhost files and the lighttpd include,
uninstall dependencies and delete releases/ and packages/. Every step runs
even when an earlier one fails.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return usageError("cleanup destroys every release on " + a.envName + "; pass --yes to confirm")
			}
			return a.runOperation(cmd, "", false, func(ctx context.Context, o *deploy.Orchestrator) (*deploy.Result, error) {
				return o.Cleanup(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the teardown")
	return cmd
}

func (a *app) deployDatabaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy-database <release>",
		Short: "Import the database dump shipped with a release",
		Args:  exactArgs(1, "<release>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOperation(cmd, "", false, func(ctx context.Context, o *deploy.Orchestrator) (*deploy.Result, error) {
				return o.ImportDatabase(ctx, args[0])
			})
		},
	}
}

func (a *app) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Prepare fresh hosts for releases",
		Long: `Create the base path, run the setup hooks (virtualenv by default),
hand the base path to the SSH user and create releases/ and packages/.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runOperation(cmd, "", false, func(ctx context.Context, o *deploy.Orchestrator) (*deploy.Result, error) {
				return o.Setup(ctx)
			})
		},
	}
}
