package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kami/django-deployment-script/internal/deploy"
	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/ledger"
	"github.com/Kami/django-deployment-script/internal/local"
	"github.com/Kami/django-deployment-script/internal/output"
	"github.com/Kami/django-deployment-script/internal/release"
)

func (a *app) releasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "releases",
		Short: "List installed releases per host",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := a.environment()
			if err != nil {
				return err
			}
			w, err := a.wire(cmd.Context(), env, false)
			if err != nil {
				return err
			}
			defer w.Close()

			inv, err := deploy.New(a.cfg.Project, env, "", w.deps).Releases(cmd.Context())
			if inv == nil {
				return err
			}
			t := output.NewTable(a.printer.Out(), []string{"HOST", "RELEASE", "CREATED", "LINK"})
			for _, hr := range inv {
				if hr.Err != nil {
					t.AddRow(hr.Host, "", "", hr.Err.Error())
					continue
				}
				if len(hr.Releases) == 0 {
					t.AddRow(hr.Host, "-", "", "")
				}
				for _, id := range hr.Releases {
					link := ""
					switch id {
					case hr.Current:
						link = "current"
					case hr.Previous:
						link = "previous"
					}
					t.AddRow(hr.Host, id, createdAt(id), a.printer.Marker(link))
				}
			}
			if rerr := t.Render(); rerr != nil {
				return rerr
			}
			return err
		},
	}
}

// createdAt renders the creation time encoded in a release id.
func createdAt(id string) string {
	t, err := release.ParseTime(id)
	if err != nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func (a *app) historyCmd() *cobra.Command {
	var (
		limit int
		last  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs from the release ledger",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Ledger.DSN == "" {
				return deployerr.Precondition("history", "ledger.dsn")
			}
			env, err := a.environment()
			if err != nil {
				return err
			}
			store, closeFn, err := a.openLedger(cmd.Context(), a.cfg.Ledger.DSN)
			if err != nil {
				return err
			}
			defer closeFn()

			if last {
				entries, err := lastSuccessful(cmd.Context(), store, a.cfg.Project.Name, env.Name, env.Hosts)
				if err != nil {
					return err
				}
				return renderHistory(a.printer, entries)
			}
			entries, err := store.History(cmd.Context(), a.cfg.Project.Name, env.Name, limit)
			if err != nil {
				return err
			}
			return renderHistory(a.printer, entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVar(&last, "last-successful", false, "show the last successful release per host")
	return cmd
}

// lastSuccessful collects the newest successful run per host. Hosts that
// never succeeded are left out.
func lastSuccessful(ctx context.Context, store *ledger.Store, project, environment string, hosts []string) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, len(hosts))
	for _, host := range hosts {
		e, err := store.LastSuccessful(ctx, project, environment, host)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func renderHistory(p *output.Printer, entries []ledger.Entry) error {
	if len(entries) == 0 {
		p.Info("No runs recorded yet")
		return nil
	}
	t := output.NewTable(p.Out(), []string{"FINISHED", "OPERATION", "HOST", "RELEASE", "STAGE", "STATUS", "ERROR"})
	for _, e := range entries {
		status := e.Status
		if e.ErrorKind != "" {
			status += " (" + e.ErrorKind + ")"
		}
		t.AddRow(e.FinishedAt.Local().Format(time.DateTime), e.Operation, e.Host, e.Release, e.Stage, status, e.Error)
	}
	return t.Render()
}

func (a *app) runTestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-tests",
		Short: "Run the project's test suite locally",
		Long: `Run source.test_command in the project directory. ${project} in the
command is replaced with the project name.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return deploy.RunTests(cmd.Context(), local.NewRunner(a.log), a.cfg.Project, a.cfg.Source.TestCommand, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	var short, asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  exactArgs(0),
		// Version needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(w, a.info.Version)
				return nil
			}
			if asJSON {
				info := map[string]string{
					"version":   a.info.Version,
					"commit":    orUnknown(a.info.Commit),
					"built":     orUnknown(a.info.Built),
					"goVersion": runtime.Version(),
					"platform":  runtime.GOOS + "/" + runtime.GOARCH,
				}
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(w, "djdeploy version %s\n", a.info.Version)
			fmt.Fprintf(w, "  commit:     %s\n", orUnknown(a.info.Commit))
			fmt.Fprintf(w, "  built:      %s\n", orUnknown(a.info.Built))
			fmt.Fprintf(w, "  go version: %s\n", runtime.Version())
			fmt.Fprintf(w, "  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print version string only")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
