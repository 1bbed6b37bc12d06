// Package cli is the djdeploy command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Kami/django-deployment-script/internal/deploy"
	"github.com/Kami/django-deployment-script/internal/output"
	"github.com/Kami/django-deployment-script/pkg/config"
	"github.com/Kami/django-deployment-script/pkg/logger"
)

// BuildInfo is stamped into the binary at build time.
type BuildInfo struct {
	Version string
	Commit  string
	Built   string
}

type app struct {
	info BuildInfo

	cfgFile   string
	envFile   string
	envName   string
	verbose   bool
	colorFlag string

	cfg     *config.Config
	log     *slog.Logger
	printer *output.Printer
}

// NewRootCommand builds the command tree. Every call returns an independent
// tree with its own flag state.
func NewRootCommand(info BuildInfo) *cobra.Command {
	if info.Version == "" {
		info.Version = "dev"
	}
	a := &app{info: info}

	root := &cobra.Command{
		Use:   "djdeploy",
		Short: "Release deployment for Django sites",
		Long: `djdeploy ships a Django project to remote hosts as timestamped releases.

Each host keeps releases/<id> directories with current and previous links,
so a bad release can be rolled back with a single link swap.

Example usage:
  djdeploy setup --env staging         # Prepare fresh hosts
  djdeploy deploy                      # Export HEAD and release it
  djdeploy rollback                    # Swap current and previous
  djdeploy deploy-release 20240301120000
  djdeploy releases                    # Show installed releases per host`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.preRun,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./djdeploy.yaml)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the config")
	flags.StringVarP(&a.envName, "env", "e", "production", "target environment")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&a.colorFlag, "color", "auto", "colorize output: auto, always, never")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err.Error())
	})

	root.AddCommand(
		a.deployCmd(),
		a.deployReleaseCmd(),
		a.rollbackCmd(),
		a.cleanupCmd(),
		a.deployDatabaseCmd(),
		a.setupCmd(),
		a.releasesCmd(),
		a.historyCmd(),
		a.runTestsCmd(),
		a.versionCmd(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(ctx context.Context, info BuildInfo, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(info)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return output.ExitSuccess
	}
	cliErr := classify(err)
	output.NewPrinter(stdout, stderr, false).FormatError(cliErr)
	return cliErr.ExitCode
}

func (a *app) preRun(cmd *cobra.Command, _ []string) error {
	mode, err := output.ParseColorMode(a.colorFlag)
	if err != nil {
		return usageError(err.Error())
	}

	cfg, err := config.Load(a.cfgFile, a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := logger.ParseLevel(cfg.Logging.Level)
	if a.verbose {
		level = slog.LevelDebug
	}
	a.log = logger.NewWithWriter(cmd.ErrOrStderr(), "djdeploy", level, cfg.Logging.Format)
	a.printer = output.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), output.ResolveColors(mode, cfg.Output.Colors))

	a.log.Debug("configuration loaded",
		"config", a.cfgFile,
		"environment", a.envName,
		"environments", cfg.EnvironmentNames(),
	)
	return nil
}

// environment resolves the --env profile.
func (a *app) environment() (config.Environment, error) {
	return a.cfg.Environment(a.envName)
}

func usageError(msg string) *output.CLIError {
	return &output.CLIError{
		Summary:    msg,
		Suggestion: "Run 'djdeploy --help' for usage",
		ExitCode:   output.ExitUsageError,
	}
}

// exactArgs is cobra.ExactArgs reporting a usage exit code.
func exactArgs(n int, names ...string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) == n {
			return nil
		}
		return usageError(fmt.Sprintf("%s expects %d argument(s): %s", cmd.Name(), n, strings.Join(names, " ")))
	}
}

func classify(err error) *output.CLIError {
	if deploy.IsLocked(err) {
		return &output.CLIError{
			Summary:    "another run holds the deploy lock",
			Detail:     err.Error(),
			Suggestion: "Wait for the other run to finish or let the lock expire",
			ExitCode:   output.ExitLocked,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &output.CLIError{Summary: "interrupted", Detail: err.Error(), ExitCode: output.ExitGeneral}
	}
	if strings.HasPrefix(err.Error(), "unknown command") {
		return usageError(err.Error())
	}
	return output.FromError(err)
}
