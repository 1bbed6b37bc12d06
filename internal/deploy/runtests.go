package deploy

import (
	"context"
	"io"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/local"
	"github.com/Kami/django-deployment-script/internal/shell"
	"github.com/Kami/django-deployment-script/pkg/config"
)

// RunTests runs the project's test command in its local directory with
// output streamed to stdout and stderr.
func RunTests(ctx context.Context, runner *local.Runner, project config.Project, argv []string, stdout, stderr io.Writer) error {
	var missing []string
	if project.Directory == "" {
		missing = append(missing, "project directory")
	}
	if project.Name == "" {
		missing = append(missing, "project name")
	}
	if len(missing) > 0 {
		return deployerr.Precondition("run-tests", missing...)
	}
	cmd, ok := shell.FromArgv(shell.Expand(argv, map[string]string{"project": project.Name}))
	if !ok {
		return deployerr.Precondition("run-tests", "test command")
	}
	return runner.Stream(ctx, cmd.In(project.Directory), stdout, stderr)
}
