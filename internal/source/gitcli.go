package source

import (
	"context"
	"fmt"

	"github.com/Kami/django-deployment-script/internal/shell"
)

// Runner runs commands on the local machine.
type Runner interface {
	Run(ctx context.Context, cmd shell.Command) (string, error)
}

// GitCLI exports with `git archive`.
type GitCLI struct {
	RepoDir       string
	ArchiveFormat Format
	Runner        Runner
}

// Format implements Exporter.
func (g *GitCLI) Format() Format { return g.ArchiveFormat }

// Export implements Exporter.
func (g *GitCLI) Export(ctx context.Context, ref, dest string) error {
	if ref == "" {
		return fmt.Errorf("ref cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	cmd := shell.New("git", "archive", "--format="+string(g.ArchiveFormat), "--output="+dest, ref).
		In(g.RepoDir).
		// Never prompt for credentials interactively.
		WithEnv("GIT_TERMINAL_PROMPT", "0")
	if _, err := g.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("git archive failed: %w", err)
	}
	return nil
}
