// Package local runs commands on the operator's machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/Kami/django-deployment-script/internal/shell"
)

// Runner executes typed commands with os/exec.
type Runner struct {
	env    []string
	logger *slog.Logger
}

// NewRunner returns a runner inheriting the process environment.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{env: os.Environ(), logger: logger}
}

// SetEnv adds or replaces a variable for every subsequent command.
func (r *Runner) SetEnv(key, value string) {
	prefix := key + "="
	env := make([]string, 0, len(r.env)+1)
	for _, kv := range r.env {
		if !strings.HasPrefix(kv, prefix) {
			env = append(env, kv)
		}
	}
	r.env = append(env, prefix+value)
}

// Run executes cmd and returns its stdout. A failed command returns an
// *ExitError carrying the exit status and stderr.
func (r *Runner) Run(ctx context.Context, cmd shell.Command) (string, error) {
	var stdout, stderr bytes.Buffer
	err := r.run(ctx, cmd, &stdout, &stderr)
	if err != nil {
		return stdout.String(), r.wrap(cmd, err, stderr.String())
	}
	return stdout.String(), nil
}

// Stream executes cmd with output attached to the given writers.
func (r *Runner) Stream(ctx context.Context, cmd shell.Command, stdout, stderr io.Writer) error {
	if err := r.run(ctx, cmd, stdout, stderr); err != nil {
		return r.wrap(cmd, err, "")
	}
	return nil
}

func (r *Runner) run(ctx context.Context, cmd shell.Command, stdout, stderr io.Writer) error {
	r.logger.Debug("executing local command", "cmd", cmd.Program, "args", cmd.Args, "workdir", cmd.Dir)

	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = r.environ(cmd.Env)
	c.Stdout = stdout
	c.Stderr = stderr
	return c.Run()
}

func (r *Runner) environ(extra map[string]string) []string {
	if len(extra) == 0 {
		return r.env
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), r.env...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (r *Runner) wrap(cmd shell.Command, err error, stderr string) error {
	status := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status = exitErr.ExitCode()
	}
	return &ExitError{Command: cmd.Redacted(), Status: status, Stderr: strings.TrimSpace(stderr), Err: err}
}

// ExitError reports a failed local command.
type ExitError struct {
	Command string
	Status  int
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }
