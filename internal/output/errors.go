package output

import (
	"errors"
	"fmt"

	"github.com/fatih/color"

	"github.com/Kami/django-deployment-script/internal/deployerr"
)

// Exit codes.
const (
	ExitSuccess    = 0
	ExitGeneral    = 1
	ExitUsageError = 2
	ExitRemote     = 3
	ExitConfig     = 4
	ExitRelease    = 5
	ExitLocked     = 6
)

// CLIError is an error with user-facing context and an exit code.
type CLIError struct {
	Summary    string
	Detail     string
	Suggestion string
	ExitCode   int
}

func (e *CLIError) Error() string {
	return e.Summary
}

// FromError classifies err by its deployment kind.
func FromError(err error) *CLIError {
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr
	}
	e := &CLIError{Summary: err.Error(), ExitCode: ExitGeneral}
	kind := deployerr.KindOf(err)
	if kind == "" {
		return e
	}
	e.Summary = string(kind)
	if host := deployerr.HostOf(err); host != "" {
		e.Summary = fmt.Sprintf("%s on %s", kind, host)
	}
	e.Detail = err.Error()
	switch kind {
	case deployerr.KindPrecondition, deployerr.KindInvalidConfig:
		e.ExitCode = ExitConfig
		e.Suggestion = "Check djdeploy.yaml and the selected --env"
	case deployerr.KindCollision, deployerr.KindNotFound, deployerr.KindNoPrevious, deployerr.KindPromotion:
		e.ExitCode = ExitRelease
		e.Suggestion = "Run 'djdeploy releases' to inspect the release links"
	case deployerr.KindTransport, deployerr.KindUpload, deployerr.KindUnpack, deployerr.KindServerReload:
		e.ExitCode = ExitRemote
	}
	return e
}

// FormatError prints a structured error to the error writer.
func (p *Printer) FormatError(e *CLIError) {
	if p.useColors {
		color.New(color.FgRed, color.Bold).Fprintf(p.err, "Error: %s\n", e.Summary)
	} else {
		fmt.Fprintf(p.err, "[ERROR] %s\n", e.Summary)
	}
	if e.Detail != "" && e.Detail != e.Summary {
		fmt.Fprintf(p.err, "  Cause: %s\n", e.Detail)
	}
	if e.Suggestion != "" {
		if p.useColors {
			color.New(color.FgCyan).Fprintf(p.err, "  Suggestion: %s\n", e.Suggestion)
		} else {
			fmt.Fprintf(p.err, "  Suggestion: %s\n", e.Suggestion)
		}
	}
}
