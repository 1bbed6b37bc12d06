// Package deployerr defines the error kinds surfaced by deployment operations.
package deployerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a deployment failure.
type Kind string

const (
	KindPrecondition  Kind = "MISSING_PRECONDITION"
	KindTransport     Kind = "REMOTE_COMMAND_FAILED"
	KindUpload        Kind = "UPLOAD_FAILED"
	KindUnpack        Kind = "UNPACK_FAILED"
	KindCollision     Kind = "RELEASE_COLLISION"
	KindNotFound      Kind = "RELEASE_NOT_FOUND"
	KindNoPrevious    Kind = "NO_PREVIOUS_RELEASE"
	KindPromotion     Kind = "PROMOTION_FAILED"
	KindSourceExport  Kind = "SOURCE_EXPORT_FAILED"
	KindServerReload  Kind = "SERVER_RELOAD_FAILED"
	KindInvalidConfig Kind = "INVALID_CONFIGURATION"
)

// Sentinels for errors.Is comparisons. Matching is by kind only.
var (
	ErrPrecondition = &Error{Kind: KindPrecondition}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrUpload       = &Error{Kind: KindUpload}
	ErrUnpack       = &Error{Kind: KindUnpack}
	ErrCollision    = &Error{Kind: KindCollision}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrNoPrevious   = &Error{Kind: KindNoPrevious}
	ErrPromotion    = &Error{Kind: KindPromotion}
	ErrSourceExport = &Error{Kind: KindSourceExport}
	ErrServerReload = &Error{Kind: KindServerReload}
)

// Error carries the kind of a failure together with where it happened.
type Error struct {
	Kind Kind
	// Host is empty for failures that happen locally.
	Host string
	// Op names the step or command that failed.
	Op string
	// ExitStatus is the remote exit status, -1 when the command never completed.
	ExitStatus int
	Stderr     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Host != "" {
		fmt.Fprintf(&b, " [%s]", e.Host)
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, " (stderr: %s)", truncate(stderr, 512))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a deployerr.Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, ExitStatus: -1}
}

// Newf builds an error of the given kind with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Precondition reports a missing required run-scoped value.
func Precondition(op string, missing ...string) *Error {
	return Newf(KindPrecondition, op, "required value(s) not set: %s", strings.Join(missing, ", "))
}

// WithHost returns a copy of err annotated with host when err is a *Error
// that has no host yet. Other errors are wrapped as transport failures.
func WithHost(err error, host string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Host != "" {
			return err
		}
		cp := *de
		cp.Host = host
		return &cp
	}
	return &Error{Kind: KindTransport, Host: host, Err: err, ExitStatus: -1}
}

// Reclassify converts err into kind while keeping host, status and stderr.
func Reclassify(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		cp := *de
		cp.Kind = kind
		if op != "" {
			cp.Op = op
		}
		return &cp
	}
	return New(kind, op, err)
}

// KindOf returns the kind of err, or the empty kind when err is not classified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// HostOf returns the host an error occurred on, if known.
func HostOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Host
	}
	return ""
}

// ExitStatusOf returns the remote exit status carried by err, or -1.
func ExitStatusOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.ExitStatus
	}
	return -1
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
