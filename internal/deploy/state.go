package deploy

import (
	"time"

	"go.uber.org/multierr"
)

// Operation names a public entry point.
type Operation string

const (
	OpDeploy         Operation = "deploy"
	OpDeployRelease  Operation = "deploy-release"
	OpRollback       Operation = "rollback"
	OpCleanup        Operation = "cleanup"
	OpImportDatabase Operation = "deploy-database"
	OpSetup          Operation = "setup"
)

// State is the last step a host completed.
type State string

const (
	StateInit                  State = "INIT"
	StateReleaseAllocated      State = "RELEASE_ALLOCATED"
	StateArchiveShipped        State = "ARCHIVE_SHIPPED"
	StateDependenciesInstalled State = "DEPENDENCIES_INSTALLED"
	StateSiteInstalled         State = "SITE_INSTALLED"
	StatePromoted              State = "PROMOTED"
	StateSchemaSynced          State = "SCHEMA_SYNCED"
	StateServersReloaded       State = "SERVERS_RELOADED"

	StateDatabaseImported State = "DATABASE_IMPORTED"
	StateSetUp            State = "SET_UP"
	StateDecommissioned   State = "DECOMMISSIONED"
)

// HostResult is the outcome of one operation on one host.
type HostResult struct {
	Host    string
	Release string
	State   State
	// Err is the failure that stopped the host, or the first of Failures.
	Err error
	// Failures holds every step failure of a best-effort operation.
	Failures []error
	Duration time.Duration
}

// OK reports whether the host finished without errors.
func (h HostResult) OK() bool { return h.Err == nil }

// Result is the outcome of one run across every host.
type Result struct {
	RunID      string
	Operation  Operation
	Release    string
	Hosts      []HostResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the hosts that reported an error.
func (r *Result) Failed() []HostResult {
	var out []HostResult
	for _, h := range r.Hosts {
		if !h.OK() {
			out = append(out, h)
		}
	}
	return out
}

// Err combines the host errors. A single failure is returned unchanged so
// its kind and host survive errors.As.
func (r *Result) Err() error {
	failed := r.Failed()
	switch len(failed) {
	case 0:
		return nil
	case 1:
		return failed[0].Err
	}
	var errs error
	for _, h := range failed {
		errs = multierr.Append(errs, h.Err)
	}
	return errs
}
