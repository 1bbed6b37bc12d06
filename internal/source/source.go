// Package source exports a tree of the project repository as a deployable archive.
package source

import (
	"context"
	"fmt"
	"strings"
)

// Format is an archive format understood by both the exporters and the
// remote unpack step.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
)

// ParseFormat accepts "zip", "tar.gz" and "tgz".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return FormatZip, nil
	case "tar.gz", "tgz":
		return FormatTarGz, nil
	default:
		return "", fmt.Errorf("unsupported archive format %q", s)
	}
}

// Ext is the file extension used for packages of this format.
func (f Format) Ext() string { return string(f) }

// Exporter writes the tree at ref into dest.
type Exporter interface {
	Export(ctx context.Context, ref, dest string) error
	Format() Format
}

// Method names the exporter implementation.
type Method string

const (
	MethodGit    Method = "git"
	MethodNative Method = "native"
)

// Options selects and configures an exporter.
type Options struct {
	Method Method
	// RepoDir is the local working copy; empty means the current directory.
	RepoDir string
	Format  Format
}

// New returns the exporter selected by opts.
func New(opts Options, runner Runner) (Exporter, error) {
	if opts.Format == "" {
		opts.Format = FormatZip
	}
	if opts.RepoDir == "" {
		opts.RepoDir = "."
	}
	switch opts.Method {
	case "", MethodGit:
		if runner == nil {
			return nil, fmt.Errorf("git exporter requires a local runner")
		}
		return &GitCLI{RepoDir: opts.RepoDir, ArchiveFormat: opts.Format, Runner: runner}, nil
	case MethodNative:
		return &Native{RepoDir: opts.RepoDir, ArchiveFormat: opts.Format}, nil
	default:
		return nil, fmt.Errorf("unknown source method %q", opts.Method)
	}
}
