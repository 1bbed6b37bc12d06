// Package transfer produces the release archive once per run and ships it to
// each host's release slot.
package transfer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/shell"
	"github.com/Kami/django-deployment-script/internal/source"
	"github.com/Kami/django-deployment-script/internal/workspace"
)

// Layout resolves release and package locations on a host.
type Layout interface {
	Dir(id string) string
	PackagesDir() string
}

// Archive is a local release archive owned by a run. Close removes it.
type Archive struct {
	Path   string
	Format source.Format
	Ref    string

	ws        *workspace.Manager
	runID     string
	closeOnce sync.Once
	closeErr  error
}

// Close removes the archive's workspace. It is safe to call more than once.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.ws.CleanupByID(a.runID)
	})
	return a.closeErr
}

// Transfer exports and ships archives.
type Transfer struct {
	exporter source.Exporter
	ws       *workspace.Manager
	log      *slog.Logger
}

// New returns a transfer using exporter and scratch space from ws.
func New(exporter source.Exporter, ws *workspace.Manager, logger *slog.Logger) *Transfer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transfer{exporter: exporter, ws: ws, log: logger}
}

// CreateArchive exports ref into a workspace named after runID. On failure
// nothing is left behind.
func (t *Transfer) CreateArchive(ctx context.Context, runID, ref string) (*Archive, error) {
	dir, err := t.ws.Prepare(runID)
	if err != nil {
		return nil, deployerr.New(deployerr.KindSourceExport, "prepare workspace", err)
	}
	format := t.exporter.Format()
	a := &Archive{
		Path:   filepath.Join(dir, "release."+format.Ext()),
		Format: format,
		Ref:    ref,
		ws:     t.ws,
		runID:  runID,
	}
	if err := t.exporter.Export(ctx, ref, a.Path); err != nil {
		if cerr := a.Close(); cerr != nil {
			t.log.Warn("workspace cleanup failed", "dir", dir, "error", cerr)
		}
		return nil, deployerr.New(deployerr.KindSourceExport, "export "+ref, err)
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		a.Close()
		return nil, deployerr.New(deployerr.KindSourceExport, "export "+ref, err)
	}
	if info.Size() == 0 {
		a.Close()
		return nil, deployerr.New(deployerr.KindSourceExport, "export "+ref, errors.New("exporter produced an empty archive"))
	}
	t.log.Info("archive created", "ref", ref, "path", a.Path, "bytes", info.Size())
	return a, nil
}

// PackagePath returns where the archive for release id lives on the host.
func PackagePath(layout Layout, id string, format source.Format) string {
	return path.Join(layout.PackagesDir(), id+"."+format.Ext())
}

// Ship uploads a to the host's packages/ and unpacks it inside the allocated
// release directory. Upload and unpack failures are reported as distinct kinds.
func (t *Transfer) Ship(ctx context.Context, ex remote.Executor, layout Layout, id string, a *Archive) error {
	pkg := PackagePath(layout, id, a.Format)
	if err := ex.Upload(ctx, a.Path, pkg); err != nil {
		return deployerr.Reclassify(deployerr.WithHost(err, ex.Host()), deployerr.KindUpload, "upload "+pkg)
	}
	if _, err := ex.Run(ctx, UnpackCommand(a.Format, pkg).In(layout.Dir(id))); err != nil {
		return deployerr.Reclassify(deployerr.WithHost(err, ex.Host()), deployerr.KindUnpack, "unpack "+pkg)
	}
	t.log.Info("archive shipped", "host", ex.Host(), "release", id, "package", pkg)
	return nil
}

// UnpackCommand extracts pkg into the working directory.
func UnpackCommand(format source.Format, pkg string) shell.Command {
	if format == source.FormatTarGz {
		return shell.New("tar", "-xzf", pkg)
	}
	return shell.New("unzip", "-q", "-o", pkg)
}
