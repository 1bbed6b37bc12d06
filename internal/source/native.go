package source

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Native exports by walking the commit tree with go-git, without a git binary.
type Native struct {
	RepoDir       string
	ArchiveFormat Format
}

// Format implements Exporter.
func (n *Native) Format() Format { return n.ArchiveFormat }

// Export implements Exporter.
func (n *Native) Export(ctx context.Context, ref, dest string) error {
	if ref == "" {
		return fmt.Errorf("ref cannot be empty")
	}
	repo, err := git.PlainOpenWithOptions(n.RepoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", ref, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return fmt.Errorf("load commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("load tree: %w", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	var w archiveWriter
	switch n.ArchiveFormat {
	case FormatTarGz:
		w = newTarGzWriter(out)
	default:
		w = &zipWriter{zw: zip.NewWriter(out)}
	}

	walkErr := tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return w.add(f, commit.Committer.When)
	})
	closeErr := w.Close()
	fileErr := out.Close()
	switch {
	case walkErr != nil:
		return fmt.Errorf("write archive: %w", walkErr)
	case closeErr != nil:
		return fmt.Errorf("finish archive: %w", closeErr)
	case fileErr != nil:
		return fmt.Errorf("close archive: %w", fileErr)
	}
	return nil
}

type archiveWriter interface {
	add(f *object.File, modified time.Time) error
	Close() error
}

func fileMode(f *object.File) os.FileMode {
	switch f.Mode {
	case filemode.Executable:
		return 0o755
	case filemode.Symlink:
		return os.ModeSymlink | 0o777
	default:
		return 0o644
	}
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) add(f *object.File, modified time.Time) error {
	hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: modified}
	hdr.SetMode(fileMode(f))
	dst, err := z.zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := f.Reader()
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

func (z *zipWriter) Close() error { return z.zw.Close() }

type tarGzWriter struct {
	gz *gzip.Writer
	tw *tar.Writer
}

func newTarGzWriter(w io.Writer) *tarGzWriter {
	gz := gzip.NewWriter(w)
	return &tarGzWriter{gz: gz, tw: tar.NewWriter(gz)}
}

func (t *tarGzWriter) add(f *object.File, modified time.Time) error {
	if f.Mode == filemode.Symlink {
		target, err := f.Contents()
		if err != nil {
			return err
		}
		return t.tw.WriteHeader(&tar.Header{
			Name:     f.Name,
			Typeflag: tar.TypeSymlink,
			Linkname: target,
			Mode:     0o777,
			ModTime:  modified,
		})
	}
	if err := t.tw.WriteHeader(&tar.Header{
		Name:     f.Name,
		Typeflag: tar.TypeReg,
		Mode:     int64(fileMode(f).Perm()),
		Size:     f.Size,
		ModTime:  modified,
	}); err != nil {
		return err
	}
	src, err := f.Reader()
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(t.tw, src)
	return err
}

func (t *tarGzWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		return err
	}
	return t.gz.Close()
}
