package transfer

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/release"
	"github.com/Kami/django-deployment-script/internal/remote/remotetest"
	"github.com/Kami/django-deployment-script/internal/source"
	"github.com/Kami/django-deployment-script/internal/workspace"
)

type zipExporter struct {
	files map[string]string
	raw   []byte
	err   error
}

func (z *zipExporter) Format() source.Format { return source.FormatZip }

func (z *zipExporter) Export(_ context.Context, _ string, dest string) error {
	if z.err != nil {
		return z.err
	}
	if z.raw != nil {
		return os.WriteFile(dest, z.raw, 0o600)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for name, content := range z.files {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(content)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

func newTransfer(t *testing.T, exp source.Exporter) (*Transfer, *workspace.Manager) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	return New(exp, ws, nil), ws
}

func TestCreateArchiveAndClose(t *testing.T) {
	tr, _ := newTransfer(t, &zipExporter{files: map[string]string{"manage.py": "x"}})

	a, err := tr.CreateArchive(context.Background(), "run-1", "HEAD")
	require.NoError(t, err)
	_, err = os.Stat(a.Path)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, err = os.Stat(filepath.Dir(a.Path))
	assert.True(t, os.IsNotExist(err))
}

func TestCreateArchiveFailureCleansWorkspace(t *testing.T) {
	tr, ws := newTransfer(t, &zipExporter{err: errors.New("fatal: not a git repository")})

	_, err := tr.CreateArchive(context.Background(), "run-2", "HEAD")

	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerr.ErrSourceExport))
	_, statErr := os.Stat(filepath.Join(ws.Root(), "run-2"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateArchiveRejectsEmptyOutput(t *testing.T) {
	tr, _ := newTransfer(t, &zipExporter{raw: []byte{}})

	_, err := tr.CreateArchive(context.Background(), "run-3", "HEAD")

	assert.True(t, errors.Is(err, deployerr.ErrSourceExport))
}

func shipFixture(t *testing.T, exp source.Exporter) (*Transfer, *Archive, *remotetest.Host, *release.Store) {
	t.Helper()
	tr, _ := newTransfer(t, exp)
	a, err := tr.CreateArchive(context.Background(), "run", "HEAD")
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	host := remotetest.NewHost("web1")
	store := release.NewStore(host, "/srv/mysite", release.GNU, nil)
	_, err = store.Allocate(context.Background(), "20240101120000")
	require.NoError(t, err)
	return tr, a, host, store
}

func TestShipUploadsAndUnpacks(t *testing.T) {
	tr, a, host, store := shipFixture(t, &zipExporter{files: map[string]string{
		"mysite/urls.py":         "urlpatterns = []",
		"other/dependencies.txt": "Django",
	}})

	require.NoError(t, tr.Ship(context.Background(), host, store, "20240101120000", a))

	assert.Equal(t, []string{"/srv/mysite/packages/20240101120000.zip"}, host.Uploads())
	content, ok := host.ReadFile("/srv/mysite/releases/20240101120000/other/dependencies.txt")
	assert.True(t, ok)
	assert.Equal(t, "Django", content)
	assert.True(t, host.IsDir("/srv/mysite/releases/20240101120000/mysite"))
}

func TestShipUploadFailure(t *testing.T) {
	tr, a, host, store := shipFixture(t, &zipExporter{files: map[string]string{"a": "b"}})
	host.FailUploads(errors.New("connection reset"))

	err := tr.Ship(context.Background(), host, store, "20240101120000", a)

	assert.True(t, errors.Is(err, deployerr.ErrUpload))
	assert.False(t, errors.Is(err, deployerr.ErrUnpack))
	assert.Equal(t, "web1", deployerr.HostOf(err))
}

func TestShipUnpackFailure(t *testing.T) {
	tr, a, host, store := shipFixture(t, &zipExporter{raw: []byte("definitely not a zip")})

	err := tr.Ship(context.Background(), host, store, "20240101120000", a)

	assert.True(t, errors.Is(err, deployerr.ErrUnpack))
	assert.Equal(t, 9, deployerr.ExitStatusOf(err))
}

func TestUnpackCommand(t *testing.T) {
	assert.Equal(t, "unzip -q -o /p/1.zip", UnpackCommand(source.FormatZip, "/p/1.zip").String())
	assert.Equal(t, "tar -xzf /p/1.tar.gz", UnpackCommand(source.FormatTarGz, "/p/1.tar.gz").String())
}
