package remote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/remote/remotetest"
	"github.com/Kami/django-deployment-script/internal/shell"
)

func TestExistsSeesDanglingLinks(t *testing.T) {
	host := remotetest.NewHost("h")
	host.Symlink("20240101120000", "/srv/releases/current")
	ctx := context.Background()

	ok, err := remote.Exists(ctx, host, "/srv/releases/current")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = remote.IsDir(ctx, host, "/srv/releases/current")
	require.NoError(t, err)
	assert.False(t, ok)

	target, err := remote.ReadLink(ctx, host, "/srv/releases/current")
	require.NoError(t, err)
	assert.Equal(t, "20240101120000", target)
}

func TestReadLinkMissing(t *testing.T) {
	host := remotetest.NewHost("h")

	target, err := remote.ReadLink(context.Background(), host, "/srv/releases/previous")

	require.NoError(t, err)
	assert.Empty(t, target)
}

func TestSucceedsSurfacesUnexpectedStatus(t *testing.T) {
	host := remotetest.NewHost("h")
	host.FailProgram("test", 255)

	_, err := remote.Succeeds(context.Background(), host, shell.New("test", "-d", "/srv"), false)

	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerr.ErrTransport))
	assert.Equal(t, 255, deployerr.ExitStatusOf(err))
}

func TestRunAsEscalates(t *testing.T) {
	host := remotetest.NewHost("h")

	_, err := remote.RunAs(context.Background(), host, shell.New("/usr/local/etc/rc.d/apache22", "reload"), true)

	require.NoError(t, err)
	calls := host.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Privileged)
}

func TestUploadContent(t *testing.T) {
	host := remotetest.NewHost("h")
	host.MkdirAll("/srv")

	require.NoError(t, remote.UploadContent(context.Background(), host, []byte("include \"x\"\n"), "/srv/.include"))

	content, ok := host.ReadFile("/srv/.include")
	assert.True(t, ok)
	assert.Equal(t, "include \"x\"\n", content)
}

func TestNormalizeAddr(t *testing.T) {
	cases := map[string]string{
		"88.88.88.88:4444": "88.88.88.88:4444",
		"example.com":      "example.com:22",
		"::1":              "[::1]:22",
		"[::1]:2222":       "[::1]:2222",
	}
	for in, want := range cases {
		got, err := remote.NormalizeAddr(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := remote.NormalizeAddr(" ")
	assert.Error(t, err)
}

func TestDialerUnknownHost(t *testing.T) {
	d := remotetest.NewDialer(remotetest.NewHost("known"))

	_, err := d.Dial(context.Background(), "unknown")

	assert.True(t, errors.Is(err, deployerr.ErrTransport))
	assert.Equal(t, "unknown", deployerr.HostOf(err))
}
