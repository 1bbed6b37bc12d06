package release

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/remote/remotetest"
)

const base = "/srv/mysite"

func newStore(t *testing.T) (*Store, *remotetest.Host) {
	t.Helper()
	host := remotetest.NewHost("10.0.0.1:22")
	host.MkdirAll(base)
	return NewStore(host, base, GNU, nil), host
}

func allocateAndPromote(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Allocate(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.Promote(ctx, id))
}

func links(t *testing.T, s *Store) (string, string) {
	t.Helper()
	cur, err := s.Current(context.Background())
	require.NoError(t, err)
	prev, err := s.Previous(context.Background())
	require.NoError(t, err)
	return cur, prev
}

func TestAllocateCreatesReleaseDirectory(t *testing.T) {
	s, host := newStore(t)

	dir, err := s.Allocate(context.Background(), "20240101120000")

	require.NoError(t, err)
	assert.Equal(t, base+"/releases/20240101120000", dir)
	assert.True(t, host.IsDir(dir))
	assert.True(t, host.IsDir(base+"/packages"))
}

func TestAllocateTwiceIsACollision(t *testing.T) {
	s, host := newStore(t)
	ctx := context.Background()
	_, err := s.Allocate(ctx, "20240101120000")
	require.NoError(t, err)
	host.WriteFile(base+"/releases/20240101120000/manage.py", "x")

	_, err = s.Allocate(ctx, "20240101120000")

	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerr.ErrCollision))
	assert.Equal(t, "10.0.0.1:22", deployerr.HostOf(err))
	content, ok := host.ReadFile(base + "/releases/20240101120000/manage.py")
	assert.True(t, ok)
	assert.Equal(t, "x", content)
}

func TestAllocateRejectsReservedNames(t *testing.T) {
	s, host := newStore(t)

	for _, id := range []string{"current", "previous", "_current", "../etc", ""} {
		_, err := s.Allocate(context.Background(), id)
		assert.True(t, errors.Is(err, deployerr.ErrPrecondition), id)
	}
	assert.Empty(t, host.Calls())
}

func TestFirstPromoteHasNoPrevious(t *testing.T) {
	s, host := newStore(t)

	allocateAndPromote(t, s, "20240101120000")

	cur, prev := links(t, s)
	assert.Equal(t, "20240101120000", cur)
	assert.Empty(t, prev)
	assert.False(t, host.Exists(base+"/releases/_current"))
}

func TestPromoteDemotesCurrentToPrevious(t *testing.T) {
	s, _ := newStore(t)
	allocateAndPromote(t, s, "20240101120000")

	allocateAndPromote(t, s, "20240102120000")

	cur, prev := links(t, s)
	assert.Equal(t, "20240102120000", cur)
	assert.Equal(t, "20240101120000", prev)
}

func TestPromoteMissingDirectory(t *testing.T) {
	s, _ := newStore(t)

	err := s.Promote(context.Background(), "20240101120000")

	assert.True(t, errors.Is(err, deployerr.ErrPromotion))
}

func TestPromoteNeverRemovesCurrent(t *testing.T) {
	s, host := newStore(t)
	allocateAndPromote(t, s, "20240101120000")
	_, err := s.Allocate(context.Background(), "20240102120000")
	require.NoError(t, err)

	require.NoError(t, s.Promote(context.Background(), "20240102120000"))

	for _, c := range host.Calls() {
		if c.Command.Program == "rm" {
			t.Fatalf("promote issued %s", c)
		}
	}
}

func TestRollbackIsAnInvolution(t *testing.T) {
	s, _ := newStore(t)
	allocateAndPromote(t, s, "20240101120000")
	allocateAndPromote(t, s, "20240102120000")
	ctx := context.Background()

	require.NoError(t, s.Rollback(ctx))
	cur, prev := links(t, s)
	assert.Equal(t, "20240101120000", cur)
	assert.Equal(t, "20240102120000", prev)

	require.NoError(t, s.Rollback(ctx))
	cur, prev = links(t, s)
	assert.Equal(t, "20240102120000", cur)
	assert.Equal(t, "20240101120000", prev)
}

func TestRollbackWithoutPrevious(t *testing.T) {
	s, host := newStore(t)
	allocateAndPromote(t, s, "20240101120000")

	err := s.Rollback(context.Background())

	assert.True(t, errors.Is(err, deployerr.ErrNoPrevious))
	target, ok := host.ReadLink(base + "/releases/current")
	assert.True(t, ok)
	assert.Equal(t, "20240101120000", target)
}

func TestRollbackLogsUnreadableCurrent(t *testing.T) {
	host := remotetest.NewHost("10.0.0.1:22")
	host.MkdirAll(base)
	var logs bytes.Buffer
	s := NewStore(host, base, GNU, slog.New(slog.NewTextHandler(&logs, nil)))
	allocateAndPromote(t, s, "20240101120000")
	allocateAndPromote(t, s, "20240102120000")
	host.FailProgram("readlink", 1)

	require.NoError(t, s.Rollback(context.Background()))

	assert.Contains(t, logs.String(), "read current after rollback")
	target, ok := host.ReadLink(base + "/releases/current")
	assert.True(t, ok)
	assert.Equal(t, "20240101120000", target)
}

func TestRollbackFailureIsPromotionFailure(t *testing.T) {
	s, host := newStore(t)
	allocateAndPromote(t, s, "20240101120000")
	allocateAndPromote(t, s, "20240102120000")
	host.FailProgram("mv", 1)

	err := s.Rollback(context.Background())

	assert.True(t, errors.Is(err, deployerr.ErrPromotion))
	assert.Equal(t, 1, deployerr.ExitStatusOf(err))
}

func TestDeployExplicitSelectsOlderRelease(t *testing.T) {
	s, _ := newStore(t)
	allocateAndPromote(t, s, "20240101120000")
	allocateAndPromote(t, s, "20240102120000")

	require.NoError(t, s.DeployExplicit(context.Background(), "20240101120000"))

	cur, prev := links(t, s)
	assert.Equal(t, "20240101120000", cur)
	assert.Equal(t, "20240102120000", prev)
}

func TestDeployExplicitCurrentIsNoop(t *testing.T) {
	s, host := newStore(t)
	allocateAndPromote(t, s, "20240101120000")
	allocateAndPromote(t, s, "20240102120000")
	before := len(host.Calls())

	require.NoError(t, s.DeployExplicit(context.Background(), "20240102120000"))

	for _, c := range host.Calls()[before:] {
		assert.NotEqual(t, "mv", c.Command.Program)
		assert.NotEqual(t, "ln", c.Command.Program)
	}
	cur, prev := links(t, s)
	assert.Equal(t, "20240102120000", cur)
	assert.Equal(t, "20240101120000", prev)
}

func TestDeployExplicitUnknownRelease(t *testing.T) {
	s, _ := newStore(t)

	err := s.DeployExplicit(context.Background(), "20200101000000")

	assert.True(t, errors.Is(err, deployerr.ErrNotFound))
}

func TestBSDUserlandUsesNoDerefFlag(t *testing.T) {
	host := remotetest.NewHost("bsd")
	host.MkdirAll(base)
	s := NewStore(host, base, BSD, nil)
	allocateAndPromote(t, s, "20240101120000")
	allocateAndPromote(t, s, "20240102120000")

	n := host.Count(func(c remotetest.Call) bool {
		return c.Command.Program == "mv" && len(c.Command.Args) == 3 && c.Command.Args[0] == "-h"
	})
	assert.Equal(t, 3, n)
}

func TestListSkipsLinks(t *testing.T) {
	s, _ := newStore(t)
	allocateAndPromote(t, s, "20240102120000")
	allocateAndPromote(t, s, "20240101120000")

	ids, err := s.List(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"20240101120000", "20240102120000"}, ids)
}

func TestListWithoutReleasesDir(t *testing.T) {
	s, _ := newStore(t)

	ids, err := s.List(context.Background())

	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPurgeAllRemovesLayout(t *testing.T) {
	s, host := newStore(t)
	allocateAndPromote(t, s, "20240101120000")
	host.MkdirAll(base + "/other")
	host.WriteFile(base+"/bin/python", "")

	require.NoError(t, s.PurgeAll(context.Background()))

	assert.False(t, host.Exists(base+"/releases"))
	assert.False(t, host.Exists(base+"/packages"))
	assert.False(t, host.Exists(base+"/other"))
	assert.True(t, host.Exists(base+"/bin/python"))
}

func TestSetupCreatesLayout(t *testing.T) {
	host := remotetest.NewHost("h")
	s := NewStore(host, "/srv/new", GNU, nil)

	require.NoError(t, s.Setup(context.Background()))

	assert.True(t, host.IsDir("/srv/new/releases"))
	assert.True(t, host.IsDir("/srv/new/packages"))
}

func TestGeneratorIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 500, time.UTC)
	g := NewGenerator(func() time.Time { return fixed })

	first := g.Next()
	second := g.Next()

	assert.Equal(t, "20240101120000", first)
	assert.Equal(t, "20240101120001", second)
	ts, err := ParseTime(second)
	require.NoError(t, err)
	assert.Equal(t, fixed.Truncate(time.Second).Add(time.Second), ts)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("20240101120000"))
	assert.NoError(t, ValidateID("v1.2-rc_1"))
	assert.Error(t, ValidateID("-rf"))
	assert.Error(t, ValidateID("a/b"))
	assert.Error(t, ValidateID("_previous"))
}
