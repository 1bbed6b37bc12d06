package deployerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestIsMatchesByKind(t *testing.T) {
	err := Newf(KindNotFound, "deploy release", "release %s does not exist", "20240101000000")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrNoPrevious))

	wrapped := fmt.Errorf("host web1: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Kind:       KindTransport,
		Host:       "web1",
		Op:         "mkdir -p /srv",
		ExitStatus: 1,
		Stderr:     "permission denied\n",
		Err:        errors.New("exit status 1"),
	}
	assert.Equal(t, "REMOTE_COMMAND_FAILED [web1] mkdir -p /srv: exit status 1 (stderr: permission denied)", err.Error())
}

func TestErrorMessageTruncatesStderr(t *testing.T) {
	err := &Error{Kind: KindTransport, Stderr: strings.Repeat("x", 1000)}
	assert.True(t, strings.HasSuffix(err.Error(), "...)"))
	assert.Less(t, len(err.Error()), 600)
}

func TestPreconditionListsMissingValues(t *testing.T) {
	err := Precondition("deploy", "hosts", "path")
	assert.True(t, errors.Is(err, ErrPrecondition))
	assert.Contains(t, err.Error(), "hosts, path")
	assert.Equal(t, -1, err.ExitStatus)
}

func TestWithHost(t *testing.T) {
	assert.Nil(t, WithHost(nil, "web1"))

	plain := WithHost(errors.New("connection refused"), "web2")
	assert.Equal(t, "web2", HostOf(plain))
	assert.Equal(t, KindTransport, KindOf(plain))
	assert.Equal(t, -1, ExitStatusOf(plain))

	orig := New(KindUpload, "upload", errors.New("disk full"))
	annotated := WithHost(orig, "web1")
	assert.Equal(t, "web1", HostOf(annotated))
	assert.Empty(t, orig.Host, "original is not mutated")

	assert.Same(t, annotated, WithHost(annotated, "web3"), "an existing host is kept")
}

func TestReclassifyKeepsContext(t *testing.T) {
	base := &Error{Kind: KindTransport, Host: "web1", Op: "unzip", ExitStatus: 9, Stderr: "bad zip"}
	err := Reclassify(base, KindUnpack, "unpack pkg.zip")
	assert.True(t, errors.Is(err, ErrUnpack))
	assert.Equal(t, "web1", HostOf(err))
	assert.Equal(t, 9, ExitStatusOf(err))
	assert.Equal(t, KindTransport, base.Kind)

	plain := Reclassify(errors.New("boom"), KindSourceExport, "export")
	assert.True(t, errors.Is(plain, ErrSourceExport))
	assert.Nil(t, Reclassify(nil, KindUnpack, ""))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "", HostOf(errors.New("plain")))
	assert.Equal(t, -1, ExitStatusOf(errors.New("plain")))
}

func TestIsThroughMultierr(t *testing.T) {
	err := multierr.Combine(
		WithHost(New(KindServerReload, "reload apache", errors.New("exit 1")), "web1"),
		WithHost(New(KindTransport, "rm", errors.New("exit 1")), "web1"),
	)
	assert.True(t, errors.Is(err, ErrServerReload))
	assert.True(t, errors.Is(err, ErrTransport))
	assert.False(t, errors.Is(err, ErrUpload))
}
