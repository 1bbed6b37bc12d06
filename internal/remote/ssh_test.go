package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/shell"
)

// sshServer is a minimal exec-only server. "stream" writes output until the
// client goes away, "fail" exits 3 with stderr, anything else prints hello.
type sshServer struct {
	listener net.Listener
	wg       sync.WaitGroup
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == "deploy" && string(password) == "s3cret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sshServer{listener: l}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn, cfg)
			}()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		s.wg.Wait()
	})
	return s
}

func (s *sshServer) addr() string { return s.listener.Addr().String() }

func (s *sshServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				if req.Type != "exec" {
					if req.WantReply {
						_ = req.Reply(false, nil)
					}
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				go execute(ch, payload.Command)
			}
		}()
	}
}

func execute(ch ssh.Channel, command string) {
	exit := func(status uint32) {
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		_ = ch.Close()
	}
	switch {
	case strings.HasPrefix(command, "stream"):
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(ch, "line %d\n", i); err != nil {
				return
			}
			if _, err := fmt.Fprintf(ch.Stderr(), "warn %d\n", i); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	case strings.HasPrefix(command, "fail"):
		_, _ = fmt.Fprint(ch.Stderr(), "boom\n")
		exit(3)
	default:
		_, _ = fmt.Fprint(ch, "hello\n")
		exit(0)
	}
}

func dialTestServer(t *testing.T, s *sshServer, timeout time.Duration) Executor {
	t.Helper()
	d, err := NewSSHDialer(Options{
		User:                  "deploy",
		Password:              "s3cret",
		InsecureIgnoreHostKey: true,
		CommandTimeout:        timeout,
	})
	require.NoError(t, err)
	ex, err := d.Dial(context.Background(), s.addr())
	require.NoError(t, err)
	t.Cleanup(func() { ex.Close() })
	return ex
}

func TestSSHRunReturnsOutput(t *testing.T) {
	s := startSSHServer(t)
	ex := dialTestServer(t, s, 0)

	out, err := ex.Run(context.Background(), shell.New("echo", "hello"))

	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestSSHRunReportsExitStatus(t *testing.T) {
	s := startSSHServer(t)
	ex := dialTestServer(t, s, 0)

	_, err := ex.Run(context.Background(), shell.New("fail"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerr.ErrTransport))
	assert.Equal(t, 3, deployerr.ExitStatusOf(err))
	var de *deployerr.Error
	require.True(t, errors.As(err, &de))
	assert.Contains(t, de.Stderr, "boom")
}

func TestSSHRunTimeoutIsReportedAsFailure(t *testing.T) {
	s := startSSHServer(t)
	ex := dialTestServer(t, s, 50*time.Millisecond)

	_, err := ex.Run(context.Background(), shell.New("stream"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, deployerr.ErrTransport))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, -1, deployerr.ExitStatusOf(err))

	// The connection stays usable after a timed-out command.
	out, err := ex.Run(context.Background(), shell.New("echo"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}
