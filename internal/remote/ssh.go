package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/shell"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultSudoPrompt     = "Password:"
)

// Options configures SSH connections for one environment.
type Options struct {
	User     string
	Password string
	KeyFile  string
	// UseAgent enables authentication through SSH_AUTH_SOCK.
	UseAgent              bool
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	// Shell wraps every command line, for example "/usr/local/bin/bash -l -c".
	Shell          string
	SudoPrompt     string
	ConnectTimeout time.Duration
	// CommandTimeout bounds each command; zero disables the limit.
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// SSHDialer opens SSH executors.
type SSHDialer struct {
	opts Options
}

// NewSSHDialer validates opts and returns a dialer.
func NewSSHDialer(opts Options) (*SSHDialer, error) {
	if strings.TrimSpace(opts.User) == "" {
		return nil, errors.New("ssh user required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.SudoPrompt == "" {
		opts.SudoPrompt = defaultSudoPrompt
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SSHDialer{opts: opts}, nil
}

// Dial connects to host ("addr" or "addr:port").
func (d *SSHDialer) Dial(ctx context.Context, host string) (Executor, error) {
	addr, err := NormalizeAddr(host)
	if err != nil {
		return nil, &deployerr.Error{Kind: deployerr.KindTransport, Host: host, Op: "dial", Err: err, ExitStatus: -1}
	}
	cfg, err := d.clientConfig()
	if err != nil {
		return nil, &deployerr.Error{Kind: deployerr.KindTransport, Host: host, Op: "ssh config", Err: err, ExitStatus: -1}
	}

	dialer := net.Dialer{Timeout: d.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &deployerr.Error{Kind: deployerr.KindTransport, Host: host, Op: "dial", Err: err, ExitStatus: -1}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(d.opts.ConnectTimeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, &deployerr.Error{Kind: deployerr.KindTransport, Host: host, Op: "ssh handshake", Err: err, ExitStatus: -1}
	}
	_ = conn.SetDeadline(time.Time{})

	d.opts.Logger.Debug("ssh connected", "host", host, "user", d.opts.User)
	return &sshExecutor{
		host:   host,
		client: ssh.NewClient(c, chans, reqs),
		opts:   d.opts,
		log:    d.opts.Logger.With("host", host),
	}, nil
}

func (d *SSHDialer) clientConfig() (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if d.opts.KeyFile != "" {
		keyPath, err := expandHome(d.opts.KeyFile)
		if err != nil {
			return nil, err
		}
		pem, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if d.opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			agentConn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, fmt.Errorf("connect ssh agent: %w", err)
			}
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(agentConn).Signers))
		}
	}
	if d.opts.Password != "" {
		methods = append(methods, ssh.Password(d.opts.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh authentication method configured")
	}

	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            d.opts.User,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         d.opts.ConnectTimeout,
	}, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := d.opts.KnownHostsFile
	if file == "" {
		file = "~/.ssh/known_hosts"
	}
	file, err := expandHome(file)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

type sshExecutor struct {
	host   string
	client *ssh.Client
	opts   Options
	log    *slog.Logger
}

func (e *sshExecutor) Host() string { return e.host }

func (e *sshExecutor) Run(ctx context.Context, cmd shell.Command) (string, error) {
	line := shell.Wrap(e.opts.Shell, cmd.String())
	e.log.Debug("run", "command", cmd.Redacted())
	return e.exec(ctx, line, nil, cmd)
}

func (e *sshExecutor) RunPrivileged(ctx context.Context, cmd shell.Command) (string, error) {
	var (
		prefix string
		stdin  io.Reader
	)
	if e.opts.Password != "" {
		prefix = "sudo -S -p " + shellescape.Quote(e.opts.SudoPrompt) + " "
		stdin = strings.NewReader(e.opts.Password + "\n")
	} else {
		prefix = "sudo -n "
	}
	line := prefix + shell.Wrap(e.opts.Shell, cmd.String())
	e.log.Debug("run privileged", "command", cmd.Redacted())
	return e.exec(ctx, line, stdin, cmd)
}

func (e *sshExecutor) exec(ctx context.Context, line string, stdin io.Reader, cmd shell.Command) (string, error) {
	if e.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CommandTimeout)
		defer cancel()
	}
	session, err := e.client.NewSession()
	if err != nil {
		return "", e.failure(cmd, -1, "", fmt.Errorf("open session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		// Run owns the buffers until it returns.
		<-done
		return stdout.String(), e.failure(cmd, -1, stderr.String(), ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), e.failure(cmd, exitErr.ExitStatus(), stderr.String(), err)
		}
		return stdout.String(), e.failure(cmd, -1, stderr.String(), err)
	}
}

func (e *sshExecutor) failure(cmd shell.Command, status int, stderr string, err error) error {
	return &deployerr.Error{
		Kind:       deployerr.KindTransport,
		Host:       e.host,
		Op:         cmd.Redacted(),
		ExitStatus: status,
		Stderr:     stderr,
		Err:        err,
	}
}

// Upload copies localPath to remotePath over SFTP. A trailing slash on
// remotePath uploads into that directory under the local base name.
func (e *sshExecutor) Upload(ctx context.Context, localPath, remotePath string) error {
	fail := func(err error) error {
		return &deployerr.Error{Kind: deployerr.KindUpload, Host: e.host, Op: "upload " + remotePath, Err: err, ExitStatus: -1}
	}
	if strings.HasSuffix(remotePath, "/") {
		remotePath = path.Join(remotePath, path.Base(localPath))
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	client, err := sftp.NewClient(e.client)
	if err != nil {
		return fail(fmt.Errorf("start sftp: %w", err))
	}
	defer client.Close()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fail(err)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(dst, src)
		copyDone <- err
	}()
	select {
	case <-ctx.Done():
		dst.Close()
		return fail(ctx.Err())
	case err := <-copyDone:
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fail(err)
		}
	}
	e.log.Debug("uploaded", "local", localPath, "remote", remotePath)
	return nil
}

func (e *sshExecutor) Close() error {
	return e.client.Close()
}
