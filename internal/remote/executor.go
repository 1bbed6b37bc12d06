// Package remote runs commands and transfers files on deployment hosts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/shell"
)

// Executor issues commands against a single host. Implementations return
// *deployerr.Error values of kind REMOTE_COMMAND_FAILED for non-zero exits and
// UPLOAD_FAILED for transfer errors.
type Executor interface {
	Host() string
	Run(ctx context.Context, cmd shell.Command) (string, error)
	RunPrivileged(ctx context.Context, cmd shell.Command) (string, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Dialer opens executors for hosts.
type Dialer interface {
	Dial(ctx context.Context, host string) (Executor, error)
}

// Succeeds runs cmd and reports whether it exited zero. An exit status of 1 is
// treated as a negative answer; any other failure is returned as an error.
func Succeeds(ctx context.Context, ex Executor, cmd shell.Command, privileged bool) (bool, error) {
	_, err := RunAs(ctx, ex, cmd, privileged)
	if err == nil {
		return true, nil
	}
	if deployerr.ExitStatusOf(err) == 1 {
		return false, nil
	}
	return false, err
}

// Exists reports whether path exists on the host. Symlinks are tested as links
// so dangling release pointers are still seen.
func Exists(ctx context.Context, ex Executor, path string) (bool, error) {
	return Succeeds(ctx, ex, shell.New("test", "-e", path, "-o", "-L", path), false)
}

// IsDir reports whether path is a directory on the host.
func IsDir(ctx context.Context, ex Executor, path string) (bool, error) {
	return Succeeds(ctx, ex, shell.New("test", "-d", path), false)
}

// IsLink reports whether path is a symbolic link on the host.
func IsLink(ctx context.Context, ex Executor, path string) (bool, error) {
	return Succeeds(ctx, ex, shell.New("test", "-L", path), false)
}

// ReadLink returns the target of the symlink at path, or "" when absent.
func ReadLink(ctx context.Context, ex Executor, path string) (string, error) {
	ok, err := IsLink(ctx, ex, path)
	if err != nil || !ok {
		return "", err
	}
	out, err := ex.Run(ctx, shell.New("readlink", path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// UploadContent writes content to a local temporary file and uploads it to
// remotePath. The local file is removed before returning.
func UploadContent(ctx context.Context, ex Executor, content []byte, remotePath string) error {
	f, err := os.CreateTemp("", "djdeploy-upload-*")
	if err != nil {
		return deployerr.New(deployerr.KindUpload, "stage upload", err)
	}
	local := f.Name()
	defer os.Remove(local)
	if _, err := f.Write(content); err != nil {
		f.Close()
		return deployerr.New(deployerr.KindUpload, "stage upload", err)
	}
	if err := f.Close(); err != nil {
		return deployerr.New(deployerr.KindUpload, "stage upload", err)
	}
	return ex.Upload(ctx, local, remotePath)
}

// NormalizeAddr appends the default SSH port when host carries none.
func NormalizeAddr(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("empty host")
	}
	if strings.HasPrefix(host, "[") || strings.Count(host, ":") == 1 {
		return host, nil
	}
	if strings.Count(host, ":") > 1 {
		return "[" + host + "]:22", nil
	}
	return host + ":22", nil
}

// expandHome resolves a leading ~ in local paths from configuration.
func expandHome(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// RunAs runs cmd, escalating privileges when privileged is set.
func RunAs(ctx context.Context, ex Executor, cmd shell.Command, privileged bool) (string, error) {
	if privileged {
		return ex.RunPrivileged(ctx, cmd)
	}
	return ex.Run(ctx, cmd)
}
