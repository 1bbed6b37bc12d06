package release

import (
	"context"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/shell"
)

// Userland selects flag spellings for the remote coreutils.
type Userland string

const (
	// GNU userlands spell "treat destination as a plain file" mv -T.
	GNU Userland = "gnu"
	// BSD userlands spell it mv -h.
	BSD Userland = "bsd"
)

// Store operates on one host's release layout under a base path.
type Store struct {
	ex      remote.Executor
	base    string
	noDeref string
	log     *slog.Logger
}

// NewStore returns a store for base on ex.
func NewStore(ex remote.Executor, base string, userland Userland, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	flag := "-T"
	if userland == BSD {
		flag = "-h"
	}
	return &Store{
		ex:      ex,
		base:    path.Clean(base),
		noDeref: flag,
		log:     logger.With("host", ex.Host()),
	}
}

// Base returns the base path.
func (s *Store) Base() string { return s.base }

// ReleasesDir returns <base>/releases.
func (s *Store) ReleasesDir() string { return path.Join(s.base, "releases") }

// PackagesDir returns <base>/packages.
func (s *Store) PackagesDir() string { return path.Join(s.base, "packages") }

// Dir returns the directory of release id.
func (s *Store) Dir(id string) string { return path.Join(s.ReleasesDir(), id) }

// CurrentDir returns the path of the current link.
func (s *Store) CurrentDir() string { return path.Join(s.ReleasesDir(), Current) }

// Setup creates the base path with releases/ and packages/.
func (s *Store) Setup(ctx context.Context) error {
	_, err := s.ex.Run(ctx, shell.New("mkdir", "-p", s.base, s.ReleasesDir(), s.PackagesDir()))
	return deployerr.WithHost(err, s.ex.Host())
}

// Allocate creates releases/<id> and returns its path. An existing release
// directory is never touched.
func (s *Store) Allocate(ctx context.Context, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", err
	}
	dir := s.Dir(id)
	exists, err := remote.Exists(ctx, s.ex, dir)
	if err != nil {
		return "", deployerr.WithHost(err, s.ex.Host())
	}
	if exists {
		return "", s.errorf(deployerr.KindCollision, "allocate", "release %s already exists", id)
	}
	if _, err := s.ex.Run(ctx, shell.New("mkdir", "-p", s.ReleasesDir(), s.PackagesDir())); err != nil {
		return "", deployerr.WithHost(err, s.ex.Host())
	}
	// Plain mkdir fails rather than reusing a directory created concurrently.
	if _, err := s.ex.Run(ctx, shell.New("mkdir", dir)); err != nil {
		if deployerr.ExitStatusOf(err) == 1 {
			return "", s.errorf(deployerr.KindCollision, "allocate", "release %s already exists", id)
		}
		return "", deployerr.WithHost(err, s.ex.Host())
	}
	s.log.Info("release allocated", "release", id, "dir", dir)
	return dir, nil
}

// Promote makes release id current, demoting the old current to previous.
func (s *Store) Promote(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	isDir, err := remote.IsDir(ctx, s.ex, s.Dir(id))
	if err != nil {
		return deployerr.WithHost(err, s.ex.Host())
	}
	if !isDir {
		return s.errorf(deployerr.KindPromotion, "promote", "release directory %s is missing", s.Dir(id))
	}
	if err := s.swap(ctx, id); err != nil {
		return deployerr.Reclassify(err, deployerr.KindPromotion, "promote "+id)
	}
	s.log.Info("release promoted", "release", id)
	return nil
}

// DeployExplicit makes an already installed release current. It is a no-op
// when id is current already.
func (s *Store) DeployExplicit(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	isDir, err := remote.IsDir(ctx, s.ex, s.Dir(id))
	if err != nil {
		return deployerr.WithHost(err, s.ex.Host())
	}
	if !isDir {
		return s.errorf(deployerr.KindNotFound, "deploy release", "release %s does not exist", id)
	}
	cur, err := s.Current(ctx)
	if err != nil {
		return err
	}
	if cur == id {
		s.log.Info("release already current", "release", id)
		return nil
	}
	if err := s.swap(ctx, id); err != nil {
		return deployerr.Reclassify(err, deployerr.KindPromotion, "deploy release "+id)
	}
	s.log.Info("release deployed", "release", id, "previous", cur)
	return nil
}

// swap points current at id through a staged link so current never
// disappears: _current -> id, current -> previous, _current -> current.
func (s *Store) swap(ctx context.Context, id string) error {
	dir := s.ReleasesDir()
	if _, err := s.ex.Run(ctx, shell.New("ln", "-sfn", id, stageCurrent).In(dir)); err != nil {
		return err
	}
	hasCurrent, err := remote.Exists(ctx, s.ex, s.CurrentDir())
	if err != nil {
		return err
	}
	if hasCurrent {
		if _, err := s.ex.Run(ctx, shell.New("mv", s.noDeref, Current, Previous).In(dir)); err != nil {
			return err
		}
	}
	_, err = s.ex.Run(ctx, shell.New("mv", s.noDeref, stageCurrent, Current).In(dir))
	return err
}

// Rollback swaps current and previous. Applying it twice restores the
// original mapping.
func (s *Store) Rollback(ctx context.Context) error {
	dir := s.ReleasesDir()
	hasPrevious, err := remote.Exists(ctx, s.ex, path.Join(dir, Previous))
	if err != nil {
		return deployerr.WithHost(err, s.ex.Host())
	}
	if !hasPrevious {
		return s.errorf(deployerr.KindNoPrevious, "rollback", "no previous release")
	}
	hasCurrent, err := remote.Exists(ctx, s.ex, s.CurrentDir())
	if err != nil {
		return deployerr.WithHost(err, s.ex.Host())
	}
	if !hasCurrent {
		return s.errorf(deployerr.KindPromotion, "rollback", "no current release to roll back from")
	}
	steps := [][2]string{
		{Current, stagePrev},
		{Previous, Current},
		{stagePrev, Previous},
	}
	for _, step := range steps {
		if _, err := s.ex.Run(ctx, shell.New("mv", s.noDeref, step[0], step[1]).In(dir)); err != nil {
			return deployerr.Reclassify(deployerr.WithHost(err, s.ex.Host()), deployerr.KindPromotion, "rollback")
		}
	}
	cur, err := s.Current(ctx)
	if err != nil {
		s.log.Warn("read current after rollback", "error", err)
	}
	s.log.Info("rolled back", "current", cur)
	return nil
}

// PurgeAll removes packages/, releases/ and other/ under the base path.
func (s *Store) PurgeAll(ctx context.Context) error {
	_, err := s.ex.RunPrivileged(ctx, shell.New("rm", "-rf", "packages", "releases", "other").In(s.base))
	if err != nil {
		return deployerr.WithHost(err, s.ex.Host())
	}
	s.log.Warn("release store purged", "base", s.base)
	return nil
}

// Current returns the release current points at, or "" when unset.
func (s *Store) Current(ctx context.Context) (string, error) {
	return s.target(ctx, Current)
}

// Previous returns the release previous points at, or "" when unset.
func (s *Store) Previous(ctx context.Context) (string, error) {
	return s.target(ctx, Previous)
}

func (s *Store) target(ctx context.Context, link string) (string, error) {
	t, err := remote.ReadLink(ctx, s.ex, path.Join(s.ReleasesDir(), link))
	if err != nil {
		return "", deployerr.WithHost(err, s.ex.Host())
	}
	if t == "" {
		return "", nil
	}
	return path.Base(strings.TrimSuffix(t, "/")), nil
}

// List returns the release identifiers on the host in ascending order,
// excluding the link names.
func (s *Store) List(ctx context.Context) ([]string, error) {
	isDir, err := remote.IsDir(ctx, s.ex, s.ReleasesDir())
	if err != nil {
		return nil, deployerr.WithHost(err, s.ex.Host())
	}
	if !isDir {
		return nil, nil
	}
	out, err := s.ex.Run(ctx, shell.New("ls", "-1", s.ReleasesDir()))
	if err != nil {
		return nil, deployerr.WithHost(err, s.ex.Host())
	}
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || ValidateID(name) != nil {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) errorf(kind deployerr.Kind, op, format string, args ...any) error {
	err := deployerr.Newf(kind, op, format, args...)
	err.Host = s.ex.Host()
	return err
}
