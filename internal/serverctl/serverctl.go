// Package serverctl reloads the front-end web servers after release changes.
package serverctl

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/shell"
)

// Kind identifies a front-end server.
type Kind string

const (
	Apache   Kind = "apache"
	Lighttpd Kind = "lighttpd"
)

// Kinds lists the servers in reload order.
var Kinds = []Kind{Apache, Lighttpd}

// Strategy performs the reload of one server.
type Strategy interface {
	Reload(ctx context.Context, kind Kind) error
}

// Control reloads servers through a strategy and classifies failures.
type Control struct {
	host     string
	strategy Strategy
	log      *slog.Logger
}

// New returns a control for host.
func New(host string, strategy Strategy, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.Default()
	}
	return &Control{host: host, strategy: strategy, log: logger.With("host", host)}
}

// Reload reloads one server.
func (c *Control) Reload(ctx context.Context, kind Kind) error {
	if err := c.strategy.Reload(ctx, kind); err != nil {
		return deployerr.Reclassify(deployerr.WithHost(err, c.host), deployerr.KindServerReload, "reload "+string(kind))
	}
	c.log.Info("server reloaded", "server", kind)
	return nil
}

// ReloadAll reloads every server, stopping at the first failure.
func (c *Control) ReloadAll(ctx context.Context) error {
	for _, kind := range Kinds {
		if err := c.Reload(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// CommandStrategy runs a privileged command on the host per server, such as
// an rc.d script.
type CommandStrategy struct {
	ex       remote.Executor
	commands map[Kind]shell.Command
}

// DefaultCommands are the FreeBSD rc.d reload scripts.
func DefaultCommands() map[Kind][]string {
	return map[Kind][]string{
		Apache:   {"/usr/local/etc/rc.d/apache22", "reload"},
		Lighttpd: {"/usr/local/etc/rc.d/lighttpd", "reload"},
	}
}

// NewCommandStrategy builds a strategy from argv per server kind.
func NewCommandStrategy(ex remote.Executor, argv map[Kind][]string) (*CommandStrategy, error) {
	commands := make(map[Kind]shell.Command, len(Kinds))
	for _, kind := range Kinds {
		cmd, ok := shell.FromArgv(argv[kind])
		if !ok {
			return nil, fmt.Errorf("no reload command configured for %s", kind)
		}
		commands[kind] = cmd
	}
	return &CommandStrategy{ex: ex, commands: commands}, nil
}

// Reload implements Strategy.
func (s *CommandStrategy) Reload(ctx context.Context, kind Kind) error {
	cmd, ok := s.commands[kind]
	if !ok {
		return fmt.Errorf("unknown server %q", kind)
	}
	_, err := s.ex.RunPrivileged(ctx, cmd)
	return err
}
