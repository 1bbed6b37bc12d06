package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/multierr"
	"golang.org/x/term"

	"github.com/Kami/django-deployment-script/internal/deploy"
	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/ledger"
	"github.com/Kami/django-deployment-script/internal/local"
	"github.com/Kami/django-deployment-script/internal/lock"
	"github.com/Kami/django-deployment-script/internal/metrics"
	"github.com/Kami/django-deployment-script/internal/notify"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/serverctl"
	"github.com/Kami/django-deployment-script/internal/source"
	"github.com/Kami/django-deployment-script/internal/transfer"
	"github.com/Kami/django-deployment-script/internal/workspace"
	"github.com/Kami/django-deployment-script/pkg/config"
)

// wiring owns the collaborators built for one command.
type wiring struct {
	deps    deploy.Dependencies
	closers []func() error
}

func (w *wiring) onClose(fn func() error) {
	w.closers = append(w.closers, fn)
}

// Close releases everything in reverse order of creation.
func (w *wiring) Close() error {
	var errs error
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, w.closers[i]())
	}
	return errs
}

// wire connects the orchestrator to SSH, the source exporter, the server
// strategy and the optional lock, ledger, metrics and webhook.
func (a *app) wire(ctx context.Context, env config.Environment, withSource bool) (*wiring, error) {
	w := &wiring{deps: deploy.Dependencies{
		Logger:  a.log,
		Metrics: metrics.New(),
		PushURL: a.cfg.Metrics.Pushgateway,
		PushJob: a.cfg.Metrics.Job,
		LockTTL: a.cfg.Lock.TTL,
	}}
	fail := func(err error) (*wiring, error) {
		if cerr := w.Close(); cerr != nil {
			a.log.Warn("release resources", "error", cerr)
		}
		return nil, err
	}

	// Hosts and path are checked by the orchestrator; without them there is
	// nothing to dial and no reason to prompt.
	if len(env.Hosts) > 0 && env.Path != "" {
		dialer, err := a.dialer(env)
		if err != nil {
			return fail(err)
		}
		w.deps.Dialer = dialer
	}

	if withSource {
		tr, err := a.transfer()
		if err != nil {
			return fail(err)
		}
		w.deps.Transfer = tr
	}

	servers, err := a.servers(ctx, env, w)
	if err != nil {
		return fail(err)
	}
	w.deps.Servers = servers

	if addr := a.cfg.Lock.RedisAddr; addr != "" {
		l, err := lock.NewRedis(addr, a.cfg.Lock.RedisPassword, a.cfg.Lock.RedisDB, a.log)
		if err != nil {
			return fail(err)
		}
		w.deps.Locker = l
		w.onClose(l.Close)
	}

	if dsn := a.cfg.Ledger.DSN; dsn != "" {
		store, closeFn, err := a.openLedger(ctx, dsn)
		if err != nil {
			return fail(err)
		}
		w.deps.Ledger = store
		w.onClose(closeFn)
	}

	if url := a.cfg.Notify.URL; url != "" {
		client := &http.Client{Timeout: a.cfg.Notify.Timeout}
		hook, err := notify.NewWebhook(url, a.cfg.Notify.Token, a.cfg.Notify.SuppressionTTL, client, a.log)
		if err != nil {
			return fail(deployerr.New(deployerr.KindInvalidConfig, "notify", err))
		}
		if secret := a.cfg.Notify.SigningSecret; secret != "" {
			hook.SignWith(secret, a.cfg.Notify.TokenTTL)
		}
		w.deps.Notifier = hook
	}
	return w, nil
}

func (a *app) dialer(env config.Environment) (remote.Dialer, error) {
	if env.User == "" {
		return nil, deployerr.Precondition("connect", "user")
	}
	password := env.Password
	if password == "" && env.PromptPassword {
		p, err := promptPassword(os.Stdin, a.printer.Out(), fmt.Sprintf("Password for %s (%s): ", env.User, env.Name))
		if err != nil {
			return nil, err
		}
		password = p
	}
	d, err := remote.NewSSHDialer(remote.Options{
		User:                  env.User,
		Password:              password,
		KeyFile:               env.KeyFile,
		UseAgent:              env.UseAgent,
		KnownHostsFile:        env.KnownHosts,
		InsecureIgnoreHostKey: env.InsecureIgnoreHostKey,
		Shell:                 env.Shell,
		SudoPrompt:            env.SudoPrompt,
		ConnectTimeout:        env.ConnectTimeout,
		CommandTimeout:        env.CommandTimeout,
		Logger:                a.log,
	})
	if err != nil {
		return nil, deployerr.New(deployerr.KindInvalidConfig, "ssh", err)
	}
	return d, nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", deployerr.Precondition("connect", "password (stdin is not a terminal)")
	}
	fmt.Fprint(out, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(secret), nil
}

func (a *app) transfer() (*transfer.Transfer, error) {
	format, err := source.ParseFormat(a.cfg.Source.Format)
	if err != nil {
		return nil, deployerr.New(deployerr.KindInvalidConfig, "source", err)
	}
	exp, err := source.New(source.Options{
		Method:  source.Method(a.cfg.Source.Method),
		RepoDir: a.cfg.Project.Directory,
		Format:  format,
	}, local.NewRunner(a.log))
	if err != nil {
		return nil, deployerr.New(deployerr.KindInvalidConfig, "source", err)
	}
	ws, err := workspace.New(a.cfg.Workspace)
	if err != nil {
		return nil, err
	}
	return transfer.New(exp, ws, a.log), nil
}

func (a *app) servers(ctx context.Context, env config.Environment, w *wiring) (deploy.ServerFactory, error) {
	switch env.Servers.Strategy {
	case "docker":
		if len(env.Servers.Containers) == 0 {
			return nil, deployerr.Precondition("reload servers", "servers.containers")
		}
		containers := make(map[serverctl.Kind]string, len(env.Servers.Containers))
		for k, v := range env.Servers.Containers {
			containers[serverctl.Kind(k)] = v
		}
		api, err := serverctl.NewDockerClient(ctx, env.Servers.DockerHost)
		if err != nil {
			return nil, deployerr.New(deployerr.KindServerReload, "docker", err)
		}
		w.onClose(api.Close)
		return deploy.DockerServers(api, containers), nil
	default:
		commands := serverctl.DefaultCommands()
		for k, argv := range env.Servers.Commands {
			commands[serverctl.Kind(k)] = argv
		}
		return deploy.CommandServers(commands), nil
	}
}

// openLedger connects to postgres and applies pending migrations.
func (a *app) openLedger(ctx context.Context, dsn string) (*ledger.Store, func() error, error) {
	migrator, err := ledger.NewMigrator(dsn, a.log)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Ensure(ctx); err != nil {
		return nil, nil, err
	}
	pool, err := ledger.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return ledger.New(pool), func() error { pool.Close(); return nil }, nil
}
