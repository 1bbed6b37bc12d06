// Package site installs a release into its final shape on a host: manifest
// placement, front-end server configuration, dependencies and ownership.
package site

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"go.uber.org/multierr"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/remote"
	"github.com/Kami/django-deployment-script/internal/shell"
)

// Placement moves a staged file to its final location inside the release.
// Both paths may use ${project}.
type Placement struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// DefaultPlacements matches a Django project laid out with an other/ staging dir.
func DefaultPlacements() []Placement {
	return []Placement{
		{From: "dependencies.txt", To: "dependencies.txt"},
		{From: "${project}.wsgi", To: "${project}/${project}.wsgi"},
		{From: "settings.py", To: "${project}/settings.py"},
	}
}

// Apache locates the Apache-style vhost directories.
type Apache struct {
	SitesAvailable string
	SitesEnabled   string
	// Template is the staged file name, ${project}.apache by default.
	Template string
}

// Lighttpd locates the lighttpd vhost directory and main configuration.
type Lighttpd struct {
	VhostDir   string
	MainConfig string
	// Template is the staged file name, ${project}.lighttpd by default.
	Template string
}

// Config describes one site.
type Config struct {
	Project    string
	Domain     string
	WWWUser    string
	WWWGroup   string
	StagingDir string
	Placements []Placement
	Apache     Apache
	Lighttpd   Lighttpd
	Install    shell.Hook
	Uninstall  shell.Hook
}

// Layout resolves paths of the host's release store.
type Layout interface {
	Base() string
	Dir(id string) string
}

// Installer applies Config to releases on one host.
type Installer struct {
	ex     remote.Executor
	layout Layout
	cfg    Config
	vars   map[string]string
	log    *slog.Logger
}

// NewInstaller returns an installer. vars feeds ${name} expansion in
// placements and hooks; release-specific values are added per call.
func NewInstaller(ex remote.Executor, layout Layout, cfg Config, vars map[string]string, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = "other"
	}
	if cfg.Placements == nil {
		cfg.Placements = DefaultPlacements()
	}
	if cfg.Apache.Template == "" {
		cfg.Apache.Template = "${project}.apache"
	}
	if cfg.Lighttpd.Template == "" {
		cfg.Lighttpd.Template = "${project}.lighttpd"
	}
	if cfg.WWWGroup == "" {
		cfg.WWWGroup = cfg.WWWUser
	}
	merged := map[string]string{
		"project": cfg.Project,
		"domain":  cfg.Domain,
		"path":    layout.Base(),
		"staging": cfg.StagingDir,
	}
	for k, v := range vars {
		merged[k] = v
	}
	return &Installer{ex: ex, layout: layout, cfg: cfg, vars: merged, log: logger.With("host", ex.Host())}
}

// Vars returns the expansion variables for release id.
func (in *Installer) Vars(id string) map[string]string {
	out := make(map[string]string, len(in.vars)+3)
	for k, v := range in.vars {
		out[k] = v
	}
	if id != "" {
		out["release"] = id
		out["release_dir"] = in.layout.Dir(id)
		out["staging_dir"] = path.Join(in.layout.Dir(id), in.cfg.StagingDir)
	}
	return out
}

func (in *Installer) expand(s, id string) string {
	return shell.Expand([]string{s}, in.Vars(id))[0]
}

// ApacheAvailable is the installed Apache vhost file.
func (in *Installer) ApacheAvailable() string {
	return path.Join(in.cfg.Apache.SitesAvailable, in.cfg.Domain)
}

// ApacheEnabled is the enabling link for the Apache vhost.
func (in *Installer) ApacheEnabled() string {
	return path.Join(in.cfg.Apache.SitesEnabled, in.cfg.Domain)
}

// LighttpdVhost is the installed lighttpd vhost file.
func (in *Installer) LighttpdVhost() string {
	return path.Join(in.cfg.Lighttpd.VhostDir, in.cfg.Domain+".conf")
}

// IncludeLine is the directive that makes lighttpd load the vhost.
func (in *Installer) IncludeLine() string {
	return fmt.Sprintf("include %q", in.LighttpdVhost())
}

// Install runs placement, server registration and finalization in order.
func (in *Installer) Install(ctx context.Context, id string) error {
	if err := in.PlaceManifests(ctx, id); err != nil {
		return err
	}
	if err := in.RegisterServerConfigs(ctx, id); err != nil {
		return err
	}
	return in.Finalize(ctx, id)
}

// PlaceManifests moves staged files to their in-release locations.
func (in *Installer) PlaceManifests(ctx context.Context, id string) error {
	dir := in.layout.Dir(id)
	for _, p := range in.cfg.Placements {
		from := path.Join(in.cfg.StagingDir, in.expand(p.From, id))
		to := in.expand(p.To, id)
		if _, err := in.ex.Run(ctx, shell.New("mv", "-f", from, to).In(dir)); err != nil {
			return deployerr.WithHost(err, in.ex.Host())
		}
	}
	in.log.Info("manifests placed", "release", id, "count", len(in.cfg.Placements))
	return nil
}

// RegisterServerConfigs installs both vhost files and makes sure the
// lighttpd main configuration includes the vhost exactly once.
func (in *Installer) RegisterServerConfigs(ctx context.Context, id string) error {
	dir := in.layout.Dir(id)
	apacheSrc := path.Join(in.cfg.StagingDir, in.expand(in.cfg.Apache.Template, id))
	lighttpdSrc := path.Join(in.cfg.StagingDir, in.expand(in.cfg.Lighttpd.Template, id))

	cmds := []shell.Command{
		shell.New("cp", apacheSrc, in.ApacheAvailable()).In(dir),
		shell.New("ln", "-sfn", in.ApacheAvailable(), in.ApacheEnabled()),
		shell.New("cp", lighttpdSrc, in.LighttpdVhost()).In(dir),
	}
	for _, cmd := range cmds {
		if _, err := in.ex.RunPrivileged(ctx, cmd); err != nil {
			return deployerr.WithHost(err, in.ex.Host())
		}
	}
	if err := in.ensureInclude(ctx, id); err != nil {
		return deployerr.WithHost(err, in.ex.Host())
	}
	in.log.Info("server configs registered", "release", id, "domain", in.cfg.Domain)
	return nil
}

func (in *Installer) ensureInclude(ctx context.Context, id string) error {
	line := in.IncludeLine()
	main := in.cfg.Lighttpd.MainConfig
	present, err := remote.Succeeds(ctx, in.ex, shell.New("grep", "-qxF", line, main), true)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	tmp := path.Join(in.layout.Base(), ".djdeploy-include-"+id)
	if err := remote.UploadContent(ctx, in.ex, []byte(line+"\n"), tmp); err != nil {
		return err
	}
	_, err = in.ex.RunPrivileged(ctx, shell.AppendFile(tmp, main))
	if _, rmErr := in.ex.Run(ctx, shell.New("rm", "-f", tmp)); rmErr != nil {
		in.log.Warn("remove include staging file", "path", tmp, "error", rmErr)
	}
	return err
}

// InstallDependencies runs the install hook against the staged manifest.
func (in *Installer) InstallDependencies(ctx context.Context, id string) error {
	return in.runHook(ctx, "install dependencies", in.cfg.Install, id)
}

// UninstallDependencies runs the uninstall hook against the current release.
func (in *Installer) UninstallDependencies(ctx context.Context) error {
	return in.runHook(ctx, "uninstall dependencies", in.cfg.Uninstall, "")
}

func (in *Installer) runHook(ctx context.Context, name string, h shell.Hook, id string) error {
	cmd, ok := h.Build(in.Vars(id))
	if !ok {
		in.log.Debug("hook not configured", "hook", name)
		return nil
	}
	if _, err := remote.RunAs(ctx, in.ex, cmd, h.Privileged); err != nil {
		return deployerr.WithHost(err, in.ex.Host())
	}
	return nil
}

// Finalize removes the staging dir and hands the release to the serving user.
func (in *Installer) Finalize(ctx context.Context, id string) error {
	dir := in.layout.Dir(id)
	if _, err := in.ex.Run(ctx, shell.New("rm", "-rf", in.cfg.StagingDir).In(dir)); err != nil {
		return deployerr.WithHost(err, in.ex.Host())
	}
	owner := in.cfg.WWWUser + ":" + in.cfg.WWWGroup
	if _, err := in.ex.RunPrivileged(ctx, shell.New("chown", "-R", owner, dir)); err != nil {
		return deployerr.WithHost(err, in.ex.Host())
	}
	in.log.Info("release finalized", "release", id, "owner", owner)
	return nil
}

// UnregisterServerConfigs removes everything RegisterServerConfigs created.
// Files already gone are not failures. Every removal is attempted; failures
// are combined with multierr.
func (in *Installer) UnregisterServerConfigs(ctx context.Context) error {
	var errs error
	for _, p := range []string{in.ApacheAvailable(), in.ApacheEnabled(), in.LighttpdVhost()} {
		if _, err := in.ex.RunPrivileged(ctx, shell.New("rm", "-f", p)); err != nil {
			errs = multierr.Append(errs, deployerr.WithHost(err, in.ex.Host()))
		}
	}
	if err := in.stripInclude(ctx); err != nil {
		errs = multierr.Append(errs, deployerr.WithHost(err, in.ex.Host()))
	}
	return errs
}

func (in *Installer) stripInclude(ctx context.Context) error {
	main := in.cfg.Lighttpd.MainConfig
	content, err := in.ex.RunPrivileged(ctx, shell.New("cat", main))
	if err != nil {
		return err
	}
	vhost := `"` + in.LighttpdVhost() + `"`
	lines := strings.SplitAfter(content, "\n")
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.Contains(l, vhost) {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == len(lines) {
		return nil
	}
	tmp := path.Join(in.layout.Base(), ".djdeploy-lighttpd.conf")
	if err := remote.UploadContent(ctx, in.ex, []byte(strings.Join(kept, "")), tmp); err != nil {
		return err
	}
	staged := main + ".1"
	_, err = in.ex.RunPrivileged(ctx, shell.New("cp", tmp, staged))
	if err == nil {
		_, err = in.ex.RunPrivileged(ctx, shell.New("mv", "-f", staged, main))
	}
	if _, rmErr := in.ex.Run(ctx, shell.New("rm", "-f", tmp)); rmErr != nil {
		in.log.Warn("remove staged config", "path", tmp, "error", rmErr)
	}
	return err
}
