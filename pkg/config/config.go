// Package config loads djdeploy profiles from djdeploy.yaml, DJDEPLOY_*
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Kami/django-deployment-script/internal/deployerr"
	"github.com/Kami/django-deployment-script/internal/shell"
	"github.com/Kami/django-deployment-script/internal/site"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "DJDEPLOY"

// Config is the whole djdeploy.yaml document.
type Config struct {
	Project      Project                `mapstructure:"project"`
	Source       Source                 `mapstructure:"source"`
	Workspace    string                 `mapstructure:"workspace"`
	Environments map[string]Environment `mapstructure:"environments"`
	Ledger       Ledger                 `mapstructure:"ledger"`
	Lock         Lock                   `mapstructure:"lock"`
	Metrics      Metrics                `mapstructure:"metrics"`
	Notify       Notify                 `mapstructure:"notify"`
	Logging      Logging                `mapstructure:"logging"`
	Output       Output                 `mapstructure:"output"`
}

// Project names the Django project being deployed.
type Project struct {
	Name   string `mapstructure:"name"`
	Domain string `mapstructure:"domain"`
	// Directory is the local checkout exported for each deploy.
	Directory string `mapstructure:"directory"`
}

// Source selects how the release archive is produced.
type Source struct {
	Method string `mapstructure:"method"`
	Ref    string `mapstructure:"ref"`
	Format string `mapstructure:"format"`
	// TestCommand is run locally by run-tests.
	TestCommand []string `mapstructure:"test_command"`
}

// Environment is one named deployment target.
type Environment struct {
	Name                  string        `mapstructure:"-"`
	Hosts                 []string      `mapstructure:"hosts"`
	Path                  string        `mapstructure:"path"`
	User                  string        `mapstructure:"user"`
	WWWUser               string        `mapstructure:"www_user"`
	WWWGroup              string        `mapstructure:"www_group"`
	Password              string        `mapstructure:"password"`
	PromptPassword        bool          `mapstructure:"prompt_password"`
	KeyFile               string        `mapstructure:"key_file"`
	UseAgent              bool          `mapstructure:"use_agent"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	Shell                 string        `mapstructure:"shell"`
	SudoPrompt            string        `mapstructure:"sudo_prompt"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout        time.Duration `mapstructure:"command_timeout"`
	Parallel              int           `mapstructure:"parallel"`
	// Userland picks rename flags: "gnu" (mv -T) or "bsd" (mv -h).
	Userland string   `mapstructure:"userland"`
	Site     Site     `mapstructure:"site"`
	Servers  Servers  `mapstructure:"servers"`
	Hooks    Hooks    `mapstructure:"hooks"`
	Database Database `mapstructure:"database"`
}

// Site describes manifest placement and the vhost locations on the host.
type Site struct {
	StagingDir string           `mapstructure:"staging_dir"`
	Placements []site.Placement `mapstructure:"placements"`
	Apache     ApacheSite       `mapstructure:"apache"`
	Lighttpd   LighttpdSite     `mapstructure:"lighttpd"`
}

// ApacheSite holds Apache-style vhost directories.
type ApacheSite struct {
	SitesAvailable string `mapstructure:"sites_available"`
	SitesEnabled   string `mapstructure:"sites_enabled"`
	Template       string `mapstructure:"template"`
}

// LighttpdSite holds the lighttpd vhost directory and main config file.
type LighttpdSite struct {
	VhostDir   string `mapstructure:"vhost_dir"`
	MainConfig string `mapstructure:"main_config"`
	Template   string `mapstructure:"template"`
}

// Servers configures how front-end servers are reloaded.
type Servers struct {
	// Strategy is "command" or "docker".
	Strategy   string              `mapstructure:"strategy"`
	Commands   map[string][]string `mapstructure:"commands"`
	DockerHost string              `mapstructure:"docker_host"`
	Containers map[string]string   `mapstructure:"containers"`
}

// Hooks are the configurable remote commands of the release lifecycle.
type Hooks struct {
	InstallDependencies   shell.Hook   `mapstructure:"install_dependencies"`
	UninstallDependencies shell.Hook   `mapstructure:"uninstall_dependencies"`
	SchemaSync            shell.Hook   `mapstructure:"schema_sync"`
	FlushDatabase         shell.Hook   `mapstructure:"flush_database"`
	ImportDatabase        shell.Hook   `mapstructure:"import_database"`
	Setup                 []shell.Hook `mapstructure:"setup"`
}

// Database holds the settings used by deploy-database.
type Database struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	// File is the dump inside the release staging dir.
	File string `mapstructure:"file"`
}

// Ledger enables the postgres release history.
type Ledger struct {
	DSN string `mapstructure:"dsn"`
}

// Lock enables the redis deploy lock.
type Lock struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// Metrics enables pushing run metrics to a Pushgateway.
type Metrics struct {
	Pushgateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
}

// Notify enables webhook events.
type Notify struct {
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	SuppressionTTL time.Duration `mapstructure:"suppression_ttl"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// SigningSecret enables a signed bearer token on every request.
	SigningSecret string        `mapstructure:"signing_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Output configures terminal output.
type Output struct {
	Colors bool `mapstructure:"colors"`
}

// Load reads cfgFile (or djdeploy.yaml from the working directory and
// $HOME/.config/djdeploy) after loading envFile into the process environment.
// A missing config file is not an error; defaults apply.
func Load(cfgFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, deployerr.New(deployerr.KindInvalidConfig, "load "+envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("djdeploy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "djdeploy"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, deployerr.New(deployerr.KindInvalidConfig, "read config", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, deployerr.New(deployerr.KindInvalidConfig, "decode config", err)
	}
	cfg.Workspace = GetString(EnvPrefix+"_WORKSPACE", cfg.Workspace)
	cfg.Lock.TTL = GetDuration(EnvPrefix+"_LOCK_TTL", cfg.Lock.TTL)
	cfg.Notify.Token = GetString(EnvPrefix+"_NOTIFY_TOKEN", cfg.Notify.Token)
	cfg.Notify.SigningSecret = GetString(EnvPrefix+"_NOTIFY_SIGNING_SECRET", cfg.Notify.SigningSecret)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.method", "git")
	v.SetDefault("source.ref", "HEAD")
	v.SetDefault("source.format", "zip")
	v.SetDefault("source.test_command", []string{"python", "${project}/manage.py", "test"})
	v.SetDefault("lock.ttl", 30*time.Minute)
	v.SetDefault("metrics.job", "djdeploy")
	v.SetDefault("notify.suppression_ttl", 10*time.Minute)
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.token_ttl", 5*time.Minute)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("output.colors", true)
}

func (c *Config) validate() error {
	invalid := func(format string, args ...any) error {
		return deployerr.Newf(deployerr.KindInvalidConfig, "validate config", format, args...)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("invalid logging level %q: must be debug, info, warn, or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("invalid logging format %q: must be text or json", c.Logging.Format)
	}
	switch c.Source.Method {
	case "git", "native":
	default:
		return invalid("invalid source method %q: must be git or native", c.Source.Method)
	}
	switch c.Source.Format {
	case "", "zip", "tar.gz", "tgz":
	default:
		return invalid("invalid archive format %q", c.Source.Format)
	}
	for name, env := range c.Environments {
		if env.Parallel < 0 {
			return invalid("environment %s: parallel must not be negative", name)
		}
		switch env.Userland {
		case "", "gnu", "bsd":
		default:
			return invalid("environment %s: userland must be gnu or bsd", name)
		}
		switch env.Servers.Strategy {
		case "", "command", "docker":
		default:
			return invalid("environment %s: unknown server strategy %q", name, env.Servers.Strategy)
		}
	}
	return nil
}

// Environment returns the named profile with defaults applied. Secrets may be
// overridden through DJDEPLOY_PASSWORD and DJDEPLOY_DB_PASSWORD, concurrency
// through DJDEPLOY_PARALLEL and host key checking through
// DJDEPLOY_INSECURE_IGNORE_HOST_KEY.
func (c *Config) Environment(name string) (Environment, error) {
	if name == "" {
		return Environment{}, deployerr.Precondition("select environment", "environment")
	}
	env, ok := c.Environments[strings.ToLower(name)]
	if !ok {
		return Environment{}, deployerr.Newf(deployerr.KindPrecondition, "select environment", "environment %q is not configured", name)
	}
	env.Name = strings.ToLower(name)
	env.Password = GetString(EnvPrefix+"_PASSWORD", env.Password)
	env.Database.Password = GetString(EnvPrefix+"_DB_PASSWORD", env.Database.Password)
	if n := GetInt(EnvPrefix+"_PARALLEL", env.Parallel); n >= 0 {
		env.Parallel = n
	}
	env.InsecureIgnoreHostKey = GetBool(EnvPrefix+"_INSECURE_IGNORE_HOST_KEY", env.InsecureIgnoreHostKey)
	env.applyDefaults()
	return env, nil
}

// EnvironmentNames lists configured profiles.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	return names
}

func (e *Environment) applyDefaults() {
	if e.WWWUser == "" {
		e.WWWUser = "www"
	}
	if e.WWWGroup == "" {
		e.WWWGroup = e.WWWUser
	}
	if e.Shell == "" {
		e.Shell = "/usr/local/bin/bash -l -c"
	}
	if e.SudoPrompt == "" {
		e.SudoPrompt = "Password:"
	}
	if e.ConnectTimeout == 0 {
		e.ConnectTimeout = 15 * time.Second
	}
	if e.CommandTimeout == 0 {
		e.CommandTimeout = 10 * time.Minute
	}
	if e.Parallel == 0 {
		e.Parallel = 1
	}
	if e.Userland == "" {
		e.Userland = "bsd"
	}
	if e.Site.StagingDir == "" {
		e.Site.StagingDir = "other"
	}
	if e.Site.Apache.SitesAvailable == "" {
		e.Site.Apache.SitesAvailable = "/usr/local/etc/apache22/sites-available"
	}
	if e.Site.Apache.SitesEnabled == "" {
		e.Site.Apache.SitesEnabled = "/usr/local/etc/apache22/sites-enabled"
	}
	if e.Site.Lighttpd.VhostDir == "" {
		e.Site.Lighttpd.VhostDir = "/usr/local/etc/lighttpd"
	}
	if e.Site.Lighttpd.MainConfig == "" {
		e.Site.Lighttpd.MainConfig = "/usr/local/etc/lighttpd.conf"
	}
	if e.Servers.Strategy == "" {
		e.Servers.Strategy = "command"
	}
	if e.Database.Host == "" {
		e.Database.Host = "localhost"
	}
	if e.Database.File == "" {
		e.Database.File = "database.sql"
	}
	e.Hooks.applyDefaults()
}

func (h *Hooks) applyDefaults() {
	if h.InstallDependencies.Empty() {
		h.InstallDependencies = shell.Hook{
			Command: []string{"pip", "install", "-E", ".", "-r", "./releases/${release}/${staging}/dependencies.txt"},
			Dir:     "${path}",
		}
	}
	if h.UninstallDependencies.Empty() {
		h.UninstallDependencies = shell.Hook{
			Command: []string{"pip", "uninstall", "-E", ".", "-r", "./releases/current/dependencies.txt", "-y"},
			Dir:     "${path}",
		}
	}
	if h.SchemaSync.Empty() {
		h.SchemaSync = shell.Hook{
			Command: []string{"../../../bin/python", "manage.py", "syncdb", "--noinput"},
			Dir:     "${path}/releases/current/${project}",
		}
	}
	if h.FlushDatabase.Empty() {
		h.FlushDatabase = shell.Hook{
			Command: []string{"../../../bin/python", "manage.py", "flush", "--noinput"},
			Dir:     "${path}/releases/current/${project}",
		}
	}
	if h.ImportDatabase.Empty() {
		h.ImportDatabase = shell.Hook{
			Command: []string{"sh", "-c", `exec mysql -h "$1" -u "$2" "$3" < "$4"`, "sh",
				"${db_host}", "${db_user}", "${db_name}", "${db_file}"},
			Env: map[string]string{"MYSQL_PWD": "${db_password}"},
		}
	}
	if h.Setup == nil {
		h.Setup = []shell.Hook{
			{Command: []string{"easy_install", "pip"}, Privileged: true},
			{Command: []string{"pip", "install", "virtualenv"}, Privileged: true},
			{Command: []string{"virtualenv", "--no-site-packages", "."}, Dir: "${path}", Privileged: true},
		}
	}
}

// SiteConfig converts the environment into the installer's configuration.
func (e Environment) SiteConfig(p Project) site.Config {
	return site.Config{
		Project:    p.Name,
		Domain:     p.Domain,
		WWWUser:    e.WWWUser,
		WWWGroup:   e.WWWGroup,
		StagingDir: e.Site.StagingDir,
		Placements: e.Site.Placements,
		Apache: site.Apache{
			SitesAvailable: e.Site.Apache.SitesAvailable,
			SitesEnabled:   e.Site.Apache.SitesEnabled,
			Template:       e.Site.Apache.Template,
		},
		Lighttpd: site.Lighttpd{
			VhostDir:   e.Site.Lighttpd.VhostDir,
			MainConfig: e.Site.Lighttpd.MainConfig,
			Template:   e.Site.Lighttpd.Template,
		},
		Install:   e.Hooks.InstallDependencies,
		Uninstall: e.Hooks.UninstallDependencies,
	}
}

// DatabaseVars exposes database settings for ${name} expansion.
func (e Environment) DatabaseVars() map[string]string {
	return map[string]string{
		"db_host":     e.Database.Host,
		"db_user":     e.Database.User,
		"db_password": e.Database.Password,
		"db_name":     e.Database.Name,
	}
}

// String renders the profile without secrets.
func (e Environment) String() string {
	return fmt.Sprintf("%s (%d host(s), path %s)", e.Name, len(e.Hosts), e.Path)
}
