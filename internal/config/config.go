// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"meme-gateway/internal/router"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/meme-gateway/config.toml",
	"configs/config.toml",
}

// ReservedPaths are served by the gateway itself and cannot be used as route prefixes.
var ReservedPaths = []string{"/healthz", "/gateway/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	StaticRoot string `kong:"help='Static asset root directory (overrides config).',env='STATIC_ROOT'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Static   StaticConfig   `toml:"static" yaml:"static"`
	Routes   []RouteConfig  `toml:"routes" yaml:"routes"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"`                     // 0 means "use default" (5500)
	BodyMaxBytes  int64  `toml:"body_max_bytes" yaml:"body_max_bytes"` // 0 means unlimited
	ProxyProtocol bool   `toml:"proxy_protocol" yaml:"proxy_protocol"`
}

// StaticConfig describes the local asset bundle.
type StaticConfig struct {
	Root     string `toml:"root" yaml:"root"`
	Index    string `toml:"index" yaml:"index"`
	Compress bool   `toml:"compress" yaml:"compress"`
}

// RouteConfig is one prefix rule as written in the config file.
type RouteConfig struct {
	Prefix   string `toml:"prefix" yaml:"prefix"`
	Upstream string `toml:"upstream" yaml:"upstream"`
	// Pointers distinguish an omitted key from an explicit false.
	VerifyUpstreamCert *bool `toml:"verify_upstream_cert" yaml:"verify_upstream_cert"`
	StripPrefix        *bool `toml:"strip_prefix" yaml:"strip_prefix"`
	TimeoutSeconds     int   `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// UpstreamConfig holds connection settings shared by all upstream transports.
type UpstreamConfig struct {
	IdleConnections    int `toml:"idle_connections" yaml:"idle_connections"`
	DialTimeoutSeconds int `toml:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/meme-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes data as YAML when name ends in .yaml or .yml, and as TOML otherwise.
func Parse(name string, data []byte) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", name, err)
		}
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.StaticRoot != "" {
		c.Static.Root = cli.StaticRoot
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// validate reports every problem at once rather than stopping at the first.
func (c *Config) validate() error {
	var errs error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port))
	}
	if c.Server.BodyMaxBytes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes))
	}

	if strings.TrimSpace(c.Static.Root) == "" {
		errs = multierr.Append(errs, fmt.Errorf("static.root is required"))
	}
	if strings.ContainsAny(c.Static.Index, `/\`) {
		errs = multierr.Append(errs, fmt.Errorf("static.index must be a file name; got %q", c.Static.Index))
	}

	if len(c.Routes) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one [[routes]] entry is required"))
	}
	for i, r := range c.Routes {
		errs = multierr.Append(errs, validateRoute(i, r))
	}

	if c.Upstream.IdleConnections < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections))
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format))
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p == "" {
			p = "/metrics"
		}
		if p[0] != '/' {
			errs = multierr.Append(errs, fmt.Errorf("metrics.path must start with '/'; got %q", p))
		}
		for _, reserved := range ReservedPaths {
			if p == reserved {
				errs = multierr.Append(errs, fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved))
			}
		}
		for _, r := range c.Routes {
			if prefix, err := router.NormalizePrefix(r.Prefix); err == nil &&
				(p == prefix || strings.HasPrefix(p, prefix+"/") || prefix == "/") {
				errs = multierr.Append(errs, fmt.Errorf("metrics.path %q is shadowed by route prefix %q", p, prefix))
			}
		}
	}

	return errs
}

func validateRoute(i int, r RouteConfig) error {
	var errs error

	prefix, err := router.NormalizePrefix(r.Prefix)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("routes[%d].prefix: %w", i, err))
	}
	for _, reserved := range ReservedPaths {
		if err == nil && (prefix == reserved || strings.HasPrefix(reserved, prefix+"/") || prefix == "/") {
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].prefix %q conflicts with reserved route %q", i, prefix, reserved))
		}
	}

	if r.Upstream == "" {
		errs = multierr.Append(errs, fmt.Errorf("routes[%d].upstream is required", i))
	} else {
		u, err := url.Parse(r.Upstream)
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].upstream is not a valid URL: %w", i, err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].upstream must use http or https; got %q", i, r.Upstream))
		case u.Host == "":
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].upstream has no host; got %q", i, r.Upstream))
		case u.RawQuery != "" || u.Fragment != "":
			errs = multierr.Append(errs, fmt.Errorf("routes[%d].upstream must not carry a query or fragment; got %q", i, r.Upstream))
		}
	}

	if r.TimeoutSeconds < 0 {
		errs = multierr.Append(errs, fmt.Errorf("routes[%d].timeout_seconds must be non-negative; got %d", i, r.TimeoutSeconds))
	}

	return errs
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5500
	}
	if c.Static.Index == "" {
		c.Static.Index = "index.html"
	}
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.VerifyUpstreamCert == nil {
			r.VerifyUpstreamCert = boolPtr(true)
		}
		if r.StripPrefix == nil {
			r.StripPrefix = boolPtr(true)
		}
		if r.TimeoutSeconds == 0 {
			r.TimeoutSeconds = 120
		}
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func boolPtr(b bool) *bool { return &b }

// RouteTable builds the immutable route table from the validated route entries.
func (c *Config) RouteTable() (*router.Table, error) {
	routes := make([]router.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		u, err := url.Parse(rc.Upstream)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Prefix, err)
		}
		routes = append(routes, router.Route{
			Prefix:             rc.Prefix,
			Upstream:           u,
			VerifyUpstreamCert: rc.VerifyUpstreamCert == nil || *rc.VerifyUpstreamCert,
			StripPrefix:        rc.StripPrefix == nil || *rc.StripPrefix,
			Timeout:            time.Duration(rc.TimeoutSeconds) * time.Second,
		})
	}

	table, err := router.New(routes)
	if err != nil {
		return nil, fmt.Errorf("config: routes: %w", err)
	}
	return table, nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
