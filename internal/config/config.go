// Package config handles CLI parsing, TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ncr-proxy/config.toml",
	"configs/config.toml",
}

// BackendEnvKeys are the environment variables consulted, in order, for the
// backend origin. The first non-empty value wins.
var BackendEnvKeys = []string{"FASTAPI_BACKEND_URL", "BACKEND_URL"}

// reservedRoutes are path prefixes served by the proxy itself.
var reservedRoutes = []string{"/api/ncr", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendURL string           `kong:"name='backend-url',help='Backend origin (overrides FASTAPI_BACKEND_URL, BACKEND_URL and config).'"`
	Timeout    int              `kong:"help='Upstream timeout in seconds, 0 disables (overrides config).',env='UPSTREAM_TIMEOUT_SECONDS'"`
	LogLevel   string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version    kong.VersionFlag `kong:"help='Print version and exit.'"`

	Serve     ServeCmd     `kong:"cmd,default='1',help='Run the relay server (default).'"`
	Dashboard DashboardCmd `kong:"cmd,help='Fetch admin dashboard data and print it as JSON.'"`
}

// ServeCmd runs the HTTP relay.
type ServeCmd struct{}

// DashboardCmd fetches /api/admin/dashboard from a running frontend.
type DashboardCmd struct {
	BaseURL string `kong:"name='base-url',help='Origin serving /api/admin/dashboard.',env='DASHBOARD_BASE_URL',default='http://localhost:3000'"`
	Param   string `kong:"help='Optional dashboard sub-resource.'"`
	StoreID string `kong:"name='store-id',help='Optional store identifier.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// BackendConfig holds the origin requests are relayed to.
type BackendConfig struct {
	// BaseURL is scheme+host[+port] with no trailing slash. Empty means the
	// relay is unconfigured and answers every request with a 500.
	BaseURL string `toml:"base_url"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"` // 0 disables the timeout
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, applies CLI overrides and resolves the
// backend origin from the environment.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ncr-proxy/config.toml then configs/config.toml. A missing file is not
// an error unless it was named explicitly.
func Load(cli *CLI) (*Config, error) {
	return load(cli, os.LookupEnv)
}

func load(cli *CLI, lookupEnv func(string) (string, bool)) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.Backend.BaseURL = resolveBackendURL(cli.BackendURL, cfg.Backend.BaseURL, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.Timeout != 0 {
		c.Upstream.TimeoutSeconds = cli.Timeout
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// resolveBackendURL applies the origin precedence: flag, then BackendEnvKeys
// in order, then the config file.
func resolveBackendURL(flag, file string, lookupEnv func(string) (string, bool)) string {
	if flag != "" {
		return flag
	}
	for _, key := range BackendEnvKeys {
		if v, ok := lookupEnv(key); ok && v != "" {
			return v
		}
	}
	return file
}

func (c *Config) validate() error {
	errs := validation.Errors{
		"backend.base_url": validation.Validate(c.Backend.BaseURL, validation.By(validateOrigin)),

		"server.port":           validation.Validate(c.Server.Port, validation.Min(0), validation.Max(65535)),
		"server.body_max_bytes": validation.Validate(c.Server.BodyMaxBytes, validation.Min(int64(0))),

		"upstream.timeout_seconds":  validation.Validate(c.Upstream.TimeoutSeconds, validation.Min(0)),
		"upstream.idle_connections": validation.Validate(c.Upstream.IdleConnections, validation.Min(0)),

		"log.level":  validation.Validate(strings.ToLower(c.Log.Level), validation.In("debug", "info", "warn", "error")),
		"log.format": validation.Validate(strings.ToLower(c.Log.Format), validation.In("json", "text")),
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		errs["metrics.path"] = validation.Validate(c.Metrics.Path, validation.By(validateMetricsPath))
	}

	return errs.Filter()
}

// validateOrigin accepts an empty value (unconfigured relay) or an absolute
// http(s) URL without query or fragment.
func validateOrigin(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https; got %q", s)
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("must not carry a query or fragment")
	}
	return nil
}

func validateMetricsPath(value any) error {
	p, _ := value.(string)
	if p == "" {
		return nil
	}
	if p[0] != '/' {
		return fmt.Errorf("must start with '/'; got %q", p)
	}
	for _, reserved := range reservedRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("%q conflicts with reserved route %q", p, reserved)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. The upstream
// timeout is the exception: zero keeps the relay unbounded.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
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

// Timeout returns the upstream timeout; zero means no timeout.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
