// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	envListenAddr             = "LISTEN_ADDR"
	envGitBaseURL             = "GIT_BASE_URL"
	envAPIPrefix              = "GITHUB_API_PREFIX"
	envMCPBaseURL             = "MCP_BASE_URL"
	envAppID                  = "GITHUB_APP_ID"
	envInstallationID         = "GITHUB_APP_INSTALLATION_ID"
	envPrivateKey             = "GITHUB_APP_PRIVATE_KEY"
	envRequestTimeout         = "REQUEST_TIMEOUT"
	envExchangeTimeout        = "TOKEN_EXCHANGE_TIMEOUT"
	envInsecureSkipVerify     = "UPSTREAM_INSECURE"
	envLogLevel               = "LOG_LEVEL"
	envServerReadTimeout      = "SERVER_READ_TIMEOUT"
	envServerWriteTimeout     = "SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout      = "SERVER_IDLE_TIMEOUT"
	envGracefulShutdown       = "GRACEFUL_SHUTDOWN"
	envMetricsAddr            = "METRICS_ADDR"
	defaultListenAddr         = "0.0.0.0:8080"
	defaultGitBaseURL         = "https://github.com"
	defaultMCPBaseURL         = "https://api.githubcopilot.com"
	defaultPublicAPIURL       = "https://api.github.com"
	defaultEnterpriseAPIPath  = "/api/v3"
	publicGitHubHost          = "github.com"
	defaultExchangeTimeout    = 30 * time.Second
	defaultLogLevel           = "info"
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
	defaultServerWriteTimeout = 0
	defaultRequestTimeout     = 0
)

// Config captures runtime settings for the proxy. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	ListenAddr string
	// GitBase is the upstream for every route that is not under /mcp.
	GitBase *url.URL
	// APIBase is the REST API root used for the installation token exchange.
	APIBase *url.URL
	// MCPBase is the upstream for /mcp routes.
	MCPBase        *url.URL
	AppID          uint64
	InstallationID uint64
	// PrivateKey holds the decoded PEM text of the GitHub App key.
	PrivateKey              []byte
	RequestTimeout          time.Duration
	ExchangeTimeout         time.Duration
	InsecureSkipVerify      bool
	LogLevel                string
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
	MetricsAddr             string
}

// Error reports an invalid or missing configuration key.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errRequired = errors.New("is required")

// Load reads configuration from environment variables and validates required values.
func Load() (Config, error) {
	listenAddr, err := getAddr(envListenAddr, defaultListenAddr)
	if err != nil {
		return Config{}, err
	}

	metricsAddr, err := getAddr(envMetricsAddr, "")
	if err != nil {
		return Config{}, err
	}

	gitBase, err := getURL(envGitBaseURL, defaultGitBaseURL)
	if err != nil {
		return Config{}, err
	}

	mcpBase, err := getURL(envMCPBaseURL, defaultMCPBaseURL)
	if err != nil {
		return Config{}, err
	}

	prefix, hasPrefix := os.LookupEnv(envAPIPrefix)
	apiBase, err := BuildAPIBase(gitBase, prefix, hasPrefix)
	if err != nil {
		return Config{}, &Error{Key: envAPIPrefix, Err: err}
	}

	appID, err := getID(envAppID)
	if err != nil {
		return Config{}, err
	}

	installationID, err := getID(envInstallationID)
	if err != nil {
		return Config{}, err
	}

	rawKey := strings.TrimSpace(os.Getenv(envPrivateKey))
	if rawKey == "" {
		return Config{}, &Error{Key: envPrivateKey, Err: errors.New("is required (base64-encoded PEM)")}
	}
	privateKey, err := DecodePrivateKey(rawKey)
	if err != nil {
		return Config{}, &Error{Key: envPrivateKey, Err: err}
	}

	cfg := Config{
		ListenAddr:              listenAddr,
		GitBase:                 gitBase,
		APIBase:                 apiBase,
		MCPBase:                 mcpBase,
		AppID:                   appID,
		InstallationID:          installationID,
		PrivateKey:              privateKey,
		RequestTimeout:          getDuration(envRequestTimeout, defaultRequestTimeout),
		ExchangeTimeout:         getDuration(envExchangeTimeout, defaultExchangeTimeout),
		InsecureSkipVerify:      getBool(envInsecureSkipVerify, false),
		LogLevel:                strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		ServerReadTimeout:       getDuration(envServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      getDuration(envServerWriteTimeout, defaultServerWriteTimeout),
		ServerIdleTimeout:       getDuration(envServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
		MetricsAddr:             metricsAddr,
	}

	return cfg, nil
}

// BuildAPIBase derives the REST API root from the git host. An explicitly set
// but blank prefix means the git host serves the API itself.
func BuildAPIBase(gitBase *url.URL, prefix string, hasPrefix bool) (*url.URL, error) {
	if hasPrefix {
		trimmed := strings.TrimSpace(prefix)
		base := cloneURL(gitBase)
		if trimmed == "" {
			return base, nil
		}
		if !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		base.Path = joinPaths(base.Path, trimmed)
		base.RawPath = ""
		return base, nil
	}

	if strings.EqualFold(gitBase.Hostname(), publicGitHubHost) {
		return url.Parse(defaultPublicAPIURL)
	}

	base := cloneURL(gitBase)
	base.Path = joinPaths(base.Path, defaultEnterpriseAPIPath)
	base.RawPath = ""
	return base, nil
}

// DecodePrivateKey base64-decodes the App key. Keys pasted with escaped
// newlines ("\n" literals and no real line breaks) are normalised.
func DecodePrivateKey(value string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if !utf8.Valid(decoded) {
		return nil, errors.New("not valid UTF-8")
	}
	text := string(decoded)
	if strings.Contains(text, `\n`) && !strings.Contains(text, "\n") {
		text = strings.ReplaceAll(text, `\n`, "\n")
	}
	return []byte(text), nil
}

// WithTrailingSlash returns a copy of u whose path ends in "/", keeping any
// existing sub-path such as an enterprise API prefix.
func WithTrailingSlash(u *url.URL) *url.URL {
	base := cloneURL(u)
	if !strings.HasSuffix(base.Path, "/") {
		base.Path = strings.TrimRight(base.Path, "/") + "/"
	}
	if base.RawPath != "" && !strings.HasSuffix(base.RawPath, "/") {
		base.RawPath = strings.TrimRight(base.RawPath, "/") + "/"
	}
	return base
}

func joinPaths(base, suffix string) string {
	base = strings.TrimRight(base, "/")
	suffix = strings.TrimLeft(suffix, "/")

	if suffix == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	if base == "" {
		return "/" + suffix
	}
	return base + "/" + suffix
}

func cloneURL(u *url.URL) *url.URL {
	clone := *u
	if u.User != nil {
		user := *u.User
		clone.User = &user
	}
	return &clone
}

func getURL(key, fallback string) (*url.URL, error) {
	raw := getString(key, fallback)
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, &Error{Key: key, Err: err}
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return nil, &Error{Key: key, Err: errors.New("must be absolute (scheme://host)")}
	}
	return parsed, nil
}

// getAddr validates a host:port listen address. An empty fallback leaves the
// key optional.
func getAddr(key, fallback string) (string, error) {
	addr := getString(key, fallback)
	if addr == "" {
		return "", nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", &Error{Key: key, Err: err}
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", &Error{Key: key, Err: fmt.Errorf("invalid port %q", port)}
	}
	return addr, nil
}

func getID(key string) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, &Error{Key: key, Err: errRequired}
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &Error{Key: key, Err: err}
	}
	if id == 0 {
		return 0, &Error{Key: key, Err: errors.New("must be greater than zero")}
	}
	return id, nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
