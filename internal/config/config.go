// Package config handles loading and validation of Seawall configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// SEAWALL_ prefix:
//
//	network.external.port → SEAWALL_NETWORK_EXTERNAL_PORT
//	network.external.enable_rate_limit → SEAWALL_NETWORK_EXTERNAL_ENABLE_RATE_LIMIT
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via SEAWALL_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/seawall/config.yaml"

// DefaultJWTSecret is the built-in signing secret. Running with it is
// allowed but logged as a warning at startup.
const DefaultJWTSecret = "seawall-default-secret-change-me-in-production"

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// NetworkMode selects which listeners are bound.
type NetworkMode string

const (
	NetworkModeInternal NetworkMode = "internal"
	NetworkModeExternal NetworkMode = "external"
	NetworkModeDual     NetworkMode = "dual"
)

func (m NetworkMode) Valid() bool {
	switch m {
	case NetworkModeInternal, NetworkModeExternal, NetworkModeDual:
		return true
	}
	return false
}

// IPFilterMode selects which IP list is authoritative.
type IPFilterMode string

const (
	IPFilterModeBlacklist IPFilterMode = "blacklist"
	IPFilterModeWhitelist IPFilterMode = "whitelist"
)

func (m IPFilterMode) Valid() bool {
	switch m {
	case IPFilterModeBlacklist, IPFilterModeWhitelist:
		return true
	}
	return false
}

// MagicLinkStore selects where one-time tokens live.
type MagicLinkStore string

const (
	MagicLinkStoreMemory MagicLinkStore = "memory"
	MagicLinkStoreRedis  MagicLinkStore = "redis"
)

func (s MagicLinkStore) Valid() bool {
	switch s {
	case MagicLinkStoreMemory, MagicLinkStoreRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level Seawall configuration.
type Config struct {
	Network        NetworkConfig        `yaml:"network"         envPrefix:"NETWORK_"`
	Server         ServerConfig         `yaml:"server"          envPrefix:"SERVER_"`
	Upstream       UpstreamConfig       `yaml:"upstream"        envPrefix:"UPSTREAM_"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"      envPrefix:"RATE_LIMIT_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envPrefix:"CIRCUIT_BREAKER_"`
	IPFilter       IPFilterConfig       `yaml:"ip_filter"       envPrefix:"IP_FILTER_"`
	Auth           AuthConfig           `yaml:"auth"            envPrefix:"AUTH_"`
	MagicLink      MagicLinkConfig      `yaml:"magic_link"      envPrefix:"MAGIC_LINK_"`
	Redis          RedisConfig          `yaml:"redis"           envPrefix:"REDIS_"`
	Events         EventsConfig         `yaml:"events"          envPrefix:"EVENTS_"`
	Logging        LoggingConfig        `yaml:"logging"         envPrefix:"LOGGING_"`
	Tracing        TracingConfig        `yaml:"tracing"         envPrefix:"TRACING_"`
}

// NetworkConfig selects the listeners and the external surface's stages.
type NetworkConfig struct {
	Mode     NetworkMode    `yaml:"mode"     env:"MODE"`
	Internal ListenerConfig `yaml:"internal" envPrefix:"INTERNAL_"`
	External ExternalConfig `yaml:"external" envPrefix:"EXTERNAL_"`
}

// ListenerConfig is a host/port pair that can be switched off.
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host"    env:"HOST"`
	Port    int    `yaml:"port"    env:"PORT"`
}

// Addr returns host:port suitable for net.Listen.
func (l ListenerConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// ExternalConfig is the public listener plus its middleware toggles.
type ExternalConfig struct {
	Enabled     bool     `yaml:"enabled"      env:"ENABLED"`
	Host        string   `yaml:"host"         env:"HOST"`
	Port        int      `yaml:"port"         env:"PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	Features    Features `yaml:",inline"`
}

// Listener returns the bind settings of the external surface.
func (e ExternalConfig) Listener() ListenerConfig {
	return ListenerConfig{Enabled: e.Enabled, Host: e.Host, Port: e.Port}
}

// Features gates each external middleware stage. A disabled stage stays in
// the chain as a pass-through.
type Features struct {
	EnableRateLimit      bool `yaml:"enable_rate_limit"      env:"ENABLE_RATE_LIMIT"`
	EnableCircuitBreaker bool `yaml:"enable_circuit_breaker" env:"ENABLE_CIRCUIT_BREAKER"`
	EnableIPFilter       bool `yaml:"enable_ip_filter"       env:"ENABLE_IP_FILTER"`
	EnableJWTAuth        bool `yaml:"enable_jwt_auth"        env:"ENABLE_JWT_AUTH"`
	EnableMagicLink      bool `yaml:"enable_magic_link"      env:"ENABLE_MAGIC_LINK"`
}

// ServeInternal reports whether the internal listener should be bound.
func (n NetworkConfig) ServeInternal() bool {
	return n.Internal.Enabled && (n.Mode == NetworkModeInternal || n.Mode == NetworkModeDual)
}

// ServeExternal reports whether the external listener should be bound.
func (n NetworkConfig) ServeExternal() bool {
	return n.External.Enabled && (n.Mode == NetworkModeExternal || n.Mode == NetworkModeDual)
}

// ServerConfig holds HTTP server timeouts shared by both listeners.
type ServerConfig struct {
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// UpstreamConfig defines the search engine requests are forwarded to.
type UpstreamConfig struct {
	URL                string          `yaml:"url"                      env:"URL"`
	Timeout            string          `yaml:"timeout"                  env:"TIMEOUT"`
	MaxIdleConns       int             `yaml:"max_idle_conns"           env:"MAX_IDLE_CONNS"`
	IdleConnTimeout    string          `yaml:"idle_conn_timeout"        env:"IDLE_CONN_TIMEOUT"`
	TLSInsecureVerify  bool            `yaml:"tls_insecure_skip_verify" env:"TLS_INSECURE_SKIP_VERIFY"`
	MaxRequestBodySize int64           `yaml:"max_request_body_size"    env:"MAX_REQUEST_BODY_SIZE"` // bytes; 0=unlimited
	Transport          TransportConfig `yaml:"transport"                envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level HTTP transport tuning for the proxy.
type TransportConfig struct {
	DialTimeout           string `yaml:"dial_timeout"            env:"DIAL_TIMEOUT"`
	DialKeepAlive         string `yaml:"dial_keep_alive"         env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout   string `yaml:"tls_handshake_timeout"   env:"TLS_HANDSHAKE_TIMEOUT"`
	ExpectContinueTimeout string `yaml:"expect_continue_timeout" env:"EXPECT_CONTINUE_TIMEOUT"`
}

// RateLimitConfig holds the global and per-client token bucket settings.
type RateLimitConfig struct {
	GlobalRate  float64 `yaml:"global_rate"  env:"GLOBAL_RATE"`
	GlobalBurst int     `yaml:"global_burst" env:"GLOBAL_BURST"`

	// ClientRate and ClientBurst default to a tenth of the global values
	// when zero. The effective client rate never drops below MinClientRate.
	ClientRate  float64 `yaml:"client_rate"  env:"CLIENT_RATE"`
	ClientBurst int     `yaml:"client_burst" env:"CLIENT_BURST"`

	// IdleTimeout evicts per-client buckets not touched for this long.
	IdleTimeout   string `yaml:"idle_timeout"   env:"IDLE_TIMEOUT"`
	SweepInterval string `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// MinClientRate is the floor applied to the per-client refill rate.
const MinClientRate = 1.0

// minDerivedClientBurst is the floor applied when ClientBurst is derived.
const minDerivedClientBurst = 2

// EffectiveClientRate returns the per-client refill rate after derivation
// and flooring.
func (r RateLimitConfig) EffectiveClientRate() float64 {
	rps := r.ClientRate
	if rps <= 0 {
		rps = r.GlobalRate / 10
	}
	return max(rps, MinClientRate)
}

// EffectiveClientBurst returns the per-client capacity after derivation.
func (r RateLimitConfig) EffectiveClientBurst() int {
	if r.ClientBurst > 0 {
		return r.ClientBurst
	}
	return max(r.GlobalBurst/10, minDerivedClientBurst)
}

// CircuitBreakerConfig holds the per-group breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int    `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	Timeout          string `yaml:"timeout"           env:"TIMEOUT"`
}

// IPFilterConfig holds the filter mode and the lists seeded at startup.
type IPFilterConfig struct {
	Mode      IPFilterMode `yaml:"mode"      env:"MODE"`
	Blacklist []string     `yaml:"blacklist" env:"BLACKLIST" envSeparator:","`
	Whitelist []string     `yaml:"whitelist" env:"WHITELIST" envSeparator:","`
}

// AuthConfig holds JWT and API key settings.
type AuthConfig struct {
	JWTSecret      RedactedString `yaml:"jwt_secret"       env:"JWT_SECRET"`
	JWTExpiration  string         `yaml:"jwt_expiration"   env:"JWT_EXPIRATION"`
	APIKeys        []string       `yaml:"api_keys"         env:"API_KEYS" envSeparator:","`
	TokenCacheSize int64          `yaml:"token_cache_size" env:"TOKEN_CACHE_SIZE"`
}

// MagicLinkConfig holds one-time token settings.
type MagicLinkConfig struct {
	Expiration      string         `yaml:"expiration"       env:"EXPIRATION"`
	Secret          RedactedString `yaml:"secret"           env:"SECRET"` // falls back to auth.jwt_secret
	BasePath        string         `yaml:"base_path"        env:"BASE_PATH"`
	Store           MagicLinkStore `yaml:"store"            env:"STORE"`
	KeyPrefix       string         `yaml:"key_prefix"       env:"KEY_PREFIX"`
	CleanupInterval string         `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// MagicLinkSecret returns the secret used to derive magic-link tokens.
func (c *Config) MagicLinkSecret() string {
	if c.MagicLink.Secret != "" {
		return c.MagicLink.Secret.Value()
	}
	return c.Auth.JWTSecret.Value()
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// EventsConfig holds optional admission event emission settings.
// When enabled, rejected requests are posted as JSON batches to URL.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Network: NetworkConfig{
			Mode: NetworkModeDual,
			Internal: ListenerConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8081,
			},
			External: ExternalConfig{
				Enabled:     true,
				Host:        "0.0.0.0",
				Port:        8080,
				CORSOrigins: []string{"*"},
				Features: Features{
					EnableRateLimit:      true,
					EnableCircuitBreaker: true,
					EnableIPFilter:       true,
					EnableJWTAuth:        false,
					EnableMagicLink:      true,
				},
			},
		},
		Server: ServerConfig{
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Upstream: UpstreamConfig{
			Timeout:            "30s",
			MaxIdleConns:       100,
			IdleConnTimeout:    "90s",
			MaxRequestBodySize: 1 << 20,
			Transport: TransportConfig{
				DialTimeout:           "10s",
				DialKeepAlive:         "30s",
				TLSHandshakeTimeout:   "10s",
				ExpectContinueTimeout: "1s",
			},
		},
		RateLimit: RateLimitConfig{
			GlobalRate:    100,
			GlobalBurst:   200,
			IdleTimeout:   "10m",
			SweepInterval: "1m",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          "60s",
		},
		IPFilter: IPFilterConfig{
			Mode: IPFilterModeBlacklist,
		},
		Auth: AuthConfig{
			JWTSecret:      DefaultJWTSecret,
			JWTExpiration:  "1h",
			TokenCacheSize: 10_000,
		},
		MagicLink: MagicLinkConfig{
			Expiration:      "5m",
			BasePath:        "/api/search",
			Store:           MagicLinkStoreMemory,
			KeyPrefix:       "seawall:magic:",
			CleanupInterval: "1m",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10_000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "seawall",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("SEAWALL_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/seawall/config.yaml and
// can be overridden via SEAWALL_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// A missing file leaves defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "SEAWALL_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Dual"
// or env values like "WHITELIST" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Network.Mode = NetworkMode(strings.ToLower(string(cfg.Network.Mode)))
	cfg.IPFilter.Mode = IPFilterMode(strings.ToLower(string(cfg.IPFilter.Mode)))
	cfg.MagicLink.Store = MagicLinkStore(strings.ToLower(string(cfg.MagicLink.Store)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent. Every
// returned error wraps ErrInvalid.
func Validate(cfg *Config) error {
	validators := []func(*Config) error{
		validateNetwork,
		validateUpstream,
		validateDurations,
		validateRateLimit,
		validateCircuitBreaker,
		validateIPFilter,
		validateMagicLink,
		validateEvents,
		validateLogging,
		validateTracing,
	}
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

func validateNetwork(cfg *Config) error {
	n := cfg.Network
	if !n.Mode.Valid() {
		return fmt.Errorf("invalid network.mode %q: must be internal, external, or dual", n.Mode)
	}
	switch n.Mode {
	case NetworkModeInternal:
		if !n.Internal.Enabled {
			return fmt.Errorf("network.mode internal requires network.internal.enabled")
		}
	case NetworkModeExternal:
		if !n.External.Enabled {
			return fmt.Errorf("network.mode external requires network.external.enabled")
		}
	case NetworkModeDual:
		if !n.Internal.Enabled && !n.External.Enabled {
			return fmt.Errorf("network.mode dual requires at least one enabled listener")
		}
	}
	if n.ServeInternal() {
		if !IsLoopbackHost(n.Internal.Host) {
			return fmt.Errorf("network.internal.host %q must be a loopback address (127.0.0.1, ::1 or localhost)", n.Internal.Host)
		}
		if err := validatePort("network.internal.port", n.Internal.Port); err != nil {
			return err
		}
	}
	if n.ServeExternal() {
		if err := validatePort("network.external.port", n.External.Port); err != nil {
			return err
		}
	}
	if n.ServeInternal() && n.ServeExternal() && n.Internal.Port == n.External.Port {
		return fmt.Errorf("network.internal.port and network.external.port must differ")
	}
	return nil
}

func validatePort(name string, port int) error {
	// 0 lets the kernel pick a port.
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s %d", name, port)
	}
	return nil
}

// IsLoopbackHost reports whether host is "localhost" or a loopback IP literal.
// Other hostnames are rejected since their resolution can change after
// validation.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return false
	}
	return addr.IsLoopback()
}

func validateUpstream(cfg *Config) error {
	if cfg.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}

	// Normalize the URL so that host always includes an explicit port.
	normalized, err := normalizeURL(cfg.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream.url %q: %w", cfg.Upstream.URL, err)
	}
	cfg.Upstream.URL = normalized
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme-appropriate default is appended
// (80 for http, 443 for https).
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if u.Port() == "" {
		if strings.EqualFold(u.Scheme, "https") {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}

	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
		{"upstream.transport.dial_timeout", cfg.Upstream.Transport.DialTimeout},
		{"upstream.transport.dial_keep_alive", cfg.Upstream.Transport.DialKeepAlive},
		{"upstream.transport.tls_handshake_timeout", cfg.Upstream.Transport.TLSHandshakeTimeout},
		{"upstream.transport.expect_continue_timeout", cfg.Upstream.Transport.ExpectContinueTimeout},
		{"rate_limit.idle_timeout", cfg.RateLimit.IdleTimeout},
		{"rate_limit.sweep_interval", cfg.RateLimit.SweepInterval},
		{"circuit_breaker.timeout", cfg.CircuitBreaker.Timeout},
		{"auth.jwt_expiration", cfg.Auth.JWTExpiration},
		{"magic_link.expiration", cfg.MagicLink.Expiration},
		{"magic_link.cleanup_interval", cfg.MagicLink.CleanupInterval},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if rl.GlobalBurst < 1 {
		return fmt.Errorf("rate_limit.global_burst must be >= 1, got %d", rl.GlobalBurst)
	}
	if rl.GlobalRate <= 0 {
		return fmt.Errorf("rate_limit.global_rate must be > 0, got %v", rl.GlobalRate)
	}
	if rl.ClientBurst < 0 {
		return fmt.Errorf("rate_limit.client_burst must be >= 0, got %d", rl.ClientBurst)
	}
	if rl.ClientRate < 0 {
		return fmt.Errorf("rate_limit.client_rate must be >= 0, got %v", rl.ClientRate)
	}
	return nil
}

func validateCircuitBreaker(cfg *Config) error {
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1, got %d", cb.FailureThreshold)
	}
	if cb.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be >= 1, got %d", cb.SuccessThreshold)
	}
	return nil
}

func validateIPFilter(cfg *Config) error {
	if !cfg.IPFilter.Mode.Valid() {
		return fmt.Errorf("invalid ip_filter.mode %q: must be blacklist or whitelist", cfg.IPFilter.Mode)
	}
	for _, list := range []struct {
		name    string
		entries []string
	}{
		{"ip_filter.blacklist", cfg.IPFilter.Blacklist},
		{"ip_filter.whitelist", cfg.IPFilter.Whitelist},
	} {
		for _, e := range list.entries {
			if _, err := netip.ParseAddr(strings.TrimSpace(e)); err != nil {
				return fmt.Errorf("invalid %s entry %q: %w", list.name, e, err)
			}
		}
	}
	return nil
}

func validateMagicLink(cfg *Config) error {
	if !cfg.MagicLink.Store.Valid() {
		return fmt.Errorf("invalid magic_link.store %q: must be memory or redis", cfg.MagicLink.Store)
	}
	if !strings.HasPrefix(cfg.MagicLink.BasePath, "/") {
		return fmt.Errorf("magic_link.base_path %q must start with /", cfg.MagicLink.BasePath)
	}
	if cfg.MagicLink.Store == MagicLinkStoreRedis {
		return validateRedisConfig(cfg.Redis, "redis")
	}
	return nil
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if cfg.Events.Enabled && cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// UsingDefaultJWTSecret reports whether the built-in secret is in effect.
func (c *Config) UsingDefaultJWTSecret() bool {
	return c.Auth.JWTSecret.Value() == DefaultJWTSecret
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Network.Mode != old.Network.Mode {
		fields = append(fields, "network.mode")
	}
	if c.Network.Internal != old.Network.Internal {
		fields = append(fields, "network.internal")
	}
	if c.Network.External.Listener() != old.Network.External.Listener() {
		fields = append(fields, "network.external")
	}
	if strings.Join(c.Network.External.CORSOrigins, ",") != strings.Join(old.Network.External.CORSOrigins, ",") {
		fields = append(fields, "network.external.cors_origins")
	}
	if c.Upstream.URL != old.Upstream.URL {
		fields = append(fields, "upstream.url")
	}
	if c.MagicLink.Store != old.MagicLink.Store {
		fields = append(fields, "magic_link.store")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.RateLimit != old.RateLimit {
		fields = append(fields, "rate_limit")
	}
	if c.CircuitBreaker != old.CircuitBreaker {
		fields = append(fields, "circuit_breaker")
	}
	if c.Auth.JWTSecret != old.Auth.JWTSecret {
		fields = append(fields, "auth.jwt_secret")
	}
	return fields
}
