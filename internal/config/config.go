package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pochtmanr/dopplerland-sub001/internal/wgconf"
)

type Config struct {
	LogLevel          string                  `yaml:"log_level"`
	Database          DatabaseConfig          `yaml:"database"`
	HTTP              HTTPConfig              `yaml:"http"`
	ObservabilityHTTP ObservabilityHTTPConfig `yaml:"observability_http"`
	Auth              AuthConfig              `yaml:"auth"`
	Backend           BackendConfig           `yaml:"backend"`
	Registry          RegistryConfig          `yaml:"registry"`
	Sync              SyncConfig              `yaml:"sync"`
	Provision         ProvisionConfig         `yaml:"provision"`
	ObjectStore       ObjectStoreConfig       `yaml:"object_store"`
	GeoIP             []GeoIPConfig           `yaml:"geoip"`
	Telegram          TelegramConfig          `yaml:"telegram"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Listen       string `yaml:"listen"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

type ObservabilityHTTPConfig struct {
	Addr    string `yaml:"addr"`
	Pprof   bool   `yaml:"pprof"`
	Metrics bool   `yaml:"metrics"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
	TokenTTL  int    `yaml:"token_ttl"` // hours, for minted operator tokens
}

type BackendConfig struct {
	RequestTimeout int `yaml:"request_timeout"` // seconds
	RetryDelay     int `yaml:"retry_delay_ms"`
}

type RegistryConfig struct {
	// FallbackUnknownSelector routes a selector that matches no server to
	// the first active one instead of failing.
	FallbackUnknownSelector bool              `yaml:"fallback_unknown_selector"`
	HealthCheck             HealthCheckConfig `yaml:"health_check"`
}

type HealthCheckConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // seconds
}

type SyncConfig struct {
	Enabled  bool `yaml:"enabled"`
	Interval int  `yaml:"interval"` // seconds
	PageSize int  `yaml:"page_size"`
}

type ProvisionConfig struct {
	FreeTTL           int      `yaml:"free_ttl"` // hours
	PaidTTL           int      `yaml:"paid_ttl"` // days
	DefaultMaxDevices int      `yaml:"default_max_devices"`
	DefaultProtocol   string   `yaml:"default_protocol"`
	DefaultDNS        string   `yaml:"default_dns"`
	HandlePrefix      string   `yaml:"handle_prefix"`
	ExcludeCIDRs      []string `yaml:"exclude_cidrs"`
}

type ObjectStoreConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	PublicBaseURL   string `yaml:"public_base_url"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Enabled reports whether client configs should be published.
func (c ObjectStoreConfig) Enabled() bool { return c.Bucket != "" }

type GeoIPConfig struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path"`    // local file path or URL
	Refresh int    `yaml:"refresh"` // seconds
}

// TelegramConfig enables operator alerts for health changes and partial
// failures.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	APIURL  string `yaml:"api_url"`
}

var protocols = map[string]bool{"vless": true, "shadowsocks": true, "trojan": true}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with environment values. Bare
// $NAME is left alone so secrets containing '$' survive.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "fleet.db"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 60
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "fleetd"
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 24
	}
	if cfg.Backend.RequestTimeout == 0 {
		cfg.Backend.RequestTimeout = 10
	}
	if cfg.Backend.RetryDelay == 0 {
		cfg.Backend.RetryDelay = 500
	}
	if cfg.Registry.HealthCheck.Interval == 0 {
		cfg.Registry.HealthCheck.Interval = 30
	}
	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 300
	}
	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 100
	}
	if cfg.Provision.FreeTTL == 0 {
		cfg.Provision.FreeTTL = 24
	}
	if cfg.Provision.PaidTTL == 0 {
		cfg.Provision.PaidTTL = 30
	}
	if cfg.Provision.DefaultMaxDevices == 0 {
		cfg.Provision.DefaultMaxDevices = 10
	}
	if cfg.Provision.DefaultProtocol == "" {
		cfg.Provision.DefaultProtocol = "vless"
	}
	if cfg.Provision.DefaultDNS == "" {
		cfg.Provision.DefaultDNS = wgconf.DefaultDNS
	}
	if cfg.ObjectStore.Enabled() {
		if cfg.ObjectStore.Region == "" {
			cfg.ObjectStore.Region = "us-east-1"
		}
		if cfg.ObjectStore.Prefix == "" {
			cfg.ObjectStore.Prefix = "configs"
		}
	}
	for i := range cfg.GeoIP {
		if cfg.GeoIP[i].Name == "" {
			cfg.GeoIP[i].Name = fmt.Sprintf("geoip-%d", i)
		}
		if cfg.GeoIP[i].Refresh == 0 {
			cfg.GeoIP[i].Refresh = 86400
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth: jwt_secret must be at least 16 characters")
	}
	if c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 {
		return fmt.Errorf("http: timeouts cannot be negative")
	}
	if c.Backend.RequestTimeout < 0 || c.Backend.RetryDelay < 0 {
		return fmt.Errorf("backend: request_timeout and retry_delay_ms cannot be negative")
	}
	if c.Sync.PageSize < 0 || c.Sync.PageSize > 1000 {
		return fmt.Errorf("sync: page_size must be between 1 and 1000")
	}
	if c.Provision.FreeTTL < 0 || c.Provision.PaidTTL < 0 {
		return fmt.Errorf("provision: ttl values cannot be negative")
	}
	if c.Provision.DefaultMaxDevices < 0 {
		return fmt.Errorf("provision: default_max_devices cannot be negative")
	}
	if !protocols[c.Provision.DefaultProtocol] {
		return fmt.Errorf("provision: unknown default_protocol %q", c.Provision.DefaultProtocol)
	}
	for _, cidr := range c.Provision.ExcludeCIDRs {
		if !wgconf.ValidCIDR(cidr) {
			return fmt.Errorf("provision: invalid exclude cidr %q", cidr)
		}
	}
	if c.ObjectStore.Enabled() && (c.ObjectStore.AccessKeyID == "") != (c.ObjectStore.SecretAccessKey == "") {
		return fmt.Errorf("object_store: access_key_id and secret_access_key must be set together")
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram: token and chat_id are required")
	}
	for _, g := range c.GeoIP {
		if g.Path == "" {
			return fmt.Errorf("geoip entry %q: path is required", g.Name)
		}
	}
	return nil
}

func (c *Config) ParseLogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c BackendConfig) Delay() time.Duration {
	return time.Duration(c.RetryDelay) * time.Millisecond
}

func (c ProvisionConfig) FreeTTLDuration() time.Duration {
	return time.Duration(c.FreeTTL) * time.Hour
}

func (c ProvisionConfig) PaidTTLDuration() time.Duration {
	return time.Duration(c.PaidTTL) * 24 * time.Hour
}

func (c AuthConfig) TTL() time.Duration {
	return time.Duration(c.TokenTTL) * time.Hour
}

const redacted = "***"

// Redacted returns a copy with every secret replaced, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = redacted
	}
	if out.ObjectStore.AccessKeyID != "" {
		out.ObjectStore.AccessKeyID = redacted
	}
	if out.ObjectStore.SecretAccessKey != "" {
		out.ObjectStore.SecretAccessKey = redacted
	}
	if out.Telegram.Token != "" {
		out.Telegram.Token = redacted
	}
	out.GeoIP = make([]GeoIPConfig, len(c.GeoIP))
	for i, g := range c.GeoIP {
		g.Path = redactURL(g.Path)
		out.GeoIP[i] = g
	}
	return &out
}

// redactURL hides userinfo and query strings, where download tokens live,
// e.g. "https://u:p@host/db.mmdb?key=x" becomes "https://***@host/db.mmdb?***".
func redactURL(s string) string {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return s
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		if slash := strings.Index(rest, "/"); slash == -1 || at < slash {
			rest = redacted + rest[at:]
		}
	}
	if q := strings.Index(rest, "?"); q != -1 {
		rest = rest[:q+1] + redacted
	}
	return scheme + "://" + rest
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}
