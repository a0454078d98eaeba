// Package config loads and validates the Sentinel configuration, and holds
// the active value behind a lock-free atomic pointer so readers never
// observe a partially updated Config.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables loaded from the YAML config file.
// Once published into a Store it is treated as immutable; the Compiled
// field is populated once at load time so evaluators never recompile or
// re-lowercase a pattern per line.
type Config struct {
	SensitiveFiles []string `yaml:"sensitive_files"`
	CMSAttacks     []string `yaml:"cms_attacks"`
	BadUserAgents  []string `yaml:"bad_user_agents"`
	InstantBan     []string `yaml:"instant_ban"`
	Whitelist      []string `yaml:"whitelist"`
	LogPath        string   `yaml:"log_path"`
	MaxRetries     int      `yaml:"max_retries"`
	WindowSeconds  int      `yaml:"window_seconds"`
	BanTimeSeconds int      `yaml:"ban_time_seconds"`

	GeoIP   GeoIPConfig   `yaml:"geoip"`
	Webhook WebhookConfig `yaml:"webhook"`
	Storage StorageConfig `yaml:"storage"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Log     LogConfig     `yaml:"log"`

	Compiled *Compiled `yaml:"-"`
}

// GeoIPConfig names the optional MaxMind databases used by GeoEnrichment.
// Either path may be empty, in which case that lookup is disabled.
type GeoIPConfig struct {
	CityDBPath        string   `yaml:"city_db_path"`
	ASNDBPath         string   `yaml:"asn_db_path"`
	HighRiskCountries []string `yaml:"high_risk_countries"`
}

// WebhookConfig configures the optional AlertNotifier target.
type WebhookConfig struct {
	URL             string `yaml:"url"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
}

// StorageConfig configures the EventSink's two independently optional
// backends.
type StorageConfig struct {
	MySQLDSN     string `yaml:"mysql_dsn"`
	MySQLMaxIdle int    `yaml:"mysql_max_idle"`
	MySQLMaxOpen int    `yaml:"mysql_max_open"`
	InfluxURL    string `yaml:"influx_url"`
	InfluxToken  string `yaml:"influx_token"`
	InfluxOrg    string `yaml:"influx_org"`
	InfluxBucket string `yaml:"influx_bucket"`
}

// KafkaConfig configures the optional StreamIngest path. StreamIngest is
// dormant unless Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// LogConfig configures Sentinel's own structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

// Compiled is the lowercased/normalised form of a Config's pattern lists,
// built once at load time.
type Compiled struct {
	SensitiveFiles []string
	CMSAttacks     []string
	BadUserAgents  []string
	InstantBan     []string
	Whitelist      map[string]struct{}
}

const (
	defaultMaxRetries      = 3
	defaultWindowSeconds   = 60
	defaultBanTimeSeconds  = 86400
	defaultLogPath         = "/var/log/nginx/access.log"
	defaultWebhookCooldown = 3600
)

// Load reads and validates the YAML config at path, returning a Config
// with Compiled already populated. Callers on the hot-reload path should
// keep the previous Config in force if Load returns an error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}

	cfg.Compiled = compile(&cfg)
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = defaultWindowSeconds
	}
	if c.BanTimeSeconds == 0 {
		c.BanTimeSeconds = defaultBanTimeSeconds
	}
	if c.LogPath == "" {
		c.LogPath = defaultLogPath
	}
	if c.Webhook.URL != "" && c.Webhook.CooldownSeconds <= 0 {
		c.Webhook.CooldownSeconds = defaultWebhookCooldown
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the invariants the watcher and store never enforce
// themselves: positive numerics, parseable whitelist IPs, non-empty
// log_path.
func (c *Config) Validate() error {
	if c.LogPath == "" {
		return fmt.Errorf("log_path must not be empty")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %d", c.WindowSeconds)
	}
	if c.BanTimeSeconds <= 0 {
		return fmt.Errorf("ban_time_seconds must be positive, got %d", c.BanTimeSeconds)
	}
	for _, ip := range c.Whitelist {
		if net.ParseIP(normalizeIP(ip)) == nil {
			return fmt.Errorf("whitelist entry %q is not a valid IP literal", ip)
		}
	}
	return nil
}

func compile(c *Config) *Compiled {
	whitelist := make(map[string]struct{}, len(c.Whitelist))
	for _, ip := range c.Whitelist {
		whitelist[normalizeIP(ip)] = struct{}{}
	}

	return &Compiled{
		SensitiveFiles: lowerAll(c.SensitiveFiles),
		CMSAttacks:     lowerAll(c.CMSAttacks),
		BadUserAgents:  lowerAll(c.BadUserAgents),
		InstantBan:     lowerAll(c.InstantBan),
		Whitelist:      whitelist,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// normalizeIP canonicalises an IP literal for verbatim whitelist
// comparison, matching net.ParseIP's own string form.
func normalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return strings.TrimSpace(s)
	}
	return ip.String()
}

// Store is a thread-safe holder of the active Config. Readers call
// Snapshot for a non-blocking read of the latest published value;
// Publish atomically replaces it. The last publish always wins.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore creates a Store already holding initial.
func NewStore(initial *Config) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Snapshot returns the currently active Config. Never nil once
// constructed via NewStore.
func (s *Store) Snapshot() *Config {
	return s.ptr.Load()
}

// Publish atomically replaces the active Config.
func (s *Store) Publish(c *Config) {
	s.ptr.Store(c)
}
