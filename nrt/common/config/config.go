package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nostr-relay-tray/nrt/common/logx"
)

type DBPoolCfg struct {
	MaxOpen        int `yaml:"max_open"`
	MaxIdle        int `yaml:"max_idle"`
	MaxLifetimeSec int `yaml:"max_lifetime_sec"`
}

type DBCfg struct {
	Driver string    `yaml:"driver"`
	DSN    string    `yaml:"dsn"`
	Pool   DBPoolCfg `yaml:"pool"`
}

type ServerCfg struct {
	Addr    string `yaml:"addr"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	// comma separated host patterns, e.g. "*.example.com"; empty disables
	TLSSNIGuard string `yaml:"tls_sni_guard"`
}

type AdminAuth struct {
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl"` // minutes
}

type Logging struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

type RelayCfg struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Software    string `yaml:"software"`
	Version     string `yaml:"version"`
	// inbound messages per second per client; <=0 disables limiting
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
	MaxPayload   int64   `yaml:"max_payload"`
}

type FederationCfg struct {
	ProxyURL       string        `yaml:"proxy_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	HubRetryDelay  time.Duration `yaml:"hub_retry_delay"`
	HubMaxAttempts int           `yaml:"hub_max_attempts"`
	ProxyBaseDelay time.Duration `yaml:"proxy_base_delay"`
	ProxyMaxDelay  time.Duration `yaml:"proxy_max_delay"`
}

type WotCfg struct {
	RelayURLs    []string      `yaml:"relay_urls"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Watchdog     time.Duration `yaml:"watchdog"`
}

type AdmissionCfg struct {
	IgnoreDelegation bool `yaml:"ignore_delegation"`
	// SkipVerify accepts events without checking id and signature; tests only.
	SkipVerify bool `yaml:"skip_verify"`
}

type InfluxDB2Config struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

type MetricsCfg struct {
	Prometheus bool            `yaml:"prometheus"`
	Influx     InfluxDB2Config `yaml:"influx"`
}

type Config struct {
	Server     ServerCfg     `yaml:"server"`
	DB         DBCfg         `yaml:"db"`
	Admin      AdminAuth     `yaml:"admin"`
	Logging    Logging       `yaml:"logging"`
	Relay      RelayCfg      `yaml:"relay"`
	Federation FederationCfg `yaml:"federation"`
	Wot        WotCfg        `yaml:"wot"`
	Admission  AdmissionCfg  `yaml:"admission"`
	Metrics    MetricsCfg    `yaml:"metrics"`
}

const (
	DefaultProxyURL = "wss://proxy.nostr-relay.app/register"
	fallbackPath    = "/etc/nostr-relay-tray/config.yaml"
)

var log = logx.New(logx.WithPrefix("config"))

// Load reads p, falling back to /etc/nostr-relay-tray/config.yaml. A missing
// file at both places yields the defaults.
func Load(p string) (*Config, string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		if b2, err2 := os.ReadFile(fallbackPath); err2 == nil {
			p, b, err = fallbackPath, b2, nil
		}
	}
	var c Config
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, p, fmt.Errorf("read config %s: %w", p, err)
		}
		log.Warnf("config %s not found, using defaults", p)
	} else if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, p, fmt.Errorf("parse config %s: %w", p, err)
	}

	c.ApplyDefaults()
	if err := ensureDirForFileDSN(c.DB.DSN); err != nil {
		return nil, p, err
	}
	return &c, p, nil
}

// Parse is Load without the file system, used by tests and the watcher.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	return &c, nil
}

func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "0.0.0.0:4869"
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.DSN == "" && c.DB.Driver == "sqlite" {
		c.DB.DSN = defaultSQLiteDSN()
	}
	if c.Admin.TokenTTL <= 0 {
		c.Admin.TokenTTL = 60 * 24
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Relay.Name == "" {
		c.Relay.Name = "nostr-relay-tray"
	}
	if c.Relay.Description == "" {
		c.Relay.Description = "a nostr relay for desktop"
	}
	if c.Relay.Software == "" {
		c.Relay.Software = "https://github.com/CodyTseng/nostr-relay-tray"
	}
	if c.Relay.Version == "" {
		c.Relay.Version = "dev"
	}
	if c.Relay.MessageBurst <= 0 {
		c.Relay.MessageBurst = 50
	}
	if c.Relay.MaxPayload <= 0 {
		c.Relay.MaxPayload = 128 * 1024
	}

	f := &c.Federation
	if f.ProxyURL == "" {
		f.ProxyURL = DefaultProxyURL
	}
	if f.ConnectTimeout <= 0 {
		f.ConnectTimeout = 5 * time.Second
	}
	if f.HubRetryDelay <= 0 {
		f.HubRetryDelay = 5 * time.Second
	}
	if f.HubMaxAttempts <= 0 {
		f.HubMaxAttempts = 60
	}
	if f.ProxyBaseDelay <= 0 {
		f.ProxyBaseDelay = time.Second
	}
	if f.ProxyMaxDelay <= 0 {
		f.ProxyMaxDelay = 600 * time.Second
	}

	if len(c.Wot.RelayURLs) == 0 {
		c.Wot.RelayURLs = []string{"wss://relay.damus.io", "wss://relay.nostr.band", "wss://nos.lol"}
	}
	if c.Wot.QueryTimeout <= 0 {
		c.Wot.QueryTimeout = 20 * time.Second
	}
	if c.Wot.Watchdog <= 0 {
		c.Wot.Watchdog = 5 * time.Minute
	}
}

func defaultSQLiteDSN() string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return "file:" + filepath.ToSlash(filepath.Join("data", "nostr-relay-tray.db")) + "?" + q.Encode()
}

func ensureDirForFileDSN(dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || strings.HasPrefix(p, ":memory:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(p), 0o755)
}
