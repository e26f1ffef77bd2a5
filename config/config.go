package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/mailgate/helpers"
)

const (
	DefaultCacheTTL           = 5 * time.Minute
	DefaultCacheSweepInterval = 60 * time.Second
	DefaultCommandTimeout     = 5 * time.Minute
	DefaultMaxMessageSize     = 25 * 1024 * 1024
	DefaultMaxRecipients      = 100
)

// Server types accepted in [[server]] blocks.
const (
	ServerTypePOP3    = "pop3"
	ServerTypeIMAP    = "imap"
	ServerTypeSMTP    = "smtp"
	ServerTypeMetrics = "metrics"
)

// LoggingConfig holds the [logging] section.
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// CacheConfig holds the [cache] section for the per-user message cache.
type CacheConfig struct {
	TTL           string `toml:"ttl"`
	SweepInterval string `toml:"sweep_interval"`
}

func (c *CacheConfig) GetTTL() (time.Duration, error) {
	if c.TTL == "" {
		return DefaultCacheTTL, nil
	}
	return helpers.ParseDuration(c.TTL)
}

func (c *CacheConfig) GetSweepInterval() (time.Duration, error) {
	if c.SweepInterval == "" {
		return DefaultCacheSweepInterval, nil
	}
	return helpers.ParseDuration(c.SweepInterval)
}

// DeliveryConfig holds the [delivery] section used by SMTP ingestion.
type DeliveryConfig struct {
	Domain         string `toml:"domain"`
	MaxMessageSize string `toml:"max_message_size"`
	MaxRecipients  int    `toml:"max_recipients"`
}

func (d *DeliveryConfig) GetMaxMessageSize() (int64, error) {
	if d.MaxMessageSize == "" {
		return DefaultMaxMessageSize, nil
	}
	return helpers.ParseSize(d.MaxMessageSize)
}

func (d *DeliveryConfig) GetMaxRecipients() int {
	if d.MaxRecipients <= 0 {
		return DefaultMaxRecipients
	}
	return d.MaxRecipients
}

// PostgresConfig holds [store.postgres].
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`
	TLSMode  bool   `toml:"tls_mode"`
	MaxConns int32  `toml:"max_conns"`
	MinConns int32  `toml:"min_conns"`
}

// ConnString builds a postgres:// URL for pgx and golang-migrate.
func (p *PostgresConfig) ConnString() string {
	sslMode := "disable"
	if p.TLSMode {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Name, sslMode)
}

// SQLiteConfig holds [store.sqlite].
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// StoreConfig holds the [store] section.
type StoreConfig struct {
	Driver      string         `toml:"driver"` // "postgres" or "sqlite"
	AutoMigrate bool           `toml:"auto_migrate"`
	Postgres    PostgresConfig `toml:"postgres"`
	SQLite      SQLiteConfig   `toml:"sqlite"`
}

// S3Config holds the [s3] section for the raw message archive.
type S3Config struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	Trace     bool   `toml:"trace"`
}

// ServerConfig is one [[server]] block. Every engine is normally declared
// twice: once with tls = true (implicit TLS) and once in plaintext with
// tls_use_starttls = true.
type ServerConfig struct {
	Type string `toml:"type"`
	Name string `toml:"name"`
	Addr string `toml:"addr"`

	TLS            bool   `toml:"tls,omitempty"`
	TLSUseStartTLS bool   `toml:"tls_use_starttls,omitempty"`
	TLSCertFile    string `toml:"tls_cert_file,omitempty"`
	TLSKeyFile     string `toml:"tls_key_file,omitempty"`

	CommandTimeout string `toml:"command_timeout,omitempty"`
	Debug          bool   `toml:"debug,omitempty"`

	// Metrics specific
	Path string `toml:"path,omitempty"`

	Disabled bool `toml:"disabled,omitempty"`
}

func (s *ServerConfig) GetCommandTimeout() (time.Duration, error) {
	if s.CommandTimeout == "" {
		return DefaultCommandTimeout, nil
	}
	return helpers.ParseDuration(s.CommandTimeout)
}

// NeedsCertificate reports whether the server must load a key pair.
func (s *ServerConfig) NeedsCertificate() bool {
	return s.TLS || s.TLSUseStartTLS
}

func (s *ServerConfig) Validate() error {
	switch s.Type {
	case ServerTypePOP3, ServerTypeIMAP, ServerTypeSMTP, ServerTypeMetrics:
	default:
		return fmt.Errorf("server %q: unknown type %q", s.Name, s.Type)
	}
	if s.Addr == "" {
		return fmt.Errorf("server %q: addr is required", s.Name)
	}
	if s.TLS && s.TLSUseStartTLS {
		return fmt.Errorf("server %q: tls and tls_use_starttls are mutually exclusive", s.Name)
	}
	if s.NeedsCertificate() && (s.TLSCertFile == "" || s.TLSKeyFile == "") {
		return fmt.Errorf("server %q: tls_cert_file and tls_key_file are required when TLS is enabled", s.Name)
	}
	if _, err := s.GetCommandTimeout(); err != nil {
		return fmt.Errorf("server %q: invalid command_timeout: %w", s.Name, err)
	}
	return nil
}

type Config struct {
	Hostname string         `toml:"hostname"`
	Logging  LoggingConfig  `toml:"logging"`
	Cache    CacheConfig    `toml:"cache"`
	Delivery DeliveryConfig `toml:"delivery"`
	Store    StoreConfig    `toml:"store"`
	S3       S3Config       `toml:"s3"`

	Servers []ServerConfig `toml:"server"`
}

// NewDefaultConfig returns the built-in configuration: each engine bound on
// an implicit-TLS port and a plaintext port, plus a metrics endpoint.
func NewDefaultConfig() Config {
	const cert, key = "/etc/mailgate/tls/cert.pem", "/etc/mailgate/tls/key.pem"
	return Config{
		Hostname: "localhost",
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Cache: CacheConfig{
			TTL:           "5m",
			SweepInterval: "60s",
		},
		Delivery: DeliveryConfig{
			Domain:         "example.com",
			MaxMessageSize: "25mb",
			MaxRecipients:  DefaultMaxRecipients,
		},
		Store: StoreConfig{
			Driver: "postgres",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     "5432",
				User:     "postgres",
				Name:     "mailgate",
				MaxConns: 50,
				MinConns: 5,
			},
			SQLite: SQLiteConfig{Path: "/var/lib/mailgate/mailgate.db"},
		},
		Servers: []ServerConfig{
			{Type: ServerTypeSMTP, Name: "smtp", Addr: ":25", TLSUseStartTLS: true, TLSCertFile: cert, TLSKeyFile: key},
			{Type: ServerTypeSMTP, Name: "smtps", Addr: ":465", TLS: true, TLSCertFile: cert, TLSKeyFile: key},
			{Type: ServerTypePOP3, Name: "pop3", Addr: ":110", TLSUseStartTLS: true, TLSCertFile: cert, TLSKeyFile: key},
			{Type: ServerTypePOP3, Name: "pop3s", Addr: ":995", TLS: true, TLSCertFile: cert, TLSKeyFile: key},
			{Type: ServerTypeIMAP, Name: "imap", Addr: ":143", TLSUseStartTLS: true, TLSCertFile: cert, TLSKeyFile: key},
			{Type: ServerTypeIMAP, Name: "imaps", Addr: ":993", TLS: true, TLSCertFile: cert, TLSKeyFile: key},
			{Type: ServerTypeMetrics, Name: "metrics", Addr: ":9090", Path: "/metrics"},
		},
	}
}

// GetAllServers returns the enabled [[server]] blocks.
func (c *Config) GetAllServers() []ServerConfig {
	var servers []ServerConfig
	for _, s := range c.Servers {
		if !s.Disabled {
			servers = append(servers, s)
		}
	}
	return servers
}

// Validate checks cross-field constraints that TOML decoding cannot.
func (c *Config) Validate() error {
	if c.Delivery.Domain == "" {
		return fmt.Errorf("delivery.domain is required")
	}
	if _, err := c.Cache.GetTTL(); err != nil {
		return fmt.Errorf("invalid cache.ttl: %w", err)
	}
	if _, err := c.Cache.GetSweepInterval(); err != nil {
		return fmt.Errorf("invalid cache.sweep_interval: %w", err)
	}
	if _, err := c.Delivery.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("invalid delivery.max_message_size: %w", err)
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	names := make(map[string]bool)
	for i := range c.Servers {
		s := &c.Servers[i]
		if names[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		names[s.Name] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfigFromFile decodes a TOML file over cfg. Unknown keys are logged
// and ignored; string values are trimmed.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	// An explicit [[server]] list replaces the defaults instead of appending.
	cfg.Servers = nil
	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a key appears twice in the same section", err)
	case strings.Contains(msg, `expected value but found "f"`),
		strings.Contains(msg, `expected value but found "t"`):
		return fmt.Errorf("%w\n\nHINT: TOML booleans are exactly 'true' or 'false'", err)
	}
	return err
}

func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanSet() {
				trimStringFields(v.Field(i))
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
