// Package config loads server and CLI settings from a TOML file, then
// THERICHCOUPLE_* environment variables. Command-line flags are applied on
// top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/thegreatlucas/therichcouple-sub000/crypto"
	"github.com/thegreatlucas/therichcouple-sub000/field"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBBolt    = "bbolt"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMongoDB  = "mongodb"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "THERICHCOUPLE_"

// Duration is a time.Duration written as a string such as "10m" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Vault    VaultConfig    `toml:"vault"`
	Transfer TransferConfig `toml:"transfer"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr        string   `toml:"addr"`
	SessionTTL  Duration `toml:"session_ttl"`
	SessionIdle Duration `toml:"session_idle"`
	// Requests per second per client IP on unlock and redeem.
	ThrottleRate  float64 `toml:"throttle_rate"`
	ThrottleBurst int     `toml:"throttle_burst"`

	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
	// CIDRs or bare IPs whose forwarding headers are believed.
	TrustedProxies []string `toml:"trusted_proxies"`
	// Audit events are POSTed here when set. AuditWebhookAuth is a full
	// "Header-Name: value" line.
	AuditWebhookURL  string `toml:"audit_webhook_url"`
	AuditWebhookAuth string `toml:"audit_webhook_auth"`
}

type StorageConfig struct {
	Backend       string `toml:"backend"`
	Path          string `toml:"path"`
	PostgresDSN   string `toml:"postgres_dsn"`
	MongoURI      string `toml:"mongo_uri"`
	MongoDatabase string `toml:"mongo_database"`
}

type VaultConfig struct {
	// KDFProfile, when set, replaces KDF with a named profile.
	KDFProfile   string     `toml:"kdf_profile"`
	KDF          crypto.KDF `toml:"kdf"`
	MinPINLength int        `toml:"min_pin_length"`
	Mode         field.Mode `toml:"mode"`
	Fields       []string   `toml:"fields"`
	// EmitPlaintext keeps writing plaintext next to enc_ columns. Migration only.
	EmitPlaintext bool `toml:"emit_plaintext"`
}

type TransferConfig struct {
	TTL           Duration `toml:"ttl"`
	CodeLength    int      `toml:"code_length"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          "127.0.0.1:8443",
			SessionTTL:    Duration{24 * time.Hour},
			SessionIdle:   Duration{30 * time.Minute},
			ThrottleRate:  1,
			ThrottleBurst: 5,
		},
		Storage: StorageConfig{
			Backend:       BackendBBolt,
			Path:          "data/therichcouple.db",
			MongoDatabase: "therichcouple",
		},
		Vault: VaultConfig{
			KDF:          crypto.DefaultKDF(),
			MinPINLength: 4,
			Mode:         field.ModeEnabled,
			Fields:       append([]string(nil), field.DefaultFields...),
		},
		Transfer: TransferConfig{
			TTL:           Duration{10 * time.Minute},
			CodeLength:    8,
			SweepInterval: Duration{time.Hour},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults, applies the environment
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("reading config %s: unknown key %q", path, undecoded[0].String())
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve expands the KDF profile and validates.
func (c *Config) Resolve() error {
	if c.Vault.KDFProfile != "" {
		kdf, err := crypto.KDFProfile(c.Vault.KDFProfile)
		if err != nil {
			return err
		}
		c.Vault.KDF = kdf
	}
	return c.Validate()
}

// WriteFile writes c as TOML, creating parent directories.
func (c *Config) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(c)
}

// ApplyEnv overrides fields from THERICHCOUPLE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("ADDR", &c.Server.Addr)
	str("TLS_CERT", &c.Server.TLSCert)
	str("TLS_KEY", &c.Server.TLSKey)
	str("AUDIT_WEBHOOK_URL", &c.Server.AuditWebhookURL)
	str("AUDIT_WEBHOOK_AUTH", &c.Server.AuditWebhookAuth)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("STORAGE_PATH", &c.Storage.Path)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("MONGO_URI", &c.Storage.MongoURI)
	str("MONGO_DATABASE", &c.Storage.MongoDatabase)
	str("KDF_PROFILE", &c.Vault.KDFProfile)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "TRUSTED_PROXIES"); ok {
		c.Server.TrustedProxies = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvPrefix + "ENCRYPTION_MODE"); ok {
		if err := c.Vault.Mode.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sENCRYPTION_MODE: %w", EnvPrefix, err)
		}
	}
	if v, ok := lookup(EnvPrefix + "ENCRYPTED_FIELDS"); ok {
		c.Vault.Fields = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvPrefix + "EMIT_PLAINTEXT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sEMIT_PLAINTEXT: %w", EnvPrefix, err)
		}
		c.Vault.EmitPlaintext = b
	}
	if v, ok := lookup(EnvPrefix + "TRANSFER_TTL"); ok {
		if err := c.Transfer.TTL.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%sTRANSFER_TTL: %w", EnvPrefix, err)
		}
	}
	return nil
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	var errs []error

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBBolt, BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", c.Storage.Backend))
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for postgres"))
		}
	case BackendMongoDB:
		if c.Storage.MongoURI == "" || c.Storage.MongoDatabase == "" {
			errs = append(errs, errors.New("storage.mongo_uri and storage.mongo_database are required for mongodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if err := c.Vault.KDF.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vault.kdf: %w", err))
	}
	if c.Vault.MinPINLength < 4 {
		errs = append(errs, fmt.Errorf("vault.min_pin_length %d below 4", c.Vault.MinPINLength))
	}
	if _, err := c.Vault.Mode.MarshalText(); err != nil {
		errs = append(errs, fmt.Errorf("vault.mode: %w", err))
	}
	if c.Vault.Mode != field.ModeDisabled && len(field.NewPolicy(c.Vault.Fields...).Fields()) == 0 {
		errs = append(errs, errors.New("vault.fields must name at least one field"))
	}

	if c.Transfer.TTL.Duration <= 0 {
		errs = append(errs, errors.New("transfer.ttl must be positive"))
	}
	if c.Transfer.SweepInterval.Duration <= 0 {
		errs = append(errs, errors.New("transfer.sweep_interval must be positive"))
	}
	if c.Transfer.CodeLength < 6 || c.Transfer.CodeLength > 16 {
		errs = append(errs, fmt.Errorf("transfer.code_length %d outside 6..16", c.Transfer.CodeLength))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Policy returns the field policy described by the vault section.
func (c *Config) Policy() field.Policy {
	return field.NewPolicy(c.Vault.Fields...)
}

// Codec returns the field codec described by the vault section.
func (c *Config) Codec() field.Codec {
	return field.Codec{Policy: c.Policy(), Mode: c.Vault.Mode, EmitPlaintext: c.Vault.EmitPlaintext}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
