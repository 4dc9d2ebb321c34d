package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"didmovement/crypto"
	"didmovement/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DID_MOVEMENT_"

// Duration wraps time.Duration to support YAML and TOML strings such as "1s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText is used by the TOML decoder and by env overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures runtime configuration for the DID service.
type Config struct {
	Env        string               `yaml:"env" toml:"env"`
	Server     ServerConfig         `yaml:"server" toml:"server"`
	Storage    StorageConfig        `yaml:"storage" toml:"storage"`
	Ledger     LedgerConfig         `yaml:"ledger" toml:"ledger"`
	Custody    CustodyConfig        `yaml:"custody" toml:"custody"`
	Service    ServiceConfig        `yaml:"service" toml:"service"`
	Explorer   ExplorerConfig       `yaml:"explorer" toml:"explorer"`
	Log        LogConfig            `yaml:"log" toml:"log"`
	Auth       AuthConfig           `yaml:"auth" toml:"auth"`
	CORS       CORSConfig           `yaml:"cors" toml:"cors"`
	RateLimits map[string]RateLimit `yaml:"rate_limits" toml:"rate_limits"`
	Telemetry  TelemetryConfig      `yaml:"telemetry" toml:"telemetry"`
	Tasks      TasksConfig          `yaml:"tasks" toml:"tasks"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Listen          string   `yaml:"listen" toml:"listen"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// TrustProxyHeaders is enabled only behind a proxy that sets X-Real-IP
	// or X-Forwarded-For.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" toml:"trust_proxy_headers"`
}

// StorageConfig selects the key-value backend.
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
}

// LedgerConfig points at the fullnode and tunes the transaction pipeline.
type LedgerConfig struct {
	URL string `yaml:"url" toml:"url"`
	// Module is the address the DID Move modules are published under.
	Module         string   `yaml:"module" toml:"module"`
	Offline        bool     `yaml:"offline" toml:"offline"`
	ChainID        uint8    `yaml:"chain_id" toml:"chain_id"`
	MaxGas         uint64   `yaml:"max_gas" toml:"max_gas"`
	GasUnitPrice   uint64   `yaml:"gas_unit_price" toml:"gas_unit_price"`
	Expiration     Duration `yaml:"expiration" toml:"expiration"`
	PollAttempts   int      `yaml:"poll_attempts" toml:"poll_attempts"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// writeTimeoutGrace leaves room for the commit and the response after the
// pipeline's worst case.
const writeTimeoutGrace = 30 * time.Second

// PipelineBudget is the longest a ledger-backed write can block: the chain id,
// sequence number and submit requests, then every poll with its wait.
func (l LedgerConfig) PipelineBudget() time.Duration {
	request := l.RequestTimeout.Duration
	return 3*request + time.Duration(l.PollAttempts)*(l.PollInterval.Duration+request)
}

// handlerBudget is the longest any request handler can block: a ledger
// pipeline run or a task callback, whichever is enabled and longer.
func (c Config) handlerBudget() time.Duration {
	var pipeline time.Duration
	if !c.Ledger.Offline {
		pipeline = c.Ledger.PipelineBudget()
	}
	return max(pipeline, c.Tasks.Budget())
}

// CustodyConfig controls key sealing. The passphrase is read from the
// environment only.
type CustodyConfig struct {
	Passphrase string `yaml:"-" toml:"-"`
}

// ServiceConfig is the metadata registered by did_register_service.
type ServiceConfig struct {
	Name         string `yaml:"name" toml:"name"`
	Description  string `yaml:"description" toml:"description"`
	CallbackBase string `yaml:"callback_base" toml:"callback_base"`
}

// TasksConfig enables the service callback: tasks are read from the board,
// answered through an OpenAI compatible chat completion endpoint and
// submitted back. The API key is read from the environment only.
type TasksConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	BoardURL       string   `yaml:"board_url" toml:"board_url"`
	ChatURL        string   `yaml:"chat_url" toml:"chat_url"`
	Model          string   `yaml:"model" toml:"model"`
	MaxTokens      int      `yaml:"max_tokens" toml:"max_tokens"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout"`
	APIKey         string   `yaml:"-" toml:"-"`
}

// Budget is the longest a callback can block: fetch, generate and submit.
func (t TasksConfig) Budget() time.Duration {
	if !t.Enabled {
		return 0
	}
	return 3 * t.RequestTimeout.Duration
}

// ExplorerConfig renders explorer links; %s is replaced by the address.
type ExplorerConfig struct {
	AccountURL string `yaml:"account_url" toml:"account_url"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Requests   bool   `yaml:"requests" toml:"requests"`
}

// AuthConfig enables bearer authentication on mutating routes. The HMAC
// secret is read from the environment only.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	Issuer     string   `yaml:"issuer" toml:"issuer"`
	Audience   string   `yaml:"audience" toml:"audience"`
	ScopeClaim string   `yaml:"scope_claim" toml:"scope_claim"`
	ClockSkew  Duration `yaml:"clock_skew" toml:"clock_skew"`
	HMACSecret string   `yaml:"-" toml:"-"`
}

// CORSConfig lists allowed browser origins.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials" toml:"allow_credentials"`
}

// RateLimit is a per-client token bucket for one route.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
	// SampleRatio samples root spans; 0 keeps every trace.
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

type loadOptions struct {
	lookupEnv func(string) (string, bool)
}

// Option customises Load.
type Option func(*loadOptions)

// WithLookupEnv replaces os.LookupEnv for environment overrides.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.lookupEnv = lookup
		}
	}
}

// Load reads configuration from path, choosing TOML for .toml files and YAML
// otherwise, then applies environment overrides and defaults. An empty path
// yields defaults plus environment.
func Load(path string, opts ...Option) (Config, error) {
	options := loadOptions{lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, options.lookupEnv); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
}

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if value, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if value, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(value) != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = parsed
		}
	}
	duration := func(name string, dst *Duration) {
		if value, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(value) != "" {
			if err := dst.UnmarshalText([]byte(value)); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}

	str("ENV", &cfg.Env)
	str("LISTEN", &cfg.Server.Listen)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("STORAGE_PATH", &cfg.Storage.Path)
	str("LEDGER_URL", &cfg.Ledger.URL)
	str("LEDGER_MODULE", &cfg.Ledger.Module)
	boolean("LEDGER_OFFLINE", &cfg.Ledger.Offline)
	duration("LEDGER_POLL_INTERVAL", &cfg.Ledger.PollInterval)
	str("CUSTODY_PASSPHRASE", &cfg.Custody.Passphrase)
	str("SERVICE_CALLBACK_BASE", &cfg.Service.CallbackBase)
	str("EXPLORER_ACCOUNT_URL", &cfg.Explorer.AccountURL)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)
	boolean("AUTH_ENABLED", &cfg.Auth.Enabled)
	str("AUTH_SECRET", &cfg.Auth.HMACSecret)
	str("OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("OTEL_HEADERS", &cfg.Telemetry.Headers)
	boolean("OTEL_INSECURE", &cfg.Telemetry.Insecure)
	boolean("TASKS_ENABLED", &cfg.Tasks.Enabled)
	str("TASKS_BOARD_URL", &cfg.Tasks.BoardURL)
	str("TASKS_CHAT_URL", &cfg.Tasks.ChatURL)
	str("TASKS_API_KEY", &cfg.Tasks.APIKey)
	return errors.Join(errs...)
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8000"
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 30 * time.Second
	}
	if cfg.Server.IdleTimeout.Duration == 0 {
		cfg.Server.IdleTimeout.Duration = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = 10 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.BackendLevelDB
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "did-movement-data"
	}
	if cfg.Ledger.URL == "" {
		cfg.Ledger.URL = "https://aptos.testnet.bardock.movementlabs.xyz/v1"
	}
	if cfg.Ledger.MaxGas == 0 {
		cfg.Ledger.MaxGas = 200_000
	}
	if cfg.Ledger.GasUnitPrice == 0 {
		cfg.Ledger.GasUnitPrice = 100
	}
	if cfg.Ledger.Expiration.Duration == 0 {
		cfg.Ledger.Expiration.Duration = 600 * time.Second
	}
	if cfg.Ledger.PollAttempts <= 0 {
		cfg.Ledger.PollAttempts = 10
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = time.Second
	}
	if cfg.Ledger.RequestTimeout.Duration == 0 {
		cfg.Ledger.RequestTimeout.Duration = 10 * time.Second
	}
	if cfg.Tasks.BoardURL == "" {
		cfg.Tasks.BoardURL = "https://ai-saas.deno.dev"
	}
	if cfg.Tasks.ChatURL == "" {
		cfg.Tasks.ChatURL = "https://api.atoma.network/v1"
	}
	if cfg.Tasks.Model == "" {
		cfg.Tasks.Model = "deepseek-ai/DeepSeek-R1"
	}
	if cfg.Tasks.MaxTokens <= 0 {
		cfg.Tasks.MaxTokens = 128
	}
	if cfg.Tasks.RequestTimeout.Duration == 0 {
		cfg.Tasks.RequestTimeout.Duration = 30 * time.Second
	}
	// did_init, did_register_service and the callback block until done.
	if cfg.Server.WriteTimeout.Duration == 0 {
		cfg.Server.WriteTimeout.Duration = max(60*time.Second, cfg.handlerBudget()+writeTimeoutGrace)
	}
	if cfg.Service.Name == "" {
		cfg.Service.Name = "corr.ai"
	}
	if cfg.Service.Description == "" {
		cfg.Service.Description = "AI task solver"
	}
	if cfg.Service.CallbackBase == "" {
		cfg.Service.CallbackBase = "http://localhost:8000/callback"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimit{
			"acct_gen":             {RequestsPerMinute: 30, Burst: 5},
			"did_init":             {RequestsPerMinute: 10, Burst: 2},
			"did_register_service": {RequestsPerMinute: 10, Burst: 2},
			"record_insert":        {RequestsPerMinute: 120, Burst: 20},
			"callback":             {RequestsPerMinute: 60, Burst: 10},
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Storage.Backend {
	case storage.BackendLevelDB, storage.BackendBolt, storage.BackendSQLite, storage.BackendMemory:
	default:
		return fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	if strings.TrimSpace(cfg.Ledger.Module) == "" {
		return fmt.Errorf("ledger.module must be configured")
	}
	if _, err := crypto.ParseAddress(cfg.Ledger.Module); err != nil {
		return fmt.Errorf("ledger.module: %w", err)
	}
	if !cfg.Ledger.Offline && strings.TrimSpace(cfg.Ledger.URL) == "" {
		return fmt.Errorf("ledger.url must be configured unless ledger.offline is set")
	}
	if budget := cfg.handlerBudget(); budget > 0 && cfg.Server.WriteTimeout.Duration <= budget {
		return fmt.Errorf("server.write_timeout %s must exceed the handler budget %s", cfg.Server.WriteTimeout.Duration, budget)
	}
	if cfg.Tasks.Enabled && strings.TrimSpace(cfg.Tasks.APIKey) == "" {
		return fmt.Errorf("tasks are enabled but %sTASKS_API_KEY is not set", EnvPrefix)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth is enabled but %sAUTH_SECRET is not set", EnvPrefix)
	}
	for route, limit := range cfg.RateLimits {
		if limit.RequestsPerMinute < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limits.%s must not be negative", route)
		}
	}
	return nil
}
