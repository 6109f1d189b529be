package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/viper"

	"sensororacle/internal/security"
)

// EnvPrefix prefixes every environment override, e.g. ORACLE_LEDGER_SERVICE_ACCOUNT.
const EnvPrefix = "ORACLE"

// Idempotency store kinds.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// AppConfig ties together every section of the service configuration.
type AppConfig struct {
	Log       LogConfig       `mapstructure:"log"`
	Service   ServiceConfig   `mapstructure:"service"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Security  security.Config `mapstructure:"security"`
	Store     StoreConfig     `mapstructure:"store"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServiceConfig struct {
	HTTPPort             int           `mapstructure:"http_port"`
	HMACClockSkew        time.Duration `mapstructure:"hmac_clock_skew"`
	MaxBodyBytes         int64         `mapstructure:"max_body_bytes"`
	IdempotencyWindow    time.Duration `mapstructure:"idempotency_window"`
	IdempotencyStore     string        `mapstructure:"idempotency_store"`
	IdempotencyStorePath string        `mapstructure:"idempotency_store_path"`
	PostgresDSN          string        `mapstructure:"postgres_dsn"`
	DLQPath              string        `mapstructure:"dlq_path"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

// CallerSecret is kept as a list entry so caller ids keep their case.
type CallerSecret struct {
	Caller string `mapstructure:"caller"`
	Secret string `mapstructure:"secret"`
}

type AuthConfig struct {
	HMACSecret    string         `mapstructure:"hmac_secret"`
	CallerSecrets []CallerSecret `mapstructure:"caller_secrets"`
}

// Signing reports whether requests must carry a valid signature. Without it
// the caller header is taken at face value.
func (a AuthConfig) Signing() bool {
	return a.HMACSecret != "" || len(a.CallerSecrets) > 0
}

// SecretsByCaller flattens CallerSecrets for the verifier.
func (a AuthConfig) SecretsByCaller() map[string]string {
	out := make(map[string]string, len(a.CallerSecrets))
	for _, cs := range a.CallerSecrets {
		out[cs.Caller] = cs.Secret
	}
	return out
}

type AdminConfig struct {
	Callers []string `mapstructure:"callers"`
	// AutoInitialize runs Initialize as the first admin at startup.
	AutoInitialize bool `mapstructure:"auto_initialize"`
}

// Funding seeds the in-memory settlement ledger.
type Funding struct {
	Account string `mapstructure:"account"`
	Amount  uint64 `mapstructure:"amount"`
}

type LedgerConfig struct {
	ID             string    `mapstructure:"id"`
	ServiceAccount string    `mapstructure:"service_account"`
	Fee            uint64    `mapstructure:"fee"`
	Memo           string    `mapstructure:"memo"`
	RPCURL         string    `mapstructure:"rpc_url"`
	PrivateKey     string    `mapstructure:"private_key"`
	TokenContract  string    `mapstructure:"token_contract"`
	WaitMined      bool      `mapstructure:"wait_mined"`
	Funding        []Funding `mapstructure:"funding"`
}

// OnChain reports whether the ERC-20 settlement service is configured.
func (l LedgerConfig) OnChain() bool {
	return l.PrivateKey != ""
}

type GeneratorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	VerifyChecksum bool          `mapstructure:"verify_checksum"`
	Backoff        time.Duration `mapstructure:"backoff"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// RetryPolicy builds the delay policy used between generation retries. The
// fetcher's retry budget bounds the attempts, so the policy never stops.
func (g GeneratorConfig) RetryPolicy() func() backoff.BackOff {
	return func() backoff.BackOff {
		if g.Backoff <= 0 {
			return &backoff.ZeroBackOff{}
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = g.Backoff
		if g.BackoffMax > g.Backoff {
			b.MaxInterval = g.BackoffMax
		} else {
			b.MaxInterval = g.Backoff
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

type StoreConfig struct {
	// PebbleDir enables the durable asset store; empty keeps assets in memory.
	PebbleDir string `mapstructure:"pebble_dir"`
}

// New returns a viper instance carrying defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	sec := security.Default()
	defaults := map[string]any{
		"log.level": "info",

		"service.http_port":              3000,
		"service.hmac_clock_skew":        time.Minute,
		"service.max_body_bytes":         int64(1 << 20),
		"service.idempotency_window":     24 * time.Hour,
		"service.idempotency_store":      StoreFile,
		"service.idempotency_store_path": filepath.Join(os.TempDir(), "sensor-oracle-idem.json"),
		"service.postgres_dsn":           "",
		"service.dlq_path":               filepath.Join(os.TempDir(), "sensor-oracle-dlq"),
		"service.shutdown_timeout":       15 * time.Second,

		"auth.hmac_secret": "",

		"admin.callers":         []string{},
		"admin.auto_initialize": false,

		"ledger.id":              "",
		"ledger.service_account": "",
		"ledger.fee":             uint64(10_000),
		"ledger.memo":            "sensor-oracle",
		"ledger.rpc_url":         "",
		"ledger.private_key":     "",
		"ledger.token_contract":  "",
		"ledger.wait_mined":      false,

		"generator.base_url":        "",
		"generator.verify_checksum": true,
		"generator.backoff":         250 * time.Millisecond,
		"generator.backoff_max":     2 * time.Second,

		"security.max_retries":              sec.MaxRetries,
		"security.timeout_ms":               sec.TimeoutMs,
		"security.max_response_bytes":       sec.MaxResponseBytes,
		"security.allowed_domains":          sec.AllowedDomains,
		"security.rate_limit_per_day":       sec.RateLimitPerDay,
		"security.min_payment_amount":       sec.MinPaymentAmount,
		"security.key_rotation_period_secs": sec.KeyRotationPeriodSecs,

		"store.pebble_dir": "",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}

// Load reads the config file set on v, if any, and decodes and validates
// the merged configuration.
func Load(v *viper.Viper) (*AppConfig, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.http_port %d out of range", c.Service.HTTPPort))
	}
	switch c.Service.IdempotencyStore {
	case StoreMemory:
	case StoreFile:
		if c.Service.IdempotencyStorePath == "" {
			errs = append(errs, errors.New("service.idempotency_store_path not set"))
		}
	case StorePostgres:
		if c.Service.PostgresDSN == "" {
			errs = append(errs, errors.New("service.postgres_dsn not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown service.idempotency_store %q", c.Service.IdempotencyStore))
	}
	if c.Ledger.ServiceAccount == "" && !c.Ledger.OnChain() {
		errs = append(errs, errors.New("ledger.service_account not set"))
	}
	if c.Ledger.OnChain() {
		if c.Ledger.RPCURL == "" {
			errs = append(errs, errors.New("ledger.rpc_url not set"))
		}
		if c.Ledger.TokenContract == "" {
			errs = append(errs, errors.New("ledger.token_contract not set"))
		}
	}
	for _, caller := range c.Admin.Callers {
		if strings.TrimSpace(caller) == "" {
			errs = append(errs, errors.New("admin.callers entries must not be empty"))
			break
		}
	}
	if len(c.Admin.Callers) > 0 && !c.Auth.Signing() {
		errs = append(errs, errors.New("admin.callers needs auth.hmac_secret or auth.caller_secrets"))
	}
	if c.Admin.AutoInitialize {
		if len(c.Admin.Callers) == 0 {
			errs = append(errs, errors.New("admin.auto_initialize needs admin.callers"))
		}
		if c.Ledger.ID == "" {
			errs = append(errs, errors.New("admin.auto_initialize needs ledger.id"))
		}
	}
	if c.Generator.BaseURL == "" {
		errs = append(errs, errors.New("generator.base_url not set"))
	}
	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("security: %w", err))
	}
	for _, cs := range c.Auth.CallerSecrets {
		if cs.Caller == "" || cs.Secret == "" {
			errs = append(errs, errors.New("auth.caller_secrets entries need caller and secret"))
			break
		}
	}
	return errors.Join(errs...)
}
