package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
service:
  http_port: 8088
  idempotency_store: memory
  hmac_clock_skew: 30s
auth:
  hmac_secret: shared
  caller_secrets:
    - caller: Alice
      secret: alice-secret
admin:
  callers: [ops]
  auto_initialize: true
ledger:
  id: ledger-dev
  service_account: oracle
  funding:
    - account: Alice
      amount: 500000
generator:
  base_url: http://localhost:4000
security:
  max_retries: 5
  allowed_domains: [localhost, generator.internal]
  required_headers:
    - name: X-Api-Key
      value: k
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oracle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	v := New()
	v.SetConfigFile(writeConfig(t, sampleYAML))

	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, 8088, cfg.Service.HTTPPort)
	require.Equal(t, 30*time.Second, cfg.Service.HMACClockSkew)
	require.Equal(t, 24*time.Hour, cfg.Service.IdempotencyWindow)
	require.Equal(t, StoreMemory, cfg.Service.IdempotencyStore)
	require.Equal(t, map[string]string{"Alice": "alice-secret"}, cfg.Auth.SecretsByCaller())
	require.Equal(t, []string{"ops"}, cfg.Admin.Callers)
	require.True(t, cfg.Admin.AutoInitialize)
	require.Equal(t, uint64(10_000), cfg.Ledger.Fee)
	require.Equal(t, []Funding{{Account: "Alice", Amount: 500_000}}, cfg.Ledger.Funding)
	require.False(t, cfg.Ledger.OnChain())
	require.True(t, cfg.Generator.VerifyChecksum)

	require.Equal(t, 5, cfg.Security.MaxRetries)
	require.Equal(t, 30_000, cfg.Security.TimeoutMs)
	require.Equal(t, []string{"localhost", "generator.internal"}, cfg.Security.AllowedDomains)
	require.Len(t, cfg.Security.RequiredHeaders, 1)
	require.Equal(t, "X-Api-Key", cfg.Security.RequiredHeaders[0].Name)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("ORACLE_SERVICE_HTTP_PORT", "9099")
	t.Setenv("ORACLE_LEDGER_SERVICE_ACCOUNT", "env-oracle")
	t.Setenv("ORACLE_SECURITY_MIN_PAYMENT_AMOUNT", "42")

	v := New()
	v.SetConfigFile(writeConfig(t, sampleYAML))
	cfg, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, 9099, cfg.Service.HTTPPort)
	require.Equal(t, "env-oracle", cfg.Ledger.ServiceAccount)
	require.Equal(t, uint64(42), cfg.Security.MinPaymentAmount)
}

func TestLoadReportsMissingValues(t *testing.T) {
	v := New()
	v.Set("service.idempotency_store", "redis")
	v.Set("security.max_retries", 0)

	_, err := Load(v)
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, "ledger.service_account not set")
	require.Contains(t, msg, "generator.base_url not set")
	require.Contains(t, msg, `unknown service.idempotency_store "redis"`)
	require.Contains(t, msg, "maxRetries must be at least 1")
}

func TestOnChainLedgerNeedsContract(t *testing.T) {
	v := New()
	v.Set("generator.base_url", "http://localhost:4000")
	v.Set("ledger.private_key", "0xabc")

	_, err := Load(v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ledger.rpc_url not set")
	require.Contains(t, err.Error(), "ledger.token_contract not set")
	require.NotContains(t, err.Error(), "ledger.service_account")
}

func TestAdminCallersNeedSigning(t *testing.T) {
	v := New()
	v.Set("generator.base_url", "http://localhost:4000")
	v.Set("ledger.service_account", "oracle")
	v.Set("admin.callers", []string{"ops"})

	_, err := Load(v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "admin.callers needs auth.hmac_secret")

	v.Set("auth.hmac_secret", "shared")
	cfg, err := Load(v)
	require.NoError(t, err)
	require.True(t, cfg.Auth.Signing())
}

func TestAdminCallersRejectBlankEntries(t *testing.T) {
	v := New()
	v.Set("generator.base_url", "http://localhost:4000")
	v.Set("ledger.service_account", "oracle")
	v.Set("ledger.id", "ledger-dev")
	v.Set("auth.hmac_secret", "shared")
	v.Set("admin.callers", []string{"", "ops"})
	v.Set("admin.auto_initialize", true)

	_, err := Load(v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "admin.callers entries must not be empty")
	require.NotContains(t, err.Error(), "admin.auto_initialize needs")
}

func TestRetryPolicyGrowsToCap(t *testing.T) {
	g := GeneratorConfig{Backoff: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond}
	b := g.RetryPolicy()()

	var last time.Duration
	for i := 0; i < 8; i++ {
		last = b.NextBackOff()
		require.Greater(t, last, time.Duration(0))
		require.LessOrEqual(t, last, 450*time.Millisecond)
	}

	zero := GeneratorConfig{}.RetryPolicy()()
	require.Zero(t, zero.NextBackOff())
}
