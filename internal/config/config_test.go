package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridclear.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.Market.EpochDuration.Duration)
	assert.Equal(t, "sim", cfg.Ledger.Driver)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "dev"

[market]
epoch_duration = "5m"
carry_over = true

[settlement]
fee_bps = 25

[ledger]
driver = "evm"
rpc_url = "http://localhost:8545"
token_address = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
private_key = "0xabc"

[ledger.accounts]
alice = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Market.EpochDuration.Duration)
	assert.True(t, cfg.Market.CarryOver)
	assert.Equal(t, int64(25), cfg.Settlement.FeeBps)
	assert.Equal(t, 4, cfg.Settlement.Workers, "untouched fields keep defaults")
	assert.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", cfg.Ledger.Accounts["alice"])
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeTOML(t, "[market]\nepoch_duration = \"soon\"\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GRIDCLEAR_MARKET_EPOCH_DURATION", "90s")
	t.Setenv("GRIDCLEAR_SETTLEMENT_AMOUNT_PRECISION", "4")
	t.Setenv("GRIDCLEAR_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("GRIDCLEAR_LEDGER_ACCOUNTS", "alice=0xA, bob=0xB,broken")
	t.Setenv("GRIDCLEAR_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.Market.EpochDuration.Duration)
	assert.Equal(t, int32(4), cfg.Settlement.AmountPrecision)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{"alice": "0xA", "bob": "0xB"}, cfg.Ledger.Accounts)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable values are ignored")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Settlement.FeeBps = 10000
	cfg.Ledger.Driver = "evm"
	cfg.Outbox.Enabled = true
	cfg.Notify.Alerts = []string{"epoch_failed", "coffee"}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		`unknown mode "trade"`,
		"fee_bps must be 0-9999",
		"rpc_url is required",
		"either private_key or keystore_path",
		"kafka: brokers must not be empty",
		`unknown alert "coffee"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidateDevModeSkipsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "dev"
	cfg.Postgres.Host = ""
	cfg.Postgres.Port = 0
	assert.NoError(t, cfg.Validate())

	cfg.Mode = "full"
	assert.ErrorContains(t, cfg.Validate(), "postgres: host must not be empty")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.PrivateKey = "0xdeadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "k"
	cfg.Ledger.Accounts = map[string]string{"alice": "0xA"}

	out := RedactedConfig(&cfg)

	assert.Equal(t, redacted, out.Ledger.PrivateKey)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Empty(t, out.S3.SecretKey, "empty secrets stay empty")
	assert.Equal(t, "0xdeadbeef", cfg.Ledger.PrivateKey, "original untouched")

	out.Ledger.Accounts["alice"] = "0xZ"
	out.Server.CORSOrigins[0] = "evil"
	assert.Equal(t, "0xA", cfg.Ledger.Accounts["alice"])
	assert.Equal(t, "*", cfg.Server.CORSOrigins[0])
}
