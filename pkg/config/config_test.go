package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/logger"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CHAINS", "")
	t.Setenv("LEASE_TTL", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultPollSchedule, cfg.PollSchedule)
	assert.Equal(t, DefaultLeaseTTL, cfg.Lease.TTL)
	assert.Equal(t, DefaultMaxRetries, cfg.Retry.MaxRetries)
	assert.Equal(t, int64(DefaultTaxBasisPoints), cfg.Batch.TaxBasisPoints)
	assert.Equal(t, logger.InfoLevel, cfg.LoggerConfig.Level)
	assert.NotEmpty(t, cfg.WorkerID)

	require.Contains(t, cfg.Chains, 1)
	assert.Equal(t, "https://eth.llamarpc.com", cfg.Chains[1].RPCURL)
	assert.Equal(t, DefaultGasMultiplier, cfg.Chains[1].GasMultiplier)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHAINS", "8453, 137")
	t.Setenv("BASE_RPC_URL", "http://localhost:8545")
	t.Setenv("BASE_BATCH_ADDRESS", "0x999fce149FD078DCFaa2C681e060e00F528552f4")
	t.Setenv("CHAIN_137_GAS_MULTIPLIER", "1.5")
	t.Setenv("LEASE_TTL", "10m")
	t.Setenv("MIN_EXECUTION_INTERVAL", "2m")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("TAX_BASIS_POINTS", "50")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Len(t, cfg.Chains, 2)
	assert.Equal(t, "http://localhost:8545", cfg.Chains[8453].RPCURL)
	assert.Equal(t, "0x999fce149FD078DCFaa2C681e060e00F528552f4", cfg.Chains[8453].BatchAddress)
	assert.Equal(t, 1.5, cfg.Chains[137].GasMultiplier)
	assert.Equal(t, 10*time.Minute, cfg.Lease.TTL)
	assert.Equal(t, 2*time.Minute, cfg.Lease.MinExecutionInterval)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, int64(50), cfg.Batch.TaxBasisPoints)
	assert.Equal(t, logger.DebugLevel, cfg.LoggerConfig.Level)
}

func TestFromEnvInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"worker count", "WORKER_COUNT", "zero"},
		{"lease ttl", "LEASE_TTL", "five minutes"},
		{"tax", "TAX_BASIS_POINTS", "20000"},
		{"chains", "CHAINS", "ethereum"},
		{"batch address", "ETHEREUM_BATCH_ADDRESS", "not-an-address"},
		{"circuit breaker flag", "CIRCUIT_BREAKER_ENABLED", "yes"},
		{"credentials key", "CREDENTIALS_KEY", "abcd"},
		{"lease shorter than execution", "LEASE_TTL", "1m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestCredentialsFileRequiresKey(t *testing.T) {
	t.Setenv("CREDENTIALS_FILE", "/tmp/credentials.json")
	t.Setenv("CREDENTIALS_KEY", "")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "CREDENTIALS_KEY")
}
