package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/blockpal/paymentscheduler/pkg/chains"
	"github.com/blockpal/paymentscheduler/pkg/logger"
)

const (
	// DefaultChains is the comma separated list of chains served by default
	DefaultChains = "1"

	// DefaultPollSchedule is the cron spec of the due-payment poll
	DefaultPollSchedule = "@every 30s"

	// DefaultWorkerCount defines the default number of concurrent executions
	DefaultWorkerCount = 5

	// DefaultSelectLimit bounds the number of schedules selected per poll
	DefaultSelectLimit = 100

	// DefaultLeaseTTL is the age after which a processing lease is considered stale
	DefaultLeaseTTL = 5 * time.Minute

	// DefaultMinExecutionInterval is the guard window between two executions of a schedule
	DefaultMinExecutionInterval = 60 * time.Second

	// DefaultSettleWindow is the age a record must reach before it is eligible
	DefaultSettleWindow = 2 * time.Second

	// DefaultMaxRetries defines the number of failed attempts before a schedule fails permanently
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelay is the first retry delay, doubled per attempt
	DefaultRetryBaseDelay = 10 * time.Second

	// DefaultRetryMaxDelay caps the retry delay
	DefaultRetryMaxDelay = 2 * time.Minute

	// DefaultReconcileWindow bounds the ledger search for an already-landed transfer
	DefaultReconcileWindow = 30 * time.Minute

	// DefaultReceiptTimeout bounds the wait for a receipt
	DefaultReceiptTimeout = 2 * time.Minute

	// DefaultReceiptPollInterval is the receipt polling cadence
	DefaultReceiptPollInterval = 2 * time.Second

	// DefaultExecutionTimeout bounds one whole execution attempt
	DefaultExecutionTimeout = 3 * time.Minute

	// DefaultMaxGasPrice defines the maximum gas price for transactions
	DefaultMaxGasPrice = "500000000000" // 500 Gwei

	// DefaultTaxBasisPoints is the batch service tax (0.25%)
	DefaultTaxBasisPoints = 25

	// DefaultMaxBatchSize is the largest accepted batch
	DefaultMaxBatchSize = 100

	// DefaultAPIPort defines the default port for the API server
	DefaultAPIPort = "8080"

	// DefaultPriceAPIURL is the CoinGecko simple price endpoint
	DefaultPriceAPIURL = "https://api.coingecko.com/api/v3/simple/price"

	// DefaultPriceCacheTTL defines how long a fetched price is fresh
	DefaultPriceCacheTTL = 5 * time.Minute

	// DefaultPriceRateLimit is the allowed price API requests per second
	DefaultPriceRateLimit = 0.5

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 5 * time.Minute

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 15 * time.Minute

	// DefaultGasMultiplier is applied to the suggested gas price
	DefaultGasMultiplier = 1.1
)

func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return d, nil
}

func getEnvInt(name string, def, min int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, v)
	}
	if n < min {
		return 0, fmt.Errorf("%s must be greater than or equal to %d", name, min)
	}
	return n, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	v := os.Getenv(name)
	switch v {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, v)
}

// GetEnvDatabaseURL returns the Postgres DSN; empty selects the in-memory store
func GetEnvDatabaseURL() (string, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return "", nil
	}
	if _, err := url.Parse(dsn); err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL value: %v", err)
	}
	return dsn, nil
}

// GetEnvPollSchedule returns the cron spec of the poll loop
func GetEnvPollSchedule() (string, error) {
	spec := strings.TrimSpace(os.Getenv("POLL_SCHEDULE"))
	if spec == "" {
		return DefaultPollSchedule, nil
	}
	return spec, nil
}

// GetEnvWorkerID returns the identity written into leases
func GetEnvWorkerID() string {
	id := os.Getenv("WORKER_ID")
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return id
}

// GetEnvWorkerCount returns the number of concurrent executions
func GetEnvWorkerCount() (int, error) {
	return getEnvInt("WORKER_COUNT", DefaultWorkerCount, 1)
}

// GetEnvSelectLimit returns the per-poll selection bound
func GetEnvSelectLimit() (int, error) {
	return getEnvInt("SELECT_LIMIT", DefaultSelectLimit, 1)
}

// GetEnvLeaseTTL returns the processing lease TTL
func GetEnvLeaseTTL() (time.Duration, error) {
	return getEnvDuration("LEASE_TTL", DefaultLeaseTTL)
}

// GetEnvMinExecutionInterval returns the guard window
func GetEnvMinExecutionInterval() (time.Duration, error) {
	return getEnvDuration("MIN_EXECUTION_INTERVAL", DefaultMinExecutionInterval)
}

// GetEnvSettleWindow returns the settle window
func GetEnvSettleWindow() (time.Duration, error) {
	return getEnvDuration("SETTLE_WINDOW", DefaultSettleWindow)
}

// GetEnvMaxRetries returns the maximum number of failed attempts
func GetEnvMaxRetries() (int, error) {
	return getEnvInt("MAX_RETRIES", DefaultMaxRetries, 1)
}

// GetEnvRetryBaseDelay returns the first retry delay
func GetEnvRetryBaseDelay() (time.Duration, error) {
	return getEnvDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay)
}

// GetEnvRetryMaxDelay returns the retry delay cap
func GetEnvRetryMaxDelay() (time.Duration, error) {
	return getEnvDuration("RETRY_MAX_DELAY", DefaultRetryMaxDelay)
}

// GetEnvReconcileWindow returns the ledger search window for reconciliation
func GetEnvReconcileWindow() (time.Duration, error) {
	return getEnvDuration("RECONCILE_WINDOW", DefaultReconcileWindow)
}

// GetEnvReceiptTimeout returns the receipt wait bound
func GetEnvReceiptTimeout() (time.Duration, error) {
	return getEnvDuration("RECEIPT_TIMEOUT", DefaultReceiptTimeout)
}

// GetEnvReceiptPollInterval returns the receipt polling cadence
func GetEnvReceiptPollInterval() (time.Duration, error) {
	return getEnvDuration("RECEIPT_POLL_INTERVAL", DefaultReceiptPollInterval)
}

// GetEnvExecutionTimeout returns the bound of one execution attempt
func GetEnvExecutionTimeout() (time.Duration, error) {
	return getEnvDuration("EXECUTION_TIMEOUT", DefaultExecutionTimeout)
}

// GetEnvMaxGasPrice returns the maximum gas price from environment variables
func GetEnvMaxGasPrice() (*big.Int, error) {
	maxGasPrice := os.Getenv("MAX_GAS_PRICE")
	if maxGasPrice == "" {
		maxGasPrice = DefaultMaxGasPrice
	}

	maxGasPriceBig := new(big.Int)
	if _, ok := maxGasPriceBig.SetString(maxGasPrice, 10); !ok {
		return nil, fmt.Errorf("invalid MAX_GAS_PRICE value: %s, must be a valid integer string", maxGasPrice)
	}
	if maxGasPriceBig.Sign() < 0 {
		return nil, fmt.Errorf("MAX_GAS_PRICE must be greater than or equal to 0")
	}
	return maxGasPriceBig, nil
}

// GetEnvTaxBasisPoints returns the batch tax in basis points
func GetEnvTaxBasisPoints() (int64, error) {
	n, err := getEnvInt("TAX_BASIS_POINTS", DefaultTaxBasisPoints, 0)
	if err != nil {
		return 0, err
	}
	if n > 10000 {
		return 0, fmt.Errorf("TAX_BASIS_POINTS must be at most 10000")
	}
	return int64(n), nil
}

// GetEnvMaxBatchSize returns the largest accepted batch
func GetEnvMaxBatchSize() (int, error) {
	return getEnvInt("MAX_BATCH_SIZE", DefaultMaxBatchSize, 2)
}

// GetEnvUnlimitedApprovals returns whether token approvals may exceed the batch need
func GetEnvUnlimitedApprovals() (bool, error) {
	return getEnvBool("UNLIMITED_APPROVALS", false)
}

// GetEnvAPIPort returns the API server port
func GetEnvAPIPort() (string, error) {
	port := os.Getenv("API_PORT")
	if port == "" {
		return DefaultAPIPort, nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid API_PORT value: %s, must be a valid integer", port)
	}
	return port, nil
}

// GetEnvCredentialsKey returns the 32 byte hex key opening credential envelopes
func GetEnvCredentialsKey() ([]byte, error) {
	v := os.Getenv("CREDENTIALS_KEY")
	if v == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("invalid CREDENTIALS_KEY value, must be 32 hex encoded bytes")
	}
	return key, nil
}

// GetEnvPriceAPIURL returns the price API endpoint
func GetEnvPriceAPIURL() (string, error) {
	v := os.Getenv("PRICE_API_URL")
	if v == "" {
		return DefaultPriceAPIURL, nil
	}
	if _, err := url.ParseRequestURI(v); err != nil {
		return "", fmt.Errorf("invalid PRICE_API_URL value: %s, must be a valid URL", v)
	}
	return v, nil
}

// GetEnvPriceCacheTTL returns the price freshness window
func GetEnvPriceCacheTTL() (time.Duration, error) {
	return getEnvDuration("PRICE_CACHE_TTL", DefaultPriceCacheTTL)
}

// GetEnvPriceRateLimit returns the price API request rate
func GetEnvPriceRateLimit() (float64, error) {
	v := os.Getenv("PRICE_RATE_LIMIT")
	if v == "" {
		return DefaultPriceRateLimit, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid PRICE_RATE_LIMIT value: %s, must be a positive number", v)
	}
	return f, nil
}

// GetEnvCircuitBreakerEnabled returns whether the circuit breaker is enabled from environment variables
func GetEnvCircuitBreakerEnabled() (bool, error) {
	return getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
}

// GetEnvCircuitBreakerThreshold returns the circuit breaker threshold from environment variables
func GetEnvCircuitBreakerThreshold() (int, error) {
	return getEnvInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold, 1)
}

// GetEnvCircuitBreakerWindow returns the circuit breaker window duration from environment variables
func GetEnvCircuitBreakerWindow() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
}

// GetEnvCircuitBreakerReset returns the circuit breaker reset timeout from environment variables
func GetEnvCircuitBreakerReset() (time.Duration, error) {
	return getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	return logger.ParseLevel(os.Getenv("LOG_LEVEL"))
}

// GetEnvLogColoring returns whether log output is coloured
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", true)
}

// GetEnvChainConfigs returns the configuration of every chain listed in CHAINS.
// RPC and batch contract addresses are read from <NAME>_RPC_URL and
// <NAME>_BATCH_ADDRESS, falling back to <id>_RPC_URL for unnamed chains.
func GetEnvChainConfigs() ([]ChainConfig, error) {
	list := os.Getenv("CHAINS")
	if list == "" {
		list = DefaultChains
	}

	var out []ChainConfig
	for _, raw := range strings.Split(list, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		chainID, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAINS entry: %s, must be a chain id", raw)
		}

		prefix := chains.GetChainName(chainID)
		if prefix == "" {
			prefix = strconv.Itoa(chainID)
		}

		rpc := os.Getenv(prefix + "_RPC_URL")
		if rpc == "" {
			if c, ok := chains.Get(chainID); ok {
				rpc = c.DefaultRPCURL
			}
		}
		if rpc == "" {
			return nil, fmt.Errorf("%s_RPC_URL for chain %d is required", prefix, chainID)
		}

		batch := os.Getenv(prefix + "_BATCH_ADDRESS")
		if batch != "" && !common.IsHexAddress(batch) {
			return nil, fmt.Errorf("invalid %s_BATCH_ADDRESS value: %s, must be a valid Ethereum address", prefix, batch)
		}

		multiplier := DefaultGasMultiplier
		if v := os.Getenv(fmt.Sprintf("CHAIN_%d_GAS_MULTIPLIER", chainID)); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil || parsed <= 0 {
				return nil, fmt.Errorf("invalid CHAIN_%d_GAS_MULTIPLIER value: %s", chainID, v)
			}
			multiplier = parsed
		}

		out = append(out, ChainConfig{
			ChainID:       chainID,
			RPCURL:        rpc,
			BatchAddress:  batch,
			GasMultiplier: multiplier,
		})
	}
	return out, nil
}
