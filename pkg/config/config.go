package config

import (
	"fmt"
	"log"
	"math/big"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/blockpal/paymentscheduler/pkg/logger"
)

// Config holds the configuration of the payment scheduler
type Config struct {
	DatabaseURL    string
	Chains         map[int]ChainConfig
	WorkerID       string
	WorkerCount    int
	SelectLimit    int
	PollSchedule   string
	Lease          LeaseConfig
	Retry          RetryConfig
	Execution      ExecutionConfig
	Batch          BatchConfig
	API            APIConfig
	Credentials    CredentialsConfig
	PriceFeed      PriceFeedConfig
	CircuitBreaker CircuitBreakerConfig
	LoggerConfig   LoggerConfig
}

// LeaseConfig holds the claim and eligibility windows
type LeaseConfig struct {
	TTL                  time.Duration
	MinExecutionInterval time.Duration
	SettleWindow         time.Duration
}

// RetryConfig holds retry and reconciliation settings
type RetryConfig struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ReconcileWindow time.Duration
}

// ExecutionConfig holds ledger interaction bounds
type ExecutionConfig struct {
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	Timeout             time.Duration
	MaxGasPrice         *big.Int
}

// BatchConfig holds batch transfer settings
type BatchConfig struct {
	TaxBasisPoints     int64
	MaxBatchSize       int
	UnlimitedApprovals bool
}

// APIConfig holds the HTTP server settings
type APIConfig struct {
	Port string
	Key  string
}

// CredentialsConfig locates the signing credential envelopes
type CredentialsConfig struct {
	File string
	Key  []byte
}

// PriceFeedConfig holds the price API settings
type PriceFeedConfig struct {
	APIURL    string
	CacheTTL  time.Duration
	RateLimit float64
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// ChainConfig holds the configuration for a specific blockchain
type ChainConfig struct {
	ChainID       int
	RPCURL        string
	BatchAddress  string
	GasMultiplier float64
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment
func FromEnv() (*Config, error) {
	var (
		cfg = &Config{
			Chains:   make(map[int]ChainConfig),
			WorkerID: GetEnvWorkerID(),
		}
		err error
	)

	steps := []func() error{
		func() (err error) { cfg.DatabaseURL, err = GetEnvDatabaseURL(); return },
		func() (err error) { cfg.PollSchedule, err = GetEnvPollSchedule(); return },
		func() (err error) { cfg.WorkerCount, err = GetEnvWorkerCount(); return },
		func() (err error) { cfg.SelectLimit, err = GetEnvSelectLimit(); return },
		func() (err error) { cfg.Lease.TTL, err = GetEnvLeaseTTL(); return },
		func() (err error) { cfg.Lease.MinExecutionInterval, err = GetEnvMinExecutionInterval(); return },
		func() (err error) { cfg.Lease.SettleWindow, err = GetEnvSettleWindow(); return },
		func() (err error) { cfg.Retry.MaxRetries, err = GetEnvMaxRetries(); return },
		func() (err error) { cfg.Retry.BaseDelay, err = GetEnvRetryBaseDelay(); return },
		func() (err error) { cfg.Retry.MaxDelay, err = GetEnvRetryMaxDelay(); return },
		func() (err error) { cfg.Retry.ReconcileWindow, err = GetEnvReconcileWindow(); return },
		func() (err error) { cfg.Execution.ReceiptTimeout, err = GetEnvReceiptTimeout(); return },
		func() (err error) { cfg.Execution.ReceiptPollInterval, err = GetEnvReceiptPollInterval(); return },
		func() (err error) { cfg.Execution.Timeout, err = GetEnvExecutionTimeout(); return },
		func() (err error) { cfg.Execution.MaxGasPrice, err = GetEnvMaxGasPrice(); return },
		func() (err error) { cfg.Batch.TaxBasisPoints, err = GetEnvTaxBasisPoints(); return },
		func() (err error) { cfg.Batch.MaxBatchSize, err = GetEnvMaxBatchSize(); return },
		func() (err error) { cfg.Batch.UnlimitedApprovals, err = GetEnvUnlimitedApprovals(); return },
		func() (err error) { cfg.API.Port, err = GetEnvAPIPort(); return },
		func() (err error) { cfg.Credentials.Key, err = GetEnvCredentialsKey(); return },
		func() (err error) { cfg.PriceFeed.APIURL, err = GetEnvPriceAPIURL(); return },
		func() (err error) { cfg.PriceFeed.CacheTTL, err = GetEnvPriceCacheTTL(); return },
		func() (err error) { cfg.PriceFeed.RateLimit, err = GetEnvPriceRateLimit(); return },
		func() (err error) { cfg.CircuitBreaker.Enabled, err = GetEnvCircuitBreakerEnabled(); return },
		func() (err error) { cfg.CircuitBreaker.Threshold, err = GetEnvCircuitBreakerThreshold(); return },
		func() (err error) { cfg.CircuitBreaker.WindowDuration, err = GetEnvCircuitBreakerWindow(); return },
		func() (err error) { cfg.CircuitBreaker.ResetTimeout, err = GetEnvCircuitBreakerReset(); return },
		func() (err error) { cfg.LoggerConfig.Level, err = GetEnvLogLevel(); return },
		func() (err error) { cfg.LoggerConfig.Coloring, err = GetEnvLogColoring(); return },
	}
	for _, step := range steps {
		if err = step(); err != nil {
			return nil, err
		}
	}

	cfg.API.Key = os.Getenv("API_KEY")
	cfg.Credentials.File = os.Getenv("CREDENTIALS_FILE")

	chainConfigList, err := GetEnvChainConfigs()
	if err != nil {
		return nil, err
	}
	for _, chainConfig := range chainConfigList {
		cfg.Chains[chainConfig.ChainID] = chainConfig
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain configuration is required")
	}
	if cfg.Lease.TTL <= cfg.Execution.Timeout {
		return fmt.Errorf("LEASE_TTL (%s) must be greater than EXECUTION_TIMEOUT (%s)", cfg.Lease.TTL, cfg.Execution.Timeout)
	}
	if cfg.Execution.ReceiptTimeout > cfg.Execution.Timeout {
		return fmt.Errorf("RECEIPT_TIMEOUT (%s) must not exceed EXECUTION_TIMEOUT (%s)", cfg.Execution.ReceiptTimeout, cfg.Execution.Timeout)
	}
	if cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must not exceed RETRY_MAX_DELAY")
	}
	if cfg.Credentials.File != "" && len(cfg.Credentials.Key) == 0 {
		return fmt.Errorf("CREDENTIALS_KEY is required when CREDENTIALS_FILE is set")
	}
	return nil
}
