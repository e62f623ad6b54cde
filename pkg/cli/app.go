package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockpal/paymentscheduler/pkg/batch"
	"github.com/blockpal/paymentscheduler/pkg/config"
	"github.com/blockpal/paymentscheduler/pkg/credentials"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/pricefeed"
	"github.com/blockpal/paymentscheduler/pkg/retry"
	"github.com/blockpal/paymentscheduler/pkg/scheduler"
	"github.com/blockpal/paymentscheduler/pkg/selector"
	"github.com/blockpal/paymentscheduler/pkg/server"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// app is the wired scheduler process
type app struct {
	store   store.Store
	ledgers *ledger.Registry
	service *scheduler.Service
	server  *server.Server
	logger  logger.Logger
}

func (a *app) Close() {
	a.ledgers.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store: %v", err)
	}
}

// newApp connects every dependency described by cfg
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	ledgers, err := dialLedgers(ctx, cfg, ethDialer(cfg, log), log)
	if err != nil {
		st.Close()
		return nil, err
	}

	creds, err := loadCredentials(cfg, log)
	if err != nil {
		ledgers.Close()
		st.Close()
		return nil, err
	}

	prices := pricefeed.NewCoinGecko(cfg.PriceFeed.APIURL, cfg.PriceFeed.CacheTTL, cfg.PriceFeed.RateLimit, log)

	batchEngine, err := newBatchEngine(cfg, ledgers, prices, log)
	if err != nil {
		ledgers.Close()
		st.Close()
		return nil, err
	}

	chainIDs := ledgers.ChainIDs()
	svc := scheduler.NewService(scheduler.Dependencies{
		Store:       st,
		Ledgers:     ledgers,
		Credentials: creds,
		Prices:      prices,
		Batch:       batchEngine,
	}, serviceOptions(cfg, chainIDs), log)

	return &app{
		store:   st,
		ledgers: ledgers,
		service: svc,
		server:  server.NewServer(cfg.API.Port, svc, ledgers, chainIDs, cfg.API.Key, log),
		logger:  log,
	}, nil
}

// serviceOptions maps the process configuration onto the pipeline options
func serviceOptions(cfg *config.Config, chainIDs []int) scheduler.Options {
	return scheduler.Options{
		WorkerID:         cfg.WorkerID,
		WorkerCount:      cfg.WorkerCount,
		SelectLimit:      cfg.SelectLimit,
		PollSchedule:     cfg.PollSchedule,
		LeaseTTL:         cfg.Lease.TTL,
		ExecutionTimeout: cfg.Execution.Timeout,
		ReceiptTimeout:   cfg.Execution.ReceiptTimeout,
		Chains:           chainIDs,
		Selector: selector.Options{
			LeaseTTL:             cfg.Lease.TTL,
			MinExecutionInterval: cfg.Lease.MinExecutionInterval,
			SettleWindow:         cfg.Lease.SettleWindow,
		},
		Retry: retry.Options{
			MaxRetries:      cfg.Retry.MaxRetries,
			BaseDelay:       cfg.Retry.BaseDelay,
			MaxDelay:        cfg.Retry.MaxDelay,
			ReconcileWindow: cfg.Retry.ReconcileWindow,
		},
		Breaker: scheduler.BreakerOptions{
			Enabled:   cfg.CircuitBreaker.Enabled,
			Threshold: cfg.CircuitBreaker.Threshold,
			Window:    cfg.CircuitBreaker.WindowDuration,
			Reset:     cfg.CircuitBreaker.ResetTimeout,
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Notice("DATABASE_URL not set, schedules are kept in memory only")
		return store.NewMemoryStore(), nil
	}
	// the schema is applied on connect
	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pg, nil
}

// dialFunc connects the ledger client of one chain
type dialFunc func(ctx context.Context, chainID int, chainConfig config.ChainConfig) (ledger.Client, error)

// ethDialer dials JSON-RPC endpoints sharing one nonce manager
func ethDialer(cfg *config.Config, log logger.Logger) dialFunc {
	nonces := ledger.NewNonceManager(log)
	return func(ctx context.Context, chainID int, chainConfig config.ChainConfig) (ledger.Client, error) {
		client, err := ledger.Dial(ctx, chainID, chainConfig.RPCURL, ledger.Options{
			GasMultiplier: chainConfig.GasMultiplier,
			MaxGasPrice:   cfg.Execution.MaxGasPrice,
			PollInterval:  cfg.Execution.ReceiptPollInterval,
		}, nonces, log)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// dialLedgers connects every configured chain. Clients dialed before a
// failure are closed.
func dialLedgers(ctx context.Context, cfg *config.Config, dial dialFunc, log logger.Logger) (*ledger.Registry, error) {
	chainIDs := make([]int, 0, len(cfg.Chains))
	for chainID := range cfg.Chains {
		chainIDs = append(chainIDs, chainID)
	}
	sort.Ints(chainIDs)

	registry := ledger.NewRegistry()
	for _, chainID := range chainIDs {
		chainConfig := cfg.Chains[chainID]
		client, err := dial(ctx, chainID, chainConfig)
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to connect to chain %d: %w", chainID, err)
		}
		registry.Register(client)
		log.InfoWithChain(chainID, "Connected to %s", chainConfig.RPCURL)
	}
	return registry, nil
}

func loadCredentials(cfg *config.Config, log logger.Logger) (credentials.Provider, error) {
	if cfg.Credentials.File == "" {
		log.Notice("CREDENTIALS_FILE not set, no payment can be signed")
		return credentials.NewStaticProvider(), nil
	}
	keyring, err := credentials.LoadKeyring(cfg.Credentials.File, cfg.Credentials.Key, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return keyring, nil
}

// newBatchEngine returns nil when no chain has a batch contract
func newBatchEngine(cfg *config.Config, ledgers ledger.Provider, prices pricefeed.Feed, log logger.Logger) (*batch.Engine, error) {
	contracts := make(map[int]common.Address)
	for chainID, chainConfig := range cfg.Chains {
		if chainConfig.BatchAddress == "" {
			continue
		}
		if !common.IsHexAddress(chainConfig.BatchAddress) {
			return nil, fmt.Errorf("invalid batch contract address %q for chain %d", chainConfig.BatchAddress, chainID)
		}
		contracts[chainID] = common.HexToAddress(chainConfig.BatchAddress)
	}
	if len(contracts) == 0 {
		return nil, nil
	}
	return batch.NewEngine(ledgers, prices, batch.Options{
		Contracts:          contracts,
		TaxBasisPoints:     cfg.Batch.TaxBasisPoints,
		MaxBatchSize:       cfg.Batch.MaxBatchSize,
		UnlimitedApprovals: cfg.Batch.UnlimitedApprovals,
		ReceiptTimeout:     cfg.Execution.ReceiptTimeout,
	}, log), nil
}
