package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/blockpal/paymentscheduler/pkg/contracts"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
)

// Backend is the RPC surface used by EthClient. Both *ethclient.Client and
// the simulated backend client satisfy it.
type Backend interface {
	bind.ContractCaller
	NonceSource

	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Options tunes an EthClient
type Options struct {
	GasMultiplier    float64
	MaxGasPrice      *big.Int
	PollInterval     time.Duration
	LogScanBlocks    uint64
	NativeScanBlocks uint64
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		GasMultiplier:    1.1,
		PollInterval:     2 * time.Second,
		LogScanBlocks:    5000,
		NativeScanBlocks: 500,
	}
}

// EthClient implements Client over an EVM JSON-RPC backend
type EthClient struct {
	chainID    int
	chainIDBig *big.Int
	backend    Backend
	opts       Options
	nonces     *NonceManager
	logger     logger.Logger
}

var _ Client = (*EthClient)(nil)

// Dial connects to rpcURL and verifies the remote chain id
func Dial(ctx context.Context, chainID int, rpcURL string, opts Options, nonces *NonceManager, log logger.Logger) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}
	c, err := NewEthClient(ctx, client, opts, nonces, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	if c.chainID != chainID {
		client.Close()
		return nil, fmt.Errorf("rpc %s serves chain %d, expected %d", rpcURL, c.chainID, chainID)
	}
	return c, nil
}

// Close releases the backend connection
func (c *EthClient) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// NewEthClient wraps backend, reading its chain id
func NewEthClient(ctx context.Context, backend Backend, opts Options, nonces *NonceManager, log logger.Logger) (*EthClient, error) {
	id, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}
	def := DefaultOptions()
	if opts.GasMultiplier <= 0 {
		opts.GasMultiplier = def.GasMultiplier
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.LogScanBlocks == 0 {
		opts.LogScanBlocks = def.LogScanBlocks
	}
	if opts.NativeScanBlocks == 0 {
		opts.NativeScanBlocks = def.NativeScanBlocks
	}
	if nonces == nil {
		nonces = NewNonceManager(log)
	}
	return &EthClient{
		chainID:    int(id.Int64()),
		chainIDBig: id,
		backend:    backend,
		opts:       opts,
		nonces:     nonces,
		logger:     log,
	}, nil
}

func (c *EthClient) ChainID() int {
	return c.chainID
}

func (c *EthClient) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.backend.BalanceAt(ctx, owner, nil)
}

func (c *EthClient) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, "balanceOf", owner)
}

func (c *EthClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, token, "allowance", owner, spender)
}

func (c *EthClient) callUint(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	parsed, err := contracts.ERC20()
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(token, parsed, c.backend, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned unexpected type %T", method, out[0])
	}
	return v, nil
}

// EstimateFee estimates gas for req and prices it at the suggested gas price
// scaled by the chain multiplier
func (c *EthClient) EstimateFee(ctx context.Context, req TxRequest) (*FeeParams, error) {
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  req.From,
		To:    &req.To,
		Value: req.Value,
		Data:  req.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	// Plain transfers cost exactly the intrinsic gas, contract calls get a buffer
	if len(req.Data) > 0 {
		gas = gas * 12 / 10
	}

	price, err := c.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return &FeeParams{GasLimit: gas, GasPrice: price}, nil
}

// gasPrice returns the network gas price with the multiplier applied
func (c *EthClient) gasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := c.backend.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	multiplied := new(big.Float).Mul(new(big.Float).SetInt(gasPrice), big.NewFloat(c.opts.GasMultiplier))
	final := new(big.Int)
	multiplied.Int(final)

	if c.opts.MaxGasPrice != nil && c.opts.MaxGasPrice.Sign() > 0 && final.Cmp(c.opts.MaxGasPrice) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrGasPriceTooHigh, final, c.opts.MaxGasPrice)
	}

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(final), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.WithLabelValues(fmt.Sprintf("%d", c.chainID)).Set(gwei)
	return final, nil
}

// Send signs and broadcasts a legacy transaction built from req and fee
func (c *EthClient) Send(ctx context.Context, signer *bind.TransactOpts, req TxRequest, fee *FeeParams) (common.Hash, error) {
	if signer == nil || signer.Signer == nil {
		return common.Hash{}, errors.New("no signer")
	}
	if signer.From != req.From {
		return common.Hash{}, fmt.Errorf("signer %s does not match sender %s", signer.From.Hex(), req.From.Hex())
	}
	if fee == nil {
		return common.Hash{}, errors.New("no fee parameters")
	}

	nonce, err := c.nonces.Next(ctx, c.chainID, req.From, c.backend)
	if err != nil {
		return common.Hash{}, err
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fee.GasPrice,
		Gas:      fee.GasLimit,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	})
	signed, err := signer.Signer(req.From, tx)
	if err != nil {
		c.nonces.Release(c.chainID, req.From, nonce)
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	hash := signed.Hash()

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "already known"):
			// the node has this exact transaction, keep the nonce consumed
			c.nonces.Track(c.chainID, req.From, hash, nonce)
		case strings.Contains(msg, "nonce too low"):
			c.nonces.Invalidate(c.chainID, req.From)
		default:
			c.nonces.Release(c.chainID, req.From, nonce)
		}
		return hash, err
	}

	c.nonces.Track(c.chainID, req.From, hash, nonce)
	c.logger.DebugWithChain(c.chainID, "Sent tx %s from %s nonce %d", hash.Hex(), req.From.Hex(), nonce)
	return hash, nil
}

// AwaitReceipt polls for the receipt of hash until it appears or timeout elapses
func (c *EthClient) AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		r, err := c.Receipt(timeoutCtx, hash)
		if err == nil && r != nil {
			return r, nil
		}
		if err != nil {
			c.logger.DebugWithChain(c.chainID, "Receipt lookup for %s failed: %v", hash.Hex(), err)
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrReceiptTimeout, hash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

func (c *EthClient) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	out := &Receipt{
		TxHash:            r.TxHash,
		BlockHash:         r.BlockHash,
		GasUsed:           r.GasUsed,
		EffectiveGasPrice: r.EffectiveGasPrice,
		Success:           r.Status == types.ReceiptStatusSuccessful,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
		if block, err := c.backend.BlockByNumber(ctx, r.BlockNumber); err == nil {
			out.BlockTime = time.Unix(int64(block.Time()), 0).UTC()
		}
	}
	// the sender's nonce can be reused once mined
	c.nonces.ConfirmHash(c.chainID, hash)
	return out, nil
}

// FindRecentTransfer searches recent blocks for a confirmed transfer matching q
func (c *EthClient) Pending(ctx context.Context, hash common.Hash) (bool, error) {
	_, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return pending, nil
}

func (c *EthClient) FindRecentTransfer(ctx context.Context, q TransferQuery) (*Receipt, error) {
	if q.Amount == nil {
		return nil, errors.New("transfer query without amount")
	}
	latest, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	if q.Token == (common.Address{}) {
		return c.findNativeTransfer(ctx, q, latest)
	}
	return c.findTokenTransfer(ctx, q, latest)
}

func (c *EthClient) findNativeTransfer(ctx context.Context, q TransferQuery, latest uint64) (*Receipt, error) {
	signer := types.LatestSignerForChainID(c.chainIDBig)

	for i := uint64(0); i < c.opts.NativeScanBlocks && i <= latest; i++ {
		block, err := c.backend.BlockByNumber(ctx, new(big.Int).SetUint64(latest-i))
		if err != nil {
			return nil, fmt.Errorf("failed to get block %d: %w", latest-i, err)
		}
		if time.Unix(int64(block.Time()), 0).Before(q.Since) {
			break
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != q.To || tx.Value().Cmp(q.Amount) != 0 {
				continue
			}
			from, err := types.Sender(signer, tx)
			if err != nil || from != q.From {
				continue
			}
			if q.Exclude != nil && q.Exclude(tx.Hash()) {
				continue
			}
			r, err := c.Receipt(ctx, tx.Hash())
			if err != nil {
				return nil, err
			}
			if r != nil && r.Success {
				return r, nil
			}
		}
	}
	return nil, nil
}

func (c *EthClient) findTokenTransfer(ctx context.Context, q TransferQuery, latest uint64) (*Receipt, error) {
	from := uint64(0)
	if latest > c.opts.LogScanBlocks {
		from = latest - c.opts.LogScanBlocks
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{q.Token},
		Topics: [][]common.Hash{
			{contracts.TransferEventTopic},
			{common.BytesToHash(q.From.Bytes())},
			{common.BytesToHash(q.To.Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter transfer logs: %w", err)
	}

	// newest first
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		if l.Removed || new(big.Int).SetBytes(l.Data).Cmp(q.Amount) != 0 {
			continue
		}
		if q.Exclude != nil && q.Exclude(l.TxHash) {
			continue
		}
		r, err := c.Receipt(ctx, l.TxHash)
		if err != nil {
			return nil, err
		}
		if r == nil || !r.Success {
			continue
		}
		if !r.BlockTime.IsZero() && r.BlockTime.Before(q.Since) {
			break
		}
		return r, nil
	}
	return nil, nil
}
