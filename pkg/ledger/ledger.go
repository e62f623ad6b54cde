// Package ledger is the scheduler's view of an EVM chain: balances,
// allowances, fee estimation, signed submission, receipts and the recent
// transfer search used by reconciliation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReceiptTimeout is returned when no receipt arrived within the timeout
	ErrReceiptTimeout = errors.New("receipt timeout")
	// ErrUnsupportedChain is returned by a Provider for unknown chains
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrGasPriceTooHigh is returned when the network price exceeds the cap
	ErrGasPriceTooHigh = errors.New("gas price above configured maximum")
)

// TxRequest describes an unsigned call or transfer
type TxRequest struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Data  []byte
}

// FeeParams are the fee settings for one transaction
type FeeParams struct {
	GasLimit uint64
	GasPrice *big.Int
}

// MaxCost returns GasLimit * GasPrice
func (f *FeeParams) MaxCost() *big.Int {
	if f == nil || f.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(f.GasLimit), f.GasPrice)
}

// Receipt is the subset of a transaction receipt the scheduler records
type Receipt struct {
	TxHash            common.Hash
	BlockNumber       uint64
	BlockHash         common.Hash
	BlockTime         time.Time
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Success           bool
}

// Cost returns the realized fee GasUsed * EffectiveGasPrice
func (r *Receipt) Cost() *big.Int {
	if r == nil || r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

// TransferQuery describes a transfer searched for on the ledger
type TransferQuery struct {
	From   common.Address
	To     common.Address
	Token  common.Address // zero address for the native asset
	Amount *big.Int
	Since  time.Time
	// Exclude skips transactions already accounted for
	Exclude func(common.Hash) bool
}

// Client is the ledger surface used by the execution engines
type Client interface {
	ChainID() int

	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)

	EstimateFee(ctx context.Context, req TxRequest) (*FeeParams, error)
	// Send signs req with signer and broadcasts it exactly once. The hash is
	// returned whenever the transaction was signed, even if broadcasting
	// reported an error.
	Send(ctx context.Context, signer *bind.TransactOpts, req TxRequest, fee *FeeParams) (common.Hash, error)
	AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
	// Receipt returns nil without error when the transaction is unknown
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)
	// Pending reports whether the node still holds the transaction unmined
	Pending(ctx context.Context, hash common.Hash) (bool, error)
	// FindRecentTransfer returns the newest confirmed transfer matching q, or nil
	FindRecentTransfer(ctx context.Context, q TransferQuery) (*Receipt, error)
}

// Provider resolves the client of a chain
type Provider interface {
	For(chainID int) (Client, error)
}

// Registry is a Provider over a fixed set of clients
type Registry struct {
	mu      sync.RWMutex
	clients map[int]Client
}

var _ Provider = (*Registry)(nil)

// NewRegistry creates a registry holding clients
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[int]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client of its chain
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ChainID()] = c
}

// Close closes every registered client that holds a connection
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

func (r *Registry) For(chainID int) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return c, nil
}

// ChainIDs returns the registered chains in ascending order
func (r *Registry) ChainIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
