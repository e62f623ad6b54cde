// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/contracts"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
)

// Step scripts the outcome of one Send call
type Step struct {
	// Err is returned from Send
	Err error
	// Landed makes the transaction confirm even though Err is returned
	Landed bool
	// NoReceipt broadcasts the transaction but leaves it unmined
	NoReceipt bool
	// Revert mines the transaction with a failed status
	Revert bool
}

// Sent is a transaction observed by the fake
type Sent struct {
	Hash    common.Hash
	Request ledger.TxRequest
	Fee     ledger.FeeParams
}

type transfer struct {
	hash   common.Hash
	from   common.Address
	to     common.Address
	token  common.Address
	amount *big.Int
	at     time.Time
}

type allowanceKey struct {
	token, owner, spender common.Address
}

// Fake is a scriptable ledger.Client
type Fake struct {
	mu sync.Mutex

	chainID int
	now     func() time.Time

	GasPrice    *big.Int
	GasLimit    uint64
	EstimateErr error
	BalanceErr  error
	SearchErr   error

	native     map[common.Address]*big.Int
	tokens     map[common.Address]map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int

	steps     []Step
	sent      []Sent
	unmined   map[common.Hash]ledger.TxRequest
	receipts  map[common.Hash]*ledger.Receipt
	transfers []transfer
	block     uint64
	counter   uint64
	closed    bool
}

var _ ledger.Client = (*Fake)(nil)

// New creates an empty fake ledger for chainID
func New(chainID int) *Fake {
	return &Fake{
		chainID:    chainID,
		now:        time.Now,
		GasPrice:   big.NewInt(1_000_000_000),
		native:     make(map[common.Address]*big.Int),
		tokens:     make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		unmined:    make(map[common.Hash]ledger.TxRequest),
		receipts:   make(map[common.Hash]*ledger.Receipt),
		block:      100,
	}
}

// WithClock sets the time stamped on mined transactions
func (f *Fake) WithClock(now func() time.Time) *Fake {
	f.now = now
	return f
}

// Script queues outcomes for the next Send calls. Unscripted sends succeed.
func (f *Fake) Script(steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

func (f *Fake) SetNative(owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.native[owner] = new(big.Int).Set(amount)
}

func (f *Fake) SetToken(token, owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenBalances(token)[owner] = new(big.Int).Set(amount)
}

func (f *Fake) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
}

// Sent returns the transactions broadcast so far
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// SentTo returns the broadcast transactions addressed to to
func (f *Fake) SentTo(to common.Address) []Sent {
	var out []Sent
	for _, s := range f.Sent() {
		if s.Request.To == to {
			out = append(out, s)
		}
	}
	return out
}

// Mine confirms a transaction that was broadcast with NoReceipt
func (f *Fake) Mine(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.unmined[hash]
	if !ok {
		return
	}
	delete(f.unmined, hash)
	f.land(hash, req, true)
}

// Drop forgets an unmined transaction, as a node does when it leaves the pool
func (f *Fake) Drop(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unmined, hash)
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Closed reports whether Close was called
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) ChainID() int {
	return f.chainID
}

func (f *Fake) NativeBalance(_ context.Context, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	return valueOf(f.native[owner]), nil
}

func (f *Fake) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	return valueOf(f.tokenBalances(token)[owner]), nil
}

func (f *Fake) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return valueOf(f.allowances[allowanceKey{token, owner, spender}]), nil
}

func (f *Fake) EstimateFee(_ context.Context, req ledger.TxRequest) (*ledger.FeeParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EstimateErr != nil {
		return nil, f.EstimateErr
	}
	gas := f.GasLimit
	if gas == 0 {
		gas = 21000
		if len(req.Data) > 0 {
			gas = 65000
		}
	}
	return &ledger.FeeParams{GasLimit: gas, GasPrice: new(big.Int).Set(f.GasPrice)}, nil
}

func (f *Fake) Send(_ context.Context, signer *bind.TransactOpts, req ledger.TxRequest, fee *ledger.FeeParams) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if signer == nil {
		return common.Hash{}, fmt.Errorf("no signer")
	}
	if signer.From != req.From {
		return common.Hash{}, fmt.Errorf("signer %s does not match sender %s", signer.From.Hex(), req.From.Hex())
	}
	if fee == nil {
		return common.Hash{}, fmt.Errorf("no fee parameters")
	}

	step := Step{}
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}

	f.counter++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], f.counter)
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("fake-%d", f.chainID)), buf[:])

	if step.Err != nil && !step.Landed {
		return hash, step.Err
	}

	f.sent = append(f.sent, Sent{Hash: hash, Request: req, Fee: *fee})
	switch {
	case step.NoReceipt:
		f.unmined[hash] = req
	default:
		f.land(hash, req, !step.Revert)
	}
	return hash, step.Err
}

func (f *Fake) AwaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*ledger.Receipt, error) {
	r, err := f.Receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s after %s", ledger.ErrReceiptTimeout, hash.Hex(), timeout)
	}
	return r, nil
}

func (f *Fake) Receipt(_ context.Context, hash common.Hash) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (f *Fake) Pending(_ context.Context, hash common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.unmined[hash]
	return ok, nil
}

func (f *Fake) FindRecentTransfer(_ context.Context, q ledger.TransferQuery) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SearchErr != nil {
		return nil, f.SearchErr
	}

	for i := len(f.transfers) - 1; i >= 0; i-- {
		t := f.transfers[i]
		if t.from != q.From || t.to != q.To || t.token != q.Token || t.amount.Cmp(q.Amount) != 0 {
			continue
		}
		if t.at.Before(q.Since) {
			continue
		}
		if q.Exclude != nil && q.Exclude(t.hash) {
			continue
		}
		out := *f.receipts[t.hash]
		return &out, nil
	}
	return nil, nil
}

// land mines a transaction and applies its effects. Caller holds mu.
func (f *Fake) land(hash common.Hash, req ledger.TxRequest, success bool) {
	f.block++
	now := f.now().UTC()
	gas := uint64(21000)
	if len(req.Data) > 0 {
		gas = 50000
	}
	f.receipts[hash] = &ledger.Receipt{
		TxHash:            hash,
		BlockNumber:       f.block,
		BlockHash:         crypto.Keccak256Hash(hash.Bytes()),
		BlockTime:         now,
		GasUsed:           gas,
		EffectiveGasPrice: new(big.Int).Set(f.GasPrice),
		Success:           success,
	}
	if !success {
		return
	}

	if len(req.Data) == 0 {
		f.move(f.native, req.From, req.To, valueOf(req.Value))
		f.transfers = append(f.transfers, transfer{hash, req.From, req.To, common.Address{}, valueOf(req.Value), now})
		return
	}

	parsed, err := contracts.ERC20()
	if err != nil || len(req.Data) < 4 {
		return
	}
	method, err := parsed.MethodById(req.Data[:4])
	if err != nil {
		return
	}
	args, err := method.Inputs.Unpack(req.Data[4:])
	if err != nil || len(args) != 2 {
		return
	}
	target, _ := args[0].(common.Address)
	amount, _ := args[1].(*big.Int)
	switch method.Name {
	case "transfer":
		f.move(f.tokenBalances(req.To), req.From, target, amount)
		f.transfers = append(f.transfers, transfer{hash, req.From, target, req.To, new(big.Int).Set(amount), now})
	case "approve":
		f.allowances[allowanceKey{req.To, req.From, target}] = new(big.Int).Set(amount)
	}
}

func (f *Fake) move(balances map[common.Address]*big.Int, from, to common.Address, amount *big.Int) {
	balances[from] = new(big.Int).Sub(valueOf(balances[from]), amount)
	balances[to] = new(big.Int).Add(valueOf(balances[to]), amount)
}

func (f *Fake) tokenBalances(token common.Address) map[common.Address]*big.Int {
	m, ok := f.tokens[token]
	if !ok {
		m = make(map[common.Address]*big.Int)
		f.tokens[token] = m
	}
	return m
}

func valueOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// NewSigner generates a key and its transactor for chainID
func NewSigner(t testing.TB, chainID int) (*ecdsa.PrivateKey, *bind.TransactOpts) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(int64(chainID)))
	require.NoError(t, err)
	return key, opts
}
