package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockpal/paymentscheduler/pkg/logger"
)

// NonceSource reads the pending nonce of an account from the chain
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// pendingTx tracks a broadcast transaction by nonce
type pendingTx struct {
	hash      common.Hash
	createdAt time.Time
}

// accountNonces holds nonce data for one sender on one chain
type accountNonces struct {
	mu           sync.Mutex
	currentNonce uint64
	pending      map[uint64]pendingTx
	lastSync     time.Time
}

type accountKey struct {
	chainID int
	address common.Address
}

// NonceManager allocates nonces per (chain, sender) so that consecutive
// transactions of the same sender, such as an approval followed by a batch
// call, never collide.
type NonceManager struct {
	mu       sync.Mutex
	accounts map[accountKey]*accountNonces
	syncTTL  time.Duration
	logger   logger.Logger
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(log logger.Logger) *NonceManager {
	return &NonceManager{
		accounts: make(map[accountKey]*accountNonces),
		syncTTL:  5 * time.Minute,
		logger:   log,
	}
}

func (nm *NonceManager) account(chainID int, address common.Address) *accountNonces {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	key := accountKey{chainID, address}
	a, ok := nm.accounts[key]
	if !ok {
		a = &accountNonces{pending: make(map[uint64]pendingTx)}
		nm.accounts[key] = a
	}
	return a
}

// Next reserves and returns the next nonce of address
func (nm *NonceManager) Next(ctx context.Context, chainID int, address common.Address, src NonceSource) (uint64, error) {
	a := nm.account(chainID, address)
	a.mu.Lock()
	defer a.mu.Unlock()

	// Resync when never synced, when stale, or when nothing is in flight
	if a.lastSync.IsZero() || time.Since(a.lastSync) > nm.syncTTL || len(a.pending) == 0 {
		nonce, err := src.PendingNonceAt(ctx, address)
		if err != nil {
			return 0, fmt.Errorf("failed to get pending nonce: %w", err)
		}
		if nonce > a.currentNonce || len(a.pending) == 0 {
			if nonce != a.currentNonce {
				nm.logger.DebugWithChain(chainID, "Nonce for %s: %d -> %d", address.Hex(), a.currentNonce, nonce)
			}
			a.currentNonce = nonce
		}
		a.lastSync = time.Now()
	}

	nonce := a.currentNonce
	a.currentNonce++
	return nonce, nil
}

// Track records a broadcast transaction
func (nm *NonceManager) Track(chainID int, address common.Address, hash common.Hash, nonce uint64) {
	a := nm.account(chainID, address)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[nonce] = pendingTx{hash: hash, createdAt: time.Now()}
}

// ConfirmHash removes a mined transaction from the pending set of whichever
// sender on chainID broadcast it
func (nm *NonceManager) ConfirmHash(chainID int, hash common.Hash) {
	nm.mu.Lock()
	accounts := make([]*accountNonces, 0, len(nm.accounts))
	for key, a := range nm.accounts {
		if key.chainID == chainID {
			accounts = append(accounts, a)
		}
	}
	nm.mu.Unlock()

	for _, a := range accounts {
		a.mu.Lock()
		for nonce, tx := range a.pending {
			if tx.hash == hash {
				delete(a.pending, nonce)
				a.mu.Unlock()
				return
			}
		}
		a.mu.Unlock()
	}
}

// Release hands back a nonce whose transaction never reached the network.
// It is reused only if no higher nonce has been handed out since.
func (nm *NonceManager) Release(chainID int, address common.Address, nonce uint64) {
	a := nm.account(chainID, address)
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.pending, nonce)
	if a.currentNonce == nonce+1 {
		a.currentNonce = nonce
		nm.logger.DebugWithChain(chainID, "Reusing nonce %d for %s", nonce, address.Hex())
	}
}

// Invalidate forces a resync on the next allocation
func (nm *NonceManager) Invalidate(chainID int, address common.Address) {
	a := nm.account(chainID, address)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSync = time.Time{}
	a.pending = make(map[uint64]pendingTx)
	a.currentNonce = 0
}

// PendingCount returns the number of tracked in-flight transactions
func (nm *NonceManager) PendingCount(chainID int, address common.Address) int {
	a := nm.account(chainID, address)
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
