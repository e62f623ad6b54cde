package credentials

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/blockpal/paymentscheduler/pkg/logger"
)

// ErrUnknownAddress is returned when no credential exists for an address
var ErrUnknownAddress = errors.New("no credential for address")

// Provider hands out a signer for a source address
type Provider interface {
	Signer(ctx context.Context, chainID int, address common.Address) (*bind.TransactOpts, error)
}

// Keyring is a Provider over sealed envelopes. Envelopes are opened on
// first use and the keys kept in memory.
type Keyring struct {
	key       []byte
	envelopes map[common.Address]Envelope
	logger    logger.Logger

	mu     sync.Mutex
	opened map[common.Address]*ecdsa.PrivateKey
}

var _ Provider = (*Keyring)(nil)

// NewKeyring creates a keyring over envelopes opened with key
func NewKeyring(key []byte, envelopes []Envelope, log logger.Logger) (*Keyring, error) {
	k := &Keyring{
		key:       key,
		envelopes: make(map[common.Address]Envelope),
		logger:    log,
		opened:    make(map[common.Address]*ecdsa.PrivateKey),
	}
	for _, e := range envelopes {
		if !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("invalid envelope address %q", e.Address)
		}
		addr := common.HexToAddress(e.Address)
		if _, dup := k.envelopes[addr]; dup {
			return nil, fmt.Errorf("duplicate envelope for %s", addr.Hex())
		}
		k.envelopes[addr] = e
	}
	return k, nil
}

// LoadKeyring reads a JSON envelope file
func LoadKeyring(path string, key []byte, log logger.Logger) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	envelopes, err := ParseEnvelopes(data)
	if err != nil {
		return nil, err
	}
	k, err := NewKeyring(key, envelopes, log)
	if err != nil {
		return nil, err
	}
	log.Info("Loaded %d credential envelopes from %s", len(envelopes), path)
	return k, nil
}

// Addresses returns the addresses the keyring can sign for
func (k *Keyring) Addresses() []common.Address {
	out := make([]common.Address, 0, len(k.envelopes))
	for addr := range k.envelopes {
		out = append(out, addr)
	}
	return out
}

func (k *Keyring) Signer(_ context.Context, chainID int, address common.Address) (*bind.TransactOpts, error) {
	privateKey, err := k.privateKey(address)
	if err != nil {
		return nil, err
	}
	return transactor(privateKey, chainID)
}

func (k *Keyring) privateKey(address common.Address) (*ecdsa.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if pk, ok := k.opened[address]; ok {
		return pk, nil
	}
	e, ok := k.envelopes[address]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownAddress, address.Hex())
	}
	pk, err := e.Open(k.key)
	if err != nil {
		return nil, err
	}
	k.opened[address] = pk
	return pk, nil
}

// StaticProvider signs with keys held in memory. Used by tests and the simulator.
type StaticProvider struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider over keys
func NewStaticProvider(keys ...*ecdsa.PrivateKey) *StaticProvider {
	p := &StaticProvider{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for _, key := range keys {
		p.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return p
}

func (p *StaticProvider) Signer(_ context.Context, chainID int, address common.Address) (*bind.TransactOpts, error) {
	key, ok := p.keys[address]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownAddress, address.Hex())
	}
	return transactor(key, chainID)
}

func transactor(key *ecdsa.PrivateKey, chainID int) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(int64(chainID)))
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}
	return auth, nil
}
