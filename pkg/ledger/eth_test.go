package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/logger"
)

// setupSimulation creates a simulated chain with one funded account
func setupSimulation(t *testing.T) (*simulated.Backend, *EthClient, *bind.TransactOpts) {
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")

	// simulated chains use the dev chain id
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, big.NewInt(1337))
	require.NoError(t, err, "Failed to create transactor")

	balance, _ := new(big.Int).SetString("10000000000000000000", 10) // 10 ETH
	//nolint:SA1019 // Using deprecated GenesisAccount for compatibility
	genesisAlloc := map[common.Address]core.GenesisAccount{
		auth.From: {Balance: balance},
	}
	sim := simulated.NewBackend(genesisAlloc)
	t.Cleanup(func() { _ = sim.Close() })

	client, err := NewEthClient(context.Background(), sim.Client(), Options{PollInterval: 10 * time.Millisecond}, nil, &logger.EmptyLogger{})
	require.NoError(t, err)
	return sim, client, auth
}

func TestEthClientNativeTransfer(t *testing.T) {
	sim, client, auth := setupSimulation(t)
	ctx := context.Background()
	require.Equal(t, 1337, client.ChainID())

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	amount := big.NewInt(1_000_000_000_000_000) // 0.001 ETH
	req := TxRequest{From: auth.From, To: recipient, Value: amount}

	fee, err := client.EstimateFee(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(21000), fee.GasLimit)
	assert.True(t, fee.GasPrice.Sign() > 0)

	hash, err := client.Send(ctx, auth, req, fee)
	require.NoError(t, err)

	// nothing mined yet
	pending, err := client.Receipt(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, pending)

	inPool, err := client.Pending(ctx, hash)
	require.NoError(t, err)
	assert.True(t, inPool)

	sim.Commit()

	inPool, err = client.Pending(ctx, hash)
	require.NoError(t, err)
	assert.False(t, inPool, "mined")

	inPool, err = client.Pending(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.False(t, inPool, "unknown")

	receipt, err := client.AwaitReceipt(ctx, hash, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Equal(t, uint64(21000), receipt.GasUsed)
	assert.True(t, receipt.Cost().Sign() > 0)

	got, err := client.NativeBalance(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, amount, got)

	found, err := client.FindRecentTransfer(ctx, TransferQuery{
		From:   auth.From,
		To:     recipient,
		Amount: amount,
		Since:  time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, hash, found.TxHash)

	excluded, err := client.FindRecentTransfer(ctx, TransferQuery{
		From:    auth.From,
		To:      recipient,
		Amount:  amount,
		Since:   time.Now().Add(-time.Hour),
		Exclude: func(h common.Hash) bool { return h == hash },
	})
	require.NoError(t, err)
	assert.Nil(t, excluded)

	other, err := client.FindRecentTransfer(ctx, TransferQuery{
		From:   auth.From,
		To:     recipient,
		Amount: big.NewInt(1),
		Since:  time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestEthClientSequentialNonces(t *testing.T) {
	sim, client, auth := setupSimulation(t)
	ctx := context.Background()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	req := TxRequest{From: auth.From, To: recipient, Value: big.NewInt(1000)}
	fee, err := client.EstimateFee(ctx, req)
	require.NoError(t, err)

	first, err := client.Send(ctx, auth, req, fee)
	require.NoError(t, err)
	second, err := client.Send(ctx, auth, req, fee)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, client.nonces.PendingCount(client.ChainID(), auth.From))

	sim.Commit()

	for _, h := range []common.Hash{first, second} {
		r, err := client.AwaitReceipt(ctx, h, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, r.Success)
	}
	assert.Equal(t, 0, client.nonces.PendingCount(client.ChainID(), auth.From))

	got, err := client.NativeBalance(ctx, recipient)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2000), got)
}

func TestEthClientReceiptTimeout(t *testing.T) {
	_, client, auth := setupSimulation(t)
	ctx := context.Background()

	req := TxRequest{From: auth.From, To: common.HexToAddress("0x00000000000000000000000000000000000000cc"), Value: big.NewInt(1)}
	fee, err := client.EstimateFee(ctx, req)
	require.NoError(t, err)
	hash, err := client.Send(ctx, auth, req, fee)
	require.NoError(t, err)

	_, err = client.AwaitReceipt(ctx, hash, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReceiptTimeout))
}

func TestEthClientSignerMismatch(t *testing.T) {
	_, client, auth := setupSimulation(t)
	req := TxRequest{From: common.HexToAddress("0x00000000000000000000000000000000000000dd"), To: auth.From, Value: big.NewInt(1)}
	_, err := client.Send(context.Background(), auth, req, &FeeParams{GasLimit: 21000, GasPrice: big.NewInt(1)})
	require.Error(t, err)
}

func TestEthClientGasPriceCap(t *testing.T) {
	_, client, auth := setupSimulation(t)
	client.opts.MaxGasPrice = big.NewInt(1)

	_, err := client.EstimateFee(context.Background(), TxRequest{From: auth.From, To: auth.From, Value: big.NewInt(1)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGasPriceTooHigh))
}

func TestRegistry(t *testing.T) {
	_, client, _ := setupSimulation(t)
	reg := NewRegistry(client)

	got, err := reg.For(1337)
	require.NoError(t, err)
	assert.Equal(t, 1337, got.ChainID())
	assert.Equal(t, []int{1337}, reg.ChainIDs())

	_, err = reg.For(1)
	assert.True(t, errors.Is(err, ErrUnsupportedChain))
}

type closingClient struct {
	Client
	id     int
	closed bool
}

func (c *closingClient) ChainID() int { return c.id }
func (c *closingClient) Close()       { c.closed = true }

func TestRegistryClose(t *testing.T) {
	a, b := &closingClient{id: 1}, &closingClient{id: 2}
	reg := NewRegistry(a, b)
	reg.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestNonceManagerRelease(t *testing.T) {
	nm := NewNonceManager(&logger.EmptyLogger{})
	src := staticNonce(7)
	addr := common.HexToAddress("0x01")

	n, err := nm.Next(context.Background(), 1, addr, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
	nm.Track(1, addr, common.HexToHash("0x1"), n)

	n2, err := nm.Next(context.Background(), 1, addr, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n2)

	// released nonce is reused when nothing higher was handed out
	nm.Release(1, addr, n2)
	n3, err := nm.Next(context.Background(), 1, addr, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n3)

	// other chains are independent
	other, err := nm.Next(context.Background(), 2, addr, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), other)

	nm.ConfirmHash(1, common.HexToHash("0x1"))
	assert.Equal(t, 0, nm.PendingCount(1, addr))
}

type staticNonce uint64

func (s staticNonce) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(s), nil
}
