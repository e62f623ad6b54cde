package retry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal/paymentscheduler/pkg/contracts"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
	"github.com/blockpal/paymentscheduler/pkg/ledger/ledgertest"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/pricefeed"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

const testChain = 1

var (
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	oneEther  = big.NewInt(1_000_000_000_000_000_000)
)

type fixture struct {
	ctrl   *Controller
	fake   *ledgertest.Fake
	store  *store.MemoryStore
	signer *bind.TransactOpts
}

func setup(t *testing.T) *fixture {
	fake := ledgertest.New(testChain)
	st := store.NewMemoryStore()
	_, signer := ledgertest.NewSigner(t, testChain)
	ctrl := NewController(ledger.NewRegistry(fake), st, pricefeed.Static{"ethereum": 2000}, DefaultOptions(), &logger.EmptyLogger{})
	return &fixture{ctrl: ctrl, fake: fake, store: st, signer: signer}
}

func (f *fixture) payment(retries int) *models.ScheduledPayment {
	due := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	return &models.ScheduledPayment{
		ID:              uuid.NewString(),
		ChainID:         testChain,
		SourceAddress:   f.signer.From.Hex(),
		Token:           models.Token{Address: models.NativeTokenAddress, Symbol: "ETH", Decimals: 18},
		Recipient:       recipient.Hex(),
		Amount:          "1",
		Frequency:       models.FrequencyDaily,
		Status:          models.StatusProcessing,
		NextExecutionAt: &due,
		MaxExecutions:   10,
		RetryCount:      retries,
	}
}

// land broadcasts the payment's transfer on the fake ledger
func (f *fixture) land(t *testing.T, steps ...ledgertest.Step) common.Hash {
	f.fake.Script(steps...)
	hash, _ := f.fake.Send(context.Background(), f.signer,
		ledger.TxRequest{From: f.signer.From, To: recipient, Value: oneEther},
		&ledger.FeeParams{GasLimit: 21000, GasPrice: big.NewInt(1_000_000_000)})
	return hash
}

func receiptTimeout(hash common.Hash) error {
	return ledger.Wrap(fmt.Errorf("%w: after 2m", ledger.ErrReceiptTimeout), "failed to confirm transaction").WithTxHash(hash.Hex())
}

func TestCalculateBackoff(t *testing.T) {
	ctrl := NewController(nil, nil, nil, DefaultOptions(), &logger.EmptyLogger{})
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{4, 2 * time.Minute},
		{40, 2 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ctrl.CalculateBackoff(tt.retryCount), "retry %d", tt.retryCount)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		errorType string
	}{
		{"validation", &models.ValidationError{Problems: []string{"bad"}}, false, "validation"},
		{"insufficient funds", models.NewPaymentError(models.KindInsufficientFunds, nil, "low"), false, "insufficient_funds"},
		{"terminal", models.NewPaymentError(models.KindTerminalLedger, nil, "reverted"), false, "terminal_ledger"},
		{"recoverable keeps ledger type", ledger.Wrap(errors.New("connection refused"), "send"), true, ledger.ErrorTypeNetwork},
		{"recoverable unknown", models.NewPaymentError(models.KindRecoverableLedger, nil, "flaky"), true, "recoverable_ledger"},
		{"store", models.NewPaymentError(models.KindStore, nil, "down"), true, "store"},
		{"raw revert", errors.New("execution reverted"), false, ledger.ErrorTypeContract},
		{"raw nonce", errors.New("nonce too high"), true, ledger.ErrorTypeNonce},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryable, errorType := Classify(tt.err)
			assert.Equal(t, tt.retryable, retryable)
			assert.Equal(t, tt.errorType, errorType)
		})
	}
}

func TestHandleFailureTerminal(t *testing.T) {
	f := setup(t)
	p := f.payment(0)

	d := f.ctrl.HandleFailure(context.Background(), p, models.NewPaymentError(models.KindInsufficientFunds, nil, "low"), "w1")
	assert.Equal(t, DecisionPermanentlyFailed, d.Kind)
	assert.Equal(t, "insufficient_funds", d.ErrorType)

	d = f.ctrl.HandleFailure(context.Background(), p, &models.ValidationError{Problems: []string{"bad recipient"}}, "w1")
	assert.Equal(t, DecisionPermanentlyFailed, d.Kind)
}

func TestHandleFailureRetriesUntilExhausted(t *testing.T) {
	f := setup(t)
	err := ledger.Wrap(errors.New("connection refused"), "failed to estimate fee")

	d := f.ctrl.HandleFailure(context.Background(), f.payment(0), err, "w1")
	assert.Equal(t, DecisionRetry, d.Kind)
	assert.Equal(t, 10*time.Second, d.Delay)

	d = f.ctrl.HandleFailure(context.Background(), f.payment(1), err, "w1")
	assert.Equal(t, DecisionRetry, d.Kind)
	assert.Equal(t, 20*time.Second, d.Delay)

	d = f.ctrl.HandleFailure(context.Background(), f.payment(2), err, "w1")
	assert.Equal(t, DecisionPermanentlyFailed, d.Kind, "third failure exhausts the retry budget")
	assert.Equal(t, err, d.Err)
}

func TestHandleFailureRecoversByReceipt(t *testing.T) {
	f := setup(t)
	p := f.payment(0)
	hash := f.land(t)

	d := f.ctrl.HandleFailure(context.Background(), p, receiptTimeout(hash), "w1")
	require.Equal(t, DecisionRecoveredCompleted, d.Kind)
	require.NotNil(t, d.Record)
	assert.Equal(t, hash.Hex(), d.Record.TxHash)
	assert.True(t, d.Record.Recovered)
	assert.Equal(t, *p.NextExecutionAt, d.Record.Occurrence)
	assert.Equal(t, "w1", d.Record.ExecutorID)
	assert.Equal(t, "0.000021", d.Record.CostNative)
}

func TestHandleFailureRecoversBySearch(t *testing.T) {
	f := setup(t)
	p := f.payment(1)
	hash := f.land(t)

	// nonce too low carries no hash of its own
	err := ledger.Wrap(errors.New("nonce too low: next nonce 5, tx nonce 4"), "failed to submit transaction")
	d := f.ctrl.HandleFailure(context.Background(), p, err, "w1")
	require.Equal(t, DecisionRecoveredCompleted, d.Kind)
	assert.Equal(t, hash.Hex(), d.Record.TxHash)
}

func TestHandleFailureSkipsRecordedTransfers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	previous := f.payment(0)
	require.NoError(t, f.store.InsertSchedule(ctx, previous))
	hash := f.land(t)

	// yesterday's occurrence already owns the only matching transfer
	_, err := f.store.AtomicUpdate(ctx, previous.ID, store.Precondition{}, store.Patch{UpdatedAt: time.Now()}, &models.ExecutionRecord{
		ID:         uuid.NewString(),
		ScheduleID: previous.ID,
		Occurrence: previous.NextExecutionAt.Add(-24 * time.Hour),
		TxHash:     hash.Hex(),
		Status:     models.ExecutionCompleted,
	})
	require.NoError(t, err)

	p := f.payment(0)
	d := f.ctrl.HandleFailure(ctx, p, ledger.Wrap(errors.New("already known"), "failed to submit transaction"), "w1")
	assert.Equal(t, DecisionRetry, d.Kind)
	assert.Equal(t, ledger.ErrorTypeAlreadyKnown, d.ErrorType)
}

func TestHandleFailureAmbiguousMiss(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	hash := f.land(t, ledgertest.Step{NoReceipt: true})

	// still in the pool: wait for it past the plain retry budget
	d := f.ctrl.HandleFailure(ctx, f.payment(2), receiptTimeout(hash), "w1")
	assert.Equal(t, DecisionRetry, d.Kind)
	assert.Equal(t, ledger.ErrorTypeReceiptTimeout, d.ErrorType)

	_, err := f.ctrl.Reconcile(ctx, f.payment(1), hash.Hex())
	assert.True(t, errors.Is(err, ErrTransferPending))

	// the pending transaction is mined later and found on the next attempt
	f.fake.Mine(hash)
	d = f.ctrl.HandleFailure(ctx, f.payment(1), receiptTimeout(hash), "w1")
	assert.Equal(t, DecisionRecoveredCompleted, d.Kind)
}

func TestHandleFailureDroppedTransfer(t *testing.T) {
	f := setup(t)
	hash := f.land(t, ledgertest.Step{NoReceipt: true})
	f.fake.Drop(hash)

	d := f.ctrl.HandleFailure(context.Background(), f.payment(0), receiptTimeout(hash), "w1")
	assert.Equal(t, DecisionRetry, d.Kind)

	d = f.ctrl.HandleFailure(context.Background(), f.payment(2), receiptTimeout(hash), "w1")
	assert.Equal(t, DecisionPermanentlyFailed, d.Kind)
}

func TestHandleFailureUsesRecordedHash(t *testing.T) {
	f := setup(t)
	hash := f.land(t)

	// the error carries no hash but the schedule remembers the last broadcast
	p := f.payment(1)
	p.LastTxHash = hash.Hex()
	d := f.ctrl.HandleFailure(context.Background(), p, ledger.Wrap(errors.New("already known"), "failed to submit transaction"), "w1")
	require.Equal(t, DecisionRecoveredCompleted, d.Kind)
	assert.Equal(t, hash.Hex(), d.Record.TxHash)
}

func TestHandleFailureUnresolvedLedgerState(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.fake.SearchErr = errors.New("connection refused")
	err := ledger.Wrap(errors.New("already known"), "failed to submit transaction")

	d := f.ctrl.HandleFailure(ctx, f.payment(2), err, "w1")
	assert.Equal(t, DecisionRetry, d.Kind, "unknown ledger state outlasts the plain retry budget")

	d = f.ctrl.HandleFailure(ctx, f.payment(8), err, "w1")
	assert.Equal(t, DecisionPermanentlyFailed, d.Kind)
	assert.Equal(t, err, d.Err)

	// a transaction stuck in the pool is bounded the same way
	f.fake.SearchErr = nil
	hash := f.land(t, ledgertest.Step{NoReceipt: true})
	d = f.ctrl.HandleFailure(ctx, f.payment(7), receiptTimeout(hash), "w1")
	assert.Equal(t, DecisionRetry, d.Kind)
	d = f.ctrl.HandleFailure(ctx, f.payment(8), receiptTimeout(hash), "w1")
	assert.Equal(t, DecisionPermanentlyFailed, d.Kind)
}

func TestHandleFailureRevertedHashIsNotRecovered(t *testing.T) {
	f := setup(t)
	hash := f.land(t, ledgertest.Step{Revert: true})

	d := f.ctrl.HandleFailure(context.Background(), f.payment(0), receiptTimeout(hash), "w1")
	assert.Equal(t, DecisionRetry, d.Kind)
}

func TestReconcileOutsideWindow(t *testing.T) {
	f := setup(t)
	f.fake.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	f.land(t)

	out, err := f.ctrl.Reconcile(context.Background(), f.payment(1), "")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestReconcileTokenTransfer(t *testing.T) {
	f := setup(t)
	usdc := common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	f.fake.SetToken(usdc, f.signer.From, big.NewInt(10_000_000))

	p := f.payment(1)
	p.Token = models.Token{Address: usdc.Hex(), Symbol: "USDC", Decimals: 6}
	p.Amount = "2.5"

	data, err := contracts.PackTransfer(recipient, big.NewInt(2_500_000))
	require.NoError(t, err)
	hash, err := f.fake.Send(context.Background(), f.signer,
		ledger.TxRequest{From: f.signer.From, To: usdc, Value: new(big.Int), Data: data},
		&ledger.FeeParams{GasLimit: 65000, GasPrice: big.NewInt(1)})
	require.NoError(t, err)

	out, err := f.ctrl.Reconcile(context.Background(), p, "")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, hash, out.TxHash)
	assert.True(t, out.Recovered)
}
