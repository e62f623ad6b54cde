// Package executor performs a single scheduled payment on its chain.
package executor

import (
	"context"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/blockpal/paymentscheduler/pkg/chains"
	"github.com/blockpal/paymentscheduler/pkg/contracts"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/pricefeed"
)

// nativeDecimals is the precision of every supported gas token
const nativeDecimals = 18

// Outcome is a confirmed transfer
type Outcome struct {
	TxHash     common.Hash
	Receipt    *ledger.Receipt
	CostNative decimal.Decimal
	CostUSD    float64
	// Recovered is set when the transfer was found on the ledger rather
	// than confirmed by this attempt
	Recovered bool
}

// Record builds the execution record settling p's current occurrence
func (o *Outcome) Record(p *models.ScheduledPayment, executorID string, now time.Time) *models.ExecutionRecord {
	rec := &models.ExecutionRecord{
		ScheduleID: p.ID,
		ChainID:    p.ChainID,
		TxHash:     o.TxHash.Hex(),
		CostNative: o.CostNative.String(),
		CostUSD:    o.CostUSD,
		Status:     models.ExecutionCompleted,
		ExecutorID: executorID,
		Recovered:  o.Recovered,
		ExecutedAt: now,
	}
	if occ := p.Occurrence(); occ != nil {
		rec.Occurrence = *occ
	}
	if o.Receipt != nil {
		rec.BlockNumber = o.Receipt.BlockNumber
		rec.BlockHash = o.Receipt.BlockHash.Hex()
		rec.GasUsed = o.Receipt.GasUsed
		if o.Receipt.EffectiveGasPrice != nil {
			rec.EffectiveGasPrice = o.Receipt.EffectiveGasPrice.String()
		}
	}
	return rec
}

// Cost converts a receipt's realized fee to native units and USD
func Cost(ctx context.Context, prices pricefeed.Feed, chainID int, r *ledger.Receipt) (decimal.Decimal, float64) {
	native := models.FromBaseUnits(r.Cost(), nativeDecimals)
	if prices == nil {
		return native, 0
	}
	price, ok := prices.SpotUSD(ctx, chains.PriceID(chainID, chains.NativeToken(chainID)))
	if !ok {
		return native, 0
	}
	usd, _ := native.Mul(decimal.NewFromFloat(price)).Float64()
	return native, usd
}

// Engine executes single payments
type Engine struct {
	ledgers        ledger.Provider
	prices         pricefeed.Feed
	receiptTimeout time.Duration
	logger         logger.Logger
}

// NewEngine creates a new execution engine
func NewEngine(ledgers ledger.Provider, prices pricefeed.Feed, receiptTimeout time.Duration, log logger.Logger) *Engine {
	return &Engine{
		ledgers:        ledgers,
		prices:         prices,
		receiptTimeout: receiptTimeout,
		logger:         log,
	}
}

// transfer is a validated payment ready for the ledger
type transfer struct {
	from      common.Address
	recipient common.Address
	token     common.Address
	native    bool
	amount    *big.Int
}

// validate checks a payment and its signer without touching the ledger
func validate(p *models.ScheduledPayment, signer *bind.TransactOpts) (*transfer, error) {
	verr := &models.ValidationError{}
	t := &transfer{native: p.Token.IsNative()}

	if !common.IsHexAddress(p.SourceAddress) {
		verr.Add("invalid source address %q", p.SourceAddress)
	} else {
		t.from = common.HexToAddress(p.SourceAddress)
	}
	if !common.IsHexAddress(p.Recipient) || common.HexToAddress(p.Recipient) == (common.Address{}) {
		verr.Add("invalid recipient %q", p.Recipient)
	} else {
		t.recipient = common.HexToAddress(p.Recipient)
	}
	if !t.native {
		if !common.IsHexAddress(p.Token.Address) {
			verr.Add("invalid token address %q", p.Token.Address)
		} else {
			t.token = common.HexToAddress(p.Token.Address)
		}
	}
	decimals := p.Token.Decimals
	if t.native {
		decimals = nativeDecimals
	}
	amount, err := models.ToBaseUnits(p.Amount, decimals)
	if err != nil {
		verr.Add("invalid amount: %v", err)
	} else {
		t.amount = amount
	}
	if signer == nil {
		verr.Add("no signer")
	} else if t.from != (common.Address{}) && signer.From != t.from {
		verr.Add("signer %s does not match source address %s", signer.From.Hex(), t.from.Hex())
	}

	if err := verr.ErrOrNil(); err != nil {
		return nil, err
	}
	return t, nil
}

// Execute submits p exactly once and waits for its receipt
func (e *Engine) Execute(ctx context.Context, p *models.ScheduledPayment, signer *bind.TransactOpts) (*Outcome, error) {
	t, err := validate(p, signer)
	if err != nil {
		return nil, err
	}

	client, err := e.ledgers.For(p.ChainID)
	if err != nil {
		return nil, models.NewPaymentError(models.KindTerminalLedger, err, "no ledger client")
	}
	chainLabel := strconv.Itoa(p.ChainID)

	req := ledger.TxRequest{From: t.from}
	if t.native {
		req.To = t.recipient
		req.Value = t.amount
	} else {
		data, err := contracts.PackTransfer(t.recipient, t.amount)
		if err != nil {
			return nil, models.NewPaymentError(models.KindTerminalLedger, err, "failed to pack transfer")
		}
		req.To = t.token
		req.Value = new(big.Int)
		req.Data = data

		balance, err := client.TokenBalance(ctx, t.token, t.from)
		if err != nil {
			return nil, ledger.Wrap(err, "failed to read token balance")
		}
		if balance.Cmp(t.amount) < 0 {
			return nil, models.NewPaymentError(models.KindInsufficientFunds, nil,
				"token balance %s below amount %s", balance, t.amount)
		}
	}

	fee, err := client.EstimateFee(ctx, req)
	if err != nil {
		return nil, ledger.Wrap(err, "failed to estimate fee")
	}

	nativeBalance, err := client.NativeBalance(ctx, t.from)
	if err != nil {
		return nil, ledger.Wrap(err, "failed to read native balance")
	}
	needed := fee.MaxCost()
	if t.native {
		needed.Add(needed, t.amount)
	}
	if nativeBalance.Cmp(needed) < 0 {
		return nil, models.NewPaymentError(models.KindInsufficientFunds, nil,
			"native balance %s below required %s", nativeBalance, needed)
	}

	hash, err := client.Send(ctx, signer, req, fee)
	if err != nil {
		perr := ledger.Wrap(err, "failed to submit transaction")
		if hash != (common.Hash{}) {
			perr = perr.WithTxHash(hash.Hex())
		}
		return nil, perr
	}
	e.logger.InfoWithChain(p.ChainID, "Submitted payment %s: tx %s", p.ID, hash.Hex())

	receipt, err := client.AwaitReceipt(ctx, hash, e.receiptTimeout)
	if err != nil {
		return nil, ledger.Wrap(err, "failed to confirm transaction").WithTxHash(hash.Hex())
	}
	metrics.GasUsed.WithLabelValues(chainLabel, "single").Observe(float64(receipt.GasUsed))
	if !receipt.Success {
		return nil, models.NewPaymentError(models.KindTerminalLedger, nil,
			"transaction reverted in block %d", receipt.BlockNumber).WithTxHash(hash.Hex())
	}

	costNative, costUSD := Cost(ctx, e.prices, p.ChainID, receipt)
	e.logger.NoticeWithChain(p.ChainID, "Payment %s confirmed in block %d (gas %d, cost %s)",
		p.ID, receipt.BlockNumber, receipt.GasUsed, costNative.String())

	return &Outcome{
		TxHash:     hash,
		Receipt:    receipt,
		CostNative: costNative,
		CostUSD:    costUSD,
	}, nil
}
