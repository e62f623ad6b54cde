package batch

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

// Failed steps reported by Execute
const (
	StepValidate = "validate"
	StepBalance  = "balance"
	StepApprove  = "approve"
	StepEstimate = "estimate"
	StepSubmit   = "submit"
	StepConfirm  = "confirm"
)

// Approval is an allowance the batch needs for one token
type Approval struct {
	Token    models.Token `json:"token"`
	Required string       `json:"required"`
	Current  string       `json:"current"`
	Needed   bool         `json:"needed"`

	token    common.Address
	required *big.Int
	current  *big.Int
}

// GasEstimate compares the batch call with N individual transfers
type GasEstimate struct {
	BatchGas       uint64   `json:"batch_gas"`
	ApprovalGas    uint64   `json:"approval_gas"`
	IndividualGas  uint64   `json:"individual_gas"`
	SavingsPercent float64  `json:"savings_percent"`
	Heuristic      bool     `json:"heuristic"`
	GasPrice       *big.Int `json:"gas_price,omitempty"`
}

// Preview is a priced, unsent batch
type Preview struct {
	ChainID        int          `json:"chain_id"`
	From           string       `json:"from"`
	Contract       string       `json:"contract"`
	Mode           Mode         `json:"mode"`
	Entries        []Entry      `json:"entries"`
	Totals         []AssetTotal `json:"totals"`
	TaxBasisPoints int64        `json:"tax_basis_points"`
	PrincipalUSD   float64      `json:"principal_usd"`
	TaxUSD         float64      `json:"tax_usd"`
	Approvals      []Approval   `json:"approvals"`
	Gas            GasEstimate  `json:"gas"`

	from     common.Address
	contract common.Address
	entries  []entry
}

// Outcome reports a batch execution. On failure FailedStep names the step
// and ApprovalHashes lists the approvals already confirmed on chain.
type Outcome struct {
	Preview        *Preview `json:"preview"`
	ApprovalHashes []string `json:"approval_hashes"`
	TxHash         string   `json:"tx_hash,omitempty"`
	BlockNumber    uint64   `json:"block_number,omitempty"`
	GasUsed        uint64   `json:"gas_used,omitempty"`
	FailedStep     string   `json:"failed_step,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Options configures an Engine
type Options struct {
	Contracts          map[int]common.Address
	TaxBasisPoints     int64
	MaxBatchSize       int
	UnlimitedApprovals bool
	ReceiptTimeout     time.Duration
}

// Engine previews and executes batches
type Engine struct {
	ledgers            ledger.Provider
	prices             pricefeed.Feed
	contracts          map[int]common.Address
	taxBps             int64
	maxSize            int
	unlimitedApprovals bool
	receiptTimeout     time.Duration
	logger             logger.Logger
}

// NewEngine creates a new batch engine
func NewEngine(ledgers ledger.Provider, prices pricefeed.Feed, opts Options, log logger.Logger) *Engine {
	return &Engine{
		ledgers:            ledgers,
		prices:             prices,
		contracts:          opts.Contracts,
		taxBps:             opts.TaxBasisPoints,
		maxSize:            opts.MaxBatchSize,
		unlimitedApprovals: opts.UnlimitedApprovals,
		receiptTimeout:     opts.ReceiptTimeout,
		logger:             log,
	}
}

// Preview validates req and prices it without sending anything
func (e *Engine) Preview(ctx context.Context, req Request) (*Preview, error) {
	from, entries, err := validate(req, e.maxSize, e.taxBps)
	if err != nil {
		return nil, err
	}
	contract, ok := e.contracts[req.ChainID]
	if !ok {
		return nil, models.NewPaymentError(models.KindTerminalLedger, nil, "no batch contract on chain %d", req.ChainID)
	}
	client, err := e.ledgers.For(req.ChainID)
	if err != nil {
		return nil, models.NewPaymentError(models.KindTerminalLedger, err, "no ledger client")
	}

	p := &Preview{
		ChainID:        req.ChainID,
		From:           from.Hex(),
		Contract:       contract.Hex(),
		Mode:           DetectMode(req.Entries),
		TaxBasisPoints: e.taxBps,
		Totals:         totals(entries),
		from:           from,
		contract:       contract,
		entries:        entries,
	}

	e.price(ctx, p)

	if p.Approvals, err = e.approvals(ctx, client, p); err != nil {
		return nil, err
	}
	p.Gas = e.estimateGas(ctx, client, p)
	metrics.BatchGasSavings.WithLabelValues(strconv.Itoa(p.ChainID)).Observe(p.Gas.SavingsPercent)
	return p, nil
}

// price fills USD values. Missing prices leave zeros.
func (e *Engine) price(ctx context.Context, p *Preview) {
	usd := func(token models.Token, amount decimal.Decimal) float64 {
		if e.prices == nil {
			return 0
		}
		price, ok := e.prices.SpotUSD(ctx, chains.PriceID(p.ChainID, token))
		if !ok {
			return 0
		}
		v, _ := amount.Mul(decimal.NewFromFloat(price)).Float64()
		return v
	}

	p.Entries = make([]Entry, len(p.entries))
	for i, en := range p.entries {
		p.Entries[i] = en.source
		decimals := en.source.Token.Decimals
		if en.native {
			decimals = 18
		}
		p.Entries[i].FiatValue = usd(en.source.Token, models.FromBaseUnits(en.amount, decimals))
	}
	for i := range p.Totals {
		p.Totals[i].USD = usd(p.Totals[i].Token, p.Totals[i].Principal)
		p.Totals[i].TaxUSD = usd(p.Totals[i].Token, p.Totals[i].Tax)
		p.PrincipalUSD += p.Totals[i].USD
		p.TaxUSD += p.Totals[i].TaxUSD
	}
}

// approvals reads the current allowance of every token in the batch
func (e *Engine) approvals(ctx context.Context, client ledger.Client, p *Preview) ([]Approval, error) {
	var out []Approval
	for _, total := range p.Totals {
		if total.Token.IsNative() {
			continue
		}
		token := common.HexToAddress(total.Token.Address)
		current, err := client.Allowance(ctx, token, p.from, p.contract)
		if err != nil {
			return nil, ledger.Wrap(err, "failed to read allowance of %s", total.Token.Symbol)
		}
		required := total.Required()
		out = append(out, Approval{
			Token:    total.Token,
			Required: required.String(),
			Current:  current.String(),
			Needed:   current.Cmp(required) < 0,
			token:    token,
			required: required,
			current:  current,
		})
	}
	return out, nil
}

// nativeTotal returns the native asset total, if the batch has one
func (p *Preview) nativeTotal() *AssetTotal {
	for i := range p.Totals {
		if p.Totals[i].Token.IsNative() {
			return &p.Totals[i]
		}
	}
	return nil
}

// request builds the batch call
func (p *Preview) request() (ledger.TxRequest, error) {
	data, value, err := calldata(p.Mode, p.entries, p.nativeTotal())
	if err != nil {
		return ledger.TxRequest{}, err
	}
	return ledger.TxRequest{From: p.from, To: p.contract, Value: value, Data: data}, nil
}

// estimateGas prices the batch against individual transfers. Live
// estimation failures fall back to the fixed per-entry figures.
func (e *Engine) estimateGas(ctx context.Context, client ledger.Client, p *Preview) GasEstimate {
	var individual, heuristic uint64 = 0, chains.BatchBaseGas
	for _, en := range p.entries {
		if en.native {
			individual += chains.NativeTransferGas
			heuristic += chains.BatchNativeEntry
		} else {
			individual += chains.TokenTransferGas
			heuristic += chains.BatchTokenEntry
		}
	}
	est := GasEstimate{
		IndividualGas: chains.ScaleGas(p.ChainID, individual),
		BatchGas:      chains.ScaleGas(p.ChainID, heuristic),
		Heuristic:     true,
	}

	req, err := p.request()
	if err == nil {
		var fee *ledger.FeeParams
		fee, err = client.EstimateFee(ctx, req)
		if err == nil {
			est.BatchGas = fee.GasLimit
			est.GasPrice = fee.GasPrice
			est.Heuristic = false
		}
	}
	if err != nil {
		e.logger.DebugWithChain(p.ChainID, "Batch gas estimate failed, using heuristic: %v", err)
	}

	for _, a := range p.Approvals {
		if a.Needed {
			est.ApprovalGas += chains.ScaleGas(p.ChainID, chains.ApprovalGas)
		}
	}

	total := est.BatchGas + est.ApprovalGas
	if est.IndividualGas > 0 && total < est.IndividualGas {
		est.SavingsPercent = float64(est.IndividualGas-total) / float64(est.IndividualGas) * 100
	}
	return est
}

// Execute previews req, submits the approvals it needs one at a time and
// then the batch call. The returned Outcome is non-nil whenever the batch
// passed validation.
func (e *Engine) Execute(ctx context.Context, req Request, signer *bind.TransactOpts) (*Outcome, error) {
	p, err := e.Preview(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Preview: p, ApprovalHashes: []string{}}
	chainLabel := strconv.Itoa(p.ChainID)

	fail := func(step string, err error) (*Outcome, error) {
		out.FailedStep = step
		out.Error = err.Error()
		metrics.BatchTransfers.WithLabelValues(chainLabel, string(p.Mode), "failed").Inc()
		e.logger.ErrorWithChain(p.ChainID, "Batch from %s failed at %s: %v (approvals on chain: %d)",
			p.From, step, err, len(out.ApprovalHashes))
		return out, err
	}

	if signer == nil || signer.From != p.from {
		return fail(StepValidate, &models.ValidationError{Problems: []string{"signer does not match source address"}})
	}

	client, err := e.ledgers.For(p.ChainID)
	if err != nil {
		return fail(StepValidate, err)
	}
	if err := e.checkBalances(ctx, client, p); err != nil {
		return fail(StepBalance, err)
	}

	for _, a := range p.Approvals {
		if !a.Needed {
			continue
		}
		hash, err := e.approve(ctx, client, signer, p, a)
		if err != nil {
			return fail(StepApprove+":"+a.Token.Symbol, err)
		}
		out.ApprovalHashes = append(out.ApprovalHashes, hash.Hex())
	}

	txReq, err := p.request()
	if err != nil {
		return fail(StepEstimate, err)
	}
	fee, err := client.EstimateFee(ctx, txReq)
	if err != nil {
		return fail(StepEstimate, ledger.Wrap(err, "failed to estimate batch"))
	}
	hash, err := client.Send(ctx, signer, txReq, fee)
	if err != nil {
		perr := ledger.Wrap(err, "failed to submit batch")
		if hash != (common.Hash{}) {
			perr = perr.WithTxHash(hash.Hex())
			out.TxHash = hash.Hex()
		}
		return fail(StepSubmit, perr)
	}
	out.TxHash = hash.Hex()

	receipt, err := client.AwaitReceipt(ctx, hash, e.receiptTimeout)
	if err != nil {
		return fail(StepConfirm, ledger.Wrap(err, "failed to confirm batch").WithTxHash(hash.Hex()))
	}
	out.BlockNumber = receipt.BlockNumber
	out.GasUsed = receipt.GasUsed
	metrics.GasUsed.WithLabelValues(chainLabel, "batch").Observe(float64(receipt.GasUsed))
	if !receipt.Success {
		return fail(StepConfirm, models.NewPaymentError(models.KindTerminalLedger, nil,
			"batch reverted in block %d", receipt.BlockNumber).WithTxHash(hash.Hex()))
	}

	metrics.BatchTransfers.WithLabelValues(chainLabel, string(p.Mode), "completed").Inc()
	e.logger.NoticeWithChain(p.ChainID, "Batch of %d transfers (%s) confirmed: tx %s", len(p.entries), p.Mode, hash.Hex())
	return out, nil
}

// checkBalances verifies the sender holds principal plus tax of every asset
func (e *Engine) checkBalances(ctx context.Context, client ledger.Client, p *Preview) error {
	for _, total := range p.Totals {
		var (
			balance *big.Int
			err     error
		)
		if total.Token.IsNative() {
			balance, err = client.NativeBalance(ctx, p.from)
		} else {
			balance, err = client.TokenBalance(ctx, common.HexToAddress(total.Token.Address), p.from)
		}
		if err != nil {
			return ledger.Wrap(err, "failed to read balance")
		}
		if balance.Cmp(total.Required()) < 0 {
			return models.NewPaymentError(models.KindInsufficientFunds, nil,
				"%s balance %s below required %s", total.Token.Symbol, balance, total.Required())
		}
	}
	return nil
}

// approve submits one approval and waits for it
func (e *Engine) approve(ctx context.Context, client ledger.Client, signer *bind.TransactOpts, p *Preview, a Approval) (common.Hash, error) {
	amount := e.approvalAmount(a.required, a.current)
	e.logger.InfoWithChain(p.ChainID, "Setting approval amount to %s for token %s", amount.String(), a.Token.Symbol)

	data, err := contracts.PackApprove(p.contract, amount)
	if err != nil {
		return common.Hash{}, err
	}
	req := ledger.TxRequest{From: p.from, To: a.token, Value: new(big.Int), Data: data}
	fee, err := client.EstimateFee(ctx, req)
	if err != nil {
		return common.Hash{}, ledger.Wrap(err, "failed to estimate approval")
	}
	hash, err := client.Send(ctx, signer, req, fee)
	if err != nil {
		return common.Hash{}, ledger.Wrap(err, "failed to approve token transfer")
	}
	receipt, err := client.AwaitReceipt(ctx, hash, e.receiptTimeout)
	if err != nil {
		return common.Hash{}, ledger.Wrap(err, "failed to wait for approve transaction")
	}
	if !receipt.Success {
		return common.Hash{}, models.NewPaymentError(models.KindTerminalLedger, nil, "approve transaction failed").WithTxHash(hash.Hex())
	}

	allowance, err := client.Allowance(ctx, a.token, p.from, p.contract)
	if err != nil {
		return common.Hash{}, ledger.Wrap(err, "failed to verify allowance")
	}
	if allowance.Cmp(a.required) < 0 {
		return common.Hash{}, models.NewPaymentError(models.KindInsufficientAllowance, nil,
			"allowance %s below required %s after approval", allowance, a.required)
	}
	metrics.GasUsed.WithLabelValues(strconv.Itoa(p.ChainID), "approval").Observe(float64(receipt.GasUsed))
	return hash, nil
}
