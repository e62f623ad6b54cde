// Package retry decides what happens to a schedule after a failed execution
// attempt, reconciling ambiguous failures against the ledger first.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockpal/paymentscheduler/pkg/executor"
	"github.com/blockpal/paymentscheduler/pkg/ledger"
	"github.com/blockpal/paymentscheduler/pkg/logger"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/pricefeed"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// ErrTransferPending is returned by Reconcile while the known transaction is
// still waiting to be mined. Sending again would pay the occurrence twice.
var ErrTransferPending = errors.New("transfer still pending")

// reconcileRetryFactor multiplies MaxRetries for attempts whose ledger state
// could not be determined
const reconcileRetryFactor = 3

// DecisionKind is the outcome of HandleFailure
type DecisionKind string

const (
	DecisionRetry              DecisionKind = "retry"
	DecisionPermanentlyFailed  DecisionKind = "permanently_failed"
	DecisionRecoveredCompleted DecisionKind = "recovered_completed"
)

// Decision tells the lifecycle writer how to settle a failed attempt.
// Delay is set for DecisionRetry, Record for DecisionRecoveredCompleted.
type Decision struct {
	Kind      DecisionKind
	Delay     time.Duration
	ErrorType string
	Err       error
	Record    *models.ExecutionRecord
}

// Retry returns a retry decision after delay
func Retry(delay time.Duration, err error, errorType string) Decision {
	return Decision{Kind: DecisionRetry, Delay: delay, Err: err, ErrorType: errorType}
}

// PermanentlyFailed returns a terminal decision
func PermanentlyFailed(err error, errorType string) Decision {
	return Decision{Kind: DecisionPermanentlyFailed, Err: err, ErrorType: errorType}
}

// RecoveredCompleted returns a decision settling the occurrence with rec
func RecoveredCompleted(rec *models.ExecutionRecord) Decision {
	return Decision{Kind: DecisionRecoveredCompleted, Record: rec}
}

// Options configures a Controller
type Options struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ReconcileWindow time.Duration
}

// DefaultOptions returns the stock retry policy: three attempts, 10s doubling
// up to 2 minutes, a 30 minute reconciliation window
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		BaseDelay:       10 * time.Second,
		MaxDelay:        2 * time.Minute,
		ReconcileWindow: 30 * time.Minute,
	}
}

// Controller handles retry logic and ledger reconciliation
type Controller struct {
	ledgers ledger.Provider
	store   store.Store
	prices  pricefeed.Feed
	opts    Options
	logger  logger.Logger
	now     func() time.Time
}

// NewController creates a new retry controller
func NewController(ledgers ledger.Provider, st store.Store, prices pricefeed.Feed, opts Options, log logger.Logger) *Controller {
	return &Controller{
		ledgers: ledgers,
		store:   st,
		prices:  prices,
		opts:    opts,
		logger:  log,
		now:     time.Now,
	}
}

// WithClock overrides the time source
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Classify reports whether err is worth retrying, and its type. Typed
// payment errors decide by kind, raw errors by their message.
func Classify(err error) (bool, string) {
	kind, ok := models.KindOf(err)
	if !ok {
		return ledger.Classify(err)
	}
	switch kind {
	case models.KindRecoverableLedger:
		// keep the finer ledger type for metrics
		if inner := errors.Unwrap(err); inner != nil {
			if _, errorType := ledger.Classify(inner); errorType != ledger.ErrorTypeUnknown {
				return true, errorType
			}
		}
		return true, string(kind)
	case models.KindStore:
		return true, string(kind)
	default:
		return false, string(kind)
	}
}

// CalculateBackoff calculates the backoff duration for retry attempts
func (c *Controller) CalculateBackoff(retryCount int) time.Duration {
	// Calculate exponential backoff (2^retry * base)
	backoff := math.Pow(2, float64(retryCount)) * float64(c.opts.BaseDelay)

	// Set a maximum backoff
	if backoff > float64(c.opts.MaxDelay) {
		return c.opts.MaxDelay
	}
	return time.Duration(backoff)
}

// HandleFailure turns the error of a failed attempt on p into a decision.
// Ambiguous failures are looked up on the ledger before anything else so a
// transfer that landed is settled instead of being sent again.
func (c *Controller) HandleFailure(ctx context.Context, p *models.ScheduledPayment, err error, executorID string) Decision {
	chainLabel := strconv.Itoa(p.ChainID)
	retryable, errorType := Classify(err)
	metrics.ExecutionErrors.WithLabelValues(chainLabel, errorType).Inc()

	decision := c.decide(ctx, p, err, executorID, retryable, errorType)
	metrics.Decisions.WithLabelValues(chainLabel, string(decision.Kind)).Inc()

	switch decision.Kind {
	case DecisionRecoveredCompleted:
		c.logger.NoticeWithChain(p.ChainID, "Payment %s recovered from ledger: tx %s", p.ID, decision.Record.TxHash)
	case DecisionRetry:
		c.logger.InfoWithChain(p.ChainID, "Payment %s failed (%s), retry %d/%d in %s: %v",
			p.ID, errorType, p.RetryCount+1, c.opts.MaxRetries, decision.Delay, err)
	case DecisionPermanentlyFailed:
		c.logger.ErrorWithChain(p.ChainID, "Payment %s failed permanently (%s): %v", p.ID, errorType, err)
	}
	return decision
}

func (c *Controller) decide(ctx context.Context, p *models.ScheduledPayment, err error, executorID string, retryable bool, errorType string) Decision {
	if ledger.IsAmbiguous(err) {
		hash := models.TxHashOf(err)
		if hash == "" {
			hash = p.LastTxHash
		}
		outcome, rerr := c.Reconcile(ctx, p, hash)
		if rerr != nil {
			if !errors.Is(rerr, ErrTransferPending) {
				c.logger.ErrorWithChain(p.ChainID, "Reconciliation of payment %s failed: %v", p.ID, rerr)
			}
			// unknown ledger state gets a longer budget than a plain failure
			if p.RetryCount+1 >= c.opts.MaxRetries*reconcileRetryFactor {
				c.logger.ErrorWithChain(p.ChainID, "Ledger state of payment %s unresolved after %d attempts, giving up",
					p.ID, p.RetryCount+1)
				return PermanentlyFailed(err, errorType)
			}
			return Retry(c.CalculateBackoff(p.RetryCount), err, errorType)
		}
		if outcome != nil {
			return RecoveredCompleted(outcome.Record(p, executorID, c.now().UTC()))
		}
	}

	if !retryable {
		return PermanentlyFailed(err, errorType)
	}
	if p.RetryCount+1 >= c.opts.MaxRetries {
		c.logger.InfoWithChain(p.ChainID, "Max retries reached for payment %s, giving up (error: %s)", p.ID, errorType)
		return PermanentlyFailed(err, errorType)
	}
	return Retry(c.CalculateBackoff(p.RetryCount), err, errorType)
}

// Reconcile looks for a confirmed transfer settling p's current occurrence:
// first the receipt of txHash, then a recent transfer with the same sender,
// recipient, token and amount whose hash is not recorded yet. It returns nil
// when nothing landed, and ErrTransferPending while txHash is unmined.
func (c *Controller) Reconcile(ctx context.Context, p *models.ScheduledPayment, txHash string) (*executor.Outcome, error) {
	chainLabel := strconv.Itoa(p.ChainID)
	client, err := c.ledgers.For(p.ChainID)
	if err != nil {
		return nil, err
	}

	if txHash != "" {
		receipt, err := client.Receipt(ctx, common.HexToHash(txHash))
		if err != nil {
			metrics.Reconciliations.WithLabelValues(chainLabel, "error").Inc()
			return nil, fmt.Errorf("failed to get receipt of %s: %w", txHash, err)
		}
		if receipt != nil && receipt.Success {
			metrics.Reconciliations.WithLabelValues(chainLabel, "receipt").Inc()
			return c.outcome(ctx, p.ChainID, receipt), nil
		}
		if receipt == nil {
			pending, err := client.Pending(ctx, common.HexToHash(txHash))
			if err != nil {
				metrics.Reconciliations.WithLabelValues(chainLabel, "error").Inc()
				return nil, fmt.Errorf("failed to look up %s: %w", txHash, err)
			}
			if pending {
				metrics.Reconciliations.WithLabelValues(chainLabel, "pending").Inc()
				return nil, fmt.Errorf("%w: %s", ErrTransferPending, txHash)
			}
		}
	}

	q, err := c.query(p)
	if err != nil {
		return nil, err
	}
	var excludeErr error
	q.Exclude = func(h common.Hash) bool {
		n, err := c.store.CountExecutions(ctx, store.ExecutionFilter{TxHash: h.Hex()})
		if err != nil {
			excludeErr = err
			return true
		}
		return n > 0
	}

	receipt, err := client.FindRecentTransfer(ctx, q)
	if err == nil && excludeErr != nil {
		err = models.NewPaymentError(models.KindStore, excludeErr, "failed to check recorded executions")
	}
	if err != nil {
		metrics.Reconciliations.WithLabelValues(chainLabel, "error").Inc()
		return nil, fmt.Errorf("failed to search ledger: %w", err)
	}
	if receipt == nil {
		metrics.Reconciliations.WithLabelValues(chainLabel, "miss").Inc()
		return nil, nil
	}
	metrics.Reconciliations.WithLabelValues(chainLabel, "search").Inc()
	return c.outcome(ctx, p.ChainID, receipt), nil
}

func (c *Controller) query(p *models.ScheduledPayment) (ledger.TransferQuery, error) {
	decimals := p.Token.Decimals
	if p.Token.IsNative() {
		decimals = 18
	}
	amount, err := models.ToBaseUnits(p.Amount, decimals)
	if err != nil {
		return ledger.TransferQuery{}, err
	}
	q := ledger.TransferQuery{
		From:   common.HexToAddress(p.SourceAddress),
		To:     common.HexToAddress(p.Recipient),
		Amount: amount,
		Since:  c.now().Add(-c.opts.ReconcileWindow),
	}
	if !p.Token.IsNative() {
		q.Token = common.HexToAddress(p.Token.Address)
	}
	return q, nil
}

func (c *Controller) outcome(ctx context.Context, chainID int, r *ledger.Receipt) *executor.Outcome {
	native, usd := executor.Cost(ctx, c.prices, chainID, r)
	return &executor.Outcome{
		TxHash:     r.TxHash,
		Receipt:    r,
		CostNative: native,
		CostUSD:    usd,
		Recovered:  true,
	}
}
