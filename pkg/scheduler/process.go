package scheduler

import (
	"context"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockpal/paymentscheduler/pkg/credentials"
	"github.com/blockpal/paymentscheduler/pkg/metrics"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/retry"
)

// Result is the outcome of processing one schedule
type Result string

const (
	ResultCompleted Result = "completed"
	ResultRecovered Result = "recovered"
	ResultRetry     Result = "retry"
	ResultFailed    Result = "failed"
	ResultConflict  Result = "conflict"
	ResultSkipped   Result = "skipped"
	ResultPending   Result = "pending"
	ResultError     Result = "error"
)

// Process claims schedule id and runs one execution attempt on it. The
// attempt runs on a context detached from ctx so shutdown never interrupts
// a submitted transfer, bounded by the execution timeout.
func (s *Service) Process(ctx context.Context, id string) Result {
	prev, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		s.logger.Error("Failed to load payment %s: %v", id, err)
		return ResultError
	}
	// a processing snapshot means the claim below can only take over a stale lease
	takeover := prev.Status == models.StatusProcessing

	p, err := s.claims.TryClaim(ctx, id, s.opts.WorkerID)
	if errors.Is(err, models.ErrLeaseConflict) {
		return ResultConflict
	}
	if err != nil {
		s.logger.Error("Failed to claim payment %s: %v", id, err)
		return ResultError
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ExecutionTimeout)
	defer cancel()

	chainLabel := strconv.Itoa(p.ChainID)
	startTime := s.now()
	defer func() {
		metrics.PaymentProcessingTime.WithLabelValues(chainLabel).Observe(s.now().Sub(startTime).Seconds())
	}()

	if cb := s.breaker(p.ChainID); cb != nil && cb.IsOpen() {
		state := cb.State()
		s.logger.InfoWithChain(p.ChainID, "Circuit breaker open (failure count: %d), releasing payment %s",
			state.FailureCount, p.ID)
		s.release(execCtx, p)
		return ResultSkipped
	}

	s.logger.InfoWithChain(p.ChainID, "Worker %s processing payment %s (%s %s to %s, attempt %d)",
		s.opts.WorkerID, p.ID, p.Amount, p.Token.Symbol, p.Recipient, p.RetryCount+1)

	// A previous attempt may have landed without being recorded
	if p.RetryCount > 0 || p.LastTxHash != "" || takeover {
		outcome, err := s.retry.Reconcile(execCtx, p, p.LastTxHash)
		if errors.Is(err, retry.ErrTransferPending) {
			s.logger.InfoWithChain(p.ChainID, "Payment %s waits for pending tx %s, releasing", p.ID, p.LastTxHash)
			s.release(execCtx, p)
			return ResultPending
		}
		if err != nil {
			s.logger.ErrorWithChain(p.ChainID, "Pre-execution reconciliation of %s failed, releasing: %v", p.ID, err)
			s.release(execCtx, p)
			return ResultError
		}
		if outcome != nil {
			s.logger.NoticeWithChain(p.ChainID, "Payment %s already on ledger: tx %s", p.ID, outcome.TxHash.Hex())
			rec := outcome.Record(p, s.opts.WorkerID, s.now().UTC())
			_, err := s.writer.Complete(execCtx, p, s.opts.WorkerID, rec)
			return s.settle(ResultRecovered, err)
		}
	}

	signer, err := s.credentials.Signer(execCtx, p.ChainID, common.HexToAddress(p.SourceAddress))
	if err != nil {
		if !errors.Is(err, credentials.ErrUnknownAddress) {
			s.logger.ErrorWithChain(p.ChainID, "Credential lookup for %s failed, releasing: %v", p.ID, err)
			s.release(execCtx, p)
			return ResultError
		}
		err = models.NewPaymentError(models.KindValidation, err, "no signer for source address %s", p.SourceAddress)
		return s.fail(execCtx, p, err)
	}

	outcome, err := s.executor.Execute(execCtx, p, signer)
	if err != nil {
		return s.fail(execCtx, p, err)
	}
	if cb := s.breaker(p.ChainID); cb != nil {
		cb.RecordSuccess()
	}
	_, err = s.writer.ApplySuccess(execCtx, p, s.opts.WorkerID, outcome)
	return s.settle(ResultCompleted, err)
}

// fail hands a failed attempt to the retry controller and writes its decision
func (s *Service) fail(ctx context.Context, p *models.ScheduledPayment, err error) Result {
	if kind, _ := models.KindOf(err); kind == models.KindRecoverableLedger || kind == models.KindTerminalLedger {
		if cb := s.breaker(p.ChainID); cb != nil {
			if cb.RecordFailure() {
				metrics.CircuitOpen.WithLabelValues(strconv.Itoa(p.ChainID)).Set(1)
				s.logger.ErrorWithChain(p.ChainID, "Circuit breaker tripped - threshold reached")
			}
		}
	}

	d := s.retry.HandleFailure(ctx, p, err, s.opts.WorkerID)
	result := ResultFailed
	switch d.Kind {
	case retry.DecisionRetry:
		result = ResultRetry
	case retry.DecisionRecoveredCompleted:
		result = ResultRecovered
	}
	_, err = s.writer.ApplyDecision(ctx, p, s.opts.WorkerID, d)
	return s.settle(result, err)
}

// settle maps the lifecycle write onto the attempt's result
func (s *Service) settle(result Result, err error) Result {
	switch {
	case err == nil:
		return result
	case errors.Is(err, models.ErrLeaseConflict):
		s.logger.Error("Lease lost before outcome %s could be written: %v", result, err)
		return ResultConflict
	default:
		// lease left to expire; reconciliation settles the occurrence later
		s.logger.Error("Failed to write outcome %s: %v", result, err)
		return ResultError
	}
}

func (s *Service) release(ctx context.Context, p *models.ScheduledPayment) {
	if err := s.claims.Release(ctx, p.ID, s.opts.WorkerID); err != nil {
		s.logger.ErrorWithChain(p.ChainID, "Failed to release payment %s: %v", p.ID, err)
	}
}
