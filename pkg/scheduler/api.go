package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/blockpal/paymentscheduler/pkg/batch"
	"github.com/blockpal/paymentscheduler/pkg/chains"
	"github.com/blockpal/paymentscheduler/pkg/circuitbreaker"
	"github.com/blockpal/paymentscheduler/pkg/credentials"
	"github.com/blockpal/paymentscheduler/pkg/models"
	"github.com/blockpal/paymentscheduler/pkg/store"
)

// ErrBatchDisabled is returned by the batch operations when no batch
// contract is configured
var ErrBatchDisabled = errors.New("batch transfers not configured")

// CreateRequest is the owner supplied intent for a new schedule. Token is
// a known symbol on the chain; unknown tokens pass TokenAddress and
// TokenDecimals instead.
type CreateRequest struct {
	OwnerID       string     `json:"owner_id"`
	ChainID       int        `json:"chain_id"`
	SourceAddress string     `json:"source_address"`
	Recipient     string     `json:"recipient"`
	Token         string     `json:"token"`
	TokenAddress  string     `json:"token_address,omitempty"`
	TokenDecimals *int32     `json:"token_decimals,omitempty"`
	Amount        string     `json:"amount"`
	Frequency     string     `json:"frequency"`
	StartAt       *time.Time `json:"start_at,omitempty"`
	MaxExecutions int        `json:"max_executions"`
}

// Create validates req and stores a new active schedule due at its start
// time. All input problems are reported together.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.ScheduledPayment, error) {
	verr := &models.ValidationError{}
	now := s.now().UTC()

	if _, err := s.ledgers.For(req.ChainID); err != nil {
		verr.Add("unsupported chain %d", req.ChainID)
	}
	if !common.IsHexAddress(req.SourceAddress) {
		verr.Add("invalid source address %q", req.SourceAddress)
	}
	if !common.IsHexAddress(req.Recipient) || common.HexToAddress(req.Recipient) == (common.Address{}) {
		verr.Add("invalid recipient %q", req.Recipient)
	}

	token, ok := resolveToken(req)
	if !ok {
		verr.Add("unknown token %q on chain %d", req.Token, req.ChainID)
	} else if _, err := models.ToBaseUnits(req.Amount, token.Decimals); err != nil {
		verr.Add("invalid amount: %v", err)
	}

	frequency, err := models.ParseFrequency(req.Frequency)
	if err != nil {
		verr.Add("%v", err)
	}
	maxExecutions := req.MaxExecutions
	switch {
	case frequency == models.FrequencyOnce:
		maxExecutions = 1
	case frequency != "" && maxExecutions < 1:
		verr.Add("max_executions must be at least 1, got %d", maxExecutions)
	}

	start := now
	if req.StartAt != nil {
		start = req.StartAt.UTC()
	}

	if common.IsHexAddress(req.SourceAddress) && req.ChainID != 0 {
		_, err := s.credentials.Signer(ctx, req.ChainID, common.HexToAddress(req.SourceAddress))
		switch {
		case errors.Is(err, credentials.ErrUnknownAddress):
			verr.Add("no credential for source address %s", req.SourceAddress)
		case err != nil:
			return nil, fmt.Errorf("failed to check credential: %w", err)
		}
	}

	if err := verr.ErrOrNil(); err != nil {
		return nil, err
	}

	p := &models.ScheduledPayment{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		ChainID:         req.ChainID,
		SourceAddress:   common.HexToAddress(req.SourceAddress).Hex(),
		Token:           token,
		Recipient:       common.HexToAddress(req.Recipient).Hex(),
		Amount:          req.Amount,
		Frequency:       frequency,
		Status:          models.StatusActive,
		NextExecutionAt: &start,
		MaxExecutions:   maxExecutions,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertSchedule(ctx, p); err != nil {
		return nil, models.NewPaymentError(models.KindStore, err, "failed to create schedule")
	}
	s.logger.InfoWithChain(p.ChainID, "Created %s schedule %s: %s %s to %s from %s",
		p.Frequency, p.ID, p.Amount, p.Token.Symbol, p.Recipient, start.Format(time.RFC3339))
	return p, nil
}

func resolveToken(req CreateRequest) (models.Token, bool) {
	if req.TokenAddress == "" {
		return chains.LookupToken(req.ChainID, req.Token)
	}
	if !common.IsHexAddress(req.TokenAddress) || req.TokenDecimals == nil {
		return models.Token{}, false
	}
	if common.HexToAddress(req.TokenAddress) == (common.Address{}) {
		return chains.NativeToken(req.ChainID), true
	}
	return models.Token{
		Address:  common.HexToAddress(req.TokenAddress).Hex(),
		Symbol:   req.Token,
		Decimals: *req.TokenDecimals,
	}, true
}

// Stats is the polling view of the schedule store
type Stats struct {
	Active      int                          `json:"active"`
	Processing  int                          `json:"processing"`
	Completed   int                          `json:"completed"`
	Failed      int                          `json:"failed"`
	Cancelled   int                          `json:"cancelled"`
	DueNow      int                          `json:"due_now"`
	Claimable   int                          `json:"claimable"`
	Upcoming24h int                          `json:"upcoming_24h"`
	Breakers    map[int]circuitbreaker.State `json:"circuit_breakers"`
	Timestamp   time.Time                    `json:"timestamp"`
}

// Stats counts schedules per status together with the due and claimable sets
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()
	dayAhead := now.Add(24 * time.Hour)
	out := &Stats{Breakers: s.Breakers(), Timestamp: now}

	counts := []struct {
		dst    *int
		filter store.ScheduleFilter
	}{
		{&out.Active, store.ScheduleFilter{Statuses: []models.Status{models.StatusActive}}},
		{&out.Processing, store.ScheduleFilter{Statuses: []models.Status{models.StatusProcessing}}},
		{&out.Completed, store.ScheduleFilter{Statuses: []models.Status{models.StatusCompleted}}},
		{&out.Failed, store.ScheduleFilter{Statuses: []models.Status{models.StatusFailed}}},
		{&out.Cancelled, store.ScheduleFilter{Statuses: []models.Status{models.StatusCancelled}}},
		{&out.DueNow, store.ScheduleFilter{Statuses: []models.Status{models.StatusActive}, DueBefore: &now}},
		{&out.Claimable, s.selector.Filter(now)},
		{&out.Upcoming24h, store.ScheduleFilter{Statuses: []models.Status{models.StatusActive}, DueAfter: &now, DueBefore: &dayAhead}},
	}
	for _, c := range counts {
		n, err := s.store.CountSchedules(ctx, c.filter)
		if err != nil {
			return nil, models.NewPaymentError(models.KindStore, err, "failed to count schedules")
		}
		*c.dst = n
	}
	return out, nil
}

// Get returns a schedule
func (s *Service) Get(ctx context.Context, id string) (*models.ScheduledPayment, error) {
	return s.store.GetSchedule(ctx, id)
}

// Executions returns the execution records of a schedule
func (s *Service) Executions(ctx context.Context, id string) ([]models.ExecutionRecord, error) {
	if _, err := s.store.GetSchedule(ctx, id); err != nil {
		return nil, err
	}
	return s.store.FindExecutions(ctx, store.ExecutionFilter{ScheduleID: id})
}

// Cancel moves a schedule to cancelled
func (s *Service) Cancel(ctx context.Context, id string) (*models.ScheduledPayment, error) {
	return s.writer.Cancel(ctx, id)
}

// PreviewBatch prices a batch without touching the ledger state
func (s *Service) PreviewBatch(ctx context.Context, req batch.Request) (*batch.Preview, error) {
	if s.batch == nil {
		return nil, ErrBatchDisabled
	}
	return s.batch.Preview(ctx, req)
}

// ExecuteBatch signs and submits a batch with the credential of req.From
func (s *Service) ExecuteBatch(ctx context.Context, req batch.Request) (*batch.Outcome, error) {
	if s.batch == nil {
		return nil, ErrBatchDisabled
	}
	if !common.IsHexAddress(req.From) {
		return nil, models.NewPaymentError(models.KindValidation, nil, "invalid sender %q", req.From)
	}
	signer, err := s.credentials.Signer(ctx, req.ChainID, common.HexToAddress(req.From))
	if errors.Is(err, credentials.ErrUnknownAddress) {
		return nil, models.NewPaymentError(models.KindValidation, err, "no signer for %s", req.From)
	}
	if err != nil {
		return nil, err
	}
	return s.batch.Execute(ctx, req, signer)
}
