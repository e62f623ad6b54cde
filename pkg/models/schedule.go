package models

import (
	"fmt"
	"strings"
	"time"
)

// Frequency is the recurrence cadence of a scheduled payment
type Frequency string

const (
	FrequencyOnce    Frequency = "once"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// ParseFrequency converts a user supplied string to a Frequency
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FrequencyOnce, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly:
		return f, nil
	}
	return "", fmt.Errorf("invalid frequency: %q", s)
}

// IsRecurring returns true for every frequency other than once
func (f Frequency) IsRecurring() bool {
	return f != FrequencyOnce
}

// Status is the lifecycle state of a scheduled payment
type Status string

const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true when no further executions can happen
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NativeTokenAddress marks the chain's gas token
const NativeTokenAddress = "0x0000000000000000000000000000000000000000"

// Token describes the asset a payment is made in
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// IsNative returns true if the token is the chain's gas token
func (t Token) IsNative() bool {
	return t.Address == "" || strings.EqualFold(t.Address, NativeTokenAddress)
}

// Key returns a normalized identifier usable as a map key
func (t Token) Key() string {
	if t.IsNative() {
		return NativeTokenAddress
	}
	return strings.ToLower(t.Address)
}

// ScheduledPayment is a user-authored transfer executed at its due time and,
// for recurring frequencies, rescheduled afterwards.
type ScheduledPayment struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	ChainID       int       `json:"chain_id"`
	SourceAddress string    `json:"source_address"`
	Token         Token     `json:"token"`
	Recipient     string    `json:"recipient"`
	Amount        string    `json:"amount"`
	Frequency     Frequency `json:"frequency"`
	Status        Status    `json:"status"`

	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	// OccurrenceAt holds the original due time while a retry is pending.
	OccurrenceAt  *time.Time `json:"occurrence_at,omitempty"`
	ExecutedCount int        `json:"executed_count"`
	MaxExecutions int        `json:"max_executions"`

	ProcessingBy      string     `json:"processing_by,omitempty"`
	ProcessingStarted *time.Time `json:"processing_started,omitempty"`

	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	// LastTxHash is the transaction broadcast by the attempt that is being retried.
	LastTxHash string     `json:"last_tx_hash,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Occurrence returns the due time the current execution settles
func (p *ScheduledPayment) Occurrence() *time.Time {
	if p.OccurrenceAt != nil {
		return p.OccurrenceAt
	}
	return p.NextExecutionAt
}

// HasLease returns true if a worker holds (or held) the processing lease
func (p *ScheduledPayment) HasLease() bool {
	return p.ProcessingBy != "" && p.ProcessingStarted != nil
}

// LeaseStale returns true if the lease is absent or older than ttl
func (p *ScheduledPayment) LeaseStale(now time.Time, ttl time.Duration) bool {
	if !p.HasLease() {
		return true
	}
	return now.Sub(*p.ProcessingStarted) > ttl
}

// RemainingExecutions returns how many executions are left
func (p *ScheduledPayment) RemainingExecutions() int {
	if p.MaxExecutions <= p.ExecutedCount {
		return 0
	}
	return p.MaxExecutions - p.ExecutedCount
}
