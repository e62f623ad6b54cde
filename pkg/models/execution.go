package models

import (
	"time"
)

// ExecutionStatus is the outcome stored in an execution record
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ExecutionRecord is the audit entry for one settled occurrence of a schedule.
// At most one completed record exists per (schedule, occurrence).
type ExecutionRecord struct {
	ID                string          `json:"id"`
	ScheduleID        string          `json:"schedule_id"`
	Occurrence        time.Time       `json:"occurrence"`
	ChainID           int             `json:"chain_id"`
	TxHash            string          `json:"tx_hash"`
	BlockNumber       uint64          `json:"block_number"`
	BlockHash         string          `json:"block_hash,omitempty"`
	GasUsed           uint64          `json:"gas_used"`
	EffectiveGasPrice string          `json:"effective_gas_price"`
	CostNative        string          `json:"cost_native"`
	CostUSD           float64         `json:"cost_usd"`
	Status            ExecutionStatus `json:"status"`
	ExecutorID        string          `json:"executor_id"`
	Recovered         bool            `json:"recovered"`
	ExecutedAt        time.Time       `json:"executed_at"`
}
