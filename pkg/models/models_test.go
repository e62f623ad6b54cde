package models

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrequency(t *testing.T) {
	for _, s := range []string{"once", "Daily", " weekly ", "MONTHLY", "yearly"} {
		_, err := ParseFrequency(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseFrequency("hourly")
	assert.Error(t, err)
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{"1", 18, "1000000000000000000", false},
		{"1.5", 6, "1500000", false},
		{"0.000001", 6, "1", false},
		{"0.0000001", 6, "", true},
		{"0", 6, "", true},
		{"-1", 6, "", true},
		{"abc", 6, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToBaseUnits(tt.amount, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFromBaseUnits(t *testing.T) {
	assert.Equal(t, "1.5", FromBaseUnits(big.NewInt(1500000), 6).String())
	assert.True(t, FromBaseUnits(nil, 6).IsZero())
}

func TestPaymentErrorMatching(t *testing.T) {
	err := fmt.Errorf("execute: %w", NewPaymentError(KindInsufficientFunds, nil, "balance %d below %d", 1, 2))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrTerminalLedger))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindInsufficientFunds, kind)

	withHash := NewPaymentError(KindRecoverableLedger, errors.New("timeout"), "receipt").WithTxHash("0xabc")
	assert.Equal(t, "0xabc", TxHashOf(fmt.Errorf("wrap: %w", withHash)))
	assert.Contains(t, withHash.Error(), "timeout")
}

func TestValidationError(t *testing.T) {
	ve := &ValidationError{}
	assert.NoError(t, ve.ErrOrNil())

	ve.Add("recipient %d invalid", 1)
	ve.Add("amount %d invalid", 2)
	err := ve.ErrOrNil()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "recipient 1 invalid; amount 2 invalid")

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, kind)
}

func TestLease(t *testing.T) {
	now := time.Now()
	p := &ScheduledPayment{}
	assert.False(t, p.HasLease())
	assert.True(t, p.LeaseStale(now, time.Minute))

	started := now.Add(-30 * time.Second)
	p.ProcessingBy = "w1"
	p.ProcessingStarted = &started
	assert.False(t, p.LeaseStale(now, time.Minute))
	assert.True(t, p.LeaseStale(now, 10*time.Second))
}

func TestOccurrence(t *testing.T) {
	next := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &ScheduledPayment{NextExecutionAt: &next}
	assert.Equal(t, next, *p.Occurrence())

	retryAt := next.Add(time.Minute)
	p.OccurrenceAt = &next
	p.NextExecutionAt = &retryAt
	assert.Equal(t, next, *p.Occurrence())
}

func TestTokenIsNative(t *testing.T) {
	assert.True(t, Token{}.IsNative())
	assert.True(t, Token{Address: NativeTokenAddress}.IsNative())
	assert.False(t, Token{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"}.IsNative())
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Token{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"}.Key())
}
