package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

// Error types reported by Classify
const (
	ErrorTypeAlreadyKnown        = "already_known"
	ErrorTypeNetwork             = "network_error"
	ErrorTypeNodeState           = "node_state_error"
	ErrorTypeGas                 = "gas_error"
	ErrorTypeNonce               = "nonce_error"
	ErrorTypeInsufficientBalance = "insufficient_balance"
	ErrorTypeContract            = "contract_error"
	ErrorTypeReceiptTimeout      = "receipt_timeout"
	ErrorTypeUnknown             = "unknown_error"
)

// Classify reports whether a raw RPC error is worth retrying, and its type
func Classify(err error) (bool, string) {
	if errors.Is(err, ErrReceiptTimeout) {
		return true, ErrorTypeReceiptTimeout
	}
	errStr := strings.ToLower(err.Error())

	// The node already has this exact transaction
	if strings.Contains(errStr, "already known") {
		return true, ErrorTypeAlreadyKnown
	}

	// Network/RPC errors - retry is appropriate
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "eof") {
		return true, ErrorTypeNetwork
	}

	// RPC node state errors
	if strings.Contains(errStr, "missing trie node") ||
		strings.Contains(errStr, "layer stale") ||
		strings.Contains(errStr, "state inconsistency") ||
		strings.Contains(errStr, "block not found") {
		return true, ErrorTypeNodeState
	}

	// Gas-related errors - retry may help if gas prices change
	if strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "insufficient funds for gas") ||
		strings.Contains(errStr, "gas price too low") ||
		strings.Contains(errStr, "gas price above configured maximum") {
		return true, ErrorTypeGas
	}

	// Nonce-related errors - retry may help after nonce is corrected
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return true, ErrorTypeNonce
	}

	// Balance-related errors - permanent failures
	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") ||
		strings.Contains(errStr, "transfer amount exceeds balance") {
		return false, ErrorTypeInsufficientBalance
	}

	// Contract-related errors - permanent failures
	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return false, ErrorTypeContract
	}

	return true, ErrorTypeUnknown
}

// IsAmbiguous returns true for errors after which the transfer may still
// have landed on chain
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReceiptTimeout) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "already known") || strings.Contains(errStr, "nonce too low")
}

// Wrap converts a raw ledger error into the matching PaymentError kind.
// Errors that already carry a kind are returned unchanged.
func Wrap(err error, format string, args ...interface{}) *models.PaymentError {
	var perr *models.PaymentError
	if errors.As(err, &perr) {
		return perr
	}
	msg := fmt.Sprintf(format, args...)
	retryable, errorType := Classify(err)
	switch {
	case errorType == ErrorTypeInsufficientBalance:
		return models.NewPaymentError(models.KindInsufficientFunds, err, "%s", msg)
	case retryable:
		return models.NewPaymentError(models.KindRecoverableLedger, err, "%s", msg)
	default:
		return models.NewPaymentError(models.KindTerminalLedger, err, "%s", msg)
	}
}
