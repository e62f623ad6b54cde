package batch

import (
	"math/big"

	"github.com/blockpal/paymentscheduler/pkg/contracts"
)

var (
	// ZeroApproval represents zero approval amount
	ZeroApproval = big.NewInt(0)

	// ApprovalThreshold is the ratio of required to current allowance above
	// which an unlimited approval is requested (30%)
	ApprovalThreshold = big.NewFloat(0.3)
)

// determineApprovalAmount decides the unlimited-mode approval amount based on current state
func determineApprovalAmount(requiredAmount, currentAllowance *big.Int) *big.Int {
	// If allowance is zero, always use infinite approval
	if currentAllowance.Cmp(ZeroApproval) == 0 {
		return contracts.MaxUint256
	}

	requiredFloat := new(big.Float).SetInt(requiredAmount)
	allowanceFloat := new(big.Float).SetInt(currentAllowance)

	// ratio = requiredAmount / currentAllowance
	ratio := new(big.Float).Quo(requiredFloat, allowanceFloat)

	// If we need more than 30% of the remaining allowance, switch to infinite approval
	if ratio.Cmp(ApprovalThreshold) > 0 {
		return contracts.MaxUint256
	}
	return requiredAmount
}

// approvalAmount returns the amount to approve for required
func (e *Engine) approvalAmount(required, current *big.Int) *big.Int {
	if e.unlimitedApprovals {
		return determineApprovalAmount(required, current)
	}
	return new(big.Int).Set(required)
}
