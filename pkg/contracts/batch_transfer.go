package contracts

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// BatchTransferABI is the interface of the batch transfer contract. Every
// entry point collects the service tax on top of the listed amounts: native
// tax is part of msg.value, token tax is pulled with transferFrom alongside
// the principal.
const BatchTransferABI = `[
	{"inputs":[{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"name":"batchTransferNative","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"name":"batchTransferToken","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"tokens","type":"address[]"},{"name":"recipients","type":"address[]"},{"name":"amounts","type":"uint256[]"}],"name":"batchTransferMixed","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[],"name":"taxBasisPoints","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"count","type":"uint256"},{"indexed":false,"name":"tax","type":"uint256"}],"name":"BatchTransferred","type":"event"}
]`

var (
	batchOnce sync.Once
	batchABI  abi.ABI
	batchErr  error
)

// BatchTransfer returns the parsed batch transfer ABI
func BatchTransfer() (abi.ABI, error) {
	batchOnce.Do(func() {
		batchABI, batchErr = abi.JSON(strings.NewReader(BatchTransferABI))
	})
	return batchABI, batchErr
}

// PackBatchNative encodes batchTransferNative(recipients, amounts)
func PackBatchNative(recipients []common.Address, amounts []*big.Int) ([]byte, error) {
	parsed, err := BatchTransfer()
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch ABI: %w", err)
	}
	return parsed.Pack("batchTransferNative", recipients, amounts)
}

// PackBatchToken encodes batchTransferToken(token, recipients, amounts)
func PackBatchToken(token common.Address, recipients []common.Address, amounts []*big.Int) ([]byte, error) {
	parsed, err := BatchTransfer()
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch ABI: %w", err)
	}
	return parsed.Pack("batchTransferToken", token, recipients, amounts)
}

// PackBatchMixed encodes batchTransferMixed(tokens, recipients, amounts).
// The zero address in tokens denotes the native asset.
func PackBatchMixed(tokens, recipients []common.Address, amounts []*big.Int) ([]byte, error) {
	parsed, err := BatchTransfer()
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch ABI: %w", err)
	}
	return parsed.Pack("batchTransferMixed", tokens, recipients, amounts)
}
