// Package batch builds and submits multi-recipient transfers through the
// batch transfer contract.
package batch

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/blockpal/paymentscheduler/pkg/contracts"
	"github.com/blockpal/paymentscheduler/pkg/models"
)

// Mode is the transfer shape of a batch
type Mode string

const (
	ModeNative      Mode = "native"
	ModeSingleToken Mode = "single_token"
	ModeMixed       Mode = "mixed"
)

// MinBatchSize is the smallest batch accepted
const MinBatchSize = 2

// basisPointsDenominator is 100% in basis points
const basisPointsDenominator = 10_000

// Entry is one transfer of a batch
type Entry struct {
	Recipient string       `json:"recipient"`
	Token     models.Token `json:"token"`
	Amount    string       `json:"amount"`
	// FiatValue is the USD estimate of Amount, filled by Preview
	FiatValue float64 `json:"fiat_value"`
}

// Request is a batch to preview or execute
type Request struct {
	ChainID int     `json:"chain_id"`
	From    string  `json:"from"`
	Entries []Entry `json:"entries"`
}

// entry is a validated Entry in base units
type entry struct {
	recipient common.Address
	token     common.Address
	native    bool
	amount    *big.Int
	tax       *big.Int
	source    Entry
}

// AssetTotal is the principal and tax due in one asset
type AssetTotal struct {
	Token     models.Token    `json:"token"`
	Principal decimal.Decimal `json:"principal"`
	Tax       decimal.Decimal `json:"tax"`
	USD       float64         `json:"usd"`
	TaxUSD    float64         `json:"tax_usd"`

	principal *big.Int
	tax       *big.Int
}

// Required returns principal plus tax in base units
func (a AssetTotal) Required() *big.Int {
	return new(big.Int).Add(a.principal, a.tax)
}

// TaxFor returns the tax owed on amount at bps basis points
func TaxFor(amount *big.Int, bps int64) *big.Int {
	tax := new(big.Int).Mul(amount, big.NewInt(bps))
	return tax.Quo(tax, big.NewInt(basisPointsDenominator))
}

// DetectMode picks the transfer shape of entries
func DetectMode(entries []Entry) Mode {
	allNative := true
	tokens := make(map[string]struct{})
	for _, e := range entries {
		if e.Token.IsNative() {
			tokens[models.NativeTokenAddress] = struct{}{}
			continue
		}
		allNative = false
		tokens[e.Token.Key()] = struct{}{}
	}
	switch {
	case allNative:
		return ModeNative
	case len(tokens) == 1:
		return ModeSingleToken
	default:
		return ModeMixed
	}
}

// validate checks every entry and reports all problems at once
func validate(req Request, maxSize int, bps int64) (common.Address, []entry, error) {
	verr := &models.ValidationError{}

	var from common.Address
	if !common.IsHexAddress(req.From) {
		verr.Add("invalid source address %q", req.From)
	} else {
		from = common.HexToAddress(req.From)
	}

	n := len(req.Entries)
	if n < MinBatchSize || n > maxSize {
		verr.Add("batch size %d outside [%d, %d]", n, MinBatchSize, maxSize)
	}

	seen := make(map[string]int)
	entries := make([]entry, 0, n)
	for i, e := range req.Entries {
		parsed := entry{native: e.Token.IsNative(), source: e}
		ok := true

		if !common.IsHexAddress(e.Recipient) || common.HexToAddress(e.Recipient) == (common.Address{}) {
			verr.Add("entry %d: invalid recipient %q", i, e.Recipient)
			ok = false
		} else {
			parsed.recipient = common.HexToAddress(e.Recipient)
		}

		decimals := e.Token.Decimals
		if parsed.native {
			decimals = 18
		} else if !common.IsHexAddress(e.Token.Address) {
			verr.Add("entry %d: invalid token address %q", i, e.Token.Address)
			ok = false
		} else {
			parsed.token = common.HexToAddress(e.Token.Address)
		}

		amount, err := models.ToBaseUnits(e.Amount, decimals)
		if err != nil {
			verr.Add("entry %d: %v", i, err)
			ok = false
		} else {
			parsed.amount = amount
			parsed.tax = TaxFor(amount, bps)
		}

		// addresses are compared by value, so case and 0x prefix do not matter
		tokenKey := models.NativeTokenAddress
		if !parsed.native {
			tokenKey = common.HexToAddress(e.Token.Address).Hex()
		}
		key := common.HexToAddress(e.Recipient).Hex() + "/" + tokenKey
		if first, dup := seen[key]; dup {
			verr.Add("entry %d: duplicate of entry %d (recipient %s, token %s)", i, first, e.Recipient, e.Token.Key())
			ok = false
		} else {
			seen[key] = i
		}

		if ok {
			entries = append(entries, parsed)
		}
	}

	if err := verr.ErrOrNil(); err != nil {
		return common.Address{}, nil, err
	}
	return from, entries, nil
}

// totals sums principal and tax per asset, in order of first appearance
func totals(entries []entry) []AssetTotal {
	index := make(map[string]int)
	var out []AssetTotal
	for _, e := range entries {
		key := e.source.Token.Key()
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, AssetTotal{Token: e.source.Token, principal: new(big.Int), tax: new(big.Int)})
		}
		out[i].principal.Add(out[i].principal, e.amount)
		out[i].tax.Add(out[i].tax, e.tax)
	}
	for i := range out {
		decimals := out[i].Token.Decimals
		if out[i].Token.IsNative() {
			decimals = 18
		}
		out[i].Principal = models.FromBaseUnits(out[i].principal, decimals)
		out[i].Tax = models.FromBaseUnits(out[i].tax, decimals)
	}
	return out
}

// calldata encodes the batch call for mode and returns the value to attach
func calldata(mode Mode, entries []entry, native *AssetTotal) ([]byte, *big.Int, error) {
	recipients := make([]common.Address, len(entries))
	amounts := make([]*big.Int, len(entries))
	tokens := make([]common.Address, len(entries))
	for i, e := range entries {
		recipients[i] = e.recipient
		amounts[i] = e.amount
		tokens[i] = e.token
	}

	value := new(big.Int)
	if native != nil {
		value = native.Required()
	}

	var (
		data []byte
		err  error
	)
	switch mode {
	case ModeNative:
		data, err = contracts.PackBatchNative(recipients, amounts)
	case ModeSingleToken:
		data, err = contracts.PackBatchToken(tokens[0], recipients, amounts)
	case ModeMixed:
		data, err = contracts.PackBatchMixed(tokens, recipients, amounts)
	default:
		err = fmt.Errorf("unknown batch mode %q", mode)
	}
	return data, value, err
}
