package chains

import (
	"strings"

	"github.com/blockpal/paymentscheduler/pkg/models"
)

// Chain holds static metadata for a supported network
type Chain struct {
	ID            int
	Name          string
	NativeSymbol  string
	NativePriceID string // CoinGecko id of the gas token
	DefaultRPCURL string
}

// ChainList contains the list of supported chain IDs
var ChainList = []int{
	1,     // Ethereum
	137,   // Polygon
	42161, // Arbitrum
	43114, // Avalanche
	56,    // Binance Smart Chain
	8453,  // Base
}

var registry = map[int]Chain{
	1:     {1, "ETHEREUM", "ETH", "ethereum", "https://eth.llamarpc.com"},
	137:   {137, "POLYGON", "POL", "matic-network", "https://polygon-rpc.com"},
	42161: {42161, "ARBITRUM", "ETH", "ethereum", "https://arb1.arbitrum.io/rpc"},
	43114: {43114, "AVALANCHE", "AVAX", "avalanche-2", "https://avalanche-c-chain-rpc.publicnode.com"},
	56:    {56, "BSC", "BNB", "binancecoin", "https://bsc-dataseed.bnbchain.org"},
	8453:  {8453, "BASE", "ETH", "ethereum", "https://mainnet.base.org"},
	1337:  {1337, "SIMULATED", "ETH", "ethereum", ""},
}

// Get returns the metadata of a chain
func Get(chainID int) (Chain, bool) {
	c, ok := registry[chainID]
	return c, ok
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int) string {
	return registry[chainID].Name
}

// TokenType identifies a well-known token
type TokenType string

const (
	TokenTypeUSDC TokenType = "USDC"
	TokenTypeUSDT TokenType = "USDT"
)

var tokenPriceIDs = map[TokenType]string{
	TokenTypeUSDC: "usd-coin",
	TokenTypeUSDT: "tether",
}

var tokenAddresses = map[int]map[TokenType]string{
	1: {
		TokenTypeUSDC: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TokenTypeUSDT: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
	},
	137: {
		TokenTypeUSDC: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		TokenTypeUSDT: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F",
	},
	42161: {
		TokenTypeUSDC: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		TokenTypeUSDT: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9",
	},
	43114: {
		TokenTypeUSDC: "0xb97ef9ef8734c71904d8002f8b6bc66dd9c48a6e",
		TokenTypeUSDT: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7",
	},
	56: {
		TokenTypeUSDC: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d",
		TokenTypeUSDT: "0x55d398326f99059fF775485246999027B3197955",
	},
	8453: {
		TokenTypeUSDC: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenTypeUSDT: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb",
	},
}

// stablecoinDecimals returns the decimals of USDC/USDT on a chain. BSC
// deploys them with 18 decimals, everyone else with 6.
func stablecoinDecimals(chainID int) int32 {
	if chainID == 56 {
		return 18
	}
	return 6
}

// NativeToken returns the gas token of a chain
func NativeToken(chainID int) models.Token {
	symbol := "ETH"
	if c, ok := registry[chainID]; ok {
		symbol = c.NativeSymbol
	}
	return models.Token{Address: models.NativeTokenAddress, Symbol: symbol, Decimals: 18}
}

// LookupToken resolves a symbol to a token on the given chain. The chain's
// native symbol resolves to the native token.
func LookupToken(chainID int, symbol string) (models.Token, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if c, ok := registry[chainID]; ok && c.NativeSymbol == symbol {
		return NativeToken(chainID), true
	}
	addr, ok := tokenAddresses[chainID][TokenType(symbol)]
	if !ok {
		return models.Token{}, false
	}
	return models.Token{Address: addr, Symbol: symbol, Decimals: stablecoinDecimals(chainID)}, true
}

// GetTokenType returns USDC or USDT for a known address, or "" otherwise
func GetTokenType(address string) TokenType {
	for _, tokens := range tokenAddresses {
		for tokenType, addr := range tokens {
			if strings.EqualFold(addr, address) {
				return tokenType
			}
		}
	}
	return ""
}

// PriceID returns the CoinGecko id used to value token on chainID
func PriceID(chainID int, token models.Token) string {
	if token.IsNative() {
		return registry[chainID].NativePriceID
	}
	if id, ok := tokenPriceIDs[GetTokenType(token.Address)]; ok {
		return id
	}
	return tokenPriceIDs[TokenType(strings.ToUpper(token.Symbol))]
}

// Gas figures used when a live estimate is unavailable
const (
	NativeTransferGas uint64 = 21000
	TokenTransferGas  uint64 = 65000
	BatchBaseGas      uint64 = 30000
	BatchNativeEntry  uint64 = 12000
	BatchTokenEntry   uint64 = 35000
	ApprovalGas       uint64 = 50000
)

// gasUnitFactor scales gas figures on chains that charge L1 data as gas
var gasUnitFactor = map[int]float64{
	42161: 2.5, // Arbitrum
}

// ScaleGas applies the chain's gas unit factor to a heuristic value
func ScaleGas(chainID int, gas uint64) uint64 {
	f, ok := gasUnitFactor[chainID]
	if !ok {
		return gas
	}
	return uint64(float64(gas) * f)
}
