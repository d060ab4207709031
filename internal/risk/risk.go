// Package risk computes bounded wallet risk scores from lending-protocol activity.
//
// Scoring is a two-phase computation:
//   - Extract turns one wallet's transactions into a fixed Features record.
//   - Scorer normalizes every weighted column across the whole FeatureTable,
//     inverts the columns where a higher raw value is safer, and combines them
//     into a 0-1000 risk score.
//
// Scores are population-relative: the same wallet scored inside a different
// batch gets a different score.
package risk

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Action is the economic effect of a transaction.
type Action string

const (
	ActionDeposit     Action = "deposit"
	ActionBorrow      Action = "borrow"
	ActionRepay       Action = "repay"
	ActionLiquidation Action = "liquidation"
	ActionUnknown     Action = ""
)

// ParseAction maps a raw action string to its kind. Both "liquidate" and
// "liquidation" map to ActionLiquidation. Anything unrecognized is ActionUnknown.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deposit":
		return ActionDeposit
	case "borrow":
		return ActionBorrow
	case "repay":
		return ActionRepay
	case "liquidate", "liquidation":
		return ActionLiquidation
	default:
		return ActionUnknown
	}
}

// Transaction is one lending-protocol action by a wallet.
//
// Amount and AssetPriceUSD are kept as decimal strings; a value that does not
// parse contributes 0 instead of failing the wallet. Amount is in token units,
// except for the micro-unit stablecoins (see MicroUnitAssets) which are carried
// in 10^-6 units.
type Transaction struct {
	Wallet        string `json:"wallet"`
	Action        string `json:"action"`
	Amount        string `json:"amount"`
	AssetSymbol   string `json:"assetSymbol"`
	AssetPriceUSD string `json:"assetPriceUSD"`
	Timestamp     int64  `json:"timestamp"` // unix seconds, 0 if unknown
}

// MicroUnitAssets are the stablecoins whose amounts arrive in 10^-6 units.
var MicroUnitAssets = map[string]bool{
	"USDC": true,
	"USDT": true,
	"DAI":  true,
}

var microUnit = decimal.New(1, 6)

// NormalizeAmount converts a transaction amount into token units.
func NormalizeAmount(symbol string, amount decimal.Decimal) decimal.Decimal {
	if MicroUnitAssets[symbol] {
		return amount.Div(microUnit)
	}
	return amount
}

// EncodeAmount is the inverse of NormalizeAmount. Sources that know the real
// token quantity use it to build Transaction.Amount.
func EncodeAmount(symbol string, tokens decimal.Decimal) string {
	if MicroUnitAssets[symbol] {
		return tokens.Mul(microUnit).String()
	}
	return tokens.String()
}

// ParseDecimal parses s best-effort. Empty or malformed input yields zero.
func ParseDecimal(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// USDValue returns the normalized amount times the asset price.
func (tx Transaction) USDValue() decimal.Decimal {
	amount := NormalizeAmount(tx.AssetSymbol, ParseDecimal(tx.Amount))
	return amount.Mul(ParseDecimal(tx.AssetPriceUSD))
}
