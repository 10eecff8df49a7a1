package risk

import (
	"math/big"

	"github.com/btcsuite/btcutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/model"
)

// Scales are the protocol's fixed-point conventions.
type Scales struct {
	// BaseCurrencyDecimals is the oracle base-currency scale (8 on Aave-style
	// oracles: 1e8 == $1).
	BaseCurrencyDecimals int32 `toml:"base_currency_decimals"`
	// WadDecimals is the ratio scale (18: 1e18 == 1.0).
	WadDecimals int32 `toml:"wad_decimals"`
}

// DefaultScales returns the conventional 8/18 scales.
func DefaultScales() Scales {
	return Scales{BaseCurrencyDecimals: 8, WadDecimals: 18}
}

// Engine converts fixed-point protocol values into decimals. It holds only
// its immutable scales and is safe for concurrent use.
type Engine struct {
	scales Scales
}

// NewEngine creates an engine for the given scales.
func NewEngine(s Scales) (*Engine, error) {
	if s.BaseCurrencyDecimals < 0 || s.BaseCurrencyDecimals > 36 ||
		s.WadDecimals < 0 || s.WadDecimals > 36 {
		return nil, ErrInvalidScale
	}
	return &Engine{scales: s}, nil
}

// Scales returns the configured scales.
func (e *Engine) Scales() Scales { return e.scales }

// ToBaseUnits converts an oracle-scaled integer into base currency units.
func (e *Engine) ToBaseUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -e.scales.BaseCurrencyDecimals)
}

// ToRatioUnits converts a WAD-scaled integer into a plain ratio.
func (e *Engine) ToRatioUnits(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -e.scales.WadDecimals)
}

// BTCValue prices a satoshi amount with an oracle-scaled BTC price.
func (e *Engine) BTCValue(amount btcutil.Amount, price *big.Int) decimal.Decimal {
	btc := decimal.New(int64(amount), -8)
	return btc.Mul(e.ToBaseUnits(price))
}

// FromAccount converts oracle account data into Inputs.
func (e *Engine) FromAccount(acc model.AccountData) Inputs {
	return Inputs{
		CollateralValue:         e.ToBaseUnits(acc.CollateralValue),
		DebtValue:               e.ToBaseUnits(acc.DebtValue),
		LiquidationThresholdBps: acc.LiquidationThresholdBps,
	}
}

// ReportedHealthFactor decodes the protocol's pre-computed WAD health
// factor. Without debt the protocol reports a huge sentinel, so zero debt maps
// to NoDebt regardless of the reported value.
func (e *Engine) ReportedHealthFactor(acc model.AccountData) HealthFactor {
	if acc.DebtValue == nil || acc.DebtValue.Sign() <= 0 {
		return NoDebt
	}
	return NewHealthFactor(e.ToRatioUnits(acc.HealthFactor))
}
