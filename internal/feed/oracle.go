package feed

import "github.com/shopspring/decimal"

// PriceOracle converts quote token amounts into US dollars.
type PriceOracle interface {
	// CalculatePrice returns the USD exchange rate of the quote token
	// as of the given block.
	CalculatePrice(blockNumber int64) (decimal.Decimal, error)
}

// FixedPriceOracle returns a constant exchange rate. Used for stablecoin
// quoted pairs and tests.
type FixedPriceOracle struct {
	Price decimal.Decimal
}

// NewFixedPriceOracle creates an oracle pinned to the given rate.
func NewFixedPriceOracle(price decimal.Decimal) *FixedPriceOracle {
	return &FixedPriceOracle{Price: price}
}

// CalculatePrice returns the fixed rate regardless of block.
func (o *FixedPriceOracle) CalculatePrice(blockNumber int64) (decimal.Decimal, error) {
	return o.Price, nil
}
