package uniswap

// PriceImpact describes how much a trade moves a constant product pool.
type PriceImpact struct {
	// PriceImpact is the relative price move caused by the trade.
	PriceImpact float64

	// SlippageAmount is how much less the trader receives compared to
	// the trade amount, in the same USD terms.
	SlippageAmount float64

	// Delivered is the amount the trader actually receives.
	Delivered float64

	// LPFeesPaid is the liquidity provider fee taken from the trade.
	LPFeesPaid float64
}

// EstimateXYKPriceImpact calculates constant product pool slippage for
// Uniswap v2 style pools. Both pool halves are valued with the same USD
// reference rate, so liquidity is the single side USD liquidity. lpFee is
// the pool fee as a fraction, e.g. 0.0030 for 30 basis points.
func EstimateXYKPriceImpact(liquidity, tradeAmount, lpFee float64) PriceImpact {
	reserveA := liquidity
	reserveB := liquidity

	amountInWithFee := tradeAmount * (1 - lpFee)
	lpFeesPaid := tradeAmount * lpFee

	constantProduct := reserveA * reserveB
	reserveBAfter := constantProduct / (reserveA + amountInWithFee)
	amountOut := reserveB - reserveBAfter

	marketPrice := amountInWithFee / amountOut
	midPrice := reserveA / reserveB

	return PriceImpact{
		PriceImpact:    1 - midPrice/marketPrice,
		SlippageAmount: tradeAmount - amountOut,
		Delivered:      amountOut,
		LPFeesPaid:     lpFeesPaid,
	}
}
