package models

import "time"

// Candle is one OHLCV row of the in-memory candle table.
//
// Prices are US dollar converted floats; exact decimals are only kept at the
// trade level. Candles are never persisted, they are always regenerated from
// the trade ledger.
type Candle struct {
	Pair      string
	Timestamp time.Time

	Open  float64
	High  float64
	Low   float64
	Close float64

	// ExchangeRate is the average quote token/USD rate over the bucket.
	ExchangeRate float64

	// StartBlock and EndBlock are the lowest and highest block numbers
	// contributing trades to this bucket.
	StartBlock int64
	EndBlock   int64

	// Volume is the total US dollar volume of the bucket; BuyVolume and
	// SellVolume partition it by trade direction.
	Volume     float64
	BuyVolume  float64
	SellVolume float64

	// AvgTrade is Volume divided by the number of trades in the bucket.
	AvgTrade float64

	Buys  int
	Sells int
}

// IsBroken reports whether the candle carries a zero price or zero volume.
// Broken candles come from malformed on-chain events; they are kept in the
// table so that downstream wick filtering can decide what to do with them.
func (c Candle) IsBroken() bool {
	return c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 || c.Volume <= 0
}
