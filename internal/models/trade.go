package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeKey uniquely identifies a trade on chain.
type TradeKey struct {
	TxHash   string
	LogIndex int
}

// Trade captures a single decoded swap.
//
// Prices are designed for technical analysis and trading; they are not
// unit accurate and thus not suitable for accounting. Price, amount and
// exchange rate use exact decimal arithmetic so that large trade counts
// do not accumulate floating point drift.
type Trade struct {
	// Pair is the trading pair identifier, e.g. a lowercased pool address.
	Pair string

	BlockNumber int64
	BlockHash   string

	// Timestamp is block time in UTC.
	Timestamp time.Time

	TxHash   string
	LogIndex int

	// Price is the trade price in the quote token.
	Price decimal.Decimal

	// Amount is the trade size in the quote token.
	// Positive for buys, negative for sells.
	Amount decimal.Decimal

	// ExchangeRate converts quote token prices to US dollars.
	ExchangeRate decimal.Decimal
}

// Key returns the (tx hash, log index) identity of the trade.
func (t Trade) Key() TradeKey {
	return TradeKey{TxHash: t.TxHash, LogIndex: t.LogIndex}
}

// IsBuy reports whether the trade bought the base token.
func (t Trade) IsBuy() bool {
	return t.Amount.Sign() > 0
}

// IsSell reports whether the trade sold the base token.
func (t Trade) IsSell() bool {
	return t.Amount.Sign() < 0
}

// PriceUSD returns the trade price converted with the exchange rate.
func (t Trade) PriceUSD() decimal.Decimal {
	return t.Price.Mul(t.ExchangeRate)
}

// Validate checks trade field constraints.
func (t Trade) Validate() error {
	if t.Pair == "" {
		return errors.New("trade pair must not be empty")
	}
	if t.BlockNumber < 1 {
		return fmt.Errorf("bad block number %d", t.BlockNumber)
	}
	if t.BlockHash == "" {
		return errors.New("block hash must not be empty")
	}
	if t.TxHash == "" {
		return errors.New("tx hash must not be empty")
	}
	if t.LogIndex < 0 {
		return fmt.Errorf("bad log index %d", t.LogIndex)
	}
	if loc := t.Timestamp.Location(); loc != time.UTC {
		return fmt.Errorf("trade timestamps must be UTC, got %v", loc)
	}
	return nil
}

func (t Trade) String() string {
	return fmt.Sprintf("<Trade pair: %s, block: %d, price: %s, amount: %s, exchange rate: %s>",
		t.Pair, t.BlockNumber, t.Price, t.Amount, t.ExchangeRate)
}

// TradeDelta describes the result of one duty cycle: the trades a candle
// consumer must reprocess. The exported trades start at a candle boundary,
// so some previously delivered trades are re-exported. A consumer holding
// data newer than StartBlock must discard it before applying the delta.
type TradeDelta struct {
	// Cycle is a running counter, starting from 1 at the initial backfill.
	Cycle int

	// StartBlock is the first exported block, snapped down to the candle
	// timeframe boundary. Inclusive.
	StartBlock int64

	// UnadjustedStartBlock is the first genuinely new block before
	// boundary snapping. Inclusive.
	UnadjustedStartBlock int64

	// EndBlock is the last block for which we have data. Inclusive.
	EndBlock int64

	// StartTs is the timestamp of StartBlock.
	StartTs time.Time

	// EndTs is the timestamp of EndBlock.
	EndTs time.Time

	// ReorgDetected tells whether any chain reorganisation was seen
	// during this cycle.
	ReorgDetected bool

	// Trades are the exported trades in ascending (block, log index) order.
	Trades []Trade
}
