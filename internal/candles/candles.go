// Package candles converts trade deltas into OHLCV rows and keeps a running
// per-pair candle table consistent under chain reorganisations.
package candles

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mvirta/chainfeed/internal/logger"
	"github.com/mvirta/chainfeed/internal/models"
)

// CandleFeed is a running candle table, one row per pair per timeframe
// bucket. It is mutated only through ApplyDelta: the tail past the delta's
// boundary is always dropped and regenerated from ground truth trades, so
// reorg corrections can never leave stale rows behind.
type CandleFeed struct {
	timeframe models.Timeframe
	byPair    map[string][]models.Candle
	lastCycle int
}

// NewCandleFeed creates an empty candle table for the given timeframe.
func NewCandleFeed(timeframe models.Timeframe) *CandleFeed {
	return &CandleFeed{
		timeframe: timeframe,
		byPair:    make(map[string][]models.Candle),
	}
}

// Timeframe returns the bucketing timeframe.
func (c *CandleFeed) Timeframe() models.Timeframe {
	return c.timeframe
}

// LastCycle returns the cycle number of the most recently applied delta.
func (c *CandleFeed) LastCycle() int {
	return c.lastCycle
}

// ApplyDelta merges one duty cycle result into the candle table.
//
// All rows at or after the delta's boundary bucket are cropped for every
// pair, then the delta's trades are resampled and appended. An empty delta
// only advances the cycle counter.
func (c *CandleFeed) ApplyDelta(delta models.TradeDelta) {
	c.lastCycle = delta.Cycle
	if len(delta.Trades) == 0 {
		return
	}

	cutoff := c.timeframe.RoundDown(delta.StartTs)
	cropped := 0
	for pair, rows := range c.byPair {
		keep := sort.Search(len(rows), func(i int) bool {
			return !rows[i].Timestamp.Before(cutoff)
		})
		cropped += len(rows) - keep
		c.byPair[pair] = rows[:keep]
	}

	fresh := ResampleTrades(delta.Trades, c.timeframe)
	for pair, rows := range fresh {
		c.byPair[pair] = append(c.byPair[pair], rows...)
	}

	logger.Debug("Applied delta for cycle %d: cropped %d rows from %v, added trades %d",
		delta.Cycle, cropped, cutoff, len(delta.Trades))
}

// GetCandlesByPair returns the pair's candles sorted ascending by
// timestamp. The returned slice is a copy.
func (c *CandleFeed) GetCandlesByPair(pair string) []models.Candle {
	rows := c.byPair[pair]
	out := make([]models.Candle, len(rows))
	copy(out, rows)
	return out
}

// GetLastBlockNumber returns the highest end block across all rows, telling
// how far the candle view has progressed. Returns 0 for an empty table.
func (c *CandleFeed) GetLastBlockNumber() int64 {
	var last int64
	for _, rows := range c.byPair {
		for _, row := range rows {
			if row.EndBlock > last {
				last = row.EndBlock
			}
		}
	}
	return last
}

// FilterBroken returns the pair's candles with zero price or zero volume
// rows removed. Occasional broken candles are expected from sparse blocks;
// they stay in the table and are filtered only on read.
func (c *CandleFeed) FilterBroken(pair string) []models.Candle {
	var out []models.Candle
	for _, row := range c.byPair[pair] {
		if row.IsBroken() {
			continue
		}
		out = append(out, row)
	}
	return out
}

// bucketKey identifies one resample group.
type bucketKey struct {
	pair string
	ts   int64
}

// ResampleTrades aggregates trades into OHLCV rows bucketed by the
// timeframe, grouped per pair. Trades must be ordered by time within each
// pair. Aggregation runs on exact decimals; rows are converted to float64
// at the end.
func ResampleTrades(trades []models.Trade, timeframe models.Timeframe) map[string][]models.Candle {
	type bucket struct {
		open, high, low, close   decimal.Decimal
		volume, buyVol, sellVol  decimal.Decimal
		rateSum                  decimal.Decimal
		buys, sells              int
		startBlock, endBlock     int64
	}

	buckets := make(map[bucketKey]*bucket)
	order := make([]bucketKey, 0)

	for _, trade := range trades {
		key := bucketKey{pair: trade.Pair, ts: timeframe.RoundDown(trade.Timestamp).Unix()}
		b, ok := buckets[key]
		usd := trade.PriceUSD()
		size := trade.Amount.Abs().Mul(trade.ExchangeRate)

		if !ok {
			b = &bucket{
				open:       usd,
				high:       usd,
				low:        usd,
				startBlock: trade.BlockNumber,
				endBlock:   trade.BlockNumber,
			}
			buckets[key] = b
			order = append(order, key)
		}
		if usd.GreaterThan(b.high) {
			b.high = usd
		}
		if usd.LessThan(b.low) {
			b.low = usd
		}
		b.close = usd
		b.volume = b.volume.Add(size)
		b.rateSum = b.rateSum.Add(trade.ExchangeRate)
		if trade.IsBuy() {
			b.buyVol = b.buyVol.Add(size)
			b.buys++
		} else {
			b.sellVol = b.sellVol.Add(size)
			b.sells++
		}
		if trade.BlockNumber < b.startBlock {
			b.startBlock = trade.BlockNumber
		}
		if trade.BlockNumber > b.endBlock {
			b.endBlock = trade.BlockNumber
		}
	}

	out := make(map[string][]models.Candle)
	for _, key := range order {
		b := buckets[key]
		count := b.buys + b.sells
		countDec := decimal.NewFromInt(int64(count))

		out[key.pair] = append(out[key.pair], models.Candle{
			Pair:         key.pair,
			Timestamp:    time.Unix(key.ts, 0).UTC(),
			Open:         b.open.InexactFloat64(),
			High:         b.high.InexactFloat64(),
			Low:          b.low.InexactFloat64(),
			Close:        b.close.InexactFloat64(),
			ExchangeRate: b.rateSum.Div(countDec).InexactFloat64(),
			StartBlock:   b.startBlock,
			EndBlock:     b.endBlock,
			Volume:       b.volume.InexactFloat64(),
			BuyVolume:    b.buyVol.InexactFloat64(),
			SellVolume:   b.sellVol.InexactFloat64(),
			AvgTrade:     b.volume.Div(countDec).InexactFloat64(),
			Buys:         b.buys,
			Sells:        b.sells,
		})
	}

	for pair := range out {
		rows := out[pair]
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		})
	}
	return out
}
