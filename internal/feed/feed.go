// Package feed maintains an append-only trade ledger kept consistent with
// the chain through the reorganisation monitor, and produces per-cycle trade
// deltas snapped to candle timeframe boundaries.
package feed

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mvirta/chainfeed/internal/logger"
	"github.com/mvirta/chainfeed/internal/models"
	"github.com/mvirta/chainfeed/internal/reorgmon"
)

// VenueAdapter reads trades from one trading venue for a block range.
type VenueAdapter interface {
	// FetchTrades returns all trades in the inclusive block range
	// [startBlock, endBlock], ordered by (block number, log index).
	FetchTrades(startBlock, endBlock int64) ([]models.Trade, error)
}

// ProgressFunc reports long running fetch progress.
type ProgressFunc = reorgmon.ProgressFunc

// TradeFeed owns a buffer of trades for a set of pairs and keeps it
// consistent under chain reorganisations.
//
// One feed instance is single-threaded: duty cycles must be serialised by
// the caller. Independent feeds may run in parallel.
type TradeFeed struct {
	pairs     []string
	oracles   map[string]PriceOracle
	mon       *reorgmon.Monitor
	adapter   VenueAdapter
	timeframe models.Timeframe

	// retention bounds the trade buffer; zero disables eviction.
	retention time.Duration

	trades []models.Trade
	seen   map[models.TradeKey]struct{}
	cycle  int
}

// New creates a trade feed. Every pair must have a price oracle.
func New(pairs []string, oracles map[string]PriceOracle, mon *reorgmon.Monitor, adapter VenueAdapter, timeframe models.Timeframe, retention time.Duration) (*TradeFeed, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs given")
	}
	for _, pair := range pairs {
		if _, ok := oracles[pair]; !ok {
			return nil, fmt.Errorf("pair lacks a price oracle: %s", pair)
		}
	}
	return &TradeFeed{
		pairs:     pairs,
		oracles:   oracles,
		mon:       mon,
		adapter:   adapter,
		timeframe: timeframe,
		retention: retention,
		seen:      make(map[models.TradeKey]struct{}),
	}, nil
}

// Monitor returns the feed's reorganisation monitor.
func (f *TradeFeed) Monitor() *reorgmon.Monitor {
	return f.mon
}

// Pairs returns the tracked pair identifiers.
func (f *TradeFeed) Pairs() []string {
	return f.pairs
}

// TradeCount returns the number of trades in the buffer.
func (f *TradeFeed) TradeCount() int {
	return len(f.trades)
}

// LastTradeBlock returns the newest block number in the buffer, 0 if empty.
func (f *TradeFeed) LastTradeBlock() int64 {
	if len(f.trades) == 0 {
		return 0
	}
	return f.trades[len(f.trades)-1].BlockNumber
}

// Trades returns a copy of the trade buffer in append order.
func (f *TradeFeed) Trades() []models.Trade {
	out := make([]models.Trade, len(f.trades))
	copy(out, f.trades)
	return out
}

// AddTrades appends new trades to the buffer.
//
// Every trade's block hash is checked against the monitor as a safety net;
// a mismatch means the caller fetched trades across an unresolved reorg.
// Already seen trades are skipped, so the call is safe to repeat with
// overlapping data. startBlock and endBlock bound the expected range when
// non-zero. Returns the trades actually accepted.
func (f *TradeFeed) AddTrades(trades []models.Trade, startBlock, endBlock int64) ([]models.Trade, error) {
	accepted := make([]models.Trade, 0, len(trades))
	for _, trade := range trades {
		if err := trade.Validate(); err != nil {
			return nil, err
		}
		if err := f.mon.CheckBlockReorg(trade.BlockNumber, trade.BlockHash); err != nil {
			return nil, err
		}
		if startBlock != 0 && trade.BlockNumber < startBlock {
			return nil, fmt.Errorf("trade outside block range: block %d earlier than %d", trade.BlockNumber, startBlock)
		}
		if endBlock != 0 && trade.BlockNumber > endBlock {
			return nil, fmt.Errorf("trade outside block range: block %d later than %d", trade.BlockNumber, endBlock)
		}
		if _, dup := f.seen[trade.Key()]; dup {
			continue
		}
		if last := f.LastTradeBlock(); trade.BlockNumber < last {
			return nil, fmt.Errorf("trades must arrive in block order: last block %d, got %d", last, trade.BlockNumber)
		}
		f.trades = append(f.trades, trade)
		f.seen[trade.Key()] = struct{}{}
		accepted = append(accepted, trade)
	}

	logger.Debug("Added %d new trades, buffer size %d", len(accepted), len(f.trades))
	f.evictExpired()
	return accepted, nil
}

// evictExpired trims trades older than the retention window. The cutoff is
// snapped down to a timeframe boundary so a candle is never half evicted.
func (f *TradeFeed) evictExpired() {
	if f.retention <= 0 || len(f.trades) == 0 {
		return
	}
	newest := f.trades[len(f.trades)-1].Timestamp
	cutoff := f.timeframe.RoundDown(newest.Add(-f.retention))
	firstKept := 0
	for firstKept < len(f.trades) && f.trades[firstKept].Timestamp.Before(cutoff) {
		delete(f.seen, f.trades[firstKept].Key())
		firstKept++
	}
	if firstKept > 0 {
		f.trades = append([]models.Trade(nil), f.trades[firstKept:]...)
		logger.Debug("Evicted %d trades past retention window", firstKept)
	}
}

// TruncateReorganisedData drops every trade after latestGoodBlock. Called
// when a reorg is detected, before new data for the range is fetched.
func (f *TradeFeed) TruncateReorganisedData(latestGoodBlock int64) {
	firstBad := len(f.trades)
	for firstBad > 0 && f.trades[firstBad-1].BlockNumber > latestGoodBlock {
		firstBad--
	}
	if firstBad == len(f.trades) {
		return
	}
	for _, trade := range f.trades[firstBad:] {
		delete(f.seen, trade.Key())
	}
	logger.Info("Truncated %d trades past block %d", len(f.trades)-firstBad, latestGoodBlock)
	f.trades = f.trades[:firstBad]
}

// findFirstIncludedBlock returns the block number of the first trade whose
// timestamp is at or after ts.
func (f *TradeFeed) findFirstIncludedBlock(ts time.Time) (int64, bool) {
	idx := sort.Search(len(f.trades), func(i int) bool {
		return !f.trades[i].Timestamp.Before(ts)
	})
	if idx == len(f.trades) {
		return 0, false
	}
	return f.trades[idx].BlockNumber, true
}

// UpdateCycle appends trades to the buffer and produces the cycle's delta.
//
// The delta start is snapped to a candle boundary: the timestamp of
// startBlock is floored to the timeframe, and the first buffered trade at
// or after that boundary gives the snap block. With too little data the
// unadjusted start block is used, yielding a knowingly partial first
// candle. The exported trades re-cover [snapBlock, endBlock] so the candle
// aggregator regenerates the whole boundary candle instead of patching it.
func (f *TradeFeed) UpdateCycle(startBlock, endBlock int64, reorgDetected bool, trades []models.Trade) (models.TradeDelta, error) {
	f.cycle++

	if _, err := f.AddTrades(trades, startBlock, endBlock); err != nil {
		return models.TradeDelta{}, err
	}

	eventStartTs, err := f.mon.BlockTime(startBlock)
	if err != nil {
		return models.TradeDelta{}, err
	}
	boundary := f.timeframe.RoundDown(eventStartTs)

	snapBlock, ok := f.findFirstIncludedBlock(boundary)
	if !ok {
		snapBlock = startBlock
	}

	var exported []models.Trade
	if len(f.trades) > 0 {
		lastToExport := endBlock
		if last := f.LastTradeBlock(); last < lastToExport {
			lastToExport = last
		}
		for _, trade := range f.trades {
			if trade.BlockNumber >= snapBlock && trade.BlockNumber <= lastToExport {
				exported = append(exported, trade)
			}
		}
	}

	startTs, err := f.mon.BlockTime(snapBlock)
	if err != nil {
		return models.TradeDelta{}, err
	}
	endTs, err := f.mon.BlockTime(endBlock)
	if err != nil {
		return models.TradeDelta{}, err
	}

	return models.TradeDelta{
		Cycle:                f.cycle,
		StartBlock:           snapBlock,
		UnadjustedStartBlock: startBlock,
		EndBlock:             endBlock,
		StartTs:              startTs,
		EndTs:                endTs,
		ReorgDetected:        reorgDetected,
		Trades:               exported,
	}, nil
}

// CheckReorganisationsAndPurge resolves the chain state and truncates any
// trades the resolution invalidated.
func (f *TradeFeed) CheckReorganisationsAndPurge() (reorgmon.Resolution, error) {
	res, err := f.mon.UpdateChain()
	if err != nil {
		return reorgmon.Resolution{}, err
	}
	f.TruncateReorganisedData(res.LatestBlockWithGoodData)
	return res, nil
}

// PerformDutyCycle runs one incremental update pass: resolve reorgs, fetch
// trades for the new or invalidated block range, and produce the delta.
//
// A ReorganisationResolutionFailure from the monitor propagates out; it is
// fatal for the feed and the caller must halt.
func (f *TradeFeed) PerformDutyCycle() (models.TradeDelta, error) {
	res, err := f.CheckReorganisationsAndPurge()
	if err != nil {
		return models.TradeDelta{}, err
	}

	startBlock := res.LatestBlockWithGoodData + 1
	endBlock := f.mon.LastBlockRead()

	// The forced + 1 above must not push the read past the chain tip.
	if startBlock > res.LastLiveBlock {
		startBlock = res.LastLiveBlock
	}
	// When the chain tip itself reorganised and nothing new exists,
	// re-read just the last block.
	if startBlock > endBlock {
		startBlock = endBlock
	}

	trades, err := f.adapter.FetchTrades(startBlock, endBlock)
	if err != nil {
		return models.TradeDelta{}, fmt.Errorf("fetch trades %d - %d: %w", startBlock, endBlock, err)
	}

	return f.UpdateCycle(startBlock, endBlock, res.ReorgDetected, trades)
}

// BackfillBuffer populates the buffer before real-time tracking starts.
// The monitor loads blockCount headers ending at the chain tip, trades for
// the loaded range are fetched, and the first delta is produced.
func (f *TradeFeed) BackfillBuffer(blockCount int64, progress ProgressFunc) (models.TradeDelta, error) {
	startBlock, endBlock, err := f.mon.LoadInitialBlockHeaders(blockCount, progress)
	if err != nil {
		return models.TradeDelta{}, err
	}
	if startBlock > endBlock {
		// Restored state already covers the chain tip.
		startBlock = endBlock
	}

	trades, err := f.adapter.FetchTrades(startBlock, endBlock)
	if err != nil {
		return models.TradeDelta{}, fmt.Errorf("fetch trades %d - %d: %w", startBlock, endBlock, err)
	}

	return f.UpdateCycle(startBlock, endBlock, false, trades)
}

// CheckTradesForDuplicates scans the whole buffer for (tx hash, log index)
// collisions. A collision is a logic bug, not an expected runtime condition.
func (f *TradeFeed) CheckTradesForDuplicates() error {
	keys := make(map[models.TradeKey]struct{}, len(f.trades))
	for _, trade := range f.trades {
		key := trade.Key()
		if _, dup := keys[key]; dup {
			return fmt.Errorf("duplicate trade in buffer: tx %s log index %d", key.TxHash, key.LogIndex)
		}
		keys[key] = struct{}{}
	}
	return nil
}

// GetLatestPrice returns the price of the pair's most recent trade.
func (f *TradeFeed) GetLatestPrice(pair string) (decimal.Decimal, error) {
	for i := len(f.trades) - 1; i >= 0; i-- {
		if f.trades[i].Pair == pair {
			return f.trades[i].Price, nil
		}
	}
	return decimal.Decimal{}, fmt.Errorf("no trades for pair: %s", pair)
}

// GetLatestTrades returns up to n most recent trades in chronological
// order, optionally filtered to one pair. Pass an empty pair for all pairs.
func (f *TradeFeed) GetLatestTrades(n int, pair string) []models.Trade {
	matching := f.trades
	if pair != "" {
		matching = nil
		for _, trade := range f.trades {
			if trade.Pair == pair {
				matching = append(matching, trade)
			}
		}
	}
	if len(matching) > n {
		matching = matching[len(matching)-n:]
	}
	out := make([]models.Trade, len(matching))
	copy(out, matching)
	return out
}

// CheckEnoughHistory verifies the buffer reaches far enough back for a
// strategy that needs requiredDuration of lookback. tolerance relaxes the
// requirement to a fraction of the duration.
func (f *TradeFeed) CheckEnoughHistory(requiredDuration time.Duration, now time.Time, tolerance float64) error {
	if len(f.trades) == 0 {
		return fmt.Errorf("trade buffer is empty, need %v of history", requiredDuration)
	}
	if tolerance <= 0 || tolerance > 1 {
		tolerance = 1
	}
	needed := time.Duration(float64(requiredDuration) * tolerance)
	earliest := f.trades[0].Timestamp
	available := now.Sub(earliest)
	if available < needed {
		return fmt.Errorf("not enough history: have %v, need %v (tolerance %.2f of %v)",
			available, needed, tolerance, requiredDuration)
	}
	return nil
}

// Restore replaces the buffer with persisted trades, e.g. at process
// restart. Trades are reordered by (block number, log index).
func (f *TradeFeed) Restore(trades []models.Trade) {
	f.trades = make([]models.Trade, len(trades))
	copy(f.trades, trades)
	sort.Slice(f.trades, func(i, j int) bool {
		if f.trades[i].BlockNumber != f.trades[j].BlockNumber {
			return f.trades[i].BlockNumber < f.trades[j].BlockNumber
		}
		return f.trades[i].LogIndex < f.trades[j].LogIndex
	})
	f.seen = make(map[models.TradeKey]struct{}, len(f.trades))
	for _, trade := range f.trades {
		f.seen[trade.Key()] = struct{}{}
	}
}
