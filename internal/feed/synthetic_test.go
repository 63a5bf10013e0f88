package feed

import (
	"testing"
	"time"

	"github.com/mvirta/chainfeed/internal/candles"
	"github.com/mvirta/chainfeed/internal/models"
	"github.com/mvirta/chainfeed/internal/reorgmon"
)

func TestSyntheticAdapterDeterminism(t *testing.T) {
	pairs := []string{"AAA", "BBB"}

	generate := func() []models.Trade {
		chain := reorgmon.NewSimulatedChain(1, time.Second)
		chain.ProduceBlocks(20)
		mon := reorgmon.New(chain, testMonitorConfig())
		if _, err := mon.UpdateChain(); err != nil {
			t.Fatal(err)
		}
		adapter := NewSyntheticAdapter(mon, pairs, fixedOracles(pairs...), DefaultSyntheticConfig())
		trades, err := adapter.FetchTrades(1, 20)
		if err != nil {
			t.Fatal(err)
		}
		return trades
	}

	first := generate()
	second := generate()
	if len(first) == 0 {
		t.Fatal("no trades generated")
	}
	if len(first) != len(second) {
		t.Fatalf("trade counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].TxHash != second[i].TxHash || !first[i].Price.Equal(second[i].Price) {
			t.Fatalf("generation not deterministic at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

// An idle duty cycle re-reads the tip block; repeated fetches of the same
// block must return the same trades, not freshly minted tx hashes.
func TestSyntheticAdapterRereadIsStable(t *testing.T) {
	pairs := []string{"AAA"}
	chain := reorgmon.NewSimulatedChain(1, time.Second)
	chain.ProduceBlocks(10)
	mon := reorgmon.New(chain, testMonitorConfig())
	if _, err := mon.UpdateChain(); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultSyntheticConfig()
	cfg.MinTradesPerBlock = 1
	adapter := NewSyntheticAdapter(mon, pairs, fixedOracles(pairs...), cfg)

	first, err := adapter.FetchTrades(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	second, err := adapter.FetchTrades(10, 10)
	if err != nil {
		t.Fatal(err)
	}

	var tip []models.Trade
	for _, trade := range first {
		if trade.BlockNumber == 10 {
			tip = append(tip, trade)
		}
	}
	if len(tip) == 0 {
		t.Fatal("no trades in the tip block")
	}
	if len(second) != len(tip) {
		t.Fatalf("re-read trade count = %d, want %d", len(second), len(tip))
	}
	for i := range tip {
		if second[i].TxHash != tip[i].TxHash || !second[i].Price.Equal(tip[i].Price) {
			t.Fatalf("re-read changed trade %d: %+v vs %+v", i, second[i], tip[i])
		}
	}
}

// After a simulated fork the block hash changes, so the cached trades for
// that block are thrown away and regenerated with the new hash.
func TestSyntheticAdapterRegeneratesAfterFork(t *testing.T) {
	pairs := []string{"AAA"}
	chain := reorgmon.NewSimulatedChain(1, time.Second)
	chain.ProduceBlocks(10)
	mon := reorgmon.New(chain, testMonitorConfig())
	if _, err := mon.UpdateChain(); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultSyntheticConfig()
	cfg.MinTradesPerBlock = 1
	adapter := NewSyntheticAdapter(mon, pairs, fixedOracles(pairs...), cfg)
	if _, err := adapter.FetchTrades(1, 10); err != nil {
		t.Fatal(err)
	}

	chain.ProduceFork(10, "")
	if _, err := mon.UpdateChain(); err != nil {
		t.Fatal(err)
	}

	trades, err := adapter.FetchTrades(10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) == 0 {
		t.Fatal("no trades after fork")
	}
	record, err := mon.BlockRecord(10)
	if err != nil {
		t.Fatal(err)
	}
	for _, trade := range trades {
		if trade.BlockHash != record.BlockHash {
			t.Fatalf("trade carries a stale block hash: %s, want %s", trade.BlockHash, record.BlockHash)
		}
	}
}

func TestSyntheticTradesAreOrderedAndUnique(t *testing.T) {
	pairs := []string{"AAA", "BBB"}
	chain := reorgmon.NewSimulatedChain(1, time.Second)
	chain.ProduceBlocks(50)
	mon := reorgmon.New(chain, testMonitorConfig())
	if _, err := mon.UpdateChain(); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultSyntheticConfig()
	cfg.MinTradesPerBlock = 1
	adapter := NewSyntheticAdapter(mon, pairs, fixedOracles(pairs...), cfg)
	trades, err := adapter.FetchTrades(1, 50)
	if err != nil {
		t.Fatal(err)
	}

	keys := make(map[models.TradeKey]struct{})
	var lastBlock int64
	for _, trade := range trades {
		if err := trade.Validate(); err != nil {
			t.Fatalf("invalid trade: %v", err)
		}
		if trade.BlockNumber < lastBlock {
			t.Fatalf("trades out of block order at block %d", trade.BlockNumber)
		}
		lastBlock = trade.BlockNumber
		if _, dup := keys[trade.Key()]; dup {
			t.Fatalf("duplicate trade key: %+v", trade.Key())
		}
		keys[trade.Key()] = struct{}{}
	}
}

// One hundred blocks of twelve seconds span minutes 0 through 20 inclusive,
// so a one minute timeframe yields exactly 21 candles per pair.
func TestSyntheticCandleScenario(t *testing.T) {
	pairs := []string{"ETH-USDC", "AAVE-ETH"}
	chain := reorgmon.NewSimulatedChain(1, 12*time.Second)
	chain.ProduceBlocks(100)
	mon := reorgmon.New(chain, testMonitorConfig())

	oracles := fixedOracles(pairs...)
	cfg := DefaultSyntheticConfig()
	cfg.MinTradesPerBlock = 1
	cfg.MaxTradesPerBlock = 4
	adapter := NewSyntheticAdapter(mon, pairs, oracles, cfg)

	tf, err := models.ParseTimeframe("1m")
	if err != nil {
		t.Fatal(err)
	}
	f, err := New(pairs, oracles, mon, adapter, tf, 0)
	if err != nil {
		t.Fatal(err)
	}

	delta, err := f.BackfillBuffer(100, nil)
	if err != nil {
		t.Fatal(err)
	}

	cf := candles.NewCandleFeed(tf)
	cf.ApplyDelta(delta)

	for _, pair := range pairs {
		rows := cf.GetCandlesByPair(pair)
		if len(rows) != 21 {
			t.Fatalf("%s: candle count = %d, want 21", pair, len(rows))
		}
		for i := 1; i < len(rows); i++ {
			if !rows[i].Timestamp.After(rows[i-1].Timestamp) {
				t.Fatalf("%s: candle timestamps not strictly increasing", pair)
			}
		}
	}
	if cf.GetLastBlockNumber() != 100 {
		t.Fatalf("last block = %d, want 100", cf.GetLastBlockNumber())
	}
}
