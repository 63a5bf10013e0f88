package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mvirta/chainfeed/internal/feed"
	"github.com/mvirta/chainfeed/internal/models"
	"github.com/mvirta/chainfeed/internal/reorgmon"
)

type nullAdapter struct{}

func (nullAdapter) FetchTrades(startBlock, endBlock int64) ([]models.Trade, error) {
	return nil, nil
}

func newFeedFixture(t *testing.T) (*reorgmon.SimulatedChain, *feed.TradeFeed) {
	t.Helper()
	chain := reorgmon.NewSimulatedChain(1, 12*time.Second)
	mon := reorgmon.New(chain, reorgmon.Config{CheckDepth: 200, MaxReorgResolutionAttempts: 10})
	oracles := map[string]feed.PriceOracle{
		"ETH-USDC": feed.NewFixedPriceOracle(decimal.NewFromInt(1)),
	}
	tf, err := models.ParseTimeframe("1m")
	if err != nil {
		t.Fatal(err)
	}
	f, err := feed.New([]string{"ETH-USDC"}, oracles, mon, nullAdapter{}, tf, 0)
	if err != nil {
		t.Fatal(err)
	}
	return chain, f
}

func populate(t *testing.T, chain *reorgmon.SimulatedChain, f *feed.TradeFeed, blocks int64) {
	t.Helper()
	chain.ProduceBlocks(int(blocks))
	if _, err := f.Monitor().UpdateChain(); err != nil {
		t.Fatal(err)
	}

	var trades []models.Trade
	for block := int64(1); block <= blocks; block += 3 {
		ts, err := f.Monitor().BlockTime(block)
		if err != nil {
			t.Fatal(err)
		}
		trades = append(trades, models.Trade{
			Pair:         "ETH-USDC",
			BlockNumber:  block,
			BlockHash:    fmt.Sprintf("0x%x", block),
			Timestamp:    ts,
			TxHash:       fmt.Sprintf("0xtx%d", block),
			LogIndex:     0,
			Price:        decimal.RequireFromString("1999.8765432101234567"),
			Amount:       decimal.RequireFromString("-12.5"),
			ExchangeRate: decimal.NewFromInt(1),
		})
	}
	if _, err := f.AddTrades(trades, 0, 0); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	chain, f := newFeedFixture(t)
	populate(t, chain, f, 25)

	s, err := New(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !s.IsEmpty() {
		t.Fatal("fresh store not empty")
	}
	if err := s.Save(f); err != nil {
		t.Fatal(err)
	}
	if s.IsEmpty() {
		t.Fatal("store empty after save")
	}

	_, restored := newFeedFixture(t)
	found, err := s.Load(restored)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("load found no data")
	}

	if restored.Monitor().LastBlockRead() != f.Monitor().LastBlockRead() {
		t.Fatalf("last block read = %d, want %d",
			restored.Monitor().LastBlockRead(), f.Monitor().LastBlockRead())
	}
	wantBlocks := f.Monitor().BlockRecords()
	gotBlocks := restored.Monitor().BlockRecords()
	if len(gotBlocks) != len(wantBlocks) {
		t.Fatalf("block count = %d, want %d", len(gotBlocks), len(wantBlocks))
	}
	for i := range wantBlocks {
		if gotBlocks[i] != wantBlocks[i] {
			t.Fatalf("block %d differs: %+v vs %+v", i, gotBlocks[i], wantBlocks[i])
		}
	}

	wantTrades := f.Trades()
	gotTrades := restored.Trades()
	if len(gotTrades) != len(wantTrades) {
		t.Fatalf("trade count = %d, want %d", len(gotTrades), len(wantTrades))
	}
	for i := range wantTrades {
		w, g := wantTrades[i], gotTrades[i]
		if g.Key() != w.Key() || g.BlockNumber != w.BlockNumber || !g.Timestamp.Equal(w.Timestamp) {
			t.Fatalf("trade %d identity differs: %+v vs %+v", i, g, w)
		}
		if !g.Price.Equal(w.Price) || !g.Amount.Equal(w.Amount) || !g.ExchangeRate.Equal(w.ExchangeRate) {
			t.Fatalf("trade %d decimals differ: %+v vs %+v", i, g, w)
		}
	}
}

func TestRepeatedSaveIsIdempotent(t *testing.T) {
	chain, f := newFeedFixture(t)
	populate(t, chain, f, 25)

	s, err := New(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Save(f); err != nil {
		t.Fatal(err)
	}
	// Overlapping re-save of the same state.
	if err := s.Save(f); err != nil {
		t.Fatal(err)
	}

	_, restored := newFeedFixture(t)
	found, err := s.Load(restored)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("load found no data")
	}
	if restored.TradeCount() != f.TradeCount() {
		t.Fatalf("trade count after double save = %d, want %d", restored.TradeCount(), f.TradeCount())
	}
	if restored.Monitor().BlockCount() != f.Monitor().BlockCount() {
		t.Fatalf("block count after double save = %d, want %d",
			restored.Monitor().BlockCount(), f.Monitor().BlockCount())
	}
	if err := restored.CheckTradesForDuplicates(); err != nil {
		t.Fatal(err)
	}
}

func TestClear(t *testing.T) {
	chain, f := newFeedFixture(t)
	populate(t, chain, f, 10)

	s, err := New(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Save(f); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if !s.IsEmpty() {
		t.Fatal("store not empty after clear")
	}

	_, restored := newFeedFixture(t)
	found, err := s.Load(restored)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("load found data after clear")
	}
}
