package reorgmon

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mvirta/chainfeed/internal/models"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReorgWait = 0
	return cfg
}

func TestAddBlockInOrder(t *testing.T) {
	mon := New(NewSimulatedChain(1, time.Second), testConfig())

	if mon.HasData() {
		t.Fatal("fresh monitor should be empty")
	}

	for i := int64(1); i <= 3; i++ {
		err := mon.AddBlock(models.BlockRecord{BlockNumber: i, BlockHash: fmt.Sprintf("0x%x", i), Timestamp: i})
		if err != nil {
			t.Fatalf("add block %d: %v", i, err)
		}
	}

	if mon.LastBlockRead() != 3 {
		t.Fatalf("last block read = %d, want 3", mon.LastBlockRead())
	}

	// Skipping a block must be rejected.
	err := mon.AddBlock(models.BlockRecord{BlockNumber: 5, BlockHash: "0x5", Timestamp: 5})
	if err == nil {
		t.Fatal("out of order add accepted")
	}

	// Re-adding an existing block must be rejected.
	err = mon.AddBlock(models.BlockRecord{BlockNumber: 2, BlockHash: "0x2", Timestamp: 2})
	if err == nil {
		t.Fatal("duplicate add accepted")
	}
}

func TestCheckBlockReorg(t *testing.T) {
	mon := New(NewSimulatedChain(1, time.Second), testConfig())
	mon.AddBlock(models.BlockRecord{BlockNumber: 1, BlockHash: "0x1", Timestamp: 1})

	if err := mon.CheckBlockReorg(1, "0x1"); err != nil {
		t.Fatalf("matching hash flagged: %v", err)
	}
	if err := mon.CheckBlockReorg(99, "0xdead"); err != nil {
		t.Fatalf("unknown block flagged: %v", err)
	}

	err := mon.CheckBlockReorg(1, "0xbad")
	var reorg *ChainReorganisationDetected
	if !errors.As(err, &reorg) {
		t.Fatalf("expected ChainReorganisationDetected, got %v", err)
	}
	if reorg.BlockNumber != 1 || reorg.OriginalHash != "0x1" || reorg.NewHash != "0xbad" {
		t.Fatalf("bad reorg details: %+v", reorg)
	}
}

func TestTruncate(t *testing.T) {
	mon := New(NewSimulatedChain(1, time.Second), testConfig())

	if err := mon.Truncate(0); err == nil {
		t.Fatal("truncating an empty monitor should fail")
	}

	for i := int64(1); i <= 5; i++ {
		mon.AddBlock(models.BlockRecord{BlockNumber: i, BlockHash: fmt.Sprintf("0x%x", i), Timestamp: i})
	}
	if err := mon.Truncate(2); err != nil {
		t.Fatal(err)
	}
	if mon.LastBlockRead() != 2 {
		t.Fatalf("last block read = %d, want 2", mon.LastBlockRead())
	}
	if mon.BlockCount() != 2 {
		t.Fatalf("block count = %d, want 2", mon.BlockCount())
	}

	// The monitor can resume appending from the truncation point.
	if err := mon.AddBlock(models.BlockRecord{BlockNumber: 3, BlockHash: "0xnew", Timestamp: 3}); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
}

func TestUpdateChainNoReorg(t *testing.T) {
	chain := NewSimulatedChain(1, time.Second)
	chain.ProduceBlocks(10)

	mon := New(chain, testConfig())
	res, err := mon.UpdateChain()
	if err != nil {
		t.Fatal(err)
	}
	if res.ReorgDetected {
		t.Fatal("reorg detected on a clean chain")
	}
	if res.LastLiveBlock != 10 {
		t.Fatalf("last live block = %d, want 10", res.LastLiveBlock)
	}
	if mon.LastBlockRead() != 10 {
		t.Fatalf("last block read = %d, want 10", mon.LastBlockRead())
	}

	// New blocks get picked up on the next pass.
	chain.ProduceBlocks(5)
	res, err = mon.UpdateChain()
	if err != nil {
		t.Fatal(err)
	}
	if res.LastLiveBlock != 15 {
		t.Fatalf("last live block = %d, want 15", res.LastLiveBlock)
	}
}

func TestUpdateChainDetectsFork(t *testing.T) {
	chain := NewSimulatedChain(1, time.Second)
	chain.ProduceBlocks(10)

	mon := New(chain, testConfig())
	if _, err := mon.UpdateChain(); err != nil {
		t.Fatal(err)
	}

	chain.ProduceFork(8, "")
	chain.ProduceBlocks(2)

	res, err := mon.UpdateChain()
	if err != nil {
		t.Fatal(err)
	}
	if !res.ReorgDetected {
		t.Fatal("fork not detected")
	}
	if res.LatestBlockWithGoodData != 7 {
		t.Fatalf("latest good block = %d, want 7", res.LatestBlockWithGoodData)
	}
	if mon.LastBlockRead() != 12 {
		t.Fatalf("last block read = %d, want 12", mon.LastBlockRead())
	}

	// The forked block's new hash is now the recorded one.
	record, err := mon.BlockRecord(8)
	if err != nil {
		t.Fatal(err)
	}
	if record.BlockHash != "0x8888" {
		t.Fatalf("forked block hash = %s, want 0x8888", record.BlockHash)
	}
}

// cascadeChain forks at a progressively lower block on every read, so each
// resolution attempt hits a mismatch at a block the monitor still holds and
// resolution can never converge.
type cascadeChain struct {
	*SimulatedChain
	forkAt int64
}

func (c *cascadeChain) GetBlockData(startBlock, endBlock int64) ([]models.BlockRecord, error) {
	records, err := c.SimulatedChain.GetBlockData(startBlock, endBlock)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].BlockNumber >= c.forkAt {
			records[i].BlockHash = fmt.Sprintf("0x%x-fork-%d", records[i].BlockNumber, c.forkAt)
		}
	}
	c.forkAt--
	return records, nil
}

func TestUpdateChainResolutionFailure(t *testing.T) {
	chain := &cascadeChain{SimulatedChain: NewSimulatedChain(1, time.Second), forkAt: 5}
	chain.ProduceBlocks(5)

	cfg := testConfig()
	cfg.MaxReorgResolutionAttempts = 3
	mon := New(chain, cfg)
	for i := int64(1); i <= 5; i++ {
		mon.AddBlock(models.BlockRecord{BlockNumber: i, BlockHash: fmt.Sprintf("0x%x", i), Timestamp: i})
	}

	_, err := mon.UpdateChain()
	var failure *ReorganisationResolutionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected ReorganisationResolutionFailure, got %v", err)
	}
	if failure.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", failure.Attempts)
	}
}

func TestBlockTimestampLookup(t *testing.T) {
	chain := NewSimulatedChain(1, 12*time.Second)
	chain.ProduceBlocks(3)

	mon := New(chain, testConfig())

	_, err := mon.GetBlockTimestamp(1)
	var missing *BlockNotAvailable
	if !errors.As(err, &missing) {
		t.Fatalf("expected BlockNotAvailable from empty monitor, got %v", err)
	}

	if _, err := mon.UpdateChain(); err != nil {
		t.Fatal(err)
	}

	ts, err := mon.GetBlockTimestamp(2)
	if err != nil {
		t.Fatal(err)
	}
	if ts != 24 {
		t.Fatalf("timestamp = %d, want 24", ts)
	}

	bt, err := mon.BlockTime(3)
	if err != nil {
		t.Fatal(err)
	}
	if !bt.Equal(time.Unix(36, 0).UTC()) {
		t.Fatalf("block time = %v", bt)
	}

	_, err = mon.GetBlockTimestamp(100)
	if !errors.As(err, &missing) {
		t.Fatalf("expected BlockNotAvailable for future block, got %v", err)
	}
}

func TestLoadInitialBlockHeaders(t *testing.T) {
	chain := NewSimulatedChain(1, time.Second)
	chain.ProduceBlocks(50)

	mon := New(chain, testConfig())
	var calls int64
	start, end, err := mon.LoadInitialBlockHeaders(10, func(completed, total int64) {
		calls = completed
	})
	if err != nil {
		t.Fatal(err)
	}
	if start != 40 || end != 50 {
		t.Fatalf("loaded range %d - %d, want 40 - 50", start, end)
	}
	if calls != 11 {
		t.Fatalf("progress calls = %d, want 11", calls)
	}

	// A second load only reads blocks past the current cursor.
	chain.ProduceBlocks(2)
	start, end, err = mon.LoadInitialBlockHeaders(10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if start != 51 || end != 52 {
		t.Fatalf("incremental range %d - %d, want 51 - 52", start, end)
	}
}

func TestRestore(t *testing.T) {
	mon := New(NewSimulatedChain(1, time.Second), testConfig())
	mon.Restore([]models.BlockRecord{
		{BlockNumber: 3, BlockHash: "0x3", Timestamp: 3},
		{BlockNumber: 1, BlockHash: "0x1", Timestamp: 1},
		{BlockNumber: 2, BlockHash: "0x2", Timestamp: 2},
	})

	if mon.LastBlockRead() != 3 {
		t.Fatalf("last block read = %d, want 3", mon.LastBlockRead())
	}
	records := mon.BlockRecords()
	if len(records) != 3 {
		t.Fatalf("record count = %d", len(records))
	}
	for i, record := range records {
		if record.BlockNumber != int64(i+1) {
			t.Fatalf("records not sorted: %+v", records)
		}
	}
}
