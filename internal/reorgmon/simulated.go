package reorgmon

import (
	"fmt"
	"time"

	"github.com/mvirta/chainfeed/internal/models"
)

// SimulatedChain is an in-memory chain source for development and tests.
// Blocks are produced on demand and forks can be injected at any height.
type SimulatedChain struct {
	blocks        map[int64]models.BlockRecord
	nextBlock     int64
	blockDuration time.Duration
}

// NewSimulatedChain creates a simulated chain whose first produced block is
// startBlock and whose block timestamps advance by blockDuration.
func NewSimulatedChain(startBlock int64, blockDuration time.Duration) *SimulatedChain {
	if startBlock < 1 {
		startBlock = 1
	}
	return &SimulatedChain{
		blocks:        make(map[int64]models.BlockRecord),
		nextBlock:     startBlock,
		blockDuration: blockDuration,
	}
}

// ProduceBlocks mines count new blocks at the tip.
func (c *SimulatedChain) ProduceBlocks(count int) {
	durSecs := int64(c.blockDuration / time.Second)
	for i := 0; i < count; i++ {
		num := c.nextBlock
		c.blocks[num] = models.BlockRecord{
			BlockNumber: num,
			BlockHash:   fmt.Sprintf("0x%x", num),
			Timestamp:   num * durSecs,
		}
		c.nextBlock++
	}
}

// ProduceFork replaces an already mined block with one carrying a different
// hash, simulating a chain reorganisation. An empty marker uses a default.
func (c *SimulatedChain) ProduceFork(blockNumber int64, marker string) {
	if marker == "" {
		marker = "0x8888"
	}
	record, ok := c.blocks[blockNumber]
	if !ok {
		return
	}
	record.BlockHash = marker
	c.blocks[blockNumber] = record
}

// GetLastBlockLive returns the simulated chain tip.
func (c *SimulatedChain) GetLastBlockLive() (int64, error) {
	return c.nextBlock - 1, nil
}

// GetBlockData returns headers for the inclusive range.
func (c *SimulatedChain) GetBlockData(startBlock, endBlock int64) ([]models.BlockRecord, error) {
	if startBlock > endBlock {
		return nil, fmt.Errorf("invalid block range: %d - %d", startBlock, endBlock)
	}
	records := make([]models.BlockRecord, 0, endBlock-startBlock+1)
	for block := startBlock; block <= endBlock; block++ {
		record, ok := c.blocks[block]
		if !ok {
			return nil, fmt.Errorf("block not mined yet: %d", block)
		}
		records = append(records, record)
	}
	return records, nil
}
