// Package reorgmon watches a blockchain for reorganisations.
//
// The monitor maintains a local mirror of recent block headers, compares it
// against the authoritative chain on every duty cycle, and rewinds its state
// when a previously read block changes hash. It also serves block timestamp
// lookups for the trade feed.
package reorgmon

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mvirta/chainfeed/internal/logger"
	"github.com/mvirta/chainfeed/internal/models"
)

// ChainSource reads block headers from an authoritative chain.
type ChainSource interface {
	// GetLastBlockLive returns the current chain tip block number.
	GetLastBlockLive() (int64, error)

	// GetBlockData reads block headers for the inclusive range [startBlock, endBlock].
	GetBlockData(startBlock, endBlock int64) ([]models.BlockRecord, error)
}

// Resolution is what the monitor thinks about the chain state after one
// UpdateChain pass.
type Resolution struct {
	// LastLiveBlock is the chain tip as reported by the node.
	LastLiveBlock int64

	// LatestBlockWithGoodData is the newest block that needs no rollback.
	LatestBlockWithGoodData int64

	// ReorgDetected tells whether any reorg was seen during this pass.
	ReorgDetected bool
}

// Config holds monitor tuning parameters.
type Config struct {
	// CheckDepth bounds how far behind the last read block reorgs are
	// checked. Older blocks are considered settled.
	CheckDepth int64

	// MaxReorgResolutionAttempts bounds the UpdateChain retry loop.
	MaxReorgResolutionAttempts int

	// ReorgWait is slept between resolution attempts.
	ReorgWait time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		CheckDepth:                 200,
		MaxReorgResolutionAttempts: 10,
		ReorgWait:                  5 * time.Second,
	}
}

// ProgressFunc reports long running header load progress.
type ProgressFunc func(completed, total int64)

// Monitor tracks block number to (hash, timestamp) mappings and detects
// divergence against a live chain source. It has two stable states: empty
// (no blocks) and has-data; reorg resolution is a bounded retry loop layered
// on top, not a persistent state.
//
// A monitor is owned by exactly one feed and must not be shared across
// goroutines.
type Monitor struct {
	source        ChainSource
	blockMap      map[int64]models.BlockRecord
	lastBlockRead int64
	cfg           Config
}

// New creates a monitor reading headers from the given source.
func New(source ChainSource, cfg Config) *Monitor {
	if cfg.CheckDepth < 1 {
		cfg.CheckDepth = DefaultConfig().CheckDepth
	}
	if cfg.MaxReorgResolutionAttempts < 1 {
		cfg.MaxReorgResolutionAttempts = DefaultConfig().MaxReorgResolutionAttempts
	}
	return &Monitor{
		source:   source,
		blockMap: make(map[int64]models.BlockRecord),
		cfg:      cfg,
	}
}

// HasData reports whether any block has been read yet.
func (m *Monitor) HasData() bool {
	return len(m.blockMap) > 0
}

// LastBlockRead returns the newest block number the monitor holds.
func (m *Monitor) LastBlockRead() int64 {
	return m.lastBlockRead
}

// BlockCount returns the number of tracked headers.
func (m *Monitor) BlockCount() int {
	return len(m.blockMap)
}

// AddBlock adds a new block to header tracking. Blocks must be added
// strictly in order.
func (m *Monitor) AddBlock(record models.BlockRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if _, ok := m.blockMap[record.BlockNumber]; ok {
		return fmt.Errorf("block already added: %d", record.BlockNumber)
	}
	if m.lastBlockRead != 0 && m.lastBlockRead != record.BlockNumber-1 {
		return fmt.Errorf("blocks must be added in order: last read %d, got %d",
			m.lastBlockRead, record.BlockNumber)
	}
	m.blockMap[record.BlockNumber] = record
	m.lastBlockRead = record.BlockNumber
	return nil
}

// CheckBlockReorg checks that a newly read block matches our record.
// Unknown blocks are accepted silently; a hash mismatch returns
// *ChainReorganisationDetected.
func (m *Monitor) CheckBlockReorg(blockNumber int64, blockHash string) error {
	original, ok := m.blockMap[blockNumber]
	if !ok {
		return nil
	}
	if original.BlockHash != blockHash {
		return &ChainReorganisationDetected{
			BlockNumber:  blockNumber,
			OriginalHash: original.BlockHash,
			NewHash:      blockHash,
		}
	}
	return nil
}

// Truncate deletes all records after latestGoodBlock because a chain reorg
// happened, and resets the read cursor to it.
func (m *Monitor) Truncate(latestGoodBlock int64) error {
	if m.lastBlockRead == 0 {
		return errors.New("cannot truncate a monitor that has never read blocks")
	}
	for block := latestGoodBlock + 1; block <= m.lastBlockRead; block++ {
		delete(m.blockMap, block)
	}
	m.lastBlockRead = latestGoodBlock
	return nil
}

// FigureReorganisationAndNewBlocks compares the local block database against
// live chain data: re-reads headers from the check depth window up to the
// chain tip, detects reorgs and adds new blocks.
func (m *Monitor) FigureReorganisationAndNewBlocks() error {
	chainLast, err := m.source.GetLastBlockLive()
	if err != nil {
		return fmt.Errorf("read chain tip: %w", err)
	}
	checkStart := m.lastBlockRead - m.cfg.CheckDepth
	if checkStart < 1 {
		checkStart = 1
	}
	if chainLast < checkStart {
		return nil
	}
	blocks, err := m.source.GetBlockData(checkStart, chainLast)
	if err != nil {
		return fmt.Errorf("read block headers %d - %d: %w", checkStart, chainLast, err)
	}
	for _, b := range blocks {
		if err := m.CheckBlockReorg(b.BlockNumber, b.BlockHash); err != nil {
			return err
		}
		if _, known := m.blockMap[b.BlockNumber]; !known {
			if err := m.AddBlock(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateChain resolves the chain state with bounded retries.
//
// A fork can cause further forks while we are resolving, so each detected
// reorg truncates local state and retries after a wait. The minimum
// invalidated block across attempts is tracked so cascading reorgs purge
// deep enough. If attempts exhaust, the node is considered unstable and
// *ReorganisationResolutionFailure is returned; the caller must halt.
func (m *Monitor) UpdateChain() (Resolution, error) {
	triesLeft := m.cfg.MaxReorgResolutionAttempts
	maxPurge := m.lastBlockRead
	reorgDetected := false

	for triesLeft > 0 {
		err := m.FigureReorganisationAndNewBlocks()
		if err == nil {
			return Resolution{
				LastLiveBlock:           m.lastBlockRead,
				LatestBlockWithGoodData: maxPurge,
				ReorgDetected:           reorgDetected,
			}, nil
		}

		var reorg *ChainReorganisationDetected
		if !errors.As(err, &reorg) {
			return Resolution{}, err
		}
		logger.Info("Chain reorganisation detected: %v", reorg)

		latestGoodBlock := reorg.BlockNumber - 1
		reorgDetected = true
		if maxPurge > 0 {
			if latestGoodBlock < maxPurge {
				maxPurge = latestGoodBlock
			}
		} else {
			maxPurge = reorg.BlockNumber
		}

		if err := m.Truncate(latestGoodBlock); err != nil {
			return Resolution{}, err
		}
		triesLeft--
		time.Sleep(m.cfg.ReorgWait)
	}

	return Resolution{}, &ReorganisationResolutionFailure{
		LastBlockRead: m.lastBlockRead,
		Attempts:      m.cfg.MaxReorgResolutionAttempts,
	}
}

// GetBlockTimestamp returns the UNIX UTC timestamp of a block.
func (m *Monitor) GetBlockTimestamp(blockNumber int64) (int64, error) {
	if len(m.blockMap) == 0 {
		return 0, &BlockNotAvailable{BlockNumber: blockNumber}
	}
	record, ok := m.blockMap[blockNumber]
	if !ok {
		live, _ := m.source.GetLastBlockLive()
		return 0, &BlockNotAvailable{
			BlockNumber:   blockNumber,
			LastRecorded:  m.lastBlockRead,
			LastLiveBlock: live,
		}
	}
	return record.Timestamp, nil
}

// BlockTime returns the block timestamp as UTC wall clock time.
func (m *Monitor) BlockTime(blockNumber int64) (time.Time, error) {
	ts, err := m.GetBlockTimestamp(blockNumber)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0).UTC(), nil
}

// BlockRecord returns the tracked record for a block.
func (m *Monitor) BlockRecord(blockNumber int64) (models.BlockRecord, error) {
	record, ok := m.blockMap[blockNumber]
	if !ok {
		return models.BlockRecord{}, &BlockNotAvailable{
			BlockNumber:  blockNumber,
			LastRecorded: m.lastBlockRead,
		}
	}
	return record, nil
}

// LoadInitialBlockHeaders fills the initial block buffer from the chain:
// [max(head-blockCount, 1), head], skipping anything already restored from
// disk. Returns the loaded block range.
func (m *Monitor) LoadInitialBlockHeaders(blockCount int64, progress ProgressFunc) (int64, int64, error) {
	endBlock, err := m.source.GetLastBlockLive()
	if err != nil {
		return 0, 0, fmt.Errorf("read chain tip: %w", err)
	}
	startBlock := endBlock - blockCount
	if startBlock < 1 {
		startBlock = 1
	}
	if m.lastBlockRead >= startBlock {
		startBlock = m.lastBlockRead + 1
	}

	total := endBlock - startBlock + 1
	for block := startBlock; block <= endBlock; block++ {
		records, err := m.source.GetBlockData(block, block)
		if err != nil {
			return 0, 0, fmt.Errorf("read block header %d: %w", block, err)
		}
		for _, record := range records {
			if err := m.AddBlock(record); err != nil {
				return 0, 0, err
			}
		}
		if progress != nil {
			progress(block-startBlock+1, total)
		}
	}
	return startBlock, endBlock, nil
}

// Restore replaces the monitor state with previously persisted records.
func (m *Monitor) Restore(records []models.BlockRecord) {
	m.blockMap = make(map[int64]models.BlockRecord, len(records))
	m.lastBlockRead = 0
	for _, record := range records {
		m.blockMap[record.BlockNumber] = record
		if record.BlockNumber > m.lastBlockRead {
			m.lastBlockRead = record.BlockNumber
		}
	}
}

// BlockRecords returns all tracked headers in ascending block order.
func (m *Monitor) BlockRecords() []models.BlockRecord {
	records := make([]models.BlockRecord, 0, len(m.blockMap))
	for _, record := range m.blockMap {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].BlockNumber < records[j].BlockNumber
	})
	return records
}
