package uniswap

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/mvirta/chainfeed/internal/logger"
)

var (
	swapTopic = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
	syncTopic = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))
)

// LogReaderConfig tunes the event log fetch.
type LogReaderConfig struct {
	// ChunkSize is the number of blocks covered by one eth_getLogs call.
	ChunkSize int64

	// MaxWorkers bounds the number of parallel eth_getLogs calls. One
	// ReadEvents call fully joins before returning, so the parallelism
	// never leaks partial results.
	MaxWorkers int

	// Timeout applies per RPC call.
	Timeout time.Duration
}

// DefaultLogReaderConfig returns the log reader defaults.
func DefaultLogReaderConfig() LogReaderConfig {
	return LogReaderConfig{
		ChunkSize:  100,
		MaxWorkers: 8,
		Timeout:    30 * time.Second,
	}
}

// LogReader reads Swap and Sync events from pool contracts over JSON-RPC.
// It implements EventReader.
type LogReader struct {
	client    *ethclient.Client
	addresses []common.Address
	cfg       LogReaderConfig
}

// NewLogReader creates a reader filtering to the given pool addresses.
func NewLogReader(client *ethclient.Client, poolAddresses []string, cfg LogReaderConfig) *LogReader {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultLogReaderConfig().ChunkSize
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	addresses := make([]common.Address, len(poolAddresses))
	for i, addr := range poolAddresses {
		addresses[i] = common.HexToAddress(addr)
	}
	return &LogReader{
		client:    client,
		addresses: addresses,
		cfg:       cfg,
	}
}

// ReadEvents fetches Swap and Sync logs for the inclusive block range,
// chunked and fetched in parallel, and returns them ordered by
// (block number, log index).
func (r *LogReader) ReadEvents(startBlock, endBlock int64) ([]RawEvent, error) {
	if startBlock > endBlock {
		return nil, fmt.Errorf("invalid block range: %d - %d", startBlock, endBlock)
	}

	type chunk struct {
		from, to int64
	}
	var chunks []chunk
	for from := startBlock; from <= endBlock; from += r.cfg.ChunkSize {
		to := from + r.cfg.ChunkSize - 1
		if to > endBlock {
			to = endBlock
		}
		chunks = append(chunks, chunk{from: from, to: to})
	}

	results := make([][]RawEvent, len(chunks))
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxWorkers)
	for i, c := range chunks {
		g.Go(func() error {
			events, err := r.readChunk(c.from, c.to)
			if err != nil {
				return err
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var events []RawEvent
	for _, part := range results {
		events = append(events, part...)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	logger.Debug("Read %d pool events in %d chunks for blocks %d - %d",
		len(events), len(chunks), startBlock, endBlock)
	return events, nil
}

func (r *LogReader) readChunk(fromBlock, toBlock int64) ([]RawEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(fromBlock),
		ToBlock:   big.NewInt(toBlock),
		Addresses: r.addresses,
		Topics:    [][]common.Hash{{swapTopic, syncTopic}},
	}
	logs, err := r.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d - %d: %w", fromBlock, toBlock, err)
	}

	events := make([]RawEvent, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		evt, err := decodeLog(log)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// decodeLog unpacks one raw log into a RawEvent. Swap data carries four
// uint256 amounts, Sync data two uint112 reserves, all as 32 byte words.
func decodeLog(log types.Log) (RawEvent, error) {
	evt := RawEvent{
		Address:     strings.ToLower(log.Address.Hex()),
		BlockNumber: int64(log.BlockNumber),
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    int(log.Index),
	}

	if len(log.Topics) == 0 {
		return RawEvent{}, fmt.Errorf("log without topics: tx %s", evt.TxHash)
	}

	switch log.Topics[0] {
	case swapTopic:
		words, err := splitWords(log.Data, 4)
		if err != nil {
			return RawEvent{}, fmt.Errorf("bad Swap() data in tx %s: %w", evt.TxHash, err)
		}
		evt.Kind = EventSwap
		evt.Amount0In = words[0]
		evt.Amount1In = words[1]
		evt.Amount0Out = words[2]
		evt.Amount1Out = words[3]
	case syncTopic:
		words, err := splitWords(log.Data, 2)
		if err != nil {
			return RawEvent{}, fmt.Errorf("bad Sync() data in tx %s: %w", evt.TxHash, err)
		}
		evt.Kind = EventSync
		evt.Reserve0 = words[0]
		evt.Reserve1 = words[1]
	default:
		return RawEvent{}, fmt.Errorf("unexpected event topic %s in tx %s", log.Topics[0].Hex(), evt.TxHash)
	}
	return evt, nil
}

func splitWords(data []byte, count int) ([]*big.Int, error) {
	if len(data) != count*32 {
		return nil, fmt.Errorf("expected %d words, got %d bytes", count, len(data))
	}
	words := make([]*big.Int, count)
	for i := 0; i < count; i++ {
		words[i] = new(big.Int).SetBytes(data[i*32 : (i+1)*32])
	}
	return words, nil
}
