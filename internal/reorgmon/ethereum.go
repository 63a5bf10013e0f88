package reorgmon

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mvirta/chainfeed/internal/models"
)

// EthereumSource reads block headers from a JSON-RPC node.
type EthereumSource struct {
	client  *ethclient.Client
	timeout time.Duration
}

// NewEthereumSource dials the given JSON-RPC endpoint.
func NewEthereumSource(rpcURL string, timeout time.Duration) (*EthereumSource, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EthereumSource{client: client, timeout: timeout}, nil
}

// GetLastBlockLive returns the chain tip block number.
func (s *EthereumSource) GetLastBlockLive() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	number, err := s.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("read chain tip: %w", err)
	}
	return int64(number), nil
}

// GetBlockData reads headers for the inclusive range [startBlock, endBlock].
func (s *EthereumSource) GetBlockData(startBlock, endBlock int64) ([]models.BlockRecord, error) {
	records := make([]models.BlockRecord, 0, endBlock-startBlock+1)
	for block := startBlock; block <= endBlock; block++ {
		record, err := s.readHeader(block)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *EthereumSource) readHeader(blockNumber int64) (models.BlockRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	header, err := s.client.HeaderByNumber(ctx, big.NewInt(blockNumber))
	if err != nil {
		return models.BlockRecord{}, fmt.Errorf("read header %d: %w", blockNumber, err)
	}
	return models.BlockRecord{
		BlockNumber: blockNumber,
		BlockHash:   header.Hash().Hex(),
		Timestamp:   int64(header.Time),
	}, nil
}

// Client exposes the underlying RPC client for log readers.
func (s *EthereumSource) Client() *ethclient.Client {
	return s.client
}

// Close tears down the RPC connection.
func (s *EthereumSource) Close() {
	s.client.Close()
}
