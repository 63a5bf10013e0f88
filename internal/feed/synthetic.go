package feed

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mvirta/chainfeed/internal/models"
	"github.com/mvirta/chainfeed/internal/reorgmon"
)

// SyntheticConfig tunes the random trade generator.
type SyntheticConfig struct {
	RandomSeed         int64
	StartPriceRange    int
	EndPriceRange      int
	MinTradesPerBlock  int
	MaxTradesPerBlock  int
	MinAmount          float64
	MaxAmount          float64
	PriceMovePerTrade  float64
	StartPrices        map[string]float64
}

// DefaultSyntheticConfig returns generator defaults.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		RandomSeed:        1,
		StartPriceRange:   150,
		EndPriceRange:     300,
		MinTradesPerBlock: 0,
		MaxTradesPerBlock: 10,
		MinAmount:         -50,
		MaxAmount:         50,
		PriceMovePerTrade: 2.5,
	}
}

// SyntheticAdapter generates seeded random trades per block per pair. It
// implements VenueAdapter for tests and the synthetic demo mode. Prices
// follow a bounded random walk that never goes below a small floor.
//
// Generated trades are cached per block, so re-reading the chain tip on an
// idle cycle returns the same trades instead of minting fresh tx hashes. A
// cache entry is regenerated when the block hash changed under a simulated
// reorganisation.
type SyntheticAdapter struct {
	mon     *reorgmon.Monitor
	pairs   []string
	oracles map[string]PriceOracle
	cfg     SyntheticConfig
	rng     *rand.Rand
	prices  map[string]float64
	cache   map[int64]generatedBlock
}

type generatedBlock struct {
	blockHash string
	trades    []models.Trade
}

// NewSyntheticAdapter creates a deterministic trade generator for the
// given pairs. Same seed, same trades.
func NewSyntheticAdapter(mon *reorgmon.Monitor, pairs []string, oracles map[string]PriceOracle, cfg SyntheticConfig) *SyntheticAdapter {
	rng := rand.New(rand.NewSource(cfg.RandomSeed))
	prices := make(map[string]float64, len(pairs))
	for _, pair := range pairs {
		if start, ok := cfg.StartPrices[pair]; ok {
			prices[pair] = start
		} else {
			prices[pair] = float64(cfg.StartPriceRange + rng.Intn(cfg.EndPriceRange-cfg.StartPriceRange+1))
		}
	}
	return &SyntheticAdapter{
		mon:     mon,
		pairs:   pairs,
		oracles: oracles,
		cfg:     cfg,
		rng:     rng,
		prices:  prices,
		cache:   make(map[int64]generatedBlock),
	}
}

// FetchTrades generates random trades for the inclusive block range.
// Already generated blocks are served from the cache.
func (a *SyntheticAdapter) FetchTrades(startBlock, endBlock int64) ([]models.Trade, error) {
	var trades []models.Trade
	for block := startBlock; block <= endBlock; block++ {
		record, err := a.mon.BlockRecord(block)
		if err != nil {
			return nil, err
		}
		if cached, ok := a.cache[block]; ok && cached.blockHash == record.BlockHash {
			trades = append(trades, cached.trades...)
			continue
		}

		generated, err := a.generateBlock(record)
		if err != nil {
			return nil, err
		}
		a.cache[block] = generatedBlock{blockHash: record.BlockHash, trades: generated}
		trades = append(trades, generated...)
	}
	return trades, nil
}

func (a *SyntheticAdapter) generateBlock(record models.BlockRecord) ([]models.Trade, error) {
	blockTime, err := a.mon.BlockTime(record.BlockNumber)
	if err != nil {
		return nil, err
	}

	var trades []models.Trade

	// One log index sequence per block, shared across pairs, so
	// (tx hash, log index) stays unique the way real event logs do.
	logIndex := 0
	for _, pair := range a.pairs {
		count := a.cfg.MinTradesPerBlock
		if spread := a.cfg.MaxTradesPerBlock - a.cfg.MinTradesPerBlock; spread > 0 {
			count += a.rng.Intn(spread + 1)
		}
		for i := 0; i < count; i++ {
			a.prices[pair] += a.rng.Float64()*2*a.cfg.PriceMovePerTrade - a.cfg.PriceMovePerTrade
			if a.prices[pair] < 0.00001 {
				a.prices[pair] = 0.00001
			}

			amount := a.cfg.MinAmount + a.rng.Float64()*(a.cfg.MaxAmount-a.cfg.MinAmount)
			if amount == 0 {
				continue
			}

			txHash, err := uuid.NewRandomFromReader(a.rng)
			if err != nil {
				return nil, fmt.Errorf("generate tx hash: %w", err)
			}

			rate, err := a.oracles[pair].CalculatePrice(record.BlockNumber)
			if err != nil {
				return nil, fmt.Errorf("exchange rate for %s: %w", pair, err)
			}

			trades = append(trades, models.Trade{
				Pair:         pair,
				BlockNumber:  record.BlockNumber,
				BlockHash:    record.BlockHash,
				Timestamp:    blockTime,
				TxHash:       "0x" + txHash.String(),
				LogIndex:     logIndex,
				Price:        decimal.NewFromFloat(a.prices[pair]),
				Amount:       decimal.NewFromFloat(amount),
				ExchangeRate: rate,
			})
			logIndex++
		}
	}
	return trades, nil
}
