// Package uniswap decodes Uniswap v2 style swap events into trades.
//
// Price discovery is stateful: each Swap() event is paired with the Sync()
// event preceding it in the same transaction, because the swap amounts alone
// do not carry the pool reserves needed to compute the price.
package uniswap

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mvirta/chainfeed/internal/feed"
	"github.com/mvirta/chainfeed/internal/logger"
	"github.com/mvirta/chainfeed/internal/models"
	"github.com/mvirta/chainfeed/internal/reorgmon"
)

// TokenDetails describes one ERC-20 token of a pair.
type TokenDetails struct {
	Address  string
	Symbol   string
	Decimals int32
}

// PairDetails describes one Uniswap v2 pool.
type PairDetails struct {
	// Address is the pool contract address, lowercased.
	Address string

	Token0 TokenDetails
	Token1 TokenDetails

	// ReverseTokenOrder is set when the human readable base/quote order
	// is the opposite of the contract's token0/token1 order, e.g. the
	// pool is USDC/WETH but we quote WETH/USDC.
	ReverseTokenOrder bool
}

// PairID returns the pair identifier used in the trade ledger.
func (p PairDetails) PairID() string {
	return strings.ToLower(p.Address)
}

// BaseToken returns the base token honoring the reverse flag.
func (p PairDetails) BaseToken() TokenDetails {
	if p.ReverseTokenOrder {
		return p.Token1
	}
	return p.Token0
}

// QuoteToken returns the quote token honoring the reverse flag.
func (p PairDetails) QuoteToken() TokenDetails {
	if p.ReverseTokenOrder {
		return p.Token0
	}
	return p.Token1
}

// EventKind tells which pool event a raw log decoded into.
type EventKind int

const (
	EventSync EventKind = iota
	EventSwap
)

// RawEvent is a decoded but uninterpreted pool event.
type RawEvent struct {
	Kind EventKind

	// Address is the emitting pool contract, lowercased.
	Address     string
	BlockNumber int64
	BlockHash   string
	TxHash      string
	LogIndex    int

	// Swap payload.
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int

	// Sync payload.
	Reserve0 *big.Int
	Reserve1 *big.Int
}

// EventReader reads raw pool events for a block range in
// (block number, log index) order.
type EventReader interface {
	ReadEvents(startBlock, endBlock int64) ([]RawEvent, error)
}

// Adapter converts raw pool events into trades. It implements
// feed.VenueAdapter.
type Adapter struct {
	reader  EventReader
	mon     *reorgmon.Monitor
	pairs   map[string]PairDetails
	oracles map[string]feed.PriceOracle
}

// NewAdapter creates a venue adapter for the given pools. Every pool must
// have an exchange rate oracle keyed by its pair identifier.
func NewAdapter(reader EventReader, mon *reorgmon.Monitor, pairs []PairDetails, oracles map[string]feed.PriceOracle) (*Adapter, error) {
	byAddress := make(map[string]PairDetails, len(pairs))
	for _, pair := range pairs {
		id := pair.PairID()
		if _, ok := oracles[id]; !ok {
			return nil, fmt.Errorf("exchange rate oracle missing for pair %s", id)
		}
		byAddress[id] = pair
	}
	return &Adapter{
		reader:  reader,
		mon:     mon,
		pairs:   byAddress,
		oracles: oracles,
	}, nil
}

// Pairs returns the tracked pair identifiers.
func (a *Adapter) Pairs() []string {
	out := make([]string, 0, len(a.pairs))
	for id := range a.pairs {
		out = append(out, id)
	}
	return out
}

// FetchTrades reads pool events for the inclusive block range and decodes
// them into trades. Swaps that cannot be interpreted are dropped with a
// debug log; they are crafted by buggy bots and carry no usable price.
func (a *Adapter) FetchTrades(startBlock, endBlock int64) ([]models.Trade, error) {
	events, err := a.reader.ReadEvents(startBlock, endBlock)
	if err != nil {
		return nil, fmt.Errorf("read pool events %d - %d: %w", startBlock, endBlock, err)
	}

	var trades []models.Trade
	lastSync := make(map[string]RawEvent)
	seen := make(map[models.TradeKey]struct{})

	for _, evt := range events {
		switch evt.Kind {
		case EventSync:
			lastSync[evt.Address] = evt
		case EventSwap:
			key := models.TradeKey{TxHash: evt.TxHash, LogIndex: evt.LogIndex}
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("swap read twice: tx %s log index %d", evt.TxHash, evt.LogIndex)
			}
			seen[key] = struct{}{}

			trade, ok := a.constructTrade(lastSync, evt)
			if ok {
				trades = append(trades, trade)
			}
		default:
			return nil, fmt.Errorf("cannot handle event kind %d", evt.Kind)
		}
	}

	logger.Debug("Decoded %d events into %d trades for blocks %d - %d",
		len(events), len(trades), startBlock, endBlock)
	return trades, nil
}

// constructTrade pairs a swap with its preceding sync and derives the
// price from the pool reserves.
func (a *Adapter) constructTrade(lastSync map[string]RawEvent, swap RawEvent) (models.Trade, bool) {
	sync, ok := lastSync[swap.Address]
	if !ok {
		logger.Debug("Could not match Sync() for Swap(): tx %s", swap.TxHash)
		return models.Trade{}, false
	}
	if sync.TxHash != swap.TxHash {
		logger.Debug("Sync and swap do not follow pool logic: tx %s vs %s", sync.TxHash, swap.TxHash)
		return models.Trade{}, false
	}

	pair, ok := a.pairs[swap.Address]
	if !ok {
		logger.Debug("Swap from an untracked pool: %s", swap.Address)
		return models.Trade{}, false
	}

	reserve0 := decimal.NewFromBigInt(sync.Reserve0, -pair.Token0.Decimals)
	reserve1 := decimal.NewFromBigInt(sync.Reserve1, -pair.Token1.Decimals)
	amount0In := decimal.NewFromBigInt(swap.Amount0In, -pair.Token0.Decimals)
	amount1In := decimal.NewFromBigInt(swap.Amount1In, -pair.Token1.Decimals)
	amount0Out := decimal.NewFromBigInt(swap.Amount0Out, -pair.Token0.Decimals)
	amount1Out := decimal.NewFromBigInt(swap.Amount1Out, -pair.Token1.Decimals)

	kind, price, amount := calculateReservePriceInQuoteToken(
		pair.ReverseTokenOrder, reserve0, reserve1,
		amount0In, amount1In, amount0Out, amount1Out)
	if kind == swapInvalid {
		logger.Debug("Could not determine trade: tx %s log index %d", swap.TxHash, swap.LogIndex)
		return models.Trade{}, false
	}
	if kind == swapSell {
		amount = amount.Neg()
	}

	rate, err := a.oracles[pair.PairID()].CalculatePrice(swap.BlockNumber)
	if err != nil {
		logger.Warn("Exchange rate lookup failed for %s at block %d: %v", pair.PairID(), swap.BlockNumber, err)
		return models.Trade{}, false
	}

	timestamp, err := a.mon.BlockTime(swap.BlockNumber)
	if err != nil {
		logger.Warn("No timestamp for block %d: %v", swap.BlockNumber, err)
		return models.Trade{}, false
	}

	return models.Trade{
		Pair:         pair.PairID(),
		BlockNumber:  swap.BlockNumber,
		BlockHash:    swap.BlockHash,
		Timestamp:    timestamp,
		TxHash:       swap.TxHash,
		LogIndex:     swap.LogIndex,
		Price:        price,
		Amount:       amount,
		ExchangeRate: rate,
	}, true
}

type swapKind int

const (
	swapInvalid swapKind = iota
	swapBuy
	swapSell
)

// calculateReservePriceInQuoteToken derives the market price from the pool
// reserves and classifies the swap direction. When reversed, the quote
// token is token0 instead of token1. Returns the price and the traded
// volume in the quote token.
func calculateReservePriceInQuoteToken(reversed bool, reserve0, reserve1, amount0In, amount1In, amount0Out, amount1Out decimal.Decimal) (swapKind, decimal.Decimal, decimal.Decimal) {
	zero := decimal.Decimal{}

	if reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return swapInvalid, zero, zero
	}
	// One of those funny txs with matching in and out amounts.
	if amount0In.Equal(amount0Out) {
		return swapInvalid, zero, zero
	}

	var quoteAmount decimal.Decimal
	if reversed {
		reserve0, reserve1 = reserve1, reserve0
		quoteAmount = amount0Out.Sub(amount0In)
	} else {
		quoteAmount = amount1Out.Sub(amount1In)
	}
	baseAmount := amount0Out.Sub(amount0In)
	if reversed {
		baseAmount = amount1Out.Sub(amount1In)
	}

	if quoteAmount.IsZero() || baseAmount.IsZero() {
		return swapInvalid, zero, zero
	}

	price := reserve1.Div(reserve0)
	if price.Sign() <= 0 {
		return swapInvalid, zero, zero
	}

	// Quote token reserves decrease when the trader receives quote
	// tokens, i.e. sells the base token.
	if quoteAmount.Sign() > 0 {
		return swapSell, price, quoteAmount
	}
	return swapBuy, price, quoteAmount.Abs()
}
