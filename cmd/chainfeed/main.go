package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mvirta/chainfeed/internal/candles"
	"github.com/mvirta/chainfeed/internal/config"
	"github.com/mvirta/chainfeed/internal/feed"
	"github.com/mvirta/chainfeed/internal/logger"
	"github.com/mvirta/chainfeed/internal/models"
	"github.com/mvirta/chainfeed/internal/reorgmon"
	"github.com/mvirta/chainfeed/internal/store"
	"github.com/mvirta/chainfeed/internal/telegram"
	"github.com/mvirta/chainfeed/internal/uniswap"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	timeframe, err := models.ParseTimeframe(cfg.Feed.Timeframe)
	if err != nil {
		logger.Fatal("Invalid timeframe: %v", err)
	}
	timeframe.Offset = cfg.Feed.Offset

	monConfig := reorgmon.Config{
		CheckDepth:                 cfg.Chain.CheckDepth,
		MaxReorgResolutionAttempts: cfg.Chain.MaxReorgResolutionAttempts,
		ReorgWait:                  cfg.Chain.ReorgWait,
	}

	// Stablecoin quoted pairs: the exchange rate is pinned to one. Pairs
	// quoted in a volatile token need a real oracle here.
	pairs := make([]string, len(cfg.Feed.Pairs))
	oracles := make(map[string]feed.PriceOracle, len(cfg.Feed.Pairs))
	for i, pair := range cfg.Feed.Pairs {
		id := strings.ToLower(pair)
		pairs[i] = id
		oracles[id] = feed.NewFixedPriceOracle(decimal.NewFromInt(1))
	}

	var (
		mon       *reorgmon.Monitor
		adapter   feed.VenueAdapter
		simulated *reorgmon.SimulatedChain
	)
	switch cfg.Chain.Mode {
	case "ethereum":
		source, err := reorgmon.NewEthereumSource(cfg.Chain.RPCURL, cfg.Chain.Timeout)
		if err != nil {
			logger.Fatal("Failed to connect to chain: %v", err)
		}
		defer source.Close()
		mon = reorgmon.New(source, monConfig)

		pairDetails := make([]uniswap.PairDetails, len(pairs))
		for i, id := range pairs {
			pairDetails[i] = uniswap.PairDetails{
				Address: id,
				Token0:  uniswap.TokenDetails{Decimals: 18},
				Token1:  uniswap.TokenDetails{Decimals: 18},
			}
		}
		reader := uniswap.NewLogReader(source.Client(), pairs, uniswap.DefaultLogReaderConfig())
		adapter, err = uniswap.NewAdapter(reader, mon, pairDetails, oracles)
		if err != nil {
			logger.Fatal("Failed to build venue adapter: %v", err)
		}
		logger.Info("Reading Uniswap v2 trades from %s, %d pairs", cfg.Chain.RPCURL, len(pairs))

	case "synthetic":
		simulated = reorgmon.NewSimulatedChain(1, cfg.Chain.PollInterval)
		simulated.ProduceBlocks(int(cfg.Chain.BackfillBlocks))
		mon = reorgmon.New(simulated, monConfig)
		adapter = feed.NewSyntheticAdapter(mon, pairs, oracles, feed.DefaultSyntheticConfig())
		logger.Info("Running synthetic chain, %d pairs", len(pairs))
	}

	tradeFeed, err := feed.New(pairs, oracles, mon, adapter, timeframe, cfg.Feed.DataRetention)
	if err != nil {
		logger.Fatal("Failed to build trade feed: %v", err)
	}
	candleFeed := candles.NewCandleFeed(timeframe)

	var feedStore *store.Store
	if cfg.Store.Enabled {
		feedStore, err = store.New(cfg.Store.DataDir, cfg.Store.PartitionSize)
		if err != nil {
			logger.Fatal("Failed to open store: %v", err)
		}
		defer func() {
			if err := feedStore.Close(); err != nil {
				logger.Error("Failed to close store: %v", err)
			}
		}()

		found, err := feedStore.Load(tradeFeed)
		if err != nil {
			logger.Fatal("Failed to load persisted state: %v", err)
		}
		if found {
			logger.Info("Resuming from block %d with %d trades",
				mon.LastBlockRead(), tradeFeed.TradeCount())
		}
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if cfg.Telegram.Enabled && telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("Backfilling %d blocks", cfg.Chain.BackfillBlocks)
	delta, err := tradeFeed.BackfillBuffer(cfg.Chain.BackfillBlocks, func(completed, total int64) {
		if completed%1000 == 0 || completed == total {
			logger.Info("Backfill progress: %d / %d block headers", completed, total)
		}
	})
	if err != nil {
		logger.Fatal("Backfill failed: %v", err)
	}
	candleFeed.ApplyDelta(delta)
	logger.Info("Backfill complete: blocks %d - %d, %d trades",
		delta.StartBlock, delta.EndBlock, len(delta.Trades))

	if cfg.Store.Enabled && feedStore != nil {
		if err := feedStore.Save(tradeFeed); err != nil {
			logger.Error("Failed to save state after backfill: %v", err)
		}
	}

	logger.Info("Starting feed (interval: %v, timeframe: %s, check_depth: %d)",
		cfg.Chain.PollInterval,
		cfg.Feed.Timeframe,
		cfg.Chain.CheckDepth,
	)

	ticker := time.NewTicker(cfg.Chain.PollInterval)
	defer ticker.Stop()

	saveTicker := time.NewTicker(cfg.Store.SaveInterval)
	defer saveTicker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Duty cycle failed: %v", err)
			if consecutiveFailures == 1 && cfg.Telegram.Enabled && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && cfg.Telegram.Enabled && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	for {
		select {
		case <-ctx.Done():
			if cfg.Store.Enabled && feedStore != nil {
				if err := feedStore.Save(tradeFeed); err != nil {
					logger.Error("Failed to save state on shutdown: %v", err)
				}
			}
			logger.Info("Feed stopped")
			return

		case <-saveTicker.C:
			if cfg.Store.Enabled && feedStore != nil {
				if err := feedStore.Save(tradeFeed); err != nil {
					logger.Error("Failed to save state: %v", err)
				}
			}

		case <-ticker.C:
			if simulated != nil {
				simulated.ProduceBlocks(1)
			}

			err := runDutyCycle(tradeFeed, candleFeed, telegramClient, cfg)

			var resolutionFailure *reorgmon.ReorganisationResolutionFailure
			if errors.As(err, &resolutionFailure) {
				// The node keeps reorganising past our retry budget.
				// Halting beats ingesting garbage.
				logger.Error("Chain reorganisation could not be resolved: %v", err)
				if cfg.Telegram.Enabled && telegramClient != nil {
					if sendErr := telegramClient.SendHalt(err); sendErr != nil {
						logger.Warn("Failed to send halt notification to Telegram: %v", sendErr)
					}
				}
				cancel()
				continue
			}

			handleCycleResult(err)
		}
	}
}

func runDutyCycle(
	tradeFeed *feed.TradeFeed,
	candleFeed *candles.CandleFeed,
	telegramClient *telegram.Client,
	cfg *config.Config,
) error {
	startTime := time.Now()
	logger.Debug("Starting duty cycle")

	delta, err := tradeFeed.PerformDutyCycle()
	if err != nil {
		return err
	}

	if delta.ReorgDetected {
		logger.Warn("Chain reorganisation corrected: blocks %d - %d re-read", delta.StartBlock, delta.EndBlock)
		if cfg.Telegram.Enabled && telegramClient != nil {
			record, err := tradeFeed.Monitor().BlockRecord(delta.UnadjustedStartBlock)
			if err == nil {
				if sendErr := telegramClient.SendReorg(record.BlockNumber, record.BlockHash); sendErr != nil {
					logger.Warn("Failed to send reorg notification to Telegram: %v", sendErr)
				}
			}
		}
	}

	candleFeed.ApplyDelta(delta)

	if err := tradeFeed.CheckTradesForDuplicates(); err != nil {
		return err
	}

	logger.Info("Cycle %d completed in %v: blocks %d - %d, %d trades, candle view at block %d",
		delta.Cycle,
		time.Since(startTime),
		delta.StartBlock,
		delta.EndBlock,
		len(delta.Trades),
		candleFeed.GetLastBlockNumber(),
	)

	return nil
}
