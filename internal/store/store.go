// Package store persists the block map and trade ledger as partitioned
// Parquet datasets for process restart recovery.
//
// Candles are never persisted. They are cheap to regenerate from the trade
// ledger and a persisted copy could go stale after a reorg correction.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/shopspring/decimal"

	"github.com/mvirta/chainfeed/internal/feed"
	"github.com/mvirta/chainfeed/internal/logger"
	"github.com/mvirta/chainfeed/internal/models"
)

// Store writes the feed state under a base directory, one hive partitioned
// Parquet dataset for blocks and one for trades. Partitions hold a fixed
// number of blocks so an overlapping re-save rewrites whole partitions
// instead of appending duplicates.
type Store struct {
	baseDir       string
	partitionSize int64
	db            *sql.DB
}

// New opens a store rooted at baseDir. partitionSize is the number of
// blocks per partition.
func New(baseDir string, partitionSize int64) (*Store, error) {
	if partitionSize < 1 {
		return nil, fmt.Errorf("partition size must be positive, got %d", partitionSize)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	return &Store{
		baseDir:       baseDir,
		partitionSize: partitionSize,
		db:            sql.OpenDB(connector),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) blocksDir() string {
	return filepath.Join(s.baseDir, "blocks")
}

func (s *Store) tradesDir() string {
	return filepath.Join(s.baseDir, "trades")
}

// partitionFor maps a block number to its partition start block.
func (s *Store) partitionFor(blockNumber int64) int64 {
	p := (blockNumber / s.partitionSize) * s.partitionSize
	if p < 1 {
		p = 1
	}
	return p
}

// Save writes the feed's block map and trade ledger to disk. The datasets
// are rewritten wholesale into a scratch directory and swapped in, so a
// repeated save of overlapping state stays idempotent.
func (s *Store) Save(f *feed.TradeFeed) error {
	if err := s.saveBlocks(f.Monitor().BlockRecords()); err != nil {
		return err
	}
	if err := s.saveTrades(f.Trades()); err != nil {
		return err
	}
	logger.Debug("Saved %d blocks and %d trades to %s",
		f.Monitor().BlockCount(), f.TradeCount(), s.baseDir)
	return nil
}

func (s *Store) saveBlocks(records []models.BlockRecord) error {
	_, err := s.db.Exec(`CREATE OR REPLACE TABLE blocks (
		"partition" BIGINT,
		block_number BIGINT,
		block_hash VARCHAR,
		ts BIGINT
	)`)
	if err != nil {
		return fmt.Errorf("create blocks table: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO blocks VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, record := range records {
		if _, err := stmt.Exec(s.partitionFor(record.BlockNumber), record.BlockNumber, record.BlockHash, record.Timestamp); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert block %d: %w", record.BlockNumber, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	return s.exportTable("blocks", s.blocksDir())
}

func (s *Store) saveTrades(trades []models.Trade) error {
	_, err := s.db.Exec(`CREATE OR REPLACE TABLE trades (
		"partition" BIGINT,
		pair VARCHAR,
		block_number BIGINT,
		block_hash VARCHAR,
		ts BIGINT,
		tx_hash VARCHAR,
		log_index INTEGER,
		price VARCHAR,
		amount VARCHAR,
		exchange_rate VARCHAR
	)`)
	if err != nil {
		return fmt.Errorf("create trades table: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO trades VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, trade := range trades {
		_, err := stmt.Exec(
			s.partitionFor(trade.BlockNumber),
			trade.Pair,
			trade.BlockNumber,
			trade.BlockHash,
			trade.Timestamp.Unix(),
			trade.TxHash,
			trade.LogIndex,
			trade.Price.String(),
			trade.Amount.String(),
			trade.ExchangeRate.String(),
		)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("insert trade %s/%d: %w", trade.TxHash, trade.LogIndex, err)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return err
	}

	return s.exportTable("trades", s.tradesDir())
}

// exportTable copies a table to a scratch directory as hive partitioned
// Parquet, then swaps it in place of the old dataset.
func (s *Store) exportTable(table, dir string) error {
	scratch := dir + ".tmp"
	if err := os.RemoveAll(scratch); err != nil {
		return err
	}

	copySQL := fmt.Sprintf(
		`COPY %s TO '%s' (FORMAT PARQUET, PARTITION_BY ("partition"))`,
		table, scratch)
	if _, err := s.db.Exec(copySQL); err != nil {
		return fmt.Errorf("export %s: %w", table, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.Rename(scratch, dir)
}

// hasParquet reports whether a dataset directory holds any partition files.
func hasParquet(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.parquet"))
	return err == nil && len(matches) > 0
}

// IsEmpty reports whether the store holds no persisted state.
func (s *Store) IsEmpty() bool {
	return !hasParquet(s.blocksDir())
}

// Clear deletes all persisted state.
func (s *Store) Clear() error {
	for _, dir := range []string{s.blocksDir(), s.tradesDir(), s.blocksDir() + ".tmp", s.tradesDir() + ".tmp"} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	return nil
}

// Load restores the block map and trade ledger into the feed. Returns
// whether any persisted data was found.
func (s *Store) Load(f *feed.TradeFeed) (bool, error) {
	if s.IsEmpty() {
		return false, nil
	}

	records, err := s.loadBlocks()
	if err != nil {
		return false, err
	}
	f.Monitor().Restore(records)

	trades, err := s.loadTrades()
	if err != nil {
		return false, err
	}
	f.Restore(trades)

	logger.Info("Restored %d blocks and %d trades from %s", len(records), len(trades), s.baseDir)
	return true, nil
}

func (s *Store) loadBlocks() ([]models.BlockRecord, error) {
	pattern := filepath.Join(s.blocksDir(), "*", "*.parquet")
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT block_number, block_hash, ts FROM read_parquet('%s') ORDER BY block_number`, pattern))
	if err != nil {
		return nil, fmt.Errorf("read blocks dataset: %w", err)
	}
	defer rows.Close()

	var records []models.BlockRecord
	for rows.Next() {
		var record models.BlockRecord
		if err := rows.Scan(&record.BlockNumber, &record.BlockHash, &record.Timestamp); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) loadTrades() ([]models.Trade, error) {
	if !hasParquet(s.tradesDir()) {
		return nil, nil
	}
	pattern := filepath.Join(s.tradesDir(), "*", "*.parquet")
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT pair, block_number, block_hash, ts, tx_hash, log_index, price, amount, exchange_rate
		 FROM read_parquet('%s') ORDER BY block_number, log_index`, pattern))
	if err != nil {
		return nil, fmt.Errorf("read trades dataset: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			trade                     models.Trade
			ts                        int64
			price, amount, rateString string
		)
		err := rows.Scan(&trade.Pair, &trade.BlockNumber, &trade.BlockHash, &ts,
			&trade.TxHash, &trade.LogIndex, &price, &amount, &rateString)
		if err != nil {
			return nil, err
		}
		trade.Timestamp = time.Unix(ts, 0).UTC()
		if trade.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("bad stored price %q: %w", price, err)
		}
		if trade.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("bad stored amount %q: %w", amount, err)
		}
		if trade.ExchangeRate, err = decimal.NewFromString(rateString); err != nil {
			return nil, fmt.Errorf("bad stored exchange rate %q: %w", rateString, err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}
