// Package models defines the core domain values of the feed: block records,
// trades, trade deltas, candles and timeframes.
package models

import (
	"errors"
	"time"
)

// BlockRecord identifies one chain block the feed has observed.
// Records are compared against live chain data on every duty cycle and
// invalidated en masse when a reorganisation is detected.
type BlockRecord struct {
	BlockNumber int64  `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	Timestamp   int64  `json:"timestamp"`
}

// Validate checks block record field constraints.
func (b BlockRecord) Validate() error {
	if b.BlockNumber < 1 {
		return errors.New("block number must be positive")
	}
	if b.BlockHash == "" {
		return errors.New("block hash must not be empty")
	}
	if b.Timestamp < 0 {
		return errors.New("block timestamp must not be negative")
	}
	return nil
}

// Time returns the block timestamp as UTC wall clock time.
func (b BlockRecord) Time() time.Time {
	return time.Unix(b.Timestamp, 0).UTC()
}
