package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testTrade() Trade {
	return Trade{
		Pair:         "eth-usd",
		BlockNumber:  10,
		BlockHash:    "0xa",
		Timestamp:    time.Unix(100, 0).UTC(),
		TxHash:       "0xff",
		LogIndex:     1,
		Price:        decimal.NewFromInt(1700),
		Amount:       decimal.NewFromInt(50),
		ExchangeRate: decimal.NewFromInt(1),
	}
}

func TestTradeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Trade)
		wantErr bool
	}{
		{"valid trade", func(*Trade) {}, false},
		{"empty pair", func(tr *Trade) { tr.Pair = "" }, true},
		{"zero block number", func(tr *Trade) { tr.BlockNumber = 0 }, true},
		{"empty block hash", func(tr *Trade) { tr.BlockHash = "" }, true},
		{"empty tx hash", func(tr *Trade) { tr.TxHash = "" }, true},
		{"negative log index", func(tr *Trade) { tr.LogIndex = -1 }, true},
		{"non-UTC timestamp", func(tr *Trade) {
			loc := time.FixedZone("EET", 2*3600)
			tr.Timestamp = tr.Timestamp.In(loc)
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := testTrade()
			tt.mutate(&tr)
			err := tr.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTradeDirection(t *testing.T) {
	tr := testTrade()
	if !tr.IsBuy() || tr.IsSell() {
		t.Errorf("positive amount must be a buy")
	}
	tr.Amount = decimal.NewFromInt(-50)
	if tr.IsBuy() || !tr.IsSell() {
		t.Errorf("negative amount must be a sell")
	}
}

func TestTradeKey(t *testing.T) {
	a := testTrade()
	b := testTrade()
	if a.Key() != b.Key() {
		t.Errorf("identical trades must share a key")
	}
	b.LogIndex = 2
	if a.Key() == b.Key() {
		t.Errorf("different log index must change the key")
	}
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"1min", time.Minute, false},
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"", 0, true},
		{"0m", 0, true},
		{"bogus", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tf, err := ParseTimeframe(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTimeframe(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && tf.Interval != tt.want {
				t.Errorf("ParseTimeframe(%q) = %v, want %v", tt.input, tf.Interval, tt.want)
			}
		})
	}
}

func TestTimeframeRoundDown(t *testing.T) {
	tf := NewTimeframe(time.Minute)

	ts := time.Date(2023, 1, 15, 10, 30, 45, 0, time.UTC)
	got := tf.RoundDown(ts)
	want := time.Date(2023, 1, 15, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("RoundDown mid-minute = %v, want %v", got, want)
	}

	// Exact boundary stays put.
	got = tf.RoundDown(want)
	if !got.Equal(want) {
		t.Errorf("RoundDown on boundary = %v, want %v", got, want)
	}
}

func TestTimeframeRoundDownWithOffset(t *testing.T) {
	tf := Timeframe{Interval: time.Hour, Offset: 55 * time.Minute}

	ts := time.Date(2023, 1, 15, 10, 59, 0, 0, time.UTC)
	got := tf.RoundDown(ts)
	want := time.Date(2023, 1, 15, 10, 55, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("RoundDown with offset = %v, want %v", got, want)
	}
}

func TestBlockRecordTime(t *testing.T) {
	b := BlockRecord{BlockNumber: 1, BlockHash: "0x1", Timestamp: 60}
	if got := b.Time(); !got.Equal(time.Unix(60, 0).UTC()) {
		t.Errorf("Time() = %v", got)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if err := (BlockRecord{BlockNumber: 0, BlockHash: "0x1"}).Validate(); err == nil {
		t.Error("expected error for zero block number")
	}
}
