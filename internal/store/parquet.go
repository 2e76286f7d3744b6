package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"

	"whalestream/internal/domain"
	"whalestream/internal/util"
)

// Compile-time interface check.
var _ SessionArchive = (*ParquetArchive)(nil)

// LastSessionFile is the archive file name under the archive directory.
const LastSessionFile = "last-session.parquet"

// ParquetArchive writes the wiped tape of the previous session to a single
// Parquet file, overwritten on each wipe.
type ParquetArchive struct {
	Dir string
}

// NewParquetArchive creates a ParquetArchive rooted at dir.
func NewParquetArchive(dir string) *ParquetArchive {
	return &ParquetArchive{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// WhaleRecord is the Parquet schema for one archived whale.
type WhaleRecord struct {
	SessionDate  string   `parquet:"session_date"`
	Underlying   string   `parquet:"underlying"`
	ContractID   string   `parquet:"contract_id"`
	Strike       float64  `parquet:"strike"`
	Expiry       string   `parquet:"expiry"`
	Side         string   `parquet:"side"`
	Volume       int64    `parquet:"volume"`
	OpenInterest int64    `parquet:"open_interest"`
	LastPrice    float64  `parquet:"last_price"`
	Premium      float64  `parquet:"premium"`
	Delta        *float64 `parquet:"delta,optional"`
	IV           *float64 `parquet:"iv,optional"`
	Moneyness    string   `parquet:"moneyness"`
	Flags        string   `parquet:"flags"` // comma separated
	TradeTS      int64    `parquet:"trade_ts,timestamp(millisecond)"`
	IngestTS     int64    `parquet:"ingest_ts,timestamp(millisecond)"`
	Source       string   `parquet:"source"`
}

// Path returns the archive file location.
func (a *ParquetArchive) Path() string {
	return filepath.Join(a.Dir, LastSessionFile)
}

// WriteSession replaces the archive with whales. An empty tape leaves the
// previous archive in place.
func (a *ParquetArchive) WriteSession(date util.Date, whales []domain.Whale) error {
	if len(whales) == 0 {
		return nil
	}

	records := make([]WhaleRecord, len(whales))
	for i, w := range whales {
		flags := make([]string, len(w.Flags))
		for j, f := range w.Flags {
			flags[j] = string(f)
		}
		records[i] = WhaleRecord{
			SessionDate:  date.String(),
			Underlying:   w.Underlying,
			ContractID:   w.ContractID,
			Strike:       toFloat(w.Strike),
			Expiry:       w.Expiry.String(),
			Side:         string(w.Side),
			Volume:       w.Volume,
			OpenInterest: w.OpenInterest,
			LastPrice:    toFloat(w.LastPrice),
			Premium:      toFloat(w.Premium),
			Delta:        w.Delta,
			IV:           w.IV,
			Moneyness:    string(w.Moneyness),
			Flags:        strings.Join(flags, ","),
			TradeTS:      w.TradeTS.UnixMilli(),
			IngestTS:     w.IngestTS.UnixMilli(),
			Source:       string(w.Source),
		}
	}

	path := a.Path()
	tmp := path + ".tmp"
	if err := writeParquetFile(tmp, records); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing session %s: %w", date, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming session archive: %w", err)
	}
	return nil
}

// ReadSession returns the archived records.
func (a *ParquetArchive) ReadSession() ([]WhaleRecord, error) {
	return readParquetFile[WhaleRecord](a.Path())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
