// Package journal archives the closed positions of each trading cycle as
// Parquet files:
//
//	<DataDir>/journal/<YYYY-MM-DD>/<cycle id>.parquet
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"vesta/internal/domain"
)

// PositionRecord is the on-disk schema. Money and quantities are decimal
// strings so the archive is exact.
type PositionRecord struct {
	CycleID     string `parquet:"cycle_id"`
	PositionID  string `parquet:"position_id"`
	Symbol      string `parquet:"symbol"`
	Sector      string `parquet:"sector"`
	Side        string `parquet:"side"`
	Quantity    string `parquet:"quantity"`
	EntryPrice  string `parquet:"entry_price"`
	EntryTime   int64  `parquet:"entry_time,timestamp(millisecond)"`
	ExitPrice   string `parquet:"exit_price"`
	ExitTime    int64  `parquet:"exit_time,timestamp(millisecond)"`
	ExitReason  string `parquet:"exit_reason"`
	RealizedPnL string `parquet:"realized_pnl"`
	Fees        string `parquet:"fees"`
}

// ParquetJournal writes cycle journals under DataDir.
type ParquetJournal struct {
	DataDir string
}

// NewParquetJournal creates a journal rooted at dataDir.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// Path returns the journal file of a cycle.
func (j *ParquetJournal) Path(cycle *domain.TradingCycle) string {
	return filepath.Join(j.DataDir, "journal", cycle.StartedAt.UTC().Format("2006-01-02"), cycle.ID+".parquet")
}

// Write records the closed positions among ps. Writing the same cycle again
// merges by position id, so a repeated stop does not duplicate rows.
func (j *ParquetJournal) Write(_ context.Context, cycle *domain.TradingCycle, ps []domain.Position) (string, error) {
	path := j.Path(cycle)

	byID := make(map[string]PositionRecord)
	if existing, err := parquet.ReadFile[PositionRecord](path); err == nil {
		for _, r := range existing {
			byID[r.PositionID] = r
		}
	}
	for i := range ps {
		if ps[i].Status != domain.PositionClosed {
			continue
		}
		byID[ps[i].ID] = toRecord(&ps[i])
	}
	if len(byID) == 0 {
		return "", nil
	}

	records := make([]PositionRecord, 0, len(byID))
	for _, r := range byID {
		records = append(records, r)
	}
	sort.Slice(records, func(a, b int) bool {
		if records[a].ExitTime != records[b].ExitTime {
			return records[a].ExitTime < records[b].ExitTime
		}
		return records[a].PositionID < records[b].PositionID
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return "", fmt.Errorf("write journal %s: %w", path, err)
	}
	return path, nil
}

// Read returns the records of a cycle journal.
func (j *ParquetJournal) Read(cycle *domain.TradingCycle) ([]PositionRecord, error) {
	return ReadFile(j.Path(cycle))
}

// ReadFile reads a journal file.
func ReadFile(path string) ([]PositionRecord, error) {
	return parquet.ReadFile[PositionRecord](path)
}

func toRecord(p *domain.Position) PositionRecord {
	r := PositionRecord{
		CycleID:     p.CycleID,
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Sector:      p.Sector,
		Side:        string(p.Side),
		Quantity:    p.ClosedQuantity.String(),
		EntryPrice:  p.EntryPrice.String(),
		EntryTime:   p.EntryTime.UnixMilli(),
		ExitPrice:   p.ExitPrice.String(),
		ExitReason:  p.ExitReason,
		RealizedPnL: p.RealizedPnL.String(),
		Fees:        p.Fees.String(),
	}
	if p.ExitTime != nil {
		r.ExitTime = p.ExitTime.UnixMilli()
	}
	return r
}

// Time converts a record timestamp back to UTC.
func Time(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
