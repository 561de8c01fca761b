package eod

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"fx-trading-bot/internal/tradelog"
)

// Summarizer writes the end-of-day CSV for one UTC day.
type Summarizer interface {
	SummarizeDay(day time.Time) (csvPath string, err error)
}

// aggRow represents aggregated trading statistics for an instrument.
type aggRow struct {
	Instrument  string
	Opened      int
	Closed      int
	Failed      int
	Wins        int
	Losses      int
	Units       int64
	RealizedPnL float64
	confSum     float64
}

type eodSummarizer struct {
	dir string
}

func NewSummarizer(dir string) Summarizer {
	if dir == "" {
		dir = "summaries"
	}
	return &eodSummarizer{dir: dir}
}

func (s *eodSummarizer) csvPath(day time.Time) string {
	return filepath.Join(s.dir, day.UTC().Format("2006-01-02")+".csv")
}

// SummarizeDay returns "" with no error when the day has no trades.
func (s *eodSummarizer) SummarizeDay(day time.Time) (string, error) {
	recs, err := tradelog.ReadDay(day)
	if err != nil {
		return "", fmt.Errorf("read trade log: %w", err)
	}

	aggs := map[string]*aggRow{}
	for _, r := range recs {
		row := aggs[r.Instrument]
		if row == nil {
			row = &aggRow{Instrument: r.Instrument}
			aggs[r.Instrument] = row
		}
		switch r.Event {
		case "OPEN":
			row.Opened++
			row.Units += r.Units
			row.confSum += r.Confidence
		case "CLOSE":
			row.Closed++
			row.RealizedPnL += r.PnL
			if r.PnL > 0 {
				row.Wins++
			} else if r.PnL < 0 {
				row.Losses++
			}
		case "FAIL":
			row.Failed++
		}
	}
	if len(aggs) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outPath := s.csvPath(day)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	headers := []string{"instrument", "opened", "closed", "failed", "wins", "losses", "units", "avg_confidence", "realized_pnl"}
	if err := w.Write(headers); err != nil {
		return "", err
	}
	var total aggRow
	for _, k := range keys {
		r := aggs[k]
		var avgConf float64
		if r.Opened > 0 {
			avgConf = r.confSum / float64(r.Opened)
		}
		rec := []string{
			r.Instrument,
			strconv.Itoa(r.Opened), strconv.Itoa(r.Closed), strconv.Itoa(r.Failed),
			strconv.Itoa(r.Wins), strconv.Itoa(r.Losses),
			strconv.FormatInt(r.Units, 10),
			fmt.Sprintf("%.4f", avgConf),
			fmt.Sprintf("%.2f", r.RealizedPnL),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
		total.Opened += r.Opened
		total.Closed += r.Closed
		total.Failed += r.Failed
		total.Wins += r.Wins
		total.Losses += r.Losses
		total.Units += r.Units
		total.RealizedPnL += r.RealizedPnL
	}
	_ = w.Write([]string{
		"TOTAL",
		strconv.Itoa(total.Opened), strconv.Itoa(total.Closed), strconv.Itoa(total.Failed),
		strconv.Itoa(total.Wins), strconv.Itoa(total.Losses),
		strconv.FormatInt(total.Units, 10), "",
		fmt.Sprintf("%.2f", total.RealizedPnL),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return outPath, nil
}
