package eodobs

import (
	"context"
	"time"

	"fx-trading-bot/internal/eod"
	"fx-trading-bot/internal/logger"
)

type observableSummarizer struct {
	summarizer eod.Summarizer
}

var _ eod.Summarizer = (*observableSummarizer)(nil)

// Wrap times each daily summary in a span and logs where the CSV went.
func Wrap(summarizer eod.Summarizer) eod.Summarizer {
	return &observableSummarizer{summarizer: summarizer}
}

func (s *observableSummarizer) SummarizeDay(day time.Time) (string, error) {
	date := day.UTC().Format("2006-01-02")
	op := logger.StartOperation(context.Background(), "eod.SummarizeDay", "date", date)

	path, err := s.summarizer.SummarizeDay(day)
	if err != nil {
		op.EndWithError(err)
		return "", err
	}
	op.End("csv_path", path)

	if path == "" {
		logger.Info(op.Context(), "No trades to summarize", "date", date)
		return "", nil
	}
	logger.Info(op.Context(), "Daily summary written", "date", date, "csv_path", path)
	return path, nil
}
