package news

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

// globalKey caches the reading over all articles, used when neither currency
// of a pair was mentioned.
const globalKey = "*"

// Service provides news sentiment per currency with caching
type Service struct {
	fetcher Fetcher
	cfg     store.NewsConfig
	cache   *sentimentCache
	now     func() time.Time
}

// sentimentCache stores sentiment results temporarily
type sentimentCache struct {
	mu   sync.RWMutex
	data map[string]*cacheEntry
	ttl  time.Duration
}

type cacheEntry struct {
	sentiment types.Sentiment
	timestamp time.Time
}

func newSentimentCache(ttl time.Duration) *sentimentCache {
	return &sentimentCache{
		data: make(map[string]*cacheEntry),
		ttl:  ttl,
	}
}

// get retrieves cached sentiment if valid
func (c *sentimentCache) get(key string, now time.Time) (types.Sentiment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists {
		return types.Sentiment{}, false
	}
	if c.ttl > 0 && now.Sub(entry.timestamp) > c.ttl {
		return types.Sentiment{}, false
	}
	return entry.sentiment, true
}

// set stores sentiment in cache
func (c *sentimentCache) set(key string, sentiment types.Sentiment, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &cacheEntry{sentiment: sentiment, timestamp: now}
}

// cleanup removes expired entries
func (c *sentimentCache) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.data {
		if c.ttl > 0 && now.Sub(entry.timestamp) > c.ttl {
			delete(c.data, key)
		}
	}
}

// NewService creates a news sentiment service. A nil fetcher scrapes the
// configured sources.
func NewService(cfg store.NewsConfig, fetcher Fetcher) *Service {
	if fetcher == nil {
		fetcher = NewScraper(cfg)
	}
	return &Service{
		fetcher: fetcher,
		cfg:     cfg,
		cache:   newSentimentCache(cfg.MaxAge),
		now:     time.Now,
	}
}

type tally struct {
	score, vol float64
	n          int
}

func (t *tally) add(score, vol float64) {
	t.score += score
	t.vol += vol
	t.n++
}

func (t tally) reading(at time.Time) types.Sentiment {
	return types.Sentiment{
		Score:      round4(t.score / float64(t.n)),
		Volatility: round4(t.vol / float64(t.n)),
		Articles:   t.n,
		UpdatedAt:  at,
	}
}

// Refresh scrapes all sources and replaces the cached readings.
func (s *Service) Refresh(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	now := s.now().UTC()
	s.cache.cleanup(now)

	articles, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("news refresh: %w", err)
	}
	if len(articles) == 0 {
		logger.Warn(ctx, "News refresh found no articles")
		return nil
	}

	global := tally{}
	perCurrency := map[string]*tally{}
	for _, a := range articles {
		text := a.Title + " " + a.Summary
		score, vol := Score(text), Volatility(text)
		global.add(score, vol)
		for _, c := range Currencies(text) {
			t, ok := perCurrency[c]
			if !ok {
				t = &tally{}
				perCurrency[c] = t
			}
			t.add(score, vol)
		}
	}

	g := global.reading(now)
	s.cache.set(globalKey, g, now)
	for c, t := range perCurrency {
		s.cache.set(c, t.reading(now), now)
	}
	logger.Info(ctx, "News sentiment refreshed",
		"articles", len(articles),
		"score", g.Score,
		"volatility", g.Volatility,
		"currencies", len(perCurrency),
	)
	return nil
}

// GetSentiment combines the base and quote currency readings of a pair as
// base minus quote. With neither cached it falls back to the overall reading.
func (s *Service) GetSentiment(ctx context.Context, instrument string) (types.Sentiment, error) {
	if !s.cfg.Enabled {
		return types.Sentiment{}, fmt.Errorf("%w: sentiment disabled", types.ErrDataUnavailable)
	}
	now := s.now().UTC()
	baseCcy, quoteCcy := types.SplitInstrument(instrument)
	b, okB := s.cache.get(baseCcy, now)
	q, okQ := s.cache.get(quoteCcy, now)

	switch {
	case okB && okQ:
		at := b.UpdatedAt
		if q.UpdatedAt.Before(at) {
			at = q.UpdatedAt
		}
		return types.Sentiment{
			Score:      round4(clamp(b.Score-q.Score, -1, 1)),
			Volatility: math.Max(b.Volatility, q.Volatility),
			Articles:   b.Articles + q.Articles,
			UpdatedAt:  at,
		}, nil
	case okB:
		return b, nil
	case okQ:
		q.Score = -q.Score
		return q, nil
	}

	if g, ok := s.cache.get(globalKey, now); ok {
		logger.Debug(ctx, "Using overall sentiment", "instrument", instrument)
		return g, nil
	}
	return types.Sentiment{}, fmt.Errorf("%w: no fresh sentiment for %s", types.ErrDataUnavailable, instrument)
}

// Overall returns the reading across all articles, if fresh.
func (s *Service) Overall() (types.Sentiment, bool) {
	return s.cache.get(globalKey, s.now().UTC())
}

// GetCachedSymbols returns the currencies with cached sentiment
func (s *Service) GetCachedSymbols() []string {
	s.cache.mu.RLock()
	defer s.cache.mu.RUnlock()

	symbols := make([]string, 0, len(s.cache.data))
	for symbol := range s.cache.data {
		if symbol != globalKey {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
