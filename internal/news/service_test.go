package news

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

type fakeFetcher struct {
	articles []types.NewsArticle
	err      error
	calls    int
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]types.NewsArticle, error) {
	f.calls++
	return f.articles, f.err
}

func testNewsConfig() store.NewsConfig {
	cfg := store.DefaultConfig().News
	cfg.MaxAge = time.Hour
	return cfg
}

func TestSentimentCache(t *testing.T) {
	cache := newSentimentCache(time.Second)
	now := time.Now()

	cache.set("EUR", types.Sentiment{Score: 0.8, Articles: 3}, now)

	retrieved, found := cache.get("EUR", now)
	if !found {
		t.Fatal("Expected to find cached sentiment")
	}
	if retrieved.Score != 0.8 {
		t.Errorf("Expected score 0.8, got %f", retrieved.Score)
	}

	if _, found = cache.get("EUR", now.Add(2*time.Second)); found {
		t.Error("Expected cache entry to be expired")
	}

	cache.cleanup(now.Add(2 * time.Second))
	if len(cache.data) != 0 {
		t.Errorf("Expected cleanup to drop expired entry, have %d", len(cache.data))
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"Euro rallies on strong growth data", 1},
		{"Dollar slumps as recession fears grow", -1},
		{"Yen gains then falls", 0},
		{"Markets await the weekend", 0},
	}
	for _, tt := range tests {
		if got := Score(tt.text); got != tt.want {
			t.Errorf("Score(%q) = %f, want %f", tt.text, got, tt.want)
		}
	}
}

func TestVolatility(t *testing.T) {
	if v := Volatility("Fed signals interest rate path as inflation cools"); v < 0.299 || v > 0.301 {
		t.Errorf("Expected 0.3, got %f", v)
	}
	all := strings.Join(volatilityKeywords, " ")
	if v := Volatility(all); v != 1 {
		t.Errorf("Expected cap at 1, got %f", v)
	}
	if v := Volatility("quiet session"); v != 0 {
		t.Errorf("Expected 0, got %f", v)
	}
}

func TestCurrencies(t *testing.T) {
	got := Currencies("EUR/USD slips while the pound and yen firm after BoE remarks")
	want := []string{"EUR", "GBP", "JPY", "USD"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Currencies = %v, want %v", got, want)
	}
}

func TestGetSentimentPairCombination(t *testing.T) {
	f := &fakeFetcher{articles: []types.NewsArticle{
		{Title: "Euro rallies on strong PMI"},
		{Title: "Dollar slumps on weak jobs"},
	}}
	svc := NewService(testNewsConfig(), f)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	s, err := svc.GetSentiment(context.Background(), "EUR_USD")
	if err != nil {
		t.Fatalf("GetSentiment: %v", err)
	}
	// EUR +1, USD -1: clamped to 1
	if s.Score != 1 || s.Articles != 2 {
		t.Errorf("unexpected EUR_USD reading %+v", s)
	}

	inv, err := svc.GetSentiment(context.Background(), "USD_CHF")
	if err != nil {
		t.Fatalf("GetSentiment USD_CHF: %v", err)
	}
	if inv.Score != -1 {
		t.Errorf("Expected USD_CHF score -1 from base only, got %f", inv.Score)
	}

	symbols := svc.GetCachedSymbols()
	sort.Strings(symbols)
	if fmt.Sprint(symbols) != "[EUR USD]" {
		t.Errorf("unexpected cached symbols %v", symbols)
	}
}

func TestGetSentimentFallbackAndStale(t *testing.T) {
	f := &fakeFetcher{articles: []types.NewsArticle{{Title: "Stocks surge to record highs"}}}
	svc := NewService(testNewsConfig(), f)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	if _, err := svc.GetSentiment(context.Background(), "AUD_USD"); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable before refresh, got %v", err)
	}
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err := svc.GetSentiment(context.Background(), "AUD_USD")
	if err != nil {
		t.Fatalf("Expected overall fallback, got %v", err)
	}
	if s.Score != 1 {
		t.Errorf("Expected overall score 1, got %f", s.Score)
	}

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := svc.GetSentiment(context.Background(), "AUD_USD"); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("Expected stale reading to be unavailable, got %v", err)
	}
}

func TestRefreshErrorsAndDisabled(t *testing.T) {
	f := &fakeFetcher{err: fmt.Errorf("%w: all sources failed", types.ErrDataUnavailable)}
	svc := NewService(testNewsConfig(), f)
	if err := svc.Refresh(context.Background()); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("Expected wrapped ErrDataUnavailable, got %v", err)
	}

	cfg := testNewsConfig()
	cfg.Enabled = false
	off := NewService(cfg, f)
	if err := off.Refresh(context.Background()); err != nil {
		t.Errorf("disabled refresh should be a no-op, got %v", err)
	}
	if f.calls != 1 {
		t.Errorf("disabled service must not fetch, calls=%d", f.calls)
	}
	if _, err := off.GetSentiment(context.Background(), "EUR_USD"); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable when disabled, got %v", err)
	}
}

const samplePage = `<html><body>
<div class="news-item"><h3><a href="/a/1">ECB holds rates, euro firm against dollar</a></h3><p>Lagarde  sounded hawkish.</p></div>
<li class="post"><a href="https://other.example/b">Short</a></li>
<article class="article-card"><h2>Yen tumbles as BoJ keeps policy loose</h2><a href="/a/2">more</a></article>
<div class="sidebar"><h3>Not an article container at all</h3></div>
<div class="news-item"><h3><a href="/a/1">ECB holds rates, euro firm against dollar</a></h3></div>
</body></html>`

func TestExtractArticles(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(samplePage))
	if err != nil {
		t.Fatal(err)
	}
	base, _ := url.Parse("https://www.fxstreet.com/news")
	got := dedupe(extractArticles(doc.Selection, base, "fxstreet", 10, time.Now()))

	if len(got) != 2 {
		t.Fatalf("Expected 2 articles, got %d: %+v", len(got), got)
	}
	if got[0].URL != "https://www.fxstreet.com/a/1" {
		t.Errorf("Expected absolute url, got %s", got[0].URL)
	}
	if got[0].Summary != "Lagarde sounded hawkish." {
		t.Errorf("unexpected summary %q", got[0].Summary)
	}
	if got[1].Title != "Yen tumbles as BoJ keeps policy loose" {
		t.Errorf("unexpected title %q", got[1].Title)
	}
}

func TestScraperFetch(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, samplePage)
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	cfg := testNewsConfig()
	cfg.Sources = []store.NewsSource{{Name: "ok", URL: ok.URL + "/news"}, {Name: "bad", URL: bad.URL + "/news"}}
	cfg.Timeout = 5 * time.Second

	articles, err := NewScraper(cfg).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(articles) != 2 {
		t.Errorf("Expected 2 articles from the healthy source, got %d", len(articles))
	}

	cfg.Sources = cfg.Sources[1:]
	if _, err := NewScraper(cfg).Fetch(context.Background()); !errors.Is(err, types.ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable when every source fails, got %v", err)
	}
}
