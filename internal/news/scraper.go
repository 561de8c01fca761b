package news

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/sync/errgroup"

	"fx-trading-bot/internal/logger"
	"fx-trading-bot/internal/store"
	"fx-trading-bot/internal/types"
)

// Fetcher returns the latest headlines from all configured sources.
type Fetcher interface {
	Fetch(ctx context.Context) ([]types.NewsArticle, error)
}

// Scraper handles scraping news from multiple sources
type Scraper struct {
	cfg store.NewsConfig
	now func() time.Time
}

func NewScraper(cfg store.NewsConfig) *Scraper {
	return &Scraper{cfg: cfg, now: time.Now}
}

// Fetch scrapes every source concurrently. A failing source is logged and
// skipped; the call only fails when no source could be read.
func (s *Scraper) Fetch(ctx context.Context) ([]types.NewsArticle, error) {
	logger.Info(ctx, "Starting news scraping", "sources", len(s.cfg.Sources))

	var (
		mu       sync.Mutex
		all      []types.NewsArticle
		failures int
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Parallelism > 0 {
		g.SetLimit(s.cfg.Parallelism)
	}
	for _, src := range s.cfg.Sources {
		g.Go(func() error {
			articles, err := s.scrapeSource(gctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				logger.ErrorWithErr(gctx, "Failed to scrape source", err, "source", src.Name)
				return nil
			}
			all = append(all, articles...)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.cfg.Sources) > 0 && failures == len(s.cfg.Sources) {
		return nil, fmt.Errorf("%w: all %d news sources failed", types.ErrDataUnavailable, failures)
	}

	all = dedupe(all)
	logger.Info(ctx, "News scraping completed", "articles", len(all), "failed_sources", failures)
	return all, nil
}

// scrapeSource scrapes articles from a single news source
func (s *Scraper) scrapeSource(ctx context.Context, src store.NewsSource) ([]types.NewsArticle, error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("bad source url %q: %w", src.URL, err)
	}

	opts := []colly.CollectorOption{
		colly.AllowedDomains(u.Hostname()),
		colly.MaxDepth(1),
		colly.StdlibContext(ctx),
	}
	if s.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(s.cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	if s.cfg.Timeout > 0 {
		c.SetRequestTimeout(s.cfg.Timeout)
	}

	var (
		articles []types.NewsArticle
		visitErr error
	)
	c.OnHTML("html", func(e *colly.HTMLElement) {
		articles = extractArticles(e.DOM, e.Request.URL, src.Name, s.cfg.MaxArticlesPerSite, s.now().UTC())
	})
	c.OnError(func(r *colly.Response, err error) {
		visitErr = fmt.Errorf("http %d: %w", r.StatusCode, err)
	})

	if err := c.Visit(src.URL); err != nil && visitErr == nil {
		visitErr = err
	}
	c.Wait()
	if visitErr != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", src.URL, visitErr)
	}
	return articles, nil
}

var containerClass = regexp.MustCompile(`article|news|post|item`)

// extractArticles pulls headline blocks out of a page: article, div or li
// elements whose class mentions article/news/post/item.
func extractArticles(doc *goquery.Selection, base *url.URL, source string, limit int, now time.Time) []types.NewsArticle {
	var out []types.NewsArticle
	doc.Find("article, div, li").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		return containerClass.MatchString(class)
	}).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		title := collapse(s.Find("h1, h2, h3, h4, a").First().Text())
		if len(title) <= 10 {
			return true
		}
		link, _ := s.Find("a").First().Attr("href")
		if base != nil && link != "" {
			if ref, err := base.Parse(link); err == nil {
				link = ref.String()
			}
		}
		out = append(out, types.NewsArticle{
			Title:     title,
			Summary:   collapse(s.Find("p").First().Text()),
			URL:       link,
			Source:    source,
			FetchedAt: now,
		})
		return true
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// dedupe drops articles whose title repeats in its first 50 characters.
func dedupe(articles []types.NewsArticle) []types.NewsArticle {
	seen := make(map[string]struct{}, len(articles))
	out := articles[:0]
	for _, a := range articles {
		key := strings.ToLower(a.Title)
		if len(key) > 50 {
			key = key[:50]
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}
