package scraper

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// CSS selectors for the listings explorer. The site renders client-side, so
// the fetcher waits for the results container before snapshotting the DOM.
const (
	SelectorResultList = "div.results-list"
	SelectorResultCard = "div.results-list div.result-card"

	SelectorCardAddress  = ".card-address"
	SelectorCardCity     = ".card-city"
	SelectorCardPostcode = ".card-postcode"
	SelectorCardPrice    = ".card-price"
	SelectorCardRooms    = ".card-rooms"
	SelectorCardSurface  = ".card-surface"
	SelectorCardDate     = "time[datetime]"
	SelectorCardLink     = "a.card-link"
)

const (
	// navigationTimeout bounds a full page load on network-idle.
	navigationTimeout = 60 * time.Second

	// selectorTimeout bounds the wait for the results container.
	selectorTimeout = 10 * time.Second

	// fetchRetryDelay is the linear backoff between fetch attempts.
	fetchRetryDelay = 2 * time.Second
)

// SaleDateLayout is the wire format of sale dates in raw scrape CSVs.
const SaleDateLayout = "02/01/2006"

// browserUserAgent replaces the HeadlessChrome token the site blocks.
const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Card is one extracted result card.
type Card struct {
	Address    string
	City       string
	PostalCode string
	Price      int
	Rooms      int
	Surface    float64
	SaleDate   string // DD/MM/YYYY
	TypeCode   int
	TypeLabel  string
	DetailURL  string
}

// FetchResult is the outcome of loading one search URL.
type FetchResult struct {
	Count int
	Cards []Card
}

// Fetcher loads one search URL and extracts its result cards. The scraping
// engine depends on this interface so tests can substitute a fake browser.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchResult, error)
}

// PageFetcher renders an arbitrary page and returns its HTML. Used by the
// city-data scraper for market pages, which are also client-side rendered.
type PageFetcher interface {
	FetchHTML(ctx context.Context, url, waitSelector string) (string, error)
}

// BrowserFetcher drives headless Chrome. Each fetch runs in its own browser
// context (own page) to avoid state bleed between concurrent fetches; a
// semaphore bounds total concurrency.
type BrowserFetcher struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	sem         chan struct{}
	maxRetries  int
	navTimeout  time.Duration
	baseURL     string
}

// BrowserConfig tunes the fetcher.
type BrowserConfig struct {
	Headless      bool
	MaxConcurrent int
	MaxRetries    int
	NavTimeout    time.Duration
	BaseURL       string
}

// NewBrowserFetcher starts a shared Chrome allocator. Call Close when done.
func NewBrowserFetcher(cfg BrowserConfig) *BrowserFetcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = navigationTimeout
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &BrowserFetcher{
		allocCtx:    allocCtx,
		allocCancel: cancel,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		maxRetries:  cfg.MaxRetries,
		navTimeout:  cfg.NavTimeout,
		baseURL:     cfg.BaseURL,
	}
}

// Close tears down the browser allocator.
func (f *BrowserFetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to the search URL, waits for the results container, and
// extracts one record per card. Retries up to maxRetries with linear backoff
// on timeouts and selector misses.
func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(fetchRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			log.Printf("[Fetcher] Retry %d/%d for %s", attempt, f.maxRetries, url)
		}

		html, err := f.render(ctx, url, SelectorResultList)
		if err != nil {
			lastErr = err
			continue
		}

		result, err := ParseResultPage(html, f.baseURL)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	return nil, fmt.Errorf("fetch %s: %w", url, lastErr)
}

// FetchHTML renders an arbitrary URL and returns the page HTML once the
// given selector is visible. Shares the fetch semaphore and retry budget.
func (f *BrowserFetcher) FetchHTML(ctx context.Context, url, waitSelector string) (string, error) {
	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(fetchRetryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		html, err := f.render(ctx, url, waitSelector)
		if err == nil {
			return html, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("fetch html %s: %w", url, lastErr)
}

// render opens a fresh page, navigates, waits for the selector and snapshots
// the DOM.
func (f *BrowserFetcher) render(ctx context.Context, url, waitSelector string) (string, error) {
	browserCtx, cancel := chromedp.NewContext(f.allocCtx)
	defer cancel()

	navCtx, navCancel := context.WithTimeout(browserCtx, f.navTimeout)
	defer navCancel()

	// Propagate caller cancellation into the browser task.
	go func() {
		select {
		case <-ctx.Done():
			navCancel()
		case <-navCtx.Done():
		}
	}()

	var html string
	err := chromedp.Run(navCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "fr-FR,fr;q=0.9"}),
		emulation.SetUserAgentOverride(browserUserAgent),
		chromedp.Navigate(url),
		waitVisibleWithin(waitSelector, selectorTimeout),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return html, nil
}

// waitVisibleWithin bounds the container wait separately from navigation.
func waitVisibleWithin(selector string, timeout time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(waitCtx); err != nil {
			return fmt.Errorf("selector %q not visible: %w", selector, err)
		}
		return nil
	})
}

// ParseResultPage extracts cards from a rendered search page.
func ParseResultPage(html, baseURL string) (*FetchResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	result := &FetchResult{}
	doc.Find(SelectorResultCard).Each(func(_ int, sel *goquery.Selection) {
		card := Card{
			Address:    strings.TrimSpace(sel.Find(SelectorCardAddress).Text()),
			City:       strings.TrimSpace(sel.Find(SelectorCardCity).Text()),
			PostalCode: strings.TrimSpace(sel.Find(SelectorCardPostcode).Text()),
			Price:      parsePrice(sel.Find(SelectorCardPrice).Text()),
			Rooms:      parseIntLoose(sel.Find(SelectorCardRooms).Text()),
			Surface:    parseSurface(sel.Find(SelectorCardSurface).Text()),
			TypeLabel:  strings.TrimSpace(sel.AttrOr("data-type-label", "")),
		}

		if code, err := strconv.Atoi(sel.AttrOr("data-property-type", "")); err == nil {
			card.TypeCode = code
		} else {
			card.TypeCode = 5 // unknown codes map to other
		}

		// Sale date arrives as a millisecond epoch in the datetime attribute.
		if ms, err := strconv.ParseInt(sel.Find(SelectorCardDate).AttrOr("datetime", ""), 10, 64); err == nil {
			card.SaleDate = time.UnixMilli(ms).UTC().Format(SaleDateLayout)
		}

		if href := sel.Find(SelectorCardLink).AttrOr("href", ""); href != "" {
			card.DetailURL = absoluteURL(baseURL, href)
		}

		result.Cards = append(result.Cards, card)
	})
	result.Count = len(result.Cards)
	return result, nil
}

func absoluteURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(href, "/")
}

// parsePrice extracts an integer price from card text ("325 000 €" → 325000).
func parsePrice(s string) int {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n, _ := strconv.Atoi(digits.String())
	return n
}

func parseIntLoose(s string) int {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n, _ := strconv.Atoi(digits.String())
	return n
}

// parseSurface extracts a float surface ("84,5 m²" → 84.5).
func parseSurface(s string) float64 {
	s = strings.ReplaceAll(s, ",", ".")
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	f, _ := strconv.ParseFloat(strings.Trim(b.String(), "."), 64)
	return f
}
