package scraper

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/geo"
)

// RawCSVHeader is the column set of a raw scrape CSV. The source_url column
// is mandatory: downstream persistence uses it as the dedup key.
var RawCSVHeader = []string{
	"address_raw", "city_name", "price", "surface", "rooms",
	"sale_date", "property_type", "source_url",
}

// RawRow is one scraped sale, as written to the raw CSV.
type RawRow struct {
	AddressRaw   string
	CityName     string
	Price        int
	Surface      float64
	Rooms        int
	SaleDate     string // DD/MM/YYYY
	PropertyType string
	SourceURL    string
}

// identityKey is the property-identity dedup key: distinct URLs pointing at
// the same sale collapse to one row.
func (r RawRow) identityKey() string {
	return strings.Join([]string{
		r.AddressRaw, r.CityName, strconv.Itoa(r.Price),
		strconv.FormatFloat(r.Surface, 'f', -1, 64),
		strconv.Itoa(r.Rooms), r.SaleDate,
	}, "|")
}

// ScrapeResult summarises one city scrape.
type ScrapeResult struct {
	CSVPath      string
	Rows         int
	Box          geo.BoundingBox
	URLsFetched  int
	Subdivisions int
	FetchErrors  int
}

// Engine orchestrates geo division, URL generation, concurrent fetching with
// adaptive subdivision, deduplication and the raw CSV sink.
type Engine struct {
	divider *geo.Divider
	fetcher Fetcher
	sub     *Subdivider

	baseURL   string
	outputDir string
	delay     time.Duration

	// Stats
	urlsFetched   int64
	subdivisions  int64
	rowsCollected int64
}

// NewEngine creates a scraping engine.
func NewEngine(divider *geo.Divider, fetcher Fetcher, baseURL, outputDir string, delay time.Duration) *Engine {
	return &Engine{
		divider:   divider,
		fetcher:   fetcher,
		sub:       NewSubdivider(),
		baseURL:   baseURL,
		outputDir: outputDir,
		delay:     delay,
	}
}

// Stats returns cumulative engine counters.
func (e *Engine) Stats() map[string]int64 {
	return map[string]int64{
		"urls_fetched":   atomic.LoadInt64(&e.urlsFetched),
		"subdivisions":   atomic.LoadInt64(&e.subdivisions),
		"rows_collected": atomic.LoadInt64(&e.rowsCollected),
	}
}

// ScrapeCity runs the full scrape for one city and writes the raw CSV.
// A scrape that yields zero cards still writes the header row.
func (e *Engine) ScrapeCity(ctx context.Context, cityName, postalCode string, types []domain.PropertyType, start, end Period) (*ScrapeResult, error) {
	rects, box, err := e.divider.Divide(ctx, cityName, postalCode)
	if err != nil {
		return nil, fmt.Errorf("geo divide: %w", err)
	}

	pending := e.expandMemoised(InitialQueries(rects, types, start, end))
	log.Printf("[ScrapeEngine] %s (%s): %d initial URL(s) over %d tile(s)",
		cityName, postalCode, len(pending), len(rects))

	var (
		mu          sync.Mutex
		rows        []RawRow
		fetchErrors int
	)

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var next []SearchQuery
		var wg sync.WaitGroup
		for i, q := range pending {
			// Stagger launches so the portal never sees a burst of
			// simultaneous requests.
			if e.delay > 0 && i > 0 {
				select {
				case <-ctx.Done():
					wg.Wait()
					return nil, ctx.Err()
				case <-time.After(e.delay):
				}
			}
			wg.Add(1)
			go func(q SearchQuery) {
				defer wg.Done()
				atomic.AddInt64(&e.urlsFetched, 1)

				res, err := e.fetcher.Fetch(ctx, q.URL(e.baseURL))
				if err != nil {
					log.Printf("[ScrapeEngine] Fetch failed (level %d): %v", q.Level, err)
					mu.Lock()
					fetchErrors++
					mu.Unlock()
					return
				}

				if e.sub.ShouldSubdivide(res.Count) {
					children := e.sub.Subdivide(q, cardPrices(res.Cards), res.Count)
					atomic.AddInt64(&e.subdivisions, 1)
					mu.Lock()
					next = append(next, children...)
					mu.Unlock()
					return
				}

				e.sub.RecordSuccess(q)
				accepted := cardsToRows(res.Cards, cityName)
				atomic.AddInt64(&e.rowsCollected, int64(len(accepted)))
				mu.Lock()
				rows = append(rows, accepted...)
				mu.Unlock()
			}(q)
		}
		wg.Wait()
		pending = next
	}

	if len(rows) == 0 && fetchErrors > 0 {
		return nil, fmt.Errorf("scrape %s: all fetches failed (%d errors)", cityName, fetchErrors)
	}

	deduped := Deduplicate(rows)
	path, err := e.writeCSV(cityName, postalCode, deduped)
	if err != nil {
		return nil, err
	}

	log.Printf("[ScrapeEngine] %s: %d rows (%d before dedup), %d fetch errors → %s",
		cityName, len(deduped), len(rows), fetchErrors, path)

	return &ScrapeResult{
		CSVPath:      path,
		Rows:         len(deduped),
		Box:          box,
		URLsFetched:  int(atomic.LoadInt64(&e.urlsFetched)),
		Subdivisions: int(atomic.LoadInt64(&e.subdivisions)),
		FetchErrors:  fetchErrors,
	}, nil
}

// expandMemoised replaces each initial query whose (tile, period, type
// group) has a memoised success level with children pre-split to that level.
func (e *Engine) expandMemoised(initial []SearchQuery) []SearchQuery {
	var out []SearchQuery
	for _, q := range initial {
		level, progressive := e.sub.StartLevel(q)
		if level == LevelInitial {
			out = append(out, q)
			continue
		}

		queries := []SearchQuery{q}
		if groups := typeGroups(q.Types); len(groups) > 1 {
			queries = queries[:0]
			for _, g := range groups {
				child := q
				child.Types = g
				child.Level = LevelTypeSplit
				queries = append(queries, child)
			}
		}

		if level >= LevelPrice {
			var priced []SearchQuery
			for _, tq := range queries {
				// No sample data ahead of the fetch: equal ranges at the
				// memoised progressive depth.
				tq.ProgressiveLevel = progressive - 1
				priced = append(priced, e.sub.splitByPrice(tq, nil, 0)...)
			}
			queries = priced
		}
		out = append(out, queries...)
	}
	return out
}

// Deduplicate removes rows sharing a source URL, then rows sharing the
// property-identity tuple. Idempotent and order-independent on the surviving
// set; first occurrence wins.
func Deduplicate(rows []RawRow) []RawRow {
	seenURL := make(map[string]bool, len(rows))
	seenIdentity := make(map[string]bool, len(rows))
	out := make([]RawRow, 0, len(rows))
	for _, r := range rows {
		if r.SourceURL != "" && seenURL[r.SourceURL] {
			continue
		}
		if seenIdentity[r.identityKey()] {
			continue
		}
		if r.SourceURL != "" {
			seenURL[r.SourceURL] = true
		}
		seenIdentity[r.identityKey()] = true
		out = append(out, r)
	}
	return out
}

func cardPrices(cards []Card) []int {
	out := make([]int, 0, len(cards))
	for _, c := range cards {
		if c.Price > 0 {
			out = append(out, c.Price)
		}
	}
	return out
}

func cardsToRows(cards []Card, fallbackCity string) []RawRow {
	out := make([]RawRow, 0, len(cards))
	for _, c := range cards {
		city := c.City
		if city == "" {
			city = fallbackCity
		}
		label := c.TypeLabel
		if label == "" {
			label = string(domain.PropertyTypeFromCode(c.TypeCode))
		}
		out = append(out, RawRow{
			AddressRaw:   c.Address,
			CityName:     city,
			Price:        c.Price,
			Surface:      c.Surface,
			Rooms:        c.Rooms,
			SaleDate:     c.SaleDate,
			PropertyType: label,
			SourceURL:    c.DetailURL,
		})
	}
	return out
}

// writeCSV writes the raw scrape file: one file per city per timestamp.
func (e *Engine) writeCSV(cityName, postalCode string, rows []RawRow) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s.csv",
		NormalizeFilename(cityName), postalCode, time.Now().Format("20060102T150405"))
	path := filepath.Join(e.outputDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(RawCSVHeader); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.AddressRaw, r.CityName,
			strconv.Itoa(r.Price),
			strconv.FormatFloat(r.Surface, 'f', -1, 64),
			strconv.Itoa(r.Rooms),
			r.SaleDate, r.PropertyType, r.SourceURL,
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return path, nil
}

// NormalizeFilename lowercases and strips a city name for use in filenames.
func NormalizeFilename(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '\'':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
