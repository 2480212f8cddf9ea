package scraper

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/trackimmo/backend/internal/addressapi"
)

// Selectors for the city market page (browser-rendered).
const (
	SelectorMarketStats = "div.market-stats"
	SelectorMarketBlock = "div.market-stats div.stat-block"
	SelectorBlockTitle  = ".stat-title"
	SelectorBlockPrice  = ".stat-price"
)

// Market-page block titles holding the central price figures.
const (
	marketTitleHouses     = "maisons"
	marketTitleApartments = "appartements"
)

// CityData is the outcome of a city-data scrape.
type CityData struct {
	InseeCode     string
	Department    string
	Region        string
	HousePriceAvg int
	AptPriceAvg   int
	Status        string // "ok" or "error"
	ErrorMessage  string
}

// CityDataScraper resolves a city's administrative identifiers through the
// address API and its market price headlines through a browser fetch of the
// city market page. Used by enrichment stage 5 and the orchestrator's
// pre-scrape refresh.
type CityDataScraper struct {
	api          *addressapi.Client
	pages        PageFetcher
	cityPagesURL string
}

// NewCityDataScraper creates a city-data scraper.
func NewCityDataScraper(api *addressapi.Client, pages PageFetcher, cityPagesURL string) *CityDataScraper {
	return &CityDataScraper{api: api, pages: pages, cityPagesURL: cityPagesURL}
}

// Scrape fetches administrative data and market prices for one city.
// inseeCode may be empty; it is then resolved through the address API.
func (s *CityDataScraper) Scrape(ctx context.Context, cityName, postalCode, inseeCode string) (*CityData, error) {
	out := &CityData{InseeCode: inseeCode, Status: "ok"}

	if out.InseeCode == "" || out.Region == "" {
		features, err := s.api.Search(ctx, cityName+" "+postalCode, "municipality", 1)
		if err != nil {
			out.Status = "error"
			out.ErrorMessage = err.Error()
			return out, fmt.Errorf("city data for %s: %w", cityName, err)
		}
		if len(features) == 0 {
			out.Status = "error"
			out.ErrorMessage = "no municipality match"
			return out, fmt.Errorf("city data for %s: no municipality match", cityName)
		}
		f := features[0]
		if out.InseeCode == "" {
			out.InseeCode = f.CityCode
		}
		out.Region = regionFromContext(f.Context)
	}
	out.Department = DepartmentFromInsee(out.InseeCode)

	house, apt, err := s.scrapeMarketPage(ctx, cityName, postalCode)
	if err != nil {
		// Administrative data alone is still useful; report the partial
		// failure without discarding it.
		log.Printf("[CityData] Market page failed for %s (%s): %v", cityName, postalCode, err)
		out.Status = "error"
		out.ErrorMessage = err.Error()
		return out, nil
	}
	out.HousePriceAvg = house
	out.AptPriceAvg = apt
	return out, nil
}

// scrapeMarketPage renders the city market page and extracts the central
// "Maisons — Prix" and "Appartements — Prix" figures.
func (s *CityDataScraper) scrapeMarketPage(ctx context.Context, cityName, postalCode string) (int, int, error) {
	url := fmt.Sprintf("%s/%s-%s", strings.TrimRight(s.cityPagesURL, "/"),
		NormalizeFilename(cityName), postalCode)

	html, err := s.pages.FetchHTML(ctx, url, SelectorMarketStats)
	if err != nil {
		return 0, 0, err
	}
	return ParseMarketPage(html)
}

// ParseMarketPage extracts the house and apartment central prices.
func ParseMarketPage(html string) (house, apt int, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, 0, fmt.Errorf("parse market page: %w", err)
	}

	doc.Find(SelectorMarketBlock).Each(func(_ int, sel *goquery.Selection) {
		title := strings.ToLower(strings.TrimSpace(sel.Find(SelectorBlockTitle).Text()))
		price := parsePrice(sel.Find(SelectorBlockPrice).Text())
		switch {
		case strings.Contains(title, marketTitleHouses):
			house = price
		case strings.Contains(title, marketTitleApartments):
			apt = price
		}
	})

	if house == 0 && apt == 0 {
		return 0, 0, fmt.Errorf("market page: no price blocks found")
	}
	return house, apt, nil
}

// DepartmentFromInsee derives the department from an INSEE code: the first
// two characters, except Corsica (2A/2B) and overseas (97x) which use three.
func DepartmentFromInsee(insee string) string {
	if len(insee) < 2 {
		return insee
	}
	prefix := insee[:2]
	if prefix == "2A" || prefix == "2B" || prefix == "97" {
		if len(insee) >= 3 {
			return insee[:3]
		}
	}
	return prefix
}

// regionFromContext extracts the region from an address-API context string
// ("33, Gironde, Nouvelle-Aquitaine" → "Nouvelle-Aquitaine").
func regionFromContext(context string) string {
	parts := strings.Split(context, ",")
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(parts[len(parts)-1])
}
