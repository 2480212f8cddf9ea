package enrich

import (
	"context"
	"log"
	"time"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/scraper"
)

// CityPriceStore is the slice of city persistence stage 5 needs.
type CityPriceStore interface {
	Get(ctx context.Context, id string) (*domain.City, error)
	UpdatePrices(ctx context.Context, cityID string, housePrice, aptPrice int) error
}

// MarketScraper fetches a city's market-price headlines.
type MarketScraper interface {
	Scrape(ctx context.Context, cityName, postalCode, inseeCode string) (*scraper.CityData, error)
}

// CityPriceUpdater is stage 5. For each distinct city still present in the
// table whose market data is stale, it scrapes the city market page and
// stores the fresh average prices. The table itself flows through unchanged;
// the prices feed stage 6 via the store.
type CityPriceUpdater struct {
	store  CityPriceStore
	market MarketScraper
	maxAge time.Duration
}

// NewCityPriceUpdater creates stage 5.
func NewCityPriceUpdater(store CityPriceStore, market MarketScraper, maxAge time.Duration) *CityPriceUpdater {
	return &CityPriceUpdater{store: store, market: market, maxAge: maxAge}
}

func (s *CityPriceUpdater) Name() string { return "cityprice" }

func (s *CityPriceUpdater) Run(ctx context.Context, t *Table) (*Table, error) {
	seen := make(map[string]bool)
	for _, row := range t.Rows {
		cityID := row["city_id"]
		if cityID == "" || seen[cityID] {
			continue
		}
		seen[cityID] = true

		city, err := s.store.Get(ctx, cityID)
		if err != nil {
			log.Printf("[Enrich] City %s lookup failed, skipping price refresh: %v", cityID, err)
			continue
		}
		if !city.Stale(s.maxAge) {
			continue
		}

		data, err := s.market.Scrape(ctx, city.Name, city.PostalCode, city.InseeCode)
		if err != nil || data == nil || (data.HousePriceAvg == 0 && data.AptPriceAvg == 0) {
			// Stale prices are still usable; a failed refresh never fails
			// the stage.
			log.Printf("[Enrich] Price refresh failed for %s (%s): %v", city.Name, city.PostalCode, err)
			continue
		}
		if err := s.store.UpdatePrices(ctx, cityID, data.HousePriceAvg, data.AptPriceAvg); err != nil {
			log.Printf("[Enrich] Price update failed for %s: %v", city.Name, err)
			continue
		}
		log.Printf("[Enrich] Refreshed prices for %s: house %d, apartment %d",
			city.Name, data.HousePriceAvg, data.AptPriceAvg)
	}
	return t, nil
}
