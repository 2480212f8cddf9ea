package enrich

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/trackimmo/backend/internal/addressapi"
	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/repository/postgres"
	"github.com/trackimmo/backend/internal/scraper"
)

// cityProbeSize is how many of a city's addresses are sent to the address
// API to vote on its postcode and INSEE code.
const cityProbeSize = 10

// CityStore is the slice of city persistence stage 2 needs.
type CityStore interface {
	GetByInsee(ctx context.Context, insee string) (*domain.City, error)
	Upsert(ctx context.Context, c *domain.City) (string, error)
}

// resolvedCity is a per-run resolution of one distinct city name.
type resolvedCity struct {
	cityID     string
	postalCode string
	inseeCode  string
	department string
}

// CityResolver is stage 2. It resolves every distinct city name to a
// persisted city row via a batch address-API probe, and annotates rows with
// the city's identifiers. Rows whose city cannot be resolved are dropped.
type CityResolver struct {
	api   *addressapi.Client
	store CityStore
}

// NewCityResolver creates stage 2.
func NewCityResolver(api *addressapi.Client, store CityStore) *CityResolver {
	return &CityResolver{api: api, store: store}
}

func (s *CityResolver) Name() string { return "cities" }

func (s *CityResolver) Run(ctx context.Context, t *Table) (*Table, error) {
	// Group row indexes by city name.
	groups := make(map[string][]int)
	for i, row := range t.Rows {
		groups[row["city_name"]] = append(groups[row["city_name"]], i)
	}

	resolved := make(map[string]*resolvedCity, len(groups))
	for city, idxs := range groups {
		rc, err := s.resolveCity(ctx, city, t, idxs)
		if err != nil {
			log.Printf("[Enrich] City %q failed resolution, dropping %d row(s): %v", city, len(idxs), err)
			continue
		}
		resolved[city] = rc
	}

	out := &Table{Columns: t.Columns}
	out.AddColumns("city_id", "postal_code", "insee_code", "department")
	for _, row := range t.Rows {
		rc, ok := resolved[row["city_name"]]
		if !ok {
			continue
		}
		r := row.clone()
		r["city_id"] = rc.cityID
		r["postal_code"] = rc.postalCode
		r["insee_code"] = rc.inseeCode
		r["department"] = rc.department
		out.Rows = append(out.Rows, r)
	}
	return out, nil
}

// resolveCity probes a sample of the city's addresses through the batch
// endpoint and takes the modal postcode and citycode of the responses.
func (s *CityResolver) resolveCity(ctx context.Context, city string, t *Table, idxs []int) (*resolvedCity, error) {
	probe := make([]map[string]string, 0, cityProbeSize)
	for _, i := range idxs {
		if len(probe) == cityProbeSize {
			break
		}
		probe = append(probe, map[string]string{
			"q": t.Rows[i]["address_raw"] + " " + city,
		})
	}

	results, err := s.api.SearchCSV(ctx, probe, []string{"q"})
	if err != nil {
		return nil, fmt.Errorf("probe city: %w", err)
	}

	postcodes := make(map[string]int)
	citycodes := make(map[string]int)
	for _, r := range results {
		if r["result_postcode"] != "" {
			postcodes[r["result_postcode"]]++
		}
		if r["result_citycode"] != "" {
			citycodes[r["result_citycode"]]++
		}
	}
	insee := modal(citycodes)
	postal := modal(postcodes)
	if insee == "" {
		return nil, fmt.Errorf("probe city: no citycode in %d response(s)", len(results))
	}

	if existing, err := s.store.GetByInsee(ctx, insee); err == nil {
		return &resolvedCity{
			cityID:     existing.ID,
			postalCode: existing.PostalCode,
			inseeCode:  existing.InseeCode,
			department: existing.Department,
		}, nil
	} else if !errors.Is(err, postgres.ErrNotFound) {
		return nil, err
	}

	c := &domain.City{
		Name:       city,
		PostalCode: postal,
		InseeCode:  insee,
		Department: scraper.DepartmentFromInsee(insee),
	}
	id, err := s.store.Upsert(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("persist city: %w", err)
	}
	log.Printf("[Enrich] Resolved new city %q (insee %s, postal %s)", city, insee, postal)
	return &resolvedCity{cityID: id, postalCode: postal, inseeCode: insee, department: c.Department}, nil
}

// modal returns the most frequent key, ties broken by higher count first
// then lexical order for determinism.
func modal(counts map[string]int) string {
	best, bestCount := "", 0
	for k, n := range counts {
		if n > bestCount || (n == bestCount && k < best) {
			best, bestCount = k, n
		}
	}
	return best
}
