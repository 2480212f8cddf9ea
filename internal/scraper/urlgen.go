// Package scraper implements the listings-site scraping engine: search URL
// generation, adaptive geographic/price subdivision, the headless-browser
// fetcher, and the per-city scrape orchestration that feeds the enrichment
// pipeline its raw CSV.
package scraper

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/geo"
)

// Subdivision levels. Level 0 is the initial query with all requested types
// combined; level 1 splits by property-type group; level 2 and deeper split
// the price range with progressively finer divisions.
const (
	LevelInitial   = 0
	LevelTypeSplit = 1
	LevelPrice     = 2
)

// MaxPrice is the upper bound of the topmost price range.
const MaxPrice = 25_000_000

// frenchMonths maps time.Month to the listings-site month names.
var frenchMonths = [...]string{
	"", "Janvier", "Février", "Mars", "Avril", "Mai", "Juin",
	"Juillet", "Août", "Septembre", "Octobre", "Novembre", "Décembre",
}

// Period is one calendar month of sale history.
type Period struct {
	Year  int
	Month time.Month
}

// String renders the period the way the listings site expects it.
func (p Period) String() string {
	return fmt.Sprintf("%s %d", frenchMonths[p.Month], p.Year)
}

// Key renders a stable cache key component ("2023-03").
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// PeriodsBetween expands an inclusive month range into individual periods.
func PeriodsBetween(start, end Period) []Period {
	var out []Period
	y, m := start.Year, start.Month
	for {
		out = append(out, Period{Year: y, Month: m})
		if y == end.Year && m == end.Month {
			break
		}
		m++
		if m > time.December {
			m = time.January
			y++
		}
	}
	return out
}

// SearchQuery is one listings-site search: a rectangle, a month, a set of
// property types and an optional price range. Level and ProgressiveLevel
// track how far the adaptive subdivider has refined this query.
type SearchQuery struct {
	Rect             geo.Rectangle
	Period           Period
	Types            []domain.PropertyType
	MinPrice         int
	MaxPrice         int // 0 means unbounded (no minprice/maxprice parameters)
	Level            int
	ProgressiveLevel int
}

// URL renders the search URL against the given site base.
func (q SearchQuery) URL(base string) string {
	codes := make([]string, len(q.Types))
	for i, t := range q.Types {
		codes[i] = strconv.Itoa(t.ListingTypeCode())
	}

	params := url.Values{}
	params.Set("center", fmt.Sprintf("%.6f;%.6f", q.Rect.CenterLon, q.Rect.CenterLat))
	params.Set("zoom", strconv.Itoa(q.Rect.Zoom))
	params.Set("propertytypes", strings.Join(codes, ","))
	params.Set("minmonthyear", q.Period.String())
	params.Set("maxmonthyear", q.Period.String())
	if q.MaxPrice > 0 {
		params.Set("minprice", strconv.Itoa(q.MinPrice))
		params.Set("maxprice", strconv.Itoa(q.MaxPrice))
	}
	return base + "/explorateur/transaction/recherche?" + params.Encode()
}

// TypeGroupKey is a stable identifier for the query's property-type group,
// used as a cache key component.
func (q SearchQuery) TypeGroupKey() string {
	keys := make([]string, len(q.Types))
	for i, t := range q.Types {
		keys[i] = string(t)
	}
	sort.Strings(keys)
	return strings.Join(keys, "+")
}

// InitialQueries builds the level-0 URL set: the cartesian product of
// rectangles and months, with all requested property types combined.
func InitialQueries(rects []geo.Rectangle, types []domain.PropertyType, start, end Period) []SearchQuery {
	periods := PeriodsBetween(start, end)
	out := make([]SearchQuery, 0, len(rects)*len(periods))
	for _, r := range rects {
		for _, p := range periods {
			out = append(out, SearchQuery{
				Rect:   r,
				Period: p,
				Types:  append([]domain.PropertyType(nil), types...),
				Level:  LevelInitial,
			})
		}
	}
	return out
}

// typeGroups partitions property types into the three subdivision groups:
// {apartment}, {house}, {land ∪ commercial ∪ other}.
func typeGroups(types []domain.PropertyType) [][]domain.PropertyType {
	var apartments, houses, rest []domain.PropertyType
	for _, t := range types {
		switch t {
		case domain.PropertyApartment:
			apartments = append(apartments, t)
		case domain.PropertyHouse:
			houses = append(houses, t)
		default:
			rest = append(rest, t)
		}
	}
	var out [][]domain.PropertyType
	for _, g := range [][]domain.PropertyType{apartments, houses, rest} {
		if len(g) > 0 {
			out = append(out, g)
		}
	}
	return out
}
