package enrich

import (
	"context"
	"log"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/repository/postgres"
)

const (
	// Sales younger than this are taken at face value.
	freshSaleAgeYears = 0.5

	// Per-year growth clamp and the fallback when no history exists.
	maxAnnualGrowth      = 0.10
	fallbackAnnualGrowth = 0.03

	daysPerYear = 365.25
)

// dpeAdjustment is the percentage applied to an estimate per energy class.
var dpeAdjustment = map[string]float64{
	"A": 5, "B": 3, "C": 1, "D": 0, "E": -2, "F": -5, "G": -8,
}

// PriceSampleSource feeds the growth-rate model from persisted sales.
type PriceSampleSource interface {
	ListPriceSamples(ctx context.Context, cityID string, propertyType domain.PropertyType) ([]postgres.PriceSample, error)
}

// PriceEstimator is stage 6. It projects each sale price to today using the
// (city, property-type) group's annual growth rate, adjusts for the energy
// class, and scores the estimate's confidence.
type PriceEstimator struct {
	samples PriceSampleSource

	now func() time.Time // test seam
}

// NewPriceEstimator creates stage 6.
func NewPriceEstimator(samples PriceSampleSource) *PriceEstimator {
	return &PriceEstimator{samples: samples, now: time.Now}
}

func (s *PriceEstimator) Name() string { return "estimate" }

func (s *PriceEstimator) Run(ctx context.Context, t *Table) (*Table, error) {
	out := &Table{Columns: t.Columns, Rows: make([]Row, 0, len(t.Rows))}
	out.AddColumns("estimated_price", "estimation_confidence")

	growthCache := make(map[string]float64)
	today := s.now()

	for _, row := range t.Rows {
		r := row.clone()
		out.Rows = append(out.Rows, r)

		price, _ := strconv.Atoi(r["price"])
		saleDate, err := time.Parse(isoDateLayout, r["sale_date"])
		if price <= 0 || err != nil {
			continue
		}

		ageYears := today.Sub(saleDate).Hours() / 24 / daysPerYear
		if ageYears < freshSaleAgeYears {
			r["estimated_price"] = strconv.Itoa(price)
			r["estimation_confidence"] = "1.00"
			continue
		}

		groupKey := r["city_id"] + "|" + r["property_type"]
		growth, ok := growthCache[groupKey]
		if !ok {
			growth = s.annualGrowth(ctx, r["city_id"], domain.PropertyType(r["property_type"]))
			growthCache[groupKey] = growth
		}

		estimate := float64(price) * math.Pow(1+growth, ageYears)
		if adj, ok := dpeAdjustment[r["energy_class"]]; ok {
			estimate *= 1 + adj/100
		}

		r["estimated_price"] = strconv.Itoa(roundToThousand(estimate))
		r["estimation_confidence"] = strconv.FormatFloat(
			s.confidence(r, ageYears), 'f', 2, 64)
	}
	return out, nil
}

// annualGrowth derives the average year-over-year price-per-m² growth for a
// (city, property-type) group from persisted sales. Each annual rate is
// clamped to ±10%; with no usable history the fallback rate applies.
func (s *PriceEstimator) annualGrowth(ctx context.Context, cityID string, propertyType domain.PropertyType) float64 {
	samples, err := s.samples.ListPriceSamples(ctx, cityID, propertyType)
	if err != nil {
		log.Printf("[Enrich] Price samples unavailable for city %s: %v", cityID, err)
		return fallbackAnnualGrowth
	}

	type yearAgg struct {
		sum float64
		n   int
	}
	byYear := make(map[int]*yearAgg)
	for _, sample := range samples {
		if sample.Surface <= 0 || sample.Price <= 0 {
			continue
		}
		agg := byYear[sample.Year]
		if agg == nil {
			agg = &yearAgg{}
			byYear[sample.Year] = agg
		}
		agg.sum += float64(sample.Price) / float64(sample.Surface)
		agg.n++
	}

	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	var rates []float64
	for i := 1; i < len(years); i++ {
		if years[i] != years[i-1]+1 {
			continue
		}
		prev := byYear[years[i-1]]
		cur := byYear[years[i]]
		prevMean := prev.sum / float64(prev.n)
		curMean := cur.sum / float64(cur.n)
		if prevMean <= 0 {
			continue
		}
		rate := curMean/prevMean - 1
		if rate > maxAnnualGrowth {
			rate = maxAnnualGrowth
		} else if rate < -maxAnnualGrowth {
			rate = -maxAnnualGrowth
		}
		rates = append(rates, rate)
	}

	if len(rates) == 0 {
		return fallbackAnnualGrowth
	}
	total := 0.0
	for _, r := range rates {
		total += r
	}
	return total / float64(len(rates))
}

// confidence scores an estimate in [0, 1]: older sales are less certain,
// certificate and geocoding corroboration buy it back.
func (s *PriceEstimator) confidence(r Row, ageYears float64) float64 {
	agePenalty := 0.05 * ageYears
	if agePenalty > 0.6 {
		agePenalty = 0.6
	}
	c := 0.8 - agePenalty

	if _, ok := dpeAdjustment[r["energy_class"]]; ok {
		c += 0.05
	}
	if score, err := strconv.ParseFloat(r["geo_score"], 64); err == nil && score > 0.8 {
		c += 0.05
	}
	if r["property_type"] != "" {
		c += 0.05
	}

	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func roundToThousand(v float64) int {
	return int(math.Round(v/1000)) * 1000
}
