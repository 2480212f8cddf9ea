package enrich

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/repository/postgres"
)

type fakeSampleSource struct {
	samples []postgres.PriceSample
	err     error
	calls   int
}

func (f *fakeSampleSource) ListPriceSamples(_ context.Context, _ string, _ domain.PropertyType) ([]postgres.PriceSample, error) {
	f.calls++
	return f.samples, f.err
}

func estimatorAt(t *testing.T, src PriceSampleSource, now string) *PriceEstimator {
	t.Helper()
	parsed, err := time.Parse(isoDateLayout, now)
	if err != nil {
		t.Fatal(err)
	}
	e := NewPriceEstimator(src)
	e.now = func() time.Time { return parsed }
	return e
}

func estimateTable(rows ...Row) *Table {
	return &Table{
		Columns: []string{"city_id", "property_type", "price", "sale_date", "energy_class", "geo_score"},
		Rows:    rows,
	}
}

func TestEstimateFreshSaleKeepsPrice(t *testing.T) {
	src := &fakeSampleSource{}
	e := estimatorAt(t, src, "2024-06-01")

	out, err := e.Run(context.Background(), estimateTable(Row{
		"city_id": "c1", "property_type": "house", "price": "250000", "sale_date": "2024-03-01",
	}))
	if err != nil {
		t.Fatal(err)
	}
	r := out.Rows[0]
	if r["estimated_price"] != "250000" {
		t.Errorf("fresh sale estimate = %q, want the sale price", r["estimated_price"])
	}
	if r["estimation_confidence"] != "1.00" {
		t.Errorf("fresh sale confidence = %q, want 1.00", r["estimation_confidence"])
	}
	if src.calls != 0 {
		t.Errorf("fresh sale should not query samples, got %d calls", src.calls)
	}
}

func TestEstimateFallbackGrowth(t *testing.T) {
	src := &fakeSampleSource{err: errors.New("db down")}
	e := estimatorAt(t, src, "2024-03-01")

	// Exactly two years old with the 3% fallback: 200000 * 1.03^2 = 212180,
	// rounded to 212000.
	out, err := e.Run(context.Background(), estimateTable(Row{
		"city_id": "c1", "property_type": "house", "price": "200000", "sale_date": "2022-03-01",
	}))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := strconv.Atoi(out.Rows[0]["estimated_price"])
	if got < 211000 || got > 213000 {
		t.Errorf("estimate = %d, want ~212000 from the 3%% fallback", got)
	}
	if got%1000 != 0 {
		t.Errorf("estimate %d not rounded to the nearest thousand", got)
	}
}

func TestEstimateDPEAdjustment(t *testing.T) {
	e := estimatorAt(t, &fakeSampleSource{err: errors.New("no history")}, "2023-03-01")
	base := Row{"city_id": "c1", "property_type": "house", "price": "300000", "sale_date": "2022-03-01"}

	classA := base.clone()
	classA["energy_class"] = "A"
	classG := base.clone()
	classG["energy_class"] = "G"

	out, err := e.Run(context.Background(), estimateTable(base.clone(), classA, classG))
	if err != nil {
		t.Fatal(err)
	}

	plain, _ := strconv.Atoi(out.Rows[0]["estimated_price"])
	withA, _ := strconv.Atoi(out.Rows[1]["estimated_price"])
	withG, _ := strconv.Atoi(out.Rows[2]["estimated_price"])

	if withA <= plain {
		t.Errorf("class A (%d) should raise the plain estimate (%d)", withA, plain)
	}
	if withG >= plain {
		t.Errorf("class G (%d) should lower the plain estimate (%d)", withG, plain)
	}
}

func TestAnnualGrowthFromSamples(t *testing.T) {
	// 2020 mean 2000 €/m², 2021 mean 2100 (+5%), 2022 mean 2100 (0%).
	src := &fakeSampleSource{samples: []postgres.PriceSample{
		{Year: 2020, Price: 200000, Surface: 100},
		{Year: 2021, Price: 210000, Surface: 100},
		{Year: 2022, Price: 210000, Surface: 100},
	}}
	e := estimatorAt(t, src, "2024-01-01")

	g := e.annualGrowth(context.Background(), "c1", domain.PropertyHouse)
	if g < 0.024 || g > 0.026 {
		t.Errorf("growth = %f, want the 2.5%% average", g)
	}
}

func TestAnnualGrowthClampsOutliers(t *testing.T) {
	// +50% year over year must clamp to +10%.
	src := &fakeSampleSource{samples: []postgres.PriceSample{
		{Year: 2020, Price: 200000, Surface: 100},
		{Year: 2021, Price: 300000, Surface: 100},
	}}
	e := estimatorAt(t, src, "2024-01-01")

	if g := e.annualGrowth(context.Background(), "c1", domain.PropertyHouse); g != maxAnnualGrowth {
		t.Errorf("growth = %f, want clamped %f", g, maxAnnualGrowth)
	}
}

func TestAnnualGrowthSkipsGapYears(t *testing.T) {
	// 2019 and 2022 are not consecutive; no rate can be derived.
	src := &fakeSampleSource{samples: []postgres.PriceSample{
		{Year: 2019, Price: 200000, Surface: 100},
		{Year: 2022, Price: 260000, Surface: 100},
	}}
	e := estimatorAt(t, src, "2024-01-01")

	if g := e.annualGrowth(context.Background(), "c1", domain.PropertyHouse); g != fallbackAnnualGrowth {
		t.Errorf("growth = %f, want the fallback for gapped history", g)
	}
}

func TestConfidenceScoring(t *testing.T) {
	e := NewPriceEstimator(&fakeSampleSource{})

	full := Row{"energy_class": "C", "geo_score": "0.95", "property_type": "house"}
	// 0.8 - 0.05*2 + 0.05*3 = 0.85
	if c := e.confidence(full, 2); c < 0.849 || c > 0.851 {
		t.Errorf("confidence = %f, want 0.85", c)
	}

	bare := Row{}
	// Age penalty caps at 0.6: 0.8 - 0.6 = 0.2 regardless of extra age.
	if c := e.confidence(bare, 20); c < 0.199 || c > 0.201 {
		t.Errorf("old-sale confidence = %f, want 0.20", c)
	}

	if c := e.confidence(full, 0); c > 1 {
		t.Errorf("confidence %f above 1", c)
	}
}

func TestGrowthCachePerGroup(t *testing.T) {
	src := &fakeSampleSource{err: errors.New("no history")}
	e := estimatorAt(t, src, "2024-01-01")

	rows := []Row{
		{"city_id": "c1", "property_type": "house", "price": "100000", "sale_date": "2020-01-01"},
		{"city_id": "c1", "property_type": "house", "price": "150000", "sale_date": "2021-01-01"},
		{"city_id": "c1", "property_type": "apartment", "price": "120000", "sale_date": "2021-01-01"},
	}
	if _, err := e.Run(context.Background(), estimateTable(rows...)); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("sample source called %d times, want once per (city, type) group", src.calls)
	}
}

func TestRoundToThousand(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{212180, 212000},
		{212500, 213000},
		{999, 1000},
		{499, 0},
	}
	for _, tt := range tests {
		if got := roundToThousand(tt.in); got != tt.want {
			t.Errorf("roundToThousand(%f) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
