package enrich

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/trackimmo/backend/internal/addressapi"
	"github.com/trackimmo/backend/internal/geo"
)

const (
	// geocodeMaxChunk is the hard upper bound on rows per batch request,
	// regardless of the configured batch size.
	geocodeMaxChunk = 5000

	// geocodeRetries is the chunk-level retry budget on transport failure.
	geocodeRetries = 3
)

// Geocoder is stage 3. It sends rows to the batch geocoding endpoint in
// chunks and keeps only rows with trustworthy coordinates: a result score at
// or above the minimum and a position no further than the distance threshold
// outside the city's bounding box.
type Geocoder struct {
	api               *addressapi.Client
	batchSize         int
	minScore          float64
	distanceThreshold float64 // km outside the city box

	sleep func(time.Duration) // test seam
}

// NewGeocoder creates stage 3.
func NewGeocoder(api *addressapi.Client, batchSize int, minScore, distanceThresholdKM float64) *Geocoder {
	if batchSize <= 0 || batchSize > geocodeMaxChunk {
		batchSize = geocodeMaxChunk
	}
	return &Geocoder{
		api:               api,
		batchSize:         batchSize,
		minScore:          minScore,
		distanceThreshold: distanceThresholdKM,
		sleep:             time.Sleep,
	}
}

func (s *Geocoder) Name() string { return "geocode" }

func (s *Geocoder) Run(ctx context.Context, t *Table) (*Table, error) {
	boxes, err := s.resolveCityBoxes(ctx, t)
	if err != nil {
		return nil, err
	}

	out := &Table{Columns: t.Columns}
	out.AddColumns("latitude", "longitude", "geo_score", "geo_label")

	dropped := 0
	for start := 0; start < len(t.Rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(t.Rows) {
			end = len(t.Rows)
		}
		kept, droppedInChunk, err := s.geocodeChunk(ctx, t.Rows[start:end], boxes)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, kept...)
		dropped += droppedInChunk
	}

	if dropped > 0 {
		log.Printf("[Enrich] Geocoder dropped %d row(s) (missing coords, low score, or out of area)", dropped)
	}
	return out, nil
}

func (s *Geocoder) geocodeChunk(ctx context.Context, rows []Row, boxes map[string]geo.BoundingBox) ([]Row, int, error) {
	queries := make([]map[string]string, len(rows))
	for i, row := range rows {
		queries[i] = map[string]string{
			"row_id": strconv.Itoa(i),
			"q":      row["address_raw"] + " " + row["postal_code"] + " " + row["city_name"],
		}
	}

	var results []map[string]string
	var err error
	for attempt := 1; attempt <= geocodeRetries; attempt++ {
		results, err = s.api.SearchCSV(ctx, queries, []string{"row_id", "q"})
		if err == nil {
			break
		}
		if attempt < geocodeRetries {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			log.Printf("[Enrich] Geocode chunk attempt %d failed, retrying in %s: %v", attempt, backoff, err)
			s.sleep(backoff)
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("geocode chunk: %w", err)
	}

	byID := make(map[string]map[string]string, len(results))
	for _, r := range results {
		byID[r["row_id"]] = r
	}

	var kept []Row
	dropped := 0
	for i, row := range rows {
		res := byID[strconv.Itoa(i)]
		lat, lon, score, ok := parseGeocodeResult(res)
		if !ok || score < s.minScore {
			dropped++
			continue
		}
		if box, haveBox := boxes[row["city_name"]]; haveBox {
			if box.DistanceOutsideKM(lat, lon) > s.distanceThreshold {
				dropped++
				continue
			}
		}
		r := row.clone()
		r["latitude"] = strconv.FormatFloat(lat, 'f', 6, 64)
		r["longitude"] = strconv.FormatFloat(lon, 'f', 6, 64)
		r["geo_score"] = strconv.FormatFloat(score, 'f', 4, 64)
		r["geo_label"] = res["result_label"]
		kept = append(kept, r)
	}
	return kept, dropped, nil
}

// resolveCityBoxes looks up each distinct city's bounding box once. A city
// without a resolvable box is geocoded without the distance filter.
func (s *Geocoder) resolveCityBoxes(ctx context.Context, t *Table) (map[string]geo.BoundingBox, error) {
	boxes := make(map[string]geo.BoundingBox)
	seen := make(map[string]bool)
	for _, row := range t.Rows {
		city := row["city_name"]
		if seen[city] {
			continue
		}
		seen[city] = true

		features, err := s.api.Search(ctx, city+" "+row["postal_code"], "municipality", 1)
		if err != nil {
			return nil, fmt.Errorf("resolve box for %q: %w", city, err)
		}
		if len(features) == 0 {
			log.Printf("[Enrich] No municipality match for %q, skipping distance filter", city)
			continue
		}
		f := features[0]
		if len(f.BBox) == 4 {
			boxes[city] = geo.BoundingBox{MinLon: f.BBox[0], MinLat: f.BBox[1], MaxLon: f.BBox[2], MaxLat: f.BBox[3]}
		} else {
			boxes[city] = geo.SquareAround(f.Lat, f.Lon, 1.0)
		}
	}
	return boxes, nil
}

func parseGeocodeResult(res map[string]string) (lat, lon, score float64, ok bool) {
	if res == nil {
		return 0, 0, 0, false
	}
	lat, err1 := strconv.ParseFloat(res["latitude"], 64)
	lon, err2 := strconv.ParseFloat(res["longitude"], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, 0, false
	}
	score, _ = strconv.ParseFloat(res["result_score"], 64)
	return lat, lon, score, true
}
