// Command scrape runs the scraping engine for one city and writes the raw
// CSV, without touching the job queue. Useful for backfills and debugging.
package main

import (
	"context"
	"flag"
	"log"
	"strings"
	"time"

	"github.com/trackimmo/backend/internal/app"
	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/scraper"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	city := flag.String("city", "", "city name (required)")
	postal := flag.String("postal", "", "postal code (required)")
	types := flag.String("types", "house,apartment", "comma-separated property types")
	startFlag := flag.String("start", "", "start month YYYY-MM (default: 8 years ago)")
	endFlag := flag.String("end", "", "end month YYYY-MM (default: 6 years ago)")
	flag.Parse()

	if *city == "" || *postal == "" {
		log.Fatal("both -city and -postal are required")
	}

	propertyTypes, err := parseTypes(*types)
	if err != nil {
		log.Fatal(err)
	}

	now := time.Now()
	start, err := parsePeriod(*startFlag, now.AddDate(-8, 0, 0))
	if err != nil {
		log.Fatalf("start: %v", err)
	}
	end, err := parsePeriod(*endFlag, now.AddDate(-6, 0, 0))
	if err != nil {
		log.Fatalf("end: %v", err)
	}

	a, err := app.New(*configPath)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	result, err := a.Engine.ScrapeCity(context.Background(), *city, *postal, propertyTypes, start, end)
	if err != nil {
		log.Fatalf("scrape: %v", err)
	}
	log.Printf("Wrote %d row(s) to %s (%d URL(s) fetched, %d subdivision(s))",
		result.Rows, result.CSVPath, result.URLsFetched, result.Subdivisions)
}

func parseTypes(csv string) ([]domain.PropertyType, error) {
	var out []domain.PropertyType
	for _, part := range strings.Split(csv, ",") {
		t := domain.PropertyType(strings.TrimSpace(strings.ToLower(part)))
		if !t.IsValid() {
			return nil, &flagError{"unknown property type: " + string(t)}
		}
		out = append(out, t)
	}
	return out, nil
}

func parsePeriod(s string, fallback time.Time) (scraper.Period, error) {
	if s == "" {
		return scraper.Period{Year: fallback.Year(), Month: fallback.Month()}, nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return scraper.Period{}, err
	}
	return scraper.Period{Year: t.Year(), Month: t.Month()}, nil
}

type flagError struct{ msg string }

func (e *flagError) Error() string { return e.msg }
