package dpeapi

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// diskCache stores certificates per location in CSV files. The filename is
// the location ID; staleness is judged by file mtime.
type diskCache struct {
	dir    string
	maxAge time.Duration
}

func newDiskCache(dir string, maxAge time.Duration) *diskCache {
	return &diskCache{dir: dir, maxAge: maxAge}
}

var cacheHeader = []string{
	"dpe_number", "address", "construction_year", "dpe_date",
	"energy_class", "ges_class", "lat", "lon",
}

func (c *diskCache) pathFor(locationID string) string {
	return filepath.Join(c.dir, locationID+".csv")
}

// load returns the cached certificates when the file exists and is fresh.
func (c *diskCache) load(locationID string) ([]Certificate, bool) {
	path := c.pathFor(locationID)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if time.Since(info.ModTime()) > c.maxAge {
		return nil, false
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil || len(records) < 1 {
		return nil, false
	}

	out := make([]Certificate, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < len(cacheHeader) {
			continue
		}
		year, _ := strconv.Atoi(rec[2])
		lat, _ := strconv.ParseFloat(rec[6], 64)
		lon, _ := strconv.ParseFloat(rec[7], 64)
		out = append(out, Certificate{
			DPENumber:        rec[0],
			Address:          rec[1],
			ConstructionYear: year,
			DPEDate:          rec[3],
			EnergyClass:      rec[4],
			GESClass:         rec[5],
			Lat:              lat,
			Lon:              lon,
		})
	}
	return out, true
}

// store writes the certificates for a location, replacing any previous file.
func (c *diskCache) store(locationID string, certs []Certificate) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}

	tmp := c.pathFor(locationID) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(cacheHeader); err != nil {
		f.Close()
		return err
	}
	for _, cert := range certs {
		rec := []string{
			cert.DPENumber, cert.Address,
			strconv.Itoa(cert.ConstructionYear), cert.DPEDate,
			cert.EnergyClass, cert.GESClass,
			strconv.FormatFloat(cert.Lat, 'f', -1, 64),
			strconv.FormatFloat(cert.Lon, 'f', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.pathFor(locationID))
}
