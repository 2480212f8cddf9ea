package scraper

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestEntry records where the latest raw CSV for a city lives.
type ManifestEntry struct {
	CityName   string    `json:"city_name"`
	PostalCode string    `json:"postal_code"`
	CSVPath    string    `json:"csv_path"`
	Rows       int       `json:"rows"`
	ScrapedAt  time.Time `json:"scraped_at"`
}

// Manifest maps city IDs to their most recent raw scrape. The orchestrator's
// skip-scraping mode reads it instead of guessing by filename substring.
type Manifest struct {
	mu      sync.Mutex
	path    string
	Entries map[string]ManifestEntry `json:"entries"`
}

// LoadManifest reads the manifest file, returning an empty manifest when the
// file does not exist yet.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path, Entries: make(map[string]ManifestEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Entries == nil {
		m.Entries = make(map[string]ManifestEntry)
	}
	return m, nil
}

// Lookup returns the entry for a city ID.
func (m *Manifest) Lookup(cityID string) (ManifestEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.Entries[cityID]
	return e, ok
}

// Record stores the latest scrape for a city and persists the manifest.
func (m *Manifest) Record(cityID string, entry ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Entries[cityID] = entry

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, m.path)
}
