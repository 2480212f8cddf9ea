package enrich

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/trackimmo/backend/internal/domain"
)

// persistBatchSize is how many rows are reported per insertion batch.
const persistBatchSize = 100

// Construction years outside this range are treated as data noise.
const minConstructionYear = 1800

// Persistence outcomes recorded in the report column.
const (
	PersistInserted  = "inserted"
	PersistDuplicate = "duplicate"
)

// AddressStore is the slice of address persistence stage 7 needs.
type AddressStore interface {
	FilterExistingURLs(ctx context.Context, urls []string) (map[string]string, error)
	Insert(ctx context.Context, a *domain.Address) (string, error)
	InsertDPE(ctx context.Context, d *domain.DPE) error
}

// persistRequiredColumns must be non-empty for a row to be persisted.
var persistRequiredColumns = []string{
	"address_raw", "city_id", "department", "sale_date", "property_type", "source_url",
}

// Persister is stage 7. It writes the enriched rows to the address table,
// skipping source URLs that already exist, and records a per-row outcome.
type Persister struct {
	store AddressStore

	now func() time.Time // test seam
}

// NewPersister creates stage 7.
func NewPersister(store AddressStore) *Persister {
	return &Persister{store: store, now: time.Now}
}

func (s *Persister) Name() string { return "persist" }

func (s *Persister) Run(ctx context.Context, t *Table) (*Table, error) {
	out := &Table{Columns: t.Columns}
	out.AddColumns("address_id", "persist_status")

	valid := make([]Row, 0, len(t.Rows))
	dropped := 0
rows:
	for _, row := range t.Rows {
		for _, col := range persistRequiredColumns {
			if row[col] == "" {
				dropped++
				continue rows
			}
		}
		valid = append(valid, row.clone())
	}
	if dropped > 0 {
		log.Printf("[Enrich] Persister dropped %d row(s) missing required fields", dropped)
	}

	// One pass over all URLs up front; the store batches the lookups.
	urls := make([]string, len(valid))
	for i, row := range valid {
		urls[i] = row["source_url"]
	}
	existing, err := s.store.FilterExistingURLs(ctx, urls)
	if err != nil {
		return nil, err
	}

	inserted, duplicates := 0, 0
	for start := 0; start < len(valid); start += persistBatchSize {
		end := start + persistBatchSize
		if end > len(valid) {
			end = len(valid)
		}
		for _, row := range valid[start:end] {
			if id, ok := existing[row["source_url"]]; ok {
				row["address_id"] = id
				row["persist_status"] = PersistDuplicate
				duplicates++
				continue
			}
			id, err := s.persistRow(ctx, row)
			if err != nil {
				log.Printf("[Enrich] Insert failed for %s: %v", row["source_url"], err)
				continue
			}
			row["address_id"] = id
			row["persist_status"] = PersistInserted
			inserted++
		}
		out.Rows = append(out.Rows, valid[start:end]...)
		log.Printf("[Enrich] Persisted batch %d-%d (%d inserted, %d duplicate so far)",
			start, end, inserted, duplicates)
	}

	return out, nil
}

func (s *Persister) persistRow(ctx context.Context, row Row) (string, error) {
	saleDate, err := time.Parse(isoDateLayout, row["sale_date"])
	if err != nil {
		return "", err
	}

	addr := &domain.Address{
		CityID:       row["city_id"],
		Department:   clampDepartment(row["department"]),
		AddressRaw:   row["address_raw"],
		SaleDate:     saleDate,
		PropertyType: domain.PropertyType(row["property_type"]),
		Surface:      coerceInt(row["surface"]),
		Rooms:        coerceInt(row["rooms"]),
		Price:        coerceInt(row["price"]),
		SourceURL:    row["source_url"],
	}
	if est := coerceInt(row["estimated_price"]); est > 0 {
		addr.EstimatedPrice = est
	}
	if lat, err1 := strconv.ParseFloat(row["latitude"], 64); err1 == nil {
		if lon, err2 := strconv.ParseFloat(row["longitude"], 64); err2 == nil {
			addr.Location = &domain.GeoPoint{Lat: lat, Lon: lon}
		}
	}

	id, err := s.store.Insert(ctx, addr)
	if err != nil {
		return "", err
	}

	if hasCertificate(row) {
		if err := s.insertDPE(ctx, id, row); err != nil {
			// The address row is already in; a certificate failure is not
			// worth losing it over.
			log.Printf("[Enrich] DPE insert failed for %s: %v", row["source_url"], err)
		}
	}
	return id, nil
}

func hasCertificate(row Row) bool {
	return row["dpe_number"] != "" || row["energy_class"] != "" || row["ges_class"] != ""
}

func (s *Persister) insertDPE(ctx context.Context, addressID string, row Row) error {
	d := &domain.DPE{
		AddressID:   addressID,
		DPENumber:   row["dpe_number"],
		EnergyClass: defaultClass(row["energy_class"]),
		GESClass:    defaultClass(row["ges_class"]),
	}

	if year := coerceInt(row["construction_year"]); year >= minConstructionYear && year <= s.now().Year() {
		d.ConstructionYear = &year
	}

	dpeDate := s.now()
	if parsed, err := time.Parse(isoDateLayout, row["dpe_date"]); err == nil {
		dpeDate = parsed
	}
	d.DPEDate = &dpeDate

	return s.store.InsertDPE(ctx, d)
}

func defaultClass(s string) string {
	if !domain.ValidDPEClass(s) {
		return "N"
	}
	return s
}

// clampDepartment keeps the department at the 2-3 characters the schema
// expects.
func clampDepartment(dep string) string {
	if len(dep) > 3 {
		return dep[:3]
	}
	return dep
}
