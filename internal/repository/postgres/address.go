package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trackimmo/backend/internal/domain"
)

// urlFilterBatchSize is how many source URLs one pre-filter query checks.
const urlFilterBatchSize = 100

// AddressRepo implements address and DPE persistence.
type AddressRepo struct{ db *sql.DB }

// NewAddressRepo creates a Postgres-backed address repository.
func NewAddressRepo(db *sql.DB) *AddressRepo { return &AddressRepo{db: db} }

// geoJSONPoint serialises coordinates as a GeoJSON Point document.
func geoJSONPoint(p *domain.GeoPoint) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	doc := map[string]interface{}{
		"type":        "Point",
		"coordinates": []float64{p.Lon, p.Lat},
	}
	return json.Marshal(doc)
}

func geoPointFromJSON(raw []byte) *domain.GeoPoint {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Coordinates) != 2 {
		return nil
	}
	return &domain.GeoPoint{Lon: doc.Coordinates[0], Lat: doc.Coordinates[1]}
}

// FindByURL returns the address with the given source URL.
func (r *AddressRepo) FindByURL(ctx context.Context, sourceURL string) (*domain.Address, error) {
	a := &domain.Address{}
	var location []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT address_id, city_id, department, address_raw, sale_date,
		       property_type, surface, rooms, price, COALESCE(estimated_price, 0),
		       location, source_url, created_at
		FROM addresses
		WHERE source_url = $1
	`, sourceURL).Scan(
		&a.ID, &a.CityID, &a.Department, &a.AddressRaw, &a.SaleDate,
		&a.PropertyType, &a.Surface, &a.Rooms, &a.Price, &a.EstimatedPrice,
		&location, &a.SourceURL, &a.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find address by url: %w", err)
	}
	a.Location = geoPointFromJSON(location)
	return a, nil
}

// FilterExistingURLs returns the subset of urls already present in the
// address table. Queries run in batches of 100.
func (r *AddressRepo) FilterExistingURLs(ctx context.Context, urls []string) (map[string]string, error) {
	existing := make(map[string]string)
	for start := 0; start < len(urls); start += urlFilterBatchSize {
		end := start + urlFilterBatchSize
		if end > len(urls) {
			end = len(urls)
		}
		rows, err := r.db.QueryContext(ctx, `
			SELECT source_url, address_id FROM addresses WHERE source_url = ANY($1)
		`, stringArray(urls[start:end]))
		if err != nil {
			return nil, fmt.Errorf("filter existing urls: %w", err)
		}
		for rows.Next() {
			var u, id string
			if err := rows.Scan(&u, &id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan url: %w", err)
			}
			existing[u] = id
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return existing, nil
}

// Insert persists a new address. On a unique-URL race it re-queries the
// winner and returns its ID, so both writers report success for the row.
func (r *AddressRepo) Insert(ctx context.Context, a *domain.Address) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	location, err := geoJSONPoint(a.Location)
	if err != nil {
		return "", fmt.Errorf("serialise location: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO addresses
			(address_id, city_id, department, address_raw, sale_date,
			 property_type, surface, rooms, price, estimated_price,
			 location, source_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, 0), $11, $12, NOW())
	`, a.ID, a.CityID, a.Department, a.AddressRaw, a.SaleDate,
		a.PropertyType, a.Surface, a.Rooms, a.Price, a.EstimatedPrice,
		location, a.SourceURL)
	if err != nil {
		if isUniqueViolation(err, "") {
			winner, ferr := r.FindByURL(ctx, a.SourceURL)
			if ferr != nil {
				return "", fmt.Errorf("insert address race recovery: %w", ferr)
			}
			a.ID = winner.ID
			return winner.ID, nil
		}
		return "", fmt.Errorf("insert address: %w", err)
	}
	return a.ID, nil
}

// InsertDPE persists a certificate row for an address.
func (r *AddressRepo) InsertDPE(ctx context.Context, d *domain.DPE) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dpe
			(dpe_id, address_id, construction_year, dpe_date,
			 energy_class, ges_class, dpe_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, d.ID, d.AddressID, d.ConstructionYear, d.DPEDate,
		d.EnergyClass, d.GESClass, d.DPENumber)
	if err != nil {
		return fmt.Errorf("insert dpe: %w", err)
	}
	return nil
}

// ListByCitiesInDateRange returns candidate addresses for assignment:
// matching cities and property types, sale date inside [from, to], excluding
// the given address IDs. Ordered by sale date ascending, insertion order as
// the stable tie-break.
func (r *AddressRepo) ListByCitiesInDateRange(ctx context.Context, cityIDs []string, types []domain.PropertyType, from, to time.Time, exclude []string) ([]domain.Address, error) {
	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}
	if exclude == nil {
		exclude = []string{}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT address_id, city_id, department, address_raw, sale_date,
		       property_type, surface, rooms, price, COALESCE(estimated_price, 0),
		       location, source_url, created_at
		FROM addresses
		WHERE city_id = ANY($1)
		  AND property_type = ANY($2)
		  AND sale_date BETWEEN $3 AND $4
		  AND NOT (address_id = ANY($5))
		ORDER BY sale_date ASC, created_at ASC
	`, stringArray(cityIDs), stringArray(typeStrs), from, to, stringArray(exclude))
	if err != nil {
		return nil, fmt.Errorf("list candidate addresses: %w", err)
	}
	defer rows.Close()

	var out []domain.Address
	for rows.Next() {
		var a domain.Address
		var location []byte
		if err := rows.Scan(
			&a.ID, &a.CityID, &a.Department, &a.AddressRaw, &a.SaleDate,
			&a.PropertyType, &a.Surface, &a.Rooms, &a.Price, &a.EstimatedPrice,
			&location, &a.SourceURL, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		a.Location = geoPointFromJSON(location)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByCityForYears returns (sale year, price, surface) samples for a
// city/type pair, used by the price estimator's growth-rate model.
func (r *AddressRepo) ListPriceSamples(ctx context.Context, cityID string, propertyType domain.PropertyType) ([]PriceSample, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT EXTRACT(YEAR FROM sale_date)::int, price, surface
		FROM addresses
		WHERE city_id = $1 AND property_type = $2 AND surface > 0 AND price > 0
	`, cityID, string(propertyType))
	if err != nil {
		return nil, fmt.Errorf("list price samples: %w", err)
	}
	defer rows.Close()

	var out []PriceSample
	for rows.Next() {
		var s PriceSample
		if err := rows.Scan(&s.Year, &s.Price, &s.Surface); err != nil {
			return nil, fmt.Errorf("scan price sample: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PriceSample is one persisted sale reduced to the estimator's inputs.
type PriceSample struct {
	Year    int
	Price   int
	Surface int
}
