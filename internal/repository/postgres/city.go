package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/trackimmo/backend/internal/domain"
)

// CityRepo implements city persistence.
type CityRepo struct{ db *sql.DB }

// NewCityRepo creates a Postgres-backed city repository.
func NewCityRepo(db *sql.DB) *CityRepo { return &CityRepo{db: db} }

const cityColumns = `
	city_id, name, postal_code, insee_code, department, COALESCE(region,''),
	house_price_avg, apartment_price_avg, last_scraped, created_at, updated_at`

func scanCity(row interface{ Scan(...interface{}) error }) (*domain.City, error) {
	c := &domain.City{}
	err := row.Scan(
		&c.ID, &c.Name, &c.PostalCode, &c.InseeCode, &c.Department, &c.Region,
		&c.HousePriceAvg, &c.AptPriceAvg, &c.LastScraped, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan city: %w", err)
	}
	return c, nil
}

// Get returns a city by ID.
func (r *CityRepo) Get(ctx context.Context, id string) (*domain.City, error) {
	return scanCity(r.db.QueryRowContext(ctx,
		`SELECT `+cityColumns+` FROM cities WHERE city_id = $1`, id))
}

// GetByInsee returns a city by its INSEE code.
func (r *CityRepo) GetByInsee(ctx context.Context, insee string) (*domain.City, error) {
	return scanCity(r.db.QueryRowContext(ctx,
		`SELECT `+cityColumns+` FROM cities WHERE insee_code = $1`, insee))
}

// ListByIDs returns the cities for a set of IDs, in no particular order.
func (r *CityRepo) ListByIDs(ctx context.Context, ids []string) ([]domain.City, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cityColumns+` FROM cities WHERE city_id = ANY($1)`, stringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	defer rows.Close()

	var out []domain.City
	for rows.Next() {
		c, err := scanCity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Upsert inserts a city or, when the INSEE code already exists, updates the
// mutable attributes. The INSEE code itself is immutable. Returns the city ID.
func (r *CityRepo) Upsert(ctx context.Context, c *domain.City) (string, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO cities
			(city_id, name, postal_code, insee_code, department, region,
			 house_price_avg, apartment_price_avg, last_scraped, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (insee_code) DO UPDATE SET
			name = EXCLUDED.name,
			postal_code = EXCLUDED.postal_code,
			department = EXCLUDED.department,
			region = COALESCE(NULLIF(EXCLUDED.region, ''), cities.region),
			house_price_avg = COALESCE(EXCLUDED.house_price_avg, cities.house_price_avg),
			apartment_price_avg = COALESCE(EXCLUDED.apartment_price_avg, cities.apartment_price_avg),
			last_scraped = COALESCE(EXCLUDED.last_scraped, cities.last_scraped),
			updated_at = NOW()
		RETURNING city_id
	`, c.ID, c.Name, c.PostalCode, c.InseeCode, c.Department, c.Region,
		c.HousePriceAvg, c.AptPriceAvg, c.LastScraped).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert city: %w", err)
	}
	c.ID = id
	return id, nil
}

// UpdatePrices stores freshly scraped market prices and stamps last_scraped.
func (r *CityRepo) UpdatePrices(ctx context.Context, cityID string, housePrice, aptPrice int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE cities
		SET house_price_avg = NULLIF($1, 0),
		    apartment_price_avg = NULLIF($2, 0),
		    last_scraped = NOW(),
		    updated_at = NOW()
		WHERE city_id = $3
	`, housePrice, aptPrice, cityID)
	if err != nil {
		return fmt.Errorf("update city prices: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
