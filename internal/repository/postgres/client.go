package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/trackimmo/backend/internal/domain"
)

// ClientRepo implements client and assignment persistence.
type ClientRepo struct{ db *sql.DB }

// NewClientRepo creates a Postgres-backed client repository.
func NewClientRepo(db *sql.DB) *ClientRepo { return &ClientRepo{db: db} }

const clientColumns = `
	client_id, COALESCE(first_name,''), COALESCE(last_name,''), email, status,
	chosen_cities, property_type_preferences, addresses_per_report, send_day,
	created_at, updated_at`

func scanClient(row interface{ Scan(...interface{}) error }) (*domain.Client, error) {
	c := &domain.Client{}
	var cities pq.StringArray
	var types pq.StringArray
	err := row.Scan(
		&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.Status,
		&cities, &types, &c.AddressesPerReport, &c.SendDay,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	c.ChosenCities = []string(cities)
	for _, t := range types {
		c.PropertyTypes = append(c.PropertyTypes, domain.PropertyType(t))
	}
	return c, nil
}

// Get returns a client by ID.
func (r *ClientRepo) Get(ctx context.Context, id string) (*domain.Client, error) {
	return scanClient(r.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = $1`, id))
}

// ListBySendDays returns active clients whose send_day is in days.
func (r *ClientRepo) ListBySendDays(ctx context.Context, days []int) ([]domain.Client, error) {
	if len(days) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients
		 WHERE status = $1 AND send_day = ANY($2)
		 ORDER BY send_day, created_at`,
		domain.ClientActive, pq.Array(days))
	if err != nil {
		return nil, fmt.Errorf("list clients by send day: %w", err)
	}
	defer rows.Close()

	var out []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Touch bumps the client's updated_at.
func (r *ClientRepo) Touch(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE clients SET updated_at = NOW() WHERE client_id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAssignedAddressIDs returns every address ID ever assigned to the
// client. Addresses referenced here must never be assigned to it again.
func (r *ClientRepo) ListAssignedAddressIDs(ctx context.Context, clientID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT address_id FROM client_addresses WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list assigned addresses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertAssignment creates the join row for an assignment. The (client,
// address) pair is unique; a conflicting insert is a no-op that reports the
// duplicate.
func (r *ClientRepo) InsertAssignment(ctx context.Context, ca *domain.ClientAddress) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO client_addresses (client_id, address_id, send_date, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (client_id, address_id) DO NOTHING
	`, ca.ClientID, ca.AddressID, ca.SendDate, ca.Status)
	if err != nil {
		return false, fmt.Errorf("insert assignment: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListAssignmentsSince returns the client's join rows with send_date at or
// after the given time (used for the assignment email).
func (r *ClientRepo) ListAssignmentsSince(ctx context.Context, clientID string, since time.Time) ([]domain.ClientAddress, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT client_id, address_id, send_date, status, created_at
		FROM client_addresses
		WHERE client_id = $1 AND send_date >= $2
		ORDER BY created_at
	`, clientID, since)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []domain.ClientAddress
	for rows.Next() {
		var ca domain.ClientAddress
		if err := rows.Scan(&ca.ClientID, &ca.AddressID, &ca.SendDate, &ca.Status, &ca.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan assignment row: %w", err)
		}
		out = append(out, ca)
	}
	return out, rows.Err()
}
