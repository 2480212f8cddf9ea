// Package postgres implements the persistence adapter against PostgreSQL.
// All writers funnel through this package so the unique-source-URL invariant
// is enforced in exactly one place.
package postgres

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/lib/pq"
)

// Sentinel errors returned by the repositories.
var (
	ErrNotFound        = errors.New("not found")
	ErrActiveJobExists = errors.New("client already has an active job")
)

// uniqueViolation is the PostgreSQL error code for unique-constraint races.
const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a unique-constraint violation,
// optionally on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// stringArray adapts a string slice for ANY($n) comparisons.
func stringArray(s []string) interface{ driver.Valuer } {
	return pq.Array(s)
}

// Open connects to the database and applies pool settings.
func Open(url string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)
	return db, nil
}
