package postgres

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/trackimmo/backend/internal/domain"
)

func TestFilterExistingURLsBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	urls := make([]string, 150)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://site/%d", i)
	}

	// 150 URLs cross the batch size once: two queries.
	q := regexp.QuoteMeta("SELECT source_url, address_id FROM addresses WHERE source_url = ANY($1)")
	mock.ExpectQuery(q).WillReturnRows(
		sqlmock.NewRows([]string{"source_url", "address_id"}).
			AddRow("https://site/3", "addr-3"))
	mock.ExpectQuery(q).WillReturnRows(
		sqlmock.NewRows([]string{"source_url", "address_id"}).
			AddRow("https://site/120", "addr-120"))

	existing, err := NewAddressRepo(db).FilterExistingURLs(context.Background(), urls)
	if err != nil {
		t.Fatal(err)
	}
	if len(existing) != 2 {
		t.Errorf("got %d existing URLs, want 2", len(existing))
	}
	if existing["https://site/120"] != "addr-120" {
		t.Errorf("existing = %v", existing)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFilterExistingURLsEmptyInput(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	existing, err := NewAddressRepo(db).FilterExistingURLs(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(existing) != 0 {
		t.Errorf("existing = %v, want empty", existing)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no query expected for empty input: %v", err)
	}
}

func TestAddressInsertRaceReusesWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO addresses")).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "addresses_source_url_key"})

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE source_url = $1")).
		WithArgs("https://site/a").
		WillReturnRows(sqlmock.NewRows([]string{
			"address_id", "city_id", "department", "address_raw", "sale_date",
			"property_type", "surface", "rooms", "price", "estimated_price",
			"location", "source_url", "created_at",
		}).AddRow("winner-id", "c1", "33", "12 RUE X", now,
			"house", 85, 4, 250000, 0, nil, "https://site/a", now))

	addr := &domain.Address{
		CityID:       "c1",
		Department:   "33",
		AddressRaw:   "12 RUE X",
		SaleDate:     now,
		PropertyType: domain.PropertyHouse,
		Price:        250000,
		SourceURL:    "https://site/a",
	}
	id, err := NewAddressRepo(db).Insert(context.Background(), addr)
	if err != nil {
		t.Fatalf("a lost unique race should resolve to the winner: %v", err)
	}
	if id != "winner-id" || addr.ID != "winner-id" {
		t.Errorf("id = %q, addr.ID = %q, want the winner's", id, addr.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInsertAssignmentConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// ON CONFLICT DO NOTHING: zero rows affected means the pair existed.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO client_addresses")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := NewClientRepo(db).InsertAssignment(context.Background(), &domain.ClientAddress{
		ClientID:  "client-1",
		AddressID: "addr-1",
		SendDate:  time.Now(),
		Status:    domain.AssignmentNew,
	})
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("conflicting insert reported as inserted")
	}
}

func TestListPriceSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery("EXTRACT").
		WithArgs("c1", "house").
		WillReturnRows(sqlmock.NewRows([]string{"year", "price", "surface"}).
			AddRow(2020, 200000, 100).
			AddRow(2021, 210000, 100))

	samples, err := NewAddressRepo(db).ListPriceSamples(context.Background(), "c1", domain.PropertyHouse)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 || samples[1].Year != 2021 {
		t.Errorf("samples = %+v", samples)
	}
}
