package assign

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/trackimmo/backend/internal/domain"
)

type fakeCandidateStore struct {
	candidates  []domain.Address
	assigned    []string
	inserted    []*domain.ClientAddress
	conflictIDs map[string]bool

	gotExclude []string
	gotFrom    time.Time
	gotTo      time.Time
}

func (f *fakeCandidateStore) ListByCitiesInDateRange(_ context.Context, _ []string, _ []domain.PropertyType, from, to time.Time, exclude []string) ([]domain.Address, error) {
	f.gotFrom, f.gotTo, f.gotExclude = from, to, exclude
	return f.candidates, nil
}

func (f *fakeCandidateStore) ListAssignedAddressIDs(_ context.Context, _ string) ([]string, error) {
	return f.assigned, nil
}

func (f *fakeCandidateStore) InsertAssignment(_ context.Context, ca *domain.ClientAddress) (bool, error) {
	if f.conflictIDs[ca.AddressID] {
		return false, nil
	}
	f.inserted = append(f.inserted, ca)
	return true, nil
}

func testClient() *domain.Client {
	return &domain.Client{
		ID:            "client-1",
		ChosenCities:  []string{"c1"},
		PropertyTypes: []domain.PropertyType{domain.PropertyHouse},
	}
}

func makeCandidates(n int, base time.Time) []domain.Address {
	out := make([]domain.Address, n)
	for i := range out {
		out[i] = domain.Address{
			ID:       fmt.Sprintf("addr-%02d", i),
			SaleDate: base.AddDate(0, 0, i),
		}
	}
	return out
}

func TestWindow(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	from, to := Window(now)
	if from.Year() != 2016 || from.Month() != 6 || from.Day() != 15 {
		t.Errorf("window start = %v, want eight years back", from)
	}
	if to.Year() != 2018 || to.Month() != 6 || to.Day() != 15 {
		t.Errorf("window end = %v, want six years back", to)
	}
}

func TestAssignIsDeterministicWithSeed(t *testing.T) {
	base := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

	run := func() []string {
		store := &fakeCandidateStore{candidates: makeCandidates(20, base)}
		e := NewEngine(store, rand.New(rand.NewSource(42)))
		chosen, err := e.Assign(context.Background(), testClient(), 5)
		if err != nil {
			t.Fatal(err)
		}
		ids := make([]string, len(chosen))
		for i, a := range chosen {
			ids[i] = a.ID
		}
		return ids
	}

	first := run()
	second := run()
	if len(first) != 5 {
		t.Fatalf("got %d assignments, want 5", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("same seed diverged: %v vs %v", first, second)
		}
	}
}

func TestAssignBiasesTowardOldestSales(t *testing.T) {
	base := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := rand.New(rand.NewSource(1))

	oldestWins, newestWins := 0, 0
	for run := 0; run < 200; run++ {
		store := &fakeCandidateStore{candidates: makeCandidates(10, base)}
		e := NewEngine(store, rng)
		chosen, err := e.Assign(context.Background(), testClient(), 1)
		if err != nil {
			t.Fatal(err)
		}
		switch chosen[0].ID {
		case "addr-00":
			oldestWins++
		case "addr-09":
			newestWins++
		}
	}

	// Weight 10 vs weight 1 over a 55 total: the oldest should win roughly
	// ten times as often.
	if oldestWins <= newestWins*2 {
		t.Errorf("oldest won %d, newest %d; selection is not biased toward old sales",
			oldestWins, newestWins)
	}
}

func TestAssignFewerCandidatesThanRequested(t *testing.T) {
	base := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCandidateStore{candidates: makeCandidates(3, base)}
	e := NewEngine(store, rand.New(rand.NewSource(7)))

	chosen, err := e.Assign(context.Background(), testClient(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(chosen) != 3 {
		t.Errorf("got %d assignments, want all 3 candidates", len(chosen))
	}

	seen := make(map[string]bool)
	for _, a := range chosen {
		if seen[a.ID] {
			t.Errorf("address %s assigned twice", a.ID)
		}
		seen[a.ID] = true
	}
}

func TestAssignExcludesPastAssignments(t *testing.T) {
	base := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCandidateStore{
		candidates: makeCandidates(5, base),
		assigned:   []string{"addr-90", "addr-91"},
	}
	e := NewEngine(store, rand.New(rand.NewSource(7)))

	if _, err := e.Assign(context.Background(), testClient(), 2); err != nil {
		t.Fatal(err)
	}
	if len(store.gotExclude) != 2 || store.gotExclude[0] != "addr-90" {
		t.Errorf("exclusion list not passed to the store: %v", store.gotExclude)
	}
}

func TestAssignInsertsWithNewStatus(t *testing.T) {
	base := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCandidateStore{candidates: makeCandidates(4, base)}
	e := NewEngine(store, rand.New(rand.NewSource(3)))

	chosen, err := e.Assign(context.Background(), testClient(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(store.inserted) != len(chosen) {
		t.Fatalf("inserted %d join rows for %d assignments", len(store.inserted), len(chosen))
	}
	for _, ca := range store.inserted {
		if ca.Status != domain.AssignmentNew {
			t.Errorf("assignment status = %q, want %q", ca.Status, domain.AssignmentNew)
		}
		if ca.ClientID != "client-1" {
			t.Errorf("client id = %q", ca.ClientID)
		}
	}
}

func TestAssignSkipsLostRace(t *testing.T) {
	base := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCandidateStore{
		candidates:  makeCandidates(1, base),
		conflictIDs: map[string]bool{"addr-00": true},
	}
	e := NewEngine(store, rand.New(rand.NewSource(3)))

	chosen, err := e.Assign(context.Background(), testClient(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(chosen) != 0 {
		t.Errorf("lost race should not count as an assignment, got %v", chosen)
	}
}

func TestAssignZeroCount(t *testing.T) {
	e := NewEngine(&fakeCandidateStore{}, rand.New(rand.NewSource(3)))
	chosen, err := e.Assign(context.Background(), testClient(), 0)
	if err != nil || chosen != nil {
		t.Errorf("zero count: got (%v, %v), want (nil, nil)", chosen, err)
	}
}
