// Package assign selects addresses for a client's monthly report. Candidates
// come from the client's chosen cities and property types within the
// six-to-eight-year sale-date window; selection is weighted random, biased
// toward the oldest sales, and never repeats a past assignment.
package assign

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/trackimmo/backend/internal/domain"
)

// Sale-date window bounds, in years before today.
const (
	windowMaxAgeYears = 8
	windowMinAgeYears = 6
)

// CandidateStore lists assignable addresses and records assignments.
type CandidateStore interface {
	ListByCitiesInDateRange(ctx context.Context, cityIDs []string, types []domain.PropertyType, from, to time.Time, exclude []string) ([]domain.Address, error)
	ListAssignedAddressIDs(ctx context.Context, clientID string) ([]string, error)
	InsertAssignment(ctx context.Context, ca *domain.ClientAddress) (bool, error)
}

// Engine performs weighted-random assignment.
type Engine struct {
	store CandidateStore
	rng   *rand.Rand
	now   func() time.Time
}

// NewEngine creates an assignment engine. rng may be nil for a time-seeded
// source; tests inject a fixed seed for determinism.
func NewEngine(store CandidateStore, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{store: store, rng: rng, now: time.Now}
}

// Window returns the sale-date interval eligible for assignment as of now.
func Window(now time.Time) (from, to time.Time) {
	return now.AddDate(-windowMaxAgeYears, 0, 0), now.AddDate(-windowMinAgeYears, 0, 0)
}

// Assign picks up to count addresses for the client, inserts the join rows
// with status "new", and returns the chosen addresses. Fewer candidates than
// requested returns exactly the candidate set.
func (e *Engine) Assign(ctx context.Context, client *domain.Client, count int) ([]domain.Address, error) {
	if count <= 0 {
		return nil, nil
	}

	already, err := e.store.ListAssignedAddressIDs(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("assign: %w", err)
	}

	now := e.now()
	from, to := Window(now)
	candidates, err := e.store.ListByCitiesInDateRange(ctx, client.ChosenCities, client.PropertyTypes, from, to, already)
	if err != nil {
		return nil, fmt.Errorf("assign: %w", err)
	}
	if len(candidates) == 0 {
		log.Printf("[Assign] No eligible addresses for client %s", client.ID)
		return nil, nil
	}

	chosen := e.sample(candidates, count)

	out := make([]domain.Address, 0, len(chosen))
	for _, addr := range chosen {
		inserted, err := e.store.InsertAssignment(ctx, &domain.ClientAddress{
			ClientID:  client.ID,
			AddressID: addr.ID,
			SendDate:  now,
			Status:    domain.AssignmentNew,
		})
		if err != nil {
			return out, fmt.Errorf("assign: %w", err)
		}
		if !inserted {
			// Lost a race with a concurrent assignment of the same pair;
			// the address is the client's either way.
			log.Printf("[Assign] Address %s already assigned to client %s", addr.ID, client.ID)
			continue
		}
		out = append(out, addr)
	}

	log.Printf("[Assign] Client %s: %d of %d candidate(s) assigned", client.ID, len(out), len(candidates))
	return out, nil
}

// sample draws count addresses without replacement, each draw proportional
// to weight N-i over the candidates sorted oldest first. The sort is stable
// so equal sale dates keep their insertion order.
func (e *Engine) sample(candidates []domain.Address, count int) []domain.Address {
	sorted := make([]domain.Address, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SaleDate.Before(sorted[j].SaleDate)
	})

	n := len(sorted)
	weights := make([]int, n)
	total := 0
	for i := range sorted {
		weights[i] = n - i
		total += weights[i]
	}

	if count > n {
		count = n
	}
	out := make([]domain.Address, 0, count)
	for len(out) < count {
		pick := e.rng.Intn(total)
		for i, w := range weights {
			if w == 0 {
				continue
			}
			if pick < w {
				out = append(out, sorted[i])
				total -= w
				weights[i] = 0
				break
			}
			pick -= w
		}
	}
	return out
}
