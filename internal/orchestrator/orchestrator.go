// Package orchestrator runs per-client processing jobs: city refresh,
// scraping, enrichment, assignment, and the report email, with an
// exponential-backoff retry queue and permanent-error classification.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/trackimmo/backend/internal/domain"
	"github.com/trackimmo/backend/internal/enrich"
	"github.com/trackimmo/backend/internal/mailer"
	"github.com/trackimmo/backend/internal/pkg/distlock"
	"github.com/trackimmo/backend/internal/repository/postgres"
	"github.com/trackimmo/backend/internal/scraper"
)

// submitLockTTL bounds how long the job-creation lock may be held if a
// process dies mid-submit.
const submitLockTTL = 30 * time.Second

// permanentErrorMarkers classify a failure as non-retryable by lowercase
// substring match.
var permanentErrorMarkers = []string{
	"not found or inactive",
	"missing required",
	"invalid client",
	"no chosen cities",
	"no property types",
}

// IsPermanentError reports whether the error should never be retried.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ClientStore is the client persistence the orchestrator needs.
type ClientStore interface {
	Get(ctx context.Context, id string) (*domain.Client, error)
	Touch(ctx context.Context, id string) error
}

// JobStore is the job-table CRUD the orchestrator needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
	GetActiveByClient(ctx context.Context, clientID string) (*domain.Job, error)
	Create(ctx context.Context, clientID string, status domain.JobStatus) (*domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus, errorMessage string) error
	MarkAttempt(ctx context.Context, id string) error
	ScheduleRetry(ctx context.Context, id string, nextAttempt time.Time, errorMessage string) error
	ListDueRetries(ctx context.Context, now time.Time) ([]domain.Job, error)
}

// CityStore is the city persistence the orchestrator needs for the
// pre-scrape refresh.
type CityStore interface {
	ListByIDs(ctx context.Context, ids []string) ([]domain.City, error)
	UpdatePrices(ctx context.Context, cityID string, housePrice, aptPrice int) error
}

// CityScraper refreshes one city's administrative and market data.
type CityScraper interface {
	Scrape(ctx context.Context, cityName, postalCode, inseeCode string) (*scraper.CityData, error)
}

// ListingScraper produces a raw CSV for one city over a month range.
type ListingScraper interface {
	ScrapeCity(ctx context.Context, cityName, postalCode string, types []domain.PropertyType, start, end scraper.Period) (*scraper.ScrapeResult, error)
}

// EnrichRunner executes the stage machine over a raw CSV.
type EnrichRunner interface {
	Run(ctx context.Context, inputPath string, startStage, endStage int, debug bool) (*enrich.Result, error)
}

// Assigner selects and records a client's monthly addresses.
type Assigner interface {
	Assign(ctx context.Context, client *domain.Client, count int) ([]domain.Address, error)
}

// LockFactory builds the job-creation lock for one client.
type LockFactory func(clientID string) distlock.DistLock

// Config tunes the orchestrator.
type Config struct {
	MaxAttempts  int
	SkipScraping bool
	CityMaxAge   time.Duration
	Debug        bool // keep enrichment intermediates
}

// Orchestrator coordinates job execution.
type Orchestrator struct {
	cfg      Config
	clients  ClientStore
	jobs     JobStore
	cities   CityStore
	cityData CityScraper
	listings ListingScraper
	enricher EnrichRunner
	assigner Assigner
	mail     mailer.Mailer
	manifest *scraper.Manifest
	lockFor  LockFactory

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates an orchestrator.
func New(cfg Config, clients ClientStore, jobs JobStore, cities CityStore,
	cityData CityScraper, listings ListingScraper, enricher EnrichRunner,
	assigner Assigner, mail mailer.Mailer, manifest *scraper.Manifest,
	lockFor LockFactory) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{
		cfg:      cfg,
		clients:  clients,
		jobs:     jobs,
		cities:   cities,
		cityData: cityData,
		listings: listings,
		enricher: enricher,
		assigner: assigner,
		mail:     mail,
		manifest: manifest,
		lockFor:  lockFor,
		now:      time.Now,
	}
}

// Submit validates the client and creates its processing job. Submitting a
// client that already has an active job returns that job's ID unchanged.
// The new job's execution is scheduled in the background.
func (o *Orchestrator) Submit(ctx context.Context, clientID string) (string, error) {
	client, err := o.clients.Get(ctx, clientID)
	if errors.Is(err, postgres.ErrNotFound) {
		return "", &domain.ValidationError{Msg: "client " + clientID + " not found or inactive"}
	}
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if err := client.Validate(); err != nil {
		return "", err
	}

	if existing, err := o.jobs.GetActiveByClient(ctx, clientID); err == nil {
		log.Printf("[Orchestrator] Client %s already has active job %s", clientID, existing.ID)
		return existing.ID, nil
	} else if !errors.Is(err, postgres.ErrNotFound) {
		return "", fmt.Errorf("submit: %w", err)
	}

	// Check-then-insert is racy across processes; the lock narrows the
	// window and the partial unique index closes it.
	lock := o.lockFor(clientID)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("submit: acquire lock: %w", err)
	}
	if !acquired {
		if existing, err := o.jobs.GetActiveByClient(ctx, clientID); err == nil {
			return existing.ID, nil
		}
		return "", fmt.Errorf("submit: client %s is being submitted elsewhere", clientID)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[Orchestrator] Lock release failed for %s: %v", clientID, err)
		}
	}()

	job, err := o.jobs.Create(ctx, clientID, domain.JobProcessing)
	if errors.Is(err, postgres.ErrActiveJobExists) {
		if existing, err := o.jobs.GetActiveByClient(ctx, clientID); err == nil {
			return existing.ID, nil
		}
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	log.Printf("[Orchestrator] Created job %s for client %s", job.ID, clientID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.RunJob(context.WithoutCancel(ctx), job.ID); err != nil {
			log.Printf("[Orchestrator] Job %s: %v", job.ID, err)
		}
	}()
	return job.ID, nil
}

// Wait blocks until all background jobs have finished. Used on shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// RunJob executes one job attempt and settles its status: completed on
// success, pending with a backed-off next attempt on a transient failure,
// failed_permanent on a permanent error or when attempts are exhausted.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("run job %s: %w", jobID, err)
	}
	if err := o.jobs.MarkAttempt(ctx, jobID); err != nil {
		return fmt.Errorf("run job %s: %w", jobID, err)
	}

	runErr := o.process(ctx, job.ClientID)
	if runErr == nil {
		if err := o.jobs.UpdateStatus(ctx, jobID, domain.JobCompleted, ""); err != nil {
			return fmt.Errorf("run job %s: %w", jobID, err)
		}
		log.Printf("[Orchestrator] Job %s completed (attempt %d)", jobID, job.AttemptCount)
		return nil
	}

	if IsPermanentError(runErr) || job.AttemptCount >= o.cfg.MaxAttempts {
		if err := o.jobs.UpdateStatus(ctx, jobID, domain.JobFailedPermanent, runErr.Error()); err != nil {
			return fmt.Errorf("run job %s: %w", jobID, err)
		}
		log.Printf("[Orchestrator] Job %s failed permanently: %v", jobID, runErr)
		if err := o.mail.SendFailureAlert(job.ClientID, jobID, runErr.Error()); err != nil {
			log.Printf("[Orchestrator] Failure alert for job %s: %v", jobID, err)
		}
		return runErr
	}

	next := o.now().Add(time.Duration(1<<uint(job.AttemptCount)) * time.Hour)
	if err := o.jobs.ScheduleRetry(ctx, jobID, next, runErr.Error()); err != nil {
		return fmt.Errorf("run job %s: %w", jobID, err)
	}
	log.Printf("[Orchestrator] Job %s attempt %d failed, retrying at %s: %v",
		jobID, job.AttemptCount, next.Format(time.RFC3339), runErr)
	return runErr
}

// DrainRetryQueue runs every pending job whose next attempt has come due,
// earliest first. Returns how many jobs were processed and how many of
// those failed.
func (o *Orchestrator) DrainRetryQueue(ctx context.Context) (processed, failed int, err error) {
	due, err := o.jobs.ListDueRetries(ctx, o.now())
	if err != nil {
		return 0, 0, fmt.Errorf("drain retry queue: %w", err)
	}
	for _, job := range due {
		processed++
		if err := o.RunJob(ctx, job.ID); err != nil {
			failed++
		}
	}
	if processed > 0 {
		log.Printf("[Orchestrator] Retry queue drained: %d processed, %d failed", processed, failed)
	}
	return processed, failed, nil
}

// process is the job body: refresh cities, scrape or reuse raw CSVs, run
// enrichment, assign, email.
func (o *Orchestrator) process(ctx context.Context, clientID string) error {
	client, err := o.clients.Get(ctx, clientID)
	if errors.Is(err, postgres.ErrNotFound) {
		return &domain.ValidationError{Msg: "client " + clientID + " not found or inactive"}
	}
	if err != nil {
		return err
	}
	if err := client.Validate(); err != nil {
		return err
	}

	cities, err := o.cities.ListByIDs(ctx, client.ChosenCities)
	if err != nil {
		return err
	}
	if len(cities) == 0 {
		return &domain.ValidationError{Msg: "client " + clientID + " has no chosen cities"}
	}

	o.refreshStaleCities(ctx, cities)

	start, end := scrapeWindow(o.now())
	var scrapeErr error
	for _, city := range cities {
		csvPath, err := o.rawCSVFor(ctx, &city, client.PropertyTypes, start, end)
		if err != nil {
			// Keep going so the other cities still make progress this
			// attempt; the job is failed below and retried.
			log.Printf("[Orchestrator] Scrape failed for %s (%s): %v", city.Name, city.PostalCode, err)
			scrapeErr = fmt.Errorf("scrape city %s: %w", city.Name, err)
			continue
		}
		if csvPath == "" {
			continue
		}
		if _, err := o.enricher.Run(ctx, csvPath, 1, enrich.StageCount, o.cfg.Debug); err != nil {
			return fmt.Errorf("city %s: %w", city.Name, err)
		}
	}
	if scrapeErr != nil {
		return scrapeErr
	}

	assigned, err := o.assigner.Assign(ctx, client, client.AddressesPerReport)
	if err != nil {
		return err
	}
	if len(assigned) > 0 {
		byID := make(map[string]domain.City, len(cities))
		for _, c := range cities {
			byID[c.ID] = c
		}
		if err := o.mail.SendAssignmentReport(client, assigned, byID); err != nil {
			return err
		}
	}

	return o.clients.Touch(ctx, clientID)
}

// refreshStaleCities re-scrapes market data for cities older than the
// staleness window. Failures are logged; stale data is still usable.
func (o *Orchestrator) refreshStaleCities(ctx context.Context, cities []domain.City) {
	for _, city := range cities {
		if !city.Stale(o.cfg.CityMaxAge) {
			continue
		}
		data, err := o.cityData.Scrape(ctx, city.Name, city.PostalCode, city.InseeCode)
		if err != nil || data == nil || (data.HousePriceAvg == 0 && data.AptPriceAvg == 0) {
			log.Printf("[Orchestrator] City refresh failed for %s: %v", city.Name, err)
			continue
		}
		if err := o.cities.UpdatePrices(ctx, city.ID, data.HousePriceAvg, data.AptPriceAvg); err != nil {
			log.Printf("[Orchestrator] City price update failed for %s: %v", city.Name, err)
		}
	}
}

// rawCSVFor produces (or reuses) the raw scrape CSV for one city. An empty
// path with a nil error means the city has nothing to process this attempt
// (skip-scraping mode with no recorded CSV). A scrape failure is returned to
// the caller so the job can be retried with backoff.
func (o *Orchestrator) rawCSVFor(ctx context.Context, city *domain.City, types []domain.PropertyType, start, end scraper.Period) (string, error) {
	if o.cfg.SkipScraping {
		entry, ok := o.manifest.Lookup(city.ID)
		if !ok {
			log.Printf("[Orchestrator] Skip-scraping set but no raw CSV recorded for %s, skipping city", city.Name)
			return "", nil
		}
		return entry.CSVPath, nil
	}

	result, err := o.listings.ScrapeCity(ctx, city.Name, city.PostalCode, types, start, end)
	if err != nil {
		return "", err
	}
	if err := o.manifest.Record(city.ID, scraper.ManifestEntry{
		CityName:   city.Name,
		PostalCode: city.PostalCode,
		CSVPath:    result.CSVPath,
		Rows:       result.Rows,
		ScrapedAt:  o.now(),
	}); err != nil {
		log.Printf("[Orchestrator] Manifest update failed for %s: %v", city.Name, err)
	}
	return result.CSVPath, nil
}

// scrapeWindow is the month range worth scraping: the assignment window,
// six to eight years back.
func scrapeWindow(now time.Time) (start, end scraper.Period) {
	from := now.AddDate(-8, 0, 0)
	to := now.AddDate(-6, 0, 0)
	return scraper.Period{Year: from.Year(), Month: from.Month()},
		scraper.Period{Year: to.Year(), Month: to.Month()}
}
