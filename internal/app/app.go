// Package app is the composition root: it builds the full object graph from
// configuration, shared by the server, scheduler, and scrape commands.
package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trackimmo/backend/internal/addressapi"
	"github.com/trackimmo/backend/internal/assign"
	"github.com/trackimmo/backend/internal/config"
	"github.com/trackimmo/backend/internal/dpeapi"
	"github.com/trackimmo/backend/internal/enrich"
	"github.com/trackimmo/backend/internal/geo"
	"github.com/trackimmo/backend/internal/mailer"
	"github.com/trackimmo/backend/internal/orchestrator"
	"github.com/trackimmo/backend/internal/pkg/distlock"
	"github.com/trackimmo/backend/internal/pkg/logger"
	"github.com/trackimmo/backend/internal/repository/postgres"
	"github.com/trackimmo/backend/internal/scheduler"
	"github.com/trackimmo/backend/internal/scraper"

	"database/sql"

	_ "github.com/lib/pq"
)

// submitLockTTL bounds the job-creation lock.
const submitLockTTL = 30 * time.Second

// App holds the wired components.
type App struct {
	Cfg *config.Config
	DB  *sql.DB

	Clients *postgres.ClientRepo
	Jobs    *postgres.JobRepo
	Cities  *postgres.CityRepo

	Fetcher      *scraper.BrowserFetcher
	Engine       *scraper.Engine
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler

	redis *redis.Client
}

// assignmentStore combines the two repositories the assignment engine reads
// and writes.
type assignmentStore struct {
	*postgres.AddressRepo
	*postgres.ClientRepo
}

// New builds the application from the config file at path, with environment
// overrides applied.
func New(path string) (*App, error) {
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.RedactPII)

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	cityRepo := postgres.NewCityRepo(db)
	addressRepo := postgres.NewAddressRepo(db)
	clientRepo := postgres.NewClientRepo(db)
	jobRepo := postgres.NewJobRepo(db)

	addressAPI := addressapi.NewClient(cfg.Geocoding.BaseURL, 3)
	divider := geo.NewDivider(addressAPI)

	fetcher := scraper.NewBrowserFetcher(scraper.BrowserConfig{
		Headless:      cfg.Scraper.Headless,
		MaxConcurrent: cfg.Scraper.MaxConcurrent,
		MaxRetries:    cfg.Scraper.MaxRetries,
		NavTimeout:    cfg.Scraper.Timeout(),
		BaseURL:       cfg.Scraper.ListingsBaseURL,
	})
	engine := scraper.NewEngine(divider, fetcher, cfg.Scraper.ListingsBaseURL,
		cfg.Scraper.OutputDir, cfg.Scraper.Delay())
	cityData := scraper.NewCityDataScraper(addressAPI, fetcher, cfg.Scraper.CityPagesURL)

	dpeClient := dpeapi.NewClient(cfg.DPE.BaseURL, cfg.DPE.MaxRetries, cfg.DPE.Timeout(),
		cfg.DPE.CacheDir, time.Duration(cfg.DPE.CacheMaxAgeDays)*24*time.Hour)

	cityMaxAge := time.Duration(cfg.Jobs.CityMaxAgeDays) * 24 * time.Hour
	machine, err := enrich.NewMachine(
		filepath.Join(cfg.Scraper.OutputDir, "enriched"),
		enrich.NewNormalizer(),
		enrich.NewCityResolver(addressAPI, cityRepo),
		enrich.NewGeocoder(addressAPI, cfg.Geocoding.BatchSize, cfg.Geocoding.MinScore, cfg.Geocoding.DistanceThreshold),
		enrich.NewDPEEnricher(dpeClient),
		enrich.NewCityPriceUpdater(cityRepo, cityData, cityMaxAge),
		enrich.NewPriceEstimator(addressRepo),
		enrich.NewPersister(addressRepo),
	)
	if err != nil {
		return nil, err
	}

	assigner := assign.NewEngine(&assignmentStore{addressRepo, clientRepo}, nil)

	mail, err := mailer.New(mailer.Config{
		Server:   cfg.SMTP.Server,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		Sender:   cfg.SMTP.Sender,
		CTOEmail: cfg.SMTP.CTOEmail,
	})
	if err != nil {
		return nil, err
	}

	manifest, err := scraper.LoadManifest(cfg.Jobs.ManifestPath)
	if err != nil {
		return nil, err
	}

	lockFor := func(clientID string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, "trackimmo:job:"+clientID, submitLockTTL)
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxAttempts:  cfg.Jobs.MaxAttempts,
		SkipScraping: cfg.Jobs.SkipScraping,
		CityMaxAge:   cityMaxAge,
		Debug:        strings.EqualFold(cfg.Log.Level, "debug"),
	}, clientRepo, jobRepo, cityRepo, cityData, engine, machine, assigner, mail, manifest, lockFor)

	sched := scheduler.New(orch, clientRepo, mail)

	return &App{
		Cfg:          cfg,
		DB:           db,
		Clients:      clientRepo,
		Jobs:         jobRepo,
		Cities:       cityRepo,
		Fetcher:      fetcher,
		Engine:       engine,
		Orchestrator: orch,
		Scheduler:    sched,
		redis:        redisClient,
	}, nil
}

// Close releases the browser, database, and Redis resources.
func (a *App) Close() {
	a.Fetcher.Close()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.DB.Close()
}
