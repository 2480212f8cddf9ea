package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Geocoding GeocodingConfig `yaml:"geocoding"`
	DPE       DPEConfig       `yaml:"dpe"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the HTTP façade configuration.
type ServerConfig struct {
	Port   int    `yaml:"port"`
	Host   string `yaml:"host"`
	APIKey string `yaml:"api_key"` // front-door shared secret (X-API-Key)
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the relational store connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis settings used for the job-creation
// lock. An empty Addr disables Redis; PG advisory locks are used instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ScraperConfig holds headless-browser scraping settings.
type ScraperConfig struct {
	ListingsBaseURL string  `yaml:"listings_base_url"`
	CityPagesURL    string  `yaml:"city_pages_url"`
	Headless        bool    `yaml:"headless"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	MaxRetries      int     `yaml:"max_retries"`
	DelaySeconds    float64 `yaml:"delay_seconds"`
	MaxConcurrent   int     `yaml:"max_concurrent"`
	OutputDir       string  `yaml:"output_dir"`
}

// Timeout returns the navigation timeout as a duration.
func (c ScraperConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Delay returns the cooperative pause between sequential URL dispatches.
func (c ScraperConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

// GeocodingConfig holds national address API settings.
type GeocodingConfig struct {
	BaseURL           string  `yaml:"base_url"`
	BatchSize         int     `yaml:"batch_size"`
	MinScore          float64 `yaml:"min_score"`
	DistanceThreshold float64 `yaml:"distance_threshold_km"`
}

// DPEConfig holds certificate API settings.
type DPEConfig struct {
	BaseURL         string `yaml:"base_url"`
	MaxRetries      int    `yaml:"max_retries"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	CacheDir        string `yaml:"cache_dir"`
	CacheMaxAgeDays int    `yaml:"cache_max_age_days"`
}

// Timeout returns the per-request certificate API timeout.
func (c DPEConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMTPConfig holds outbound email settings.
type SMTPConfig struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender"`
	CTOEmail string `yaml:"cto_email"`
}

// JobsConfig holds orchestrator tuning.
type JobsConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	ManifestPath   string `yaml:"manifest_path"`
	SkipScraping   bool   `yaml:"skip_scraping"`
	CityMaxAgeDays int    `yaml:"city_max_age_days"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII bool   `yaml:"redact_pii"`
}

// Load reads and parses the configuration file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Scraper.ListingsBaseURL == "" {
		cfg.Scraper.ListingsBaseURL = "https://www.castorus.com"
	}
	if cfg.Scraper.CityPagesURL == "" {
		cfg.Scraper.CityPagesURL = "https://www.castorus.com/prix-immobilier"
	}
	if cfg.Scraper.TimeoutSeconds == 0 {
		cfg.Scraper.TimeoutSeconds = 60
	}
	if cfg.Scraper.MaxRetries == 0 {
		cfg.Scraper.MaxRetries = 3
	}
	if cfg.Scraper.DelaySeconds == 0 {
		cfg.Scraper.DelaySeconds = 0.1
	}
	if cfg.Scraper.MaxConcurrent == 0 {
		cfg.Scraper.MaxConcurrent = 10
	}
	if cfg.Scraper.OutputDir == "" {
		cfg.Scraper.OutputDir = "data/scrapes"
	}
	if cfg.Geocoding.BaseURL == "" {
		cfg.Geocoding.BaseURL = "https://api-adresse.data.gouv.fr"
	}
	if cfg.Geocoding.BatchSize == 0 {
		cfg.Geocoding.BatchSize = 1000
	}
	if cfg.Geocoding.MinScore == 0 {
		cfg.Geocoding.MinScore = 0.5
	}
	if cfg.Geocoding.DistanceThreshold == 0 {
		cfg.Geocoding.DistanceThreshold = 5
	}
	if cfg.DPE.BaseURL == "" {
		cfg.DPE.BaseURL = "https://data.ademe.fr/data-fair/api/v1"
	}
	if cfg.DPE.MaxRetries == 0 {
		cfg.DPE.MaxRetries = 3
	}
	if cfg.DPE.TimeoutSeconds == 0 {
		cfg.DPE.TimeoutSeconds = 60
	}
	if cfg.DPE.CacheDir == "" {
		cfg.DPE.CacheDir = "data/dpe-cache"
	}
	if cfg.DPE.CacheMaxAgeDays == 0 {
		cfg.DPE.CacheMaxAgeDays = 30
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 3
	}
	if cfg.Jobs.ManifestPath == "" {
		cfg.Jobs.ManifestPath = "data/scrapes/manifest.json"
	}
	if cfg.Jobs.CityMaxAgeDays == 0 {
		cfg.Jobs.CityMaxAgeDays = 365
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SMTP_SERVER"); v != "" {
		cfg.SMTP.Server = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("EMAIL_SENDER"); v != "" {
		cfg.SMTP.Sender = v
	}
	if v := os.Getenv("CTO_EMAIL"); v != "" {
		cfg.SMTP.CTOEmail = v
	}
	if v := os.Getenv("SCRAPER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Scraper.Headless = b
		}
	}
	if v := os.Getenv("SCRAPER_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scraper.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("SCRAPER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scraper.MaxRetries = n
		}
	}
	if v := os.Getenv("SCRAPER_DELAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.DelaySeconds = f
		}
	}
	if v := os.Getenv("GEOCODING_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Geocoding.BatchSize = n
		}
	}
	if v := os.Getenv("DPE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DPE.MaxRetries = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}
