package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendXLSX     = "xlsx"
	BackendAirtable = "airtable"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	StoreBackend string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	XLSXPath string

	AirtableAPIKey        string
	AirtableBaseID        string
	AirtableListingsTable string
	AirtableStatsTable    string
	AirtableRPS           int

	ScrapeCities    []string
	MaxPagesPerCity int
	RecordsPerPage  int
	MaxConcurrency  int
	RateLimitMs     int
	MaxRetries      int
	FetchMode       string
	ChromeBin       string

	ReconcileBatchSize int
	CSVOutputPath      string

	HTTPAddr     string
	SyncSchedule string

	RedisAddr   string
	RedisStream string

	LogLevel string
	Timezone string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}
	return fromEnv()
}

func fromEnv() *Config {
	return &Config{
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "tracker"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "tracker123"),
		PostgresDB:       getEnv("POSTGRES_DB", "realtor_tracker"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		XLSXPath: getEnv("XLSX_PATH", "./output/realtor_tracker.xlsx"),

		AirtableAPIKey:        getEnv("AIRTABLE_API_KEY", ""),
		AirtableBaseID:        getEnv("AIRTABLE_BASE_ID", ""),
		AirtableListingsTable: getEnv("AIRTABLE_LISTINGS_TABLE", "Listings"),
		AirtableStatsTable:    getEnv("AIRTABLE_STATS_TABLE", "Daily_Stats"),
		AirtableRPS:           getEnvInt("AIRTABLE_RPS", 5),

		ScrapeCities:    getEnvList("SCRAPE_CITIES", []string{"Cambridge, ON"}),
		MaxPagesPerCity: getEnvInt("MAX_PAGES_PER_CITY", 25),
		RecordsPerPage:  getEnvInt("RECORDS_PER_PAGE", 200),
		MaxConcurrency:  getEnvInt("MAX_CONCURRENCY", 2),
		RateLimitMs:     getEnvInt("RATE_LIMIT_MS", 2000),
		MaxRetries:      getEnvInt("MAX_RETRIES", 3),
		FetchMode:       strings.ToLower(getEnv("FETCH_MODE", "http")),
		ChromeBin:       getEnv("CHROME_BIN", ""),

		ReconcileBatchSize: getEnvInt("RECONCILE_BATCH_SIZE", 20),
		CSVOutputPath:      getEnv("CSV_OUTPUT_PATH", "./output/raw_listings.csv"),

		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		SyncSchedule: getEnv("SYNC_SCHEDULE", "@every 1h"),

		RedisAddr:   getEnv("REDIS_ADDR", ""),
		RedisStream: getEnv("REDIS_STREAM", "realtor:cycles"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Timezone: getEnv("TIMEZONE", "America/Toronto"),
	}
}

// Validate reports settings the chosen backend cannot run without.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case BackendMemory, BackendPostgres:
	case BackendXLSX:
		if c.XLSXPath == "" {
			errs = append(errs, errors.New("XLSX_PATH is required for the xlsx backend"))
		}
	case BackendAirtable:
		if c.AirtableAPIKey == "" {
			errs = append(errs, errors.New("AIRTABLE_API_KEY is required for the airtable backend"))
		}
		if c.AirtableBaseID == "" {
			errs = append(errs, errors.New("AIRTABLE_BASE_ID is required for the airtable backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.FetchMode != "http" && c.FetchMode != "browser" {
		errs = append(errs, fmt.Errorf("FETCH_MODE must be http or browser, got %q", c.FetchMode))
	}
	if len(c.ScrapeCities) == 0 {
		errs = append(errs, errors.New("SCRAPE_CITIES must name at least one city"))
	}
	if c.MaxPagesPerCity < 1 || c.RecordsPerPage < 1 {
		errs = append(errs, errors.New("MAX_PAGES_PER_CITY and RECORDS_PER_PAGE must be positive"))
	}
	if c.ReconcileBatchSize < 1 {
		errs = append(errs, errors.New("RECONCILE_BATCH_SIZE must be positive"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE: %w", err))
	}

	return errors.Join(errs...)
}

// Location returns the configured time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

// getEnvList splits a ';'-separated value. Commas are left alone since city
// names carry them ("Cambridge, ON").
func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(val, ";") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
