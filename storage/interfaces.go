// Package storage holds the persistence backends for listings and daily
// stats. The reconciler depends only on the Store interface; the concrete
// backend (Postgres, an xlsx workbook, Airtable or memory) is picked at startup.
package storage

import (
	"context"
	"errors"

	"realtor-tracker/models"
)

var (
	// ErrNotFound is returned by UpdateFields when no record has the key.
	ErrNotFound = errors.New("storage: listing not found")
	// ErrUnsupported is returned when a backend cannot answer a query efficiently.
	ErrUnsupported = errors.New("storage: operation not supported")
)

// Store is the key-value persistence contract for listings and daily stats.
// Implementations make no transactional promises; every call is independent.
type Store interface {
	// GetAllRecords returns every stored listing regardless of status.
	GetAllRecords(ctx context.Context) ([]*models.ListingRecord, error)
	// GetActiveKeys returns the keys of all Active listings.
	GetActiveKeys(ctx context.Context) (models.KeySet, error)
	// InsertBatch stores new records. Records whose key already exists are
	// skipped so a replayed insert cannot create duplicates.
	InsertBatch(ctx context.Context, records []*models.ListingRecord) error
	// UpdateFields applies a partial update to the record with key.
	UpdateFields(ctx context.Context, key models.ListingKey, update models.ListingUpdate) error
	// UpsertDailyStat writes the counters for stat.Date, replacing any existing row.
	UpsertDailyStat(ctx context.Context, stat models.DailyStat) error
	// GetDailyStats returns up to limit rows, newest first. limit <= 0 means all.
	GetDailyStats(ctx context.Context, limit int) ([]models.DailyStat, error)
	Close() error
}

// RawListingWriter is the interface for persisting unprocessed scraped data.
type RawListingWriter interface {
	WriteRaw(listings []*models.RawListing) error
	Close() error
}
