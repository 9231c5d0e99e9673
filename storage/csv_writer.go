package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"realtor-tracker/models"
)

var rawHeader = []string{
	"mls_number", "price", "address", "postal_code", "type", "bedrooms", "bathrooms",
	"parking", "sqft", "lot_size", "property_type", "url", "inserted_date", "search_city", "scraped_at",
}

// CSVWriter writes raw (uncleaned) search results to a CSV file so a cycle
// can be audited or replayed. It is safe for concurrent use.
type CSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	rows   int
}

// NewCSVWriter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(rawHeader); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVWriter{file: f, writer: w}, nil
}

// WriteRaw appends every listing as one row.
func (c *CSVWriter) WriteRaw(listings []*models.RawListing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range listings {
		if l == nil {
			continue
		}
		row := []string{
			l.MLSNumber,
			l.Price,
			l.AddressText,
			l.PostalCode,
			l.Kind,
			l.Bedrooms,
			l.Bathrooms,
			l.Parking,
			l.SquareFootage,
			l.LotSize,
			l.PropertyType,
			l.RelativeURL,
			l.InsertedDate,
			l.SearchCity,
			l.ScrapedAt.Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
		c.rows++
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Rows returns how many data rows have been written.
func (c *CSVWriter) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
