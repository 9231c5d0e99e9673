package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/xuri/excelize/v2"

	"realtor-tracker/models"
)

const (
	listingsSheet = "Listings"
	statsSheet    = "Daily_Stats"
)

var (
	listingsHeader = []interface{}{
		"MLS_Number", "Price", "Address", "Type", "First_Seen", "Last_Seen", "Status",
		"Street", "City", "Province", "Postal_Code", "Bedrooms", "Bathrooms", "Parking",
		"Sqft", "Lot_Size", "Property_Type", "URL", "Listed_Date",
	}
	statsHeader = []interface{}{"Date", "New_Listings", "Sold_Count", "Total_Active"}
)

// Listings sheet columns (1-based) the store writes individually.
const (
	colLastSeen = 6
	colStatus   = 7
)

// XLSXStore keeps listings and daily stats in a local workbook laid out like
// the tracker spreadsheet: one "Listings" sheet and one "Daily_Stats" sheet.
// Inserts and daily stats save the workbook; field updates are held in memory
// until the next save or Close.
type XLSXStore struct {
	mu    sync.Mutex
	path  string
	file  *excelize.File
	dirty bool

	// rowOf maps a listing key (and a stat date) to its 1-based sheet row.
	rowOf     map[models.ListingKey]int
	statRowOf map[models.Date]int
	nextRow   int
	nextStat  int
}

// NewXLSXStore opens the workbook at path, creating it with headers when missing.
func NewXLSXStore(path string) (*XLSXStore, error) {
	s := &XLSXStore{
		path:      path,
		rowOf:     make(map[models.ListingKey]int),
		statRowOf: make(map[models.Date]int),
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("xlsx: create output dir: %w", err)
		}
		if err := s.create(); err != nil {
			return nil, err
		}
	} else {
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("xlsx: open %q: %w", path, err)
		}
		s.file = f
	}

	if err := s.index(); err != nil {
		_ = s.file.Close()
		return nil, err
	}
	return s, nil
}

func (s *XLSXStore) create() error {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", listingsSheet); err != nil {
		return fmt.Errorf("xlsx: rename sheet: %w", err)
	}
	if _, err := f.NewSheet(statsSheet); err != nil {
		return fmt.Errorf("xlsx: add sheet: %w", err)
	}
	if err := f.SetSheetRow(listingsSheet, "A1", &listingsHeader); err != nil {
		return fmt.Errorf("xlsx: write header: %w", err)
	}
	if err := f.SetSheetRow(statsSheet, "A1", &statsHeader); err != nil {
		return fmt.Errorf("xlsx: write header: %w", err)
	}
	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("xlsx: save %q: %w", s.path, err)
	}
	s.file = f
	return nil
}

// index scans both sheets once and records where each key and date lives.
func (s *XLSXStore) index() error {
	rows, err := s.file.GetRows(listingsSheet)
	if err != nil {
		return fmt.Errorf("xlsx: read %s: %w", listingsSheet, err)
	}
	s.nextRow = len(rows) + 1
	for i, row := range rows {
		if i == 0 {
			continue
		}
		if key := models.ListingKey(cell(row, 0)); key.Valid() {
			s.rowOf[key] = i + 1
		}
	}
	if s.nextRow < 2 {
		s.nextRow = 2
	}

	stats, err := s.file.GetRows(statsSheet)
	if err != nil {
		return fmt.Errorf("xlsx: read %s: %w", statsSheet, err)
	}
	s.nextStat = len(stats) + 1
	for i, row := range stats {
		if i == 0 {
			continue
		}
		if d := models.ParseDate(cell(row, 0)); !d.IsZero() {
			s.statRowOf[d] = i + 1
		}
	}
	if s.nextStat < 2 {
		s.nextStat = 2
	}
	return nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func listingValues(r *models.ListingRecord) []interface{} {
	d := r.Details
	return []interface{}{
		string(r.Key), r.Price, r.Address, string(r.Kind), string(r.FirstSeen), string(r.LastSeen), string(r.Status),
		d.StreetAddress, d.City, d.Province, d.PostalCode, d.Bedrooms, d.Bathrooms, d.Parking,
		d.SquareFootage, d.LotSize, d.PropertyType, d.URL, string(d.ListedDate),
	}
}

func listingFromRow(row []string) *models.ListingRecord {
	price, _ := strconv.ParseInt(cell(row, 1), 10, 64)
	return &models.ListingRecord{
		Key: models.ListingKey(cell(row, 0)),
		ListingAttributes: models.ListingAttributes{
			Price:   price,
			Address: cell(row, 2),
			Kind:    models.TransactionKind(cell(row, 3)),
			Details: models.ListingDetails{
				StreetAddress: cell(row, 7),
				City:          cell(row, 8),
				Province:      cell(row, 9),
				PostalCode:    cell(row, 10),
				Bedrooms:      cell(row, 11),
				Bathrooms:     cell(row, 12),
				Parking:       cell(row, 13),
				SquareFootage: cell(row, 14),
				LotSize:       cell(row, 15),
				PropertyType:  cell(row, 16),
				URL:           cell(row, 17),
				ListedDate:    models.ParseDate(cell(row, 18)),
			},
		},
		FirstSeen: models.ParseDate(cell(row, 4)),
		LastSeen:  models.ParseDate(cell(row, 5)),
		Status:    models.Status(cell(row, 6)),
	}
}

func (s *XLSXStore) GetAllRecords(ctx context.Context) ([]*models.ListingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.file.GetRows(listingsSheet)
	if err != nil {
		return nil, fmt.Errorf("xlsx: read %s: %w", listingsSheet, err)
	}
	out := make([]*models.ListingRecord, 0, len(rows))
	for i, row := range rows {
		if i == 0 || !models.ListingKey(cell(row, 0)).Valid() {
			continue
		}
		out = append(out, listingFromRow(row))
	}
	return out, nil
}

// GetActiveKeys scans the Listings sheet for rows whose Status is active.
func (s *XLSXStore) GetActiveKeys(ctx context.Context) (models.KeySet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.file.GetRows(listingsSheet)
	if err != nil {
		return nil, fmt.Errorf("xlsx: read %s: %w", listingsSheet, err)
	}
	keys := make(models.KeySet)
	for i, row := range rows {
		key := models.ListingKey(cell(row, 0))
		if i == 0 || !key.Valid() {
			continue
		}
		if models.Status(cell(row, colStatus-1)) == models.StatusActive {
			keys.Add(key)
		}
	}
	return keys, nil
}

func (s *XLSXStore) InsertBatch(ctx context.Context, records []*models.ListingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, r := range records {
		if _, exists := s.rowOf[r.Key]; exists {
			continue
		}
		values := listingValues(r)
		start, err := excelize.CoordinatesToCellName(1, s.nextRow)
		if err != nil {
			return fmt.Errorf("xlsx: insert %s: %w", r.Key, err)
		}
		if err := s.file.SetSheetRow(listingsSheet, start, &values); err != nil {
			return fmt.Errorf("xlsx: insert %s: %w", r.Key, err)
		}
		s.rowOf[r.Key] = s.nextRow
		s.nextRow++
		added++
	}
	if added == 0 {
		return nil
	}
	return s.save()
}

func (s *XLSXStore) UpdateFields(ctx context.Context, key models.ListingKey, update models.ListingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rowOf[key]
	if !ok {
		return ErrNotFound
	}

	if update.Attributes != nil {
		// Rewrite the attribute columns and keep the lifecycle columns.
		current, err := s.readRow(row)
		if err != nil {
			return fmt.Errorf("xlsx: read %s: %w", key, err)
		}
		rec := listingFromRow(current)
		rec.ListingAttributes = *update.Attributes
		values := listingValues(rec)
		if err := s.file.SetSheetRow(listingsSheet, mustCell(1, row), &values); err != nil {
			return fmt.Errorf("xlsx: update %s: %w", key, err)
		}
	}
	if update.LastSeen != nil {
		if err := s.file.SetCellValue(listingsSheet, mustCell(colLastSeen, row), string(*update.LastSeen)); err != nil {
			return fmt.Errorf("xlsx: update %s: %w", key, err)
		}
	}
	if update.Status != nil {
		if err := s.file.SetCellValue(listingsSheet, mustCell(colStatus, row), string(*update.Status)); err != nil {
			return fmt.Errorf("xlsx: update %s: %w", key, err)
		}
	}
	s.dirty = true
	return nil
}

// readRow returns the cells of one Listings row.
func (s *XLSXStore) readRow(row int) ([]string, error) {
	out := make([]string, len(listingsHeader))
	for i := range out {
		v, err := s.file.GetCellValue(listingsSheet, mustCell(i+1, row))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *XLSXStore) UpsertDailyStat(ctx context.Context, stat models.DailyStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.statRowOf[stat.Date]
	if !ok {
		row = s.nextStat
		s.nextStat++
		s.statRowOf[stat.Date] = row
	}
	values := []interface{}{string(stat.Date), stat.NewListings, stat.SoldCount, stat.TotalActive}
	if err := s.file.SetSheetRow(statsSheet, mustCell(1, row), &values); err != nil {
		return fmt.Errorf("xlsx: upsert daily stat %s: %w", stat.Date, err)
	}
	return s.save()
}

func (s *XLSXStore) GetDailyStats(ctx context.Context, limit int) ([]models.DailyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.file.GetRows(statsSheet)
	if err != nil {
		return nil, fmt.Errorf("xlsx: read %s: %w", statsSheet, err)
	}
	out := make([]models.DailyStat, 0, len(rows))
	for i, row := range rows {
		d := models.ParseDate(cell(row, 0))
		if i == 0 || d.IsZero() {
			continue
		}
		out = append(out, models.DailyStat{
			Date:        d,
			NewListings: atoi(cell(row, 1)),
			SoldCount:   atoi(cell(row, 2)),
			TotalActive: atoi(cell(row, 3)),
		})
	}
	return newestFirst(out, limit), nil
}

func (s *XLSXStore) save() error {
	if err := s.file.SaveAs(s.path); err != nil {
		return fmt.Errorf("xlsx: save %q: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

// Close saves pending field updates and releases the workbook.
func (s *XLSXStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var saveErr error
	if s.dirty {
		saveErr = s.save()
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	return saveErr
}

func mustCell(col, row int) string {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		panic(err)
	}
	return name
}
