package storage

import (
	"context"
	"sort"
	"sync"

	"realtor-tracker/models"
)

// MemoryStore keeps listings in process memory. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[models.ListingKey]*models.ListingRecord
	order   []models.ListingKey
	stats   map[models.Date]models.DailyStat

	// activeKeysUnsupported makes GetActiveKeys fail with ErrUnsupported,
	// emulating a backend without an efficient active-key query.
	activeKeysUnsupported bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[models.ListingKey]*models.ListingRecord),
		stats:   make(map[models.Date]models.DailyStat),
	}
}

// DisableActiveKeys switches GetActiveKeys to return ErrUnsupported.
func (m *MemoryStore) DisableActiveKeys() {
	m.mu.Lock()
	m.activeKeysUnsupported = true
	m.mu.Unlock()
}

func (m *MemoryStore) GetAllRecords(ctx context.Context) ([]*models.ListingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ListingRecord, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.records[k].Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetActiveKeys(ctx context.Context) (models.KeySet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.activeKeysUnsupported {
		return nil, ErrUnsupported
	}
	keys := make(models.KeySet)
	for k, r := range m.records {
		if r.Status == models.StatusActive {
			keys.Add(k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) InsertBatch(ctx context.Context, records []*models.ListingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if _, exists := m.records[r.Key]; exists {
			continue
		}
		m.records[r.Key] = r.Clone()
		m.order = append(m.order, r.Key)
	}
	return nil
}

func (m *MemoryStore) UpdateFields(ctx context.Context, key models.ListingKey, update models.ListingUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	update.Apply(r)
	return nil
}

func (m *MemoryStore) UpsertDailyStat(ctx context.Context, stat models.DailyStat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[stat.Date] = stat
	return nil
}

func (m *MemoryStore) GetDailyStats(ctx context.Context, limit int) ([]models.DailyStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.DailyStat, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	return newestFirst(out, limit), nil
}

func (m *MemoryStore) Close() error { return nil }

// newestFirst sorts stats by date descending and applies limit.
func newestFirst(stats []models.DailyStat, limit int) []models.DailyStat {
	sort.Slice(stats, func(i, j int) bool { return stats[i].Date > stats[j].Date })
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats
}
