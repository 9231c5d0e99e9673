package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"realtor-tracker/models"
	"realtor-tracker/storage"
)

func listing(key string, price int64) *models.ListingRecord {
	return &models.ListingRecord{
		Key: models.ListingKey(key),
		ListingAttributes: models.ListingAttributes{
			Price: price,
			Kind:  models.KindSale,
		},
	}
}

// runCycle reconciles batches as one full cycle against the store's state.
func runCycle(t *testing.T, r *Reconciler, date models.Date, batches ...[]*models.ListingRecord) *models.ReconcileResult {
	t.Helper()
	ctx := context.Background()

	c, err := r.BeginCycle(ctx, date)
	if err != nil {
		t.Fatalf("BeginCycle(%s): %v", date, err)
	}
	var res *models.ReconcileResult
	for i, b := range batches {
		res, err = c.Reconcile(ctx, b, i == len(batches)-1)
		if err != nil {
			t.Fatalf("Reconcile batch %d of %s: %v", i, date, err)
		}
	}
	return res
}

func recordByKey(t *testing.T, s storage.Store, key string) *models.ListingRecord {
	t.Helper()
	all, err := s.GetAllRecords(context.Background())
	if err != nil {
		t.Fatalf("GetAllRecords: %v", err)
	}
	for _, r := range all {
		if r.Key == models.ListingKey(key) {
			return r
		}
	}
	t.Fatalf("record %s not found", key)
	return nil
}

func TestReconcileInsertTouch(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())

	res := runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 100), listing("B", 200)})
	if res.Inserted != 2 {
		t.Errorf("Inserted: got %d, want 2", res.Inserted)
	}
	if res.TotalActive != 2 {
		t.Errorf("TotalActive: got %d, want 2", res.TotalActive)
	}
	if res.SoldDetectionSkipped {
		t.Error("SoldDetectionSkipped: got true, want false")
	}

	res = runCycle(t, r, "2024-05-02", []*models.ListingRecord{listing("A", 150), listing("B", 200)})
	if res.Inserted != 0 || res.Touched != 2 {
		t.Errorf("second cycle: got inserted=%d touched=%d, want 0 and 2", res.Inserted, res.Touched)
	}

	a := recordByKey(t, store, "A")
	if a.FirstSeen != "2024-05-01" {
		t.Errorf("FirstSeen: got %s, want 2024-05-01", a.FirstSeen)
	}
	if a.LastSeen != "2024-05-02" {
		t.Errorf("LastSeen: got %s, want 2024-05-02", a.LastSeen)
	}
	if a.Price != 150 {
		t.Errorf("Price: got %d, want 150 (latest observation)", a.Price)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())

	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2), listing("C", 3)})

	batch := []*models.ListingRecord{listing("A", 1), listing("D", 4)}
	first := runCycle(t, r, "2024-05-02", batch)
	if first.Inserted != 1 || first.Sold != 2 {
		t.Fatalf("first run: got inserted=%d sold=%d, want 1 and 2", first.Inserted, first.Sold)
	}
	before, _ := store.GetAllRecords(context.Background())
	statsBefore, _ := store.GetDailyStats(context.Background(), 1)

	second := runCycle(t, r, "2024-05-02", batch)
	if second.Inserted != 0 {
		t.Errorf("second run Inserted: got %d, want 0", second.Inserted)
	}
	if second.Sold != 0 {
		t.Errorf("second run Sold: got %d, want 0", second.Sold)
	}

	after, _ := store.GetAllRecords(context.Background())
	if len(after) != len(before) {
		t.Fatalf("record count: got %d, want %d", len(after), len(before))
	}
	for i := range before {
		if *before[i] != *after[i] {
			t.Errorf("record %s changed: %+v -> %+v", before[i].Key, before[i], after[i])
		}
	}

	statsAfter, _ := store.GetDailyStats(context.Background(), 0)
	if len(statsAfter) != 2 {
		t.Fatalf("daily stats rows: got %d, want 2", len(statsAfter))
	}
	if statsAfter[0] != statsBefore[0] {
		t.Errorf("daily stat drifted: %+v -> %+v", statsBefore[0], statsAfter[0])
	}
	want := models.DailyStat{Date: "2024-05-02", NewListings: 1, SoldCount: 2, TotalActive: 2}
	if statsAfter[0] != want {
		t.Errorf("daily stat: got %+v, want %+v", statsAfter[0], want)
	}
}

func TestReconcileNoPrematureSold(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2)})

	c, err := r.BeginCycle(ctx, "2024-05-02")
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Reconcile(ctx, []*models.ListingRecord{listing("A", 1)}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sold != 0 {
		t.Errorf("after B1: Sold got %d, want 0", res.Sold)
	}
	if b := recordByKey(t, store, "B"); b.Status != models.StatusActive {
		t.Errorf("after B1: B status got %s, want active", b.Status)
	}

	res, err = c.Reconcile(ctx, []*models.ListingRecord{listing("B", 2)}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sold != 0 {
		t.Errorf("after B2: Sold got %d, want 0", res.Sold)
	}
	if res.Touched != 2 {
		t.Errorf("after B2: Touched got %d, want 2", res.Touched)
	}
	if res.Batches != 2 {
		t.Errorf("Batches: got %d, want 2", res.Batches)
	}
}

func TestReconcileRelistRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())

	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2)})

	res := runCycle(t, r, "2024-05-02", []*models.ListingRecord{listing("B", 2)})
	if res.Sold != 1 {
		t.Errorf("cycle 2 Sold: got %d, want 1", res.Sold)
	}
	a := recordByKey(t, store, "A")
	if a.Status != models.StatusSold || a.LastSeen != "2024-05-02" {
		t.Errorf("cycle 2: A got status=%s lastSeen=%s, want sold 2024-05-02", a.Status, a.LastSeen)
	}

	res = runCycle(t, r, "2024-05-03", []*models.ListingRecord{listing("A", 1), listing("B", 2)})
	if res.Relisted != 1 {
		t.Errorf("cycle 3 Relisted: got %d, want 1", res.Relisted)
	}
	if res.Inserted != 0 {
		t.Errorf("cycle 3 Inserted: got %d, want 0", res.Inserted)
	}
	a = recordByKey(t, store, "A")
	if a.Status != models.StatusActive {
		t.Errorf("cycle 3: A status got %s, want active", a.Status)
	}
	if a.FirstSeen != "2024-05-01" {
		t.Errorf("cycle 3: A FirstSeen got %s, want 2024-05-01", a.FirstSeen)
	}
	if a.LastSeen != "2024-05-03" {
		t.Errorf("cycle 3: A LastSeen got %s, want 2024-05-03", a.LastSeen)
	}
}

func TestReconcileDegradedMode(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2)})

	// Batch-level entry point without a baseline.
	res, err := r.Reconcile(ctx, []*models.ListingRecord{listing("C", 3)}, "2024-05-02", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.SoldDetectionSkipped {
		t.Error("SoldDetectionSkipped: got false, want true")
	}
	if res.Sold != 0 {
		t.Errorf("Sold: got %d, want 0", res.Sold)
	}
	if res.TotalActive != 3 {
		t.Errorf("TotalActive: got %d, want 3", res.TotalActive)
	}

	// A store that cannot list active keys degrades BeginCycle the same way.
	store.DisableActiveKeys()
	res = runCycle(t, r, "2024-05-03", []*models.ListingRecord{listing("A", 1)})
	if !res.SoldDetectionSkipped || res.Sold != 0 {
		t.Errorf("BeginCycle degraded: got skipped=%t sold=%d", res.SoldDetectionSkipped, res.Sold)
	}
}

func TestReconcilerTracksCycleAcrossCalls(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2), listing("C", 3)})
	prior, err := store.GetActiveKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Reconcile(ctx, []*models.ListingRecord{listing("A", 1)}, "2024-05-02", false, prior); err != nil {
		t.Fatal(err)
	}
	res, err := r.Reconcile(ctx, []*models.ListingRecord{listing("B", 2)}, "2024-05-02", true, prior)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sold != 1 {
		t.Errorf("Sold: got %d, want 1", res.Sold)
	}
	if c := recordByKey(t, store, "C"); c.Status != models.StatusSold {
		t.Errorf("C status: got %s, want sold", c.Status)
	}
	if b := recordByKey(t, store, "B"); b.Status != models.StatusActive {
		t.Errorf("B status: got %s, want active", b.Status)
	}
}

func TestReconcileRejectsAndDuplicates(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	c, err := r.BeginCycle(ctx, "2024-05-01")
	if err != nil {
		t.Fatal(err)
	}
	batch := []*models.ListingRecord{
		listing("A", 100),
		listing("  ", 5),
		nil,
		listing("A", 120),
		listing("B", 7),
	}
	res, err := c.Reconcile(ctx, batch, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rejected != 2 {
		t.Errorf("Rejected: got %d, want 2", res.Rejected)
	}
	if res.Duplicates != 1 {
		t.Errorf("Duplicates: got %d, want 1", res.Duplicates)
	}
	if res.Inserted != 2 {
		t.Errorf("Inserted: got %d, want 2", res.Inserted)
	}
	if a := recordByKey(t, store, "A"); a.Price != 120 {
		t.Errorf("A price: got %d, want 120 (last observation)", a.Price)
	}

	// A key repeated in a later batch of the same cycle is a duplicate, not a touch.
	res, err = c.Reconcile(ctx, []*models.ListingRecord{listing("B", 8)}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Touched != 0 || res.Duplicates != 2 {
		t.Errorf("repeat batch: got touched=%d duplicates=%d, want 0 and 2", res.Touched, res.Duplicates)
	}
	if res.Observed != 2 {
		t.Errorf("Observed: got %d, want 2", res.Observed)
	}
}

func TestReconcileClosedCycle(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	c, err := r.BeginCycle(ctx, "2024-05-01")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(ctx, []*models.ListingRecord{listing("A", 1)}, true); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(ctx, []*models.ListingRecord{listing("B", 1)}, true); !errors.Is(err, ErrCycleClosed) {
		t.Errorf("Reconcile after final: got %v, want ErrCycleClosed", err)
	}
	if _, err := c.Abandon(ctx); !errors.Is(err, ErrCycleClosed) {
		t.Errorf("Abandon after final: got %v, want ErrCycleClosed", err)
	}
	if _, err := r.BeginCycle(ctx, ""); !errors.Is(err, ErrInvalidCycleDate) {
		t.Errorf("BeginCycle without date: got %v, want ErrInvalidCycleDate", err)
	}
}

func TestReconcileAbandonSkipsSold(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2)})

	c, err := r.BeginCycle(ctx, "2024-05-02")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Reconcile(ctx, []*models.ListingRecord{listing("A", 1), listing("N", 9)}, false); err != nil {
		t.Fatal(err)
	}
	res, err := c.Abandon(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.SoldDetectionSkipped || res.Final {
		t.Errorf("Abandon: got skipped=%t final=%t, want true and false", res.SoldDetectionSkipped, res.Final)
	}
	if b := recordByKey(t, store, "B"); b.Status != models.StatusActive {
		t.Errorf("B status: got %s, want active", b.Status)
	}

	stats, _ := store.GetDailyStats(ctx, 1)
	want := models.DailyStat{Date: "2024-05-02", NewListings: 1, SoldCount: 0, TotalActive: 3}
	if len(stats) != 1 || stats[0] != want {
		t.Errorf("daily stat: got %+v, want %+v", stats, want)
	}
}

// flakyStore fails the nth UpdateFields call and the first UpsertDailyStat when asked.
type flakyStore struct {
	*storage.MemoryStore
	failUpdateOn int
	failUpsert   bool
	updates      int
}

var errBoom = errors.New("backend unavailable")

func (f *flakyStore) UpdateFields(ctx context.Context, key models.ListingKey, u models.ListingUpdate) error {
	f.updates++
	if f.updates == f.failUpdateOn {
		return errBoom
	}
	return f.MemoryStore.UpdateFields(ctx, key, u)
}

func (f *flakyStore) UpsertDailyStat(ctx context.Context, s models.DailyStat) error {
	if f.failUpsert {
		f.failUpsert = false
		return errBoom
	}
	return f.MemoryStore.UpsertDailyStat(ctx, s)
}

func TestReconcileWriteFailureIsRetryable(t *testing.T) {
	mem := storage.NewMemoryStore()
	runCycle(t, NewReconciler(mem, newTestLogger()), "2024-05-01",
		[]*models.ListingRecord{listing("A", 1), listing("B", 2), listing("C", 3)})

	store := &flakyStore{MemoryStore: mem, failUpdateOn: 2}
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	c, err := r.BeginCycle(ctx, "2024-05-02")
	if err != nil {
		t.Fatal(err)
	}
	batch := []*models.ListingRecord{listing("A", 10), listing("B", 20)}
	if _, err := c.Reconcile(ctx, batch, true); !errors.Is(err, errBoom) {
		t.Fatalf("first attempt: got %v, want errBoom", err)
	}
	if b := recordByKey(t, store, "B"); b.LastSeen != "2024-05-01" {
		t.Errorf("B after failure: LastSeen got %s, want unchanged 2024-05-01", b.LastSeen)
	}

	res, err := c.Reconcile(ctx, batch, true)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Touched != 2 || res.Observed != 2 {
		t.Errorf("Touched/Observed: got %d/%d, want 2/2", res.Touched, res.Observed)
	}
	if res.Duplicates != 0 {
		t.Errorf("Duplicates: got %d, want 0 (A written by the failed attempt counts once)", res.Duplicates)
	}
	if res.Batches != 1 {
		t.Errorf("Batches: got %d, want 1", res.Batches)
	}
	if res.Sold != 1 {
		t.Errorf("Sold: got %d, want 1", res.Sold)
	}
}

func TestReconcileDailyStatFailureLeavesCycleOpen(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failUpsert: true}
	r := NewReconciler(store, newTestLogger())
	ctx := context.Background()

	c, err := r.BeginCycle(ctx, "2024-05-01")
	if err != nil {
		t.Fatal(err)
	}
	batch := []*models.ListingRecord{listing("A", 1)}
	if _, err := c.Reconcile(ctx, batch, true); !errors.Is(err, errBoom) {
		t.Fatalf("got %v, want errBoom", err)
	}
	res, err := c.Reconcile(ctx, batch, true)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Final || res.Inserted != 1 {
		t.Errorf("retry: got final=%t inserted=%d, want true and 1", res.Final, res.Inserted)
	}
	if res.Touched != 0 || res.Duplicates != 0 || res.Batches != 1 {
		t.Errorf("retry: got touched=%d duplicates=%d batches=%d, want 0, 0, 1", res.Touched, res.Duplicates, res.Batches)
	}

	stats, _ := store.GetDailyStats(ctx, 0)
	if len(stats) != 1 || stats[0].NewListings != 1 {
		t.Errorf("daily stats: got %+v", stats)
	}
}

func TestReconcileStaleBaselineDoesNotResell(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2)})
	runCycle(t, r, "2024-05-02", []*models.ListingRecord{listing("A", 1)})

	// Day 3 is driven with the baseline from before day 2.
	stale := models.NewKeySet("A", "B")
	res, err := r.Reconcile(context.Background(), []*models.ListingRecord{listing("A", 1)}, "2024-05-03", true, stale)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Sold != 0 {
		t.Errorf("Sold: got %d, want 0", res.Sold)
	}
	if b := recordByKey(t, store, "B"); b.Status != models.StatusSold || b.LastSeen != "2024-05-02" {
		t.Errorf("B: got %s lastSeen=%s, want sold lastSeen=2024-05-02", b.Status, b.LastSeen)
	}

	stats, _ := store.GetDailyStats(context.Background(), 1)
	if len(stats) != 1 || stats[0].Date != "2024-05-03" || stats[0].SoldCount != 0 {
		t.Errorf("day 3 stat: got %+v, want SoldCount 0", stats)
	}
}

func TestReconcileReplayedDateKeepsLastSeen(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewReconciler(store, newTestLogger())
	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2)})
	runCycle(t, r, "2024-05-05", []*models.ListingRecord{listing("A", 1), listing("B", 2)})

	res := runCycle(t, r, "2024-05-03", []*models.ListingRecord{listing("A", 1)})
	if res.Sold != 1 {
		t.Fatalf("Sold: got %d, want 1", res.Sold)
	}
	b := recordByKey(t, store, "B")
	if b.Status != models.StatusSold {
		t.Errorf("B status: got %s, want sold", b.Status)
	}
	if b.LastSeen != "2024-05-05" || b.LastSeen.Before(b.FirstSeen) {
		t.Errorf("B dates: first=%s last=%s, want last=2024-05-05", b.FirstSeen, b.LastSeen)
	}
}

func TestReconcileMarksSoldOnSpreadsheetStore(t *testing.T) {
	store, err := storage.NewXLSXStore(filepath.Join(t.TempDir(), "tracker.xlsx"))
	if err != nil {
		t.Fatalf("NewXLSXStore: %v", err)
	}
	defer store.Close()
	r := NewReconciler(store, newTestLogger())

	runCycle(t, r, "2024-05-01", []*models.ListingRecord{listing("A", 1), listing("B", 2)})
	res := runCycle(t, r, "2024-05-02", []*models.ListingRecord{listing("A", 1)})

	if res.SoldDetectionSkipped || res.Sold != 1 {
		t.Errorf("cycle 2: got sold=%d skipped=%t, want 1 and false", res.Sold, res.SoldDetectionSkipped)
	}
	if b := recordByKey(t, store, "B"); b.Status != models.StatusSold || b.LastSeen != "2024-05-02" {
		t.Errorf("B: got %s lastSeen=%s, want sold lastSeen=2024-05-02", b.Status, b.LastSeen)
	}
}
