package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"realtor-tracker/models"
	"realtor-tracker/notify"
	"realtor-tracker/scraper/realtor"
	"realtor-tracker/storage"
	"realtor-tracker/utils"
)

// ErrSyncInProgress is returned when a sync is requested while one is running.
var ErrSyncInProgress = errors.New("sync: a cycle is already running")

// ListingSource produces raw listings for one cycle.
type ListingSource interface {
	Scrape(ctx context.Context, emit realtor.EmitFunc) (*realtor.ScrapeReport, error)
}

// SyncStatus is the outcome of the most recent sync.
type SyncStatus struct {
	Running    bool                    `json:"running"`
	LastResult *models.ReconcileResult `json:"last_result,omitempty"`
	LastError  string                  `json:"last_error,omitempty"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
}

// Syncer drives one scrape-and-reconcile cycle end to end: scrape, raw
// export, clean, batch, reconcile, publish.
type Syncer struct {
	store      storage.Store
	source     ListingSource
	raw        storage.RawListingWriter
	cleaner    *Cleaner
	reconciler *Reconciler
	publisher  notify.Publisher
	logger     *utils.Logger
	loc        *time.Location
	batchSize  int
	now        func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	status  SyncStatus
}

// SyncerOptions carries the optional collaborators of a Syncer.
type SyncerOptions struct {
	RawWriter storage.RawListingWriter
	Publisher notify.Publisher
	BatchSize int
	Location  *time.Location
}

func NewSyncer(store storage.Store, source ListingSource, logger *utils.Logger, opts SyncerOptions) *Syncer {
	if opts.Publisher == nil {
		opts.Publisher = notify.NopPublisher{}
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 20
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Syncer{
		store:      store,
		source:     source,
		raw:        opts.RawWriter,
		cleaner:    NewCleaner(logger),
		reconciler: NewReconciler(store, logger),
		publisher:  opts.Publisher,
		logger:     logger,
		loc:        opts.Location,
		batchSize:  opts.BatchSize,
		now:        time.Now,
	}
}

// Status returns a snapshot of the last sync.
func (s *Syncer) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Running = s.running.Load()
	return st
}

// Run performs one cycle. Only one Run executes at a time; overlapping calls
// get ErrSyncInProgress. Sold detection happens only when the scrape covered
// every segment; otherwise the cycle is abandoned after its last batch.
func (s *Syncer) Run(ctx context.Context) (*models.ReconcileResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	res, err := s.run(ctx)

	s.mu.Lock()
	s.status.FinishedAt = s.now()
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastResult = res
	}
	s.mu.Unlock()
	return res, err
}

func (s *Syncer) run(ctx context.Context) (*models.ReconcileResult, error) {
	start := s.now()
	date := models.DateOf(start, s.loc)
	s.logger.Info("[sync] Starting cycle for %s", date)

	cycle, err := s.reconciler.BeginCycle(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("sync: begin cycle: %w", err)
	}

	var pending []*models.ListingRecord
	// Keep up to one batch buffered so the final flag lands on a real batch.
	emit := func(raw []*models.RawListing) error {
		if s.raw != nil {
			if err := s.raw.WriteRaw(raw); err != nil {
				s.logger.Error("[sync] Raw export failed: %v", err)
			}
		}
		pending = append(pending, s.cleaner.Clean(raw)...)
		for len(pending) > s.batchSize {
			if _, err := cycle.Reconcile(ctx, pending[:s.batchSize], false); err != nil {
				return err
			}
			pending = pending[s.batchSize:]
		}
		return nil
	}

	report, err := s.source.Scrape(ctx, emit)
	if err != nil {
		return nil, fmt.Errorf("sync: scrape: %w", err)
	}

	var res *models.ReconcileResult
	if report.Complete {
		res, err = cycle.Reconcile(ctx, pending, true)
	} else {
		s.logger.Warn("[sync] Scrape incomplete (failed: %v, truncated: %v); listings will not be marked sold this cycle",
			report.Failed, report.Truncated)
		if _, err = cycle.Reconcile(ctx, pending, false); err == nil {
			res, err = cycle.Abandon(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("sync: reconcile: %w", err)
	}

	if err := s.publisher.PublishCycle(ctx, res); err != nil {
		s.logger.Warn("[sync] Publishing cycle %s failed: %v", res.CycleID, err)
	}

	s.logger.Info("[sync] Cycle %s done in %v: %d observed, %d new, %d sold, %d active",
		res.CycleID, s.now().Sub(start).Round(time.Millisecond), res.Observed, res.Inserted, res.Sold, res.TotalActive)
	return res, nil
}
