package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"realtor-tracker/models"
	"realtor-tracker/storage"
	"realtor-tracker/utils"
)

var (
	// ErrInvalidKey marks a record rejected for a missing listing key.
	ErrInvalidKey = errors.New("reconciler: record has no listing key")
	// ErrCycleClosed is returned when a batch arrives after the cycle ended.
	ErrCycleClosed = errors.New("reconciler: cycle already closed")
	// ErrInvalidCycleDate is returned when a cycle is started without a date.
	ErrInvalidCycleDate = errors.New("reconciler: cycle date is required")
)

// Reconciler turns scrape cycles into store mutations. Callers must keep at
// most one cycle in flight per store; nothing here locks.
type Reconciler struct {
	store  storage.Store
	logger *utils.Logger

	current *Cycle
}

// NewReconciler creates a Reconciler writing through store.
func NewReconciler(store storage.Store, logger *utils.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// BeginCycle loads the store's records and active keys and opens a cycle for
// date. If the active-key query fails the cycle runs in degraded mode.
func (r *Reconciler) BeginCycle(ctx context.Context, date models.Date) (*Cycle, error) {
	if date.IsZero() {
		return nil, ErrInvalidCycleDate
	}

	records, err := r.store.GetAllRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: load records: %w", err)
	}

	active, err := r.store.GetActiveKeys(ctx)
	if err != nil {
		r.logger.Warn("[reconciler] Active-key query failed (%v); sold detection skipped for %s", err, date)
		active = nil
	}

	return r.NewCycle(date, records, active), nil
}

// NewCycle opens a cycle from caller-supplied state. known is the full
// record set; a nil priorActive puts the cycle in degraded mode.
func (r *Reconciler) NewCycle(date models.Date, known []*models.ListingRecord, priorActive models.KeySet) *Cycle {
	c := &Cycle{
		id:       uuid.NewString(),
		date:     date,
		store:    r.store,
		logger:   r.logger,
		known:    make(map[models.ListingKey]*models.ListingRecord, len(known)),
		observed: make(models.KeySet),
	}
	for _, rec := range known {
		c.known[rec.Key] = rec.Clone()
	}
	if priorActive != nil {
		// A baseline key the store already holds as Sold is not a candidate.
		c.pendingSold = make(models.KeySet, len(priorActive))
		for k := range priorActive {
			if rec, ok := c.known[k]; ok && rec.Status != models.StatusActive {
				continue
			}
			c.pendingSold.Add(k)
		}
	}
	c.result = models.ReconcileResult{
		CycleID:              c.id,
		CycleDate:            date,
		SoldDetectionSkipped: priorActive == nil,
	}

	mode := "full"
	if priorActive == nil {
		mode = "degraded"
	}
	r.logger.Info("[reconciler] Cycle %s opened for %s (%d known listings, %s mode)",
		c.id, date, len(known), mode)

	r.current = c
	return c
}

// Reconcile applies one batch of the cycle for cycleDate. The first batch of
// a cycle opens it against the store's records using priorActive as the
// baseline; priorActive is ignored for later batches of the same cycle.
func (r *Reconciler) Reconcile(ctx context.Context, batch []*models.ListingRecord, cycleDate models.Date,
	final bool, priorActive models.KeySet) (*models.ReconcileResult, error) {
	if cycleDate.IsZero() {
		return nil, ErrInvalidCycleDate
	}

	c := r.current
	if c == nil || c.closed || c.date != cycleDate {
		records, err := r.store.GetAllRecords(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconciler: load records: %w", err)
		}
		c = r.NewCycle(cycleDate, records, priorActive)
	}
	return c.Reconcile(ctx, batch, final)
}

// Cycle is one scrape-and-reconcile pass. Batches are applied as they arrive;
// sold detection runs once, on the final batch, against every key observed in
// the whole cycle.
type Cycle struct {
	id     string
	date   models.Date
	store  storage.Store
	logger *utils.Logger

	// known mirrors the store as writes succeed
	known map[models.ListingKey]*models.ListingRecord
	// observed holds every key applied in this cycle
	observed models.KeySet
	// pendingSold is the prior active set minus keys already marked sold;
	// nil in degraded mode
	pendingSold models.KeySet
	// carried holds keys written by a failed call whose counters were rolled
	// back; a retry counts them once
	carried map[models.ListingKey]outcome

	result models.ReconcileResult
	closed bool
}

// ID returns the cycle's unique id.
func (c *Cycle) ID() string { return c.id }

// Date returns the cycle date.
func (c *Cycle) Date() models.Date { return c.date }

// Result returns a snapshot of the cycle's cumulative counters.
func (c *Cycle) Result() *models.ReconcileResult {
	res := c.result
	return &res
}

// Reconcile applies batch and, when final is set, detects sold listings and
// writes the day's DailyStat. A failed write leaves the cycle open so the
// caller can retry the same batch.
func (c *Cycle) Reconcile(ctx context.Context, batch []*models.ListingRecord, final bool) (*models.ReconcileResult, error) {
	if c.closed {
		return nil, ErrCycleClosed
	}
	before := c.result
	applied := make(map[models.ListingKey]outcome)
	c.result.Batches++

	if err := c.apply(ctx, c.dedupe(batch), applied); err != nil {
		return c.rollback(before, applied, err)
	}

	if final {
		if err := c.finish(ctx, true); err != nil {
			return c.rollback(before, applied, err)
		}
	}

	c.result.TotalActive = c.activeCount()
	return c.Result(), nil
}

// rollback restores the counters from before a failed call so a retry of the
// same batch reports it once. Writes that did land are remembered in carried.
// Sold transitions are kept since their keys leave pendingSold as they land.
func (c *Cycle) rollback(before models.ReconcileResult, applied map[models.ListingKey]outcome, err error) (*models.ReconcileResult, error) {
	sold := c.result.Sold
	c.result = before
	c.result.Sold = sold

	if c.carried == nil {
		c.carried = make(map[models.ListingKey]outcome, len(applied))
	}
	for k, o := range applied {
		c.carried[k] = o
	}
	return c.Result(), err
}

// Abandon closes the cycle without sold detection, for scrapes that did not
// cover every segment. The DailyStat is still written.
func (c *Cycle) Abandon(ctx context.Context) (*models.ReconcileResult, error) {
	if c.closed {
		return nil, ErrCycleClosed
	}
	c.logger.Warn("[reconciler] Cycle %s abandoned before its final batch; sold detection deferred", c.id)
	if err := c.finish(ctx, false); err != nil {
		return c.Result(), err
	}
	c.result.TotalActive = c.activeCount()
	return c.Result(), nil
}

// dedupe drops keyless records and collapses repeated keys within the batch,
// keeping the last observation.
func (c *Cycle) dedupe(batch []*models.ListingRecord) []*models.ListingRecord {
	index := make(map[models.ListingKey]int, len(batch))
	out := make([]*models.ListingRecord, 0, len(batch))

	for _, rec := range batch {
		if rec == nil || !rec.Key.Valid() {
			c.result.Rejected++
			c.logger.Warn("[reconciler] Cycle %s: %v; record skipped", c.id, ErrInvalidKey)
			continue
		}
		rec = rec.Clone()
		rec.Key = models.ListingKey(strings.TrimSpace(string(rec.Key)))

		if i, dup := index[rec.Key]; dup {
			c.result.Duplicates++
			out[i] = rec
			continue
		}
		index[rec.Key] = len(out)
		out = append(out, rec)
	}
	return out
}

type outcome int

const (
	outcomeInserted outcome = iota + 1
	outcomeTouched
	outcomeRelisted
)

func (c *Cycle) count(o outcome) {
	c.result.Observed++
	switch o {
	case outcomeInserted:
		c.result.Inserted++
	case outcomeRelisted:
		c.result.Relisted++
	default:
		c.result.Touched++
	}
}

type pendingUpdate struct {
	key      models.ListingKey
	update   models.ListingUpdate
	relist   bool
	repeated bool
}

// apply writes batch and records the outcome of every key first observed in
// this call into applied.
func (c *Cycle) apply(ctx context.Context, batch []*models.ListingRecord, applied map[models.ListingKey]outcome) error {
	var inserts []*models.ListingRecord
	var updates []pendingUpdate

	for _, obs := range batch {
		existing, known := c.known[obs.Key]
		if !known {
			inserts = append(inserts, c.newRecord(obs))
			continue
		}

		attrs := obs.ListingAttributes
		lastSeen := c.date
		if existing.LastSeen.After(lastSeen) {
			lastSeen = existing.LastSeen
		}
		_, carried := c.carried[obs.Key]
		u := pendingUpdate{
			key:      obs.Key,
			update:   models.ListingUpdate{LastSeen: &lastSeen, Attributes: &attrs},
			repeated: c.observed.Has(obs.Key) && !carried,
		}
		if existing.Status != models.StatusActive {
			active := models.StatusActive
			u.update.Status = &active
			u.relist = true
		}
		updates = append(updates, u)
	}

	if len(inserts) > 0 {
		if err := c.store.InsertBatch(ctx, inserts); err != nil {
			return fmt.Errorf("reconciler: insert %d listings: %w", len(inserts), err)
		}
		for _, rec := range inserts {
			c.known[rec.Key] = rec.Clone()
			c.observed.Add(rec.Key)
			applied[rec.Key] = outcomeInserted
			c.count(outcomeInserted)
		}
		c.logger.Debug("[reconciler] Cycle %s inserted %d listings", c.id, len(inserts))
	}

	for _, u := range updates {
		err := c.store.UpdateFields(ctx, u.key, u.update)
		if errors.Is(err, storage.ErrNotFound) {
			// The store lost the row since the cycle opened; put it back.
			rec := c.known[u.key].Clone()
			u.update.Apply(rec)
			if err = c.store.InsertBatch(ctx, []*models.ListingRecord{rec}); err == nil {
				c.logger.Warn("[reconciler] Listing %s vanished from the store; re-inserted", u.key)
			}
		}
		if err != nil {
			return fmt.Errorf("reconciler: update listing %s: %w", u.key, err)
		}

		u.update.Apply(c.known[u.key])

		c.observed.Add(u.key)
		if u.repeated {
			c.result.Duplicates++
			continue
		}

		o, carried := c.carried[u.key]
		switch {
		case carried:
			delete(c.carried, u.key)
		case u.relist:
			o = outcomeRelisted
		default:
			o = outcomeTouched
		}
		applied[u.key] = o
		c.count(o)
	}
	return nil
}

func (c *Cycle) newRecord(obs *models.ListingRecord) *models.ListingRecord {
	return &models.ListingRecord{
		Key:               obs.Key,
		ListingAttributes: obs.ListingAttributes,
		FirstSeen:         c.date,
		LastSeen:          c.date,
		Status:            models.StatusActive,
	}
}

// finish runs sold detection (when allowed and possible), writes the DailyStat
// and closes the cycle.
func (c *Cycle) finish(ctx context.Context, detectSold bool) error {
	if !detectSold {
		c.result.SoldDetectionSkipped = true
	}
	if detectSold && c.pendingSold != nil {
		if err := c.markSold(ctx); err != nil {
			return err
		}
	}

	stat := c.dailyStat()
	if err := c.store.UpsertDailyStat(ctx, stat); err != nil {
		return fmt.Errorf("reconciler: write daily stat for %s: %w", c.date, err)
	}

	c.result.Final = detectSold
	c.closed = true
	c.logger.Info("[reconciler] Cycle %s closed. new: %d | touched: %d | relisted: %d | sold: %d | active: %d | sold detection skipped: %t",
		c.id, c.result.Inserted, c.result.Touched, c.result.Relisted, c.result.Sold, stat.TotalActive, c.result.SoldDetectionSkipped)
	return nil
}

// markSold transitions every prior-active key absent from the cycle's
// observed union to Sold.
func (c *Cycle) markSold(ctx context.Context) error {
	var gone []models.ListingKey
	for k := range c.pendingSold {
		if !c.observed.Has(k) {
			gone = append(gone, k)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })

	sold := models.StatusSold
	for _, k := range gone {
		lastSeen := c.date
		if rec, ok := c.known[k]; ok && rec.LastSeen.After(lastSeen) {
			lastSeen = rec.LastSeen
		}
		err := c.store.UpdateFields(ctx, k, models.ListingUpdate{Status: &sold, LastSeen: &lastSeen})
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("[reconciler] Active key %s has no stored record; skipping sold transition", k)
			delete(c.pendingSold, k)
			continue
		}
		if err != nil {
			return fmt.Errorf("reconciler: mark %s sold: %w", k, err)
		}

		if rec, ok := c.known[k]; ok {
			rec.Status = models.StatusSold
			rec.LastSeen = lastSeen
		}
		delete(c.pendingSold, k)
		c.result.Sold++
	}
	return nil
}

// dailyStat derives the cycle date's counters from the reconciled record
// set, so re-running a cycle rewrites the same numbers.
func (c *Cycle) dailyStat() models.DailyStat {
	stat := models.DailyStat{Date: c.date}
	for _, rec := range c.known {
		if rec.FirstSeen == c.date {
			stat.NewListings++
		}
		switch rec.Status {
		case models.StatusActive:
			stat.TotalActive++
		case models.StatusSold:
			if rec.LastSeen == c.date {
				stat.SoldCount++
			}
		}
	}
	return stat
}

func (c *Cycle) activeCount() int {
	n := 0
	for _, rec := range c.known {
		if rec.Status == models.StatusActive {
			n++
		}
	}
	return n
}
