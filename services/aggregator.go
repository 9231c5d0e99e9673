package services

import (
	"fmt"
	"strings"
	"time"

	"realtor-tracker/models"
	"realtor-tracker/utils"
)

// AgeThresholds are the older-than buckets exposed to the dashboard.
var AgeThresholds = []int{7, 30, 90, 365}

// ComputeStats derives the dashboard statistics from the full record set.
// Every comparison happens on calendar dates in loc; a nil loc means UTC.
func ComputeStats(records []*models.ListingRecord, now time.Time, loc *time.Location) *models.Stats {
	if loc == nil {
		loc = time.UTC
	}
	today := models.DateOf(now, loc)

	stats := &models.Stats{LastUpdate: now}
	newSince := func(days int) models.Date { return today.AddDays(-days) }
	var (
		since7   = newSince(7)
		since30  = newSince(30)
		since90  = newSince(90)
		since365 = newSince(365)
		since49  = newSince(49)
	)

	var active []*models.ListingRecord
	for _, r := range records {
		if r == nil {
			continue
		}

		first := r.FirstSeen
		if first == today {
			stats.NewToday++
		}
		if !first.IsZero() {
			if !first.Before(since7) {
				stats.NewLast7Days++
			}
			if !first.Before(since30) {
				stats.NewLast30Days++
			}
			if !first.Before(since90) {
				stats.NewLast90Days++
			}
			if !first.Before(since365) {
				stats.NewLastYear++
			}
			if !first.Before(since49) {
				stats.NewLast7Weeks++
			}
		}

		switch r.Status {
		case models.StatusSold:
			if r.LastSeen == today {
				stats.SoldToday++
			}
		case models.StatusActive:
			stats.TotalActive++
			active = append(active, r)
			switch r.Kind {
			case models.KindSale:
				stats.SaleCount++
			case models.KindRent:
				stats.RentCount++
			}
		}
	}

	sortByListingDate(active, true)
	stats.OlderThan7Days = olderThan(active, today, 7)
	stats.OlderThan30Days = olderThan(active, today, 30)
	stats.OlderThan90Days = olderThan(active, today, 90)
	stats.OlderThan365Days = olderThan(active, today, 365)

	stats.OlderThan7DaysCount = len(stats.OlderThan7Days)
	stats.OlderThan30DaysCount = len(stats.OlderThan30Days)
	stats.OlderThan90DaysCount = len(stats.OlderThan90Days)
	stats.OlderThan365DaysCount = len(stats.OlderThan365Days)
	return stats
}

// olderThan keeps the records listed on or before today minus days. sorted
// must already be in ascending listing-date order; the result keeps it.
func olderThan(sorted []*models.ListingRecord, today models.Date, days int) []*models.ListingRecord {
	cutoff := today.AddDays(-days)
	out := make([]*models.ListingRecord, 0)
	for _, r := range sorted {
		d := r.ListingDate()
		if d.IsZero() || d.After(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Aggregator wraps ComputeStats for callers that hold a logger and a time zone.
type Aggregator struct {
	logger *utils.Logger
	loc    *time.Location
	now    func() time.Time
}

func NewAggregator(logger *utils.Logger, loc *time.Location) *Aggregator {
	return &Aggregator{logger: logger, loc: loc, now: time.Now}
}

// Compute returns the stats for records as of now.
func (a *Aggregator) Compute(records []*models.ListingRecord) *models.Stats {
	stats := ComputeStats(records, a.now(), a.loc)
	a.logger.Debug("[aggregator] %d records → %d active, %d new today, %d sold today",
		len(records), stats.TotalActive, stats.NewToday, stats.SoldToday)
	return stats
}

// Print writes a terminal summary of a sync cycle and the resulting stats.
func (a *Aggregator) Print(res *models.ReconcileResult, s *models.Stats) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  🏠 LISTING TRACKER SUMMARY\033[0m\n")
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	if res != nil {
		fmt.Printf("\033[1;33m  Cycle %s\033[0m\n", res.CycleDate)
		fmt.Printf("  %s\n", thin)
		fmt.Printf("  Observed   : \033[1m%d\033[0m\n", res.Observed)
		fmt.Printf("  Inserted   : \033[1;32m%d\033[0m\n", res.Inserted)
		fmt.Printf("  Touched    : %d\n", res.Touched)
		fmt.Printf("  Relisted   : %d\n", res.Relisted)
		fmt.Printf("  Sold       : \033[1;31m%d\033[0m\n", res.Sold)
		if res.Rejected > 0 || res.Duplicates > 0 {
			fmt.Printf("  Rejected   : %d  (duplicates %d)\n", res.Rejected, res.Duplicates)
		}
		if res.SoldDetectionSkipped {
			fmt.Printf("  \033[33mSold detection skipped this cycle\033[0m\n")
		}
		fmt.Println()
	}

	if s == nil {
		fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
		return
	}

	fmt.Printf("\033[1;33m  New Listings\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Today       : \033[1m%d\033[0m\n", s.NewToday)
	fmt.Printf("  Last 7 days : %d\n", s.NewLast7Days)
	fmt.Printf("  Last 30 days: %d\n", s.NewLast30Days)
	fmt.Printf("  Last 90 days: %d\n", s.NewLast90Days)
	fmt.Printf("  Last year   : %d\n", s.NewLastYear)
	fmt.Println()

	fmt.Printf("\033[1;33m  Inventory\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Active      : \033[1;32m%d\033[0m  (sale %d / rent %d)\n", s.TotalActive, s.SaleCount, s.RentCount)
	fmt.Printf("  Sold today  : \033[1;31m%d\033[0m\n", s.SoldToday)
	fmt.Println()

	fmt.Printf("\033[1;33m  Listings by Age\033[0m\n")
	fmt.Printf("  %s\n", thin)
	for _, days := range AgeThresholds {
		bucket, _ := s.AgeBucket(days)
		fmt.Printf("  Older than %-4d days : %d\n", days, len(bucket))
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}
