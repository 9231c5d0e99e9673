package services

import (
	"sort"
	"strings"
	"time"

	"realtor-tracker/models"
)

// SortKey names an ordering for listing views.
type SortKey string

const (
	SortDateDesc   SortKey = "date_desc"
	SortDateAsc    SortKey = "date_asc"
	SortPriceAsc   SortKey = "price_asc"
	SortPriceDesc  SortKey = "price_desc"
	SortCity       SortKey = "city"
	SortPostalCode SortKey = "postal"
)

// ParseSortKey maps a query value to a SortKey; unknown values fall back to
// newest first.
func ParseSortKey(s string) SortKey {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case SortDateAsc, SortDateDesc, SortPriceAsc, SortPriceDesc, SortCity, SortPostalCode:
		return k
	}
	return SortDateDesc
}

// ListingFilter narrows a listing view. Zero fields match everything.
type ListingFilter struct {
	City         string
	PostalPrefix string
	Status       models.Status
	Kind         models.TransactionKind
}

// FilterListings returns the records matching f, preserving input order.
// City is an exact match; the postal prefix ignores case and spaces.
func FilterListings(records []*models.ListingRecord, f ListingFilter) []*models.ListingRecord {
	prefix := normalisePostal(f.PostalPrefix)
	out := make([]*models.ListingRecord, 0, len(records))
	for _, r := range records {
		if f.City != "" && r.Details.City != f.City {
			continue
		}
		if prefix != "" && !strings.HasPrefix(normalisePostal(r.Details.PostalCode), prefix) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortListings sorts records in place by key. Ties keep their input order.
func SortListings(records []*models.ListingRecord, key SortKey) {
	switch key {
	case SortDateAsc:
		sortByListingDate(records, true)
	case SortPriceAsc:
		sort.SliceStable(records, func(i, j int) bool { return records[i].Price < records[j].Price })
	case SortPriceDesc:
		sort.SliceStable(records, func(i, j int) bool { return records[i].Price > records[j].Price })
	case SortCity:
		sort.SliceStable(records, func(i, j int) bool {
			return emptyLast(records[i].Details.City, records[j].Details.City)
		})
	case SortPostalCode:
		sort.SliceStable(records, func(i, j int) bool {
			return emptyLast(normalisePostal(records[i].Details.PostalCode), normalisePostal(records[j].Details.PostalCode))
		})
	default:
		sortByListingDate(records, false)
	}
}

// RecentlyAdded returns the Active listings whose listing date falls within
// the last 7 days, deduplicated by key and newest first.
func RecentlyAdded(records []*models.ListingRecord, now time.Time, loc *time.Location) []*models.ListingRecord {
	if loc == nil {
		loc = time.UTC
	}
	cutoff := models.DateOf(now, loc).AddDays(-7)

	seen := make(models.KeySet)
	out := make([]*models.ListingRecord, 0)
	for _, r := range records {
		if r.Status != models.StatusActive || seen.Has(r.Key) {
			continue
		}
		if d := r.ListingDate(); d.IsZero() || d.Before(cutoff) {
			continue
		}
		seen.Add(r.Key)
		out = append(out, r)
	}
	sortByListingDate(out, false)
	return out
}

// sortByListingDate orders by ListingDate with the key as tie-break, so the
// order is deterministic whatever the store returned.
func sortByListingDate(records []*models.ListingRecord, ascending bool) {
	sort.SliceStable(records, func(i, j int) bool {
		di, dj := records[i].ListingDate(), records[j].ListingDate()
		if di != dj {
			if ascending {
				return di < dj
			}
			return di > dj
		}
		return records[i].Key < records[j].Key
	})
}

// emptyLast compares alphabetically, case-insensitively, with empty strings
// after everything else.
func emptyLast(a, b string) bool {
	if a == "" || b == "" {
		return a != "" && b == ""
	}
	return strings.ToLower(a) < strings.ToLower(b)
}
