package models

import (
	"strings"
	"time"
)

// ListingKey is the stable upstream identifier of a listing (the MLS number).
type ListingKey string

// Valid reports whether the key is non-empty after trimming.
func (k ListingKey) Valid() bool { return strings.TrimSpace(string(k)) != "" }

// KeySet is a set of listing keys. A nil KeySet means "unknown", which is
// different from an empty set.
type KeySet map[ListingKey]struct{}

// NewKeySet builds a KeySet from keys.
func NewKeySet(keys ...ListingKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Add inserts k.
func (s KeySet) Add(k ListingKey) { s[k] = struct{}{} }

// Has reports whether k is a member.
func (s KeySet) Has(k ListingKey) bool {
	_, ok := s[k]
	return ok
}

// TransactionKind distinguishes listings for sale from rentals.
type TransactionKind string

const (
	KindSale TransactionKind = "sale"
	KindRent TransactionKind = "rent"
)

// IsValid checks if a kind is recognised.
func (k TransactionKind) IsValid() bool {
	return k == KindSale || k == KindRent
}

// Status is the lifecycle state of a stored listing.
type Status string

const (
	StatusActive Status = "active"
	StatusSold   Status = "sold"
)

// IsValid checks if a status is recognised.
func (s Status) IsValid() bool {
	return s == StatusActive || s == StatusSold
}

// ListingDetails are informational fields carried through reconciliation
// untouched by its logic.
type ListingDetails struct {
	StreetAddress string `json:"street_address,omitempty"`
	City          string `json:"city,omitempty"`
	Province      string `json:"province,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Bedrooms      string `json:"bedrooms,omitempty"`
	Bathrooms     string `json:"bathrooms,omitempty"`
	Parking       string `json:"parking,omitempty"`
	SquareFootage string `json:"sqft,omitempty"`
	LotSize       string `json:"lot_size,omitempty"`
	PropertyType  string `json:"property_type,omitempty"`
	URL           string `json:"url,omitempty"`
	ListedDate    Date   `json:"listed_date,omitempty"`
}

// ListingAttributes are the mutable, scrape-sourced attributes of a listing.
type ListingAttributes struct {
	Price   int64           `json:"price" validate:"gte=0"`
	Address string          `json:"address"`
	Kind    TransactionKind `json:"type" validate:"oneof=sale rent"`
	Details ListingDetails  `json:"details"`
}

// ListingRecord is one persisted listing. Exactly one exists per key.
type ListingRecord struct {
	Key ListingKey `json:"mls_number" validate:"required"`
	ListingAttributes

	FirstSeen Date   `json:"first_seen"`
	LastSeen  Date   `json:"last_seen"`
	Status    Status `json:"status"`
}

// ListingDate is the date used for age views: the upstream listed date when
// known, otherwise the date the tracker first saw the listing.
func (r *ListingRecord) ListingDate() Date {
	if !r.Details.ListedDate.IsZero() {
		return r.Details.ListedDate
	}
	return r.FirstSeen
}

// Clone returns a copy that shares no mutable state with r.
func (r *ListingRecord) Clone() *ListingRecord {
	c := *r
	return &c
}

// ListingUpdate is a partial update applied by key. Nil fields are left alone.
type ListingUpdate struct {
	LastSeen   *Date
	Status     *Status
	Attributes *ListingAttributes
}

// Apply writes the non-nil fields of u onto r.
func (u ListingUpdate) Apply(r *ListingRecord) {
	if u.LastSeen != nil {
		r.LastSeen = *u.LastSeen
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Attributes != nil {
		r.ListingAttributes = *u.Attributes
	}
}

// DailyStat is the per-date counter row. At most one exists per date.
type DailyStat struct {
	Date        Date `json:"date" db:"date"`
	NewListings int  `json:"new_listings" db:"new_listings"`
	SoldCount   int  `json:"sold_count" db:"sold_count"`
	TotalActive int  `json:"total_active" db:"total_active"`
}

// RawListing holds one unprocessed search result as delivered by the upstream
// search API. It is written to CSV before any cleaning.
type RawListing struct {
	MLSNumber     string
	Price         string
	AddressText   string
	PostalCode    string
	Kind          string
	Bedrooms      string
	Bathrooms     string
	Parking       string
	SquareFootage string
	LotSize       string
	PropertyType  string
	RelativeURL   string
	InsertedDate  string
	SearchCity    string
	ScrapedAt     time.Time
}

// ReconcileResult summarises one reconciliation cycle. Counts are cumulative
// over every batch applied so far.
type ReconcileResult struct {
	CycleID              string `json:"cycle_id"`
	CycleDate            Date   `json:"cycle_date"`
	Batches              int    `json:"batches"`
	Observed             int    `json:"observed"`
	Inserted             int    `json:"inserted"`
	Touched              int    `json:"touched"`
	Relisted             int    `json:"relisted"`
	Sold                 int    `json:"sold"`
	Rejected             int    `json:"rejected"`
	Duplicates           int    `json:"duplicates"`
	Final                bool   `json:"final"`
	SoldDetectionSkipped bool   `json:"sold_detection_skipped"`
	TotalActive          int    `json:"total_active"`
}

// Stats is the dashboard-facing aggregate view of the record set.
type Stats struct {
	NewToday      int `json:"new_today"`
	NewLast7Days  int `json:"new_last_7_days"`
	NewLast30Days int `json:"new_last_30_days"`
	NewLast90Days int `json:"new_last_90_days"`
	NewLastYear   int `json:"new_last_year"`
	NewLast7Weeks int `json:"new_last_7_weeks"`
	SoldToday     int `json:"sold_today"`
	TotalActive   int `json:"total_active"`
	SaleCount     int `json:"sale_count"`
	RentCount     int `json:"rent_count"`

	OlderThan7Days   []*ListingRecord `json:"older_than_7_days"`
	OlderThan30Days  []*ListingRecord `json:"older_than_30_days"`
	OlderThan90Days  []*ListingRecord `json:"older_than_90_days"`
	OlderThan365Days []*ListingRecord `json:"older_than_365_days"`

	OlderThan7DaysCount   int `json:"older_than_7_days_count"`
	OlderThan30DaysCount  int `json:"older_than_30_days_count"`
	OlderThan90DaysCount  int `json:"older_than_90_days_count"`
	OlderThan365DaysCount int `json:"older_than_365_days_count"`

	LastUpdate time.Time `json:"last_update"`
}

// AgeBucket returns the older-than-N-days slice for one of 7, 30, 90 or 365.
func (s *Stats) AgeBucket(days int) ([]*ListingRecord, bool) {
	switch days {
	case 7:
		return s.OlderThan7Days, true
	case 30:
		return s.OlderThan30Days, true
	case 90:
		return s.OlderThan90Days, true
	case 365:
		return s.OlderThan365Days, true
	}
	return nil, false
}
