package services

import (
	"testing"
	"time"

	"realtor-tracker/models"
	"realtor-tracker/utils"
)

func newTestLogger() *utils.Logger { return utils.NewDiscardLogger() }

func TestCleanerParsePrice(t *testing.T) {
	c := NewCleaner(newTestLogger())

	tests := []struct {
		raw  string
		want int64
	}{
		{"$1,250,000", 1250000},
		{"$2,500/Monthly", 2500},
		{"  $699,900 ", 699900},
		{"$1,200.50", 1201},
		{"", 0},
		{"Price on request", 0},
	}

	for _, tt := range tests {
		got := c.parsePrice("K1", tt.raw)
		if got != tt.want {
			t.Errorf("parsePrice(%q) = %d; want %d", tt.raw, got, tt.want)
		}
	}
}

func TestCleanerParseKind(t *testing.T) {
	c := NewCleaner(newTestLogger())

	tests := []struct {
		raw  string
		want models.TransactionKind
	}{
		{"sale", models.KindSale},
		{"For Sale", models.KindSale},
		{"2", models.KindSale},
		{"rent", models.KindRent},
		{"For Lease", models.KindRent},
		{"3", models.KindRent},
		{"", models.KindSale},
	}

	for _, tt := range tests {
		if got := c.parseKind("K1", tt.raw); got != tt.want {
			t.Errorf("parseKind(%q) = %q; want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	got := parseAddress("408 FAIRALL STREET|Ajax (South West), Ontario L1S 1R6")
	if got.street != "408 FAIRALL STREET" {
		t.Errorf("street: got %q", got.street)
	}
	if got.city != "Ajax" {
		t.Errorf("city: got %q, want Ajax", got.city)
	}
	if got.province != "Ontario" {
		t.Errorf("province: got %q, want Ontario", got.province)
	}
	if got.postalCode != "L1S1R6" {
		t.Errorf("postalCode: got %q, want L1S1R6", got.postalCode)
	}

	bare := parseAddress("12 MAIN ST")
	if bare.street != "12 MAIN ST" || bare.city != "" {
		t.Errorf("bare address: got %+v", bare)
	}
}

func TestCleanerDropsEmptyKey(t *testing.T) {
	c := NewCleaner(newTestLogger())
	raw := []*models.RawListing{
		{MLSNumber: "  ", Price: "$100", Kind: "sale", ScrapedAt: time.Now()},
		{MLSNumber: "E100", Price: "$200", Kind: "sale", ScrapedAt: time.Now()},
	}

	cleaned := c.Clean(raw)
	if len(cleaned) != 1 {
		t.Fatalf("expected 1 listing after dropping empty key, got %d", len(cleaned))
	}
	if cleaned[0].Key != "E100" {
		t.Errorf("Key: got %q, want E100", cleaned[0].Key)
	}
}

func TestCleanerDeduplicatesKeepsLatest(t *testing.T) {
	c := NewCleaner(newTestLogger())
	raw := []*models.RawListing{
		{MLSNumber: "E100", Price: "$500,000", Kind: "sale"},
		{MLSNumber: " E100", Price: "$480,000", Kind: "sale"},
	}

	cleaned := c.Clean(raw)
	if len(cleaned) != 1 {
		t.Fatalf("expected 1 listing after deduplication, got %d", len(cleaned))
	}
	if cleaned[0].Price != 480000 {
		t.Errorf("Price: got %d, want 480000", cleaned[0].Price)
	}
}

func TestCleanerNormalisesFields(t *testing.T) {
	c := NewCleaner(newTestLogger())
	raw := []*models.RawListing{{
		MLSNumber:    "E200",
		Price:        "$2,500/Monthly",
		AddressText:  "7 ELM   ROAD|Whitby, Ontario l1n 2b4",
		Kind:         "rent",
		RelativeURL:  "/real-estate/E200/7-elm-road",
		InsertedDate: "2024-03-05T10:15:00Z",
	}}

	cleaned := c.Clean(raw)
	if len(cleaned) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(cleaned))
	}
	r := cleaned[0]
	if r.Kind != models.KindRent {
		t.Errorf("Kind: got %q, want rent", r.Kind)
	}
	if r.Details.PostalCode != "L1N2B4" {
		t.Errorf("PostalCode: got %q, want L1N2B4", r.Details.PostalCode)
	}
	if r.Details.City != "Whitby" {
		t.Errorf("City: got %q, want Whitby", r.Details.City)
	}
	if r.Details.URL != "https://www.realtor.ca/real-estate/E200/7-elm-road" {
		t.Errorf("URL: got %q", r.Details.URL)
	}
	if r.Details.ListedDate != "2024-03-05" {
		t.Errorf("ListedDate: got %q, want 2024-03-05", r.Details.ListedDate)
	}
	if r.Address != "7 ELM ROAD|Whitby, Ontario l1n 2b4" {
		t.Errorf("Address: got %q", r.Address)
	}
}
