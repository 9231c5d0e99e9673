// Package realtor fetches listing search results from the realtor.ca search
// API, either directly over HTTP or from inside a headless browser session.
package realtor

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"realtor-tracker/models"
)

const (
	siteURL    = "https://www.realtor.ca/"
	apiBaseURL = "https://api2.realtor.ca"
	searchPath = "/Listing.svc/PropertySearch_Post"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchRequest selects one page of one (city, kind) segment.
type SearchRequest struct {
	City           string
	Kind           models.TransactionKind
	Page           int
	RecordsPerPage int
}

// FormValues renders the request as the search endpoint's form body.
func (r SearchRequest) FormValues() map[string]string {
	transactionType := "2"
	if r.Kind == models.KindRent {
		transactionType = "3"
	}
	v := map[string]string{
		"CultureId":            "1",
		"ApplicationId":        "1",
		"RecordsPerPage":       strconv.Itoa(r.RecordsPerPage),
		"PropertySearchTypeId": "1",
		"TransactionTypeId":    transactionType,
		"CurrentPage":          strconv.Itoa(r.Page),
		"Sort":                 "6-D",
	}
	if r.City != "" {
		v["LocationSearchString"] = r.City
	}
	return v
}

// SearchPage is one decoded page of results.
type SearchPage struct {
	Results []SearchResult `json:"Results"`
	Paging  Paging         `json:"Paging"`
}

type Paging struct {
	TotalRecords int `json:"TotalRecords"`
	TotalPages   int `json:"TotalPages"`
}

type SearchResult struct {
	MlsNumber          flexString `json:"MlsNumber"`
	PostalCode         flexString `json:"PostalCode"`
	RelativeDetailsURL string     `json:"RelativeDetailsURL"`
	InsertedDateUTC    flexString `json:"InsertedDateUTC"`
	Building           struct {
		Bedrooms      flexString `json:"Bedrooms"`
		BathroomTotal flexString `json:"BathroomTotal"`
		SizeInterior  flexString `json:"SizeInterior"`
	} `json:"Building"`
	Property struct {
		Price             flexString `json:"Price"`
		Type              flexString `json:"Type"`
		ParkingSpaceTotal flexString `json:"ParkingSpaceTotal"`
		Address           struct {
			AddressText string `json:"AddressText"`
		} `json:"Address"`
	} `json:"Property"`
	Land struct {
		SizeTotal flexString `json:"SizeTotal"`
	} `json:"Land"`
}

// flexString accepts a JSON string or number; the API is not consistent.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

// Raw converts a search result into the unprocessed listing row.
func (r SearchResult) Raw(req SearchRequest, scrapedAt time.Time) *models.RawListing {
	return &models.RawListing{
		MLSNumber:     string(r.MlsNumber),
		Price:         string(r.Property.Price),
		AddressText:   r.Property.Address.AddressText,
		PostalCode:    string(r.PostalCode),
		Kind:          string(req.Kind),
		Bedrooms:      string(r.Building.Bedrooms),
		Bathrooms:     string(r.Building.BathroomTotal),
		Parking:       string(r.Property.ParkingSpaceTotal),
		SquareFootage: string(r.Building.SizeInterior),
		LotSize:       string(r.Land.SizeTotal),
		PropertyType:  string(r.Property.Type),
		RelativeURL:   r.RelativeDetailsURL,
		InsertedDate:  string(r.InsertedDateUTC),
		SearchCity:    req.City,
		ScrapedAt:     scrapedAt,
	}
}

// Fetcher retrieves one page of search results.
type Fetcher interface {
	FetchPage(ctx context.Context, req SearchRequest) (*SearchPage, error)
	Close() error
}
