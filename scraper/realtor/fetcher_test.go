package realtor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realtor-tracker/models"
	"realtor-tracker/utils"
)

const samplePage = `{
	"Paging": {"TotalRecords": 2, "TotalPages": 1},
	"Results": [
		{
			"MlsNumber": "X1234",
			"PostalCode": "N1R 5S7",
			"RelativeDetailsURL": "/real-estate/1/12-main-st",
			"InsertedDateUTC": "638457312000000000",
			"Building": {"Bedrooms": "3 + 1", "BathroomTotal": 2, "SizeInterior": "1500 sqft"},
			"Property": {"Price": "$799,900", "Type": "Single Family", "ParkingSpaceTotal": 4,
				"Address": {"AddressText": "12 MAIN ST|Cambridge, Ontario N1R5S7"}},
			"Land": {"SizeTotal": null}
		},
		{"MlsNumber": "X5678", "Property": {"Price": "$2,400/Monthly", "Address": {"AddressText": ""}}}
	]
}`

func TestHTTPFetcherPostsSearchForm(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != searchPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
			return
		}
		got = map[string]string{}
		for k := range r.PostForm {
			got[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, 5*time.Second, utils.NewDiscardLogger())
	page, err := f.FetchPage(context.Background(), SearchRequest{
		City: "Cambridge, ON", Kind: models.KindRent, Page: 2, RecordsPerPage: 200,
	})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	want := map[string]string{
		"TransactionTypeId":    "3",
		"CurrentPage":          "2",
		"RecordsPerPage":       "200",
		"LocationSearchString": "Cambridge, ON",
		"Sort":                 "6-D",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("form %s: got %q, want %q", k, got[k], v)
		}
	}

	if len(page.Results) != 2 || page.Paging.TotalPages != 1 {
		t.Fatalf("page: got %d results / %d pages", len(page.Results), page.Paging.TotalPages)
	}
	first := page.Results[0]
	if first.Building.BathroomTotal != "2" || first.Property.ParkingSpaceTotal != "4" {
		t.Errorf("numeric fields: got bath=%q parking=%q", first.Building.BathroomTotal, first.Property.ParkingSpaceTotal)
	}

	raw := first.Raw(SearchRequest{City: "Cambridge, ON", Kind: models.KindRent}, time.Now())
	if raw.MLSNumber != "X1234" || raw.Kind != "rent" || raw.SearchCity != "Cambridge, ON" {
		t.Errorf("Raw: got %+v", raw)
	}
	if models.ParseDate(raw.InsertedDate).IsZero() {
		t.Errorf("InsertedDate %q should parse as a date", raw.InsertedDate)
	}
}

func TestHTTPFetcherErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"blocked", http.StatusForbidden, "", "blocked"},
		{"server error", http.StatusBadGateway, "", "HTTP 502"},
		{"garbage", http.StatusOK, "<html>", "decode search response"},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))
		f := NewHTTPFetcher(srv.URL, 5*time.Second, utils.NewDiscardLogger())
		_, err := f.FetchPage(context.Background(), SearchRequest{City: "Ajax, ON", Kind: models.KindSale, Page: 1})
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: got %v, want error containing %q", tt.name, err, tt.want)
		}
		srv.Close()
	}
}

func TestSearchRequestSaleDefaults(t *testing.T) {
	v := SearchRequest{Kind: models.KindSale, Page: 1, RecordsPerPage: 50}.FormValues()
	if v["TransactionTypeId"] != "2" {
		t.Errorf("TransactionTypeId: got %q, want 2", v["TransactionTypeId"])
	}
	if _, ok := v["LocationSearchString"]; ok {
		t.Error("LocationSearchString should be omitted without a city")
	}
}
