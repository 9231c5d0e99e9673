package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"realtor-tracker/models"
	"realtor-tracker/utils"
)

const (
	airtableAPI = "https://api.airtable.com"
	// Airtable accepts at most 10 records per create/update request.
	airtableChunk = 10
)

// AirtableConfig configures an AirtableStore.
type AirtableConfig struct {
	BaseURL       string // empty targets the live API
	APIKey        string
	BaseID        string
	ListingsTable string
	StatsTable    string
	RPS           int
	MaxRetries    int
}

// AirtableStore keeps listings and daily stats in two Airtable tables.
type AirtableStore struct {
	cfg     AirtableConfig
	client  *resty.Client
	limiter *rate.Limiter
	retry   *utils.RetryConfig
	logger  *utils.Logger

	mu       sync.Mutex
	recordID map[models.ListingKey]string
}

type airtableListingFields struct {
	MLSNumber    string  `json:"MLS_Number"`
	Price        float64 `json:"Price"`
	Address      string  `json:"Address,omitempty"`
	Type         string  `json:"Type,omitempty"`
	FirstSeen    string  `json:"First_Seen,omitempty"`
	LastSeen     string  `json:"Last_Seen,omitempty"`
	Status       string  `json:"Status,omitempty"`
	Street       string  `json:"Street,omitempty"`
	City         string  `json:"City,omitempty"`
	Province     string  `json:"Province,omitempty"`
	PostalCode   string  `json:"Postal_Code,omitempty"`
	Bedrooms     string  `json:"Bedrooms,omitempty"`
	Bathrooms    string  `json:"Bathrooms,omitempty"`
	Parking      string  `json:"Parking,omitempty"`
	Sqft         string  `json:"Sqft,omitempty"`
	LotSize      string  `json:"Lot_Size,omitempty"`
	PropertyType string  `json:"Property_Type,omitempty"`
	URL          string  `json:"URL,omitempty"`
	ListedDate   string  `json:"Listed_Date,omitempty"`
}

type airtableStatFields struct {
	Date        string  `json:"Date"`
	NewListings float64 `json:"New_Listings"`
	SoldCount   float64 `json:"Sold_Count"`
	TotalActive float64 `json:"Total_Active"`
}

type airtableRecord[F any] struct {
	ID     string `json:"id,omitempty"`
	Fields F      `json:"fields"`
}

type airtableList[F any] struct {
	Records []airtableRecord[F] `json:"records"`
	Offset  string              `json:"offset"`
}

type airtableWrite struct {
	Records  []airtableRecord[any] `json:"records"`
	Typecast bool                  `json:"typecast"`
}

// NewAirtableStore creates an AirtableStore. No request is made until first use.
func NewAirtableStore(cfg AirtableConfig, logger *utils.Logger) *AirtableStore {
	if cfg.BaseURL == "" {
		cfg.BaseURL = airtableAPI
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL+"/v0/"+url.PathEscape(cfg.BaseID)).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(30 * time.Second)

	return &AirtableStore{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   time.Second,
			Logger:      logger,
		},
		logger:   logger,
		recordID: make(map[models.ListingKey]string),
	}
}

// do sends one rate-limited request, retrying throttling and server errors.
func (a *AirtableStore) do(ctx context.Context, name string, build func() *resty.Request, method, path string) (*resty.Response, error) {
	var resp *resty.Response
	err := a.retry.Do(ctx, "airtable "+name, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		resp, err = build().SetContext(ctx).Execute(method, path)
		if err != nil {
			return err
		}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
			return fmt.Errorf("HTTP %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("airtable: %s: %w", name, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("airtable: %s: HTTP %d: %s", name, resp.StatusCode(), resp.String())
	}
	return resp, nil
}

// listAll pages through a table, following the offset cursor.
func listAll[F any](ctx context.Context, a *AirtableStore, table, formula string) ([]airtableRecord[F], error) {
	var out []airtableRecord[F]
	offset := ""
	for {
		page := &airtableList[F]{}
		_, err := a.do(ctx, "list "+table, func() *resty.Request {
			r := a.client.R().SetResult(page).SetQueryParam("pageSize", "100")
			if formula != "" {
				r.SetQueryParam("filterByFormula", formula)
			}
			if offset != "" {
				r.SetQueryParam("offset", offset)
			}
			return r
		}, http.MethodGet, "/"+url.PathEscape(table))
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.Offset == "" {
			return out, nil
		}
		offset = page.Offset
	}
}

func (a *AirtableStore) remember(recs []airtableRecord[airtableListingFields]) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range recs {
		a.recordID[models.ListingKey(r.Fields.MLSNumber)] = r.ID
	}
}

func (a *AirtableStore) GetAllRecords(ctx context.Context) ([]*models.ListingRecord, error) {
	recs, err := listAll[airtableListingFields](ctx, a, a.cfg.ListingsTable, "")
	if err != nil {
		return nil, err
	}
	a.remember(recs)

	out := make([]*models.ListingRecord, 0, len(recs))
	for _, r := range recs {
		if !models.ListingKey(r.Fields.MLSNumber).Valid() {
			continue
		}
		out = append(out, r.Fields.record())
	}
	return out, nil
}

func (a *AirtableStore) GetActiveKeys(ctx context.Context) (models.KeySet, error) {
	recs, err := listAll[airtableListingFields](ctx, a, a.cfg.ListingsTable,
		fmt.Sprintf("{Status}='%s'", models.StatusActive))
	if err != nil {
		return nil, err
	}
	a.remember(recs)

	keys := make(models.KeySet, len(recs))
	for _, r := range recs {
		keys.Add(models.ListingKey(r.Fields.MLSNumber))
	}
	return keys, nil
}

func (a *AirtableStore) InsertBatch(ctx context.Context, records []*models.ListingRecord) error {
	var fresh []airtableRecord[any]
	a.mu.Lock()
	for _, r := range records {
		if _, exists := a.recordID[r.Key]; exists {
			continue
		}
		fresh = append(fresh, airtableRecord[any]{Fields: listingFields(r)})
	}
	a.mu.Unlock()

	for i := 0; i < len(fresh); i += airtableChunk {
		end := i + airtableChunk
		if end > len(fresh) {
			end = len(fresh)
		}
		created := &airtableList[airtableListingFields]{}
		_, err := a.do(ctx, "create listings", func() *resty.Request {
			return a.client.R().
				SetBody(airtableWrite{Records: fresh[i:end], Typecast: true}).
				SetResult(created)
		}, http.MethodPost, "/"+url.PathEscape(a.cfg.ListingsTable))
		if err != nil {
			return err
		}
		a.remember(created.Records)
	}
	return nil
}

// lookupID resolves a key to its Airtable record id, querying when unknown.
func (a *AirtableStore) lookupID(ctx context.Context, key models.ListingKey) (string, error) {
	a.mu.Lock()
	id, ok := a.recordID[key]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	recs, err := listAll[airtableListingFields](ctx, a, a.cfg.ListingsTable,
		fmt.Sprintf("{MLS_Number}='%s'", escapeFormula(string(key))))
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", ErrNotFound
	}
	a.remember(recs[:1])
	return recs[0].ID, nil
}

func (a *AirtableStore) UpdateFields(ctx context.Context, key models.ListingKey, update models.ListingUpdate) error {
	id, err := a.lookupID(ctx, key)
	if err != nil {
		return err
	}

	fields := map[string]interface{}{}
	if update.Attributes != nil {
		rec := &models.ListingRecord{Key: key, ListingAttributes: *update.Attributes}
		f := listingFields(rec)
		fields["Price"] = f.Price
		fields["Address"] = f.Address
		fields["Type"] = f.Type
		fields["Street"] = f.Street
		fields["City"] = f.City
		fields["Province"] = f.Province
		fields["Postal_Code"] = f.PostalCode
		fields["Bedrooms"] = f.Bedrooms
		fields["Bathrooms"] = f.Bathrooms
		fields["Parking"] = f.Parking
		fields["Sqft"] = f.Sqft
		fields["Lot_Size"] = f.LotSize
		fields["Property_Type"] = f.PropertyType
		fields["URL"] = f.URL
		fields["Listed_Date"] = f.ListedDate
	}
	if update.LastSeen != nil {
		fields["Last_Seen"] = string(*update.LastSeen)
	}
	if update.Status != nil {
		fields["Status"] = string(*update.Status)
	}
	if len(fields) == 0 {
		return nil
	}

	body := airtableWrite{Records: []airtableRecord[any]{{ID: id, Fields: fields}}, Typecast: true}
	_, err = a.do(ctx, "update "+string(key), func() *resty.Request {
		return a.client.R().SetBody(body)
	}, http.MethodPatch, "/"+url.PathEscape(a.cfg.ListingsTable))
	return err
}

func (a *AirtableStore) UpsertDailyStat(ctx context.Context, stat models.DailyStat) error {
	existing, err := listAll[airtableStatFields](ctx, a, a.cfg.StatsTable,
		fmt.Sprintf("{Date}='%s'", stat.Date))
	if err != nil {
		return err
	}

	fields := airtableStatFields{
		Date:        string(stat.Date),
		NewListings: float64(stat.NewListings),
		SoldCount:   float64(stat.SoldCount),
		TotalActive: float64(stat.TotalActive),
	}
	method := http.MethodPost
	rec := airtableRecord[any]{Fields: fields}
	if len(existing) > 0 {
		method = http.MethodPatch
		rec.ID = existing[0].ID
	}

	body := airtableWrite{Records: []airtableRecord[any]{rec}, Typecast: true}
	_, err = a.do(ctx, "upsert daily stat "+string(stat.Date), func() *resty.Request {
		return a.client.R().SetBody(body)
	}, method, "/"+url.PathEscape(a.cfg.StatsTable))
	return err
}

func (a *AirtableStore) GetDailyStats(ctx context.Context, limit int) ([]models.DailyStat, error) {
	recs, err := listAll[airtableStatFields](ctx, a, a.cfg.StatsTable, "")
	if err != nil {
		return nil, err
	}
	out := make([]models.DailyStat, 0, len(recs))
	for _, r := range recs {
		d := models.ParseDate(r.Fields.Date)
		if d.IsZero() {
			continue
		}
		out = append(out, models.DailyStat{
			Date:        d,
			NewListings: int(r.Fields.NewListings),
			SoldCount:   int(r.Fields.SoldCount),
			TotalActive: int(r.Fields.TotalActive),
		})
	}
	return newestFirst(out, limit), nil
}

func (a *AirtableStore) Close() error { return nil }

func listingFields(r *models.ListingRecord) airtableListingFields {
	d := r.Details
	return airtableListingFields{
		MLSNumber:    string(r.Key),
		Price:        float64(r.Price),
		Address:      r.Address,
		Type:         string(r.Kind),
		FirstSeen:    string(r.FirstSeen),
		LastSeen:     string(r.LastSeen),
		Status:       string(r.Status),
		Street:       d.StreetAddress,
		City:         d.City,
		Province:     d.Province,
		PostalCode:   d.PostalCode,
		Bedrooms:     d.Bedrooms,
		Bathrooms:    d.Bathrooms,
		Parking:      d.Parking,
		Sqft:         d.SquareFootage,
		LotSize:      d.LotSize,
		PropertyType: d.PropertyType,
		URL:          d.URL,
		ListedDate:   string(d.ListedDate),
	}
}

func (f airtableListingFields) record() *models.ListingRecord {
	return &models.ListingRecord{
		Key: models.ListingKey(f.MLSNumber),
		ListingAttributes: models.ListingAttributes{
			Price:   int64(f.Price),
			Address: f.Address,
			Kind:    models.TransactionKind(f.Type),
			Details: models.ListingDetails{
				StreetAddress: f.Street,
				City:          f.City,
				Province:      f.Province,
				PostalCode:    f.PostalCode,
				Bedrooms:      f.Bedrooms,
				Bathrooms:     f.Bathrooms,
				Parking:       f.Parking,
				SquareFootage: f.Sqft,
				LotSize:       f.LotSize,
				PropertyType:  f.PropertyType,
				URL:           f.URL,
				ListedDate:    models.ParseDate(f.ListedDate),
			},
		},
		FirstSeen: models.ParseDate(f.FirstSeen),
		LastSeen:  models.ParseDate(f.LastSeen),
		Status:    models.Status(f.Status),
	}
}

func escapeFormula(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\'' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
