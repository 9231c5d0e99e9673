package realtor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"realtor-tracker/utils"
)

// HTTPFetcher posts search forms straight to the API.
type HTTPFetcher struct {
	client *resty.Client
	logger *utils.Logger
}

// NewHTTPFetcher creates an HTTPFetcher. An empty baseURL targets the live API.
func NewHTTPFetcher(baseURL string, timeout time.Duration, logger *utils.Logger) *HTTPFetcher {
	if baseURL == "" {
		baseURL = apiBaseURL
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json").
		SetHeader("Referer", siteURL)

	return &HTTPFetcher{client: client, logger: logger}
}

func (f *HTTPFetcher) FetchPage(ctx context.Context, req SearchRequest) (*SearchPage, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetFormData(req.FormValues()).
		Post(searchPath)
	if err != nil {
		return nil, errors.Wrapf(err, "search %s %s page %d", req.City, req.Kind, req.Page)
	}

	switch {
	case resp.StatusCode() == http.StatusForbidden:
		return nil, errors.Errorf("search %s %s page %d: blocked by upstream (HTTP 403)", req.City, req.Kind, req.Page)
	case resp.IsError():
		return nil, errors.Errorf("search %s %s page %d: HTTP %d", req.City, req.Kind, req.Page, resp.StatusCode())
	}

	page, err := decodePage(resp.Body())
	if err != nil {
		return nil, errors.Wrapf(err, "search %s %s page %d", req.City, req.Kind, req.Page)
	}

	f.logger.Debug("[realtor] %s %s page %d: %d results (%d pages total)",
		req.City, req.Kind, req.Page, len(page.Results), page.Paging.TotalPages)
	return page, nil
}

func (f *HTTPFetcher) Close() error { return nil }

func decodePage(body []byte) (*SearchPage, error) {
	var page SearchPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	return &page, nil
}
