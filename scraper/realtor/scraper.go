package realtor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"realtor-tracker/config"
	"realtor-tracker/models"
	"realtor-tracker/utils"
)

// ScrapeReport describes how much of the search space a scrape covered.
// Sold detection is only safe when Complete is true.
type ScrapeReport struct {
	Complete bool
	Segments int
	Pages    int
	Listings int
	Failed   []string
	// Truncated segments had more pages than MAX_PAGES_PER_CITY allows.
	Truncated []string
}

// EmitFunc receives each page's new listings. It is never called concurrently.
type EmitFunc func(listings []*models.RawListing) error

// Scraper walks every (city, kind) segment page by page.
type Scraper struct {
	cfg     *config.Config
	fetcher Fetcher
	logger  *utils.Logger
	pool    *utils.WorkerPool
	retry   *utils.RetryConfig
	kinds   []models.TransactionKind
	now     func() time.Time
}

// New creates a Scraper that reads pages through fetcher.
func New(cfg *config.Config, fetcher Fetcher, logger *utils.Logger) *Scraper {
	return &Scraper{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		pool:    utils.NewWorkerPool(cfg.MaxConcurrency, cfg.RateLimitMs),
		retry: &utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   5 * time.Second,
			Logger:      logger,
		},
		kinds: []models.TransactionKind{models.KindSale, models.KindRent},
		now:   time.Now,
	}
}

// NewFetcher builds the fetcher named by cfg.FetchMode.
func NewFetcher(cfg *config.Config, logger *utils.Logger) Fetcher {
	if cfg.FetchMode == "browser" {
		return NewBrowserFetcher(cfg.ChromeBin, logger)
	}
	return NewHTTPFetcher("", 30*time.Second, logger)
}

type segment struct {
	city string
	kind models.TransactionKind
}

func (s segment) String() string { return fmt.Sprintf("%s/%s", s.city, s.kind) }

// Scrape fetches every segment and hands each page's unseen listings to emit.
// A segment that fails after retries is recorded in the report; an emit error
// aborts the whole scrape.
func (s *Scraper) Scrape(ctx context.Context, emit EmitFunc) (*ScrapeReport, error) {
	var segments []segment
	for _, city := range s.cfg.ScrapeCities {
		for _, kind := range s.kinds {
			segments = append(segments, segment{city: city, kind: kind})
		}
	}

	s.logger.Info("[realtor] Starting scrape: %d cities x %d kinds, up to %d pages of %d",
		len(s.cfg.ScrapeCities), len(s.kinds), s.cfg.MaxPagesPerCity, s.cfg.RecordsPerPage)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		report  = &ScrapeReport{Segments: len(segments)}
		emitErr error
		seen    = utils.NewKeySet()
	)

	emitLocked := func(listings []*models.RawListing) bool {
		mu.Lock()
		defer mu.Unlock()
		if emitErr != nil {
			return false
		}
		report.Pages++
		report.Listings += len(listings)
		if len(listings) == 0 {
			return true
		}
		if err := emit(listings); err != nil {
			emitErr = err
			cancel()
			return false
		}
		return true
	}

	for _, seg := range segments {
		seg := seg
		s.pool.Submit(ctx, func(ctx context.Context) {
			truncated, err := s.scrapeSegment(ctx, seg, seen, emitLocked)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				s.logger.Error("[realtor] Segment %s failed: %v", seg, err)
				report.Failed = append(report.Failed, seg.String())
			case truncated:
				s.logger.Warn("[realtor] Segment %s has more than %d pages; raise MAX_PAGES_PER_CITY for full coverage",
					seg, s.cfg.MaxPagesPerCity)
				report.Truncated = append(report.Truncated, seg.String())
			}
		})
	}
	s.pool.Wait()

	if emitErr != nil {
		return report, fmt.Errorf("realtor: emit: %w", emitErr)
	}
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("realtor: scrape interrupted: %w", err)
	}

	sort.Strings(report.Failed)
	sort.Strings(report.Truncated)
	report.Complete = len(report.Failed) == 0 && len(report.Truncated) == 0
	s.logger.Info("[realtor] Scrape finished: %d unique listings over %d pages (failed segments: %s)",
		report.Listings, report.Pages, failedList(report.Failed))
	return report, nil
}

// scrapeSegment reports truncated when the page cap cut the segment short.
func (s *Scraper) scrapeSegment(ctx context.Context, seg segment, seen *utils.KeySet, emit func([]*models.RawListing) bool) (bool, error) {
	total := 0
	for page := 1; ; page++ {
		if page > s.cfg.MaxPagesPerCity {
			return true, nil
		}
		if page > 1 {
			if err := s.pool.Throttle(ctx); err != nil {
				return false, err
			}
		}

		req := SearchRequest{City: seg.city, Kind: seg.kind, Page: page, RecordsPerPage: s.cfg.RecordsPerPage}
		var result *SearchPage
		err := s.retry.Do(ctx, fmt.Sprintf("%s page %d", seg, page), func() error {
			var err error
			result, err = s.fetcher.FetchPage(ctx, req)
			return err
		})
		if err != nil {
			return false, err
		}

		if page == 1 {
			s.logger.Info("[realtor] %s: %d total, %d pages", seg, result.Paging.TotalRecords, result.Paging.TotalPages)
		}
		if len(result.Results) == 0 {
			break
		}

		scrapedAt := s.now()
		fresh := make([]*models.RawListing, 0, len(result.Results))
		for _, r := range result.Results {
			key := strings.TrimSpace(string(r.MlsNumber))
			// Keyless rows pass through so the cleaner can report them.
			if key != "" && !seen.Add(key) {
				continue
			}
			fresh = append(fresh, r.Raw(req, scrapedAt))
		}
		total += len(fresh)
		if !emit(fresh) {
			return false, ctx.Err()
		}

		s.logger.Debug("[realtor] %s page %d: +%d new (segment total %d)", seg, page, len(fresh), total)
		if result.Paging.TotalPages > 0 && page >= result.Paging.TotalPages {
			break
		}
	}

	s.logger.Info("[realtor] %s complete: %d listings", seg, total)
	return false, nil
}

func failedList(failed []string) string {
	if len(failed) == 0 {
		return "none"
	}
	return strings.Join(failed, ", ")
}
