package realtor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"

	"realtor-tracker/utils"
)

// searchScript runs the search POST from inside the page so the browser's
// session cookies travel with it. The form body is injected as JSON.
const searchScript = `
(async function(form) {
	const resp = await fetch(%q, {
		method: 'POST',
		headers: {
			'Content-Type': 'application/x-www-form-urlencoded',
			'Accept': 'application/json'
		},
		body: new URLSearchParams(form).toString(),
		credentials: 'include'
	});
	const text = await resp.text();
	return JSON.stringify({status: resp.status, body: text});
})(%s)`

type browserResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// BrowserFetcher keeps one headless Chrome tab open on the site and issues
// searches through it. Calls are serialised on that tab.
type BrowserFetcher struct {
	logger    *utils.Logger
	chromeBin string

	mu          sync.Mutex
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// NewBrowserFetcher creates a BrowserFetcher. Chrome starts on first use.
func NewBrowserFetcher(chromeBin string, logger *utils.Logger) *BrowserFetcher {
	return &BrowserFetcher{logger: logger, chromeBin: chromeBin}
}

func (b *BrowserFetcher) start() error {
	if b.browserCtx != nil {
		return nil
	}

	chromeBin := b.chromeBin
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	b.logger.Info("[realtor] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	// Suppress chromedp log noise
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	navCtx, cancelNav := context.WithTimeout(tabCtx, 60*time.Second)
	defer cancelNav()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(siteURL),
		chromedp.Sleep(5*time.Second),
	); err != nil {
		cancelTab()
		cancelAlloc()
		return errors.Wrap(err, "open realtor.ca session")
	}

	b.browserCtx, b.cancelAlloc, b.cancelTab = tabCtx, cancelAlloc, cancelTab
	return nil
}

func (b *BrowserFetcher) FetchPage(ctx context.Context, req SearchRequest) (*SearchPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.start(); err != nil {
		return nil, err
	}

	form, err := json.Marshal(req.FormValues())
	if err != nil {
		return nil, errors.Wrap(err, "encode search form")
	}
	script := fmt.Sprintf(searchScript, apiBaseURL+searchPath, form)

	runCtx, cancel := context.WithTimeout(b.browserCtx, 60*time.Second)
	defer cancel()
	// Stop the page script if the caller gives up first.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var raw string
	err = chromedp.Run(runCtx, chromedp.Evaluate(script, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, errors.Wrapf(err, "browser search %s %s page %d", req.City, req.Kind, req.Page)
	}

	var resp browserResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, errors.Wrap(err, "decode browser response")
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, errors.Errorf("browser search %s %s page %d: HTTP %d", req.City, req.Kind, req.Page, resp.Status)
	}

	page, err := decodePage([]byte(resp.Body))
	if err != nil {
		return nil, err
	}
	b.logger.Debug("[realtor] (browser) %s %s page %d: %d results", req.City, req.Kind, req.Page, len(page.Results))
	return page, nil
}

// Close shuts the browser down.
func (b *BrowserFetcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelTab != nil {
		b.cancelTab()
		b.cancelAlloc()
		b.browserCtx = nil
		b.cancelTab, b.cancelAlloc = nil, nil
	}
	return nil
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
