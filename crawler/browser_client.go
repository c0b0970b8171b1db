package crawler

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"blogarchive/config"
	"blogarchive/metrics"
	"blogarchive/oops"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/sync/semaphore"
)

type BrowserFindLoadMoreButton func(*rod.Page) (*rod.Element, error)

type BrowserPage struct {
	Content string
}

type BrowserClient interface {
	Fetch(
		uri *url.URL, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle], crawlCtx *CrawlContext,
		logger Logger, maybeFindLoadMoreButton BrowserFindLoadMoreButton,
	) (*BrowserPage, error)
}

type BrowserClientImpl struct {
	browserSlots  *semaphore.Weighted
	maxBrowsers   int64
	binPath       string
	totalTimeout  time.Duration
	stallTimeout  time.Duration
	minScrollTime time.Duration
}

// NewBrowserClientImpl is shared by concurrent crawls, maxBrowsers caps the running browser processes
func NewBrowserClientImpl(maxBrowsers int) *BrowserClientImpl {
	if maxBrowsers <= 0 {
		maxBrowsers = 1
	}
	return &BrowserClientImpl{
		browserSlots:  semaphore.NewWeighted(int64(maxBrowsers)),
		maxBrowsers:   int64(maxBrowsers),
		binPath:       config.Cfg.Browser.BinPath,
		totalTimeout:  config.Cfg.Browser.TotalTimeout,
		stallTimeout:  config.Cfg.Browser.StallTimeout,
		minScrollTime: config.Cfg.Browser.MinScrollTime,
	}
}

const maxInitialWaitTime = 15 * time.Second
const maxRecoverableBrowserErrors = 3

func (c *BrowserClientImpl) Fetch(
	uri *url.URL, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle], crawlCtx *CrawlContext,
	logger Logger, maybeFindLoadMoreButton BrowserFindLoadMoreButton,
) (*BrowserPage, error) {
	progressLogger := crawlCtx.ProgressLogger
	logger.Info("Browser start: %s", uri)
	if err := progressLogger.LogAndSaveBrowserStart(); err != nil {
		return nil, err
	}
	fetchStart := time.Now()

	if !c.browserSlots.TryAcquire(1) {
		logger.Warn("Out of browser instances (%d)", c.maxBrowsers)
		if err := c.browserSlots.Acquire(crawlCtx.Ctx, 1); err != nil {
			return nil, ErrCrawlCanceled
		}
	}
	defer c.browserSlots.Release(1)
	acquiredTime := time.Now()
	logger.Info("Browser acquired in %v", acquiredTime.Sub(fetchStart))

	browserLauncher := launcher.New().Context(crawlCtx.Ctx)
	if c.binPath != "" {
		browserLauncher = browserLauncher.Bin(c.binPath).NoSandbox(true)
	}
	defer browserLauncher.Kill()
	controlUrl, err := browserLauncher.Launch()
	if err != nil {
		return nil, oops.Wrap(err)
	}
	browser := rod.New().ControlURL(controlUrl).Context(crawlCtx.Ctx)
	if err := browser.Connect(); err != nil {
		return nil, oops.Wrap(err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Info("Browser close error: %v", err)
		}
	}()

	errorsCount := 0
	isInitialAttempt := true
	for {
		if !isInitialAttempt {
			if err := progressLogger.LogAndSaveBrowserStart(); err != nil {
				return nil, err
			}
		}
		isInitialAttempt = false

		result, requestsMade, err := c.fetchOnce(browser, uri, feedEntryCurisTitlesMap, logger, maybeFindLoadMoreButton)
		crawlCtx.BrowserRequestsMade += requestsMade
		if saveErr := progressLogger.LogAndSaveBrowserFinish(); saveErr != nil {
			return nil, saveErr
		}
		if err != nil {
			var opError *net.OpError
			if errors.As(err, &opError) {
				logger.Error("Unrecoverable browser error: %v", err)
				return nil, err
			}
			errorsCount++
			logger.Info("Recovered browser error (%d): %v", errorsCount, err)
			if errorsCount >= maxRecoverableBrowserErrors {
				return nil, oops.Wrapf(err, "browser error")
			}
			continue
		}

		metrics.BrowserFetchesTotal.Inc()
		logger.Info(
			"Browser done (%v, %v wait, %d req)",
			time.Since(fetchStart), acquiredTime.Sub(fetchStart), requestsMade,
		)
		return result, nil
	}
}

func (c *BrowserClientImpl) fetchOnce(
	browser *rod.Browser, uri *url.URL, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle],
	logger Logger, maybeFindLoadMoreButton BrowserFindLoadMoreButton,
) (result *BrowserPage, requestsMade int, retErr error) {
	rawPage, err := browser.Page(proto.TargetCreateTarget{}) //nolint:exhaustruct
	if err != nil {
		return nil, 0, oops.Wrap(err)
	}
	defer func() {
		if err := rawPage.Close(); err != nil {
			logger.Info("Page close error: %v", err)
		}
	}()
	page := rawPage.Timeout(maxInitialWaitTime + c.totalTimeout + 10*time.Second)

	hijackRouter := page.HijackRequests()
	for _, resourceType := range []proto.NetworkResourceType{
		proto.NetworkResourceTypeImage, proto.NetworkResourceTypeFont,
	} {
		err := hijackRouter.Add("*", resourceType, func(h *rod.Hijack) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		})
		if err != nil {
			return nil, 0, oops.Wrap(err)
		}
	}
	go hijackRouter.Run()
	defer func() {
		if err := hijackRouter.Stop(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("Hijack stop error: %v", err)
		}
	}()
	tracker := newRequestTracker(page)
	defer func() {
		requestsMade = tracker.finishedCount()
	}()

	if err := page.Navigate(uri.String()); err != nil {
		return nil, 0, oops.Wrap(err)
	}
	logger.Info("Waiting till idle")
	idleStart := time.Now()
	page.Timeout(maxInitialWaitTime).WaitRequestIdle(500*time.Millisecond, []string{".+"}, nil, nil)()
	logger.Info("Waiting till idle took %v", time.Since(idleStart).Round(time.Second))

	initialContent, err := page.HTML()
	if err != nil {
		return nil, 0, oops.Wrap(err)
	}
	initialDocument, err := parseHtml(initialContent, logger)
	if err != nil {
		return nil, 0, oops.Wrap(err)
	}
	isScrollingAllowed := false
	for _, link := range extractLinks(initialDocument, uri, nil, map[string]Link{}, logger, xpathModeNone) {
		if feedEntryCurisTitlesMap.Contains(link.Curi) {
			isScrollingAllowed = true
			break
		}
	}
	if !isScrollingAllowed {
		logger.Info("Browser didn't find any feed links on initial load")
		return &BrowserPage{Content: initialContent}, 0, nil
	}

	if maybeFindLoadMoreButton != nil {
		for {
			button, err := maybeFindLoadMoreButton(page)
			if err != nil {
				logger.Info("Find load more button error: %v", err)
			}
			if button == nil {
				break
			}
			logger.Info("Clicking load more button")
			if err := c.waitAndScroll(tracker, page, button, logger); err != nil {
				return nil, 0, err
			}
		}
	} else {
		logger.Info("Scrolling")
		if err := c.waitAndScroll(tracker, page, nil, logger); err != nil {
			return nil, 0, err
		}
	}

	content, err := page.HTML()
	if err != nil {
		return nil, 0, oops.Wrap(err)
	}
	return &BrowserPage{Content: content}, 0, nil
}

// waitAndScroll keeps scrolling while the page is loading something, up to the total timeout. A
// request without any network events for the stall timeout doesn't count as loading
func (c *BrowserClientImpl) waitAndScroll(
	tracker *requestTracker, page *rod.Page, maybeButton *rod.Element, logger Logger,
) error {
	startTime := time.Now()

	if maybeButton != nil {
		if err := maybeButton.Click(proto.InputMouseButtonLeft, 1); err != nil {
			logger.Info("Error while clicking: %v", err)
			return oops.Wrap(err)
		}
	}

	for {
		now := time.Now()
		elapsed := now.Sub(startTime)
		if elapsed >= c.totalTimeout {
			logger.Warn("Stopping the scroll early after %v", c.totalTimeout)
			return nil
		}

		lastEventTime, ongoing, finished := tracker.snapshot()
		isWithinMinScroll := elapsed < c.minScrollTime
		isRecentlyInFlight := ongoing > 0 || now.Sub(lastEventTime) < time.Second
		isStuck := now.Sub(lastEventTime) >= c.stallTimeout
		if !isWithinMinScroll && !(isRecentlyInFlight && !isStuck) {
			return nil
		}

		logger.Info("Wait and scroll - finished: %d ongoing: %d time: %v", finished, ongoing, elapsed)
		var evalOptions rod.EvalOptions
		evalOptions.JS = "() => window.scrollBy(0, document.body.scrollHeight)"
		if _, err := page.Timeout(3 * time.Second).Evaluate(&evalOptions); err != nil {
			return oops.Wrap(err)
		}
		time.Sleep(time.Second)
	}
}

// requestTracker follows network events of a page from a separate goroutine
type requestTracker struct {
	mutex         sync.Mutex
	lastEventTime time.Time
	ongoing       int
	finished      int
}

func newRequestTracker(page *rod.Page) *requestTracker {
	tracker := &requestTracker{
		mutex:         sync.Mutex{},
		lastEventTime: time.Now(),
		ongoing:       0,
		finished:      0,
	}
	go page.EachEvent(
		func(*proto.NetworkRequestWillBeSent) {
			tracker.update(1, 0)
		},
		func(*proto.NetworkLoadingFinished) {
			tracker.update(-1, 1)
		},
		func(*proto.NetworkLoadingFailed) {
			tracker.update(-1, 0)
		},
	)()
	return tracker
}

func (t *requestTracker) update(ongoingDelta, finishedDelta int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.lastEventTime = time.Now()
	t.ongoing += ongoingDelta
	t.finished += finishedDelta
}

func (t *requestTracker) snapshot() (time.Time, int, int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.lastEventTime, t.ongoing, t.finished
}

func (t *requestTracker) finishedCount() int {
	_, _, finished := t.snapshot()
	return finished
}

// MockBrowserClient returns canned content by fetch url and records what was requested
type MockBrowserClient struct {
	ContentByUrl  map[string]string
	RequestedUrls []string
}

func NewMockBrowserClient(contentByUrl map[string]string) *MockBrowserClient {
	return &MockBrowserClient{
		ContentByUrl:  contentByUrl,
		RequestedUrls: nil,
	}
}

func (c *MockBrowserClient) Fetch(
	uri *url.URL, _ *CanonicalUriMap[*LinkTitle], crawlCtx *CrawlContext, logger Logger,
	_ BrowserFindLoadMoreButton,
) (*BrowserPage, error) {
	fetchUrl := uri.String()
	c.RequestedUrls = append(c.RequestedUrls, fetchUrl)
	content, ok := c.ContentByUrl[fetchUrl]
	if !ok {
		return nil, oops.Newf("no browser content for %s", fetchUrl)
	}
	crawlCtx.BrowserRequestsMade++
	logger.Info("Mock browser fetch: %s", fetchUrl)
	return &BrowserPage{Content: content}, nil
}
