package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blogarchive/crawler"
	"blogarchive/oops"
	"blogarchive/store"

	"github.com/google/uuid"
)

// crawlInput without a feed url goes through feed discovery at the start url. A missing start url
// is discovered from the feed
type crawlInput struct {
	StartUrl string
	FeedUrl  string
}

// source keys the response cache
func (in crawlInput) source() string {
	if in.FeedUrl != "" {
		return in.FeedUrl
	}
	return in.StartUrl
}

type crawlStats struct {
	Requests         int
	NetworkRequests  int
	BrowserRequests  int
	DuplicateFetches int
	TitleRequests    int
	Duration         time.Duration
}

type crawlOutput struct {
	CrawlId uuid.UUID
	Input   crawlInput
	Result  *crawler.GuidedCrawlResult
	Error   error
	Stats   crawlStats
}

var columnNames = []string{
	"start_url", "feed_url", "feed_links", "pattern", "main_url", "links", "titles_matching_feed",
	"oldest_link", "extra", "requests", "network_requests", "duration",
}

func (o *crawlOutput) ColumnValues() []any {
	var feedUrl string
	var feedLinks int
	var matchingTitles string
	if o.Result != nil {
		feedUrl = o.Result.FeedResult.Url
		feedLinks = o.Result.FeedResult.Links
		matchingTitles = o.Result.FeedResult.MatchingTitles
	}
	var pattern, mainUrl, oldestLink string
	var linksCount int
	var extra []string
	if historical := o.historical(); historical != nil {
		pattern = historical.Pattern
		mainUrl = historical.MainLink.Url
		linksCount = len(historical.Links)
		if linksCount > 0 {
			oldestLink = historical.Links[linksCount-1].Url
		}
		extra = historical.Extra
	}
	return []any{
		o.Input.StartUrl, feedUrl, feedLinks, pattern, mainUrl, linksCount, matchingTitles, oldestLink, extra,
		o.Stats.Requests, o.Stats.NetworkRequests, o.Stats.Duration.Round(time.Millisecond),
	}
}

func (o *crawlOutput) ColumnStatuses() []crawler.Status {
	patternStatus := crawler.StatusFailure
	matchingStatus := crawler.StatusNeutral
	if o.Result != nil {
		matchingStatus = o.Result.FeedResult.MatchingTitlesStatus
	}
	if o.historical() != nil {
		patternStatus = crawler.StatusSuccess
	}
	return []crawler.Status{
		crawler.StatusNeutral, crawler.StatusNeutral, crawler.StatusNeutral, patternStatus, patternStatus,
		patternStatus, matchingStatus, crawler.StatusNeutral, crawler.StatusNeutral, crawler.StatusNeutral,
		crawler.StatusNeutral, crawler.StatusNeutral,
	}
}

func (o *crawlOutput) historical() *crawler.HistoricalResult {
	if o.Result == nil {
		return nil
	}
	return o.Result.HistoricalResult
}

// HasFailure is a crawl that errored out or found nothing
func (o *crawlOutput) HasFailure() bool {
	return o.Error != nil || o.historical() == nil
}

func runGuidedCrawl(
	ctx context.Context, crawlId uuid.UUID, input crawlInput, s store.Store,
	maybeBrowser crawler.BrowserClient, logger crawler.Logger,
) *crawlOutput {
	crawlStart := time.Now()
	output := &crawlOutput{
		CrawlId: crawlId,
		Input:   input,
		Result:  nil,
		Error:   nil,
		Stats:   crawlStats{}, //nolint:exhaustruct
	}

	httpClient := NewCachingHttpClient(ctx, s, input.source())
	var browserClient crawler.BrowserClient
	if maybeBrowser != nil {
		browserClient = NewCachingBrowserClient(ctx, s, input.source(), maybeBrowser)
	}
	crawlCtx := crawler.NewCrawlContext(ctx, httpClient, browserClient, crawler.NewMockProgressLogger(logger))
	defer func() {
		output.Stats = crawlStats{
			Requests:         crawlCtx.RequestsMade + crawlCtx.BrowserRequestsMade,
			NetworkRequests:  httpClient.NetworkRequestsMade + crawlCtx.BrowserRequestsMade,
			BrowserRequests:  crawlCtx.BrowserRequestsMade,
			DuplicateFetches: crawlCtx.DuplicateFetches,
			TitleRequests:    crawlCtx.TitleRequestsMade,
			Duration:         time.Since(crawlStart),
		}
	}()

	maybeStartPage, feed, err := discoverCrawlInput(input, crawlCtx, logger)
	if err != nil {
		output.Error = err
		return output
	}

	result, err := crawler.GuidedCrawl(maybeStartPage, *feed, crawlCtx, logger)
	var gErr *crawler.GuidedCrawlingError
	if errors.As(err, &gErr) {
		output.Result = gErr.Result
		output.Error = gErr.Inner
	} else if err != nil {
		output.Error = err
	} else {
		output.Result = result
	}
	return output
}

func discoverCrawlInput(
	input crawlInput, crawlCtx *crawler.CrawlContext, logger crawler.Logger,
) (*crawler.DiscoveredStartPage, *crawler.DiscoveredFetchedFeed, error) {
	if input.FeedUrl == "" {
		discoverResult, err := crawler.DiscoverFeedsAtUrl(input.StartUrl, crawlCtx, logger)
		if err != nil {
			return nil, nil, oops.Wrapf(err, "discover feeds at %s", input.StartUrl)
		}
		switch r := discoverResult.(type) {
		case *crawler.DiscoveredSingleFeed:
			return r.StartPage, &r.Feed, nil
		case *crawler.DiscoveredMultipleFeeds:
			logger.Info("Multiple feeds, going with the first one: %v", r.Feeds)
			feed, err := crawler.FetchFeedAtUrl(r.Feeds[0].Url, crawlCtx, logger)
			if err != nil {
				return nil, nil, oops.Wrapf(err, "fetch feed %s", r.Feeds[0].Url)
			}
			return &r.StartPage, feed, nil
		default:
			panic(fmt.Errorf("unknown discover feeds result: %T", discoverResult))
		}
	}

	feed, err := crawler.FetchFeedAtUrl(input.FeedUrl, crawlCtx, logger)
	if err != nil {
		return nil, nil, oops.Wrapf(err, "fetch feed %s", input.FeedUrl)
	}
	if input.StartUrl == "" {
		return nil, feed, nil
	}

	startPage, err := crawler.FetchStartPage(input.StartUrl, crawlCtx, logger)
	if errors.Is(err, crawler.ErrCrawlCanceled) {
		return nil, nil, err
	} else if err != nil {
		logger.Warn("Couldn't fetch the start page, going from the feed: %v", err)
		return nil, feed, nil
	}
	return startPage, feed, nil
}

func toCrawlRecord(output *crawlOutput) *store.CrawlRecord {
	record := &store.CrawlRecord{
		CrawlId:   output.CrawlId,
		StartUrl:  output.Input.StartUrl,
		FeedUrl:   output.Input.FeedUrl,
		Pattern:   "",
		MainUrl:   "",
		Links:     nil,
		Extra:     nil,
		Error:     "",
		CreatedAt: time.Now().UTC(),
	}
	if output.Result != nil && output.Result.FeedResult.Url != "" {
		record.FeedUrl = output.Result.FeedResult.Url
	}
	if historical := output.historical(); historical != nil {
		record.Pattern = historical.Pattern
		record.MainUrl = historical.MainLink.Url
		record.Extra = historical.Extra
		record.Links = make([]store.RecordLink, 0, len(historical.Links))
		for _, link := range historical.Links {
			record.Links = append(record.Links, store.RecordLink{
				Curi:        link.Curi.String(),
				Url:         link.Url,
				Title:       link.Title.Value,
				TitleSource: string(link.Title.Source),
			})
		}
	}

	switch {
	case output.Error != nil:
		record.Error = output.Error.Error()
	case output.Result != nil && output.Result.HistoricalError != nil:
		record.Error = output.Result.HistoricalError.Error()
	}
	return record
}

func saveCrawlOutput(ctx context.Context, s store.Store, output *crawlOutput, logger crawler.Logger) error {
	err := s.SaveResult(ctx, toCrawlRecord(output))
	if errors.Is(err, store.ErrDuplicateCrawl) {
		logger.Warn("Crawl %s is already saved", output.CrawlId)
		return nil
	}
	return err
}
