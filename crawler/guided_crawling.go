package crawler

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"blogarchive/metrics"
	"blogarchive/oops"
)

type FeedResult struct {
	Url                  string
	Title                string
	Links                int
	MatchingTitles       string
	MatchingTitlesStatus Status
}

type Status string

const (
	StatusNone    Status = "none"
	StatusFailure Status = "failure"
	StatusNeutral Status = "neutral"
	StatusSuccess Status = "success"
)

type GuidedCrawlResult struct {
	FeedResult       FeedResult
	CuriEqCfg        *CanonicalEqualityConfig
	HistoricalResult *HistoricalResult
	HistoricalError  error
}

type HistoricalResult struct {
	BlogLink               Link
	MainLink               Link
	Pattern                string
	Links                  []titledLink
	DiscardedFeedEntryUrls []string
	Extra                  []string
}

// GuidedCrawlingError is a crawl that could not finish, Result has whatever was known by then
type GuidedCrawlingError struct {
	Inner  error
	Result *GuidedCrawlResult
}

func (e *GuidedCrawlingError) Error() string {
	return fmt.Sprintf("guided crawling: %v", e.Inner)
}

func (e *GuidedCrawlingError) Unwrap() error {
	return e.Inner
}

var ErrPatternNotDetected = errors.New("pattern not detected")

// Longer feeds that aren't a round page size are likely the whole blog already
const maxGuidedCrawlFeedLength = 50

const phaseSuccessMinLinks = 11
const archivesConfirmedMinLinks = 21

var archivesRegex = regexp.MustCompile(`/(?:[a-z-]*archives?|posts?|all(?:-[a-z]+)?)(?:\.[a-z]+)?$`)
var mainPageRegex = regexp.MustCompile(`/(?:(?:blog|articles|writing|journal|essays)(?:\.[a-z]+)?|index)$`)
var likelyPostRegex = regexp.MustCompile(`/\d{4}(/\d{2})?(/\d{2})?$`)

// GuidedCrawl finds the full list of posts of the blog behind the feed. A missing start page is
// discovered from the feed. Errors are *GuidedCrawlingError, failing to find the posts is not an error
// and ends up in HistoricalError
func GuidedCrawl(
	maybeStartPage *DiscoveredStartPage, feed DiscoveredFetchedFeed, crawlCtx *CrawlContext, logger Logger,
) (*GuidedCrawlResult, error) {
	crawlStart := time.Now()
	result := GuidedCrawlResult{} //nolint:exhaustruct
	err := guidedCrawl(maybeStartPage, feed, &result, crawlCtx, logger)

	var outcome string
	switch {
	case errors.Is(err, ErrCrawlCanceled):
		outcome = "canceled"
	case err != nil:
		outcome = "error"
	case result.HistoricalResult == nil:
		outcome = "not_detected"
	default:
		outcome = "success"
	}
	metrics.RecordCrawl(outcome, crawlStart)

	if err != nil {
		return nil, &GuidedCrawlingError{
			Inner:  err,
			Result: &result,
		}
	}
	return &result, nil
}

func guidedCrawl(
	maybeStartPage *DiscoveredStartPage, feed DiscoveredFetchedFeed, guidedCrawlResult *GuidedCrawlResult,
	crawlCtx *CrawlContext, logger Logger,
) error {
	progressLogger := crawlCtx.ProgressLogger
	feedResult := &guidedCrawlResult.FeedResult

	logger.Info("Feed url: %s", feed.FinalUrl)
	feedResult.Url = feed.FinalUrl

	feedLink, ok := ToCanonicalLink(feed.Url, logger, nil)
	if !ok {
		return oops.Newf("Bad feed url: %s", feed.Url)
	}
	feedFinalLink, ok := ToCanonicalLink(feed.FinalUrl, logger, nil)
	if !ok {
		return oops.Newf("Bad feed final url: %s", feed.FinalUrl)
	}

	parsedFeed, err := ParseFeed(feed.Content, feedFinalLink.Uri, logger)
	if err != nil {
		return err
	}
	feedResult.Title = parsedFeed.Title
	feedResult.Links = parsedFeed.EntryLinks.Length
	if parsedFeed.EntryLinks.Length == 0 {
		return oops.New("Feed is empty")
	} else if parsedFeed.EntryLinks.Length == 1 {
		return oops.New("Feed only has 1 item")
	}

	var startPageLink, startPageFinalLink Link
	var startPage *htmlPage
	if maybeStartPage != nil {
		logger.Info("Start page is present")
		startPageLink, ok = ToCanonicalLink(maybeStartPage.Url, logger, nil)
		if !ok {
			return oops.Newf("Bad start page url: %s", maybeStartPage.Url)
		}
		startPageFinalLink, ok = ToCanonicalLink(maybeStartPage.FinalUrl, logger, nil)
		if !ok {
			return oops.Newf("Bad start page final url: %s", maybeStartPage.FinalUrl)
		}
		startPageDocument, err := parseHtml(maybeStartPage.Content, logger)
		if err != nil {
			return err
		}
		startPage = &htmlPage{
			Curi:     startPageFinalLink.Curi,
			FetchUri: startPageFinalLink.Uri,
			Content:  maybeStartPage.Content,
			Document: startPageDocument,
		}
	} else {
		logger.Info("Start page is absent")
		startPageLink, startPage, err = getFeedStartPage(feedLink, parsedFeed, crawlCtx, logger)
		if err != nil {
			return err
		}
		startPageFinalLink, ok = ToCanonicalLink(startPage.FetchUri.String(), logger, nil)
		if !ok {
			return oops.Newf("Couldn't parse start page fetch uri: %s", startPage.FetchUri)
		}
	}

	sameHosts, err := getSameHosts(
		[]Link{startPageLink, feedLink}, []Link{startPageFinalLink, feedFinalLink}, &parsedFeed.EntryLinks,
		crawlCtx, logger,
	)
	if err != nil {
		return err
	}
	logger.Info("Same hosts: %v", sameHosts)

	curiEqCfg := CanonicalEqualityConfig{
		SameHosts:         sameHosts,
		ExpectTumblrPaths: parsedFeed.Generator == FeedGeneratorTumblr,
	}
	crawlCtx.FetchedCuris.updateEqualityConfig(&curiEqCfg)
	crawlCtx.PptrFetchedCuris.updateEqualityConfig(&curiEqCfg)
	guidedCrawlResult.CuriEqCfg = &curiEqCfg

	feedEntryCurisTitlesMap := NewCanonicalUriMap[*LinkTitle](&curiEqCfg)
	for _, entryLink := range parsedFeed.EntryLinks.ToSlice() {
		feedEntryCurisTitlesMap.Add(entryLink.Link, entryLink.MaybeTitle)
	}
	initialBlogLink := startPageFinalLink
	if parsedFeed.RootLink != nil {
		initialBlogLink = *parsedFeed.RootLink
	}

	var historicalResult *HistoricalResult
	var historicalLinks []maybeTitledLink
	feedLength := parsedFeed.EntryLinks.Length
	if feedLength <= maxGuidedCrawlFeedLength || feedLength%100 == 0 {
		ppResult, err := guidedCrawlHistorical(
			startPage, &parsedFeed.EntryLinks, &feedEntryCurisTitlesMap, parsedFeed.Generator,
			initialBlogLink, crawlCtx, &curiEqCfg, logger,
		)
		switch {
		case errors.Is(err, ErrCrawlCanceled):
			return err
		case err != nil:
			logger.Info("Historical crawl failed: %v", err)
			guidedCrawlResult.HistoricalError = err
		case !ppResult.IsMatchingFeed:
			logger.Info("Best result doesn't match the feed order, going with the feed")
			historicalLinks = parsedFeed.EntryLinks.ToSlice()
			historicalResult = &HistoricalResult{
				BlogLink:               initialBlogLink,
				MainLink:               feedLink,
				Pattern:                "feed",
				Links:                  nil,
				DiscardedFeedEntryUrls: nil,
				Extra: []string{
					fmt.Sprintf("mismatching_result: %s %s (%d)", ppResult.Pattern, ppResult.MainLnk.Url,
						len(ppResult.Links)),
				},
			}
		default:
			historicalCurisSet := NewCanonicalUriSet(ToCanonicalUris(ppResult.Links), &curiEqCfg)
			var discardedFeedEntryUrls []string
			for _, entryLink := range parsedFeed.EntryLinks.ToSlice() {
				if !historicalCurisSet.Contains(entryLink.Curi) {
					discardedFeedEntryUrls = append(discardedFeedEntryUrls, entryLink.Url)
				}
			}

			historicalLinks = ppResult.Links
			historicalResult = &HistoricalResult{
				BlogLink:               ppResult.MainLnk,
				MainLink:               ppResult.MainLnk,
				Pattern:                ppResult.Pattern,
				Links:                  nil,
				DiscardedFeedEntryUrls: discardedFeedEntryUrls,
				Extra:                  ppResult.Extra,
			}
		}
	} else {
		logger.Info("Feed is long with %d entries", feedLength)
		historicalLinks = parsedFeed.EntryLinks.ToSlice()
		historicalResult = &HistoricalResult{
			BlogLink:               initialBlogLink,
			MainLink:               feedLink,
			Pattern:                "long_feed",
			Links:                  nil,
			DiscardedFeedEntryUrls: nil,
			Extra:                  nil,
		}
	}

	feedResult.MatchingTitlesStatus = StatusNeutral
	if historicalResult == nil {
		return nil
	}

	historicalResult.Links, err = fetchMissingTitles(
		historicalLinks, &feedEntryCurisTitlesMap, parsedFeed.Generator, &curiEqCfg,
		crawlCtx, logger,
	)
	if err != nil {
		return err
	}
	if err := progressLogger.LogAndSaveFetchedCount(ptr(len(historicalResult.Links))); err != nil {
		return err
	}
	historicalResult.Extra = append(
		historicalResult.Extra, fmt.Sprintf("title_sources: %s", countLinkTitleSources(historicalResult.Links)),
	)
	guidedCrawlResult.HistoricalResult = historicalResult

	historicalCuris := ToCanonicalUris(historicalResult.Links)
	feedLinksMatchingResult, ok := parsedFeed.EntryLinks.sequenceMatch(historicalCuris, &curiEqCfg)
	feedTitlesPresent := !slices.ContainsFunc(
		parsedFeed.EntryLinks.ToSlice(), func(link maybeTitledLink) bool {
			return link.MaybeTitle == nil
		},
	)
	if !ok || !feedTitlesPresent {
		return nil
	}

	matchingTitleCount := 0
	for i, entryLink := range feedLinksMatchingResult {
		resultTitle := historicalResult.Links[i].Title
		if resultTitle.EqualizedValue == entryLink.MaybeTitle.EqualizedValue {
			matchingTitleCount++
		} else {
			logger.Info(
				"Title mismatch with feed: %q (%s) != feed %q",
				resultTitle.Value, resultTitle.Source, entryLink.MaybeTitle.Value,
			)
		}
	}
	if matchingTitleCount == len(feedLinksMatchingResult) {
		feedResult.MatchingTitlesStatus = StatusSuccess
		feedResult.MatchingTitles = fmt.Sprint(matchingTitleCount)
	} else {
		feedResult.MatchingTitlesStatus = StatusFailure
		feedResult.MatchingTitles = fmt.Sprintf("%d (%d)", matchingTitleCount, len(feedLinksMatchingResult))
	}
	return nil
}

// getSameHosts treats the start page and the feed hosts as one site when they serve feed entries. If
// no entry comes from those hosts, the most popular entry host is checked for a redirect
func getSameHosts(
	startLinks []Link, finalLinks []Link, feedEntryLinks *FeedEntryLinks, crawlCtx *CrawlContext,
	logger Logger,
) (map[string]bool, error) {
	feedEntryLinksByHost := make(map[string][]Link)
	var feedEntryHosts []string
	for _, entryLink := range feedEntryLinks.ToSlice() {
		host := entryLink.Uri.Host
		if _, ok := feedEntryLinksByHost[host]; !ok {
			feedEntryHosts = append(feedEntryHosts, host)
		}
		feedEntryLinksByHost[host] = append(feedEntryLinksByHost[host], entryLink.Link)
	}

	sameHosts := make(map[string]bool)
	for i := range startLinks {
		startLink, finalLink := startLinks[i], finalLinks[i]
		if CanonicalUriPathEqual(startLink.Curi, finalLink.Curi) &&
			(len(feedEntryLinksByHost[startLink.Uri.Host]) > 0 ||
				len(feedEntryLinksByHost[finalLink.Uri.Host]) > 0) {

			sameHosts[startLink.Uri.Host] = true
			sameHosts[finalLink.Uri.Host] = true
		}
	}

	if slices.ContainsFunc(feedEntryHosts, func(host string) bool { return sameHosts[host] }) {
		return sameHosts, nil
	}

	logger.Info("Feed entry links come from a different host than feed and start page")
	slices.SortStableFunc(feedEntryHosts, func(a, b string) int {
		return len(feedEntryLinksByHost[b]) - len(feedEntryLinksByHost[a])
	})
	entryLink := feedEntryLinksByHost[feedEntryHosts[0]][0]
	entryResult, err := crawlRequest(entryLink, false, crawlCtx, logger)
	if err != nil {
		return nil, err
	}
	if err := crawlCtx.ProgressLogger.SaveStatus(); err != nil {
		return nil, err
	}
	entryPage, ok := entryResult.(*htmlPage)
	if !ok {
		return nil, oops.Newf("Unexpected entry result: %v", entryResult)
	}

	if CanonicalUriPathEqual(entryLink.Curi, entryPage.Curi) {
		sameHosts[entryLink.Uri.Host] = true
		sameHosts[entryPage.FetchUri.Host] = true
	} else {
		logger.Info("Paths don't match: %s, %s", entryLink.Uri, entryPage.FetchUri)
	}
	return sameHosts, nil
}

// getFeedStartPage uses the feed root link, or walks up the feed path until something is an html page
func getFeedStartPage(
	feedLink Link, parsedFeed *ParsedFeed, crawlCtx *CrawlContext, logger Logger,
) (Link, *htmlPage, error) {
	progressLogger := crawlCtx.ProgressLogger
	if parsedFeed.RootLink != nil {
		startPageLink := *parsedFeed.RootLink
		startPage, err := crawlHtmlPage(startPageLink, crawlCtx, logger)
		if errors.Is(err, ErrCrawlCanceled) {
			return Link{}, nil, err //nolint:exhaustruct
		}
		if err := progressLogger.SaveStatus(); err != nil {
			return Link{}, nil, err //nolint:exhaustruct
		}
		if err != nil {
			logger.Info("Couldn't fetch root link: %v", err)
		} else {
			logger.Info("Using start page from root link: %s", startPageLink.Url)
			return startPageLink, startPage, nil
		}
	}

	logger.Info("Trying to discover start page")
	possibleStartUri := *feedLink.Uri
	possibleStartUri.RawQuery = ""
	possibleStartUri.Fragment = ""
	for {
		if possibleStartUri.Path == "" {
			return Link{}, nil, oops.Newf("Couldn't discover start link from %s", feedLink.Url) //nolint:exhaustruct
		}

		possibleStartUri.Path = possibleStartUri.Path[:strings.LastIndex(possibleStartUri.Path, "/")]
		possibleStartPageLink, ok := ToCanonicalLink(possibleStartUri.String(), logger, nil)
		if !ok {
			continue
		}
		logger.Info("Possible start link: %s", possibleStartPageLink.Url)
		possibleStartPage, err := crawlHtmlPage(possibleStartPageLink, crawlCtx, logger)
		if errors.Is(err, ErrCrawlCanceled) {
			return Link{}, nil, err //nolint:exhaustruct
		}
		if err := progressLogger.SaveStatus(); err != nil {
			return Link{}, nil, err //nolint:exhaustruct
		}
		if err != nil {
			logger.Info("Couldn't fetch: %v", err)
			continue
		}

		return possibleStartPageLink, possibleStartPage, nil
	}
}

// crawlHtmlPage fails unless the link ends up at an html page
func crawlHtmlPage(link Link, crawlCtx *CrawlContext, logger Logger) (*htmlPage, error) {
	result, err := crawlRequest(link, false, crawlCtx, logger)
	if err != nil {
		return nil, err
	}
	page, ok := result.(*htmlPage)
	if !ok {
		return nil, oops.Newf("Not an html page: %v", result)
	}
	return page, nil
}

// guidedCrawlQueueItem is a Link to fetch or an already fetched *htmlPage
type guidedCrawlQueueItem interface {
	guidedCrawlQueueItemTag()
}

func (Link) guidedCrawlQueueItemTag()      {}
func (*htmlPage) guidedCrawlQueueItemTag() {}

type guidedCrawlQueue []guidedCrawlQueueItem

type guidedCrawlContext struct {
	SeenCurisSet            *queuedCurisSet
	ArchivesCategoriesState *archivesCategoriesState
	FeedEntryLinks          *FeedEntryLinks
	FeedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle]
	FeedGenerator           FeedGenerator
	CuriEqCfg               *CanonicalEqualityConfig
	AllowedHosts            map[string]bool
	PagesWithoutBrowser     []*htmlPage
}

// queuedCurisSet tracks enqueued pages by canonical uri without query
type queuedCurisSet struct {
	set CanonicalUriSet
}

func newQueuedCurisSet(curiEqCfg *CanonicalEqualityConfig) *queuedCurisSet {
	return &queuedCurisSet{
		set: NewCanonicalUriSet(nil, curiEqCfg),
	}
}

func (s *queuedCurisSet) contains(curi CanonicalUri) bool {
	return s.set.Contains(curiWithoutQuery(curi))
}

func (s *queuedCurisSet) add(curi CanonicalUri) {
	s.set.add(curiWithoutQuery(curi))
}

func curiWithoutQuery(curi CanonicalUri) CanonicalUri {
	curi.Query = ""
	return curi
}

func guidedCrawlHistorical(
	startPage *htmlPage, feedEntryLinks *FeedEntryLinks, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle],
	feedGenerator FeedGenerator, initialBlogLink Link, crawlCtx *CrawlContext,
	curiEqCfg *CanonicalEqualityConfig, logger Logger,
) (*postprocessedResult, error) {
	progressLogger := crawlCtx.ProgressLogger

	seenCurisSet := newQueuedCurisSet(curiEqCfg)
	allowedHosts := curiEqCfg.SameHosts
	if len(allowedHosts) == 0 {
		allowedHosts = map[string]bool{startPage.Curi.Host: true}
	}

	startPageLinks := extractLinks(
		startPage.Document, startPage.FetchUri, allowedHosts, crawlCtx.Redirects, logger, xpathModeNone,
	)

	var archivesQueue, mainPageQueue guidedCrawlQueue
	seenCurisSet.add(startPage.Curi)
	if archivesRegex.MatchString(startPage.Curi.TrimmedPath) {
		logger.Info("Start page uri matches archives: %s", startPage.FetchUri)
		archivesQueue = append(archivesQueue, startPage)
	} else {
		logger.Info("Start page uri doesn't match archives, let it be a main page: %s", startPage.FetchUri)
		mainPageQueue = append(mainPageQueue, startPage)
	}

	var startPageOtherLinks []Link
	for _, link := range startPageLinks {
		if seenCurisSet.contains(link.Curi) {
			continue
		}

		if archivesRegex.MatchString(link.Curi.TrimmedPath) {
			seenCurisSet.add(link.Curi)
			archivesQueue = append(archivesQueue, link.Link)
			logger.Info("Enqueued archives: %s", link.Url)
		} else if mainPageRegex.MatchString(link.Curi.TrimmedPath) {
			seenCurisSet.add(link.Curi)
			mainPageQueue = append(mainPageQueue, link.Link)
			logger.Info("Enqueued main page: %s", link.Url)
		} else {
			startPageOtherLinks = append(startPageOtherLinks, link.Link)
		}
	}

	if feedGenerator == FeedGeneratorSubstack {
		archiveLink, ok := ToCanonicalLink("/archive", logger, startPage.FetchUri)
		if ok && !seenCurisSet.contains(archiveLink.Curi) {
			logger.Info("Adding missing substack archives: %s", archiveLink.Url)
			seenCurisSet.add(archiveLink.Curi)
			archivesQueue = append(archivesQueue, archiveLink)
		}
	}

	logger.Info(
		"Start page and links: %d archives, %d main page, %d others",
		len(archivesQueue), len(mainPageQueue), len(startPageOtherLinks),
	)

	guidedCtx := guidedCrawlContext{
		SeenCurisSet:            seenCurisSet,
		ArchivesCategoriesState: newArchivesCategoriesState(initialBlogLink),
		FeedEntryLinks:          feedEntryLinks,
		FeedEntryCurisTitlesMap: feedEntryCurisTitlesMap,
		FeedGenerator:           feedGenerator,
		CuriEqCfg:               curiEqCfg,
		AllowedHosts:            allowedHosts,
		PagesWithoutBrowser:     nil,
	}

	// Phase 1: start page and what it links to
	result, err := guidedCrawlFetchLoop(
		[]*guidedCrawlQueue{&archivesQueue, &mainPageQueue}, nil, 1, &guidedCtx, crawlCtx, logger,
	)
	if err != nil {
		return nil, err
	}
	if result != nil {
		if len(result.Links) >= phaseSuccessMinLinks {
			logger.Info("Phase 1 succeeded")
			return result, nil
		}
		logger.Info(
			"Got a result with %d historical links but it looks too small. Continuing just in case",
			len(result.Links),
		)
		if err := progressLogger.LogAndSaveFetchedCount(nil); err != nil {
			return nil, err
		}
	}

	// Phase 2: links shared by the first two entries
	feedEntryLinksSlice := feedEntryLinks.ToSlice()
	entry1Page, err := crawlHtmlPage(feedEntryLinksSlice[0].Link, crawlCtx, logger)
	if err != nil {
		return nil, oops.Wrapf(err, "couldn't fetch entry 1")
	}
	if err := progressLogger.SaveStatus(); err != nil {
		return nil, err
	}
	entry2Page, err := crawlHtmlPage(feedEntryLinksSlice[1].Link, crawlCtx, logger)
	if err != nil {
		return nil, oops.Wrapf(err, "couldn't fetch entry 2")
	}
	if err := progressLogger.SaveStatus(); err != nil {
		return nil, err
	}

	entry1Links := extractLinks(
		entry1Page.Document, entry1Page.FetchUri, allowedHosts, crawlCtx.Redirects, logger, xpathModeNone,
	)
	entry2Links := extractLinks(
		entry2Page.Document, entry2Page.FetchUri, allowedHosts, crawlCtx.Redirects, logger, xpathModeNone,
	)
	entry1CurisSet := NewCanonicalUriSet(ToCanonicalUris(entry1Links), curiEqCfg)

	var twoEntriesLinks []Link
	entry2CurisSet := NewCanonicalUriSet(nil, curiEqCfg)
	for _, entry2Link := range entry2Links {
		if entry2CurisSet.Contains(entry2Link.Curi) {
			continue
		}

		entry2CurisSet.add(entry2Link.Curi)
		if entry1CurisSet.Contains(entry2Link.Curi) {
			twoEntriesLinks = append(twoEntriesLinks, entry2Link.Link)
		}
	}

	var twoEntriesOtherLinks []Link
	for _, link := range twoEntriesLinks {
		if guidedCtx.SeenCurisSet.contains(link.Curi) {
			continue
		}

		if archivesRegex.MatchString(link.Curi.TrimmedPath) {
			guidedCtx.SeenCurisSet.add(link.Curi)
			archivesQueue = append(archivesQueue, link)
		} else if mainPageRegex.MatchString(link.Curi.TrimmedPath) {
			guidedCtx.SeenCurisSet.add(link.Curi)
			mainPageQueue = append(mainPageQueue, link)
		} else {
			twoEntriesOtherLinks = append(twoEntriesOtherLinks, link)
		}
	}

	logger.Info(
		"Phase 2 (first two entries) start links: %d archives, %d main page, %d others",
		len(archivesQueue), len(mainPageQueue), len(twoEntriesOtherLinks),
	)

	result, err = guidedCrawlFetchLoop(
		[]*guidedCrawlQueue{&archivesQueue, &mainPageQueue}, result, 2, &guidedCtx, crawlCtx, logger,
	)
	if err != nil {
		return nil, err
	}
	if result != nil {
		if len(result.Links) >= phaseSuccessMinLinks {
			logger.Info("Phase 2 succeeded")
			return result, nil
		}
		logger.Info(
			"Got a result with %d historical links but it looks too small. Continuing just in case",
			len(result.Links),
		)
		if err := progressLogger.LogAndSaveFetchedCount(nil); err != nil {
			return nil, err
		}
	}

	if feedGenerator == FeedGeneratorMedium {
		logger.Info("Skipping phase 3 because Medium")
		if result != nil {
			return result, nil
		}
		return retryPagesWithBrowser(&guidedCtx, crawlCtx, logger)
	}

	// Phase 3: everything else that looks like it could list posts
	var othersQueue guidedCrawlQueue
	var filteredTwoEntriesOtherLinks []Link
	for _, link := range twoEntriesOtherLinks {
		if !feedEntryCurisTitlesMap.Contains(link.Curi) {
			filteredTwoEntriesOtherLinks = append(filteredTwoEntriesOtherLinks, link)
		}
	}
	twiceFilteredTwoEntriesOtherLinks := filteredTwoEntriesOtherLinks
	if len(filteredTwoEntriesOtherLinks) > 10 {
		twiceFilteredTwoEntriesOtherLinks = nil
		for _, link := range filteredTwoEntriesOtherLinks {
			if !likelyPostRegex.MatchString(link.Curi.TrimmedPath) {
				twiceFilteredTwoEntriesOtherLinks = append(twiceFilteredTwoEntriesOtherLinks, link)
			}
		}
		logger.Info(
			"Two entries other links: filtering %d -> %d",
			len(filteredTwoEntriesOtherLinks), len(twiceFilteredTwoEntriesOtherLinks),
		)
	} else {
		logger.Info("Two entries other links: %d", len(twiceFilteredTwoEntriesOtherLinks))
	}

	for _, link := range twiceFilteredTwoEntriesOtherLinks {
		if guidedCtx.SeenCurisSet.contains(link.Curi) {
			continue
		}
		guidedCtx.SeenCurisSet.add(link.Curi)
		othersQueue = append(othersQueue, link)
	}
	logger.Info("Phase 3 links from phase 2: %d", len(othersQueue))

	areAnyFeedEntriesTopLevel := slices.ContainsFunc(
		feedEntryLinksSlice, func(entryLink maybeTitledLink) bool {
			return strings.Count(entryLink.Curi.TrimmedPath, "/") <= 1
		},
	)
	if areAnyFeedEntriesTopLevel {
		logger.Info("Skipping phase 1 other links because some feed entries are top level")
	} else {
		phase1OthersCount := 0
		for _, link := range startPageOtherLinks {
			level := strings.Count(link.Curi.TrimmedPath, "/")
			if level > 1 || likelyPostRegex.MatchString(link.Curi.TrimmedPath) {
				continue
			}
			if guidedCtx.SeenCurisSet.contains(link.Curi) {
				continue
			}
			guidedCtx.SeenCurisSet.add(link.Curi)
			othersQueue = append(othersQueue, link)
			phase1OthersCount++
		}
		logger.Info("Phase 3 links from phase 1: %d", phase1OthersCount)
	}

	result, err = guidedCrawlFetchLoop(
		[]*guidedCrawlQueue{&archivesQueue, &mainPageQueue, &othersQueue}, result, 3, &guidedCtx, crawlCtx,
		logger,
	)
	if err != nil {
		return nil, err
	}
	if result != nil {
		logger.Info("Phase 3 succeeded")
		return result, nil
	}

	return retryPagesWithBrowser(&guidedCtx, crawlCtx, logger)
}

// guidedCrawlFetchLoop drains the queues in order. The first queue is archives, once it runs dry the
// results so far get a chance to be confirmed. Returns nil result if nothing was found
func guidedCrawlFetchLoop(
	queues []*guidedCrawlQueue, maybeInitialResult *postprocessedResult, phaseNumber int,
	guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext, logger Logger,
) (*postprocessedResult, error) {
	logger.Info("Guided crawl loop started (phase %d)", phaseNumber)

	var sortedResults []historicalResult
	if maybeInitialResult != nil {
		sortedResults = append(sortedResults, maybeInitialResult)
	}

	archivesQueue := queues[0]
	mainPageQueue := queues[1]
	hadArchives := len(*archivesQueue) > 0
	archivesSeenCount := len(*archivesQueue)
	archivesProcessedCount := 0
	mainPagesSeenCount := len(*mainPageQueue)
	mainPagesProcessedCount := 0
	historicalMatchesCount := 0
	logCounts := func() {
		logger.Info(
			"Processed/seen: archives %d/%d, main pages %d/%d",
			archivesProcessedCount, archivesSeenCount, mainPagesProcessedCount, mainPagesSeenCount,
		)
		logger.Info("Historical matches: %d", historicalMatchesCount)
	}

	for {
		activeQueueIndex := slices.IndexFunc(queues, func(queue *guidedCrawlQueue) bool {
			return len(*queue) > 0
		})
		if activeQueueIndex == -1 {
			break
		}

		activeQueue := queues[activeQueueIndex]
		if activeQueue == archivesQueue {
			archivesProcessedCount++
		} else if activeQueue == mainPageQueue {
			mainPagesProcessedCount++
		}

		var item guidedCrawlQueueItem
		item, *activeQueue = (*activeQueue)[0], (*activeQueue)[1:]
		var link Link
		var page *htmlPage
		switch it := item.(type) {
		case Link:
			link = it
			if crawlCtx.FetchedCuris.Contains(link.Curi) {
				continue
			}

			var err error
			page, err = crawlHtmlPage(link, crawlCtx, logger)
			if errors.Is(err, ErrCrawlCanceled) {
				return nil, err
			}
			if saveErr := crawlCtx.ProgressLogger.SaveStatus(); saveErr != nil {
				return nil, saveErr
			}
			if err != nil {
				logger.Info("Couldn't fetch link: %v", err)
				continue
			}
		case *htmlPage:
			page = it
			var ok bool
			link, ok = ToCanonicalLink(page.FetchUri.String(), logger, nil)
			if !ok {
				return nil, oops.Newf("Couldn't parse page fetch uri as a link: %s", page.FetchUri)
			}
		default:
			panic(fmt.Errorf("unknown queue item type: %T", item))
		}

		browserPage, err := crawlWithBrowserIfMatch(page, guidedCtx.FeedEntryCurisTitlesMap, crawlCtx, logger)
		if errors.Is(err, ErrCrawlCanceled) {
			return nil, err
		}
		if err != nil {
			logger.Info("Couldn't crawl with the browser: %v", err)
			continue
		}
		if browserPage == page && !crawlCtx.PptrFetchedCuris.Contains(page.Curi) {
			guidedCtx.PagesWithoutBrowser = append(guidedCtx.PagesWithoutBrowser, page)
		}

		pageAllLinks := extractLinks(
			browserPage.Document, browserPage.FetchUri, nil, crawlCtx.Redirects, logger, xpathModeWithClasses,
		)
		for _, pageLink := range pageAllLinks {
			if !guidedCtx.AllowedHosts[pageLink.Curi.Host] {
				continue
			}
			if guidedCtx.SeenCurisSet.contains(pageLink.Curi) {
				continue
			}

			if archivesRegex.MatchString(pageLink.Curi.TrimmedPath) {
				guidedCtx.SeenCurisSet.add(pageLink.Curi)
				*archivesQueue = append(*archivesQueue, pageLink.Link)
				hadArchives = true
				archivesSeenCount++
				logger.Info("Enqueueing archives link: %s", pageLink.Curi)
			} else if mainPageRegex.MatchString(pageLink.Curi.TrimmedPath) {
				guidedCtx.SeenCurisSet.add(pageLink.Curi)
				*mainPageQueue = append(*mainPageQueue, pageLink.Link)
				mainPagesSeenCount++
				logger.Info("Enqueueing main page link: %s", pageLink.Curi)
			}
		}

		pageCurisSet := NewCanonicalUriSet(ToCanonicalUris(pageAllLinks), guidedCtx.CuriEqCfg)
		pageResults := tryExtractHistorical(link, browserPage, pageAllLinks, &pageCurisSet, guidedCtx, logger)
		for _, pageResult := range pageResults {
			historicalMatchesCount++
			insertSortedResult(&sortedResults, pageResult)
		}

		if hadArchives && len(*archivesQueue) == 0 && len(sortedResults) > 0 {
			ppResult, err := postprocessResults(&sortedResults, guidedCtx, crawlCtx, logger)
			if err != nil {
				return nil, err
			}
			if ppResult != nil {
				if len(ppResult.Links) >= archivesConfirmedMinLinks {
					logCounts()
					logger.Info(
						"Guided crawl loop finished (phase %d) after archives with best result of %d links",
						phaseNumber, len(ppResult.Links),
					)
					return ppResult, nil
				}
				logger.Info(
					"Best result after archives only has %d links. Checking others just in case",
					len(ppResult.Links),
				)
				sortedResults = slices.Insert(sortedResults, 0, historicalResult(ppResult))
			}
		}
	}

	ppResult, err := postprocessResults(&sortedResults, guidedCtx, crawlCtx, logger)
	if err != nil {
		return nil, err
	}
	logCounts()
	if ppResult != nil {
		logger.Info(
			"Guided crawl loop finished (phase %d) with best result of %d links", phaseNumber, len(ppResult.Links),
		)
		return ppResult, nil
	}

	logger.Info("Guided crawl loop finished (phase %d), no result", phaseNumber)
	return nil, nil
}

// retryPagesWithBrowser renders every page the crawl has only seen as plain html and tries again
func retryPagesWithBrowser(
	guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext, logger Logger,
) (*postprocessedResult, error) {
	if crawlCtx.MaybeBrowserClient == nil {
		logger.Info("Pattern not detected")
		return nil, ErrPatternNotDetected
	}

	var pages []*htmlPage
	for _, page := range guidedCtx.PagesWithoutBrowser {
		if !crawlCtx.PptrFetchedCuris.Contains(page.Curi) {
			pages = append(pages, page)
		}
	}
	logger.Info("Retrying %d pages with the browser", len(pages))

	for i, page := range pages {
		logger.Info("%d/%d %s", i+1, len(pages), page.Curi)
		browserPage, err := crawlWithBrowser(
			page, browserEscalationNone, guidedCtx.FeedEntryCurisTitlesMap, crawlCtx, logger,
		)
		if errors.Is(err, ErrCrawlCanceled) {
			return nil, err
		}
		if err != nil {
			logger.Info("Couldn't crawl with the browser: %v", err)
			continue
		}

		link, ok := ToCanonicalLink(browserPage.FetchUri.String(), logger, nil)
		if !ok {
			continue
		}
		pageLinks := extractLinks(
			browserPage.Document, browserPage.FetchUri, nil, crawlCtx.Redirects, logger, xpathModeWithClasses,
		)
		pageCurisSet := NewCanonicalUriSet(ToCanonicalUris(pageLinks), guidedCtx.CuriEqCfg)
		pageResults := tryExtractHistorical(link, browserPage, pageLinks, &pageCurisSet, guidedCtx, logger)
		if len(pageResults) == 0 {
			continue
		}

		var sortedResults []historicalResult
		for _, pageResult := range pageResults {
			insertSortedResult(&sortedResults, pageResult)
		}
		ppResult, err := postprocessResults(&sortedResults, guidedCtx, crawlCtx, logger)
		if err != nil {
			return nil, err
		}
		if ppResult != nil {
			logger.Info("Browser retry succeeded with %d links", len(ppResult.Links))
			return ppResult, nil
		}
	}

	logger.Info("Pattern not detected")
	return nil, ErrPatternNotDetected
}

func tryExtractHistorical(
	fetchLink Link, page *htmlPage, pageLinks []*xpathLink, pageCurisSet *CanonicalUriSet,
	guidedCtx *guidedCrawlContext, logger Logger,
) []historicalResult {
	logger.Info("Trying to extract historical from %s", page.FetchUri)
	var results []historicalResult

	archivesAlmostMatchThreshold := getArchivesAlmostMatchThreshold(guidedCtx.FeedEntryLinks.Length)
	extractionsByStarCount := getExtractionsByStarCount(
		pageLinks, guidedCtx.FeedGenerator, guidedCtx.FeedEntryLinks, guidedCtx.FeedEntryCurisTitlesMap,
		guidedCtx.CuriEqCfg, archivesAlmostMatchThreshold, logger,
	)

	archivesResults := tryExtractArchives(
		fetchLink, page, pageLinks, pageCurisSet, extractionsByStarCount, archivesAlmostMatchThreshold,
		guidedCtx, logger,
	)
	results = append(results, archivesResults...)

	if archivesCategoriesResult, ok := tryExtractArchivesCategories(
		page, pageCurisSet, extractionsByStarCount, guidedCtx, logger,
	); ok {
		results = append(results, archivesCategoriesResult)
	}

	if page1Result, ok := tryExtractPage1(
		fetchLink, page, pageLinks, pageCurisSet, extractionsByStarCount, guidedCtx, logger,
	); ok {
		results = append(results, page1Result)
	}

	return results
}

// postprocessResults confirms results best first. A confirmed result is returned once it's still at
// least as good as the next speculative one, otherwise it goes back in line. Nil if none confirms
func postprocessResults(
	sortedResults *[]historicalResult, guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext, logger Logger,
) (*postprocessedResult, error) {
	sortedResultsLog := make([]string, 0, len(*sortedResults))
	for _, result := range *sortedResults {
		sortedResultsLog = append(sortedResultsLog, printResult(result))
	}
	logger.Info("Postprocessing %d results: %v", len(*sortedResults), sortedResultsLog)

	for len(*sortedResults) > 0 {
		var result historicalResult
		result, *sortedResults = (*sortedResults)[0], (*sortedResults)[1:]
		logger.Info("Postprocessing %s", printResult(result))

		var ppResult *postprocessedResult
		var err error
		switch res := result.(type) {
		case *postprocessedResult:
			if res.MaybePartialPagedResult == nil {
				ppResult = res
			} else {
				ppResult, err = postprocessPartialPagedResult(res.MaybePartialPagedResult, guidedCtx, crawlCtx, logger)
			}
		case *archivesSortedResult:
			ppResult = &postprocessedResult{
				MainLnk:                 res.MainLnk,
				Pattern:                 res.Pattern,
				Links:                   res.Links,
				IsMatchingFeed:          true,
				Extra:                   res.Extra,
				MaybePartialPagedResult: nil,
			}
		case *archivesShuffledResults:
			ppResult, err = postprocessArchivesShuffledResults(res, guidedCtx, crawlCtx, logger)
		case *archivesMediumPinnedEntryResult:
			ppResult, err = postprocessArchivesMediumPinnedEntryResult(res, guidedCtx, crawlCtx, logger)
		case *archivesLongFeedResult:
			ppResult = &postprocessedResult{
				MainLnk:                 res.MainLnk,
				Pattern:                 res.Pattern,
				Links:                   res.Links,
				IsMatchingFeed:          true,
				Extra:                   res.Extra,
				MaybePartialPagedResult: nil,
			}
		case *archivesCategoriesResult:
			ppResult, err = postprocessArchivesCategoriesResult(res, guidedCtx, crawlCtx, logger)
		case *page1Result:
			// Only page 2 is checked here, the rest of the chain waits until the result looks the best
			ppResult, err = postprocessPage1Result(res, guidedCtx, crawlCtx, logger)
		case *fullPagedResult:
			ppResult = &postprocessedResult{
				MainLnk:                 res.MainLnk,
				Pattern:                 res.Pattern,
				Links:                   res.Links,
				IsMatchingFeed:          true,
				Extra:                   res.Extra,
				MaybePartialPagedResult: nil,
			}
		case *partialPagedResult:
			ppResult, err = postprocessPartialPagedResult(res, guidedCtx, crawlCtx, logger)
		default:
			panic(fmt.Errorf("unknown result type: %T", result))
		}
		if err != nil {
			return nil, err
		}

		if ppResult == nil {
			logger.Info("Postprocessing failed for %s, continuing", result.mainLink().Url)
			continue
		}

		if len(*sortedResults) == 0 ||
			speculativeCountBetterThan(ppResult, (*sortedResults)[0]) ||
			(ppResult.MaybePartialPagedResult == nil && speculativeCountEqual(ppResult, (*sortedResults)[0])) {

			if ppResult.MaybePartialPagedResult != nil {
				ppResult, err = postprocessPartialPagedResult(
					ppResult.MaybePartialPagedResult, guidedCtx, crawlCtx, logger,
				)
				if err != nil {
					return nil, err
				}
				if ppResult == nil {
					logger.Info("Postprocessing failed for %s, continuing", result.mainLink().Url)
					continue
				}
			}

			logger.Info("Postprocessing succeeded")
			return ppResult, nil
		}

		notMatchingFeedLog := ""
		if !ppResult.IsMatchingFeed {
			notMatchingFeedLog = ", not matching feed"
		}
		logger.Info("Inserting back postprocessed %s%s", printResult(ppResult), notMatchingFeedLog)
		insertSortedResult(sortedResults, ppResult)
	}

	logger.Info("Postprocessing failed")
	return nil, nil
}

func postprocessArchivesShuffledResults(
	shuffledResults *archivesShuffledResults, guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext,
	logger Logger,
) (*postprocessedResult, error) {
	logger.Info("Postprocess archives shuffled results start")
	sortedTentativeResults := slices.Clone(shuffledResults.Results)
	slices.SortStableFunc(sortedTentativeResults, func(a, b *archivesShuffledResult) int {
		return len(a.Links) - len(b.Links)
	})
	counts := make([]int, len(sortedTentativeResults))
	for i, tentativeResult := range sortedTentativeResults {
		counts[i] = len(tentativeResult.Links)
	}
	logger.Info("Archives shuffled counts: %v", counts)

	// Smaller candidates go first, pages they fetch are reused by the larger ones
	var bestResult *postprocessedResult
	pagesByCuriKey := make(map[string]*htmlPage)
	for _, tentativeResult := range sortedTentativeResults {
		logger.Info("Postprocessing archives shuffled result of %d", len(tentativeResult.Links))
		sorted, err := postprocessSortLinksMaybeDates(
			tentativeResult.Links, tentativeResult.MaybeDates, pagesByCuriKey, guidedCtx, crawlCtx, logger,
		)
		if err != nil {
			return nil, err
		}
		if sorted == nil {
			logger.Info("Postprocess archives shuffled results finish (iteration failed)")
			return bestResult, nil
		}

		extra := slices.Clone(tentativeResult.Extra)
		appendLogLinef(&extra, "sort_date_source: %s", sorted.DateSource)
		appendLogLinef(&extra, "are_matching_feed: %t", sorted.AreMatchingFeed)
		bestResult = &postprocessedResult{
			MainLnk:                 shuffledResults.MainLnk,
			Pattern:                 tentativeResult.Pattern,
			Links:                   sorted.Links,
			IsMatchingFeed:          sorted.AreMatchingFeed,
			Extra:                   extra,
			MaybePartialPagedResult: nil,
		}
	}

	logger.Info("Postprocess archives shuffled results finish")
	return bestResult, nil
}

func postprocessArchivesMediumPinnedEntryResult(
	mediumResult *archivesMediumPinnedEntryResult, guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext,
	logger Logger,
) (*postprocessedResult, error) {
	logger.Info("Postprocess archives medium pinned entry result start")
	pinnedEntryPage, err := crawlHtmlPage(mediumResult.PinnedEntryLink.Link, crawlCtx, logger)
	if errors.Is(err, ErrCrawlCanceled) {
		return nil, err
	}
	if saveErr := crawlCtx.ProgressLogger.LogAndSavePostprocessing(); saveErr != nil {
		return nil, saveErr
	}
	if err != nil {
		logger.Info(
			"Couldn't fetch the pinned Medium entry: %s (%v)", mediumResult.PinnedEntryLink.Curi, err,
		)
		return nil, nil
	}

	allowedHosts := map[string]bool{pinnedEntryPage.Curi.Host: true}
	pinnedEntryPageLinks := extractLinks(
		pinnedEntryPage.Document, pinnedEntryPage.FetchUri, allowedHosts, crawlCtx.Redirects, logger,
		xpathModeNone,
	)

	sortedLinks, ok := historicalArchivesMediumSortFinish(
		mediumResult.PinnedEntryLink, pinnedEntryPageLinks, mediumResult.OtherLinksDates, guidedCtx.CuriEqCfg,
		logger,
	)
	if !ok {
		logger.Info("Couldn't sort links during postprocess archives medium pinned entry result finish")
		return nil, nil
	}

	if !compareWithFeed(sortedLinks, guidedCtx.FeedEntryLinks, guidedCtx.CuriEqCfg, logger) {
		logger.Info("Postprocess archives medium pinned entry result not matching feed")
		return nil, nil
	}

	logger.Info("Postprocess archives medium pinned entry result finish")
	return &postprocessedResult{
		MainLnk:                 mediumResult.MainLnk,
		Pattern:                 mediumResult.Pattern,
		Links:                   sortedLinks,
		IsMatchingFeed:          true,
		Extra:                   mediumResult.Extra,
		MaybePartialPagedResult: nil,
	}, nil
}

func postprocessArchivesCategoriesResult(
	categoriesResult *archivesCategoriesResult, guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext,
	logger Logger,
) (*postprocessedResult, error) {
	logger.Info("Postprocess archives categories result start")
	sorted, err := postprocessSortLinksMaybeDates(
		categoriesResult.Links, categoriesResult.MaybeDates, make(map[string]*htmlPage), guidedCtx, crawlCtx,
		logger,
	)
	if err != nil {
		return nil, err
	}
	if sorted == nil {
		logger.Info("Postprocess archives categories result failed")
		return nil, nil
	}

	logger.Info("Postprocess archives categories result finish")
	extra := slices.Clone(categoriesResult.Extra)
	appendLogLinef(&extra, "sort_date_source: %s", sorted.DateSource)
	appendLogLinef(&extra, "are_matching_feed: %t", sorted.AreMatchingFeed)
	return &postprocessedResult{
		MainLnk:                 categoriesResult.MainLnk,
		Pattern:                 categoriesResult.Pattern,
		Links:                   sorted.Links,
		IsMatchingFeed:          sorted.AreMatchingFeed,
		Extra:                   extra,
		MaybePartialPagedResult: nil,
	}, nil
}

func postprocessPage1Result(
	page1Result *page1Result, guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext, logger Logger,
) (*postprocessedResult, error) {
	progressLogger := crawlCtx.ProgressLogger
	logger.Info("Postprocess page1 result start")
	page2, err := crawlHtmlPage(page1Result.LinkToPage2, crawlCtx, logger)
	if errors.Is(err, ErrCrawlCanceled) {
		return nil, err
	}
	if saveErr := progressLogger.LogAndSavePostprocessing(); saveErr != nil {
		return nil, saveErr
	}
	if err != nil {
		logger.Info("Page 2 is not a page: %s (%v)", page1Result.LinkToPage2.Url, err)
		return nil, nil
	}

	pagedResult, ok := tryExtractPage2(page2, page1Result.MainLnk, &page1Result.State, guidedCtx, logger)
	if !ok {
		logger.Info("Postprocess page1 result finish (failed)")
		return nil, nil
	}

	logger.Info("Postprocess page1 result finish")
	switch r := pagedResult.(type) {
	case *partialPagedResult:
		if err := progressLogger.LogAndSaveFetchedCount(ptr(countLinkTitles(r.Links))); err != nil {
			return nil, err
		}
		return &postprocessedResult{
			MainLnk:                 r.MainLnk,
			Pattern:                 "paged_partial",
			Links:                   r.Links,
			IsMatchingFeed:          true,
			Extra:                   nil,
			MaybePartialPagedResult: r,
		}, nil
	case *fullPagedResult:
		if err := progressLogger.LogAndSaveFetchedCount(ptr(countLinkTitles(r.Links))); err != nil {
			return nil, err
		}
		return &postprocessedResult{
			MainLnk:                 r.MainLnk,
			Pattern:                 r.Pattern,
			Links:                   r.Links,
			IsMatchingFeed:          true,
			Extra:                   r.Extra,
			MaybePartialPagedResult: nil,
		}, nil
	default:
		panic(fmt.Errorf("unknown paged result type: %T", pagedResult))
	}
}

// postprocessPartialPagedResult follows next page links until the last page
func postprocessPartialPagedResult(
	partialResult *partialPagedResult, guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext, logger Logger,
) (*postprocessedResult, error) {
	progressLogger := crawlCtx.ProgressLogger
	logger.Info("Postprocess paged result start")
	var fullResult *fullPagedResult
	for fullResult == nil {
		if err := progressLogger.LogAndSaveFetchedCount(ptr(countLinkTitles(partialResult.Links))); err != nil {
			return nil, err
		}
		page, err := crawlHtmlPage(partialResult.LinkToNextPage, crawlCtx, logger)
		if errors.Is(err, ErrCrawlCanceled) {
			return nil, err
		}
		if saveErr := progressLogger.LogAndSavePostprocessing(); saveErr != nil {
			return nil, saveErr
		}
		if err != nil {
			logger.Info(
				"Postprocess paged result failed, page %d is not a page: %s (%v)",
				partialResult.NextPageNumber, partialResult.LinkToNextPage.Url, err,
			)
			return nil, nil
		}

		pagedResult, ok := tryExtractNextPage(page, partialResult, guidedCtx, logger)
		if !ok {
			logger.Info("Postprocess paged result failed")
			return nil, nil
		}
		switch r := pagedResult.(type) {
		case *fullPagedResult:
			fullResult = r
		case *partialPagedResult:
			partialResult = r
		default:
			panic(fmt.Errorf("unknown paged result type: %T", pagedResult))
		}
	}

	if err := progressLogger.LogAndSaveFetchedCount(ptr(countLinkTitles(fullResult.Links))); err != nil {
		return nil, err
	}
	logger.Info("Postprocess paged result finish")
	return &postprocessedResult{
		MainLnk:                 fullResult.MainLnk,
		Pattern:                 fullResult.Pattern,
		Links:                   fullResult.Links,
		IsMatchingFeed:          true,
		Extra:                   fullResult.Extra,
		MaybePartialPagedResult: nil,
	}, nil
}

type sortedLinks struct {
	Links           []maybeTitledLink
	AreMatchingFeed bool
	DateSource      xpathDateSource
}

// postprocessSortLinksMaybeDates fetches every link without a date and sorts by the date location
// common to all of their pages. Fetched pages are kept in pagesByCuriKey for the next candidate.
// Nil if the links can't be sorted
func postprocessSortLinksMaybeDates(
	links []maybeTitledLink, maybeDates []*date, pagesByCuriKey map[string]*htmlPage,
	guidedCtx *guidedCrawlContext, crawlCtx *CrawlContext, logger Logger,
) (*sortedLinks, error) {
	feedGenerator := guidedCtx.FeedGenerator
	progressLogger := crawlCtx.ProgressLogger
	logger.Info("Postprocess sort links, maybe dates start")

	var linksWithDates []linkDate
	var linksWithoutDates []maybeTitledLink
	alreadyFetchedTitlesCount := 0
	for i, link := range links {
		if maybeDates[i] != nil {
			linksWithDates = append(linksWithDates, linkDate{Link: link, Date: *maybeDates[i]})
			if link.MaybeTitle != nil {
				alreadyFetchedTitlesCount++
			}
		} else {
			linksWithoutDates = append(linksWithoutDates, link)
		}
	}
	remainingTitlesCount := len(linksWithDates) - alreadyFetchedTitlesCount

	// Already fetched pages go first so that the order of the sort state matches linksWithoutDates
	var crawledLinks, linksToCrawl []maybeTitledLink
	for _, link := range linksWithoutDates {
		if pagesByCuriKey[link.Curi.String()] != nil {
			crawledLinks = append(crawledLinks, link)
		} else {
			linksToCrawl = append(linksToCrawl, link)
		}
	}

	var state *sortState
	for _, link := range crawledLinks {
		var ok bool
		state, ok = historicalArchivesSortAdd(pagesByCuriKey[link.Curi.String()], feedGenerator, state, logger)
		if !ok {
			logger.Info("Postprocess sort links, maybe dates failed during add already crawled")
			return nil, nil
		}
	}

	for linkIdx, link := range linksToCrawl {
		page, err := crawlHtmlPage(link.Link, crawlCtx, logger)
		if errors.Is(err, ErrCrawlCanceled) {
			return nil, err
		}
		if err != nil {
			if saveErr := progressLogger.LogAndSavePostprocessingResetCount(); saveErr != nil {
				return nil, saveErr
			}
			logger.Info("Couldn't fetch link during result postprocess: %s (%v)", link.Url, err)
			return nil, nil
		}

		var ok bool
		state, ok = historicalArchivesSortAdd(page, feedGenerator, state, logger)
		if !ok {
			if saveErr := progressLogger.LogAndSavePostprocessingResetCount(); saveErr != nil {
				return nil, saveErr
			}
			logger.Info("Postprocess sort links, maybe dates failed during add")
			return nil, nil
		}

		fetchedCount := alreadyFetchedTitlesCount + len(crawledLinks) + linkIdx + 1
		remainingCount := remainingTitlesCount + len(linksToCrawl) - linkIdx - 1
		if err := progressLogger.LogAndSavePostprocessingCounts(fetchedCount, remainingCount); err != nil {
			return nil, err
		}
		pagesByCuriKey[link.Curi.String()] = page
	}

	orderedLinksWithoutDates := append(slices.Clone(crawledLinks), linksToCrawl...)
	resultLinks, dateSource, ok := historicalArchivesSortFinish(
		linksWithDates, orderedLinksWithoutDates, state, logger,
	)
	if !ok {
		logger.Info("Postprocess sort links, maybe dates failed during finish")
		return nil, nil
	}

	areMatchingFeed := compareWithFeed(resultLinks, guidedCtx.FeedEntryLinks, guidedCtx.CuriEqCfg, logger)

	logger.Info("Postprocess sort links, maybe dates finish")
	return &sortedLinks{
		Links:           resultLinks,
		AreMatchingFeed: areMatchingFeed,
		DateSource:      *dateSource,
	}, nil
}

// compareWithFeed checks that the feed entries present in the result come in the feed order
func compareWithFeed(
	sortedLinks []maybeTitledLink, feedEntryLinks *FeedEntryLinks, curiEqCfg *CanonicalEqualityConfig,
	logger Logger,
) bool {
	if !feedEntryLinks.IsOrderCertain {
		return true
	}

	sortedCuris := ToCanonicalUris(sortedLinks)
	curisSet := NewCanonicalUriSet(sortedCuris, curiEqCfg)
	presentFeedEntryLinks := feedEntryLinks.filterIncluded(&curisSet)
	if _, ok := presentFeedEntryLinks.sequenceMatch(sortedCuris, curiEqCfg); ok {
		return true
	}

	trimmedLength := min(len(sortedCuris), presentFeedEntryLinks.Length)
	ellipsis := ""
	if len(sortedCuris) > trimmedLength {
		ellipsis = " ..."
	}
	logger.Info("Sorted links")
	logger.Info("%v%s", sortedCuris[:trimmedLength], ellipsis)
	logger.Info("are not matching filtered feed:")
	logger.Info("%v", ToCanonicalUris(presentFeedEntryLinks.ToSlice()))
	return false
}

const prefixSuffixTrustedTitlesCount = 15

// fetchMissingTitles fills titles from the feed first, then from the pages themselves. A site name
// shared by the fetched page titles is stripped
func fetchMissingTitles(
	links []maybeTitledLink, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle], feedGenerator FeedGenerator,
	curiEqCfg *CanonicalEqualityConfig, crawlCtx *CrawlContext, logger Logger,
) ([]titledLink, error) {
	progressLogger := crawlCtx.ProgressLogger
	presentTitlesCount := countLinkTitles(links)
	missingTitlesCount := len(links) - presentTitlesCount
	crawlCtx.TitleRequestsMade = 0

	if missingTitlesCount == 0 {
		logger.Info("All titles are present")
		return toTitledLinks(links), nil
	}

	logger.Info("Fetch missing titles start: %d", missingTitlesCount)
	linksWithFeedTitles := make([]maybeTitledLink, len(links))
	for i, link := range links {
		if feedTitle, ok := feedEntryCurisTitlesMap.Get(link.Curi); ok && feedTitle != nil {
			link = link.withTitle(*feedTitle)
		}
		linksWithFeedTitles[i] = link
	}
	feedPresentTitlesCount := countLinkTitles(linksWithFeedTitles)
	if feedPresentTitlesCount != presentTitlesCount {
		logger.Info(
			"Filled %d/%d missing titles from the feed",
			feedPresentTitlesCount-presentTitlesCount, missingTitlesCount,
		)
	}
	if feedPresentTitlesCount == len(links) {
		logger.Info("Fetch missing titles finish")
		return toTitledLinks(linksWithFeedTitles), nil
	}
	feedMissingTitlesCount := len(links) - feedPresentTitlesCount

	if err := progressLogger.LogAndSaveFetchedCount(&feedPresentTitlesCount); err != nil {
		return nil, err
	}
	requestsMadeStart := crawlCtx.RequestsMade

	titledLinks := make([]titledLink, len(linksWithFeedTitles))
	var pageTitleIndices []int
	var pageTitles []string
	fetchedTitlesCount := 0
	for linkIdx, link := range linksWithFeedTitles {
		if link.MaybeTitle != nil {
			titledLinks[linkIdx] = titledLink{Link: link.Link, Title: *link.MaybeTitle}
			continue
		}

		page, err := crawlHtmlPage(link.Link, crawlCtx, logger)
		if errors.Is(err, ErrCrawlCanceled) {
			return nil, err
		}
		var title LinkTitle
		if err != nil {
			logger.Info("Couldn't fetch link title, going with url: %s (%v)", link.Url, err)
			title = NewLinkTitle(link.Url, LinkTitleSourceUrl)
		} else {
			pageTitle := getPageTitle(page, feedGenerator, logger)
			pageTitles = append(pageTitles, pageTitle)
			pageTitleIndices = append(pageTitleIndices, linkIdx)
			title = NewLinkTitle(pageTitle, LinkTitleSourcePageTitle)
		}
		titledLinks[linkIdx] = titledLink{Link: link.Link, Title: title}

		fetchedTitlesCount++
		if err := progressLogger.LogAndSavePostprocessingCounts(
			feedPresentTitlesCount+fetchedTitlesCount, feedMissingTitlesCount-fetchedTitlesCount,
		); err != nil {
			return nil, err
		}
	}

	strippedTitles := stripCommonAffixes(pageTitles)
	if len(pageTitles) >= 2 && !slices.Equal(strippedTitles, pageTitles) {
		areAffixesValid := false
		switch {
		case len(pageTitles) == len(links):
			logger.Info("All links needed title fetching, can't validate the site name but proceeding with it")
			areAffixesValid = true
		case len(pageTitles) >= prefixSuffixTrustedTitlesCount:
			logger.Info("%d titles is enough to strip the site name without an extra fetch", len(pageTitles))
			areAffixesValid = true
		default:
			// A page with a known title should lose the same site name
			pageTitleCurisSet := NewCanonicalUriSet(nil, curiEqCfg)
			for _, index := range pageTitleIndices {
				pageTitleCurisSet.add(linksWithFeedTitles[index].Curi)
			}
			testIndex := slices.IndexFunc(links, func(link maybeTitledLink) bool {
				return !pageTitleCurisSet.Contains(link.Curi)
			})
			if testIndex == -1 {
				areAffixesValid = true
				break
			}
			testLink := links[testIndex]
			page, err := crawlHtmlPage(testLink.Link, crawlCtx, logger)
			if errors.Is(err, ErrCrawlCanceled) {
				return nil, err
			}
			if err := progressLogger.LogAndSavePostprocessingCounts(
				feedPresentTitlesCount+fetchedTitlesCount, 0,
			); err != nil {
				return nil, err
			}
			if err != nil {
				logger.Info("Couldn't fetch the test link title: %s (%v)", testLink.Url, err)
			} else {
				testPageTitle := getPageTitle(page, feedGenerator, logger)
				testStrippedTitles := stripCommonAffixes(append(slices.Clone(pageTitles), testPageTitle))
				if slices.Equal(testStrippedTitles[:len(pageTitles)], strippedTitles) {
					logger.Info("Site name checks out with the test link")
					areAffixesValid = true
				} else {
					logger.Info("Site name doesn't check out with the test link: %q", testPageTitle)
				}
			}
		}

		if areAffixesValid {
			for i, index := range pageTitleIndices {
				titledLinks[index].Title = NewLinkTitle(strippedTitles[i], LinkTitleSourcePageTitle)
			}
			logger.Info("Stripped the site name from %d page titles", len(pageTitles))
		}
	}

	crawlCtx.TitleRequestsMade = crawlCtx.RequestsMade - requestsMadeStart
	logger.Info("Fetch missing titles finish")
	return titledLinks, nil
}

// toTitledLinks expects every link to have a title
func toTitledLinks(links []maybeTitledLink) []titledLink {
	titledLinks := make([]titledLink, len(links))
	for i, link := range links {
		titledLinks[i] = titledLink{
			Link:  link.Link,
			Title: *link.MaybeTitle,
		}
	}
	return titledLinks
}

func countLinkTitles(links []maybeTitledLink) int {
	titleCount := 0
	for _, link := range links {
		if link.MaybeTitle != nil {
			titleCount++
		}
	}
	return titleCount
}

func countLinkTitleSources(links []titledLink) string {
	countsBySource := make(map[LinkTitleSource]int)
	var sources []LinkTitleSource
	for _, link := range links {
		if _, ok := countsBySource[link.Title.Source]; !ok {
			sources = append(sources, link.Title.Source)
		}
		countsBySource[link.Title.Source]++
	}
	slices.SortStableFunc(sources, func(a, b LinkTitleSource) int {
		return countsBySource[b] - countsBySource[a]
	})

	tokens := make([]string, 0, len(sources))
	for _, source := range sources {
		tokens = append(tokens, fmt.Sprintf("%s: %d", source, countsBySource[source]))
	}
	return fmt.Sprintf("{%s}", strings.Join(tokens, ", "))
}
