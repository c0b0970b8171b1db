package crawler

import (
	"regexp"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/go-rod/rod"
)

const loadMoreSelector = "a[class*=load-more], button[class*=load-more]"
const mediumFeedLinkSelector = "link[rel=alternate][type='application/rss+xml'][href^='https://medium.']"
const substackFooterSelector = "[class*=footer-substack]"
const buttondownTwitterXPath = "/html/head/meta[@name='twitter:site'][@content='@buttondown']"

const mediumListArticlesCount = 10

var substackArchivePathRegex = regexp.MustCompile(`/archive/*$`)

type browserEscalation int

const (
	browserEscalationNone browserEscalation = iota
	browserEscalationLoadMore
	browserEscalationMedium
	browserEscalationSubstack
	browserEscalationButtondown
)

func (e browserEscalation) String() string {
	switch e {
	case browserEscalationNone:
		return "none"
	case browserEscalationLoadMore:
		return "load more button"
	case browserEscalationMedium:
		return "Medium list"
	case browserEscalationSubstack:
		return "Substack archives"
	case browserEscalationButtondown:
		return "Buttondown page"
	default:
		panic("Unknown browser escalation")
	}
}

// detectBrowserEscalation looks for signs that the page only shows everything after running js
func detectBrowserEscalation(page *htmlPage) browserEscalation {
	doc := goquery.NewDocumentFromNode(page.Document)
	switch {
	case doc.Find(loadMoreSelector).Length() > 0:
		return browserEscalationLoadMore
	case doc.Find(mediumFeedLinkSelector).Length() > 0 &&
		len(htmlquery.Find(page.Document, "//article")) == mediumListArticlesCount:
		return browserEscalationMedium
	case substackArchivePathRegex.MatchString(page.Curi.TrimmedPath) &&
		doc.Find(substackFooterSelector).Length() > 0:
		return browserEscalationSubstack
	case htmlquery.FindOne(page.Document, buttondownTwitterXPath) != nil:
		return browserEscalationButtondown
	default:
		return browserEscalationNone
	}
}

func findVisibleLoadMoreButton(page *rod.Page) (*rod.Element, error) {
	elements, err := page.Elements(loadMoreSelector)
	if err != nil {
		return nil, err
	}
	for _, element := range elements {
		visible, err := element.Visible()
		if err != nil {
			return nil, err
		}
		if visible {
			return element, nil
		}
	}
	return nil, nil
}

// crawlWithBrowserIfMatch swaps the page for its rendered version when the page needs js. A page is
// rendered at most once per crawl
func crawlWithBrowserIfMatch(
	page *htmlPage, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle], crawlCtx *CrawlContext,
	logger Logger,
) (*htmlPage, error) {
	if crawlCtx.MaybeBrowserClient == nil || page.Document == nil {
		return page, nil
	}
	if crawlCtx.PptrFetchedCuris.Contains(page.Curi) {
		return page, nil
	}

	escalation := detectBrowserEscalation(page)
	if escalation == browserEscalationNone {
		return page, nil
	}
	return crawlWithBrowser(page, escalation, feedEntryCurisTitlesMap, crawlCtx, logger)
}

func crawlWithBrowser(
	page *htmlPage, escalation browserEscalation, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle],
	crawlCtx *CrawlContext, logger Logger,
) (*htmlPage, error) {
	if escalation == browserEscalationNone {
		logger.Info("Rerunning with the browser: %s", page.FetchUri)
	} else {
		logger.Info("Spotted %s, rerunning with the browser", escalation)
	}
	var maybeFindLoadMoreButton BrowserFindLoadMoreButton
	if escalation == browserEscalationLoadMore {
		maybeFindLoadMoreButton = findVisibleLoadMoreButton
	}
	browserPage, err := crawlCtx.MaybeBrowserClient.Fetch(
		page.FetchUri, feedEntryCurisTitlesMap, crawlCtx, logger, maybeFindLoadMoreButton,
	)
	if err != nil {
		return nil, err
	}

	crawlCtx.PptrFetchedCuris.add(page.Curi)
	document, err := parseHtml(browserPage.Content, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Browser page saved")
	return &htmlPage{
		Curi:     page.Curi,
		FetchUri: page.FetchUri,
		Content:  browserPage.Content,
		Document: document,
	}, nil
}
