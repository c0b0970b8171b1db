package crawler

import (
	"errors"
	"regexp"
	"strings"

	"blogarchive/oops"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
)

type DiscoveredSingleFeed struct {
	StartPage *DiscoveredStartPage
	Feed      DiscoveredFetchedFeed
}

type DiscoveredStartPage struct {
	Url      string
	FinalUrl string
	Content  string
}

type DiscoveredFetchedFeed struct {
	Title    string
	Url      string
	FinalUrl string
	Content  string
}

type DiscoveredMultipleFeeds struct {
	StartPage DiscoveredStartPage
	Feeds     []DiscoveredFeed
}

type DiscoveredFeed struct {
	Title string
	Url   string
}

// DiscoverFeedsResult is *DiscoveredSingleFeed or *DiscoveredMultipleFeeds
type DiscoverFeedsResult interface {
	discoverFeedsResultTag()
}

func (*DiscoveredSingleFeed) discoverFeedsResultTag()    {}
func (*DiscoveredMultipleFeeds) discoverFeedsResultTag() {}

var ErrNotAUrl = errors.New("not a url")
var ErrCouldNotReach = errors.New("could not reach")
var ErrNoFeeds = errors.New("no feeds")
var ErrBadFeed = errors.New("bad feed")

var commentsFeedRegex = regexp.MustCompile("/comments/(feed|default)/?$")
var atomUrlRegex = regexp.MustCompile("(.+)atom(.*)") // Last occurrence of "atom"
var rssUrlRegex = regexp.MustCompile("(.+)rss(.*)")   // Last occurrence of "rss"

var feedLinksXPath = xpath.MustCompile(
	"//*[self::a or self::area or self::link][@rel='alternate']" +
		"[@type='application/rss+xml' or @type='application/atom+xml']",
)

const atomUrlReplacement = "$1atom$2"
const rssUrlReplacement = "$1rss$2"

// DiscoverFeedsAtUrl takes a url that is either a feed or a page linking to feeds. A page with a single
// feed has that feed fetched right away
func DiscoverFeedsAtUrl(startUrl string, crawlCtx *CrawlContext, logger Logger) (DiscoverFeedsResult, error) {
	var fullStartUrl string
	if strings.HasPrefix(startUrl, "http://") || strings.HasPrefix(startUrl, "https://") {
		fullStartUrl = startUrl
	} else if strings.Contains(startUrl, ".") {
		fullStartUrl = "http://" + startUrl
	} else {
		return nil, ErrNotAUrl
	}

	startLink, ok := ToCanonicalLink(fullStartUrl, logger, nil)
	if !ok {
		logger.Info("Bad start url: %s", startUrl)
		if fullStartUrl == startUrl {
			return nil, ErrCouldNotReach
		}
		return nil, ErrNotAUrl
	}

	if strings.HasSuffix(startLink.Uri.Host, "substack.com") &&
		(startLink.Uri.Path == "" || startLink.Uri.Path == "/") {
		logger.Info("Substack link detected, going to feed right away: %s", fullStartUrl)
		feedUrl := strings.TrimRight(fullStartUrl, "/") + "/feed"
		startLink, _ = ToCanonicalLink(feedUrl, logger, nil)
	}

	startResult, err := crawlRequest(startLink, true, crawlCtx, logger)
	if errors.Is(err, ErrCrawlCanceled) {
		return nil, err
	}
	if err != nil {
		logger.Info("Error while getting start link: %v", err)
		return nil, ErrCouldNotReach
	}

	switch r := startResult.(type) {
	case *feedPage:
		parsedFeed, err := ParseFeed(r.Content, r.FetchUri, logger)
		if err != nil {
			logger.Info("Parse feed error: %v", err)
			return nil, ErrBadFeed
		}
		return &DiscoveredSingleFeed{
			StartPage: nil,
			Feed: DiscoveredFetchedFeed{
				Title:    parsedFeed.Title,
				Url:      startLink.Url,
				FinalUrl: r.FetchUri.String(),
				Content:  r.Content,
			},
		}, nil
	case *htmlPage:
		startPage := DiscoveredStartPage{
			Url:      startLink.Url,
			FinalUrl: r.FetchUri.String(),
			Content:  r.Content,
		}
		feeds := extractFeedLinks(r, logger)
		switch len(feeds) {
		case 0:
			return nil, ErrNoFeeds
		case 1:
			fetchedFeed, err := FetchFeedAtUrl(feeds[0].Url, crawlCtx, logger)
			if err != nil {
				return nil, err
			}
			return &DiscoveredSingleFeed{
				StartPage: &startPage,
				Feed:      *fetchedFeed,
			}, nil
		default:
			return &DiscoveredMultipleFeeds{
				StartPage: startPage,
				Feeds:     feeds,
			}, nil
		}
	case *otherPage:
		logger.Info("Start link is neither a page nor a feed: %s", r.ContentType)
		return nil, ErrNoFeeds
	default:
		logger.Info("Unexpected start link result: %v", startResult)
		return nil, ErrCouldNotReach
	}
}

// extractFeedLinks collects alternate feed links, dropping comment feeds and the atom twin of an rss
// feed
func extractFeedLinks(page *htmlPage, logger Logger) []DiscoveredFeed {
	linkNodes := htmlquery.QuerySelectorAll(page.Document, feedLinksXPath)
	var feeds []DiscoveredFeed
	for _, linkNode := range linkNodes {
		var title string
		switch linkNode.Data {
		case "a":
			title = innerText(linkNode)
		case "area":
			title = findAttr(linkNode, "alt")
		case "link":
			title = findAttr(linkNode, "title")
		}

		canonicalLink, ok := ToCanonicalLink(findAttr(linkNode, "href"), logger, page.FetchUri)
		if !ok {
			continue
		}
		if strings.HasSuffix(canonicalLink.Url, "?alt=rss") {
			continue
		}
		if commentsFeedRegex.MatchString(canonicalLink.Uri.Path) {
			continue
		}

		feeds = append(feeds, DiscoveredFeed{
			Title: title,
			Url:   canonicalLink.Url,
		})
	}

	var dedupFeeds []DiscoveredFeed
	seenTitles := make(map[string]bool)
	seenUrls := make(map[string]bool)
	for _, feed := range feeds {
		lowercaseUrl := strings.ToLower(feed.Url)
		if seenUrls[lowercaseUrl] {
			continue
		}
		if strings.Contains(lowercaseUrl, "atom") &&
			seenUrls[atomUrlRegex.ReplaceAllString(lowercaseUrl, rssUrlReplacement)] {
			continue
		}
		if strings.Contains(lowercaseUrl, "rss") &&
			seenUrls[rssUrlRegex.ReplaceAllString(lowercaseUrl, atomUrlReplacement)] {
			continue
		}

		lowercaseTitle := strings.ToLower(feed.Title)
		if lowercaseTitle == "atom" && seenTitles["rss"] {
			continue
		}
		if lowercaseTitle == "rss" && seenTitles["atom"] {
			continue
		}

		dedupFeeds = append(dedupFeeds, feed)
		seenTitles[lowercaseTitle] = true
		seenUrls[lowercaseUrl] = true
	}

	for i := range dedupFeeds {
		lowercaseTitle := strings.ToLower(dedupFeeds[i].Title)
		if dedupFeeds[i].Title == "" || lowercaseTitle == "rss" || lowercaseTitle == "atom" {
			dedupFeeds[i].Title = findTitle(page.Document)
		}
		if dedupFeeds[i].Title == "" {
			dedupFeeds[i].Title = page.FetchUri.Host
		}
	}
	return dedupFeeds
}

func FetchFeedAtUrl(feedUrl string, crawlCtx *CrawlContext, logger Logger) (*DiscoveredFetchedFeed, error) {
	feedLink, ok := ToCanonicalLink(feedUrl, logger, nil)
	if !ok {
		logger.Info("Bad feed url: %s", feedUrl)
		return nil, ErrBadFeed
	}

	result, err := crawlRequest(feedLink, true, crawlCtx, logger)
	if errors.Is(err, ErrCrawlCanceled) {
		return nil, err
	}
	if err != nil {
		logger.Info("Error while getting feed: %v", err)
		return nil, ErrCouldNotReach
	}
	page, ok := result.(*feedPage)
	if !ok {
		logger.Info("Page is not a feed: %v", result)
		return nil, ErrBadFeed
	}

	parsedFeed, err := ParseFeed(page.Content, page.FetchUri, logger)
	if err != nil {
		logger.Info("Parse feed error: %v", err)
		return nil, ErrBadFeed
	}
	return &DiscoveredFetchedFeed{
		Title:    parsedFeed.Title,
		Url:      feedLink.Url,
		FinalUrl: page.FetchUri.String(),
		Content:  page.Content,
	}, nil
}

func FetchStartPage(startUrl string, crawlCtx *CrawlContext, logger Logger) (*DiscoveredStartPage, error) {
	startLink, ok := ToCanonicalLink(startUrl, logger, nil)
	if !ok {
		return nil, ErrNotAUrl
	}

	page, err := crawlHtmlPage(startLink, crawlCtx, logger)
	if errors.Is(err, ErrCrawlCanceled) {
		return nil, err
	}
	if err != nil {
		return nil, oops.Wrapf(ErrCouldNotReach, "start page %s: %v", startUrl, err)
	}
	return &DiscoveredStartPage{
		Url:      startLink.Url,
		FinalUrl: page.FetchUri.String(),
		Content:  page.Content,
	}, nil
}
