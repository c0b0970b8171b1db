package crawler

import (
	"fmt"
	"html"
	"io"
	neturl "net/url"
	"slices"
	"strings"
	"time"

	"blogarchive/oops"

	"github.com/antchfx/xmlquery"
	"golang.org/x/text/encoding/htmlindex"
)

type FeedGenerator string

const (
	FeedGeneratorOther    FeedGenerator = ""
	FeedGeneratorTumblr   FeedGenerator = "tumblr"
	FeedGeneratorBlogger  FeedGenerator = "blogger"
	FeedGeneratorMedium   FeedGenerator = "medium"
	FeedGeneratorSubstack FeedGenerator = "substack"
)

type ParsedFeed struct {
	Title      string
	RootLink   *Link
	EntryLinks FeedEntryLinks
	Generator  FeedGenerator
}

type feedEntry struct {
	Title string
	Date  time.Time
	Url   string
}

// rawFeed is the format-independent content of a feed, before canonicalization and sorting
type rawFeed struct {
	Title     string
	RootUrl   string
	Entries   []feedEntry
	Generator FeedGenerator
}

const atomNamespace = "http://www.w3.org/2005/Atom"

func IsFeed(body string) bool {
	if strings.TrimSpace(body) == "" {
		return false
	}
	doc, err := parseXml(body)
	if err != nil {
		return false
	}
	return findRssChannel(doc) != nil || findRdfChannel(doc) != nil || findAtomFeed(doc) != nil
}

func parseXml(body string) (*xmlquery.Node, error) {
	return xmlquery.ParseWithOptions(strings.NewReader(body), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{ //nolint:exhaustruct
			Strict: false,
			CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
				encoding, err := htmlindex.Get(label)
				if err != nil {
					return nil, fmt.Errorf("unknown xml charset %q: %w", label, err)
				}
				return encoding.NewDecoder().Reader(input), nil
			},
		},
	})
}

func findRssChannel(doc *xmlquery.Node) *xmlquery.Node {
	return xmlquery.FindOne(doc, "/rss/channel")
}

func findRdfChannel(doc *xmlquery.Node) *xmlquery.Node {
	rdf := xmlquery.FindOne(doc, "/rdf:RDF[@xmlns='http://purl.org/rss/1.0/'][@xmlns:rdf]")
	if rdf == nil {
		return nil
	}
	return xmlquery.FindOne(rdf, "/channel")
}

func findAtomFeed(doc *xmlquery.Node) *xmlquery.Node {
	feed := xmlquery.FindOne(doc, "/feed")
	if feed == nil || feed.NamespaceURI != atomNamespace {
		return nil
	}
	return feed
}

func ParseFeed(content string, fetchUri *neturl.URL, logger Logger) (*ParsedFeed, error) {
	doc, err := parseXml(content)
	if err != nil {
		return nil, oops.Wrap(err)
	}

	var raw *rawFeed
	if channel := findRssChannel(doc); channel != nil {
		logger.Info("RSS feed")
		raw, err = parseRssChannel(doc, channel, logger)
	} else if channel := findRdfChannel(doc); channel != nil {
		logger.Info("RDF feed")
		raw, err = parseRdfChannel(channel, logger)
	} else if feed := findAtomFeed(doc); feed != nil {
		logger.Info("Atom feed")
		raw, err = parseAtomFeed(doc, feed, logger)
	} else {
		return nil, oops.New("not a feed")
	}
	if err != nil {
		return nil, err
	}
	if raw.Generator != FeedGeneratorOther {
		logger.Info("Feed generator: %s", raw.Generator)
	}

	var title string
	if raw.Title == "" {
		logger.Info("Feed title is absent")
		title = fetchUri.Host
	} else {
		title = normalizeTitle(decodeHtmlTitle(raw.Title))
	}
	logger.Info("Feed title: %s", title)

	var rootLink *Link
	if raw.RootUrl != "" {
		if link, ok := ToCanonicalLink(raw.RootUrl, logger, fetchUri); ok {
			rootLink = &link
			logger.Info("Feed root url: %s", link.Url)
		} else {
			logger.Info("Malformed root url: %s", raw.RootUrl)
		}
	} else {
		logger.Info("Feed root url is absent")
	}

	entries, isOrderCertain := trySortReverseChronological(raw.Entries, logger)
	links := make([]maybeTitledLink, 0, len(entries))
	var dates []time.Time
	titledCount := 0
	for _, entry := range entries {
		link, ok := ToCanonicalLink(entry.Url, logger, fetchUri)
		if !ok {
			return nil, oops.Newf("couldn't parse entry link: %s", entry.Url)
		}
		titledLink := untitled(link)
		if titleValue := normalizeTitle(decodeHtmlTitle(entry.Title)); titleValue != "" {
			titledLink = titledLink.withTitle(NewLinkTitle(titleValue, LinkTitleSourceFeed))
			titledCount++
		}
		links = append(links, titledLink)
		if isOrderCertain {
			dates = append(dates, entry.Date)
		}
	}

	entryLinks := newFeedEntryLinks(links, dates)
	logger.Info(
		"Feed entries: %d (titled %d), order certain: %t",
		entryLinks.Length, titledCount, entryLinks.IsOrderCertain,
	)

	return &ParsedFeed{
		Title:      title,
		RootLink:   rootLink,
		EntryLinks: entryLinks,
		Generator:  raw.Generator,
	}, nil
}

func innerTextOf(parent *xmlquery.Node, expr string) string {
	node := xmlquery.FindOne(parent, expr)
	if node == nil {
		return ""
	}
	return strings.TrimSpace(node.InnerText())
}

func parseRssChannel(doc, channel *xmlquery.Node, logger Logger) (*rawFeed, error) {
	hasFeedburner := xmlquery.FindOne(doc, "//*[@xmlns:feedburner]") != nil
	result := rawFeed{
		Title:     innerTextOf(channel, "title"),
		RootUrl:   "",
		Entries:   nil,
		Generator: FeedGeneratorOther,
	}
	for _, node := range xmlquery.Find(channel, "link") {
		if node.NamespaceURI == "" {
			result.RootUrl = strings.TrimSpace(node.InnerText())
			break
		}
	}

	for _, item := range xmlquery.Find(channel, "item") {
		entry := feedEntry{
			Title: innerTextOf(item, "title"),
			Date:  time.Time{},
			Url:   "",
		}
		if dateNodes := xmlquery.Find(item, "pubDate"); len(dateNodes) == 1 {
			entry.Date = parseRssDate(dateNodes[0].InnerText(), logger)
		}

		var urlNode *xmlquery.Node
		if hasFeedburner {
			urlNode = xmlquery.FindOne(item, "feedburner:origLink")
		}
		if urlNode == nil {
			urlNode = xmlquery.FindOne(item, "link")
		}
		if urlNode == nil {
			urlNode = xmlquery.FindOne(item, "guid[@isPermaLink='true']")
		}
		if urlNode == nil {
			return nil, oops.New("couldn't extract item url from RSS")
		}
		entry.Url = strings.TrimSpace(urlNode.InnerText())
		result.Entries = append(result.Entries, entry)
	}

	generator := strings.ToLower(innerTextOf(channel, "generator"))
	switch {
	case strings.HasPrefix(generator, "tumblr"):
		result.Generator = FeedGeneratorTumblr
	case generator == "blogger":
		result.Generator = FeedGeneratorBlogger
	case generator == "medium":
		result.Generator = FeedGeneratorMedium
	case strings.HasPrefix(generator, "substack"):
		result.Generator = FeedGeneratorSubstack
	}
	return &result, nil
}

func parseRdfChannel(channel *xmlquery.Node, logger Logger) (*rawFeed, error) {
	result := rawFeed{
		Title:     innerTextOf(channel, "title"),
		RootUrl:   innerTextOf(channel, "link"),
		Entries:   nil,
		Generator: FeedGeneratorOther,
	}
	// RSS 1.0 items are siblings of the channel, some feeds nest them anyway
	items := xmlquery.Find(channel.Parent, "item")
	if len(items) == 0 {
		items = xmlquery.Find(channel, "item")
	}
	for _, item := range items {
		entry := feedEntry{
			Title: innerTextOf(item, "title"),
			Date:  time.Time{},
			Url:   innerTextOf(item, "link"),
		}
		if dateNodes := xmlquery.Find(item, "dc:date"); len(dateNodes) == 1 {
			entry.Date = parseIsoDate(dateNodes[0].InnerText(), logger)
		}
		if entry.Url == "" {
			return nil, oops.New("couldn't extract item url from RDF")
		}
		result.Entries = append(result.Entries, entry)
	}
	return &result, nil
}

func parseAtomFeed(doc, feed *xmlquery.Node, logger Logger) (*rawFeed, error) {
	hasFeedburner := xmlquery.FindOne(doc, "//*[@xmlns:feedburner]") != nil
	result := rawFeed{
		Title:     innerTextOf(feed, "title"),
		RootUrl:   "",
		Entries:   nil,
		Generator: FeedGeneratorOther,
	}
	if rootUrl, err := getAtomUrl(feed, false); err == nil {
		result.RootUrl = rootUrl
	} else {
		logger.Info("Couldn't extract root url: %v", err)
	}

	for _, entryNode := range xmlquery.Find(feed, "entry") {
		entry := feedEntry{
			Title: innerTextOf(entryNode, "title"),
			Date:  time.Time{},
			Url:   "",
		}
		dateNodes := xmlquery.Find(entryNode, "published")
		if len(dateNodes) == 0 {
			dateNodes = xmlquery.Find(entryNode, "updated")
		}
		if len(dateNodes) == 1 {
			entry.Date = parseIsoDate(dateNodes[0].InnerText(), logger)
		}

		url, err := getAtomUrl(entryNode, hasFeedburner)
		if err != nil {
			return nil, oops.Wrapf(err, "couldn't extract entry url from Atom")
		}
		entry.Url = url
		result.Entries = append(result.Entries, entry)
	}

	if strings.ToLower(innerTextOf(feed, "generator")) == "blogger" {
		result.Generator = FeedGeneratorBlogger
	}
	return &result, nil
}

func parseRssDate(text string, logger Logger) time.Time {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC1123, time.RFC1123Z} {
		if result, err := time.Parse(layout, text); err == nil {
			return result
		}
	}
	logger.Info("Invalid pubDate: %s", text)
	return time.Time{}
}

func parseIsoDate(text string, logger Logger) time.Time {
	text = strings.TrimSpace(text)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", time.DateOnly} {
		if result, err := time.Parse(layout, text); err == nil {
			return result
		}
	}
	logger.Info("Invalid date: %s", text)
	return time.Time{}
}

func getAtomUrl(parent *xmlquery.Node, hasFeedburner bool) (string, error) {
	if hasFeedburner {
		if origLink := xmlquery.FindOne(parent, "feedburner:origLink"); origLink != nil {
			return strings.TrimSpace(origLink.InnerText()), nil
		}
	}

	linkNodes := xmlquery.Find(parent, "link")
	candidates := slices.DeleteFunc(slices.Clone(linkNodes), func(node *xmlquery.Node) bool {
		return node.SelectAttr("rel") != "alternate"
	})
	if len(candidates) == 0 {
		candidates = slices.DeleteFunc(slices.Clone(linkNodes), func(node *xmlquery.Node) bool {
			return node.SelectAttr("rel") != ""
		})
	}
	switch len(candidates) {
	case 0:
		return "", oops.New("no candidate links")
	case 1:
	default:
		return "", oops.Newf("more than one candidate link: %d", len(candidates))
	}

	url := candidates[0].SelectAttr("href")
	if url == "" {
		return "", oops.New("no url in link")
	}
	return url, nil
}

var brReplacer = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n")

func decodeHtmlTitle(title string) string {
	return brReplacer.Replace(html.UnescapeString(title))
}

// trySortReverseChronological returns entries newest first, and whether that order can be trusted
func trySortReverseChronological(entries []feedEntry, logger Logger) ([]feedEntry, bool) {
	for _, entry := range entries {
		if entry.Date.IsZero() {
			logger.Info("Dates are missing")
			return entries, false
		}
	}
	if len(entries) < 2 {
		logger.Info("Feed has less than 2 entries")
		return entries, false
	}

	isAscending := true
	isDescending := true
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1].Date, entries[i].Date
		if prev.After(cur) {
			isAscending = false
		}
		if cur.After(prev) {
			isDescending = false
		}
	}

	switch {
	case isAscending && isDescending:
		logger.Info("All entry dates are equal")
		return entries, true
	case isDescending:
		logger.Info("Entry dates are descending")
		return entries, true
	case isAscending:
		logger.Info("Entry dates are ascending")
		reversed := slices.Clone(entries)
		slices.Reverse(reversed)
		return reversed, true
	default:
		logger.Info("Entry dates are unsorted")
		sorted := slices.Clone(entries)
		slices.SortStableFunc(sorted, func(a, b feedEntry) int {
			return b.Date.Compare(a.Date)
		})
		return sorted, true
	}
}
