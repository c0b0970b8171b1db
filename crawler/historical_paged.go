package crawler

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	om "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/net/html"
)

// maskedXPathSegment is one step of a masked xpath, optionally constrained by the element classes
type maskedXPathSegment struct {
	Tag          string
	MaybeClasses *string
	Index        int
}

func (s maskedXPathSegment) String() string {
	var sb strings.Builder
	sb.WriteString("/")
	sb.WriteString(s.Tag)
	if s.MaybeClasses != nil {
		fmt.Fprintf(&sb, "(%s)", *s.MaybeClasses)
	}
	if s.Index == starIndex {
		sb.WriteString("[*]")
	} else {
		fmt.Fprintf(&sb, "[%d]", s.Index)
	}
	return sb.String()
}

func (s maskedXPathSegment) matchesElement(element *html.Node, tag string) bool {
	return tag == s.Tag && (s.MaybeClasses == nil || *s.MaybeClasses == getClassesStr(element))
}

var maskedXPathSegmentRegex = regexp.MustCompile(`^(text\(\)|[^()\[\]]+)(\(([^)]*)\))?\[(\d+|\*)\]$`)

func parseMaskedXPath(maskedXPath string) ([]maskedXPathSegment, error) {
	tokens := strings.Split(maskedXPath, "/")[1:]
	segments := make([]maskedXPathSegment, 0, len(tokens))
	for _, token := range tokens {
		match := maskedXPathSegmentRegex.FindStringSubmatch(token)
		if match == nil {
			return nil, fmt.Errorf("malformed xpath segment %q in %q", token, maskedXPath)
		}
		segment := maskedXPathSegment{Tag: match[1], MaybeClasses: nil, Index: starIndex}
		if match[2] != "" {
			classes := match[3]
			segment.MaybeClasses = &classes
		}
		if match[4] != "*" {
			segment.Index, _ = strconv.Atoi(match[4])
		}
		segments = append(segments, segment)
	}
	return segments, nil
}

func formatMaskedXPath(segments []maskedXPathSegment) string {
	var sb strings.Builder
	for _, segment := range segments {
		sb.WriteString(segment.String())
	}
	return sb.String()
}

// collectMaskedXPathLinks finds the links under element that the segments lead to, in document order
func collectMaskedXPathLinks(
	element *html.Node, segments []maskedXPathSegment, page *htmlPage, logger Logger,
) []elementLink {
	var links []elementLink
	var traverse func(element *html.Node, segments []maskedXPathSegment)
	traverse = func(element *html.Node, segments []maskedXPathSegment) {
		segment := segments[0]
		tagCount := 0
		for child := element.FirstChild; child != nil; child = child.NextSibling {
			tag, ok := getXPathTag(child)
			if !ok || tag != segment.Tag {
				continue
			}
			tagCount++
			if segment.Index != starIndex && segment.Index != tagCount {
				continue
			}
			if !segment.matchesElement(child, tag) {
				continue
			}
			if len(segments) > 1 {
				traverse(child, segments[1:])
			} else if link, ok := linkFromElement(child, page.FetchUri, logger); ok {
				links = append(links, newElementLink(link))
			}
		}
	}
	if len(segments) > 0 {
		traverse(element, segments)
	}
	return links
}

type linkToPage2 struct {
	Link          Link
	IsCertain     bool
	PagingPattern pagingPattern
}

var linkToPage2PathRegex = regexp.MustCompile(`/(?:index-?2|page/?2)[^/\d]*$`)
var probableLinkToPage2PathRegex = regexp.MustCompile(`/2$`)

func isBloggerSearchLink(link *xpathLink) bool {
	return link.Curi.TrimmedPath == "/search" && len(link.Uri.Query()["updated-max"]) == 1
}

// findLinkToPage2 detects how the page links to the second page of the blog. Several distinct
// candidates mean the page is ambiguous
func findLinkToPage2(
	page1Links []*xpathLink, page1 *htmlPage, feedGenerator FeedGenerator,
	curiEqCfg *CanonicalEqualityConfig, logger Logger,
) (*linkToPage2, bool) {
	filterLinks := func(predicate func(link *xpathLink) bool) []*xpathLink {
		var result []*xpathLink
		for _, link := range page1Links {
			if predicate(link) {
				result = append(result, link)
			}
		}
		return result
	}
	pickSingle := func(candidates []*xpathLink) (*xpathLink, bool) {
		candidateCuris := ToCanonicalUris(candidates)
		if NewCanonicalUriSet(candidateCuris, curiEqCfg).Length > 1 {
			logger.Info("Page %s has multiple page 2 links: %v", page1.Curi, candidateCuris)
			return nil, false
		}
		return candidates[0], true
	}

	if feedGenerator == FeedGeneratorBlogger {
		if candidates := filterLinks(isBloggerSearchLink); len(candidates) > 0 {
			link, ok := pickSingle(candidates)
			if !ok {
				return nil, false
			}
			return &linkToPage2{
				Link:          link.Link,
				IsCertain:     true,
				PagingPattern: &pagingPatternBlogger{},
			}, true
		}
	}

	newPathTemplate := func(link *xpathLink, isCertain bool) *linkToPage2 {
		trimmedPath := link.Curi.TrimmedPath
		pageNumberIndex := strings.LastIndex(trimmedPath, "2")
		return &linkToPage2{
			Link:      link.Link,
			IsCertain: isCertain,
			PagingPattern: &pagingPatternPathTemplate{
				Host:       link.Curi.Host,
				PathPrefix: trimmedPath[:pageNumberIndex],
				PathSuffix: trimmedPath[pageNumberIndex+1:],
				IsCertain:  isCertain,
			},
		}
	}

	sameHost := func(link *xpathLink) bool {
		return link.Curi.Host == page1.Curi.Host
	}

	if candidates := filterLinks(func(link *xpathLink) bool {
		return sameHost(link) && linkToPage2PathRegex.MatchString(link.Curi.TrimmedPath)
	}); len(candidates) > 0 {
		link, ok := pickSingle(candidates)
		if !ok {
			return nil, false
		}
		return newPathTemplate(link, true), true
	}

	if candidates := filterLinks(func(link *xpathLink) bool {
		pageValues := link.Uri.Query()["page"]
		return sameHost(link) && len(pageValues) == 1 && pageValues[0] == "2"
	}); len(candidates) > 0 {
		link, ok := pickSingle(candidates)
		if !ok {
			return nil, false
		}
		return &linkToPage2{
			Link:      link.Link,
			IsCertain: true,
			PagingPattern: &pagingPatternQueryTemplate{
				Host:        link.Curi.Host,
				TrimmedPath: link.Curi.TrimmedPath,
				IsCertain:   true,
			},
		}, true
	}

	if candidates := filterLinks(func(link *xpathLink) bool {
		return sameHost(link) && probableLinkToPage2PathRegex.MatchString(link.Curi.TrimmedPath)
	}); len(candidates) > 0 {
		logger.Info(
			"Did not find certain links from %s to page 2 but found some probable ones: %v",
			page1.Curi, ToCanonicalUris(candidates),
		)
		link, ok := pickSingle(candidates)
		if !ok {
			return nil, false
		}
		return newPathTemplate(link, false), true
	}

	return nil, false
}

// pagingPattern recognizes the link from a page of the blog to the page with the given number
type pagingPattern interface {
	String() string
	FindLinksToNextPage(currentPage *htmlPage, currentPageLinks []*xpathLink, nextPageNumber int) []Link
}

// pagingPatternBlogger follows /search?updated-max= links that go back in time
type pagingPatternBlogger struct{}

func (*pagingPatternBlogger) String() string {
	return "blogger"
}

func (*pagingPatternBlogger) FindLinksToNextPage(
	currentPage *htmlPage, currentPageLinks []*xpathLink, _ int,
) []Link {
	prevUpdatedMaxValues := currentPage.FetchUri.Query()["updated-max"]
	if currentPage.Curi.TrimmedPath != "/search" || len(prevUpdatedMaxValues) != 1 {
		return nil
	}

	var matchingLinks []Link
	for _, link := range currentPageLinks {
		if strings.HasPrefix(link.XPath, "/html[1]/head[1]") || !isBloggerSearchLink(link) {
			continue
		}
		if link.Uri.Query().Get("updated-max") < prevUpdatedMaxValues[0] {
			matchingLinks = append(matchingLinks, link.Link)
		}
	}
	return matchingLinks
}

// pagingPatternPathTemplate is a path with the page number in it, like /page/2/
type pagingPatternPathTemplate struct {
	Host       string
	PathPrefix string
	PathSuffix string
	IsCertain  bool
}

func (p *pagingPatternPathTemplate) String() string {
	return fmt.Sprintf(
		"{host: %q, path_prefix: %q, path_suffix: %q, is_certain: %t}",
		p.Host, p.PathPrefix, p.PathSuffix, p.IsCertain,
	)
}

func (p *pagingPatternPathTemplate) FindLinksToNextPage(
	_ *htmlPage, currentPageLinks []*xpathLink, nextPageNumber int,
) []Link {
	expectedPath := p.PathPrefix + strconv.Itoa(nextPageNumber) + p.PathSuffix
	var matchingLinks []Link
	for _, link := range currentPageLinks {
		if link.Curi.Host == p.Host && link.Curi.TrimmedPath == expectedPath {
			matchingLinks = append(matchingLinks, link.Link)
		}
	}
	return matchingLinks
}

// pagingPatternQueryTemplate is a fixed path with ?page=N
type pagingPatternQueryTemplate struct {
	Host        string
	TrimmedPath string
	IsCertain   bool
}

func (p *pagingPatternQueryTemplate) String() string {
	return fmt.Sprintf("{host: %q, trimmed_path: %q, is_certain: %t}", p.Host, p.TrimmedPath, p.IsCertain)
}

func (p *pagingPatternQueryTemplate) FindLinksToNextPage(
	_ *htmlPage, currentPageLinks []*xpathLink, nextPageNumber int,
) []Link {
	expectedValue := strconv.Itoa(nextPageNumber)
	var matchingLinks []Link
	for _, link := range currentPageLinks {
		if link.Curi.Host != p.Host || link.Curi.TrimmedPath != p.TrimmedPath {
			continue
		}
		if pageValues := link.Uri.Query()["page"]; len(pageValues) == 1 && pageValues[0] == expectedValue {
			matchingLinks = append(matchingLinks, link.Link)
		}
	}
	return matchingLinks
}

type page2State struct {
	IsCertain        bool
	PagingPattern    pagingPattern
	Page1            *htmlPage
	Page1Links       []*xpathLink
	Page1Extractions []page1Extraction
}

type page1Extraction struct {
	MaskedXPath         string
	Links               []maybeTitledLink
	LogLines            []string
	PageSize            int
	MaybeExtraFirstLink *maybeTitledLink
}

type nextPageState struct {
	PagingPattern      pagingPattern
	PageNumber         int
	KnownEntryCurisSet CanonicalUriSet
	MaskedXPath        string
	XPathExtra         []string
	PageSizes          []int
	Page1              *htmlPage
	Page1Links         []*xpathLink
}

var bloggerPostsByDateRegex = regexp.MustCompile(`(\(date-outer\)\[)\d+(.+\(post-outer\)\[)\d+`)

type page1Candidate struct {
	MaskedXPath string
	Links       []elementLink
	LogLines    []string
}

// getBloggerPage1Candidates groups the links of a Blogger page by the date-grouped post template,
// ignoring which date and which post they are in
func getBloggerPage1Candidates(
	page1 *htmlPage, page1Links []*xpathLink, guidedCtx *guidedCrawlContext,
) []page1Candidate {
	candidatesByMaskedXPath := om.New[string, *page1Candidate]()
	var groupedLinks []*xpathLink
	for _, link := range page1Links {
		if link.Uri.Host == page1.FetchUri.Host && bloggerPostsByDateRegex.MatchString(link.ClassXPath) {
			groupedLinks = append(groupedLinks, link)
		}
	}
	for _, link := range groupedLinks {
		if !guidedCtx.FeedEntryCurisTitlesMap.Contains(link.Curi) {
			continue
		}
		maskedXPath := bloggerPostsByDateRegex.ReplaceAllString(link.ClassXPath, "$1*$2*")
		if _, ok := candidatesByMaskedXPath.Get(maskedXPath); !ok {
			candidatesByMaskedXPath.Set(maskedXPath, &page1Candidate{MaskedXPath: maskedXPath})
		}
	}
	for _, link := range groupedLinks {
		maskedXPath := bloggerPostsByDateRegex.ReplaceAllString(link.ClassXPath, "$1*$2*")
		if candidate, ok := candidatesByMaskedXPath.Get(maskedXPath); ok {
			candidate.Links = append(candidate.Links, newElementLink(link))
		}
	}

	candidates := make([]page1Candidate, 0, candidatesByMaskedXPath.Len())
	for pair := candidatesByMaskedXPath.Oldest(); pair != nil; pair = pair.Next() {
		candidates = append(candidates, *pair.Value)
	}
	return candidates
}

// tryExtractPage1 checks if the page is the first page of a paged blog: it links to page 2 and has a
// list of links that is a prefix of the feed
func tryExtractPage1(
	page1Link Link, page1 *htmlPage, page1Links []*xpathLink, page1CurisSet *CanonicalUriSet,
	extractionsByStarCount []starCountExtractions, guidedCtx *guidedCrawlContext, logger Logger,
) (*page1Result, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg

	toPage2, ok := findLinkToPage2(page1Links, page1, guidedCtx.FeedGenerator, curiEqCfg, logger)
	if !ok {
		return nil, false
	}
	logger.Info(
		"Possible page 1: %s (paging pattern: %s, %d overlaps)",
		page1.Curi, toPage2.PagingPattern, feedEntryLinks.includedPrefixLength(page1CurisSet),
	)

	var candidates []page1Candidate
	if _, ok := toPage2.PagingPattern.(*pagingPatternBlogger); ok {
		candidates = getBloggerPage1Candidates(page1, page1Links, guidedCtx)
	}
	if len(candidates) == 0 {
		for _, extraction := range extractionsByStarCount[0].Extractions {
			candidates = append(candidates, page1Candidate{
				MaskedXPath: extraction.MaskedXPath,
				Links:       extraction.UnfilteredLinks,
				LogLines:    extraction.LogLines,
			})
		}
	}

	var page1Extractions []page1Extraction
	for _, candidate := range candidates {
		curis := ToCanonicalUris(candidate.Links)
		if slices.ContainsFunc(curis, func(curi CanonicalUri) bool {
			return CanonicalUriEqual(curi, toPage2.Link.Curi, curiEqCfg)
		}) {
			continue
		}

		var maybeExtraFirstLink *maybeTitledLink
		if _, ok := feedEntryLinks.sequenceMatch(curis, curiEqCfg); !ok {
			extraFirstLink, ok := feedEntryLinks.sequenceMatchExceptFirst(curis, curiEqCfg)
			if !ok {
				continue
			}
			maybeExtraFirstLink = extraFirstLink
		}

		if NewCanonicalUriSet(curis, curiEqCfg).Length != len(curis) {
			logger.Info("Masked xpath %s has duplicates: %v", candidate.MaskedXPath, curis)
			continue
		}

		pageSize := len(candidate.Links)
		if maybeExtraFirstLink != nil {
			pageSize++
		}
		page1Extractions = append(page1Extractions, page1Extraction{
			MaskedXPath:         candidate.MaskedXPath,
			Links:               toMaybeTitledLinks(candidate.Links),
			LogLines:            candidate.LogLines,
			PageSize:            pageSize,
			MaybeExtraFirstLink: maybeExtraFirstLink,
		})
	}

	if len(page1Extractions) == 0 {
		logger.Info("No good overlap with feed prefix")
		return nil, false
	}

	slices.SortStableFunc(page1Extractions, func(a, b page1Extraction) int {
		return b.PageSize - a.PageSize
	})
	maxPage1Size := page1Extractions[0].PageSize
	logger.Info("Max prefix: %d", maxPage1Size)

	return &page1Result{
		MainLnk:      page1Link,
		LinkToPage2:  toPage2.Link,
		MaxPage1Size: maxPage1Size,
		State: page2State{
			IsCertain:        toPage2.IsCertain,
			PagingPattern:    toPage2.PagingPattern,
			Page1:            page1,
			Page1Links:       page1Links,
			Page1Extractions: page1Extractions,
		},
	}, true
}

type page2Match struct {
	Page1EntryLinks []maybeTitledLink
	Page2EntryLinks []maybeTitledLink
	MaskedXPath     string
	XPathExtra      []string
	PageSizes       []int
}

// tryExtractPage2 applies the page 1 xpaths to page 2. The result is full when page 2 is the last one
// and partial otherwise
func tryExtractPage2(
	page2 *htmlPage, mainLink Link, state *page2State, guidedCtx *guidedCrawlContext, logger Logger,
) (historicalResult, bool) {
	pagingPattern := state.PagingPattern
	curiEqCfg := guidedCtx.CuriEqCfg
	logger.Info("Possible page 2: %s", page2.Curi)

	allowedHosts := map[string]bool{page2.FetchUri.Host: true}
	page2Links := extractLinks(
		page2.Document, page2.FetchUri, allowedHosts, map[string]Link{}, logger, xpathModePositional,
	)
	linksToPage3 := pagingPattern.FindLinksToNextPage(page2, page2Links, 3)
	curisToPage3Set := NewCanonicalUriSet(ToCanonicalUris(linksToPage3), curiEqCfg)
	if curisToPage3Set.Length > 1 {
		logger.Info("Multiple links to page 3: %v", ToCanonicalUris(linksToPage3))
		return nil, false
	}

	neighborPageLinks := []Link{mainLink}
	if curisToPage3Set.Length == 1 {
		neighborPageLinks = append(neighborPageLinks, linksToPage3[0])
	}

	match, ok := matchPage2SameXPath(page2, state, neighborPageLinks, guidedCtx, logger)
	if !ok {
		if _, isBlogger := pagingPattern.(*pagingPatternBlogger); state.IsCertain && !isBlogger {
			match, ok = matchPage2DecoratedPage1(page2, state, guidedCtx, logger)
		}
	}
	if !ok {
		logger.Info("Couldn't find an xpath matching page 1 and page 2")
		return nil, false
	}

	entryLinks := append(slices.Clone(match.Page1EntryLinks), match.Page2EntryLinks...)
	if len(linksToPage3) == 0 {
		logger.Info("Best count: %d with 2 pages of %v", len(entryLinks), match.PageSizes)
		extra := []string{
			"page_count: 2",
			fmt.Sprintf("page_sizes: %s", countPageSizesStr(match.PageSizes)),
		}
		extra = append(extra, match.XPathExtra...)
		extra = append(extra,
			fmt.Sprintf("last_page: %s", page2.Curi),
			fmt.Sprintf("paging_pattern: %s", pagingPattern),
		)
		return &fullPagedResult{
			MainLnk: mainLink,
			Pattern: "paged_last",
			Links:   entryLinks,
			Extra:   extra,
		}, true
	}

	return &partialPagedResult{
		MainLnk:        mainLink,
		LinkToNextPage: linksToPage3[0],
		NextPageNumber: 3,
		Links:          entryLinks,
		State: nextPageState{
			PagingPattern:      pagingPattern,
			PageNumber:         3,
			KnownEntryCurisSet: NewCanonicalUriSet(ToCanonicalUris(entryLinks), curiEqCfg),
			MaskedXPath:        match.MaskedXPath,
			XPathExtra:         match.XPathExtra,
			PageSizes:          match.PageSizes,
			Page1:              state.Page1,
			Page1Links:         state.Page1Links,
		},
	}, true
}

// matchPage2SameXPath looks for a page 1 xpath that continues the feed on page 2
func matchPage2SameXPath(
	page2 *htmlPage, state *page2State, neighborPageLinks []Link, guidedCtx *guidedCrawlContext,
	logger Logger,
) (*page2Match, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg

	var best *page2Match
	for _, page1Extraction := range state.Page1Extractions {
		segments, err := parseMaskedXPath(page1Extraction.MaskedXPath)
		if err != nil {
			logger.Warn("Skipping page 1 xpath: %v", err)
			continue
		}
		page2XPathLinks := collectMaskedXPathLinks(page2.Document, segments, page2, logger)
		if len(page2XPathLinks) == 0 {
			continue
		}

		page2XPathCuris := ToCanonicalUris(page2XPathLinks)
		page2XPathCurisSet := NewCanonicalUriSet(page2XPathCuris, curiEqCfg)
		if slices.ContainsFunc(neighborPageLinks, func(link Link) bool {
			return page2XPathCurisSet.Contains(link.Curi)
		}) {
			continue
		}
		if slices.ContainsFunc(page1Extraction.Links, func(link maybeTitledLink) bool {
			return page2XPathCurisSet.Contains(link.Curi)
		}) {
			continue
		}
		if _, ok := feedEntryLinks.subsequenceMatch(
			page2XPathCuris, page1Extraction.PageSize, curiEqCfg,
		); !ok {
			continue
		}

		logLines := slices.Clone(page1Extraction.LogLines)
		page1EntryLinks := page1Extraction.Links
		if page1Extraction.MaybeExtraFirstLink != nil {
			appendLogLinef(&logLines, "the newest post is decorated")
			page1EntryLinks = append(
				[]maybeTitledLink{*page1Extraction.MaybeExtraFirstLink}, page1Extraction.Links...,
			)
		}
		if best != nil &&
			len(page1EntryLinks)+len(page2XPathLinks) <= len(best.Page1EntryLinks)+len(best.Page2EntryLinks) {
			continue
		}

		appendLogLinef(&logLines, "%d page 2 links", len(page2XPathLinks))
		logStr := joinLogLines(logLines)
		best = &page2Match{
			Page1EntryLinks: page1EntryLinks,
			Page2EntryLinks: toMaybeTitledLinks(page2XPathLinks),
			MaskedXPath:     page1Extraction.MaskedXPath,
			XPathExtra:      []string{fmt.Sprintf("xpath: %s%s", page1Extraction.MaskedXPath, logStr)},
			PageSizes:       []int{page1Extraction.PageSize, len(page2XPathLinks)},
		}
		logger.Info("Xpath from page 1 looks good for page 2: %s%s", page1Extraction.MaskedXPath, logStr)
	}
	return best, best != nil
}

// matchPage2DecoratedPage1 handles the first page wrapping its list in extra markup. The inner
// structure from the first star down has to be under a single parent on page 2
func matchPage2DecoratedPage1(
	page2 *htmlPage, state *page2State, guidedCtx *guidedCrawlContext, logger Logger,
) (*page2Match, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg

	for _, page1Extraction := range state.Page1Extractions {
		segments, err := parseMaskedXPath(page1Extraction.MaskedXPath)
		if err != nil {
			logger.Warn("Skipping page 1 xpath: %v", err)
			continue
		}
		starSegmentIndex := slices.IndexFunc(segments, func(segment maskedXPathSegment) bool {
			return segment.Index == starIndex
		})
		if starSegmentIndex == -1 {
			continue
		}
		suffixSegments := segments[starSegmentIndex:]
		suffixFirst := suffixSegments[0]

		linksByParentXPath := om.New[string, []elementLink]()
		var traverse func(element *html.Node, xpath string)
		traverse = func(element *html.Node, xpath string) {
			tagCounts := make(map[string]int)
			for child := element.FirstChild; child != nil; child = child.NextSibling {
				tag, ok := getXPathTag(child)
				if !ok {
					continue
				}
				tagCounts[tag]++

				if suffixFirst.matchesElement(child, tag) {
					var childLinks []elementLink
					if len(suffixSegments) == 1 {
						if link, ok := linkFromElement(child, page2.FetchUri, logger); ok {
							childLinks = []elementLink{newElementLink(link)}
						}
					} else {
						childLinks = collectMaskedXPathLinks(child, suffixSegments[1:], page2, logger)
					}
					existing, _ := linksByParentXPath.Get(xpath)
					linksByParentXPath.Set(xpath, append(existing, childLinks...))
				}

				traverse(child, fmt.Sprintf("%s/%s[%d]", xpath, tag, tagCounts[tag]))
			}
		}
		traverse(page2.Document, "")

		if linksByParentXPath.Len() != 1 {
			continue
		}
		pair := linksByParentXPath.Oldest()
		page2XPathLinks := pair.Value
		if len(page2XPathLinks) == 0 {
			continue
		}
		page2MaskedXPath := pair.Key + formatMaskedXPath(suffixSegments)

		page1CurisSet := NewCanonicalUriSet(ToCanonicalUris(page1Extraction.Links), curiEqCfg)
		if slices.ContainsFunc(page2XPathLinks, func(link elementLink) bool {
			return page1CurisSet.Contains(link.Curi)
		}) {
			continue
		}
		if _, ok := feedEntryLinks.subsequenceMatch(
			ToCanonicalUris(page2XPathLinks), page1Extraction.PageSize, curiEqCfg,
		); !ok {
			continue
		}

		page1LogStr := joinLogLines(page1Extraction.LogLines)
		page2LogLines := []string{"first page is decorated"}
		appendLogLinef(&page2LogLines, "%d links", len(page2XPathLinks))
		page2LogStr := joinLogLines(page2LogLines)
		logger.Info("Xpath looks good for page 1: %s%s", page1Extraction.MaskedXPath, page1LogStr)
		logger.Info("Xpath looks good for page 2: %s%s", page2MaskedXPath, page2LogStr)
		return &page2Match{
			Page1EntryLinks: page1Extraction.Links,
			Page2EntryLinks: toMaybeTitledLinks(page2XPathLinks),
			MaskedXPath:     page2MaskedXPath,
			XPathExtra: []string{
				fmt.Sprintf("page1_xpath: %s%s", page1Extraction.MaskedXPath, page1LogStr),
				fmt.Sprintf("page2_xpath: %s%s", page2MaskedXPath, page2LogStr),
			},
			PageSizes: []int{page1Extraction.PageSize, len(page2XPathLinks)},
		}, true
	}
	return nil, false
}

// tryExtractNextPage applies the established xpath to page 3 and beyond. A page that repeats a known
// link or breaks the feed order ends the paged match
func tryExtractNextPage(
	page *htmlPage, pagedResult *partialPagedResult, guidedCtx *guidedCrawlContext, logger Logger,
) (historicalResult, bool) {
	entryLinks := pagedResult.Links
	state := pagedResult.State
	pageNumber := state.PageNumber
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg
	logger.Info("Possible page %d: %s", pageNumber, page.Curi)

	segments, err := parseMaskedXPath(state.MaskedXPath)
	if err != nil {
		logger.Warn("Bad paged xpath: %v", err)
		return nil, false
	}
	pageXPathLinks := collectMaskedXPathLinks(page.Document, segments, page, logger)
	if len(pageXPathLinks) == 0 {
		logger.Info("Xpath doesn't work for page %d: %s", pageNumber, state.MaskedXPath)
		return nil, false
	}

	var pageKnownCuris []CanonicalUri
	for _, link := range pageXPathLinks {
		if state.KnownEntryCurisSet.Contains(link.Curi) {
			pageKnownCuris = append(pageKnownCuris, link.Curi)
		}
	}
	if len(pageKnownCuris) > 0 {
		logger.Info("Page %d has known links: %v", pageNumber, pageKnownCuris)
		return nil, false
	}

	pageEntryCuris := ToCanonicalUris(pageXPathLinks)
	if _, ok := feedEntryLinks.subsequenceMatch(pageEntryCuris, len(entryLinks), curiEqCfg); !ok {
		logger.Info("Page %d doesn't overlap with feed", pageNumber)
		logger.Info("Page urls: %v", pageEntryCuris)
		logger.Info("Feed urls (offset %d): %s", len(entryLinks), feedEntryLinks)
		return nil, false
	}

	allowedHosts := map[string]bool{page.FetchUri.Host: true}
	pageLinks := extractLinks(
		page.Document, page.FetchUri, allowedHosts, map[string]Link{}, logger, xpathModePositional,
	)
	nextPageNumber := pageNumber + 1
	linksToNextPage := state.PagingPattern.FindLinksToNextPage(page, pageLinks, nextPageNumber)
	curisToNextPageSet := NewCanonicalUriSet(ToCanonicalUris(linksToNextPage), curiEqCfg)
	if curisToNextPageSet.Length > 1 {
		logger.Info(
			"Found multiple links to the next page, can't decide: %v", ToCanonicalUris(linksToNextPage),
		)
		return nil, false
	}

	nextEntryLinks := append(slices.Clone(entryLinks), toMaybeTitledLinks(pageXPathLinks)...)
	pageSizes := append(slices.Clone(state.PageSizes), len(pageXPathLinks))

	if curisToNextPageSet.Length == 1 {
		nextKnownEntryCurisSet := state.KnownEntryCurisSet.clone()
		nextKnownEntryCurisSet.addMany(pageEntryCuris)
		return &partialPagedResult{
			MainLnk:        pagedResult.MainLnk,
			LinkToNextPage: linksToNextPage[0],
			NextPageNumber: nextPageNumber,
			Links:          nextEntryLinks,
			State: nextPageState{
				PagingPattern:      state.PagingPattern,
				PageNumber:         nextPageNumber,
				KnownEntryCurisSet: nextKnownEntryCurisSet,
				MaskedXPath:        state.MaskedXPath,
				XPathExtra:         state.XPathExtra,
				PageSizes:          pageSizes,
				Page1:              state.Page1,
				Page1Links:         state.Page1Links,
			},
		}, true
	}

	pageCount := pageNumber
	firstPageLinksToLastPage := false
	if _, ok := state.PagingPattern.(*pagingPatternBlogger); !ok {
		linksToLastPage := state.PagingPattern.FindLinksToNextPage(state.Page1, state.Page1Links, pageCount)
		firstPageLinksToLastPage = len(linksToLastPage) > 0
	}
	logger.Info("Best count: %d with %d pages of %v", len(nextEntryLinks), pageCount, pageSizes)

	pattern := "paged_next"
	if firstPageLinksToLastPage {
		pattern = "paged_last"
	}
	extra := []string{
		fmt.Sprintf("page_count: %d", pageCount),
		fmt.Sprintf("page_sizes: %s", countPageSizesStr(pageSizes)),
	}
	extra = append(extra, state.XPathExtra...)
	extra = append(extra,
		fmt.Sprintf("last_page: %s", page.Curi),
		fmt.Sprintf("paging_pattern: %s", state.PagingPattern),
	)
	return &fullPagedResult{
		MainLnk: pagedResult.MainLnk,
		Pattern: pattern,
		Links:   nextEntryLinks,
		Extra:   extra,
	}, true
}

// countPageSizesStr is a histogram of page sizes, most common first
func countPageSizesStr(pageSizes []int) string {
	pageSizeCounts := make(map[int]int)
	for _, pageSize := range pageSizes {
		pageSizeCounts[pageSize]++
	}
	sortedPageSizes := slices.Sorted(maps.Keys(pageSizeCounts))
	slices.SortStableFunc(sortedPageSizes, func(a, b int) int {
		return pageSizeCounts[b] - pageSizeCounts[a]
	})
	var sb strings.Builder
	sb.WriteString("{")
	for i, pageSize := range sortedPageSizes {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d: %d", pageSize, pageSizeCounts[pageSize])
	}
	sb.WriteString("}")
	return sb.String()
}
