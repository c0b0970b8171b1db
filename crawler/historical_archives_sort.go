package crawler

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

type xpathDateSource struct {
	XPath      string
	DateSource dateSourceKind
}

func (s xpathDateSource) String() string {
	return fmt.Sprintf("%s (%s)", s.XPath, s.DateSource)
}

// sortState tracks the date locations common to every fetched post page, dates are aligned with the
// order of pages added
type sortState struct {
	DatesByXPathSource map[xpathDateSource][]date
	PageTitles         []string
}

func (s *sortState) String() string {
	var sb strings.Builder
	sb.WriteString("{DatesByXPathSource: {")
	keys := s.sortedKeys()
	for i, key := range keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %v", key, s.DatesByXPathSource[key])
	}
	sb.WriteString("}, PageTitles: [")
	for i, title := range s.PageTitles {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q", title)
	}
	sb.WriteString("]}")
	return sb.String()
}

func (s *sortState) sortedKeys() []xpathDateSource {
	keys := make([]xpathDateSource, 0, len(s.DatesByXPathSource))
	for key := range s.DatesByXPathSource {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b xpathDateSource) int {
		if c := strings.Compare(a.XPath, b.XPath); c != 0 {
			return c
		}
		return int(a.DateSource) - int(b.DateSource)
	})
	return keys
}

// collectPageDates finds every date in the document keyed by its absolute xpath and kind
func collectPageDates(document *html.Node) map[xpathDateSource]date {
	datesByXPathSource := make(map[xpathDateSource]date)
	var traverse func(element *html.Node, xpathPrefix string)
	traverse = func(element *html.Node, xpathPrefix string) {
		tagCounts := make(map[string]int)
		for child := element.FirstChild; child != nil; child = child.NextSibling {
			tag, ok := getXPathTag(child)
			if !ok {
				continue
			}
			tagCounts[tag]++
			childXPath := fmt.Sprintf("%s/%s[%d]", xpathPrefix, tag, tagCounts[tag])

			if tag == "meta" && findAttr(child, "property") == "article:published_time" {
				if content := findAttr(child, "content"); content != "" {
					if metaDate := tryExtractTextDate(content, false); metaDate != nil {
						key := xpathDateSource{XPath: childXPath, DateSource: dateSourceKindMeta}
						datesByXPathSource[key] = *metaDate
					}
				}
			}
			if elementDate := tryExtractElementDate(child, false); elementDate != nil {
				key := xpathDateSource{XPath: childXPath, DateSource: elementDate.SourceKind}
				datesByXPathSource[key] = elementDate.Date
			}

			traverse(child, childXPath)
		}
	}
	traverse(document, "")
	return datesByXPathSource
}

// historicalArchivesSortAdd intersects the date locations of a post page with the ones of the previous
// pages. Fails when nothing is left in common
func historicalArchivesSortAdd(
	page *htmlPage, feedGenerator FeedGenerator, maybeSortState *sortState, logger Logger,
) (*sortState, bool) {
	pageDatesByXPathSource := collectPageDates(page.Document)
	pageTitle := getPageTitle(page, feedGenerator, logger)

	var newSortState sortState
	if maybeSortState == nil {
		newSortState = sortState{
			DatesByXPathSource: make(map[xpathDateSource][]date, len(pageDatesByXPathSource)),
			PageTitles:         []string{pageTitle},
		}
		for key, pageDate := range pageDatesByXPathSource {
			newSortState.DatesByXPathSource[key] = []date{pageDate}
		}
	} else {
		newSortState = sortState{
			DatesByXPathSource: make(map[xpathDateSource][]date),
			PageTitles:         append(slices.Clone(maybeSortState.PageTitles), pageTitle),
		}
		for key, dates := range maybeSortState.DatesByXPathSource {
			if pageDate, ok := pageDatesByXPathSource[key]; ok {
				newSortState.DatesByXPathSource[key] = append(slices.Clone(dates), pageDate)
			}
		}
	}

	logger.Info(
		"Sort state after %s: %v (%d total)",
		page.FetchUri, newSortState.sortedKeys(), len(newSortState.PageTitles),
	)

	if len(newSortState.DatesByXPathSource) == 0 {
		if maybeSortState != nil {
			logger.Info("Pages don't have a common date path after %s: %s", page.FetchUri, maybeSortState)
		} else {
			logger.Info("Page doesn't have a date at %s", page.FetchUri)
		}
		return nil, false
	}
	return &newSortState, true
}

// pickSortDates picks the single date location of the state, preferring meta then time
func pickSortDates(state *sortState) (*xpathDateSource, []date, bool) {
	if len(state.DatesByXPathSource) == 1 {
		for key, dates := range state.DatesByXPathSource {
			return &key, dates, true
		}
	}
	for _, kind := range []dateSourceKind{dateSourceKindMeta, dateSourceKindTime} {
		var found *xpathDateSource
		count := 0
		for key := range state.DatesByXPathSource {
			if key.DateSource == kind {
				found = &key
				count++
			}
		}
		if count == 1 {
			return found, state.DatesByXPathSource[*found], true
		}
	}
	return nil, nil, false
}

// historicalArchivesSortFinish sorts newest first the links with known dates together with the links
// whose pages were added to the sort state. Links without a title get their page title
func historicalArchivesSortFinish(
	linksWithKnownDates []linkDate, links []maybeTitledLink, maybeSortState *sortState, logger Logger,
) ([]maybeTitledLink, *xpathDateSource, bool) {
	linksDates := slices.Clone(linksWithKnownDates)
	var dateSource *xpathDateSource
	if maybeSortState != nil {
		var dates []date
		var ok bool
		dateSource, dates, ok = pickSortDates(maybeSortState)
		if !ok {
			logger.Info("Couldn't sort links: %s", maybeSortState)
			return nil, nil, false
		}
		logger.Info("Good shuffled date source: %s", dateSource)

		titleCount := 0
		for i, link := range links {
			if link.MaybeTitle == nil {
				link = link.withTitle(NewLinkTitle(maybeSortState.PageTitles[i], LinkTitleSourcePageTitle))
				titleCount++
			}
			linksDates = append(linksDates, linkDate{Link: link, Date: dates[i]})
		}
		logger.Info("Set %d link titles from page titles", titleCount)
	} else {
		dateSource = &xpathDateSource{XPath: "", DateSource: dateSourceKindUnknown}
	}

	sortedLinksDates := sortLinksDates(linksDates)
	sortedLinks := make([]maybeTitledLink, len(sortedLinksDates))
	for i, linkDate := range sortedLinksDates {
		sortedLinks[i] = linkDate.Link
	}
	return sortedLinks, dateSource, true
}

// historicalArchivesMediumSortFinish dates the pinned entry from its own page, where Medium shows the
// date next to the link
func historicalArchivesMediumSortFinish(
	pinnedEntryLink maybeTitledLink, pinnedEntryPageLinks []*xpathLink, otherLinksDates []linkDate,
	curiEqCfg *CanonicalEqualityConfig, logger Logger,
) ([]maybeTitledLink, bool) {
	var pinnedDate *date
	for _, link := range pinnedEntryPageLinks {
		if !CanonicalUriEqual(pinnedEntryLink.Curi, link.Curi, curiEqCfg) {
			continue
		}
		if maybeDate := tryExtractTextDate(innerText(link.Element), true); maybeDate != nil {
			pinnedDate = maybeDate
			break
		}
	}
	if pinnedDate == nil {
		logger.Info("Couldn't find the date of the pinned entry %s", pinnedEntryLink.Url)
		return nil, false
	}

	linksDates := append(slices.Clone(otherLinksDates), linkDate{Link: pinnedEntryLink, Date: *pinnedDate})
	sortedLinksDates := sortLinksDates(linksDates)
	sortedLinks := make([]maybeTitledLink, len(sortedLinksDates))
	for i, linkDate := range sortedLinksDates {
		sortedLinks[i] = linkDate.Link
	}
	return sortedLinks, true
}

// sortLinksDates sorts newest to oldest and keeps link order within the same date
func sortLinksDates(linksDates []linkDate) []linkDate {
	sortedLinksDates := slices.Clone(linksDates)
	slices.SortStableFunc(sortedLinksDates, func(a, b linkDate) int {
		return dateCompare(b.Date, a.Date)
	})
	return sortedLinksDates
}
