package crawler

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	om "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/net/html"
)

// elementLink is a page link that remembers where it was found
type elementLink struct {
	maybeTitledLink
	Element *html.Node
}

func newElementLink(link *xpathLink) elementLink {
	var maybeTitle *LinkTitle
	if titleValue := getElementTitle(link.Element); titleValue != "" {
		title := NewLinkTitle(titleValue, LinkTitleSourceInnerText)
		maybeTitle = &title
	}
	return elementLink{
		maybeTitledLink: maybeTitledLink{
			Link:       link.Link,
			MaybeTitle: maybeTitle,
		},
		Element: link.Element,
	}
}

func toMaybeTitledLinks(links []elementLink) []maybeTitledLink {
	result := make([]maybeTitledLink, len(links))
	for i, link := range links {
		result[i] = link.maybeTitledLink
	}
	return result
}

type sortedStatus int

const (
	sortedStatusUnknown sortedStatus = iota
	sortedStatusNo
	sortedStatusYes
)

// sortedDates has nil Dates when the hypothesis didn't hold
type sortedDates struct {
	Dates            []date
	AreSorted        sortedStatus
	AreReverseSorted sortedStatus
}

type maskedXPathExtraction struct {
	MaskedXPath     string
	XPathName       string
	Links           []elementLink
	Curis           []CanonicalUri
	CurisSet        CanonicalUriSet
	HasDuplicates   bool
	UnfilteredLinks []elementLink
	// Dates of Links, by how much of the feed the links cover
	MarkupDates       sortedDates
	AlmostMarkupDates sortedDates
	SomeMarkupDates   []date
	MediumMarkupDates []date
	// Dates of Links parsed from /yyyy/mm/dd/ in the url
	MaybeUrlDates       []*date
	DistanceToTopParent int
	LogLines            []string
}

func (e *maskedXPathExtraction) logStr() string {
	return fmt.Sprintf("%s %s%s", e.XPathName, e.MaskedXPath, joinLogLines(e.LogLines))
}

type starCountExtractions struct {
	StarCount   int
	Extractions []*maskedXPathExtraction
}

const maxStarCount = 3

func getExtractionsByStarCount(
	pageLinks []*xpathLink, feedGenerator FeedGenerator, feedEntryLinks *FeedEntryLinks,
	feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle], curiEqCfg *CanonicalEqualityConfig,
	almostMatchThreshold int, logger Logger,
) []starCountExtractions {
	var result []starCountExtractions
	for starCount := 1; starCount <= maxStarCount; starCount++ {
		groups := groupLinksByMaskedXPath(pageLinks, feedEntryCurisTitlesMap, curiEqCfg, starCount)
		logger.Info("Masked xpaths with %d stars: %d", starCount, len(groups))

		extractions := make([]*maskedXPathExtraction, 0, len(groups))
		for _, group := range groups {
			extractions = append(extractions, getMaskedXPathExtraction(
				group, starCount, feedGenerator, feedEntryLinks, feedEntryCurisTitlesMap, curiEqCfg,
				almostMatchThreshold,
			))
		}
		result = append(result, starCountExtractions{
			StarCount:   starCount,
			Extractions: extractions,
		})
	}
	return result
}

func useClassXPath(starCount int) bool {
	return starCount >= 2
}

type xpathSegment struct {
	Tag   string
	Index int
}

// starIndex marks a masked segment
const starIndex = -1

func (s xpathSegment) matches(other xpathSegment) bool {
	return s.Tag == other.Tag && (s.Index == other.Index || s.Index == starIndex || other.Index == starIndex)
}

var xpathSegmentRegex = regexp.MustCompile(`^(.+)\[(\d+)\]$`)

func parseXPathSegments(xpath string) []xpathSegment {
	tokens := strings.Split(xpath, "/")[1:]
	segments := make([]xpathSegment, 0, len(tokens))
	for _, token := range tokens {
		match := xpathSegmentRegex.FindStringSubmatch(token)
		if match == nil {
			panic(fmt.Errorf("malformed xpath segment %q in %q", token, xpath))
		}
		index, err := strconv.Atoi(match[2])
		if err != nil {
			panic(err)
		}
		segments = append(segments, xpathSegment{Tag: match[1], Index: index})
	}
	return segments
}

func formatXPathSegments(segments []xpathSegment) string {
	var sb strings.Builder
	for _, segment := range segments {
		if segment.Index == starIndex {
			fmt.Fprintf(&sb, "/%s[*]", segment.Tag)
		} else {
			fmt.Fprintf(&sb, "/%s[%d]", segment.Tag, segment.Index)
		}
	}
	return sb.String()
}

// xpathTree merges link xpaths by common prefixes, children keep document order
type xpathTree struct {
	Segments    []xpathSegment
	Children    *om.OrderedMap[xpathSegment, *xpathTree]
	MaybeParent *xpathTree
	IsLink      bool
	IsFeedLink  bool
}

func newXPathTree(segments []xpathSegment, maybeParent *xpathTree) *xpathTree {
	return &xpathTree{
		Segments:    segments,
		Children:    om.New[xpathSegment, *xpathTree](),
		MaybeParent: maybeParent,
		IsLink:      false,
		IsFeedLink:  false,
	}
}

func (t *xpathTree) add(segments []xpathSegment, isFeedLink bool) {
	node := t
	for i, segment := range segments {
		child, ok := node.Children.Get(segment)
		if !ok {
			child = newXPathTree(append(slices.Clone(node.Segments), segment), node)
			node.Children.Set(segment, child)
		}
		if i == len(segments)-1 {
			child.IsLink = true
			child.IsFeedLink = child.IsFeedLink || isFeedLink
		}
		node = child
	}
}

func (t *xpathTree) visitFeedLinks(visitor func(node *xpathTree)) {
	for pair := t.Children.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.IsFeedLink {
			visitor(pair.Value)
		}
		pair.Value.visitFeedLinks(visitor)
	}
}

// reachesLink follows the suffix down from the node, stars match any index
func (t *xpathTree) reachesLink(suffix []xpathSegment) bool {
	if len(suffix) == 0 {
		return t.IsLink
	}
	for pair := t.Children.Oldest(); pair != nil; pair = pair.Next() {
		if suffix[0].matches(pair.Key) && pair.Value.reachesLink(suffix[1:]) {
			return true
		}
	}
	return false
}

// addMaskedXPaths puts a star at every ancestor level of the feed link where a sibling with the same tag
// leads to another link. With stars remaining, it recurses from that ancestor
func (t *xpathTree) addMaskedXPaths(
	linkSegments []xpathSegment, suffix []xpathSegment, starsRemaining int,
	maskedXPaths *om.OrderedMap[string, []xpathSegment],
) {
	for ancestor := t.MaybeParent; ancestor != nil; ancestor = ancestor.MaybeParent {
		childSegment := linkSegments[len(ancestor.Segments)]
		starSegment := xpathSegment{Tag: childSegment.Tag, Index: starIndex}
		maskedSegments := append(slices.Clone(ancestor.Segments), starSegment)
		maskedSegments = append(maskedSegments, suffix...)
		maskedXPath := formatXPathSegments(maskedSegments)

		if _, seen := maskedXPaths.Get(maskedXPath); starsRemaining > 1 || !seen {
			revealsSibling := false
			for pair := ancestor.Children.Oldest(); pair != nil; pair = pair.Next() {
				if pair.Key.Tag != childSegment.Tag || pair.Key.Index == childSegment.Index {
					continue
				}
				if pair.Value.reachesLink(suffix) {
					revealsSibling = true
					break
				}
			}

			if revealsSibling {
				if starsRemaining == 1 {
					maskedXPaths.Set(maskedXPath, maskedSegments)
				} else {
					nextSuffix := append([]xpathSegment{starSegment}, suffix...)
					ancestor.addMaskedXPaths(
						ancestor.Segments, nextSuffix, starsRemaining-1, maskedXPaths,
					)
				}
			}
		}

		suffix = append([]xpathSegment{childSegment}, suffix...)
	}
}

// collectMatches adds the link under every masked xpath of the tree it fits into
func (t *xpathTree) collectMatches(
	link *xpathLink, remaining []xpathSegment, linksByMaskedXPath *om.OrderedMap[string, []*xpathLink],
) {
	if len(remaining) == 0 {
		if t.IsLink {
			maskedXPath := formatXPathSegments(t.Segments)
			links, _ := linksByMaskedXPath.Get(maskedXPath)
			linksByMaskedXPath.Set(maskedXPath, append(links, link))
		}
		return
	}
	for pair := t.Children.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key.Tag == remaining[0].Tag &&
			(pair.Key.Index == remaining[0].Index || pair.Key.Index == starIndex) {
			pair.Value.collectMatches(link, remaining[1:], linksByMaskedXPath)
		}
	}
}

type maskedXPathLinksGroup struct {
	MaskedXPath         string
	Links               []*xpathLink
	XPathName           string
	DistanceToTopParent int
}

// groupLinksByMaskedXPath finds the xpaths with starCount stars that a feed link sits on and that
// also cover other links, then buckets all page links by them
func groupLinksByMaskedXPath(
	pageLinks []*xpathLink, feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle],
	curiEqCfg *CanonicalEqualityConfig, starCount int,
) []maskedXPathLinksGroup {
	linksSegments := make([][]xpathSegment, len(pageLinks))
	tree := newXPathTree(nil, nil)
	for i, pageLink := range pageLinks {
		xpath := pageLink.XPath
		if useClassXPath(starCount) {
			xpath = pageLink.ClassXPath
		}
		linksSegments[i] = parseXPathSegments(xpath)
		tree.add(linksSegments[i], feedEntryCurisTitlesMap.Contains(pageLink.Curi))
	}

	maskedXPaths := om.New[string, []xpathSegment]()
	tree.visitFeedLinks(func(node *xpathTree) {
		node.addMaskedXPaths(node.Segments, nil, starCount, maskedXPaths)
	})

	maskedTree := newXPathTree(nil, nil)
	for pair := maskedXPaths.Oldest(); pair != nil; pair = pair.Next() {
		maskedTree.add(pair.Value, false)
	}

	linksByMaskedXPath := om.New[string, []*xpathLink]()
	for i, pageLink := range pageLinks {
		maskedTree.collectMatches(pageLink, linksSegments[i], linksByMaskedXPath)
	}

	xpathName := "xpath"
	if useClassXPath(starCount) {
		xpathName = "class_xpath"
	}
	var groups []maskedXPathLinksGroup
	for pair := linksByMaskedXPath.Oldest(); pair != nil; pair = pair.Next() {
		curisSet := NewCanonicalUriSet(ToCanonicalUris(pair.Value), curiEqCfg)
		if curisSet.Length <= 1 {
			continue
		}
		groups = append(groups, maskedXPathLinksGroup{
			MaskedXPath:         pair.Key,
			Links:               pair.Value,
			XPathName:           xpathName,
			DistanceToTopParent: getDistanceToTopParent(pair.Key),
		})
	}

	// Groups where more link texts match the feed titles go first
	titleMatchCount := func(group maskedXPathLinksGroup) int {
		count := 0
		for _, link := range group.Links {
			feedTitle, ok := feedEntryCurisTitlesMap.Get(link.Curi)
			if ok && feedTitle != nil && equalizeTitle(getElementTitle(link.Element)) == feedTitle.EqualizedValue {
				count++
			}
		}
		return count
	}
	slices.SortStableFunc(groups, func(a, b maskedXPathLinksGroup) int {
		return titleMatchCount(b) - titleMatchCount(a)
	})

	return groups
}

// getDistanceToTopParent is how many levels up from a link the last star is
func getDistanceToTopParent(maskedXPath string) int {
	lastStarIndex := strings.LastIndex(maskedXPath, "*")
	return strings.Count(maskedXPath[lastStarIndex:], "/")
}

var urlDateRegex = regexp.MustCompile(`/(\d{4})/(\d{2})/(\d{2})/`)

func getMaskedXPathExtraction(
	group maskedXPathLinksGroup, starCount int, feedGenerator FeedGenerator, feedEntryLinks *FeedEntryLinks,
	feedEntryCurisTitlesMap *CanonicalUriMap[*LinkTitle], curiEqCfg *CanonicalEqualityConfig,
	almostMatchThreshold int,
) *maskedXPathExtraction {
	var logLines []string

	// A post often has its title and its "read more" as two links in a row
	var collapsedLinks []elementLink
	for i, xpathLink := range group.Links {
		link := newElementLink(xpathLink)
		if i > 0 && CanonicalUriEqual(link.Curi, group.Links[i-1].Curi, curiEqCfg) {
			last := &collapsedLinks[len(collapsedLinks)-1]
			last.MaybeTitle = mergeTitles(last.MaybeTitle, link.MaybeTitle)
			continue
		}
		collapsedLinks = append(collapsedLinks, link)
	}
	if len(collapsedLinks) != len(group.Links) {
		appendLogLinef(&logLines, "collapsed %d -> %d links", len(group.Links), len(collapsedLinks))
	} else {
		appendLogLinef(&logLines, "%d links", len(group.Links))
	}

	var linksMatchingFeed []elementLink
	for _, link := range collapsedLinks {
		if feedEntryCurisTitlesMap.Contains(link.Curi) {
			linksMatchingFeed = append(linksMatchingFeed, link)
		}
	}
	uniqueMatchingCount := NewCanonicalUriSet(ToCanonicalUris(linksMatchingFeed), curiEqCfg).Length

	filteredLinks := collapsedLinks
	var markupDates, almostMarkupDates sortedDates
	var someMarkupDates, mediumMarkupDates []date

	maybeMarkupDates, markupLogLine := extractMaybeMarkupDates(
		collapsedLinks, linksMatchingFeed, group.DistanceToTopParent, false,
	)
	appendLogLinef(&logLines, "%s", markupLogLine)
	if maybeMarkupDates != nil {
		var dates []date
		if uniqueMatchingCount > almostMatchThreshold {
			// Enough of the feed is there to drop the links without a date as noise
			filteredLinks = nil
			for i, maybeDate := range maybeMarkupDates {
				if maybeDate != nil {
					filteredLinks = append(filteredLinks, collapsedLinks[i])
					dates = append(dates, *maybeDate)
				}
			}
			if len(filteredLinks) != len(collapsedLinks) {
				appendLogLinef(&logLines, "filtered by dates %d -> %d", len(collapsedLinks), len(filteredLinks))
			}
		} else if !slices.Contains(maybeMarkupDates, nil) {
			dates = derefDates(maybeMarkupDates)
		}

		if dates != nil {
			// With one star, link order is more trustworthy than dates
			areSorted, areReverseSorted := sortedStatusUnknown, sortedStatusUnknown
			if starCount >= 2 {
				areSorted, areReverseSorted = getDatesSortedStatus(dates)
			}
			extractedDates := sortedDates{
				Dates:            dates,
				AreSorted:        areSorted,
				AreReverseSorted: areReverseSorted,
			}
			if uniqueMatchingCount == feedEntryLinks.Length {
				markupDates = extractedDates
				appendLogLinef(&logLines, "%d markup dates", len(dates))
			} else if uniqueMatchingCount >= almostMatchThreshold {
				almostMarkupDates = extractedDates
				appendLogLinef(&logLines, "%d almost markup dates", len(dates))
			}
			someMarkupDates = dates
		}
	}

	if feedGenerator == FeedGeneratorMedium && uniqueMatchingCount == feedEntryLinks.Length-1 {
		maybeMediumDates, mediumLogLine := extractMaybeMarkupDates(
			collapsedLinks, linksMatchingFeed, group.DistanceToTopParent, true,
		)
		if maybeMediumDates != nil && !slices.Contains(maybeMediumDates, nil) {
			mediumMarkupDates = derefDates(maybeMediumDates)
			appendLogLinef(&logLines, "%d Medium markup dates (%s)", len(mediumMarkupDates), mediumLogLine)
		}
	}

	filteredCuris := ToCanonicalUris(filteredLinks)
	filteredCurisSet := NewCanonicalUriSet(filteredCuris, curiEqCfg)

	maybeUrlDates := make([]*date, len(filteredLinks))
	urlDatesCount := 0
	for i, link := range filteredLinks {
		if urlDate := tryExtractUrlDate(link.Curi); urlDate != nil {
			maybeUrlDates[i] = urlDate
			urlDatesCount++
		}
	}
	appendLogLinef(&logLines, "%d/%d url dates", urlDatesCount, len(filteredLinks))

	return &maskedXPathExtraction{
		MaskedXPath:         group.MaskedXPath,
		XPathName:           group.XPathName,
		Links:               filteredLinks,
		Curis:               filteredCuris,
		CurisSet:            filteredCurisSet,
		HasDuplicates:       filteredCurisSet.Length != len(filteredCuris),
		UnfilteredLinks:     collapsedLinks,
		MarkupDates:         markupDates,
		AlmostMarkupDates:   almostMarkupDates,
		SomeMarkupDates:     someMarkupDates,
		MediumMarkupDates:   mediumMarkupDates,
		MaybeUrlDates:       maybeUrlDates,
		DistanceToTopParent: group.DistanceToTopParent,
		LogLines:            logLines,
	}
}

func mergeTitles(maybeTitle1, maybeTitle2 *LinkTitle) *LinkTitle {
	switch {
	case maybeTitle1 != nil && maybeTitle2 != nil:
		merged := NewLinkTitle(maybeTitle1.Value+maybeTitle2.Value, maybeTitle1.Source)
		return &merged
	case maybeTitle1 != nil:
		return maybeTitle1
	default:
		return maybeTitle2
	}
}

func derefDates(maybeDates []*date) []date {
	dates := make([]date, len(maybeDates))
	for i, maybeDate := range maybeDates {
		dates[i] = *maybeDate
	}
	return dates
}

func getDatesSortedStatus(dates []date) (areSorted sortedStatus, areReverseSorted sortedStatus) {
	areSorted, areReverseSorted = sortedStatusYes, sortedStatusYes
	for i := 0; i+1 < len(dates); i++ {
		switch dateCompare(dates[i], dates[i+1]) {
		case -1:
			areSorted = sortedStatusNo
		case 1:
			areReverseSorted = sortedStatusNo
		}
	}
	return areSorted, areReverseSorted
}

func tryExtractUrlDate(curi CanonicalUri) *date {
	match := urlDateRegex.FindStringSubmatch(curi.Path)
	if match == nil {
		return nil
	}
	year, _ := strconv.Atoi(match[1])
	month, _ := strconv.Atoi(match[2])
	day, _ := strconv.Atoi(match[3])
	if !isValidDate(year, time.Month(month), day) {
		return nil
	}
	return &date{Year: year, Month: time.Month(month), Day: day}
}

type dateXPath struct {
	RelativeXPath string
	Kind          dateSourceKind
}

// extractMaybeMarkupDates looks for a date element at the same place relative to every feed link's top
// parent. If exactly one such place is found (or exactly one of them is a <time>), every link gets the
// date from there, nil where it is missing
func extractMaybeMarkupDates(
	links []elementLink, linksMatchingFeed []elementLink, distanceToTopParent int, guessYear bool,
) ([]*date, string) {
	relativeXPathToTopParent := "."
	if distanceToTopParent > 0 {
		relativeXPathToTopParent = strings.TrimSuffix(strings.Repeat("../", distanceToTopParent), "/")
	}

	var commonDateXPaths []dateXPath
	for i, link := range linksMatchingFeed {
		topParent := link.Element
		for range distanceToTopParent {
			topParent = topParent.Parent
		}

		var linkDateXPaths []dateXPath
		var collect func(node *html.Node, xpathFromTopParent string)
		collect = func(node *html.Node, xpathFromTopParent string) {
			if dateSource := tryExtractElementDate(node, guessYear); dateSource != nil {
				linkDateXPaths = append(linkDateXPaths, dateXPath{
					RelativeXPath: relativeXPathToTopParent + xpathFromTopParent,
					Kind:          dateSource.SourceKind,
				})
			}
			tagCounts := make(map[string]int)
			for child := node.FirstChild; child != nil; child = child.NextSibling {
				tag, ok := getXPathTag(child)
				if !ok {
					continue
				}
				tagCounts[tag]++
				collect(child, fmt.Sprintf("%s/%s[%d]", xpathFromTopParent, tag, tagCounts[tag]))
			}
		}
		collect(topParent, "")

		if i == 0 {
			commonDateXPaths = linkDateXPaths
		} else {
			commonDateXPaths = slices.DeleteFunc(commonDateXPaths, func(x dateXPath) bool {
				return !slices.Contains(linkDateXPaths, x)
			})
		}
	}

	var timeDateXPaths []dateXPath
	for _, x := range commonDateXPaths {
		if x.Kind == dateSourceKindTime {
			timeDateXPaths = append(timeDateXPaths, x)
		}
	}

	var chosen dateXPath
	var logLine string
	switch {
	case len(commonDateXPaths) == 1:
		chosen = commonDateXPaths[0]
		logLine = fmt.Sprintf("single date xpath: %s", chosen.RelativeXPath)
	case len(timeDateXPaths) == 1:
		chosen = timeDateXPaths[0]
		logLine = fmt.Sprintf(
			"multiple date xpaths (%d), one from time: %s", len(commonDateXPaths), chosen.RelativeXPath,
		)
	case len(commonDateXPaths) > 0:
		return nil, fmt.Sprintf("multiple date xpaths (%d), no way to resolve", len(commonDateXPaths))
	default:
		return nil, "no date xpath"
	}

	maybeDates := make([]*date, len(links))
	for i, link := range links {
		dateElement := htmlquery.FindOne(link.Element, chosen.RelativeXPath)
		if dateSource := tryExtractElementDate(dateElement, guessYear); dateSource != nil {
			maybeDates[i] = &dateSource.Date
		}
	}
	return maybeDates, logLine
}

func joinLogLines(logLines []string) string {
	if len(logLines) == 0 {
		return ""
	}
	return fmt.Sprintf(" (%s)", strings.Join(logLines, ", "))
}

func appendLogLinef(logLines *[]string, format string, args ...any) {
	*logLines = append(*logLines, fmt.Sprintf(format, args...))
}
