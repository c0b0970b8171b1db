package crawler

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// getArchivesAlmostMatchThreshold is how many feed links an archives page has to have to be considered
// when it doesn't have all of them
func getArchivesAlmostMatchThreshold(feedLength int) int {
	switch {
	case feedLength <= 3:
		return feedLength
	case feedLength <= 7:
		return feedLength - 1
	case feedLength <= 25:
		return feedLength - 2
	case feedLength <= 62:
		return feedLength - 3
	default:
		return feedLength - 7
	}
}

const longFeedMinLength = 31

// tryExtractArchives runs the archives recognizers from the most to the least strict. Each one only
// accepts more links than the previous match had, so the last match is the best one. Shuffled matches
// are kept on the side as they need postprocessing to be confirmed
func tryExtractArchives(
	fetchLink Link, page *htmlPage, pageLinks []*xpathLink, pageCurisSet *CanonicalUriSet,
	extractionsByStarCount []starCountExtractions, almostMatchThreshold int,
	guidedCtx *guidedCrawlContext, logger Logger,
) []historicalResult {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	if feedEntryLinks.countIncluded(pageCurisSet) < almostMatchThreshold {
		return nil
	}

	logger.Info("Possible archives page: %s", page.Curi)

	var mainResult historicalResult
	minLinksCount := 1
	acceptMain := func(result *archivesSortedResult) []CanonicalUri {
		mainResult = result
		minLinksCount = len(result.Links) + 1
		return ToCanonicalUris(result.Links)
	}

	var sortedFewerStarsCuris []CanonicalUri
	sortedFewerStarsHaveDates := false
	for _, starCountExtractions := range extractionsByStarCount {
		if result, ok := tryExtractSorted(
			starCountExtractions, -1, sortedFewerStarsCuris, sortedFewerStarsHaveDates, 0, fetchLink,
			guidedCtx, logger,
		); ok {
			sortedFewerStarsCuris = acceptMain(result)
			sortedFewerStarsHaveDates = result.HasDates
		}
	}

	if feedEntryLinks.Length < 3 {
		logger.Info(
			"Feed is too small for sorted match with highlighted first link (%d)", feedEntryLinks.Length,
		)
	} else {
		var highlightFewerStarsCuris []CanonicalUri
		for _, starCountExtractions := range extractionsByStarCount {
			if result, ok := tryExtractSortedHighlightFirstLink(
				starCountExtractions, pageCurisSet, highlightFewerStarsCuris, minLinksCount, fetchLink,
				guidedCtx, logger,
			); ok {
				highlightFewerStarsCuris = acceptMain(result)
			}
		}
	}

	if mediumResult, ok := tryExtractMediumPinnedEntry(
		extractionsByStarCount[0].Extractions, pageLinks, minLinksCount, fetchLink, guidedCtx, logger,
	); ok {
		return []historicalResult{mediumResult}
	}

	var twoXPathsFewerStarsCuris []CanonicalUri
	oneStarExtractions := extractionsByStarCount[0].Extractions
	for _, starCountExtractions := range extractionsByStarCount {
		if result, ok := tryExtractSorted2XPaths(
			oneStarExtractions, starCountExtractions, twoXPathsFewerStarsCuris, minLinksCount, fetchLink,
			guidedCtx, logger,
		); ok {
			twoXPathsFewerStarsCuris = acceptMain(result)
		}
	}

	if feedEntryLinks.Length < minLinksCount {
		logger.Info(
			"Skipping almost feed match, already have more links (%d > %d)",
			minLinksCount, feedEntryLinks.Length,
		)
	} else {
		var almostFeedFewerStarsCuris []CanonicalUri
		for _, starCountExtractions := range extractionsByStarCount {
			if result, ok := tryExtractAlmostMatchingFeed(
				starCountExtractions, almostMatchThreshold, almostFeedFewerStarsCuris, fetchLink, guidedCtx,
				logger,
			); ok {
				almostFeedFewerStarsCuris = acceptMain(result)
			}
		}
	}

	hasSortedResultWithDates := func() bool {
		sortedResult, ok := mainResult.(*archivesSortedResult)
		return ok && sortedResult.HasDates
	}

	var tentativeResults []*archivesShuffledResult
	if hasSortedResultWithDates() {
		logger.Info("Skipping shuffled match, there is a sorted match with dates")
	} else {
		for _, starCountExtractions := range extractionsByStarCount {
			if result, ok := tryExtractShuffled(
				starCountExtractions, -1, minLinksCount, guidedCtx, logger,
			); ok {
				tentativeResults = append(tentativeResults, result)
				minLinksCount = len(result.Links) + 1
			}
		}
	}

	var sortedAlmostFewerStarsCuris []CanonicalUri
	sortedAlmostFewerStarsHaveDates := false
	for _, starCountExtractions := range extractionsByStarCount {
		if result, ok := tryExtractSorted(
			starCountExtractions, almostMatchThreshold, sortedAlmostFewerStarsCuris,
			sortedAlmostFewerStarsHaveDates, minLinksCount, fetchLink, guidedCtx, logger,
		); ok {
			sortedAlmostFewerStarsCuris = acceptMain(result)
			sortedAlmostFewerStarsHaveDates = result.HasDates
		}
	}

	if hasSortedResultWithDates() {
		logger.Info("Skipping shuffled almost match, there is a sorted match with dates")
	} else {
		for _, starCountExtractions := range extractionsByStarCount {
			if result, ok := tryExtractShuffled(
				starCountExtractions, almostMatchThreshold, minLinksCount, guidedCtx, logger,
			); ok {
				tentativeResults = append(tentativeResults, result)
				minLinksCount = len(result.Links) + 1
			}
		}
	}

	if longFeedResult, ok := tryExtractLongFeed(
		feedEntryLinks, pageCurisSet, minLinksCount, fetchLink, logger,
	); ok {
		mainResult = longFeedResult
	}

	var results []historicalResult
	if mainResult != nil {
		results = append(results, mainResult)
	}
	if len(tentativeResults) > 0 {
		speculativeCount := 0
		for _, result := range tentativeResults {
			speculativeCount = max(speculativeCount, len(result.Links))
		}
		results = append(results, &archivesShuffledResults{
			MainLnk:        fetchLink,
			Results:        tentativeResults,
			SpeculativeCnt: speculativeCount,
		})
	}
	return results
}

// curisHavePrefix is true if the prefix is absent or curis start with it
func curisHavePrefix(
	curis []CanonicalUri, maybePrefix []CanonicalUri, curiEqCfg *CanonicalEqualityConfig,
) bool {
	if maybePrefix == nil {
		return true
	}
	if len(curis) < len(maybePrefix) {
		return false
	}
	for i, curi := range maybePrefix {
		if !CanonicalUriEqual(curis[i], curi, curiEqCfg) {
			return false
		}
	}
	return true
}

func curisHaveSuffix(
	curis []CanonicalUri, maybeSuffix []CanonicalUri, curiEqCfg *CanonicalEqualityConfig,
) bool {
	if maybeSuffix == nil {
		return true
	}
	if len(curis) < len(maybeSuffix) {
		return false
	}
	return curisHavePrefix(curis[len(curis)-len(maybeSuffix):], maybeSuffix, curiEqCfg)
}

type linkDate struct {
	Link maybeTitledLink
	Date date
}

func formatLinksDates(linksDates []linkDate) string {
	var sb strings.Builder
	for i, linkDate := range linksDates {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "[%q, %s]", linkDate.Link.Curi.String(), linkDate.Date)
	}
	return sb.String()
}

// tryExtractSorted looks for the xpath that lists the feed in order, in reverse order, or in any order
// when every link has a date. With almostMatchThreshold != -1, some feed links may be missing
func tryExtractSorted(
	starCountExtractions starCountExtractions, almostMatchThreshold int, fewerStarsCuris []CanonicalUri,
	fewerStarsHaveDates bool, minLinksCount int, mainLink Link, guidedCtx *guidedCrawlContext,
	logger Logger,
) (*archivesSortedResult, bool) {
	isAlmost := almostMatchThreshold != -1
	almostSuffix := ""
	if isAlmost {
		almostSuffix = "_almost"
	}
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg
	logger.Info("Trying sorted%s match with %d stars", almostSuffix, starCountExtractions.StarCount)

	var best *archivesSortedResult
	var bestXPath string
	for _, extraction := range starCountExtractions.Extractions {
		links := extraction.Links
		curis := extraction.Curis
		markupDates := extraction.MarkupDates
		if isAlmost {
			markupDates = extraction.AlmostMarkupDates
		}

		if best != nil && len(best.Links) >= len(links) {
			continue
		}
		if fewerStarsHaveDates && markupDates.Dates == nil {
			continue
		}
		if len(links) < feedEntryLinks.Length || len(links) < minLinksCount {
			continue
		}

		logLines := slices.Clone(extraction.LogLines)
		targetFeedEntryLinks := feedEntryLinks
		if isAlmost {
			filteredFeedEntryLinks := feedEntryLinks.filterIncluded(&extraction.CurisSet)
			if filteredFeedEntryLinks.Length == feedEntryLinks.Length ||
				filteredFeedEntryLinks.Length < almostMatchThreshold {
				continue
			}
			appendLogLinef(
				&logLines, "almost feed match %d/%d", filteredFeedEntryLinks.Length, feedEntryLinks.Length,
			)
			targetFeedEntryLinks = &filteredFeedEntryLinks
		} else if !feedEntryLinks.allIncluded(&extraction.CurisSet) {
			continue
		}

		accept := func(sortedLinks []maybeTitledLink, pattern string, hasDates bool, message string) {
			best = &archivesSortedResult{
				MainLnk:  mainLink,
				Pattern:  pattern,
				Links:    sortedLinks,
				HasDates: hasDates,
				Extra:    []string{fmt.Sprintf("xpath: %s%s", extraction.MaskedXPath, joinLogLines(logLines))},
			}
			bestXPath = extraction.MaskedXPath
			logger.Info("%s: %s%s", message, extraction.MaskedXPath, joinLogLines(logLines))
		}
		hasDates := markupDates.Dates != nil

		_, isMatchingFeed := targetFeedEntryLinks.sequenceMatch(curis, curiEqCfg)
		if markupDates.AreSorted != sortedStatusNo &&
			isMatchingFeed &&
			!extraction.HasDuplicates &&
			curisHavePrefix(curis, fewerStarsCuris, curiEqCfg) {

			accept(toMaybeTitledLinks(links), "archives"+almostSuffix, hasDates, "Masked xpath is good")
			continue
		}

		reversedCuris := slices.Clone(curis)
		slices.Reverse(reversedCuris)
		_, isReversedMatchingFeed := targetFeedEntryLinks.sequenceMatch(reversedCuris, curiEqCfg)
		if markupDates.AreReverseSorted != sortedStatusNo &&
			isReversedMatchingFeed &&
			!extraction.HasDuplicates &&
			(curisHavePrefix(reversedCuris, fewerStarsCuris, curiEqCfg) ||
				curisHaveSuffix(reversedCuris, fewerStarsCuris, curiEqCfg)) {

			reversedLinks := toMaybeTitledLinks(links)
			slices.Reverse(reversedLinks)
			accept(reversedLinks, "archives"+almostSuffix, hasDates, "Masked xpath is good in reverse order")
			continue
		}

		if !hasDates {
			continue
		}

		// Same link may be listed several times, only if it's under the same date
		var uniqueLinksDates []linkDate
		curisSetsByDate := make(map[date]*CanonicalUriSet)
		for i, link := range links {
			linkDate := linkDate{Link: link.maybeTitledLink, Date: markupDates.Dates[i]}
			curisSet, ok := curisSetsByDate[linkDate.Date]
			if !ok {
				newSet := NewCanonicalUriSet(nil, curiEqCfg)
				curisSet = &newSet
				curisSetsByDate[linkDate.Date] = curisSet
			}
			if !curisSet.Contains(link.Curi) {
				uniqueLinksDates = append(uniqueLinksDates, linkDate)
				curisSet.add(link.Curi)
			}
		}
		if len(uniqueLinksDates) != extraction.CurisSet.Length {
			logger.Info(
				"Masked xpath %s has all links with dates but some of them are conflicting",
				extraction.MaskedXPath,
			)
			continue
		}

		sortedLinksDates := sortLinksDates(uniqueLinksDates)
		sortedLinks := make([]maybeTitledLink, len(sortedLinksDates))
		for i, linkDate := range sortedLinksDates {
			sortedLinks[i] = linkDate.Link
		}
		if _, ok := targetFeedEntryLinks.sequenceMatch(ToCanonicalUris(sortedLinks), curiEqCfg); !ok {
			logger.Info(
				"Masked xpath %s has all links with dates but doesn't match feed after sorting",
				extraction.MaskedXPath,
			)
			logger.Info("Links with dates: %s", formatLinksDates(sortedLinksDates))
			logger.Info("Feed links: %s", targetFeedEntryLinks)
			continue
		}

		// Fewer stars links are not compared here, the dates are a good enough signal to merge
		// interspersed groups
		if len(links) > len(uniqueLinksDates) {
			appendLogLinef(&logLines, "dedup %d -> %d", len(links), len(uniqueLinksDates))
		}
		appendLogLinef(
			&logLines, "from %s to %s",
			sortedLinksDates[len(sortedLinksDates)-1].Date, sortedLinksDates[0].Date,
		)
		accept(sortedLinks, "archives_shuffled"+almostSuffix, true, "Masked xpath is good sorted by date")
	}

	if best == nil {
		logger.Info("No sorted%s match with %d stars", almostSuffix, starCountExtractions.StarCount)
		return nil, false
	}
	logger.Info("Best sorted%s xpath: %s", almostSuffix, bestXPath)
	return best, true
}

// tryExtractSortedHighlightFirstLink handles the newest post being shown separately above the list of
// the rest
func tryExtractSortedHighlightFirstLink(
	starCountExtractions starCountExtractions, pageCurisSet *CanonicalUriSet,
	fewerStarsCuris []CanonicalUri, minLinksCount int, mainLink Link, guidedCtx *guidedCrawlContext,
	logger Logger,
) (*archivesSortedResult, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg
	logger.Info("Trying sorted match with highlighted first link and %d stars", starCountExtractions.StarCount)

	var bestFirstLink *maybeTitledLink
	var bestLinks []maybeTitledLink
	var bestXPath, bestLogStr string
	for _, extraction := range starCountExtractions.Extractions {
		logLines := slices.Clone(extraction.LogLines)

		// Keep the last occurrence of each link
		links := extraction.Links
		if feedEntryLinks.Length == guidedCtx.FeedEntryCurisTitlesMap.Length {
			dedupCurisSet := NewCanonicalUriSet(nil, curiEqCfg)
			var dedupLinks []elementLink
			for i := len(extraction.Links) - 1; i >= 0; i-- {
				link := extraction.Links[i]
				if dedupCurisSet.Contains(link.Curi) {
					continue
				}
				dedupLinks = append(dedupLinks, link)
				dedupCurisSet.add(link.Curi)
			}
			slices.Reverse(dedupLinks)
			if len(dedupLinks) != len(links) {
				appendLogLinef(&logLines, "dedup %d -> %d", len(links), len(dedupLinks))
			}
			links = dedupLinks
		}
		curis := ToCanonicalUris(links)

		if len(bestLinks) >= len(links) {
			continue
		}
		if len(links) < feedEntryLinks.Length-1 || len(links) < minLinksCount-1 {
			continue
		}

		firstLink, isMatchingFeed := feedEntryLinks.sequenceMatchExceptFirst(curis, curiEqCfg)
		if !isMatchingFeed {
			continue
		}
		isMatchingFewerStarsLinks := fewerStarsCuris == nil ||
			(len(fewerStarsCuris) > 0 && curisHavePrefix(curis, fewerStarsCuris[1:], curiEqCfg))
		if pageCurisSet.Contains(firstLink.Curi) &&
			!extraction.CurisSet.Contains(firstLink.Curi) &&
			isMatchingFewerStarsLinks {

			bestFirstLink = firstLink
			bestLinks = toMaybeTitledLinks(links)
			bestXPath = extraction.MaskedXPath
			bestLogStr = joinLogLines(logLines)
			logger.Info("Masked xpath is good with highlighted first link: %s%s", bestXPath, bestLogStr)
		}
	}

	if bestFirstLink == nil {
		logger.Info(
			"No sorted match with highlighted first link and %d stars", starCountExtractions.StarCount,
		)
		return nil, false
	}
	return &archivesSortedResult{
		MainLnk:  mainLink,
		Pattern:  "archives_2xpaths",
		Links:    append([]maybeTitledLink{*bestFirstLink}, bestLinks...),
		HasDates: false,
		Extra: []string{
			fmt.Sprintf("counts: 1 + %d", len(bestLinks)),
			fmt.Sprintf("suffix_xpath: %s%s", bestXPath, bestLogStr),
		},
	}, true
}

// tryExtractMediumPinnedEntry handles Medium lists where the pinned post is shown elsewhere and the rest
// have dates without a year
func tryExtractMediumPinnedEntry(
	extractions []*maskedXPathExtraction, pageLinks []*xpathLink, minLinksCount int, fetchLink Link,
	guidedCtx *guidedCrawlContext, logger Logger,
) (*archivesMediumPinnedEntryResult, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg
	if guidedCtx.FeedGenerator != FeedGeneratorMedium {
		return nil, false
	}
	logger.Info("Trying Medium match with pinned entry")

	for _, extraction := range extractions {
		links := extraction.UnfilteredLinks
		if extraction.MediumMarkupDates == nil {
			continue
		}
		if len(links) < feedEntryLinks.Length-1 || len(links) < minLinksCount-1 {
			continue
		}

		curisSet := NewCanonicalUriSet(ToCanonicalUris(links), curiEqCfg)
		notMatchingFeedLinks := feedEntryLinks.Except(&curisSet)
		if notMatchingFeedLinks.Length != 1 {
			continue
		}
		pinnedCuri := notMatchingFeedLinks.LinkBuckets[0][0].Curi
		pinnedIndex := slices.IndexFunc(pageLinks, func(pageLink *xpathLink) bool {
			return CanonicalUriEqual(pageLink.Curi, pinnedCuri, curiEqCfg)
		})
		if pinnedIndex == -1 {
			continue
		}
		pinnedLink := pageLinks[pinnedIndex]

		otherLinksDates := make([]linkDate, 0, len(links))
		for i, link := range links {
			otherLinksDates = append(otherLinksDates, linkDate{
				Link: link.maybeTitledLink,
				Date: extraction.MediumMarkupDates[i],
			})
		}

		logLines := slices.Clone(extraction.LogLines)
		appendLogLinef(&logLines, "1 + %d links", len(otherLinksDates))
		logStr := joinLogLines(logLines)
		logger.Info("Masked xpath is good with Medium pinned entry: %s%s", extraction.MaskedXPath, logStr)
		return &archivesMediumPinnedEntryResult{
			MainLnk:         fetchLink,
			Pattern:         "archives_medium_pinned_entry",
			PinnedEntryLink: newElementLink(pinnedLink).maybeTitledLink,
			OtherLinksDates: otherLinksDates,
			Extra: []string{
				fmt.Sprintf("counts: 1 + %d", len(otherLinksDates)),
				fmt.Sprintf("pinned_link_xpath: %s", pinnedLink.XPath),
				fmt.Sprintf("suffix_xpath: %s%s", extraction.MaskedXPath, logStr),
			},
		}, true
	}

	logger.Info("No Medium match with pinned entry")
	return nil, false
}

// tryExtractSorted2XPaths looks for a one star prefix and a suffix with starCount stars that together
// list the feed in order
func tryExtractSorted2XPaths(
	oneStarExtractions []*maskedXPathExtraction, starCountExtractions starCountExtractions,
	fewerStarsCuris []CanonicalUri, minLinksCount int, mainLink Link, guidedCtx *guidedCrawlContext,
	logger Logger,
) (*archivesSortedResult, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg
	logger.Info("Trying sorted match with 1+%d stars", starCountExtractions.StarCount)

	prefixExtractionsByLength := make(map[int]*maskedXPathExtraction)
	for _, prefixExtraction := range oneStarExtractions {
		if len(prefixExtraction.Links) >= feedEntryLinks.Length {
			continue
		}
		if _, ok := feedEntryLinks.sequenceMatch(prefixExtraction.Curis, curiEqCfg); !ok {
			continue
		}
		if _, ok := prefixExtractionsByLength[len(prefixExtraction.Links)]; !ok {
			prefixExtractionsByLength[len(prefixExtraction.Links)] = prefixExtraction
		}
	}

	var best *archivesSortedResult
	for _, suffixExtraction := range starCountExtractions.Extractions {
		suffixLinks := suffixExtraction.Links
		_, prefixLength := feedEntryLinks.sequenceSuffixMatch(suffixExtraction.Curis, curiEqCfg)
		if prefixLength == -1 {
			continue
		}
		prefixExtraction, ok := prefixExtractionsByLength[prefixLength]
		if !ok {
			continue
		}
		totalLength := prefixLength + len(suffixLinks)
		if totalLength < feedEntryLinks.Length || totalLength < minLinksCount {
			continue
		}
		if best != nil && len(best.Links) >= totalLength {
			continue
		}

		prefixLinks := prefixExtraction.Links
		if !isElementBefore(prefixLinks[len(prefixLinks)-1].Element, suffixLinks[0].Element) {
			continue
		}

		prefixLogStr := joinLogLines(prefixExtraction.LogLines)
		suffixLogStr := joinLogLines(suffixExtraction.LogLines)
		logger.Info("Found partition with two xpaths: %d + %d", prefixLength, len(suffixLinks))
		logger.Info("Prefix xpath: %s%s", prefixExtraction.MaskedXPath, prefixLogStr)
		logger.Info("Suffix xpath: %s%s", suffixExtraction.MaskedXPath, suffixLogStr)

		combinedLinks := append(toMaybeTitledLinks(prefixLinks), toMaybeTitledLinks(suffixLinks)...)
		combinedCuris := ToCanonicalUris(combinedLinks)
		if NewCanonicalUriSet(combinedCuris, curiEqCfg).Length != len(combinedCuris) {
			logger.Info("Combination has all feed links but also duplicates: %v", combinedCuris)
			continue
		}
		if !curisHavePrefix(combinedCuris, fewerStarsCuris, curiEqCfg) {
			logger.Info("Combination doesn't match fewer stars links")
			continue
		}

		best = &archivesSortedResult{
			MainLnk:  mainLink,
			Pattern:  "archives_2xpaths",
			Links:    combinedLinks,
			HasDates: false,
			Extra: []string{
				fmt.Sprintf("star_count: 1 + %d", starCountExtractions.StarCount),
				fmt.Sprintf("counts: %d + %d", len(prefixLinks), len(suffixLinks)),
				fmt.Sprintf("prefix_xpath: %s%s", prefixExtraction.MaskedXPath, prefixLogStr),
				fmt.Sprintf("suffix_xpath: %s%s", suffixExtraction.MaskedXPath, suffixLogStr),
			},
		}
		logger.Info("Combination is good (%d links)", len(combinedLinks))
	}

	if best == nil {
		logger.Info("No sorted match with 1+%d stars", starCountExtractions.StarCount)
		return nil, false
	}
	return best, true
}

// isElementBefore compares document order of two elements where neither contains the other
func isElementBefore(element1, element2 *html.Node) bool {
	ancestors1 := make(map[*html.Node]*html.Node)
	for node := element1; node != nil; node = node.Parent {
		ancestors1[node.Parent] = node
		if node == element2 {
			return false
		}
	}
	var top2 *html.Node
	for node := element2; node != nil; node = node.Parent {
		if node == element1 {
			return false
		}
		if _, ok := ancestors1[node.Parent]; ok {
			top2 = node
			break
		}
	}
	if top2 == nil {
		return false
	}
	top1 := ancestors1[top2.Parent]
	for sibling := top2.Parent.FirstChild; sibling != nil; sibling = sibling.NextSibling {
		switch sibling {
		case top1:
			return true
		case top2:
			return false
		}
	}
	return false
}

// tryExtractAlmostMatchingFeed accepts an xpath that only has feed links, nearly all of them. The
// result is the feed itself
func tryExtractAlmostMatchingFeed(
	starCountExtractions starCountExtractions, almostMatchThreshold int, fewerStarsCuris []CanonicalUri,
	mainLink Link, guidedCtx *guidedCrawlContext, logger Logger,
) (*archivesSortedResult, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	logger.Info("Trying almost feed match with %d stars", starCountExtractions.StarCount)

	bestLinksCount := 0
	var bestXPath, bestLogStr string
	for _, extraction := range starCountExtractions.Extractions {
		links := extraction.Links
		if bestLinksCount >= len(links) {
			continue
		}
		if len(links) >= feedEntryLinks.Length || len(links) < almostMatchThreshold {
			continue
		}
		if feedEntryLinks.countIncluded(&extraction.CurisSet) < almostMatchThreshold {
			continue
		}
		if slices.ContainsFunc(extraction.Curis, func(curi CanonicalUri) bool {
			return !guidedCtx.FeedEntryCurisTitlesMap.Contains(curi)
		}) {
			continue
		}
		if !curisHavePrefix(extraction.Curis, fewerStarsCuris, guidedCtx.CuriEqCfg) {
			continue
		}

		bestLinksCount = len(links)
		bestXPath = extraction.MaskedXPath
		logLines := slices.Clone(extraction.LogLines)
		appendLogLinef(&logLines, "%d/%d feed links", len(links), feedEntryLinks.Length)
		bestLogStr = joinLogLines(logLines)
		logger.Info("Masked xpath almost matches feed: %s%s", bestXPath, bestLogStr)
	}

	if bestLinksCount == 0 {
		logger.Info("No almost feed match with %d stars", starCountExtractions.StarCount)
		return nil, false
	}
	return &archivesSortedResult{
		MainLnk:  mainLink,
		Pattern:  "archives_feed_almost",
		Links:    feedEntryLinks.ToSlice(),
		HasDates: false,
		Extra:    []string{fmt.Sprintf("xpath: %s%s", bestXPath, bestLogStr)},
	}, true
}

// dedupLinksDates keeps the first occurrence of every link along with its date
func dedupLinksDates(
	links []elementLink, maybeDates []*date, curiEqCfg *CanonicalEqualityConfig,
) ([]elementLink, []*date) {
	dedupCurisSet := NewCanonicalUriSet(nil, curiEqCfg)
	dedupLinks := make([]elementLink, 0, len(links))
	dedupMaybeDates := make([]*date, 0, len(links))
	for i, link := range links {
		if dedupCurisSet.Contains(link.Curi) {
			continue
		}
		dedupCurisSet.add(link.Curi)
		dedupLinks = append(dedupLinks, link)
		dedupMaybeDates = append(dedupMaybeDates, maybeDates[i])
	}
	return dedupLinks, dedupMaybeDates
}

// mergeMaybeDates prefers dates from the url and falls back to the markup
func mergeMaybeDates(maybeUrlDates []*date, someMarkupDates []date) []*date {
	maybeDates := slices.Clone(maybeUrlDates)
	if someMarkupDates != nil {
		for i := range maybeDates {
			if maybeDates[i] == nil {
				maybeDates[i] = &someMarkupDates[i]
			}
		}
	}
	return maybeDates
}

// tryExtractShuffled finds an xpath with all (or almost all) feed links in an order that can't be
// trusted. The links get sorted by date during postprocessing
func tryExtractShuffled(
	starCountExtractions starCountExtractions, almostMatchThreshold int, minLinksCount int,
	guidedCtx *guidedCrawlContext, logger Logger,
) (*archivesShuffledResult, bool) {
	isAlmost := almostMatchThreshold != -1
	almostSuffix := ""
	if isAlmost {
		almostSuffix = "_almost"
	}
	feedEntryLinks := guidedCtx.FeedEntryLinks
	logger.Info("Trying shuffled%s match with %d stars", almostSuffix, starCountExtractions.StarCount)

	var bestLinks []elementLink
	var bestMaybeDates []*date
	var bestXPath, bestLogStr string
	for _, extraction := range starCountExtractions.Extractions {
		links := extraction.Links
		if len(bestLinks) >= len(links) {
			continue
		}
		if len(links) < feedEntryLinks.Length || len(links) < minLinksCount {
			continue
		}

		logLines := slices.Clone(extraction.LogLines)
		if isAlmost {
			includedCount := feedEntryLinks.countIncluded(&extraction.CurisSet)
			if includedCount == feedEntryLinks.Length || includedCount < almostMatchThreshold {
				continue
			}
			appendLogLinef(&logLines, "almost feed match %d/%d", includedCount, feedEntryLinks.Length)
		} else if !feedEntryLinks.allIncluded(&extraction.CurisSet) {
			continue
		}

		maybeDates := mergeMaybeDates(extraction.MaybeUrlDates, extraction.SomeMarkupDates)
		dedupLinks, dedupMaybeDates := links, maybeDates
		if extraction.HasDuplicates {
			dedupLinks, dedupMaybeDates = dedupLinksDates(links, maybeDates, guidedCtx.CuriEqCfg)
			appendLogLinef(&logLines, "dedup %d -> %d", len(links), len(dedupLinks))
		}

		bestLinks = dedupLinks
		bestMaybeDates = dedupMaybeDates
		bestXPath = extraction.MaskedXPath
		bestLogStr = joinLogLines(logLines)
		logger.Info("Masked xpath is good but shuffled: %s%s", bestXPath, bestLogStr)
	}

	if bestLinks == nil {
		logger.Info("No shuffled%s match with %d stars", almostSuffix, starCountExtractions.StarCount)
		return nil, false
	}

	datesPresent := 0
	for _, maybeDate := range bestMaybeDates {
		if maybeDate != nil {
			datesPresent++
		}
	}
	return &archivesShuffledResult{
		Pattern:    "archives_shuffled" + almostSuffix,
		Links:      toMaybeTitledLinks(bestLinks),
		MaybeDates: bestMaybeDates,
		Extra: []string{
			fmt.Sprintf("xpath: %s%s", bestXPath, bestLogStr),
			fmt.Sprintf("dates_present: %d/%d", datesPresent, len(bestLinks)),
		},
	}, true
}

// tryExtractLongFeed accepts the feed as is when it's long and the page has all of it
func tryExtractLongFeed(
	feedEntryLinks *FeedEntryLinks, pageCurisSet *CanonicalUriSet, minLinksCount int, mainLink Link,
	logger Logger,
) (*archivesLongFeedResult, bool) {
	if feedEntryLinks.Length < longFeedMinLength ||
		feedEntryLinks.Length < minLinksCount ||
		!feedEntryLinks.allIncluded(pageCurisSet) {

		logger.Info("No archives long feed match")
		return nil, false
	}

	logger.Info("Long feed is matching (%d links)", feedEntryLinks.Length)
	return &archivesLongFeedResult{
		MainLnk: mainLink,
		Pattern: "archives_long_feed",
		Links:   feedEntryLinks.ToSlice(),
		Extra:   nil,
	}, true
}
