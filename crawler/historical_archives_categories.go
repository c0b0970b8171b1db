package crawler

import (
	"fmt"
	neturl "net/url"
	"slices"
	"strings"

	om "github.com/wk8/go-ordered-map/v2"
)

// archivesCategoriesState collects category pages across the crawl. Within a path depth, every distinct
// subset of the feed keeps its largest category
type archivesCategoriesState struct {
	MainLink                 Link
	CategoriesByBitmapByDepth *om.OrderedMap[int, *om.OrderedMap[string, archivesCategory]]
}

func newArchivesCategoriesState(mainLink Link) *archivesCategoriesState {
	return &archivesCategoriesState{
		MainLink:                 mainLink,
		CategoriesByBitmapByDepth: om.New[int, *om.OrderedMap[string, archivesCategory]](),
	}
}

// add keeps the category unless a larger one with the same feed bitmap is already known
func (s *archivesCategoriesState) add(category archivesCategory) {
	categoriesByBitmap, ok := s.CategoriesByBitmapByDepth.Get(category.Depth)
	if !ok {
		categoriesByBitmap = om.New[string, archivesCategory]()
		s.CategoriesByBitmapByDepth.Set(category.Depth, categoriesByBitmap)
	}
	if existing, ok := categoriesByBitmap.Get(category.FeedBitmap); ok &&
		len(existing.Links) >= len(category.Links) {
		return
	}
	categoriesByBitmap.Set(category.FeedBitmap, category)
}

type archivesCategory struct {
	Depth       int
	FeedBitmap  string
	MaskedXPath string
	Links       []maybeTitledLink
	MaybeDates  []*date
	Curi        CanonicalUri
	FetchUri    *neturl.URL
	LogStr      string
}

func getArchivesCategoriesAlmostMatchThreshold(feedLength int) int {
	switch {
	case feedLength <= 9:
		return feedLength
	case feedLength <= 19:
		return feedLength - 1
	default:
		return feedLength - 2
	}
}

func getFeedBitmap(feedEntryLinks *FeedEntryLinks, curisSet *CanonicalUriSet) string {
	var sb strings.Builder
	sb.Grow(feedEntryLinks.Length)
	for _, link := range feedEntryLinks.ToSlice() {
		if curisSet.Contains(link.Curi) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// tryExtractArchivesCategories records the largest partial list of the page as a category, then looks
// for two or three categories at the same depth that together cover the feed
func tryExtractArchivesCategories(
	page *htmlPage, pageCurisSet *CanonicalUriSet, extractionsByStarCount []starCountExtractions,
	guidedCtx *guidedCrawlContext, logger Logger,
) (*archivesCategoriesResult, bool) {
	feedEntryLinks := guidedCtx.FeedEntryLinks
	curiEqCfg := guidedCtx.CuriEqCfg
	if feedEntryLinks.countIncluded(pageCurisSet) < 2 {
		return nil, false
	}

	// Merging categories relies on feed links being unique
	if feedEntryLinks.Length != guidedCtx.FeedEntryCurisTitlesMap.Length {
		return nil, false
	}

	var best *archivesCategory
	for _, starCountExtractions := range extractionsByStarCount {
		logger.Info("Trying category match with %d stars", starCountExtractions.StarCount)
		for _, extraction := range starCountExtractions.Extractions {
			links := extraction.Links
			if best != nil && len(best.Links) >= len(links) {
				continue
			}
			if len(links) < 2 {
				continue
			}

			feedMatchingCount := feedEntryLinks.countIncluded(&extraction.CurisSet)
			if feedMatchingCount < 2 {
				continue
			}
			if feedMatchingCount > feedEntryLinks.Length-2 {
				// Too close to full archives
				continue
			}

			maybeDates := mergeMaybeDates(extraction.MaybeUrlDates, extraction.SomeMarkupDates)
			logLines := slices.Clone(extraction.LogLines)
			dedupLinks, dedupMaybeDates := links, maybeDates
			if extraction.HasDuplicates {
				dedupLinks, dedupMaybeDates = dedupLinksDates(links, maybeDates, curiEqCfg)
				appendLogLinef(&logLines, "dedup %d -> %d", len(links), len(dedupLinks))
			}

			best = &archivesCategory{
				Depth:       strings.Count(page.Curi.TrimmedPath, "/"),
				FeedBitmap:  getFeedBitmap(feedEntryLinks, &extraction.CurisSet),
				MaskedXPath: extraction.MaskedXPath,
				Links:       toMaybeTitledLinks(dedupLinks),
				MaybeDates:  dedupMaybeDates,
				Curi:        page.Curi,
				FetchUri:    page.FetchUri,
				LogStr:      joinLogLines(logLines),
			}
			logger.Info("Masked xpath looks like a category: %s%s", best.MaskedXPath, best.LogStr)
		}
	}

	if best == nil {
		logger.Info("No archives categories match")
		return nil, false
	}

	state := guidedCtx.ArchivesCategoriesState
	state.add(*best)

	almostMatchThreshold := getArchivesCategoriesAlmostMatchThreshold(feedEntryLinks.Length)
	combinationsChecked := 0
	tryCombination := func(categories ...archivesCategory) (*archivesCategoriesResult, bool) {
		combinationsChecked++
		return checkCategoriesCombination(
			categories, feedEntryLinks, curiEqCfg, almostMatchThreshold, combinationsChecked,
			state.MainLink, logger,
		)
	}

	categoriesByDepth := make([][]archivesCategory, 0, state.CategoriesByBitmapByDepth.Len())
	for depthPair := state.CategoriesByBitmapByDepth.Oldest(); depthPair != nil; depthPair = depthPair.Next() {
		var categories []archivesCategory
		for pair := depthPair.Value.Oldest(); pair != nil; pair = pair.Next() {
			categories = append(categories, pair.Value)
		}
		categoriesByDepth = append(categoriesByDepth, categories)
	}

	for _, categories := range categoriesByDepth {
		for i := range categories {
			for j := 0; j < i; j++ {
				if result, ok := tryCombination(categories[i], categories[j]); ok {
					return result, true
				}
			}
		}
	}
	for _, categories := range categoriesByDepth {
		for i := range categories {
			for j := 0; j < i; j++ {
				for k := 0; k < j; k++ {
					if result, ok := tryCombination(categories[i], categories[j], categories[k]); ok {
						return result, true
					}
				}
			}
		}
	}

	logger.Info("No archives categories match. Combinations checked: %d", combinationsChecked)
	return nil, false
}

func checkCategoriesCombination(
	categories []archivesCategory, feedEntryLinks *FeedEntryLinks, curiEqCfg *CanonicalEqualityConfig,
	almostMatchThreshold int, combinationsChecked int, mainLink Link, logger Logger,
) (*archivesCategoriesResult, bool) {
	isCovered := func(feedIndex int) bool {
		for _, category := range categories {
			if category.FeedBitmap[feedIndex] == '1' {
				return true
			}
		}
		return false
	}

	feedOverlap := 0
	for i := 0; i < feedEntryLinks.Length; i++ {
		if isCovered(i) {
			feedOverlap++
		}
	}
	if feedOverlap < almostMatchThreshold {
		return nil, false
	}

	var mergedLinks []maybeTitledLink
	var mergedMaybeDates []*date
	for _, category := range categories {
		mergedLinks = append(mergedLinks, category.Links...)
		mergedMaybeDates = append(mergedMaybeDates, category.MaybeDates...)
	}
	missingCount := 0
	almostSuffix := ""
	if feedOverlap < feedEntryLinks.Length {
		for i, link := range feedEntryLinks.ToSlice() {
			if isCovered(i) {
				continue
			}
			mergedLinks = append(mergedLinks, link)
			mergedMaybeDates = append(mergedMaybeDates, nil)
			missingCount++
		}
		almostSuffix = "_almost"
	}

	dedupLinks := make([]maybeTitledLink, 0, len(mergedLinks))
	dedupMaybeDates := make([]*date, 0, len(mergedLinks))
	curisSet := NewCanonicalUriSet(nil, curiEqCfg)
	for i, link := range mergedLinks {
		if curisSet.Contains(link.Curi) {
			continue
		}
		curisSet.add(link.Curi)
		dedupLinks = append(dedupLinks, link)
		dedupMaybeDates = append(dedupMaybeDates, mergedMaybeDates[i])
	}

	var totalLogLines []string
	if len(mergedLinks) != len(dedupLinks) {
		appendLogLinef(&totalLogLines, "dedup %d -> %d", len(mergedLinks), len(dedupLinks))
	}
	appendLogLinef(&totalLogLines, "%d links total", len(dedupLinks))
	for i, category := range categories {
		logger.Info(
			"Category %d: %d links, url %s, masked xpath %s%s",
			i+1, len(category.Links), category.Curi, category.MaskedXPath, category.LogStr,
		)
	}
	logger.Info("Missing links: %d, combinations checked: %d", missingCount, combinationsChecked)

	var extra []string
	for i, category := range categories {
		extra = append(extra,
			fmt.Sprintf("cat%d_count: %d", i+1, len(category.Links)),
			fmt.Sprintf("cat%d_url: %s", i+1, category.FetchUri),
			fmt.Sprintf("cat%d_xpath: %s%s", i+1, category.MaskedXPath, category.LogStr),
		)
	}
	extra = append(extra,
		fmt.Sprintf("missing_count: %d", missingCount),
		fmt.Sprintf("total: %s", joinLogLines(totalLogLines)),
	)

	return &archivesCategoriesResult{
		MainLnk:    mainLink,
		Pattern:    "archives_categories" + almostSuffix,
		Links:      dedupLinks,
		MaybeDates: dedupMaybeDates,
		Extra:      extra,
	}, true
}
