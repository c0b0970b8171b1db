package crawler

import (
	"fmt"
	"slices"
)

type historicalResultKind int

const (
	historicalResultKindArchivesSorted historicalResultKind = iota
	historicalResultKindArchivesLongFeed
	historicalResultKindArchivesMediumPinnedEntry
	historicalResultKindArchivesShuffled
	historicalResultKindArchivesCategories
	historicalResultKindPage1
	historicalResultKindPartialPaged
	historicalResultKindPaged
	historicalResultKindPostprocessed
)

func (k historicalResultKind) String() string {
	switch k {
	case historicalResultKindArchivesSorted:
		return "archives_sorted"
	case historicalResultKindArchivesLongFeed:
		return "archives_long_feed"
	case historicalResultKindArchivesMediumPinnedEntry:
		return "archives_medium_pinned_entry"
	case historicalResultKindArchivesShuffled:
		return "archives_shuffled"
	case historicalResultKindArchivesCategories:
		return "archives_categories"
	case historicalResultKindPage1:
		return "page1"
	case historicalResultKindPartialPaged:
		return "partial_paged"
	case historicalResultKindPaged:
		return "paged"
	case historicalResultKindPostprocessed:
		return "postprocessed"
	default:
		panic(fmt.Errorf("unknown historical result kind: %d", int(k)))
	}
}

// historicalResult is what a recognizer found on a page. Only archivesSortedResult,
// archivesLongFeedResult, fullPagedResult and postprocessedResult have a confirmed count, the rest are
// speculative until postprocessed
type historicalResult interface {
	kind() historicalResultKind
	mainLink() Link
	speculativeCount() int
}

type archivesSortedResult struct {
	MainLnk  Link
	Pattern  string
	Links    []maybeTitledLink
	HasDates bool
	Extra    []string
}

func (*archivesSortedResult) kind() historicalResultKind { return historicalResultKindArchivesSorted }
func (r *archivesSortedResult) mainLink() Link          { return r.MainLnk }
func (r *archivesSortedResult) speculativeCount() int   { return len(r.Links) }

type archivesLongFeedResult struct {
	MainLnk Link
	Pattern string
	Links   []maybeTitledLink
	Extra   []string
}

func (*archivesLongFeedResult) kind() historicalResultKind { return historicalResultKindArchivesLongFeed }
func (r *archivesLongFeedResult) mainLink() Link          { return r.MainLnk }
func (r *archivesLongFeedResult) speculativeCount() int   { return len(r.Links) }

type archivesMediumPinnedEntryResult struct {
	MainLnk         Link
	Pattern         string
	PinnedEntryLink maybeTitledLink
	OtherLinksDates []linkDate
	Extra           []string
}

func (*archivesMediumPinnedEntryResult) kind() historicalResultKind {
	return historicalResultKindArchivesMediumPinnedEntry
}
func (r *archivesMediumPinnedEntryResult) mainLink() Link        { return r.MainLnk }
func (r *archivesMediumPinnedEntryResult) speculativeCount() int { return len(r.OtherLinksDates) + 1 }

// archivesShuffledResult is one candidate xpath, MaybeDates is aligned with Links
type archivesShuffledResult struct {
	Pattern    string
	Links      []maybeTitledLink
	MaybeDates []*date
	Extra      []string
}

// archivesShuffledResults holds the candidates of one page, the postprocessing picks the largest one
// that sorts
type archivesShuffledResults struct {
	MainLnk        Link
	Results        []*archivesShuffledResult
	SpeculativeCnt int
}

func (*archivesShuffledResults) kind() historicalResultKind { return historicalResultKindArchivesShuffled }
func (r *archivesShuffledResults) mainLink() Link          { return r.MainLnk }
func (r *archivesShuffledResults) speculativeCount() int   { return r.SpeculativeCnt }

type archivesCategoriesResult struct {
	MainLnk    Link
	Pattern    string
	Links      []maybeTitledLink
	MaybeDates []*date
	Extra      []string
}

func (*archivesCategoriesResult) kind() historicalResultKind {
	return historicalResultKindArchivesCategories
}
func (r *archivesCategoriesResult) mainLink() Link        { return r.MainLnk }
func (r *archivesCategoriesResult) speculativeCount() int { return len(r.Links) }

type page1Result struct {
	MainLnk      Link
	LinkToPage2  Link
	MaxPage1Size int
	State        page2State
}

func (*page1Result) kind() historicalResultKind { return historicalResultKindPage1 }
func (r *page1Result) mainLink() Link          { return r.MainLnk }

// Page 2 is expected to be as long as page 1, plus at least one more page
func (r *page1Result) speculativeCount() int { return 2*r.MaxPage1Size + 1 }

type partialPagedResult struct {
	MainLnk        Link
	LinkToNextPage Link
	NextPageNumber int
	Links          []maybeTitledLink
	State          nextPageState
}

func (*partialPagedResult) kind() historicalResultKind { return historicalResultKindPartialPaged }
func (r *partialPagedResult) mainLink() Link          { return r.MainLnk }
func (r *partialPagedResult) speculativeCount() int   { return len(r.Links) + 1 }

type fullPagedResult struct {
	MainLnk Link
	Pattern string
	Links   []maybeTitledLink
	Extra   []string
}

func (*fullPagedResult) kind() historicalResultKind { return historicalResultKindPaged }
func (r *fullPagedResult) mainLink() Link          { return r.MainLnk }
func (r *fullPagedResult) speculativeCount() int   { return len(r.Links) }

type postprocessedResult struct {
	MainLnk                 Link
	Pattern                 string
	Links                   []maybeTitledLink
	IsMatchingFeed          bool
	Extra                   []string
	MaybePartialPagedResult *partialPagedResult
}

func (*postprocessedResult) kind() historicalResultKind { return historicalResultKindPostprocessed }
func (r *postprocessedResult) mainLink() Link          { return r.MainLnk }

func (r *postprocessedResult) speculativeCount() int {
	if r.MaybePartialPagedResult != nil {
		return r.MaybePartialPagedResult.speculativeCount()
	}
	return len(r.Links)
}

func printResult(result historicalResult) string {
	return fmt.Sprintf("[%s, %s, %d]", result.kind(), result.mainLink().Url, result.speculativeCount())
}

// Only a postprocessed result can be known not to match the feed
func isResultMatchingFeed(result historicalResult) bool {
	if pp, ok := result.(*postprocessedResult); ok {
		return pp.IsMatchingFeed
	}
	return true
}

func speculativeCountBetterThan(result1, result2 historicalResult) bool {
	result1MatchingFeed := isResultMatchingFeed(result1)
	result2MatchingFeed := isResultMatchingFeed(result2)
	if result1MatchingFeed != result2MatchingFeed {
		return result1MatchingFeed
	}
	count1, count2 := result1.speculativeCount(), result2.speculativeCount()
	if count1 != count2 {
		return count1 > count2
	}
	return resultTieRank(result1) > resultTieRank(result2)
}

// resultTieRank orders results of the same count: archives with dates, then other confirmed results,
// then speculative ones
func resultTieRank(result historicalResult) int {
	switch r := result.(type) {
	case *archivesSortedResult:
		if r.HasDates {
			return 2
		}
		return 1
	case *archivesLongFeedResult, *fullPagedResult:
		return 1
	case *postprocessedResult:
		if r.MaybePartialPagedResult != nil {
			return 0
		}
		return 1
	default:
		return 0
	}
}

func speculativeCountEqual(result1, result2 historicalResult) bool {
	return isResultMatchingFeed(result1) == isResultMatchingFeed(result2) &&
		result1.speculativeCount() == result2.speculativeCount()
}

// insertSortedResult keeps the results best first, a new result goes after the ones it doesn't beat
func insertSortedResult(sortedResults *[]historicalResult, newResult historicalResult) {
	insertIndex := slices.IndexFunc(*sortedResults, func(result historicalResult) bool {
		return speculativeCountBetterThan(newResult, result)
	})
	if insertIndex >= 0 {
		*sortedResults = slices.Insert(*sortedResults, insertIndex, newResult)
	} else {
		*sortedResults = append(*sortedResults, newResult)
	}
}
