package crawler

import (
	"fmt"
	"strings"
	"testing"

	"blogarchive/oops"

	"github.com/stretchr/testify/require"
)

func TestGetArchivesAlmostMatchThreshold(t *testing.T) {
	type Test struct {
		feedLength int
		expected   int
	}

	tests := []Test{
		{feedLength: 1, expected: 1},
		{feedLength: 3, expected: 3},
		{feedLength: 4, expected: 3},
		{feedLength: 7, expected: 6},
		{feedLength: 8, expected: 6},
		{feedLength: 25, expected: 23},
		{feedLength: 26, expected: 23},
		{feedLength: 62, expected: 59},
		{feedLength: 63, expected: 56},
		{feedLength: 100, expected: 93},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.feedLength), func(t *testing.T) {
			require.Equal(t, tc.expected, getArchivesAlmostMatchThreshold(tc.feedLength))
		})
	}
}

func TestGetArchivesCategoriesAlmostMatchThreshold(t *testing.T) {
	type Test struct {
		feedLength int
		expected   int
	}

	tests := []Test{
		{feedLength: 2, expected: 2},
		{feedLength: 9, expected: 9},
		{feedLength: 10, expected: 9},
		{feedLength: 19, expected: 18},
		{feedLength: 20, expected: 18},
		{feedLength: 50, expected: 48},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprint(tc.feedLength), func(t *testing.T) {
			require.Equal(t, tc.expected, getArchivesCategoriesAlmostMatchThreshold(tc.feedLength))
		})
	}
}

// Numbers are post numbers, newest is the largest
func testPostsByNumbers(posts []testPost, numbers []int) []testPost {
	result := make([]testPost, len(numbers))
	for i, number := range numbers {
		result[i] = posts[len(posts)-number]
	}
	return result
}

var testShuffledNumbers = []int{5, 12, 1, 9, 3, 11, 7, 2, 10, 6, 8, 4}

func TestGuidedCrawlArchivesRecognizers(t *testing.T) {
	type Test struct {
		description     string
		posts           func() []testPost
		archivesHtml    func(posts []testPost) string
		expectedPattern string
	}

	tests := []Test{
		{
			description: "newest posts in a separate list",
			posts: func() []testPost {
				return newTestPosts(12)
			},
			archivesHtml: func(posts []testPost) string {
				var sb strings.Builder
				sb.WriteString(`<html><head><title>Archives</title></head><body><ul>`)
				for _, post := range posts[:3] {
					fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`, post.Path, post.Title)
				}
				sb.WriteString(`</ul><div>`)
				for _, post := range posts[3:] {
					fmt.Fprintf(&sb, `<p><a href="%s">%s</a></p>`, post.Path, post.Title)
				}
				sb.WriteString(`</div></body></html>`)
				return sb.String()
			},
			expectedPattern: "archives_2xpaths",
		},
		{
			description: "shuffled with markup dates",
			posts: func() []testPost {
				return newTestPosts(12)
			},
			archivesHtml: func(posts []testPost) string {
				var sb strings.Builder
				sb.WriteString(`<html><head><title>Archives</title></head><body><ul>`)
				for _, number := range testShuffledNumbers {
					post := posts[len(posts)-number]
					fmt.Fprintf(
						&sb, `<li><a href="%s">%s</a><time datetime="2020-01-%02d"></time></li>`,
						post.Path, post.Title, number,
					)
				}
				sb.WriteString(`</ul></body></html>`)
				return sb.String()
			},
			expectedPattern: "archives_shuffled",
		},
		{
			description: "shuffled with url dates",
			posts: func() []testPost {
				posts := newTestPosts(12)
				for i := range posts {
					number := len(posts) - i
					posts[i].Path = fmt.Sprintf("/2020/01/%02d/essay-%d", number, number)
				}
				return posts
			},
			archivesHtml: func(posts []testPost) string {
				return testArchivesHtml(testPostsByNumbers(posts, testShuffledNumbers))
			},
			expectedPattern: "archives_shuffled",
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			posts := tc.posts()
			httpClient := NewMockHttpClient(map[string][]*HttpResponse{
				"https://blog.com/":         {MockHtmlResponse(testStartPageHtml)},
				"https://blog.com/archives": {MockHtmlResponse(tc.archivesHtml(posts))},
			})
			crawlCtx := newTestCrawlContext(httpClient, nil)

			result, err := GuidedCrawl(nil, testFetchedFeed(posts[:5]), crawlCtx, NewDummyLogger())
			oops.RequireNoError(t, err)
			require.NoError(t, result.HistoricalError)
			require.NotNil(t, result.HistoricalResult)
			require.Equal(t, tc.expectedPattern, result.HistoricalResult.Pattern)
			require.Equal(t, "https://blog.com/archives", result.HistoricalResult.MainLink.Url)
			requireResultUrls(t, posts, result.HistoricalResult.Links)
			for i, link := range result.HistoricalResult.Links {
				require.Equal(t, posts[i].Title, link.Title.Value)
			}
			require.Equal(t, []string{"https://blog.com/", "https://blog.com/archives"}, httpClient.RequestedUrls)
		})
	}
}

func newTestCategory(
	t *testing.T, feedEntryLinks *FeedEntryLinks, curiEqCfg *CanonicalEqualityConfig, url string,
	postUrls []string,
) archivesCategory {
	t.Helper()
	links := make([]maybeTitledLink, len(postUrls))
	for i, postUrl := range postUrls {
		links[i] = untitled(mustLink(t, postUrl))
	}
	curisSet := NewCanonicalUriSet(ToCanonicalUris(links), curiEqCfg)
	categoryLink := mustLink(t, url)
	return archivesCategory{
		Depth:       1,
		FeedBitmap:  getFeedBitmap(feedEntryLinks, &curisSet),
		MaskedXPath: "/html[1]/body[1]/ul[1]/li[*]/a[1]",
		Links:       links,
		MaybeDates:  make([]*date, len(links)),
		Curi:        categoryLink.Curi,
		FetchUri:    categoryLink.Uri,
		LogStr:      "",
	}
}

func testPostUrls(from, to int) []string {
	var urls []string
	for number := from; number >= to; number-- {
		urls = append(urls, fmt.Sprintf("https://blog.com/posts/%d", number))
	}
	return urls
}

func TestCheckCategoriesCombination(t *testing.T) {
	type Test struct {
		description     string
		categoryPosts   [][]string
		expectedOk      bool
		expectedPattern string
		expectedUrls    []string
		expectedMissing string
	}

	tests := []Test{
		{
			description:     "categories cover the feed",
			categoryPosts:   [][]string{testPostUrls(12, 7), testPostUrls(6, 1)},
			expectedOk:      true,
			expectedPattern: "archives_categories",
			expectedUrls:    testPostUrls(12, 1),
			expectedMissing: "missing_count: 0",
		},
		{
			description:     "overlapping categories are deduped",
			categoryPosts:   [][]string{testPostUrls(12, 6), testPostUrls(6, 1)},
			expectedOk:      true,
			expectedPattern: "archives_categories",
			expectedUrls:    testPostUrls(12, 1),
			expectedMissing: "missing_count: 0",
		},
		{
			description:     "missing feed link is taken from the feed",
			categoryPosts:   [][]string{testPostUrls(12, 7), testPostUrls(6, 2)},
			expectedOk:      true,
			expectedPattern: "archives_categories_almost",
			expectedUrls:    testPostUrls(12, 1),
			expectedMissing: "missing_count: 1",
		},
		{
			description:   "too many feed links missing",
			categoryPosts: [][]string{testPostUrls(12, 7), testPostUrls(6, 3)},
			expectedOk:    false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			curiEqCfg := NewCanonicalEqualityConfig()
			feedUrls := testPostUrls(12, 1)
			buckets := make([][]string, len(feedUrls))
			for i, url := range feedUrls {
				buckets[i] = []string{url}
			}
			feedEntryLinks := bucketsToFeedEntryLinks(t, buckets)
			var categories []archivesCategory
			for i, postUrls := range tc.categoryPosts {
				categories = append(categories, newTestCategory(
					t, &feedEntryLinks, &curiEqCfg, fmt.Sprintf("https://blog.com/category/%d", i), postUrls,
				))
			}

			result, ok := checkCategoriesCombination(
				categories, &feedEntryLinks, &curiEqCfg,
				getArchivesCategoriesAlmostMatchThreshold(feedEntryLinks.Length), 1,
				mustLink(t, "https://blog.com/"), NewDummyLogger(),
			)
			require.Equal(t, tc.expectedOk, ok)
			if !tc.expectedOk {
				require.Nil(t, result)
				return
			}
			require.Equal(t, tc.expectedPattern, result.Pattern)
			require.Equal(t, "https://blog.com/", result.MainLnk.Url)
			actualUrls := make([]string, len(result.Links))
			for i, link := range result.Links {
				actualUrls[i] = link.Url
			}
			require.Equal(t, tc.expectedUrls, actualUrls)
			require.Len(t, result.MaybeDates, len(result.Links))
			require.Contains(t, result.Extra, tc.expectedMissing)
		})
	}
}

func TestArchivesCategoriesStateKeepsLargest(t *testing.T) {
	curiEqCfg := NewCanonicalEqualityConfig()
	feedUrls := testPostUrls(4, 1)
	feedEntryLinks := bucketsToFeedEntryLinks(t, [][]string{{feedUrls[0]}, {feedUrls[1]}, {feedUrls[2]}, {feedUrls[3]}})
	state := newArchivesCategoriesState(mustLink(t, "https://blog.com/"))

	small := newTestCategory(
		t, &feedEntryLinks, &curiEqCfg, "https://blog.com/category/a", []string{feedUrls[0], feedUrls[1]},
	)
	large := newTestCategory(
		t, &feedEntryLinks, &curiEqCfg, "https://blog.com/category/b",
		[]string{feedUrls[0], feedUrls[1], "https://blog.com/posts/old"},
	)
	other := newTestCategory(
		t, &feedEntryLinks, &curiEqCfg, "https://blog.com/category/c", []string{feedUrls[2], feedUrls[3]},
	)
	require.Equal(t, small.FeedBitmap, large.FeedBitmap)
	require.Equal(t, "1100", small.FeedBitmap)

	state.add(small)
	state.add(large)
	state.add(small)
	state.add(other)

	categoriesByBitmap, ok := state.CategoriesByBitmapByDepth.Get(1)
	require.True(t, ok)
	require.Equal(t, 2, categoriesByBitmap.Len())
	kept, ok := categoriesByBitmap.Get("1100")
	require.True(t, ok)
	require.Equal(t, "https://blog.com/category/b", kept.FetchUri.String())
	kept, ok = categoriesByBitmap.Get("0011")
	require.True(t, ok)
	require.Equal(t, "https://blog.com/category/c", kept.FetchUri.String())
}
