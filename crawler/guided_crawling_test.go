package crawler

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"blogarchive/oops"

	"github.com/stretchr/testify/require"
)

type testPost struct {
	Path  string
	Title string
}

func newTestPosts(count int) []testPost {
	posts := make([]testPost, count)
	for i := range posts {
		number := count - i
		posts[i] = testPost{
			Path:  fmt.Sprintf("/posts/%d", number),
			Title: fmt.Sprintf("Essay %c%c", 'a'+number/26, 'a'+number%26),
		}
	}
	return posts
}

// Posts are newest first
func testAtomFeed(host string, posts []testPost) string {
	var sb strings.Builder
	sb.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom"><title>Test Blog</title>`)
	fmt.Fprintf(&sb, `<link rel="alternate" href="https://%s/"/>`, host)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, post := range posts {
		published := start.AddDate(0, 0, len(posts)-i).Format("2006-01-02")
		fmt.Fprintf(
			&sb, `<entry><title>%s</title><link rel="alternate" href="https://%s%s"/><published>%s</published></entry>`,
			post.Title, host, post.Path, published,
		)
	}
	sb.WriteString(`</feed>`)
	return sb.String()
}

func testArchivesHtml(posts []testPost) string {
	var sb strings.Builder
	sb.WriteString(`<html><head><title>Archives</title></head><body><ul>`)
	for _, post := range posts {
		fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`, post.Path, post.Title)
	}
	sb.WriteString(`</ul></body></html>`)
	return sb.String()
}

func testPostHtml(post testPost) string {
	return fmt.Sprintf(`<html><head><title>%s</title></head><body><p>Text</p></body></html>`, post.Title)
}

const testStartPageHtml = `<html><head><title>Test Blog</title></head><body>` +
	`<nav><a href="/archives">Archives</a></nav></body></html>`

func testFetchedFeed(posts []testPost) DiscoveredFetchedFeed {
	return DiscoveredFetchedFeed{
		Title:    "Test Blog",
		Url:      "https://blog.com/feed.xml",
		FinalUrl: "https://blog.com/feed.xml",
		Content:  testAtomFeed("blog.com", posts),
	}
}

func requireResultUrls(t *testing.T, expectedPosts []testPost, links []titledLink) {
	t.Helper()
	expectedUrls := make([]string, len(expectedPosts))
	for i, post := range expectedPosts {
		expectedUrls[i] = "https://blog.com" + post.Path
	}
	actualUrls := make([]string, len(links))
	for i, link := range links {
		actualUrls[i] = link.Url
	}
	require.Equal(t, expectedUrls, actualUrls)
}

func TestGuidedCrawlArchives(t *testing.T) {
	type Test struct {
		description string
		listing     func(posts []testPost) []testPost
	}

	tests := []Test{
		{
			description: "newest first",
			listing: func(posts []testPost) []testPost {
				return posts
			},
		},
		{
			description: "oldest first",
			listing: func(posts []testPost) []testPost {
				reversed := make([]testPost, len(posts))
				for i, post := range posts {
					reversed[len(posts)-1-i] = post
				}
				return reversed
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			posts := newTestPosts(12)
			httpClient := NewMockHttpClient(map[string][]*HttpResponse{
				"https://blog.com/":         {MockHtmlResponse(testStartPageHtml)},
				"https://blog.com/archives": {MockHtmlResponse(testArchivesHtml(tc.listing(posts)))},
			})
			crawlCtx := newTestCrawlContext(httpClient, nil)

			result, err := GuidedCrawl(nil, testFetchedFeed(posts[:5]), crawlCtx, NewDummyLogger())
			oops.RequireNoError(t, err)
			require.NoError(t, result.HistoricalError)
			require.NotNil(t, result.HistoricalResult)
			require.Equal(t, "archives", result.HistoricalResult.Pattern)
			require.Equal(t, "https://blog.com/archives", result.HistoricalResult.MainLink.Url)
			requireResultUrls(t, posts, result.HistoricalResult.Links)
			for i, link := range result.HistoricalResult.Links {
				require.Equal(t, posts[i].Title, link.Title.Value)
				require.Equal(t, LinkTitleSourceInnerText, link.Title.Source)
			}
			require.Empty(t, result.HistoricalResult.DiscardedFeedEntryUrls)
			require.Equal(t, "https://blog.com/feed.xml", result.FeedResult.Url)
			require.Equal(t, 5, result.FeedResult.Links)
			require.Equal(t, StatusSuccess, result.FeedResult.MatchingTitlesStatus)
			require.Equal(t, "5", result.FeedResult.MatchingTitles)
			require.Equal(t, []string{"https://blog.com/", "https://blog.com/archives"}, httpClient.RequestedUrls)
		})
	}
}

func TestGuidedCrawlSkipsQueryVariants(t *testing.T) {
	posts := newTestPosts(12)
	startPageHtml := `<html><head><title>Test Blog</title></head><body><nav>` +
		`<a href="/archives">Archives</a>` +
		`<a href="/archives?page=2">Older</a>` +
		`<a href="/archives?sort=asc">Oldest first</a>` +
		`</nav></body></html>`
	httpClient := NewMockHttpClient(map[string][]*HttpResponse{
		"https://blog.com/":         {MockHtmlResponse(startPageHtml)},
		"https://blog.com/archives": {MockHtmlResponse(testArchivesHtml(posts))},
	})
	crawlCtx := newTestCrawlContext(httpClient, nil)

	result, err := GuidedCrawl(nil, testFetchedFeed(posts[:5]), crawlCtx, NewDummyLogger())
	oops.RequireNoError(t, err)
	require.NoError(t, result.HistoricalError)
	require.Equal(t, "archives", result.HistoricalResult.Pattern)
	requireResultUrls(t, posts, result.HistoricalResult.Links)
	require.Equal(t, []string{"https://blog.com/", "https://blog.com/archives"}, httpClient.RequestedUrls)
}

func TestQueuedCurisSetIgnoresQuery(t *testing.T) {
	curiEqCfg := NewCanonicalEqualityConfig()
	queued := newQueuedCurisSet(&curiEqCfg)
	queued.add(mustLink(t, "https://blog.com/archives?page=2").Curi)
	require.True(t, queued.contains(mustLink(t, "https://blog.com/archives").Curi))
	require.True(t, queued.contains(mustLink(t, "https://blog.com/archives?page=3").Curi))
	require.False(t, queued.contains(mustLink(t, "https://blog.com/archive").Curi))
}

func TestGuidedCrawlLongFeed(t *testing.T) {
	posts := newTestPosts(60)
	httpClient := NewMockHttpClient(map[string][]*HttpResponse{
		"https://blog.com/": {MockHtmlResponse(testStartPageHtml)},
	})
	crawlCtx := newTestCrawlContext(httpClient, nil)

	result, err := GuidedCrawl(nil, testFetchedFeed(posts), crawlCtx, NewDummyLogger())
	oops.RequireNoError(t, err)
	require.Equal(t, "long_feed", result.HistoricalResult.Pattern)
	requireResultUrls(t, posts, result.HistoricalResult.Links)
	require.Equal(t, LinkTitleSourceFeed, result.HistoricalResult.Links[0].Title.Source)
	require.Equal(t, StatusSuccess, result.FeedResult.MatchingTitlesStatus)
	require.Equal(t, []string{"https://blog.com/"}, httpClient.RequestedUrls)
}

func TestGuidedCrawlPatternNotDetected(t *testing.T) {
	posts := newTestPosts(3)
	responses := map[string][]*HttpResponse{
		"https://blog.com/":         {MockHtmlResponse(testStartPageHtml)},
		"https://blog.com/archives": {MockHtmlResponse(`<html><body><div id="app"></div></body></html>`)},
	}
	for _, post := range posts {
		responses["https://blog.com"+post.Path] = []*HttpResponse{MockHtmlResponse(testPostHtml(post))}
	}
	crawlCtx := newTestCrawlContext(NewMockHttpClient(responses), nil)

	result, err := GuidedCrawl(nil, testFetchedFeed(posts), crawlCtx, NewDummyLogger())
	oops.RequireNoError(t, err)
	require.Nil(t, result.HistoricalResult)
	require.ErrorIs(t, result.HistoricalError, ErrPatternNotDetected)
	require.Equal(t, StatusNeutral, result.FeedResult.MatchingTitlesStatus)
}

func TestGuidedCrawlRetriesWithBrowser(t *testing.T) {
	posts := newTestPosts(12)
	feedPosts := posts[:5]
	responses := map[string][]*HttpResponse{
		"https://blog.com/":         {MockHtmlResponse(testStartPageHtml)},
		"https://blog.com/archives": {MockHtmlResponse(`<html><body><div id="app"></div></body></html>`)},
	}
	for _, post := range feedPosts {
		responses["https://blog.com"+post.Path] = []*HttpResponse{MockHtmlResponse(testPostHtml(post))}
	}
	browserClient := NewMockBrowserClient(map[string]string{
		"https://blog.com/archives": testArchivesHtml(posts),
	})
	crawlCtx := newTestCrawlContext(NewMockHttpClient(responses), browserClient)

	result, err := GuidedCrawl(nil, testFetchedFeed(feedPosts), crawlCtx, NewDummyLogger())
	oops.RequireNoError(t, err)
	require.NoError(t, result.HistoricalError)
	require.Equal(t, "archives", result.HistoricalResult.Pattern)
	requireResultUrls(t, posts, result.HistoricalResult.Links)
	require.Equal(t, "https://blog.com/archives", browserClient.RequestedUrls[0])
	require.True(t, crawlCtx.PptrFetchedCuris.Contains(mustLink(t, "https://blog.com/archives").Curi))
}

func TestGuidedCrawlFeedTooShort(t *testing.T) {
	crawlCtx := newTestCrawlContext(NewMockHttpClient(nil), nil)

	result, err := GuidedCrawl(nil, testFetchedFeed(newTestPosts(1)), crawlCtx, NewDummyLogger())
	require.Nil(t, result)
	var crawlErr *GuidedCrawlingError
	require.True(t, errors.As(err, &crawlErr))
	require.Equal(t, 1, crawlErr.Result.FeedResult.Links)
	require.Contains(t, err.Error(), "only has 1 item")
}

func TestCompareWithFeed(t *testing.T) {
	type Test struct {
		description string
		sortedUrls  []string
		expected    bool
	}

	tests := []Test{
		{
			description: "feed is a prefix",
			sortedUrls:  []string{"https://a.com/3", "https://a.com/2", "https://a.com/1", "https://a.com/0"},
			expected:    true,
		},
		{
			description: "missing feed entries are skipped",
			sortedUrls:  []string{"https://a.com/3", "https://a.com/1", "https://a.com/0"},
			expected:    true,
		},
		{
			description: "swapped entries",
			sortedUrls:  []string{"https://a.com/2", "https://a.com/3", "https://a.com/1"},
			expected:    false,
		},
	}

	logger := NewDummyLogger()
	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			curiEqCfg := NewCanonicalEqualityConfig()
			feedLinks := []maybeTitledLink{
				untitled(mustLink(t, "https://a.com/3")),
				untitled(mustLink(t, "https://a.com/2")),
				untitled(mustLink(t, "https://a.com/1")),
			}
			feedEntryLinks := newFeedEntryLinks(feedLinks, []time.Time{
				time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
			})
			var sortedLinks []maybeTitledLink
			for _, url := range tc.sortedUrls {
				sortedLinks = append(sortedLinks, untitled(mustLink(t, url)))
			}

			require.Equal(t, tc.expected, compareWithFeed(sortedLinks, &feedEntryLinks, &curiEqCfg, logger))
		})
	}
}

func TestCountLinkTitleSources(t *testing.T) {
	links := []titledLink{
		{Link: mustLink(t, "https://a.com/1"), Title: NewLinkTitle("One", LinkTitleSourceFeed)},
		{Link: mustLink(t, "https://a.com/2"), Title: NewLinkTitle("Two", LinkTitleSourcePageTitle)},
		{Link: mustLink(t, "https://a.com/3"), Title: NewLinkTitle("Three", LinkTitleSourcePageTitle)},
	}
	require.Equal(t, "{page_title: 2, feed: 1}", countLinkTitleSources(links))
}

func TestFetchMissingTitles(t *testing.T) {
	httpClient := NewMockHttpClient(map[string][]*HttpResponse{
		"https://a.com/2": {MockHtmlResponse(`<html><head><title>Second | My Blog</title></head></html>`)},
		"https://a.com/3": {MockHtmlResponse(`<html><head><title>Third | My Blog</title></head></html>`)},
	})
	crawlCtx := newTestCrawlContext(httpClient, nil)
	curiEqCfg := NewCanonicalEqualityConfig()
	feedEntryCurisTitlesMap := NewCanonicalUriMap[*LinkTitle](&curiEqCfg)
	feedTitle := NewLinkTitle("First", LinkTitleSourceFeed)
	feedEntryCurisTitlesMap.Add(mustLink(t, "https://a.com/1"), &feedTitle)

	links := []maybeTitledLink{
		untitled(mustLink(t, "https://a.com/1")),
		untitled(mustLink(t, "https://a.com/2")),
		untitled(mustLink(t, "https://a.com/3")),
		untitled(mustLink(t, "https://a.com/4")),
	}
	titledLinks, err := fetchMissingTitles(
		links, &feedEntryCurisTitlesMap, FeedGeneratorOther, &curiEqCfg, crawlCtx, NewDummyLogger(),
	)
	oops.RequireNoError(t, err)

	var titles []string
	var sources []LinkTitleSource
	for _, link := range titledLinks {
		titles = append(titles, link.Title.Value)
		sources = append(sources, link.Title.Source)
	}
	require.Equal(t, []string{"First", "Second | My Blog", "Third | My Blog", "https://a.com/4"}, titles)
	require.Equal(t, []LinkTitleSource{
		LinkTitleSourceFeed, LinkTitleSourcePageTitle, LinkTitleSourcePageTitle, LinkTitleSourceUrl,
	}, sources)
}
