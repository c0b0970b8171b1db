package crawler

import (
	"fmt"
	"strings"
	"testing"

	"blogarchive/oops"

	"github.com/stretchr/testify/require"
)

func testPagedHtml(posts []testPost, maybeNextPageUrl string) string {
	var sb strings.Builder
	sb.WriteString(`<html><head><title>Test Blog</title></head><body><ul>`)
	for _, post := range posts {
		fmt.Fprintf(&sb, `<li><a href="%s">%s</a></li>`, post.Path, post.Title)
	}
	sb.WriteString(`</ul>`)
	if maybeNextPageUrl != "" {
		fmt.Fprintf(&sb, `<div class="nav"><a href="%s">Older posts</a></div>`, maybeNextPageUrl)
	}
	sb.WriteString(`</body></html>`)
	return sb.String()
}

func TestGuidedCrawlPaged(t *testing.T) {
	type Test struct {
		description     string
		postCount       int
		pages           func(posts []testPost) map[string]string
		expectedPattern string
	}

	tests := []Test{
		{
			description: "two pages",
			postCount:   4,
			pages: func(posts []testPost) map[string]string {
				return map[string]string{
					"https://blog.com/":       testPagedHtml(posts[:2], "/page/2"),
					"https://blog.com/page/2": testPagedHtml(posts[2:], ""),
				}
			},
			expectedPattern: "paged_last",
		},
		{
			description: "two pages by query",
			postCount:   4,
			pages: func(posts []testPost) map[string]string {
				return map[string]string{
					"https://blog.com/":        testPagedHtml(posts[:2], "/?page=2"),
					"https://blog.com/?page=2": testPagedHtml(posts[2:], ""),
				}
			},
			expectedPattern: "paged_last",
		},
		{
			description: "three pages followed by next links",
			postCount:   6,
			pages: func(posts []testPost) map[string]string {
				return map[string]string{
					"https://blog.com/":       testPagedHtml(posts[:2], "/page/2"),
					"https://blog.com/page/2": testPagedHtml(posts[2:4], "/page/3"),
					"https://blog.com/page/3": testPagedHtml(posts[4:], ""),
				}
			},
			expectedPattern: "paged_next",
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			posts := newTestPosts(tc.postCount)
			responses := map[string][]*HttpResponse{}
			for url, content := range tc.pages(posts) {
				responses[url] = []*HttpResponse{MockHtmlResponse(content)}
			}
			for _, post := range posts[:2] {
				responses["https://blog.com"+post.Path] = []*HttpResponse{MockHtmlResponse(testPostHtml(post))}
			}
			crawlCtx := newTestCrawlContext(NewMockHttpClient(responses), nil)

			result, err := GuidedCrawl(nil, testFetchedFeed(posts), crawlCtx, NewDummyLogger())
			oops.RequireNoError(t, err)
			require.NoError(t, result.HistoricalError)
			require.Equal(t, tc.expectedPattern, result.HistoricalResult.Pattern)
			require.Equal(t, "https://blog.com/", result.HistoricalResult.MainLink.Url)
			requireResultUrls(t, posts, result.HistoricalResult.Links)
			for i, link := range result.HistoricalResult.Links {
				require.Equal(t, posts[i].Title, link.Title.Value)
			}
			require.Equal(t, StatusSuccess, result.FeedResult.MatchingTitlesStatus)
		})
	}
}

func TestGuidedCrawlPagedChainBreaksOnKnownLink(t *testing.T) {
	posts := newTestPosts(6)
	responses := map[string][]*HttpResponse{
		"https://blog.com/":       {MockHtmlResponse(testPagedHtml(posts[:2], "/page/2"))},
		"https://blog.com/page/2": {MockHtmlResponse(testPagedHtml(posts[2:4], "/page/3"))},
		// Page 3 repeats a post from page 1
		"https://blog.com/page/3": {MockHtmlResponse(testPagedHtml([]testPost{posts[4], posts[1]}, ""))},
	}
	for _, post := range posts[:2] {
		responses["https://blog.com"+post.Path] = []*HttpResponse{MockHtmlResponse(testPostHtml(post))}
	}
	httpClient := NewMockHttpClient(responses)
	crawlCtx := newTestCrawlContext(httpClient, nil)

	result, err := GuidedCrawl(nil, testFetchedFeed(posts), crawlCtx, NewDummyLogger())
	oops.RequireNoError(t, err)
	require.Nil(t, result.HistoricalResult)
	require.ErrorIs(t, result.HistoricalError, ErrPatternNotDetected)
	require.Contains(t, httpClient.RequestedUrls, "https://blog.com/page/3")
}

func TestCountPageSizesStr(t *testing.T) {
	type Test struct {
		description string
		pageSizes   []int
		expected    string
	}

	tests := []Test{
		{description: "most common first", pageSizes: []int{10, 10, 10, 4}, expected: "{10: 3, 4: 1}"},
		{description: "ties by size", pageSizes: []int{5, 3, 5, 3}, expected: "{3: 2, 5: 2}"},
		{description: "single page", pageSizes: []int{7}, expected: "{7: 1}"},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			require.Equal(t, tc.expected, countPageSizesStr(tc.pageSizes))
		})
	}
}

func TestFindLinkToPage2(t *testing.T) {
	type Test struct {
		description       string
		links             string
		expectedUrl       string
		expectedIsCertain bool
	}

	tests := []Test{
		{
			description:       "page path",
			links:             `<a href="/page/2">Older</a>`,
			expectedUrl:       "https://blog.com/page/2",
			expectedIsCertain: true,
		},
		{
			description:       "page query",
			links:             `<a href="/?page=2">Older</a>`,
			expectedUrl:       "https://blog.com/?page=2",
			expectedIsCertain: true,
		},
		{
			description:       "bare number is probable",
			links:             `<a href="/blog/2">Older</a>`,
			expectedUrl:       "https://blog.com/blog/2",
			expectedIsCertain: false,
		},
		{
			description:       "several candidates",
			links:             `<a href="/page/2">Older</a><a href="/tag/go/page/2">Older in go</a>`,
			expectedUrl:       "",
			expectedIsCertain: false,
		},
		{
			description:       "none",
			links:             `<a href="/about">About</a>`,
			expectedUrl:       "",
			expectedIsCertain: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			content := `<html><body>` + tc.links + `</body></html>`
			logger := NewDummyLogger()
			document, err := parseHtml(content, logger)
			oops.RequireNoError(t, err)
			page1Link := mustLink(t, "https://blog.com/")
			page1 := &htmlPage{
				Curi:     page1Link.Curi,
				FetchUri: page1Link.Uri,
				Content:  content,
				Document: document,
			}
			page1Links := extractLinks(
				document, page1.FetchUri, nil, map[string]Link{}, logger, xpathModePositional,
			)
			curiEqCfg := NewCanonicalEqualityConfig()

			toPage2, ok := findLinkToPage2(page1Links, page1, FeedGeneratorOther, &curiEqCfg, logger)
			if tc.expectedUrl == "" {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tc.expectedUrl, toPage2.Link.Url)
			require.Equal(t, tc.expectedIsCertain, toPage2.IsCertain)
		})
	}
}
