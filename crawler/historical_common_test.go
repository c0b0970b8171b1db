package crawler

import (
	"net/url"
	"testing"

	"blogarchive/oops"

	"github.com/stretchr/testify/require"
)

func extractTestPageLinks(t *testing.T, content string) []*xpathLink {
	t.Helper()
	logger := NewDummyLogger()
	document, err := parseHtml(content, logger)
	oops.RequireNoError(t, err)
	fetchUri, err := url.Parse("https://blog.com/")
	oops.RequireNoError(t, err)
	return extractLinks(document, fetchUri, nil, map[string]Link{}, logger, xpathModeWithClasses)
}

func newTestFeedTitlesMap(
	t *testing.T, urls []string, curiEqCfg *CanonicalEqualityConfig,
) *CanonicalUriMap[*LinkTitle] {
	t.Helper()
	titlesMap := NewCanonicalUriMap[*LinkTitle](curiEqCfg)
	for _, url := range urls {
		titlesMap.Add(mustLink(t, url), nil)
	}
	return &titlesMap
}

func TestGroupLinksByMaskedXPath(t *testing.T) {
	type expectedGroup struct {
		maskedXPath string
		urls        []string
	}

	type Test struct {
		description string
		content     string
		feedUrls    []string
		starCount   int
		expected    []expectedGroup
	}

	tests := []Test{
		{
			description: "one star over list items",
			content: `<html><body><ul>` +
				`<li><a href="/posts/1">One</a></li>` +
				`<li><a href="/posts/2">Two</a></li>` +
				`</ul><div><a href="/about">About</a></div></body></html>`,
			feedUrls:  []string{"https://blog.com/posts/1", "https://blog.com/posts/2"},
			starCount: 1,
			expected: []expectedGroup{
				{
					maskedXPath: "/html[1]/body[1]/ul[1]/li[*]/a[1]",
					urls:        []string{"https://blog.com/posts/1", "https://blog.com/posts/2"},
				},
			},
		},
		{
			description: "feed links without same-tag siblings reveal nothing",
			content: `<html><body>` +
				`<div><a href="/posts/1">One</a></div>` +
				`<p><a href="/posts/2">Two</a></p>` +
				`</body></html>`,
			feedUrls:  []string{"https://blog.com/posts/1", "https://blog.com/posts/2"},
			starCount: 1,
			expected:  nil,
		},
		{
			description: "siblings that link to the same post are not a group",
			content: `<html><body><ul>` +
				`<li><a href="/posts/1">One</a></li>` +
				`<li><a href="/posts/1">One again</a></li>` +
				`</ul></body></html>`,
			feedUrls:  []string{"https://blog.com/posts/1"},
			starCount: 1,
			expected:  nil,
		},
		{
			description: "two stars across sections",
			content: `<html><body>` +
				`<div class="year"><ul><li><a href="/posts/3">Three</a></li></ul></div>` +
				`<div class="year"><ul>` +
				`<li><a href="/posts/2">Two</a></li>` +
				`<li><a href="/posts/1">One</a></li>` +
				`</ul></div></body></html>`,
			feedUrls: []string{
				"https://blog.com/posts/3", "https://blog.com/posts/2", "https://blog.com/posts/1",
			},
			starCount: 2,
			expected: []expectedGroup{
				{
					maskedXPath: "/html()[1]/body()[1]/div(year)[*]/ul()[1]/li()[*]/a()[1]",
					urls: []string{
						"https://blog.com/posts/3", "https://blog.com/posts/2", "https://blog.com/posts/1",
					},
				},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			curiEqCfg := NewCanonicalEqualityConfig()
			pageLinks := extractTestPageLinks(t, tc.content)
			feedTitlesMap := newTestFeedTitlesMap(t, tc.feedUrls, &curiEqCfg)

			groups := groupLinksByMaskedXPath(pageLinks, feedTitlesMap, &curiEqCfg, tc.starCount)
			var actual []expectedGroup
			for _, group := range groups {
				urls := make([]string, len(group.Links))
				for i, link := range group.Links {
					urls[i] = link.Url
				}
				actual = append(actual, expectedGroup{maskedXPath: group.MaskedXPath, urls: urls})
			}
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestGetExtractionsByStarCount(t *testing.T) {
	content := `<html><body><ul>` +
		`<li><a href="/posts/3">Three</a></li>` +
		`<li><a href="/posts/2">Two</a></li>` +
		`<li><a href="/posts/1">One</a></li>` +
		`</ul></body></html>`
	feedUrls := []string{"https://blog.com/posts/3", "https://blog.com/posts/2", "https://blog.com/posts/1"}
	curiEqCfg := NewCanonicalEqualityConfig()
	pageLinks := extractTestPageLinks(t, content)
	feedTitlesMap := newTestFeedTitlesMap(t, feedUrls, &curiEqCfg)
	feedEntryLinks := bucketsToFeedEntryLinks(t, [][]string{{feedUrls[0]}, {feedUrls[1]}, {feedUrls[2]}})

	extractionsByStarCount := getExtractionsByStarCount(
		pageLinks, FeedGeneratorOther, &feedEntryLinks, feedTitlesMap, &curiEqCfg,
		getArchivesAlmostMatchThreshold(feedEntryLinks.Length), NewDummyLogger(),
	)
	require.Len(t, extractionsByStarCount, maxStarCount)
	for i, starCountExtractions := range extractionsByStarCount {
		require.Equal(t, i+1, starCountExtractions.StarCount)
	}

	oneStar := extractionsByStarCount[0].Extractions
	require.Len(t, oneStar, 1)
	require.Equal(t, "/html[1]/body[1]/ul[1]/li[*]/a[1]", oneStar[0].MaskedXPath)
	require.Equal(t, "xpath", oneStar[0].XPathName)
	require.Equal(t, 1, oneStar[0].DistanceToTopParent)
	require.Equal(t, mustCuris(t, feedUrls), oneStar[0].Curis)
	require.False(t, oneStar[0].HasDuplicates)
	for _, link := range oneStar[0].Links {
		require.NotNil(t, link.MaybeTitle)
		require.Equal(t, LinkTitleSourceInnerText, link.MaybeTitle.Source)
	}

	// A single list has no second level to mask
	require.Empty(t, extractionsByStarCount[1].Extractions)
	require.Empty(t, extractionsByStarCount[2].Extractions)
}

func TestGetDistanceToTopParent(t *testing.T) {
	require.Equal(t, 1, getDistanceToTopParent("/html[1]/body[1]/ul[1]/li[*]/a[1]"))
	require.Equal(t, 3, getDistanceToTopParent("/html[1]/body[1]/div[*]/ul[1]/li[1]/a[1]"))
	require.Equal(t, 2, getDistanceToTopParent("/html[1]/div[*]/ul[1]/li[*]/p[1]/a[1]"))
}
