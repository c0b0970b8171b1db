package crawler

import (
	neturl "net/url"
	"testing"

	"blogarchive/oops"

	"github.com/stretchr/testify/require"
)

func mustParseFeed(t *testing.T, content string) *ParsedFeed {
	t.Helper()
	fetchUri, err := neturl.Parse("https://blog.example.com/feed.xml")
	oops.RequireNoError(t, err)
	parsedFeed, err := ParseFeed(content, fetchUri, NewDummyLogger())
	oops.RequireNoError(t, err)
	return parsedFeed
}

func TestIsFeed(t *testing.T) {
	type Test struct {
		description string
		body        string
		expected    bool
	}

	tests := []Test{
		{
			description: "rss",
			body:        `<rss version='2.0'><channel><title>Weblog</title></channel></rss>`,
			expected:    true,
		},
		{
			description: "rdf",
			body: `<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#" xmlns="http://purl.org/rss/1.0/">
				<channel rdf:about="http://www.aaronsw.com/weblog/index.xml"><title>Raw Thought</title></channel>
			</rdf:RDF>`,
			expected: true,
		},
		{
			description: "atom",
			body: `<?xml version="1.0" encoding="UTF-8"?>
				<feed xmlns="http://www.w3.org/2005/Atom"><title>lab notebook</title></feed>`,
			expected: true,
		},
		{
			description: "atom without namespace",
			body:        `<feed><title>lab notebook</title></feed>`,
			expected:    false,
		},
		{
			description: "html",
			body:        `<html><head><title>Blog</title></head><body></body></html>`,
			expected:    false,
		},
		{
			description: "empty",
			body:        "",
			expected:    false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			require.Equal(t, tc.expected, IsFeed(tc.body))
		})
	}
}

func TestParseFeedRootUrl(t *testing.T) {
	type Test struct {
		description     string
		content         string
		expectedRootUrl string
	}

	tests := []Test{
		{
			description:     "rss root url",
			content:         `<rss><channel><link>https://root</link></channel></rss>`,
			expectedRootUrl: "https://root",
		},
		{
			description:     "rss root url is not present",
			content:         `<rss><channel></channel></rss>`,
			expectedRootUrl: "",
		},
		{
			description: "rdf root url",
			content: `<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#" xmlns="http://purl.org/rss/1.0/">
				<channel><link>https://root</link></channel>
			</rdf:RDF>`,
			expectedRootUrl: "https://root",
		},
		{
			description:     "atom root url",
			content:         `<feed xmlns="http://www.w3.org/2005/Atom"><link rel="alternate" href="https://root"/></feed>`,
			expectedRootUrl: "https://root",
		},
		{
			description:     "atom root url without rel",
			content:         `<feed xmlns="http://www.w3.org/2005/Atom"><link href="https://root"/></feed>`,
			expectedRootUrl: "https://root",
		},
		{
			description:     "atom self link is not the root url",
			content:         `<feed xmlns="http://www.w3.org/2005/Atom"><link rel="self" href="https://root/feed"/></feed>`,
			expectedRootUrl: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			parsedFeed := mustParseFeed(t, tc.content)
			if tc.expectedRootUrl == "" {
				require.Nil(t, parsedFeed.RootLink)
			} else {
				require.NotNil(t, parsedFeed.RootLink)
				require.Equal(t, tc.expectedRootUrl, parsedFeed.RootLink.Url)
			}
		})
	}
}

func TestParseFeedEntryUrls(t *testing.T) {
	type Test struct {
		description  string
		content      string
		expectedUrls []string
	}

	tests := []Test{
		{
			description: "rss link",
			content: `<rss><channel>
				<item><link>https://blog/a</link></item>
				<item><link>/b</link></item>
			</channel></rss>`,
			expectedUrls: []string{"https://blog/a", "https://blog.example.com/b"},
		},
		{
			description: "rss feedburner origLink is preferred",
			content: `<rss xmlns:feedburner="http://rssnamespace.org/feedburner/ext/1.0"><channel>
				<item><link>https://feeds.feedburner.com/a</link><feedburner:origLink>https://blog/a</feedburner:origLink></item>
			</channel></rss>`,
			expectedUrls: []string{"https://blog/a"},
		},
		{
			description: "rss permalink guid",
			content: `<rss><channel>
				<item><guid isPermaLink="true">https://blog/a</guid></item>
			</channel></rss>`,
			expectedUrls: []string{"https://blog/a"},
		},
		{
			description: "atom alternate link is preferred",
			content: `<feed xmlns="http://www.w3.org/2005/Atom">
				<entry><link rel="replies" href="https://blog/a#comments"/><link rel="alternate" href="https://blog/a"/></entry>
			</feed>`,
			expectedUrls: []string{"https://blog/a"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			parsedFeed := mustParseFeed(t, tc.content)
			var urls []string
			for _, link := range parsedFeed.EntryLinks.ToSlice() {
				urls = append(urls, link.Url)
			}
			require.Equal(t, tc.expectedUrls, urls)
		})
	}
}

func TestParseFeedEntryWithoutUrl(t *testing.T) {
	fetchUri, err := neturl.Parse("https://blog.example.com/feed.xml")
	oops.RequireNoError(t, err)
	content := `<rss><channel><item><title>No link</title><guid>123</guid></item></channel></rss>`
	_, err = ParseFeed(content, fetchUri, NewDummyLogger())
	require.Error(t, err)
}

func TestParseFeedOrder(t *testing.T) {
	type Test struct {
		description     string
		dates           []string
		expectedOrder   string
		expectedCertain bool
	}

	tests := []Test{
		{
			description:     "descending is kept",
			dates:           []string{"2021-03-01", "2021-02-01", "2021-01-01"},
			expectedOrder:   "[[blog/0], [blog/1], [blog/2]]",
			expectedCertain: true,
		},
		{
			description:     "ascending is reversed",
			dates:           []string{"2021-01-01", "2021-02-01", "2021-03-01"},
			expectedOrder:   "[[blog/2], [blog/1], [blog/0]]",
			expectedCertain: true,
		},
		{
			description:     "unsorted is sorted",
			dates:           []string{"2021-02-01", "2021-03-01", "2021-01-01"},
			expectedOrder:   "[[blog/1], [blog/0], [blog/2]]",
			expectedCertain: true,
		},
		{
			description:     "same dates are bucketed",
			dates:           []string{"2021-03-01", "2021-02-01", "2021-02-01"},
			expectedOrder:   "[[blog/0], [blog/1, blog/2]]",
			expectedCertain: true,
		},
		{
			description:     "missing date makes order uncertain",
			dates:           []string{"2021-01-01", "", "2021-03-01"},
			expectedOrder:   "[[blog/0], [blog/1], [blog/2]]",
			expectedCertain: false,
		},
		{
			description:     "single entry is uncertain",
			dates:           []string{"2021-01-01"},
			expectedOrder:   "[[blog/0]]",
			expectedCertain: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			content := `<feed xmlns="http://www.w3.org/2005/Atom">`
			for i, date := range tc.dates {
				content += `<entry><link href="https://blog/` + string(rune('0'+i)) + `"/>`
				if date != "" {
					content += `<published>` + date + `</published>`
				}
				content += `</entry>`
			}
			content += `</feed>`

			parsedFeed := mustParseFeed(t, content)
			require.Equal(t, tc.expectedOrder, parsedFeed.EntryLinks.String())
			require.Equal(t, tc.expectedCertain, parsedFeed.EntryLinks.IsOrderCertain)
		})
	}
}

func TestParseFeedTitlesAndGenerator(t *testing.T) {
	content := `<rss><channel>
		<title>Rock &amp;amp; Roll</title>
		<generator>Tumblr (3.0; @example)</generator>
		<item><title>First  post</title><link>https://blog/a</link><pubDate>Mon, 02 Jan 2006 15:04:05 MST</pubDate></item>
		<item><link>https://blog/b</link><pubDate>Sun, 01 Jan 2006 15:04:05 MST</pubDate></item>
	</channel></rss>`

	parsedFeed := mustParseFeed(t, content)
	require.Equal(t, "Rock & Roll", parsedFeed.Title)
	require.Equal(t, FeedGeneratorTumblr, parsedFeed.Generator)

	links := parsedFeed.EntryLinks.ToSlice()
	require.Len(t, links, 2)
	require.NotNil(t, links[0].MaybeTitle)
	require.Equal(t, "First post", links[0].MaybeTitle.Value)
	require.Equal(t, LinkTitleSourceFeed, links[0].MaybeTitle.Source)
	require.Nil(t, links[1].MaybeTitle)
	require.True(t, parsedFeed.EntryLinks.IsOrderCertain)
}

func TestParseFeedTitleFallsBackToHost(t *testing.T) {
	parsedFeed := mustParseFeed(t, `<rss><channel><item><link>https://blog/a</link></item></channel></rss>`)
	require.Equal(t, "blog.example.com", parsedFeed.Title)
}
