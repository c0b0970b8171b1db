package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"blogarchive/crawler"
	"blogarchive/oops"
	"blogarchive/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestReadInputs(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "blogs.txt")
	content := `# blogs to crawl
https://a.com/

- https://b.com/feed.xml
https://c.com/  https://c.com/atom.xml
`
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))

	inputs, err := readInputs(filename)
	oops.RequireNoError(t, err)
	require.Equal(t, []crawlInput{
		{StartUrl: "https://a.com/", FeedUrl: ""},
		{StartUrl: "", FeedUrl: "https://b.com/feed.xml"},
		{StartUrl: "https://c.com/", FeedUrl: "https://c.com/atom.xml"},
	}, inputs)
	require.Equal(t, "https://a.com/", inputs[0].source())
	require.Equal(t, "https://b.com/feed.xml", inputs[1].source())
}

func TestReadInputsErrors(t *testing.T) {
	type Test struct {
		description string
		content     string
	}

	tests := []Test{
		{description: "too many fields", content: "https://a.com/ https://a.com/feed extra\n"},
		{description: "only comments", content: "# nothing\n\n"},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			filename := filepath.Join(t.TempDir(), "blogs.txt")
			require.NoError(t, os.WriteFile(filename, []byte(tc.content), 0644))
			_, err := readInputs(filename)
			require.Error(t, err)
		})
	}
}

func openTestStore(t *testing.T) store.Store {
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "crawl.sqlite"))
	oops.RequireNoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedResponse(t *testing.T, s store.Store, source, fetchUrl, contentType, body string) {
	err := s.SaveResponse(context.Background(), &store.Response{
		Source:           source,
		FetchUrl:         fetchUrl,
		Code:             "200",
		MaybeContentType: &contentType,
		MaybeLocation:    nil,
		Body:             []byte(body),
	})
	oops.RequireNoError(t, err)
}

func TestCachingHttpClientReplays(t *testing.T) {
	s := openTestStore(t)
	source := "https://blog.com/feed.xml"
	seedResponse(t, s, source, "https://blog.com/", "text/html", "<html></html>")

	client := NewCachingHttpClient(context.Background(), s, source)
	uri, err := url.Parse("https://blog.com/")
	oops.RequireNoError(t, err)
	response, err := client.Request(uri, true, crawler.NewDummyLogger())
	oops.RequireNoError(t, err)
	require.Equal(t, "200", response.Code)
	require.Equal(t, "text/html", *response.MaybeContentType)
	require.Equal(t, []byte("<html></html>"), response.Body)
	require.Zero(t, client.NetworkRequestsMade)
}

type testPost struct {
	Path  string
	Title string
}

// Newest first
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

func testAtomFeed(posts []testPost) string {
	var sb strings.Builder
	sb.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom"><title>Test Blog</title>`)
	sb.WriteString(`<link rel="alternate" href="https://blog.com/"/>`)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, post := range posts {
		published := start.AddDate(0, 0, len(posts)-i).Format("2006-01-02")
		fmt.Fprintf(
			&sb, `<entry><title>%s</title><link rel="alternate" href="https://blog.com%s"/><published>%s</published></entry>`,
			post.Title, post.Path, published,
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

func TestRunGuidedCrawlFromCache(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	posts := newTestPosts(12)
	input := crawlInput{StartUrl: "", FeedUrl: "https://blog.com/feed.xml"}
	seedResponse(t, s, input.source(), "https://blog.com/feed.xml", "application/atom+xml", testAtomFeed(posts[:5]))
	seedResponse(
		t, s, input.source(), "https://blog.com/", "text/html",
		`<html><head><title>Test Blog</title></head><body><nav><a href="/archives">Archives</a></nav></body></html>`,
	)
	seedResponse(t, s, input.source(), "https://blog.com/archives", "text/html", testArchivesHtml(posts))

	crawlId := uuid.New()
	output := runGuidedCrawl(ctx, crawlId, input, s, nil, crawler.NewDummyLogger())
	oops.RequireNoError(t, output.Error)
	require.False(t, output.HasFailure())
	require.Zero(t, output.Stats.NetworkRequests)
	require.Equal(t, "archives", output.Result.HistoricalResult.Pattern)

	oops.RequireNoError(t, saveCrawlOutput(ctx, s, output, crawler.NewDummyLogger()))
	oops.RequireNoError(t, saveCrawlOutput(ctx, s, output, crawler.NewDummyLogger()))

	record, err := s.LoadResult(ctx, crawlId)
	oops.RequireNoError(t, err)
	require.Equal(t, "archives", record.Pattern)
	require.Equal(t, "https://blog.com/archives", record.MainUrl)
	require.Equal(t, "https://blog.com/feed.xml", record.FeedUrl)
	require.Len(t, record.Links, len(posts))
	for i, link := range record.Links {
		require.Equal(t, "https://blog.com"+posts[i].Path, link.Url)
		require.Equal(t, posts[i].Title, link.Title)
		require.Equal(t, string(crawler.LinkTitleSourceInnerText), link.TitleSource)
	}
	require.Empty(t, record.Error)

	var sb strings.Builder
	printColumns(&sb, output)
	require.Contains(t, sb.String(), "pattern\tarchives\tsuccess\n")

	sb.Reset()
	oops.RequireNoError(t, writeJson(&sb, []*crawlOutput{output}))
	require.Contains(t, sb.String(), `"pattern": "archives"`)
}

func TestToCrawlRecordError(t *testing.T) {
	output := &crawlOutput{
		CrawlId: uuid.New(),
		Input:   crawlInput{StartUrl: "https://a.com/", FeedUrl: ""},
		Result:  nil,
		Error:   errors.New("no feeds"),
		Stats:   crawlStats{}, //nolint:exhaustruct
	}
	record := toCrawlRecord(output)
	require.Equal(t, "no feeds", record.Error)
	require.Empty(t, record.Pattern)
	require.Nil(t, record.Links)
	require.True(t, output.HasFailure())

	reportFilename := filepath.Join(t.TempDir(), "report.html")
	oops.RequireNoError(t, outputReport(reportFilename, []*crawlOutput{output}, 2))
	report, err := os.ReadFile(reportFilename)
	oops.RequireNoError(t, err)
	require.Contains(t, string(report), "Processed: 1/2")
	require.Contains(t, string(report), "no feeds")
}

func TestFileLoggerWritesBlobs(t *testing.T) {
	dir := t.TempDir()
	crawlId := uuid.New()
	logger, err := NewFileLogger(dir, crawlId)
	oops.RequireNoError(t, err)
	logger.Info("Hello %s", "log")
	logger.Blob("page/archives", []byte("<html></html>"))
	oops.RequireNoError(t, logger.Close())

	blob, err := os.ReadFile(filepath.Join(dir, crawlId.String()+"_page_archives"))
	oops.RequireNoError(t, err)
	require.Equal(t, "<html></html>", string(blob))

	logContent, err := os.ReadFile(filepath.Join(dir, crawlId.String()+".log"))
	oops.RequireNoError(t, err)
	require.Contains(t, string(logContent), "Hello log")
	require.Contains(t, string(logContent), crawlId.String())
}
