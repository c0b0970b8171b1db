package crawler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

type LinkTitle struct {
	Value          string
	EqualizedValue string
	Source         LinkTitleSource
}

type LinkTitleSource string

const (
	LinkTitleSourceFeed      LinkTitleSource = "feed"
	LinkTitleSourceInnerText LinkTitleSource = "inner_text"
	LinkTitleSourcePageTitle LinkTitleSource = "page_title"
	LinkTitleSourceUrl       LinkTitleSource = "url"
)

func NewLinkTitle(value string, source LinkTitleSource) LinkTitle {
	return LinkTitle{
		Value:          value,
		EqualizedValue: equalizeTitle(value),
		Source:         source,
	}
}

func (t LinkTitle) String() string {
	return fmt.Sprintf("%q (%s)", t.Value, t.Source)
}

func getPageTitle(page *htmlPage, feedGenerator FeedGenerator, logger Logger) string {
	ogTitleElement := htmlquery.FindOne(page.Document, "/html/head/meta[@property='og:title'][@content]")
	if feedGenerator != FeedGeneratorTumblr && ogTitleElement != nil {
		title := normalizeTitle(findAttr(ogTitleElement, "content"))
		logger.Info("Parsed og:title: %s", title)
		return title
	}

	titleElement := htmlquery.FindOne(page.Document, "/html/head/title")
	if titleElement != nil && titleElement.FirstChild != nil && titleElement.FirstChild.Type == html.TextNode {
		title := normalizeTitle(titleElement.FirstChild.Data)
		logger.Info("Parsed <title>: %s", title)
		return title
	}

	title := page.FetchUri.String()
	logger.Info("Page doesn't have title, using url instead: %s", title)
	return title
}

var titleEqReplacer = strings.NewReplacer(
	`’`, `'`,
	`‘`, `'`,
	`”`, `"`,
	`“`, `"`,
	`…`, `...`,
	"\u200A", ` `, // Hair space
)

func equalizeTitle(title string) string {
	return strings.ToLower(titleEqReplacer.Replace(title))
}

var newlineRegex = regexp.MustCompile("\r\n|\r|\n")
var spacesRegex = regexp.MustCompile(" +")

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}

	title = strings.ReplaceAll(title, "\u00A0", " ") // Non-breaking space
	title = newlineRegex.ReplaceAllString(title, " ")
	title = spacesRegex.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}

func getElementTitle(element *html.Node) string {
	var sb strings.Builder
	var traverse func(node *html.Node)
	traverse = func(node *html.Node) {
		switch {
		case node.Type == html.TextNode:
			sb.WriteString(node.Data)
		case node.Type == html.ElementNode && node.Data == "br":
			sb.WriteByte('\n')
		default:
			for child := node.FirstChild; child != nil; child = child.NextSibling {
				traverse(child)
			}
		}
	}
	traverse(element)
	return normalizeTitle(sb.String())
}

var titleSeparators = []string{" | ", " - ", " – ", " — ", " · ", ": "}

// stripCommonAffixes removes a site name shared by all page titles, like "Post | Blog Name". Only
// affixes that end at a separator are removed.
func stripCommonAffixes(titles []string) []string {
	if len(titles) < 2 {
		return titles
	}

	prefix := titles[0]
	suffix := titles[0]
	for _, title := range titles[1:] {
		for !strings.HasPrefix(title, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
		for !strings.HasSuffix(title, suffix) {
			suffix = suffix[1:]
		}
	}

	prefixLength := 0
	for _, separator := range titleSeparators {
		if index := strings.LastIndex(prefix, separator); index != -1 {
			prefixLength = max(prefixLength, index+len(separator))
		}
	}
	suffixLength := 0
	for _, separator := range titleSeparators {
		if index := strings.Index(suffix, separator); index != -1 {
			suffixLength = max(suffixLength, len(suffix)-index)
		}
	}

	result := make([]string, len(titles))
	for i, title := range titles {
		stripped := ""
		if prefixLength+suffixLength < len(title) {
			stripped = strings.TrimSpace(title[prefixLength : len(title)-suffixLength])
		}
		if stripped == "" {
			stripped = title
		}
		result[i] = stripped
	}
	return result
}
