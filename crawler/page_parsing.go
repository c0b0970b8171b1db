package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

type xpathMode int

const (
	xpathModeNone xpathMode = iota
	xpathModePositional
	xpathModeWithClasses
)

var ignoredClassRegex = regexp.MustCompile(`^post-\d+$`)

var classEscaper = strings.NewReplacer(
	"/", "%2F",
	"[", "%5B",
	"]", "%5D",
	"(", "%28",
	")", "%29",
)

// extractLinks walks the document in order and collects a, area and link[rel=next|prev] elements
// that resolve to a canonical link on an allowed host (nil allows every host)
func extractLinks(
	document *html.Node, fetchUri *url.URL, maybeAllowedHosts map[string]bool,
	redirects map[string]Link, logger Logger, mode xpathMode,
) []*xpathLink {
	var links []*xpathLink

	var visit func(node *html.Node, xpath string, classXPath string)
	visit = func(node *html.Node, xpath string, classXPath string) {
		if isLinkElement(node) {
			if href := findAttr(node, "href"); href != "" {
				if link, ok := ToCanonicalLink(href, logger, fetchUri); ok {
					if resolved, err := followCachedRedirects(link, redirects, nil); err == nil {
						if maybeAllowedHosts == nil || maybeAllowedHosts[resolved.Curi.Host] {
							links = append(links, &xpathLink{
								Link:       resolved,
								Element:    node,
								XPath:      xpath,
								ClassXPath: classXPath,
							})
						}
					}
				}
			}
		}

		tagCounts := make(map[string]int)
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			tag, ok := getXPathTag(child)
			if !ok {
				continue
			}
			var childXPath, childClassXPath string
			if mode != xpathModeNone {
				tagCounts[tag]++
				childXPath = fmt.Sprintf("%s/%s[%d]", xpath, tag, tagCounts[tag])
				if mode == xpathModeWithClasses {
					childClassXPath = fmt.Sprintf(
						"%s/%s(%s)[%d]", classXPath, tag, getClassesStr(child), tagCounts[tag],
					)
				}
			}
			visit(child, childXPath, childClassXPath)
		}
	}
	visit(document, "", "")

	return links
}

func isLinkElement(node *html.Node) bool {
	if node.Type != html.ElementNode {
		return false
	}
	switch node.Data {
	case "a", "area":
		return true
	case "link":
		rel := findAttr(node, "rel")
		return rel == "next" || rel == "prev"
	default:
		return false
	}
}

// getXPathTag names a node the way it appears in a positional xpath. Comments and doctypes don't count
func getXPathTag(node *html.Node) (string, bool) {
	switch node.Type {
	case html.ElementNode:
		return node.Data, true
	case html.TextNode:
		return "text()", true
	default:
		return "", false
	}
}

func getClassesStr(node *html.Node) string {
	classes := strings.Fields(findAttr(node, "class"))
	kept := classes[:0]
	for _, class := range classes {
		if ignoredClassRegex.MatchString(class) {
			continue
		}
		kept = append(kept, strings.ToLower(classEscaper.Replace(class)))
	}
	slices.Sort(kept)
	return strings.Join(kept, " ")
}

func parseHtml(content string, logger Logger) (*html.Node, error) {
	document, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, err
	}

	// Some blogs hide a link by leaving it empty and show a sibling instead, which breaks the layout
	removedCount := 0
	for _, anchor := range htmlquery.Find(document, "//a") {
		if anchor.FirstChild != nil || findAttr(anchor, "aria-label") != "" {
			continue
		}
		anchor.Parent.RemoveChild(anchor)
		removedCount++
	}
	if removedCount > 0 {
		logger.Info("Removed %d empty links", removedCount)
	}

	return document, nil
}

// linkFromElement turns an element matched by a masked xpath back into a titled link
func linkFromElement(element *html.Node, fetchUri *url.URL, logger Logger) (*xpathLink, bool) {
	href := findAttr(element, "href")
	if href == "" {
		return nil, false
	}
	link, ok := ToCanonicalLink(href, logger, fetchUri)
	if !ok {
		return nil, false
	}
	return &xpathLink{
		Link:       link,
		Element:    element,
		XPath:      "",
		ClassXPath: "",
	}, true
}

func innerText(node *html.Node) string {
	var sb strings.Builder
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(node)
	return sb.String()
}

func findAttr(node *html.Node, name string) string {
	for _, attr := range node.Attr {
		if attr.Key == name {
			return attr.Val
		}
	}
	return ""
}

func findTitle(document *html.Node) string {
	title := htmlquery.FindOne(document, "//title")
	if title == nil {
		return ""
	}
	return innerText(title)
}
