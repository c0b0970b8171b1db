package crawler

import (
	neturl "net/url"

	"golang.org/x/net/html"
)

type Link struct {
	Curi CanonicalUri
	Uri  *neturl.URL
	Url  string
}

type maybeTitledLink struct {
	Link
	MaybeTitle *LinkTitle
}

// withTitle fills a missing title, an existing one is kept
func (l maybeTitledLink) withTitle(title LinkTitle) maybeTitledLink {
	if l.MaybeTitle != nil {
		return l
	}
	return maybeTitledLink{
		Link:       l.Link,
		MaybeTitle: &title,
	}
}

func untitled(link Link) maybeTitledLink {
	return maybeTitledLink{
		Link:       link,
		MaybeTitle: nil,
	}
}

type titledLink struct {
	Link
	Title LinkTitle
}

type xpathLink struct {
	Link
	Element    *html.Node
	XPath      string
	ClassXPath string
}

func (l *xpathLink) toMaybeTitled() maybeTitledLink {
	title := NewLinkTitle(getElementTitle(l.Element), LinkTitleSourceInnerText)
	return maybeTitledLink{
		Link:       l.Link,
		MaybeTitle: &title,
	}
}

// Anything that carries a Link
type linkLike interface {
	link() Link
}

func (l Link) link() Link            { return l }
func (l maybeTitledLink) link() Link { return l.Link }
func (l titledLink) link() Link      { return l.Link }
func (l *xpathLink) link() Link      { return l.Link }

func ToCanonicalUris[L linkLike](links []L) []CanonicalUri {
	curis := make([]CanonicalUri, len(links))
	for i, link := range links {
		curis[i] = link.link().Curi
	}
	return curis
}

func toLinks[L linkLike](links []L) []Link {
	result := make([]Link, len(links))
	for i, link := range links {
		result[i] = link.link()
	}
	return result
}

type htmlPage struct {
	Curi     CanonicalUri
	FetchUri *neturl.URL
	Content  string
	Document *html.Node
}

type feedPage struct {
	Curi     CanonicalUri
	FetchUri *neturl.URL
	Content  string
}
