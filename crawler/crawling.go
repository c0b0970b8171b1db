package crawler

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"blogarchive/oops"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

var ErrCrawlCanceled = errors.New("crawl canceled")
var ErrCircularRedirect = errors.New("circular redirect")

// CrawlContext is the state of a single crawl and is never shared between crawls
type CrawlContext struct {
	Ctx                 context.Context
	FetchedCuris        CanonicalUriSet
	PptrFetchedCuris    CanonicalUriSet
	Redirects           map[string]Link
	RequestsMade        int
	NetworkRequestsMade int
	BrowserRequestsMade int
	DuplicateFetches    int
	TitleRequestsMade   int
	HttpClient          HttpClient
	MaybeBrowserClient  BrowserClient
	ProgressLogger      *ProgressLogger
}

func NewCrawlContext(
	ctx context.Context, httpClient HttpClient, maybeBrowserClient BrowserClient,
	progressLogger *ProgressLogger,
) *CrawlContext {
	curiEqCfg := NewCanonicalEqualityConfig()
	return &CrawlContext{
		Ctx:                 ctx,
		FetchedCuris:        NewCanonicalUriSet(nil, &curiEqCfg),
		PptrFetchedCuris:    NewCanonicalUriSet(nil, &curiEqCfg),
		Redirects:           make(map[string]Link),
		RequestsMade:        0,
		NetworkRequestsMade: 0,
		BrowserRequestsMade: 0,
		DuplicateFetches:    0,
		TitleRequestsMade:   0,
		HttpClient:          httpClient,
		MaybeBrowserClient:  maybeBrowserClient,
		ProgressLogger:      progressLogger,
	}
}

// crawlResult is one of *htmlPage, *feedPage, *otherPage, *PermanentError, *BadRedirection,
// *AlreadySeenLink
type crawlResult interface {
	crawlResultTag()
}

// otherPage is a 200 that is neither html nor an expected feed
type otherPage struct {
	Curi        CanonicalUri
	FetchUri    *neturl.URL
	ContentType string
}

type PermanentError struct {
	Curi CanonicalUri
	Url  string
	Code string
}

type BadRedirection struct {
	Url string
}

type AlreadySeenLink struct {
	Link Link
}

func (*htmlPage) crawlResultTag()        {}
func (*feedPage) crawlResultTag()        {}
func (*otherPage) crawlResultTag()       {}
func (*PermanentError) crawlResultTag()  {}
func (*BadRedirection) crawlResultTag()  {}
func (*AlreadySeenLink) crawlResultTag() {}

func (e *PermanentError) String() string {
	return fmt.Sprintf("PermanentError(%s, %s)", e.Code, e.Url)
}

func (r *BadRedirection) String() string {
	return fmt.Sprintf("BadRedirection(%s)", r.Url)
}

func (l *AlreadySeenLink) String() string {
	return fmt.Sprintf("AlreadySeenLink(%s)", l.Link.Url)
}

var permanentErrorCodes = map[string]bool{
	"400": true, "401": true, "402": true, "403": true, "404": true, "405": true, "406": true,
	"407": true, "410": true, "411": true, "412": true, "413": true, "414": true, "415": true,
	"416": true, "417": true, "418": true, "451": true, codeResponseBodyTooBig: true,
}

const maxHttpErrorsCount = 3

var metaRefreshContentRegex = regexp.MustCompile(`(\d+); *(?:URL|url)=(.+)`)

func crawlRequest(
	initialLink Link, isFeedExpected bool, crawlCtx *CrawlContext, logger Logger,
) (crawlResult, error) {
	seenUrls := []string{initialLink.Url}
	link, err := followCachedRedirects(initialLink, crawlCtx.Redirects, &seenUrls)
	if err != nil {
		return nil, err
	}
	if link.Url != initialLink.Url && crawlCtx.FetchedCuris.Contains(link.Curi) {
		logger.Info("Cached redirect %s -> %s is already fetched", initialLink.Url, link.Url)
		return &AlreadySeenLink{Link: link}, nil
	}

	shouldThrottle := true
	httpErrorsCount := 0
	for {
		requestStart := time.Now()
		resp, err := crawlCtx.HttpClient.Request(link.Uri, shouldThrottle, logger)
		if err != nil {
			return nil, err
		}
		requestMs := time.Since(requestStart).Milliseconds()
		crawlCtx.RequestsMade++
		crawlCtx.NetworkRequestsMade++
		if shouldThrottle {
			crawlCtx.ProgressLogger.LogHtml()
		}
		shouldThrottle = true

		duplicateFetchLog := ""
		if crawlCtx.FetchedCuris.Contains(link.Curi) {
			duplicateFetchLog = " (duplicate fetch)"
			crawlCtx.DuplicateFetches++
		}

		switch {
		case strings.HasPrefix(resp.Code, "3"):
			location := ""
			if resp.MaybeLocation != nil {
				location = *resp.MaybeLocation
			}
			redirectionLink, result, err := processRedirect(
				location, initialLink, link, resp.Code, requestMs, duplicateFetchLog, &seenUrls, crawlCtx,
				logger,
			)
			if err != nil || result != nil {
				return result, err
			}
			link = redirectionLink
			shouldThrottle = false
		case resp.Code == "200":
			contentType, body := decodeBody(resp)

			if contentType == "text/html" {
				document, err := parseHtml(body, logger)
				if err != nil {
					logger.Info("Couldn't parse html: %v", err)
					crawlCtx.FetchedCuris.add(link.Curi)
					return &otherPage{Curi: link.Curi, FetchUri: link.Uri, ContentType: contentType}, nil
				}

				if refreshMeta := htmlquery.FindOne(
					document, "/html/head/meta[@http-equiv='refresh']",
				); refreshMeta != nil {
					refreshContent := findAttr(refreshMeta, "content")
					if match := metaRefreshContentRegex.FindStringSubmatch(refreshContent); match != nil {
						logCode := fmt.Sprintf("%s_meta_refresh_%s", resp.Code, match[1])
						redirectionLink, result, err := processRedirect(
							match[2], initialLink, link, logCode, requestMs, duplicateFetchLog, &seenUrls,
							crawlCtx, logger,
						)
						if err != nil || result != nil {
							return result, err
						}
						link = redirectionLink
						continue
					}
				}

				crawlCtx.FetchedCuris.add(link.Curi)
				logger.Info("%s %s %dms %s%s", resp.Code, contentType, requestMs, link.Url, duplicateFetchLog)
				return &htmlPage{
					Curi:     link.Curi,
					FetchUri: link.Uri,
					Content:  body,
					Document: document,
				}, nil
			}

			crawlCtx.FetchedCuris.add(link.Curi)
			logger.Info("%s %s %dms %s%s", resp.Code, contentType, requestMs, link.Url, duplicateFetchLog)
			if isFeedExpected && IsFeed(body) {
				return &feedPage{
					Curi:     link.Curi,
					FetchUri: link.Uri,
					Content:  body,
				}, nil
			}
			return &otherPage{Curi: link.Curi, FetchUri: link.Uri, ContentType: contentType}, nil
		case resp.Code == codeSSLError:
			if !strings.HasPrefix(link.Uri.Host, "www.") {
				logger.Info("%s %dms %s", resp.Code, requestMs, link.Url)
				return nil, oops.Newf("SSL error for %s", link.Url)
			}
			newUri := *link.Uri
			newUri.Host = strings.TrimPrefix(newUri.Host, "www.")
			newLink, ok := ToCanonicalLink(newUri.String(), logger, nil)
			if !ok {
				return nil, oops.Newf("SSL error for %s", link.Url)
			}
			logger.Info("%s_www %dms %s -> %s", resp.Code, requestMs, link.Url, newLink.Url)
			link = newLink
			shouldThrottle = false
		case permanentErrorCodes[resp.Code] || httpErrorsCount >= maxHttpErrorsCount:
			crawlCtx.FetchedCuris.add(link.Curi)
			logger.Info("%s %dms %s - permanent error", resp.Code, requestMs, link.Url)
			return &PermanentError{
				Curi: link.Curi,
				Url:  link.Url,
				Code: resp.Code,
			}, nil
		default:
			sleepInterval := crawlCtx.HttpClient.GetRetryDelay(httpErrorsCount)
			logger.Info("%s %dms %s - sleeping %.0fs", resp.Code, requestMs, link.Url, sleepInterval)
			if err := sleepCtx(crawlCtx.Ctx, time.Duration(sleepInterval*float64(time.Second))); err != nil {
				return nil, err
			}
			httpErrorsCount++
		}
	}
}

// processRedirect returns either the link to continue from or a terminal result
func processRedirect(
	redirectionUrl string, initialLink Link, requestLink Link, code string, requestMs int64,
	duplicateFetchLog string, seenUrls *[]string, crawlCtx *CrawlContext, logger Logger,
) (Link, crawlResult, error) {
	redirectionLink, ok := ToCanonicalLink(redirectionUrl, logger, requestLink.Uri)
	if !ok {
		logger.Info("%s %dms %s -> bad redirection link", code, requestMs, requestLink.Url)
		return Link{}, &BadRedirection{Url: redirectionUrl}, nil //nolint:exhaustruct
	}

	if slices.Contains(*seenUrls, redirectionLink.Url) {
		return Link{}, nil, oops.Wrapf( //nolint:exhaustruct
			ErrCircularRedirect, "%s: %v -> %s", initialLink.Url, *seenUrls, redirectionLink.Url,
		)
	}
	*seenUrls = append(*seenUrls, redirectionLink.Url)
	crawlCtx.Redirects[requestLink.Url] = redirectionLink
	redirectionLink, err := followCachedRedirects(redirectionLink, crawlCtx.Redirects, seenUrls)
	if err != nil {
		return Link{}, nil, err //nolint:exhaustruct
	}

	// Intermediate hops are not marked fetched, Medium keeps the redirect key in a query param that
	// canonical uris drop
	logger.Info(
		"%s %dms %s%s -> %s", code, requestMs, requestLink.Url, duplicateFetchLog, redirectionLink.Url,
	)
	if crawlCtx.FetchedCuris.Contains(redirectionLink.Curi) {
		logger.Info("Redirect target is already fetched: %s", redirectionLink.Url)
		return Link{}, &AlreadySeenLink{Link: redirectionLink}, nil //nolint:exhaustruct
	}
	return redirectionLink, nil, nil
}

// followCachedRedirects walks known redirects from link and appends every hop to seenUrls. A nil
// seenUrls starts from link alone
func followCachedRedirects(link Link, redirects map[string]Link, seenUrls *[]string) (Link, error) {
	if seenUrls == nil {
		seenUrls = &[]string{link.Url}
	}
	for {
		redirectionLink, ok := redirects[link.Url]
		if !ok || redirectionLink.Url == link.Url {
			return link, nil
		}
		if slices.Contains(*seenUrls, redirectionLink.Url) {
			return Link{}, oops.Wrapf( //nolint:exhaustruct
				ErrCircularRedirect, "cached %v -> %s", *seenUrls, redirectionLink.Url,
			)
		}
		*seenUrls = append(*seenUrls, redirectionLink.Url)
		link = redirectionLink
	}
}

// decodeBody returns the bare content type and the body decoded from its declared or sniffed charset
func decodeBody(resp *HttpResponse) (string, string) {
	if resp.MaybeContentType == nil {
		return "", string(resp.Body)
	}

	tokens := strings.Split(*resp.MaybeContentType, ";")
	contentType := strings.ToLower(strings.TrimSpace(tokens[0]))

	for _, token := range tokens[1:] {
		key, value, ok := strings.Cut(strings.TrimSpace(token), "=")
		if !ok || !strings.EqualFold(key, "charset") {
			continue
		}
		encoding, err := htmlindex.Get(strings.Trim(value, `"' `))
		if err != nil {
			break
		}
		body, err := encoding.NewDecoder().Bytes(resp.Body)
		if err != nil {
			break
		}
		return contentType, string(body)
	}

	encoding, _, _ := charset.DetermineEncoding(resp.Body, *resp.MaybeContentType)
	body, err := encoding.NewDecoder().Bytes(resp.Body)
	if err != nil {
		return contentType, string(resp.Body)
	}
	return contentType, string(body)
}

func sleepCtx(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrCrawlCanceled
	case <-timer.C:
		return nil
	}
}
