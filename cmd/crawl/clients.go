package crawl

import (
	"context"
	"errors"
	"net/url"

	"blogarchive/crawler"
	"blogarchive/store"
)

// CachingHttpClient replays responses recorded for the same source and records the ones it had to
// fetch, so that a rerun of a crawl sees the same web
type CachingHttpClient struct {
	NetworkRequestsMade int

	ctx        context.Context
	store      store.Store
	source     string
	httpClient crawler.HttpClient
}

func NewCachingHttpClient(ctx context.Context, s store.Store, source string) *CachingHttpClient {
	return &CachingHttpClient{
		NetworkRequestsMade: 0,
		ctx:                 ctx,
		store:               s,
		source:              source,
		httpClient:          crawler.NewHttpClientImpl(ctx, true),
	}
}

func (c *CachingHttpClient) Request(
	uri *url.URL, shouldThrottle bool, logger crawler.Logger,
) (*crawler.HttpResponse, error) {
	fetchUrl := uri.String()
	cached, err := c.store.LoadResponse(c.ctx, c.source, fetchUrl)
	if err == nil {
		return &crawler.HttpResponse{
			Code:             cached.Code,
			MaybeContentType: cached.MaybeContentType,
			MaybeLocation:    cached.MaybeLocation,
			Body:             cached.Body,
		}, nil
	} else if errors.Is(err, store.ErrNotFound) {
		logger.Info("Url not in the response cache, falling back on http client: %s", fetchUrl)
	} else {
		logger.Warn("Response cache load error: %v", err)
	}

	c.NetworkRequestsMade++
	response, err := c.httpClient.Request(uri, shouldThrottle, logger)
	if err != nil {
		return nil, err
	}

	err = c.store.SaveResponse(c.ctx, &store.Response{
		Source:           c.source,
		FetchUrl:         fetchUrl,
		Code:             response.Code,
		MaybeContentType: response.MaybeContentType,
		MaybeLocation:    response.MaybeLocation,
		Body:             response.Body,
	})
	if err != nil {
		logger.Warn("Response cache save error: %v", err)
	}
	return response, nil
}

func (c *CachingHttpClient) GetRetryDelay(attemptsMade int) float64 {
	return c.httpClient.GetRetryDelay(attemptsMade)
}

// CachingBrowserClient does the same for rendered pages
type CachingBrowserClient struct {
	ctx    context.Context
	store  store.Store
	source string
	impl   crawler.BrowserClient
}

func NewCachingBrowserClient(
	ctx context.Context, s store.Store, source string, impl crawler.BrowserClient,
) *CachingBrowserClient {
	return &CachingBrowserClient{
		ctx:    ctx,
		store:  s,
		source: source,
		impl:   impl,
	}
}

func (c *CachingBrowserClient) Fetch(
	uri *url.URL, feedEntryCurisTitlesMap *crawler.CanonicalUriMap[*crawler.LinkTitle],
	crawlCtx *crawler.CrawlContext, logger crawler.Logger,
	maybeFindLoadMoreButton crawler.BrowserFindLoadMoreButton,
) (*crawler.BrowserPage, error) {
	fetchUrl := uri.String()
	content, err := c.store.LoadBrowserPage(c.ctx, c.source, fetchUrl)
	if err == nil {
		logger.Info("Browser page from cache: %s", fetchUrl)
		return &crawler.BrowserPage{Content: content}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Browser cache load error: %v", err)
	}

	page, err := c.impl.Fetch(uri, feedEntryCurisTitlesMap, crawlCtx, logger, maybeFindLoadMoreButton)
	if err != nil {
		return nil, err
	}

	if err := c.store.SaveBrowserPage(c.ctx, c.source, fetchUrl, page.Content); err != nil {
		logger.Warn("Browser cache save error: %v", err)
	}
	return page, nil
}
