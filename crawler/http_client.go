package crawler

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"blogarchive/config"
	"blogarchive/metrics"

	"golang.org/x/time/rate"
)

type HttpResponse struct {
	Code             string
	MaybeContentType *string
	MaybeLocation    *string
	Body             []byte
}

func newHttpResponse(code string) *HttpResponse {
	return &HttpResponse{
		Code:             code,
		MaybeContentType: nil,
		MaybeLocation:    nil,
		Body:             nil,
	}
}

// Codes for failures that happen before there is a status
const (
	codeSSLError           = "SSLError"
	codeTimeout            = "Timeout"
	codeError              = "Error"
	codeResponseBodyTooBig = "ResponseBodyTooBig"
)

type HttpClient interface {
	// Request doesn't follow redirects, 3xx comes back as is. The error is only for cancellation
	Request(uri *url.URL, shouldThrottle bool, logger Logger) (*HttpResponse, error)
	// GetRetryDelay is in seconds
	GetRetryDelay(attemptsMade int) float64
}

type HttpClientImpl struct {
	ctx         context.Context
	limiter     *rate.Limiter
	client      *http.Client
	userAgent   string
	maxBodySize int64
}

func NewHttpClientImpl(ctx context.Context, enableThrottling bool) *HttpClientImpl {
	limit := rate.Inf
	if enableThrottling {
		limit = rate.Every(config.Cfg.ThrottleInterval)
	}
	return &HttpClientImpl{
		ctx:     ctx,
		limiter: rate.NewLimiter(limit, 1),
		client: &http.Client{ //nolint:exhaustruct
			Timeout: config.Cfg.RequestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent:   config.Cfg.UserAgent,
		maxBodySize: config.Cfg.MaxBodySize,
	}
}

func (c *HttpClientImpl) Request(uri *url.URL, shouldThrottle bool, logger Logger) (*HttpResponse, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, ErrCrawlCanceled
	}
	if shouldThrottle {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return nil, ErrCrawlCanceled
		}
	}

	response := c.request(uri, logger)
	metrics.HttpRequestsTotal.WithLabelValues(response.Code).Inc()
	return response, nil
}

func (c *HttpClientImpl) request(uri *url.URL, logger Logger) *HttpResponse {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, uri.String(), nil)
	if err != nil {
		logger.Info("HTTP new request error: %v", err)
		return newHttpResponse(codeError)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	var hostnameErr x509.HostnameError
	var unknownAuthorityErr x509.UnknownAuthorityError
	var certificateInvalidErr x509.CertificateInvalidError
	switch {
	case errors.As(err, &hostnameErr), errors.As(err, &unknownAuthorityErr),
		errors.As(err, &certificateInvalidErr):
		return newHttpResponse(codeSSLError)
	case os.IsTimeout(err):
		return newHttpResponse(codeTimeout)
	case err != nil:
		logger.Info("HTTP request error: %v", err)
		return newHttpResponse(codeError)
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.maxBodySize {
		return newHttpResponse(codeResponseBodyTooBig)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		logger.Info("HTTP read body error: %v", err)
		return newHttpResponse(codeError)
	}
	if int64(len(body)) > c.maxBodySize {
		return newHttpResponse(codeResponseBodyTooBig)
	}

	response := &HttpResponse{
		Code:             fmt.Sprint(resp.StatusCode),
		MaybeContentType: nil,
		MaybeLocation:    nil,
		Body:             body,
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		response.MaybeContentType = &contentType
	}
	if location := resp.Header.Get("Location"); location != "" {
		response.MaybeLocation = &location
	}
	return response
}

func (c *HttpClientImpl) GetRetryDelay(attemptsMade int) float64 {
	switch attemptsMade {
	case 0:
		return 1
	case 1:
		return 5
	default:
		return 15
	}
}

// MockHttpClient serves canned responses by fetch url. A url with several responses returns them in
// order and keeps repeating the last one. Unknown urls are 404
type MockHttpClient struct {
	ResponsesByUrl map[string][]*HttpResponse
	RequestedUrls  []string
	RetryAttempts  []int
}

func NewMockHttpClient(responsesByUrl map[string][]*HttpResponse) *MockHttpClient {
	return &MockHttpClient{
		ResponsesByUrl: responsesByUrl,
		RequestedUrls:  nil,
		RetryAttempts:  nil,
	}
}

func (c *MockHttpClient) Request(uri *url.URL, _ bool, _ Logger) (*HttpResponse, error) {
	fetchUrl := uri.String()
	c.RequestedUrls = append(c.RequestedUrls, fetchUrl)
	responses := c.ResponsesByUrl[fetchUrl]
	switch len(responses) {
	case 0:
		return newHttpResponse("404"), nil
	case 1:
		return responses[0], nil
	default:
		c.ResponsesByUrl[fetchUrl] = responses[1:]
		return responses[0], nil
	}
}

func (c *MockHttpClient) GetRetryDelay(attemptsMade int) float64 {
	c.RetryAttempts = append(c.RetryAttempts, attemptsMade)
	return 0
}

func MockHtmlResponse(body string) *HttpResponse {
	contentType := "text/html; charset=utf-8"
	return &HttpResponse{
		Code:             "200",
		MaybeContentType: &contentType,
		MaybeLocation:    nil,
		Body:             []byte(body),
	}
}

func MockFeedResponse(body string) *HttpResponse {
	contentType := "application/rss+xml"
	return &HttpResponse{
		Code:             "200",
		MaybeContentType: &contentType,
		MaybeLocation:    nil,
		Body:             []byte(body),
	}
}

func MockRedirectResponse(code string, location string) *HttpResponse {
	return &HttpResponse{
		Code:             code,
		MaybeContentType: nil,
		MaybeLocation:    &location,
		Body:             nil,
	}
}
