// Package store keeps crawl results and the http responses they were built from, in sqlite or postgres.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")
var ErrDuplicateCrawl = errors.New("duplicate crawl id")

type CrawlRecord struct {
	CrawlId   uuid.UUID
	StartUrl  string
	FeedUrl   string
	Pattern   string
	MainUrl   string
	Links     []RecordLink
	Extra     []string
	Error     string
	CreatedAt time.Time
}

type RecordLink struct {
	Curi        string `json:"curi"`
	Url         string `json:"url"`
	Title       string `json:"title"`
	TitleSource string `json:"title_source"`
}

// Response is a recorded http response. Source groups the responses of one crawl target, usually
// the feed url
type Response struct {
	Source           string
	FetchUrl         string
	Code             string
	MaybeContentType *string
	MaybeLocation    *string
	Body             []byte
}

type Store interface {
	SaveResult(ctx context.Context, record *CrawlRecord) error
	LoadResult(ctx context.Context, crawlId uuid.UUID) (*CrawlRecord, error)
	SaveResponse(ctx context.Context, response *Response) error
	LoadResponse(ctx context.Context, source, fetchUrl string) (*Response, error)
	SaveBrowserPage(ctx context.Context, source, fetchUrl string, content string) error
	LoadBrowserPage(ctx context.Context, source, fetchUrl string) (string, error)
	Close() error
}

// Open picks postgres for postgres:// and postgresql:// dsns, everything else is a sqlite file
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPgStore(ctx, dsn)
	}
	return OpenSqliteStore(ctx, dsn)
}
