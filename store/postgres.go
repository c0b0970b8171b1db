package store

import (
	"context"
	"errors"

	"blogarchive/oops"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
	create table if not exists crawl_results (
		id uuid primary key,
		start_url text not null,
		feed_url text not null,
		pattern text not null,
		main_url text not null,
		links jsonb not null,
		extra jsonb not null,
		error text not null,
		created_at timestamptz not null
	);

	create table if not exists mock_responses (
		source text not null,
		fetch_url text not null,
		code text not null,
		content_type text,
		location text,
		body bytea,
		primary key (source, fetch_url)
	);

	create table if not exists mock_browser_pages (
		source text not null,
		fetch_url text not null,
		body text not null,
		primary key (source, fetch_url)
	);
`

type PgStore struct {
	pool *pgxpool.Pool
}

func OpenPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Wrap(err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, oops.Wrap(err)
	}
	return &PgStore{pool: pool}, nil
}

func (s *PgStore) SaveResult(ctx context.Context, record *CrawlRecord) error {
	linksJson, err := json.Marshal(record.Links)
	if err != nil {
		return oops.Wrap(err)
	}
	extraJson, err := json.Marshal(record.Extra)
	if err != nil {
		return oops.Wrap(err)
	}

	_, err = s.pool.Exec(ctx, `
		insert into crawl_results (id, start_url, feed_url, pattern, main_url, links, extra, error, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.CrawlId, record.StartUrl, record.FeedUrl, record.Pattern, record.MainUrl, linksJson, extraJson,
		record.Error, record.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == "crawl_results_pkey" {
		return ErrDuplicateCrawl
	} else if err != nil {
		return oops.Wrap(err)
	}
	return nil
}

func (s *PgStore) LoadResult(ctx context.Context, crawlId uuid.UUID) (*CrawlRecord, error) {
	row := s.pool.QueryRow(ctx, `
		select start_url, feed_url, pattern, main_url, links, extra, error, created_at from crawl_results
		where id = $1
	`, crawlId)

	record := CrawlRecord{CrawlId: crawlId} //nolint:exhaustruct
	var linksJson, extraJson []byte
	err := row.Scan(
		&record.StartUrl, &record.FeedUrl, &record.Pattern, &record.MainUrl, &linksJson, &extraJson,
		&record.Error, &record.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, oops.Wrap(err)
	}

	if err := json.Unmarshal(linksJson, &record.Links); err != nil {
		return nil, oops.Wrap(err)
	}
	if err := json.Unmarshal(extraJson, &record.Extra); err != nil {
		return nil, oops.Wrap(err)
	}
	return &record, nil
}

func (s *PgStore) SaveResponse(ctx context.Context, response *Response) error {
	_, err := s.pool.Exec(ctx, `
		insert into mock_responses (source, fetch_url, code, content_type, location, body)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (source, fetch_url) do update
		set code = excluded.code, content_type = excluded.content_type, location = excluded.location,
			body = excluded.body
	`, response.Source, response.FetchUrl, response.Code, response.MaybeContentType, response.MaybeLocation,
		response.Body,
	)
	return oops.Wrap(err)
}

func (s *PgStore) LoadResponse(ctx context.Context, source, fetchUrl string) (*Response, error) {
	row := s.pool.QueryRow(ctx, `
		select code, content_type, location, body from mock_responses
		where source = $1 and fetch_url = $2
	`, source, fetchUrl)

	response := Response{Source: source, FetchUrl: fetchUrl} //nolint:exhaustruct
	err := row.Scan(&response.Code, &response.MaybeContentType, &response.MaybeLocation, &response.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, oops.Wrap(err)
	}
	return &response, nil
}

func (s *PgStore) SaveBrowserPage(ctx context.Context, source, fetchUrl string, content string) error {
	_, err := s.pool.Exec(ctx, `
		insert into mock_browser_pages (source, fetch_url, body) values ($1, $2, $3)
		on conflict (source, fetch_url) do update set body = excluded.body
	`, source, fetchUrl, content)
	return oops.Wrap(err)
}

func (s *PgStore) LoadBrowserPage(ctx context.Context, source, fetchUrl string) (string, error) {
	row := s.pool.QueryRow(ctx, `
		select body from mock_browser_pages where source = $1 and fetch_url = $2
	`, source, fetchUrl)
	var content string
	err := row.Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", oops.Wrap(err)
	}
	return content, nil
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
