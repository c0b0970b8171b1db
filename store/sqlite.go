package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"blogarchive/oops"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
	create table if not exists crawl_results (
		id text primary key,
		start_url text not null,
		feed_url text not null,
		pattern text not null,
		main_url text not null,
		links text not null,
		extra text not null,
		error text not null,
		created_at text not null
	);

	create table if not exists mock_responses (
		source text not null,
		fetch_url text not null,
		code text not null,
		content_type text,
		location text,
		body blob,
		primary key (source, fetch_url)
	);

	create table if not exists mock_browser_pages (
		source text not null,
		fetch_url text not null,
		body text not null,
		primary key (source, fetch_url)
	);
`

type SqliteStore struct {
	db *sql.DB
}

func OpenSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, oops.Wrap(err)
	}

	// Parallel crawls share one writer
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, `pragma journal_mode = WAL`); err != nil {
			_ = db.Close()
			return nil, oops.Wrap(err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, oops.Wrap(err)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) SaveResult(ctx context.Context, record *CrawlRecord) error {
	linksJson, err := json.Marshal(record.Links)
	if err != nil {
		return oops.Wrap(err)
	}
	extraJson, err := json.Marshal(record.Extra)
	if err != nil {
		return oops.Wrap(err)
	}

	_, err = s.db.ExecContext(ctx, `
		insert into crawl_results (id, start_url, feed_url, pattern, main_url, links, extra, error, created_at)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.CrawlId.String(), record.StartUrl, record.FeedUrl, record.Pattern, record.MainUrl,
		string(linksJson), string(extraJson), record.Error, record.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return ErrDuplicateCrawl
	} else if err != nil {
		return oops.Wrap(err)
	}
	return nil
}

func (s *SqliteStore) LoadResult(ctx context.Context, crawlId uuid.UUID) (*CrawlRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		select start_url, feed_url, pattern, main_url, links, extra, error, created_at from crawl_results
		where id = ?
	`, crawlId.String())

	record := CrawlRecord{CrawlId: crawlId} //nolint:exhaustruct
	var linksJson, extraJson, createdAt string
	err := row.Scan(
		&record.StartUrl, &record.FeedUrl, &record.Pattern, &record.MainUrl, &linksJson, &extraJson,
		&record.Error, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, oops.Wrap(err)
	}

	if err := json.Unmarshal([]byte(linksJson), &record.Links); err != nil {
		return nil, oops.Wrap(err)
	}
	if err := json.Unmarshal([]byte(extraJson), &record.Extra); err != nil {
		return nil, oops.Wrap(err)
	}
	record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, oops.Wrap(err)
	}
	return &record, nil
}

func (s *SqliteStore) SaveResponse(ctx context.Context, response *Response) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mock_responses (source, fetch_url, code, content_type, location, body)
		values (?, ?, ?, ?, ?, ?)
		on conflict (source, fetch_url) do update
		set code = excluded.code, content_type = excluded.content_type, location = excluded.location,
			body = excluded.body
	`, response.Source, response.FetchUrl, response.Code, response.MaybeContentType, response.MaybeLocation,
		response.Body,
	)
	return oops.Wrap(err)
}

func (s *SqliteStore) LoadResponse(ctx context.Context, source, fetchUrl string) (*Response, error) {
	row := s.db.QueryRowContext(ctx, `
		select code, content_type, location, body from mock_responses
		where source = ? and fetch_url = ?
	`, source, fetchUrl)

	response := Response{Source: source, FetchUrl: fetchUrl} //nolint:exhaustruct
	var contentType, location sql.NullString
	err := row.Scan(&response.Code, &contentType, &location, &response.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, oops.Wrap(err)
	}
	if contentType.Valid {
		response.MaybeContentType = &contentType.String
	}
	if location.Valid {
		response.MaybeLocation = &location.String
	}
	return &response, nil
}

func (s *SqliteStore) SaveBrowserPage(ctx context.Context, source, fetchUrl string, content string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into mock_browser_pages (source, fetch_url, body) values (?, ?, ?)
		on conflict (source, fetch_url) do update set body = excluded.body
	`, source, fetchUrl, content)
	return oops.Wrap(err)
}

func (s *SqliteStore) LoadBrowserPage(ctx context.Context, source, fetchUrl string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		select body from mock_browser_pages where source = ? and fetch_url = ?
	`, source, fetchUrl)
	var content string
	err := row.Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", oops.Wrap(err)
	}
	return content, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}
