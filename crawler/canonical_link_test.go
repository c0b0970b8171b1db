package crawler

import (
	"net/url"
	"testing"

	"blogarchive/oops"

	"github.com/stretchr/testify/require"
)

func TestToCanonicalLink(t *testing.T) {
	type Expected struct {
		url          string
		canonicalUrl string
	}
	type Test struct {
		description string
		url         string
		fetchUrl    string
		expected    *Expected
	}

	tests := []Test{
		{
			description: "absolute http url",
			url:         "http://ya.ru/hi",
			fetchUrl:    "http://ya.ru",
			expected:    &Expected{url: "http://ya.ru/hi", canonicalUrl: "ya.ru/hi"},
		},
		{
			description: "non-http(s) url is dropped",
			url:         "ftp://ya.ru/hi",
			fetchUrl:    "ftp://ya.ru",
			expected:    nil,
		},
		{
			description: "relative url",
			url:         "20201227",
			fetchUrl:    "https://apenwarr.ca/log/",
			expected:    &Expected{url: "https://apenwarr.ca/log/20201227", canonicalUrl: "apenwarr.ca/log/20201227"},
		},
		{
			description: "relative url with ../",
			url:         "../abc",
			fetchUrl:    "https://ya.ru/hi/hello/bonjour",
			expected:    &Expected{url: "https://ya.ru/hi/abc", canonicalUrl: "ya.ru/hi/abc"},
		},
		{
			description: "protocol-relative url",
			url:         "//ya.ru/abc",
			fetchUrl:    "https://ya.ru/hi/hello",
			expected:    &Expected{url: "https://ya.ru/abc", canonicalUrl: "ya.ru/abc"},
		},
		{
			description: "fragment is dropped",
			url:         "https://ya.ru/abc#def",
			fetchUrl:    "https://ya.ru",
			expected:    &Expected{url: "https://ya.ru/abc", canonicalUrl: "ya.ru/abc"},
		},
		{
			description: "non-standard port is kept",
			url:         "https://ya.ru:444/abc",
			fetchUrl:    "https://ya.ru:444",
			expected:    &Expected{url: "https://ya.ru:444/abc", canonicalUrl: "ya.ru:444/abc"},
		},
		{
			description: "standard http port is dropped",
			url:         "http://ya.ru:80/abc",
			fetchUrl:    "http://ya.ru:80",
			expected:    &Expected{url: "http://ya.ru/abc", canonicalUrl: "ya.ru/abc"},
		},
		{
			description: "whitelisted query without value",
			url:         "https://ya.ru/abc?page",
			fetchUrl:    "https://ya.ru",
			expected:    &Expected{url: "https://ya.ru/abc?page", canonicalUrl: "ya.ru/abc?page"},
		},
		{
			description: "only whitelisted query is canonical",
			url:         "https://ya.ru/abc?page=1&b=2",
			fetchUrl:    "https://ya.ru",
			expected:    &Expected{url: "https://ya.ru/abc?page=1&b=2", canonicalUrl: "ya.ru/abc?page=1"},
		},
		{
			description: "root path is dropped when there is no query",
			url:         "https://ya.ru/",
			fetchUrl:    "https://ya.ru/",
			expected:    &Expected{url: "https://ya.ru/", canonicalUrl: "ya.ru"},
		},
		{
			description: "newlines are removed",
			url:         "https://ya.ru/ab\nc",
			fetchUrl:    "https://ya.ru/",
			expected:    &Expected{url: "https://ya.ru/abc", canonicalUrl: "ya.ru/abc"},
		},
		{
			description: "escaped whitespace is trimmed",
			url:         " \t\n\x00\v\f\r%20%09%0a%00%0b%0c%0d%0A%0Dhttps://ya.ru \t%20%0d",
			fetchUrl:    "https://ya.ru",
			expected:    &Expected{url: "https://ya.ru", canonicalUrl: "ya.ru"},
		},
		{
			description: "middle spaces are escaped",
			url:         "/tagged/alex norris",
			fetchUrl:    "https://webcomicname.com/post/652255218526011392/amp",
			expected: &Expected{
				url:          "https://webcomicname.com/tagged/alex%20norris",
				canonicalUrl: "webcomicname.com/tagged/alex%20norris",
			},
		},
		{
			description: "double slashes in path are collapsed",
			url:         "https://ya.ru//2020///04//06/post.html",
			fetchUrl:    "https://ya.ru/feed.xml",
			expected:    &Expected{url: "https://ya.ru/2020/04/06/post.html", canonicalUrl: "ya.ru/2020/04/06/post.html"},
		},
		{
			description: "plus in query stays escaped",
			url:         "https://blog.gardeviance.org/search?updated-max=2019-09-04T15:49:00%2B01:00&max-results=12",
			fetchUrl:    "https://blog.gardeviance.org",
			expected: &Expected{
				url:          "https://blog.gardeviance.org/search?updated-max=2019-09-04T15:49:00%2B01:00&max-results=12",
				canonicalUrl: "blog.gardeviance.org/search?updated-max=2019-09-04T15:49:00%2B01:00",
			},
		},
		{
			description: "port comes from fetch uri",
			url:         "/rss",
			fetchUrl:    "http://localhost:8000/page",
			expected:    &Expected{url: "http://localhost:8000/rss", canonicalUrl: "localhost:8000/rss"},
		},
		{
			description: "invalid port number",
			url:         "http://localhost:${port}`",
			fetchUrl:    "https://ya.ru",
			expected:    nil,
		},
		{
			description: "userinfo",
			url:         "http://npm install phaser@3.15.1",
			fetchUrl:    "https://ya.ru/2019/01/page/2/",
			expected:    nil,
		},
		{
			description: "opaque",
			url:         "http:mgd1981.wordpress.com/2012/06/11/truth/#NoSpoilers",
			fetchUrl:    "https://ya.ru/page/2/",
			expected:    nil,
		},
		{
			description: "missing hierarchical segment",
			url:         "http:",
			fetchUrl:    "https://ya.ru/2017/11/",
			expected:    nil,
		},
		{
			description: "mailto",
			url:         "mailto:aras_at_nesnausk_dot_org",
			fetchUrl:    "https://ya.ru",
			expected:    nil,
		},
		{
			description: "unicode is escaped",
			url:         "https://ya.ru/Россия",
			fetchUrl:    "https://ya.ru",
			expected: &Expected{
				url:          "https://ya.ru/%D0%A0%D0%BE%D1%81%D1%81%D0%B8%D1%8F",
				canonicalUrl: "ya.ru/%D0%A0%D0%BE%D1%81%D1%81%D0%B8%D1%8F",
			},
		},
		{
			description: "escaped url is preserved",
			url:         "https://ya.ru/%D0%A0%D0%BE%D1%81%D1%81%D0%B8%D1%8F",
			fetchUrl:    "https://ya.ru",
			expected: &Expected{
				url:          "https://ya.ru/%D0%A0%D0%BE%D1%81%D1%81%D0%B8%D1%8F",
				canonicalUrl: "ya.ru/%D0%A0%D0%BE%D1%81%D1%81%D0%B8%D1%8F",
			},
		},
		{
			description: "two userinfos",
			url:         "http://ex.p.lo@silvia.woodw@www.temposicilia.it/index.php?option=com_kide",
			fetchUrl:    "http://yosefk.com/blog/a.html",
			expected:    nil,
		},
		{
			description: "url starting with :",
			url:         ":2",
			fetchUrl:    "https://blog.mozilla.org/en/mozilla/",
			expected:    nil,
		},
	}

	logger := NewDummyLogger()
	curiEqCfg := &CanonicalEqualityConfig{
		SameHosts:         nil,
		ExpectTumblrPaths: false,
	}
	for _, tc := range tests {
		fetchUri, err := url.Parse(tc.fetchUrl)
		oops.RequireNoError(t, err)
		canonicalLink, ok := ToCanonicalLink(tc.url, logger, fetchUri)
		if tc.expected != nil {
			require.True(t, ok, tc.description)
			require.Equal(t, tc.expected.url, canonicalLink.Url, tc.description)
			expectedCuri := CanonicalUriFromDbString(tc.expected.canonicalUrl)
			require.True(t, CanonicalUriEqual(expectedCuri, canonicalLink.Curi, curiEqCfg), tc.description)
			require.Equal(t, tc.expected.canonicalUrl, canonicalLink.Curi.String(), tc.description)
		} else {
			require.False(t, ok, tc.description)
		}
	}
}

func TestToCanonicalLinkIsIdempotent(t *testing.T) {
	logger := NewDummyLogger()
	urls := []string{
		"https://ya.ru//a////b/?page=2&utm=1&order=desc#x",
		"https://ya.ru/Рос%D1%81%D0%B8%D1%8F%25",
		"http://ya.ru:80/tagged/alex norris",
		"https://ya.ru/search?updated-max=2019-09-04T15:49:00+01:00",
	}
	for _, rawUrl := range urls {
		link1, ok := ToCanonicalLink(rawUrl, logger, nil)
		require.True(t, ok, rawUrl)
		link2, ok := ToCanonicalLink(link1.Url, logger, nil)
		require.True(t, ok, rawUrl)
		require.Equal(t, link1.Url, link2.Url, rawUrl)
		require.Equal(t, link1.Curi, link2.Curi, rawUrl)
	}
}

func TestCanonicalUriQueryKeepsOriginalOrder(t *testing.T) {
	uri, err := url.Parse("https://ya.ru/archive?sort=asc&x=1&page=3&postpage=4&year=2020")
	oops.RequireNoError(t, err)
	curi := CanonicalUriFromUri(uri)
	require.Equal(t, "?sort=asc&page=3&postpage=4&year=2020", curi.Query)
}

func TestCanonicalUriEqual(t *testing.T) {
	type Test struct {
		description string
		url1        string
		url2        string
		curiEqCfg   CanonicalEqualityConfig
		expected    bool
	}

	tests := []Test{
		{
			description: "trailing slash is ignored",
			url1:        "ya.ru/a/",
			url2:        "ya.ru/a",
			curiEqCfg:   NewCanonicalEqualityConfig(),
			expected:    true,
		},
		{
			description: "different hosts",
			url1:        "ya.ru/a",
			url2:        "www.ya.ru/a",
			curiEqCfg:   NewCanonicalEqualityConfig(),
			expected:    false,
		},
		{
			description: "same hosts",
			url1:        "ya.ru/a",
			url2:        "www.ya.ru/a",
			curiEqCfg: CanonicalEqualityConfig{
				SameHosts:         map[string]bool{"ya.ru": true, "www.ya.ru": true},
				ExpectTumblrPaths: false,
			},
			expected: true,
		},
		{
			description: "different ports",
			url1:        "blog.com:8443/post",
			url2:        "blog.com/post",
			curiEqCfg:   NewCanonicalEqualityConfig(),
			expected:    false,
		},
		{
			description: "same hosts ignore port",
			url1:        "blog.com:8443/post",
			url2:        "www.blog.com/post",
			curiEqCfg: CanonicalEqualityConfig{
				SameHosts:         map[string]bool{"blog.com": true, "www.blog.com": true},
				ExpectTumblrPaths: false,
			},
			expected: true,
		},
		{
			description: "different queries",
			url1:        "ya.ru/a?page=1",
			url2:        "ya.ru/a?page=2",
			curiEqCfg:   NewCanonicalEqualityConfig(),
			expected:    false,
		},
		{
			description: "tumblr paths compared by id",
			url1:        "t.tumblr.com/post/123/some-slug",
			url2:        "t.tumblr.com/post/123",
			curiEqCfg:   CanonicalEqualityConfig{SameHosts: nil, ExpectTumblrPaths: true},
			expected:    true,
		},
		{
			description: "tumblr paths without the flag",
			url1:        "t.tumblr.com/post/123/some-slug",
			url2:        "t.tumblr.com/post/123",
			curiEqCfg:   NewCanonicalEqualityConfig(),
			expected:    false,
		},
	}

	for _, tc := range tests {
		curi1 := CanonicalUriFromDbString(tc.url1)
		curi2 := CanonicalUriFromDbString(tc.url2)
		require.Equal(t, tc.expected, CanonicalUriEqual(curi1, curi2, &tc.curiEqCfg), tc.description)

		set := NewCanonicalUriSet([]CanonicalUri{curi1}, &tc.curiEqCfg)
		require.True(t, set.Contains(curi1), tc.description)
		require.Equal(t, tc.expected, set.Contains(curi2), tc.description)
	}
}

func TestCanonicalUriSetConsistentWithEqual(t *testing.T) {
	urls := []string{
		"blog.com/post",
		"blog.com/post/",
		"blog.com:8443/post",
		"www.blog.com/post",
		"www.blog.com:8080/post",
		"blog.com/post?page=2",
		"other.com/post",
		"t.tumblr.com/post/123",
		"t.tumblr.com/post/123/slug",
		"t.tumblr.com/post/123/slug?page=2",
		"t.tumblr.com/post/124/slug",
		"t.tumblr.com:8080/post/123",
	}
	curiEqCfgs := []CanonicalEqualityConfig{
		NewCanonicalEqualityConfig(),
		{SameHosts: map[string]bool{"blog.com": true, "www.blog.com": true}, ExpectTumblrPaths: false},
		{SameHosts: map[string]bool{"blog.com:8443": true, "www.blog.com": true}, ExpectTumblrPaths: false},
		{SameHosts: nil, ExpectTumblrPaths: true},
	}

	for i := range curiEqCfgs {
		curiEqCfg := &curiEqCfgs[i]
		for _, url1 := range urls {
			curi1 := CanonicalUriFromDbString(url1)
			set := NewCanonicalUriSet([]CanonicalUri{curi1}, curiEqCfg)
			for _, url2 := range urls {
				curi2 := CanonicalUriFromDbString(url2)
				equal := CanonicalUriEqual(curi1, curi2, curiEqCfg)
				require.Equal(
					t, equal, set.Contains(curi2), "config %d: %s vs %s", i, url1, url2,
				)
				require.Equal(
					t, equal, CanonicalUriEqual(curi2, curi1, curiEqCfg), "config %d: %s vs %s", i, url2, url1,
				)
			}
		}
	}
}

func TestCanonicalUriSetRebuild(t *testing.T) {
	curiEqCfg := NewCanonicalEqualityConfig()
	curis := []CanonicalUri{
		CanonicalUriFromDbString("ya.ru/a"),
		CanonicalUriFromDbString("www.ya.ru/a"),
		CanonicalUriFromDbString("ya.ru/b"),
		CanonicalUriFromDbString("ya.ru/a/"),
	}
	set := NewCanonicalUriSet(curis, &curiEqCfg)
	require.Equal(t, 3, set.Length)

	newCuriEqCfg := CanonicalEqualityConfig{
		SameHosts:         map[string]bool{"ya.ru": true, "www.ya.ru": true},
		ExpectTumblrPaths: false,
	}
	set.updateEqualityConfig(&newCuriEqCfg)
	require.Equal(t, 2, set.Length)
	require.Equal(t, "ya.ru/a", set.Curis[0].String())
	require.Equal(t, "ya.ru/b", set.Curis[1].String())
	require.True(t, set.Contains(CanonicalUriFromDbString("www.ya.ru/b")))

	merged := set.merge([]CanonicalUri{CanonicalUriFromDbString("ya.ru/c")})
	require.Equal(t, 3, merged.Length)
	require.Equal(t, 2, set.Length)
}

func TestCanonicalUriMap(t *testing.T) {
	logger := NewDummyLogger()
	curiEqCfg := NewCanonicalEqualityConfig()
	m := NewCanonicalUriMap[int](&curiEqCfg)
	for i, rawUrl := range []string{"https://ya.ru/a", "https://ya.ru/a/", "https://www.ya.ru/a"} {
		link, ok := ToCanonicalLink(rawUrl, logger, nil)
		require.True(t, ok)
		m.Add(link, i)
	}
	require.Equal(t, 2, m.Length)
	value, ok := m.Get(CanonicalUriFromDbString("ya.ru/a"))
	require.True(t, ok)
	require.Equal(t, 0, value)

	newCuriEqCfg := CanonicalEqualityConfig{
		SameHosts:         map[string]bool{"ya.ru": true, "www.ya.ru": true},
		ExpectTumblrPaths: false,
	}
	m.updateEqualityConfig(&newCuriEqCfg)
	require.Equal(t, 1, m.Length)
	value, ok = m.Get(CanonicalUriFromDbString("www.ya.ru/a"))
	require.True(t, ok)
	require.Equal(t, 0, value)
}
