package crawler

import (
	"fmt"
	neturl "net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var leadingWhitespaceRegex *regexp.Regexp
var trailingWhitespaceRegex *regexp.Regexp
var safeUrlRegex *regexp.Regexp

func init() {
	leadingWhitespaceRegex =
		regexp.MustCompile("(?i)\\A( |\t|\n|\x00|\v|\f|\r|%20|%09|%0a|%00|%0b|%0c|%0d)+")
	trailingWhitespaceRegex =
		regexp.MustCompile("(?i)( |\t|\n|\x00|\v|\f|\r|%20|%09|%0a|%00|%0b|%0c|%0d)+\\z")
	safeUrlRegex = regexp.MustCompile(`\A(https?:)?[\-_.!~*'()a-zA-Z\d;/?&=+$,]+\z`)
}

func ToCanonicalLink(url string, logger Logger, fetchUri *neturl.URL) (Link, bool) {
	urlStripped := leadingWhitespaceRegex.ReplaceAllString(url, "")
	urlStripped = trailingWhitespaceRegex.ReplaceAllString(urlStripped, "")
	urlNewlinesRemoved := strings.ReplaceAll(urlStripped, "\n", "")

	fetchUriStr := ""
	if fetchUri != nil {
		fetchUriStr = fmt.Sprintf(" from %q", fetchUri)
	}

	urlEscaped := urlNewlinesRemoved
	if !safeUrlRegex.MatchString(urlNewlinesRemoved) {
		urlUnescaped, err := neturl.PathUnescape(urlNewlinesRemoved)
		if err != nil || !utf8.ValidString(urlUnescaped) {
			urlEscaped = escapeUrl(urlNewlinesRemoved, true)
		} else {
			if strings.HasPrefix(urlUnescaped, ":") {
				return Link{}, false //nolint:exhaustruct
			}
			urlEscaped = escapeUrl(urlUnescaped, false)
		}
	}

	if strings.HasPrefix(urlEscaped, "mailto:") {
		return Link{}, false //nolint:exhaustruct
	}

	uri, err := neturl.Parse(urlEscaped)
	if err != nil {
		logger.Info("Invalid URL: %q%s has %v", url, fetchUriStr, err)
		return Link{}, false //nolint:exhaustruct
	}

	if uri.Scheme == "" && fetchUri != nil {
		uri = fetchUri.ResolveReference(uri)
	}

	if uri.Scheme != "http" && uri.Scheme != "https" {
		return Link{}, false //nolint:exhaustruct
	}

	if uri.User != nil {
		logger.Info("Invalid URL: %q%s has userinfo: %s", uri, fetchUriStr, uri.User)
		return Link{}, false //nolint:exhaustruct
	}
	if uri.Opaque != "" {
		logger.Info("Invalid URL: %q%s has opaque: %s", uri, fetchUriStr, uri.Opaque)
		return Link{}, false //nolint:exhaustruct
	}
	if uri.Host == "" {
		logger.Info("Invalid URL: %q%s has no host", uri, fetchUriStr)
		return Link{}, false //nolint:exhaustruct
	}

	if uri.Scheme == "http" {
		uri.Host = strings.TrimSuffix(uri.Host, ":80")
	} else {
		uri.Host = strings.TrimSuffix(uri.Host, ":443")
	}
	uri.Fragment = ""
	uri.RawFragment = ""
	if strings.Contains(uri.EscapedPath(), "//") {
		escapedPath := uri.EscapedPath()
		for strings.Contains(escapedPath, "//") {
			escapedPath = strings.ReplaceAll(escapedPath, "//", "/")
		}
		path, err := neturl.PathUnescape(escapedPath)
		if err != nil {
			logger.Info("Invalid URL: %q%s has bad path: %v", uri, fetchUriStr, err)
			return Link{}, false //nolint:exhaustruct
		}
		uri.Path = path
		uri.RawPath = escapedPath
	}
	uri.RawQuery = strings.ReplaceAll(uri.RawQuery, "+", "%2B")

	curi := CanonicalUriFromUri(uri)
	return Link{
		Curi: curi,
		Uri:  uri,
		Url:  uri.String(),
	}, true
}

const urlAllowedPunctuation = "-._~:/?#[]@!$&'()*+,;="

func escapeUrl(url string, keepPercent bool) string {
	var sb strings.Builder
	for i := 0; i < len(url); i++ {
		c := url[i]
		isAllowed := ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') ||
			strings.IndexByte(urlAllowedPunctuation, c) != -1 || (keepPercent && c == '%')
		if isAllowed {
			sb.WriteByte(c)
		} else {
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// CanonicalUri is compared through CanonicalUriEqual, never ==
type CanonicalUri struct {
	Host        string
	Port        string
	Path        string
	TrimmedPath string
	Query       string
}

var whitelistedQueryParams = map[string]bool{
	"page":        true,
	"year":        true,
	"m":           true, // month (apenwarr)
	"start":       true,
	"offset":      true,
	"skip":        true,
	"updated-max": true, // blogspot
	"sort":        true,
	"order":       true,
	"format":      true,
}

func isWhitelistedQueryParam(param string) bool {
	return whitelistedQueryParams[param] || strings.Contains(param, "page")
}

func CanonicalUriFromUri(uri *neturl.URL) CanonicalUri {
	var port string
	uriPort := uri.Port()
	if uriPort == "" ||
		(uriPort == "80" && uri.Scheme == "http") ||
		(uriPort == "443" && uri.Scheme == "https") {
		port = ""
	} else {
		port = ":" + uriPort
	}

	path := uri.EscapedPath()
	if path == "/" && uri.RawQuery == "" {
		path = ""
	}

	var query string
	if uri.RawQuery != "" {
		var sb strings.Builder
		for _, token := range strings.Split(uri.RawQuery, "&") {
			param, value, hasEquals := strings.Cut(token, "=")
			if !isWhitelistedQueryParam(param) {
				continue
			}
			if sb.Len() == 0 {
				sb.WriteByte('?')
			} else {
				sb.WriteByte('&')
			}
			sb.WriteString(param)
			if hasEquals {
				sb.WriteByte('=')
				sb.WriteString(value)
			}
		}
		query = sb.String()
	}

	return CanonicalUri{
		Host:        uri.Hostname(),
		Port:        port,
		Path:        path,
		TrimmedPath: strings.TrimRight(path, "/"),
		Query:       query,
	}
}

// CanonicalUriFromDbString parses the host[:port][path][?query] form produced by String()
func CanonicalUriFromDbString(dbString string) CanonicalUri {
	dummyUri, err := neturl.Parse("http://" + dbString)
	if err != nil {
		panic(err)
	}
	return CanonicalUriFromUri(dummyUri)
}

func (c CanonicalUri) String() string {
	return c.Host + c.Port + c.Path + c.Query
}

type CanonicalEqualityConfig struct {
	SameHosts         map[string]bool
	ExpectTumblrPaths bool
}

func NewCanonicalEqualityConfig() CanonicalEqualityConfig {
	return CanonicalEqualityConfig{
		SameHosts:         map[string]bool{},
		ExpectTumblrPaths: false,
	}
}

func CanonicalEqualityConfigEqual(curiEqCfg1, curiEqCfg2 *CanonicalEqualityConfig) bool {
	if curiEqCfg1.ExpectTumblrPaths != curiEqCfg2.ExpectTumblrPaths {
		return false
	}
	if len(curiEqCfg1.SameHosts) != len(curiEqCfg2.SameHosts) {
		return false
	}
	for sameHost := range curiEqCfg1.SameHosts {
		if !curiEqCfg2.SameHosts[sameHost] {
			return false
		}
	}
	return true
}

func CanonicalUriPathEqual(curi1, curi2 CanonicalUri) bool {
	return curi1.TrimmedPath == curi2.TrimmedPath
}

var tumblrPathRegex *regexp.Regexp

func init() {
	tumblrPathRegex = regexp.MustCompile(`^(/post/\d+)(?:/[^/]+)?/?$`)
}

func CanonicalUriEqual(curi1, curi2 CanonicalUri, curiEqCfg *CanonicalEqualityConfig) bool {
	if canonicalUriServerKey(curi1, curiEqCfg) != canonicalUriServerKey(curi2, curiEqCfg) {
		return false
	}
	if curi1.Query != curi2.Query {
		return false
	}

	if curiEqCfg.ExpectTumblrPaths {
		tumblrMatch1 := tumblrPathRegex.FindStringSubmatch(curi1.Path)
		tumblrMatch2 := tumblrPathRegex.FindStringSubmatch(curi2.Path)
		if tumblrMatch1 != nil && tumblrMatch2 != nil {
			return tumblrMatch1[1] == tumblrMatch2[1]
		}
	}
	return CanonicalUriPathEqual(curi1, curi2)
}

// Same hosts share one server key regardless of port
func canonicalUriServerKey(curi CanonicalUri, curiEqCfg *CanonicalEqualityConfig) string {
	server := curi.Host + curi.Port
	if curiEqCfg.SameHosts[server] || curiEqCfg.SameHosts[curi.Host] {
		return "__same_hosts"
	}
	return server
}

func canonicalUriGetKey(curi CanonicalUri, curiEqCfg *CanonicalEqualityConfig) string {
	serverKey := canonicalUriServerKey(curi, curiEqCfg)

	trimmedPath := curi.TrimmedPath
	if curiEqCfg.ExpectTumblrPaths {
		if tumblrMatch := tumblrPathRegex.FindStringSubmatch(curi.Path); tumblrMatch != nil {
			trimmedPath = tumblrMatch[1]
		}
	}

	return serverKey + "/" + trimmedPath + "?" + curi.Query
}

// CanonicalUriSet keeps Curis as the raw list so that it can be rebuilt under a new config
type CanonicalUriSet struct {
	Curis  []CanonicalUri
	Length int

	curiEqCfg *CanonicalEqualityConfig
	keys      map[string]bool
}

func NewCanonicalUriSet(curis []CanonicalUri, curiEqCfg *CanonicalEqualityConfig) CanonicalUriSet {
	result := CanonicalUriSet{
		Curis:     nil,
		Length:    0,
		curiEqCfg: curiEqCfg,
		keys:      make(map[string]bool, len(curis)),
	}
	result.addMany(curis)
	return result
}

func (s *CanonicalUriSet) Contains(curi CanonicalUri) bool {
	return s.keys[canonicalUriGetKey(curi, s.curiEqCfg)]
}

func (s *CanonicalUriSet) add(curi CanonicalUri) {
	key := canonicalUriGetKey(curi, s.curiEqCfg)
	if s.keys[key] {
		return
	}

	s.keys[key] = true
	s.Curis = append(s.Curis, curi)
	s.Length++
}

func (s *CanonicalUriSet) addMany(curis []CanonicalUri) {
	for _, curi := range curis {
		s.add(curi)
	}
}

func (s *CanonicalUriSet) clone() CanonicalUriSet {
	keys := make(map[string]bool, len(s.keys))
	for key := range s.keys {
		keys[key] = true
	}
	return CanonicalUriSet{
		Curis:     append([]CanonicalUri(nil), s.Curis...),
		Length:    s.Length,
		curiEqCfg: s.curiEqCfg,
		keys:      keys,
	}
}

func (s *CanonicalUriSet) merge(curis []CanonicalUri) CanonicalUriSet {
	result := s.clone()
	result.addMany(curis)
	return result
}

func (s *CanonicalUriSet) updateEqualityConfig(curiEqCfg *CanonicalEqualityConfig) {
	curis := s.Curis
	s.Curis = nil
	s.Length = 0
	s.curiEqCfg = curiEqCfg
	s.keys = make(map[string]bool, len(curis))
	s.addMany(curis)
}

type CanonicalUriMap[T any] struct {
	Links  []Link
	Length int

	curiEqCfg *CanonicalEqualityConfig
	values    []T
	indexes   map[string]int
}

func NewCanonicalUriMap[T any](curiEqCfg *CanonicalEqualityConfig) CanonicalUriMap[T] {
	return CanonicalUriMap[T]{
		Links:     nil,
		Length:    0,
		curiEqCfg: curiEqCfg,
		values:    nil,
		indexes:   make(map[string]int),
	}
}

// Add keeps the first value for a key
func (m *CanonicalUriMap[T]) Add(link Link, value T) {
	key := canonicalUriGetKey(link.Curi, m.curiEqCfg)
	if _, ok := m.indexes[key]; ok {
		return
	}

	m.indexes[key] = len(m.values)
	m.Links = append(m.Links, link)
	m.values = append(m.values, value)
	m.Length++
}

func (m *CanonicalUriMap[T]) Contains(curi CanonicalUri) bool {
	_, ok := m.indexes[canonicalUriGetKey(curi, m.curiEqCfg)]
	return ok
}

func (m *CanonicalUriMap[T]) Get(curi CanonicalUri) (T, bool) {
	index, ok := m.indexes[canonicalUriGetKey(curi, m.curiEqCfg)]
	if !ok {
		var zero T
		return zero, false
	}
	return m.values[index], true
}

func (m *CanonicalUriMap[T]) updateEqualityConfig(curiEqCfg *CanonicalEqualityConfig) {
	links := m.Links
	values := m.values
	*m = NewCanonicalUriMap[T](curiEqCfg)
	for i, link := range links {
		m.Add(link, values[i])
	}
}
