package precache

import (
	"net/url"
	"strings"
)

// versionQuery is the cache-busting query parameter appended by the application shell.
const versionQuery = "v="

// resolution is a request URL mapped into the worker scope.
type resolution struct {
	// key is the manifest key the request is served under.
	key string
	// path is the escaped request path relative to the scope, used for pass-through
	// requests.
	path string
	// rawQuery is the query string as received.
	rawQuery string
	// inScope is false for URLs outside the worker scope or on another host.
	inScope bool
}

// ResolveKey maps a request URL to a manifest key relative to scope.
//
// Keys keep the escaped form of the request path, so "a%2520b.jpg" stays as is.
// A leading "v=" query is stripped, since it only busts browser caches. The scope
// root, a fragment-only URL and the empty path all map to RootKey. Any other query
// is kept as part of the key.
//
// Absolute URLs are only in scope when their host equals host (case-insensitive);
// with an empty host every absolute URL is rejected. ok is false for URLs outside
// the scope.
func ResolveKey(host, scope, rawURL string) (key string, ok bool) {
	r := resolve(host, scope, rawURL)
	return r.key, r.inScope
}

func resolve(host, scope, rawURL string) resolution {
	u, err := url.Parse(rawURL)
	if err != nil || u.Opaque != "" {
		return resolution{}
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return resolution{}
	}
	if u.Host != "" && (host == "" || !strings.EqualFold(u.Host, host)) {
		return resolution{}
	}

	scope = normalizeScope(scope)
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}

	var rel string
	switch {
	case p+"/" == scope:
		rel = ""
	case strings.HasPrefix(p, scope):
		rel = strings.TrimPrefix(p, scope)
	default:
		return resolution{}
	}

	r := resolution{path: rel, rawQuery: u.RawQuery, inScope: true}

	key := rel
	if u.RawQuery != "" && !strings.HasPrefix(u.RawQuery, versionQuery) {
		key += "?" + u.RawQuery
	}
	if key == "" {
		key = RootKey
	}
	r.key = key
	return r
}

// normalizeScope returns scope as an absolute path ending in "/".
func normalizeScope(scope string) string {
	if !strings.HasPrefix(scope, "/") {
		scope = "/" + scope
	}
	if !strings.HasSuffix(scope, "/") {
		scope += "/"
	}
	return scope
}

// normalizeHost reduces a host or an origin URL to its host[:port].
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			return u.Host
		}
	}
	return strings.TrimSuffix(host, "/")
}

// unescapeKey returns the decoded form of an escaped key path, or the key itself
// when it is not a valid escape sequence.
func unescapeKey(p string) string {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	return decoded
}
