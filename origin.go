package precache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Source tells where a response came from.
type Source string

// Response sources.
const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Request is a request handed to the worker by its host.
type Request struct {
	// Method is the HTTP method. Empty means GET.
	Method string
	// URL is the request URL, absolute or relative to the host.
	URL string
	// Header holds request headers forwarded to the origin.
	Header http.Header
	// Body is forwarded to the origin for pass-through requests.
	Body []byte
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Response is a response produced by the worker or an origin.
type Response struct {
	// Status is the HTTP status code.
	Status int
	// Header holds the replayable response headers.
	Header http.Header
	// Body is the response body.
	Body []byte
	// Source is where the response came from.
	Source Source
}

// OK reports whether the status is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// OriginRequest is a request for one resource sent to an Origin.
type OriginRequest struct {
	// Method is the HTTP method. Empty means GET.
	Method string
	// Path is the resource path relative to the origin root. RootKey and the
	// empty path address the root document.
	Path string
	// RawQuery is an optional query string, without the leading "?".
	RawQuery string
	// Header holds request headers to forward.
	Header http.Header
	// Body is the request body for non-GET requests.
	Body []byte
	// Reload asks the origin and any intermediate HTTP caches for a fresh copy.
	Reload bool
}

// Origin fetches resources from the network.
//
// A transport failure is returned as an error. An HTTP error status is a valid
// response, so a missing resource is a 404 Response and not an error.
type Origin interface {
	Fetch(ctx context.Context, req OriginRequest) (*Response, error)
}

// OriginFunc adapts a function to the Origin interface.
type OriginFunc func(ctx context.Context, req OriginRequest) (*Response, error)

// Fetch calls f.
func (f OriginFunc) Fetch(ctx context.Context, req OriginRequest) (*Response, error) {
	return f(ctx, req)
}

// keptHeaders lists the response headers stored with cached entries.
var keptHeaders = []string{
	"Content-Type",
	"Content-Encoding",
	"Content-Language",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

// filterHeader copies the headers worth replaying from a cache.
func filterHeader(h http.Header) http.Header {
	out := make(http.Header)
	for _, name := range keptHeaders {
		if values := h.Values(name); len(values) > 0 {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return out
}

// notFound returns the response origins produce for a path they do not hold.
func notFound(path string) *Response {
	return &Response{
		Status: http.StatusNotFound,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(fmt.Sprintf("%s not found\n", path)),
		Source: SourceNetwork,
	}
}

// methodNotAllowed returns the response read-only origins produce for writes.
func methodNotAllowed(method string) *Response {
	return &Response{
		Status: http.StatusMethodNotAllowed,
		Header: http.Header{"Allow": []string{"GET, HEAD"}},
		Body:   []byte(fmt.Sprintf("method %s not allowed\n", method)),
		Source: SourceNetwork,
	}
}

// HTTPOrigin fetches resources relative to a base URL.
type HTTPOrigin struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPOrigin creates an origin rooted at baseURL. A nil client uses
// http.DefaultClient.
func NewHTTPOrigin(baseURL string, client *http.Client) (*HTTPOrigin, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid origin URL %q: scheme must be http or https", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""

	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOrigin{base: u, client: client}, nil
}

// URL returns the absolute URL of a resource path. path is in escaped form, as
// manifest keys are, and is sent unchanged.
func (o *HTTPOrigin) URL(path, rawQuery string) string {
	u := *o.base
	if path != RootKey {
		escaped := strings.TrimPrefix(path, "/")
		ref := &url.URL{Path: unescapeKey(escaped), RawPath: escaped}
		u = *o.base.ResolveReference(ref)
	}
	u.RawQuery = rawQuery
	return u.String()
}

// Fetch implements Origin.
func (o *HTTPOrigin) Fetch(ctx context.Context, req OriginRequest) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, o.URL(req.Path, req.RawQuery), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	if req.Reload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		Status: resp.StatusCode,
		Header: filterHeader(resp.Header),
		Body:   data,
		Source: SourceNetwork,
	}, nil
}
