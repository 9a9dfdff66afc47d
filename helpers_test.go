package precache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/require"
)

// fakeOrigin is an in-memory Origin whose content and availability tests can change.
type fakeOrigin struct {
	mu      sync.Mutex
	files   map[string]string
	status  map[string]int
	offline bool
	calls   map[string]int
	reloads map[string]int
}

func newFakeOrigin(files map[string]string) *fakeOrigin {
	o := &fakeOrigin{
		files:   make(map[string]string),
		status:  make(map[string]int),
		calls:   make(map[string]int),
		reloads: make(map[string]int),
	}
	for k, v := range files {
		o.files[k] = v
	}
	return o
}

func (o *fakeOrigin) Fetch(_ context.Context, req OriginRequest) (*Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	path := req.Path
	if path == "" {
		path = RootKey
	}
	if req.RawQuery != "" {
		path += "?" + req.RawQuery
	}
	o.calls[path]++
	if req.Reload {
		o.reloads[path]++
	}

	if o.offline {
		return nil, errors.New("connection refused")
	}
	if status, ok := o.status[path]; ok {
		return &Response{Status: status, Header: http.Header{}, Body: []byte(http.StatusText(status))}, nil
	}
	body, ok := o.files[path]
	if !ok {
		return notFound(path), nil
	}
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (o *fakeOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = body
}

func (o *fakeOrigin) setStatus(path string, status int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[path] = status
}

func (o *fakeOrigin) setOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

func (o *fakeOrigin) callCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

func (o *fakeOrigin) reloadCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reloads[path]
}

func (o *fakeOrigin) resetCalls() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = make(map[string]int)
	o.reloads = make(map[string]int)
}

// testHost is the host test workers serve.
const testHost = "app.example.com"

// newTestWorker creates a worker over fs, which is shared between workers to
// simulate upgrades.
func newTestWorker(t *testing.T, fs core.FS, manifest Manifest, origin Origin, opts ...Option) *Worker {
	t.Helper()
	if fs == nil {
		fs = billy.NewMemory()
	}
	all := append([]Option{WithFS(fs), WithOrigin(origin), WithHost(testHost)}, opts...)
	w, err := New(manifest, all...)
	require.NoError(t, err)
	return w
}

// cachedBody returns the body cached under key in the worker's content cache.
func cachedBody(t *testing.T, w *Worker, key string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	c, err := w.caches.Lookup(ctx, w.opts.CacheNames.Content)
	if err != nil {
		return "", false
	}
	entry, err := c.Match(ctx, key)
	if err != nil {
		return "", false
	}
	return string(entry.Data), true
}
