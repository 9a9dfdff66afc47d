package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/jmgilman/go/precache/internal/cache"
)

// manifestKey is the key the active manifest is stored under in the manifest cache.
const manifestKey = "manifest"

// Message opcodes understood by Worker.Message.
const (
	MessageSkipWaiting = "skip-waiting"
	MessageDownloadAll = "download-all"
)

// messageAliases maps the camel-case opcodes sent by web clients to their canonical
// names.
var messageAliases = map[string]string{
	"skipWaiting":     MessageSkipWaiting,
	"downloadOffline": MessageDownloadAll,
}

// State is the lifecycle state of a Worker.
type State int32

// Lifecycle states.
const (
	StateNew State = iota
	StateInstalled
	StateActivated
	StateRedundant
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalled:
		return "installed"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a point-in-time view of worker counters.
type Stats = cache.MetricsSnapshot

// Worker precaches the resources of one manifest and serves them.
//
// Lifecycle events (Install, Activate, DownloadAll, Clear) are serialized: each runs
// to completion before the next starts. Fetch may run concurrently with other
// fetches but never with a lifecycle event.
type Worker struct {
	mu sync.RWMutex

	manifest Manifest
	core     []string
	opts     Options

	caches  *cache.Caches
	logger  *cache.Logger
	metrics *cache.DetailedMetrics

	state       atomic.Int32
	skipWaiting atomic.Bool
}

// New creates a worker for manifest.
func New(manifest Manifest, opts ...Option) (*Worker, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	options.setDefaults()
	if err := options.Validate(); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "invalid worker options")
	}

	logger := cache.NewLoggerFromSlog(options.Logger)
	metrics := cache.NewDetailedMetrics()

	caches, err := cache.NewCaches(options.FS, options.CachePath,
		cache.Config{MaxEntryBytes: options.MaxEntryBytes},
		cache.WithLogger(logger),
		cache.WithMetrics(metrics),
		cache.WithClock(options.Clock),
	)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open cache storage")
	}

	w := &Worker{
		manifest: manifest.Clone(),
		opts:     options,
		caches:   caches,
		logger:   logger,
		metrics:  metrics,
	}

	seen := make(map[string]bool, len(options.Core))
	for _, p := range options.Core {
		if seen[p] {
			continue
		}
		seen[p] = true
		if !manifest.Has(p) {
			logger.Warn(context.Background(), "ignoring core path missing from manifest", "key", p)
			continue
		}
		w.core = append(w.core, p)
	}
	sort.Strings(w.core)

	return w, nil
}

// Manifest returns a copy of the worker's manifest.
func (w *Worker) Manifest() Manifest {
	return w.manifest.Clone()
}

// Core returns the core paths that install downloads, in sorted order.
func (w *Worker) Core() []string {
	return append([]string(nil), w.core...)
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// SkipWaiting asks the host to activate this worker as soon as it is installed.
func (w *Worker) SkipWaiting() {
	w.skipWaiting.Store(true)
}

// Waiting reports whether the worker is installed and waiting for the host to
// activate it.
func (w *Worker) Waiting() bool {
	return w.State() == StateInstalled && !w.skipWaiting.Load()
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return w.metrics.GetSnapshot()
}

// Resolve maps a request URL to the manifest key it is served under. ok is false
// when the worker does not handle the URL.
func (w *Worker) Resolve(rawURL string) (key string, ok bool) {
	key, ok = ResolveKey(w.opts.Host, w.opts.Scope, rawURL)
	return key, ok && w.manifest.Has(key)
}

// Install downloads every core path into the staging cache, bypassing HTTP caches.
//
// Install is all-or-nothing: if any core download fails or answers with a non-2xx
// status, nothing is staged. Install also requests skip-waiting.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	logger := w.logger.WithOperation(cache.OpInstall)
	w.skipWaiting.Store(true)

	// A staging cache left by an earlier install may hold another version.
	if _, err := w.caches.Delete(ctx, w.opts.CacheNames.Staging); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to reset staging cache")
	}
	staging, err := w.caches.Open(ctx, w.opts.CacheNames.Staging)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open staging cache")
	}

	entries, err := w.download(ctx, w.core, true)
	if err != nil {
		cache.LogCacheOperation(ctx, logger, cache.OpInstall, time.Since(start), false, 0, err)
		return err
	}

	size, err := w.store(ctx, staging, entries)
	if err != nil {
		if _, derr := w.caches.Delete(ctx, staging.Name()); derr != nil {
			logger.Error(ctx, "failed to discard partial staging cache", "error", derr)
		}
		cache.LogCacheOperation(ctx, logger, cache.OpInstall, time.Since(start), false, 0, err)
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to stage core assets")
	}

	w.state.Store(int32(StateInstalled))
	cache.LogCacheOperation(ctx, logger, cache.OpInstall, time.Since(start), true, size, nil)
	logger.Info(ctx, "installed", "staged", len(entries))
	return nil
}

// Activate reconciles the content cache with the worker's manifest.
//
// Cached entries whose hash is unchanged since the last activation are kept, the
// rest are evicted, staged core assets are promoted, core assets that were not
// staged are downloaded, and the manifest is persisted for the next upgrade. If any
// step fails, every cache is deleted and an ErrReconcileFailed error is returned.
func (w *Worker) Activate(ctx context.Context) (Plan, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	logger := w.logger.WithOperation(cache.OpActivate)

	plan, err := w.activate(ctx, logger)
	if err != nil {
		w.metrics.RecordError()
		logger.Error(ctx, "activation failed, deleting all caches", "error", err)
		if werr := w.wipe(context.WithoutCancel(ctx)); werr != nil {
			logger.Error(ctx, "failed to delete caches", "error", werr)
		}
		w.state.Store(int32(StateRedundant))
		return Plan{}, newError(ErrReconcileFailed, err, "failed to activate worker")
	}

	w.state.Store(int32(StateActivated))
	w.skipWaiting.Store(false)
	cache.LogCacheOperation(ctx, logger, cache.OpActivate, time.Since(start), true, 0, nil)
	logger.Info(ctx, "activated",
		"kept", len(plan.Keep),
		"evicted", len(plan.Evict),
		"fetched", len(plan.Fetch),
		"lazy", len(plan.Lazy))
	return plan, nil
}

func (w *Worker) activate(ctx context.Context, logger *cache.Logger) (Plan, error) {
	names := w.opts.CacheNames

	manifests, err := w.caches.Open(ctx, names.Manifest)
	if err != nil {
		return Plan{}, err
	}
	content, err := w.caches.Open(ctx, names.Content)
	if err != nil {
		return Plan{}, err
	}
	staging, err := w.caches.Open(ctx, names.Staging)
	if err != nil {
		return Plan{}, err
	}

	old, err := w.storedManifest(ctx, manifests, logger)
	if err != nil {
		return Plan{}, err
	}
	if old == nil {
		logger.Info(ctx, "no previous manifest, starting from an empty cache")
	}

	current, err := content.Prune(ctx)
	if err != nil {
		return Plan{}, err
	}
	sizes := make(map[string]int64, len(current))
	keys := make([]string, 0, len(current))
	for _, e := range current {
		sizes[e.Key] = e.Size()
		keys = append(keys, e.Key)
	}

	plan := Reconcile(old, w.manifest, keys, w.core)

	for _, key := range plan.Evict {
		if _, err := content.Delete(ctx, key); err != nil {
			return Plan{}, fmt.Errorf("failed to evict %s: %w", key, err)
		}
		w.metrics.RecordEviction(sizes[key])
		cache.LogEviction(ctx, w.logger, key, evictionReason(old, w.manifest, key))
	}

	staged, err := staging.Prune(ctx)
	if err != nil {
		return Plan{}, err
	}
	promoted := make(map[string]bool, len(staged))
	for _, e := range staged {
		if !w.manifest.Has(e.Key) {
			logger.Warn(ctx, "dropping staged entry missing from manifest", "key", e.Key)
			continue
		}
		if err := content.Put(ctx, e); err != nil {
			return Plan{}, fmt.Errorf("failed to promote %s: %w", e.Key, err)
		}
		promoted[e.Key] = true
	}
	if _, err := w.caches.Delete(ctx, names.Staging); err != nil {
		return Plan{}, err
	}

	var missing []string
	for _, key := range plan.Fetch {
		if !promoted[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		logger.Info(ctx, "downloading core assets that were not staged", "count", len(missing))
		entries, err := w.download(ctx, missing, true)
		if err != nil {
			return Plan{}, err
		}
		if _, err := w.store(ctx, content, entries); err != nil {
			return Plan{}, err
		}
	}

	data, err := w.manifest.Marshal()
	if err != nil {
		return Plan{}, err
	}
	err = manifests.Put(ctx, &cache.Entry{
		Key:    manifestKey,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Data:   data,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("failed to save manifest: %w", err)
	}

	return plan, nil
}

// Plan computes the reconciliation Activate would perform, without changing any
// cache.
func (w *Worker) Plan(ctx context.Context) (Plan, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	logger := w.logger.WithOperation(cache.OpActivate)

	var old Manifest
	manifests, err := w.caches.Lookup(ctx, w.opts.CacheNames.Manifest)
	switch {
	case err == nil:
		old, err = w.storedManifest(ctx, manifests, logger)
		if err != nil {
			return Plan{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to read stored manifest")
		}
	case !errors.Is(err, cache.ErrNotFound):
		return Plan{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open manifest cache")
	}

	var keys []string
	content, err := w.caches.Lookup(ctx, w.opts.CacheNames.Content)
	switch {
	case err == nil:
		keys, err = content.Keys(ctx)
		if err != nil {
			return Plan{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to list content cache")
		}
	case !errors.Is(err, cache.ErrNotFound):
		return Plan{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open content cache")
	}

	return Reconcile(old, w.manifest, keys, w.core), nil
}

// storedManifest returns the manifest saved by the last activation, or nil when
// there is none. An unreadable manifest is treated as missing.
func (w *Worker) storedManifest(ctx context.Context, c *cache.Cache, logger *cache.Logger) (Manifest, error) {
	entry, err := c.Match(ctx, manifestKey)
	if errors.Is(err, cache.ErrNotFound) || errors.Is(err, cache.ErrCacheCorrupted) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	old, err := ParseManifest(entry.Data)
	if err != nil {
		logger.Warn(ctx, "stored manifest is unreadable, treating as a fresh install", "error", err)
		return nil, nil
	}
	return old, nil
}

func evictionReason(old, current Manifest, key string) string {
	switch {
	case old == nil:
		return "no previous manifest"
	case !current.Has(key):
		return "removed from manifest"
	case !old.Has(key):
		return "not in previous manifest"
	default:
		return "hash changed"
	}
}

// Fetch serves a request.
//
// GET requests for manifest keys are served from the content cache according to
// the key's policy. Every other request is passed to the origin unchanged and never
// cached.
func (w *Worker) Fetch(ctx context.Context, req Request) (*Response, error) {
	method := req.method()
	r := resolve(w.opts.Host, w.opts.Scope, req.URL)
	if !r.inScope {
		return nil, newErrorf(ErrOutOfScope, nil, "%s is outside scope %s", req.URL, w.opts.Scope)
	}
	if method != http.MethodGet || !w.manifest.Has(r.key) {
		return w.passThrough(ctx, method, r, req)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	switch w.opts.Policy(r.key) {
	case OnlineFirst:
		return w.onlineFirst(ctx, r.key)
	default:
		return w.offlineFirst(ctx, r.key)
	}
}

func (w *Worker) offlineFirst(ctx context.Context, key string) (*Response, error) {
	logger := w.logger.WithOperation(cache.OpFetch).WithKey(key)

	content, err := w.caches.Open(ctx, w.opts.CacheNames.Content)
	if err != nil {
		return nil, withKey(platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open content cache"), key)
	}

	entry, err := content.Match(ctx, key)
	if err == nil {
		w.metrics.RecordHit(entry.Size())
		return fromEntry(entry), nil
	}
	if !errors.Is(err, cache.ErrNotFound) && !errors.Is(err, cache.ErrCacheCorrupted) {
		logger.Warn(ctx, "cache lookup failed, using network", "error", err)
	}
	w.metrics.RecordMiss()

	resp, err := w.fetchNetwork(ctx, key, false)
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		if err := content.Put(ctx, toEntry(key, resp)); err != nil {
			logger.Warn(ctx, "failed to store response", "error", err)
		}
	}
	return resp, nil
}

func (w *Worker) onlineFirst(ctx context.Context, key string) (*Response, error) {
	logger := w.logger.WithOperation(cache.OpFetch).WithKey(key)

	content, err := w.caches.Open(ctx, w.opts.CacheNames.Content)
	if err != nil {
		return nil, withKey(platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open content cache"), key)
	}

	resp, netErr := w.fetchNetwork(ctx, key, false)
	if netErr == nil {
		if err := content.Put(ctx, toEntry(key, resp)); err != nil {
			logger.Warn(ctx, "failed to store response", "error", err)
		}
		return resp, nil
	}
	if !errors.Is(netErr, ErrNetwork) && !errors.Is(netErr, ErrHashMismatch) {
		return nil, netErr
	}

	entry, err := content.Match(ctx, key)
	if err != nil {
		w.metrics.RecordMiss()
		return nil, netErr
	}

	w.metrics.RecordFallback()
	w.metrics.RecordHit(entry.Size())
	logger.Info(ctx, "network copy unusable, serving cached copy", "error", netErr)
	return fromEntry(entry), nil
}

func (w *Worker) passThrough(ctx context.Context, method string, r resolution, req Request) (*Response, error) {
	resp, err := w.opts.Origin.Fetch(ctx, OriginRequest{
		Method:   method,
		Path:     r.path,
		RawQuery: r.rawQuery,
		Header:   req.Header,
		Body:     req.Body,
	})
	if err != nil {
		w.metrics.RecordNetworkFailure()
		return nil, newErrorf(ErrNetwork, err, "failed to fetch %s", req.URL)
	}
	if resp == nil {
		w.metrics.RecordNetworkFailure()
		return nil, newErrorf(ErrNetwork, nil, "origin returned no response for %s", req.URL)
	}
	resp.Source = SourceNetwork
	w.metrics.RecordNetworkFetch(int64(len(resp.Body)))
	return resp, nil
}

// Message handles a message from a client page.
func (w *Worker) Message(ctx context.Context, msg string) error {
	op := strings.TrimSpace(msg)
	if alias, ok := messageAliases[op]; ok {
		op = alias
	}

	switch op {
	case MessageSkipWaiting:
		w.SkipWaiting()
		return nil
	case MessageDownloadAll:
		return w.DownloadAll(ctx)
	default:
		return newErrorf(ErrUnknownMessage, nil, "unknown message %q", msg)
	}
}

// DownloadAll downloads every manifest path missing from the content cache so the
// whole application is available offline. It is all-or-nothing like Install.
func (w *Worker) DownloadAll(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	logger := w.logger.WithOperation(cache.OpDownloadAll)

	content, err := w.caches.Open(ctx, w.opts.CacheNames.Content)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to open content cache")
	}
	cached, err := content.Keys(ctx)
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to list content cache")
	}
	have := make(map[string]bool, len(cached))
	for _, k := range cached {
		have[k] = true
	}

	var missing []string
	for _, k := range w.manifest.Keys() {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		logger.Debug(ctx, "everything is already cached")
		return nil
	}

	entries, err := w.download(ctx, missing, false)
	if err != nil {
		cache.LogCacheOperation(ctx, logger, cache.OpDownloadAll, time.Since(start), false, 0, err)
		return err
	}
	size, err := w.store(ctx, content, entries)
	if err != nil {
		cache.LogCacheOperation(ctx, logger, cache.OpDownloadAll, time.Since(start), false, 0, err)
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to store downloads")
	}

	cache.LogCacheOperation(ctx, logger, cache.OpDownloadAll, time.Since(start), true, size, nil)
	logger.Info(ctx, "downloaded missing resources", "count", len(entries))
	return nil
}

// Clear deletes every cache owned by the worker and resets it to StateNew.
func (w *Worker) Clear(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.wipe(ctx); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to clear caches")
	}
	w.state.Store(int32(StateNew))
	w.logger.WithOperation(cache.OpWipe).Info(ctx, "caches cleared")
	return nil
}

// wipe deletes the content, staging and manifest caches, attempting all three even
// when one fails.
func (w *Worker) wipe(ctx context.Context) error {
	var errs []error
	for _, name := range w.opts.CacheNames.all() {
		if _, err := w.caches.Delete(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// download fetches keys concurrently and returns their entries in the order of keys.
// Any failure or non-2xx status fails the whole download.
func (w *Worker) download(ctx context.Context, keys []string, reload bool) ([]*cache.Entry, error) {
	entries := make([]*cache.Entry, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.FetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			resp, err := w.fetchNetwork(gctx, key, reload)
			if err != nil {
				return err
			}
			if !resp.OK() {
				return withKey(newErrorf(ErrBadStatus, nil, "fetching %s returned status %d", key, resp.Status), key)
			}
			entries[i] = toEntry(key, resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// store writes entries into c one at a time and returns the number of bytes written.
func (w *Worker) store(ctx context.Context, c *cache.Cache, entries []*cache.Entry) (int64, error) {
	var size int64
	for _, e := range entries {
		if err := c.Put(ctx, e); err != nil {
			return size, err
		}
		size += e.Size()
	}
	return size, nil
}

// fetchNetwork fetches a manifest key from the origin and verifies successful
// responses against the manifest hash.
func (w *Worker) fetchNetwork(ctx context.Context, key string, reload bool) (*Response, error) {
	path, query, _ := strings.Cut(key, "?")
	resp, err := w.opts.Origin.Fetch(ctx, OriginRequest{
		Method:   http.MethodGet,
		Path:     path,
		RawQuery: query,
		Reload:   reload,
	})
	if err != nil {
		w.metrics.RecordNetworkFailure()
		return nil, withKey(newErrorf(ErrNetwork, err, "failed to fetch %s", key), key)
	}
	if resp == nil {
		w.metrics.RecordNetworkFailure()
		return nil, withKey(newErrorf(ErrNetwork, nil, "origin returned no response for %s", key), key)
	}
	resp.Source = SourceNetwork
	w.metrics.RecordNetworkFetch(int64(len(resp.Body)))

	if resp.OK() && w.opts.Verifier != nil {
		if err := w.opts.Verifier.Verify(key, w.manifest[key], resp.Body); err != nil {
			w.metrics.RecordError()
			if !errors.Is(err, ErrHashMismatch) {
				err = withKey(newErrorf(ErrHashMismatch, err, "failed to verify %s", key), key)
			}
			return nil, err
		}
	}
	return resp, nil
}

func toEntry(key string, resp *Response) *cache.Entry {
	return &cache.Entry{
		Key:    key,
		Status: resp.Status,
		Header: resp.Header.Clone(),
		Data:   resp.Body,
	}
}

func fromEntry(e *cache.Entry) *Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status: e.Status,
		Header: header,
		Body:   e.Data,
		Source: SourceCache,
	}
}
