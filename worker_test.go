package precache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmgilman/go/precache/internal/cache"
)

var v1Files = map[string]string{
	"/":       "<html>v1</html>",
	"main.js": "main v1",
	"a.js":    "a v1",
	"b.js":    "b v1",
}

var v1Manifest = Manifest{
	"/":       "r1",
	"main.js": "m1",
	"a.js":    "a1",
	"b.js":    "b1",
}

var coreKeys = []string{"/", "main.js"}

// installAndActivate runs a full deployment of w.
func installAndActivate(t *testing.T, w *Worker) Plan {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, w.Install(ctx))
	plan, err := w.Activate(ctx)
	require.NoError(t, err)
	return plan
}

func fetchBody(t *testing.T, w *Worker, url string) (*Response, string) {
	t.Helper()
	resp, err := w.Fetch(context.Background(), Request{URL: url})
	require.NoError(t, err)
	return resp, string(resp.Body)
}

func TestNew(t *testing.T) {
	origin := newFakeOrigin(v1Files)

	t.Run("requires origin", func(t *testing.T) {
		_, err := New(v1Manifest)
		require.Error(t, err)
		assert.Equal(t, platformerrors.CodeInvalidConfig, platformerrors.GetCode(err))
	})

	t.Run("rejects invalid manifest", func(t *testing.T) {
		_, err := New(Manifest{"main.js": ""}, WithOrigin(origin))
		assert.ErrorIs(t, err, ErrInvalidManifest)
	})

	t.Run("rejects bad options", func(t *testing.T) {
		_, err := New(v1Manifest, WithOrigin(origin), WithFetchConcurrency(0))
		assert.Error(t, err)

		_, err = New(v1Manifest, WithOrigin(origin), WithCacheNames(CacheNames{Manifest: "x", Staging: "x", Content: "y"}))
		assert.Error(t, err)
	})

	t.Run("drops unknown and duplicate core paths", func(t *testing.T) {
		w, err := New(v1Manifest, WithOrigin(origin), WithCore("main.js", "missing.js", "/", "main.js"))
		require.NoError(t, err)
		assert.Equal(t, []string{"/", "main.js"}, w.Core())
		assert.Equal(t, StateNew, w.State())
	})

	t.Run("copies manifest", func(t *testing.T) {
		m := v1Manifest.Clone()
		w, err := New(m, WithOrigin(origin))
		require.NoError(t, err)
		m["extra.js"] = "x"
		assert.False(t, w.Manifest().Has("extra.js"))
	})
}

func TestWorker_InstallActivate(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))

	require.NoError(t, w.Install(ctx))
	assert.Equal(t, StateInstalled, w.State())
	assert.False(t, w.Waiting(), "install requests skip-waiting")
	assert.Equal(t, 1, origin.reloadCount("/"))
	assert.Equal(t, 1, origin.reloadCount("main.js"))
	assert.Equal(t, 0, origin.callCount("a.js"), "non-core paths are lazy")

	staging, err := w.caches.Lookup(ctx, w.opts.CacheNames.Staging)
	require.NoError(t, err)
	staged, err := staging.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "main.js"}, staged)

	_, ok := cachedBody(t, w, "main.js")
	assert.False(t, ok, "nothing is served before activation")

	plan, err := w.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, Plan{
		Keep:  []string{},
		Evict: []string{},
		Fetch: []string{"/", "main.js"},
		Lazy:  []string{"a.js", "b.js"},
	}, plan)

	body, ok := cachedBody(t, w, "main.js")
	require.True(t, ok)
	assert.Equal(t, "main v1", body)
	assert.Equal(t, 1, origin.callCount("main.js"), "staged assets are promoted, not refetched")

	has, err := w.caches.Has(ctx, w.opts.CacheNames.Staging)
	require.NoError(t, err)
	assert.False(t, has, "staging cache is removed after activation")

	stored, err := w.caches.Lookup(ctx, w.opts.CacheNames.Manifest)
	require.NoError(t, err)
	entry, err := stored.Match(ctx, manifestKey)
	require.NoError(t, err)
	saved, err := ParseManifest(entry.Data)
	require.NoError(t, err)
	assert.Equal(t, v1Manifest, saved)
}

func TestWorker_ActivateWithoutInstall(t *testing.T) {
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))

	plan, err := w.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "main.js"}, plan.Fetch)

	body, ok := cachedBody(t, w, "/")
	require.True(t, ok)
	assert.Equal(t, "<html>v1</html>", body)
	assert.Equal(t, 1, origin.reloadCount("/"))
}

func TestWorker_UpgradePreservesUnchangedEntries(t *testing.T) {
	ctx := context.Background()
	fs := billy.NewMemory()
	origin := newFakeOrigin(v1Files)

	w1 := newTestWorker(t, fs, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w1)
	fetchBody(t, w1, "/a.js")
	fetchBody(t, w1, "/b.js")

	before, err := w1.caches.Lookup(ctx, w1.opts.CacheNames.Content)
	require.NoError(t, err)
	aBefore, err := before.Match(ctx, "a.js")
	require.NoError(t, err)

	// New deployment: main.js and the root changed, b.js removed, c.js added.
	// a.js keeps its hash, so its cached copy must survive even though the origin
	// now answers with different bytes.
	origin.set("/", "<html>v2</html>")
	origin.set("main.js", "main v2")
	origin.set("a.js", "a served by v2 origin")
	origin.set("c.js", "c v2")
	v2Manifest := Manifest{"/": "r2", "main.js": "m2", "a.js": "a1", "c.js": "c1"}

	w2 := newTestWorker(t, fs, v2Manifest, origin, WithCore(coreKeys...))

	dryRun, err := w2.Plan(ctx)
	require.NoError(t, err)

	plan := installAndActivate(t, w2)
	assert.Equal(t, Plan{
		Keep:  []string{"a.js"},
		Evict: []string{"/", "b.js", "main.js"},
		Fetch: []string{"/", "main.js"},
		Lazy:  []string{"c.js"},
	}, plan)
	assert.Equal(t, plan, dryRun, "plan matches the activation it predicts")

	after, err := w2.caches.Lookup(ctx, w2.opts.CacheNames.Content)
	require.NoError(t, err)
	aAfter, err := after.Match(ctx, "a.js")
	require.NoError(t, err)
	assert.Equal(t, aBefore.Data, aAfter.Data)
	assert.Equal(t, aBefore.Header, aAfter.Header)
	assert.True(t, aBefore.StoredAt.Equal(aAfter.StoredAt))

	_, ok := cachedBody(t, w2, "b.js")
	assert.False(t, ok, "removed path is evicted")

	body, _ := cachedBody(t, w2, "main.js")
	assert.Equal(t, "main v2", body)

	_, ok = cachedBody(t, w2, "c.js")
	assert.False(t, ok, "added non-core path is fetched lazily")
	_, body = fetchBody(t, w2, "/c.js")
	assert.Equal(t, "c v2", body)

	assert.Equal(t, int64(3), w2.Stats().Evictions)
}

func TestWorker_CorruptedStoredManifestIsFreshInstall(t *testing.T) {
	ctx := context.Background()
	fs := billy.NewMemory()
	origin := newFakeOrigin(v1Files)

	w1 := newTestWorker(t, fs, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w1)
	fetchBody(t, w1, "/a.js")

	manifests, err := w1.caches.Open(ctx, w1.opts.CacheNames.Manifest)
	require.NoError(t, err)
	require.NoError(t, manifests.Put(ctx, &cache.Entry{Key: manifestKey, Status: http.StatusOK, Data: []byte("{not json")}))

	w2 := newTestWorker(t, fs, v1Manifest, origin, WithCore(coreKeys...))
	plan, err := w2.Activate(ctx)
	require.NoError(t, err)
	assert.Empty(t, plan.Keep)
	assert.Equal(t, []string{"/", "a.js", "main.js"}, plan.Evict)
}

func TestWorker_ActivateFailureWipesCaches(t *testing.T) {
	ctx := context.Background()
	fs := billy.NewMemory()
	origin := newFakeOrigin(v1Files)

	w1 := newTestWorker(t, fs, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w1)

	origin.setStatus("main.js", http.StatusNotFound)
	w2 := newTestWorker(t, fs, Manifest{"/": "r1", "main.js": "m2"}, origin, WithCore(coreKeys...))

	_, err := w2.Activate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconcileFailed)
	assert.ErrorIs(t, err, ErrBadStatus)
	assert.Equal(t, platformerrors.CodeInternal, platformerrors.GetCode(err))
	assert.Equal(t, StateRedundant, w2.State())

	names, err := w2.caches.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names, "no partial state survives a failed activation")
}

func TestWorker_InstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	origin.setStatus("main.js", http.StatusInternalServerError)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))

	err := w.Install(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadStatus)
	assert.Equal(t, StateNew, w.State())

	staging, err := w.caches.Lookup(ctx, w.opts.CacheNames.Staging)
	require.NoError(t, err)
	keys, err := staging.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWorker_InstallNetworkFailure(t *testing.T) {
	origin := newFakeOrigin(v1Files)
	origin.setOffline(true)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))

	err := w.Install(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.True(t, platformerrors.IsRetryable(err))
}

func TestWorker_InstallDiscardsStaleStaging(t *testing.T) {
	ctx := context.Background()
	fs := billy.NewMemory()
	origin := newFakeOrigin(v1Files)

	stale := newTestWorker(t, fs, v1Manifest, origin, WithCore("/", "main.js", "b.js"))
	require.NoError(t, stale.Install(ctx))

	w := newTestWorker(t, fs, Manifest{"/": "r1", "main.js": "m1"}, origin, WithCore(coreKeys...))
	require.NoError(t, w.Install(ctx))
	_, err := w.Activate(ctx)
	require.NoError(t, err)

	_, ok := cachedBody(t, w, "b.js")
	assert.False(t, ok)
}

func TestWorker_HashMismatch(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	manifest := Manifest{
		"/":       digest.FromString("<html>v1</html>").String(),
		"main.js": digest.FromString("something else").String(),
		"a.js":    digest.FromString("also wrong").String(),
	}
	w := newTestWorker(t, nil, manifest, origin, WithCore("/"))

	installAndActivate(t, w)

	_, err := w.Fetch(ctx, Request{URL: "/main.js"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Equal(t, platformerrors.CodeConflict, platformerrors.GetCode(err))

	_, ok := cachedBody(t, w, "main.js")
	assert.False(t, ok, "mismatched body is never stored")

	bad := newTestWorker(t, nil, manifest, origin, WithCore("/", "a.js"))
	assert.ErrorIs(t, bad.Install(ctx), ErrHashMismatch)

	unchecked := newTestWorker(t, nil, manifest, origin, WithVerifier(nil))
	_, body := fetchBody(t, unchecked, "/main.js")
	assert.Equal(t, "main v1", body)
}

func TestWorker_OnlineFirstHashMismatchFallsBack(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	manifest := Manifest{"/": digest.FromString("<html>v1</html>").String()}
	w := newTestWorker(t, nil, manifest, origin, WithCore("/"))
	installAndActivate(t, w)

	origin.set("/", "<html>tampered</html>")
	resp, body := fetchBody(t, w, "/")
	assert.Equal(t, "<html>v1</html>", body)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, int64(1), w.Stats().Fallbacks)

	cached, ok := cachedBody(t, w, RootKey)
	require.True(t, ok)
	assert.Equal(t, "<html>v1</html>", cached, "mismatched body does not replace the cached copy")

	// Without a cached copy the mismatch propagates.
	require.NoError(t, w.Clear(ctx))
	_, err := w.Fetch(ctx, Request{URL: "/"})
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Equal(t, platformerrors.CodeConflict, platformerrors.GetCode(err))
}

func TestWorker_OfflineFirst(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w)
	origin.resetCalls()

	// Core asset served straight from cache.
	resp, body := fetchBody(t, w, "/main.js?v=42")
	assert.Equal(t, "main v1", body)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, 0, origin.callCount("main.js"))

	// Lazy asset fetched once, then cached.
	resp, body = fetchBody(t, w, "/a.js")
	assert.Equal(t, "a v1", body)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.False(t, origin.reloadCount("a.js") > 0, "lazy fetches use normal caching")

	origin.setOffline(true)
	first, err := w.Fetch(ctx, Request{URL: "/a.js"})
	require.NoError(t, err)
	second, err := w.Fetch(ctx, Request{URL: "/a.js"})
	require.NoError(t, err)
	assert.Equal(t, "a v1", string(second.Body))
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, 1, origin.callCount("a.js"))

	// Uncached asset with no network.
	_, err = w.Fetch(ctx, Request{URL: "/b.js"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestWorker_OfflineFirstDoesNotStoreErrors(t *testing.T) {
	origin := newFakeOrigin(v1Files)
	origin.setStatus("a.js", http.StatusServiceUnavailable)
	w := newTestWorker(t, nil, v1Manifest, origin)

	resp, _ := fetchBody(t, w, "/a.js")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)

	_, ok := cachedBody(t, w, "a.js")
	assert.False(t, ok)
}

func TestWorker_OnlineFirst(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w)

	// The root is online-first: network success overrides the cached copy.
	origin.set("/", "<html>hotfix</html>")
	resp, body := fetchBody(t, w, "https://app.example.com/")
	assert.Equal(t, "<html>hotfix</html>", body)
	assert.Equal(t, SourceNetwork, resp.Source)

	cached, _ := cachedBody(t, w, RootKey)
	assert.Equal(t, "<html>hotfix</html>", cached)

	// Network failure falls back to the cache.
	origin.setOffline(true)
	resp, body = fetchBody(t, w, "/#/settings")
	assert.Equal(t, "<html>hotfix</html>", body)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, int64(1), w.Stats().Fallbacks)

	// No cached copy: the failure propagates.
	require.NoError(t, w.Clear(ctx))
	_, err := w.Fetch(ctx, Request{URL: "/"})
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestWorker_OnlineFirstStoresAnyStatus(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithPolicy(OnlineFirstFor("a.js")))

	origin.setStatus("a.js", http.StatusInternalServerError)
	resp, _ := fetchBody(t, w, "/a.js")
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	origin.setOffline(true)
	resp, err := w.Fetch(ctx, Request{URL: "/a.js"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, SourceCache, resp.Source)
}

func TestWorker_PassThrough(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(map[string]string{"api/items": "[]", "unlisted.js": "x"})
	w := newTestWorker(t, nil, v1Manifest, origin)

	resp, err := w.Fetch(ctx, Request{Method: http.MethodPost, URL: "/api/items", Body: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)

	resp, err = w.Fetch(ctx, Request{URL: "/unlisted.js"})
	require.NoError(t, err)
	assert.Equal(t, "x", string(resp.Body))
	_, ok := cachedBody(t, w, "unlisted.js")
	assert.False(t, ok, "unknown keys are never cached")

	resp, err = w.Fetch(ctx, Request{Method: http.MethodPost, URL: "/main.js"})
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	_, ok = cachedBody(t, w, "main.js")
	assert.False(t, ok, "non-GET requests are never cached")
}

func TestWorker_OutOfScope(t *testing.T) {
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithScope("/app/"))

	_, err := w.Fetch(context.Background(), Request{URL: "/other/main.js"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfScope)
	assert.Equal(t, platformerrors.CodeNotFound, platformerrors.GetCode(err))

	key, ok := w.Resolve("/app/main.js?v=1")
	assert.True(t, ok)
	assert.Equal(t, "main.js", key)

	_, ok = w.Resolve("/app/unlisted.js")
	assert.False(t, ok)
}

func TestWorker_ForeignHost(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(map[string]string{"/": "<html>v1</html>", "main.dart.js": "good"})
	w := newTestWorker(t, nil, Manifest{"/": "r1", "main.dart.js": "m1"}, origin, WithCore("/", "main.dart.js"))
	installAndActivate(t, w)
	origin.resetCalls()

	_, body := fetchBody(t, w, "https://app.example.com/main.dart.js")
	assert.Equal(t, "good", body)

	_, err := w.Fetch(ctx, Request{URL: "https://evil.example.net/main.dart.js"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfScope)
	assert.Equal(t, 0, origin.callCount("main.dart.js"))

	_, ok := w.Resolve("//evil.example.net/main.dart.js")
	assert.False(t, ok)

	noHost, err := New(Manifest{"main.dart.js": "m1"}, WithOrigin(origin))
	require.NoError(t, err)
	_, err = noHost.Fetch(ctx, Request{URL: "https://app.example.com/main.dart.js"})
	assert.ErrorIs(t, err, ErrOutOfScope, "absolute URLs need a configured host")
}

func TestWorker_HostDefaultsToHTTPOrigin(t *testing.T) {
	origin, err := NewHTTPOrigin("https://app.example.com:8443/shell/", nil)
	require.NoError(t, err)
	w, err := New(Manifest{"main.js": "m1"}, WithOrigin(origin))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com:8443", w.opts.Host)

	_, ok := w.Resolve("https://app.example.com:8443/main.js")
	assert.True(t, ok)
	_, ok = w.Resolve("https://app.example.com/main.js")
	assert.False(t, ok)

	w, err = New(Manifest{"main.js": "m1"}, WithOrigin(origin), WithHost("https://cdn.example.com/"))
	require.NoError(t, err)
	assert.Equal(t, "cdn.example.com", w.opts.Host)
}

func TestWorker_EscapedKeys(t *testing.T) {
	ctx := context.Background()
	const key = "assets/assets/pictograms/W006%2520Warnung.jpg"
	origin := newFakeOrigin(map[string]string{"/": "<html>v1</html>", key: "jpeg"})
	w := newTestWorker(t, nil, Manifest{"/": "r1", key: "p1"}, origin, WithCore("/"))
	installAndActivate(t, w)

	require.NoError(t, w.DownloadAll(ctx))
	cached, ok := cachedBody(t, w, key)
	require.True(t, ok)
	assert.Equal(t, "jpeg", cached)

	origin.resetCalls()
	resp, body := fetchBody(t, w, "/"+key)
	assert.Equal(t, "jpeg", body)
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, 0, origin.callCount(key))
}

func TestWorker_EscapedKeysOverHTTP(t *testing.T) {
	ctx := context.Background()
	files := map[string]string{
		"/":                          "<html>v1</html>",
		"/assets/W006%20Warnung.jpg": "jpeg",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(rw, r)
			return
		}
		_, _ = rw.Write([]byte(body))
	}))
	defer srv.Close()

	origin, err := NewHTTPOrigin(srv.URL, srv.Client())
	require.NoError(t, err)
	manifest := Manifest{"/": "r1", "assets/W006%2520Warnung.jpg": "w1"}
	w, err := New(manifest, WithOrigin(origin), WithCore("/"))
	require.NoError(t, err)
	installAndActivate(t, w)

	require.NoError(t, w.DownloadAll(ctx))

	resp, body := fetchBody(t, w, srv.URL+"/assets/W006%2520Warnung.jpg")
	assert.Equal(t, "jpeg", body)
	assert.Equal(t, SourceCache, resp.Source)
}

func TestWorker_ActivatePrunesUnreadableEntries(t *testing.T) {
	fs := billy.NewMemory()
	origin := newFakeOrigin(v1Files)
	w1 := newTestWorker(t, fs, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w1)

	junk := DefaultCachePath + "/" + w1.opts.CacheNames.Content + "/0123abcd"
	require.NoError(t, fs.WriteFile(junk, []byte("not a cache entry"), 0o644))

	plan, err := w1.Plan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, plan.Evict)
	exists, err := fs.Exists(junk)
	require.NoError(t, err)
	assert.True(t, exists, "plan does not change the cache")

	w2 := newTestWorker(t, fs, v1Manifest, origin, WithCore(coreKeys...))
	_, err = w2.Activate(context.Background())
	require.NoError(t, err)

	exists, err = fs.Exists(junk)
	require.NoError(t, err)
	assert.False(t, exists)
	_, body := fetchBody(t, w2, "/main.js")
	assert.Equal(t, "main v1", body)
}

func TestWorker_QueryKeys(t *testing.T) {
	origin := newFakeOrigin(map[string]string{"data.json?lang=en": "english"})
	w := newTestWorker(t, nil, Manifest{"data.json?lang=en": "d1"}, origin)

	_, body := fetchBody(t, w, "/data.json?lang=en")
	assert.Equal(t, "english", body)

	cached, ok := cachedBody(t, w, "data.json?lang=en")
	require.True(t, ok)
	assert.Equal(t, "english", cached)
}

func TestWorker_Message(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))

	assert.False(t, w.skipWaiting.Load())
	require.NoError(t, w.Message(ctx, "skipWaiting"))
	assert.True(t, w.skipWaiting.Load())

	err := w.Message(ctx, "reboot")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownMessage)
	assert.Equal(t, platformerrors.CodeInvalidInput, platformerrors.GetCode(err))

	installAndActivate(t, w)
	assert.False(t, w.Waiting())

	for _, msg := range []string{MessageDownloadAll, "downloadOffline"} {
		t.Run(msg, func(t *testing.T) {
			require.NoError(t, w.Clear(ctx))
			require.NoError(t, w.Message(ctx, msg))
			for _, key := range v1Manifest.Keys() {
				_, ok := cachedBody(t, w, key)
				assert.True(t, ok, "key %s", key)
			}
		})
	}
}

func TestWorker_DownloadAllOnlyFetchesMissing(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w)
	origin.resetCalls()

	require.NoError(t, w.DownloadAll(ctx))
	assert.Equal(t, 0, origin.callCount("main.js"))
	assert.Equal(t, 1, origin.callCount("a.js"))
	assert.Equal(t, 1, origin.callCount("b.js"))

	origin.resetCalls()
	require.NoError(t, w.DownloadAll(ctx))
	assert.Equal(t, 0, origin.callCount("a.js"))
}

func TestWorker_DownloadAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	origin.setStatus("b.js", http.StatusNotFound)
	w := newTestWorker(t, nil, v1Manifest, origin, WithFetchConcurrency(1))

	assert.ErrorIs(t, w.DownloadAll(ctx), ErrBadStatus)
	_, ok := cachedBody(t, w, "a.js")
	assert.False(t, ok)
}

func TestWorker_Clear(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w)

	require.NoError(t, w.Clear(ctx))
	assert.Equal(t, StateNew, w.State())

	names, err := w.caches.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	plan, err := w.Plan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "main.js"}, plan.Fetch)
}

func TestWorker_ConcurrentFetch(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(v1Files)
	w := newTestWorker(t, nil, v1Manifest, origin, WithCore(coreKeys...))
	installAndActivate(t, w)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, url := range []string{"/", "/main.js", "/a.js", "/b.js"} {
				resp, err := w.Fetch(ctx, Request{URL: url})
				assert.NoError(t, err)
				assert.True(t, resp.OK())
			}
		}()
	}
	wg.Wait()

	snap := w.Stats()
	assert.Positive(t, snap.Hits)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "new", StateNew.String())
	assert.Equal(t, "installed", StateInstalled.String())
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "state(9)", State(9).String())
}
