package precache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content/memory"
)

func TestNewHTTPOrigin(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		wantErr bool
	}{
		{name: "https", base: "https://app.example.com"},
		{name: "http with path", base: "http://localhost:8080/app"},
		{name: "missing scheme", base: "app.example.com", wantErr: true},
		{name: "ftp", base: "ftp://example.com/", wantErr: true},
		{name: "bad escape", base: "http://example.com/%zz", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPOrigin(tt.base, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPOrigin_URL(t *testing.T) {
	o, err := NewHTTPOrigin("https://app.example.com/shell?x=1#frag", nil)
	require.NoError(t, err)

	assert.Equal(t, "https://app.example.com/shell/", o.URL(RootKey, ""))
	assert.Equal(t, "https://app.example.com/shell/", o.URL("", ""))
	assert.Equal(t, "https://app.example.com/shell/main.js", o.URL("main.js", ""))
	assert.Equal(t, "https://app.example.com/shell/assets/a.png", o.URL("/assets/a.png", ""))
	assert.Equal(t, "https://app.example.com/shell/data.json?lang=en", o.URL("data.json", "lang=en"))

	// Keys are already escaped and must reach the origin byte for byte.
	assert.Equal(t, "https://app.example.com/shell/assets/W006%2520Warnung.jpg", o.URL("assets/W006%2520Warnung.jpg", ""))
	assert.Equal(t, "https://app.example.com/shell/assets/Read%20Me.txt", o.URL("assets/Read%20Me.txt", ""))
	assert.Equal(t, "https://app.example.com/shell/a%2Fb.js", o.URL("a%2Fb.js", ""))
	assert.Equal(t, "https://app.example.com/shell/100%25.js", o.URL("100%.js", ""))
}

func TestHTTPOrigin_FetchEscapedPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		if r.URL.Path != "/assets/W006%20Warnung.jpg" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	o, err := NewHTTPOrigin(srv.URL, srv.Client())
	require.NoError(t, err)

	resp, err := o.Fetch(context.Background(), OriginRequest{Path: "assets/W006%2520Warnung.jpg"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "jpeg", string(resp.Body))
	assert.Equal(t, "/assets/W006%2520Warnung.jpg", gotPath)
}

func TestHTTPOrigin_Fetch(t *testing.T) {
	var lastHeader http.Header
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastHeader = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		lastBody = string(data)

		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Set-Cookie", "session=1")
			_, _ = w.Write([]byte("<html></html>"))
		case "/main.js":
			w.Header().Set("Content-Type", "application/javascript")
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write([]byte("main()"))
		case "/api":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(r.Method))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o, err := NewHTTPOrigin(srv.URL, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("root document", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: RootKey})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "<html></html>", string(resp.Body))
		assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
		assert.Empty(t, resp.Header.Get("Set-Cookie"), "only replayable headers are kept")
		assert.Equal(t, SourceNetwork, resp.Source)
	})

	t.Run("reload bypasses http caches", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: "main.js", Reload: true})
		require.NoError(t, err)
		assert.Equal(t, "main()", string(resp.Body))
		assert.Equal(t, `"v1"`, resp.Header.Get("ETag"))
		assert.Equal(t, "no-cache", lastHeader.Get("Cache-Control"))
		assert.Equal(t, "no-cache", lastHeader.Get("Pragma"))
	})

	t.Run("missing resource is a response", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: "missing.js"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.Status)
		assert.False(t, resp.OK())
	})

	t.Run("forwards method headers and body", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{
			Method: http.MethodPost,
			Path:   "api",
			Header: http.Header{"X-Test": []string{"yes"}},
			Body:   []byte("payload"),
		})
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.Status)
		assert.Equal(t, "POST", string(resp.Body))
		assert.Equal(t, "yes", lastHeader.Get("X-Test"))
		assert.Equal(t, "payload", lastBody)
	})
}

func TestHTTPOrigin_FetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o, err := NewHTTPOrigin(url, nil)
	require.NoError(t, err)

	_, err = o.Fetch(context.Background(), OriginRequest{Path: "main.js"})
	assert.Error(t, err)
}

func TestOCIOrigin(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	assets := []Asset{
		{Path: "/", MediaType: "text/html", Data: []byte("<html>shell</html>")},
		{Path: "main.dart.js", MediaType: "application/javascript", Data: []byte("void main() {}")},
		{Path: "assets/logo.bin", Data: []byte{0x00, 0x01, 0x02}},
		{Path: "assets/W006%20Warnung.jpg", Data: []byte("jpeg")},
	}
	desc, err := PublishOCI(ctx, store, "1.0.0", assets)
	require.NoError(t, err)
	assert.Equal(t, ocispec.MediaTypeImageManifest, desc.MediaType)

	o := NewOCIOrigin(store, "1.0.0")

	t.Run("root document", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: RootKey})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "<html>shell</html>", string(resp.Body))
		assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	})

	t.Run("asset with digest etag", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: "main.dart.js"})
		require.NoError(t, err)
		assert.Equal(t, "void main() {}", string(resp.Body))
		want := digest.FromBytes([]byte("void main() {}")).String()
		assert.Equal(t, `"`+want+`"`, resp.Header.Get("ETag"))
	})

	t.Run("generic layer has no content type", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: "/assets/logo.bin"})
		require.NoError(t, err)
		assert.Equal(t, []byte{0x00, 0x01, 0x02}, resp.Body)
		assert.Empty(t, resp.Header.Get("Content-Type"))
	})

	t.Run("head omits body", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Method: http.MethodHead, Path: "main.dart.js"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Empty(t, resp.Body)
	})

	t.Run("escaped key finds decoded title", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: "assets/W006%2520Warnung.jpg"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "jpeg", string(resp.Body))
	})

	t.Run("missing path", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Path: "missing.js"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.Status)
	})

	t.Run("writes are rejected", func(t *testing.T) {
		resp, err := o.Fetch(ctx, OriginRequest{Method: http.MethodPut, Path: "main.dart.js"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	})

	t.Run("reload picks up a new tag", func(t *testing.T) {
		_, err := PublishOCI(ctx, store, "1.0.0", []Asset{
			{Path: "main.dart.js", Data: []byte("void main() { v2(); }")},
		})
		require.NoError(t, err)

		resp, err := o.Fetch(ctx, OriginRequest{Path: "main.dart.js"})
		require.NoError(t, err)
		assert.Equal(t, "void main() {}", string(resp.Body), "index is kept until reload")

		resp, err = o.Fetch(ctx, OriginRequest{Path: "main.dart.js", Reload: true})
		require.NoError(t, err)
		assert.Equal(t, "void main() { v2(); }", string(resp.Body))
	})
}

func TestOCIOrigin_MissingReference(t *testing.T) {
	o := NewOCIOrigin(memory.New(), "nope")
	_, err := o.Fetch(context.Background(), OriginRequest{Path: "main.js"})
	assert.Error(t, err)
}

func TestPublishOCI_EmptyPath(t *testing.T) {
	_, err := PublishOCI(context.Background(), memory.New(), "v1", []Asset{{Data: []byte("x")}})
	assert.Error(t, err)
}

func TestNewRemoteOCIOrigin(t *testing.T) {
	_, err := NewRemoteOCIOrigin("localhost:5000/app-shell:1.0.0", WithPlainHTTP(), WithRegistryCredentials("user", "pass"))
	assert.NoError(t, err)

	_, err = NewRemoteOCIOrigin("localhost:5000/app-shell")
	assert.Error(t, err, "a tag or digest is required")

	_, err = NewRemoteOCIOrigin("not a reference")
	assert.Error(t, err)
}

func TestBucketConfig_Validate(t *testing.T) {
	_, err := NewBucketOrigin(BucketConfig{Bucket: "assets"})
	assert.Error(t, err)
}

func TestBucketOrigin_ObjectKey(t *testing.T) {
	o := &BucketOrigin{prefix: "releases/1.0", index: DefaultIndexObject}
	assert.Equal(t, "releases/1.0/index.html", o.objectKey(RootKey))
	assert.Equal(t, "releases/1.0/index.html", o.objectKey(""))
	assert.Equal(t, "releases/1.0/main.js", o.objectKey("main.js"))
	assert.Equal(t, "releases/1.0/assets/a.png", o.objectKey("/assets/a.png"))
	assert.Equal(t, "releases/1.0/assets/W006%20Warnung.jpg", o.objectKey("assets/W006%2520Warnung.jpg"))
	assert.Equal(t, "releases/1.0/100%.js", o.objectKey("100%.js"))

	bare := &BucketOrigin{index: "app.html"}
	assert.Equal(t, "app.html", bare.objectKey(RootKey))
	assert.Equal(t, "main.js", bare.objectKey("main.js"))
}
