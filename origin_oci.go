package precache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// ArtifactType is the OCI artifact type of a published asset bundle.
const ArtifactType = "application/vnd.precache.bundle.v1"

// OCIOrigin serves resources from an OCI artifact.
//
// Each layer of the artifact manifest is one resource; its
// org.opencontainers.image.title annotation holds the resource path. The manifest
// is resolved on first use and its layer index kept for the lifetime of the origin.
// Blobs are digest-verified as they are read.
type OCIOrigin struct {
	target    oras.ReadOnlyTarget
	reference string

	mu     sync.Mutex
	layers map[string]ocispec.Descriptor
}

// NewOCIOrigin creates an origin reading the artifact tagged reference from target.
func NewOCIOrigin(target oras.ReadOnlyTarget, reference string) *OCIOrigin {
	return &OCIOrigin{target: target, reference: reference}
}

// OCIOption configures a remote OCI origin.
type OCIOption func(*ociOptions)

type ociOptions struct {
	plainHTTP bool
	username  string
	password  string
}

// WithPlainHTTP talks to the registry over HTTP instead of HTTPS.
func WithPlainHTTP() OCIOption {
	return func(o *ociOptions) {
		o.plainHTTP = true
	}
}

// WithRegistryCredentials authenticates to the registry with a static username and
// password.
func WithRegistryCredentials(username, password string) OCIOption {
	return func(o *ociOptions) {
		o.username = username
		o.password = password
	}
}

// NewRemoteOCIOrigin creates an origin for a registry reference such as
// "ghcr.io/org/app-shell:1.4.2".
func NewRemoteOCIOrigin(ref string, opts ...OCIOption) (*OCIOrigin, error) {
	var o ociOptions
	for _, opt := range opts {
		opt(&o)
	}

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid OCI reference %q: %w", ref, err)
	}
	if repo.Reference.Reference == "" {
		return nil, fmt.Errorf("invalid OCI reference %q: a tag or digest is required", ref)
	}
	repo.PlainHTTP = o.plainHTTP

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if o.username != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: o.username,
			Password: o.password,
		})
	}
	repo.Client = client

	return NewOCIOrigin(repo, repo.Reference.Reference), nil
}

// Fetch implements Origin.
func (o *OCIOrigin) Fetch(ctx context.Context, req OriginRequest) (*Response, error) {
	if req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodHead {
		return methodNotAllowed(req.Method), nil
	}

	layers, err := o.index(ctx, req.Reload)
	if err != nil {
		return nil, err
	}

	path := strings.TrimPrefix(req.Path, "/")
	if path == "" {
		path = RootKey
	}
	desc, ok := layers[path]
	if !ok {
		desc, ok = layers[unescapeKey(path)]
	}
	if !ok {
		return notFound(path), nil
	}

	data, err := content.FetchAll(ctx, o.target, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch layer %s for %s: %w", desc.Digest, path, err)
	}

	header := http.Header{}
	if desc.MediaType != "" && desc.MediaType != ocispec.MediaTypeImageLayer {
		header.Set("Content-Type", desc.MediaType)
	}
	header.Set("ETag", `"`+desc.Digest.String()+`"`)

	if req.Method == http.MethodHead {
		data = nil
	}
	return &Response{
		Status: http.StatusOK,
		Header: header,
		Body:   data,
		Source: SourceNetwork,
	}, nil
}

// index returns the path -> layer map of the artifact, resolving it on first use
// or when reload is set.
func (o *OCIOrigin) index(ctx context.Context, reload bool) (map[string]ocispec.Descriptor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.layers != nil && !reload {
		return o.layers, nil
	}

	desc, data, err := oras.FetchBytes(ctx, o.target, o.reference, oras.DefaultFetchBytesOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", o.reference, err)
	}
	if desc.MediaType != ocispec.MediaTypeImageManifest {
		return nil, fmt.Errorf("unsupported manifest media type %q for %s", desc.MediaType, o.reference)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", o.reference, err)
	}

	layers := make(map[string]ocispec.Descriptor, len(manifest.Layers))
	for _, layer := range manifest.Layers {
		title := layer.Annotations[ocispec.AnnotationTitle]
		if title == "" {
			continue
		}
		layers[strings.TrimPrefix(title, "/")] = layer
		if title == RootKey {
			layers[RootKey] = layer
		}
	}

	o.layers = layers
	return layers, nil
}

// Asset is one resource published into an OCI artifact.
type Asset struct {
	// Path is the resource path, stored as the layer title.
	Path string
	// MediaType is the layer media type. Empty means a generic OCI layer.
	MediaType string
	// Data is the resource content.
	Data []byte
}

// PublishOCI packs assets into an artifact manifest in target and tags it with
// reference. It returns the manifest descriptor.
func PublishOCI(ctx context.Context, target oras.Target, reference string, assets []Asset) (ocispec.Descriptor, error) {
	layers := make([]ocispec.Descriptor, 0, len(assets))
	for _, a := range assets {
		if a.Path == "" {
			return ocispec.Descriptor{}, fmt.Errorf("asset path cannot be empty")
		}
		mediaType := a.MediaType
		if mediaType == "" {
			mediaType = ocispec.MediaTypeImageLayer
		}

		desc, err := oras.PushBytes(ctx, target, mediaType, a.Data)
		if err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("failed to push %s: %w", a.Path, err)
		}
		desc.Annotations = map[string]string{ocispec.AnnotationTitle: a.Path}
		layers = append(layers, desc)
	}

	manifestDesc, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType,
		oras.PackManifestOptions{Layers: layers})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("failed to pack manifest: %w", err)
	}

	if err := target.Tag(ctx, manifestDesc, reference); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("failed to tag %s: %w", reference, err)
	}
	return manifestDesc, nil
}
