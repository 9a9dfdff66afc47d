package precache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"

	"github.com/jmgilman/go/precache/internal/cache"
)

// Default configuration values.
const (
	// DefaultCachePath is where cache storage lives on the configured filesystem.
	DefaultCachePath = "/precache"
	// DefaultFetchConcurrency bounds parallel origin fetches during install and
	// download-all.
	DefaultFetchConcurrency = 4
	// DefaultScope is the URL path prefix the worker controls.
	DefaultScope = "/"
)

// CacheNames names the three caches a worker keeps.
type CacheNames struct {
	// Manifest holds the manifest of the last successful activation.
	Manifest string
	// Staging holds core assets downloaded by install until activation.
	Staging string
	// Content holds the served assets.
	Content string
}

// DefaultCacheNames returns the default cache names.
func DefaultCacheNames() CacheNames {
	return CacheNames{
		Manifest: "precache-manifest",
		Staging:  "precache-temp",
		Content:  "precache-content",
	}
}

func (n CacheNames) all() []string {
	return []string{n.Content, n.Staging, n.Manifest}
}

func (n CacheNames) validate() error {
	if n.Manifest == "" || n.Staging == "" || n.Content == "" {
		return fmt.Errorf("cache names cannot be empty")
	}
	if n.Manifest == n.Staging || n.Manifest == n.Content || n.Staging == n.Content {
		return fmt.Errorf("cache names must be distinct")
	}
	return nil
}

// Options contains configuration for a Worker.
type Options struct {
	// Core lists the manifest paths downloaded eagerly by install.
	Core []string

	// Origin serves resources from the network. Required.
	Origin Origin

	// FS holds the cache storage. Defaults to an in-memory filesystem, which does
	// not survive the process.
	FS core.FS

	// CachePath is the storage root on FS.
	CachePath string

	// CacheNames names the manifest, staging and content caches.
	CacheNames CacheNames

	// Policy picks the serving policy per manifest key. Defaults to DefaultPolicy.
	Policy PolicyFunc

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger *slog.Logger

	// Verifier checks fetched bodies against manifest hashes. Nil disables
	// verification. Defaults to DigestVerifier.
	Verifier Verifier

	// FetchConcurrency bounds parallel origin fetches.
	FetchConcurrency int

	// Clock stamps stored entries. Defaults to time.Now.
	Clock func() time.Time

	// Scope is the URL path prefix the worker controls.
	Scope string

	// Host is the host[:port] the worker serves. Absolute request URLs on any other
	// host are out of scope. Defaults to the host of an HTTPOrigin; when empty, only
	// host-relative request URLs are handled.
	Host string

	// MaxEntryBytes limits the size of a single cached body.
	MaxEntryBytes int64
}

// DefaultOptions returns the default worker options.
func DefaultOptions() Options {
	return Options{
		CachePath:        DefaultCachePath,
		CacheNames:       DefaultCacheNames(),
		Policy:           DefaultPolicy,
		Verifier:         DigestVerifier{},
		FetchConcurrency: DefaultFetchConcurrency,
		Clock:            time.Now,
		Scope:            DefaultScope,
		MaxEntryBytes:    cache.DefaultMaxEntryBytes,
	}
}

// Validate checks that the options are usable.
func (o *Options) Validate() error {
	if o.Origin == nil {
		return fmt.Errorf("an origin is required")
	}
	if o.CachePath == "" {
		return fmt.Errorf("cache path cannot be empty")
	}
	if err := o.CacheNames.validate(); err != nil {
		return err
	}
	if o.FetchConcurrency < 1 {
		return fmt.Errorf("fetch concurrency must be at least 1, got %d", o.FetchConcurrency)
	}
	if o.MaxEntryBytes < 0 {
		return fmt.Errorf("max entry size cannot be negative")
	}
	return nil
}

// setDefaults fills unset fields that have no meaningful zero value.
func (o *Options) setDefaults() {
	if o.FS == nil {
		o.FS = billy.NewMemory()
	}
	if o.Policy == nil {
		o.Policy = DefaultPolicy
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Scope == "" {
		o.Scope = DefaultScope
	}
	o.Host = normalizeHost(o.Host)
	if o.Host == "" {
		if origin, ok := o.Origin.(*HTTPOrigin); ok {
			o.Host = origin.base.Host
		}
	}
}

// Option is a functional option for configuring a Worker.
type Option func(*Options)

// WithCore sets the paths downloaded eagerly by install.
func WithCore(paths ...string) Option {
	return func(o *Options) {
		o.Core = append([]string(nil), paths...)
	}
}

// WithOrigin sets the network origin.
func WithOrigin(origin Origin) Option {
	return func(o *Options) {
		o.Origin = origin
	}
}

// WithFS sets the filesystem holding cache storage.
func WithFS(fs core.FS) Option {
	return func(o *Options) {
		o.FS = fs
	}
}

// WithCachePath sets the storage root on the filesystem.
func WithCachePath(path string) Option {
	return func(o *Options) {
		o.CachePath = path
	}
}

// WithCacheNames overrides the cache names. Workers sharing storage must use
// distinct names or they will reconcile each other's caches.
func WithCacheNames(names CacheNames) Option {
	return func(o *Options) {
		o.CacheNames = names
	}
}

// WithPolicy sets the per-resource serving policy.
func WithPolicy(policy PolicyFunc) Option {
	return func(o *Options) {
		o.Policy = policy
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithVerifier sets the body verifier. Passing nil disables verification.
func WithVerifier(v Verifier) Option {
	return func(o *Options) {
		o.Verifier = v
	}
}

// WithFetchConcurrency bounds parallel origin fetches.
func WithFetchConcurrency(n int) Option {
	return func(o *Options) {
		o.FetchConcurrency = n
	}
}

// WithClock sets the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Clock = now
	}
}

// WithScope sets the URL path prefix the worker controls.
func WithScope(scope string) Option {
	return func(o *Options) {
		o.Scope = scope
	}
}

// WithHost sets the host the worker serves. An origin URL such as
// "https://app.example.com" is accepted too.
func WithHost(host string) Option {
	return func(o *Options) {
		o.Host = host
	}
}

// WithMaxEntryBytes limits the size of a single cached body.
func WithMaxEntryBytes(n int64) Option {
	return func(o *Options) {
		o.MaxEntryBytes = n
	}
}
