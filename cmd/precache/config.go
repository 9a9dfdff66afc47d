package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jmgilman/go/precache"
)

const (
	defaultListen   = ":8080"
	defaultCacheDir = "./.precache"
)

// Origin kinds.
const (
	originHTTP = "http"
	originOCI  = "oci"
	originS3   = "s3"
)

// config is the on-disk configuration. Flags override file values.
type config struct {
	Manifest         string       `yaml:"manifest"`
	Core             []string     `yaml:"core"`
	OnlineFirst      []string     `yaml:"online_first"`
	CacheDir         string       `yaml:"cache_dir"`
	Scope            string       `yaml:"scope"`
	Host             string       `yaml:"host"`
	Listen           string       `yaml:"listen"`
	LogLevel         string       `yaml:"log_level"`
	LogJSON          bool         `yaml:"log_json"`
	FetchConcurrency int          `yaml:"fetch_concurrency"`
	SkipVerify       bool         `yaml:"skip_verify"`
	Origin           originConfig `yaml:"origin"`
}

// originConfig selects where resources are fetched from.
type originConfig struct {
	// URL is "https://host/path", "oci://registry/repo:tag" or "s3://bucket/prefix".
	URL       string `yaml:"url"`
	PlainHTTP bool   `yaml:"plain_http"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	// S3 settings, used with s3:// URLs.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Insecure  bool   `yaml:"insecure"`
	Index     string `yaml:"index"`
}

func defaultConfig() config {
	return config{
		CacheDir:         defaultCacheDir,
		Scope:            precache.DefaultScope,
		Listen:           defaultListen,
		LogLevel:         "info",
		FetchConcurrency: precache.DefaultFetchConcurrency,
	}
}

// loadConfig reads a YAML config file over the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// parseFlags parses the flags of a subcommand. The -config file is applied first
// and any flag set explicitly on the command line overrides it.
func parseFlags(name string, args []string) (config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	var (
		configPath  = fs.String("config", "", "YAML config file")
		manifest    = fs.String("manifest", "", "Manifest JSON file")
		origin      = fs.String("origin", "", "Origin URL (https://, oci://, s3://)")
		core        = fs.String("core", "", "Comma-separated core paths")
		onlineFirst = fs.String("online-first", "", "Comma-separated paths served online-first")
		cacheDir    = fs.String("cache-dir", defaultCacheDir, "Cache directory")
		scope       = fs.String("scope", precache.DefaultScope, "URL path prefix served by the worker")
		host        = fs.String("host", "", "Host served by the worker (defaults to the host of an http origin)")
		listen      = fs.String("listen", defaultListen, "Listen address for serve")
		logLevel    = fs.String("log-level", "info", "Log level (debug, info, warn, error)")
		logJSON     = fs.Bool("log-json", false, "Emit JSON logs")
		concurrency = fs.Int("fetch-concurrency", precache.DefaultFetchConcurrency, "Parallel origin fetches")
		skipVerify  = fs.Bool("skip-verify", false, "Do not verify bodies against digest hashes")
		plainHTTP   = fs.Bool("plain-http", false, "Use plain HTTP for OCI registries")
		endpoint    = fs.String("s3-endpoint", "", "S3 endpoint for s3:// origins")
	)

	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "manifest":
			cfg.Manifest = *manifest
		case "origin":
			cfg.Origin.URL = *origin
		case "core":
			cfg.Core = splitList(*core)
		case "online-first":
			cfg.OnlineFirst = splitList(*onlineFirst)
		case "cache-dir":
			cfg.CacheDir = *cacheDir
		case "scope":
			cfg.Scope = *scope
		case "host":
			cfg.Host = *host
		case "listen":
			cfg.Listen = *listen
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-json":
			cfg.LogJSON = *logJSON
		case "fetch-concurrency":
			cfg.FetchConcurrency = *concurrency
		case "skip-verify":
			cfg.SkipVerify = *skipVerify
		case "plain-http":
			cfg.Origin.PlainHTTP = *plainHTTP
		case "s3-endpoint":
			cfg.Origin.Endpoint = *endpoint
		}
	})

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.Manifest == "" {
		return fmt.Errorf("a manifest is required")
	}
	if c.Origin.URL == "" {
		return fmt.Errorf("an origin is required")
	}
	if _, err := c.Origin.kind(); err != nil {
		return err
	}
	if c.Origin.isS3() && c.Origin.Endpoint == "" {
		return fmt.Errorf("s3 origins require an endpoint")
	}
	return nil
}

// kind returns the origin kind implied by the URL scheme.
func (o originConfig) kind() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", o.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return originHTTP, nil
	case "oci":
		return originOCI, nil
	case "s3":
		return originS3, nil
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
}

func (o originConfig) isS3() bool {
	kind, err := o.kind()
	return err == nil && kind == originS3
}

// absPath resolves p against the working directory; the local filesystem is rooted
// at "/".
func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return abs, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
