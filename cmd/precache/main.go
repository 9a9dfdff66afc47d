// Command precache keeps a local asset cache in step with a deployment manifest and
// serves the application from it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jmgilman/go/precache"
	"github.com/jmgilman/go/precache/internal/cache"
)

const (
	httpTimeout     = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

const usage = `usage: precache <command> [flags]

commands:
  serve          install, activate and serve the application
  plan           print the reconciliation activate would perform
  install        download core assets into the staging cache
  activate       reconcile the content cache with the manifest
  download-all   download every manifest path for offline use
  clear          delete all caches

Run "precache <command> -h" for the flags of a command.
`

type command func(ctx context.Context, w *precache.Worker, cfg config, logger *cache.Logger) error

var commands = map[string]command{
	"serve":        runServe,
	"plan":         runPlan,
	"install":      runInstall,
	"activate":     runActivate,
	"download-all": runDownloadAll,
	"clear":        runClear,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	if err := run(name, cmd, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "precache %s: %v\n", name, err)
		if resp := platformerrors.ToJSON(err); resp != nil && resp.Context != nil {
			if data, jerr := json.Marshal(resp.Context); jerr == nil {
				fmt.Fprintf(os.Stderr, "context: %s\n", data)
			}
		}
		os.Exit(1)
	}
}

func run(name string, cmd command, args []string) error {
	cfg, err := parseFlags(name, args)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := newWorker(cfg, logger)
	if err != nil {
		return err
	}
	return cmd(ctx, w, cfg, logger)
}

func newLogger(cfg config) (*cache.Logger, error) {
	level, err := cache.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lc := cache.DefaultLogConfig()
	lc.Level = level
	lc.EnableCallerInfo = level == cache.LogLevelDebug
	lc.JSON = cfg.LogJSON
	return cache.NewLogger(lc), nil
}

func newWorker(cfg config, logger *cache.Logger) (*precache.Worker, error) {
	fs := billy.NewLocal()

	manifestPath, err := absPath(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	manifest, err := precache.LoadManifest(fs, manifestPath)
	if err != nil {
		return nil, err
	}

	cacheDir, err := absPath(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	origin, err := newOrigin(cfg.Origin)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "failed to configure origin")
	}

	opts := []precache.Option{
		precache.WithFS(fs),
		precache.WithCachePath(cacheDir),
		precache.WithOrigin(origin),
		precache.WithCore(cfg.Core...),
		precache.WithScope(cfg.Scope),
		precache.WithHost(cfg.Host),
		precache.WithLogger(logger.Slog()),
		precache.WithFetchConcurrency(cfg.FetchConcurrency),
	}
	if len(cfg.OnlineFirst) > 0 {
		opts = append(opts, precache.WithPolicy(precache.OnlineFirstFor(cfg.OnlineFirst...)))
	}
	if cfg.SkipVerify {
		opts = append(opts, precache.WithVerifier(nil))
	}

	return precache.New(manifest, opts...)
}

func newOrigin(cfg originConfig) (precache.Origin, error) {
	kind, err := cfg.kind()
	if err != nil {
		return nil, err
	}

	switch kind {
	case originOCI:
		var opts []precache.OCIOption
		if cfg.PlainHTTP {
			opts = append(opts, precache.WithPlainHTTP())
		}
		if cfg.Username != "" {
			opts = append(opts, precache.WithRegistryCredentials(cfg.Username, cfg.Password))
		}
		return precache.NewRemoteOCIOrigin(strings.TrimPrefix(cfg.URL, "oci://"), opts...)

	case originS3:
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, err
		}
		creds := credentials.NewEnvAWS()
		if cfg.AccessKey != "" {
			creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
		}
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  creds,
			Secure: !cfg.Insecure,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return precache.NewBucketOrigin(precache.BucketConfig{
			Client: client,
			Bucket: u.Host,
			Prefix: u.Path,
			Index:  cfg.Index,
		})

	default:
		return precache.NewHTTPOrigin(cfg.URL, &http.Client{Timeout: httpTimeout})
	}
}

func runServe(ctx context.Context, w *precache.Worker, cfg config, logger *cache.Logger) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	plan, err := w.Activate(ctx)
	if err != nil {
		return err
	}
	logger.Info(ctx, "worker activated", "kept", len(plan.Keep), "evicted", len(plan.Evict), "lazy", len(plan.Lazy))

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           precache.NewHandler(w),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "serving", "addr", cfg.Listen, "scope", cfg.Scope)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}

	stats := w.Stats()
	cache.LogPerformanceMetrics(shutdownCtx, logger, &stats)
	return nil
}

func runPlan(ctx context.Context, w *precache.Worker, _ config, _ *cache.Logger) error {
	plan, err := w.Plan(ctx)
	if err != nil {
		return err
	}
	return printJSON(plan)
}

func runInstall(ctx context.Context, w *precache.Worker, _ config, logger *cache.Logger) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "installed", "core", len(w.Core()))
	return nil
}

func runActivate(ctx context.Context, w *precache.Worker, _ config, _ *cache.Logger) error {
	plan, err := w.Activate(ctx)
	if err != nil {
		return err
	}
	return printJSON(plan)
}

func runDownloadAll(ctx context.Context, w *precache.Worker, _ config, _ *cache.Logger) error {
	return w.Message(ctx, precache.MessageDownloadAll)
}

func runClear(ctx context.Context, w *precache.Worker, _ config, _ *cache.Logger) error {
	return w.Clear(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
