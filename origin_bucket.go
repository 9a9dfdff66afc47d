package precache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

// DefaultIndexObject is the object served for the root document of a bucket origin.
const DefaultIndexObject = "index.html"

// BucketOrigin serves resources from an S3-compatible bucket.
type BucketOrigin struct {
	client *minio.Client
	bucket string
	prefix string
	index  string
}

// BucketConfig configures a BucketOrigin.
type BucketConfig struct {
	// Client is a configured MinIO client. Required.
	Client *minio.Client
	// Bucket is the bucket name. Required.
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	// Index is the object served for the root document. Defaults to DefaultIndexObject.
	Index string
}

// Validate checks that the bucket configuration is complete.
func (c *BucketConfig) Validate() error {
	if c.Client == nil {
		return fmt.Errorf("bucket origin requires a client")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket origin requires a bucket name")
	}
	return nil
}

// NewBucketOrigin creates an origin reading objects from a bucket.
func NewBucketOrigin(cfg BucketConfig) (*BucketOrigin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndexObject
	}
	return &BucketOrigin{
		client: cfg.Client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		index:  index,
	}, nil
}

// objectKey maps an escaped resource path to its object key. Object names are
// stored decoded, as files are on disk.
func (o *BucketOrigin) objectKey(p string) string {
	p = unescapeKey(strings.TrimPrefix(p, "/"))
	if p == "" {
		p = o.index
	}
	if o.prefix == "" {
		return p
	}
	return path.Join(o.prefix, p)
}

// Fetch implements Origin.
func (o *BucketOrigin) Fetch(ctx context.Context, req OriginRequest) (*Response, error) {
	if req.Method != "" && req.Method != http.MethodGet && req.Method != http.MethodHead {
		return methodNotAllowed(req.Method), nil
	}

	key := o.objectKey(req.Path)
	obj, err := o.client.GetObject(ctx, o.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return o.mapError(req.Path, key, err)
	}
	defer obj.Close()

	// GetObject is lazy; errors such as NoSuchKey surface on the first read.
	info, err := obj.Stat()
	if err != nil {
		return o.mapError(req.Path, key, err)
	}

	var data []byte
	if req.Method != http.MethodHead {
		data, err = io.ReadAll(obj)
		if err != nil {
			return o.mapError(req.Path, key, err)
		}
	}

	header := http.Header{}
	if info.ContentType != "" {
		header.Set("Content-Type", info.ContentType)
	}
	if info.ETag != "" {
		header.Set("ETag", `"`+strings.Trim(info.ETag, `"`)+`"`)
	}
	if !info.LastModified.IsZero() {
		header.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}

	return &Response{
		Status: http.StatusOK,
		Header: header,
		Body:   data,
		Source: SourceNetwork,
	}, nil
}

// mapError turns missing objects into 404 responses and everything else into a
// transport error.
func (o *BucketOrigin) mapError(resourcePath, key string, err error) (*Response, error) {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchObject":
		return notFound(resourcePath), nil
	case "AccessDenied":
		return &Response{
			Status: http.StatusForbidden,
			Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
			Body:   []byte(fmt.Sprintf("%s: access denied\n", resourcePath)),
			Source: SourceNetwork,
		}, nil
	}
	return nil, fmt.Errorf("failed to get object %s/%s: %w", o.bucket, key, err)
}
