// Package testutil starts the OCI registry and S3 containers used by the origin
// integration tests.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MinIO root credentials configured in the test container.
const (
	MinIOUser     = "minioadmin"
	MinIOPassword = "minioadmin"
)

// Registry is an OCI registry running in a container.
type Registry struct {
	host string
}

// StartRegistry starts a registry container that is terminated when the test ends.
// The test is skipped in -short mode.
//
// The image defaults to zot and can be overridden with TEST_REGISTRY_IMAGE.
func StartRegistry(t *testing.T) *Registry {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping registry integration test in short mode")
	}

	ctx := context.Background()
	image := os.Getenv("TEST_REGISTRY_IMAGE")
	if image == "" {
		image = "ghcr.io/project-zot/zot:latest"
	}

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"5000/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5000/tcp"),
			wait.ForHTTP("/v2/").
				WithPort("5000/tcp").
				WithStatusCodeMatcher(func(code int) bool {
					return code == http.StatusOK || code == http.StatusUnauthorized
				}),
		),
		Env: map[string]string{
			"REGISTRY_HTTP_ADDR": "0.0.0.0:5000",
		},
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start registry container: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate registry container: %v", err)
		}
	})

	host, err := c.PortEndpoint(ctx, "5000/tcp", "")
	if err != nil {
		t.Fatalf("failed to resolve registry address: %v", err)
	}
	return &Registry{host: host}
}

// Host returns the registry address, e.g. "localhost:32768".
func (r *Registry) Host() string {
	return r.host
}

// Reference returns a reference to repo:tag in this registry.
func (r *Registry) Reference(repo, tag string) string {
	return fmt.Sprintf("%s/%s:%s", r.host, repo, tag)
}

// MinIO is an S3-compatible server running in a container.
type MinIO struct {
	endpoint string
}

// StartMinIO starts a MinIO container that is terminated when the test ends.
// The test is skipped in -short mode.
func StartMinIO(t *testing.T) *MinIO {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MinIO integration test in short mode")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     MinIOUser,
			"MINIO_ROOT_PASSWORD": MinIOPassword,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp"),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start MinIO container: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate MinIO container: %v", err)
		}
	})

	endpoint, err := c.PortEndpoint(ctx, "9000/tcp", "")
	if err != nil {
		t.Fatalf("failed to resolve MinIO address: %v", err)
	}
	return &MinIO{endpoint: endpoint}
}

// Endpoint returns the MinIO address, e.g. "localhost:32769".
func (m *MinIO) Endpoint() string {
	return m.endpoint
}

// Client returns a client authenticated as the root user.
func (m *MinIO) Client(t *testing.T) *minio.Client {
	t.Helper()
	client, err := minio.New(m.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(MinIOUser, MinIOPassword, ""),
		Secure: false,
	})
	if err != nil {
		t.Fatalf("failed to create MinIO client: %v", err)
	}
	return client
}

// Bucket creates a bucket and returns a client for it.
func (m *MinIO) Bucket(t *testing.T, name string) *minio.Client {
	t.Helper()
	client := m.Client(t)
	if err := client.MakeBucket(context.Background(), name, minio.MakeBucketOptions{}); err != nil {
		t.Fatalf("failed to create bucket %s: %v", name, err)
	}
	return client
}
