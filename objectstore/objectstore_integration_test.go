//go:build integration

package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
	testRegion    = "us-east-1"
	testBucket    = "artifacts"
)

// setupMinIOContainer starts a MinIO container for S3-compatible testing
func setupMinIOContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").
			WithPort("9000/tcp").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start MinIO container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	url := fmt.Sprintf("http://%s:%s", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

func setupObjectStore(t *testing.T) (*ObjectStore, func()) {
	url, cleanup := setupMinIOContainer(t)
	store, err := New(context.Background(), Config{
		Endpoint:  url,
		Region:    testRegion,
		AccessKey: testAccessKey,
		SecretKey: testSecretKey,
		Bucket:    testBucket,
		PathStyle: true,
	}, nil)
	require.NoError(t, err, "Failed to connect to MinIO")
	return store, cleanup
}

func TestObjectStore_Integration_SaveListFetch(t *testing.T) {
	store, cleanup := setupObjectStore(t)
	defer cleanup()

	ctx := context.Background()
	corr := uuid.New()

	art := testArtifact(t, corr, 0, "Heat Map", "heat_map", `{"type":"FeatureCollection"}`)
	require.NoError(t, store.SaveArtifact(ctx, art))

	descriptors, err := store.ListAll(ctx, corr)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "Heat Map", descriptors[0].Name)
	assert.Equal(t, art.Tags, descriptors[0].Tags)

	localPath := filepath.Join(t.TempDir(), "fetched.geojson")
	require.NoError(t, store.Fetch(ctx, corr, art.StoreID(), localPath))
	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"FeatureCollection"}`, string(content))
}

func TestObjectStore_Integration_PresignedURL(t *testing.T) {
	store, cleanup := setupObjectStore(t)
	defer cleanup()

	ctx := context.Background()
	corr := uuid.New()
	art := testArtifact(t, corr, 0, "Heat Map", "heat_map", "signed payload")
	require.NoError(t, store.SaveArtifact(ctx, art))

	url, err := store.ArtifactURL(ctx, corr, art.StoreID(), 5*time.Minute)
	require.NoError(t, err)

	// The signed url must work without credentials.
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "signed payload", string(content))
}

func TestObjectStore_Integration_GetNotFound(t *testing.T) {
	store, cleanup := setupObjectStore(t)
	defer cleanup()

	_, _, err := store.Get(context.Background(), uuid.New(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
