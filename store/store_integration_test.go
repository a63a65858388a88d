//go:build integration

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
)

// setupPostgresContainer starts a PostGIS container for testing.
func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgis/postgis:16-3.4-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "platform",
			"POSTGRES_PASSWORD": "platform",
			"POSTGRES_DB":       "platform",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(120 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostGIS container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=platform password=platform dbname=platform sslmode=disable",
		host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return dsn, cleanup
}

func setupStore(t *testing.T) (*Store, func()) {
	dsn, cleanup := setupPostgresContainer(t)
	s, err := Open(dsn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	return s, func() {
		_ = s.Close()
		cleanup()
	}
}

func integrationInfo(version string) info.Info {
	demoAoi := aoi.Rectangle("Demo City", "demo:demo_city", 13.3, 52.4, 13.5, 52.6)
	return info.Info{
		ID:             "test_plugin",
		Name:           "Test Plugin",
		Version:        version,
		LibraryVersion: "2.3.0",
		Authors: []info.Author{
			{Name: "Ada Lovelace", Affiliation: "Analytical Engines"},
			{Name: "Charles Babbage"},
		},
		State:                info.StateActive,
		Concerns:             []info.Concern{info.ConcernHeat},
		Teaser:               "Counts the squares inside the requested area.",
		DemoConfig:           info.DemoConfig{Aoi: &demoAoi, Params: json.RawMessage(`{"id":1}`)},
		ComputationShelfLife: info.ShelfLifeOf(7 * 24 * time.Hour),
		Assets:               info.Assets{Icon: "grid.svg"},
		OperatorSchema:       json.RawMessage(`{"type":"object","properties":{"id":{"type":"integer"}}}`),
	}
}

func registration(userUUID uuid.UUID, shelf info.ShelfLife, ts time.Time) Registration {
	return Registration{
		CorrelationUUID: userUUID,
		PluginKey:       "test_plugin;3.1.0",
		RequestedParams: json.RawMessage(`{"id":1}`),
		Area:            aoi.Rectangle("Box", "box-1", 0, 0, 1, 1),
		ShelfLife:       shelf,
		RequestTS:       ts,
	}
}

func TestStore_Integration_SchemaVersion(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()

	require.NoError(t, s.AssertSchemaVersion())

	// Migrating again must not add a second stamp.
	require.NoError(t, s.Migrate())
	var count int64
	require.NoError(t, s.db.Model(&SchemaVersion{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestStore_Integration_WriteReadInfo(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.WriteInfo(ctx, integrationInfo("3.1.0")))

	read, err := s.ReadInfo(ctx, "test_plugin", "")
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", read.Version)
	require.Len(t, read.Authors, 2)
	assert.Equal(t, "Ada Lovelace", read.Authors[0].Name)
	assert.Equal(t, "Charles Babbage", read.Authors[1].Name)
	assert.Equal(t, 7*24*time.Hour, read.ComputationShelfLife.Duration())
	require.NotNil(t, read.DemoConfig.Aoi)
	assert.True(t, read.DemoConfig.Aoi.IsDemo())
}

func TestStore_Integration_LatestFlip(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, s.WriteInfo(ctx, integrationInfo("3.1.0")))
	require.NoError(t, s.WriteInfo(ctx, integrationInfo("3.2.0")))
	// Writing an older version back must not steal the latest flag.
	require.NoError(t, s.WriteInfo(ctx, integrationInfo("3.0.0")))

	read, err := s.ReadInfo(ctx, "test_plugin", "")
	require.NoError(t, err)
	assert.Equal(t, "3.2.0", read.Version)

	var latestCount int64
	err = s.db.Model(&PluginInfo{}).Where("id = ? AND latest = true", "test_plugin").Count(&latestCount).Error
	require.NoError(t, err)
	assert.Equal(t, int64(1), latestCount)

	pinned, err := s.ReadInfo(ctx, "test_plugin", "3.0.0")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", pinned.Version)
}

func TestStore_Integration_RegisterComputationDeduplicates(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	first := uuid.New()
	canonical, err := s.RegisterComputation(ctx, registration(first, info.UnboundedShelfLife(), now))
	require.NoError(t, err)
	assert.Equal(t, first, canonical)

	second := uuid.New()
	joined, err := s.RegisterComputation(ctx, registration(second, info.UnboundedShelfLife(), now))
	require.NoError(t, err)
	assert.Equal(t, first, joined, "second request must join the first computation")

	var computations int64
	require.NoError(t, s.db.Model(&Computation{}).Count(&computations).Error)
	assert.Equal(t, int64(1), computations)

	var lookups int64
	require.NoError(t, s.db.Model(&ComputationLookup{}).Count(&lookups).Error)
	assert.Equal(t, int64(2), lookups)

	resolved, err := s.ResolveComputationID(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first, resolved)
}

func TestStore_Integration_RegisterComputationIdempotent(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	user := uuid.New()
	reg := registration(user, info.UnboundedShelfLife(), now)

	firstRun, err := s.RegisterComputation(ctx, reg)
	require.NoError(t, err)
	secondRun, err := s.RegisterComputation(ctx, reg)
	require.NoError(t, err)
	assert.Equal(t, firstRun, secondRun)

	var lookups int64
	require.NoError(t, s.db.Model(&ComputationLookup{}).Count(&lookups).Error)
	assert.Equal(t, int64(1), lookups)
}

func TestStore_Integration_NeverCacheAlwaysNewRow(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	first := uuid.New()
	second := uuid.New()

	a, err := s.RegisterComputation(ctx, registration(first, info.ShelfLife{}, now))
	require.NoError(t, err)
	b, err := s.RegisterComputation(ctx, registration(second, info.ShelfLife{}, now))
	require.NoError(t, err)

	assert.Equal(t, first, a)
	assert.Equal(t, second, b)

	var computations int64
	require.NoError(t, s.db.Model(&Computation{}).Count(&computations).Error)
	assert.Equal(t, int64(2), computations, "non-cacheable requests must not share rows")
}

func TestStore_Integration_ShelfLifeExpiryStartsNewComputation(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	shelf := info.ShelfLifeOf(7 * 24 * time.Hour)
	base := time.Now().UTC()

	first := uuid.New()
	a, err := s.RegisterComputation(ctx, registration(first, shelf, base))
	require.NoError(t, err)
	assert.Equal(t, first, a)

	second := uuid.New()
	b, err := s.RegisterComputation(ctx, registration(second, shelf, base.Add(7*24*time.Hour+time.Second)))
	require.NoError(t, err)
	assert.Equal(t, second, b, "request after expiry must start a new computation")
}

func TestStore_Integration_SuccessfulUpdate(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	corr := uuid.New()
	_, err := s.RegisterComputation(ctx, registration(corr, info.UnboundedShelfLife(), now))
	require.NoError(t, err)

	require.NoError(t, s.AddValidatedParams(ctx, corr, json.RawMessage(`{"id":1}`)))

	rec := computation.Record{
		CorrelationUUID: corr,
		Artifacts: []artifact.Descriptor{
			{
				Rank:            0,
				CorrelationUUID: corr,
				Name:            "Grid Count",
				Modality:        artifact.ModalityMarkdown,
				Primary:         true,
				Tags:            []string{"count"},
				Summary:         "Number of squares in the area.",
				Filename:        "grid_count",
			},
		},
	}
	require.NoError(t, s.UpdateSuccessfulComputation(ctx, rec, false))

	artifacts, err := s.ListArtifacts(ctx, corr)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "Grid Count", artifacts[0].Name)

	read, err := s.ReadComputation(ctx, corr)
	require.NoError(t, err)
	require.NotNil(t, read.CacheEpoch)
	assert.Equal(t, computation.ForeverEpoch, *read.CacheEpoch)
	assert.JSONEq(t, `{"id":1}`, string(read.Params))
}

func TestStore_Integration_ArtifactErrorInvalidatesCache(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	corr := uuid.New()
	_, err := s.RegisterComputation(ctx, registration(corr, info.UnboundedShelfLife(), now))
	require.NoError(t, err)

	rec := computation.Record{
		CorrelationUUID: corr,
		ArtifactErrors:  map[string]string{"Artifact Two": "data unavailable"},
		Artifacts: []artifact.Descriptor{
			{Rank: 0, CorrelationUUID: corr, Name: "One", Modality: artifact.ModalityMarkdown, Summary: "s", Filename: "one"},
			{Rank: 1, CorrelationUUID: corr, Name: "Two", Modality: artifact.ModalityMarkdown, Summary: "s", Filename: "two"},
		},
	}
	require.NoError(t, s.UpdateSuccessfulComputation(ctx, rec, true))

	read, err := s.ReadComputation(ctx, corr)
	require.NoError(t, err)
	assert.Nil(t, read.CacheEpoch, "cache must be invalidated")
	assert.True(t, read.ValidUntil.Before(time.Now().UTC().Add(time.Minute)))
	assert.Equal(t, map[string]string{"Artifact Two": "data unavailable"}, read.ArtifactErrors)

	errRows, err := s.ArtifactErrorSummary(ctx)
	require.NoError(t, err)
	require.Len(t, errRows, 1)
	assert.Equal(t, "Artifact Two", errRows[0].ArtifactName)
	assert.Equal(t, "data unavailable", errRows[0].Reason)
}

func TestStore_Integration_FailedComputationCachedForever(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	corr := uuid.New()
	// Validation failures register as non-cacheable and get cached on failure.
	_, err := s.RegisterComputation(ctx, registration(corr, info.ShelfLife{}, now))
	require.NoError(t, err)

	message := "ID: Invalid type. Expected: integer, given: string. You provided: abc."
	require.NoError(t, s.UpdateFailedComputation(ctx, corr, message, true))

	read, err := s.ReadComputation(ctx, corr)
	require.NoError(t, err)
	require.NotNil(t, read.CacheEpoch)
	assert.Equal(t, computation.ForeverEpoch, *read.CacheEpoch)
	assert.Equal(t, computation.ValidForever.Year(), read.ValidUntil.Year())
	assert.Equal(t, message, read.Message)
}

func TestStore_Integration_ReadComputationJoinsTaskStatus(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	corr := uuid.New()
	_, err := s.RegisterComputation(ctx, registration(corr, info.UnboundedShelfLife(), now))
	require.NoError(t, err)

	read, err := s.ReadComputation(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusPending, read.Status, "no task meta row means still pending")

	require.NoError(t, s.RecordTaskResult(ctx, computation.TaskResult{
		TaskID: corr.String(),
		Status: computation.StatusStarted,
		Name:   "compute",
		Queue:  "test_plugin;3.1.0",
	}))

	read, err = s.ReadComputation(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusStarted, read.Status)

	require.NoError(t, s.RecordTaskResult(ctx, computation.TaskResult{
		TaskID:   corr.String(),
		Status:   computation.StatusSuccess,
		DateDone: time.Now().UTC(),
	}))

	read, err = s.ReadComputation(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusSuccess, read.Status)
	assert.NotNil(t, read.OutcomeTS)

	result, err := s.ReadTaskResult(ctx, corr.String())
	require.NoError(t, err)
	assert.Equal(t, computation.StatusSuccess, result.Status)
}

func TestStore_Integration_UsageSummaryExcludesDemo(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()

	real := registration(uuid.New(), info.ShelfLife{}, now)
	require.NoError(t, errOnly(s.RegisterComputation(ctx, real)))

	demo := registration(uuid.New(), info.ShelfLife{}, now)
	demo.Area = aoi.Rectangle("Demo City", "demo:demo_city", 13.3, 52.4, 13.5, 52.6)
	require.NoError(t, errOnly(s.RegisterComputation(ctx, demo)))

	usage, err := s.UsageSummary(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "test_plugin;3.1.0", usage[0].PluginKey)
	assert.Equal(t, int64(1), usage[0].Requests, "demo requests must not count")
}

func errOnly(_ uuid.UUID, err error) error {
	return err
}
