//go:build integration

package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/broker"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/objectstore"
	"github.com/climatoology/climatoology/operator"
	"github.com/climatoology/climatoology/sender"
	"github.com/climatoology/climatoology/store"
)

// startPostgres starts a PostGIS container and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
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
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("host=%s port=%s user=platform password=platform dbname=platform sslmode=disable",
		host, port.Port())
}

// startRabbitMQ starts a RabbitMQ container and returns its AMQP URL.
func startRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-management-alpine",
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": "guest",
			"RABBITMQ_DEFAULT_PASS": "guest",
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start RabbitMQ container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	// Wait a bit for RabbitMQ to be fully ready
	time.Sleep(2 * time.Second)

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

// startMinIO starts a MinIO container and returns its endpoint URL.
func startMinIO(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
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
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

// testPlatform is the gateway side of the fabric: one store, object store,
// broker connection and sender, all talking to freshly started containers.
type testPlatform struct {
	store   *store.Store
	objects *objectstore.ObjectStore
	broker  *broker.Broker
	sender  *sender.Sender
	amqpURL string
}

func startPlatform(t *testing.T) *testPlatform {
	t.Helper()

	dsn := startPostgres(t)
	amqpURL := startRabbitMQ(t)
	endpoint := startMinIO(t)

	st, err := store.Open(dsn, nil)
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	objects, err := objectstore.New(context.Background(), objectstore.Config{
		Endpoint:  endpoint,
		Region:    "us-east-1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "artifacts",
		PathStyle: true,
	}, nil)
	require.NoError(t, err)

	b, err := broker.Connect(broker.Config{
		URL:         amqpURL,
		InfoTTL:     2 * time.Second,
		PingTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return &testPlatform{
		store:   st,
		objects: objects,
		broker:  b,
		sender:  sender.New(st, b, sender.Config{}, nil),
		amqpURL: amqpURL,
	}
}

// servePlugin runs a plugin host on its own broker connection, the way a
// plugin process would, and blocks until its worker answers info requests.
func servePlugin(t *testing.T, p *testPlatform, op operator.Operator, cfg Config) *Host {
	t.Helper()

	hb, err := broker.Connect(broker.Config{
		URL:         p.amqpURL,
		InfoTTL:     2 * time.Second,
		PingTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hb.Close() })

	h, err := New(op, p.store, p.objects, hb, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.Run(ctx) }()

	require.Eventually(t, func() bool {
		reqCtx, reqCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer reqCancel()
		_, err := p.sender.RequestInfo(reqCtx, h.Info().ID, "")
		return err == nil
	}, 30*time.Second, 500*time.Millisecond, "plugin worker should answer info requests")

	return h
}

// gridParams is the parameter surface of the test plugins. The title feeds
// the validation messages shown to users.
type gridParams struct {
	ID int `json:"id" jsonschema:"title=ID"`
}

func e2ePluginInfo(name string, shelf info.ShelfLife) info.Info {
	return info.Info{
		Name:                 name,
		Version:              "3.1.0",
		State:                info.StateActive,
		Teaser:               "Counts the squares inside the requested area.",
		Authors:              []info.Author{{Name: "Ada Lovelace", Affiliation: "Analytical Engines"}},
		Concerns:             []info.Concern{info.ConcernHeat},
		ComputationShelfLife: shelf,
	}
}

func e2eRequest(pluginID string, params string) sender.ComputeRequest {
	return sender.ComputeRequest{
		PluginID:        pluginID,
		CorrelationUUID: uuid.New(),
		Area:            aoi.Rectangle("Box", "box-1", 0, 0, 1, 1),
		Params:          json.RawMessage(params),
	}
}

// markdownArtifact writes a small markdown file into the computation scope
// and wraps it as an operator output.
func markdownArtifact(dir, name, filename, content string) (*artifact.Artifact, error) {
	path := filepath.Join(dir, filename+".md")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return nil, err
	}
	return &artifact.Artifact{
		Descriptor: artifact.Descriptor{
			Name:     name,
			Modality: artifact.ModalityMarkdown,
			Summary:  "A test surface produced end to end.",
			Filename: filename,
		},
		Path: path,
	}, nil
}

func nextEvent(t *testing.T, events <-chan computation.ComputeCommandResult, timeout time.Duration) computation.ComputeCommandResult {
	t.Helper()
	select {
	case event, open := <-events:
		require.True(t, open, "event stream closed early")
		return event
	case <-time.After(timeout):
		t.Fatal("timed out waiting for lifecycle event")
		return computation.ComputeCommandResult{}
	}
}

// TestE2E_ComputeLifecycle tests one computation across the whole fabric:
// dispatch through the sender, execution in a served plugin, lifecycle
// events in order, and the persisted record, task outcome and blobs
func TestE2E_ComputeLifecycle(t *testing.T) {
	p := startPlatform(t)

	op, err := operator.New(e2ePluginInfo("Grid Counter", info.ShelfLifeOf(7*24*time.Hour)),
		func(ctx context.Context, res *operator.Resources, area aoi.Aoi, aoiProperties map[string]interface{}, params gridParams) ([]*artifact.Artifact, error) {
			content := fmt.Sprintf("# Grid Count\n\n%d squares requested.\n", params.ID)
			art, err := markdownArtifact(res.ComputationDir, "Grid Count", "grid_count", content)
			if err != nil {
				return nil, err
			}
			return []*artifact.Artifact{art}, nil
		})
	require.NoError(t, err)
	servePlugin(t, p, op, Config{})

	corr := uuid.New()
	// Join the event stream before dispatch; events carry no backlog.
	events, cancelSub, err := p.broker.Subscribe(context.Background(), &corr)
	require.NoError(t, err)
	defer cancelSub()

	req := e2eRequest("grid_counter", `{"id":4}`)
	req.CorrelationUUID = corr
	handle, err := p.sender.SendCompute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, handle.Originator)
	assert.Equal(t, corr, handle.CorrelationUUID)

	// Pending from the sender, started and success from the worker.
	assert.Equal(t, computation.StatusPending, nextEvent(t, events, 10*time.Second).Status)
	assert.Equal(t, computation.StatusStarted, nextEvent(t, events, 30*time.Second).Status)
	assert.Equal(t, computation.StatusSuccess, nextEvent(t, events, 60*time.Second).Status)

	rec, err := handle.Result(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusSuccess, rec.Status)
	assert.Equal(t, "grid_counter;3.1.0", rec.PluginKey)
	assert.JSONEq(t, `{"id":4}`, string(rec.Params))
	require.NotNil(t, rec.CacheEpoch)
	require.NotNil(t, rec.OutcomeTS)
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, "grid_count", rec.Artifacts[0].Filename)
	assert.Empty(t, rec.ArtifactErrors)

	// The bucket holds the artifact plus the trailing computation info blob.
	blobs, err := p.objects.ListAll(context.Background(), corr)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "Grid Count", blobs[0].Name)
	assert.Equal(t, artifact.ModalityComputationInfo, blobs[1].Modality)

	// The task outcome row mirrors the worker's view of the run.
	task, err := p.store.ReadTaskResult(context.Background(), corr.String())
	require.NoError(t, err)
	assert.Equal(t, computation.StatusSuccess, task.Status)
	assert.Equal(t, broker.TaskCompute, task.Name)
	assert.Equal(t, "grid_counter;3.1.0", task.Queue)
	assert.NotEmpty(t, task.Worker)
}

// TestE2E_ConcurrentDeduplication tests that two equal requests racing each
// other collapse onto one canonical computation that runs exactly once,
// with both callers observing its success
func TestE2E_ConcurrentDeduplication(t *testing.T) {
	p := startPlatform(t)

	var runs atomic.Int32
	op, err := operator.New(e2ePluginInfo("Dedup Counter", info.UnboundedShelfLife()),
		func(ctx context.Context, res *operator.Resources, area aoi.Aoi, aoiProperties map[string]interface{}, params gridParams) ([]*artifact.Artifact, error) {
			runs.Add(1)
			// Hold the computation open so the second request joins it
			// mid-flight rather than hitting a finished cache entry.
			time.Sleep(500 * time.Millisecond)
			art, err := markdownArtifact(res.ComputationDir, "Count", "count", "# Count\n")
			if err != nil {
				return nil, err
			}
			return []*artifact.Artifact{art}, nil
		})
	require.NoError(t, err)
	servePlugin(t, p, op, Config{})

	type outcome struct {
		handle *sender.Handle
		err    error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := p.sender.SendCompute(context.Background(), e2eRequest("dedup_counter", `{"id":7}`))
			results <- outcome{handle: h, err: err}
		}()
	}
	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)

	// One canonical id, exactly one originator.
	assert.Equal(t, first.handle.CorrelationUUID, second.handle.CorrelationUUID)
	assert.NotEqual(t, first.handle.Originator, second.handle.Originator)

	recFirst, err := first.handle.Result(context.Background(), time.Minute)
	require.NoError(t, err)
	recSecond, err := second.handle.Result(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusSuccess, recFirst.Status)
	assert.Equal(t, computation.StatusSuccess, recSecond.Status)
	assert.Equal(t, int32(1), runs.Load(), "the computation should run exactly once")

	// No task ever ran under the loser's request id.
	loser := first.handle
	if loser.Originator {
		loser = second.handle
	}
	_, err = p.store.ReadTaskResult(context.Background(), loser.UserUUID.String())
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestE2E_ValidationFailureCached tests that known-bad parameters fail with
// the resolved field title in the message, never reach the operator, and
// are cached forever so the identical request is answered from the store
func TestE2E_ValidationFailureCached(t *testing.T) {
	p := startPlatform(t)

	var runs atomic.Int32
	op, err := operator.New(e2ePluginInfo("Strict Counter", info.UnboundedShelfLife()),
		func(ctx context.Context, res *operator.Resources, area aoi.Aoi, aoiProperties map[string]interface{}, params gridParams) ([]*artifact.Artifact, error) {
			runs.Add(1)
			art, err := markdownArtifact(res.ComputationDir, "Count", "count", "# Count\n")
			if err != nil {
				return nil, err
			}
			return []*artifact.Artifact{art}, nil
		})
	require.NoError(t, err)
	servePlugin(t, p, op, Config{})

	first, err := p.sender.SendCompute(context.Background(), e2eRequest("strict_counter", `{"id":"abc"}`))
	require.NoError(t, err, "dispatch succeeds; the validation verdict is delivered async")
	require.True(t, first.Originator)

	rec, err := first.Result(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusFailure, rec.Status)
	assert.Equal(t, "ID: Invalid type. Expected: integer, given: string. You provided: abc.", rec.Message)
	require.NotNil(t, rec.CacheEpoch)
	assert.Equal(t, computation.ForeverEpoch, *rec.CacheEpoch)
	assert.Equal(t, computation.ValidForever.Year(), rec.ValidUntil.Year())
	assert.Equal(t, int32(0), runs.Load(), "invalid params must never reach the operator")

	second, err := p.sender.SendCompute(context.Background(), e2eRequest("strict_counter", `{"id":"abc"}`))
	require.NoError(t, err)
	assert.False(t, second.Originator)
	assert.Equal(t, first.CorrelationUUID, second.CorrelationUUID)

	// Terminal already, so the cached failure comes back without a new task.
	recAgain, err := second.Result(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusFailure, recAgain.Status)
	assert.Equal(t, rec.Message, recAgain.Message)
	assert.Equal(t, int32(0), runs.Load())
	_, err = p.store.ReadTaskResult(context.Background(), second.UserUUID.String())
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestE2E_PartialArtifactError tests that a computation with a recorded
// artifact error still succeeds with the surviving artifacts, carries the
// error map, and is expired from the cache so the next request recomputes
func TestE2E_PartialArtifactError(t *testing.T) {
	p := startPlatform(t)

	op, err := operator.New(e2ePluginInfo("Flaky Counter", info.ShelfLifeOf(7*24*time.Hour)),
		func(ctx context.Context, res *operator.Resources, area aoi.Aoi, aoiProperties map[string]interface{}, params gridParams) ([]*artifact.Artifact, error) {
			art, err := markdownArtifact(res.ComputationDir, "Grid Count", "grid_count", "# Count\n")
			if err != nil {
				return nil, err
			}
			res.RecordArtifactError("Wind Rose", "tile source offline")
			return []*artifact.Artifact{art}, nil
		})
	require.NoError(t, err)
	servePlugin(t, p, op, Config{})

	first, err := p.sender.SendCompute(context.Background(), e2eRequest("flaky_counter", `{"id":4}`))
	require.NoError(t, err)

	rec, err := first.Result(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusSuccess, rec.Status)
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, map[string]string{"Wind Rose": "tile source offline"}, rec.ArtifactErrors)
	assert.Nil(t, rec.CacheEpoch)
	assert.WithinDuration(t, time.Now(), rec.ValidUntil, time.Minute)

	// The invalidated result must not satisfy the identical request.
	second, err := p.sender.SendCompute(context.Background(), e2eRequest("flaky_counter", `{"id":4}`))
	require.NoError(t, err)
	assert.True(t, second.Originator)
	assert.NotEqual(t, first.CorrelationUUID, second.CorrelationUUID)

	recAgain, err := second.Result(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusSuccess, recAgain.Status)
}

// TestE2E_LibraryVersionGuard tests that a sender with the compatibility
// assertion enabled refuses a plugin built against another library major,
// while the permissive default still reaches it
func TestE2E_LibraryVersionGuard(t *testing.T) {
	p := startPlatform(t)

	op, err := operator.New(e2ePluginInfo("Legacy Counter", info.ShelfLifeOf(24*time.Hour)),
		func(ctx context.Context, res *operator.Resources, area aoi.Aoi, aoiProperties map[string]interface{}, params gridParams) ([]*artifact.Artifact, error) {
			return nil, nil
		})
	require.NoError(t, err)
	servePlugin(t, p, op, Config{LibraryVersion: "1.2.0"})

	strict := sender.New(p.store, p.broker, sender.Config{AssertLibraryVersion: true}, nil)

	var mismatch *info.VersionMismatchError
	_, err = strict.RequestInfo(context.Background(), "legacy_counter", "")
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "1.2.0", mismatch.PluginLibrary)

	_, err = strict.SendCompute(context.Background(), e2eRequest("legacy_counter", `{"id":1}`))
	require.ErrorAs(t, err, &mismatch)

	// The permissive default still serves the descriptor.
	served, err := p.sender.RequestInfo(context.Background(), "legacy_counter", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", served.LibraryVersion)
	assert.Equal(t, "legacy_counter", served.ID)
}
