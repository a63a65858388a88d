package runner

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/operator"
)

// MockOperator is a mock implementation of operator.Operator for testing
type MockOperator struct {
	mu sync.Mutex

	// Base is returned from BaseInfo
	Base info.Info
	// Schema is returned from ParamsSchema
	Schema json.RawMessage
	// Artifacts is returned from Compute
	Artifacts []*artifact.Artifact
	// ComputeErr is returned from Compute
	ComputeErr error
	// Block makes Compute wait for a close or context cancellation
	Block chan struct{}
	// Hook runs inside Compute with the live resources
	Hook func(res *operator.Resources)

	// Track function calls
	ComputeCalled bool

	// Store last call parameters
	LastResources *operator.Resources
	LastArea      aoi.Aoi
	LastProps     map[string]interface{}
	LastParams    json.RawMessage
}

func (m *MockOperator) BaseInfo() info.Info {
	return m.Base
}

func (m *MockOperator) ParamsSchema() json.RawMessage {
	return m.Schema
}

func (m *MockOperator) Compute(ctx context.Context, res *operator.Resources, area aoi.Aoi, aoiProperties map[string]interface{}, rawParams json.RawMessage) ([]*artifact.Artifact, error) {
	m.mu.Lock()
	m.ComputeCalled = true
	m.LastResources = res
	m.LastArea = area
	m.LastProps = aoiProperties
	m.LastParams = rawParams
	hook := m.Hook
	block := m.Block
	m.mu.Unlock()

	if hook != nil {
		hook(res)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.Artifacts, m.ComputeErr
}

// Called reports whether Compute ran, safe against a running compute
// goroutine.
func (m *MockOperator) Called() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ComputeCalled
}

// MockRunnerStore is a mock implementation of Store for testing
type MockRunnerStore struct {
	mu sync.Mutex

	// Computation is returned from ReadComputation
	Computation computation.Record

	// Errors to return from operations
	AddParamsErr     error
	ReadErr          error
	UpdateSuccessErr error
	UpdateFailedErr  error

	// Track function calls
	AddValidatedParamsCalled bool
	ReadComputationCalled    bool
	UpdateSuccessCalled      bool
	UpdateFailedCalled       bool

	// Store last call parameters
	LastParamsUUID     uuid.UUID
	LastParams         json.RawMessage
	LastSuccess        computation.Record
	LastInvalidate     bool
	LastFailureUUID    uuid.UUID
	LastFailureMessage string
	LastFailureCached  bool
	LastFailureCtxErr  error
}

func (m *MockRunnerStore) AddValidatedParams(ctx context.Context, correlationUUID uuid.UUID, params json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddValidatedParamsCalled = true
	m.LastParamsUUID = correlationUUID
	m.LastParams = params
	return m.AddParamsErr
}

func (m *MockRunnerStore) ReadComputation(ctx context.Context, correlationUUID uuid.UUID) (computation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadComputationCalled = true
	if m.ReadErr != nil {
		return computation.Record{}, m.ReadErr
	}
	rec := m.Computation
	rec.CorrelationUUID = correlationUUID
	return rec, nil
}

func (m *MockRunnerStore) UpdateSuccessfulComputation(ctx context.Context, rec computation.Record, invalidateCache bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateSuccessCalled = true
	m.LastSuccess = rec
	m.LastInvalidate = invalidateCache
	return m.UpdateSuccessErr
}

func (m *MockRunnerStore) UpdateFailedComputation(ctx context.Context, correlationUUID uuid.UUID, message string, cache bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateFailedCalled = true
	m.LastFailureUUID = correlationUUID
	m.LastFailureMessage = message
	m.LastFailureCached = cache
	m.LastFailureCtxErr = ctx.Err()
	return m.UpdateFailedErr
}

// MockObjectStore is a mock implementation of ObjectStore for testing. It
// captures uploaded file contents the way the real store reads them.
type MockObjectStore struct {
	mu sync.Mutex

	// SaveErr is returned from SaveArtifact
	SaveErr error

	// Track function calls
	SaveArtifactCalled bool

	// Saved collects the stored artifacts in upload order
	Saved []artifact.Artifact
	// SavedData holds file contents keyed by artifact name
	SavedData map[string][]byte
}

func (m *MockObjectStore) SaveArtifact(ctx context.Context, art artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveArtifactCalled = true
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Saved = append(m.Saved, art)
	if data, err := os.ReadFile(art.Path); err == nil {
		if m.SavedData == nil {
			m.SavedData = map[string][]byte{}
		}
		m.SavedData[art.Name] = data
	}
	return nil
}
