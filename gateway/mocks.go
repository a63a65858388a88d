package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/objectstore"
)

// MockArtifactStore is a mock implementation of ArtifactStore for testing
type MockArtifactStore struct {
	mu sync.Mutex

	// Descriptors is returned from ListAll
	Descriptors []artifact.Descriptor
	// Blobs holds raw blob data keyed by store id
	Blobs map[string][]byte

	// Errors to return from operations
	ListErr error
	GetErr  error

	// Track function calls
	ListAllCalled bool
	GetCalled     bool

	// Store last call parameters
	LastCorrelationUUID uuid.UUID
	LastStoreID         string
}

func (m *MockArtifactStore) ListAll(ctx context.Context, correlationUUID uuid.UUID) ([]artifact.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListAllCalled = true
	m.LastCorrelationUUID = correlationUUID
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return m.Descriptors, nil
}

func (m *MockArtifactStore) Get(ctx context.Context, correlationUUID uuid.UUID, storeID string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalled = true
	m.LastCorrelationUUID = correlationUUID
	m.LastStoreID = storeID
	if m.GetErr != nil {
		return nil, 0, m.GetErr
	}
	blob, ok := m.Blobs[storeID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", objectstore.ErrNotFound, storeID)
	}
	return io.NopCloser(bytes.NewReader(blob)), int64(len(blob)), nil
}
