package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/runner"
	"github.com/climatoology/climatoology/store"
)

// MockHostStore is a mock implementation of Store for testing
type MockHostStore struct {
	runner.MockRunnerStore

	infoMu sync.Mutex

	// Registered is returned from ReadInfo; the zero value means nothing is
	// registered yet
	Registered info.Info

	// Errors to return from operations
	WriteInfoErr error
	ReadInfoErr  error

	// Track function calls
	WriteInfoCalled bool
	ReadInfoCalled  bool

	// Store last call parameters
	LastWritten info.Info

	// TaskResults collects recorded task outcomes in call order
	TaskResults []computation.TaskResult
}

func (m *MockHostStore) WriteInfo(ctx context.Context, i info.Info) error {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	m.WriteInfoCalled = true
	m.LastWritten = i
	return m.WriteInfoErr
}

func (m *MockHostStore) ReadInfo(ctx context.Context, pluginID, version string) (info.Info, error) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	m.ReadInfoCalled = true
	if m.ReadInfoErr != nil {
		return info.Info{}, m.ReadInfoErr
	}
	if m.Registered.ID == "" {
		return info.Info{}, fmt.Errorf("%w: plugin %s", store.ErrNotFound, pluginID)
	}
	return m.Registered, nil
}

func (m *MockHostStore) RecordTaskResult(ctx context.Context, result computation.TaskResult) error {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	m.TaskResults = append(m.TaskResults, result)
	return nil
}

// RecordedStatuses returns the task statuses recorded so far, safe against
// a running worker.
func (m *MockHostStore) RecordedStatuses() []computation.Status {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	statuses := make([]computation.Status, len(m.TaskResults))
	for i, r := range m.TaskResults {
		statuses[i] = r.Status
	}
	return statuses
}
