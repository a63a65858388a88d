package sender

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/broker"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/store"
)

// MockStore is a mock implementation of Store for testing
type MockStore struct {
	mu sync.Mutex

	// CanonicalUUID is the id RegisterComputation returns; the caller's own
	// uuid wins when it is zero
	CanonicalUUID uuid.UUID
	// Computation is returned from ReadComputation
	Computation computation.Record
	// TaskResult is returned from ReadTaskResult
	TaskResult computation.TaskResult

	// Errors to return from operations
	RegisterErr   error
	ReadErr       error
	TaskResultErr error

	// Track function calls
	RegisterComputationCalled bool
	ReadComputationCalled     bool
	ReadTaskResultCalled      bool

	// Store last call parameters
	LastRegistration store.Registration
	LastReadUUID     uuid.UUID
	LastTaskID       string
}

// RegisterComputation mocks the deduplicating upsert
func (m *MockStore) RegisterComputation(ctx context.Context, reg store.Registration) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RegisterComputationCalled = true
	m.LastRegistration = reg
	if m.RegisterErr != nil {
		return uuid.Nil, m.RegisterErr
	}
	if m.CanonicalUUID != uuid.Nil {
		return m.CanonicalUUID, nil
	}
	return reg.CorrelationUUID, nil
}

// ReadComputation mocks reading one computation record
func (m *MockStore) ReadComputation(ctx context.Context, correlationUUID uuid.UUID) (computation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadComputationCalled = true
	m.LastReadUUID = correlationUUID
	if m.ReadErr != nil {
		return computation.Record{}, m.ReadErr
	}
	return m.Computation, nil
}

// ReadTaskResult mocks reading one task outcome row
func (m *MockStore) ReadTaskResult(ctx context.Context, taskID string) (computation.TaskResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadTaskResultCalled = true
	m.LastTaskID = taskID
	if m.TaskResultErr != nil {
		return computation.TaskResult{}, m.TaskResultErr
	}
	return m.TaskResult, nil
}

// Registration returns the last recorded registration
func (m *MockStore) Registration() store.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRegistration
}

// MockBroker is a mock implementation of Broker for testing
type MockBroker struct {
	mu sync.Mutex

	// Info is returned from RequestInfo
	Info info.Info
	// Workers is returned from PingWorkers
	Workers []broker.RegistryReply
	// Events is the stream handed to subscribers
	Events chan computation.ComputeCommandResult

	// Errors to return from operations
	InfoErr      error
	SendErr      error
	PublishErr   error
	PingErr      error
	SubscribeErr error

	// Track function calls
	RequestInfoCalled bool
	SendComputeCalled bool
	SubscribeCalled   bool
	CancelCalled      bool
	PingCalls         int

	// Store last call parameters
	LastInfoPluginID string
	LastInfoVersion  string
	LastTask         broker.ComputeTask
	LastOptions      broker.SendOptions
	LastFilter       *uuid.UUID
	PublishedEvents  []computation.ComputeCommandResult
}

// RequestInfo mocks the info RPC
func (m *MockBroker) RequestInfo(ctx context.Context, pluginID, version string) (info.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestInfoCalled = true
	m.LastInfoPluginID = pluginID
	m.LastInfoVersion = version
	if m.InfoErr != nil {
		return info.Info{}, m.InfoErr
	}
	return m.Info, nil
}

// SendCompute mocks dispatching a compute task
func (m *MockBroker) SendCompute(task broker.ComputeTask, opts broker.SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SendComputeCalled = true
	m.LastTask = task
	m.LastOptions = opts
	return m.SendErr
}

// PublishResult mocks emitting a lifecycle event
func (m *MockBroker) PublishResult(result computation.ComputeCommandResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedEvents = append(m.PublishedEvents, result)
	return nil
}

// PingWorkers mocks the registry broadcast
func (m *MockBroker) PingWorkers(ctx context.Context) ([]broker.RegistryReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PingCalls++
	if m.PingErr != nil {
		return nil, m.PingErr
	}
	return m.Workers, nil
}

// Subscribe mocks joining the event stream. Tests push into Events.
func (m *MockBroker) Subscribe(ctx context.Context, filter *uuid.UUID) (<-chan computation.ComputeCommandResult, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribeCalled = true
	m.LastFilter = filter
	if m.SubscribeErr != nil {
		return nil, nil, m.SubscribeErr
	}
	if m.Events == nil {
		m.Events = make(chan computation.ComputeCommandResult, 16)
	}
	events := m.Events
	return events, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.CancelCalled = true
	}, nil
}

// Push injects one event into the subscriber stream
func (m *MockBroker) Push(event computation.ComputeCommandResult) {
	m.mu.Lock()
	if m.Events == nil {
		m.Events = make(chan computation.ComputeCommandResult, 16)
	}
	events := m.Events
	m.mu.Unlock()
	events <- event
}

// Subscribed reports whether Subscribe was called
func (m *MockBroker) Subscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SubscribeCalled
}

// PingCount returns how many times PingWorkers was called
func (m *MockBroker) PingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PingCalls
}

// Published returns a copy of the emitted lifecycle events
func (m *MockBroker) Published() []computation.ComputeCommandResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]computation.ComputeCommandResult(nil), m.PublishedEvents...)
}

// SentTask returns the last dispatched compute task
func (m *MockBroker) SentTask() broker.ComputeTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastTask
}
