package broker

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Error to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockBinding records one queue binding
type MockBinding struct {
	Queue    string
	Key      string
	Exchange string
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing.
// Consumers and publishers run on goroutines, so state is guarded.
type MockAMQPChannel struct {
	mu sync.Mutex

	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// PublishedExchanges stores target exchanges for published messages
	PublishedExchanges []string

	// DeclaredExchanges maps declared exchange names to their kind
	DeclaredExchanges map[string]string
	// DeclaredQueues stores declared queue names, server-generated included
	DeclaredQueues []string
	// Bindings stores all queue bindings
	Bindings []MockBinding
	// Deliveries holds the injectable delivery stream per queue
	Deliveries map[string]chan amqp.Delivery
	// InspectResults configures QueueInspect replies per queue
	InspectResults map[string]amqp.Queue

	// Errors to return from operations
	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	PublishErr         error
	ConsumeErr         error
	QosErr             error
	CloseErr           error

	// Track function calls
	ExchangeDeclareCalled bool
	QueueDeclareCalled    bool
	QueueBindCalled       bool
	PublishCalled         bool
	ConsumeCalled         bool
	CancelCalled          bool
	QosCalled             bool
	CloseCalled           bool

	// Store last call parameters
	LastQueueName      string
	LastExchange       string
	LastKey            string
	LastPrefetchCount  int
	ConsumedQueues     []string
	CancelledConsumers []string

	serverNames int
}

// NewMockAMQPChannel creates a new mock AMQP channel
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		DeclaredExchanges: make(map[string]string),
		Deliveries:        make(map[string]chan amqp.Delivery),
		InspectResults:    make(map[string]amqp.Queue),
	}
}

// ExchangeDeclare mocks declaring an exchange
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ExchangeDeclareCalled = true
	if m.ExchangeDeclareErr != nil {
		return m.ExchangeDeclareErr
	}
	m.DeclaredExchanges[name] = kind
	return nil
}

// QueueDeclare mocks declaring a queue. Empty names get a server name.
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueueDeclareCalled = true
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	if name == "" {
		m.serverNames++
		name = fmt.Sprintf("amq.gen-%d", m.serverNames)
	}
	m.LastQueueName = name
	m.DeclaredQueues = append(m.DeclaredQueues, name)
	return amqp.Queue{
		Name:      name,
		Messages:  0,
		Consumers: 0,
	}, nil
}

// QueueBind mocks binding a queue
func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueueBindCalled = true
	if m.QueueBindErr != nil {
		return m.QueueBindErr
	}
	m.Bindings = append(m.Bindings, MockBinding{Queue: name, Key: key, Exchange: exchange})
	return nil
}

// Publish mocks publishing a message
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	m.PublishedExchanges = append(m.PublishedExchanges, exchange)
	return nil
}

// Consume mocks consuming a queue by handing out its delivery stream
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsumeCalled = true
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	m.ConsumedQueues = append(m.ConsumedQueues, queue)
	return m.streamLocked(queue), nil
}

// Cancel mocks stopping a consumer
func (m *MockAMQPChannel) Cancel(consumer string, noWait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalled = true
	m.CancelledConsumers = append(m.CancelledConsumers, consumer)
	return nil
}

// Qos mocks setting prefetch limits
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QosCalled = true
	if m.QosErr != nil {
		return m.QosErr
	}
	m.LastPrefetchCount = prefetchCount
	return nil
}

// QueueInspect mocks retrieving queue information
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.InspectResults[name]; ok {
		return q, nil
	}
	return amqp.Queue{Name: name}, nil
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalled = true
	return m.CloseErr
}

// Push injects a delivery into the stream of the named queue
func (m *MockAMQPChannel) Push(queue string, d amqp.Delivery) {
	m.mu.Lock()
	stream := m.streamLocked(queue)
	m.mu.Unlock()
	stream <- d
}

// EndStream closes the delivery stream of the named queue
func (m *MockAMQPChannel) EndStream(queue string) {
	m.mu.Lock()
	stream := m.streamLocked(queue)
	m.mu.Unlock()
	close(stream)
}

func (m *MockAMQPChannel) streamLocked(queue string) chan amqp.Delivery {
	if stream, ok := m.Deliveries[queue]; ok {
		return stream
	}
	stream := make(chan amqp.Delivery, 32)
	m.Deliveries[queue] = stream
	return stream
}

// PublishCount returns how many messages were published
func (m *MockAMQPChannel) PublishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.PublishedMessages)
}

// PublishedTo returns copies of the messages published to the exchange
func (m *MockAMQPChannel) PublishedTo(exchange string) []amqp.Publishing {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []amqp.Publishing
	for i, e := range m.PublishedExchanges {
		if e == exchange {
			out = append(out, m.PublishedMessages[i])
		}
	}
	return out
}

// KeysFor returns the routing keys of the messages published to the exchange
func (m *MockAMQPChannel) KeysFor(exchange string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for i, e := range m.PublishedExchanges {
		if e == exchange {
			out = append(out, m.PublishedKeys[i])
		}
	}
	return out
}

// LastDeclaredQueue returns the most recently declared queue name
func (m *MockAMQPChannel) LastDeclaredQueue() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastQueueName
}

// DeclaredQueueNames returns a copy of all declared queue names
func (m *MockAMQPChannel) DeclaredQueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.DeclaredQueues...)
}

// ConsumedQueueNames returns a copy of all consumed queue names
func (m *MockAMQPChannel) ConsumedQueueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ConsumedQueues...)
}

// HasBinding reports whether the binding was recorded
func (m *MockAMQPChannel) HasBinding(queue, key, exchange string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.Bindings {
		if b.Queue == queue && b.Key == key && b.Exchange == exchange {
			return true
		}
	}
	return false
}

// BoundQueues returns the queues bound to the exchange
func (m *MockAMQPChannel) BoundQueues(exchange string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, b := range m.Bindings {
		if b.Exchange == exchange {
			out = append(out, b.Queue)
		}
	}
	return out
}

// ExchangeKind returns the declared kind of the exchange
func (m *MockAMQPChannel) ExchangeKind(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kind, ok := m.DeclaredExchanges[name]
	return kind, ok
}

// PrefetchCount returns the last prefetch count passed to Qos
func (m *MockAMQPChannel) PrefetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastPrefetchCount
}

// MockAcknowledger lets injected deliveries be acked in tests
type MockAcknowledger struct {
	mu           sync.Mutex
	AckCalled    bool
	NackCalled   bool
	RejectCalled bool
}

// Ack mocks a positive acknowledgement
func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AckCalled = true
	return nil
}

// Nack mocks a negative acknowledgement
func (m *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NackCalled = true
	return nil
}

// Reject mocks rejecting a delivery
func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RejectCalled = true
	return nil
}

// Acked reports whether Ack was called
func (m *MockAcknowledger) Acked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AckCalled
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	// Store last call parameters
	LastURL string
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := NewMockAMQPChannel()

	mockConn := &MockAMQPConnection{
		MockChannel: mockChannel,
	}

	mockDialer := &MockAMQPDialer{
		MockConnection: mockConn,
	}

	return mockDialer, mockChannel, mockConn
}

// NewMockAMQPDialerWithError creates a mock dialer that returns an error
func NewMockAMQPDialerWithError(err error) *MockAMQPDialer {
	return &MockAMQPDialer{
		DialErr: err,
	}
}
