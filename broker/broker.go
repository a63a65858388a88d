// Package broker is the AMQP fabric of the platform: compute dispatch to
// per-plugin queues, the info request/reply path, the notification fan-out
// for lifecycle events, and the control broadcast workers listen to for
// pings and revocations.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/climatoology/climatoology/common"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
)

// Exchange names. Task is direct and routes by plugin key; notify and
// control fan out to every bound queue.
const (
	TaskExchange    = "task"
	NotifyExchange  = "notify"
	ControlExchange = "control"
)

// replyToQueue is RabbitMQ's pseudo queue for direct reply-to RPC.
const replyToQueue = "amq.rabbitmq.reply-to"

// softTimeLimitHeader carries the compute soft time limit in seconds.
const softTimeLimitHeader = "soft_time_limit"

// ErrInfoNotReceived is returned when no worker answered an info request
// within the TTL, which includes the case of an unknown plugin id.
var ErrInfoNotReceived = errors.New("broker: info not received")

// Config carries the connection settings and protocol timeouts.
type Config struct {
	URL         string
	InfoTTL     time.Duration
	PingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InfoTTL <= 0 {
		c.InfoTTL = 3 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = time.Second
	}
	return c
}

// Broker wraps one AMQP connection plus a shared publisher channel.
// Operations that consume open their own channel and release it when done.
type Broker struct {
	conn        AMQPConnection
	ch          AMQPChannel
	logger      *logrus.Entry
	infoTTL     time.Duration
	pingTimeout time.Duration
}

// Connect dials the broker and declares the exchange topology. A nil
// logger falls back to the process logger.
func Connect(cfg Config, logger *logrus.Logger) (*Broker, error) {
	return ConnectWithDialer(cfg, &RealAMQPDialer{}, logger)
}

// ConnectWithDialer creates a broker with dependency injection.
// This function allows injecting a custom dialer for testing purposes.
func ConnectWithDialer(cfg Config, dialer AMQPDialer, logger *logrus.Logger) (*Broker, error) {
	cfg = cfg.withDefaults()

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: failed to open a channel: %w", err)
	}

	b := &Broker{
		conn:        conn,
		ch:          ch,
		logger:      common.ComponentLogger(logger, "broker"),
		infoTTL:     cfg.InfoTTL,
		pingTimeout: cfg.PingTimeout,
	}
	if err := b.declareTopology(); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) declareTopology() error {
	exchanges := []struct {
		name string
		kind string
	}{
		{TaskExchange, "direct"},
		{NotifyExchange, "fanout"},
		{ControlExchange, "fanout"},
	}
	for _, e := range exchanges {
		if err := b.ch.ExchangeDeclare(e.name, e.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: failed to declare exchange %s: %w", e.name, err)
		}
	}
	return nil
}

// Close closes the broker connection and channel.
func (b *Broker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// DeclarePluginQueue declares the durable queue of one plugin and binds it
// by bare id and by full key, so versionless requests reach the worker too.
func (b *Broker) DeclarePluginQueue(pluginID, pluginKey string) error {
	q, err := b.ch.QueueDeclare(pluginKey, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: failed to declare queue %s: %w", pluginKey, err)
	}
	for _, key := range []string{pluginID, pluginKey} {
		if err := b.ch.QueueBind(q.Name, key, TaskExchange, false, nil); err != nil {
			return fmt.Errorf("broker: failed to bind %s by %s: %w", q.Name, key, err)
		}
	}
	return nil
}

// SendOptions tunes one compute dispatch. QueueTTL discards the message if
// no worker picked it up in time; SoftTimeLimit bounds the handler run.
type SendOptions struct {
	SoftTimeLimit time.Duration
	QueueTTL      time.Duration
}

// SendCompute enqueues one compute task routed by its plugin key.
func (b *Broker) SendCompute(task ComputeTask, opts SendOptions) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("broker: failed to marshal compute task: %w", err)
	}

	msg := amqp.Publishing{
		Type:          TaskCompute,
		ContentType:   "application/json",
		CorrelationId: task.CorrelationUUID.String(),
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
	if opts.QueueTTL > 0 {
		msg.Expiration = strconv.FormatInt(opts.QueueTTL.Milliseconds(), 10)
	}
	if opts.SoftTimeLimit > 0 {
		msg.Headers = amqp.Table{softTimeLimitHeader: int64(opts.SoftTimeLimit.Seconds())}
	}

	if err := b.ch.Publish(TaskExchange, task.PluginKey, false, false, msg); err != nil {
		return fmt.Errorf("broker: failed to publish compute task: %w", err)
	}

	b.logger.WithFields(logrus.Fields{
		"plugin":      task.PluginKey,
		"correlation": task.CorrelationUUID,
	}).Debug("enqueued compute task")
	return nil
}

// RequestInfo asks the plugin's worker for its info over direct reply-to.
// Versionless requests route by bare plugin id. Expiry of the TTL, a
// missing plugin and an unbound queue all surface as ErrInfoNotReceived.
func (b *Broker) RequestInfo(ctx context.Context, pluginID, version string) (info.Info, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return info.Info{}, fmt.Errorf("broker: failed to open a channel: %w", err)
	}
	defer ch.Close()

	tag := "info-" + uuid.NewString()
	replies, err := ch.Consume(replyToQueue, tag, true, false, false, false, nil)
	if err != nil {
		return info.Info{}, fmt.Errorf("broker: failed to consume replies: %w", err)
	}
	defer ch.Cancel(tag, false)

	routingKey := pluginID
	if version != "" {
		routingKey = pluginID + info.KeySeparator + version
	}
	correlationID := uuid.NewString()

	err = ch.Publish(TaskExchange, routingKey, false, false, amqp.Publishing{
		Type:          TaskInfo,
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       replyToQueue,
		Expiration:    strconv.FormatInt(b.infoTTL.Milliseconds(), 10),
	})
	if err != nil {
		return info.Info{}, fmt.Errorf("broker: failed to publish info request: %w", err)
	}

	timer := time.NewTimer(b.infoTTL)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return info.Info{}, ctx.Err()
		case <-timer.C:
			return info.Info{}, fmt.Errorf("%w: plugin %s", ErrInfoNotReceived, routingKey)
		case d, ok := <-replies:
			if !ok {
				return info.Info{}, fmt.Errorf("%w: plugin %s", ErrInfoNotReceived, routingKey)
			}
			if d.CorrelationId != correlationID {
				continue
			}
			var i info.Info
			if err := json.Unmarshal(d.Body, &i); err != nil {
				return info.Info{}, fmt.Errorf("broker: failed to decode info reply: %w", err)
			}
			return i, nil
		}
	}
}

// PublishResult emits one lifecycle event on the notification fan-out.
func (b *Broker) PublishResult(result computation.ComputeCommandResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("broker: failed to marshal result: %w", err)
	}
	err = b.ch.Publish(NotifyExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   result.Timestamp,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("broker: failed to publish result: %w", err)
	}
	return nil
}

// Subscribe follows the lifecycle event stream, optionally filtered to one
// correlation uuid. Events are push only; nothing published before the
// subscription is replayed. The returned cancel releases the channel.
func (b *Broker) Subscribe(ctx context.Context, filter *uuid.UUID) (<-chan computation.ComputeCommandResult, func(), error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("broker: failed to open a channel: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("broker: failed to declare subscriber queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", NotifyExchange, false, nil); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("broker: failed to bind subscriber queue: %w", err)
	}

	tag := "notify-" + uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("broker: failed to consume events: %w", err)
	}

	out := make(chan computation.ComputeCommandResult, 16)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ch.Cancel(tag, false)
			ch.Close()
		})
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case d, ok := <-deliveries:
				if !ok {
					cancel()
					return
				}
				var result computation.ComputeCommandResult
				if err := json.Unmarshal(d.Body, &result); err != nil {
					b.logger.WithError(err).Warn("dropping malformed lifecycle event")
					continue
				}
				if filter != nil && result.CorrelationUUID != *filter {
					continue
				}
				select {
				case out <- result:
				case <-ctx.Done():
					cancel()
					return
				case <-done:
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

// PingWorkers broadcasts a registry ping and collects the replies that
// arrive within the ping timeout.
func (b *Broker) PingWorkers(ctx context.Context) ([]RegistryReply, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: failed to open a channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to declare reply queue: %w", err)
	}
	tag := "registry-" + uuid.NewString()
	replies, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: failed to consume replies: %w", err)
	}
	defer ch.Cancel(tag, false)

	body, err := json.Marshal(ControlMessage{Method: ControlPing, ReplyTo: q.Name})
	if err != nil {
		return nil, fmt.Errorf("broker: failed to marshal ping: %w", err)
	}
	err = ch.Publish(ControlExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("broker: failed to publish ping: %w", err)
	}

	var workers []RegistryReply
	timer := time.NewTimer(b.pingTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return workers, ctx.Err()
		case <-timer.C:
			return workers, nil
		case d, ok := <-replies:
			if !ok {
				return workers, nil
			}
			var reply RegistryReply
			if err := json.Unmarshal(d.Body, &reply); err != nil {
				b.logger.WithError(err).Warn("dropping malformed registry reply")
				continue
			}
			workers = append(workers, reply)
		}
	}
}

// Revoke broadcasts an abort for the task. Workers cancel it if running
// and drop it unstarted if it arrives later.
func (b *Broker) Revoke(taskID uuid.UUID) error {
	body, err := json.Marshal(ControlMessage{Method: ControlRevoke, TaskID: taskID.String()})
	if err != nil {
		return fmt.Errorf("broker: failed to marshal revoke: %w", err)
	}
	err = b.ch.Publish(ControlExchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("broker: failed to publish revoke: %w", err)
	}
	b.logger.WithField("task", taskID).Info("broadcast revoke")
	return nil
}

// InspectQueue reports how many messages wait in a queue and how many
// consumers serve it.
func (b *Broker) InspectQueue(name string) (messages, consumers int, err error) {
	q, err := b.ch.QueueInspect(name)
	if err != nil {
		return 0, 0, fmt.Errorf("broker: failed to inspect queue %s: %w", name, err)
	}
	return q.Messages, q.Consumers, nil
}
