package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/climatoology/climatoology/common"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
)

// ErrRevoked is the cancel cause of a task aborted by a revoke broadcast.
var ErrRevoked = errors.New("broker: task revoked")

// TaskHandler runs the two task kinds of a plugin queue. HandleCompute
// owns all semantic state: it must persist its outcome before returning,
// because the worker writes the task-meta row only afterwards.
type TaskHandler interface {
	HandleCompute(ctx context.Context, task ComputeTask) error
	HandleInfo(ctx context.Context) (info.Info, error)
}

// TaskMetaRecorder persists task outcomes. The store satisfies it.
type TaskMetaRecorder interface {
	RecordTaskResult(ctx context.Context, result computation.TaskResult) error
}

// WorkerConfig identifies the plugin a worker serves.
type WorkerConfig struct {
	PluginID       string
	PluginKey      string
	PluginVersion  string
	LibraryVersion string
	Prefetch       int
}

// Worker serves one plugin queue: compute tasks one at a time, info
// replies, and the control broadcast for pings and revocations.
type Worker struct {
	broker   *Broker
	cfg      WorkerConfig
	handler  TaskHandler
	meta     TaskMetaRecorder
	logger   *logrus.Entry
	hostname string

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	revoked  map[string]time.Time
}

// NewWorker wires a worker for one plugin. A nil logger falls back to the
// process logger; a nil recorder disables task-meta persistence.
func NewWorker(b *Broker, cfg WorkerConfig, handler TaskHandler, meta TaskMetaRecorder, logger *logrus.Logger) *Worker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Worker{
		broker:   b,
		cfg:      cfg,
		handler:  handler,
		meta:     meta,
		logger:   common.ComponentLogger(logger, "worker"),
		hostname: cfg.PluginID + "@" + host,
		inflight: make(map[string]context.CancelCauseFunc),
		revoked:  make(map[string]time.Time),
	}
}

// Hostname returns the registry identity of this worker.
func (w *Worker) Hostname() string {
	return w.hostname
}

// Run declares the plugin queue and serves it until the context ends.
// Control messages are handled concurrently so a revoke can reach a task
// that is still running.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.broker.DeclarePluginQueue(w.cfg.PluginID, w.cfg.PluginKey); err != nil {
		return err
	}

	taskCh, err := w.broker.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: failed to open a channel: %w", err)
	}
	defer taskCh.Close()
	if err := taskCh.Qos(w.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("broker: failed to set prefetch: %w", err)
	}
	tasks, err := taskCh.Consume(w.cfg.PluginKey, w.hostname, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: failed to consume tasks: %w", err)
	}

	controlCh, err := w.broker.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: failed to open a channel: %w", err)
	}
	defer controlCh.Close()
	cq, err := controlCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("broker: failed to declare control queue: %w", err)
	}
	if err := controlCh.QueueBind(cq.Name, "", ControlExchange, false, nil); err != nil {
		return fmt.Errorf("broker: failed to bind control queue: %w", err)
	}
	controls, err := controlCh.Consume(cq.Name, w.hostname+"-control", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: failed to consume control messages: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"queue":    w.cfg.PluginKey,
		"hostname": w.hostname,
	}).Info("worker started")

	go w.controlLoop(ctx, controls)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-tasks:
			if !ok {
				return fmt.Errorf("broker: task stream closed")
			}
			w.dispatch(ctx, d)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, d amqp.Delivery) {
	switch d.Type {
	case TaskCompute:
		w.runCompute(ctx, d)
	case TaskInfo:
		w.replyInfo(ctx, d)
	default:
		w.logger.WithField("type", d.Type).Warn("dropping message of unknown type")
		w.ack(d)
	}
}

func (w *Worker) runCompute(ctx context.Context, d amqp.Delivery) {
	defer w.ack(d)

	var task ComputeTask
	if err := json.Unmarshal(d.Body, &task); err != nil {
		w.logger.WithError(err).Error("dropping malformed compute task")
		return
	}
	taskID := task.CorrelationUUID.String()

	if w.consumeRevocation(taskID) {
		w.logger.WithField("task", taskID).Info("dropping revoked task")
		w.finalize(ctx, task, computation.StatusRevoked, "", nil)
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if limit, ok := softTimeLimit(d.Headers); ok {
		var cancelLimit context.CancelFunc
		runCtx, cancelLimit = context.WithTimeout(runCtx, limit)
		defer cancelLimit()
	}

	w.registerInflight(taskID, cancel)
	defer w.clearInflight(taskID)

	w.record(ctx, computation.TaskResult{
		TaskID: taskID,
		Status: computation.StatusStarted,
		Name:   TaskCompute,
		Queue:  w.cfg.PluginKey,
		Worker: w.hostname,
	})
	w.publish(task, computation.StatusStarted, "")

	err := w.handler.HandleCompute(runCtx, task)

	switch {
	case err == nil:
		w.finalize(ctx, task, computation.StatusSuccess, "", nil)
	case errors.Is(err, ErrRevoked) || errors.Is(context.Cause(runCtx), ErrRevoked):
		w.finalize(ctx, task, computation.StatusRevoked, "", nil)
	default:
		w.finalize(ctx, task, computation.StatusFailure, err.Error(), err)
	}
}

// finalize writes the task-meta row and emits the matching event. It runs
// after the handler returned, so the handler's own store writes are
// already visible.
func (w *Worker) finalize(ctx context.Context, task ComputeTask, status computation.Status, message string, cause error) {
	result := computation.TaskResult{
		TaskID:   task.CorrelationUUID.String(),
		Status:   status,
		DateDone: time.Now().UTC(),
		Name:     TaskCompute,
		Queue:    w.cfg.PluginKey,
		Worker:   w.hostname,
	}
	if cause != nil {
		result.Traceback = cause.Error()
	}
	w.record(ctx, result)
	w.publish(task, status, message)
}

func (w *Worker) replyInfo(ctx context.Context, d amqp.Delivery) {
	defer w.ack(d)

	if d.ReplyTo == "" {
		w.logger.Warn("dropping info request without reply address")
		return
	}
	i, err := w.handler.HandleInfo(ctx)
	if err != nil {
		w.logger.WithError(err).Error("info handler failed")
		return
	}
	body, err := json.Marshal(i)
	if err != nil {
		w.logger.WithError(err).Error("encoding info reply failed")
		return
	}
	err = w.broker.ch.Publish("", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
	if err != nil {
		w.logger.WithError(err).Error("publishing info reply failed")
	}
}

func (w *Worker) controlLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var msg ControlMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				w.logger.WithError(err).Warn("dropping malformed control message")
				continue
			}
			switch msg.Method {
			case ControlPing:
				w.replyPing(msg)
			case ControlRevoke:
				w.revoke(msg.TaskID)
			default:
				w.logger.WithField("method", msg.Method).Warn("dropping unknown control method")
			}
		}
	}
}

func (w *Worker) replyPing(msg ControlMessage) {
	if msg.ReplyTo == "" {
		return
	}
	reply := RegistryReply{
		Hostname:       w.hostname,
		Capabilities:   []string{CapabilityCompute},
		PluginVersion:  w.cfg.PluginVersion,
		LibraryVersion: w.cfg.LibraryVersion,
	}
	body, err := json.Marshal(reply)
	if err != nil {
		w.logger.WithError(err).Error("encoding registry reply failed")
		return
	}
	err = w.broker.ch.Publish("", msg.ReplyTo, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		w.logger.WithError(err).Error("publishing registry reply failed")
	}
}

// revoke cancels a running task, or remembers the id so the task is
// dropped when it arrives later.
func (w *Worker) revoke(taskID string) {
	if taskID == "" {
		return
	}
	w.mu.Lock()
	cancel, running := w.inflight[taskID]
	if !running {
		w.revoked[taskID] = time.Now()
		w.pruneRevokedLocked()
	}
	w.mu.Unlock()

	if running {
		w.logger.WithField("task", taskID).Info("revoking running task")
		cancel(ErrRevoked)
	}
}

func (w *Worker) consumeRevocation(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.revoked[taskID]; ok {
		delete(w.revoked, taskID)
		return true
	}
	return false
}

func (w *Worker) pruneRevokedLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for id, ts := range w.revoked {
		if ts.Before(cutoff) {
			delete(w.revoked, id)
		}
	}
}

func (w *Worker) registerInflight(taskID string, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	w.inflight[taskID] = cancel
	w.mu.Unlock()
}

func (w *Worker) clearInflight(taskID string) {
	w.mu.Lock()
	delete(w.inflight, taskID)
	w.mu.Unlock()
}

func (w *Worker) record(ctx context.Context, result computation.TaskResult) {
	if w.meta == nil {
		return
	}
	if err := w.meta.RecordTaskResult(ctx, result); err != nil {
		w.logger.WithError(err).WithField("task", result.TaskID).Error("recording task result failed")
	}
}

func (w *Worker) publish(task ComputeTask, status computation.Status, message string) {
	event := computation.ComputeCommandResult{
		CorrelationUUID: task.CorrelationUUID,
		Status:          status,
		Message:         message,
		Timestamp:       time.Now().UTC(),
	}
	if err := w.broker.PublishResult(event); err != nil {
		w.logger.WithError(err).Error("publishing lifecycle event failed")
	}
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.logger.WithError(err).Warn("ack failed")
	}
}

func softTimeLimit(headers amqp.Table) (time.Duration, bool) {
	v, ok := headers[softTimeLimitHeader]
	if !ok {
		return 0, false
	}
	var seconds int64
	switch n := v.(type) {
	case int64:
		seconds = n
	case int32:
		seconds = int64(n)
	case int:
		seconds = int64(n)
	default:
		return 0, false
	}
	if seconds <= 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
