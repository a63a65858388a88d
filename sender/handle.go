package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/store"
)

// Handle tracks one computation. UserUUID is the id the caller supplied;
// CorrelationUUID is the canonical id everything is keyed on. The two
// differ when deduplication aliased the request onto an earlier one.
type Handle struct {
	CorrelationUUID uuid.UUID
	UserUUID        uuid.UUID
	Originator      bool

	sender *Sender
}

// State returns the current lifecycle state. A computation with no task
// outcome row yet is pending.
func (h *Handle) State(ctx context.Context) (computation.Status, error) {
	result, err := h.sender.store.ReadTaskResult(ctx, h.CorrelationUUID.String())
	if errors.Is(err, store.ErrNotFound) {
		return computation.StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return result.Status, nil
}

// Subscribe follows the lifecycle events of this computation. The returned
// cancel releases the underlying channel.
func (h *Handle) Subscribe(ctx context.Context) (<-chan computation.ComputeCommandResult, func(), error) {
	return h.sender.broker.Subscribe(ctx, &h.CorrelationUUID)
}

// Result blocks until the computation reaches a terminal state and returns
// its record, artifacts included. Events carry no backlog, so the stream is
// joined before the store is consulted for an already finished task.
func (h *Handle) Result(ctx context.Context, timeout time.Duration) (computation.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, cancelSub, err := h.Subscribe(ctx)
	if err != nil {
		return computation.Record{}, err
	}
	defer cancelSub()

	status, err := h.State(ctx)
	if err != nil {
		return computation.Record{}, err
	}
	if status.Terminal() {
		return h.sender.store.ReadComputation(ctx, h.CorrelationUUID)
	}

	for {
		select {
		case <-ctx.Done():
			return computation.Record{}, fmt.Errorf("sender: waiting for computation %s: %w", h.CorrelationUUID, ctx.Err())
		case event, open := <-events:
			if !open {
				return computation.Record{}, fmt.Errorf("sender: event stream for %s closed", h.CorrelationUUID)
			}
			if event.Status.Terminal() {
				return h.sender.store.ReadComputation(ctx, h.CorrelationUUID)
			}
		}
	}
}
