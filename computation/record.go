package computation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/artifact"
)

// Record is the read model of one computation: what the store hands to the
// gateway and what the worker serializes into the final computation info
// blob. Status is joined in from the task-meta side table; computations
// carry no status column of their own.
type Record struct {
	CorrelationUUID uuid.UUID             `json:"correlation_uuid"`
	PluginKey       string                `json:"plugin_key"`
	Status          Status                `json:"status,omitempty"`
	RequestedParams json.RawMessage       `json:"requested_params,omitempty"`
	Params          json.RawMessage       `json:"params,omitempty"`
	CacheEpoch      *int64                `json:"cache_epoch"`
	ValidUntil      time.Time             `json:"valid_until"`
	Message         string                `json:"message,omitempty"`
	ArtifactErrors  map[string]string     `json:"artifact_errors,omitempty"`
	Artifacts       []artifact.Descriptor `json:"artifacts,omitempty"`
	OutcomeTS       *time.Time            `json:"outcome_ts,omitempty"`
}

// ComputeCommandResult is one lifecycle event on the notification fan-out.
type ComputeCommandResult struct {
	CorrelationUUID uuid.UUID `json:"correlation_uuid"`
	Status          Status    `json:"status"`
	Message         string    `json:"message,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TaskResult mirrors one task-backend outcome row: the broker-side view of
// a task, persisted next to the computation tables.
type TaskResult struct {
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	DateDone  time.Time       `json:"date_done"`
	Traceback string          `json:"traceback,omitempty"`
	Name      string          `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Kwargs    json.RawMessage `json:"kwargs,omitempty"`
	Worker    string          `json:"worker,omitempty"`
	Retries   int             `json:"retries"`
	Queue     string          `json:"queue,omitempty"`
}
