// Package runner executes received compute tasks: it validates the input,
// scopes a working directory, runs the operator and persists artifacts and
// the terminal computation state before the task framework records its own
// outcome row.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/broker"
	"github.com/climatoology/climatoology/common"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/operator"
	"github.com/climatoology/climatoology/schema"
)

// terminalWriteTimeout bounds the store writes that finalize a computation
// whose task context is already cancelled.
const terminalWriteTimeout = 10 * time.Second

// Store is the slice of the computation store a runner writes through.
type Store interface {
	AddValidatedParams(ctx context.Context, correlationUUID uuid.UUID, params json.RawMessage) error
	ReadComputation(ctx context.Context, correlationUUID uuid.UUID) (computation.Record, error)
	UpdateSuccessfulComputation(ctx context.Context, rec computation.Record, invalidateCache bool) error
	UpdateFailedComputation(ctx context.Context, correlationUUID uuid.UUID, message string, cache bool) error
}

// ObjectStore uploads produced artifact files together with their
// descriptor blobs.
type ObjectStore interface {
	SaveArtifact(ctx context.Context, art artifact.Artifact) error
}

// Config tunes a runner.
type Config struct {
	// BaseDir is the parent of per-computation scope directories. Empty
	// means the system temp dir.
	BaseDir string
}

// Runner is the task handler of one plugin worker. It owns all semantic
// state of a computation: by the time HandleCompute returns, the outcome is
// readable from the store.
type Runner struct {
	op      operator.Operator
	info    info.Info
	store   Store
	objects ObjectStore
	baseDir string
	logger  *logrus.Entry
}

// New wires a runner around an operator and its effective descriptor. A
// descriptor without schema falls back to the schema reflected from the
// operator's parameter type.
func New(op operator.Operator, effective info.Info, st Store, objects ObjectStore, cfg Config, logger *logrus.Logger) *Runner {
	if len(effective.OperatorSchema) == 0 {
		effective.OperatorSchema = op.ParamsSchema()
	}
	return &Runner{
		op:      op,
		info:    effective,
		store:   st,
		objects: objects,
		baseDir: cfg.BaseDir,
		logger:  common.ComponentLogger(logger, "runner"),
	}
}

// HandleInfo serves the effective plugin descriptor.
func (r *Runner) HandleInfo(ctx context.Context) (info.Info, error) {
	return r.info, nil
}

// HandleCompute runs one computation end to end. Any error, including a
// revocation, is persisted as a terminal failure state before it is
// returned to the worker.
func (r *Runner) HandleCompute(ctx context.Context, task broker.ComputeTask) error {
	logger := r.logger.WithField("correlation_uuid", task.CorrelationUUID)
	err := r.compute(ctx, logger, task)
	if err == nil {
		return nil
	}
	r.recordFailure(ctx, logger, task.CorrelationUUID, err)
	return err
}

func (r *Runner) compute(ctx context.Context, logger *logrus.Entry, task broker.ComputeTask) error {
	corr := task.CorrelationUUID

	area, err := aoi.FromFeatureJSON(task.Aoi)
	if err != nil {
		return fmt.Errorf("failed to parse area of interest: %w", err)
	}
	aoiProps, err := areaProperties(area)
	if err != nil {
		return err
	}

	if err := schema.Validate(r.info.OperatorSchema, task.Params); err != nil {
		return err
	}
	if err := r.store.AddValidatedParams(ctx, corr, task.Params); err != nil {
		return err
	}

	dir, err := os.MkdirTemp(r.baseDir, "computation-"+corr.String()+"-")
	if err != nil {
		return fmt.Errorf("failed to create computation scope: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.WithError(err).Warn("failed to remove computation scope")
		}
	}()

	res := &operator.Resources{
		CorrelationUUID: corr,
		ComputationDir:  dir,
		ArtifactErrors:  map[string]string{},
	}
	produced, err := r.op.Compute(ctx, res, area, aoiProps, task.Params)
	if err != nil {
		return err
	}
	// A handler that ignores cancellation can return a result for a task
	// that was revoked meanwhile; the revocation wins.
	if cause := context.Cause(ctx); errors.Is(cause, broker.ErrRevoked) {
		return cause
	}

	artifacts := make([]artifact.Artifact, 0, len(produced))
	for _, a := range produced {
		if a == nil {
			continue
		}
		stamped := *a
		stamped.CorrelationUUID = corr
		stamped.Rank = len(artifacts)
		artifacts = append(artifacts, stamped)
	}
	if len(artifacts) == 0 {
		return errors.New("operator produced no artifacts")
	}

	descriptors := make([]artifact.Descriptor, 0, len(artifacts))
	for _, art := range artifacts {
		if err := r.objects.SaveArtifact(ctx, art); err != nil {
			return fmt.Errorf("failed to store artifact %s: %w", art.Name, err)
		}
		descriptors = append(descriptors, art.Descriptor)
	}

	rec, err := r.store.ReadComputation(ctx, corr)
	if err != nil {
		return err
	}
	outcome := time.Now().UTC()
	invalidate := len(res.ArtifactErrors) > 0
	rec.Status = computation.StatusSuccess
	rec.Params = task.Params
	rec.Message = ""
	rec.ArtifactErrors = res.ArtifactErrors
	rec.Artifacts = descriptors
	rec.OutcomeTS = &outcome
	if invalidate {
		rec.CacheEpoch = nil
		rec.ValidUntil = outcome
	}

	if err := r.saveComputationInfo(ctx, dir, rec); err != nil {
		return err
	}
	if err := r.store.UpdateSuccessfulComputation(ctx, rec, invalidate); err != nil {
		return fmt.Errorf("failed to record successful computation: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"artifacts":       len(artifacts),
		"artifact_errors": len(res.ArtifactErrors),
	}).Info("computation finished")
	return nil
}

// saveComputationInfo writes the machine-readable run record as the final
// blob, ranked after the last operator artifact.
func (r *Runner) saveComputationInfo(ctx context.Context, dir string, rec computation.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode computation info: %w", err)
	}
	path := filepath.Join(dir, artifact.ComputationInfoName+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write computation info: %w", err)
	}
	meta := artifact.NewComputationInfo(rec.CorrelationUUID, len(rec.Artifacts), path)
	if err := r.objects.SaveArtifact(ctx, *meta); err != nil {
		return fmt.Errorf("failed to store computation info: %w", err)
	}
	return nil
}

// recordFailure persists the terminal failure state. The task context may
// already be cancelled or expired, so the write runs on its own context.
func (r *Runner) recordFailure(ctx context.Context, logger *logrus.Entry, corr uuid.UUID, err error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	message := err.Error()
	cache := false
	var validationErr *schema.ValidationError
	var userErr *operator.UserError
	switch {
	case errors.Is(err, broker.ErrRevoked) || errors.Is(context.Cause(ctx), broker.ErrRevoked):
		message = ""
	case errors.As(err, &validationErr):
		// Known-bad input; cache the failure so equal requests are not
		// re-run.
		cache = true
	case errors.As(err, &userErr):
		message = userErr.Message
	}

	if storeErr := r.store.UpdateFailedComputation(writeCtx, corr, message, cache); storeErr != nil {
		logger.WithError(storeErr).Error("failed to record failed computation")
	}
	logger.WithError(err).Warn("computation failed")
}

func areaProperties(area aoi.Aoi) (map[string]interface{}, error) {
	data, err := area.PropertiesJSON()
	if err != nil {
		return nil, err
	}
	var props map[string]interface{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("failed to decode area properties: %w", err)
	}
	return props, nil
}
