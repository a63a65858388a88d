package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/computation"
	"github.com/climatoology/climatoology/info"
)

// Registration is one incoming compute request to be deduplicated.
type Registration struct {
	CorrelationUUID uuid.UUID
	PluginKey       string
	RequestedParams json.RawMessage
	Area            aoi.Aoi
	ShelfLife       info.ShelfLife
	RequestTS       time.Time
}

// The conflict update is a no-op assignment so RETURNING also fires on the
// conflict path and hands every caller the winning row.
const registerComputationSQL = `
INSERT INTO ` + SchemaName + `.computation
    (correlation_uuid, plugin_key, deduplication_key, cache_epoch, valid_until, requested_params, aoi_geom, artifact_errors)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (plugin_key, deduplication_key, cache_epoch)
DO UPDATE SET plugin_key = EXCLUDED.plugin_key
RETURNING correlation_uuid`

// RegisterComputation inserts the computation row for a request, or joins
// the existing row when an equal request is already cached for the same
// cache bucket. The returned uuid is the canonical computation id; callers
// compare it against their own to learn whether they are the originator.
// The caller's uuid is always recorded as a lookup alias.
func (s *Store) RegisterComputation(ctx context.Context, reg Registration) (uuid.UUID, error) {
	dedupKey, err := computation.DeduplicationKey(reg.RequestedParams, reg.Area)
	if err != nil {
		return uuid.Nil, err
	}
	epoch, validUntil := computation.CacheWindow(reg.RequestTS, reg.ShelfLife)
	aoiProps, err := reg.Area.PropertiesJSON()
	if err != nil {
		return uuid.Nil, err
	}

	var canonical uuid.UUID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := tx.Raw(registerComputationSQL,
			reg.CorrelationUUID,
			reg.PluginKey,
			dedupKey,
			epoch,
			validUntil,
			reg.RequestedParams,
			aoi.NewGeometry(reg.Area.Geometry),
			json.RawMessage(`{}`),
		).Row()
		if err := row.Scan(&canonical); err != nil {
			return fmt.Errorf("store: registering computation: %w", err)
		}

		lookup := ComputationLookup{
			UserCorrelationUUID: reg.CorrelationUUID,
			RequestTS:           reg.RequestTS,
			AoiName:             reg.Area.Name,
			AoiID:               reg.Area.ID,
			AoiProperties:       aoiProps,
			IsDemo:              reg.Area.IsDemo(),
			ComputationID:       canonical,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&lookup).Error; err != nil {
			return fmt.Errorf("store: recording lookup: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"plugin":      reg.PluginKey,
		"correlation": reg.CorrelationUUID,
		"canonical":   canonical,
	}).Debug("registered computation")
	return canonical, nil
}

// AddValidatedParams stores the parameters after the worker accepted them.
func (s *Store) AddValidatedParams(ctx context.Context, correlationUUID uuid.UUID, params json.RawMessage) error {
	res := s.db.WithContext(ctx).Model(&Computation{}).
		Where("correlation_uuid = ?", correlationUUID).
		Update("params", params)
	if res.Error != nil {
		return fmt.Errorf("store: storing validated params: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: computation %s", ErrNotFound, correlationUUID)
	}
	return nil
}

// UpdateSuccessfulComputation replaces the artifact rows of a finished
// computation and stamps message and artifact errors. With invalidateCache
// the row leaves the cache so an equal future request re-runs.
func (s *Store) UpdateSuccessfulComputation(ctx context.Context, rec computation.Record, invalidateCache bool) error {
	artifactErrors, err := json.Marshal(rec.ArtifactErrors)
	if err != nil {
		return fmt.Errorf("store: encoding artifact errors: %w", err)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("correlation_uuid = ?", rec.CorrelationUUID).Delete(&Artifact{}).Error; err != nil {
			return fmt.Errorf("store: clearing artifact rows: %w", err)
		}
		for _, d := range rec.Artifacts {
			row, err := artifactRowFromDescriptor(d)
			if err != nil {
				return err
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("store: writing artifact %s: %w", d.Name, err)
			}
		}

		updates := map[string]interface{}{
			"message":         rec.Message,
			"artifact_errors": json.RawMessage(artifactErrors),
		}
		if len(rec.Params) > 0 {
			updates["params"] = rec.Params
		}
		if invalidateCache {
			updates["cache_epoch"] = nil
			updates["valid_until"] = time.Now().UTC()
		}
		res := tx.Model(&Computation{}).Where("correlation_uuid = ?", rec.CorrelationUUID).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("store: updating computation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: computation %s", ErrNotFound, rec.CorrelationUUID)
		}
		return nil
	})
}

// UpdateFailedComputation stamps a terminal failure. With cache the failure
// itself is cached forever, which suppresses re-running known-bad input;
// otherwise the row leaves the cache immediately.
func (s *Store) UpdateFailedComputation(ctx context.Context, correlationUUID uuid.UUID, message string, cache bool) error {
	updates := map[string]interface{}{"message": message}
	if cache {
		updates["cache_epoch"] = computation.ForeverEpoch
		updates["valid_until"] = computation.ValidForever
	} else {
		updates["cache_epoch"] = nil
		updates["valid_until"] = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Model(&Computation{}).
		Where("correlation_uuid = ?", correlationUUID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: updating failed computation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: computation %s", ErrNotFound, correlationUUID)
	}
	return nil
}

// ResolveComputationID maps a caller's correlation uuid to the canonical
// computation id it was deduplicated to.
func (s *Store) ResolveComputationID(ctx context.Context, userCorrelationUUID uuid.UUID) (uuid.UUID, error) {
	var lookup ComputationLookup
	err := s.db.WithContext(ctx).First(&lookup, "user_correlation_uuid = ?", userCorrelationUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, fmt.Errorf("%w: lookup %s", ErrNotFound, userCorrelationUUID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: resolving computation id: %w", err)
	}
	return lookup.ComputationID, nil
}

// ListArtifacts returns the artifact descriptors of a computation in rank
// order.
func (s *Store) ListArtifacts(ctx context.Context, correlationUUID uuid.UUID) ([]artifact.Descriptor, error) {
	var rows []Artifact
	err := s.db.WithContext(ctx).
		Where("correlation_uuid = ?", correlationUUID).
		Order("rank").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing artifacts: %w", err)
	}
	descriptors := make([]artifact.Descriptor, 0, len(rows))
	for _, row := range rows {
		d, err := descriptorFromArtifactRow(row)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// ReadComputation assembles the full read model of one computation,
// including the status joined in from the task-meta mirror. A computation
// without a task-meta row is still pending.
func (s *Store) ReadComputation(ctx context.Context, correlationUUID uuid.UUID) (computation.Record, error) {
	var row Computation
	err := s.db.WithContext(ctx).First(&row, "correlation_uuid = ?", correlationUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return computation.Record{}, fmt.Errorf("%w: computation %s", ErrNotFound, correlationUUID)
	}
	if err != nil {
		return computation.Record{}, fmt.Errorf("store: reading computation: %w", err)
	}

	artifacts, err := s.ListArtifacts(ctx, correlationUUID)
	if err != nil {
		return computation.Record{}, err
	}

	rec := computation.Record{
		CorrelationUUID: row.CorrelationUUID,
		PluginKey:       row.PluginKey,
		Status:          computation.StatusPending,
		RequestedParams: row.RequestedParams,
		Params:          row.Params,
		CacheEpoch:      row.CacheEpoch,
		ValidUntil:      row.ValidUntil,
		Message:         row.Message,
		Artifacts:       artifacts,
	}
	if len(row.ArtifactErrors) > 0 {
		if err := json.Unmarshal(row.ArtifactErrors, &rec.ArtifactErrors); err != nil {
			return computation.Record{}, fmt.Errorf("store: decoding artifact errors: %w", err)
		}
	}

	var meta TaskMeta
	err = s.db.WithContext(ctx).First(&meta, "task_id = ?", correlationUUID.String()).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// no task outcome yet
	case err != nil:
		return computation.Record{}, fmt.Errorf("store: reading task meta: %w", err)
	default:
		rec.Status = computation.Status(meta.Status)
		rec.OutcomeTS = meta.DateDone
	}
	return rec, nil
}

// RecordTaskResult upserts one task outcome row by task id.
func (s *Store) RecordTaskResult(ctx context.Context, result computation.TaskResult) error {
	row := TaskMeta{
		TaskID:    result.TaskID,
		Status:    string(result.Status),
		Result:    result.Result,
		Traceback: result.Traceback,
		Name:      result.Name,
		Args:      result.Args,
		Kwargs:    result.Kwargs,
		Worker:    result.Worker,
		Retries:   result.Retries,
		Queue:     result.Queue,
	}
	if !result.DateDone.IsZero() {
		done := result.DateDone
		row.DateDone = &done
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "result", "date_done", "traceback", "name",
			"args", "kwargs", "worker", "retries", "queue",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: recording task result: %w", err)
	}
	return nil
}

// ReadTaskResult returns the task outcome for a correlation uuid. Handles
// consult it for computations that finished before they subscribed.
func (s *Store) ReadTaskResult(ctx context.Context, taskID string) (computation.TaskResult, error) {
	var meta TaskMeta
	err := s.db.WithContext(ctx).First(&meta, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return computation.TaskResult{}, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return computation.TaskResult{}, fmt.Errorf("store: reading task result: %w", err)
	}
	result := computation.TaskResult{
		TaskID:    meta.TaskID,
		Status:    computation.Status(meta.Status),
		Result:    meta.Result,
		Traceback: meta.Traceback,
		Name:      meta.Name,
		Args:      meta.Args,
		Kwargs:    meta.Kwargs,
		Worker:    meta.Worker,
		Retries:   meta.Retries,
		Queue:     meta.Queue,
	}
	if meta.DateDone != nil {
		result.DateDone = *meta.DateDone
	}
	return result, nil
}

func artifactRowFromDescriptor(d artifact.Descriptor) (Artifact, error) {
	row := Artifact{
		CorrelationUUID: d.CorrelationUUID,
		Rank:            d.Rank,
		Name:            d.Name,
		Modality:        string(d.Modality),
		Primary:         d.Primary,
		Tags:            pq.StringArray(d.Tags),
		Summary:         d.Summary,
		Description:     d.Description,
		Filename:        d.Filename,
	}
	if d.Attachments != nil {
		attachments, err := json.Marshal(d.Attachments)
		if err != nil {
			return Artifact{}, fmt.Errorf("store: encoding attachments of %s: %w", d.Name, err)
		}
		row.Attachments = attachments
	}
	if len(d.Sources) > 0 {
		sources, err := json.Marshal(d.Sources)
		if err != nil {
			return Artifact{}, fmt.Errorf("store: encoding sources of %s: %w", d.Name, err)
		}
		row.Sources = sources
	}
	return row, nil
}

func descriptorFromArtifactRow(row Artifact) (artifact.Descriptor, error) {
	d := artifact.Descriptor{
		Rank:            row.Rank,
		CorrelationUUID: row.CorrelationUUID,
		Name:            row.Name,
		Modality:        artifact.Modality(row.Modality),
		Primary:         row.Primary,
		Tags:            []string(row.Tags),
		Summary:         row.Summary,
		Description:     row.Description,
		Filename:        row.Filename,
	}
	if len(row.Attachments) > 0 {
		d.Attachments = &artifact.Attachments{}
		if err := json.Unmarshal(row.Attachments, d.Attachments); err != nil {
			return artifact.Descriptor{}, fmt.Errorf("store: decoding attachments of %s: %w", row.Name, err)
		}
	}
	if len(row.Sources) > 0 {
		if err := json.Unmarshal(row.Sources, &d.Sources); err != nil {
			return artifact.Descriptor{}, fmt.Errorf("store: decoding sources of %s: %w", row.Name, err)
		}
	}
	return d, nil
}
