package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// View DDL. Status lives only in the task-meta mirror, so every view that
// talks about outcomes joins it by task id. Validation failures are the
// rows cached forever (epoch zero) and are filtered out of the failure
// report; they describe bad input, not plugin health.
var viewStatements = []string{
	`CREATE OR REPLACE VIEW ` + SchemaName + `.valid_computations AS
     SELECT c.*
     FROM ` + SchemaName + `.computation c
     WHERE c.cache_epoch IS NOT NULL
       AND c.valid_until > now()`,

	`CREATE OR REPLACE VIEW ` + SchemaName + `.computations_summary AS
     SELECT c.plugin_key,
            count(*) AS total,
            count(*) FILTER (WHERE t.status = 'SUCCESS') AS succeeded,
            count(*) FILTER (WHERE t.status = 'FAILURE') AS failed,
            count(*) FILTER (WHERE t.status = 'REVOKED') AS revoked
     FROM ` + SchemaName + `.computation c
     LEFT JOIN ` + SchemaName + `.celery_taskmeta t ON t.task_id = c.correlation_uuid::text
     GROUP BY c.plugin_key`,

	`CREATE OR REPLACE VIEW ` + SchemaName + `.usage_summary AS
     SELECT c.plugin_key,
            count(*) AS requests,
            max(l.request_ts) AS last_request
     FROM ` + SchemaName + `.computation_lookup l
     JOIN ` + SchemaName + `.computation c ON c.correlation_uuid = l.computation_id
     WHERE NOT l.is_demo
     GROUP BY c.plugin_key`,

	`CREATE OR REPLACE VIEW ` + SchemaName + `.failed_computations AS
     SELECT c.correlation_uuid,
            c.plugin_key,
            left(coalesce(nullif(c.message, ''), t.traceback), 10) AS cause,
            t.date_done
     FROM ` + SchemaName + `.computation c
     JOIN ` + SchemaName + `.celery_taskmeta t ON t.task_id = c.correlation_uuid::text
     WHERE t.status = 'FAILURE'
       AND t.date_done > now() - INTERVAL '30 days'
       AND (c.cache_epoch IS NULL OR c.cache_epoch <> 0)`,

	`CREATE OR REPLACE VIEW ` + SchemaName + `.artifact_errors AS
     SELECT c.correlation_uuid,
            c.plugin_key,
            e.key AS artifact_name,
            e.value AS reason
     FROM ` + SchemaName + `.computation c,
          jsonb_each_text(c.artifact_errors) e
     WHERE c.artifact_errors IS NOT NULL
       AND c.artifact_errors <> '{}'::jsonb`,
}

func (s *Store) createViews() error {
	for _, stmt := range viewStatements {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("store: creating view: %w", err)
		}
	}
	return nil
}

// ReliabilityRow summarizes outcomes of one plugin.
type ReliabilityRow struct {
	PluginKey string
	Total     int64
	Succeeded int64
	Failed    int64
	Revoked   int64
}

// UsageRow counts non-demo requests of one plugin.
type UsageRow struct {
	PluginKey   string
	Requests    int64
	LastRequest *time.Time
}

// FailureRow classifies one recent failure by the leading characters of
// its message or traceback.
type FailureRow struct {
	CorrelationUUID uuid.UUID
	PluginKey       string
	Cause           string
	DateDone        *time.Time
}

// ArtifactErrorRow is one artifact-level error of a computation.
type ArtifactErrorRow struct {
	CorrelationUUID uuid.UUID
	PluginKey       string
	ArtifactName    string
	Reason          string
}

// ComputationsSummary reports per-plugin reliability.
func (s *Store) ComputationsSummary(ctx context.Context) ([]ReliabilityRow, error) {
	var rows []ReliabilityRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM ` + SchemaName + `.computations_summary ORDER BY plugin_key`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: reading computations summary: %w", err)
	}
	return rows, nil
}

// UsageSummary reports per-plugin request counts, demo requests excluded.
func (s *Store) UsageSummary(ctx context.Context) ([]UsageRow, error) {
	var rows []UsageRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM ` + SchemaName + `.usage_summary ORDER BY plugin_key`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: reading usage summary: %w", err)
	}
	return rows, nil
}

// RecentFailures lists classified failures of the last thirty days.
func (s *Store) RecentFailures(ctx context.Context) ([]FailureRow, error) {
	var rows []FailureRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM ` + SchemaName + `.failed_computations ORDER BY date_done DESC`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: reading recent failures: %w", err)
	}
	return rows, nil
}

// ArtifactErrorSummary lists artifact-level errors across computations.
func (s *Store) ArtifactErrorSummary(ctx context.Context) ([]ArtifactErrorRow, error) {
	var rows []ArtifactErrorRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM ` + SchemaName + `.artifact_errors ORDER BY correlation_uuid, artifact_name`).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: reading artifact errors: %w", err)
	}
	return rows, nil
}

// ListValidComputations returns the still-valid cached computations of one
// plugin.
func (s *Store) ListValidComputations(ctx context.Context, pluginKey string) ([]Computation, error) {
	var rows []Computation
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM `+SchemaName+`.valid_computations WHERE plugin_key = ?`, pluginKey).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing valid computations: %w", err)
	}
	return rows, nil
}
