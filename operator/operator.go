// Package operator defines the contract a plugin implements: a typed
// parameter record, a static schema derived from it and a compute function
// producing artifacts inside a scoped workspace.
package operator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/climatoology/climatoology/aoi"
	"github.com/climatoology/climatoology/artifact"
	"github.com/climatoology/climatoology/info"
	"github.com/climatoology/climatoology/schema"
)

// ReservedParamFields are the names an operator parameter type must not
// declare; the platform injects these concerns itself.
var ReservedParamFields = []string{"aoi", "aoi_properties"}

// Resources is what a running computation may touch: its identity, a scoped
// working directory removed after the run and the artifact-level error map.
type Resources struct {
	CorrelationUUID uuid.UUID
	ComputationDir  string
	ArtifactErrors  map[string]string
}

// RecordArtifactError notes that one artifact could not be produced as
// intended. The computation still succeeds; the error map is persisted and
// the cached result is invalidated so a later request retries.
func (r *Resources) RecordArtifactError(artifactName, reason string) {
	if r.ArtifactErrors == nil {
		r.ArtifactErrors = map[string]string{}
	}
	r.ArtifactErrors[artifactName] = reason
}

// Operator is one plugin computation. BaseInfo supplies the descriptor
// without schema and library version; the host completes those. Compute
// receives the raw validated parameter JSON and returns the produced
// artifacts.
type Operator interface {
	BaseInfo() info.Info
	ParamsSchema() json.RawMessage
	Compute(ctx context.Context, res *Resources, area aoi.Aoi, aoiProperties map[string]interface{}, rawParams json.RawMessage) ([]*artifact.Artifact, error)
}

// ComputeFunc is the typed compute implementation of a plugin.
type ComputeFunc[P any] func(ctx context.Context, res *Resources, area aoi.Aoi, aoiProperties map[string]interface{}, params P) ([]*artifact.Artifact, error)

type typedOperator[P any] struct {
	base       info.Info
	paramsJSON json.RawMessage
	fn         ComputeFunc[P]
}

// New builds an operator around a typed compute function. The parameter
// schema is reflected from P; construction fails when P declares a reserved
// field name.
func New[P any](base info.Info, fn ComputeFunc[P]) (Operator, error) {
	var zero P
	paramsSchema, err := schema.Generate(&zero)
	if err != nil {
		return nil, fmt.Errorf("operator: generating params schema: %w", err)
	}
	reserved, err := schema.ReservedFields(paramsSchema, ReservedParamFields...)
	if err != nil {
		return nil, fmt.Errorf("operator: inspecting params schema: %w", err)
	}
	if len(reserved) > 0 {
		return nil, fmt.Errorf("operator: params type declares reserved fields %v", reserved)
	}
	return &typedOperator[P]{base: base, paramsJSON: paramsSchema, fn: fn}, nil
}

func (o *typedOperator[P]) BaseInfo() info.Info {
	return o.base
}

func (o *typedOperator[P]) ParamsSchema() json.RawMessage {
	return o.paramsJSON
}

func (o *typedOperator[P]) Compute(ctx context.Context, res *Resources, area aoi.Aoi, aoiProperties map[string]interface{}, rawParams json.RawMessage) ([]*artifact.Artifact, error) {
	var params P
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("operator: decoding params: %w", err)
	}
	return o.fn(ctx, res, area, aoiProperties, params)
}
