package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/climatoology/climatoology/aoi"
)

// SchemaName is the database schema all platform tables live in.
const SchemaName = "ca_base"

// CurrentSchemaVersion is bumped whenever the table layout changes in a way
// deployed components must agree on.
const CurrentSchemaVersion = "4"

// PluginAuthor is one author, shared across plugin versions and keyed by
// name.
type PluginAuthor struct {
	Name        string `gorm:"primaryKey"`
	Affiliation string
	Website     string
}

// PluginInfo is the persisted descriptor of one plugin version.
type PluginInfo struct {
	Key              string          `gorm:"primaryKey"`
	PluginID         string          `gorm:"column:id;index;not null"`
	Version          string          `gorm:"not null"`
	Latest           bool            `gorm:"not null;index"`
	Name             string          `gorm:"not null"`
	LibraryVersion   string          `gorm:"not null"`
	State            string          `gorm:"not null"`
	Concerns         pq.StringArray  `gorm:"type:text[]"`
	Teaser           string
	Purpose          string
	Methodology      string
	Repository       string
	DemoConfig       json.RawMessage `gorm:"type:jsonb"`
	ShelfLifeSeconds *int64          `gorm:"column:computation_shelf_life_seconds"`
	Assets           json.RawMessage `gorm:"type:jsonb"`
	OperatorSchema   json.RawMessage `gorm:"type:jsonb"`
	Sources          pq.StringArray  `gorm:"type:text[]"`
}

// PluginInfoAuthorLink orders authors within one plugin version. Seat is
// the zero-based display position.
type PluginInfoAuthorLink struct {
	InfoKey    string `gorm:"primaryKey"`
	AuthorName string `gorm:"primaryKey"`
	AuthorSeat int    `gorm:"not null"`
}

// Computation is the canonical row of one deduplicated computation. It has
// no status column; status lives in the task-meta side table keyed by the
// correlation uuid.
type Computation struct {
	CorrelationUUID  uuid.UUID       `gorm:"column:correlation_uuid;primaryKey;type:uuid"`
	PluginKey        string          `gorm:"index;not null;uniqueIndex:uq_computation_request"`
	DeduplicationKey uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uq_computation_request"`
	CacheEpoch       *int64          `gorm:"uniqueIndex:uq_computation_request"`
	ValidUntil       time.Time       `gorm:"index;not null"`
	Params           json.RawMessage `gorm:"type:jsonb"`
	RequestedParams  json.RawMessage `gorm:"type:jsonb;not null"`
	AoiGeom          aoi.Geometry    `gorm:"column:aoi_geom;type:geometry(MultiPolygon,4326)"`
	Message          string
	ArtifactErrors   json.RawMessage `gorm:"type:jsonb"`
}

// Artifact is one produced output file of a computation.
type Artifact struct {
	ID              int64           `gorm:"primaryKey;autoIncrement"`
	CorrelationUUID uuid.UUID       `gorm:"type:uuid;index;not null"`
	Rank            int             `gorm:"not null"`
	Name            string          `gorm:"not null"`
	Modality        string          `gorm:"not null"`
	Primary         bool            `gorm:"column:primary;not null"`
	Tags            pq.StringArray  `gorm:"type:text[]"`
	Summary         string
	Description     string
	Attachments     json.RawMessage `gorm:"type:jsonb"`
	Sources         json.RawMessage `gorm:"type:jsonb"`
	Filename        string          `gorm:"not null"`
}

// ComputationLookup maps a caller's correlation uuid onto the canonical
// computation it was deduplicated to.
type ComputationLookup struct {
	UserCorrelationUUID uuid.UUID       `gorm:"column:user_correlation_uuid;primaryKey;type:uuid"`
	RequestTS           time.Time       `gorm:"column:request_ts;not null"`
	AoiName             string
	AoiID               string
	AoiProperties       json.RawMessage `gorm:"type:jsonb"`
	IsDemo              bool            `gorm:"not null;index"`
	ComputationID       uuid.UUID       `gorm:"type:uuid;index;not null"`
}

// TaskMeta mirrors the task backend's outcome rows.
type TaskMeta struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	TaskID    string `gorm:"uniqueIndex;not null"`
	Status    string
	Result    []byte `gorm:"type:bytea"`
	DateDone  *time.Time
	Traceback string
	Name      string
	Args      []byte `gorm:"type:bytea"`
	Kwargs    []byte `gorm:"type:bytea"`
	Worker    string
	Retries   int
	Queue     string
}

// TableName keeps the task backend's historical table name.
func (TaskMeta) TableName() string {
	return SchemaName + ".celery_taskmeta"
}

// SchemaVersion records which table layout the database carries.
type SchemaVersion struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Version   string    `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}
