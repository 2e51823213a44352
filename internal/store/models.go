// Package store holds the GORM models and connection/migration plumbing
// backing the Durable Store (spec §3/§4.1/§6.2).
package store

import (
	"time"

	"gorm.io/datatypes"
)

// ObservationGroup is the lifecycle record for one observation's set of
// subbands (spec §3.1).
type ObservationGroup struct {
	GroupID             string     `gorm:"primaryKey;column:group_id"`
	State               string     `gorm:"column:state;index:idx_group_state"`
	ReceivedAt          time.Time  `gorm:"column:received_at;index:idx_group_received_at"`
	LastUpdate          time.Time  `gorm:"column:last_update"`
	ExpectedSubbands    int        `gorm:"column:expected_subbands"`
	SubbandsPresent     int        `gorm:"column:subbands_present"`
	RetryCount          int        `gorm:"column:retry_count"`
	ErrorMessage        *string    `gorm:"column:error_message"`
	CalibratorName      *string    `gorm:"column:calibrator_name"`
	CalibratorFluxJy    *float64   `gorm:"column:calibrator_flux_jy"`
	CalibratorSepDeg    *float64   `gorm:"column:calibrator_separation_deg"`
	DroppedLateSubbands int        `gorm:"column:dropped_late_subbands"`
	PointingRA          *float64   `gorm:"column:pointing_ra"`
	PointingDec         *float64   `gorm:"column:pointing_dec"`
	ObservedAt          *time.Time `gorm:"column:observed_at"`
}

func (ObservationGroup) TableName() string { return "observation_groups" }

// Group lifecycle states.
const (
	GroupCollecting = "collecting"
	GroupPending    = "pending"
	GroupInProgress = "in_progress"
	GroupCompleted  = "completed"
	GroupFailed     = "failed"
)

// SubbandRecord is one frequency-subband file belonging to a group (spec
// §3.2).
type SubbandRecord struct {
	GroupID      string    `gorm:"column:group_id;primaryKey;uniqueIndex:idx_subband_group_idx"`
	SubbandIdx   int       `gorm:"column:subband_idx;primaryKey;uniqueIndex:idx_subband_group_idx"`
	Path         string    `gorm:"column:path"`
	Size         int64     `gorm:"column:size"`
	Mtime        time.Time `gorm:"column:mtime"`
	DiscoveredAt time.Time `gorm:"column:discovered_at"`
	Stored       bool      `gorm:"column:stored;index:idx_subband_group_id"`
}

func (SubbandRecord) TableName() string { return "subband_records" }

// WorkQueueItem is one unit of asynchronous work (spec §3.3).
type WorkQueueItem struct {
	ID            string         `gorm:"column:id;primaryKey"`
	JobType       string         `gorm:"column:job_type"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	State         string         `gorm:"column:state;index:idx_wq_state_next_attempt_id"`
	LeaseOwner    *string        `gorm:"column:lease_owner"`
	LeaseDeadline *time.Time     `gorm:"column:lease_deadline"`
	RetryCount    int            `gorm:"column:retry_count"`
	MaxRetries    int            `gorm:"column:max_retries"`
	NextAttemptAt time.Time      `gorm:"column:next_attempt_at;index:idx_wq_state_next_attempt_id"`
	LastError     *string        `gorm:"column:last_error"`
	KindOfFailure *string        `gorm:"column:kind_of_failure"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (WorkQueueItem) TableName() string { return "work_queue_items" }

// Work queue item states.
const (
	QueuePending    = "pending"
	QueueInProgress = "in_progress"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
	QueueDead       = "dead"
)

// CalibrationArtifact is one calibration table produced by the solver,
// scoped to a validity window (spec §3.4).
type CalibrationArtifact struct {
	ID              string         `gorm:"column:id;primaryKey"`
	SetName         string         `gorm:"column:set_name;index:idx_cal_set_name"`
	Path            string         `gorm:"column:path"`
	TableType       string         `gorm:"column:table_type"`
	OrderIndex      int            `gorm:"column:order_index"`
	CalField        string         `gorm:"column:cal_field"`
	ValidStartMJD   float64        `gorm:"column:valid_start_mjd;index:idx_cal_status_window"`
	ValidEndMJD     float64        `gorm:"column:valid_end_mjd;index:idx_cal_status_window"`
	Status          string         `gorm:"column:status;index:idx_cal_status_window"`
	SolverParams    datatypes.JSON `gorm:"column:solver_params"`
	QualityMetrics  datatypes.JSON `gorm:"column:quality_metrics"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
}

func (CalibrationArtifact) TableName() string { return "calibration_artifacts" }

// ValidEndInfinity is the sentinel for an open-ended validity window.
const ValidEndInfinity = 1e18

// Calibration artifact lifecycle states.
const (
	CalActive  = "active"
	CalRetired = "retired"
	CalFailed  = "failed"
)

// ProductRecord is one artifact registered by a stage, moving through the
// publish state machine (spec §3.5, §4.7, §4.8).
type ProductRecord struct {
	DataID              string         `gorm:"column:data_id;primaryKey"`
	DataType            string         `gorm:"column:data_type;index:idx_product_data_type"`
	BasePath            string         `gorm:"column:base_path"`
	StagePath           string         `gorm:"column:stage_path"`
	PublishedPath       *string        `gorm:"column:published_path"`
	State               string         `gorm:"column:state;index:idx_product_state"`
	QAStatus            string         `gorm:"column:qa_status"`
	ValidationStatus    string         `gorm:"column:validation_status"`
	FinalizationStatus  string         `gorm:"column:finalization_status"`
	PhotometryStatus    *string        `gorm:"column:photometry_status"`
	AutoPublishEnabled  bool           `gorm:"column:auto_publish_enabled"`
	PublishAttempts     int            `gorm:"column:publish_attempts"`
	PublishError        *string        `gorm:"column:publish_error"`
	PublishFailedAt     *time.Time     `gorm:"column:publish_failed_at"`
	MetadataJSON        datatypes.JSON `gorm:"column:metadata_json"`
	ParentIDs           datatypes.JSON `gorm:"column:parent_ids"`
	CreatorStage        string         `gorm:"column:creator_stage"`
	JobID               string         `gorm:"column:job_id"`
	RA                  *float64       `gorm:"column:ra;index:idx_product_sky_box"`
	Dec                 *float64       `gorm:"column:dec;index:idx_product_sky_box"`
	ObservedAt          *time.Time     `gorm:"column:observed_at;index:idx_product_time"`
	Checksum            string         `gorm:"column:checksum"`
	ArchivedAt          *time.Time     `gorm:"column:archived_at"`
	ArchivedURI         *string        `gorm:"column:archived_uri"`
	CreatedAt           time.Time      `gorm:"column:created_at"`
	StagedAt            *time.Time     `gorm:"column:staged_at"`
	PublishedAt         *time.Time     `gorm:"column:published_at"`
}

func (ProductRecord) TableName() string { return "product_records" }

// Publish state machine states (spec §4.8).
const (
	ProductStaging    = "staging"
	ProductValidated  = "validated"
	ProductPublishing = "publishing"
	ProductPublished  = "published"
	ProductFailed     = "failed"
	ProductRetracted  = "retracted"
)

// QA / validation / finalization sub-states.
const (
	QAPending = "pending"
	QARunning = "running"
	QAPassed  = "passed"
	QAFailed  = "failed"
	QAWarning = "warning"

	ValidationPending   = "pending"
	ValidationValidated = "validated"
	ValidationInvalid   = "invalid"

	FinalizationPending   = "pending"
	FinalizationFinalized = "finalized"
	FinalizationRejected  = "rejected"
)

// MSLock maps the ms_lock_history table for the measurement-set advisory
// lock described in spec §5. The lock itself lives in internal/reslock
// against Redis; nothing in this module writes to this table, so it holds
// no record of lock holders.
type MSLock struct {
	Path      string    `gorm:"column:path;primaryKey"`
	OwnerJob  string    `gorm:"column:owner_job"`
	AcquiredAt time.Time `gorm:"column:acquired_at"`
	ReleasedAt *time.Time `gorm:"column:released_at"`
}

func (MSLock) TableName() string { return "ms_lock_history" }
