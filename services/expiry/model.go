package expiry

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is the execution record of one tenant's expiry run.
type Job struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	TenantID      string         `gorm:"column:tenant_id;index;not null" json:"tenant_id"`
	Status        JobStatus      `gorm:"column:status;type:varchar(20);not null" json:"status"`
	Cutoff        *time.Time     `gorm:"column:cutoff" json:"cutoff,omitempty"`
	LotsExpired   int64          `gorm:"column:lots_expired;not null;default:0" json:"lots_expired"`
	PointsExpired int64          `gorm:"column:points_expired;not null;default:0" json:"points_expired"`
	ErrorMsg      string         `gorm:"column:error_msg;type:text" json:"error_msg,omitempty"`
	StartedAt     *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

func Models() []any {
	return []any{&Job{}}
}

type tenantPayload struct {
	TenantID string `json:"tenant_id"`
}
