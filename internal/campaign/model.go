package campaign

import (
	"time"

	"gorm.io/datatypes"
)

type Campaign struct {
	ID               string         `gorm:"column:id;type:varchar(36);primaryKey"   json:"id"`
	TenantID         string         `gorm:"column:tenant_id;type:varchar(36);index" json:"tenant_id"`
	Name             string         `gorm:"column:name;type:varchar(255)"           json:"name"`
	Status           string         `gorm:"column:status;type:varchar(20);index"    json:"status"`
	ScheduledStartAt *time.Time     `gorm:"column:scheduled_start_at"               json:"scheduled_start_at"`
	BusinessHours    datatypes.JSON `gorm:"column:business_hours;type:jsonb"        json:"business_hours"`
	Timezone         string         `gorm:"column:timezone;type:varchar(64)"        json:"timezone"`
	PendingCount     int            `gorm:"column:pending_count;default:0"          json:"pending_count"`
	CompletedCount   int            `gorm:"column:completed_count;default:0"        json:"completed_count"`
	SuccessfulCount  int            `gorm:"column:successful_count;default:0"       json:"successful_count"`
	FailedCount      int            `gorm:"column:failed_count;default:0"           json:"failed_count"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"        json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime"        json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Counter column names accepted by IncrementCounters.
const (
	CounterPending    = "pending_count"
	CounterCompleted  = "completed_count"
	CounterSuccessful = "successful_count"
	CounterFailed     = "failed_count"
)
