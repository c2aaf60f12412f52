package recipient

import (
	"time"

	"gorm.io/datatypes"
)

type Recipient struct {
	ID             string         `gorm:"column:id;type:varchar(36);primaryKey"       json:"id"`
	CampaignID     string         `gorm:"column:campaign_id;type:varchar(36);index"   json:"campaign_id"`
	TenantID       string         `gorm:"column:tenant_id;type:varchar(36);index"     json:"tenant_id"`
	PhoneNumber    string         `gorm:"column:phone_number;type:varchar(32)"        json:"phone_number"`
	FirstName      string         `gorm:"column:first_name;type:varchar(128)"         json:"first_name"`
	LastName       string         `gorm:"column:last_name;type:varchar(128)"          json:"last_name"`
	Email          string         `gorm:"column:email;type:varchar(255)"              json:"email"`
	Company        string         `gorm:"column:company;type:varchar(255)"            json:"company"`
	Variables      datatypes.JSON `gorm:"column:variables;type:jsonb"                 json:"variables"`
	Status         string         `gorm:"column:status;type:varchar(20);index"        json:"status"`
	ExternalCallID string         `gorm:"column:external_call_id;type:varchar(64)"    json:"external_call_id"`
	Attempts       int            `gorm:"column:attempts;default:0"                   json:"attempts"`
	LastError      string         `gorm:"column:last_error;type:text"                 json:"last_error"`
	CallStartedAt  *time.Time     `gorm:"column:call_started_at;index"                json:"call_started_at"`
	LastAttemptAt  *time.Time     `gorm:"column:last_attempt_at"                      json:"last_attempt_at"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime;index"      json:"created_at"`
}

func (Recipient) TableName() string {
	return "recipients"
}

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCalling    = "calling"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)
