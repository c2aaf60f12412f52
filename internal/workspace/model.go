package workspace

import "time"

// Integration is the per-tenant voice-provider configuration. It is resolved
// fresh before every dispatch operation and never cached, so credential or
// agent changes take effect on the next call.
type Integration struct {
	ID                 string    `gorm:"column:id;type:varchar(36);primaryKey"          json:"id"`
	TenantID           string    `gorm:"column:tenant_id;type:varchar(36);uniqueIndex"  json:"tenant_id"`
	ProviderCredential string    `gorm:"column:provider_credential;type:varchar(255)"   json:"-"`
	AgentID            string    `gorm:"column:agent_id;type:varchar(64)"               json:"agent_id"`
	PhoneNumberID      string    `gorm:"column:phone_number_id;type:varchar(64)"        json:"phone_number_id"`
	PromptTemplate     string    `gorm:"column:prompt_template;type:text"               json:"prompt_template"`
	PromptProvider     string    `gorm:"column:prompt_provider;type:varchar(64)"        json:"prompt_provider"`
	PromptModel        string    `gorm:"column:prompt_model;type:varchar(64)"           json:"prompt_model"`
	Enabled            bool      `gorm:"column:enabled;default:true"                    json:"enabled"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"               json:"created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"               json:"updated_at"`
}

func (Integration) TableName() string {
	return "workspace_integrations"
}
