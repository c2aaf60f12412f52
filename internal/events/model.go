package events

import "time"

// CallEndedMessage is the provider termination event routed into the call
// ended topic by the host webhook handler. One message frees exactly one
// provider slot, so the consumer answers each with one Replace dispatch.
type CallEndedMessage struct {
	CallID     string `json:"call_id"`
	CampaignID string `json:"campaign_id"`
	TenantID   string `json:"tenant_id"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
	EndedAt    string `json:"ended_at,omitempty"`
}

// CampaignEvent is published on campaign lifecycle transitions for
// downstream consumers (reporting, billing, UI refresh).
type CampaignEvent struct {
	EventType  string    `json:"event_type"`
	CampaignID string    `json:"campaign_id"`
	TenantID   string    `json:"tenant_id"`
	CreatedAt  time.Time `json:"created_at"`
}
