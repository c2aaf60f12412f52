package dispatch

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
)

// CampaignStore is the slice of the campaign repository the dispatch core
// depends on.
type CampaignStore interface {
	GetByID(ctx context.Context, campaignID string) (*campaign.Campaign, error)
	TransitionStatus(ctx context.Context, campaignID, fromStatus, toStatus string) (bool, error)
	IncrementCounters(ctx context.Context, campaignID string, deltas map[string]int) error
}

// RecipientStore is the durable FIFO queue the dispatch core draws from. The
// Claim conditional update is the only concurrency-control primitive between
// concurrent dispatch attempts.
type RecipientStore interface {
	Claim(ctx context.Context, recipientID string) (bool, error)
	NextPending(ctx context.Context, campaignID string, limit int) ([]recipient.Recipient, error)
	MarkCalling(ctx context.Context, recipientID, externalCallID string) error
	MarkFailed(ctx context.Context, recipientID, lastError string) error
	Revert(ctx context.Context, recipientID, lastError string) error
	CountActiveCalling(ctx context.Context, campaignID string, staleBefore time.Time) (int64, error)
	CountActiveCallingByTenant(ctx context.Context, tenantID string, staleBefore time.Time) (int64, error)
	CountByStatus(ctx context.Context, campaignID, status string) (int64, error)
}

// EventPublisher emits campaign lifecycle events for downstream consumers.
// Optional; a nil publisher disables emission.
type EventPublisher interface {
	PublishCampaignEvent(ctx context.Context, eventType, campaignID, tenantID string) error
}
