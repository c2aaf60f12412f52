package dispatch

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
)

// Accountant computes how many new calls may be started right now without
// exceeding the per-campaign or per-tenant active-call ceiling. Only the seed
// path consults it; replacement dispatch relies on the structural 1-for-1
// guarantee instead, because the provider's own concurrency telemetry is not
// trustworthy in real time.
type Accountant struct {
	Recipients       RecipientStore
	PerCampaignLimit int
	PerTenantLimit   int
	StaleThreshold   time.Duration
}

func NewAccountant(recipients RecipientStore) *Accountant {
	return &Accountant{
		Recipients:       recipients,
		PerCampaignLimit: config.Conf.PerCampaignCallLimit,
		PerTenantLimit:   config.Conf.PerTenantCallLimit,
		StaleThreshold:   time.Duration(config.Conf.StaleCallThreshold) * time.Minute,
	}
}

// AvailableSlots returns max(0, min(campaign headroom, tenant headroom)).
// Calls older than the staleness threshold are not counted as active, so a
// lost termination webhook cannot permanently starve a campaign.
func (accountant *Accountant) AvailableSlots(ctx context.Context, campaignID, tenantID string) (int, error) {
	staleBefore := time.Now().Add(-accountant.StaleThreshold)

	activeCampaignCalls, err := accountant.Recipients.CountActiveCalling(ctx, campaignID, staleBefore)
	if err != nil {
		return 0, err
	}

	activeTenantCalls, err := accountant.Recipients.CountActiveCallingByTenant(ctx, tenantID, staleBefore)
	if err != nil {
		return 0, err
	}

	campaignSlots := accountant.PerCampaignLimit - int(activeCampaignCalls)
	tenantSlots := accountant.PerTenantLimit - int(activeTenantCalls)

	slots := min(campaignSlots, tenantSlots)
	if slots < 0 {
		slots = 0
	}

	return slots, nil
}
