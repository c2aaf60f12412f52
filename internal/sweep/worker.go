package sweep

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"go.uber.org/zap"
)

const staleCallingLimit = 200

// CampaignStore is the slice of the campaign repository the sweep depends on.
type CampaignStore interface {
	TransitionStatus(ctx context.Context, campaignID, fromStatus, toStatus string) (bool, error)
	IncrementCounters(ctx context.Context, campaignID string, deltas map[string]int) error
}

// RecipientStore covers the recovery queries and conditional transitions.
type RecipientStore interface {
	ReleaseStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error)
	ListStaleCalling(ctx context.Context, cutoff time.Time, limit int) ([]recipient.Recipient, error)
	FailAbandonedCall(ctx context.Context, recipientID, lastError string) (bool, error)
	CountByStatus(ctx context.Context, campaignID, status string) (int64, error)
}

// Worker is the recovery path for rows left behind by crashed dispatch
// attempts and missed termination webhooks. It reverts stale `processing`
// rows to pending and fails `calling` rows old enough to be presumed
// abandoned, then re-checks completion for the touched campaigns.
type Worker struct {
	Campaigns  CampaignStore
	Recipients RecipientStore

	Interval          time.Duration
	ProcessingAge     time.Duration
	CallingStaleAfter time.Duration
}

func NewWorker(
	campaigns CampaignStore,
	recipients RecipientStore,
) *Worker {
	return &Worker{
		Campaigns:         campaigns,
		Recipients:        recipients,
		Interval:          time.Duration(config.Conf.SweepInterval) * time.Minute,
		ProcessingAge:     time.Duration(config.Conf.SweepProcessingAgeLimit) * time.Minute,
		CallingStaleAfter: time.Duration(config.Conf.StaleCallThreshold) * time.Minute,
	}
}

func (worker *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(worker.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worker.sweep(ctx)
		}
	}
}

func (worker *Worker) sweep(ctx context.Context) {
	now := time.Now()

	released, err := worker.Recipients.ReleaseStaleProcessing(ctx, now.Add(-worker.ProcessingAge))
	if err == nil && released > 0 {
		logging.Logger.Warn("[sweep] Released stuck processing rows",
			zap.Int64("released", released),
		)
	}

	staleRows, err := worker.Recipients.ListStaleCalling(
		ctx, now.Add(-worker.CallingStaleAfter), staleCallingLimit,
	)
	if err != nil {
		return
	}

	touchedCampaigns := make(map[string]string)

	for idx := range staleRows {
		staleRow := staleRows[idx]

		failed, err := worker.Recipients.FailAbandonedCall(
			ctx, staleRow.ID, "call presumed abandoned, no termination event received",
		)
		if err != nil {
			continue
		}

		// A late termination event settled the row between the list and
		// the conditional update; its counters are already applied.
		if !failed {
			continue
		}

		err = worker.Campaigns.IncrementCounters(ctx, staleRow.CampaignID, map[string]int{
			campaign.CounterFailed:  1,
			campaign.CounterPending: -1,
		})
		if err != nil {
			logging.Logger.Error("[sweep] Failed to increment failure counter",
				zap.String("campaign_id", staleRow.CampaignID),
				zap.String("error", err.Error()),
			)
		}

		touchedCampaigns[staleRow.CampaignID] = staleRow.TenantID

		logging.Logger.Warn("[sweep] Failed stale calling recipient",
			zap.String("recipient_id", staleRow.ID),
			zap.String("campaign_id", staleRow.CampaignID),
			zap.String("external_call_id", staleRow.ExternalCallID),
		)
	}

	for campaignID := range touchedCampaigns {
		worker.checkCompletion(ctx, campaignID)
	}
}

// checkCompletion closes out campaigns whose last in-flight calls were just
// failed by the sweep, since no webhook will ever arrive to trigger it.
func (worker *Worker) checkCompletion(ctx context.Context, campaignID string) {
	pending, err := worker.Recipients.CountByStatus(ctx, campaignID, recipient.StatusPending)
	if err != nil || pending > 0 {
		return
	}

	calling, err := worker.Recipients.CountByStatus(ctx, campaignID, recipient.StatusCalling)
	if err != nil || calling > 0 {
		return
	}

	transitioned, err := worker.Campaigns.TransitionStatus(
		ctx, campaignID, campaign.StatusActive, campaign.StatusCompleted,
	)
	if err != nil || !transitioned {
		return
	}

	prometheusDialer.CampaignsCompleted.Inc()

	logging.Logger.Info("[checkCompletion] Campaign completed by sweep",
		zap.String("campaign_id", campaignID),
	)
}
