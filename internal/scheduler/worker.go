package scheduler

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/dispatch"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/schedule"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const dueCampaignsLimit = 50

// ProviderConfigResolver fetches the workspace integration bundle for a tenant.
type ProviderConfigResolver interface {
	ResolveProviderConfig(ctx context.Context, tenantID string) (*provider.Config, error)
}

// Worker activates scheduled campaigns. Every tick it finds campaigns whose
// start time has passed, applies the business hours gate, flips them to
// active and seeds the initial call batch.
type Worker struct {
	WorkerPool *ants.Pool
	Campaigns  *campaign.CampaignRepository
	Workspace  ProviderConfigResolver
	Dispatcher *dispatch.Dispatcher
	Events     dispatch.EventPublisher
	Interval   time.Duration
}

func NewWorker(
	campaigns *campaign.CampaignRepository,
	workspace ProviderConfigResolver,
	dispatcher *dispatch.Dispatcher,
	events dispatch.EventPublisher,
) (*Worker, error) {
	workerPool, err := ants.NewPool(config.Conf.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &Worker{
		WorkerPool: workerPool,
		Campaigns:  campaigns,
		Workspace:  workspace,
		Dispatcher: dispatcher,
		Events:     events,
		Interval:   time.Duration(config.Conf.SchedulerInterval) * time.Second,
	}, nil
}

func (worker *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(worker.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worker.activateDueCampaigns(ctx)
		}
	}
}

func (worker *Worker) activateDueCampaigns(ctx context.Context) {
	dueCampaigns, err := worker.Campaigns.FindDueScheduled(ctx, time.Now(), dueCampaignsLimit)
	if err != nil {
		return
	}

	if len(dueCampaigns) == 0 {
		return
	}

	logging.Logger.Info("start activating due campaigns",
		zap.Int("count_due_campaigns", len(dueCampaigns)),
	)

	for idx := range dueCampaigns {
		dueCampaign := dueCampaigns[idx]

		err := worker.WorkerPool.Submit(func() {
			worker.activate(ctx, &dueCampaign)
		})
		if err != nil {
			logging.Logger.Error("failed to submit scheduler worker pool",
				zap.String("campaign_id", dueCampaign.ID),
				zap.String("error", err.Error()),
			)
		}
	}
}

func (worker *Worker) activate(ctx context.Context, dueCampaign *campaign.Campaign) {
	hours, err := schedule.ParseBusinessHours(dueCampaign.BusinessHours)
	if err != nil {
		logging.Logger.Warn("[activate] Invalid business hours config, treating as open",
			zap.String("campaign_id", dueCampaign.ID),
			zap.String("error", err.Error()),
		)
	}

	if !schedule.IsOpen(hours, dueCampaign.Timezone) {
		nextOpen := schedule.NextOpenWindow(hours, dueCampaign.Timezone)
		if nextOpen != nil {
			logging.Logger.Info("[activate] Campaign outside business hours, deferring",
				zap.String("campaign_id", dueCampaign.ID),
				zap.String("next_open_day", nextOpen.DayName),
				zap.Time("next_open_start", nextOpen.Start),
			)
		}

		return
	}

	providerCfg, err := worker.Workspace.ResolveProviderConfig(ctx, dueCampaign.TenantID)
	if err != nil {
		logging.Logger.Error("[activate] Failed to resolve provider config",
			zap.String("campaign_id", dueCampaign.ID),
			zap.String("tenant_id", dueCampaign.TenantID),
			zap.String("error", err.Error()),
		)

		return
	}

	transitioned, err := worker.Campaigns.TransitionStatus(
		ctx, dueCampaign.ID, campaign.StatusScheduled, campaign.StatusActive,
	)
	if err != nil {
		return
	}

	// Another scheduler instance won the transition.
	if !transitioned {
		return
	}

	logging.Logger.Info("[activate] Campaign activated",
		zap.String("campaign_id", dueCampaign.ID),
		zap.String("tenant_id", dueCampaign.TenantID),
	)

	if worker.Events != nil {
		err = worker.Events.PublishCampaignEvent(
			ctx, dispatch.EventCampaignActivated, dueCampaign.ID, dueCampaign.TenantID,
		)
		if err != nil {
			logging.Logger.Warn("[activate] Failed to publish campaign event",
				zap.String("campaign_id", dueCampaign.ID),
				zap.String("error", err.Error()),
			)
		}
	}

	result, err := worker.Dispatcher.Seed(ctx, dueCampaign.ID, dueCampaign.TenantID, providerCfg)
	if err != nil {
		logging.Logger.Error("[activate] Seed dispatch failed",
			zap.String("campaign_id", dueCampaign.ID),
			zap.String("error", err.Error()),
		)

		return
	}

	logging.Logger.Info("[activate] Seed dispatch finished",
		zap.String("campaign_id", dueCampaign.ID),
		zap.Int("started", result.Started),
		zap.Int("failed", result.Failed),
		zap.Int64("remaining", result.Remaining),
	)
}

func (worker *Worker) Release() {
	worker.WorkerPool.Release()
}
