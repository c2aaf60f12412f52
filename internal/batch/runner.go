package batch

import (
	"context"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/dispatch"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/schedule"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/template"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CampaignStore is the slice of the campaign repository the runner depends on.
type CampaignStore interface {
	GetByID(ctx context.Context, campaignID string) (*campaign.Campaign, error)
	TransitionStatus(ctx context.Context, campaignID, fromStatus, toStatus string) (bool, error)
	IncrementCounters(ctx context.Context, campaignID string, deltas map[string]int) error
}

// RecipientStore covers queue paging, claiming and bulk outcome persistence.
type RecipientStore interface {
	Claim(ctx context.Context, recipientID string) (bool, error)
	NextPending(ctx context.Context, campaignID string, limit int) ([]recipient.Recipient, error)
	ApplyOutcomes(ctx context.Context, outcomes []recipient.Outcome) error
	CountByStatus(ctx context.Context, campaignID, status string) (int64, error)
}

// Progress is reported to the caller after every persisted chunk.
type Progress struct {
	Processed          int
	Successful         int
	Failed             int
	Total              int64
	PercentComplete    float64
	EstimatedRemaining time.Duration
}

type ProgressFunc func(progress Progress)

// Result summarizes a single Run invocation. NextChunk is a resumption
// marker: when the time budget expires before the queue drains, the caller
// passes it back to continue the traversal.
type Result struct {
	Processed  int
	Successful int
	Failed     int
	NextChunk  int
	Completed  bool
	Paused     bool
	NextOpen   *schedule.OpenWindow
	Errors     []string
}

// Runner pages through pending recipients in chunks and fires
// controlled-concurrency waves of outbound calls. Unlike the dispatcher it
// does not depend on termination webhooks to replenish capacity; it is meant
// for large imports and for environments without reliable webhook delivery.
type Runner struct {
	Campaigns  CampaignStore
	Recipients RecipientStore
	Provider   provider.Caller
	Events     dispatch.EventPublisher

	ChunkSize        int
	ConcurrencyLimit int
	WaveDelay        time.Duration
	TimeBudget       time.Duration
}

func NewRunner(
	campaigns CampaignStore,
	recipients RecipientStore,
	providerClient provider.Caller,
	events dispatch.EventPublisher,
) *Runner {
	return &Runner{
		Campaigns:        campaigns,
		Recipients:       recipients,
		Provider:         providerClient,
		Events:           events,
		ChunkSize:        config.Conf.BatchChunkSize,
		ConcurrencyLimit: config.Conf.BatchConcurrencyLimit,
		WaveDelay:        time.Duration(config.Conf.BatchWaveDelayMs) * time.Millisecond,
		TimeBudget:       time.Duration(config.Conf.BatchTimeBudget) * time.Second,
	}
}

// Run drives the campaign from startChunk until the queue drains, the
// campaign leaves active, the schedule closes, or the time budget expires.
func (runner *Runner) Run(
	ctx context.Context,
	campaignID, tenantID string,
	providerCfg *provider.Config,
	startChunk int,
	onProgress ProgressFunc,
) (*Result, error) {
	result := &Result{NextChunk: startChunk}
	startedAt := time.Now()

	total, err := runner.Recipients.CountByStatus(ctx, campaignID, recipient.StatusPending)
	if err != nil {
		return result, err
	}

	for {
		if runner.TimeBudget > 0 && time.Since(startedAt) >= runner.TimeBudget {
			logging.Logger.Info("[Run] Batch time budget exhausted, yielding",
				zap.String("campaign_id", campaignID),
				zap.Int("next_chunk", result.NextChunk),
			)

			return result, nil
		}

		currentCampaign, err := runner.Campaigns.GetByID(ctx, campaignID)
		if err != nil {
			return result, err
		}

		if currentCampaign == nil || currentCampaign.Status != campaign.StatusActive {
			return result, nil
		}

		hours, parseErr := schedule.ParseBusinessHours(currentCampaign.BusinessHours)
		if parseErr != nil {
			logging.Logger.Warn("[Run] Invalid business hours config, treating as open",
				zap.String("campaign_id", campaignID),
				zap.String("error", parseErr.Error()),
			)
		}

		if !schedule.IsOpen(hours, currentCampaign.Timezone) {
			result.Paused = true
			result.NextOpen = schedule.NextOpenWindow(hours, currentCampaign.Timezone)

			return result, nil
		}

		chunk, err := runner.Recipients.NextPending(ctx, campaignID, runner.ChunkSize)
		if err != nil {
			return result, err
		}

		if len(chunk) == 0 {
			completed, err := runner.complete(ctx, campaignID, tenantID)
			if err != nil {
				return result, err
			}

			result.Completed = completed

			return result, nil
		}

		chunkResult, err := runner.processChunk(ctx, chunk, providerCfg)
		if err != nil {
			return result, err
		}

		result.Processed += chunkResult.processed
		result.Successful += chunkResult.successful
		result.Failed += chunkResult.failed
		result.Errors = append(result.Errors, chunkResult.errors...)
		result.NextChunk++

		prometheusDialer.BatchChunksProcessed.Inc()

		if onProgress != nil {
			onProgress(buildProgress(result, total, startedAt))
		}
	}
}

type chunkResult struct {
	processed  int
	successful int
	failed     int
	errors     []string
}

// processChunk starts calls for one chunk in waves of ConcurrencyLimit
// recipients. Claiming stays per-row and atomic; only the resulting terminal
// states are persisted in bulk.
func (runner *Runner) processChunk(
	ctx context.Context,
	chunk []recipient.Recipient,
	providerCfg *provider.Config,
) (*chunkResult, error) {
	var (
		mutex    sync.Mutex
		outcomes []recipient.Outcome
		result   chunkResult
	)

	for waveStart := 0; waveStart < len(chunk); waveStart += runner.ConcurrencyLimit {
		waveEnd := min(waveStart+runner.ConcurrencyLimit, len(chunk))

		group, groupCtx := errgroup.WithContext(ctx)

		for idx := waveStart; idx < waveEnd; idx++ {
			r := chunk[idx]

			group.Go(func() error {
				outcome, claimed, err := runner.startRecipient(groupCtx, &r, providerCfg)
				if err != nil {
					return err
				}

				if !claimed {
					return nil
				}

				mutex.Lock()
				defer mutex.Unlock()

				outcomes = append(outcomes, outcome)
				result.processed++

				switch outcome.Status {
				case recipient.StatusCalling:
					result.successful++
				case recipient.StatusFailed:
					result.failed++
					result.errors = append(result.errors, outcome.LastError)
				}

				return nil
			})
		}

		err := group.Wait()
		if err != nil {
			return nil, err
		}

		if waveEnd < len(chunk) && runner.WaveDelay > 0 {
			time.Sleep(runner.WaveDelay)
		}
	}

	err := runner.Recipients.ApplyOutcomes(ctx, outcomes)
	if err != nil {
		return nil, err
	}

	if result.failed > 0 {
		err = runner.Campaigns.IncrementCounters(ctx, chunk[0].CampaignID, map[string]int{
			campaign.CounterFailed:  result.failed,
			campaign.CounterPending: -result.failed,
		})
		if err != nil {
			return nil, err
		}
	}

	return &result, nil
}

// startRecipient claims one recipient and attempts the outbound call,
// returning the outcome to persist. A lost claim returns claimed=false and no
// outcome. Transient provider failures put the row back to pending so a later
// chunk retries it; the runner never enters cooldown because its pacing comes
// from wave delays rather than webhook replenishment.
func (runner *Runner) startRecipient(
	ctx context.Context,
	r *recipient.Recipient,
	providerCfg *provider.Config,
) (recipient.Outcome, bool, error) {
	claimed, err := runner.Recipients.Claim(ctx, r.ID)
	if err != nil {
		return recipient.Outcome{}, false, err
	}

	if !claimed {
		prometheusDialer.ClaimConflicts.Inc()

		return recipient.Outcome{}, false, nil
	}

	promptOverride := ""
	if providerCfg.PromptTemplate != "" {
		rendered, unresolved := template.Render(providerCfg.PromptTemplate, r)
		promptOverride = rendered

		if len(unresolved) > 0 {
			logging.Logger.Warn("[startRecipient] Unresolved prompt placeholders",
				zap.String("recipient_id", r.ID),
				zap.Strings("placeholders", unresolved),
			)
		}
	}

	callID, callErr := runner.Provider.CreateOutboundCall(ctx, providerCfg, &provider.CallRequest{
		DestinationNumber: r.PhoneNumber,
		DestinationName:   r.FirstName,
		PromptOverride:    promptOverride,
	})
	if callErr == nil {
		prometheusDialer.CallsStarted.WithLabelValues("batch").Inc()

		return recipient.Outcome{
			RecipientID:    r.ID,
			Status:         recipient.StatusCalling,
			ExternalCallID: callID,
		}, true, nil
	}

	category := provider.Classify(callErr.Error())
	if category == provider.Transient {
		prometheusDialer.CallFailures.WithLabelValues("transient").Inc()

		return recipient.Outcome{
			RecipientID: r.ID,
			Status:      recipient.StatusPending,
			LastError:   callErr.Error(),
		}, true, nil
	}

	prometheusDialer.CallFailures.WithLabelValues("permanent").Inc()

	return recipient.Outcome{
		RecipientID: r.ID,
		Status:      recipient.StatusFailed,
		LastError:   callErr.Error(),
	}, true, nil
}

func (runner *Runner) complete(ctx context.Context, campaignID, tenantID string) (bool, error) {
	calling, err := runner.Recipients.CountByStatus(ctx, campaignID, recipient.StatusCalling)
	if err != nil {
		return false, err
	}

	if calling > 0 {
		return false, nil
	}

	transitioned, err := runner.Campaigns.TransitionStatus(
		ctx, campaignID, campaign.StatusActive, campaign.StatusCompleted,
	)
	if err != nil {
		return false, err
	}

	if !transitioned {
		return false, nil
	}

	prometheusDialer.CampaignsCompleted.Inc()

	if runner.Events != nil {
		err = runner.Events.PublishCampaignEvent(ctx, dispatch.EventCampaignCompleted, campaignID, tenantID)
		if err != nil {
			logging.Logger.Warn("[complete] Failed to publish campaign event",
				zap.String("campaign_id", campaignID),
				zap.String("error", err.Error()),
			)
		}
	}

	logging.Logger.Info("[complete] Campaign completed",
		zap.String("campaign_id", campaignID),
	)

	return true, nil
}

func buildProgress(result *Result, total int64, startedAt time.Time) Progress {
	progress := Progress{
		Processed:  result.Processed,
		Successful: result.Successful,
		Failed:     result.Failed,
		Total:      total,
	}

	if total > 0 {
		progress.PercentComplete = float64(result.Processed) / float64(total) * 100
	}

	if result.Processed > 0 && int64(result.Processed) < total {
		perRecipient := time.Since(startedAt) / time.Duration(result.Processed)
		progress.EstimatedRemaining = perRecipient * time.Duration(total-int64(result.Processed))
	}

	return progress
}
