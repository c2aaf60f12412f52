package dispatch

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/cooldown"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/template"
	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

// Campaign lifecycle event types emitted on the event publisher.
const (
	EventCampaignActivated = "campaign.activated"
	EventCampaignCompleted = "campaign.completed"
	EventCooldownEntered   = "campaign.cooldown_entered"
)

// How many pending candidates a single Replace invocation will walk through
// claim conflicts and permanent failures before giving up on starting a call.
const replaceCandidateLimit = 5

// Result is returned to the caller of every Seed/Replace invocation. No error
// is swallowed without being reflected here or in the recipient's last_error.
type Result struct {
	Started           int           `json:"started"`
	Failed            int           `json:"failed"`
	Remaining         int64         `json:"remaining"`
	Errors            []string      `json:"errors,omitempty"`
	ConcurrencyHit    bool          `json:"concurrency_hit"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
}

type startOutcome int

const (
	outcomeStoreFailure startOutcome = iota
	outcomeStarted
	outcomeClaimConflict
	outcomeTransient
	outcomePermanent
)

// Dispatcher orchestrates claim -> call provider -> status update. It holds
// no in-process lock: correctness under concurrent triggers comes entirely
// from the conditional claim update at the data layer.
type Dispatcher struct {
	Campaigns  CampaignStore
	Recipients RecipientStore
	Provider   provider.Caller
	Cooldown   cooldown.Store
	Accountant *Accountant
	Events     EventPublisher

	SeedBatchSize     int
	SeedStartDelay    time.Duration
	ReplaceMaxRetries uint
	RetryMinBackoff   time.Duration
	RetryMaxBackoff   time.Duration
	CooldownDuration  time.Duration
}

func NewDispatcher(
	campaigns CampaignStore,
	recipients RecipientStore,
	caller provider.Caller,
	cooldownStore cooldown.Store,
	events EventPublisher,
) *Dispatcher {
	return &Dispatcher{
		Campaigns:         campaigns,
		Recipients:        recipients,
		Provider:          caller,
		Cooldown:          cooldownStore,
		Accountant:        NewAccountant(recipients),
		Events:            events,
		SeedBatchSize:     config.Conf.SeedBatchSize,
		SeedStartDelay:    time.Duration(config.Conf.SeedStartDelayMs) * time.Millisecond,
		ReplaceMaxRetries: uint(config.Conf.ReplaceMaxRetries),
		RetryMinBackoff:   time.Duration(config.Conf.RetryMinBackoff) * time.Second,
		RetryMaxBackoff:   time.Duration(config.Conf.RetryMaxBackoff) * time.Second,
		CooldownDuration:  time.Duration(config.Conf.CooldownSeconds) * time.Second,
	}
}

// Seed starts the initial batch of calls when a campaign becomes active. It
// computes the available concurrency slots and starts up to
// min(seedBatchSize, availableSlots) of the oldest pending recipients
// sequentially, with a small delay between starts to avoid bursting the
// provider. Seed never retries a recipient; a transient failure reverts the
// row and moves on.
func (dispatcher *Dispatcher) Seed(
	ctx context.Context,
	campaignID, tenantID string,
	providerCfg *provider.Config,
) (*Result, error) {
	result := &Result{}

	active, err := dispatcher.campaignActive(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if !active {
		return result, nil
	}

	slots, err := dispatcher.Accountant.AvailableSlots(ctx, campaignID, tenantID)
	if err != nil {
		return nil, err
	}

	if slots == 0 {
		result.ConcurrencyHit = true
		result.Remaining, err = dispatcher.Recipients.CountByStatus(ctx, campaignID, recipient.StatusPending)

		if err != nil {
			return nil, err
		}

		logging.Logger.Info("No free concurrency slots, seed returns immediately",
			zap.String("campaign_id", campaignID),
			zap.Int64("remaining", result.Remaining),
		)

		return result, nil
	}

	batchSize := min(dispatcher.SeedBatchSize, slots)

	candidates, err := dispatcher.Recipients.NextPending(ctx, campaignID, batchSize)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		err = dispatcher.maybeComplete(ctx, campaignID, tenantID)
		if err != nil {
			return nil, err
		}

		return result, nil
	}

	for idx := range candidates {
		if idx > 0 {
			time.Sleep(dispatcher.SeedStartDelay)
		}

		// Re-check the campaign before each unit of work; pause/cancel
		// must be observed between starts.
		stillActive, err := dispatcher.campaignActive(ctx, campaignID)
		if err != nil {
			return result, err
		}

		if !stillActive {
			logging.Logger.Info("Campaign no longer active, aborting seed batch",
				zap.String("campaign_id", campaignID),
				zap.Int("started_so_far", result.Started),
			)

			break
		}

		outcome, startErr := dispatcher.startRecipient(ctx, &candidates[idx], providerCfg, false)
		if outcome == outcomeStoreFailure {
			return result, startErr
		}

		switch outcome {
		case outcomeStarted:
			result.Started++

			prometheusDialer.CallsStarted.WithLabelValues("seed").Inc()
		case outcomeClaimConflict:
			prometheusDialer.ClaimConflicts.Inc()
		case outcomeTransient:
			result.Errors = append(result.Errors, startErr.Error())
		case outcomePermanent:
			result.Failed++
			result.Errors = append(result.Errors, startErr.Error())
		}
	}

	result.Remaining, err = dispatcher.Recipients.CountByStatus(ctx, campaignID, recipient.StatusPending)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Replace starts exactly one call in response to a call-termination event.
// It never consults the accountant: one call ended, therefore one slot is
// free. It honors the cooldown window, retries transient failures within the
// budget, and enters cooldown when the budget is exhausted.
func (dispatcher *Dispatcher) Replace(
	ctx context.Context,
	campaignID, tenantID string,
	providerCfg *provider.Config,
) (*Result, error) {
	result := &Result{}

	inCooldown, remaining, err := dispatcher.Cooldown.IsActive(ctx, campaignID)
	if err != nil {
		// Cooldown is a soft optimization; a broken store must not stop
		// replacement dispatch.
		logging.Logger.Warn("Cooldown store unavailable, proceeding without it",
			zap.String("campaign_id", campaignID),
			zap.String("error", err.Error()),
		)
	}

	if inCooldown {
		result.ConcurrencyHit = true
		result.CooldownRemaining = remaining

		logging.Logger.Info("Replacement suppressed by cooldown",
			zap.String("campaign_id", campaignID),
			zap.Duration("remaining", remaining),
		)

		return result, nil
	}

	active, err := dispatcher.campaignActive(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if !active {
		return result, nil
	}

	candidates, err := dispatcher.Recipients.NextPending(ctx, campaignID, replaceCandidateLimit)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		err = dispatcher.maybeComplete(ctx, campaignID, tenantID)
		if err != nil {
			return nil, err
		}

		return result, nil
	}

	for idx := range candidates {
		stillActive, err := dispatcher.campaignActive(ctx, campaignID)
		if err != nil {
			return result, err
		}

		if !stillActive {
			break
		}

		outcome, startErr := dispatcher.startRecipient(ctx, &candidates[idx], providerCfg, true)
		if outcome == outcomeStoreFailure {
			return result, startErr
		}

		if outcome == outcomeStarted {
			result.Started++

			prometheusDialer.CallsStarted.WithLabelValues("replace").Inc()

			break
		}

		if outcome == outcomeClaimConflict {
			prometheusDialer.ClaimConflicts.Inc()
			continue
		}

		if outcome == outcomePermanent {
			result.Failed++
			result.Errors = append(result.Errors, startErr.Error())

			continue
		}

		// Transient with the retry budget exhausted: enter cooldown and
		// stop; the recipient is already back in the queue.
		result.ConcurrencyHit = true
		result.Errors = append(result.Errors, startErr.Error())

		dispatcher.enterCooldown(ctx, campaignID, tenantID)

		break
	}

	result.Remaining, err = dispatcher.Recipients.CountByStatus(ctx, campaignID, recipient.StatusPending)
	if err != nil {
		return nil, err
	}

	return result, nil
}

// startRecipient runs the claim-and-start sequence for one recipient.
// Datastore failures are returned with their outcome left at the default so
// callers treat them as hard errors; transient/permanent outcomes carry the
// provider error.
func (dispatcher *Dispatcher) startRecipient(
	ctx context.Context,
	r *recipient.Recipient,
	providerCfg *provider.Config,
	withRetry bool,
) (startOutcome, error) {
	claimed, err := dispatcher.Recipients.Claim(ctx, r.ID)
	if err != nil {
		return outcomeStoreFailure, err
	}

	if !claimed {
		// Another concurrent dispatch attempt won the conditional update.
		logging.Logger.Debug("Recipient already claimed, skipping",
			zap.String("recipient_id", r.ID),
			zap.String("campaign_id", r.CampaignID),
		)

		return outcomeClaimConflict, nil
	}

	promptOverride := dispatcher.renderPrompt(providerCfg, r)

	callID, callErr := dispatcher.createCall(ctx, r, providerCfg, promptOverride, withRetry)
	if callErr == nil {
		err = dispatcher.Recipients.MarkCalling(ctx, r.ID, callID)
		if err != nil {
			return outcomeStoreFailure, err
		}

		clearErr := dispatcher.Cooldown.Clear(ctx, r.CampaignID)
		if clearErr != nil {
			logging.Logger.Warn("Failed to clear cooldown after successful start",
				zap.String("campaign_id", r.CampaignID),
				zap.String("error", clearErr.Error()),
			)
		}

		logging.Logger.Info("Outbound call started",
			zap.String("campaign_id", r.CampaignID),
			zap.String("recipient_id", r.ID),
			zap.String("external_call_id", callID),
		)

		return outcomeStarted, nil
	}

	category := provider.Classify(callErr.Error())

	if category == provider.Transient {
		err = dispatcher.Recipients.Revert(ctx, r.ID, callErr.Error())
		if err != nil {
			return outcomeStoreFailure, err
		}

		logging.Logger.Warn("Transient provider failure, recipient reverted to pending",
			zap.String("campaign_id", r.CampaignID),
			zap.String("recipient_id", r.ID),
			zap.String("error", callErr.Error()),
		)

		prometheusDialer.CallFailures.WithLabelValues("transient").Inc()

		return outcomeTransient, callErr
	}

	err = dispatcher.Recipients.MarkFailed(ctx, r.ID, callErr.Error())
	if err != nil {
		return outcomeStoreFailure, err
	}

	err = dispatcher.Campaigns.IncrementCounters(ctx, r.CampaignID, map[string]int{
		campaign.CounterFailed:  1,
		campaign.CounterPending: -1,
	})
	if err != nil {
		return outcomeStoreFailure, err
	}

	logging.Logger.Warn("Permanent provider failure, recipient failed",
		zap.String("campaign_id", r.CampaignID),
		zap.String("recipient_id", r.ID),
		zap.String("error", callErr.Error()),
	)

	prometheusDialer.CallFailures.WithLabelValues("permanent").Inc()

	return outcomePermanent, callErr
}

func (dispatcher *Dispatcher) createCall(
	ctx context.Context,
	r *recipient.Recipient,
	providerCfg *provider.Config,
	promptOverride string,
	withRetry bool,
) (string, error) {
	req := &provider.CallRequest{
		DestinationNumber: r.PhoneNumber,
		DestinationName:   r.FirstName,
		PromptOverride:    promptOverride,
	}

	if !withRetry {
		return dispatcher.Provider.CreateOutboundCall(ctx, providerCfg, req)
	}

	var callID string

	err := retry.Do(
		func() error {
			var err error

			callID, err = dispatcher.Provider.CreateOutboundCall(ctx, providerCfg, req)

			return err
		},
		retry.Attempts(dispatcher.ReplaceMaxRetries),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(dispatcher.RetryMinBackoff),
		retry.MaxDelay(dispatcher.RetryMaxBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return provider.Classify(err.Error()) == provider.Transient
		}),
	)

	return callID, err
}

func (dispatcher *Dispatcher) renderPrompt(providerCfg *provider.Config, r *recipient.Recipient) string {
	if providerCfg.PromptTemplate == "" {
		return ""
	}

	rendered, unresolved := template.Render(providerCfg.PromptTemplate, r)
	if len(unresolved) > 0 {
		logging.Logger.Warn("Prompt template has unresolved placeholders",
			zap.String("recipient_id", r.ID),
			zap.Strings("placeholders", unresolved),
		)
	}

	return rendered
}

// campaignActive reports whether dispatch may proceed for the campaign.
func (dispatcher *Dispatcher) campaignActive(ctx context.Context, campaignID string) (bool, error) {
	c, err := dispatcher.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return false, err
	}

	if c.Status != campaign.StatusActive {
		logging.Logger.Debug("Campaign not active, dispatch skipped",
			zap.String("campaign_id", campaignID),
			zap.String("status", c.Status),
		)

		return false, nil
	}

	return true, nil
}

// maybeComplete transitions an active campaign to completed once no
// recipients remain pending or in flight.
func (dispatcher *Dispatcher) maybeComplete(ctx context.Context, campaignID, tenantID string) error {
	pending, err := dispatcher.Recipients.CountByStatus(ctx, campaignID, recipient.StatusPending)
	if err != nil {
		return err
	}

	if pending > 0 {
		return nil
	}

	calling, err := dispatcher.Recipients.CountByStatus(ctx, campaignID, recipient.StatusCalling)
	if err != nil {
		return err
	}

	if calling > 0 {
		return nil
	}

	transitioned, err := dispatcher.Campaigns.TransitionStatus(
		ctx, campaignID, campaign.StatusActive, campaign.StatusCompleted,
	)
	if err != nil {
		return err
	}

	if !transitioned {
		return nil
	}

	logging.Logger.Info("Campaign completed", zap.String("campaign_id", campaignID))
	prometheusDialer.CampaignsCompleted.Inc()

	dispatcher.publishEvent(ctx, EventCampaignCompleted, campaignID, tenantID)

	return nil
}

func (dispatcher *Dispatcher) enterCooldown(ctx context.Context, campaignID, tenantID string) {
	err := dispatcher.Cooldown.Enter(ctx, campaignID, dispatcher.CooldownDuration)
	if err != nil {
		logging.Logger.Error("Failed to enter cooldown",
			zap.String("campaign_id", campaignID),
			zap.String("error", err.Error()),
		)

		return
	}

	logging.Logger.Warn("Campaign entered cooldown",
		zap.String("campaign_id", campaignID),
		zap.Duration("duration", dispatcher.CooldownDuration),
	)

	prometheusDialer.CooldownActivations.Inc()

	dispatcher.publishEvent(ctx, EventCooldownEntered, campaignID, tenantID)
}

func (dispatcher *Dispatcher) publishEvent(ctx context.Context, eventType, campaignID, tenantID string) {
	if dispatcher.Events == nil {
		return
	}

	err := dispatcher.Events.PublishCampaignEvent(ctx, eventType, campaignID, tenantID)
	if err != nil {
		logging.Logger.Error("Failed to publish campaign event",
			zap.String("event_type", eventType),
			zap.String("campaign_id", campaignID),
			zap.String("error", err.Error()),
		)
	}
}
