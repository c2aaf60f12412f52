package dialer

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/events"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	prometheusDialer "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/prometheus"
	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CallEndedHandler handles provider call termination events
func (app *Dialer) CallEndedHandler(ctx context.Context, msg *sarama.ConsumerMessage) {
	err := app.WorkerPool.Submit(func() {
		app.processCallEnded(ctx, msg)
	})
	if err != nil {
		logging.Logger.Error("failed to submit job to ants pool", zap.String("error", err.Error()))
	}
}

func (app *Dialer) processCallEnded(ctx context.Context, msg *sarama.ConsumerMessage) {
	timer := prometheus.NewTimer(
		prometheusDialer.DispatchDuration.WithLabelValues("replace"),
	)

	defer func() {
		duration := timer.ObserveDuration()
		logging.Logger.Debug("Process call ended duration",
			zap.Duration("duration", duration),
		)
	}()

	defer app.handlePanic()

	var message events.CallEndedMessage

	err := json.Unmarshal(msg.Value, &message)
	if err != nil {
		logging.Logger.Error("failed to unmarshal call ended message",
			zap.String("error", err.Error()),
			zap.ByteString("msg_value", msg.Value),
		)

		return
	}

	if message.CallID == "" || message.CampaignID == "" {
		logging.Logger.Warn("call ended message missing identifiers",
			zap.ByteString("msg_value", msg.Value),
		)

		return
	}

	app.finalizeEndedCall(ctx, &message)
	app.replaceCall(ctx, &message)
}

// finalizeEndedCall settles the recipient whose call just ended and updates
// the campaign aggregates. The conditional transition inside the repository
// makes redelivered messages a no-op.
func (app *Dialer) finalizeEndedCall(ctx context.Context, message *events.CallEndedMessage) {
	settled, finalized, err := app.RecipientRepository.FinalizeByExternalCallID(
		ctx, message.CallID, message.Succeeded, message.Error,
	)
	if err != nil {
		logging.Logger.Error("failed to finalize ended call",
			zap.String("external_call_id", message.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	if settled == nil {
		logging.Logger.Warn("no recipient found for ended call",
			zap.String("external_call_id", message.CallID),
		)

		return
	}

	if !finalized {
		logging.Logger.Debug("ended call already finalized",
			zap.String("external_call_id", message.CallID),
			zap.String("recipient_id", settled.ID),
		)

		return
	}

	deltas := map[string]int{
		campaign.CounterCompleted: 1,
		campaign.CounterPending:   -1,
	}
	if message.Succeeded {
		deltas[campaign.CounterSuccessful] = 1
	} else {
		deltas[campaign.CounterFailed] = 1
	}

	err = app.CampaignRepository.IncrementCounters(ctx, settled.CampaignID, deltas)
	if err != nil {
		logging.Logger.Error("failed to update campaign counters",
			zap.String("campaign_id", settled.CampaignID),
			zap.String("error", err.Error()),
		)
	}
}

// replaceCall starts the 1-for-1 replacement dispatch for the freed slot.
func (app *Dialer) replaceCall(ctx context.Context, message *events.CallEndedMessage) {
	providerCfg, err := app.IntegrationRepository.ResolveProviderConfig(ctx, message.TenantID)
	if err != nil {
		logging.Logger.Error("failed to resolve provider config for replacement",
			zap.String("campaign_id", message.CampaignID),
			zap.String("tenant_id", message.TenantID),
			zap.String("error", err.Error()),
		)

		return
	}

	result, err := app.Dispatcher.Replace(ctx, message.CampaignID, message.TenantID, providerCfg)
	if err != nil {
		logging.Logger.Error("replacement dispatch failed",
			zap.String("campaign_id", message.CampaignID),
			zap.String("error", err.Error()),
		)

		return
	}

	logging.Logger.Info("replacement dispatch finished",
		zap.String("campaign_id", message.CampaignID),
		zap.Int("started", result.Started),
		zap.Int("failed", result.Failed),
		zap.Bool("concurrency_hit", result.ConcurrencyHit),
		zap.Duration("cooldown_remaining", result.CooldownRemaining),
	)
}

func (app *Dialer) handlePanic() {
	if r := recover(); r != nil {
		logging.Logger.Error("panic in call ended worker",
			zap.Any("recover", r),
		)
	}
}
