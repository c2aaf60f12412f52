package recipient

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidRecipientSliceResult = errors.New("invalid result type, it should be slice of Recipient")
	ErrInvalidBoolResult           = errors.New("invalid result type, it should be bool")
	ErrInvalidCountResult          = errors.New("invalid result type, it should be int64")
	ErrInvalidFinalizeResult       = errors.New("invalid result type, it should be finalizeResult")
)

type RecipientRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *RecipientRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &RecipientRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Claim attempts to take exclusive ownership of a pending recipient. The
// conditional update only succeeds when the row is still exactly `pending`,
// which is the sole concurrency-control primitive of the dispatch path: when
// two triggers race on the same recipient, the database lets one win.
// Returns false when another dispatch attempt already claimed the row.
func (recipientRepository *RecipientRepository) Claim(ctx context.Context, recipientID string) (bool, error) {
	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()

		tx := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("id = ? AND status = ?", recipientID, StatusPending).
			Updates(map[string]any{
				"status":          StatusProcessing,
				"last_attempt_at": &now,
			})
		if tx.Error != nil {
			logging.Logger.Error("[Claim] Failed to claim recipient",
				zap.String("recipient_id", recipientID),
				zap.String("error", tx.Error.Error()),
			)

			return nil, tx.Error
		}

		return tx.RowsAffected > 0, nil
	})
	if err != nil {
		return false, err
	}

	claimed, ok := result.(bool)
	if !ok {
		return false, ErrInvalidBoolResult
	}

	return claimed, nil
}

// NextPending returns up to limit pending recipients in FIFO creation order.
func (recipientRepository *RecipientRepository) NextPending(
	ctx context.Context,
	campaignID string,
	limit int,
) ([]Recipient, error) {
	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		var recipients []Recipient

		err := recipientRepository.DBConn.WithContext(ctx).
			Where("campaign_id = ? AND status = ?", campaignID, StatusPending).
			Order("created_at ASC").
			Limit(limit).
			Find(&recipients).Error
		if err != nil {
			logging.Logger.Error("[NextPending] Failed to fetch pending recipients",
				zap.String("campaign_id", campaignID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return recipients, nil
	})
	if err != nil {
		return nil, err
	}

	recipients, ok := result.([]Recipient)
	if !ok {
		return nil, ErrInvalidRecipientSliceResult
	}

	return recipients, nil
}

// MarkCalling records a successfully started call on a claimed recipient.
func (recipientRepository *RecipientRepository) MarkCalling(
	ctx context.Context,
	recipientID, externalCallID string,
) error {
	_, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()

		err := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("id = ?", recipientID).
			Updates(map[string]any{
				"status":           StatusCalling,
				"external_call_id": externalCallID,
				"call_started_at":  &now,
				"attempts":         gorm.Expr("attempts + 1"),
			}).Error
		if err != nil {
			logging.Logger.Error("[MarkCalling] Failed to mark recipient calling",
				zap.String("recipient_id", recipientID),
				zap.String("external_call_id", externalCallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

// MarkFailed records a terminal provider failure.
func (recipientRepository *RecipientRepository) MarkFailed(
	ctx context.Context,
	recipientID, lastError string,
) error {
	_, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		err := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("id = ?", recipientID).
			Updates(map[string]any{
				"status":     StatusFailed,
				"last_error": lastError,
				"attempts":   gorm.Expr("attempts + 1"),
			}).Error
		if err != nil {
			logging.Logger.Error("[MarkFailed] Failed to mark recipient failed",
				zap.String("recipient_id", recipientID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

// FailAbandonedCall fails a calling recipient whose termination event never
// arrived. Conditional on `calling` so a late event that settled the row in
// the meantime wins; returns whether this invocation performed the
// transition, and callers must only touch campaign counters when it did.
func (recipientRepository *RecipientRepository) FailAbandonedCall(
	ctx context.Context,
	recipientID, lastError string,
) (bool, error) {
	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("id = ? AND status = ?", recipientID, StatusCalling).
			Updates(map[string]any{
				"status":     StatusFailed,
				"last_error": lastError,
			})
		if tx.Error != nil {
			logging.Logger.Error("[FailAbandonedCall] Failed to fail abandoned call",
				zap.String("recipient_id", recipientID),
				zap.String("error", tx.Error.Error()),
			)

			return nil, tx.Error
		}

		return tx.RowsAffected > 0, nil
	})
	if err != nil {
		return false, err
	}

	failed, ok := result.(bool)
	if !ok {
		return false, ErrInvalidBoolResult
	}

	return failed, nil
}

// Revert puts a claimed recipient back in the queue after a transient
// failure. Conditional on `processing` so it never clobbers a row another
// code path already moved on.
func (recipientRepository *RecipientRepository) Revert(
	ctx context.Context,
	recipientID, lastError string,
) error {
	_, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		err := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("id = ? AND status = ?", recipientID, StatusProcessing).
			Updates(map[string]any{
				"status":     StatusPending,
				"last_error": lastError,
			}).Error
		if err != nil {
			logging.Logger.Error("[Revert] Failed to revert recipient to pending",
				zap.String("recipient_id", recipientID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

// CountActiveCalling counts calls considered in flight for a campaign. Rows
// whose call started before staleBefore are excluded, so a missed termination
// webhook cannot permanently occupy a slot.
func (recipientRepository *RecipientRepository) CountActiveCalling(
	ctx context.Context,
	campaignID string,
	staleBefore time.Time,
) (int64, error) {
	return recipientRepository.countCalling(ctx, "campaign_id = ?", campaignID, staleBefore)
}

// CountActiveCallingByTenant counts in-flight calls across all campaigns of a tenant.
func (recipientRepository *RecipientRepository) CountActiveCallingByTenant(
	ctx context.Context,
	tenantID string,
	staleBefore time.Time,
) (int64, error) {
	return recipientRepository.countCalling(ctx, "tenant_id = ?", tenantID, staleBefore)
}

func (recipientRepository *RecipientRepository) countCalling(
	ctx context.Context,
	scopeCondition, scopeID string,
	staleBefore time.Time,
) (int64, error) {
	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		var count int64

		err := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where(scopeCondition, scopeID).
			Where("status = ? AND call_started_at > ?", StatusCalling, staleBefore).
			Count(&count).Error
		if err != nil {
			logging.Logger.Error("[countCalling] Failed to count active calls",
				zap.String("scope_id", scopeID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return count, nil
	})
	if err != nil {
		return 0, err
	}

	count, ok := result.(int64)
	if !ok {
		return 0, ErrInvalidCountResult
	}

	return count, nil
}

// CountByStatus counts recipients of a campaign in the given status.
func (recipientRepository *RecipientRepository) CountByStatus(
	ctx context.Context,
	campaignID, status string,
) (int64, error) {
	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		var count int64

		err := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("campaign_id = ? AND status = ?", campaignID, status).
			Count(&count).Error
		if err != nil {
			logging.Logger.Error("[CountByStatus] Failed to count recipients",
				zap.String("campaign_id", campaignID),
				zap.String("status", status),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return count, nil
	})
	if err != nil {
		return 0, err
	}

	count, ok := result.(int64)
	if !ok {
		return 0, ErrInvalidCountResult
	}

	return count, nil
}

// BulkImport inserts recipients as pending, assigning ids where missing.
// This is the only way new work enters the queue, so the campaign pending
// counter is raised in the same transaction as the insert.
func (recipientRepository *RecipientRepository) BulkImport(
	ctx context.Context,
	recipients []Recipient,
) (int, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	importedPerCampaign := make(map[string]int)

	for i := range recipients {
		if recipients[i].ID == "" {
			recipients[i].ID = uuid.NewString()
		}

		recipients[i].Status = StatusPending
		importedPerCampaign[recipients[i].CampaignID]++
	}

	_, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		err := recipientRepository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Create(&recipients).Error
			if err != nil {
				return err
			}

			for campaignID, imported := range importedPerCampaign {
				err := tx.Model(&campaign.Campaign{}).
					Where("id = ?", campaignID).
					Update(campaign.CounterPending, gorm.Expr(campaign.CounterPending+" + ?", imported)).
					Error
				if err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			logging.Logger.Error("[BulkImport] Failed to insert recipients",
				zap.Int("count", len(recipients)),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})
	if err != nil {
		return 0, err
	}

	return len(recipients), nil
}

// FinalizeByExternalCallID settles a calling recipient once the provider
// reports the call ended. Conditional on `calling` so a duplicated
// termination event is a no-op. Returns the settled recipient and whether
// this invocation performed the transition.
func (recipientRepository *RecipientRepository) FinalizeByExternalCallID(
	ctx context.Context,
	externalCallID string,
	succeeded bool,
	lastError string,
) (*Recipient, bool, error) {
	finalStatus := StatusCompleted
	if !succeeded {
		finalStatus = StatusFailed
	}

	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		var recipient Recipient

		err := recipientRepository.DBConn.WithContext(ctx).
			Where("external_call_id = ?", externalCallID).
			First(&recipient).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return finalizeResult{Recipient: nil, Finalized: false}, nil
			}

			logging.Logger.Error("[FinalizeByExternalCallID] Failed to fetch recipient",
				zap.String("external_call_id", externalCallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		tx := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("id = ? AND status = ?", recipient.ID, StatusCalling).
			Updates(map[string]any{
				"status":     finalStatus,
				"last_error": lastError,
			})
		if tx.Error != nil {
			logging.Logger.Error("[FinalizeByExternalCallID] Failed to settle recipient",
				zap.String("recipient_id", recipient.ID),
				zap.String("error", tx.Error.Error()),
			)

			return nil, tx.Error
		}

		if tx.RowsAffected > 0 {
			recipient.Status = finalStatus
			recipient.LastError = lastError
		}

		return finalizeResult{Recipient: &recipient, Finalized: tx.RowsAffected > 0}, nil
	})
	if err != nil {
		return nil, false, err
	}

	finalized, ok := result.(finalizeResult)
	if !ok {
		return nil, false, ErrInvalidFinalizeResult
	}

	return finalized.Recipient, finalized.Finalized, nil
}

type finalizeResult struct {
	Recipient *Recipient
	Finalized bool
}

// Outcome is the terminal state of one recipient processed by a batch chunk.
type Outcome struct {
	RecipientID    string
	Status         string
	ExternalCallID string
	LastError      string
}

// ApplyOutcomes persists chunk results in a single transaction so a chunk is
// recorded entirely or not at all.
func (recipientRepository *RecipientRepository) ApplyOutcomes(
	ctx context.Context,
	outcomes []Outcome,
) error {
	if len(outcomes) == 0 {
		return nil
	}

	_, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		err := recipientRepository.DBConn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, outcome := range outcomes {
				updates := map[string]any{
					"status": outcome.Status,
				}
				// A transient failure going back to pending consumed no
				// attempt; only started calls and permanent failures count.
				if outcome.Status != StatusPending {
					updates["attempts"] = gorm.Expr("attempts + 1")
				}
				if outcome.ExternalCallID != "" {
					updates["external_call_id"] = outcome.ExternalCallID
				}
				if outcome.LastError != "" {
					updates["last_error"] = outcome.LastError
				}

				err := tx.Model(&Recipient{}).
					Where("id = ?", outcome.RecipientID).
					Updates(updates).Error
				if err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			logging.Logger.Error("[ApplyOutcomes] Failed to persist chunk outcomes",
				zap.Int("count", len(outcomes)),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

// ReleaseStaleProcessing reverts rows stuck in the transient claim state back
// to pending. `processing` must only exist for the duration of a single
// dispatch attempt; anything older than the cutoff belongs to a crashed one.
func (recipientRepository *RecipientRepository) ReleaseStaleProcessing(
	ctx context.Context,
	cutoff time.Time,
) (int64, error) {
	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := recipientRepository.DBConn.WithContext(ctx).
			Model(&Recipient{}).
			Where("status = ? AND last_attempt_at < ?", StatusProcessing, cutoff).
			Updates(map[string]any{
				"status":     StatusPending,
				"last_error": "released by staleness sweep",
			})
		if tx.Error != nil {
			logging.Logger.Error("[ReleaseStaleProcessing] Failed to release stuck rows",
				zap.String("error", tx.Error.Error()),
			)

			return nil, tx.Error
		}

		return tx.RowsAffected, nil
	})
	if err != nil {
		return 0, err
	}

	released, ok := result.(int64)
	if !ok {
		return 0, ErrInvalidCountResult
	}

	return released, nil
}

// ListStaleCalling returns calling rows whose start time predates the cutoff,
// i.e. calls presumed abandoned because no termination event ever arrived.
func (recipientRepository *RecipientRepository) ListStaleCalling(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) ([]Recipient, error) {
	result, err := recipientRepository.CircuitBreaker.Execute(func() (any, error) {
		var recipients []Recipient

		err := recipientRepository.DBConn.WithContext(ctx).
			Where("status = ? AND call_started_at < ?", StatusCalling, cutoff).
			Order("call_started_at ASC").
			Limit(limit).
			Find(&recipients).Error
		if err != nil {
			logging.Logger.Error("[ListStaleCalling] Failed to fetch stale calling rows",
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return recipients, nil
	})
	if err != nil {
		return nil, err
	}

	recipients, ok := result.([]Recipient)
	if !ok {
		return nil, ErrInvalidRecipientSliceResult
	}

	return recipients, nil
}
