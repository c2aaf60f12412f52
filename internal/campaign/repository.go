package campaign

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidCampaignResult      = errors.New("invalid result type, it should be pointer to Campaign struct")
	ErrInvalidCampaignSliceResult = errors.New("invalid result type, it should be slice of Campaign")
	ErrInvalidBoolResult          = errors.New("invalid result type, it should be bool")
)

type CampaignRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *CampaignRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &CampaignRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// GetByID retrieves a Campaign by its id.
func (campaignRepository *CampaignRepository) GetByID(ctx context.Context, campaignID string) (*Campaign, error) {
	result, err := campaignRepository.CircuitBreaker.Execute(func() (any, error) {
		var c Campaign

		err := campaignRepository.DBConn.WithContext(ctx).
			Where("id = ?", campaignID).
			First(&c).Error
		if err != nil {
			logging.Logger.Error("[GetByID] Failed to fetch campaign - may cause circuit breaker trip",
				zap.String("campaign_id", campaignID),
				zap.String("error", err.Error()),
				zap.Bool("is_record_not_found", errors.Is(err, gorm.ErrRecordNotFound)),
			)

			return nil, err
		}

		return &c, nil
	})
	if err != nil {
		return nil, err
	}

	c, ok := result.(*Campaign)
	if !ok {
		return nil, ErrInvalidCampaignResult
	}

	return c, nil
}

// TransitionStatus moves a campaign from one status to another. The update is
// conditional on the current status, so concurrent triggers cannot perform the
// same transition twice. Returns false when another writer got there first.
func (campaignRepository *CampaignRepository) TransitionStatus(
	ctx context.Context,
	campaignID, fromStatus, toStatus string,
) (bool, error) {
	result, err := campaignRepository.CircuitBreaker.Execute(func() (any, error) {
		tx := campaignRepository.DBConn.WithContext(ctx).
			Model(&Campaign{}).
			Where("id = ? AND status = ?", campaignID, fromStatus).
			Update("status", toStatus)
		if tx.Error != nil {
			logging.Logger.Error("[TransitionStatus] Failed to update campaign status",
				zap.String("campaign_id", campaignID),
				zap.String("from", fromStatus),
				zap.String("to", toStatus),
				zap.String("error", tx.Error.Error()),
			)

			return nil, tx.Error
		}

		return tx.RowsAffected > 0, nil
	})
	if err != nil {
		return false, err
	}

	transitioned, ok := result.(bool)
	if !ok {
		return false, ErrInvalidBoolResult
	}

	return transitioned, nil
}

// FindDueScheduled returns campaigns whose scheduled start time has passed.
func (campaignRepository *CampaignRepository) FindDueScheduled(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]Campaign, error) {
	result, err := campaignRepository.CircuitBreaker.Execute(func() (any, error) {
		var campaigns []Campaign

		err := campaignRepository.DBConn.WithContext(ctx).
			Where("status = ? AND scheduled_start_at IS NOT NULL AND scheduled_start_at <= ?", StatusScheduled, now).
			Order("scheduled_start_at ASC").
			Limit(limit).
			Find(&campaigns).Error
		if err != nil {
			logging.Logger.Error("[FindDueScheduled] Failed to fetch due campaigns",
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return campaigns, nil
	})
	if err != nil {
		return nil, err
	}

	campaigns, ok := result.([]Campaign)
	if !ok {
		return nil, ErrInvalidCampaignSliceResult
	}

	return campaigns, nil
}

// IncrementCounters applies atomic deltas to the campaign aggregate counters.
// The increments go through gorm.Expr so concurrent dispatch attempts never
// lose updates to a read-modify-write race.
func (campaignRepository *CampaignRepository) IncrementCounters(
	ctx context.Context,
	campaignID string,
	deltas map[string]int,
) error {
	if len(deltas) == 0 {
		return nil
	}

	updates := make(map[string]any, len(deltas))
	for column, delta := range deltas {
		updates[column] = gorm.Expr(column+" + ?", delta)
	}

	_, err := campaignRepository.CircuitBreaker.Execute(func() (any, error) {
		err := campaignRepository.DBConn.WithContext(ctx).
			Model(&Campaign{}).
			Where("id = ?", campaignID).
			Updates(updates).Error
		if err != nil {
			logging.Logger.Error("[IncrementCounters] Failed to increment campaign counters",
				zap.String("campaign_id", campaignID),
				zap.Any("deltas", deltas),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}
