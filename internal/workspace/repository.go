package workspace

import (
	"context"
	"errors"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/provider"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidIntegrationResult = errors.New("invalid result type, it should be pointer to Integration struct")
	ErrIntegrationDisabled      = errors.New("workspace integration is disabled")
)

type IntegrationRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *IntegrationRepository {
	cbSettings := database.GetCircuitBreakerSettings()

	return &IntegrationRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// ResolveProviderConfig fetches the tenant's integration and maps it to the
// provider config bundle the dispatcher hands to the voice client.
func (integrationRepository *IntegrationRepository) ResolveProviderConfig(
	ctx context.Context,
	tenantID string,
) (*provider.Config, error) {
	result, err := integrationRepository.CircuitBreaker.Execute(func() (any, error) {
		var integration Integration

		err := integrationRepository.DBConn.WithContext(ctx).
			Where("tenant_id = ?", tenantID).
			First(&integration).Error
		if err != nil {
			logging.Logger.Error("[ResolveProviderConfig] Failed to fetch workspace integration",
				zap.String("tenant_id", tenantID),
				zap.String("error", err.Error()),
				zap.Bool("is_record_not_found", errors.Is(err, gorm.ErrRecordNotFound)),
			)

			return nil, err
		}

		return &integration, nil
	})
	if err != nil {
		return nil, err
	}

	integration, ok := result.(*Integration)
	if !ok {
		return nil, ErrInvalidIntegrationResult
	}

	if !integration.Enabled {
		return nil, ErrIntegrationDisabled
	}

	return &provider.Config{
		Credential:     integration.ProviderCredential,
		AgentID:        integration.AgentID,
		PhoneNumberID:  integration.PhoneNumberID,
		PromptTemplate: integration.PromptTemplate,
		PromptProvider: integration.PromptProvider,
		PromptModel:    integration.PromptModel,
	}, nil
}
