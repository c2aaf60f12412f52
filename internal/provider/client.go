package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrCreateCallRequest  = errors.New("provider create call request failed")
	ErrProviderServerSide = errors.New("provider server error")
	ErrEmptyCallID        = errors.New("provider accepted the call but returned no call id")
)

// Config is the per-campaign provider bundle resolved from the owning
// workspace's integration right before each dispatch operation.
type Config struct {
	Credential     string
	AgentID        string
	PhoneNumberID  string
	PromptTemplate string
	PromptProvider string
	PromptModel    string
}

// CallRequest describes a single outbound call to start.
type CallRequest struct {
	DestinationNumber string
	DestinationName   string
	PromptOverride    string
}

// Caller is the one operation this system needs from the voice provider.
type Caller interface {
	CreateOutboundCall(ctx context.Context, cfg *Config, req *CallRequest) (string, error)
}

type createCallPayload struct {
	AgentID        string `json:"agent_id"`
	PhoneNumberID  string `json:"phone_number_id"`
	CustomerNumber string `json:"customer_number"`
	CustomerName   string `json:"customer_name,omitempty"`
	PromptOverride string `json:"prompt_override,omitempty"`
	PromptProvider string `json:"prompt_provider,omitempty"`
	PromptModel    string `json:"prompt_model,omitempty"`
}

type createCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"call_id"`
	Error   string `json:"error"`
}

type VoiceClient struct {
	HTTPClient     *http.Client
	CircuitBreaker *gobreaker.CircuitBreaker[[]byte]
}

func NewVoiceClient() *VoiceClient {
	cbSettings := gobreaker.Settings{
		Name:     "provider",
		Interval: time.Duration(config.Conf.ProviderIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.ProviderConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Info("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.ProviderService)
			}
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrProviderServerSide)
		},
	}

	return &VoiceClient{
		HTTPClient: &http.Client{
			Timeout: time.Duration(config.Conf.ProviderTimeout) * time.Second,
		},
		CircuitBreaker: gobreaker.NewCircuitBreaker[[]byte](cbSettings),
	}
}

// CreateOutboundCall starts one call and returns the provider call id. It
// performs exactly one attempt; retry policy belongs to the dispatcher, where
// the failure classification decides whether another attempt makes sense.
func (voiceClient *VoiceClient) CreateOutboundCall(
	ctx context.Context,
	cfg *Config,
	req *CallRequest,
) (string, error) {
	apiUrl, err := url.JoinPath(config.Conf.ProviderBaseUrl, config.Conf.ProviderCreateCallUrl)
	if err != nil {
		return "", err
	}

	reqBody, err := json.Marshal(createCallPayload{
		AgentID:        cfg.AgentID,
		PhoneNumberID:  cfg.PhoneNumberID,
		CustomerNumber: req.DestinationNumber,
		CustomerName:   req.DestinationName,
		PromptOverride: req.PromptOverride,
		PromptProvider: cfg.PromptProvider,
		PromptModel:    cfg.PromptModel,
	})
	if err != nil {
		return "", err
	}

	body, err := voiceClient.CircuitBreaker.Execute(func() ([]byte, error) {
		respBody, statusCode, err := voiceClient.doCreateCallRequest(ctx, apiUrl, cfg.Credential, reqBody)
		if err != nil {
			return nil, err
		}

		if statusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: status %d: %s", ErrProviderServerSide, statusCode, respBody)
		}

		if statusCode != http.StatusOK && statusCode != http.StatusCreated {
			return nil, fmt.Errorf("%w: status %d: %s", ErrCreateCallRequest, statusCode, respBody)
		}

		return respBody, nil
	})
	if err != nil {
		return "", err
	}

	var response createCallResponse

	err = json.Unmarshal(body, &response)
	if err != nil {
		return "", err
	}

	if !response.Success {
		return "", fmt.Errorf("%w: %s", ErrCreateCallRequest, response.Error)
	}

	if response.CallID == "" {
		return "", ErrEmptyCallID
	}

	return response.CallID, nil
}

func (voiceClient *VoiceClient) doCreateCallRequest(
	ctx context.Context,
	apiUrl, credential string,
	reqBody []byte,
) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiUrl, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/json;charset=utf-8")

	resp, err := voiceClient.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		cerr := resp.Body.Close()
		if cerr != nil {
			logging.Logger.Error("Failed to close response body", zap.String("error", cerr.Error()))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}
