package healthchecker

import (
	"context"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
)

// CheckProvider probes reachability of the voice provider API. Any HTTP
// response counts as healthy; only transport failures keep the check red.
func CheckProvider() error {
	ctx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(config.Conf.ProviderTimeout)*time.Second,
	)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodHead, config.Conf.ProviderBaseUrl, nil)
	if err != nil {
		return err
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		logging.Logger.Info("provider api status", zap.Error(err))
		return err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	return nil
}
