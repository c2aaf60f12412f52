package healthchecker

import (
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/cooldown"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"go.uber.org/zap"
)

func CheckRedis() error {
	_, err := cooldown.NewRedisStore()
	if err != nil {
		logging.Logger.Info("redis status", zap.Error(err))
		return err
	}

	return nil
}
