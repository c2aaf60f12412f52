package healthchecker

import (
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/events"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var healthcheckerMsg = "healthchecker msg"

func CheckKafkaProducer() error {
	producer, err := events.NewProducer()
	if err != nil {
		logging.Logger.Error("failed to create new kafka producer client", zap.String("error", err.Error()))
		return err
	}

	_, _, err = producer.SendMessage(
		config.Conf.KafkaCampaignEventTopic,
		[]byte(uuid.New().String()),
		[]byte(healthcheckerMsg),
	)

	return err
}
