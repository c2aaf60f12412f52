package events

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type CallEndedConsumer struct {
	Client sarama.ConsumerGroup
}

// NewCallEndedConsumer creates the consumer group for provider call
// termination events.
func NewCallEndedConsumer() (*CallEndedConsumer, error) {
	client, err := createConsumerGroup(config.Conf.KafkaCallEndedGroupID, "CallEnded")
	if err != nil {
		return nil, err
	}

	return &CallEndedConsumer{
		Client: client,
	}, nil
}

// Consume starts consuming call ended messages from the configured topic.
func (c *CallEndedConsumer) Consume(
	ctx context.Context,
	topic string,
	messageHandler func(context.Context, *sarama.ConsumerMessage),
) error {
	handler := &consumerGroupHandler{
		messageHandler: messageHandler,
	}

	runConsumerLoop(ctx, c.Client, topic, handler, "CallEnded")

	return nil
}

func (c *CallEndedConsumer) Close() error {
	err := c.Client.Close()
	if err != nil {
		logging.Logger.Error("Failed to close call ended consumer", zap.String("error", err.Error()))
		return err
	}

	logging.Logger.Info("Call ended consumer closed successfully")

	return nil
}

type consumerGroupHandler struct {
	messageHandler func(context.Context, *sarama.ConsumerMessage)
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(
	session sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			h.messageHandler(session.Context(), message)

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
