package cooldown

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const keyPrefix = "dialer:cooldown:"

var ErrInvalidRemainingResult = errors.New("invalid result type, it should be time.Duration")

// RedisStore keeps cooldown windows in an expiring key, so every process
// handling triggers for the same campaign observes the same window. Redis
// expiry does the bookkeeping; IsActive only reads the remaining TTL.
type RedisStore struct {
	Client         *redis.Client
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func redisCircuitBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:     "redis",
		Interval: time.Duration(config.Conf.RedisIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.Conf.RedisConsecutiveFailuresCB
		},
		OnStateChange: func(name string, fromState, toState gobreaker.State) {
			logging.Logger.Info("Circuit state changed",
				zap.String("service", name),
				zap.String("from", fromState.String()),
				zap.String("to", toState.String()),
			)

			if toState == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.RedisService)
			}
		},
	}
}

func NewRedisStore() (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Conf.RedisAddr,
		Password: config.Conf.RedisPassword,
		DB:       config.Conf.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := client.Ping(ctx).Err()
	if err != nil {
		logging.Logger.Error("Failed to connect to Redis", zap.String("error", err.Error()))
		return nil, err
	}

	logging.Logger.Info("Successfully connected to Redis", zap.String("addr", config.Conf.RedisAddr))

	return &RedisStore{
		Client:         client,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](redisCircuitBreakerSettings()),
	}, nil
}

func (redisStore *RedisStore) Enter(ctx context.Context, campaignID string, duration time.Duration) error {
	_, err := redisStore.CircuitBreaker.Execute(func() (any, error) {
		return nil, redisStore.Client.Set(ctx, keyPrefix+campaignID, "1", duration).Err()
	})

	return err
}

func (redisStore *RedisStore) IsActive(ctx context.Context, campaignID string) (bool, time.Duration, error) {
	result, err := redisStore.CircuitBreaker.Execute(func() (any, error) {
		remaining, err := redisStore.Client.PTTL(ctx, keyPrefix+campaignID).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return time.Duration(0), nil
			}

			return nil, err
		}

		return remaining, nil
	})
	if err != nil {
		return false, 0, err
	}

	remaining, ok := result.(time.Duration)
	if !ok {
		return false, 0, ErrInvalidRemainingResult
	}

	// PTTL returns a negative duration when the key does not exist or
	// carries no expiry.
	if remaining <= 0 {
		return false, 0, nil
	}

	return true, remaining, nil
}

func (redisStore *RedisStore) Clear(ctx context.Context, campaignID string) error {
	_, err := redisStore.CircuitBreaker.Execute(func() (any, error) {
		return nil, redisStore.Client.Del(ctx, keyPrefix+campaignID).Err()
	})

	return err
}
