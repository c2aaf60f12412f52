package circuitbreak

import "git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"

var CircuitBreakChan chan string

const (
	ProviderService      = "provider"
	DBService            = "database"
	KafkaProducerService = "kafka_producer"
	RedisService         = "redis"
)

func Init() {
	CircuitBreakChan = make(chan string)
}

func TriggerError(service string) {
	if CircuitBreakChan == nil {
		logging.Logger.Fatal("dialer app is not created")
	}

	CircuitBreakChan <- service
}
