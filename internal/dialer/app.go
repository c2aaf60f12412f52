package dialer

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/batch"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/cooldown"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/dispatch"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/events"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/healthchecker"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/recipient"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/scheduler"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/sweep"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/workspace"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Dialer struct {
	DBConn                *gorm.DB
	KafkaConsumer         *events.CallEndedConsumer
	KafkaProducer         *events.Producer
	WorkerPool            *ants.Pool
	CampaignRepository    *campaign.CampaignRepository
	RecipientRepository   *recipient.RecipientRepository
	IntegrationRepository *workspace.IntegrationRepository
	CooldownStore         cooldown.Store
	Dispatcher            *dispatch.Dispatcher
	BatchRunner           *batch.Runner
	SchedulerWorker       *scheduler.Worker
	SweepWorker           *sweep.Worker
	HealthCheckerService  *healthchecker.Healthchecker
}

func NewApp(ctxCancelFun context.CancelFunc) (*Dialer, error) {
	logging.Logger.Info("[NewApp] Initializing Dialer application...")

	err := config.Validate()
	if err != nil {
		logging.Logger.Error("[NewApp] Invalid configuration", zap.Error(err))
		return nil, err
	}

	healthcheckerService := healthchecker.NewService(ctxCancelFun)

	logging.Logger.Info("[NewApp] Health checker service created")

	dbConn, err := database.NewDatabase()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Database connection established")

	cooldownStore, err := initializeCooldownStore()
	if err != nil {
		return nil, err
	}

	kafkaProducer, workerPool, err := initializeKafkaProducerAndPool()
	if err != nil {
		return nil, err
	}

	kafkaConsumer, err := events.NewCallEndedConsumer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create call ended consumer", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Call ended consumer created")

	app, err := initializeServices(dbConn, cooldownStore, kafkaProducer)
	if err != nil {
		return nil, err
	}

	logging.Logger.Info("[NewApp] Initializing circuit breakers...")
	circuitbreak.Init()
	logging.Logger.Info("[NewApp] Circuit breakers initialized")

	app.DBConn = dbConn
	app.KafkaConsumer = kafkaConsumer
	app.KafkaProducer = kafkaProducer
	app.WorkerPool = workerPool
	app.CooldownStore = cooldownStore
	app.HealthCheckerService = healthcheckerService

	return app, nil
}

// initializeCooldownStore prefers the durable redis store so cooldown windows
// survive across processes; without a redis address it falls back to process
// memory, which is sufficient for a single-instance deployment.
func initializeCooldownStore() (cooldown.Store, error) {
	if config.Conf.RedisAddr == "" {
		logging.Logger.Info("[NewApp] Using in-memory cooldown store")

		return cooldown.NewMemoryStore(), nil
	}

	store, err := cooldown.NewRedisStore()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create redis cooldown store", zap.Error(err))
		return nil, err
	}

	logging.Logger.Info("[NewApp] Redis cooldown store created",
		zap.String("addr", config.Conf.RedisAddr),
	)

	return store, nil
}

func initializeKafkaProducerAndPool() (*events.Producer, *ants.Pool, error) {
	logging.Logger.Info("[NewApp] Creating Kafka producer...")

	kafkaProducer, err := events.NewProducer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.Error(err))
		return nil, nil, err
	}

	logging.Logger.Info("[NewApp] Kafka producer created")

	logging.Logger.Info("[NewApp] Creating worker pool",
		zap.Int("pool_size", config.Conf.PoolSize),
	)

	workerPool, err := ants.NewPool(config.Conf.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create worker pool", zap.Error(err))
		return nil, nil, err
	}

	logging.Logger.Info("[NewApp] Worker pool created successfully")

	return kafkaProducer, workerPool, nil
}

func initializeServices(
	dbConn *gorm.DB,
	cooldownStore cooldown.Store,
	kafkaProducer *events.Producer,
) (*Dialer, error) {
	campaignRepository := campaign.NewRepository(dbConn)
	recipientRepository := recipient.NewRepository(dbConn)
	integrationRepository := workspace.NewRepository(dbConn)

	logging.Logger.Info("[NewApp] Repositories created")

	providerClient := provider.NewVoiceClient()

	logging.Logger.Info("[NewApp] Provider client created")

	dispatcher := dispatch.NewDispatcher(
		campaignRepository,
		recipientRepository,
		providerClient,
		cooldownStore,
		kafkaProducer,
	)

	batchRunner := batch.NewRunner(
		campaignRepository,
		recipientRepository,
		providerClient,
		kafkaProducer,
	)

	logging.Logger.Info("[NewApp] Dispatcher and batch runner created")

	schedulerWorker, err := scheduler.NewWorker(
		campaignRepository,
		integrationRepository,
		dispatcher,
		kafkaProducer,
	)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create scheduler worker", zap.Error(err))
		return nil, err
	}

	sweepWorker := sweep.NewWorker(campaignRepository, recipientRepository)

	logging.Logger.Info("[NewApp] Scheduler and sweep workers created")

	return &Dialer{
		CampaignRepository:    campaignRepository,
		RecipientRepository:   recipientRepository,
		IntegrationRepository: integrationRepository,
		Dispatcher:            dispatcher,
		BatchRunner:           batchRunner,
		SchedulerWorker:       schedulerWorker,
		SweepWorker:           sweepWorker,
	}, nil
}

func (app *Dialer) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	logging.Logger.Info("[Run] Starting health checker monitor goroutine")

	go app.HealthCheckerService.Monitor()

	logging.Logger.Info("[Run] Starting scheduler worker goroutine")

	go app.SchedulerWorker.Run(ctx)

	logging.Logger.Info("[Run] Starting sweep worker goroutine")

	go app.SweepWorker.Run(ctx)

	logging.Logger.Info("[Run] Starting call ended consumer (BLOCKING)",
		zap.String("topic", config.Conf.KafkaCallEndedTopic),
		zap.Int("worker_pool_size", config.Conf.PoolSize),
	)

	err := app.KafkaConsumer.Consume(ctx, config.Conf.KafkaCallEndedTopic, app.CallEndedHandler)
	if err != nil {
		logging.Logger.Error("[Run] Kafka consumer returned error", zap.Error(err))
		return err
	}

	logging.Logger.Warn("[Run] Kafka consumer returned (context canceled or error), beginning shutdown...")

	app.shutdown()

	return nil
}

func (app *Dialer) shutdown() {
	logging.Logger.Info("[Run] Closing call ended consumer...")

	err := app.KafkaConsumer.Close()
	if err != nil {
		logging.Logger.Error("[Run] Failed to close call ended consumer", zap.String("error", err.Error()))
	} else {
		logging.Logger.Info("[Run] Call ended consumer closed successfully")
	}

	logging.Logger.Info("[Run] Releasing worker pools...",
		zap.Int("running_workers", app.WorkerPool.Running()),
		zap.Int("free_workers", app.WorkerPool.Free()),
	)
	app.WorkerPool.Release()
	app.SchedulerWorker.Release()
	logging.Logger.Info("[Run] Worker pools released")

	logging.Logger.Info("[Run] Closing Kafka producer...")

	err = app.KafkaProducer.Close()
	if err != nil {
		logging.Logger.Error("[Run] Failed to close producer", zap.String("error", err.Error()))
	} else {
		logging.Logger.Info("[Run] Kafka producer closed successfully")
	}

	logging.Logger.Info("[Run] ===== App shutdown complete =====")
}
