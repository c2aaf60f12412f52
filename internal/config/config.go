package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"          validate:"required"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	ProviderBaseUrl               string `mapstructure:"provider_base_url"                validate:"required"`
	ProviderCreateCallUrl         string `mapstructure:"provider_create_call_url"         validate:"required"`
	ProviderTimeout               int    `mapstructure:"provider_timeout"`
	ProviderIntervalCB            uint32 `mapstructure:"provider_interval_cb"`
	ProviderConsecutiveFailuresCB uint32 `mapstructure:"provider_consecutive_failures_cb"`

	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"     validate:"required"`
	KafkaUsername              string `mapstructure:"kafka_username"             validate:"required"`
	KafkaPassword              string `mapstructure:"kafka_password"             validate:"required"`
	KafkaCallEndedTopic        string `mapstructure:"kafka_call_ended_topic"     validate:"required"`
	KafkaCallEndedGroupID      string `mapstructure:"kafka_call_ended_group_id"  validate:"required"`
	KafkaCampaignEventTopic    string `mapstructure:"kafka_campaign_event_topic" validate:"required"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	RedisAddr                  string `mapstructure:"redis_addr"`
	RedisPassword              string `mapstructure:"redis_password"`
	RedisDB                    int    `mapstructure:"redis_db"`
	RedisIntervalCB            uint32 `mapstructure:"redis_interval_cb"`
	RedisConsecutiveFailuresCB uint32 `mapstructure:"redis_consecutive_failures_cb"`

	PerCampaignCallLimit int `mapstructure:"per_campaign_call_limit"      validate:"required,gt=0"`
	PerTenantCallLimit   int `mapstructure:"per_tenant_call_limit"        validate:"required,gt=0"`
	StaleCallThreshold   int `mapstructure:"stale_call_threshold_minutes"`

	SeedBatchSize     int `mapstructure:"seed_batch_size"`
	SeedStartDelayMs  int `mapstructure:"seed_start_delay_ms"`
	ReplaceMaxRetries int `mapstructure:"replace_max_retries"`
	RetryMinBackoff   int `mapstructure:"retry_min_backoff"`
	RetryMaxBackoff   int `mapstructure:"retry_max_backoff"`
	CooldownSeconds   int `mapstructure:"cooldown_seconds"`

	BatchChunkSize        int `mapstructure:"batch_chunk_size"`
	BatchConcurrencyLimit int `mapstructure:"batch_concurrency_limit"`
	BatchWaveDelayMs      int `mapstructure:"batch_wave_delay_ms"`
	BatchTimeBudget       int `mapstructure:"batch_time_budget_seconds"`

	SchedulerInterval       int `mapstructure:"scheduler_interval_seconds"`
	SweepInterval           int `mapstructure:"sweep_interval_minutes"`
	SweepProcessingAgeLimit int `mapstructure:"sweep_processing_age_limit_minutes"`

	PoolSize int `mapstructure:"pool_size"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	return viper.Unmarshal(cfg)
}

// Validate checks required settings. Call it from application entry
// points so tests that only need defaults can import the package.
func Validate() error {
	return validator.New().Struct(&Conf)
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("PROVIDER_TIMEOUT", "30")
	viper.SetDefault("PER_CAMPAIGN_CALL_LIMIT", "3")
	viper.SetDefault("PER_TENANT_CALL_LIMIT", "10")
	viper.SetDefault("STALE_CALL_THRESHOLD_MINUTES", "30")
	viper.SetDefault("SEED_BATCH_SIZE", "3")
	viper.SetDefault("SEED_START_DELAY_MS", "500")
	viper.SetDefault("REPLACE_MAX_RETRIES", "3")
	viper.SetDefault("RETRY_MIN_BACKOFF", "1")
	viper.SetDefault("RETRY_MAX_BACKOFF", "10")
	viper.SetDefault("COOLDOWN_SECONDS", "60")
	viper.SetDefault("BATCH_CHUNK_SIZE", "50")
	viper.SetDefault("BATCH_CONCURRENCY_LIMIT", "5")
	viper.SetDefault("BATCH_WAVE_DELAY_MS", "200")
	viper.SetDefault("BATCH_TIME_BUDGET_SECONDS", "300")
	viper.SetDefault("SCHEDULER_INTERVAL_SECONDS", "60")
	viper.SetDefault("SWEEP_INTERVAL_MINUTES", "5")
	viper.SetDefault("SWEEP_PROCESSING_AGE_LIMIT_MINUTES", "10")
	viper.SetDefault("POOL_SIZE", "10")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("REDIS_DB", "0")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("PROVIDER_INTERVAL_CB", "30")
	viper.SetDefault("PROVIDER_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("REDIS_INTERVAL_CB", "30")
	viper.SetDefault("REDIS_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
