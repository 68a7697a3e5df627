package config

import (
	"callflow/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Postgres struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	} `yaml:"redis"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	} `yaml:"s3"`

	Transcriber struct {
		APIKey         string `yaml:"api_key" env:"TRANSCRIBER_API_KEY"`
		BaseURL        string `yaml:"base_url" env:"TRANSCRIBER_BASE_URL"`
		CallsPerSecond int    `yaml:"calls_per_second" env:"TRANSCRIBER_CALLS_PER_SECOND" env-default:"5"`
	} `yaml:"transcriber"`

	Analyzer struct {
		APIKey         string `yaml:"api_key" env:"ANALYZER_API_KEY"`
		BaseURL        string `yaml:"base_url" env:"ANALYZER_BASE_URL"`
		Model          string `yaml:"model" env:"ANALYZER_MODEL" env-default:"gpt-4o-mini"`
		CallsPerSecond int    `yaml:"calls_per_second" env:"ANALYZER_CALLS_PER_SECOND" env-default:"3"`
	} `yaml:"analyzer"`

	Telegram struct {
		Token     string `yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
		OpsChatID int64  `yaml:"ops_chat_id" env:"TELEGRAM_OPS_CHAT_ID"`
	} `yaml:"telegram"`

	Worker struct {
		Count         int `yaml:"count" env:"WORKER_COUNT" env-default:"4"`
		QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY" env-default:"1000"`
		MaxRetries    int `yaml:"max_retries" env:"WORKER_MAX_RETRIES" env-default:"3"`
	} `yaml:"worker"`

	Dispatcher struct {
		FreshnessHours int `yaml:"freshness_hours" env:"EVENT_FRESHNESS_HOURS" env-default:"24"`
	} `yaml:"dispatcher"`

	Scheduler struct {
		AlertIntervalMinutes   int    `yaml:"alert_interval_minutes" env:"ALERT_INTERVAL_MINUTES" env-default:"15"`
		CleanupIntervalMinutes int    `yaml:"cleanup_interval_minutes" env:"CLEANUP_INTERVAL_MINUTES" env-default:"10"`
		ReaperIntervalMinutes  int    `yaml:"reaper_interval_minutes" env:"REAPER_INTERVAL_MINUTES" env-default:"30"`
		DigestAt               string `yaml:"digest_at" env:"DIGEST_AT" env-default:"18:00"`
	} `yaml:"scheduler"`
}

func LoadConfig() (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadConfig("configs/config.yaml", &cfg); err != nil {
		return nil, err
	}

	if err := cleanenv.UpdateEnv(&cfg); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}
