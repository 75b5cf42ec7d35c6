package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	TokenSigningKey     string        `env:"TOKEN_SIGNING_KEY,notEmpty"`
	DownloadTTL         time.Duration `env:"DOWNLOAD_TTL" envDefault:"48h"`
	DownloadMaxAttempts int           `env:"DOWNLOAD_MAX_ATTEMPTS" envDefault:"5"`
	DownloadLinkBase    string        `env:"DOWNLOAD_LINK_BASE" envDefault:"http://localhost:8080/v1/downloads/validate?token="`

	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerLanes        []string      `env:"WORKER_LANES" envSeparator:"," envDefault:"high_priority,default,cleanup"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	WorkerAdminAddr    string        `env:"WORKER_ADMIN_ADDR"`

	SchedulerTick   time.Duration `env:"SCHEDULER_TICK" envDefault:"1m"`
	HealthInterval  time.Duration `env:"HEALTH_INTERVAL" envDefault:"5m"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
	JobRetention    time.Duration `env:"JOB_RETENTION" envDefault:"720h"`

	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"60s"`
	RetryMax                int           `env:"RETRY_MAX" envDefault:"3"`
	RetryBackoffFactor      time.Duration `env:"RETRY_BACKOFF_FACTOR" envDefault:"1s"`
	ExternalCallTimeout     time.Duration `env:"EXTERNAL_CALL_TIMEOUT" envDefault:"30s"`

	Minio  MinioConfig  `envPrefix:"MINIO_"`
	Render RenderConfig `envPrefix:"RENDER_"`
}

// RenderConfig holds the command lines the worker shells out to. Arguments
// are space separated and may use {source}, {input}, {output}, {format}.
type RenderConfig struct {
	CaptureCommand     []string      `env:"CAPTURE_COMMAND" envSeparator:" "`
	CaptureExt         string        `env:"CAPTURE_EXT" envDefault:".png"`
	CaptureContentType string        `env:"CAPTURE_CONTENT_TYPE" envDefault:"image/png"`
	EncodeCommand      []string      `env:"ENCODE_COMMAND" envSeparator:" "`
	EncodeExt          string        `env:"ENCODE_EXT" envDefault:".mp4"`
	EncodeContentType  string        `env:"ENCODE_CONTENT_TYPE" envDefault:"video/mp4"`
	OutputDir          string        `env:"OUTPUT_DIR" envDefault:"/tmp/renderq"`
	CaptureTimeout     time.Duration `env:"CAPTURE_TIMEOUT" envDefault:"2m"`
	EncodeTimeout      time.Duration `env:"ENCODE_TIMEOUT" envDefault:"10m"`
}

// MinioConfig holds the object store connection used by the render pipeline.
type MinioConfig struct {
	Endpoint  string `env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
	Bucket    string `env:"BUCKET" envDefault:"renders"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func MustLoad() Config {
	c, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
