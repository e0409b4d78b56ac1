package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHealthAddr    = ":8080"
	defaultMetricsAddr   = ":9090"
	defaultNatsURL       = "nats://localhost:4222"
	defaultStreamName    = "ECHOMIND"
	defaultCheckInterval = time.Minute
	defaultRetryInterval = 10 * time.Second

	defaultMaxConcurrentTriggers = 4
	defaultWorkerQueueGroup      = "echomind-connector"
)

type Config struct {
	DatabaseURL string

	NatsURL    string
	NatsStream string

	CheckInterval    time.Duration
	ConnectRetryWait time.Duration

	HealthAddr  string
	MetricsAddr string

	MaxConcurrentTriggers int
	WorkerQueueGroup      string

	ObjectStoreEndpoint  string
	ObjectStoreBucket    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreRegion    string
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		NatsURL:               getenvDefault("NATS_URL", defaultNatsURL),
		NatsStream:            getenvDefault("NATS_STREAM", defaultStreamName),
		CheckInterval:         getenvDurationDefault("CHECK_INTERVAL", defaultCheckInterval),
		ConnectRetryWait:      getenvDurationDefault("CONNECT_RETRY_WAIT", defaultRetryInterval),
		HealthAddr:            getenvDefault("HEALTH_ADDR", defaultHealthAddr),
		MetricsAddr:           getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		MaxConcurrentTriggers: getenvIntDefault("MAX_CONCURRENT_TRIGGERS", defaultMaxConcurrentTriggers),
		WorkerQueueGroup:      getenvDefault("WORKER_QUEUE_GROUP", defaultWorkerQueueGroup),
		ObjectStoreEndpoint:   os.Getenv("OBJECT_STORE_ENDPOINT"),
		ObjectStoreBucket:     getenvDefault("OBJECT_STORE_BUCKET", "echomind-documents"),
		ObjectStoreAccessKey:  os.Getenv("OBJECT_STORE_ACCESS_KEY"),
		ObjectStoreSecretKey:  os.Getenv("OBJECT_STORE_SECRET_KEY"),
		ObjectStoreRegion:     getenvDefault("OBJECT_STORE_REGION", "us-east-1"),
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
