package config

import (
	"log"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv              string   `env:"APP_ENV,notEmpty"`
	APIAddr             string   `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN         string   `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr           string   `env:"REDIS_ADDR,notEmpty"`
	RedisPassword       string   `env:"REDIS_PASSWORD"`
	KeyPrefix           string   `env:"KEY_PREFIX" envDefault:"tubeq:"`
	Tubes               []string `env:"TUBES" envDefault:"default"`
	DefaultLeaseMillis  int64    `env:"DEFAULT_LEASE_MILLIS" envDefault:"60000"`
	SweepIntervalMillis int64    `env:"SWEEP_INTERVAL_MILLIS" envDefault:"1000"`
	ReadyQueueMaxSize   int64    `env:"READY_QUEUE_MAX_SIZE" envDefault:"-1"`
	ReservePerSecond    float64  `env:"RESERVE_PER_SECOND" envDefault:"100"`
	ReadyJobMaxAgeMs    int64    `env:"READY_JOB_MAX_AGE_MILLIS" envDefault:"86400000"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
