// Package config loads the queue's runtime options via viper: a YAML
// file (optional), overridable by TASKQUEUE_* environment variables,
// layered over the defaults below.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig
	Worker   WorkerConfig
	Queue    QueueConfig
	LogLevel string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// WorkerConfig shapes a runner pool process (cmd/worker): how it
// registers itself and how aggressively it polls for work.
type WorkerConfig struct {
	ID                string
	Skills            []string
	Capacity          int
	Concurrency       int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
}

// QueueConfig is the option set §6.4 recognizes for the engine and
// scheduler.
type QueueConfig struct {
	MaxRetries         int
	BaseRetryDelayMs   int64
	MaxRetryDelayMs    int64
	HeartbeatTimeoutMs int64
	PollIntervalMs     int64
	DeadLetterEnabled  bool
	DefaultStrategy    string
	KeyPrefix          string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/distqueue")

	setDefaults()

	viper.SetEnvPrefix("TASKQUEUE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.skills", []string{})
	viper.SetDefault("worker.capacity", 5)
	viper.SetDefault("worker.concurrency", 5)
	viper.SetDefault("worker.heartbeatinterval", 5*time.Second)
	viper.SetDefault("worker.pollinterval", 200*time.Millisecond)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)

	viper.SetDefault("queue.maxretries", 3)
	viper.SetDefault("queue.baseretrydelayms", int64(1000))
	viper.SetDefault("queue.maxretrydelayms", int64(300000))
	viper.SetDefault("queue.heartbeattimeoutms", int64(30000))
	viper.SetDefault("queue.pollintervalms", int64(100))
	viper.SetDefault("queue.deadletterenabled", true)
	viper.SetDefault("queue.defaultstrategy", "load-based")
	viper.SetDefault("queue.keyprefix", "queue")

	viper.SetDefault("loglevel", "info")
}
