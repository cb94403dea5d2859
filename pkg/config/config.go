package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	configName = "config"
	configType = "yaml"
)

type QueueConfig struct {
	Concurrency    int           `mapstructure:"CONCURRENCY"`
	RatePerSecond  float64       `mapstructure:"RATE_PER_SECOND"`
	MaxAttempts    int           `mapstructure:"MAX_ATTEMPTS"`
	MaxStalls      int           `mapstructure:"MAX_STALLS"`
	Timeout        time.Duration `mapstructure:"TIMEOUT"`
	BackoffBase    time.Duration `mapstructure:"BACKOFF_BASE"`
	BackoffCap     time.Duration `mapstructure:"BACKOFF_CAP"`
	MaxDepth       int           `mapstructure:"MAX_DEPTH"`
	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
}

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	Otel       struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string        `mapstructure:"TYPE"`
		Host           string        `mapstructure:"HOST"`
		Port           string        `mapstructure:"PORT"`
		DBNAME         string        `mapstructure:"DBNAME"`
		User           string        `mapstructure:"USER"`
		Password       string        `mapstructure:"PASSWORD"`
		SSLMode        string        `mapstructure:"SSLMODE"`
		Timezone       string        `mapstructure:"TIMEZONE"`
		Path           string        `mapstructure:"PATH"`
		SlowThreshold  time.Duration `mapstructure:"SLOW_THRESHOLD"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Addrs                string        `mapstructure:"ADDR"`
		GroupID              string        `mapstructure:"GROUP_ID"`
		Topics               []string      `mapstructure:"TOPICS"`
		DeadLetterTopic      string        `mapstructure:"DEAD_LETTER_TOPIC"`
		BatchSize            int           `mapstructure:"BATCH_SIZE"`
		PollTimeout          time.Duration `mapstructure:"POLL_TIMEOUT"`
		PartitionConcurrency int           `mapstructure:"PARTITION_CONCURRENCY"`
		HeartbeatInterval    time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
		SessionTimeout       time.Duration `mapstructure:"SESSION_TIMEOUT"`
		HighWaterMark        int           `mapstructure:"HIGH_WATER_MARK"`
		ReconnectAttempts    int           `mapstructure:"RECONNECT_ATTEMPTS"`
		ReconnectBackoff     time.Duration `mapstructure:"RECONNECT_BACKOFF"`
	} `mapstructure:"KAFKA"`
	Queues struct {
		Events      QueueConfig `mapstructure:"EVENTS"`
		Attribution QueueConfig `mapstructure:"ATTRIBUTION"`
		Analytics   QueueConfig `mapstructure:"ANALYTICS"`
	} `mapstructure:"QUEUES"`
	RateLimit struct {
		Window       time.Duration  `mapstructure:"WINDOW"`
		Max          int            `mapstructure:"MAX"`
		FallbackMax  int            `mapstructure:"FALLBACK_MAX"`
		WhitelistIPs []string       `mapstructure:"WHITELIST_IPS"`
		WhitelistIDs []string       `mapstructure:"WHITELIST_USER_IDS"`
		BypassTokens map[string]int `mapstructure:"BYPASS_TOKENS"`
	} `mapstructure:"RATE_LIMIT"`
	Breaker struct {
		FailureRatio float64       `mapstructure:"FAILURE_RATIO"`
		MinRequests  uint32        `mapstructure:"MIN_REQUESTS"`
		Interval     time.Duration `mapstructure:"INTERVAL"`
		Timeout      time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"BREAKER"`
	Cache struct {
		LockTTL           time.Duration `mapstructure:"LOCK_TTL"`
		LockWaitTimeout   time.Duration `mapstructure:"LOCK_WAIT_TIMEOUT"`
		LockRetryInterval time.Duration `mapstructure:"LOCK_RETRY_INTERVAL"`
		AnalyticsTTL      time.Duration `mapstructure:"ANALYTICS_TTL"`
		AttributionTTL    time.Duration `mapstructure:"ATTRIBUTION_TTL"`
	} `mapstructure:"CACHE"`
	Attribution struct {
		Models           []string      `mapstructure:"MODELS"`
		HalfLife         time.Duration `mapstructure:"HALF_LIFE"`
		MaxJourneyWindow time.Duration `mapstructure:"MAX_JOURNEY_WINDOW"`
		ConfidenceFloor  float64       `mapstructure:"CONFIDENCE_FLOOR"`
		FirstWeight      float64       `mapstructure:"FIRST_WEIGHT"`
		LastWeight       float64       `mapstructure:"LAST_WEIGHT"`
		MiddleWeight     float64       `mapstructure:"MIDDLE_WEIGHT"`
		ClockSkew        time.Duration `mapstructure:"CLOCK_SKEW"`
	} `mapstructure:"ATTRIBUTION"`
	DeadLetter struct {
		Retention      time.Duration `mapstructure:"RETENTION"`
		ReplayMaxRetry int           `mapstructure:"REPLAY_MAX_RETRY"`
		SweepHour      int           `mapstructure:"SWEEP_HOUR"`
	} `mapstructure:"DEAD_LETTER"`
	Enrichment struct {
		// ChannelRules maps channel name to a CEL expression over event properties.
		ChannelRules map[string]string `mapstructure:"CHANNEL_RULES"`
		RuleOrder    []string          `mapstructure:"RULE_ORDER"`
	} `mapstructure:"ENRICHMENT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

// LoadConfig reads ./config.yaml (optional) with environment overrides.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(".")
	if p, ok := os.LookupEnv("CONFIG_PATH"); ok {
		v.AddConfigPath(p)
	}
	return load(v)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Warn("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	setString(&c.AppEnv, "development")
	setString(&c.AppName, "attribution-pipeline")
	if c.NodeID == 0 {
		c.NodeID = 1
	}
	setString(&c.Server.Addr, "8080")
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)

	setString(&c.Database.Type, "postgres")
	setString(&c.Database.SSLMode, "disable")
	setString(&c.Database.Timezone, "UTC")
	setDuration(&c.Database.SlowThreshold, 200*time.Millisecond)

	setString(&c.Redis.Addr, "127.0.0.1:6379")
	setInt(&c.Redis.PoolSize, 20)
	setDuration(&c.Redis.PoolTimeout, 4*time.Second)

	setString(&c.Kafka.Addrs, "127.0.0.1:9092")
	setString(&c.Kafka.GroupID, "attribution-ingestor")
	if len(c.Kafka.Topics) == 0 {
		c.Kafka.Topics = []string{"touchpoint-events"}
	}
	setString(&c.Kafka.DeadLetterTopic, "touchpoint-events.dlq")
	setInt(&c.Kafka.BatchSize, 500)
	setDuration(&c.Kafka.PollTimeout, 100*time.Millisecond)
	setInt(&c.Kafka.PartitionConcurrency, 3)
	setDuration(&c.Kafka.HeartbeatInterval, 3*time.Second)
	setDuration(&c.Kafka.SessionTimeout, 30*time.Second)
	setInt(&c.Kafka.HighWaterMark, 50000)
	setInt(&c.Kafka.ReconnectAttempts, 5)
	setDuration(&c.Kafka.ReconnectBackoff, time.Second)

	queueDefaults(&c.Queues.Events, 10, 1000)
	queueDefaults(&c.Queues.Attribution, 5, 100)
	queueDefaults(&c.Queues.Analytics, 3, 20)

	setDuration(&c.RateLimit.Window, 60*time.Second)
	setInt(&c.RateLimit.Max, 100)
	setInt(&c.RateLimit.FallbackMax, 50)

	if c.Breaker.FailureRatio == 0 {
		c.Breaker.FailureRatio = 0.5
	}
	if c.Breaker.MinRequests == 0 {
		c.Breaker.MinRequests = 10
	}
	setDuration(&c.Breaker.Interval, 60*time.Second)
	setDuration(&c.Breaker.Timeout, 30*time.Second)

	setDuration(&c.Cache.LockTTL, 5*time.Second)
	setDuration(&c.Cache.LockWaitTimeout, 5*time.Second)
	setDuration(&c.Cache.LockRetryInterval, 50*time.Millisecond)
	setDuration(&c.Cache.AnalyticsTTL, 5*time.Minute)
	setDuration(&c.Cache.AttributionTTL, time.Hour)

	if len(c.Attribution.Models) == 0 {
		c.Attribution.Models = []string{"FIRST_TOUCH", "LAST_TOUCH", "LINEAR", "POSITION_BASED", "TIME_DECAY"}
	}
	setDuration(&c.Attribution.HalfLife, 7*24*time.Hour)
	setDuration(&c.Attribution.MaxJourneyWindow, 90*24*time.Hour)
	if c.Attribution.ConfidenceFloor == 0 {
		c.Attribution.ConfidenceFloor = 0.7
	}
	if c.Attribution.FirstWeight == 0 && c.Attribution.LastWeight == 0 && c.Attribution.MiddleWeight == 0 {
		c.Attribution.FirstWeight, c.Attribution.LastWeight, c.Attribution.MiddleWeight = 0.4, 0.4, 0.2
	}
	setDuration(&c.Attribution.ClockSkew, 5*time.Minute)

	setDuration(&c.DeadLetter.Retention, 7*24*time.Hour)
	setInt(&c.DeadLetter.ReplayMaxRetry, 5)
	if c.DeadLetter.SweepHour <= 0 || c.DeadLetter.SweepHour > 23 {
		c.DeadLetter.SweepHour = 1
	}
}

func queueDefaults(q *QueueConfig, concurrency int, rps float64) {
	setInt(&q.Concurrency, concurrency)
	if q.RatePerSecond == 0 {
		q.RatePerSecond = rps
	}
	setInt(&q.MaxAttempts, 3)
	setInt(&q.MaxStalls, 2)
	setDuration(&q.Timeout, 30*time.Second)
	setDuration(&q.BackoffBase, 500*time.Millisecond)
	setDuration(&q.BackoffCap, time.Minute)
	setInt(&q.MaxDepth, 100000)
	setDuration(&q.IdempotencyTTL, 24*time.Hour)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
