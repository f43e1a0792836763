package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Admin      AdminConfig      `mapstructure:"admin"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	NATS       NATSConfig       `mapstructure:"nats"`
	SSE        SSEConfig        `mapstructure:"sse"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type AdminConfig struct {
	Token     string `mapstructure:"token"`
	RateLimit int    `mapstructure:"rate_limit_rps"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type OutboxConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	Lease         time.Duration `mapstructure:"lease"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	EventTypes    []string      `mapstructure:"event_types"`
	LocalDispatch bool          `mapstructure:"local_dispatch"`
	Sinks         []string      `mapstructure:"sinks"` // kafka | nats | sse | webhook
	DeliveryLog   bool          `mapstructure:"delivery_log"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	OpenFor             time.Duration `mapstructure:"open_for"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
}

type ResilienceConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	AdminAddr          string   `mapstructure:"admin_addr"`
	ConnectionString   string   `mapstructure:"connection_string"`
	FederatedTokenFile string   `mapstructure:"federated_token_file"`
	Namespace          string   `mapstructure:"namespace"`
	TopicPrefix        string   `mapstructure:"topic_prefix"`
	Partitions         int      `mapstructure:"partitions"`
	ReplicationFactor  int      `mapstructure:"replication_factor"`
	ConsumerGroups     []string `mapstructure:"consumer_groups"`
	MinBytes           int      `mapstructure:"min_bytes"`
	MaxBytes           int      `mapstructure:"max_bytes"`
	CommitInterval     int      `mapstructure:"commit_interval_ms"`
}

type NATSConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

type SSEConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	KeepAlive    time.Duration `mapstructure:"keep_alive"`
	ReplayStream string        `mapstructure:"replay_stream"`
	ReplayMaxLen int64         `mapstructure:"replay_max_len"`
}

type InboundWebhookConfig struct {
	Address    string `mapstructure:"address"`
	Secret     string `mapstructure:"secret"`
	ConsumerID string `mapstructure:"consumer_id"`
}

type WebhooksConfig struct {
	Timeout       time.Duration               `mapstructure:"timeout"`
	Tolerance     time.Duration               `mapstructure:"tolerance"`
	Subscriptions []model.WebhookSubscription `mapstructure:"subscriptions"`
	Inbound       []InboundWebhookConfig      `mapstructure:"inbound"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (RELAY_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (RELAY_MYSQL_DSN, ...)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Webhooks.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var ErrInboundSecret = errors.New("inbound webhook requires an address and a secret")

func (c WebhooksConfig) validate() error {
	for i, in := range c.Inbound {
		if strings.TrimSpace(in.Address) == "" || in.Secret == "" {
			return fmt.Errorf("webhooks.inbound[%d]: %w", i, ErrInboundSecret)
		}
	}
	return nil
}

// HasSink reports whether the outbox publisher should fan out to the named sink.
func (c OutboxConfig) HasSink(name string) bool {
	for _, s := range c.Sinks {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return true
		}
	}
	return false
}
