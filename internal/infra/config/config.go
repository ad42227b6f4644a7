package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settlement backend modes. ModeAuto picks the chain backend only when the
// ledger configuration is complete; everything else falls back to simulation.
const (
	SettlementModeAuto     = "auto"
	SettlementModeSimulate = "simulate"
	SettlementModeChain    = "chain"
)

type AppConfig struct {
	App        AppSettings        `mapstructure:"app"`
	Postgres   PostgresSettings   `mapstructure:"postgres"`
	Redis      RedisSettings      `mapstructure:"redis"`
	Kafka      KafkaSettings      `mapstructure:"kafka"`
	Ledger     LedgerSettings     `mapstructure:"ledger"`
	Settlement SettlementSettings `mapstructure:"settlement"`
	Telemetry  TelemetrySettings  `mapstructure:"telemetry"`
	RateLimit  RateLimitSettings  `mapstructure:"rate_limit"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// RedisSettings configures the Redis connection backing rate limits.
type RedisSettings struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	DB         int    `mapstructure:"db"`
	Password   string `mapstructure:"password"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
}

// KafkaSettings configures the lifecycle event producer.
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// LedgerSettings configures the fullnode the chain verifier talks to.
type LedgerSettings struct {
	NodeURL             string        `mapstructure:"node_url"`
	Network             string        `mapstructure:"network"`
	SettlementEventType string        `mapstructure:"settlement_event_type"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	FinalityTimeout     time.Duration `mapstructure:"finality_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
}

// SettlementSettings shapes challenge bodies and backend selection.
type SettlementSettings struct {
	Mode                    string `mapstructure:"mode"`
	Asset                   string `mapstructure:"asset"`
	UnitScale               int32  `mapstructure:"unit_scale"`
	ChallengeTimeoutSeconds int    `mapstructure:"challenge_timeout_seconds"`
	VerifyRecipient         bool   `mapstructure:"verify_recipient"`
	ResourceBaseURL         string `mapstructure:"resource_base_url"`
}

// ChainConfigured reports whether the ledger configuration is complete enough
// to run the chain verifier. Anything less must default to simulation, never
// the reverse.
func (s SettlementSettings) ChainConfigured(ledger LedgerSettings) bool {
	if s.Mode == SettlementModeSimulate {
		return false
	}
	return ledger.NodeURL != "" && ledger.SettlementEventType != ""
}

type TelemetrySettings struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// RateLimitSettings configures sliding-window limits per endpoint.
type RateLimitSettings struct {
	WindowDuration    time.Duration `mapstructure:"window_duration"`
	StartMaxAttempts  int           `mapstructure:"start_max_attempts"`
	SettleMaxAttempts int           `mapstructure:"settle_max_attempts"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("STREAMPAY")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"ledger.node_url",
		"ledger.network",
		"ledger.settlement_event_type",
		"ledger.request_timeout",
		"ledger.finality_timeout",
		"ledger.poll_interval",
		"settlement.mode",
		"settlement.asset",
		"settlement.unit_scale",
		"settlement.challenge_timeout_seconds",
		"settlement.verify_recipient",
		"settlement.resource_base_url",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"rate_limit.window_duration",
		"rate_limit.start_max_attempts",
		"rate_limit.settle_max_attempts",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "streampay")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "streampay")
	v.SetDefault("postgres.password", "streampay_password")
	v.SetDefault("postgres.database", "streampay")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "streampay")
	v.SetDefault("kafka.async", true)

	// Ledger node deliberately has no default URL: chain settlement must be
	// opted into with explicit configuration.
	v.SetDefault("ledger.node_url", "")
	v.SetDefault("ledger.network", "testnet")
	v.SetDefault("ledger.settlement_event_type", "")
	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.finality_timeout", "30s")
	v.SetDefault("ledger.poll_interval", "500ms")

	v.SetDefault("settlement.mode", SettlementModeAuto)
	v.SetDefault("settlement.asset", "APT")
	v.SetDefault("settlement.unit_scale", 8)
	v.SetDefault("settlement.challenge_timeout_seconds", 60)
	v.SetDefault("settlement.verify_recipient", false)
	v.SetDefault("settlement.resource_base_url", "")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "streampay")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.start_max_attempts", 10)
	v.SetDefault("rate_limit.settle_max_attempts", 20)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "STREAMPAY_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
