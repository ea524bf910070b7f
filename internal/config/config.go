package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full settlement daemon configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// HTTPConfig configures the health/metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// KafkaConfig configures the match consumer and trade notifier.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	MatchesTopic string        `mapstructure:"matches_topic"`
	TradesTopic  string        `mapstructure:"trades_topic"`
	GroupID      string        `mapstructure:"group_id"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EngineConfig tunes the settlement engine itself.
type EngineConfig struct {
	Workers            int           `mapstructure:"workers"`
	LockWait           time.Duration `mapstructure:"lock_wait"`
	UtilityFeeDiscount string        `mapstructure:"utility_fee_discount"`
}

// Load reads configuration from the given file (optional), the default search
// paths and SETTLE_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.matches_topic", "matches")
	v.SetDefault("kafka.trades_topic", "trades")
	v.SetDefault("kafka.group_id", "settlementd")
	v.SetDefault("kafka.write_timeout", time.Second)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.lock_wait", 500*time.Millisecond)
	v.SetDefault("engine.utility_fee_discount", "0.5")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("settlementd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/exchange")
	}

	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}
