package config

import (
	"fmt"
	"strings"
	"time"

	commoncfg "ecobin-dispatch/internal/common/config"

	"github.com/spf13/viper"
)

// Selection strategy names
const (
	StrategyOracle              = "oracle"
	StrategyHeuristic           = "heuristic"
	StrategyOracleThenHeuristic = "oracle_then_heuristic"
)

// Config ecobin-dispatch service configuration
type Config struct {
	HTTP struct {
		Addr string
	}
	// DatabaseEnabled false runs on the in-memory store
	DatabaseEnabled bool
	AutoMigrate     bool
	Database        commoncfg.DatabaseConfig
	Redis           commoncfg.RedisConfig
	MQTT            commoncfg.MQTTConfig

	// Topics MQTT topic filters; "+" is the bin/driver id segment
	Topics struct {
		Telemetry string
		Location  string
	}

	Dispatch struct {
		Strategy         string
		OracleURL        string
		OracleAPIKey     string
		OracleTimeout    time.Duration
		WorkloadWeightKm float64
	}

	// Thresholds fill levels (percent) used by the threshold monitor
	Thresholds struct {
		Create   float64
		Complete float64
	}

	// EventLog timeline heuristics, independent of Thresholds
	EventLog struct {
		FilledLevel  float64
		EmptiedLevel float64
		DropFrom     float64
		DropTo       float64
		DropMin      float64
		DefaultLimit int
		MaxLimit     int
	}

	Notifier struct {
		StreamPrefix    string
		StreamMaxLen    int64
		MQTTTopicPrefix string
	}

	Simulator struct {
		Enabled       bool
		Interval      time.Duration
		MaxStep       float64
		CollectChance float64
		// Parallelism bins applied concurrently per tick
		Parallelism int
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads configuration from the environment and, when configFile is set, from that file.
// Environment variables take precedence over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	cfg.HTTP.Addr = v.GetString("HTTP_ADDR")

	cfg.DatabaseEnabled = v.GetBool("DB_ENABLED")
	cfg.AutoMigrate = v.GetBool("DB_AUTO_MIGRATE")
	cfg.Database.Host = v.GetString("DB_HOST")
	cfg.Database.Port = v.GetInt("DB_PORT")
	cfg.Database.User = v.GetString("DB_USER")
	cfg.Database.Password = v.GetString("DB_PASSWORD")
	cfg.Database.Database = v.GetString("DB_NAME")
	cfg.Database.SSLMode = v.GetString("DB_SSLMODE")
	cfg.Database.MaxConns = v.GetInt("DB_MAX_CONNS")
	cfg.Database.MaxIdle = v.GetInt("DB_MAX_IDLE")

	cfg.Redis.Addr = v.GetString("REDIS_ADDR")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")

	cfg.MQTT.Enabled = v.GetBool("MQTT_ENABLED")
	cfg.MQTT.Broker = v.GetString("MQTT_BROKER")
	cfg.MQTT.ClientID = v.GetString("MQTT_CLIENT_ID")
	cfg.MQTT.Username = v.GetString("MQTT_USERNAME")
	cfg.MQTT.Password = v.GetString("MQTT_PASSWORD")
	cfg.MQTT.QoS = byte(v.GetInt("MQTT_QOS"))
	cfg.MQTT.ConnectTimeout = v.GetDuration("MQTT_CONNECT_TIMEOUT")
	cfg.Topics.Telemetry = v.GetString("MQTT_TOPIC_TELEMETRY")
	cfg.Topics.Location = v.GetString("MQTT_TOPIC_LOCATION")

	cfg.Dispatch.Strategy = v.GetString("SELECTION_STRATEGY")
	cfg.Dispatch.OracleURL = v.GetString("ORACLE_URL")
	cfg.Dispatch.OracleAPIKey = v.GetString("ORACLE_API_KEY")
	cfg.Dispatch.OracleTimeout = v.GetDuration("ORACLE_TIMEOUT")
	cfg.Dispatch.WorkloadWeightKm = v.GetFloat64("WORKLOAD_WEIGHT_KM")

	cfg.Thresholds.Create = v.GetFloat64("THRESHOLD_CREATE")
	cfg.Thresholds.Complete = v.GetFloat64("THRESHOLD_COMPLETE")

	cfg.EventLog.FilledLevel = v.GetFloat64("LOG_FILLED_LEVEL")
	cfg.EventLog.EmptiedLevel = v.GetFloat64("LOG_EMPTIED_LEVEL")
	cfg.EventLog.DropFrom = v.GetFloat64("LOG_DROP_FROM")
	cfg.EventLog.DropTo = v.GetFloat64("LOG_DROP_TO")
	cfg.EventLog.DropMin = v.GetFloat64("LOG_DROP_MIN")
	cfg.EventLog.DefaultLimit = v.GetInt("LOG_DEFAULT_LIMIT")
	cfg.EventLog.MaxLimit = v.GetInt("LOG_MAX_LIMIT")

	cfg.Notifier.StreamPrefix = v.GetString("NOTIFY_STREAM_PREFIX")
	cfg.Notifier.StreamMaxLen = v.GetInt64("NOTIFY_STREAM_MAXLEN")
	cfg.Notifier.MQTTTopicPrefix = v.GetString("NOTIFY_MQTT_PREFIX")

	cfg.Simulator.Enabled = v.GetBool("SIMULATOR_ENABLED")
	cfg.Simulator.Interval = v.GetDuration("SIMULATOR_INTERVAL")
	cfg.Simulator.MaxStep = v.GetFloat64("SIMULATOR_MAX_STEP")
	cfg.Simulator.CollectChance = v.GetFloat64("SIMULATOR_COLLECT_CHANCE")
	cfg.Simulator.Parallelism = v.GetInt("SIMULATOR_PARALLELISM")

	cfg.Log.Level = v.GetString("LOG_LEVEL")
	cfg.Log.Format = v.GetString("LOG_FORMAT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")

	v.SetDefault("DB_ENABLED", true)
	v.SetDefault("DB_AUTO_MIGRATE", true)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "ecobin")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE", 5)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("MQTT_ENABLED", false)
	v.SetDefault("MQTT_BROKER", "tcp://localhost:1883")
	v.SetDefault("MQTT_CLIENT_ID", "ecobin-dispatch")
	v.SetDefault("MQTT_USERNAME", "")
	v.SetDefault("MQTT_PASSWORD", "")
	v.SetDefault("MQTT_QOS", 1)
	v.SetDefault("MQTT_CONNECT_TIMEOUT", "10s")
	v.SetDefault("MQTT_TOPIC_TELEMETRY", "bins/+/telemetry")
	v.SetDefault("MQTT_TOPIC_LOCATION", "drivers/+/location")

	v.SetDefault("SELECTION_STRATEGY", StrategyOracle)
	v.SetDefault("ORACLE_URL", "http://localhost:9090/v1/arbitrate")
	v.SetDefault("ORACLE_API_KEY", "")
	v.SetDefault("ORACLE_TIMEOUT", "10s")
	v.SetDefault("WORKLOAD_WEIGHT_KM", 50.0)

	v.SetDefault("THRESHOLD_CREATE", 90.0)
	v.SetDefault("THRESHOLD_COMPLETE", 10.0)

	v.SetDefault("LOG_FILLED_LEVEL", 90.0)
	v.SetDefault("LOG_EMPTIED_LEVEL", 5.0)
	v.SetDefault("LOG_DROP_FROM", 50.0)
	v.SetDefault("LOG_DROP_TO", 20.0)
	v.SetDefault("LOG_DROP_MIN", 30.0)
	v.SetDefault("LOG_DEFAULT_LIMIT", 50)
	v.SetDefault("LOG_MAX_LIMIT", 500)

	v.SetDefault("NOTIFY_STREAM_PREFIX", "notify:")
	v.SetDefault("NOTIFY_STREAM_MAXLEN", 1000)
	v.SetDefault("NOTIFY_MQTT_PREFIX", "notify/")

	v.SetDefault("SIMULATOR_ENABLED", false)
	v.SetDefault("SIMULATOR_INTERVAL", "30s")
	v.SetDefault("SIMULATOR_MAX_STEP", 8.0)
	v.SetDefault("SIMULATOR_COLLECT_CHANCE", 0.2)
	v.SetDefault("SIMULATOR_PARALLELISM", 8)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Validate rejects combinations the service cannot run with
func (c *Config) Validate() error {
	switch c.Dispatch.Strategy {
	case StrategyOracle, StrategyHeuristic, StrategyOracleThenHeuristic:
	default:
		return fmt.Errorf("unknown SELECTION_STRATEGY %q", c.Dispatch.Strategy)
	}
	if c.Dispatch.Strategy != StrategyHeuristic && c.Dispatch.OracleURL == "" {
		return fmt.Errorf("ORACLE_URL is required for strategy %s", c.Dispatch.Strategy)
	}
	if c.Dispatch.OracleTimeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive")
	}
	if c.Thresholds.Complete >= c.Thresholds.Create {
		return fmt.Errorf("THRESHOLD_COMPLETE (%v) must be below THRESHOLD_CREATE (%v)",
			c.Thresholds.Complete, c.Thresholds.Create)
	}
	if c.EventLog.DefaultLimit <= 0 || c.EventLog.MaxLimit < c.EventLog.DefaultLimit {
		return fmt.Errorf("invalid LOG_DEFAULT_LIMIT/LOG_MAX_LIMIT")
	}
	if c.Simulator.Enabled && c.Simulator.Interval <= 0 {
		return fmt.Errorf("SIMULATOR_INTERVAL must be positive")
	}
	return nil
}
