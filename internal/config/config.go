package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	RedisQ      RedisQConfig      `yaml:"redisq" mapstructure:"redisq"`
	ESI         ESIConfig         `yaml:"esi" mapstructure:"esi"`
	Ledger      LedgerConfig      `yaml:"ledger" mapstructure:"ledger"`
	Run         RunConfig         `yaml:"run" mapstructure:"run"`
	Maintenance MaintenanceConfig `yaml:"maintenance" mapstructure:"maintenance"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RedisQConfig configures the long-poll event source.
type RedisQConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	QueueID     string `yaml:"queue_id" mapstructure:"queue_id"`
	WaitSecs    int    `yaml:"wait_secs" mapstructure:"wait_secs"`
	MaxPolls    int    `yaml:"max_polls" mapstructure:"max_polls"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ESIConfig configures the enrichment API client.
type ESIConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LedgerConfig configures the external durability ledger. An empty URL
// disables ledger appends.
type LedgerConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Secret      string `yaml:"secret" mapstructure:"secret"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RunConfig bounds a single tick.
type RunConfig struct {
	MaxSeconds int `yaml:"max_seconds" mapstructure:"max_seconds"`
	MaxEnrich  int `yaml:"max_enrich" mapstructure:"max_enrich"`
}

// MaintenanceConfig configures retention horizons for log compaction.
type MaintenanceConfig struct {
	LogRetentionDays      int `yaml:"log_retention_days" mapstructure:"log_retention_days"`
	EnrichedRetentionDays int `yaml:"enriched_retention_days" mapstructure:"enriched_retention_days"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("KILLFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	// Keys expected from the environment need a default so Unmarshal sees them.
	v.SetDefault("store.database_url", "")
	v.SetDefault("ledger.url", "")
	v.SetDefault("ledger.secret", "")
	v.SetDefault("redisq.base_url", "https://zkillredisq.stream/listen.php")
	v.SetDefault("redisq.queue_id", "killfeed_main")
	v.SetDefault("redisq.wait_secs", 10)
	v.SetDefault("redisq.max_polls", 4)
	v.SetDefault("redisq.timeout_secs", 30)
	v.SetDefault("esi.base_url", "https://esi.evetech.net/latest")
	v.SetDefault("esi.user_agent", "killfeed/0.1 (contact: ops@eveobs.dev)")
	v.SetDefault("esi.timeout_secs", 30)
	v.SetDefault("ledger.timeout_secs", 30)
	v.SetDefault("run.max_seconds", 50)
	v.SetDefault("run.max_enrich", 10)
	v.SetDefault("maintenance.log_retention_days", 400)
	v.SetDefault("maintenance.enriched_retention_days", 365)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required by a command are present.
func (c *Config) Validate(section string) error {
	switch section {
	case "tick", "status", "maintenance":
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
		}
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver (KILLFEED_STORE_DATABASE_URL)")
		}
		if section == "tick" && c.Ledger.URL != "" && c.Ledger.Secret == "" {
			return eris.New("config: ledger.secret is required when ledger.url is set (KILLFEED_LEDGER_SECRET)")
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
