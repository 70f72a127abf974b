// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Verify    VerifyConfig    `yaml:"verify" mapstructure:"verify"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FetchConfig configures the page fetch collaborator.
type FetchConfig struct {
	BaseURL     string   `yaml:"base_url" mapstructure:"base_url"`
	SeedPaths   []string `yaml:"seed_paths" mapstructure:"seed_paths"`
	MaxPages    int      `yaml:"max_pages" mapstructure:"max_pages"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	DelayMillis int      `yaml:"delay_millis" mapstructure:"delay_millis"`
}

// VerifyConfig configures source verification.
type VerifyConfig struct {
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
	DelayMillis int `yaml:"delay_millis" mapstructure:"delay_millis"`
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	RefreshThreshold float64 `yaml:"refresh_threshold" mapstructure:"refresh_threshold"`
	RetentionDays    int     `yaml:"retention_days" mapstructure:"retention_days"`
	StuckRunHours    int     `yaml:"stuck_run_hours" mapstructure:"stuck_run_hours"`
	ReportDir        string  `yaml:"report_dir" mapstructure:"report_dir"`
}

// SchedulerConfig configures the recurring trigger intervals.
type SchedulerConfig struct {
	FullIntervalHours          int `yaml:"full_interval_hours" mapstructure:"full_interval_hours"`
	ReprocessIntervalHours     int `yaml:"reprocess_interval_hours" mapstructure:"reprocess_interval_hours"`
	VisualizationIntervalHours int `yaml:"visualization_interval_hours" mapstructure:"visualization_interval_hours"`
	HealthIntervalMins         int `yaml:"health_interval_mins" mapstructure:"health_interval_mins"`
	PurgeIntervalHours         int `yaml:"purge_interval_hours" mapstructure:"purge_interval_hours"`
}

// NotifyConfig configures the operator notification webhook.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// FullInterval returns the full-run trigger interval.
func (c SchedulerConfig) FullInterval() time.Duration {
	return time.Duration(c.FullIntervalHours) * time.Hour
}

// ReprocessInterval returns the incremental-run trigger interval.
func (c SchedulerConfig) ReprocessInterval() time.Duration {
	return time.Duration(c.ReprocessIntervalHours) * time.Hour
}

// VisualizationInterval returns the visualization-run trigger interval.
func (c SchedulerConfig) VisualizationInterval() time.Duration {
	return time.Duration(c.VisualizationIntervalHours) * time.Hour
}

// HealthInterval returns the health-check trigger interval.
func (c SchedulerConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMins) * time.Minute
}

// PurgeInterval returns the history-purge trigger interval.
func (c SchedulerConfig) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalHours) * time.Hour
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CIVICDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "civicdata.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("fetch.max_pages", 200)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.delay_millis", 500)
	v.SetDefault("verify.batch_size", 50)
	v.SetDefault("verify.delay_millis", 1000)
	v.SetDefault("verify.timeout_secs", 15)
	v.SetDefault("pipeline.refresh_threshold", 0.30)
	v.SetDefault("pipeline.retention_days", 30)
	v.SetDefault("pipeline.stuck_run_hours", 4)
	v.SetDefault("pipeline.report_dir", "reports")
	v.SetDefault("scheduler.full_interval_hours", 168)
	v.SetDefault("scheduler.reprocess_interval_hours", 24)
	v.SetDefault("scheduler.visualization_interval_hours", 24)
	v.SetDefault("scheduler.health_interval_mins", 60)
	v.SetDefault("scheduler.purge_interval_hours", 24)
	v.SetDefault("server.port", 8080)
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
