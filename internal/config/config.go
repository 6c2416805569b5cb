// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Planning() PlanningConfig
	Planners() PlannersConfig

	// Engine Setters
	SetEngineWorkerConcurrency(int)
	SetEngineDispatchRate(float64)

	// Planner Setters
	SetDefaultPlanner(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	PlanningCfg PlanningConfig `mapstructure:"planning" yaml:"planning"`
	PlannersCfg PlannersConfig `mapstructure:"planners" yaml:"planners"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Planning() PlanningConfig { return c.PlanningCfg }
func (c *Config) Planners() PlannersConfig { return c.PlannersCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetEngineDispatchRate(r float64)  { c.EngineCfg.DispatchRate = r }
func (c *Config) SetDefaultPlanner(name string)    { c.PlannersCfg.Default = name }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the connection details of the operation history store.
// An empty URL keeps history in memory only.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures the link execution engine.
type EngineConfig struct {
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	LinkTimeout       time.Duration `mapstructure:"link_timeout" yaml:"link_timeout"`
	// DispatchRate is links per second handed to agents; zero disables pacing.
	DispatchRate  float64 `mapstructure:"dispatch_rate" yaml:"dispatch_rate"`
	DispatchBurst int     `mapstructure:"dispatch_burst" yaml:"dispatch_burst"`
}

// PlanningConfig tunes candidate link generation.
type PlanningConfig struct {
	MaxLinksPerAbility int `mapstructure:"max_links_per_ability" yaml:"max_links_per_ability"`
}

// PlannersConfig is a container for every planner's parameters.
type PlannersConfig struct {
	Default   string          `mapstructure:"default" yaml:"default"`
	Guided    GuidedConfig    `mapstructure:"guided" yaml:"guided"`
	LookAhead LookAheadConfig `mapstructure:"look_ahead" yaml:"look_ahead"`
	Bayes     BayesConfig     `mapstructure:"bayes" yaml:"bayes"`
	Phased    PhasedConfig    `mapstructure:"phased" yaml:"phased"`
}

// GuidedConfig holds the decay constants and weights of the guided planner.
type GuidedConfig struct {
	HalfLifePenalty     float64 `mapstructure:"half_life_penalty" yaml:"half_life_penalty"`
	HalfLifeGain        float64 `mapstructure:"half_life_gain" yaml:"half_life_gain"`
	GoalActionDecay     float64 `mapstructure:"goal_action_decay" yaml:"goal_action_decay"`
	GoalWeight          float64 `mapstructure:"goal_weight" yaml:"goal_weight"`
	FactScoreWeight     float64 `mapstructure:"fact_score_weight" yaml:"fact_score_weight"`
	GoalCountMultiplier int     `mapstructure:"goal_count_multiplier" yaml:"goal_count_multiplier"`
}

// LookAheadConfig holds the look-ahead planner's recursion parameters.
type LookAheadConfig struct {
	Depth          int                `mapstructure:"depth" yaml:"depth"`
	Discount       float64            `mapstructure:"discount" yaml:"discount"`
	DefaultReward  float64            `mapstructure:"default_reward" yaml:"default_reward"`
	AbilityRewards map[string]float64 `mapstructure:"ability_rewards" yaml:"ability_rewards"`
}

// BayesConfig holds the historical-probability planner's parameters.
type BayesConfig struct {
	MinLinkData int `mapstructure:"min_link_data" yaml:"min_link_data"`
	// MinProbLinkSuccess below zero derives the threshold from the operation visibility.
	MinProbLinkSuccess    float64  `mapstructure:"min_prob_link_success" yaml:"min_prob_link_success"`
	DelayExecutionLinks   []string `mapstructure:"delay_execution_links" yaml:"delay_execution_links"`
	ExcludedTraitPrefixes []string `mapstructure:"excluded_trait_prefixes" yaml:"excluded_trait_prefixes"`
	RebuildEvery          int      `mapstructure:"rebuild_every" yaml:"rebuild_every"`
	Debug                 bool     `mapstructure:"debug" yaml:"debug"`
}

// PhasedConfig lists the buckets the phased sequencer walks through, in order.
type PhasedConfig struct {
	Buckets []string `mapstructure:"buckets" yaml:"buckets"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "waypoint")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Engine --
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.worker_concurrency", 8)
	v.SetDefault("engine.link_timeout", "60s")
	v.SetDefault("engine.dispatch_rate", 0.0)
	v.SetDefault("engine.dispatch_burst", 1)

	// -- Planning --
	v.SetDefault("planning.max_links_per_ability", 64)

	// -- Planners --
	v.SetDefault("planners.default", "atomic")
	v.SetDefault("planners.guided.half_life_penalty", 4.0)
	v.SetDefault("planners.guided.half_life_gain", 2.0)
	v.SetDefault("planners.guided.goal_action_decay", 2.0)
	v.SetDefault("planners.guided.goal_weight", 1.0)
	v.SetDefault("planners.guided.fact_score_weight", 0.0)
	v.SetDefault("planners.guided.goal_count_multiplier", 1)
	v.SetDefault("planners.look_ahead.depth", 3)
	v.SetDefault("planners.look_ahead.discount", 0.9)
	v.SetDefault("planners.look_ahead.default_reward", 1.0)
	v.SetDefault("planners.bayes.min_link_data", 3)
	v.SetDefault("planners.bayes.min_prob_link_success", -1.0)
	v.SetDefault("planners.bayes.excluded_trait_prefixes", []string{"host.", "remote.", "file.last.", "domain.user."})
	v.SetDefault("planners.bayes.rebuild_every", 10)
	v.SetDefault("planners.bayes.debug", false)
	v.SetDefault("planners.phased.buckets", []string{"enumeration", "goals", "lateral_movement", "misc"})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix("WAYPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Bind the DSN explicitly so it is picked up even when no file sets it.
	if err := v.BindEnv("database.url", "WAYPOINT_DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("error binding database url: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.DispatchRate < 0 {
		return fmt.Errorf("engine.dispatch_rate must not be negative")
	}
	if c.PlanningCfg.MaxLinksPerAbility <= 0 {
		return fmt.Errorf("planning.max_links_per_ability must be a positive integer")
	}
	if err := c.PlannersCfg.Guided.Validate(); err != nil {
		return fmt.Errorf("planners.guided configuration invalid: %w", err)
	}
	if err := c.PlannersCfg.LookAhead.Validate(); err != nil {
		return fmt.Errorf("planners.look_ahead configuration invalid: %w", err)
	}
	if err := c.PlannersCfg.Bayes.Validate(); err != nil {
		return fmt.Errorf("planners.bayes configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the guided planner constants. The decay constants divide, so
// they must be positive.
func (g *GuidedConfig) Validate() error {
	if g.HalfLifePenalty <= 0 || g.HalfLifeGain <= 0 || g.GoalActionDecay <= 0 {
		return fmt.Errorf("half_life_penalty, half_life_gain and goal_action_decay must be positive")
	}
	if g.GoalCountMultiplier <= 0 {
		return fmt.Errorf("goal_count_multiplier must be a positive integer")
	}
	return nil
}

// Validate checks the look-ahead planner parameters.
func (l *LookAheadConfig) Validate() error {
	if l.Depth < 0 {
		return fmt.Errorf("depth must not be negative")
	}
	if l.Discount <= 0 || l.Discount > 1 {
		return fmt.Errorf("discount must be in (0, 1]")
	}
	return nil
}

// Validate checks the Bayes planner parameters.
func (b *BayesConfig) Validate() error {
	if b.MinLinkData < 0 {
		return fmt.Errorf("min_link_data must not be negative")
	}
	if b.MinProbLinkSuccess > 1 {
		return fmt.Errorf("min_prob_link_success must not exceed 1.0")
	}
	if b.RebuildEvery <= 0 {
		return fmt.Errorf("rebuild_every must be a positive integer")
	}
	return nil
}
