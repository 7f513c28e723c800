package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Evaluation EvaluationConfig `yaml:"evaluation" mapstructure:"evaluation"`
	Voting     VotingConfig     `yaml:"voting" mapstructure:"voting"`
	Milestones MilestoneConfig  `yaml:"milestones" mapstructure:"milestones"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Payment    PaymentConfig    `yaml:"payment" mapstructure:"payment"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// WeightsConfig is the per-agent share of the overall grant score.
type WeightsConfig struct {
	Technical    float64 `yaml:"technical" mapstructure:"technical"`
	Impact       float64 `yaml:"impact" mapstructure:"impact"`
	DueDiligence float64 `yaml:"due_diligence" mapstructure:"due_diligence"`
	Budget       float64 `yaml:"budget" mapstructure:"budget"`
	Community    float64 `yaml:"community" mapstructure:"community"`
}

// EvaluationConfig configures the scorer panel and aggregation.
type EvaluationConfig struct {
	Weights              WeightsConfig `yaml:"weights" mapstructure:"weights"`
	MinPassingScore      float64       `yaml:"min_passing_score" mapstructure:"min_passing_score"`
	ConsensusThreshold   float64       `yaml:"consensus_threshold" mapstructure:"consensus_threshold"`
	RequireHumanReview   bool          `yaml:"require_human_review" mapstructure:"require_human_review"`
	RequireCompletePanel bool          `yaml:"require_complete_panel" mapstructure:"require_complete_panel"`
	ScorerTimeoutSecs    int           `yaml:"scorer_timeout_secs" mapstructure:"scorer_timeout_secs"`
	MaxConcurrentScorers int           `yaml:"max_concurrent_scorers" mapstructure:"max_concurrent_scorers"`
}

// ScorerTimeout returns the per-agent timeout.
func (c EvaluationConfig) ScorerTimeout() time.Duration {
	return time.Duration(c.ScorerTimeoutSecs) * time.Second
}

// VotingConfig configures community polls.
type VotingConfig struct {
	MinVoters                int     `yaml:"min_voters" mapstructure:"min_voters"`
	MinTokenParticipation    float64 `yaml:"min_token_participation" mapstructure:"min_token_participation"`
	DefaultPollDurationHours int     `yaml:"default_poll_duration_hours" mapstructure:"default_poll_duration_hours"`
	AllowRevote              bool    `yaml:"allow_revote" mapstructure:"allow_revote"`
	// GovernanceGate requires an approving poll before a grant is approved.
	GovernanceGate bool `yaml:"governance_gate" mapstructure:"governance_gate"`
}

// DefaultPollDuration returns the poll length used when none is given.
func (c VotingConfig) DefaultPollDuration() time.Duration {
	return time.Duration(c.DefaultPollDurationHours) * time.Hour
}

// MilestoneConfig configures milestone payout.
type MilestoneConfig struct {
	PaymentModel string `yaml:"payment_model" mapstructure:"payment_model"`
}

// AnthropicConfig holds Anthropic API settings for LLM scorers.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// ResilienceConfig configures retries and circuit breakers for outbound calls.
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	ConflictRetries  int     `yaml:"conflict_retries" mapstructure:"conflict_retries"`
}

// TemporalConfig configures the payment release worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	WebhookURL       string `yaml:"webhook_url" mapstructure:"webhook_url"`
	NotionToken      string `yaml:"notion_token" mapstructure:"notion_token"`
	NotionDatabaseID string `yaml:"notion_database_id" mapstructure:"notion_database_id"`
}

// PaymentConfig configures the payment gateway.
type PaymentConfig struct {
	GatewayURL string `yaml:"gateway_url" mapstructure:"gateway_url"`
	APIKey     string `yaml:"api_key" mapstructure:"api_key"`
}

// Load reads configuration from config.yaml and GRANT_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("GRANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("evaluation.weights.technical", 0.25)
	v.SetDefault("evaluation.weights.impact", 0.25)
	v.SetDefault("evaluation.weights.due_diligence", 0.20)
	v.SetDefault("evaluation.weights.budget", 0.15)
	v.SetDefault("evaluation.weights.community", 0.15)
	v.SetDefault("evaluation.min_passing_score", 0.5)
	v.SetDefault("evaluation.consensus_threshold", 0.8)
	v.SetDefault("evaluation.require_human_review", true)
	v.SetDefault("evaluation.scorer_timeout_secs", 120)
	v.SetDefault("evaluation.max_concurrent_scorers", 5)
	v.SetDefault("voting.min_voters", 10)
	v.SetDefault("voting.min_token_participation", 0.05)
	v.SetDefault("voting.default_poll_duration_hours", 168)
	v.SetDefault("voting.allow_revote", true)
	v.SetDefault("milestones.payment_model", "sequential")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_second", 2)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 60)
	v.SetDefault("resilience.conflict_retries", 3)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "grant-payments")

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

// Validate checks that evaluation and voting settings are usable.
func (c *Config) Validate() error {
	var errs []string

	w := c.Evaluation.Weights
	for name, v := range map[string]float64{
		"technical": w.Technical, "impact": w.Impact, "due_diligence": w.DueDiligence,
		"budget": w.Budget, "community": w.Community,
	} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("evaluation.weights.%s must be >= 0", name))
		}
	}
	if w.Technical+w.Impact+w.DueDiligence+w.Budget+w.Community <= 0 {
		errs = append(errs, "evaluation weights must sum to > 0")
	}
	if t := c.Evaluation.ConsensusThreshold; t < 0 || t > 1 {
		errs = append(errs, "evaluation.consensus_threshold must be between 0 and 1")
	}
	if c.Voting.MinVoters < 0 {
		errs = append(errs, "voting.min_voters must be >= 0")
	}
	if p := c.Voting.MinTokenParticipation; p < 0 || p > 1 {
		errs = append(errs, "voting.min_token_participation must be between 0 and 1")
	}
	if c.Voting.DefaultPollDurationHours <= 0 {
		errs = append(errs, "voting.default_poll_duration_hours must be > 0")
	}
	if pm := c.Milestones.PaymentModel; pm != "sequential" && pm != "parallel" {
		errs = append(errs, fmt.Sprintf("milestones.payment_model %q must be sequential or parallel", pm))
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
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
