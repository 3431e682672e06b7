// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator, matching
// the document shape in the specification's External Interfaces section.
type Config struct {
	Execution        ExecutionConfig        `mapstructure:"execution"`
	Agents           map[string]AgentConfig `mapstructure:"agents"`
	Tracker          TrackerConfig          `mapstructure:"tracker"`
	Worktree         WorktreeConfig         `mapstructure:"worktree"`
	Notifier         NotifierConfig         `mapstructure:"notifier"`
	StatusTable      StatusTableConfig      `mapstructure:"statusTable"`
	Logging          LoggingConfig          `mapstructure:"logging"`
	Service          ServiceConfig          `mapstructure:"service"`
	StatusResilience StatusResilienceConfig `mapstructure:"statusResilience"`
}

// ExecutionConfig covers both the AI execution service connection and the
// orchestration-wide parallel/retry/testing knobs. The specification lists
// "execution" twice (service connection, then parallel/retry/testing); both
// halves live on this one struct, exactly as the document specifies.
type ExecutionConfig struct {
	BaseURL      string            `mapstructure:"baseUrl"`
	Timeout      time.Duration     `mapstructure:"timeout"`
	Retries      int               `mapstructure:"retries"`
	PollInterval time.Duration     `mapstructure:"pollInterval"`
	Parallel     ParallelConfig    `mapstructure:"parallel"`
	Retry        RetryConfig       `mapstructure:"retry"`
	Testing      TestingConfig     `mapstructure:"testing"`
	AutoApprove  bool              `mapstructure:"autoApprove"`
}

// ParallelConfig bounds the Testing Stage's concurrent agent count.
type ParallelConfig struct {
	// Raw is an integer, or the literal "auto" to mean the logical CPU
	// count (§5). Call Resolve to turn it into an actual concurrency cap.
	Raw string `mapstructure:"maxConcurrency"`
}

// RetryConfig parameterizes the Retry/Backoff executor (§4.3).
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"maxAttempts"`
	BackoffMultiplier float64 `mapstructure:"backoffMultiplier"`
	InitialDelayMs    int     `mapstructure:"initialDelayMs"`
}

// TestingConfig covers the Testing Stage's batch-failure policy (§4.13).
type TestingConfig struct {
	ContinueOnFailure bool `mapstructure:"continueOnFailure"`
}

// ModelRef identifies a model on a provider.
type ModelRef struct {
	ProviderID string `mapstructure:"providerID"`
	ModelID    string `mapstructure:"modelID"`
}

// AgentConfig is the per-role agent configuration (architect, sculptor,
// sentinel, craftsman, validator, ...).
type AgentConfig struct {
	Model   ModelRef      `mapstructure:"model"`
	Agent   string        `mapstructure:"agent"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TrackerConfig describes the issue tracker / repository binding.
type TrackerConfig struct {
	Owner                 string `mapstructure:"owner"`
	Repo                  string `mapstructure:"repo"`
	RepoPath              string `mapstructure:"repoPath"`
	BaseBranch            string `mapstructure:"baseBranch"`
	LabelPrefix           string `mapstructure:"labelPrefix"`
	CreatePR              bool   `mapstructure:"createPR"`
	AutoMergePR           bool   `mapstructure:"autoMergePR"`
	CloseSubOnCompletion  bool   `mapstructure:"closeSubOnCompletion"`
}

// WorktreeConfig controls the Worktree Manager (§4.6).
type WorktreeConfig struct {
	BasePath          string `mapstructure:"basePath"`
	CleanupOnCompletion bool `mapstructure:"cleanupOnCompletion"`
	CleanupOnFailure  bool   `mapstructure:"cleanupOnFailure"`
}

// NotifierConfig controls the Notifier (§4.19).
type NotifierConfig struct {
	WebhookURL        string   `mapstructure:"webhookUrl"`
	NotificationLevel string   `mapstructure:"notificationLevel"` // all-major-events | stage-transitions | errors-only
	MentionRoles      []string `mapstructure:"mentionRoles"`
}

// StatusTableConfig controls the Status Reporter's rendered table (§4.8).
type StatusTableConfig struct {
	UpdateIntervalSeconds  int  `mapstructure:"updateIntervalSeconds"`
	ShowRetryHistory       bool `mapstructure:"showRetryHistory"`
	MaxRetryHistoryEntries int  `mapstructure:"maxRetryHistoryEntries"`
}

// LoggingConfig controls the logging facade and on-disk dumps (§6).
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	DebugMode    bool   `mapstructure:"debugMode"`
	LogDir       string `mapstructure:"logDir"`
	DebugLogDir  string `mapstructure:"debugLogDir"`
}

// ServiceConfig controls the FIFO Queue's service loop and Web Surface (§4.17, §4.18).
type ServiceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	PollInterval  time.Duration `mapstructure:"pollInterval"`
	QueueLabel    string        `mapstructure:"queueLabel"`
	MaxBufferSize int           `mapstructure:"maxBufferSize"`

	// StaticDir serves the web client's build output, if set. Unknown
	// non-API paths under it fall back to index.html (§4.18).
	StaticDir string `mapstructure:"staticDir"`
}

// StatusResilienceConfig controls the Watchdog and Failover layer (§4.10).
type StatusResilienceConfig struct {
	Features      ResilienceFeatures `mapstructure:"features"`
	ModelFailover ModelFailoverConfig `mapstructure:"modelFailover"`
}

// ResilienceFeatures are feature flags gating the resilience layer.
type ResilienceFeatures struct {
	HangRecovery       bool `mapstructure:"hangRecovery"`
	UseOcclientEvents  bool `mapstructure:"useOcclientEvents"`
	PollBasedFallback  bool `mapstructure:"pollBasedFallback"`
}

// ModelFailoverConfig controls per-agent model failover (§4.10).
type ModelFailoverConfig struct {
	Enabled                bool                 `mapstructure:"enabled"`
	TimeoutThresholdSeconds int                 `mapstructure:"timeoutThresholdSeconds"`
	MaxFailoversPerAgent   int                  `mapstructure:"maxFailoversPerAgent"`
	FailbackModels         map[string]ModelRef  `mapstructure:"failbackModels"`
}

// EnvPrefix is the environment variable prefix used for overrides.
const EnvPrefix = "PIPEFLOW"

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("execution.timeout", "30s")
	v.SetDefault("execution.retries", 3)
	v.SetDefault("execution.pollInterval", "5s")
	v.SetDefault("execution.parallel.maxConcurrency", "auto")
	v.SetDefault("execution.retry.maxAttempts", 3)
	v.SetDefault("execution.retry.backoffMultiplier", 2.0)
	v.SetDefault("execution.retry.initialDelayMs", 1000)
	v.SetDefault("execution.testing.continueOnFailure", true)
	v.SetDefault("execution.autoApprove", false)

	v.SetDefault("tracker.baseBranch", "main")
	v.SetDefault("tracker.labelPrefix", "")
	v.SetDefault("tracker.createPR", true)
	v.SetDefault("tracker.autoMergePR", false)
	v.SetDefault("tracker.closeSubOnCompletion", false)

	v.SetDefault("worktree.basePath", "~/.pipeflow/worktrees")
	v.SetDefault("worktree.cleanupOnCompletion", false)
	v.SetDefault("worktree.cleanupOnFailure", false)

	v.SetDefault("notifier.notificationLevel", "stage-transitions")

	v.SetDefault("statusTable.updateIntervalSeconds", 60)
	v.SetDefault("statusTable.showRetryHistory", true)
	v.SetDefault("statusTable.maxRetryHistoryEntries", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.debugMode", false)
	v.SetDefault("logging.logDir", "~/.pipeflow/logs")
	v.SetDefault("logging.debugLogDir", "~/.pipeflow/debug")

	v.SetDefault("service.enabled", true)
	v.SetDefault("service.port", 8089)
	v.SetDefault("service.host", "0.0.0.0")
	v.SetDefault("service.pollInterval", "60s")
	v.SetDefault("service.queueLabel", "queue")
	v.SetDefault("service.maxBufferSize", 10000)

	v.SetDefault("statusResilience.features.hangRecovery", true)
	v.SetDefault("statusResilience.features.useOcclientEvents", true)
	v.SetDefault("statusResilience.features.pollBasedFallback", true)
	v.SetDefault("statusResilience.modelFailover.enabled", true)
	v.SetDefault("statusResilience.modelFailover.timeoutThresholdSeconds", 300)
	v.SetDefault("statusResilience.modelFailover.maxFailoversPerAgent", 2)
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pipeflow/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := MigrateLegacyDocument(v.ConfigFileUsed()); err != nil {
		return nil, fmt.Errorf("error migrating legacy config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Service.Port <= 0 || cfg.Service.Port > 65535 {
		errs = append(errs, "service.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error, fatal")
	}

	validNotifLevels := map[string]bool{"errors-only": true, "stage-transitions": true, "all-major-events": true}
	if cfg.Notifier.NotificationLevel != "" && !validNotifLevels[cfg.Notifier.NotificationLevel] {
		errs = append(errs, "notifier.notificationLevel must be one of: errors-only, stage-transitions, all-major-events")
	}

	if cfg.Execution.Retry.MaxAttempts < 1 {
		errs = append(errs, "execution.retry.maxAttempts must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// Resolve turns Raw into an actual concurrency cap, resolving the "auto"
// literal (and an empty value) to numCPU.
func (p ParallelConfig) Resolve(numCPU int) int {
	if p.Raw == "" || strings.EqualFold(p.Raw, "auto") {
		if numCPU < 1 {
			return 1
		}
		return numCPU
	}
	var n int
	if _, err := fmt.Sscanf(p.Raw, "%d", &n); err != nil || n < 1 {
		return 1
	}
	return n
}

// InitialDelay returns the retry's initial delay as a time.Duration.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}
