// Package config provides configuration loading and validation for the
// relay. Values come from defaults, an optional config.yaml, and RELAY_*
// environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Defaults for optional configuration parameters.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultListenAddr = ":8080"

	DefaultAIProvider        = "openai"
	DefaultAIMaxRetries      = 3
	DefaultAIRetryDelaySecs  = 1
	DefaultAITimeoutSecs     = 50
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenAIModel       = "gpt-3.5-turbo"
	DefaultGeminiModel       = "gemini-2.0-flash-lite"
	DefaultGeminiTemperature = float32(1.0)

	DefaultDBPath         = "relay.db"
	DefaultContextWindow  = 4
	DefaultMaxStoredTurns = 1000
	DefaultFastTTLMinutes = 10
	DefaultDedupTTLSecs   = 60

	DefaultTrimSchedule   = "0 0 * * * *"  // hourly
	DefaultVacuumSchedule = "0 30 4 * * *" // daily, off-peak
)

// Config is the full application configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	AI          AIConfig          `mapstructure:"ai"`
	History     HistoryConfig     `mapstructure:"history"`
	WeChat      WeChatConfig      `mapstructure:"wechat"`
	Feishu      FeishuConfig      `mapstructure:"feishu"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type AIConfig struct {
	Provider          string `mapstructure:"provider" validate:"required"`
	Instruction       string `mapstructure:"instruction"`
	MaxRetries        int    `mapstructure:"max_retries"         validate:"min=0,max=10"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"min=0,max=60"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"     validate:"min=1,max=300"`
	OpenAI            OpenAI `mapstructure:"openai"`
	Gemini            Gemini `mapstructure:"gemini"`
}

type OpenAI struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Model   string `mapstructure:"model"`
}

type Gemini struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature" validate:"min=0,max=2"`
}

type HistoryConfig struct {
	DBPath         string `mapstructure:"db_path"`
	ContextWindow  int    `mapstructure:"context_window"   validate:"min=1,max=50"`
	MaxStoredTurns int    `mapstructure:"max_stored_turns" validate:"min=2,max=100000"`
	FastTTLMinutes int    `mapstructure:"fast_ttl_minutes" validate:"min=1,max=1440"`
	DedupTTLSecs   int    `mapstructure:"dedup_ttl_seconds" validate:"min=1,max=3600"`
}

type WeChatConfig struct {
	Token   string `mapstructure:"token"`
	Welcome string `mapstructure:"welcome"`
}

type FeishuConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	AppID             string `mapstructure:"app_id"`
	AppSecret         string `mapstructure:"app_secret"`
	EncryptSecret     string `mapstructure:"encrypt_secret"`
	VerificationToken string `mapstructure:"verification_token"`
	APIBase           string `mapstructure:"api_base" validate:"omitempty,url"`
}

type MaintenanceConfig struct {
	TrimSchedule   string `mapstructure:"trim_schedule"`
	VacuumSchedule string `mapstructure:"vacuum_schedule"`
}

// Load reads configuration from defaults, an optional config.yaml in the
// working directory, and RELAY_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine, defaults plus environment apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints plus the cross-field rule that the
// selected AI provider has an API key.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch strings.ToLower(c.AI.Provider) {
	case "gemini":
		if c.AI.Gemini.APIKey == "" {
			return fmt.Errorf("ai.gemini.api_key is required when ai.provider is gemini")
		}
	default:
		if c.AI.OpenAI.APIKey == "" {
			return fmt.Errorf("ai.openai.api_key is required when ai.provider is %s", c.AI.Provider)
		}
	}

	if c.Feishu.Enabled && (c.Feishu.AppID == "" || c.Feishu.AppSecret == "") {
		return fmt.Errorf("feishu.app_id and feishu.app_secret are required when feishu is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)

	v.SetDefault("server.addr", DefaultListenAddr)

	v.SetDefault("ai.provider", DefaultAIProvider)
	v.SetDefault("ai.max_retries", DefaultAIMaxRetries)
	v.SetDefault("ai.retry_delay_seconds", DefaultAIRetryDelaySecs)
	v.SetDefault("ai.timeout_seconds", DefaultAITimeoutSecs)
	v.SetDefault("ai.openai.base_url", DefaultOpenAIBaseURL)
	v.SetDefault("ai.openai.model", DefaultOpenAIModel)
	v.SetDefault("ai.gemini.model", DefaultGeminiModel)
	v.SetDefault("ai.gemini.temperature", DefaultGeminiTemperature)

	// Secrets default to empty so environment overrides bind without a
	// config file entry.
	v.SetDefault("ai.instruction", "")
	v.SetDefault("ai.openai.api_key", "")
	v.SetDefault("ai.gemini.api_key", "")
	v.SetDefault("wechat.token", "")
	v.SetDefault("wechat.welcome", "")
	v.SetDefault("feishu.enabled", false)
	v.SetDefault("feishu.app_id", "")
	v.SetDefault("feishu.app_secret", "")
	v.SetDefault("feishu.encrypt_secret", "")
	v.SetDefault("feishu.verification_token", "")
	v.SetDefault("feishu.api_base", "")

	v.SetDefault("history.db_path", DefaultDBPath)
	v.SetDefault("history.context_window", DefaultContextWindow)
	v.SetDefault("history.max_stored_turns", DefaultMaxStoredTurns)
	v.SetDefault("history.fast_ttl_minutes", DefaultFastTTLMinutes)
	v.SetDefault("history.dedup_ttl_seconds", DefaultDedupTTLSecs)

	v.SetDefault("maintenance.trim_schedule", DefaultTrimSchedule)
	v.SetDefault("maintenance.vacuum_schedule", DefaultVacuumSchedule)
}
