package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config holds settings shared by the server and the terminal client.
type Config struct {
	ListenAddr         string        `toml:"listen_addr" mapstructure:"listen_addr"`
	DBPath             string        `toml:"db_path" mapstructure:"db_path"`
	GatewayBaseURL     string        `toml:"gateway_base_url" mapstructure:"gateway_base_url"`
	GatewayToken       string        `toml:"gateway_token" mapstructure:"gateway_token"` // may reference $VAR
	Model              string        `toml:"model" mapstructure:"model"`
	PromptFile         string        `toml:"prompt_file" mapstructure:"prompt_file"`
	ChatURL            string        `toml:"chat_url" mapstructure:"chat_url"`
	PublishableKey     string        `toml:"publishable_key" mapstructure:"publishable_key"` // may reference $VAR
	UserID             string        `toml:"user_id" mapstructure:"user_id"`
	RateLimitPerMinute int           `toml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"` // 0 = unlimited
	PersistTimeout     time.Duration `toml:"persist_timeout" mapstructure:"persist_timeout"`
	PersistRetryDelay  time.Duration `toml:"persist_retry_delay" mapstructure:"persist_retry_delay"`
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenAddr:         ":8100",
		DBPath:             "luna.db",
		GatewayBaseURL:     "https://ai.gateway.lovable.dev/v1",
		GatewayToken:       "$LOVABLE_API_KEY",
		Model:              "google/gemini-2.5-flash",
		ChatURL:            "http://localhost:8100/functions/v1/chat",
		PublishableKey:     "$LUNA_PUBLISHABLE_KEY",
		RateLimitPerMinute: 60,
		PersistTimeout:     10 * time.Second,
		PersistRetryDelay:  250 * time.Millisecond,
	}
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("gateway_base_url", d.GatewayBaseURL)
	v.SetDefault("gateway_token", d.GatewayToken)
	v.SetDefault("model", d.Model)
	v.SetDefault("prompt_file", d.PromptFile)
	v.SetDefault("chat_url", d.ChatURL)
	v.SetDefault("publishable_key", d.PublishableKey)
	v.SetDefault("user_id", d.UserID)
	v.SetDefault("rate_limit_per_minute", d.RateLimitPerMinute)
	v.SetDefault("persist_timeout", d.PersistTimeout)
	v.SetDefault("persist_retry_delay", d.PersistRetryDelay)
}

// Load reads the configuration out of v and expands secret references.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.GatewayToken = expandEnvVar(cfg.GatewayToken)
	cfg.PublishableKey = expandEnvVar(cfg.PublishableKey)

	if cfg.PersistTimeout <= 0 {
		return nil, fmt.Errorf("persist_timeout must be positive, got %s", cfg.PersistTimeout)
	}
	if cfg.PersistRetryDelay < 0 {
		return nil, fmt.Errorf("persist_retry_delay must not be negative, got %s", cfg.PersistRetryDelay)
	}
	return cfg, nil
}

// SystemPrompt returns the prompt from PromptFile, or the built-in one when
// no file is configured.
func (c *Config) SystemPrompt() (string, error) {
	if c.PromptFile == "" {
		return DefaultSystemPrompt, nil
	}
	p, err := LoadPrompt(c.PromptFile)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(p.System) == "" {
		return "", fmt.Errorf("prompt file %s has no system prompt", c.PromptFile)
	}
	return p.System, nil
}

// Prompt is the TOML prompt file layout.
type Prompt struct {
	System string `toml:"system"`
}

func LoadPrompt(filePath string) (*Prompt, error) {
	var prompt Prompt
	if _, err := toml.DecodeFile(filePath, &prompt); err != nil {
		return nil, fmt.Errorf("error decoding prompt file: %w", err)
	}
	return &prompt, nil
}

// expandEnvVar resolves a whole-value $VAR or ${VAR} reference. Unset
// variables expand to "". Other values are returned unchanged.
func expandEnvVar(value string) string {
	if !strings.HasPrefix(value, "$") {
		return value
	}
	name := strings.TrimPrefix(value, "$")
	if strings.HasPrefix(name, "{") && strings.HasSuffix(name, "}") {
		name = name[1 : len(name)-1]
	}
	return os.Getenv(name)
}
