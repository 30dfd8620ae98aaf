package voxline

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/voxline/voxline/pkg/transports/ws"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	BasePrompt  string `mapstructure:"base_prompt"`

	Server  ws.Config     `mapstructure:"server"`
	Vendors VendorsConfig `mapstructure:"vendors"`
	Call    CallConfig    `mapstructure:"call"`
	Auth    AuthConfig    `mapstructure:"auth"`

	Observability ObservabilityConfig `mapstructure:"observability"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT   VendorConfig `mapstructure:"stt"`
	TTS   VendorConfig `mapstructure:"tts"`
	Agent VendorConfig `mapstructure:"agent"`
}

type CallConfig struct {
	TranscriptTimeoutMS int `mapstructure:"transcript_timeout_ms"`
}

type AuthConfig struct {
	// Token, when set, must match the "token" session parameter sent by the
	// client on connect.
	Token string `mapstructure:"token"`
}

type ObservabilityConfig struct {
	LogEvents   bool `mapstructure:"log_events"`
	AsyncBuffer int  `mapstructure:"async_buffer"`
	// RedactPII scrubs emails and phone numbers from logged transcripts.
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VOXLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("server.server_addr", ":8080")
	v.SetDefault("server.ws_path", "/call")
	v.SetDefault("server.handshake_timeout_ms", 10000)
	v.SetDefault("call.transcript_timeout_ms", 10000)
	v.SetDefault("observability.log_events", false)
	v.SetDefault("observability.async_buffer", 1024)
	v.SetDefault("observability.redact_pii", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.Agent.Provider) == "" {
		return fmt.Errorf("vendors.agent.provider is required")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	cfg.BasePrompt = os.ExpandEnv(cfg.BasePrompt)
	cfg.Auth.Token = os.ExpandEnv(cfg.Auth.Token)
	cfg.Server.ServerAddr = os.ExpandEnv(cfg.Server.ServerAddr)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.Agent.Settings = expandSettings(cfg.Vendors.Agent.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}
