package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	API    APIConfig
	Server ServerConfig
	LLM    LLMConfig
	Log    LogConfig
}

// APIConfig holds the chat backend endpoints used by the client.
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	WSURL    string        `mapstructure:"ws_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size"`
}

// ServerConfig holds the relay server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// LLMConfig holds the LLM configuration used by the relay
type LLMConfig struct {
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	ReasoningModel string `mapstructure:"reasoning_model"`
	SystemPrompt   string `mapstructure:"system_prompt"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from a .env file, the config file and CHAT_*
// environment variables, in increasing order of precedence. The config file
// is config.yaml in the working directory unless CONFIG_PATH names one.
// A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile is Load with an explicit config file path; an empty path falls
// back to config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.API.WSURL == "" {
		ws, err := deriveWSURL(cfg.API.BaseURL)
		if err != nil {
			return nil, err
		}
		cfg.API.WSURL = ws
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080/api")
	v.SetDefault("api.ws_url", "")
	v.SetDefault("api.timeout", 3*time.Second)
	v.SetDefault("api.page_size", 20)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.reasoning_model", "")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("log.level", "info")
}

// deriveWSURL maps http(s)://host/api to ws(s)://host/api/chat/ws.
func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse api.base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/ws"
	return u.String(), nil
}
