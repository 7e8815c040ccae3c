// Package config resolves runtime settings from the environment, a
// .env file when present, and an optional YAML overlay.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full runtime configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Models   ModelsConfig   `yaml:"models"`
	Explain  ExplainConfig  `yaml:"explain"`
	Alerting AlertingConfig `yaml:"alerting"`
	Database DatabaseConfig `yaml:"database"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type FleetConfig struct {
	TruckID string `yaml:"truck_id"`
}

type ModelsConfig struct {
	BehaviourModelPath string `yaml:"behaviour_model_path"`
	RiskModelPath      string `yaml:"risk_model_path"`
	RouteModelPath     string `yaml:"route_model_path"`
}

type ExplainConfig struct {
	Provider    string `yaml:"provider"` // template, openai, ollama
	OpenAIKey   string `yaml:"openai_api_key"`
	OllamaHost  string `yaml:"ollama_host"`
	OllamaModel string `yaml:"ollama_model"`
}

type AlertingConfig struct {
	TwilioSID      string `yaml:"twilio_sid"`
	TwilioToken    string `yaml:"twilio_auth_token"`
	TwilioPhone    string `yaml:"twilio_phone"`
	RecipientPhone string `yaml:"alert_recipient_phone"`
	AlertEmail     string `yaml:"alert_email"`
	SMTPHost       string `yaml:"smtp_host"`
	SMTPPort       int    `yaml:"smtp_port"`
	SMTPUser       string `yaml:"smtp_user"`
	SMTPPassword   string `yaml:"smtp_password"`
	SMTPFrom       string `yaml:"smtp_from_email"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load resolves the configuration. A .env file is applied first when one
// exists; CONFIG_FILE selects an optional YAML overlay whose values win
// over the environment. Every setting has a default that runs.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Info("[Config] Loaded .env file")
	}

	smtpPort := 587
	if v := os.Getenv("SMTP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT %q: %w", v, err)
		}
		smtpPort = p
	}

	cfg := &Config{
		Server: ServerConfig{Port: getenv("PORT", "8080")},
		Redis:  RedisConfig{URL: getenv("REDIS_URL", "")},
		Fleet:  FleetConfig{TruckID: getenv("TRUCK_ID", "TRK-001")},
		Models: ModelsConfig{
			BehaviourModelPath: getenv("BEHAVIOUR_MODEL_PATH", "ai-models/behaviour_model.json"),
			RiskModelPath:      getenv("RISK_MODEL_PATH", "ai-models/risk_model.json"),
			RouteModelPath:     getenv("ROUTE_MODEL_PATH", "ai-models/route_model.json"),
		},
		Explain: ExplainConfig{
			Provider:    getenv("LLM_PROVIDER", "template"),
			OpenAIKey:   getenv("OPENAI_API_KEY", ""),
			OllamaHost:  getenv("OLLAMA_HOST", "http://localhost:11434"),
			OllamaModel: getenv("OLLAMA_MODEL", "llama3"),
		},
		Alerting: AlertingConfig{
			TwilioSID:      getenv("TWILIO_SID", ""),
			TwilioToken:    getenv("TWILIO_AUTH_TOKEN", ""),
			TwilioPhone:    getenv("TWILIO_PHONE", ""),
			RecipientPhone: getenv("ALERT_RECIPIENT_PHONE", ""),
			AlertEmail:     getenv("ALERT_EMAIL", ""),
			SMTPHost:       getenv("SMTP_HOST", ""),
			SMTPPort:       smtpPort,
			SMTPUser:       getenv("SMTP_USER", ""),
			SMTPPassword:   getenv("SMTP_PASSWORD", ""),
			SMTPFrom:       getenv("SMTP_FROM_EMAIL", ""),
		},
		Database: DatabaseConfig{URL: getenv("DATABASE_URL", "")},
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyYAML(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	slog.Info("[Config] Applied YAML overlay", "path", path)
	return nil
}
