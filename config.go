package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ZendeskSubdomain string `yaml:"zendesk_subdomain"`
	ZendeskEmail     string `yaml:"zendesk_email"`
	ZendeskAPIToken  string `yaml:"zendesk_api_token"`
	ZendeskBrandID   int64  `yaml:"zendesk_brand_id"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	LLMModel        string `yaml:"llm_model"`

	DBPath string `yaml:"db_path"`

	SyncSchedule        string `yaml:"sync_schedule"`
	TrendRefreshMinutes int    `yaml:"trend_refresh_minutes"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	MetricsAddr string `yaml:"metrics_addr"`
	Timezone    string `yaml:"timezone"`

	Location *time.Location `yaml:"-"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.ZendeskSubdomain, "ZENDESK_SUBDOMAIN")
	envOverride(&cfg.ZendeskEmail, "ZENDESK_EMAIL")
	envOverride(&cfg.ZendeskAPIToken, "ZENDESK_API_TOKEN")
	envOverrideInt64(&cfg.ZendeskBrandID, "ZENDESK_BRAND_ID")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.SyncSchedule, "SYNC_SCHEDULE")
	envOverrideInt(&cfg.TrendRefreshMinutes, "TREND_REFRESH_MINUTES")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.MetricsAddr, "METRICS_ADDR")
	envOverride(&cfg.Timezone, "TIMEZONE")

	// Defaults
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultAnthropicModel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./issueminer.db"
	}
	if cfg.SyncSchedule == "" {
		cfg.SyncSchedule = "0 2 * * *"
	}
	if cfg.TrendRefreshMinutes == 0 {
		cfg.TrendRefreshMinutes = 60
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	// Validate required fields
	required := map[string]string{
		"zendesk_subdomain": cfg.ZendeskSubdomain,
		"zendesk_email":     cfg.ZendeskEmail,
		"zendesk_api_token": cfg.ZendeskAPIToken,
		"anthropic_api_key": cfg.AnthropicAPIKey,
	}
	for name, val := range required {
		if val == "" {
			log.Fatalf("Required config '%s' is not set (via config.yaml or env var)", name)
		}
	}

	if cfg.TrendRefreshMinutes < 1 {
		log.Fatalf("invalid trend_refresh_minutes '%d': must be >= 1", cfg.TrendRefreshMinutes)
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannelID == "" {
		log.Fatalf("slack_channel_id is required when slack_bot_token is set")
	}
	if _, err := cronParser.Parse(cfg.SyncSchedule); err != nil {
		log.Fatalf("invalid sync_schedule '%s': %v", cfg.SyncSchedule, err)
	}

	if cfg.Timezone == "Local" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	return cfg
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideInt64(field *int64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
