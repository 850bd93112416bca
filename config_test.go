package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func setMinimalValidConfigEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ZENDESK_SUBDOMAIN", "acme")
	t.Setenv("ZENDESK_EMAIL", "pm@acme.test")
	t.Setenv("ZENDESK_API_TOKEN", "zd-test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("TIMEZONE", "UTC")
}

func TestLoadConfigFromEnvWithDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing-config.yaml"))
	setMinimalValidConfigEnv(t)

	cfg := LoadConfig()

	if cfg.ZendeskSubdomain != "acme" {
		t.Fatalf("unexpected subdomain: %q", cfg.ZendeskSubdomain)
	}
	if cfg.LLMModel != defaultAnthropicModel {
		t.Fatalf("unexpected model default: %q", cfg.LLMModel)
	}
	if cfg.DBPath != "./issueminer.db" {
		t.Fatalf("unexpected db path default: %q", cfg.DBPath)
	}
	if cfg.SyncSchedule != "0 2 * * *" {
		t.Fatalf("unexpected schedule default: %q", cfg.SyncSchedule)
	}
	if cfg.TrendRefreshMinutes != 60 {
		t.Fatalf("unexpected trend refresh default: %d", cfg.TrendRefreshMinutes)
	}
	if cfg.Location == nil || cfg.Location.String() != "UTC" {
		t.Fatalf("unexpected location: %v", cfg.Location)
	}
}

func TestLoadConfigYAMLAndEnvOverride(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
zendesk_subdomain: "yaml-sub"
zendesk_email: "yaml@acme.test"
zendesk_api_token: "yaml-token"
zendesk_brand_id: 12
anthropic_api_key: "yaml-anthropic"
db_path: "/tmp/yaml.db"
sync_schedule: "0 */6 * * *"
timezone: "America/Los_Angeles"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("ZENDESK_SUBDOMAIN", "env-sub")
	t.Setenv("DB_PATH", "/tmp/env.db")
	t.Setenv("ZENDESK_BRAND_ID", "77")

	cfg := LoadConfig()

	if cfg.ZendeskSubdomain != "env-sub" {
		t.Fatalf("expected subdomain from env override, got %q", cfg.ZendeskSubdomain)
	}
	if cfg.DBPath != "/tmp/env.db" {
		t.Fatalf("expected db path from env override, got %q", cfg.DBPath)
	}
	if cfg.ZendeskBrandID != 77 {
		t.Fatalf("expected brand id from env override, got %d", cfg.ZendeskBrandID)
	}
	if cfg.ZendeskEmail != "yaml@acme.test" {
		t.Fatalf("expected email from yaml, got %q", cfg.ZendeskEmail)
	}
	if cfg.SyncSchedule != "0 */6 * * *" {
		t.Fatalf("expected schedule from yaml, got %q", cfg.SyncSchedule)
	}
}

func TestEnvOverrideHelpers(t *testing.T) {
	s := "initial"
	t.Setenv("IM_TEST_STR", "value")
	envOverride(&s, "IM_TEST_STR")
	if s != "value" {
		t.Fatalf("envOverride failed, got %q", s)
	}

	i := 1
	t.Setenv("IM_TEST_INT", "42")
	envOverrideInt(&i, "IM_TEST_INT")
	if i != 42 {
		t.Fatalf("envOverrideInt failed, got %d", i)
	}

	var n int64
	t.Setenv("IM_TEST_INT64", "9000000000")
	envOverrideInt64(&n, "IM_TEST_INT64")
	if n != 9000000000 {
		t.Fatalf("envOverrideInt64 failed, got %d", n)
	}
}

func TestLoadConfigInvalidScheduleFatal(t *testing.T) {
	if os.Getenv("TEST_INVALID_SCHEDULE_FATAL") == "1" {
		_ = os.Setenv("CONFIG_PATH", filepath.Join(os.TempDir(), "no-config.yaml"))
		_ = os.Setenv("ZENDESK_SUBDOMAIN", "acme")
		_ = os.Setenv("ZENDESK_EMAIL", "pm@acme.test")
		_ = os.Setenv("ZENDESK_API_TOKEN", "zd-test")
		_ = os.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
		_ = os.Setenv("SYNC_SCHEDULE", "not a cron line")
		LoadConfig()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestLoadConfigInvalidScheduleFatal")
	cmd.Env = append(os.Environ(), "TEST_INVALID_SCHEDULE_FATAL=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with failure")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got: %v", err)
	}
}

func TestLoadConfigSlackChannelRequiredFatal(t *testing.T) {
	if os.Getenv("TEST_SLACK_CHANNEL_FATAL") == "1" {
		_ = os.Setenv("CONFIG_PATH", filepath.Join(os.TempDir(), "no-config.yaml"))
		_ = os.Setenv("ZENDESK_SUBDOMAIN", "acme")
		_ = os.Setenv("ZENDESK_EMAIL", "pm@acme.test")
		_ = os.Setenv("ZENDESK_API_TOKEN", "zd-test")
		_ = os.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
		_ = os.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
		LoadConfig()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestLoadConfigSlackChannelRequiredFatal")
	cmd.Env = append(os.Environ(), "TEST_SLACK_CHANNEL_FATAL=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with failure")
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got: %v", err)
	}
}
