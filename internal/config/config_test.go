package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/tootfeed/internal/model"
)

func setRequiredEnvVars(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_SECRET", "test-store-secret")
	t.Setenv("MATRIX_SERVER_URL", "https://matrix.example.org/")
	t.Setenv("MATRIX_ACCESS_TOKEN", "syt_test_token")
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tootfeed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_AllRequiredVarsSet_ReturnsConfig(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.StoreSecret != "test-store-secret" {
		t.Errorf("StoreSecret = %q, want %q", cfg.StoreSecret, "test-store-secret")
	}
	if cfg.MatrixServerURL != "https://matrix.example.org" {
		t.Errorf("MatrixServerURL = %q, want %q", cfg.MatrixServerURL, "https://matrix.example.org")
	}
	if cfg.MatrixAccessToken != "syt_test_token" {
		t.Errorf("MatrixAccessToken = %q, want %q", cfg.MatrixAccessToken, "syt_test_token")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	setRequiredEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.AppName != "TootFeedBot" {
		t.Errorf("AppName = %q, want %q", cfg.AppName, "TootFeedBot")
	}
	if cfg.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want %v", cfg.Interval, 5*time.Minute)
	}
	if cfg.StatusLimit != 0 {
		t.Errorf("StatusLimit = %d, want 0", cfg.StatusLimit)
	}
	if cfg.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent = %d, want %d", cfg.MaxConcurrent, 10)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("FetchTimeout = %v, want %v", cfg.FetchTimeout, 30*time.Second)
	}
	if cfg.BreakerCooldown != 30*time.Minute {
		t.Errorf("BreakerCooldown = %v, want %v", cfg.BreakerCooldown, 30*time.Minute)
	}
	if len(cfg.StreamingDisabled) != 0 {
		t.Errorf("StreamingDisabled = %v, want empty", cfg.StreamingDisabled)
	}
	if cfg.StoreURL != "sqlite://./data/tootfeed.db" {
		t.Errorf("StoreURL = %q", cfg.StoreURL)
	}
	if cfg.RegistrationTTL != 24*time.Hour {
		t.Errorf("RegistrationTTL = %v, want %v", cfg.RegistrationTTL, 24*time.Hour)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "8080")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnvVars(t)

	t.Setenv("APP_NAME", "MyBridge")
	t.Setenv("APP_INTERVAL", "1m")
	t.Setenv("APP_STATUS_LIMIT", "40")
	t.Setenv("APP_MAX_CONCURRENT", "4")
	t.Setenv("FETCH_TIMEOUT", "5s")
	t.Setenv("CIRCUIT_BREAKER_COOLDOWN", "10m")
	t.Setenv("STREAMING_DISABLED", "Mastodon, friendica")
	t.Setenv("STORE_URL", "postgres://u:p@db:5432/tootfeed")
	t.Setenv("REGISTRATION_TTL", "2h")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.AppName != "MyBridge" {
		t.Errorf("AppName = %q", cfg.AppName)
	}
	if cfg.Interval != time.Minute {
		t.Errorf("Interval = %v", cfg.Interval)
	}
	if cfg.StatusLimit != 40 {
		t.Errorf("StatusLimit = %d", cfg.StatusLimit)
	}
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeout)
	}
	if cfg.BreakerCooldown != 10*time.Minute {
		t.Errorf("BreakerCooldown = %v", cfg.BreakerCooldown)
	}
	want := []model.SNS{model.SNSMastodon, model.SNSFriendica}
	if len(cfg.StreamingDisabled) != 2 || cfg.StreamingDisabled[0] != want[0] || cfg.StreamingDisabled[1] != want[1] {
		t.Errorf("StreamingDisabled = %v, want %v", cfg.StreamingDisabled, want)
	}
	if cfg.StoreURL != "postgres://u:p@db:5432/tootfeed" {
		t.Errorf("StoreURL = %q", cfg.StoreURL)
	}
	if cfg.RegistrationTTL != 2*time.Hour {
		t.Errorf("RegistrationTTL = %v", cfg.RegistrationTTL)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoad_InvalidNumbersFallBackToDefaults(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("APP_INTERVAL", "soon")
	t.Setenv("APP_MAX_CONCURRENT", "many")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want default", cfg.Interval)
	}
	if cfg.MaxConcurrent != 10 {
		t.Errorf("MaxConcurrent = %d, want default", cfg.MaxConcurrent)
	}
}

func TestLoad_UnknownStreamingDisabled_ReturnsError(t *testing.T) {
	setRequiredEnvVars(t)
	t.Setenv("STREAMING_DISABLED", "mastodon,misskey")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown network kind, got nil")
	}
}

func TestLoad_MissingRequiredVars_ReturnsError(t *testing.T) {
	for _, key := range []string{"STORE_SECRET", "MATRIX_SERVER_URL", "MATRIX_ACCESS_TOKEN"} {
		t.Run(key, func(t *testing.T) {
			setRequiredEnvVars(t)
			t.Setenv(key, "")

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for missing %s, got nil", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("error should mention %s: %v", key, err)
			}
		})
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
store_secret: from-file
matrix_server_url: https://matrix.file.test
matrix_access_token: file-token
app_interval: 2m
app_max_concurrent: 3
streaming_disabled:
  - pleroma
  - firefish
server_port: 7000
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STORE_SECRET", "")
	t.Setenv("MATRIX_SERVER_URL", "")
	t.Setenv("MATRIX_ACCESS_TOKEN", "")
	t.Setenv("APP_INTERVAL", "")
	t.Setenv("APP_MAX_CONCURRENT", "")
	t.Setenv("STREAMING_DISABLED", "")
	t.Setenv("SERVER_PORT", "7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.StoreSecret != "from-file" || cfg.MatrixAccessToken != "file-token" {
		t.Errorf("必須項目が設定ファイルから読み込まれていません: %+v", cfg)
	}
	if cfg.Interval != 2*time.Minute {
		t.Errorf("Interval = %v, want 2m", cfg.Interval)
	}
	if cfg.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", cfg.MaxConcurrent)
	}
	if len(cfg.StreamingDisabled) != 2 || cfg.StreamingDisabled[1] != model.SNSFirefish {
		t.Errorf("StreamingDisabled = %v", cfg.StreamingDisabled)
	}
	// 環境変数が設定ファイルより優先される
	if cfg.ServerPort != "7001" {
		t.Errorf("ServerPort = %q, want 7001", cfg.ServerPort)
	}
}

func TestLoad_ConfigFileErrors(t *testing.T) {
	setRequiredEnvVars(t)

	t.Run("存在しないファイル", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
		if _, err := Load(); err == nil {
			t.Fatal("expected error for missing config file, got nil")
		}
	})

	t.Run("不正なYAML", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", writeConfigFile(t, "app_interval: [unclosed"))
		if _, err := Load(); err == nil {
			t.Fatal("expected error for invalid YAML, got nil")
		}
	})
}
