package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/tootfeed/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// App
	AppName       string
	Interval      time.Duration
	StatusLimit   int
	MaxConcurrent int

	// Fetch
	FetchTimeout      time.Duration
	BreakerCooldown   time.Duration
	StreamingDisabled []model.SNS

	// Store
	StoreURL    string
	StoreSecret string

	// Matrix
	MatrixServerURL   string
	MatrixAccessToken string

	// Registration
	RegistrationTTL time.Duration

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// source は設定値の読み出し元。環境変数が設定ファイルより優先される。
type source struct {
	file map[string]string
}

// Load は環境変数からConfigを読み込む。
// CONFIG_FILEが設定されている場合はYAMLファイルを読み込み、環境変数で上書きする。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	src := &source{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.StoreSecret = src.getString("STORE_SECRET", "")
	if cfg.StoreSecret == "" {
		missing = append(missing, "STORE_SECRET")
	}

	cfg.MatrixServerURL = strings.TrimRight(src.getString("MATRIX_SERVER_URL", ""), "/")
	if cfg.MatrixServerURL == "" {
		missing = append(missing, "MATRIX_SERVER_URL")
	}

	cfg.MatrixAccessToken = src.getString("MATRIX_ACCESS_TOKEN", "")
	if cfg.MatrixAccessToken == "" {
		missing = append(missing, "MATRIX_ACCESS_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AppName = src.getString("APP_NAME", "TootFeedBot")
	cfg.Interval = src.getDuration("APP_INTERVAL", 5*time.Minute)
	cfg.StatusLimit = src.getInt("APP_STATUS_LIMIT", 0)
	cfg.MaxConcurrent = src.getInt("APP_MAX_CONCURRENT", 10)
	cfg.FetchTimeout = src.getDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.BreakerCooldown = src.getDuration("CIRCUIT_BREAKER_COOLDOWN", 30*time.Minute)
	cfg.StoreURL = src.getString("STORE_URL", "sqlite://./data/tootfeed.db")
	cfg.RegistrationTTL = src.getDuration("REGISTRATION_TTL", 24*time.Hour)
	cfg.ServerPort = src.getString("SERVER_PORT", "8080")
	cfg.LogLevel = src.getString("LOG_LEVEL", "info")

	disabled, err := parseSNSList(src.getString("STREAMING_DISABLED", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid STREAMING_DISABLED: %w", err)
	}
	cfg.StreamingDisabled = disabled

	return cfg, nil
}

// loadFile はYAMLの設定ファイルを読み込む。
// キーは環境変数名の小文字表記（例: app_interval）。リストはカンマ区切りに変換する。
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(k)
		switch v := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			values[key] = strings.Join(parts, ",")
		default:
			values[key] = fmt.Sprint(v)
		}
	}
	return values, nil
}

func parseSNSList(s string) ([]model.SNS, error) {
	var out []model.SNS
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		sns, err := model.ParseSNS(part)
		if err != nil {
			return nil, err
		}
		out = append(out, sns)
	}
	return out, nil
}

func (s *source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s *source) getString(key, defaultVal string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return defaultVal
}

func (s *source) getInt(key string, defaultVal int) int {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s *source) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
