package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/sms-relay/internal/phone"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Janitor  JanitorConfig
	Twilio   TwilioConfig
	Slack    SlackConfig
	Keywords KeywordConfig
	Auth     AuthConfig
	Log      LogConfig

	TestRecipient    string
	SubscribeMessage string
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

// RedisConfig backs the approval claim set. When disabled the claim set is
// kept in memory.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	ClaimTTL time.Duration
}

type JanitorConfig struct {
	Interval time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	SendNumber string
	BaseURL    string
}

type SlackConfig struct {
	BotToken      string
	SigningSecret string
	ChannelID     string
	BotUserID     string
	AllowedUsers  []string
	BaseURL       string
}

type KeywordConfig struct {
	Subscribe   string
	Unsubscribe string
}

type AuthConfig struct {
	APIKeys []string
}

type LogConfig struct {
	Level  string
	Format string
}

// LoadAll reads the process environment. Every missing or invalid variable
// is reported in the returned error.
func LoadAll() (*Config, error) {
	var errs []error
	req := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":3000"),
		},
		Database: DatabaseConfig{
			PostgresURL: req("POSTGRES_URL"),
		},
		Twilio: TwilioConfig{
			AccountSID: req("TWILIO_ACCOUNT_SID"),
			AuthToken:  req("TWILIO_AUTH_TOKEN"),
			SendNumber: req("TWILIO_SEND_NUMBER"),
			BaseURL:    os.Getenv("TWILIO_BASE_URL"),
		},
		Slack: SlackConfig{
			BotToken:      req("SLACK_BOT_TOKEN"),
			SigningSecret: req("SLACK_SIGNING_SECRET"),
			ChannelID:     req("SLACK_CHANNEL_ID"),
			BotUserID:     os.Getenv("SLACK_BOT_USER_ID"),
			AllowedUsers:  splitList(os.Getenv("SLACK_ALLOWED_USERS")),
			BaseURL:       os.Getenv("SLACK_BASE_URL"),
		},
		Keywords: KeywordConfig{
			Subscribe:   req("SUBSCRIBE_KEYWORD"),
			Unsubscribe: req("UNSUBSCRIBE_KEYWORD"),
		},
		Auth: AuthConfig{
			APIKeys: splitList(req("API_KEYS")),
		},
		Janitor: JanitorConfig{
			Interval: time.Duration(num("JANITOR_INTERVAL_SECONDS", 300)) * time.Second,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		TestRecipient:    req("TEST_RECIPIENT"),
		SubscribeMessage: os.Getenv("SUBSCRIBE_MESSAGE"),
	}

	cfg.Redis = loadRedisConfig(num)

	if len(errs) == 0 {
		errs = append(errs, normalizePhones(cfg)...)
		errs = append(errs, validate(cfg)...)
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads only the database settings, for commands that do not
// run the server.
func LoadDatabase() (DatabaseConfig, error) {
	url, err := requireEnv("POSTGRES_URL")
	if err != nil {
		return DatabaseConfig{}, err
	}
	return DatabaseConfig{PostgresURL: url}, nil
}

func loadRedisConfig(num func(string, int) int) RedisConfig {
	ttl := time.Duration(num("CLAIM_TTL_SECONDS", 86400)) * time.Second

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false, ClaimTTL: ttl}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       num("REDIS_DB", 0),
		ClaimTTL: ttl,
	}
}

// normalizePhones rewrites the configured numbers to their canonical keys so
// they match the rows created for inbound traffic.
func normalizePhones(cfg *Config) []error {
	var errs []error
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"TWILIO_SEND_NUMBER", &cfg.Twilio.SendNumber},
		{"TEST_RECIPIENT", &cfg.TestRecipient},
	} {
		n, err := phone.Normalize(*f.dst)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
			continue
		}
		*f.dst = n
	}
	return errs
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("JANITOR_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Redis.ClaimTTL <= 0 {
		errs = append(errs, errors.New("CLAIM_TTL_SECONDS must be > 0"))
	}
	if cfg.Redis.DB < 0 {
		errs = append(errs, errors.New("REDIS_DB must be >= 0"))
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Keywords.Subscribe), strings.TrimSpace(cfg.Keywords.Unsubscribe)) {
		errs = append(errs, errors.New("SUBSCRIBE_KEYWORD and UNSUBSCRIBE_KEYWORD must differ"))
	}
	if len(cfg.Auth.APIKeys) == 0 {
		errs = append(errs, errors.New("API_KEYS must contain at least one key"))
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.Log.Format))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
