// Package config loads the relay's process configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Settings backends.
const (
	SettingsStorage  = "storage"
	SettingsDynamoDB = "dynamodb"
	SettingsFile     = "file"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:3002"`
	// StaticDir, when set, is served at / with history-API fallback.
	StaticDir string `env:"STATIC_DIR"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	// LogFormat is "json" or "text".
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Auth     Auth
	OpenAI   OpenAI
	Chat     Chat
	Storage  Storage
	Settings Settings
}

type Auth struct {
	// Issuer defaults to the Firebase issuer for Audience.
	Issuer        string        `env:"AUTH_ISSUER"`
	Audience      string        `env:"AUTH_AUDIENCE"`
	JWKSURL       string        `env:"AUTH_JWKS_URL"`
	VerifyTimeout time.Duration `env:"AUTH_VERIFY_TIMEOUT,default=10s"`
	AdminClaim    string        `env:"ADMIN_CLAIM,default=admin"`
	// AdminSubjects is a comma-separated list of subject ids.
	AdminSubjects string `env:"ADMIN_SUBJECTS"`
}

type OpenAI struct {
	APIKey            string `env:"OPENAI_API_KEY"`
	APIKeyParam       string `env:"OPENAI_API_KEY_PARAM"`
	BaseURL           string `env:"OPENAI_BASE_URL"`
	Model             string `env:"OPENAI_MODEL,default=gpt-3.5-turbo"`
	MaxModelTokens    int    `env:"OPENAI_MAX_MODEL_TOKENS,default=4096"`
	MaxResponseTokens int    `env:"OPENAI_MAX_RESPONSE_TOKENS,default=1000"`
}

type Chat struct {
	SystemMessage string        `env:"CHAT_SYSTEM_MESSAGE"`
	StreamTimeout time.Duration `env:"CHAT_STREAM_TIMEOUT,default=5m"`
	MessageTTL    time.Duration `env:"MESSAGE_TTL,default=720h"`
}

type Storage struct {
	// RedisAddr selects Redis storage; empty means in-memory.
	RedisAddr string `env:"REDIS_ADDR"`
	KeyPrefix string `env:"STORAGE_KEY_PREFIX,default=chat-relay:storage:"`
}

type Settings struct {
	Backend string `env:"SETTINGS_BACKEND,default=storage"`
	Table   string `env:"SETTINGS_TABLE"`
	File    string `env:"SETTINGS_FILE"`
}

// Load reads dotenv (when it exists) into the environment without
// overriding variables already set, then decodes and validates the
// configuration.
func Load(dotenv string) (*Config, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", dotenv, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Auth.Issuer == "" && cfg.Auth.Audience != "" {
		cfg.Auth.Issuer = "https://securetoken.google.com/" + cfg.Auth.Audience
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("LISTEN_ADDR is required"))
	}
	if c.Auth.Audience == "" {
		errs = append(errs, errors.New("AUTH_AUDIENCE is required"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.OpenAI.MaxResponseTokens >= c.OpenAI.MaxModelTokens {
		errs = append(errs, errors.New("OPENAI_MAX_RESPONSE_TOKENS must be below OPENAI_MAX_MODEL_TOKENS"))
	}
	switch c.Settings.Backend {
	case SettingsStorage:
	case SettingsDynamoDB:
		if c.Settings.Table == "" {
			errs = append(errs, errors.New("SETTINGS_TABLE is required for the dynamodb settings backend"))
		}
	case SettingsFile:
		if c.Settings.File == "" {
			errs = append(errs, errors.New("SETTINGS_FILE is required for the file settings backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SETTINGS_BACKEND must be one of storage, dynamodb, file; got %q", c.Settings.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// AdminSubjectList splits ADMIN_SUBJECTS.
func (a Auth) AdminSubjectList() []string {
	var out []string
	for _, s := range strings.Split(a.AdminSubjects, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
