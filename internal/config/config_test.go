package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Config reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LISTEN_ADDR", "STATIC_DIR", "LOG_LEVEL", "LOG_FORMAT",
		"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_VERIFY_TIMEOUT", "ADMIN_CLAIM", "ADMIN_SUBJECTS",
		"OPENAI_API_KEY", "OPENAI_API_KEY_PARAM", "OPENAI_BASE_URL", "OPENAI_MODEL",
		"OPENAI_MAX_MODEL_TOKENS", "OPENAI_MAX_RESPONSE_TOKENS",
		"CHAT_SYSTEM_MESSAGE", "CHAT_STREAM_TIMEOUT", "MESSAGE_TTL",
		"REDIS_ADDR", "STORAGE_KEY_PREFIX",
		"SETTINGS_BACKEND", "SETTINGS_TABLE", "SETTINGS_FILE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_AUDIENCE", "my-project")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":3002" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Auth.Issuer != "https://securetoken.google.com/my-project" {
		t.Fatalf("issuer = %q", cfg.Auth.Issuer)
	}
	if cfg.Auth.VerifyTimeout != 10*time.Second || cfg.Chat.StreamTimeout != 5*time.Minute {
		t.Fatalf("unexpected timeouts: %v %v", cfg.Auth.VerifyTimeout, cfg.Chat.StreamTimeout)
	}
	if cfg.Chat.MessageTTL != 30*24*time.Hour {
		t.Fatalf("message ttl = %v", cfg.Chat.MessageTTL)
	}
	if cfg.Settings.Backend != SettingsStorage || cfg.OpenAI.MaxModelTokens != 4096 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelInfo {
		t.Fatalf("level = %v", lvl)
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_AUDIENCE", "client-id")
	t.Setenv("AUTH_ISSUER", "https://issuer.example")
	t.Setenv("ADMIN_SUBJECTS", " a, ,b ")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SETTINGS_BACKEND", "dynamodb")
	t.Setenv("SETTINGS_TABLE", "relay-settings")
	t.Setenv("CHAT_STREAM_TIMEOUT", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Issuer != "https://issuer.example" {
		t.Fatalf("issuer overridden: %q", cfg.Auth.Issuer)
	}
	if got := cfg.Auth.AdminSubjectList(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("admin subjects = %v", got)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Fatalf("level = %v", lvl)
	}
	if cfg.Chat.StreamTimeout != 90*time.Second {
		t.Fatalf("stream timeout = %v", cfg.Chat.StreamTimeout)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("AUTH_AUDIENCE=from-file\nLISTEN_ADDR=:9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Variables already present win over the file.
	t.Setenv("LISTEN_ADDR", ":8080")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Audience != "from-file" || cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected config: audience=%q listen=%q", cfg.Auth.Audience, cfg.ListenAddr)
	}
}

func TestLoad_MissingDotEnvIsFine(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTH_AUDIENCE", "p")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ListenAddr: ":3002",
			LogLevel:   "info",
			LogFormat:  "json",
			Auth:       Auth{Audience: "p"},
			OpenAI:     OpenAI{MaxModelTokens: 4096, MaxResponseTokens: 1000},
			Settings:   Settings{Backend: SettingsStorage},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no audience", mutate: func(c *Config) { c.Auth.Audience = "" }, wantErr: "AUTH_AUDIENCE"},
		{name: "bad format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "LOG_FORMAT"},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "LOG_LEVEL"},
		{name: "token budget", mutate: func(c *Config) { c.OpenAI.MaxResponseTokens = 5000 }, wantErr: "OPENAI_MAX_RESPONSE_TOKENS"},
		{name: "dynamodb without table", mutate: func(c *Config) { c.Settings.Backend = SettingsDynamoDB }, wantErr: "SETTINGS_TABLE"},
		{name: "file without path", mutate: func(c *Config) { c.Settings.Backend = SettingsFile }, wantErr: "SETTINGS_FILE"},
		{name: "unknown backend", mutate: func(c *Config) { c.Settings.Backend = "etcd" }, wantErr: "SETTINGS_BACKEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("want error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
