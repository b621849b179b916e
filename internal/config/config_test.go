package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupEnvelopeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("SMAIPL_API_URL", "https://api.smaipl.ru/api/v1.0/ask/abc")
	t.Setenv("SMAIPL_BOT_ID", "5129")
	t.Setenv("SMAIPL_BASE_URL", "")
	t.Setenv("SMAIPL_SCHEMA", "")
	t.Setenv("SMAIPL_API_KEY", "")
	t.Setenv("SMAIPL_AUTH", "")
	t.Setenv("SMAIPL_PROVIDER", "")
}

func TestLoad_EnvelopeDefaults(t *testing.T) {
	setupEnvelopeEnv(t)
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.SMAIPL.Schema != "envelope" {
		t.Fatalf("expected envelope schema, got %q", cfg.SMAIPL.Schema)
	}
	if cfg.SMAIPL.Auth != "none" {
		t.Fatalf("expected auth none without api key, got %q", cfg.SMAIPL.Auth)
	}
	if cfg.SMAIPL.BotID != 5129 {
		t.Fatalf("expected bot id 5129, got %d", cfg.SMAIPL.BotID)
	}
	if cfg.Bot.SummaryCommand != "/summary" {
		t.Fatalf("unexpected summary command: %q", cfg.Bot.SummaryCommand)
	}
	if cfg.History.Limit != 50 || cfg.Summary.LastN != 30 {
		t.Fatalf("unexpected limits: history=%d last_n=%d", cfg.History.Limit, cfg.Summary.LastN)
	}
	if cfg.SMAIPL.Timeout() != 90*time.Second {
		t.Fatalf("unexpected timeout: %s", cfg.SMAIPL.Timeout())
	}
	if cfg.SMAIPL.Endpoint() != "https://api.smaipl.ru/api/v1.0/ask/abc" {
		t.Fatalf("unexpected endpoint: %s", cfg.SMAIPL.Endpoint())
	}
}

func TestLoad_OpenAISchemaFromBaseURL(t *testing.T) {
	setupEnvelopeEnv(t)
	t.Setenv("SMAIPL_API_URL", "")
	t.Setenv("SMAIPL_BOT_ID", "")
	t.Setenv("SMAIPL_BASE_URL", "https://ai.smaipl.ru/v1/")
	t.Setenv("SMAIPL_API_KEY", "sk-test-1234567890")
	t.Setenv("SMAIPL_MODEL", "gpt-4o-mini")

	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.SMAIPL.Schema != "openai" {
		t.Fatalf("expected openai schema, got %q", cfg.SMAIPL.Schema)
	}
	if cfg.SMAIPL.Auth != "bearer" {
		t.Fatalf("expected bearer auth, got %q", cfg.SMAIPL.Auth)
	}
	if cfg.SMAIPL.Endpoint() != "https://ai.smaipl.ru/v1/chat/completions" {
		t.Fatalf("unexpected endpoint: %s", cfg.SMAIPL.Endpoint())
	}
}

func TestLoad_AcceptsLegacyBotTokenName(t *testing.T) {
	setupEnvelopeEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("BOT_TOKEN", "legacy-token")
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Telegram.Token != "legacy-token" {
		t.Fatalf("unexpected token: %q", cfg.Telegram.Token)
	}
}

func TestLoad_ReportsAllMissingSettings(t *testing.T) {
	setupEnvelopeEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("SMAIPL_API_URL", "")
	t.Setenv("SMAIPL_BOT_ID", "")

	_, err := Load(Options{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"TELEGRAM_BOT_TOKEN", "SMAIPL_API_URL", "SMAIPL_BOT_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got: %v", want, err)
		}
	}
}

func TestLoad_ValidatesLimits(t *testing.T) {
	setupEnvelopeEnv(t)
	t.Setenv("HISTORY_LIMIT", "0")
	t.Setenv("SMAIPL_MAX_ATTEMPTS", "9")
	t.Setenv("SUMMARY_DELIVERY", "carrier-pigeon")

	_, err := Load(Options{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"HISTORY_LIMIT", "SMAIPL_MAX_ATTEMPTS", "SUMMARY_DELIVERY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in error, got: %v", want, err)
		}
	}
}

func TestLoad_HeaderAuthRequiresKey(t *testing.T) {
	setupEnvelopeEnv(t)
	t.Setenv("SMAIPL_AUTH", "header")
	_, err := Load(Options{})
	if err == nil || !strings.Contains(err.Error(), "SMAIPL_API_KEY") {
		t.Fatalf("expected api key error, got %v", err)
	}
}

func TestLoad_DummyProviderSkipsBackendChecks(t *testing.T) {
	setupEnvelopeEnv(t)
	t.Setenv("SMAIPL_API_URL", "")
	t.Setenv("SMAIPL_BOT_ID", "")
	t.Setenv("SMAIPL_PROVIDER", "dummy")
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(cfg.Warnings()) == 0 {
		t.Fatal("expected a warning for the dummy provider")
	}
}

func TestLoad_ConfigFileAndEnvFile(t *testing.T) {
	setupEnvelopeEnv(t)
	t.Setenv("HISTORY_LIMIT", "")
	t.Setenv("SUMMARY_COMMAND", "")
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "summarybot.yaml")
	if err := os.WriteFile(cfgPath, []byte("history:\n  limit: 7\nbot:\n  summary_command: /tldr\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SUMMARY_LAST_N=4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SUMMARY_LAST_N") })

	cfg, err := Load(Options{ConfigFile: cfgPath, EnvFile: envPath})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.History.Limit != 7 {
		t.Fatalf("expected history limit from file, got %d", cfg.History.Limit)
	}
	if cfg.Bot.SummaryCommand != "/tldr" {
		t.Fatalf("expected summary command from file, got %q", cfg.Bot.SummaryCommand)
	}
	if cfg.Summary.LastN != 4 {
		t.Fatalf("expected last_n from env file, got %d", cfg.Summary.LastN)
	}
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	setupEnvelopeEnv(t)
	if _, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "missing.env")}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestMask(t *testing.T) {
	cases := []struct {
		in   string
		keep int
		want string
	}{
		{"", 8, ""},
		{"short", 8, "*****"},
		{"supersecretvalue", 8, "sup***value"},
	}
	for _, c := range cases {
		if got := Mask(c.in, c.keep); got != c.want {
			t.Fatalf("Mask(%q,%d)=%q want %q", c.in, c.keep, got, c.want)
		}
	}
}

func TestRedacted_HidesSecrets(t *testing.T) {
	cfg := Config{}
	cfg.Telegram.Token = "123:abcdef"
	cfg.SMAIPL.APIKey = "sk-live-abcdefghijkl"
	view := cfg.Redacted()
	for k, v := range view {
		if s, ok := v.(string); ok && (s == cfg.Telegram.Token || s == cfg.SMAIPL.APIKey) {
			t.Fatalf("secret leaked in %s", k)
		}
	}
	if view["SMAIPL_API_KEY_set"] != true {
		t.Fatal("expected SMAIPL_API_KEY_set=true")
	}
}
