package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the bot.
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	SMAIPL   SMAIPLConfig   `mapstructure:"smaipl"`
	Dummy    DummyConfig    `mapstructure:"dummy"`
	Bot      BotConfig      `mapstructure:"bot"`
	History  HistoryConfig  `mapstructure:"history"`
	Summary  SummaryConfig  `mapstructure:"summary"`
	DB       DBConfig       `mapstructure:"db"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type TelegramConfig struct {
	Token        string `mapstructure:"token"`
	APIEndpoint  string `mapstructure:"api_endpoint"`
	PollTimeout  int    `mapstructure:"poll_timeout"`
	SleepSeconds int    `mapstructure:"sleep_seconds"`
	DropPending  bool   `mapstructure:"drop_pending"`
}

type WebhookConfig struct {
	PublicBaseURL string `mapstructure:"public_base_url"`
	Secret        string `mapstructure:"secret"`
	Port          int    `mapstructure:"port"`
}

type SMAIPLConfig struct {
	Provider               string  `mapstructure:"provider"`
	Schema                 string  `mapstructure:"schema"`
	APIURL                 string  `mapstructure:"api_url"`
	BaseURL                string  `mapstructure:"base_url"`
	APIKey                 string  `mapstructure:"api_key"`
	Auth                   string  `mapstructure:"auth"`
	AuthHeader             string  `mapstructure:"auth_header"`
	Model                  string  `mapstructure:"model"`
	BotID                  int64   `mapstructure:"bot_id"`
	Temperature            float64 `mapstructure:"temperature"`
	TimeoutSeconds         int     `mapstructure:"timeout_seconds"`
	MaxAttempts            int     `mapstructure:"max_attempts"`
	RetryBaseMS            int     `mapstructure:"retry_base_ms"`
	RetryMaxMS             int     `mapstructure:"retry_max_ms"`
	ResponseFields         string  `mapstructure:"response_fields"`
	SystemPrompt           string  `mapstructure:"system_prompt"`
	PushURL                string  `mapstructure:"push_url"`
	PushBearer             string  `mapstructure:"push_bearer"`
	BreakerThreshold       int     `mapstructure:"breaker_threshold"`
	BreakerCooldownSeconds int     `mapstructure:"breaker_cooldown_seconds"`
}

type DummyConfig struct {
	Script string `mapstructure:"script"`
}

type BotConfig struct {
	CommandPrefix  string `mapstructure:"command_prefix"`
	SummaryCommand string `mapstructure:"summary_command"`
	ClearCommand   string `mapstructure:"clear_command"`
	PingCommand    string `mapstructure:"ping_command"`
	DefaultAuthor  string `mapstructure:"default_author"`
}

type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

type SummaryConfig struct {
	LastN         int    `mapstructure:"last_n"`
	FallbackLines int    `mapstructure:"fallback_lines"`
	Delivery      string `mapstructure:"delivery"`
	MaxParts      int    `mapstructure:"max_parts"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Options controls where configuration is read from besides the process
// environment.
type Options struct {
	ConfigFile string
	EnvFile    string
}

const DefaultSystemPrompt = "Ты — ассистент-аналитик по проектным коммуникациям. " +
	"Сделай краткое, чёткое и структурированное резюме переписки.\n\n" +
	"Формат ответа:\n" +
	"1) Кратко (1–2 предложения)\n" +
	"2) Ключевые пункты (буллеты)\n" +
	"3) Решения/действия (если есть)\n" +
	"4) Риски/вопросы (если есть)\n\n" +
	"Отвечай на русском. Не возвращай JSON."

const DefaultResponseFields = "choices.0.message.content,done,answer,text,result,summary,message,response"

// envBindings maps config keys to the environment variables accepted for
// them, in priority order.
var envBindings = map[string][]string{
	"telegram.token":                  {"TELEGRAM_BOT_TOKEN", "BOT_TOKEN"},
	"telegram.api_endpoint":           {"TELEGRAM_API_ENDPOINT"},
	"telegram.poll_timeout":           {"TG_TIMEOUT"},
	"telegram.sleep_seconds":          {"TG_SLEEP_SECONDS"},
	"telegram.drop_pending":           {"TG_DROP_PENDING"},
	"webhook.public_base_url":         {"PUBLIC_BASE_URL"},
	"webhook.secret":                  {"WEBHOOK_SECRET"},
	"webhook.port":                    {"PORT"},
	"smaipl.provider":                 {"SMAIPL_PROVIDER"},
	"smaipl.schema":                   {"SMAIPL_SCHEMA"},
	"smaipl.api_url":                  {"SMAIPL_API_URL"},
	"smaipl.base_url":                 {"SMAIPL_BASE_URL"},
	"smaipl.api_key":                  {"SMAIPL_API_KEY"},
	"smaipl.auth":                     {"SMAIPL_AUTH"},
	"smaipl.auth_header":              {"SMAIPL_AUTH_HEADER"},
	"smaipl.model":                    {"SMAIPL_MODEL"},
	"smaipl.bot_id":                   {"SMAIPL_BOT_ID"},
	"smaipl.temperature":              {"SMAIPL_TEMPERATURE"},
	"smaipl.timeout_seconds":          {"SMAIPL_TIMEOUT_SECONDS"},
	"smaipl.max_attempts":             {"SMAIPL_MAX_ATTEMPTS"},
	"smaipl.retry_base_ms":            {"SMAIPL_RETRY_BASE_MS"},
	"smaipl.retry_max_ms":             {"SMAIPL_RETRY_MAX_MS"},
	"smaipl.response_fields":          {"SMAIPL_RESPONSE_FIELDS"},
	"smaipl.system_prompt":            {"SYSTEM_PROMPT"},
	"smaipl.push_url":                 {"SMAIPL_PUSH_URL"},
	"smaipl.push_bearer":              {"SMAIPL_PUSH_BEARER"},
	"smaipl.breaker_threshold":        {"SMAIPL_BREAKER_THRESHOLD"},
	"smaipl.breaker_cooldown_seconds": {"SMAIPL_BREAKER_COOLDOWN_SECONDS"},
	"dummy.script":                    {"DUMMY_SCRIPT"},
	"bot.command_prefix":              {"COMMAND_PREFIX"},
	"bot.summary_command":             {"SUMMARY_COMMAND"},
	"bot.clear_command":               {"CLEAR_COMMAND"},
	"bot.ping_command":                {"PING_COMMAND"},
	"bot.default_author":              {"DEFAULT_AUTHOR"},
	"history.limit":                   {"HISTORY_LIMIT"},
	"summary.last_n":                  {"SUMMARY_LAST_N"},
	"summary.fallback_lines":          {"FALLBACK_LINES"},
	"summary.delivery":                {"SUMMARY_DELIVERY"},
	"summary.max_parts":               {"SUMMARY_MAX_PARTS"},
	"db.path":                         {"EVENTS_DB_PATH"},
	"logging.level":                   {"LOG_LEVEL"},
	"logging.format":                  {"LOG_FORMAT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_endpoint", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("telegram.sleep_seconds", 1)
	v.SetDefault("telegram.drop_pending", true)

	v.SetDefault("webhook.public_base_url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.port", 8080)

	v.SetDefault("smaipl.provider", "http")
	v.SetDefault("smaipl.schema", "")
	v.SetDefault("smaipl.api_url", "")
	v.SetDefault("smaipl.base_url", "")
	v.SetDefault("smaipl.api_key", "")
	v.SetDefault("smaipl.auth", "")
	v.SetDefault("smaipl.auth_header", "X-API-Key")
	v.SetDefault("smaipl.model", "")
	v.SetDefault("smaipl.bot_id", 0)
	v.SetDefault("smaipl.temperature", 0.2)
	v.SetDefault("smaipl.timeout_seconds", 90)
	v.SetDefault("smaipl.max_attempts", 3)
	v.SetDefault("smaipl.retry_base_ms", 500)
	v.SetDefault("smaipl.retry_max_ms", 8000)
	v.SetDefault("smaipl.response_fields", DefaultResponseFields)
	v.SetDefault("smaipl.system_prompt", DefaultSystemPrompt)
	v.SetDefault("smaipl.push_url", "")
	v.SetDefault("smaipl.push_bearer", "")
	v.SetDefault("smaipl.breaker_threshold", 5)
	v.SetDefault("smaipl.breaker_cooldown_seconds", 30)

	v.SetDefault("dummy.script", "ok")

	v.SetDefault("bot.command_prefix", "/")
	v.SetDefault("bot.summary_command", "/summary")
	v.SetDefault("bot.clear_command", "/clear")
	v.SetDefault("bot.ping_command", "/ping")
	v.SetDefault("bot.default_author", "user")

	v.SetDefault("history.limit", 50)

	v.SetDefault("summary.last_n", 30)
	v.SetDefault("summary.fallback_lines", 5)
	v.SetDefault("summary.delivery", "split")
	v.SetDefault("summary.max_parts", 5)

	v.SetDefault("db.path", "state/summarybot.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration from the optional dotenv file, the optional
// config file and the environment, in increasing priority. The returned
// error lists every invalid or missing setting.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return Config{}, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Telegram.Token = strings.TrimSpace(c.Telegram.Token)
	c.Webhook.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Webhook.PublicBaseURL), "/")
	c.Webhook.Secret = strings.TrimSpace(c.Webhook.Secret)

	s := &c.SMAIPL
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	s.APIURL = strings.TrimSpace(s.APIURL)
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	s.APIKey = strings.TrimSpace(s.APIKey)
	s.Model = strings.TrimSpace(s.Model)
	s.Schema = strings.ToLower(strings.TrimSpace(s.Schema))
	if s.Schema == "" {
		if s.BaseURL != "" {
			s.Schema = "openai"
		} else {
			s.Schema = "envelope"
		}
	}
	s.Auth = strings.ToLower(strings.TrimSpace(s.Auth))
	if s.Auth == "" {
		if s.APIKey != "" {
			s.Auth = "bearer"
		} else {
			s.Auth = "none"
		}
	}

	c.Summary.Delivery = strings.ToLower(strings.TrimSpace(c.Summary.Delivery))
}

// Validate reports every setting that would prevent the bot from running.
func (c Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN (or BOT_TOKEN) is required"))
	}
	if c.Telegram.PollTimeout < 0 {
		errs = append(errs, errors.New("TG_TIMEOUT must be >= 0"))
	}
	if c.History.Limit < 1 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be >= 1"))
	}
	if c.Summary.LastN < 1 {
		errs = append(errs, errors.New("SUMMARY_LAST_N must be >= 1"))
	}
	if c.Summary.FallbackLines < 1 {
		errs = append(errs, errors.New("FALLBACK_LINES must be >= 1"))
	}
	if c.Summary.MaxParts < 1 {
		errs = append(errs, errors.New("SUMMARY_MAX_PARTS must be >= 1"))
	}
	switch c.Summary.Delivery {
	case "split", "truncate":
	default:
		errs = append(errs, fmt.Errorf("SUMMARY_DELIVERY must be split or truncate, got %q", c.Summary.Delivery))
	}
	if strings.TrimSpace(c.Bot.CommandPrefix) == "" {
		errs = append(errs, errors.New("COMMAND_PREFIX must not be empty"))
	}
	if !strings.HasPrefix(c.Bot.SummaryCommand, c.Bot.CommandPrefix) {
		errs = append(errs, fmt.Errorf("SUMMARY_COMMAND %q must start with COMMAND_PREFIX %q", c.Bot.SummaryCommand, c.Bot.CommandPrefix))
	}

	s := c.SMAIPL
	if s.MaxAttempts < 1 || s.MaxAttempts > 5 {
		errs = append(errs, fmt.Errorf("SMAIPL_MAX_ATTEMPTS must be between 1 and 5, got %d", s.MaxAttempts))
	}
	if s.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("SMAIPL_TIMEOUT_SECONDS must be > 0"))
	}
	if s.RetryBaseMS < 0 || s.RetryMaxMS < s.RetryBaseMS {
		errs = append(errs, errors.New("SMAIPL_RETRY_BASE_MS must be >= 0 and <= SMAIPL_RETRY_MAX_MS"))
	}
	switch s.Provider {
	case "dummy":
	case "http":
		switch s.Schema {
		case "openai":
			if s.Endpoint() == "" {
				errs = append(errs, errors.New("SMAIPL_BASE_URL or SMAIPL_API_URL is required for the openai schema"))
			}
			if s.Model == "" {
				errs = append(errs, errors.New("SMAIPL_MODEL is required for the openai schema"))
			}
		case "envelope":
			if s.APIURL == "" {
				errs = append(errs, errors.New("SMAIPL_API_URL is required for the envelope schema"))
			}
			if s.BotID == 0 {
				errs = append(errs, errors.New("SMAIPL_BOT_ID is required for the envelope schema"))
			}
		default:
			errs = append(errs, fmt.Errorf("SMAIPL_SCHEMA must be openai or envelope, got %q", s.Schema))
		}
		switch s.Auth {
		case "none":
		case "bearer", "header":
			if s.APIKey == "" {
				errs = append(errs, fmt.Errorf("SMAIPL_API_KEY is required for SMAIPL_AUTH=%s", s.Auth))
			}
		default:
			errs = append(errs, fmt.Errorf("SMAIPL_AUTH must be bearer, header or none, got %q", s.Auth))
		}
	default:
		errs = append(errs, fmt.Errorf("SMAIPL_PROVIDER must be http or dummy, got %q", s.Provider))
	}
	return errors.Join(errs...)
}

// Endpoint returns the URL summarization requests are posted to.
func (s SMAIPLConfig) Endpoint() string {
	if s.Schema == "openai" && s.BaseURL != "" {
		return s.BaseURL + "/chat/completions"
	}
	return s.APIURL
}

func (s SMAIPLConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s SMAIPLConfig) RetryBase() time.Duration {
	return time.Duration(s.RetryBaseMS) * time.Millisecond
}

func (s SMAIPLConfig) RetryMax() time.Duration {
	return time.Duration(s.RetryMaxMS) * time.Millisecond
}

func (s SMAIPLConfig) BreakerCooldown() time.Duration {
	return time.Duration(s.BreakerCooldownSeconds) * time.Second
}

// Warnings lists settings that are allowed but probably unintended.
func (c Config) Warnings() []string {
	var out []string
	if c.Webhook.Secret == "" {
		out = append(out, "WEBHOOK_SECRET is empty; webhook URL protection is disabled")
	}
	if c.SMAIPL.Provider == "dummy" {
		out = append(out, "SMAIPL_PROVIDER=dummy; summaries come from a scripted backend")
	}
	if c.Summary.LastN > c.History.Limit {
		out = append(out, fmt.Sprintf("SUMMARY_LAST_N=%d exceeds HISTORY_LIMIT=%d; the window is capped by the history", c.Summary.LastN, c.History.Limit))
	}
	return out
}

// Redacted returns a view of the configuration that is safe to expose.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"BOT_TOKEN_set":          c.Telegram.Token != "",
		"PUBLIC_BASE_URL":        c.Webhook.PublicBaseURL,
		"WEBHOOK_SECRET_set":     c.Webhook.Secret != "",
		"WEBHOOK_SECRET_masked":  Mask(c.Webhook.Secret, 8),
		"SMAIPL_PROVIDER":        c.SMAIPL.Provider,
		"SMAIPL_SCHEMA":          c.SMAIPL.Schema,
		"SMAIPL_ENDPOINT":        c.SMAIPL.Endpoint(),
		"SMAIPL_AUTH":            c.SMAIPL.Auth,
		"SMAIPL_API_KEY_set":     c.SMAIPL.APIKey != "",
		"SMAIPL_API_KEY_masked":  Mask(c.SMAIPL.APIKey, 10),
		"SMAIPL_MODEL":           c.SMAIPL.Model,
		"SMAIPL_BOT_ID":          c.SMAIPL.BotID,
		"SMAIPL_PUSH_URL":        c.SMAIPL.PushURL,
		"SMAIPL_PUSH_BEARER_set": c.SMAIPL.PushBearer != "",
		"SUMMARY_COMMAND":        c.Bot.SummaryCommand,
		"HISTORY_LIMIT":          c.History.Limit,
		"SUMMARY_LAST_N":         c.Summary.LastN,
	}
}

// Mask hides all but a few leading and trailing characters of a secret.
func Mask(s string, keep int) string {
	if s == "" {
		return ""
	}
	if keep < 4 {
		keep = 4
	}
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return s[:3] + "***" + s[len(s)-(keep-3):]
}
