package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting of the server and the terminal clients.
type Config struct {
	Port string

	StoreDriver string // postgres | sqlite
	DatabaseURL string
	SQLitePath  string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	AITimeout     time.Duration

	HistoryPageSize   int
	SessionFallback   string // fail | create
	EscalationPhrases []string

	Notifier         string // memory | redis | postgres
	RedisAddr        string
	RedisPass        string
	RedisDB          int
	RedisChannel     string
	SubscriberBuffer int

	TelegramToken  string
	TelegramChatID int64

	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	ExportURLTTL time.Duration

	APIURL   string
	APIToken string
}

var defaults = map[string]any{
	"PORT":               "8080",
	"STORE_DRIVER":       "postgres",
	"SQLITE_PATH":        "support.db",
	"OPENAI_MODEL":       "gpt-4o-mini",
	"AI_TIMEOUT":         "60s",
	"HISTORY_PAGE_SIZE":  0,
	"SESSION_FALLBACK":   "fail",
	"ESCALATION_PHRASES": "связаться с сотрудником,обратитесь к оператору",
	"NOTIFIER":           "memory",
	"REDIS_CHANNEL":      "chat_changes",
	"SUBSCRIBER_BUFFER":  64,
	"S3_REGION":          "auto",
	"EXPORT_URL_TTL":     "15m",
	"API_URL":            "http://localhost:8080",
}

// Load reads .env (if present), an optional config.yaml and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file, using environment variables")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port: v.GetString("PORT"),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL: v.GetString("DATABASE_URL"),
		SQLitePath:  v.GetString("SQLITE_PATH"),

		JWTSecret:   v.GetString("JWT_SECRET"),
		JWTIssuer:   v.GetString("JWT_ISSUER"),
		JWTAudience: v.GetString("JWT_AUDIENCE"),

		OpenAIKey:     v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL: v.GetString("OPENAI_BASE_URL"),
		OpenAIModel:   v.GetString("OPENAI_MODEL"),
		AITimeout:     v.GetDuration("AI_TIMEOUT"),

		HistoryPageSize:   v.GetInt("HISTORY_PAGE_SIZE"),
		SessionFallback:   strings.ToLower(v.GetString("SESSION_FALLBACK")),
		EscalationPhrases: splitList(v.GetString("ESCALATION_PHRASES")),

		Notifier:         strings.ToLower(v.GetString("NOTIFIER")),
		RedisAddr:        strings.ReplaceAll(v.GetString("REDIS_ADDR"), " ", ""),
		RedisPass:        v.GetString("REDIS_PASS"),
		RedisDB:          v.GetInt("REDIS_DB"),
		RedisChannel:     v.GetString("REDIS_CHANNEL"),
		SubscriberBuffer: v.GetInt("SUBSCRIBER_BUFFER"),

		TelegramToken:  v.GetString("TELEGRAM_TOKEN"),
		TelegramChatID: v.GetInt64("TELEGRAM_CHAT_ID"),

		S3Bucket:     v.GetString("S3_BUCKET"),
		S3Region:     v.GetString("S3_REGION"),
		S3Endpoint:   v.GetString("S3_ENDPOINT"),
		S3AccessKey:  v.GetString("S3_ACCESS_KEY_ID"),
		S3SecretKey:  v.GetString("S3_SECRET_ACCESS_KEY"),
		ExportURLTTL: v.GetDuration("EXPORT_URL_TTL"),

		APIURL:   strings.TrimRight(v.GetString("API_URL"), "/"),
		APIToken: v.GetString("API_TOKEN"),
	}
}

// ValidateStore checks the database settings `migrate` needs.
func (c *Config) ValidateStore() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}
	case "sqlite":
		if c.Notifier == "postgres" {
			return errors.New("NOTIFIER=postgres requires STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// ValidateServer checks the settings `serve` cannot run without.
func (c *Config) ValidateServer() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}

	switch c.Notifier {
	case "memory", "postgres":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("NOTIFIER=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown NOTIFIER %q", c.Notifier)
	}

	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if c.OpenAIKey == "" {
		return errors.New("OPENAI_API_KEY is not set")
	}
	if c.SessionFallback != "fail" && c.SessionFallback != "create" {
		return fmt.Errorf("SESSION_FALLBACK must be fail or create, got %q", c.SessionFallback)
	}
	if c.HistoryPageSize < 0 {
		return errors.New("HISTORY_PAGE_SIZE must not be negative")
	}
	return nil
}

// S3Enabled reports whether exports should be uploaded instead of streamed.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
