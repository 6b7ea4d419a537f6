package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env string

	// RabbitMQ
	RabbitURL   string
	Exchange    string
	Queue       string
	BindKeysCSV string
	Prefetch    int
	ConsumeTag  string
	MaxAttempts int
	Workers     int

	// Provenance allow-list
	AllowedSourcesCSV  string
	AllowedAccountsCSV string

	// Redis (idempotency)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// IdempotencyTTL bounds the duplicate-suppression horizon. A redelivery
	// after expiry may duplicate a side effect; that residual risk is the
	// reason this is tunable rather than a constant.
	IdempotencyTTL time.Duration

	// Postgres (dead-letter)
	PostgresDSN string

	// Secrets
	AWSRegion      string
	SecretTimeout  time.Duration
	MailSecretPath string
	ChatSecretPath string

	// Mail channel
	MailEndpoint string
	MailFrom     string
	MailFromName string

	// Timeouts
	SendTimeout   time.Duration
	EventDeadline time.Duration
	ShutdownWait  time.Duration

	// Ops HTTP
	WebAddr     string
	RLEnabled   bool
	RLLimit     int
	RLWindow    time.Duration
	DevSecrets  bool
	DevMailKey  string
	DevChatHook string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Env = getEnv("APP_ENV", "dev")

	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBIT_URL"))
	if cfg.RabbitURL == "" {
		return nil, fmt.Errorf("missing required env var: RABBIT_URL")
	}
	cfg.Exchange = getEnv("RABBIT_EXCHANGE", "lease.events")
	cfg.Queue = getEnv("RABBIT_QUEUE", "lease-notify.q")
	cfg.BindKeysCSV = getEnv("RABBIT_BIND_KEYS", "lease.#,account.#")
	cfg.Prefetch = getInt("RABBIT_PREFETCH", 10)
	cfg.ConsumeTag = getEnv("RABBIT_CONSUMER_TAG", "lease-notify")
	cfg.MaxAttempts = getInt("DELIVERY_MAX_ATTEMPTS", 5)
	cfg.Workers = getInt("DISPATCH_WORKERS", 8)

	cfg.AllowedSourcesCSV = getEnv("ALLOWED_SOURCES", "sandbox.leases")
	cfg.AllowedAccountsCSV = getEnv("ALLOWED_ACCOUNTS", "")

	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.IdempotencyTTL = getDuration("IDEMPOTENCY_TTL", 1*time.Hour)

	cfg.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("missing required env var: POSTGRES_DSN")
	}

	cfg.AWSRegion = getEnv("AWS_REGION", "")
	cfg.SecretTimeout = getDuration("SECRET_TIMEOUT", 3*time.Second)
	cfg.MailSecretPath = getEnv("MAIL_SECRET_PATH", "lease-notify/mail-api-key")
	cfg.ChatSecretPath = getEnv("CHAT_SECRET_PATH", "lease-notify/chat-webhook")

	cfg.MailEndpoint = getEnv("MAIL_ENDPOINT", "https://api.mail.example.com/v1/send")
	cfg.MailFrom = getEnv("MAIL_FROM", "noreply@sandbox.example.com")
	cfg.MailFromName = getEnv("MAIL_FROM_NAME", "Sandbox Leases")

	cfg.SendTimeout = getDuration("SEND_TIMEOUT", 5*time.Second)
	cfg.EventDeadline = getDuration("EVENT_DEADLINE", 25*time.Second)
	if cfg.SendTimeout >= cfg.EventDeadline {
		return nil, fmt.Errorf("SEND_TIMEOUT (%s) must be shorter than EVENT_DEADLINE (%s)", cfg.SendTimeout, cfg.EventDeadline)
	}
	cfg.ShutdownWait = getDuration("SHUTDOWN_WAIT", 15*time.Second)

	cfg.WebAddr = getEnv("WEB_ADDR", ":8091")
	cfg.RLEnabled = getBool("RL_ENABLED", true)
	cfg.RLLimit = getInt("RL_LIMIT", 60)
	cfg.RLWindow = getDuration("RL_WINDOW", 1*time.Minute)

	// Dev mode serves channel secrets from env instead of Secrets Manager.
	cfg.DevSecrets = getBool("DEV_SECRETS", false)
	cfg.DevMailKey = getEnv("DEV_MAIL_KEY", "dev-mail-key")
	cfg.DevChatHook = getEnv("DEV_CHAT_HOOK", "http://localhost:9999/hook")

	if strings.Contains(cfg.RedisAddr, " ") {
		return nil, fmt.Errorf("bad REDIS_ADDR (contains spaces): %q", cfg.RedisAddr)
	}

	return cfg, nil
}

// SplitCSV splits a comma-separated config value, dropping empties.
func SplitCSV(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if x = strings.TrimSpace(x); x != "" {
			out = append(out, x)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n := def
	_, _ = fmt.Sscanf(v, "%d", &n)
	if n <= 0 {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getBool(key string, def bool) bool {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
