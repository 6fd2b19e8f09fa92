// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the HTTP server,
// logging, storage, control bot, provider credentials, session tuning, rate
// limiting and observability settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BotConfig configures the control bot and its webhook.
type BotConfig struct {
	Token         string // BOT_TOKEN
	APIURL        string // BOT_API_URL
	WebhookPath   string // WEBHOOK_PATH, mounted outside the API base path
	WebhookURL    string // WEBHOOK_URL; when set the webhook is registered at boot
	WebhookSecret string // WEBHOOK_SECRET, echoed by Telegram in a header
	AdminToken    string // ADMIN_TOKEN guards the operator API when set
}

// ProviderConfig holds the MTProto application credentials.
type ProviderConfig struct {
	AppID       int    // PROVIDER_APP_ID
	AppHash     string // PROVIDER_APP_HASH
	DC          int    // PROVIDER_DC
	EventBuffer int    // PROVIDER_EVENT_BUFFER
}

// SessionConfig tunes account sessions and the auth dialog.
type SessionConfig struct {
	ConnectAttempts  int           // CONNECT_ATTEMPTS
	ConnectBackoff   time.Duration // CONNECT_BACKOFF
	AuthTimeout      time.Duration // AUTH_TIMEOUT
	CodeAttemptLimit int           // CODE_ATTEMPT_LIMIT, 0 = unlimited
	HistoryLimit     int           // HISTORY_LIMIT
	ActionRPS        float64       // ACTION_RPS, 0 = unthrottled
	ActionBurst      int           // ACTION_BURST
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for operator API routes

	// Storage
	DBPath     string // SQLite path
	SessionDir string // directory of durable provider credentials

	Bot      BotConfig
	Provider ProviderConfig
	Session  SessionConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Webhook redelivery protection
	UpdateDedupTTL time.Duration // how long an update_id is remembered
	PurgeInterval  time.Duration // how often expired update ids are deleted

	// Observability
	OTEL OTELConfig
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none
// is given) without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 15*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath:     getenv("DB_PATH", "warden.db"),
		SessionDir: getenv("SESSION_DIR", "sessions"),

		Bot: BotConfig{
			Token:         strings.TrimSpace(getenv("BOT_TOKEN", "")),
			APIURL:        getenv("BOT_API_URL", "https://api.telegram.org"),
			WebhookPath:   normalizeBasePath(getenv("WEBHOOK_PATH", "/telegram/webhook")),
			WebhookURL:    strings.TrimSpace(getenv("WEBHOOK_URL", "")),
			WebhookSecret: strings.TrimSpace(getenv("WEBHOOK_SECRET", "")),
			AdminToken:    strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		},
		Provider: ProviderConfig{
			AppID:       getint("PROVIDER_APP_ID", 0),
			AppHash:     strings.TrimSpace(getenv("PROVIDER_APP_HASH", "")),
			DC:          getint("PROVIDER_DC", 2),
			EventBuffer: getint("PROVIDER_EVENT_BUFFER", 64),
		},
		Session: SessionConfig{
			ConnectAttempts:  getint("CONNECT_ATTEMPTS", 3),
			ConnectBackoff:   getdur("CONNECT_BACKOFF", time.Second),
			AuthTimeout:      getdur("AUTH_TIMEOUT", 30*time.Second),
			CodeAttemptLimit: getint("CODE_ATTEMPT_LIMIT", 5),
			HistoryLimit:     getint("HISTORY_LIMIT", 20),
			ActionRPS:        getfloat("ACTION_RPS", 1.0),
			ActionBurst:      getint("ACTION_BURST", 3),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		UpdateDedupTTL: getdur("UPDATE_DEDUP_TTL", 24*time.Hour),
		PurgeInterval:  getdur("UPDATE_PURGE_INTERVAL", time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "account-warden"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.SessionDir) == "" {
		return cfg, errors.New("SESSION_DIR must not be empty")
	}
	if cfg.Bot.Token == "" {
		return cfg, errors.New("BOT_TOKEN must not be empty")
	}
	if cfg.Bot.WebhookSecret != "" && !validSecret(cfg.Bot.WebhookSecret) {
		return cfg, errors.New("WEBHOOK_SECRET must be 1-256 characters of A-Z, a-z, 0-9, _ and -")
	}
	if cfg.Bot.WebhookURL != "" && !strings.HasPrefix(cfg.Bot.WebhookURL, "https://") {
		return cfg, errors.New("WEBHOOK_URL must use https")
	}
	if cfg.Provider.AppID <= 0 {
		return cfg, errors.New("PROVIDER_APP_ID must be a positive integer")
	}
	if cfg.Provider.AppHash == "" {
		return cfg, errors.New("PROVIDER_APP_HASH must not be empty")
	}
	if cfg.Provider.DC < 1 || cfg.Provider.DC > 5 {
		return cfg, errors.New("PROVIDER_DC must be between 1 and 5")
	}
	if cfg.Provider.EventBuffer < 0 {
		return cfg, errors.New("PROVIDER_EVENT_BUFFER must be >= 0")
	}
	if cfg.Session.ConnectAttempts < 1 {
		return cfg, errors.New("CONNECT_ATTEMPTS must be >= 1")
	}
	if cfg.Session.ConnectBackoff < 0 || cfg.Session.AuthTimeout <= 0 {
		return cfg, errors.New("CONNECT_BACKOFF must be >= 0 and AUTH_TIMEOUT > 0")
	}
	if cfg.Session.CodeAttemptLimit < 0 {
		return cfg, errors.New("CODE_ATTEMPT_LIMIT must be >= 0")
	}
	if cfg.Session.HistoryLimit < 1 {
		return cfg, errors.New("HISTORY_LIMIT must be >= 1")
	}
	if cfg.Session.ActionRPS < 0 || cfg.Session.ActionBurst < 1 {
		return cfg, errors.New("ACTION_RPS must be >= 0 and ACTION_BURST >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.UpdateDedupTTL <= 0 || cfg.PurgeInterval <= 0 {
		return cfg, errors.New("UPDATE_DEDUP_TTL and UPDATE_PURGE_INTERVAL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	if cfg.Bot.WebhookPath == cfg.APIBasePath {
		return cfg, errors.New("WEBHOOK_PATH must differ from API_BASE_PATH")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// validSecret mirrors the character set Telegram accepts for secret_token.
func validSecret(s string) bool {
	if len(s) == 0 || len(s) > 256 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
