package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendFirestore = "firestore"
	BackendSQLite    = "sqlite"
)

type Config struct {
	StorageBackend string
	ProjectID      string
	SQLitePath     string
	Port           string
	LogLevel       slog.Level

	WebhookAPIKey    string
	WebhookRateLimit float64
	WebhookBurst     int

	DefaultCurrency       string
	ReconcileAllOrNothing bool

	KafkaBrokers      []string
	KafkaOfferTopic   string
	DiscordWebhookURL string

	RedisAddr      string
	RedisPassword  string
	MessageLockTTL time.Duration

	GeminiAPIKey string
	GeminiModel  string
}

// Load reads the configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to read .env file", "error", err)
	}

	backend := strings.ToLower(os.Getenv("STORAGE_BACKEND"))
	if backend == "" {
		backend = BackendFirestore
	}
	if backend != BackendFirestore && backend != BackendSQLite {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q: want %q or %q", backend, BackendFirestore, BackendSQLite)
	}

	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if backend == BackendFirestore && projectID == "" {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT environment variable is required for the firestore backend but not set")
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "data/offers.db"
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
		slog.Info("Defaulting to port", "port", port)
	}

	logLevel := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := logLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", v, err)
		}
	}

	webhookAPIKey := os.Getenv("WEBHOOK_API_KEY")
	if webhookAPIKey == "" {
		slog.Warn("WEBHOOK_API_KEY not set, webhook endpoints accept unauthenticated requests")
	}

	rateLimit := 20.0
	if v := os.Getenv("WEBHOOK_RATE_LIMIT"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid WEBHOOK_RATE_LIMIT %q: want a positive number", v)
		}
		rateLimit = parsed
	}

	burst := 40
	if v := os.Getenv("WEBHOOK_BURST"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid WEBHOOK_BURST %q: want a positive integer", v)
		}
		burst = parsed
	}

	defaultCurrency := strings.ToUpper(os.Getenv("DEFAULT_CURRENCY"))
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}

	allOrNothing := false
	if v := os.Getenv("RECONCILE_ALL_OR_NOTHING"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RECONCILE_ALL_OR_NOTHING %q: %w", v, err)
		}
		allOrNothing = parsed
	}
	// Firestore writes commit immediately, so a whole message cannot be rolled back there.
	if allOrNothing && backend == BackendFirestore {
		return nil, fmt.Errorf("RECONCILE_ALL_OR_NOTHING=true requires STORAGE_BACKEND=%s: the %s backend cannot roll back a message", BackendSQLite, BackendFirestore)
	}

	var brokers []string
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		slog.Warn("KAFKA_BROKERS not set, offer events will not be published to Kafka")
	}

	offerTopic := os.Getenv("KAFKA_OFFER_TOPIC")
	if offerTopic == "" {
		offerTopic = "offer-events"
	}

	lockTTLStr := os.Getenv("MESSAGE_LOCK_TTL")
	if lockTTLStr == "" {
		lockTTLStr = "30s"
	}
	lockTTL, err := time.ParseDuration(lockTTLStr)
	if err != nil {
		return nil, fmt.Errorf("invalid MESSAGE_LOCK_TTL %q: %w", lockTTLStr, err)
	}

	geminiModel := os.Getenv("GEMINI_MODEL")
	if geminiModel == "" {
		geminiModel = "gemini-2.0-flash"
	}

	return &Config{
		StorageBackend:        backend,
		ProjectID:             projectID,
		SQLitePath:            sqlitePath,
		Port:                  port,
		LogLevel:              logLevel,
		WebhookAPIKey:         webhookAPIKey,
		WebhookRateLimit:      rateLimit,
		WebhookBurst:          burst,
		DefaultCurrency:       defaultCurrency,
		ReconcileAllOrNothing: allOrNothing,
		KafkaBrokers:          brokers,
		KafkaOfferTopic:       offerTopic,
		DiscordWebhookURL:     os.Getenv("DISCORD_WEBHOOK_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		MessageLockTTL:        lockTTL,
		GeminiAPIKey:          os.Getenv("GEMINI_API_KEY"),
		GeminiModel:           geminiModel,
	}, nil
}
