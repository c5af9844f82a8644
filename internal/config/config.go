package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	BaseURL string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	BotToken    string
	BotUsername string

	YooKassaShopID  string
	YooKassaAPIKey  string
	YooKassaAPIURL  string
	WebhookExtraIPs []string

	KlingBaseURL   string
	KlingAccessKey string
	KlingSecretKey string

	ReferralInviterBonus int64
	ReferralInviteeBonus int64
	ReferralDepositRate  float64

	TopUpBonusWindow time.Duration
	TopUpBonusTokens int64

	PollIdleInterval  time.Duration
	PollBusyInterval  time.Duration
	PollErrorBackoff  time.Duration
	PollBatchSize     int
	ActivityWindowTTL time.Duration

	HTTPAddr string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "lumapix"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		BaseURL: strings.TrimRight(getenv("BASE_URL", "http://localhost:8080"), "/"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "lumapix"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 30),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 5),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		BotToken:    strings.TrimSpace(getenv("BOT_TOKEN", "")),
		BotUsername: strings.TrimSpace(getenv("BOT_USERNAME", "")),

		YooKassaShopID:  strings.TrimSpace(getenv("YOOKASSA_SHOP_ID", "")),
		YooKassaAPIKey:  strings.TrimSpace(getenv("YOOKASSA_API_KEY", "")),
		YooKassaAPIURL:  strings.TrimRight(getenv("YOOKASSA_API_URL", "https://api.yookassa.ru/v3"), "/"),
		WebhookExtraIPs: getenvList("WEBHOOK_TRUSTED_IPS"),

		KlingBaseURL:   strings.TrimRight(getenv("KLING_BASE_URL", "https://api.klingai.com"), "/"),
		KlingAccessKey: strings.TrimSpace(getenv("KLING_ACCESS_KEY", "")),
		KlingSecretKey: strings.TrimSpace(getenv("KLING_SECRET_KEY", "")),

		ReferralInviterBonus: getenvInt64("REFERRAL_INVITER_BONUS", 200),
		ReferralInviteeBonus: getenvInt64("REFERRAL_INVITEE_BONUS", 200),
		ReferralDepositRate:  getenvFloat("REFERRAL_DEPOSIT_RATE", 0.10),

		TopUpBonusWindow: getenvDuration("TOPUP_BONUS_WINDOW", 30*time.Minute),
		TopUpBonusTokens: getenvInt64("TOPUP_BONUS_TOKENS", 1),

		PollIdleInterval:  getenvDuration("PAYMENT_POLL_IDLE_INTERVAL", 15*time.Second),
		PollBusyInterval:  getenvDuration("PAYMENT_POLL_BUSY_INTERVAL", 5*time.Second),
		PollErrorBackoff:  getenvDuration("PAYMENT_POLL_ERROR_BACKOFF", 10*time.Second),
		PollBatchSize:     getenvInt("PAYMENT_POLL_BATCH_SIZE", 100),
		ActivityWindowTTL: getenvDuration("ACTIVITY_WINDOW_TTL", 10*time.Minute),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getenvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
