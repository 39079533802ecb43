package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string

	// DBDriver 取 sqlite（默认，本地开发）或 mysql
	DBDriver string
	DBDSN    string

	RedisAddr string
	RedisDB   int

	// Kafka 集群地址（逗号分隔）、Topic、消费者组
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	QuoteRateLimit  int
	QuoteRateWindow time.Duration

	JWTSecret string

	Gateway GatewayConfig
	Fees    FeeConfig

	MaxPaymentRetries int
	RetryLockTTL      time.Duration
	OutboxPoll        time.Duration

	LogLevel  string
	LogPretty bool
}

// GatewayConfig 支付网关凭据。KeySecret 与 WebhookSecret 只留在服务端。
type GatewayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
	MinAmount     int64
	MerchantName  string
	Currency      string
}

// FeeConfig 配送费规则与自选餐起订额，金额单位为分。
type FeeConfig struct {
	FreeRadiusKm  float64
	MaxRadiusKm   float64
	PerKmFee      int64
	BYOMinWeekly  int64
	BYOMinMonthly int64
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		DBDriver:        getEnv("DB_DRIVER", "sqlite"),
		DBDSN:           getEnv("DB_DSN", "mealbox.db"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:         0,
		KafkaBrokers:    splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", "mealbox-order-events"),
		KafkaGroupID:    getEnv("KAFKA_GROUP_ID", "mealbox-wallet-ledger"),
		QuoteRateLimit:  30,
		QuoteRateWindow: time.Second,
		JWTSecret:       getEnv("JWT_SECRET", ""),
		Gateway: GatewayConfig{
			BaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.razorpay.com"),
			KeyID:         getEnv("GATEWAY_KEY_ID", ""),
			KeySecret:     getEnv("GATEWAY_KEY_SECRET", ""),
			WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
			Timeout:       5 * time.Second,
			MinAmount:     100,
			MerchantName:  getEnv("MERCHANT_NAME", "Mealbox"),
			Currency:      getEnv("CURRENCY", "INR"),
		},
		Fees: FeeConfig{
			FreeRadiusKm:  3,
			MaxRadiusKm:   15,
			PerKmFee:      1000,
			BYOMinWeekly:  150000,
			BYOMinMonthly: 500000,
		},
		MaxPaymentRetries: 3,
		RetryLockTTL:      30 * time.Second,
		OutboxPoll:        500 * time.Millisecond,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         getEnv("LOG_PRETTY", "false") == "true",
	}

	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "mysql" {
		return AppConfig{}, fmt.Errorf("DB_DRIVER must be sqlite or mysql, got %q", cfg.DBDriver)
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("QUOTE_RATE_LIMIT", cfg.QuoteRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid QUOTE_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("QUOTE_RATE_LIMIT must be > 0")
	}
	cfg.QuoteRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("QUOTE_RATE_WINDOW_SEC", int(cfg.QuoteRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid QUOTE_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("QUOTE_RATE_WINDOW_SEC must be > 0")
	}
	cfg.QuoteRateWindow = time.Duration(rateWindowSec) * time.Second

	timeoutMs, err := getEnvInt("GATEWAY_TIMEOUT_MS", int(cfg.Gateway.Timeout.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_TIMEOUT_MS: %w", err)
	}
	if timeoutMs <= 0 {
		return AppConfig{}, fmt.Errorf("GATEWAY_TIMEOUT_MS must be > 0")
	}
	cfg.Gateway.Timeout = time.Duration(timeoutMs) * time.Millisecond

	if cfg.Gateway.MinAmount, err = getEnvInt64("GATEWAY_MIN_AMOUNT", cfg.Gateway.MinAmount); err != nil {
		return AppConfig{}, fmt.Errorf("invalid GATEWAY_MIN_AMOUNT: %w", err)
	}
	if cfg.Gateway.MinAmount <= 0 {
		return AppConfig{}, fmt.Errorf("GATEWAY_MIN_AMOUNT must be > 0")
	}

	retries, err := getEnvInt("MAX_PAYMENT_RETRIES", cfg.MaxPaymentRetries)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MAX_PAYMENT_RETRIES: %w", err)
	}
	if retries < 0 {
		return AppConfig{}, fmt.Errorf("MAX_PAYMENT_RETRIES must be >= 0")
	}
	cfg.MaxPaymentRetries = retries

	lockTTL, err := getEnvInt("RETRY_LOCK_TTL_SEC", int(cfg.RetryLockTTL.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid RETRY_LOCK_TTL_SEC: %w", err)
	}
	if lockTTL <= 0 {
		return AppConfig{}, fmt.Errorf("RETRY_LOCK_TTL_SEC must be > 0")
	}
	cfg.RetryLockTTL = time.Duration(lockTTL) * time.Second

	pollMs, err := getEnvInt("OUTBOX_POLL_MS", int(cfg.OutboxPoll.Milliseconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid OUTBOX_POLL_MS: %w", err)
	}
	if pollMs <= 0 {
		return AppConfig{}, fmt.Errorf("OUTBOX_POLL_MS must be > 0")
	}
	cfg.OutboxPoll = time.Duration(pollMs) * time.Millisecond

	if cfg.Fees, err = loadFees(cfg.Fees); err != nil {
		return AppConfig{}, err
	}

	if cfg.JWTSecret == "" {
		return AppConfig{}, fmt.Errorf("JWT_SECRET must not be empty")
	}
	if cfg.Gateway.WebhookSecret == "" {
		return AppConfig{}, fmt.Errorf("WEBHOOK_SECRET must not be empty")
	}
	if cfg.Gateway.KeyID == "" || cfg.Gateway.KeySecret == "" {
		return AppConfig{}, fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET must not be empty")
	}
	if len(cfg.Gateway.Currency) != 3 {
		return AppConfig{}, fmt.Errorf("CURRENCY must be an ISO 4217 code")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.KafkaTopic == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_TOPIC must not be empty")
	}
	if cfg.KafkaGroupID == "" {
		return AppConfig{}, fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}

	return cfg, nil
}

func loadFees(f FeeConfig) (FeeConfig, error) {
	var err error
	if f.FreeRadiusKm, err = getEnvFloat("FREE_RADIUS_KM", f.FreeRadiusKm); err != nil {
		return FeeConfig{}, fmt.Errorf("invalid FREE_RADIUS_KM: %w", err)
	}
	if f.MaxRadiusKm, err = getEnvFloat("MAX_RADIUS_KM", f.MaxRadiusKm); err != nil {
		return FeeConfig{}, fmt.Errorf("invalid MAX_RADIUS_KM: %w", err)
	}
	if f.PerKmFee, err = getEnvInt64("PER_KM_FEE", f.PerKmFee); err != nil {
		return FeeConfig{}, fmt.Errorf("invalid PER_KM_FEE: %w", err)
	}
	if f.BYOMinWeekly, err = getEnvInt64("BYO_MIN_WEEKLY", f.BYOMinWeekly); err != nil {
		return FeeConfig{}, fmt.Errorf("invalid BYO_MIN_WEEKLY: %w", err)
	}
	if f.BYOMinMonthly, err = getEnvInt64("BYO_MIN_MONTHLY", f.BYOMinMonthly); err != nil {
		return FeeConfig{}, fmt.Errorf("invalid BYO_MIN_MONTHLY: %w", err)
	}

	if f.FreeRadiusKm < 0 || f.PerKmFee < 0 || f.BYOMinWeekly < 0 || f.BYOMinMonthly < 0 {
		return FeeConfig{}, fmt.Errorf("fee settings must be >= 0")
	}
	if f.MaxRadiusKm < f.FreeRadiusKm {
		return FeeConfig{}, fmt.Errorf("MAX_RADIUS_KM must be >= FREE_RADIUS_KM")
	}
	return f, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
