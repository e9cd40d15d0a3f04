package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment
// variables, validated once at startup.
type Config struct {
	// Broker gateway (IB Client Portal style local gateway)
	GatewayURL     string
	GatewayAccount string

	// Infrastructure
	LedgerPath    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	APIAddr       string

	// Operator TOTP secret required to resume after a halt (optional)
	ResumeTOTPSecret string

	// Alert delivery channels (each optional)
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string

	// Evaluation loop
	CycleInterval time.Duration

	// Exit thresholds
	ProfitTarget float64 // fraction of premium captured, e.g. 0.50
	StopLoss     float64 // loss multiple of premium, negative, e.g. -2.0
	TimeExitDTE  int

	// Risk limits
	DailyLossPct         float64
	WeeklyLossPct        float64
	MaxDrawdownPct       float64
	MaxPositions         int
	MaxTradesPerDay      int
	MaxSectorFraction    float64
	PerTradeMarginPct    float64
	MaxMarginUtilization float64
	MinCushionPct        float64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		GatewayURL:     getEnv("GATEWAY_URL", "https://localhost:5000/v1/api"),
		GatewayAccount: mustEnv("GATEWAY_ACCOUNT"),

		LedgerPath:    getEnv("LEDGER_PATH", "data/trades.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":9091"),

		ResumeTOTPSecret: getEnv("RESUME_TOTP_SECRET", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		CycleInterval: getEnvDuration("CYCLE_INTERVAL", 60*time.Second),

		ProfitTarget: getEnvFloat("PROFIT_TARGET", 0.50),
		StopLoss:     getEnvFloat("STOP_LOSS", -2.0),
		TimeExitDTE:  getEnvInt("TIME_EXIT_DTE", 7),

		DailyLossPct:         getEnvFloat("DAILY_LOSS_PCT", 0.02),
		WeeklyLossPct:        getEnvFloat("WEEKLY_LOSS_PCT", 0.05),
		MaxDrawdownPct:       getEnvFloat("MAX_DRAWDOWN_PCT", 0.10),
		MaxPositions:         getEnvInt("MAX_POSITIONS", 10),
		MaxTradesPerDay:      getEnvInt("MAX_TRADES_PER_DAY", 3),
		MaxSectorFraction:    getEnvFloat("MAX_SECTOR_FRACTION", 0.40),
		PerTradeMarginPct:    getEnvFloat("PER_TRADE_MARGIN_PCT", 0.10),
		MaxMarginUtilization: getEnvFloat("MAX_MARGIN_UTILIZATION", 0.60),
		MinCushionPct:        getEnvFloat("MIN_CUSHION_PCT", 0.15),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
