package config

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	MpesaBaseURL        string        `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey    string        `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string        `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string        `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey        string        `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackURL    string        `mapstructure:"MPESA_CALLBACK_URL"`
	MpesaTimeout        time.Duration `mapstructure:"MPESA_TIMEOUT"`

	FailOnDecline     bool          `mapstructure:"PAYMENT_FAIL_ON_DECLINE"`
	SweepSchedule     string        `mapstructure:"SWEEP_SCHEDULE"`
	SweepPendingAfter time.Duration `mapstructure:"SWEEP_PENDING_AFTER"`
	SweepIntentGrace  time.Duration `mapstructure:"SWEEP_INTENT_GRACE"`

	NotifyURLs   []string `mapstructure:"NOTIFY_URLS"`
	NotifySecret string   `mapstructure:"NOTIFY_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"JWT_SECRET", "CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MPESA_BASE_URL", "MPESA_CONSUMER_KEY", "MPESA_CONSUMER_SECRET", "MPESA_SHORTCODE",
	"MPESA_PASSKEY", "MPESA_CALLBACK_URL", "MPESA_TIMEOUT",
	"PAYMENT_FAIL_ON_DECLINE", "SWEEP_SCHEDULE", "SWEEP_PENDING_AFTER", "SWEEP_INTENT_GRACE",
	"NOTIFY_URLS", "NOTIFY_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults. Credentials deliberately have none.
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	v.SetDefault("MPESA_TIMEOUT", "10s")
	v.SetDefault("PAYMENT_FAIL_ON_DECLINE", true)
	v.SetDefault("SWEEP_SCHEDULE", "@every 5m")
	v.SetDefault("SWEEP_PENDING_AFTER", "10m")
	v.SetDefault("SWEEP_INTENT_GRACE", "2m")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.NotifyURLs = splitList(cfg.NotifyURLs, v.GetString("NOTIFY_URLS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development): every request is treated as an admin principal.")
	}

	return cfg, nil
}

// splitList handles comma separated env values that viper leaves as a single element.
func splitList(parsed []string, raw string) []string {
	if len(parsed) > 1 {
		return parsed
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// gatewayCallsPerDeposit is the most gateway HTTP requests one deposit can
// make: token fetch and STK push, repeated once after a 401.
const gatewayCallsPerDeposit = 4

// defaultMpesaTimeout mirrors the gateway client's fallback for a zero timeout.
const defaultMpesaTimeout = 10 * time.Second

// GatewayBudget is the worst-case time a deposit can spend waiting on the gateway.
func (c *Config) GatewayBudget() time.Duration {
	per := c.MpesaTimeout
	if per <= 0 {
		per = defaultMpesaTimeout
	}
	return gatewayCallsPerDeposit * per
}

// MpesaConfigured reports whether all gateway credentials are present.
func (c *Config) MpesaConfigured() bool {
	return c.MpesaConsumerKey != "" && c.MpesaConsumerSecret != "" &&
		c.MpesaShortcode != "" && c.MpesaPasskey != "" && c.MpesaCallbackURL != ""
}

// Validate checks that the configuration is safe to serve with. The request
// timeout must outlast a deposit's gateway calls in every environment. Outside
// development the JWT secret and the full set of gateway credentials are required.
func (c *Config) Validate() error {
	if c.RequestTimeout > 0 && c.RequestTimeout <= c.GatewayBudget() {
		return fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed %d x MPESA_TIMEOUT (%s)",
			c.RequestTimeout, gatewayCallsPerDeposit, c.GatewayBudget())
	}
	if c.IsDev() {
		return nil
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}
	var missing []string
	for name, val := range map[string]string{
		"MPESA_CONSUMER_KEY":    c.MpesaConsumerKey,
		"MPESA_CONSUMER_SECRET": c.MpesaConsumerSecret,
		"MPESA_SHORTCODE":       c.MpesaShortcode,
		"MPESA_PASSKEY":         c.MpesaPasskey,
		"MPESA_CALLBACK_URL":    c.MpesaCallbackURL,
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing gateway configuration: %s", strings.Join(missing, ", "))
	}
	if c.IsProduction() && !strings.HasPrefix(c.MpesaCallbackURL, "https://") {
		return fmt.Errorf("MPESA_CALLBACK_URL must use https in production")
	}
	if len(c.NotifyURLs) > 0 && c.NotifySecret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URLS is set")
	}
	return nil
}

