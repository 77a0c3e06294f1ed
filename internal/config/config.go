package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer        string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	ClinicTimezone    string   `mapstructure:"CLINIC_TIMEZONE"`
	LowStockThreshold int      `mapstructure:"LOW_STOCK_THRESHOLD"`
	IDRetryAttempts   int      `mapstructure:"ID_RETRY_ATTEMPTS"`

	TwilioAccountSID string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber string `mapstructure:"TWILIO_FROM_NUMBER"`

	KafkaBrokers           []string `mapstructure:"KAFKA_BROKERS"`
	KafkaNotificationTopic string   `mapstructure:"KAFKA_NOTIFICATION_TOPIC"`

	JobsEnabled   bool   `mapstructure:"JOBS_ENABLED"`
	JobsDailySpec string `mapstructure:"JOBS_DAILY_SPEC"`

	GatewayCallbackToken string `mapstructure:"GATEWAY_CALLBACK_TOKEN"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CLINIC_TIMEZONE", "Asia/Jakarta")
	v.SetDefault("LOW_STOCK_THRESHOLD", 10)
	v.SetDefault("ID_RETRY_ATTEMPTS", 5)
	v.SetDefault("KAFKA_NOTIFICATION_TOPIC", "clinic.notifications")
	v.SetDefault("JOBS_ENABLED", true)
	v.SetDefault("JOBS_DAILY_SPEC", "0 7 * * *")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"CORS_ORIGINS", "CLINIC_TIMEZONE", "LOW_STOCK_THRESHOLD", "ID_RETRY_ATTEMPTS",
		"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER",
		"KAFKA_BROKERS", "KAFKA_NOTIFICATION_TOPIC",
		"JOBS_ENABLED", "JOBS_DAILY_SPEC", "GATEWAY_CALLBACK_TOKEN",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: requests without a bearer token are treated as admin.")
	}

	return cfg, nil
}

// splitList normalises comma separated env values, trimming blanks.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE. Calendar-day scoped identifiers and
// "today" comparisons use it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TwilioEnabled reports whether SMS delivery is configured.
func (c *Config) TwilioEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if !c.IsDev() && c.GatewayCallbackToken == "" {
		return fmt.Errorf("GATEWAY_CALLBACK_TOKEN must be set when ENV=%q", c.Env)
	}
	if c.LowStockThreshold <= 0 {
		return fmt.Errorf("LOW_STOCK_THRESHOLD must be positive, got %d", c.LowStockThreshold)
	}
	if c.IDRetryAttempts < 1 {
		return fmt.Errorf("ID_RETRY_ATTEMPTS must be at least 1, got %d", c.IDRetryAttempts)
	}
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return nil
}
