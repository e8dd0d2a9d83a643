package config

import (
	"fmt"
	"log"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	StoreDriver       string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	RollupCacheTTL    time.Duration `mapstructure:"ROLLUP_CACHE_TTL"`
	MQTTBroker        string        `mapstructure:"MQTT_BROKER"`
	MQTTTopic         string        `mapstructure:"MQTT_TOPIC"`
	MQTTClientID      string        `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername      string        `mapstructure:"MQTT_USERNAME"`
	MQTTPassword      string        `mapstructure:"MQTT_PASSWORD"`
	NotifyWebhookURL  string        `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifySecret      string        `mapstructure:"NOTIFY_WEBHOOK_SECRET"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	Timezone          string        `mapstructure:"TIMEZONE"`
	ClinicOpenHour    int           `mapstructure:"CLINIC_OPEN_HOUR"`
	ClinicCloseHour   int           `mapstructure:"CLINIC_CLOSE_HOUR"`
	CheckupMessageMax int           `mapstructure:"CHECKUP_MESSAGE_MAX"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "ROLLUP_CACHE_TTL",
	"MQTT_BROKER", "MQTT_TOPIC", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD",
	"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"TIMEZONE", "CLINIC_OPEN_HOUR", "CLINIC_CLOSE_HOUR", "CHECKUP_MESSAGE_MAX",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ROLLUP_CACHE_TTL", "15m")
	v.SetDefault("MQTT_TOPIC", "cardio/bpm/+")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("CLINIC_OPEN_HOUR", 9)
	v.SetDefault("CLINIC_CLOSE_HOUR", 17)
	v.SetDefault("CHECKUP_MESSAGE_MAX", 3000)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if cfg.StoreDriver == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Unauthenticated requests run as an admin dev user.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. Clinic hours, "today" and camera capture
// times are all interpreted in it.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// a token issuer or signing key is required so JWT authentication is enforced.
func (c *Config) Validate() error {
	if c.StoreDriver != StoreMemory && c.StoreDriver != StorePostgres {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required to verify tokens from %s", c.AuthIssuer)
	}
	if c.IsProduction() && c.StoreDriver == StoreMemory {
		return fmt.Errorf("STORE_DRIVER=%s loses all data on restart; use %s in production", StoreMemory, StorePostgres)
	}
	if c.ClinicOpenHour < 0 || c.ClinicCloseHour > 24 || c.ClinicOpenHour >= c.ClinicCloseHour {
		return fmt.Errorf("clinic hours must satisfy 0 <= CLINIC_OPEN_HOUR < CLINIC_CLOSE_HOUR <= 24, got %d-%d",
			c.ClinicOpenHour, c.ClinicCloseHour)
	}
	if c.CheckupMessageMax <= 0 {
		return fmt.Errorf("CHECKUP_MESSAGE_MAX must be positive, got %d", c.CheckupMessageMax)
	}
	if n, err := bytes.Parse(c.BodyLimit); c.BodyLimit != "" && (err != nil || n <= 0) {
		return fmt.Errorf("BODY_LIMIT %q is not a valid size such as 64K or 1M", c.BodyLimit)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
