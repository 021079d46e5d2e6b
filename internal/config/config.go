package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // FACILITY_TIMEZONE must resolve in minimal images

	"github.com/spf13/viper"

	"github.com/ehr/medsafety/internal/domain/interaction"
	"github.com/ehr/medsafety/internal/domain/inventory"
	"github.com/ehr/medsafety/internal/domain/mar"
	"github.com/ehr/medsafety/internal/domain/recall"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	AuthMode        string   `mapstructure:"AUTH_MODE"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultFacility string   `mapstructure:"DEFAULT_FACILITY"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string   `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL     string   `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey  string   `mapstructure:"AUTH_SIGNING_KEY"`

	FacilityTimezone         string `mapstructure:"FACILITY_TIMEZONE"`
	DueWindowMinutes         int    `mapstructure:"DUE_WINDOW_MINUTES"`
	ExpiryWarningDays        int    `mapstructure:"EXPIRY_WARNING_DAYS"`
	LowStockThreshold        int    `mapstructure:"LOW_STOCK_THRESHOLD"`
	BlockingSeverities       string `mapstructure:"BLOCKING_SEVERITIES"`
	ActiveMedLookbackHours   int    `mapstructure:"ACTIVE_MED_LOOKBACK_HOURS"`
	ActiveMedLookaheadHours  int    `mapstructure:"ACTIVE_MED_LOOKAHEAD_HOURS"`
	RecallRequireAllNotified bool   `mapstructure:"RECALL_REQUIRE_ALL_NOTIFIED"`

	AllergyServiceURL string `mapstructure:"ALLERGY_SERVICE_URL"`
	NotifyServiceURL  string `mapstructure:"NOTIFY_SERVICE_URL"`
	KafkaBrokers      string `mapstructure:"KAFKA_BROKERS"`
	EventsTopic       string `mapstructure:"EVENTS_TOPIC"`

	ArchiveS3Bucket    string `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region    string `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint  string `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle bool   `mapstructure:"ARCHIVE_S3_PATH_STYLE"`

	OTLPEndpoint   string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_FACILITY", "CORS_ORIGINS", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"AUTH_SIGNING_KEY", "FACILITY_TIMEZONE", "DUE_WINDOW_MINUTES", "EXPIRY_WARNING_DAYS",
	"LOW_STOCK_THRESHOLD", "BLOCKING_SEVERITIES", "ACTIVE_MED_LOOKBACK_HOURS",
	"ACTIVE_MED_LOOKAHEAD_HOURS", "RECALL_REQUIRE_ALL_NOTIFIED", "ALLERGY_SERVICE_URL", "NOTIFY_SERVICE_URL",
	"KAFKA_BROKERS", "EVENTS_TOPIC", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION",
	"ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PATH_STYLE", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV and AUTH_ISSUER
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_FACILITY", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("FACILITY_TIMEZONE", "UTC")
	v.SetDefault("DUE_WINDOW_MINUTES", 30)
	v.SetDefault("EXPIRY_WARNING_DAYS", 30)
	v.SetDefault("LOW_STOCK_THRESHOLD", 10)
	v.SetDefault("BLOCKING_SEVERITIES", "major")
	v.SetDefault("ACTIVE_MED_LOOKBACK_HOURS", 24)
	v.SetDefault("ACTIVE_MED_LOOKAHEAD_HOURS", 24)
	v.SetDefault("RECALL_REQUIRE_ALL_NOTIFIED", true)
	v.SetDefault("EVENTS_TOPIC", "medsafety.events")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("METRICS_ENABLED", true)

	// Unmarshal only sees keys viper knows about.
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise:
//   - ENV=development → "development" (every request is an admin actor)
//   - AUTH_ISSUER set → "external" (JWKS-verified bearer tokens)
//   - Otherwise       → "hmac" (tokens signed with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "hmac"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "external":
		if c.AuthIssuer == "" || c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER and AUTH_JWKS_URL are required when AUTH_MODE is \"external\"")
		}
	case "hmac":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_MODE is \"hmac\" (current ENV=%q)", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"external\", or \"hmac\", got %q", mode)
	}

	// The static allergy source is empty; in production it would pass every
	// allergy scan.
	if c.IsProduction() && strings.TrimSpace(c.AllergyServiceURL) == "" {
		return fmt.Errorf("ALLERGY_SERVICE_URL is required in production")
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.DueWindowMinutes <= 0 {
		return fmt.Errorf("DUE_WINDOW_MINUTES must be positive, got %d", c.DueWindowMinutes)
	}
	if c.ActiveMedLookbackHours <= 0 {
		return fmt.Errorf("ACTIVE_MED_LOOKBACK_HOURS must be positive, got %d", c.ActiveMedLookbackHours)
	}
	if c.ActiveMedLookaheadHours <= 0 {
		return fmt.Errorf("ACTIVE_MED_LOOKAHEAD_HOURS must be positive, got %d", c.ActiveMedLookaheadHours)
	}
	if c.ExpiryWarningDays < 0 || c.LowStockThreshold < 0 {
		return fmt.Errorf("EXPIRY_WARNING_DAYS and LOW_STOCK_THRESHOLD must not be negative")
	}
	if _, err := c.Severities(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.FacilityTimezone)
	if err != nil {
		return nil, fmt.Errorf("FACILITY_TIMEZONE %q: %w", c.FacilityTimezone, err)
	}
	return loc, nil
}

// Severities parses BLOCKING_SEVERITIES. An empty list means no interaction
// requires an override.
func (c *Config) Severities() ([]interaction.Severity, error) {
	var out []interaction.Severity
	for _, s := range strings.Split(c.BlockingSeverities, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		sev := interaction.Severity(s)
		if !sev.Valid() {
			return nil, fmt.Errorf("BLOCKING_SEVERITIES: unknown severity %q", s)
		}
		out = append(out, sev)
	}
	return out, nil
}

func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Policies groups the engine rules derived from configuration.
type Policies struct {
	Inventory inventory.Policy
	MAR       mar.Policy
	Recall    recall.Policy
}

// Policy derives the engine policies. Call Validate first.
func (c *Config) Policy() (Policies, error) {
	loc, err := c.Location()
	if err != nil {
		return Policies{}, err
	}
	sev, err := c.Severities()
	if err != nil {
		return Policies{}, err
	}
	return Policies{
		Inventory: inventory.Policy{
			ExpiryWarning:     time.Duration(c.ExpiryWarningDays) * 24 * time.Hour,
			LowStockThreshold: c.LowStockThreshold,
		},
		MAR: mar.Policy{
			DueWindow:          time.Duration(c.DueWindowMinutes) * time.Minute,
			BlockingSeverities: sev,
			ActiveLookback:     time.Duration(c.ActiveMedLookbackHours) * time.Hour,
			ActiveLookahead:    time.Duration(c.ActiveMedLookaheadHours) * time.Hour,
			Location:           loc,
		},
		Recall: recall.Policy{RequireAllNotified: c.RecallRequireAllNotified},
	}, nil
}
