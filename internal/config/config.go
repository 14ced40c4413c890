package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/labops/internal/domain/order"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	OrderCollection string   `mapstructure:"ORDER_COLLECTION"`
	AuditCollection string   `mapstructure:"AUDIT_COLLECTION"`
	WatchStatuses   []string `mapstructure:"WATCH_STATUSES"`

	AuditBatchSize       int           `mapstructure:"AUDIT_BATCH_SIZE"`
	AuditMaxAttempts     int           `mapstructure:"AUDIT_MAX_ATTEMPTS"`
	AuditBaseDelay       time.Duration `mapstructure:"AUDIT_BASE_DELAY"`
	AuditRescheduleDelay time.Duration `mapstructure:"AUDIT_RESCHEDULE_DELAY"`
	AuditDeadLetterPath  string        `mapstructure:"AUDIT_DEADLETTER_PATH"`
	RemoteWriteTimeout   time.Duration `mapstructure:"REMOTE_WRITE_TIMEOUT"`
	SearchDebounce       time.Duration `mapstructure:"SEARCH_DEBOUNCE"`
	ShutdownTimeout      time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"ORDER_COLLECTION", "AUDIT_COLLECTION", "WATCH_STATUSES",
	"AUDIT_BATCH_SIZE", "AUDIT_MAX_ATTEMPTS", "AUDIT_BASE_DELAY", "AUDIT_RESCHEDULE_DELAY",
	"AUDIT_DEADLETTER_PATH", "REMOTE_WRITE_TIMEOUT", "SEARCH_DEBOUNCE", "SHUTDOWN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "") // "" -> postgres when DATABASE_URL is set, else memory
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("AUTH_ISSUER", "labops")
	v.SetDefault("AUTH_AUDIENCE", "labops-api")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("ORDER_COLLECTION", "labOrders")
	v.SetDefault("AUDIT_COLLECTION", "auditLogs")
	v.SetDefault("WATCH_STATUSES", "")
	v.SetDefault("AUDIT_BATCH_SIZE", 10)
	v.SetDefault("AUDIT_MAX_ATTEMPTS", 3)
	v.SetDefault("AUDIT_BASE_DELAY", "1s")
	v.SetDefault("AUDIT_RESCHEDULE_DELAY", "100ms")
	v.SetDefault("AUDIT_DEADLETTER_PATH", "audit-deadletters.db")
	v.SetDefault("REMOTE_WRITE_TIMEOUT", "10s")
	v.SetDefault("SEARCH_DEBOUNCE", "300ms")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values may arrive as one element or pre-split with stray spaces.
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.WatchStatuses = splitList(cfg.WatchStatuses, v.GetString("WATCH_STATUSES"))

	return cfg, nil
}

func splitList(parsed []string, raw string) []string {
	if raw == "" {
		raw = strings.Join(parsed, ",")
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

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is set it
// wins; otherwise development environments get "development" (every request
// runs as a dev user) and everything else gets "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// ResolvedStoreDriver picks postgres when a database is configured.
func (c *Config) ResolvedStoreDriver() string {
	if c.StoreDriver != "" {
		return c.StoreDriver
	}
	if c.DatabaseURL != "" {
		return StorePostgres
	}
	return StoreMemory
}

// Statuses returns the order statuses to subscribe to, one feed each.
// Unset means every status.
func (c *Config) Statuses() []order.Status {
	if len(c.WatchStatuses) == 0 {
		return append([]order.Status(nil), order.Statuses...)
	}
	out := make([]order.Status, 0, len(c.WatchStatuses))
	for _, s := range c.WatchStatuses {
		out = append(out, order.Status(s))
	}
	return out
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "jwt":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.ResolvedStoreDriver() {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER \"memory\" is not allowed when ENV=production")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is \"postgres\"")
		}
		// Each watched status holds one listening connection.
		if need := int32(len(c.Statuses())) + 1; c.DBMaxConns < need {
			return fmt.Errorf("DB_MAX_CONNS must be at least %d to serve %d status feeds", need, need-1)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}

	for _, s := range c.Statuses() {
		if !s.Valid() {
			return fmt.Errorf("WATCH_STATUSES: unknown status %q", s)
		}
	}
	if c.OrderCollection == "" || c.AuditCollection == "" {
		return fmt.Errorf("ORDER_COLLECTION and AUDIT_COLLECTION must be set")
	}
	if c.OrderCollection == c.AuditCollection {
		return fmt.Errorf("ORDER_COLLECTION and AUDIT_COLLECTION must differ")
	}
	if c.AuditMaxAttempts < 1 {
		return fmt.Errorf("AUDIT_MAX_ATTEMPTS must be at least 1")
	}
	if c.AuditBatchSize < 1 {
		return fmt.Errorf("AUDIT_BATCH_SIZE must be at least 1")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	// A zero burst admits no request at all.
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is set")
	}
	return nil
}
