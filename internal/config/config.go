package config // package config loads application configuration from environment variables

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable.
type Config struct {
	Env  string // application environment (dev, test, prod)
	Port string // HTTP port to listen on

	DBDriver string // "mysql" (default) or "sqlite"
	DBUser   string
	DBPass   string // empty allowed
	DBHost   string
	DBPort   string
	DBName   string
	DBPath   string // sqlite database file

	JWTSecret string // HMAC secret used to verify access tokens

	VenueTimezone  string        // IANA zone that template start times are expressed in
	HorizonDays    int           // default materialization horizon
	ReserveTimeout time.Duration // per-reservation budget inside a materialization run

	RetroCancel     bool // canceling a rule also cancels its future standing reservations
	CancelPriorSlot bool // a slot change cancels standing reservations on the old template

	AMQPURL                 string
	SubscriptionConsumerOn  bool
	MaterializedPublisherOn bool
	MaterializedQueue       string
}

// Load reads a .env file when present, then builds a Config from the
// environment.  Missing required variables are reported together.
func Load() (Config, error) { return load(true) }

// LoadBatch is Load for processes that serve no HTTP traffic, where
// JWT_SECRET is not needed.
func LoadBatch() (Config, error) { return load(false) }

func load(withAuth bool) (Config, error) {
	_ = godotenv.Load()

	r := &reader{}
	cfg := Config{
		Env:      envStr("APP_ENV", "dev"),
		Port:     envStr("APP_PORT", "8080"),
		DBDriver: strings.ToLower(envStr("DB_DRIVER", "mysql")),
		DBPass:   os.Getenv("DB_PASS"),
		DBPath:   envStr("DB_PATH", "standing.db"),

		VenueTimezone:  envStr("VENUE_TIMEZONE", "UTC"),
		HorizonDays:    r.positiveInt("MATERIALIZE_HORIZON_DAYS", 56),
		ReserveTimeout: envDur("RESERVE_TIMEOUT", 3*time.Second),

		RetroCancel:     envBool("STANDING_RETRO_CANCEL", false),
		CancelPriorSlot: envBool("STANDING_CANCEL_PRIOR_SLOT", true),

		AMQPURL:                 firstNonEmpty(os.Getenv("RABBITMQ_URL"), os.Getenv("AMQP_URL")),
		SubscriptionConsumerOn:  envBool("SUBSCRIPTION_CONSUMER_ENABLED", true),
		MaterializedPublisherOn: envBool("MATERIALIZED_PUBLISHER_ENABLED", true),
		MaterializedQueue:       envStr("MATERIALIZED_QUEUE", "standing.materialized"),
	}

	if withAuth {
		cfg.JWTSecret = r.must("JWT_SECRET")
	}

	switch cfg.DBDriver {
	case "mysql":
		cfg.DBUser = r.must("DB_USER")
		cfg.DBHost = r.must("DB_HOST")
		cfg.DBPort = envStr("DB_PORT", "3306")
		cfg.DBName = r.must("DB_NAME")
	case "sqlite":
	default:
		r.errs = append(r.errs, fmt.Sprintf("DB_DRIVER must be mysql or sqlite, got %q", cfg.DBDriver))
	}

	if _, err := time.LoadLocation(cfg.VenueTimezone); err != nil {
		r.errs = append(r.errs, fmt.Sprintf("invalid VENUE_TIMEZONE %q", cfg.VenueTimezone))
	}
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = 3 * time.Second
	}

	if len(r.errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(r.errs, "; "))
	}
	return cfg, nil
}

// Location resolves VenueTimezone; Load has already validated it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.VenueTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// reader accumulates problems instead of exiting on the first one.
type reader struct {
	errs []string
}

// must retrieves the value of a required environment variable.
func (r *reader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		r.errs = append(r.errs, "missing required env var: "+key)
	}
	return v
}

// positiveInt is like envInt but rejects zero and negative values.
func (r *reader) positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		r.errs = append(r.errs, fmt.Sprintf("invalid positive int for %s: %q", key, s))
		return def
	}
	return n
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
