package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	StoreDriver  string // postgres | sqlite | memory
	DatabaseURL  string
	// DatabaseName, when set, replaces the database of DatabaseURL.
	DatabaseName string
	SQLitePath   string

	NATSEnabled     bool
	NATSURL         string
	LogNATSSubjects bool

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	GTFSRTVehiclePositionsURL string
	GTFSRTPollInterval        time.Duration

	OSRMURL          string
	RouteTimeout     time.Duration
	ETARetryAttempts int
	ETARetryBase     time.Duration

	StaleAfter          time.Duration
	StaleSweepInterval  time.Duration
	NotifyRetryInterval time.Duration
	NotifyMaxAttempts   int

	HTTPAddr    string
	MetricsAddr string
	CORSOrigins []string

	AppName         string
	SendGridAPIKey  string
	NotifyFromEmail string

	LogLevel  string
	LogFormat string

	ConflictPolicy string
	Location       *time.Location

	// File is the optional YAML overlay named by CONFIG_FILE.
	File *File
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars when PGDATABASE is set
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn
	cfg.DatabaseName = os.Getenv("DATABASE_NAME")
	cfg.SQLitePath = os.Getenv("SQLITE_DATABASE")

	driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	switch {
	case driver != "":
	case cfg.DatabaseURL != "":
		driver = "postgres"
	case cfg.SQLitePath != "":
		driver = "sqlite"
	default:
		driver = "memory"
	}
	switch driver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("STORE_DRIVER=postgres needs DATABASE_URL, PG_DSN or PGDATABASE")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			cfg.SQLitePath = "fleettrack.db"
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", driver)
	}
	cfg.StoreDriver = driver

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSEnabled = parseBool(getenvDefault("NATS_ENABLED", "true"))
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))
	cfg.KafkaTopic = getenvDefault("KAFKA_TOPIC", "vehicle-positions")
	cfg.KafkaGroupID = getenvDefault("KAFKA_GROUP_ID", "fleettrack")

	cfg.GTFSRTVehiclePositionsURL = os.Getenv("GTFSRT_VEHICLE_POSITIONS_URL")

	var err error
	if cfg.GTFSRTPollInterval, err = seconds("GTFSRT_POLL_INTERVAL_SEC", 30); err != nil {
		return nil, err
	}

	cfg.OSRMURL = os.Getenv("OSRM_URL")
	if cfg.RouteTimeout, err = millis("ROUTE_TIMEOUT_MS", 3000); err != nil {
		return nil, err
	}
	if cfg.ETARetryAttempts, err = positiveInt("ETA_RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.ETARetryBase, err = millis("ETA_RETRY_BASE_MS", 200); err != nil {
		return nil, err
	}

	if cfg.StaleAfter, err = seconds("STALE_AFTER_SEC", 120); err != nil {
		return nil, err
	}
	if cfg.StaleSweepInterval, err = seconds("STALE_SWEEP_INTERVAL_SEC", 15); err != nil {
		return nil, err
	}
	if cfg.NotifyRetryInterval, err = seconds("NOTIFY_RETRY_INTERVAL_SEC", 60); err != nil {
		return nil, err
	}
	if cfg.NotifyMaxAttempts, err = positiveInt("NOTIFY_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	cfg.AppName = getenvDefault("APP_NAME", "fleettrack")
	cfg.SendGridAPIKey = os.Getenv("SENDGRID_API_KEY")
	cfg.NotifyFromEmail = getenvDefault("NOTIFY_FROM_EMAIL", "no-reply@fleettrack.local")

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "text")

	cfg.ConflictPolicy = strings.ToLower(getenvDefault("CONFLICT_POLICY", "block"))
	if cfg.ConflictPolicy != "block" && cfg.ConflictPolicy != "warn" {
		return nil, fmt.Errorf("invalid CONFLICT_POLICY: %q", cfg.ConflictPolicy)
	}

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.File = f
	}

	return cfg, nil
}

func seconds(key string, def int) (time.Duration, error) {
	n, err := positiveInt(key, def)
	return time.Duration(n) * time.Second, err
}

func millis(key string, def int) (time.Duration, error) {
	n, err := positiveInt(key, def)
	return time.Duration(n) * time.Millisecond, err
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
