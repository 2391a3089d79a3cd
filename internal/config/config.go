// Package config loads process configuration from the environment, an
// optional .env file and an optional TOML file of gateway settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Port         string
	PostgresURL  string
	KafkaBrokers []string
	RedisURL     string
	GatewaysFile string
	// Gateways holds base settings per gateway key, stringified.
	Gateways map[string]map[string]string

	ReconcileDelay       time.Duration
	ReconcileMaxAttempts int
	ReconcileTick        time.Duration
	ReconcileBatch       int
	RecurringGracePeriod time.Duration
	SweepInterval        time.Duration
}

// Load reads .env when present, then the environment. POSTGRES_URL is
// required.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:         getenv("PORT", "8080"),
		PostgresURL:  os.Getenv("POSTGRES_URL"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		RedisURL:     os.Getenv("REDIS_URL"),
		GatewaysFile: os.Getenv("GATEWAYS_FILE"),
	}
	if cfg.PostgresURL == "" {
		return nil, errors.New("POSTGRES_URL environment variable is required")
	}

	var err error
	if cfg.ReconcileDelay, err = durationEnv("RECONCILE_DELAY", 4*time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReconcileMaxAttempts, err = intEnv("RECONCILE_MAX_ATTEMPTS", 18); err != nil {
		return nil, err
	}
	if cfg.ReconcileTick, err = durationEnv("RECONCILE_TICK", time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReconcileBatch, err = intEnv("RECONCILE_BATCH", 50); err != nil {
		return nil, err
	}
	if cfg.RecurringGracePeriod, err = durationEnv("RECURRING_GRACE_PERIOD", 0); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}

	if cfg.GatewaysFile != "" {
		data, err := os.ReadFile(cfg.GatewaysFile)
		if err != nil {
			return nil, fmt.Errorf("read gateways file: %w", err)
		}
		if cfg.Gateways, err = ParseGateways(data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.GatewaysFile, err)
		}
	}

	return cfg, nil
}

// ParseGateways decodes one TOML table per gateway key. Scalar values are
// stringified, so LIVE = true becomes "true".
func ParseGateways(data []byte) (map[string]map[string]string, error) {
	var raw map[string]map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]map[string]string, len(raw))
	for name, table := range raw {
		settings := make(map[string]string, len(table))
		for key, v := range table {
			s, err := stringify(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", name, key, err)
			}
			settings[strings.ToUpper(key)] = s
		}
		out[strings.ToLower(name)] = settings
	}
	return out, nil
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			s, err := stringify(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// WithSearchPath sets the Postgres search_path as a connection parameter so
// every pooled connection uses schema.
func WithSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported dsn scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
