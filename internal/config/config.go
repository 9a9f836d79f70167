// Package config assembles the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is everything cmd/main.go needs to wire the server.
type Config struct {
	HTTPAddr    string
	StoreDriver string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret     string
	JWTTTL        time.Duration
	RoomKeySecret string

	LogLevel string

	// TelegramBotToken enables the Telegram front-end when set.
	TelegramBotToken string

	Session SessionTiming
}

// LoadDotEnv reads .env files into the environment. A missing file is not an
// error; it is reported so the caller can warn about it.
func LoadDotEnv(files ...string) (loaded bool, err error) {
	err = godotenv.Load(files...)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load builds a Config from environment variables, applying defaults.
func Load() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	env := envReader{lookup: lookup}

	cfg := &Config{
		HTTPAddr:      env.str("HTTP_ADDR", ":8080"),
		StoreDriver:   env.str("STORE_DRIVER", DriverPostgres),
		RedisAddr:     env.str("REDIS_ADDR", "localhost:6380"),
		RedisPassword: env.str("REDIS_PASSWORD", ""),
		RedisDB:       env.int("REDIS_DB", 0),
		JWTSecret:     env.str("JWT_SECRET", ""),
		JWTTTL:        env.duration("JWT_TTL", DefaultTokenTTL),
		RoomKeySecret: env.str("ROOM_KEY_SECRET", ""),
		LogLevel:      env.str("LOG_LEVEL", "info"),

		TelegramBotToken: env.str("TELEGRAM_BOT_TOKEN", ""),
		Session: SessionTiming{
			WaitingPollInterval: env.duration("WAITING_POLL_INTERVAL", WaitingPollInterval),
			MessagePollInterval: env.duration("MESSAGE_POLL_INTERVAL", MessagePollInterval),
			AbandonMin:          env.duration("ABANDON_MIN", AbandonAfterMin),
			AbandonMax:          env.duration("ABANDON_MAX", AbandonAfterMax),
		},
	}

	if dsn, ok := lookup("DATABASE_URL"); ok && dsn != "" {
		cfg.DatabaseURL = dsn
	} else {
		cfg.DatabaseURL = postgresURL(
			env.str("DB_HOST", "localhost"),
			env.str("DB_PORT", "5432"),
			env.str("DB_USER", "user"),
			env.str("DB_PASSWORD", "password"),
			env.str("DB_NAME", "moodchatdb"),
			env.str("DB_SSLMODE", "disable"),
		)
	}

	if err := env.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.RoomKeySecret == "" {
		errs = append(errs, errors.New("ROOM_KEY_SECRET is required"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL must be positive"))
	}
	s := c.Session
	if s.WaitingPollInterval <= 0 || s.MessagePollInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if s.AbandonMin <= 0 || s.AbandonMax < s.AbandonMin {
		errs = append(errs, fmt.Errorf("abandon window [%s, %s] is invalid", s.AbandonMin, s.AbandonMax))
	}
	return errors.Join(errs...)
}

func postgresURL(host, port, user, password, name, sslmode string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     host + ":" + port,
		Path:     "/" + name,
		RawQuery: url.Values{"sslmode": []string{sslmode}}.Encode(),
	}
	return u.String()
}

// envReader collects parse errors so Load reports all bad variables at once.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}
