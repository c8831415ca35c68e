package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const (
	DriverPostgres = "pgx"
	DriverDuckDB   = "duckdb"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	AI            AIConfig
	SQL           SQLConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address            string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	CORSAllowedOrigins []string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	Schema          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	ReadOnlyTx      bool
}

type CacheConfig struct {
	RedisURL     string
	TTL          time.Duration
	MaxEntries   int
	Singleflight bool
}

type AIConfig struct {
	Endpoint       string
	APIKey         string
	Timeout        time.Duration
	TotalTimeout   time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RateLimit      float64
	RateBurst      int
}

type SQLConfig struct {
	DefaultLimit int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("ASKSQL_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid ASKSQL_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	var corsOrigins string
	steps := []func() error{
		func() error { return applyString(lookup, "ASKSQL_SERVICE_NAME", &cfg.Service.Name) },
		func() error { return applyString(lookup, "ASKSQL_HTTP_ADDR", &cfg.HTTP.Address) },
		func() error { return applyDuration(lookup, "ASKSQL_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout) },
		func() error { return applyDuration(lookup, "ASKSQL_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout) },
		func() error { return applyDuration(lookup, "ASKSQL_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout) },
		func() error { return applyString(lookup, "ASKSQL_CORS_ALLOWED_ORIGINS", &corsOrigins) },
		func() error { return applyString(lookup, "ASKSQL_DATABASE_DRIVER", &cfg.Database.Driver) },
		// Unprefixed names are accepted too; prefixed names win.
		func() error { return applyString(lookup, "DATABASE_URL", &cfg.Database.URL) },
		func() error { return applyString(lookup, "ASKSQL_DATABASE_URL", &cfg.Database.URL) },
		func() error { return applyString(lookup, "ASKSQL_DATABASE_SCHEMA", &cfg.Database.Schema) },
		func() error { return applyInt(lookup, "ASKSQL_DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns) },
		func() error { return applyInt(lookup, "ASKSQL_DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns) },
		func() error {
			return applyDuration(lookup, "ASKSQL_DATABASE_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime)
		},
		func() error {
			return applyDuration(lookup, "ASKSQL_DATABASE_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime)
		},
		func() error { return applyDuration(lookup, "ASKSQL_DATABASE_QUERY_TIMEOUT", &cfg.Database.QueryTimeout) },
		func() error { return applyBool(lookup, "ASKSQL_DATABASE_READ_ONLY_TX", &cfg.Database.ReadOnlyTx) },
		func() error { return applyString(lookup, "REDIS_URL", &cfg.Cache.RedisURL) },
		func() error { return applyString(lookup, "ASKSQL_REDIS_URL", &cfg.Cache.RedisURL) },
		func() error { return applyDuration(lookup, "ASKSQL_CACHE_TTL", &cfg.Cache.TTL) },
		func() error { return applyInt(lookup, "ASKSQL_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries) },
		func() error { return applyBool(lookup, "ASKSQL_CACHE_SINGLEFLIGHT", &cfg.Cache.Singleflight) },
		func() error { return applyString(lookup, "ASKSQL_AI_ENDPOINT", &cfg.AI.Endpoint) },
		func() error { return applyString(lookup, "GEMINI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyString(lookup, "ASKSQL_AI_API_KEY", &cfg.AI.APIKey) },
		func() error { return applyDuration(lookup, "ASKSQL_AI_TIMEOUT", &cfg.AI.Timeout) },
		func() error { return applyDuration(lookup, "ASKSQL_AI_TOTAL_TIMEOUT", &cfg.AI.TotalTimeout) },
		func() error { return applyInt(lookup, "ASKSQL_AI_MAX_ATTEMPTS", &cfg.AI.MaxAttempts) },
		func() error { return applyDuration(lookup, "ASKSQL_AI_BACKOFF_INITIAL", &cfg.AI.BackoffInitial) },
		func() error { return applyDuration(lookup, "ASKSQL_AI_BACKOFF_MAX", &cfg.AI.BackoffMax) },
		func() error { return applyFloat(lookup, "ASKSQL_AI_RATE_LIMIT", &cfg.AI.RateLimit) },
		func() error { return applyInt(lookup, "ASKSQL_AI_RATE_BURST", &cfg.AI.RateBurst) },
		func() error { return applyInt(lookup, "ASKSQL_SQL_DEFAULT_LIMIT", &cfg.SQL.DefaultLimit) },
		func() error { return applyBool(lookup, "ASKSQL_LOG_JSON", &cfg.Observability.LogJSON) },
		func() error { return applyLogLevel(lookup, "ASKSQL_LOG_LEVEL", &cfg.Observability.LogLevel) },
		func() error { return applyBool(lookup, "ASKSQL_AUTH_REQUIRED", &cfg.Auth.Required) },
		func() error { return applyString(lookup, "ASKSQL_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return Config{}, err
		}
	}
	if _, ok := lookup("ASKSQL_CORS_ALLOWED_ORIGINS"); ok {
		cfg.HTTP.CORSAllowedOrigins = splitList(corsOrigins)
	}
	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	switch cfg.Database.Driver {
	case DriverPostgres, DriverDuckDB:
	default:
		return Config{}, fmt.Errorf("invalid ASKSQL_DATABASE_DRIVER: %q", cfg.Database.Driver)
	}
	if cfg.SQL.DefaultLimit <= 0 {
		return Config{}, fmt.Errorf("invalid ASKSQL_SQL_DEFAULT_LIMIT: must be > 0")
	}
	if cfg.AI.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("invalid ASKSQL_AI_MAX_ATTEMPTS: must be > 0")
	}
	return cfg, nil
}

// Validate reports settings the API process cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" && c.Database.Driver == DriverPostgres {
		errs = append(errs, errors.New("database url is required (ASKSQL_DATABASE_URL or DATABASE_URL)"))
	}
	if c.AI.APIKey == "" {
		errs = append(errs, errors.New("generation api key is required (ASKSQL_AI_API_KEY or GEMINI_API_KEY)"))
	}
	if c.AI.Endpoint == "" {
		errs = append(errs, errors.New("generation endpoint is required"))
	}
	if budget := c.AI.GenerationBudget() + c.Database.QueryTimeout; c.HTTP.WriteTimeout > 0 && budget >= c.HTTP.WriteTimeout {
		errs = append(errs, fmt.Errorf(
			"generation budget plus query timeout (%s) must be below ASKSQL_HTTP_WRITE_TIMEOUT (%s)",
			budget, c.HTTP.WriteTimeout,
		))
	}
	return errors.Join(errs...)
}

// GenerationBudget is the longest a single generation can take: every attempt
// timing out plus the backoff sleeps between them, capped by TotalTimeout.
func (c AIConfig) GenerationBudget() time.Duration {
	attempts := max(c.MaxAttempts, 1)
	budget := time.Duration(attempts)*c.Timeout + time.Duration(attempts-1)*c.BackoffMax
	if c.TotalTimeout > 0 && c.TotalTimeout < budget {
		return c.TotalTimeout
	}
	return budget
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "asksql-api"},
		HTTP: HTTPConfig{
			Address:            ":8080",
			ReadTimeout:        5 * time.Second,
			WriteTimeout:       60 * time.Second,
			IdleTimeout:        60 * time.Second,
			CORSAllowedOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Schema:          "public",
			MaxOpenConns:    20,
			MaxIdleConns:    20,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    25 * time.Second,
			ReadOnlyTx:      true,
		},
		Cache: CacheConfig{
			TTL:          5 * time.Minute,
			MaxEntries:   1024,
			Singleflight: true,
		},
		AI: AIConfig{
			Endpoint:       "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash:generateContent",
			Timeout:        20 * time.Second,
			TotalTimeout:   25 * time.Second,
			MaxAttempts:    3,
			BackoffInitial: 250 * time.Millisecond,
			BackoffMax:     2 * time.Second,
			RateBurst:      1,
		},
		SQL: SQLConfig{
			DefaultLimit: 1000,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.HTTP.CORSAllowedOrigins = nil
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
