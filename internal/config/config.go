package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Storage backends for events, snapshots and profiles.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Server     ServerConfig
	KMS        KMSConfig
	Sessions   SessionConfig
	EventLog   EventLogConfig
	Profiles   ProfileConfig
	Knowledge  KnowledgeConfig
	SelfHosted bool
}

// DatabaseConfig selects and configures the table backend.
type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string //nolint:gosec // G117: DB connection config
	DBName     string
	SSLMode    string
	MaxConns   int
	SQLitePath string
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// cross-process profile invalidation.
type RedisConfig struct {
	Addr      string
	Password  string //nolint:gosec // G117: Redis connection config
	DB        int
	Namespace string
}

// JWTConfig holds ingest token settings.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	RateLimit    float64
	RateBurst    int
}

// KMSConfig holds the local key-management master key.
type KMSConfig struct {
	MasterKey []byte //nolint:gosec // G117: key material config
	KeyID     string
}

// SessionConfig tunes the session dispatcher.
type SessionConfig struct {
	IdleTimeout        time.Duration
	CommandParallelism int
	TaskParallelism    int
	ShutdownTimeout    time.Duration
}

// EventLogConfig tunes the encrypted event store writer.
type EventLogConfig struct {
	FlushRate    float64
	FlushBurst   int
	BatchSize    int
	PageSize     int
	DrainTimeout time.Duration
}

// ProfileConfig points at an optional YAML settings file that replaces the
// database as profile source.
type ProfileConfig struct {
	File string
}

// KnowledgeConfig points at an optional directory of flow modules loaded
// next to the built-in ones.
type KnowledgeConfig struct {
	ModuleDir string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// the JWT secret and KMS master key must be set explicitly.
func Load() (*Config, error) {
	var errs []error
	intVar := func(key string, fallback int) int {
		n, err := getEnvInt(key, fallback)
		errs = append(errs, err)
		return n
	}
	floatVar := func(key string, fallback float64) float64 {
		f, err := getEnvFloat(key, fallback)
		errs = append(errs, err)
		return f
	}
	durationVar := func(key string, fallback time.Duration) time.Duration {
		d, err := getEnvDuration(key, fallback)
		errs = append(errs, err)
		return d
	}

	selfHosted, err := getEnvBool("SALIENT_SELF_HOSTED", false)
	errs = append(errs, err)
	masterKey, err := getEnvBase64("SALIENT_KMS_MASTER_KEY")
	errs = append(errs, err)

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:     getEnv("SALIENT_DB_DRIVER", DriverSQLite),
			Host:       getEnv("SALIENT_DB_HOST", "localhost"),
			Port:       intVar("SALIENT_DB_PORT", 5432),
			User:       getEnv("SALIENT_DB_USER", "salient"),
			Password:   getEnv("SALIENT_DB_PASSWORD", ""),
			DBName:     getEnv("SALIENT_DB_NAME", "salient_dev"),
			SSLMode:    getEnv("SALIENT_DB_SSLMODE", "disable"),
			MaxConns:   intVar("SALIENT_DB_MAX_CONNS", 25),
			SQLitePath: getEnv("SALIENT_SQLITE_PATH", "salient.db"),
		},
		Redis: RedisConfig{
			Addr:      getEnv("SALIENT_REDIS_ADDR", ""),
			Password:  getEnv("SALIENT_REDIS_PASSWORD", ""),
			DB:        intVar("SALIENT_REDIS_DB", 0),
			Namespace: getEnv("SALIENT_REDIS_NAMESPACE", "default"),
		},
		JWT: JWTConfig{
			Secret: getEnv("SALIENT_JWT_SECRET", ""),
		},
		Server: ServerConfig{
			Addr:         getEnv("SALIENT_SERVER_ADDR", ":8080"),
			ReadTimeout:  durationVar("SALIENT_SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: durationVar("SALIENT_SERVER_WRITE_TIMEOUT", 60*time.Second),
			CORSOrigins:  getEnvList("SALIENT_CORS_ORIGINS", []string{"http://localhost:5173"}),
			RateLimit:    floatVar("SALIENT_RATE_LIMIT", 100),
			RateBurst:    intVar("SALIENT_RATE_BURST", 200),
		},
		KMS: KMSConfig{
			MasterKey: masterKey,
			KeyID:     getEnv("SALIENT_KMS_KEY_ID", "local"),
		},
		Sessions: SessionConfig{
			IdleTimeout:        durationVar("SALIENT_SESSION_IDLE_TIMEOUT", 15*time.Minute),
			CommandParallelism: intVar("SALIENT_COMMAND_PARALLELISM", 1),
			TaskParallelism:    intVar("SALIENT_TASK_PARALLELISM", 8),
			ShutdownTimeout:    durationVar("SALIENT_SHUTDOWN_TIMEOUT", 90*time.Second),
		},
		EventLog: EventLogConfig{
			FlushRate:    floatVar("SALIENT_FLUSH_RATE", 20),
			FlushBurst:   intVar("SALIENT_FLUSH_BURST", 1),
			BatchSize:    intVar("SALIENT_FLUSH_BATCH_SIZE", 25),
			PageSize:     intVar("SALIENT_REPLAY_PAGE_SIZE", 200),
			DrainTimeout: durationVar("SALIENT_DRAIN_TIMEOUT", 60*time.Second),
		},
		Profiles: ProfileConfig{
			File: getEnv("SALIENT_PROFILE_FILE", ""),
		},
		Knowledge: KnowledgeConfig{
			ModuleDir: getEnv("SALIENT_MODULE_DIR", ""),
		},
		SelfHosted: selfHosted,
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("SALIENT_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("SALIENT_JWT_SECRET must be at least 32 characters")
	}
	if len(c.KMS.MasterKey) != 32 {
		return fmt.Errorf("SALIENT_KMS_MASTER_KEY must be 32 bytes of base64, got %d bytes", len(c.KMS.MasterKey))
	}
	if c.KMS.KeyID == "" {
		return errors.New("SALIENT_KMS_KEY_ID must not be empty")
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.SSLMode == "disable" && !c.SelfHosted {
			log.Warn().Msg("SALIENT_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("SALIENT_DB_PORT must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("SALIENT_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Database.SQLitePath) == "" {
			return errors.New("SALIENT_SQLITE_PATH must not be empty")
		}
	case DriverMemory:
		log.Warn().Msg("SALIENT_DB_DRIVER=memory keeps no state across restarts")
	default:
		return fmt.Errorf("SALIENT_DB_DRIVER must be one of postgres, sqlite, memory, got %q", c.Database.Driver)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("SALIENT_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("SALIENT_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		return fmt.Errorf("SALIENT_RATE_LIMIT and SALIENT_RATE_BURST must be positive, got %g/%d", c.Server.RateLimit, c.Server.RateBurst)
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("SALIENT_SESSION_IDLE_TIMEOUT must be positive, got %s", c.Sessions.IdleTimeout)
	}
	if c.Sessions.CommandParallelism < 1 || c.Sessions.TaskParallelism < 1 {
		return fmt.Errorf("SALIENT_COMMAND_PARALLELISM and SALIENT_TASK_PARALLELISM must be >= 1, got %d/%d",
			c.Sessions.CommandParallelism, c.Sessions.TaskParallelism)
	}
	if c.Sessions.ShutdownTimeout <= 0 {
		return fmt.Errorf("SALIENT_SHUTDOWN_TIMEOUT must be positive, got %s", c.Sessions.ShutdownTimeout)
	}
	if c.EventLog.FlushRate <= 0 || c.EventLog.FlushBurst < 1 {
		return fmt.Errorf("SALIENT_FLUSH_RATE and SALIENT_FLUSH_BURST must be positive, got %g/%d", c.EventLog.FlushRate, c.EventLog.FlushBurst)
	}
	if c.EventLog.BatchSize < 1 || c.EventLog.PageSize < 1 {
		return fmt.Errorf("SALIENT_FLUSH_BATCH_SIZE and SALIENT_REPLAY_PAGE_SIZE must be >= 1, got %d/%d",
			c.EventLog.BatchSize, c.EventLog.PageSize)
	}
	if c.EventLog.DrainTimeout <= 0 {
		return fmt.Errorf("SALIENT_DRAIN_TIMEOUT must be positive, got %s", c.EventLog.DrainTimeout)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvBase64(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("parsing %s as base64: %w", key, err)
	}
	return b, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
