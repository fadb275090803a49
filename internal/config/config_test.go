package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMasterKey = base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))) //nolint:gochecknoglobals // test fixture

// setRequired sets the variables Load refuses to default.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SALIENT_JWT_SECRET", "test-secret-for-error-cases-32ch!")
	t.Setenv("SALIENT_KMS_MASTER_KEY", testMasterKey)
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string // nil = don't set; pointer to distinguish "" from unset
		fallback string
		want     string
	}{
		{name: "returns fallback when unset", key: "SALIENT_TEST_GETENV_UNSET", setVal: nil, fallback: "default", want: "default"},
		{name: "returns env value when set", key: "SALIENT_TEST_GETENV_SET", setVal: strPtr("custom"), fallback: "default", want: "custom"},
		{name: "returns fallback when empty string", key: "SALIENT_TEST_GETENV_EMPTY", setVal: strPtr(""), fallback: "default", want: "default"},
		{name: "preserves whitespace", key: "SALIENT_TEST_GETENV_WS", setVal: strPtr("  spaced  "), fallback: "x", want: "  spaced  "},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got := getEnv(tc.key, tc.fallback)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback int
		want     int
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "SALIENT_TEST_INT_UNSET", setVal: nil, fallback: 42, want: 42},
		{name: "parses valid int", key: "SALIENT_TEST_INT_VALID", setVal: strPtr("8080"), fallback: 0, want: 8080},
		{name: "parses negative int", key: "SALIENT_TEST_INT_NEG", setVal: strPtr("-1"), fallback: 0, want: -1},
		{name: "returns fallback for empty string", key: "SALIENT_TEST_INT_EMPTY", setVal: strPtr(""), fallback: 25, want: 25},
		{name: "errors on non-numeric", key: "SALIENT_TEST_INT_NAN", setVal: strPtr("abc"), fallback: 0, wantErr: true},
		{name: "errors on float", key: "SALIENT_TEST_INT_FLOAT", setVal: strPtr("3.14"), fallback: 0, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvInt(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback float64
		want     float64
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "SALIENT_TEST_FLOAT_UNSET", fallback: 20, want: 20},
		{name: "parses fraction", key: "SALIENT_TEST_FLOAT_FRAC", setVal: strPtr("0.5"), want: 0.5},
		{name: "parses int", key: "SALIENT_TEST_FLOAT_INT", setVal: strPtr("100"), want: 100},
		{name: "errors on text", key: "SALIENT_TEST_FLOAT_NAN", setVal: strPtr("fast"), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvFloat(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback bool
		want     bool
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "SALIENT_TEST_BOOL_UNSET", fallback: true, want: true},
		{name: "parses true", key: "SALIENT_TEST_BOOL_TRUE", setVal: strPtr("true"), want: true},
		{name: "parses 0", key: "SALIENT_TEST_BOOL_ZERO", setVal: strPtr("0"), fallback: true, want: false},
		{name: "errors on yes", key: "SALIENT_TEST_BOOL_YES", setVal: strPtr("yes"), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvBool(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback time.Duration
		want     time.Duration
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "SALIENT_TEST_DUR_UNSET", fallback: time.Minute, want: time.Minute},
		{name: "parses minutes", key: "SALIENT_TEST_DUR_MIN", setVal: strPtr("15m"), want: 15 * time.Minute},
		{name: "parses compound", key: "SALIENT_TEST_DUR_COMPOUND", setVal: strPtr("1h30m"), want: 90 * time.Minute},
		{name: "errors on bare number", key: "SALIENT_TEST_DUR_BARE", setVal: strPtr("60"), wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvDuration(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvList(t *testing.T) {
	tests := []struct {
		name   string
		setVal *string
		want   []string
	}{
		{name: "returns fallback when unset", want: []string{"fallback"}},
		{name: "splits and trims", setVal: strPtr(" a , b,,c "), want: []string{"a", "b", "c"}},
		{name: "only separators yields empty", setVal: strPtr(" , "), want: []string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv("SALIENT_TEST_LIST", *tc.setVal)
			}

			assert.Equal(t, tc.want, getEnvList("SALIENT_TEST_LIST", []string{"fallback"}))
		})
	}
}

// ---------------------------------------------------------------------------
// Load() tests
// ---------------------------------------------------------------------------

func TestLoad_MissingJWTSecret(t *testing.T) {
	t.Setenv("SALIENT_KMS_MASTER_KEY", testMasterKey)

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "SALIENT_JWT_SECRET")
}

func TestLoad_MissingMasterKey(t *testing.T) {
	t.Setenv("SALIENT_JWT_SECRET", "test-secret-for-error-cases-32ch!")

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "SALIENT_KMS_MASTER_KEY")
}

func TestLoad_InvalidEnvVars(t *testing.T) {
	tests := []struct {
		name   string
		envs   map[string]string
		errMsg string
	}{
		{name: "DB_PORT not a number", envs: map[string]string{"SALIENT_DB_DRIVER": "postgres", "SALIENT_DB_PORT": "abc"}, errMsg: "SALIENT_DB_PORT"},
		{name: "DB_PORT too high", envs: map[string]string{"SALIENT_DB_DRIVER": "postgres", "SALIENT_DB_PORT": "65536"}, errMsg: "SALIENT_DB_PORT"},
		{name: "DB_MAX_CONNS zero", envs: map[string]string{"SALIENT_DB_DRIVER": "postgres", "SALIENT_DB_MAX_CONNS": "0"}, errMsg: "SALIENT_DB_MAX_CONNS"},
		{name: "unknown driver", envs: map[string]string{"SALIENT_DB_DRIVER": "mysql"}, errMsg: "SALIENT_DB_DRIVER"},
		{name: "master key not base64", envs: map[string]string{"SALIENT_KMS_MASTER_KEY": "!!!"}, errMsg: "SALIENT_KMS_MASTER_KEY"},
		{name: "master key too short", envs: map[string]string{"SALIENT_KMS_MASTER_KEY": base64.StdEncoding.EncodeToString([]byte("short"))}, errMsg: "SALIENT_KMS_MASTER_KEY"},
		{name: "SERVER_READ_TIMEOUT zero", envs: map[string]string{"SALIENT_SERVER_READ_TIMEOUT": "0s"}, errMsg: "SALIENT_SERVER_READ_TIMEOUT"},
		{name: "SERVER_WRITE_TIMEOUT invalid", envs: map[string]string{"SALIENT_SERVER_WRITE_TIMEOUT": "soon"}, errMsg: "SALIENT_SERVER_WRITE_TIMEOUT"},
		{name: "RATE_LIMIT not a number", envs: map[string]string{"SALIENT_RATE_LIMIT": "lots"}, errMsg: "SALIENT_RATE_LIMIT"},
		{name: "RATE_BURST zero", envs: map[string]string{"SALIENT_RATE_BURST": "0"}, errMsg: "SALIENT_RATE_BURST"},
		{name: "IDLE_TIMEOUT negative", envs: map[string]string{"SALIENT_SESSION_IDLE_TIMEOUT": "-1m"}, errMsg: "SALIENT_SESSION_IDLE_TIMEOUT"},
		{name: "TASK_PARALLELISM zero", envs: map[string]string{"SALIENT_TASK_PARALLELISM": "0"}, errMsg: "SALIENT_TASK_PARALLELISM"},
		{name: "FLUSH_RATE zero", envs: map[string]string{"SALIENT_FLUSH_RATE": "0"}, errMsg: "SALIENT_FLUSH_RATE"},
		{name: "FLUSH_BATCH_SIZE zero", envs: map[string]string{"SALIENT_FLUSH_BATCH_SIZE": "0"}, errMsg: "SALIENT_FLUSH_BATCH_SIZE"},
		{name: "DRAIN_TIMEOUT invalid", envs: map[string]string{"SALIENT_DRAIN_TIMEOUT": "later"}, errMsg: "SALIENT_DRAIN_TIMEOUT"},
		{name: "REDIS_DB not a number", envs: map[string]string{"SALIENT_REDIS_DB": "abc"}, errMsg: "SALIENT_REDIS_DB"},
		{name: "SELF_HOSTED not a bool", envs: map[string]string{"SALIENT_SELF_HOSTED": "yes"}, errMsg: "SALIENT_SELF_HOSTED"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tc.envs {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "salient.db", cfg.Database.SQLitePath)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "default", cfg.Redis.Namespace)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 100.0, cfg.Server.RateLimit, 1e-9)
	assert.Equal(t, 200, cfg.Server.RateBurst)
	assert.Len(t, cfg.KMS.MasterKey, 32)
	assert.Equal(t, "local", cfg.KMS.KeyID)
	assert.Equal(t, 15*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 1, cfg.Sessions.CommandParallelism)
	assert.Equal(t, 8, cfg.Sessions.TaskParallelism)
	assert.Equal(t, 90*time.Second, cfg.Sessions.ShutdownTimeout)
	assert.InDelta(t, 20.0, cfg.EventLog.FlushRate, 1e-9)
	assert.Equal(t, 1, cfg.EventLog.FlushBurst)
	assert.Equal(t, 25, cfg.EventLog.BatchSize)
	assert.Equal(t, 200, cfg.EventLog.PageSize)
	assert.Equal(t, 60*time.Second, cfg.EventLog.DrainTimeout)
	assert.Empty(t, cfg.Profiles.File)
	assert.Empty(t, cfg.Knowledge.ModuleDir)
	assert.False(t, cfg.SelfHosted)
}

func TestLoad_AllCustomValues(t *testing.T) {
	setRequired(t)
	envs := map[string]string{
		"SALIENT_DB_DRIVER":            "postgres",
		"SALIENT_DB_HOST":              "db.internal",
		"SALIENT_DB_PORT":              "6543",
		"SALIENT_DB_USER":              "svc",
		"SALIENT_DB_PASSWORD":          "pw",
		"SALIENT_DB_NAME":              "salient",
		"SALIENT_DB_SSLMODE":           "require",
		"SALIENT_DB_MAX_CONNS":         "50",
		"SALIENT_REDIS_ADDR":           "redis:6379",
		"SALIENT_REDIS_DB":             "2",
		"SALIENT_REDIS_NAMESPACE":      "eu",
		"SALIENT_SERVER_ADDR":          ":9000",
		"SALIENT_CORS_ORIGINS":         "https://a.example, https://b.example",
		"SALIENT_RATE_LIMIT":           "2.5",
		"SALIENT_RATE_BURST":           "5",
		"SALIENT_KMS_KEY_ID":           "k2",
		"SALIENT_SESSION_IDLE_TIMEOUT": "5m",
		"SALIENT_COMMAND_PARALLELISM":  "4",
		"SALIENT_TASK_PARALLELISM":     "16",
		"SALIENT_FLUSH_RATE":           "50",
		"SALIENT_FLUSH_BATCH_SIZE":     "10",
		"SALIENT_REPLAY_PAGE_SIZE":     "500",
		"SALIENT_PROFILE_FILE":         "/etc/salient/profiles.yaml",
		"SALIENT_MODULE_DIR":           "/etc/salient/modules",
		"SALIENT_SELF_HOSTED":          "true",
	}
	for k, v := range envs {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 50, cfg.Database.MaxConns)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "eu", cfg.Redis.Namespace)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.InDelta(t, 2.5, cfg.Server.RateLimit, 1e-9)
	assert.Equal(t, 5, cfg.Server.RateBurst)
	assert.Equal(t, "k2", cfg.KMS.KeyID)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 4, cfg.Sessions.CommandParallelism)
	assert.Equal(t, 16, cfg.Sessions.TaskParallelism)
	assert.InDelta(t, 50.0, cfg.EventLog.FlushRate, 1e-9)
	assert.Equal(t, 10, cfg.EventLog.BatchSize)
	assert.Equal(t, 500, cfg.EventLog.PageSize)
	assert.Equal(t, "/etc/salient/profiles.yaml", cfg.Profiles.File)
	assert.Equal(t, "/etc/salient/modules", cfg.Knowledge.ModuleDir)
	assert.True(t, cfg.SelfHosted)
	assert.Equal(t,
		"host=db.internal port=6543 user=svc password=pw dbname=salient sslmode=require",
		cfg.Database.DSN(),
	)
}

// ---------------------------------------------------------------------------
// validate() tests
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	t.Parallel()

	// validBase returns a Config that passes validation.
	validBase := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: DriverPostgres, Port: 5432, MaxConns: 25, SSLMode: "require"},
			JWT:      JWTConfig{Secret: "test-secret-that-is-at-least-32ch"},
			Server: ServerConfig{
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
				RateLimit:    10,
				RateBurst:    20,
			},
			KMS: KMSConfig{MasterKey: make([]byte, 32), KeyID: "local"},
			Sessions: SessionConfig{
				IdleTimeout:        time.Minute,
				CommandParallelism: 1,
				TaskParallelism:    1,
				ShutdownTimeout:    time.Minute,
			},
			EventLog: EventLogConfig{
				FlushRate:    20,
				FlushBurst:   1,
				BatchSize:    25,
				PageSize:     200,
				DrainTimeout: time.Minute,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config passes", mutate: func(*Config) {}},
		{name: "JWT secret exactly 32 chars passes", mutate: func(c *Config) { c.JWT.Secret = "exactly-32-characters-long-sec!!" }},
		{name: "sqlite with path passes", mutate: func(c *Config) { c.Database = DatabaseConfig{Driver: DriverSQLite, SQLitePath: "x.db"} }},
		{name: "memory passes", mutate: func(c *Config) { c.Database = DatabaseConfig{Driver: DriverMemory} }},
		{name: "empty JWT secret fails", mutate: func(c *Config) { c.JWT.Secret = "" }, wantErr: "SALIENT_JWT_SECRET"},
		{name: "JWT secret too short fails", mutate: func(c *Config) { c.JWT.Secret = "only-31-characters-long-secret!" }, wantErr: "SALIENT_JWT_SECRET"},
		{name: "master key 16 bytes fails", mutate: func(c *Config) { c.KMS.MasterKey = make([]byte, 16) }, wantErr: "SALIENT_KMS_MASTER_KEY"},
		{name: "empty key id fails", mutate: func(c *Config) { c.KMS.KeyID = "" }, wantErr: "SALIENT_KMS_KEY_ID"},
		{name: "port 0 fails", mutate: func(c *Config) { c.Database.Port = 0 }, wantErr: "SALIENT_DB_PORT"},
		{name: "sqlite blank path fails", mutate: func(c *Config) { c.Database = DatabaseConfig{Driver: DriverSQLite, SQLitePath: " "} }, wantErr: "SALIENT_SQLITE_PATH"},
		{name: "command parallelism 0 fails", mutate: func(c *Config) { c.Sessions.CommandParallelism = 0 }, wantErr: "SALIENT_COMMAND_PARALLELISM"},
		{name: "shutdown timeout 0 fails", mutate: func(c *Config) { c.Sessions.ShutdownTimeout = 0 }, wantErr: "SALIENT_SHUTDOWN_TIMEOUT"},
		{name: "flush burst 0 fails", mutate: func(c *Config) { c.EventLog.FlushBurst = 0 }, wantErr: "SALIENT_FLUSH_BURST"},
		{name: "page size 0 fails", mutate: func(c *Config) { c.EventLog.PageSize = 0 }, wantErr: "SALIENT_REPLAY_PAGE_SIZE"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := validBase()
			tc.mutate(c)
			err := c.validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Parallel()

	c := DatabaseConfig{Host: "localhost", Port: 5432, User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=d sslmode=disable", c.DSN())
}

func strPtr(s string) *string {
	return &s
}
