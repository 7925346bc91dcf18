package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("DB_PASSWORD", "pw")
	t.Setenv("AUTH_JWT_SECRET", "jwt-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.JobRunner.Timeout)
	assert.Equal(t, 3, cfg.JobRunner.MaxRetries)
	assert.Equal(t, time.Minute, cfg.RateLimit.AuthWindow)
	assert.Equal(t, 10.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, "postgres://opencrm:pw@localhost:5432/opencrm?sslmode=disable", cfg.Database.DSN())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DATABASE_URL=postgres://u:p@db/crm\nAUTH_JWT_SECRET=from-file\nSERVER_ALLOWED_ORIGINS=https://a.test, https://b.test\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("AUTH_JWT_SECRET", "from-env")
	defer os.Unsetenv("DATABASE_URL")
	defer os.Unsetenv("SERVER_ALLOWED_ORIGINS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/crm", cfg.Database.DSN())
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.Server.AllowedOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing jwt secret", map[string]string{"AUTH_JWT_SECRET": ""}, "AUTH_JWT_SECRET"},
		{"production without webhook secret", map[string]string{"APP_ENV": "production"}, "WEBHOOK_SECRET"},
		{"unknown environment", map[string]string{"APP_ENV": "staging"}, "APP_ENV"},
		{"bad runner url", map[string]string{"JOB_RUNNER_BASE_URL": "not a url"}, "JOB_RUNNER_BASE_URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			err := FromEnv().Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("production with webhook secret", func(t *testing.T) {
		setBase(t)
		t.Setenv("APP_ENV", "Production")
		t.Setenv("WEBHOOK_SECRET", "whsec")
		cfg := FromEnv()
		assert.NoError(t, cfg.Validate())
		assert.True(t, cfg.IsProduction())
	})
}

func TestParseHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "ten")
	t.Setenv("X_DUR", "soon")
	assert.Equal(t, 7, parseInt("X_INT", 7))
	assert.Equal(t, time.Second, parseDuration("X_DUR", "1s"))
	assert.Nil(t, parseList("X_UNSET_LIST"))
}
