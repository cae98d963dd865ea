package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, 5, c.Quota.Limit)
	assert.Equal(t, 24*time.Hour, c.Quota.Window())
	assert.Equal(t, 19, c.Quota.ResetHour)
	assert.Equal(t, time.Second, c.Inference.PollInterval())
	assert.Equal(t, "v1.4", c.Inference.FaceVersion)
	assert.Equal(t, 2, c.Inference.Scale)
	assert.Equal(t, "localhost:6379", c.Redis.GetRedisAddr())
}

func TestLoad_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("REPLICATE_API_KEY", "r8_token")
	t.Setenv("REDIS_PORT", "6380")

	c, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "secret", c.Auth.JWTSecret)
	assert.Equal(t, "r8_token", c.Inference.APIToken)
	assert.Equal(t, 6380, c.Redis.Port)
	assert.Equal(t, 5, c.Quota.Limit)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("REPLICATE_API_KEY", "r8_token")

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server":{"port":"9000"},"quota":{"limit":3,"window_minutes":60,"reset_hour":7},"inference":{"max_polls":10}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", c.Server.Port)
	assert.Equal(t, 3, c.Quota.Limit)
	assert.Equal(t, time.Hour, c.Quota.Window())
	assert.Equal(t, 7, c.Quota.ResetHour)
	assert.Equal(t, 10, c.Inference.MaxPolls)
	// untouched fields keep their defaults
	assert.Equal(t, 1000, c.Inference.PollIntervalMs)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, true},
		{"missing api token", func(c *Config) { c.Inference.APIToken = "" }, true},
		{"zero limit", func(c *Config) { c.Quota.Limit = 0 }, true},
		{"bad reset hour", func(c *Config) { c.Quota.ResetHour = 24 }, true},
		{"storage without bucket", func(c *Config) { c.Storage.Enabled = true }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Auth.JWTSecret = "secret"
			c.Inference.APIToken = "token"
			tc.mutate(c)

			err := c.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQuotaLocation(t *testing.T) {
	q := QuotaConfig{Timezone: "UTC"}
	assert.Equal(t, time.UTC, q.Location())

	q = QuotaConfig{Timezone: "Not/AZone"}
	assert.Equal(t, time.Local, q.Location())
}

func TestLoad_AdminEmailsFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("REPLICATE_API_KEY", "r8_token")
	t.Setenv("ADMIN_EMAILS", " ops@example.com, ,root@example.com")
	t.Setenv("LOG_RETENTION_DAYS", "7")

	c, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, []string{"ops@example.com", "root@example.com"}, c.Auth.AdminEmails)
	assert.Equal(t, 7, c.Server.LogRetentionDays)
}
