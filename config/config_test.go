package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil), nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, "celengan.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, 30*time.Minute, cfg.AttemptTTL)
	assert.Equal(t, "@every 1m", cfg.PollSchedule)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.QRIS.Configured())
}

func TestFromEnv_EnvAndFlags(t *testing.T) {
	env := envMap(map[string]string{
		"PORT":                "9000",
		"DB_DRIVER":           "Postgres",
		"DATABASE_URL":        "postgres://localhost/celengan?sslmode=disable",
		"LOCK_TIMEOUT":        "750ms",
		"CORS_ORIGINS":        "https://app.example, https://admin.example ,",
		"QRIS_CREATE_URL":     "https://gw/create",
		"QRIS_API_KEY":        "k",
		"QRIS_MERCHANT_QR":    "qr",
		"QRIS_STATUS_URL":     "https://gw/status",
		"QRIS_STATUS_API_KEY": "sk",
		"QRIS_MEMBER_ID":      "m",
	})

	cfg, err := FromEnv(env, []string{"-port", "3000"})
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port, "flag overrides env")
	assert.Equal(t, DriverPostgres, cfg.Driver)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.QRIS.Configured())
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"bad port", map[string]string{"PORT": "http"}, nil},
		{"bad duration", map[string]string{"LOCK_TIMEOUT": "soon"}, nil},
		{"unknown driver", map[string]string{"DB_DRIVER": "oracle"}, nil},
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres"}, nil},
		{"zero ttl", map[string]string{"PAYMENT_ATTEMPT_TTL": "0s"}, nil},
		{"unknown flag", nil, []string{"-verbose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envMap(tt.env), tt.args)
			assert.Error(t, err)
		})
	}
}
