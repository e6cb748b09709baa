package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SIMDESK_ADMIN_JWT_SECRET", "s3cret")
	t.Setenv("SIMDESK_PROVIDER_ACCESS_CODE", "access")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 10*time.Minute, cfg.Esim.PendingStuckAfter)
	assert.Equal(t, 48*time.Hour, cfg.Esim.ActivationStuckAfter)
	assert.Equal(t, "10.00", cfg.Esim.FallbackRefundAmount)
	assert.Equal(t, 2, cfg.Provider.MaxRetries)
	assert.Equal(t, "s3cret", cfg.Admin.JWTSecret)
	assert.Equal(t, "access", cfg.Provider.AccessCode)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("missing admin secret is fatal", func(t *testing.T) {
		cfg := &Config{Provider: ProviderConfig{BaseURL: "http://provider"}}
		assert.ErrorIs(t, cfg.Validate(), ErrMissingAdminSecret)
	})

	t.Run("missing provider url", func(t *testing.T) {
		cfg := &Config{Admin: AdminConfig{JWTSecret: "x"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("valid", func(t *testing.T) {
		cfg := &Config{
			Admin:    AdminConfig{JWTSecret: "x"},
			Provider: ProviderConfig{BaseURL: "http://provider"},
		}
		assert.NoError(t, cfg.Validate())
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "u",
		Password: "p",
		Database: "simdesk",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=simdesk sslmode=disable", cfg.DSN())
}
