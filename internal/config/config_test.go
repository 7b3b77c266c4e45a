package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	m, err := NewManager()
	require.NoError(t, err)
	return m
}

func TestManager_Defaults(t *testing.T) {
	m := newTestManager(t)
	cfg := m.GetConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefinitionTTL)
	assert.Equal(t, 100, cfg.Engine.BackfillBatchSize)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, m.Validate())
}

func TestManager_EnvironmentOverride(t *testing.T) {
	t.Setenv("MEASURE_ENGINE_SERVER_PORT", "9090")
	t.Setenv("MEASURE_ENGINE_DATABASE_DRIVER", "sqlite")

	m := newTestManager(t)
	cfg := m.GetConfig()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	require.NoError(t, m.Validate())
}

func TestManager_ValidateRejectsBadValues(t *testing.T) {
	m := newTestManager(t)

	m.config.Server.Port = -1
	assert.Error(t, m.Validate())

	m.config.Server.Port = 8080
	m.config.Database.Driver = "oracle"
	assert.Error(t, m.Validate())

	m.config.Database.Driver = "sqlite"
	m.config.Database.SQLitePath = ""
	assert.Error(t, m.Validate())

	m.config.Database.SQLitePath = "./data/measurements.db"
	m.config.Logging.Level = "verbose"
	assert.Error(t, m.Validate())
}
