package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsToSQLite(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "durableq.db", cfg.Database.SQLitePath)
}

func TestLoadNonSQLiteRequiresDSN(t *testing.T) {
	os.Clearenv()
	os.Setenv("DURABLEQ_DB_DRIVER", "pgx")

	_, err := Load()
	require.ErrorIs(t, err, ErrDSNRequired)
}

func TestLoadNonSQLiteWithDSN(t *testing.T) {
	os.Clearenv()
	os.Setenv("DURABLEQ_DB_DRIVER", "pgx")
	os.Setenv("DURABLEQ_DB_DSN", "postgres://localhost/durableq")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/durableq", cfg.Database.DSN)
}

func TestWorkerConfigTypesSplitsAndTrims(t *testing.T) {
	cfg := WorkerConfig{AcceptedTypes: " send_email, generate_report ,,"}
	assert.Equal(t, []string{"send_email", "generate_report"}, cfg.Types())
}

func TestWorkerConfigTypesEmptyMeansAll(t *testing.T) {
	cfg := WorkerConfig{}
	assert.Nil(t, cfg.Types())
}
