package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  name: gatewatch
  user: gw
  password: secret
appliance:
  host: 192.168.1.108
  username: admin
  password: admin
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 64, cfg.Appliance.PageSize)
	assert.Equal(t, 1000, cfg.Appliance.MaxPages)
	assert.Equal(t, []string{"FaceRecognition"}, cfg.Appliance.EventCodes)
	assert.Equal(t, 80, cfg.Matching.AccuracyThreshold)
	assert.Equal(t, 720, cfg.Matching.MaxStayMinutes)
	assert.Equal(t, 2, cfg.Matching.MinDwellMinutes)
	assert.Equal(t, 3, cfg.Matching.RetryCeiling)
	assert.Equal(t, "UTC", cfg.Matching.Timezone)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
`)

	t.Setenv("GW_DB_HOST", "db.internal")
	t.Setenv("GW_APPLIANCE_PASSWORD", "s3cret")
	t.Setenv("GW_TIMEZONE", "Europe/Berlin")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Appliance.Password)
	assert.Equal(t, "Europe/Berlin", cfg.Matching.Timezone)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestGateByChannel(t *testing.T) {
	cfg := ApplianceConfig{Gates: []Gate{
		{Channel: 1, Name: "main-entrance", Direction: "in"},
		{Channel: 2, Name: "main-exit", Direction: "out"},
	}}

	g := cfg.GateByChannel(2)
	require.NotNil(t, g)
	assert.Equal(t, "main-exit", g.Name)
	assert.Equal(t, "out", g.Direction)

	assert.Nil(t, cfg.GateByChannel(3))
}

func TestMatchingDurations(t *testing.T) {
	m := MatchingConfig{MaxStayMinutes: 720, MinDwellMinutes: 2, Timezone: "Europe/Berlin"}
	assert.Equal(t, 12*time.Hour, m.MaxStay())
	assert.Equal(t, 2*time.Minute, m.MinDwell())

	loc, err := m.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLocationInvalidTimezone(t *testing.T) {
	m := MatchingConfig{Timezone: "Not/AZone"}
	_, err := m.Location()
	assert.Error(t, err)
}
