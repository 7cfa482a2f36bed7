package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"

	"github.com/ksred/klear-escrow/internal/config"
)

func TestNewLogger_ProductionFromConfigFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	yaml := []byte(`
app:
  env: production
auth:
  jwt_secret: from-file
`)
	assert.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("ESCROW_APP_ENV", "")

	cfg, err := config.Load(path)
	assert.NoError(t, err)
	assert.True(t, cfg.App.Production())

	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)
	logger.Info().Str("component", "server").Msg("ready")

	var line map[string]interface{}
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	check.Equal(t, "ready", line["message"])
	check.Equal(t, "server", line["component"])
}

func TestNewLogger_DevelopmentIsConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.Config{App: config.AppConfig{Env: "development"}}, &buf)
	logger.Info().Msg("ready")

	check.True(t, bytes.Contains(buf.Bytes(), []byte("ready")))
	check.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestLogLevel(t *testing.T) {
	cfg := config.Config{Log: config.LogConfig{Level: "warn"}}
	check.Equal(t, zerolog.WarnLevel, logLevel(cfg, false))
	check.Equal(t, zerolog.DebugLevel, logLevel(cfg, true))

	cfg.Log.Level = "shouting"
	check.Equal(t, zerolog.InfoLevel, logLevel(cfg, false))
	cfg.Log.Level = ""
	check.Equal(t, zerolog.InfoLevel, logLevel(cfg, false))
}
