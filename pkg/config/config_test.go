package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfigJSON = `{
  "target": {
    "host": "db.example.com",
    "default_database": "widgets",
    "password": {"insecure_value": "hunter2"}
  }
}`

func TestParseConfig_Minimal(t *testing.T) {
	cfg, err := ParseConfig(minimalConfigJSON)
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.Target.Host)
	assert.Equal(t, "widgets", cfg.Target.DefaultDatabase)
	assert.Nil(t, cfg.Prometheus)
	assert.Nil(t, cfg.FlightRecorder)
}

func TestParseConfig_InvalidJSON(t *testing.T) {
	_, err := ParseConfig(`{not json`)
	assert.Error(t, err)
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pgreplay.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfigJSON), 0o644))

	cfg, err := ReadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "db.example.com", cfg.Target.Host)
}

func TestReadConfigFile_MissingFile(t *testing.T) {
	_, err := ReadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfig_Secrets_YieldsUsernameAndPassword(t *testing.T) {
	cfg := Config{Target: TargetConfig{
		Username: SecretRef{InsecureValue: "pgreplay"},
		Password: SecretRef{InsecureValue: "hunter2"},
	}}

	var paths []string
	for path := range cfg.Secrets() {
		paths = append(paths, path)
	}
	assert.Equal(t, []string{"target.username", "target.password"}, paths)
}

func TestConfig_Validate_AccumulatesErrors(t *testing.T) {
	cfg := Config{
		Target: TargetConfig{},
		Replay: ReplayConfig{FailRetryMax: -1},
	}

	err := cfg.Validate(context.Background(), NewSecretCache(nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "target")
	assert.ErrorContains(t, err, "replay")
}

func TestConfig_Validate_ResolvesSecrets(t *testing.T) {
	cfg := Config{Target: TargetConfig{
		Host:            "db.example.com",
		DefaultDatabase: "widgets",
		Username:        SecretRef{InsecureValue: "pgreplay"},
		Password:        SecretRef{InsecureValue: "hunter2"},
	}}

	assert.NoError(t, cfg.Validate(context.Background(), NewSecretCache(nil)))
}

func TestConfig_Validate_MissingEnvSecretFails(t *testing.T) {
	cfg := Config{Target: TargetConfig{
		Host:            "db.example.com",
		DefaultDatabase: "widgets",
		Password:        SecretRef{EnvVar: "PGREPLAY_TEST_UNSET_PASSWORD"},
	}}

	err := cfg.Validate(context.Background(), NewSecretCache(nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "target.password")
}
