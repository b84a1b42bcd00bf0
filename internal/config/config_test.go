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
	// Run from an empty directory so no stray .env file is picked up.
	tmpDir := t.TempDir()
	chdir(t, tmpDir)
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
api:
  url: "https://sigicom.example.com"
  user_id: "123"
  user_token: "secret"
  device_id: "DEV1"
  timeout: 15s

delivery:
  host: "ftp.example.com"
  username: "noise"

pipeline:
  lookback: 90m

logging:
  level: "debug"
  file: "noiseuploader.log"
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, config)

	assert.Equal(t, "https://sigicom.example.com", config.API.URL)
	assert.Equal(t, "123", config.API.UserID)
	assert.Equal(t, "DEV1", config.API.DeviceID)
	assert.Equal(t, 15*time.Second, config.API.Timeout)
	assert.Equal(t, "ftp.example.com", config.Delivery.Host)
	assert.Equal(t, 90*time.Minute, config.Pipeline.Lookback)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.NoError(t, config.Validate())
}

func TestLoadDefaults(t *testing.T) {
	configPath := writeConfig(t, `
api:
  url: "https://sigicom.example.com"
`)

	config, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", config.API.Timezone)
	assert.Equal(t, 30*time.Second, config.API.Timeout)
	assert.Equal(t, 2.0, config.API.RequestsPerSecond)
	assert.Equal(t, "device_data.csv", config.Delivery.Filename)
	assert.Equal(t, 10*time.Second, config.Delivery.Timeout)
	assert.Equal(t, 2*time.Hour, config.Pipeline.Lookback)
	assert.Equal(t, "noiseuploader", config.Metrics.Job)
	assert.Equal(t, "json", config.Logging.Format)
	assert.Equal(t, 1, config.Logging.MaxSizeMB)
	assert.Equal(t, 3, config.Logging.MaxBackups)
	assert.False(t, config.Archive.Enabled)
}

func TestLoadWithEnvExpansion(t *testing.T) {
	t.Setenv("APP_FTP_HOST", "envhost")
	t.Setenv("APP_TOKEN", "envtoken")

	configPath := writeConfig(t, `
api:
  user_token: $APP_TOKEN
delivery:
  host: ${APP_FTP_HOST}
`)

	config, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "envhost", config.Delivery.Host)
	assert.Equal(t, "envtoken", config.API.UserToken)
}

func TestLoadWithEnvOverride(t *testing.T) {
	t.Setenv("NOISE_API_DEVICE_ID", "DEV9")
	t.Setenv("NOISE_DELIVERY_PASSWORD", "hunter2")

	configPath := writeConfig(t, `
api:
  device_id: "DEV1"
`)

	config, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "DEV9", config.API.DeviceID)
	assert.Equal(t, "hunter2", config.Delivery.Password)
}

func TestLoadDotEnv(t *testing.T) {
	configPath := writeConfig(t, `
api:
  user_token: $DOTENV_TOKEN
`)
	require.NoError(t, os.WriteFile(".env", []byte("DOTENV_TOKEN=fromdotenv\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("DOTENV_TOKEN") })

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "fromdotenv", config.API.UserToken)
}

func TestLoadMissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			API: APIConfig{
				URL: "https://sigicom.example.com", UserID: "1", UserToken: "t", DeviceID: "DEV1",
				Timezone: "America/New_York", Timeout: time.Second,
			},
			Delivery: DeliveryConfig{Host: "ftp", Username: "u", Filename: "device_data.csv", Timeout: time.Second},
			Pipeline: PipelineConfig{Lookback: time.Hour},
		}
	}

	tests := []struct {
		name       string
		mutate     func(c *Config)
		errMessage string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing device", func(c *Config) { c.API.DeviceID = "" }, "missing api.device_id"},
		{"missing host", func(c *Config) { c.Delivery.Host = " " }, "missing delivery.host"},
		{"zero lookback", func(c *Config) { c.Pipeline.Lookback = 0 }, "pipeline.lookback must be positive"},
		{"bad timezone", func(c *Config) { c.API.Timezone = "Mars/Olympus" }, "invalid api.timezone"},
		{"archive without dsn", func(c *Config) { c.Archive.Enabled = true }, "missing archive.dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.errMessage == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMessage)
		})
	}
}
