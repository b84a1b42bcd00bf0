package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for our application
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type APIConfig struct {
	URL               string        `mapstructure:"url"`
	UserID            string        `mapstructure:"user_id"`
	UserToken         string        `mapstructure:"user_token"`
	DeviceID          string        `mapstructure:"device_id"`
	Timezone          string        `mapstructure:"timezone"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type DeliveryConfig struct {
	Host     string        `mapstructure:"host"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Filename string        `mapstructure:"filename"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	Lookback time.Duration `mapstructure:"lookback"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// EnvPrefix prefixes environment variables that override file values,
// e.g. NOISE_API_USER_TOKEN overrides api.user_token.
const EnvPrefix = "NOISE"

// Load reads configuration from file and environment variables.
//
// A .env file in the working directory, if present, is loaded first. The YAML
// file may reference environment variables as $VAR or ${VAR}.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// First unmarshal into a map to normalise quoting before expansion
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}

	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	// Expand environment variables
	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewBufferString(expandedData)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate reports every missing or invalid required setting at once.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key, value string
	}{
		{"api.url", c.API.URL},
		{"api.user_id", c.API.UserID},
		{"api.user_token", c.API.UserToken},
		{"api.device_id", c.API.DeviceID},
		{"delivery.host", c.Delivery.Host},
		{"delivery.username", c.Delivery.Username},
		{"delivery.filename", c.Delivery.Filename},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("missing %s", r.key))
		}
	}

	if _, err := time.LoadLocation(c.API.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid api.timezone %q: %w", c.API.Timezone, err))
	}
	if c.Pipeline.Lookback <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.lookback must be positive"))
	}
	if c.API.Timeout <= 0 || c.Delivery.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("api.timeout and delivery.timeout must be positive"))
	}
	if c.Archive.Enabled && c.Archive.DSN == "" {
		errs = append(errs, fmt.Errorf("missing archive.dsn"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Bind every key so AutomaticEnv can override values absent from the file.
	for _, key := range []string{
		"api.url", "api.user_id", "api.user_token", "api.device_id",
		"delivery.host", "delivery.username", "delivery.password",
		"archive.dsn", "metrics.pushgateway_url", "logging.file",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("api.timezone", "America/New_York")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.requests_per_second", 2.0)

	v.SetDefault("delivery.filename", "device_data.csv")
	v.SetDefault("delivery.timeout", 10*time.Second)

	v.SetDefault("pipeline.lookback", 2*time.Hour)

	v.SetDefault("archive.enabled", false)

	v.SetDefault("metrics.job", "noiseuploader")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 1)
	v.SetDefault("logging.max_backups", 3)
}
