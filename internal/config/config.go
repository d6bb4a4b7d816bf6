// Package config provides configuration management for the saj-h1-mqtt bridge.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Inverters to bridge, in priority order; the first is the default
	// target for API calls without an explicit serial.
	Inverters []string `mapstructure:"inverters"`

	// MQTT settings
	MQTT struct {
		Host        string `mapstructure:"host"`
		Port        int    `mapstructure:"port"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		Retain      bool   `mapstructure:"retain"`
		DebugFrames bool   `mapstructure:"debug_frames"`
	} `mapstructure:"mqtt"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// Transaction settings
	Transaction struct {
		TimeoutSeconds int `mapstructure:"timeout_seconds"`
		MaxRetries     int `mapstructure:"max_retries"`
	} `mapstructure:"transaction"`

	// Scan intervals per register group, in seconds. Zero disables the
	// scheduled refresh for that group (on-demand refresh still works).
	ScanIntervals struct {
		RealtimeData          int `mapstructure:"realtime_data"`
		InverterData          int `mapstructure:"inverter_data"`
		BatteryData           int `mapstructure:"battery_data"`
		BatteryControllerData int `mapstructure:"battery_controller_data"`
		ConfigData            int `mapstructure:"config_data"`
	} `mapstructure:"scan_intervals"`

	// AccuratePower enables grid power reconciliation on realtime refreshes.
	AccuratePower bool `mapstructure:"accurate_power"`

	// Home Assistant Auto-Discovery settings
	HomeAssistantAutoDiscovery struct {
		Enabled         bool   `mapstructure:"enabled"`
		DiscoveryPrefix string `mapstructure:"discovery_prefix"`
		RetainDiscovery bool   `mapstructure:"retain_discovery"`
	} `mapstructure:"homeassistant_autodiscovery"`

	// PVOutput.org upload settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		UseInverterTemp    bool   `mapstructure:"use_inverter_temp"`
		UploadConsumption  bool   `mapstructure:"upload_consumption"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
		InverterMappings   []struct {
			InverterSerial string `mapstructure:"inverter_serial"`
			SystemID       string `mapstructure:"system_id"`
		} `mapstructure:"inverter_mappings"`
	} `mapstructure:"pvoutput"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default MQTT settings
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Retain = false
	cfg.MQTT.DebugFrames = false

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default transaction settings (vendor app uses a 10s response window)
	cfg.Transaction.TimeoutSeconds = 10
	cfg.Transaction.MaxRetries = 2

	// Default scan intervals: realtime only, the rest on demand
	cfg.ScanIntervals.RealtimeData = 60
	cfg.ScanIntervals.InverterData = 0
	cfg.ScanIntervals.BatteryData = 0
	cfg.ScanIntervals.BatteryControllerData = 0
	cfg.ScanIntervals.ConfigData = 0

	cfg.AccuratePower = false

	// Default Home Assistant Auto-Discovery settings
	cfg.HomeAssistantAutoDiscovery.Enabled = false
	cfg.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.HomeAssistantAutoDiscovery.RetainDiscovery = true

	// Default PVOutput settings (free accounts allow one update per 5 minutes)
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.UpdateLimitMinutes = 5

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("SAJ")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.Inverters) == 0 {
		return fmt.Errorf("at least one inverter serial must be configured")
	}
	if c.Transaction.TimeoutSeconds <= 0 {
		return fmt.Errorf("transaction timeout must be positive")
	}
	if c.Transaction.MaxRetries < 0 {
		return fmt.Errorf("transaction max retries cannot be negative")
	}
	for _, serial := range c.Inverters {
		if serial == "" {
			return fmt.Errorf("inverter serial cannot be empty")
		}
	}
	return nil
}

// TransactionTimeout returns the per-attempt response timeout.
func (c *Config) TransactionTimeout() time.Duration {
	return time.Duration(c.Transaction.TimeoutSeconds) * time.Second
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("saj-h1-mqtt Bridge Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Strs("inverters", c.Inverters).Msg("Inverters")

	logger.Info().
		Str("host", c.MQTT.Host).
		Int("port", c.MQTT.Port).
		Bool("retain", c.MQTT.Retain).
		Bool("debug_frames", c.MQTT.DebugFrames).
		Msg("MQTT")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().
		Int("timeout_seconds", c.Transaction.TimeoutSeconds).
		Int("max_retries", c.Transaction.MaxRetries).
		Msg("Transactions")

	logger.Info().
		Int("realtime_data", c.ScanIntervals.RealtimeData).
		Int("inverter_data", c.ScanIntervals.InverterData).
		Int("battery_data", c.ScanIntervals.BatteryData).
		Int("battery_controller_data", c.ScanIntervals.BatteryControllerData).
		Int("config_data", c.ScanIntervals.ConfigData).
		Msg("Scan intervals (seconds, 0 = on demand only)")

	logger.Info().Bool("accurate_power", c.AccuratePower).Msg("Accurate power reconciliation")

	logger.Info().
		Bool("enabled", c.PVOutput.Enabled).
		Str("system_id", c.PVOutput.SystemID).
		Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
		Msg("PVOutput upload")

	logger.Info().
		Bool("enabled", c.HomeAssistantAutoDiscovery.Enabled).
		Str("discovery_prefix", c.HomeAssistantAutoDiscovery.DiscoveryPrefix).
		Msg("Home Assistant auto-discovery")

	logger.Info().Msg("-----------------------------")
}
