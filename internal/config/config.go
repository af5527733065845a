// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	Device DeviceConfig `mapstructure:"device"`
	Listen ListenConfig `mapstructure:"listen"`
	Log    LogConfig    `mapstructure:"log"`
}

// DeviceConfig defines the P1 serial device settings
type DeviceConfig struct {
	Path     string `mapstructure:"path"`      // Serial device, e.g. "/dev/ttyUSB0"
	BaudRate int    `mapstructure:"baud_rate"` // P1 ports run at 115200
}

// ListenConfig defines where the metrics endpoint binds
type ListenConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// Overrides carries command line values that take precedence over the
// config file.
type Overrides struct {
	Device string
	Host   string
	Port   int
}

// LoadConfig loads configuration from file, applying overrides and
// defaults. The device path is the only required setting.
func LoadConfig(configFile string, overrides Overrides) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/dsmr-exporter/")
		v.AddConfigPath("$HOME/.dsmr-exporter")
		v.AddConfigPath(".")
	}

	// Set defaults
	v.SetDefault("device.baud_rate", 115200)
	v.SetDefault("listen.host", "127.0.0.1")
	v.SetDefault("listen.port", 3000)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		// Running without a config file is fine as long as one was
		// not named explicitly: flags and defaults carry everything.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if configFile != "" || !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if overrides.Device != "" {
		config.Device.Path = overrides.Device
	}
	if overrides.Host != "" {
		config.Listen.Host = overrides.Host
	}
	if overrides.Port != 0 {
		config.Listen.Port = overrides.Port
	}

	if config.Device.Path == "" {
		return nil, fmt.Errorf("no serial device configured")
	}

	return &config, nil
}
