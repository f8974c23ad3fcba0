// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config defines the daemon configuration.
type Config struct {
	Serial   SerialConfig   `mapstructure:"serial"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Poll     PollConfig     `mapstructure:"poll"`
	Registry RegistryConfig `mapstructure:"registry"`
	Bus      BusConfig      `mapstructure:"bus"`
	Log      LogConfig      `mapstructure:"log"`
}

// SerialConfig defines the RS-485 link settings. The ZBM speaks 8N1; only
// device and baud rate are tunable.
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	Timeout  time.Duration `mapstructure:"timeout"` // per-request window
}

// ScanConfig paces the device scanner.
type ScanConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	RelaxedInterval time.Duration `mapstructure:"relaxed_interval"`
	Auto            bool          `mapstructure:"auto"`
}

// PollConfig bundles the per-device polling policy.
type PollConfig struct {
	MinCycle       time.Duration `mapstructure:"min_cycle"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxTimeouts    int           `mapstructure:"max_timeouts"`
}

// RegistryConfig selects where the discovered device set is remembered.
type RegistryConfig struct {
	Type   string `mapstructure:"type"` // "memory", "file", "mmap", "sql"
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"` // e.g. "sqlite3" for type "sql"
	DSN    string `mapstructure:"dsn"`
}

// BusConfig defines how services appear on the external bus.
type BusConfig struct {
	Prefix   string `mapstructure:"prefix"`
	System   bool   `mapstructure:"system"` // system bus instead of session bus
	Disabled bool   `mapstructure:"disabled"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // log file path, empty or "-" for stdout
}

// LoadConfig loads configuration from file; a missing file yields the
// defaults.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/zbmd/")
		v.AddConfigPath("$HOME/.zbmd")
		v.AddConfigPath(".")
	}

	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 19200)
	v.SetDefault("serial.timeout", time.Second)
	v.SetDefault("scan.interval", 250*time.Millisecond)
	v.SetDefault("scan.relaxed_interval", 2*time.Second)
	v.SetDefault("scan.auto", true)
	v.SetDefault("poll.min_cycle", 250*time.Millisecond)
	v.SetDefault("poll.reconnect_delay", 60*time.Second)
	v.SetDefault("poll.max_timeouts", 5)
	v.SetDefault("registry.type", "file")
	v.SetDefault("registry.path", "/var/lib/zbmd/devices.dat")
	v.SetDefault("registry.driver", "sqlite3")
	v.SetDefault("bus.prefix", "com.victronenergy")
	v.SetDefault("bus.system", true)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
