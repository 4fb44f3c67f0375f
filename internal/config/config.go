// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all printlink daemon configuration.
type Config struct {
	// Printer link: a local serial device, or a TCP address for
	// ser2net-style serial bridges. PrinterAddr wins when both are set.
	SerialPort  string
	BaudRate    int
	PrinterAddr string

	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// SD card polling
	SDInterval     time.Duration
	QuitInterval   time.Duration
	RequestTimeout time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		SerialPort:     envOr("SERIAL_PORT", "/dev/ttyAMA0"),
		BaudRate:       envInt("BAUD_RATE", 115200),
		PrinterAddr:    envOr("PRINTER_ADDR", ""),
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		SDInterval:     envDuration("SD_INTERVAL", 5*time.Second),
		QuitInterval:   envDuration("QUIT_INTERVAL", 200*time.Millisecond),
		RequestTimeout: envDuration("REQUEST_TIMEOUT", 30*time.Second),
	}

	if cfg.SerialPort == "" && cfg.PrinterAddr == "" {
		return nil, fmt.Errorf("SERIAL_PORT or PRINTER_ADDR is required")
	}
	if cfg.BaudRate <= 0 {
		return nil, fmt.Errorf("BAUD_RATE must be positive, got %d", cfg.BaudRate)
	}
	if cfg.SDInterval <= 0 {
		return nil, fmt.Errorf("SD_INTERVAL must be positive, got %s", cfg.SDInterval)
	}
	if cfg.QuitInterval <= 0 || cfg.QuitInterval >= time.Second {
		return nil, fmt.Errorf("QUIT_INTERVAL must be sub-second and positive, got %s", cfg.QuitInterval)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
