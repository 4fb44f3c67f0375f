package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.SerialPort != "/dev/ttyAMA0" {
		t.Errorf("SerialPort = %q, want /dev/ttyAMA0", cfg.SerialPort)
	}
	if cfg.BaudRate != 115200 {
		t.Errorf("BaudRate = %d, want 115200", cfg.BaudRate)
	}
	if cfg.SDInterval != 5*time.Second {
		t.Errorf("SDInterval = %s, want 5s", cfg.SDInterval)
	}
	if cfg.QuitInterval != 200*time.Millisecond {
		t.Errorf("QuitInterval = %s, want 200ms", cfg.QuitInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PRINTER_ADDR", "octopi.local:4444")
	t.Setenv("BAUD_RATE", "250000")
	t.Setenv("SD_INTERVAL", "2s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.PrinterAddr != "octopi.local:4444" {
		t.Errorf("PrinterAddr = %q", cfg.PrinterAddr)
	}
	if cfg.BaudRate != 250000 {
		t.Errorf("BaudRate = %d, want 250000", cfg.BaudRate)
	}
	if cfg.SDInterval != 2*time.Second {
		t.Errorf("SDInterval = %s, want 2s", cfg.SDInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"quit interval too long", "QUIT_INTERVAL", "2s"},
		{"negative sd interval", "SD_INTERVAL", "-1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() should reject %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestEnvFallbacksOnBadValues(t *testing.T) {
	t.Setenv("BAUD_RATE", "not-a-number")
	t.Setenv("SD_INTERVAL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.BaudRate != 115200 {
		t.Errorf("BaudRate = %d, want default 115200", cfg.BaudRate)
	}
	if cfg.SDInterval != 5*time.Second {
		t.Errorf("SDInterval = %s, want default 5s", cfg.SDInterval)
	}
}
