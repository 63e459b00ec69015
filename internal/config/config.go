package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultMaxUploadBytes caps one upload request body at 2 GiB.
const DefaultMaxUploadBytes = 2 << 30

// Config is intentionally small and JSON-friendly.
type Config struct {
	// Root is the directory served by dirserve. Required.
	Root string `json:"root"`

	// Addr is the HTTP listen address. Default: ":8000".
	Addr string `json:"addr,omitempty"`

	// StateDir stores derived state (thumbnail cache).
	// Default: <root>/.dirserve
	StateDir string `json:"stateDir,omitempty"`

	// MaxUploadBytes caps the decoded size of one upload request.
	// Default: DefaultMaxUploadBytes. Set to -1 to disable the cap.
	MaxUploadBytes int64 `json:"maxUploadBytes,omitempty"`

	// ShowHidden includes dot-files in listings and archives.
	// Default: false.
	ShowHidden bool `json:"showHidden,omitempty"`

	// MetricsAddr serves Prometheus metrics on a second listener when set,
	// e.g. "127.0.0.1:9090". A second listener keeps /metrics from shadowing
	// a shared file of the same name. Default: disabled.
	MetricsAddr string `json:"metricsAddr,omitempty"`

	// LogLevel is debug, info, warn or error. Default: info.
	LogLevel string `json:"logLevel,omitempty"`

	// LogFormat is console or json. Default: console.
	LogFormat string `json:"logFormat,omitempty"`

	// NoQR suppresses the scan-to-open QR code printed at startup.
	NoQR bool `json:"noQR,omitempty"`
}

// Load reads a JSON config file.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// UploadLimit returns the effective request body cap; 0 means unlimited.
func (c Config) UploadLimit() int64 {
	switch {
	case c.MaxUploadBytes < 0:
		return 0
	case c.MaxUploadBytes == 0:
		return DefaultMaxUploadBytes
	default:
		return c.MaxUploadBytes
	}
}
