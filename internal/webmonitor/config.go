package webmonitor

import (
	"path/filepath"
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr              string
	AssetsDir         string
	DeviceID          string
	KeepAliveInterval time.Duration
	LogLines          int
	MaxBodyBytes      int64
}

// DefaultConfig returns the standard web monitor settings.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		AssetsDir:         filepath.Clean("./static"),
		KeepAliveInterval: 30 * time.Second,
		LogLines:          100,
		MaxBodyBytes:      1 << 20,
	}
}
