// Package config loads process settings from the environment.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server holds the settings of the sync server process.
type Server struct {
	Port             int           `env:"PORT" envDefault:"3001"`
	Database         string        `env:"COLAB_DATABASE" envDefault:"colab.sqlite3"`
	AuthSecret       string        `env:"COLAB_AUTH_SECRET"`
	HandshakeTimeout time.Duration `env:"COLAB_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	BackupInterval   time.Duration `env:"COLAB_BACKUP_INTERVAL" envDefault:"5s"`
	ShutdownTimeout  time.Duration `env:"COLAB_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Addr returns the listen address for the configured port.
func (s Server) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

// ParseServer loads Server from the environment.
func ParseServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Server{}, fmt.Errorf("parse env: PORT %d out of range", cfg.Port)
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
