package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/telemyapp/beacon-relay/internal/relay"
)

const envPrefix = "BEACON"

type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	StaticDir   string `envconfig:"STATIC_DIR"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	SendQueueSize int           `envconfig:"SEND_QUEUE_SIZE" default:"64"`
	MaxFrameBytes int64         `envconfig:"MAX_FRAME_BYTES" default:"1048576"`
	WriteTimeout  time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	PongWait      time.Duration `envconfig:"PONG_WAIT" default:"60s"`
	FrameRate     float64       `envconfig:"FRAME_RATE" default:"0"`
	FrameBurst    int           `envconfig:"FRAME_BURST" default:"32"`
	CheckOrigin   bool          `envconfig:"CHECK_ORIGIN" default:"false"`

	JournalRetention time.Duration `envconfig:"JOURNAL_RETENTION" default:"720h"`
	JournalQueueSize int           `envconfig:"JOURNAL_QUEUE_SIZE" default:"256"`
}

// Load reads BEACON_* variables and validates them.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("BEACON_LISTEN_ADDR must not be empty")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("BEACON_SEND_QUEUE_SIZE must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("BEACON_MAX_FRAME_BYTES must be positive")
	}
	if c.WriteTimeout <= 0 || c.PongWait <= 0 {
		return fmt.Errorf("BEACON_WRITE_TIMEOUT and BEACON_PONG_WAIT must be positive")
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("BEACON_FRAME_RATE must not be negative")
	}
	if c.FrameRate > 0 && c.FrameBurst <= 0 {
		return fmt.Errorf("BEACON_FRAME_BURST must be positive when BEACON_FRAME_RATE is set")
	}
	if c.JournalRetention <= 0 {
		return fmt.Errorf("BEACON_JOURNAL_RETENTION must be positive")
	}
	if c.JournalQueueSize <= 0 {
		return fmt.Errorf("BEACON_JOURNAL_QUEUE_SIZE must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("BEACON_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

func (c Config) RelayOptions() relay.Options {
	return relay.Options{
		SendQueueSize: c.SendQueueSize,
		MaxFrameBytes: c.MaxFrameBytes,
		WriteTimeout:  c.WriteTimeout,
		PongWait:      c.PongWait,
		FrameRate:     c.FrameRate,
		FrameBurst:    c.FrameBurst,
	}
}
