package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string     `toml:"default_session"`
	Server         Server     `toml:"server"`
	Sync           Sync       `toml:"sync"`
	Optimizer      Optimizer  `toml:"optimizer"`
	Background     Background `toml:"background"`
	Broadcast      Broadcast  `toml:"broadcast"`
	Metrics        Metrics    `toml:"metrics"`
}

// DefaultMaxAttachmentBytes bounds the decoded inline attachments of one message.
const DefaultMaxAttachmentBytes = 32 << 20

// Server is the chat backend the outbox drains into.
type Server struct {
	BaseURL            string   `toml:"base_url"`
	Timeout            Duration `toml:"timeout"`
	MaxAttachmentBytes int      `toml:"max_attachment_bytes"`
}

type Sync struct {
	QueueSize     int      `toml:"queue_size"`
	AutoSync      bool     `toml:"auto_sync"`
	ProbeInterval Duration `toml:"probe_interval"`
	ActiveChat    string   `toml:"active_chat"`
}

type Optimizer struct {
	Quality   float64 `toml:"quality"`
	MaxWidth  int     `toml:"max_width"`
	MaxPixels int     `toml:"max_pixels"`
}

// Background configures deferred sync through RabbitMQ. An empty URL disables it.
type Background struct {
	AMQPURL string   `toml:"amqp_url"`
	Queue   string   `toml:"queue"`
	Delay   Duration `toml:"delay"`
}

// Broadcast configures the cross-process status channel. An empty URL keeps
// status updates local.
type Broadcast struct {
	RedisURL string `toml:"redis_url"`
	Channel  string `toml:"channel"`
}

// Metrics configures the Prometheus listener. An empty address disables it.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			BaseURL: "http://localhost:8080/api",
			Timeout: Duration{30 * time.Second},

			MaxAttachmentBytes: DefaultMaxAttachmentBytes,
		},
		Sync: Sync{
			QueueSize:     64,
			AutoSync:      true,
			ProbeInterval: Duration{15 * time.Second},
		},
		Optimizer: Optimizer{
			Quality:   0.8,
			MaxWidth:  1200,
			MaxPixels: 40_000_000,
		},
		Background: Background{
			Queue: "chatsync.triggers",
			Delay: Duration{30 * time.Second},
		},
		Broadcast: Broadcast{
			Channel: "sync-status",
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads path if it exists, then applies .env and CHATSYNC_*
// environment overrides.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	// Load .env file if it exists (for development)
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.DefaultSession, "CHATSYNC_SESSION")
	setString(&cfg.Server.BaseURL, "CHATSYNC_BASE_URL")
	setDuration(&cfg.Server.Timeout, "CHATSYNC_TIMEOUT")
	setInt(&cfg.Server.MaxAttachmentBytes, "CHATSYNC_MAX_ATTACHMENT_BYTES")
	setInt(&cfg.Sync.QueueSize, "CHATSYNC_QUEUE_SIZE")
	setBool(&cfg.Sync.AutoSync, "CHATSYNC_AUTO_SYNC")
	setDuration(&cfg.Sync.ProbeInterval, "CHATSYNC_PROBE_INTERVAL")
	setString(&cfg.Sync.ActiveChat, "CHATSYNC_ACTIVE_CHAT")
	setInt(&cfg.Optimizer.MaxWidth, "CHATSYNC_MAX_WIDTH")
	setInt(&cfg.Optimizer.MaxPixels, "CHATSYNC_MAX_PIXELS")
	if v := os.Getenv("CHATSYNC_QUALITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Optimizer.Quality = f
		}
	}
	setString(&cfg.Background.AMQPURL, "CHATSYNC_AMQP_URL")
	setString(&cfg.Background.Queue, "CHATSYNC_AMQP_QUEUE")
	setDuration(&cfg.Background.Delay, "CHATSYNC_AMQP_DELAY")
	setString(&cfg.Broadcast.RedisURL, "CHATSYNC_REDIS_URL")
	setString(&cfg.Broadcast.Channel, "CHATSYNC_BROADCAST_CHANNEL")
	setString(&cfg.Metrics.Addr, "CHATSYNC_METRICS_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
