package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/quantchat/internal/observability"
	"github.com/aixgo-dev/quantchat/pkg/chatlog"
)

const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	// Session identifies the chat log to read and write.
	Session string `yaml:"session"`

	Backend       BackendConfig       `yaml:"backend"`
	ChatLog       chatlog.Config      `yaml:"chatlog"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BackendConfig holds analysis service settings
type BackendConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	UploadConcurrency int           `yaml:"upload_concurrency"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	MetricsPort int                  `yaml:"metrics_port"`
	Tracing     observability.Config `yaml:"tracing"`
}

// Default returns a configuration that runs against an in-memory chat log
func Default() *Config {
	return &Config{
		Session: "default",
		Backend: BackendConfig{
			Timeout:           60 * time.Second,
			RequestsPerSecond: 5,
			Burst:             10,
			UploadConcurrency: 4,
		},
		ChatLog: chatlog.DefaultConfig(),
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			Tracing: observability.Config{
				ServiceName: observability.DefaultServiceName,
				Exporter:    observability.ExporterNone,
			},
		},
	}
}

// LoadConfig loads configuration from a YAML file. An empty path yields the
// defaults. Environment variables fill fields the file leaves unset.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if info.Size() > maxConfigSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, cfg, defaultYAMLLimits); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Backend.URL == "" {
		c.Backend.URL = os.Getenv("QUANTCHAT_BACKEND_URL")
	}
	if v := os.Getenv("QUANTCHAT_SESSION"); v != "" && (c.Session == "" || c.Session == "default") {
		c.Session = v
	}
	if c.ChatLog.Redis.Addr == "" {
		c.ChatLog.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.ChatLog.Firestore.ProjectID == "" {
		c.ChatLog.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.ChatLog.Firestore.CredentialsFile == "" {
		c.ChatLog.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if c.Observability.Tracing.Exporter == "" || c.Observability.Tracing.Exporter == observability.ExporterNone {
		env := observability.ConfigFromEnv()
		if env.Exporter != observability.ExporterNone {
			c.Observability.Tracing = env
		}
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Session == "" {
		c.Session = d.Session
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = d.Backend.Timeout
	}
	if c.Backend.UploadConcurrency == 0 {
		c.Backend.UploadConcurrency = d.Backend.UploadConcurrency
	}
	if c.ChatLog.Store == "" {
		c.ChatLog.Store = chatlog.StoreMemory
	}
	if c.ChatLog.Firestore.AppID == "" {
		c.ChatLog.Firestore.AppID = chatlog.DefaultAppID
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the selected store has what it needs. The backend
// URL is checked only by commands that talk to the service.
func (c *Config) Validate() error {
	var errs []error

	if c.Session == "" {
		errs = append(errs, errors.New("session is required"))
	}
	if c.Backend.URL != "" {
		if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("backend.url %q must be an http(s) URL", c.Backend.URL))
		}
	}
	if c.Backend.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("backend.requests_per_second must not be negative"))
	}
	if c.Backend.UploadConcurrency < 0 {
		errs = append(errs, errors.New("backend.upload_concurrency must not be negative"))
	}

	switch c.ChatLog.Store {
	case chatlog.StoreMemory, chatlog.StoreFile, chatlog.StoreSQLite:
	case chatlog.StoreRedis:
		if c.ChatLog.Redis.Addr == "" {
			errs = append(errs, errors.New("chatlog.redis.addr is required for the redis store"))
		}
	case chatlog.StoreFirestore:
		if c.ChatLog.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("chatlog.firestore.project_id is required for the firestore store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chatlog.store %q", c.ChatLog.Store))
	}

	if p := c.Observability.MetricsPort; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("observability.metrics_port %d out of range", p))
	}

	return errors.Join(errs...)
}

// RequireBackend reports whether the analysis service is configured
func (c *Config) RequireBackend() error {
	if c.Backend.URL == "" {
		return errors.New("backend.url is not set (or export QUANTCHAT_BACKEND_URL)")
	}
	return nil
}
