package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General   GeneralConfig   `toml:"general"`
	Transport TransportConfig `toml:"transport"`
	Store     StoreConfig     `toml:"store"`
	Messaging MessagingConfig `toml:"messaging"`
	Providers ProvidersConfig `toml:"providers"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
}

// TransportConfig selects the command and event transport. "memory" keeps
// everything in process and is meant for tests and local runs.
type TransportConfig struct {
	Kind            string        `toml:"kind"`
	URL             string        `toml:"url"`
	StreamName      string        `toml:"stream_name"`
	EnsureStream    bool          `toml:"ensure_stream"`
	ConnectTimeout  string        `toml:"connect_timeout"`
	ReconnectWait   string        `toml:"reconnect_wait"`
	MaxReconnects   int           `toml:"max_reconnects"`
	ConnectTimeoutD time.Duration `toml:"-"`
	ReconnectWaitD  time.Duration `toml:"-"`
}

type StoreConfig struct {
	Driver            string `toml:"driver"`
	Path              string `toml:"path"`
	SnapshotFrequency uint64 `toml:"snapshot_frequency"`
}

type MessagingConfig struct {
	MessageTimeout  string        `toml:"message_timeout"`
	MaxInflight     int           `toml:"max_inflight"`
	ConflictRetries int           `toml:"conflict_retries"`
	RateLimit       float64       `toml:"rate_limit"` // messages per second per agent, 0 disables
	RateBurst       int           `toml:"rate_burst"`
	MessageTimeoutD time.Duration `toml:"-"`
}

// ProvidersConfig lists the chat providers to register. Order gives their
// routing priority, first is preferred.
type ProvidersConfig struct {
	Order           []string `toml:"order"`
	OllamaAddr      string   `toml:"ollama_addr"`
	OpenAIAPIKey    string   `toml:"openai_api_key"`
	OpenAIBaseURL   string   `toml:"openai_base_url"`
	AnthropicAPIKey string   `toml:"anthropic_api_key"`
	MockEnabled     bool     `toml:"mock_enabled"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
	ServiceName  string `toml:"service_name"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".agentd")

	return &Config{
		General: GeneralConfig{
			DataDir: dataDir,
		},
		Transport: TransportConfig{
			Kind:           "nats",
			URL:            "nats://127.0.0.1:4222",
			StreamName:     "AGENT_EVENTS",
			EnsureStream:   true,
			ConnectTimeout: "5s",
			ReconnectWait:  "2s",
			MaxReconnects:  -1,
		},
		Store: StoreConfig{
			Driver:            "sqlite",
			Path:              filepath.Join(dataDir, "agents.db"),
			SnapshotFrequency: 100,
		},
		Messaging: MessagingConfig{
			MessageTimeout:  "2m",
			MaxInflight:     64,
			ConflictRetries: 3,
			RateBurst:       5,
		},
		Providers: ProvidersConfig{
			Order:      []string{"ollama", "openai", "anthropic"},
			OllamaAddr: "http://localhost:11434",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentd",
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Transport.ConnectTimeoutD, err = time.ParseDuration(c.Transport.ConnectTimeout); err != nil {
		return fmt.Errorf("parse transport.connect_timeout: %w", err)
	}

	if c.Transport.ReconnectWaitD, err = time.ParseDuration(c.Transport.ReconnectWait); err != nil {
		return fmt.Errorf("parse transport.reconnect_wait: %w", err)
	}

	if c.Messaging.MessageTimeoutD, err = time.ParseDuration(c.Messaging.MessageTimeout); err != nil {
		return fmt.Errorf("parse messaging.message_timeout: %w", err)
	}

	c.General.DataDir, err = expandPath(c.General.DataDir)
	if err != nil {
		return fmt.Errorf("expand general.data_dir: %w", err)
	}

	c.Store.Path, err = expandPath(c.Store.Path)
	if err != nil {
		return fmt.Errorf("expand store.path: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "nats":
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for the nats transport")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid transport kind: %s (valid: nats, memory)", c.Transport.Kind)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store driver: %s (valid: sqlite, memory)", c.Store.Driver)
	}

	if c.Messaging.MaxInflight < 1 {
		return fmt.Errorf("max_inflight must be at least 1, got %d", c.Messaging.MaxInflight)
	}

	if c.Messaging.ConflictRetries < 0 {
		return fmt.Errorf("conflict_retries cannot be negative, got %d", c.Messaging.ConflictRetries)
	}

	if c.Messaging.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %g", c.Messaging.RateLimit)
	}

	if c.Messaging.RateLimit > 0 && c.Messaging.RateBurst < 1 {
		return fmt.Errorf("rate_burst must be at least 1 when rate_limit is set, got %d", c.Messaging.RateBurst)
	}

	if c.Messaging.MessageTimeoutD < 0 {
		return fmt.Errorf("message_timeout cannot be negative, got %s", c.Messaging.MessageTimeout)
	}

	validProviders := map[string]bool{"ollama": true, "openai": true, "anthropic": true, "mock": true}
	for _, p := range c.Providers.Order {
		if !validProviders[strings.ToLower(p)] {
			return fmt.Errorf("invalid provider in providers.order: %s (valid: ollama, openai, anthropic, mock)", p)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

// ApplyEnvOverrides applies environment variables on top of cfg. The
// unprefixed NATS_URL, STREAM_NAME, SNAPSHOT_FREQUENCY and LOG_LEVEL are
// applied first so the AGENTD_* forms win when both are set.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("STREAM_NAME"); v != "" {
		cfg.Transport.StreamName = v
	}
	if v := os.Getenv("SNAPSHOT_FREQUENCY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Store.SnapshotFrequency = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("AGENTD_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("AGENTD_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("AGENTD_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("AGENTD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGENTD_MESSAGE_TIMEOUT"); v != "" {
		cfg.Messaging.MessageTimeout = v
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("AGENTD_OLLAMA_ADDR"); v != "" {
		cfg.Providers.OllamaAddr = v
	}
	if v := os.Getenv("AGENTD_MOCK_PROVIDER"); v != "" {
		cfg.Providers.MockEnabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("AGENTD_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}

	// Provider credentials use the names the vendors document.
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Providers.OpenAIBaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
