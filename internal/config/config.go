package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"proctorhub/internal/provider"
	"proctorhub/internal/remote"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PROCTORHUB_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database   *DatabaseConfig   `json:"database" yaml:"database"`
	HTTP       *HTTPConfig       `json:"http" yaml:"http"`
	WebSocket  *WebSocketConfig  `json:"websocket" yaml:"websocket"`
	Proctoring *ProctoringConfig `json:"proctoring" yaml:"proctoring"`
	Providers  *provider.Config  `json:"providers" yaml:"providers"`
	Remote     *remote.Config    `json:"remote" yaml:"remote"`
	Crypto     *CryptoConfig     `json:"crypto" yaml:"crypto"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Path           string        `json:"path" yaml:"path"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	BusyRetryDelay time.Duration `json:"busy_retry_delay" yaml:"busy_retry_delay"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	Host         string        `json:"host" yaml:"host"`
}

// WebSocketConfig configures the exam client channel
type WebSocketConfig struct {
	PingInterval             time.Duration `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout              time.Duration `json:"read_timeout" yaml:"read_timeout"`
	MaxInstructionsPerMinute int           `json:"max_instructions_per_minute" yaml:"max_instructions_per_minute"`
}

// ProctoringConfig configures the background pass and instruction delivery
type ProctoringConfig struct {
	UpdateInterval     time.Duration `json:"update_interval" yaml:"update_interval"`
	RetryInterval      time.Duration `json:"retry_interval" yaml:"retry_interval"`
	SendBroadcastReset bool          `json:"send_broadcast_reset" yaml:"send_broadcast_reset"`
}

// CryptoConfig locates the key that seals stored provider secrets
type CryptoConfig struct {
	IdentityPath string `json:"identity_path" yaml:"identity_path"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; the WebSocket read deadline
// is twice the ping interval
func DefaultConfig() *Config {
	providers := provider.DefaultConfig()
	remoteCfg := remote.DefaultConfig()
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/proctorhub.db",
			Timeout:        30 * time.Second,
			BusyRetryDelay: 250 * time.Millisecond,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:             30 * time.Second,
			ReadTimeout:              60 * time.Second,
			MaxInstructionsPerMinute: 100,
		},
		Proctoring: &ProctoringConfig{
			UpdateInterval:     15 * time.Second,
			RetryInterval:      30 * time.Second,
			SendBroadcastReset: true,
		},
		Providers: &providers,
		Remote:    &remoteCfg,
		Crypto: &CryptoConfig{
			IdentityPath: "./data/identity.age",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.BusyRetryDelay < 0 {
		return fmt.Errorf("database busy retry delay cannot be negative")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.MaxInstructionsPerMinute <= 0 {
		return fmt.Errorf("WebSocket instruction rate limit must be positive")
	}

	if c.Proctoring == nil {
		return fmt.Errorf("proctoring configuration is required")
	}
	if c.Proctoring.UpdateInterval <= 0 {
		return fmt.Errorf("proctoring update interval must be positive")
	}
	if c.Proctoring.RetryInterval <= 0 {
		return fmt.Errorf("instruction retry interval must be positive")
	}

	if c.Providers == nil {
		return fmt.Errorf("providers configuration is required")
	}
	if c.Providers.SPS.AccessPrefix == "" {
		return fmt.Errorf("SPS access prefix cannot be empty")
	}

	if c.Remote == nil {
		return fmt.Errorf("remote configuration is required")
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}

	if c.Crypto == nil || c.Crypto.IdentityPath == "" {
		return fmt.Errorf("crypto identity path cannot be empty")
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envDuration("DATABASE_BUSY_RETRY_DELAY", &config.Database.BusyRetryDelay)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envInt("WEBSOCKET_MAX_INSTRUCTIONS_PER_MINUTE", &config.WebSocket.MaxInstructionsPerMinute)

	envDuration("PROCTORING_UPDATE_INTERVAL", &config.Proctoring.UpdateInterval)
	envDuration("PROCTORING_RETRY_INTERVAL", &config.Proctoring.RetryInterval)
	envBool("PROCTORING_SEND_BROADCAST_RESET", &config.Proctoring.SendBroadcastReset)

	envDuration("REMOTE_REQUEST_TIMEOUT", &config.Remote.RequestTimeout)
	envDuration("REMOTE_OPEN_DURATION", &config.Remote.OpenDuration)
	envDuration("REMOTE_TOKEN_REFRESH_SKEW", &config.Remote.TokenRefreshSkew)
	envInt("REMOTE_CACHE_SIZE", &config.Remote.CacheSize)
	if v := os.Getenv(EnvPrefix + "REMOTE_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			config.Remote.FailureThreshold = uint32(n)
		}
	}

	envBool("ZOOM_ENABLE_WAITING_ROOM", &config.Providers.Zoom.EnableWaitingRoom)
	envBool("ZOOM_SEND_REJOIN_FOR_COLLECTING_ROOM", &config.Providers.Zoom.SendRejoinForCollectingRoom)
	envString("SPS_ACCESS_PREFIX", &config.Providers.SPS.AccessPrefix)

	envString("CRYPTO_IDENTITY_PATH", &config.Crypto.IdentityPath)
}

// FUNCTIONAL DISCOVERY: Unparseable values are ignored so a typo falls back
// to the default instead of aborting startup
func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadFromFile reads a .json, .jsonc, .yaml or .yml file over the defaults.
// Durations are written as strings ("15s", "2m").
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := decodeInto(config, path, data); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return config, nil
}

// decodeInto overlays the file on config; absent keys keep their values
func decodeInto(config *Config, path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json", ".jsonc":
		// TECHNICAL DISCOVERY: JSON documents are normalized through YAML so
		// duration strings decode the same way in both formats
		var doc map[string]interface{}
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return err
		}
		normalized, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(normalized, config)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// Enables flexible deployment patterns while maintaining sane defaults
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// A missing file is not an error - environment/defaults still work
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := decodeInto(config, path, data); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}
