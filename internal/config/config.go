package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig   `yaml:"device"`
	Link      LinkConfig     `yaml:"link"`
	Transfer  TransferConfig `yaml:"transfer"`
	Store     StoreConfig    `yaml:"store"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig identifies the gateway and its GATT service.
type DeviceConfig struct {
	Address      string `yaml:"address"` // MAC or CoreBluetooth UUID
	ServiceUUID  string `yaml:"service_uuid"`
	CommandUUID  string `yaml:"command_uuid"`
	DataUUID     string `yaml:"data_uuid"`
	ProgressUUID string `yaml:"progress_uuid"`
}

// LinkConfig holds BLE connection settings.
type LinkConfig struct {
	MTU               int           `yaml:"mtu"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	WriteDelay        time.Duration `yaml:"write_delay"`
}

// TransferConfig holds file transfer settings.
type TransferConfig struct {
	HandshakeDelay   time.Duration `yaml:"handshake_delay"`
	ChunkDelay       time.Duration `yaml:"chunk_delay"`
	CompleteTimeout  time.Duration `yaml:"complete_timeout"`
	MaxUploadSize    int64         `yaml:"max_upload_size"`
	StrictChunkOrder bool          `yaml:"strict_chunk_order"`
	DownloadDir      string        `yaml:"download_dir"`
}

// StoreConfig locates the history database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig holds the optional event bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "lorafs")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ServiceUUID:  "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
			CommandUUID:  "beb5483e-36e1-4688-b7f5-ea07361b26a8",
			DataUUID:     "beb5483e-36e1-4688-b7f5-ea07361b26a9",
			ProgressUUID: "beb5483e-36e1-4688-b7f5-ea07361b26aa",
		},
		Link: LinkConfig{
			MTU:               517,
			ConnectTimeout:    10 * time.Second,
			ReconnectAttempts: 3,
			ReconnectDelay:    3 * time.Second,
			WriteDelay:        50 * time.Millisecond,
		},
		Transfer: TransferConfig{
			HandshakeDelay:  500 * time.Millisecond,
			ChunkDelay:      100 * time.Millisecond,
			CompleteTimeout: 500 * time.Millisecond,
			MaxUploadSize:   1_500_000,
			DownloadDir:     expandTilde("~/Downloads/HeltecDownloads"),
		},
		Store: StoreConfig{
			Path: expandTilde("~/.local/share/lorafs/history.db"),
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "lorafs",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Transfer.DownloadDir = expandTilde(cfg.Transfer.DownloadDir)
	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	for name, id := range map[string]string{
		"device.service_uuid":  c.Device.ServiceUUID,
		"device.command_uuid":  c.Device.CommandUUID,
		"device.data_uuid":     c.Device.DataUUID,
		"device.progress_uuid": c.Device.ProgressUUID,
	} {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q", name, id)
		}
	}

	if c.Link.MTU < 23 || c.Link.MTU > 517 {
		return fmt.Errorf("link.mtu must be between 23 and 517, got %d", c.Link.MTU)
	}
	if c.Link.ConnectTimeout <= 0 {
		return fmt.Errorf("link.connect_timeout must be > 0")
	}
	if c.Link.ReconnectAttempts < 0 {
		return fmt.Errorf("link.reconnect_attempts must be >= 0")
	}
	if c.Link.ReconnectDelay < 0 || c.Link.WriteDelay < 0 {
		return fmt.Errorf("link delays must be >= 0")
	}

	if c.Transfer.HandshakeDelay < 0 || c.Transfer.ChunkDelay < 0 || c.Transfer.CompleteTimeout < 0 {
		return fmt.Errorf("transfer delays must be >= 0")
	}
	if c.Transfer.MaxUploadSize <= 0 {
		return fmt.Errorf("transfer.max_upload_size must be > 0")
	}
	if c.Transfer.DownloadDir == "" {
		return fmt.Errorf("transfer.download_dir must not be empty")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must be set when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// ParseLogLevel maps a log_level value to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
}

const defaultConfigYAML = `# lorafs configuration

device:
  # MAC address (Linux/Windows) or CoreBluetooth UUID (macOS).
  # Run "lorafs scan" to find it.
  address: ""
  service_uuid: 4fafc201-1fb5-459e-8fcc-c5c9c331914b
  command_uuid: beb5483e-36e1-4688-b7f5-ea07361b26a8
  data_uuid: beb5483e-36e1-4688-b7f5-ea07361b26a9
  progress_uuid: beb5483e-36e1-4688-b7f5-ea07361b26aa

link:
  mtu: 517
  connect_timeout: 10s
  reconnect_attempts: 3
  reconnect_delay: 3s
  write_delay: 50ms

transfer:
  handshake_delay: 500ms
  chunk_delay: 100ms
  complete_timeout: 500ms
  max_upload_size: 1500000
  strict_chunk_order: false
  download_dir: ~/Downloads/HeltecDownloads

store:
  path: ~/.local/share/lorafs/history.db

mqtt:
  enabled: false
  broker: tcp://localhost:1883
  username: ""
  password: ""
  topic_prefix: lorafs

log_level: info
log_format: text
`

// WriteDefault writes the default config file and returns its path. It
// returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
