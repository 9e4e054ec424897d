// Package config provides YAML-based configuration for the machine bridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the root configuration structure.
type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Channel   ChannelConfig   `yaml:"channel"`
	Machine   MachineConfig   `yaml:"machine"`
	Emulation EmulationConfig `yaml:"emulation"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig contains HTTP server settings for the UI-facing API.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bindAddress"`
	EnableCORS   bool   `yaml:"enableCors"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds"`
	BodyLimit    string `yaml:"bodyLimit"`
}

// ChannelConfig contains message channel authentication settings.
type ChannelConfig struct {
	Token              string   `yaml:"token"`
	AllowedCIDRs       []string `yaml:"allowedCidrs"`
	EnableRemoteAccess bool     `yaml:"enableRemoteAccess"`
}

// MachineConfig contains transport adapter tuning.
type MachineConfig struct {
	HeartbeatIntervalSeconds     int `yaml:"heartbeatIntervalSeconds"`
	EnclosurePollIntervalSeconds int `yaml:"enclosurePollIntervalSeconds"`
	RequestTimeoutSeconds        int `yaml:"requestTimeoutSeconds"`
	PrintTimeoutSeconds          int `yaml:"printTimeoutSeconds"`
}

// EmulationConfig contains the embedded third-party protocol servers.
type EmulationConfig struct {
	OctoPrintPort int `yaml:"octoprintPort"`
	MoonrakerPort int `yaml:"moonrakerPort"`
	MaxUploadMB   int `yaml:"maxUploadMb"`
}

// StorageConfig contains file locations for persisted state.
type StorageConfig struct {
	DataDirectory  string `yaml:"dataDirectory"`
	TokenStoreFile string `yaml:"tokenStoreFile"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8180,
			BindAddress:  "127.0.0.1",
			EnableCORS:   true,
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "128M",
		},
		Channel: ChannelConfig{
			AllowedCIDRs: []string{"127.0.0.0/8", "::1/128"},
		},
		Machine: MachineConfig{
			HeartbeatIntervalSeconds:     1,
			EnclosurePollIntervalSeconds: 1,
			RequestTimeoutSeconds:        5,
			PrintTimeoutSeconds:          120,
		},
		Emulation: EmulationConfig{
			OctoPrintPort: 5000,
			MoonrakerPort: 7125,
			MaxUploadMB:   64,
		},
		Storage: StorageConfig{
			DataDirectory:  "./data",
			TokenStoreFile: "machines.msgpack",
		},
	}
}

// Load reads the YAML config at path, falling back to defaults for a missing
// file and overlaying defaults for any zero-valued section fields.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Re-apply defaults for fields a partial file left zeroed.
	def := DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.BindAddress == "" {
		cfg.Server.BindAddress = def.Server.BindAddress
	}
	if cfg.Machine.HeartbeatIntervalSeconds == 0 {
		cfg.Machine.HeartbeatIntervalSeconds = def.Machine.HeartbeatIntervalSeconds
	}
	if cfg.Machine.EnclosurePollIntervalSeconds == 0 {
		cfg.Machine.EnclosurePollIntervalSeconds = def.Machine.EnclosurePollIntervalSeconds
	}
	if cfg.Machine.RequestTimeoutSeconds == 0 {
		cfg.Machine.RequestTimeoutSeconds = def.Machine.RequestTimeoutSeconds
	}
	if cfg.Machine.PrintTimeoutSeconds == 0 {
		cfg.Machine.PrintTimeoutSeconds = def.Machine.PrintTimeoutSeconds
	}
	if cfg.Emulation.OctoPrintPort == 0 {
		cfg.Emulation.OctoPrintPort = def.Emulation.OctoPrintPort
	}
	if cfg.Emulation.MoonrakerPort == 0 {
		cfg.Emulation.MoonrakerPort = def.Emulation.MoonrakerPort
	}
	if cfg.Emulation.MaxUploadMB == 0 {
		cfg.Emulation.MaxUploadMB = def.Emulation.MaxUploadMB
	}
	if cfg.Storage.DataDirectory == "" {
		cfg.Storage.DataDirectory = def.Storage.DataDirectory
	}
	if cfg.Storage.TokenStoreFile == "" {
		cfg.Storage.TokenStoreFile = def.Storage.TokenStoreFile
	}
	if len(cfg.Channel.AllowedCIDRs) == 0 {
		cfg.Channel.AllowedCIDRs = def.Channel.AllowedCIDRs
	}

	return cfg, nil
}

// EnsureDirectories creates the data directory tree if missing.
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		filepath.Join(c.Storage.DataDirectory, "uploads"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

// GetServerAddr returns the host:port the API server binds to.
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// GetTokenStorePath returns the absolute path of the token store file.
func (c *AppConfig) GetTokenStorePath() string {
	return filepath.Join(c.Storage.DataDirectory, c.Storage.TokenStoreFile)
}

// GetUploadDir returns the spool directory for emulation uploads.
func (c *AppConfig) GetUploadDir() string {
	return filepath.Join(c.Storage.DataDirectory, "uploads")
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *AppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Machine.HeartbeatIntervalSeconds) * time.Second
}

// RequestTimeout returns the control call timeout as a duration.
func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Machine.RequestTimeoutSeconds) * time.Second
}

// PrintTimeout returns the print-lifecycle call timeout as a duration.
func (c *AppConfig) PrintTimeout() time.Duration {
	return time.Duration(c.Machine.PrintTimeoutSeconds) * time.Second
}
