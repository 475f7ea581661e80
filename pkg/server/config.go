package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// TOMLConfig is the on-disk configuration file layout
type TOMLConfig struct {
	Server  TOMLServerConfig  `toml:"server"`
	Limits  TOMLLimitsConfig  `toml:"limits"`
	Metrics TOMLMetricsConfig `toml:"metrics"`
}

type TOMLServerConfig struct {
	TCPPort        int    `toml:"tcp_port"`
	HTTPPort       int    `toml:"http_port"`
	SSHPort        int    `toml:"ssh_port"`
	SSHHostKeyPath string `toml:"ssh_host_key"`
}

type TOMLLimitsConfig struct {
	MaxMessageLength  uint32 `toml:"max_message_length"`
	MaxUsernameLength uint16 `toml:"max_username_length"`
}

type TOMLMetricsConfig struct {
	Port int `toml:"port"`
}

// defaultTOMLConfig returns the baked-in defaults
func defaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: TOMLServerConfig{
			TCPPort:        defaults.TCPPort,
			HTTPPort:       defaults.WSPort,
			SSHPort:        defaults.SSHPort,
			SSHHostKeyPath: defaults.SSHHostKeyPath,
		},
		Limits: TOMLLimitsConfig{
			MaxMessageLength:  defaults.MaxMessageLength,
			MaxUsernameLength: defaults.MaxUsernameLength,
		},
		Metrics: TOMLMetricsConfig{
			Port: defaults.MetricsPort,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default file
// if it doesn't exist. Environment variables override file values.
func LoadConfig(path string) (TOMLConfig, error) {
	config := defaultTOMLConfig()

	expanded := expandPath(path)
	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		if err := writeDefaultConfig(expanded); err != nil {
			// Not fatal: run on defaults
			fmt.Fprintf(os.Stderr, "Warning: could not write default config to %s: %v\n", expanded, err)
		}
	} else if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file %s: %w", expanded, err)
	}

	config.applyEnvOverrides()
	return config, nil
}

// applyEnvOverrides applies CHATRELAY_* environment variable overrides
func (c *TOMLConfig) applyEnvOverrides() {
	if v := os.Getenv("CHATRELAY_TCP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.TCPPort = port
		}
	}
	if v := os.Getenv("CHATRELAY_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("CHATRELAY_SSH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.SSHPort = port
		}
	}
	if v := os.Getenv("CHATRELAY_SSH_HOST_KEY"); v != "" {
		c.Server.SSHHostKeyPath = v
	}
	if v := os.Getenv("CHATRELAY_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
	if v := os.Getenv("CHATRELAY_MAX_MESSAGE_LENGTH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Limits.MaxMessageLength = uint32(n)
		}
	}
	if v := os.Getenv("CHATRELAY_MAX_USERNAME_LENGTH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Limits.MaxUsernameLength = uint16(n)
		}
	}
}

// ToServerConfig converts the file config to the runtime ServerConfig
func (c TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = c.Server.TCPPort
	cfg.WSPort = c.Server.HTTPPort
	cfg.SSHPort = c.Server.SSHPort
	cfg.SSHHostKeyPath = c.Server.SSHHostKeyPath
	cfg.MetricsPort = c.Metrics.Port
	if c.Limits.MaxMessageLength > 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUsernameLength > 0 {
		cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	}
	return cfg
}

// writeDefaultConfig writes a commented default config file
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	content := `# chatrelay server configuration
# Environment variables override these values (CHATRELAY_TCP_PORT, etc.)

[server]
# TCP port for the native binary protocol
tcp_port = 1500
# HTTP port for the WebSocket endpoint (/ws); 0 disables it
http_port = 8080
# SSH transport port; 0 disables it
ssh_port = 1522
ssh_host_key = "~/.chatrelay/ssh_host_key"

[limits]
# Maximum chat message length in bytes
max_message_length = 4096
# Maximum username length in characters
max_username_length = 20

[metrics]
# Prometheus /metrics + /health port. Internal only; 0 disables it.
port = 9090
`

	return os.WriteFile(path, []byte(content), 0644)
}

// expandPath expands a leading ~ to the user's home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
