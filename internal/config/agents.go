package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// AgentConfig is one entry of the per-agent configuration document. Extra
// map keys not named here (com_port, baudrate, sensor_ip, usb_mount_path,
// simulate, ...) are device-specific and live in Extra so this struct
// never needs to change shape when a new device driver is added.
type AgentConfig struct {
	LocalPort           *int    `yaml:"local_port,omitempty"`
	ManagerPort         *int    `yaml:"manager_port,omitempty"`
	HWConnectionRetries *int    `yaml:"hw_connection_retries,omitempty"`
	OutputFileName      *string `yaml:"output_file_name,omitempty"`
	Extra               map[string]any `yaml:",inline"`
}

func (a AgentConfig) GetLocalPort() int {
	if a.LocalPort == nil {
		return 0
	}
	return *a.LocalPort
}

func (a AgentConfig) GetManagerPort() int {
	if a.ManagerPort == nil {
		return a.GetLocalPort()
	}
	return *a.ManagerPort
}

func (a AgentConfig) GetHWConnectionRetries() int {
	if a.HWConnectionRetries == nil {
		return 5
	}
	return *a.HWConnectionRetries
}

func (a AgentConfig) GetOutputFileName(fallback string) string {
	if a.OutputFileName == nil || *a.OutputFileName == "" {
		return fallback
	}
	return *a.OutputFileName
}

// String returns a device-specific string key from Extra, or def if absent.
func (a AgentConfig) String(key, def string) string {
	if v, ok := a.Extra[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns a device-specific integer key from Extra, or def if absent.
func (a AgentConfig) Int(key string, def int) int {
	if v, ok := a.Extra[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		}
	}
	return def
}

// Bool returns a device-specific boolean key from Extra, or def if absent.
func (a AgentConfig) Bool(key string, def bool) bool {
	if v, ok := a.Extra[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// AgentsConfig is the full per-agent configuration document, keyed by
// agent name (e.g. "os1_lidar", "gps", "atmega").
type AgentsConfig map[string]AgentConfig

// LoadAgentsConfig reads the per-agent configuration document.
func LoadAgentsConfig(path string) (AgentsConfig, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	var cfg AgentsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agents config %s: %w", path, err)
	}
	return cfg, nil
}

// For retrieves the configuration for a single agent name, returning an
// empty (all-default) AgentConfig if the document doesn't mention it.
func (c AgentsConfig) For(name string) AgentConfig {
	if cfg, ok := c[name]; ok {
		return cfg
	}
	return AgentConfig{}
}
