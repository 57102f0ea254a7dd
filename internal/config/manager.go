// Package config loads the two YAML documents FRAICAP is configured
// from: the coordinator's own config and the per-agent config map. Both
// follow the same pointer-field-with-default-getter idiom so partial
// documents are safe — an omitted key falls back to a sane default
// rather than a zero value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB, same ceiling the teacher's config loader used

// UseAgents lists which device agents the coordinator should spawn.
type UseAgents struct {
	OS1Lidar *bool `yaml:"os1_lidar,omitempty"`
	OS1IMU   *bool `yaml:"os1_imu,omitempty"`
	GPS      *bool `yaml:"gps,omitempty"`
	Camera   *bool `yaml:"camera,omitempty"`
	IMU      *bool `yaml:"imu,omitempty"`
	ATMEGA   *bool `yaml:"atmega,omitempty"`
	Inet     *bool `yaml:"inet,omitempty"`
	DataCopy *bool `yaml:"data_copy,omitempty"`
}

func enabled(p *bool) bool { return p != nil && *p }

func (u UseAgents) Enabled(name string) bool {
	switch name {
	case "os1_lidar":
		return enabled(u.OS1Lidar)
	case "os1_imu":
		return enabled(u.OS1IMU)
	case "gps":
		return enabled(u.GPS)
	case "camera":
		return enabled(u.Camera)
	case "imu":
		return enabled(u.IMU)
	case "atmega":
		return enabled(u.ATMEGA)
	case "inet":
		return enabled(u.Inet)
	case "data_copy":
		return enabled(u.DataCopy)
	default:
		return false
	}
}

// Names returns the full, fixed list of agent names the coordinator
// knows how to spawn, in a stable order.
func Names() []string {
	return []string{"os1_lidar", "os1_imu", "gps", "camera", "imu", "atmega", "inet", "data_copy"}
}

// CriticalAgents are the agents that must reach STAND_BY before the
// coordinator leaves STARTING (spec §4.4).
func CriticalAgents() []string {
	return []string{"os1_lidar", "atmega"}
}

// CriticalAgentsContain reports whether name is one of the critical
// agents.
func CriticalAgentsContain(name string) bool {
	for _, n := range CriticalAgents() {
		if n == name {
			return true
		}
	}
	return false
}

// CaptureConfig holds the segmentation engine's tunables.
type CaptureConfig struct {
	OutputPath        *string  `yaml:"output_path,omitempty"`
	SplittingDistance *float64 `yaml:"splitting_distance,omitempty"`
	SplittingTime     *float64 `yaml:"splitting_time,omitempty"`
	PauseSpeed        *float64 `yaml:"pause_speed,omitempty"`
	ResumeSpeed       *float64 `yaml:"resume_speed,omitempty"`
}

func (c CaptureConfig) GetOutputPath() string {
	if c.OutputPath == nil || *c.OutputPath == "" {
		return "./capture"
	}
	return *c.OutputPath
}

func (c CaptureConfig) GetSplittingDistance() float64 {
	if c.SplittingDistance == nil {
		return 500.0 // metres
	}
	return *c.SplittingDistance
}

func (c CaptureConfig) GetSplittingTime() time.Duration {
	if c.SplittingTime == nil {
		return 5 * time.Minute
	}
	return time.Duration(*c.SplittingTime * float64(time.Second))
}

func (c CaptureConfig) GetPauseSpeed() float64 {
	if c.PauseSpeed == nil {
		return 1.5 // m/s
	}
	return *c.PauseSpeed
}

func (c CaptureConfig) GetResumeSpeed() float64 {
	if c.ResumeSpeed == nil {
		return 2.5 // m/s
	}
	return *c.ResumeSpeed
}

func (c CaptureConfig) Validate() error {
	if c.SplittingDistance != nil && *c.SplittingDistance <= 0 {
		return fmt.Errorf("capture.splitting_distance must be positive, got %v", *c.SplittingDistance)
	}
	if c.PauseSpeed != nil && c.ResumeSpeed != nil && *c.PauseSpeed >= *c.ResumeSpeed {
		return fmt.Errorf("capture.pause_speed (%v) must be less than capture.resume_speed (%v)", *c.PauseSpeed, *c.ResumeSpeed)
	}
	return nil
}

type SQLiteConfig struct {
	DBFile *string `yaml:"db_file,omitempty"`
}

func (s SQLiteConfig) GetDBFile() string {
	if s.DBFile == nil || *s.DBFile == "" {
		return "fraicap.db"
	}
	return *s.DBFile
}

// LoggingConfig mirrors the teacher's "standard logging config" surface:
// a level and an optional destination file. FRAICAP's own logging
// plumbing (internal/monitoring) only needs these two knobs.
type LoggingConfig struct {
	Level *string `yaml:"level,omitempty"`
	File  *string `yaml:"file,omitempty"`
}

func (l LoggingConfig) GetLevel() string {
	if l.Level == nil || *l.Level == "" {
		return "info"
	}
	return *l.Level
}

// ManagerConfig is the coordinator's configuration document.
type ManagerConfig struct {
	UseAgents UseAgents     `yaml:"use_agents"`
	Capture   CaptureConfig `yaml:"capture"`
	SQLite    SQLiteConfig  `yaml:"sqlite"`
	Logging   LoggingConfig `yaml:"logging"`
}

func (c *ManagerConfig) Validate() error {
	return c.Capture.Validate()
}

// LoadManagerConfig reads and validates the coordinator config document.
func LoadManagerConfig(path string) (*ManagerConfig, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ManagerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse manager config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager config %s: %w", path, err)
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("stat config file %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s too large: %d bytes (max %d)", path, info.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return data, nil
}
