package robot

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultConfigFile = "lerobot.json"

// Default server settings.
const (
	DefaultListen          = ":8000"
	DefaultRecordingsDir   = "data/recordings"
	DefaultSampleRate      = 50
	DefaultStateRate       = 20
	DefaultCallTimeout     = 2 * time.Second
	DefaultCalibrationRate = 10
)

// Config holds the robot configuration
type Config struct {
	Server ServerConfig  `json:"server"`
	Robots []RobotConfig `json:"robots"`
}

// ServerConfig holds settings for the session server
type ServerConfig struct {
	Listen        string `json:"listen,omitempty"`
	RecordingsDir string `json:"recordings_dir,omitempty"`
	// SampleRate is the recording capture rate in Hz.
	SampleRate int `json:"sample_rate,omitempty"`
	// StateRate is the control channel push rate in Hz.
	StateRate int `json:"state_rate,omitempty"`
	// CalibrationRate is the calibration sampler rate in Hz.
	CalibrationRate int `json:"calibration_rate,omitempty"`
	// CallTimeout bounds every driver call.
	CallTimeout Duration `json:"call_timeout,omitempty"`
}

// RobotConfig holds configuration for a single arm
type RobotConfig struct {
	ID          string      `json:"id"`
	Type        Type        `json:"robot_type"`
	Port        string      `json:"port"`
	Nickname    string      `json:"nickname,omitempty"`
	Notes       string      `json:"notes,omitempty"`
	Calibration Calibration `json:"calibration,omitempty"`
}

// IsCalibrated returns true if the arm has calibration data
func (a *RobotConfig) IsCalibrated() bool {
	return len(a.Calibration) > 0
}

// ValidateName checks that an id can be used as a single file or directory
// name: not empty, no path separators, no leading dot.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("name is empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return errors.Errorf("%q must not contain path separators or start with a dot", name)
	}
	return nil
}

// Validate checks the fields required to create a session.
func (a *RobotConfig) Validate() error {
	if a.ID == "" {
		return errors.New("robot id is required")
	}
	if err := ValidateName(a.ID); err != nil {
		return errors.Wrap(err, "robot id")
	}
	if !a.Type.Valid() {
		return errors.Wrapf(ErrUnsupportedType, "%q", a.Type)
	}
	if a.Port == "" && a.Type != TypeSim {
		return errors.New("port is required")
	}
	return nil
}

// Defaults returns a copy of s with zero values replaced by defaults.
func (s ServerConfig) Defaults() ServerConfig {
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.RecordingsDir == "" {
		s.RecordingsDir = DefaultRecordingsDir
	}
	if s.SampleRate <= 0 {
		s.SampleRate = DefaultSampleRate
	}
	if s.StateRate <= 0 {
		s.StateRate = DefaultStateRate
	}
	if s.CalibrationRate <= 0 {
		s.CalibrationRate = DefaultCalibrationRate
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = Duration(DefaultCallTimeout)
	}
	return s
}

// Duration is a time.Duration encoded as a string such as "2s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Robot returns the configuration of the robot with the given id.
func (c *Config) Robot(id string) (*RobotConfig, bool) {
	for i := range c.Robots {
		if c.Robots[i].ID == id {
			return &c.Robots[i], true
		}
	}
	return nil, false
}

// LoadConfigFrom loads configuration from a specific file
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &cfg, nil
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExistsAt returns true if the config file at path exists
func ConfigExistsAt(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ConfigStore serializes updates to a config file shared by request handlers.
type ConfigStore struct {
	path string

	mu  sync.Mutex
	cfg *Config
}

// OpenConfigStore loads path, starting from an empty config if it does not exist.
func OpenConfigStore(path string) (*ConfigStore, error) {
	cfg := &Config{}
	if ConfigExistsAt(path) {
		loaded, err := LoadConfigFrom(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return &ConfigStore{path: path, cfg: cfg}, nil
}

// Server returns the server settings with defaults applied.
func (s *ConfigStore) Server() ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Server.Defaults()
}

// Robots returns a copy of the configured robots.
func (s *ConfigStore) Robots() []RobotConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RobotConfig, len(s.cfg.Robots))
	copy(out, s.cfg.Robots)
	return out
}

// PutRobot inserts or replaces a robot and saves the file.
func (s *ConfigStore) PutRobot(rc RobotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cfg.Robot(rc.ID); ok {
		*existing = rc
	} else {
		s.cfg.Robots = append(s.cfg.Robots, rc)
	}
	return s.cfg.SaveTo(s.path)
}

// UpdateRobot applies fn to the stored robot and saves the file.
func (s *ConfigStore) UpdateRobot(id string, fn func(*RobotConfig)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.cfg.Robot(id)
	if !ok {
		return errors.Errorf("robot %s not in config", id)
	}
	fn(rc)
	return s.cfg.SaveTo(s.path)
}

// RemoveRobot deletes a robot and saves the file. Unknown ids are ignored.
func (s *ConfigStore) RemoveRobot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.cfg.Robots[:0]
	for _, rc := range s.cfg.Robots {
		if rc.ID != id {
			kept = append(kept, rc)
		}
	}
	s.cfg.Robots = kept
	return s.cfg.SaveTo(s.path)
}

// SaveCalibration stores a calibration record for a robot.
func (s *ConfigStore) SaveCalibration(id string, cal Calibration) error {
	return s.UpdateRobot(id, func(rc *RobotConfig) {
		rc.Calibration = cal
	})
}
