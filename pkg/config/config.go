// Package config handles configuration for appium-runner.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the workspace configuration file (config.yaml).
// Zero values mean "not set" and fall through to environment or defaults.
type Config struct {
	// Automation service
	AppiumHost     string `yaml:"appiumHost,omitempty"`
	AppiumPort     int    `yaml:"appiumPort,omitempty"`
	SystemPort     int    `yaml:"systemPort,omitempty"`
	AppiumBin      string `yaml:"appiumBin,omitempty"`
	AppiumLogLevel string `yaml:"appiumLogLevel,omitempty"`
	StatusPath     string `yaml:"statusPath,omitempty"`

	// Application under test
	APKPath     string `yaml:"apkPath,omitempty"`
	AppPackage  string `yaml:"appPackage,omitempty"`
	AppActivity string `yaml:"appActivity,omitempty"`
	DeviceName  string `yaml:"deviceName,omitempty"`

	// Device settings
	AVDName       string `yaml:"avdName,omitempty"`
	EmulatorPorts []int  `yaml:"emulatorPorts,omitempty"`

	// Directories
	ScreenshotDir    string `yaml:"screenshotDir,omitempty"`
	LogDir           string `yaml:"logDir,omitempty"`
	TestResourcesDir string `yaml:"testResourcesDir,omitempty"`
	AllureDir        string `yaml:"allureDir,omitempty"`

	// Timeouts
	StartupTimeout time.Duration `yaml:"startupTimeout,omitempty"`
	BootTimeout    time.Duration `yaml:"bootTimeout,omitempty"`
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return empty config
	return &Config{}, nil
}

// values flattens the set fields into a map keyed by yaml name.
func (c *Config) values() (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
