package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings is the resolved runtime configuration.
//
// Precedence, highest first: environment variables, config.yaml, defaults.
type Settings struct {
	AppiumHost     string
	AppiumPort     int
	SystemPort     int
	AppiumBin      string
	AppiumLogLevel string
	StatusPath     string

	APKPath     string
	AppPackage  string
	AppActivity string
	DeviceName  string

	AVDName       string
	EmulatorPorts []int

	ScreenshotDir    string
	LogDir           string
	TestResourcesDir string
	AllureDir        string

	StartupTimeout time.Duration
	BootTimeout    time.Duration

	// CorrelationID ties log lines and spans of one run together.
	CorrelationID string
}

type setting struct {
	key string
	env string
	def interface{}
}

// Keys are the yaml names from Config; env names follow the original tooling.
var settings = []setting{
	{"appiumHost", "APPIUM_HOST", "127.0.0.1"},
	{"appiumPort", "APPIUM_PORT", 4723},
	{"systemPort", "SYSTEM_PORT", 8200},
	{"appiumBin", "APPIUM_BIN", "appium"},
	{"appiumLogLevel", "APPIUM_LOG_LEVEL", "info"},
	{"statusPath", "APPIUM_STATUS_PATH", "/status"},
	{"apkPath", "APK_PATH", ""},
	{"appPackage", "APP_PACKAGE", "com.code2lead.kwad"},
	{"appActivity", "APP_ACTIVITY", "com.code2lead.kwad.MainActivity"},
	{"deviceName", "DEVICE_NAME", "Android Emulator"},
	{"avdName", "AVD_NAME", "Emulator-5556"},
	{"emulatorPorts", "EMULATOR_PORTS", []int{5554, 5556}},
	{"screenshotDir", "SCREENSHOT_DIR", "screenshots"},
	{"logDir", "LOG_DIR", "logs"},
	{"testResourcesDir", "TEST_RESOURCES_DIR", "tests/resources"},
	{"allureDir", "ALLURE_DIR", "allure-results"},
	{"startupTimeout", "STARTUP_TIMEOUT", 60 * time.Second},
	{"bootTimeout", "BOOT_TIMEOUT", 180 * time.Second},
	{"correlationID", "CORRELATION_ID", ""},
}

// Resolve builds Settings from .env, dir/config.yaml and the environment.
func Resolve(dir string) (*Settings, error) {
	if err := EnsureDotEnv(); err != nil {
		return nil, errors.Wrap(err, "load .env")
	}
	cfg, err := LoadFromDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "load config from %s", dir)
	}
	return FromConfig(cfg)
}

// FromConfig layers cfg over defaults and under environment variables.
func FromConfig(cfg *Config) (*Settings, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", s.env)
		}
	}
	if cfg != nil {
		values, err := cfg.values()
		if err != nil {
			return nil, errors.Wrap(err, "flatten config")
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, errors.Wrap(err, "merge config")
		}
	}

	ports, err := intSlice(v.Get("emulatorPorts"))
	if err != nil {
		return nil, errors.Wrap(err, "parse EMULATOR_PORTS")
	}

	startup, err := seconds(v, "startupTimeout")
	if err != nil {
		return nil, errors.Wrap(err, "parse STARTUP_TIMEOUT")
	}
	boot, err := seconds(v, "bootTimeout")
	if err != nil {
		return nil, errors.Wrap(err, "parse BOOT_TIMEOUT")
	}

	s := &Settings{
		AppiumHost:       v.GetString("appiumHost"),
		AppiumPort:       v.GetInt("appiumPort"),
		SystemPort:       v.GetInt("systemPort"),
		AppiumBin:        v.GetString("appiumBin"),
		AppiumLogLevel:   v.GetString("appiumLogLevel"),
		StatusPath:       v.GetString("statusPath"),
		APKPath:          v.GetString("apkPath"),
		AppPackage:       v.GetString("appPackage"),
		AppActivity:      v.GetString("appActivity"),
		DeviceName:       v.GetString("deviceName"),
		AVDName:          v.GetString("avdName"),
		EmulatorPorts:    ports,
		ScreenshotDir:    v.GetString("screenshotDir"),
		LogDir:           v.GetString("logDir"),
		TestResourcesDir: v.GetString("testResourcesDir"),
		AllureDir:        v.GetString("allureDir"),
		StartupTimeout:   startup,
		BootTimeout:      boot,
		CorrelationID:    v.GetString("correlationID"),
	}
	if s.APKPath == "" {
		s.APKPath = filepath.Join(s.TestResourcesDir, "Android_Demo_App.apk")
	}
	if s.CorrelationID == "" {
		s.CorrelationID = uuid.NewString()
	}
	return s, nil
}

// WorkerOffset maps a worker id ("gw3", "master", "") to its port offset.
func WorkerOffset(workerID string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(workerID, "gw"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// BasePorts returns the automation and routing baselines for a worker.
func (s *Settings) BasePorts(workerID string) (appiumPort, systemPort int) {
	off := WorkerOffset(workerID)
	return s.AppiumPort + off, s.SystemPort + off
}

// AppiumLogPath is the service log file for a given port.
func (s *Settings) AppiumLogPath(port int) string {
	return filepath.Join(s.LogDir, "appium_"+strconv.Itoa(port)+".log")
}

// FrameworkLogPath is the main log file.
func (s *Settings) FrameworkLogPath() string {
	return filepath.Join(s.LogDir, "appium_framework.log")
}

// intSlice accepts []int from defaults or yaml and "5554,5556" from the environment.
func intSlice(raw interface{}) ([]int, error) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case []int:
		return append([]int(nil), val...), nil
	case []interface{}:
		out := make([]int, 0, len(val))
		for _, item := range val {
			n, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(item)))
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case string:
		var out []int
		for _, part := range strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' }) {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported port list type %T", raw)
	}
}

// seconds reads a duration setting. A bare number is seconds ("60"), anything
// else goes through time.ParseDuration ("90s", "2m").
func seconds(v *viper.Viper, key string) (time.Duration, error) {
	switch raw := v.Get(key).(type) {
	case time.Duration:
		return raw, nil
	case int:
		return time.Duration(raw) * time.Second, nil
	case string:
		raw = strings.TrimSpace(raw)
		if n, err := strconv.Atoi(raw); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, errors.Errorf("invalid duration %q for %s", raw, key)
		}
		return d, nil
	default:
		return v.GetDuration(key), nil
	}
}
