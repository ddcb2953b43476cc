package emulator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devicelab-dev/appium-runner/pkg/adb"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/pkg/errors"
)

// FindEmulatorBinary locates the Android emulator binary
func FindEmulatorBinary() (string, error) {
	// Try ANDROID_HOME/emulator/emulator first (new layout)
	androidHome := getAndroidHome()
	if androidHome != "" {
		emulatorPath := filepath.Join(androidHome, "emulator", "emulator")
		if _, err := os.Stat(emulatorPath); err == nil {
			return emulatorPath, nil
		}

		// Old SDK layout
		emulatorPath = filepath.Join(androidHome, "tools", "emulator")
		if _, err := os.Stat(emulatorPath); err == nil {
			return emulatorPath, nil
		}
	}

	if path, err := exec.LookPath("emulator"); err == nil {
		return path, nil
	}

	return "", errors.New("emulator binary not found. Set ANDROID_HOME or add emulator to PATH")
}

// FindADBBinary locates adb under platform-tools, falling back to PATH.
func FindADBBinary() (string, error) {
	if androidHome := getAndroidHome(); androidHome != "" {
		adbPath := filepath.Join(androidHome, "platform-tools", "adb")
		if _, err := os.Stat(adbPath); err == nil {
			return adbPath, nil
		}
	}
	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}
	return "", errors.New("adb not found. Set ANDROID_HOME or add platform-tools to PATH")
}

// getAndroidHome returns the SDK root from the environment
func getAndroidHome() string {
	for _, key := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT", "ANDROID_SDK_HOME"} {
		if home := os.Getenv(key); home != "" {
			return home
		}
	}
	return ""
}

// AVDLister returns the names of the available virtual device images.
type AVDLister interface {
	ListAVDs(ctx context.Context) ([]string, error)
}

// CLIAVDLister runs "emulator -list-avds".
type CLIAVDLister struct {
	Bin string     // emulator binary; found with FindEmulatorBinary when empty
	Run adb.Runner // default adb.ExecRunner
}

// ListAVDs implements AVDLister.
func (l CLIAVDLister) ListAVDs(ctx context.Context) ([]string, error) {
	bin := l.Bin
	if bin == "" {
		var err error
		if bin, err = FindEmulatorBinary(); err != nil {
			return nil, err
		}
	}
	run := l.Run
	if run == nil {
		run = adb.ExecRunner
	}

	out, err := run(ctx, bin, "-list-avds")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list AVDs")
	}

	// One AVD name per line; newer emulators may print INFO lines first.
	var avds []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "INFO") || strings.Contains(line, "|") {
			continue
		}
		avds = append(avds, line)
	}

	logger.Debug("Found %d AVDs: %v", len(avds), avds)
	return avds, nil
}

// IsEmulator checks if a device serial is an emulator
func IsEmulator(serial string) bool {
	return adb.IsEmulator(serial)
}

// UDID is the bridge serial of the emulator listening on console port.
func UDID(port int) string {
	return "emulator-" + strconv.Itoa(port)
}
