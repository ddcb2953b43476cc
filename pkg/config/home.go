package config

import (
	"os"
	"path/filepath"
	"sync"
)

const envHome = "APPIUM_RUNNER_HOME"

var (
	homeMu  sync.Mutex
	homeDir string
)

// GetHome returns the directory relative settings are anchored at. The first
// match wins: SetHome, $APPIUM_RUNNER_HOME, <root> when the binary lives in
// <root>/bin, the working directory.
func GetHome() string {
	homeMu.Lock()
	defer homeMu.Unlock()
	if homeDir == "" {
		homeDir = detectHome()
	}
	return homeDir
}

// SetHome pins the home directory, e.g. to the directory given with --config.
func SetHome(dir string) {
	homeMu.Lock()
	homeDir = dir
	homeMu.Unlock()
}

// ResetHome forgets the resolved home; the next GetHome detects it again.
func ResetHome() {
	SetHome("")
}

// ResolvePath anchors a relative directory setting at the home directory.
func ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(GetHome(), p)
}

func detectHome() string {
	if env := os.Getenv(envHome); env != "" {
		return env
	}
	if root, ok := installRoot(); ok {
		return root
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// installRoot returns <root> for a binary installed as <root>/bin/appium-runner.
func installRoot() (string, bool) {
	exe, err := os.Executable()
	if err != nil {
		return "", false
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	bin := filepath.Dir(exe)
	if filepath.Base(bin) != "bin" {
		return "", false
	}
	return filepath.Dir(bin), true
}
