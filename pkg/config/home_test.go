package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetHome_FromEnv(t *testing.T) {
	ResetHome()
	t.Cleanup(ResetHome)
	t.Setenv(envHome, "/opt/appium-runner")

	assert.Equal(t, "/opt/appium-runner", GetHome())
}

func TestGetHome_DetectedOnce(t *testing.T) {
	ResetHome()
	t.Cleanup(ResetHome)
	t.Setenv(envHome, "/first")
	first := GetHome()

	t.Setenv(envHome, "/second")
	assert.Equal(t, first, GetHome())

	ResetHome()
	assert.Equal(t, "/second", GetHome())
}

func TestGetHome_NeverEmpty(t *testing.T) {
	ResetHome()
	t.Cleanup(ResetHome)
	t.Setenv(envHome, "")

	assert.NotEmpty(t, GetHome())
}

func TestSetHome_WinsOverEnv(t *testing.T) {
	t.Cleanup(ResetHome)
	t.Setenv(envHome, "/from/env")
	SetHome("/from/flag")

	assert.Equal(t, "/from/flag", GetHome())
}

func TestResolvePath(t *testing.T) {
	t.Cleanup(ResetHome)
	SetHome("/srv/runner")

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/var/log/appium", "/var/log/appium"},
		{"logs", filepath.Join("/srv/runner", "logs")},
		{"tests/resources/app.apk", filepath.Join("/srv/runner", "tests", "resources", "app.apk")},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolvePath(tt.in), "ResolvePath(%q)", tt.in)
	}
}
