// Package core provides the error taxonomy and run result types for appium-runner.
package core

import "context"

// Attachment is a file kept alongside a worker result. Body, when set, holds
// content not yet written to Path.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Path        string `json:"path"`
	Body        []byte `json:"-"`
}

const (
	AttachmentScreenshot = "screenshot"
	AttachmentServiceLog = "service_log"
	AttachmentDeviceLog  = "device_log"

	ContentTypePNG  = "image/png"
	ContentTypeText = "text/plain"
)

func NewScreenshotAttachment(path string, png []byte) Attachment {
	return Attachment{Name: AttachmentScreenshot, ContentType: ContentTypePNG, Path: path, Body: png}
}

// NewLogAttachment points at a log file a subprocess writes; the file is read
// only when reports are exported.
func NewLogAttachment(name, path string) Attachment {
	return Attachment{Name: name, ContentType: ContentTypeText, Path: path}
}

// ArtifactConfig says which finished workers get a screenshot.
type ArtifactConfig struct {
	CaptureOnFailure bool   `yaml:"captureOnFailure" json:"captureOnFailure"`
	CaptureOnSuccess bool   `yaml:"captureOnSuccess" json:"captureOnSuccess"`
	Dir              string `yaml:"dir" json:"dir"`
}

// DefaultArtifactConfig captures failures only, into ./screenshots.
func DefaultArtifactConfig() ArtifactConfig {
	return ArtifactConfig{CaptureOnFailure: true, Dir: "screenshots"}
}

// ShouldCapture reports whether a worker ending in status gets artifacts.
// Skipped and unfinished workers never do.
func (c ArtifactConfig) ShouldCapture(status RunStatus) bool {
	if status == StatusPassed {
		return c.CaptureOnSuccess
	}
	return c.CaptureOnFailure && (status == StatusFailed || status == StatusErrored)
}

// ScreenshotSource returns PNG bytes of the current screen. Session handles
// implement it.
type ScreenshotSource interface {
	Screenshot(ctx context.Context) ([]byte, error)
}
