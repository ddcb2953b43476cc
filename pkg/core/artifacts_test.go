package core

import "testing"

func TestNewScreenshotAttachment(t *testing.T) {
	data := []byte{0x89, 0x50, 0x4E, 0x47} // PNG header
	attachment := NewScreenshotAttachment("failure_login_20250101.png", data)

	if attachment.Name != AttachmentScreenshot {
		t.Errorf("Name = %s, want %s", attachment.Name, AttachmentScreenshot)
	}
	if attachment.ContentType != ContentTypePNG {
		t.Errorf("ContentType = %s, want %s", attachment.ContentType, ContentTypePNG)
	}
	if len(attachment.Body) != 4 {
		t.Errorf("Body length = %d, want 4", len(attachment.Body))
	}
}

func TestNewLogAttachment(t *testing.T) {
	a := NewLogAttachment(AttachmentServiceLog, "logs/appium_4723.log")

	if a.ContentType != ContentTypeText {
		t.Errorf("ContentType = %s, want %s", a.ContentType, ContentTypeText)
	}
	if a.Path != "logs/appium_4723.log" {
		t.Errorf("Path = %s", a.Path)
	}
}

func TestArtifactConfig_ShouldCapture(t *testing.T) {
	cfg := DefaultArtifactConfig()

	if cfg.Dir != "screenshots" {
		t.Errorf("Dir = %s, want screenshots", cfg.Dir)
	}
	if !cfg.ShouldCapture(StatusFailed) {
		t.Error("should capture on failure")
	}
	if !cfg.ShouldCapture(StatusErrored) {
		t.Error("should capture on errored")
	}
	if cfg.ShouldCapture(StatusPassed) {
		t.Error("should not capture on success by default")
	}
	if cfg.ShouldCapture(StatusSkipped) {
		t.Error("should not capture on skipped")
	}

	cfg.CaptureOnFailure = false
	if cfg.ShouldCapture(StatusFailed) {
		t.Error("should not capture when CaptureOnFailure is off")
	}
}
