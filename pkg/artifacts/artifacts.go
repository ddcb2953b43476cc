// Package artifacts saves debug captures (screenshots) for failed workers.
package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
	"github.com/pkg/errors"
)

// TimestampLayout is appended to every capture name.
const TimestampLayout = "20060102_150405"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store writes captures into Dir.
type Store struct {
	Dir string
	Now func() time.Time
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{Dir: dir, Now: time.Now}
}

// FileName builds "<name>_<timestamp>.png" with path-unsafe characters
// replaced.
func (s *Store) FileName(name string) string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return sanitize(name) + "_" + now().Format(TimestampLayout) + ".png"
}

// SaveScreenshot captures the screen from src and writes it under Dir.
func (s *Store) SaveScreenshot(ctx context.Context, src core.ScreenshotSource, name string) (core.Attachment, error) {
	data, err := src.Screenshot(ctx)
	if err != nil {
		return core.Attachment{}, errors.Wrap(err, "capture screenshot")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return core.Attachment{}, errors.Wrapf(err, "create %s", s.Dir)
	}
	path := filepath.Join(s.Dir, s.FileName(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return core.Attachment{}, errors.Wrapf(err, "write %s", path)
	}
	logger.Info("screenshot saved successfully: %s", path)
	return core.NewScreenshotAttachment(path, data), nil
}

// CaptureFailure saves "failure_<name>_<timestamp>.png". Errors are logged and
// returned; a failed capture never changes the worker's outcome.
func (s *Store) CaptureFailure(ctx context.Context, src core.ScreenshotSource, name string) (core.Attachment, error) {
	a, err := s.SaveScreenshot(ctx, src, "failure_"+name)
	if err != nil {
		logger.Error("failed to capture screenshot for %s: %v", name, err)
		return core.Attachment{}, err
	}
	logger.Error("%s failed. Screenshot saved: %s", name, a.Path)
	return a, nil
}

func sanitize(name string) string {
	clean := unsafeChars.ReplaceAllString(name, "_")
	if clean == "" {
		return "screenshot"
	}
	return clean
}
