package report

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/devicelab-dev/appium-runner/pkg/core"
	"github.com/devicelab-dev/appium-runner/pkg/logger"
)

// Allure result schema types.

// AllureResult represents a single test result in Allure format.
type AllureResult struct {
	UUID          string              `json:"uuid"`
	HistoryID     string              `json:"historyId"`
	FullName      string              `json:"fullName"`
	Name          string              `json:"name"`
	Status        string              `json:"status"`
	Stage         string              `json:"stage"`
	Start         int64               `json:"start"`
	Stop          int64               `json:"stop"`
	Labels        []AllureLabel       `json:"labels"`
	Parameters    []AllureParameter   `json:"parameters,omitempty"`
	StatusDetails AllureStatusDetails `json:"statusDetails"`
	Attachments   []AllureAttachment  `json:"attachments"`
}

// AllureAttachment represents a file attachment.
type AllureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// AllureLabel represents a label on a test result.
type AllureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureParameter is shown next to the result; ports and device go here.
type AllureParameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AllureStatusDetails holds failure message and trace.
type AllureStatusDetails struct {
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// AllureCategory defines a failure category with regex matching.
type AllureCategory struct {
	Name            string   `json:"name"`
	MatchedStatuses []string `json:"matchedStatuses"`
	MessageRegex    string   `json:"messageRegex"`
}

// Environment is written to environment.properties.
type Environment map[string]string

// GenerateAllure writes one result file per worker into allureDir, copies
// attachments next to them and adds categories.json and
// environment.properties.
func GenerateAllure(allureDir string, run *core.RunResult, env Environment) error {
	if err := os.MkdirAll(allureDir, 0o755); err != nil {
		return fmt.Errorf("create allure-results dir: %w", err)
	}

	for i := range run.Workers {
		w := &run.Workers[i]
		result := newAllureResult(run.RunID, w)
		result.Attachments = exportAttachments(allureDir, w.Attachments)

		path := filepath.Join(allureDir, result.UUID+"-result.json")
		if err := atomicWriteJSON(path, result); err != nil {
			return fmt.Errorf("allure result for %s: %w", w.WorkerID, err)
		}
	}

	if err := atomicWriteJSON(filepath.Join(allureDir, "categories.json"), allureCategories); err != nil {
		return err
	}
	return writeAllureEnvironment(allureDir, env)
}

func newAllureResult(runID string, w *core.WorkerResult) AllureResult {
	name := w.Name
	if name == "" {
		name = w.WorkerID
	}
	start := w.StartTime.UnixMilli()

	var details AllureStatusDetails
	details.Message = w.Error
	if len(w.TeardownIssues) > 0 {
		details.Trace = "teardown issues:\n" + strings.Join(w.TeardownIssues, "\n")
	}

	return AllureResult{
		UUID:          runID + "-" + w.WorkerID,
		HistoryID:     fnv32aHash(name + ":" + w.WorkerID),
		FullName:      w.WorkerID + "/" + name,
		Name:          name,
		Status:        mapAllureStatus(w.Status, w.Category),
		Stage:         "finished",
		Start:         start,
		Stop:          start + w.Duration.Milliseconds(),
		Labels:        workerLabels(w),
		Parameters:    workerParameters(w),
		StatusDetails: details,
	}
}

func workerLabels(w *core.WorkerResult) []AllureLabel {
	labels := []AllureLabel{
		{Name: "suite", Value: "appium-runner"},
		{Name: "framework", Value: "appium"},
		{Name: "thread", Value: w.WorkerID},
	}
	if w.DeviceID != "" {
		labels = append(labels, AllureLabel{Name: "host", Value: w.DeviceID})
	}
	if w.Category != core.ErrCategoryNone {
		labels = append(labels, AllureLabel{Name: "tag", Value: w.Category.String()})
	}
	return labels
}

func workerParameters(w *core.WorkerResult) []AllureParameter {
	var params []AllureParameter
	if w.AppiumPort > 0 {
		params = append(params, AllureParameter{Name: "appiumPort", Value: strconv.Itoa(w.AppiumPort)})
	}
	if w.SystemPort > 0 {
		params = append(params, AllureParameter{Name: "systemPort", Value: strconv.Itoa(w.SystemPort)})
	}
	return params
}

func attachmentTitle(name string) string {
	switch name {
	case core.AttachmentScreenshot:
		return "Screenshot"
	case core.AttachmentServiceLog:
		return "Appium log"
	case core.AttachmentDeviceLog:
		return "Emulator log"
	}
	return name
}

// mapAllureStatus maps a worker status to Allure's vocabulary. Infrastructure
// errors are "broken"; test body errors are "failed".
func mapAllureStatus(s core.RunStatus, cat core.ErrorCategory) string {
	switch s {
	case core.StatusPassed:
		return "passed"
	case core.StatusFailed:
		return "failed"
	case core.StatusErrored:
		if cat == core.ErrCategoryNone {
			return "failed"
		}
		return "broken"
	case core.StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// exportAttachments places each attachment in allureDir and returns the
// entries that made it. Logs of a service that never launched are skipped.
func exportAttachments(allureDir string, attachments []core.Attachment) []AllureAttachment {
	out := make([]AllureAttachment, 0, len(attachments))
	for _, a := range attachments {
		if a.Path == "" {
			continue
		}
		dst := filepath.Join(allureDir, filepath.Base(a.Path))
		var err error
		if len(a.Body) > 0 {
			err = os.WriteFile(dst, a.Body, 0o644)
		} else {
			err = copyFile(a.Path, dst)
		}
		if err != nil {
			logger.Warn("allure attachment %s skipped: %v", a.Path, err)
			continue
		}
		out = append(out, AllureAttachment{
			Name:   attachmentTitle(a.Name),
			Source: filepath.Base(a.Path),
			Type:   a.ContentType,
		})
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //#nosec G304 -- paths come from our own artifacts
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// fnv32aHash returns a hex-encoded FNV-32a hash of the input string.
func fnv32aHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

// allureCategories mirror the error kinds in pkg/core.
var allureCategories = []AllureCategory{
	{Name: "Invalid configuration", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*(app binary|configuration).*"},
	{Name: "Automation service did not start", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*(automation service|failed to start).*"},
	{Name: "Timeouts", MatchedStatuses: []string{"broken", "failed"}, MessageRegex: "(?i).*(timeout|timed out|within).*"},
	{Name: "Session not opened", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*session.*"},
	{Name: "Emulator and ports", MatchedStatuses: []string{"broken"}, MessageRegex: "(?i).*(emulator|avd|port).*"},
	{Name: "Element not found", MatchedStatuses: []string{"failed"}, MessageRegex: "(?i).*no such element.*"},
}

// writeAllureEnvironment writes environment.properties, keys sorted and
// empty values left out.
func writeAllureEnvironment(allureDir string, env Environment) error {
	keys := make([]string, 0, len(env))
	for k, v := range env {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("framework=appium\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, env[k])
	}

	path := filepath.Join(allureDir, "environment.properties")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write environment.properties: %w", err)
	}
	return nil
}
