// Package appium talks to an Appium server over the W3C WebDriver protocol and
// supervises the local server process.
package appium

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// W3C WebDriver element identifier key (standard constant)
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// Locator strategies understood by UiAutomator2.
const (
	ByID              = "id"
	ByAccessibilityID = "accessibility id"
	ByXPath           = "xpath"
	ByClassName       = "class name"
	ByUIAutomator     = "-android uiautomator"
)

// WebDriverError is an error answer from the server.
type WebDriverError struct {
	Status  int
	Code    string // W3C error code: no such element, session not created, ...
	Message string
}

func (e *WebDriverError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client handles HTTP communication with Appium server for one session.
type Client struct {
	serverURL string
	sessionID string
	client    *http.Client
	platform  string
	caps      map[string]interface{}
}

// NewClient creates a new Appium client.
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Minute, // session creation installs the app
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Connect creates a new session with the given capabilities.
func (c *Client) Connect(ctx context.Context, capabilities map[string]interface{}) error {
	req := map[string]interface{}{
		"capabilities": map[string]interface{}{"alwaysMatch": capabilities},
	}
	var created struct {
		SessionID    string                 `json:"sessionId"`
		Capabilities map[string]interface{} `json:"capabilities"`
	}
	if err := c.call(ctx, http.MethodPost, "/session", req, &created); err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	if created.SessionID == "" {
		return errors.New("no session ID in response")
	}

	c.sessionID = created.SessionID
	c.caps = created.Capabilities
	if platform, ok := c.caps["platformName"].(string); ok {
		c.platform = strings.ToLower(platform)
	}
	return nil
}

// Disconnect closes the session. Calling it without a session is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	err := c.call(ctx, http.MethodDelete, c.sessionPath(), nil, nil)
	c.sessionID = ""
	return err
}

// SessionID returns the server-assigned session id, or "" when closed.
func (c *Client) SessionID() string { return c.sessionID }

// ServerURL returns the base URL of the server.
func (c *Client) ServerURL() string { return c.serverURL }

// Platform returns the platform reported by the server.
func (c *Client) Platform() string { return c.platform }

// Capabilities returns the capabilities the server matched.
func (c *Client) Capabilities() map[string]interface{} { return c.caps }

// elementRef is a W3C element reference, or a legacy JSONWP one.
type elementRef map[string]string

func (r elementRef) id() string {
	if id := r[w3cElementKey]; id != "" {
		return id
	}
	return r["ELEMENT"]
}

type locator struct {
	Using string `json:"using"`
	Value string `json:"value"`
}

// FindElement returns the id of the first element matching the locator.
func (c *Client) FindElement(ctx context.Context, strategy, value string) (string, error) {
	var ref elementRef
	if err := c.call(ctx, http.MethodPost, c.sessionPath()+"/element", locator{strategy, value}, &ref); err != nil {
		return "", err
	}
	id := ref.id()
	if id == "" {
		return "", errors.Errorf("element not found: %s=%s", strategy, value)
	}
	return id, nil
}

// FindElements returns the ids of all matching elements; none is not an error.
func (c *Client) FindElements(ctx context.Context, strategy, value string) ([]string, error) {
	var refs []elementRef
	if err := c.call(ctx, http.MethodPost, c.sessionPath()+"/elements", locator{strategy, value}, &refs); err != nil {
		return nil, err
	}
	var ids []string
	for _, ref := range refs {
		if id := ref.id(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

var emptyBody = struct{}{}

func (c *Client) ClickElement(ctx context.Context, elementID string) error {
	return c.call(ctx, http.MethodPost, c.elementPath(elementID)+"/click", emptyBody, nil)
}

func (c *Client) ClearElement(ctx context.Context, elementID string) error {
	return c.call(ctx, http.MethodPost, c.elementPath(elementID)+"/clear", emptyBody, nil)
}

// SendKeysToElement types text into an element.
func (c *Client) SendKeysToElement(ctx context.Context, elementID, text string) error {
	body := map[string]string{"text": text}
	return c.call(ctx, http.MethodPost, c.elementPath(elementID)+"/value", body, nil)
}

func (c *Client) GetElementText(ctx context.Context, elementID string) (text string, err error) {
	err = c.call(ctx, http.MethodGet, c.elementPath(elementID)+"/text", nil, &text)
	return text, err
}

// GetElementAttribute returns an attribute value; "" when the attribute is null.
func (c *Client) GetElementAttribute(ctx context.Context, elementID, name string) (value string, err error) {
	err = c.call(ctx, http.MethodGet, c.elementPath(elementID)+"/attribute/"+name, nil, &value)
	return value, err
}

func (c *Client) IsElementDisplayed(ctx context.Context, elementID string) (shown bool, err error) {
	err = c.call(ctx, http.MethodGet, c.elementPath(elementID)+"/displayed", nil, &shown)
	return shown, err
}

// PressKeyCode presses an Android key by keycode.
func (c *Client) PressKeyCode(ctx context.Context, keycode int) error {
	body := map[string]int{"keycode": keycode}
	return c.call(ctx, http.MethodPost, c.sessionPath()+"/appium/device/press_keycode", body, nil)
}

const keycodeBack = 4

// Back presses the Android back key.
func (c *Client) Back(ctx context.Context) error {
	return c.PressKeyCode(ctx, keycodeBack)
}

func (c *Client) HideKeyboard(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, c.sessionPath()+"/appium/device/hide_keyboard", emptyBody, nil)
}

// ActivateApp brings an installed app to the foreground.
func (c *Client) ActivateApp(ctx context.Context, appID string) error {
	body := map[string]string{"appId": appID}
	return c.call(ctx, http.MethodPost, c.sessionPath()+"/appium/device/activate_app", body, nil)
}

// SetImplicitWait sets how long element lookups retry on the server.
func (c *Client) SetImplicitWait(ctx context.Context, timeout time.Duration) error {
	body := map[string]int64{"implicit": timeout.Milliseconds()}
	return c.call(ctx, http.MethodPost, c.sessionPath()+"/timeouts", body, nil)
}

// Screenshot returns a screenshot as PNG bytes.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	var encoded string
	if err := c.call(ctx, http.MethodGet, c.sessionPath()+"/screenshot", nil, &encoded); err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, errors.New("empty screenshot response")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// Source returns the page source XML.
func (c *Client) Source(ctx context.Context) (source string, err error) {
	err = c.call(ctx, http.MethodGet, c.sessionPath()+"/source", nil, &source)
	return source, err
}

func (c *Client) sessionPath() string {
	return "/session/" + c.sessionID
}

func (c *Client) elementPath(elementID string) string {
	return c.sessionPath() + "/element/" + elementID
}

// call sends one WebDriver command and decodes the "value" member of the
// answer into out (which may be nil). Error answers become *WebDriverError.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s", method, path)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrapf(err, "failed to parse response (HTTP %d)", resp.StatusCode)
	}

	if wdErr := asWebDriverError(resp.StatusCode, envelope.Value); wdErr != nil {
		return wdErr
	}
	if out == nil || len(envelope.Value) == 0 || string(envelope.Value) == "null" {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(envelope.Value, out), "decode value of %s %s", method, path)
}

func asWebDriverError(status int, value json.RawMessage) *WebDriverError {
	var answer struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(value), []byte("{")) && json.Unmarshal(value, &answer) == nil && answer.Error != "" {
		return &WebDriverError{Status: status, Code: answer.Error, Message: answer.Message}
	}
	if status >= http.StatusBadRequest {
		return &WebDriverError{Status: status, Code: "unknown error", Message: http.StatusText(status)}
	}
	return nil
}
