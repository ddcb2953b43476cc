package appium

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// writeJSON encodes data as JSON to the response writer.
func writeJSON(w http.ResponseWriter, data interface{}) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func sessionClient(url string) *Client {
	c := NewClient(url)
	c.sessionID = "test-session"
	return c
}

func TestClient_Connect(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session" && r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, map[string]interface{}{
				"value": map[string]interface{}{
					"sessionId": "test-session-123",
					"capabilities": map[string]interface{}{
						"platformName": "Android",
					},
				},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL + "/")
	err := client.Connect(context.Background(), map[string]interface{}{
		"platformName":      "Android",
		"appium:systemPort": 8200,
		"appium:app":        "/apps/demo.apk",
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if client.SessionID() != "test-session-123" {
		t.Errorf("Expected sessionID 'test-session-123', got '%s'", client.SessionID())
	}
	if client.Platform() != "android" {
		t.Errorf("Expected platform 'android', got '%s'", client.Platform())
	}

	caps, _ := got["capabilities"].(map[string]interface{})
	always, _ := caps["alwaysMatch"].(map[string]interface{})
	if always["appium:app"] != "/apps/demo.apk" {
		t.Errorf("alwaysMatch not sent, got %v", got)
	}
}

func TestClient_ConnectSessionNotCreated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]interface{}{
			"value": map[string]interface{}{
				"error":   "session not created",
				"message": "Could not find a connected Android device",
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	err := client.Connect(context.Background(), map[string]interface{}{"platformName": "Android"})
	if err == nil {
		t.Fatal("expected error")
	}
	var wdErr *WebDriverError
	if !errors.As(err, &wdErr) {
		t.Fatalf("expected WebDriverError in chain, got %v", err)
	}
	if wdErr.Code != "session not created" || wdErr.Status != http.StatusInternalServerError {
		t.Errorf("unexpected error: %+v", wdErr)
	}
	if client.SessionID() != "" {
		t.Error("sessionID should stay empty")
	}
}

func TestClient_ConnectMissingSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"value": map[string]interface{}{}})
	}))
	defer server.Close()

	if err := NewClient(server.URL).Connect(context.Background(), nil); err == nil {
		t.Error("expected error for missing session id")
	}
}

func TestClient_Disconnect(t *testing.T) {
	deleteCalled := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/test-session" && r.Method == http.MethodDelete {
			deleteCalled++
			writeJSON(w, map[string]interface{}{"value": nil})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := sessionClient(server.URL)
	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}

	if deleteCalled != 1 {
		t.Errorf("DELETE /session called %d times, want 1", deleteCalled)
	}
	if client.SessionID() != "" {
		t.Error("sessionID should be cleared after disconnect")
	}
}

func TestClient_FindElement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/test-session/element" && r.Method == http.MethodPost {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["using"] != ByID || body["value"] != "com.code2lead.kwad:id/EnterValue" {
				t.Errorf("unexpected locator %v", body)
			}
			writeJSON(w, map[string]interface{}{
				"value": map[string]interface{}{
					w3cElementKey: "elem-123",
				},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	elemID, err := sessionClient(server.URL).FindElement(context.Background(), ByID, "com.code2lead.kwad:id/EnterValue")
	if err != nil {
		t.Fatalf("FindElement failed: %v", err)
	}
	if elemID != "elem-123" {
		t.Errorf("Expected element ID 'elem-123', got '%s'", elemID)
	}
}

func TestClient_FindElementNoSuchElement(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]interface{}{
			"value": map[string]interface{}{
				"error":   "no such element",
				"message": "An element could not be located",
			},
		})
	}))
	defer server.Close()

	_, err := sessionClient(server.URL).FindElement(context.Background(), ByXPath, "//missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "no such element: An element could not be located" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClient_FindElementsLegacyIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{w3cElementKey: "a"},
				map[string]interface{}{"ELEMENT": "b"},
				map[string]interface{}{"other": "x"},
			},
		})
	}))
	defer server.Close()

	ids, err := sessionClient(server.URL).FindElements(context.Background(), ByClassName, "android.widget.Button")
	if err != nil {
		t.Fatalf("FindElements failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestClient_ElementCommands(t *testing.T) {
	calls := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls[r.Method+" "+r.URL.Path] = ""
		switch r.URL.Path {
		case "/session/test-session/element/e1/text":
			writeJSON(w, map[string]interface{}{"value": "Enter Some Value"})
		case "/session/test-session/element/e1/attribute/enabled":
			writeJSON(w, map[string]interface{}{"value": "true"})
		case "/session/test-session/element/e1/displayed":
			writeJSON(w, map[string]interface{}{"value": true})
		case "/session/test-session/element/e1/value":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			calls[r.Method+" "+r.URL.Path] = body["text"]
			writeJSON(w, map[string]interface{}{"value": nil})
		default:
			writeJSON(w, map[string]interface{}{"value": nil})
		}
	}))
	defer server.Close()

	ctx := context.Background()
	c := sessionClient(server.URL)

	if err := c.ClickElement(ctx, "e1"); err != nil {
		t.Fatalf("ClickElement: %v", err)
	}
	if err := c.ClearElement(ctx, "e1"); err != nil {
		t.Fatalf("ClearElement: %v", err)
	}
	if err := c.SendKeysToElement(ctx, "e1", "admin@gmail.com"); err != nil {
		t.Fatalf("SendKeysToElement: %v", err)
	}
	text, err := c.GetElementText(ctx, "e1")
	if err != nil || text != "Enter Some Value" {
		t.Errorf("GetElementText = %q, %v", text, err)
	}
	attr, err := c.GetElementAttribute(ctx, "e1", "enabled")
	if err != nil || attr != "true" {
		t.Errorf("GetElementAttribute = %q, %v", attr, err)
	}
	shown, err := c.IsElementDisplayed(ctx, "e1")
	if err != nil || !shown {
		t.Errorf("IsElementDisplayed = %v, %v", shown, err)
	}

	for _, want := range []string{
		"POST /session/test-session/element/e1/click",
		"POST /session/test-session/element/e1/clear",
	} {
		if _, ok := calls[want]; !ok {
			t.Errorf("expected call %s", want)
		}
	}
	if calls["POST /session/test-session/element/e1/value"] != "admin@gmail.com" {
		t.Errorf("value not sent: %v", calls)
	}
}

func TestClient_PressKeyCodeAndBack(t *testing.T) {
	var codes []float64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/test-session/appium/device/press_keycode" {
			var body map[string]float64
			json.NewDecoder(r.Body).Decode(&body)
			codes = append(codes, body["keycode"])
		}
		writeJSON(w, map[string]interface{}{"value": nil})
	}))
	defer server.Close()

	c := sessionClient(server.URL)
	if err := c.PressKeyCode(context.Background(), 66); err != nil {
		t.Fatal(err)
	}
	if err := c.Back(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(codes) != 2 || codes[0] != 66 || codes[1] != 4 {
		t.Errorf("unexpected keycodes %v", codes)
	}
}

func TestClient_Screenshot(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4E, 0x47}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/session/test-session/screenshot" {
			writeJSON(w, map[string]interface{}{"value": base64.StdEncoding.EncodeToString(png)})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	data, err := sessionClient(server.URL).Screenshot(context.Background())
	if err != nil {
		t.Fatalf("Screenshot failed: %v", err)
	}
	if string(data) != string(png) {
		t.Errorf("unexpected screenshot bytes %v", data)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"value": nil})
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sessionClient(server.URL).Source(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClient_NonJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer server.Close()

	if _, err := sessionClient(server.URL).Source(context.Background()); err == nil {
		t.Error("expected parse error")
	}
}

func TestClient_HTTPErrorWithoutErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, map[string]interface{}{"value": nil})
	}))
	defer server.Close()

	_, err := sessionClient(server.URL).Source(context.Background())
	var wdErr *WebDriverError
	if !errors.As(err, &wdErr) {
		t.Fatalf("expected *WebDriverError, got %v", err)
	}
	if wdErr.Status != http.StatusBadGateway || wdErr.Code != "unknown error" {
		t.Errorf("unexpected error %+v", wdErr)
	}
}
