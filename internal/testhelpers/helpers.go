// Package testhelpers provides common utilities shared by the package tests.
//
// It wraps the repetitive parts of exercising the server over real sockets:
// building URLs, making authenticated HTTP requests, dialing chat streams and
// reading frames with deadlines.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest executes an HTTP request with an optional bearer token and JSON
// body. It fails the test if the request cannot be made.
func MakeRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// DecodeJSON reads and closes the response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// WebSocketURL turns the test server URL into a websocket URL for path.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket dials url with an allowed Origin and, when token is not
// empty, a bearer Authorization header.
func ConnectWebSocket(url, token string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect is ConnectWebSocket that fails the test on error.
func MustConnect(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(url, token)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	return conn
}

// SendFrame sends a JSON frame over the WebSocket connection.
func SendFrame(conn *websocket.Conn, frame any) error {
	return conn.WriteJSON(frame)
}

// ReceiveMessage reads one JSON frame, waiting at most timeout.
func ReceiveMessage(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var message map[string]any
	err := conn.ReadJSON(&message)
	return message, err
}

// MustReceive is ReceiveMessage that fails the test on error.
func MustReceive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	msg, err := ReceiveMessage(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to receive message: %v", err)
	}
	return msg
}

// ExpectNoMessage fails the test if a frame arrives within d.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	if msg, err := ReceiveMessage(conn, d); err == nil {
		t.Errorf("Expected no message, got %v", msg)
	}
}

// ExpectClose reads until the server closes the connection and checks the
// close code.
func ExpectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("Expected close frame %d, got %v", code, err)
		}
		if closeErr.Code != code {
			t.Errorf("Expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
