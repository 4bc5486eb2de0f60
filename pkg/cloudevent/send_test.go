package cloudevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "400 Bad Request",
			err:      &HTTPError{StatusCode: 400},
			expected: true,
		},
		{
			name:     "401 Unauthorized",
			err:      &HTTPError{StatusCode: 401},
			expected: true,
		},
		{
			name:     "404 Not Found",
			err:      &HTTPError{StatusCode: 404},
			expected: true,
		},
		{
			name:     "499 client error boundary",
			err:      &HTTPError{StatusCode: 499},
			expected: true,
		},
		{
			name:     "500 Internal Server Error",
			err:      &HTTPError{StatusCode: 500},
			expected: false,
		},
		{
			name:     "503 Service Unavailable",
			err:      &HTTPError{StatusCode: 503},
			expected: false,
		},
		{
			name:     "399 not a client error",
			err:      &HTTPError{StatusCode: 399},
			expected: false,
		},
		{
			name:     "non-HTTP error",
			err:      context.DeadlineExceeded,
			expected: false,
		},
		{
			name:     "wrapped 422",
			err:      fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 422}),
			expected: true,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := IsClientError(tt.err)
			if got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestGenerateSignature(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)
	key := "secret-key"

	signature := generateSignature(payload, key)

	// Verify it starts with sha256=
	if len(signature) < 7 || signature[:7] != "sha256=" {
		t.Errorf("signature should start with 'sha256=', got %q", signature)
	}

	// Verify the hex part is 64 characters (SHA256 = 32 bytes = 64 hex chars)
	hexPart := signature[7:]
	if len(hexPart) != 64 {
		t.Errorf("signature hex part should be 64 chars, got %d", len(hexPart))
	}

	// Verify deterministic output
	signature2 := generateSignature(payload, key)
	if signature != signature2 {
		t.Error("signature should be deterministic")
	}

	// Different key should produce different signature
	signature3 := generateSignature(payload, "different-key")
	if signature == signature3 {
		t.Error("different keys should produce different signatures")
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"transport error", errors.New("connection refused"), true},
		{"408", &HTTPError{StatusCode: 408}, true},
		{"429", &HTTPError{StatusCode: 429}, true},
		{"500", &HTTPError{StatusCode: 500}, true},
		{"503 wrapped", fmt.Errorf("send: %w", &HTTPError{StatusCode: 503}), true},
		{"400", &HTTPError{StatusCode: 400}, false},
		{"410", &HTTPError{StatusCode: 410}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestNew_GeneratesID(t *testing.T) {
	t.Parallel()
	a := New("taskorch.job.succeeded", "taskorch", "job-1", "", nil)
	b := New("taskorch.job.succeeded", "taskorch", "job-1", "", nil)

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected distinct generated ids, got %q and %q", a.ID, b.ID)
	}
	if a.SpecVersion != "1.0" {
		t.Errorf("expected specversion 1.0, got %q", a.SpecVersion)
	}

	c := New("taskorch.job.failed", "taskorch", "job-1", "fixed", nil)
	if c.ID != "fixed" {
		t.Errorf("expected explicit id to be kept, got %q", c.ID)
	}
}

func TestSender_SignsBody(t *testing.T) {
	t.Parallel()
	const key = "secret-key"

	type received struct {
		body      []byte
		signature string
		ceType    string
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get("X-Signature-256"), ceType: r.Header.Get("Ce-Type")}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	event := New("taskorch.job.succeeded", "taskorch", "job-1", "", map[string]any{"jobId": "job-1"})
	err := NewSender(5*time.Second).Send(context.Background(), server.URL, event, SendOptions{SigningKey: key})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	r := <-got
	if r.ceType != "taskorch.job.succeeded" {
		t.Errorf("expected Ce-Type header, got %q", r.ceType)
	}
	if !Verify(r.body, key, r.signature) {
		t.Errorf("signature %q does not verify", r.signature)
	}
	if Verify(r.body, "other-key", r.signature) {
		t.Error("signature verified under the wrong key")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.ID != event.ID {
		t.Errorf("expected id %q, got %q", event.ID, decoded.ID)
	}
}

func TestSender_HTTPError(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewSender(5*time.Second).Send(context.Background(), server.URL, New("t", "s", "j", "", nil), SendOptions{})

	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected HTTP 503 error, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("expected 503 to be retryable")
	}
}
