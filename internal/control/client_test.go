package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Averden/uploadmatrix/internal/types"
)

func testClient(baseURL string) *Client {
	return New(Config{
		BaseURL:     baseURL,
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
		CallTimeout: 2 * time.Second,
	})
}

func TestOpenWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/browser/open" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "profile-7" {
			t.Errorf("expected name=profile-7, got %v", body)
		}
		_ = json.NewEncoder(w).Encode(OpenResult{
			WindowID: "w-7",
			WS:       "ws://127.0.0.1:9222/devtools/browser/abc",
			HTTP:     "http://127.0.0.1:9222",
		})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).OpenWindow(context.Background(), "", "profile-7")
	if err != nil {
		t.Fatalf("OpenWindow: %v", err)
	}
	if res.WindowID != "w-7" || res.WS == "" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestOpenWindowRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(OpenResult{WindowID: "w-1", WS: "ws://x"})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).OpenWindow(context.Background(), "w-1", "")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.WindowID != "w-1" {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestOpenWindowPermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(apiError{Code: 404, Msg: "window not found"})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).OpenWindow(context.Background(), "missing", "")
	if !errors.Is(err, types.ErrWindowNotFound) {
		t.Fatalf("expected ErrWindowNotFound, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("permanent error retried: %d calls", got)
	}
}

func TestCloseWindowIgnoresNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(apiError{Code: 404, Msg: "window not found"})
	}))
	defer srv.Close()

	if err := testClient(srv.URL).CloseWindow(context.Background(), "gone"); err != nil {
		t.Errorf("CloseWindow should tolerate missing windows, got %v", err)
	}
}

func TestListWindows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Window{
			{WindowID: "w-1", WindowName: "profile-1", Status: "open"},
			{WindowID: "w-2", WindowName: "profile-2", Status: "closed"},
		})
	}))
	defer srv.Close()

	windows, err := testClient(srv.URL).ListWindows(context.Background())
	if err != nil {
		t.Fatalf("ListWindows: %v", err)
	}
	if len(windows) != 2 || windows[0].WindowName != "profile-1" {
		t.Errorf("unexpected windows: %+v", windows)
	}
}

func TestErrorBodySanitized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiError{Code: 400, Msg: "invalid"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.call(context.Background(), "open", http.MethodPost, "/browser/open",
		map[string]any{"name": "p", "password": "hunter2"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "hunter2") {
		t.Errorf("error message leaks credentials: %v", err)
	}
	if !strings.Contains(err.Error(), "[REDACTED]") {
		t.Errorf("expected redaction marker in %v", err)
	}
}

func TestNetworkErrorIsTransientCategory(t *testing.T) {
	// Port 1 is reliably refused.
	c := New(Config{BaseURL: "http://127.0.0.1:1", MaxRetries: 1, RetryBase: time.Millisecond})
	_, err := c.ListWindows(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if types.Classify(err) != types.CategoryNetwork {
		t.Errorf("expected network category, got %s", types.Classify(err))
	}
	if !types.Retryable(err) {
		t.Error("network errors must be retryable")
	}
}
